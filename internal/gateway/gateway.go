// Package gateway is the HTTP surface: query execution, discovery,
// and the admin endpoints, behind bearer authentication.
package gateway

import (
	"encoding/json"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/mux"

	"github.com/fleetql/fleet/internal/auth"
	fleeterrors "github.com/fleetql/fleet/internal/errors"
	"github.com/fleetql/fleet/internal/observability"
	"github.com/fleetql/fleet/internal/orchestrator"
	"github.com/fleetql/fleet/internal/pool"
	"github.com/fleetql/fleet/internal/registry"
	"github.com/fleetql/fleet/pkg/api"
	"github.com/fleetql/fleet/pkg/models"
)

// AdminRole is the role required for registration, status, cache, and
// breaker administration.
const AdminRole = "admin"

// defaultQueryTimeout bounds query execution when the caller sets none.
const defaultQueryTimeout = 30 * time.Second

// Gateway serves the HTTP API.
type Gateway struct {
	orch    *orchestrator.Orchestrator
	reg     *registry.Registry
	pools   *pool.Manager
	authn   auth.Authenticator
	authz   *auth.Authorizer
	logger  observability.Logger
	metrics *observability.Metrics
}

// New creates a gateway.
func New(orch *orchestrator.Orchestrator, reg *registry.Registry, pools *pool.Manager,
	authn auth.Authenticator, authz *auth.Authorizer,
	logger observability.Logger, metrics *observability.Metrics) *Gateway {

	if logger == nil {
		logger = observability.NoopLogger{}
	}
	return &Gateway{
		orch:    orch,
		reg:     reg,
		pools:   pools,
		authn:   authn,
		authz:   authz,
		logger:  logger,
		metrics: metrics,
	}
}

// Router builds the route table.
func (g *Gateway) Router() *mux.Router {
	r := mux.NewRouter()
	r.Use(g.requestIDMiddleware)

	r.HandleFunc(api.PathHealth, g.handleHealth).Methods(http.MethodGet)
	r.HandleFunc(api.PathReady, g.handleReady).Methods(http.MethodGet)
	if g.metrics != nil {
		r.Handle(api.PathMetrics, g.metrics.Handler()).Methods(http.MethodGet)
	}

	authed := r.NewRoute().Subrouter()
	authed.Use(g.authMiddleware)
	authed.HandleFunc(api.PathQuery, g.handleQuery).Methods(http.MethodPost)
	authed.HandleFunc(api.PathQueryValidate, g.handleValidate).Methods(http.MethodPost)
	authed.HandleFunc(api.PathQueryExplain, g.handleExplain).Methods(http.MethodPost)
	authed.HandleFunc(api.PathSources, g.handleListSources).Methods(http.MethodGet)
	authed.HandleFunc(api.PathSources, g.handleRegisterSource).Methods(http.MethodPost)
	authed.HandleFunc(api.PathSourceSchema, g.handleGetSchema).Methods(http.MethodGet)
	authed.HandleFunc(api.PathSourceSchema, g.handleSetSchema).Methods(http.MethodPut)
	authed.HandleFunc(api.PathSourceStatus, g.handleSetStatus).Methods(http.MethodPut)
	authed.HandleFunc(api.PathSourceByID, g.handleDeactivateSource).Methods(http.MethodDelete)
	authed.HandleFunc(api.PathCacheSource, g.handleInvalidateCache).Methods(http.MethodDelete)
	authed.HandleFunc(api.PathBreakers, g.handleBreakers).Methods(http.MethodGet)
	authed.HandleFunc(api.PathBreakerByID, g.handleBreakerAction).Methods(http.MethodPost)
	authed.HandleFunc(api.PathPools, g.handlePools).Methods(http.MethodGet)
	return r
}

type requestIDKey struct{}

func (g *Gateway) requestIDMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := r.Header.Get("X-Request-Id")
		if id == "" {
			id = uuid.NewString()
		}
		w.Header().Set("X-Request-Id", id)
		ctx := contextWithRequestID(r.Context(), id)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func (g *Gateway) authMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		header := r.Header.Get("Authorization")
		if !strings.HasPrefix(header, "Bearer ") {
			g.writeError(w, r, fleeterrors.NewAuthFailed("missing bearer token"))
			return
		}
		ac, err := g.authn.Authenticate(r.Context(), strings.TrimPrefix(header, "Bearer "))
		if err != nil {
			g.writeError(w, r, err)
			return
		}
		next.ServeHTTP(w, r.WithContext(auth.WithContext(r.Context(), ac)))
	})
}

func (g *Gateway) handleQuery(w http.ResponseWriter, r *http.Request) {
	var req api.QueryRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		g.writeError(w, r, fleeterrors.NewValidation("request body", err.Error()))
		return
	}
	ac, _ := auth.FromContext(r.Context())
	timeout := time.Duration(req.TimeoutMs) * time.Millisecond
	if timeout <= 0 {
		timeout = defaultQueryTimeout
	}
	res, err := g.orch.Execute(r.Context(), orchestrator.Request{
		RequestID:   requestIDFrom(r.Context()),
		SQL:         req.Query,
		Params:      req.Params,
		PageSize:    req.PageSize,
		PageToken:   req.PageToken,
		CachePolicy: req.CachePolicy,
		Timeout:     timeout,
		Caller:      ac,
	})
	if err != nil {
		g.writeError(w, r, err)
		return
	}
	g.writeJSON(w, http.StatusOK, api.QueryResponse{
		Data: models.ResultData{Columns: res.Columns, Rows: res.Rows},
		Metadata: models.ResultMetadata{
			ExecutionTimeMs: res.Duration.Milliseconds(),
			RowCount:        len(res.Rows),
			DataSourcesUsed: res.Sources,
			Cached:          res.Cached,
		},
		NextPageToken: res.NextPageToken,
	})
}

func (g *Gateway) handleValidate(w http.ResponseWriter, r *http.Request) {
	var req api.QueryRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		g.writeError(w, r, fleeterrors.NewValidation("request body", err.Error()))
		return
	}
	if err := g.orch.Validate(req.Query); err != nil {
		body := errorBody(err)
		g.writeJSON(w, http.StatusOK, api.ValidateResponse{Valid: false, Error: &body})
		return
	}
	g.writeJSON(w, http.StatusOK, api.ValidateResponse{Valid: true})
}

func (g *Gateway) handleExplain(w http.ResponseWriter, r *http.Request) {
	var req api.QueryRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		g.writeError(w, r, fleeterrors.NewValidation("request body", err.Error()))
		return
	}
	ac, _ := auth.FromContext(r.Context())
	desc, err := g.orch.Explain(orchestrator.Request{SQL: req.Query, Caller: ac})
	if err != nil {
		g.writeError(w, r, err)
		return
	}
	g.writeJSON(w, http.StatusOK, desc)
}

func (g *Gateway) handleListSources(w http.ResponseWriter, r *http.Request) {
	ac, _ := auth.FromContext(r.Context())
	sources := g.reg.List(g.authz.Filter(ac))
	resp := api.SourcesResponse{Sources: make([]models.SourceInfo, 0, len(sources))}
	for _, s := range sources {
		ops := make([]string, 0, len(s.Operations))
		for _, op := range s.Operations.Slice() {
			ops = append(ops, string(op))
		}
		resp.Sources = append(resp.Sources, models.SourceInfo{
			ID:           s.ID,
			DisplayName:  s.DisplayName,
			Kind:         string(s.Kind),
			Status:       string(s.Status),
			Operations:   ops,
			RegisteredAt: s.RegisteredAt,
		})
	}
	g.writeJSON(w, http.StatusOK, resp)
}

func (g *Gateway) handleRegisterSource(w http.ResponseWriter, r *http.Request) {
	if !g.requireAdmin(w, r) {
		return
	}
	var cfg registry.DataSourceConfig
	if err := json.NewDecoder(r.Body).Decode(&cfg); err != nil {
		g.writeError(w, r, fleeterrors.NewValidation("request body", err.Error()))
		return
	}
	if err := g.reg.Register(r.Context(), cfg); err != nil {
		g.writeError(w, r, err)
		return
	}
	g.writeJSON(w, http.StatusCreated, map[string]string{"id": cfg.ID, "status": "registered"})
}

func (g *Gateway) handleGetSchema(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	ac, _ := auth.FromContext(r.Context())
	if !g.authz.CanSee(ac, id) {
		g.writeError(w, r, fleeterrors.NewAccessDenied(ac.CallerID, id, "SCHEMA"))
		return
	}
	schema, err := g.reg.GetSchema(id)
	if err != nil {
		g.writeError(w, r, err)
		return
	}
	g.writeJSON(w, http.StatusOK, schema)
}

func (g *Gateway) handleSetSchema(w http.ResponseWriter, r *http.Request) {
	if !g.requireAdmin(w, r) {
		return
	}
	id := mux.Vars(r)["id"]
	var schema registry.Schema
	if err := json.NewDecoder(r.Body).Decode(&schema); err != nil {
		g.writeError(w, r, fleeterrors.NewValidation("request body", err.Error()))
		return
	}
	if err := g.reg.SetSchema(id, &schema); err != nil {
		g.writeError(w, r, err)
		return
	}
	g.writeJSON(w, http.StatusOK, map[string]string{"id": id, "status": "updated"})
}

func (g *Gateway) handleSetStatus(w http.ResponseWriter, r *http.Request) {
	if !g.requireAdmin(w, r) {
		return
	}
	id := mux.Vars(r)["id"]
	var req api.StatusRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		g.writeError(w, r, fleeterrors.NewValidation("request body", err.Error()))
		return
	}
	if err := g.reg.SetStatus(id, registry.Status(req.Status)); err != nil {
		g.writeError(w, r, err)
		return
	}
	if registry.Status(req.Status) == registry.StatusOffline && g.pools != nil {
		g.pools.Drop(id)
	}
	g.writeJSON(w, http.StatusOK, map[string]string{"id": id, "status": req.Status})
}

func (g *Gateway) handleDeactivateSource(w http.ResponseWriter, r *http.Request) {
	if !g.requireAdmin(w, r) {
		return
	}
	id := mux.Vars(r)["id"]
	if err := g.reg.Deactivate(id); err != nil {
		g.writeError(w, r, err)
		return
	}
	if g.pools != nil {
		g.pools.Drop(id)
	}
	g.writeJSON(w, http.StatusOK, map[string]string{"id": id, "status": "deactivated"})
}

func (g *Gateway) handleInvalidateCache(w http.ResponseWriter, r *http.Request) {
	if !g.requireAdmin(w, r) {
		return
	}
	id := mux.Vars(r)["id"]
	if err := g.orch.InvalidateCache(r.Context(), id); err != nil {
		g.writeError(w, r, err)
		return
	}
	g.writeJSON(w, http.StatusOK, map[string]string{"id": id, "status": "invalidated"})
}

func (g *Gateway) handleBreakers(w http.ResponseWriter, r *http.Request) {
	if !g.requireAdmin(w, r) {
		return
	}
	g.writeJSON(w, http.StatusOK, g.orch.BreakerSnapshots())
}

func (g *Gateway) handleBreakerAction(w http.ResponseWriter, r *http.Request) {
	if !g.requireAdmin(w, r) {
		return
	}
	id := mux.Vars(r)["id"]
	var req api.BreakerAction
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		g.writeError(w, r, fleeterrors.NewValidation("request body", err.Error()))
		return
	}
	var err error
	switch req.Action {
	case "trip":
		err = g.orch.TripBreaker(id)
	case "reset":
		err = g.orch.ResetBreaker(id)
	default:
		err = fleeterrors.NewValidation("action", "must be trip or reset")
	}
	if err != nil {
		g.writeError(w, r, err)
		return
	}
	g.writeJSON(w, http.StatusOK, map[string]string{"id": id, "action": req.Action})
}

func (g *Gateway) handlePools(w http.ResponseWriter, r *http.Request) {
	if !g.requireAdmin(w, r) {
		return
	}
	g.writeJSON(w, http.StatusOK, g.orch.PoolStats())
}

func (g *Gateway) handleHealth(w http.ResponseWriter, r *http.Request) {
	g.writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (g *Gateway) handleReady(w http.ResponseWriter, r *http.Request) {
	sources := g.reg.List(nil)
	online := 0
	for _, s := range sources {
		if s.Status == registry.StatusOnline {
			online++
		}
	}
	g.writeJSON(w, http.StatusOK, map[string]interface{}{
		"status":         "ready",
		"sources":        len(sources),
		"sources_online": online,
	})
}

// requireAdmin gates the administrative endpoints on the admin role.
func (g *Gateway) requireAdmin(w http.ResponseWriter, r *http.Request) bool {
	ac, ok := auth.FromContext(r.Context())
	if !ok {
		g.writeError(w, r, fleeterrors.NewAuthFailed("no caller identity"))
		return false
	}
	for _, role := range ac.Roles {
		if role == AdminRole {
			return true
		}
	}
	g.logger.LogAccessDenied(ac.CallerID, "", "ADMIN")
	g.writeError(w, r, fleeterrors.NewAccessDenied(ac.CallerID, "", "ADMIN"))
	return false
}
