// Package api defines the gateway's HTTP contract: routes, request
// bodies, and response envelopes.
package api

import "github.com/fleetql/fleet/pkg/models"

// API routes.
const (
	PathQuery         = "/api/v1/query"
	PathQueryValidate = "/api/v1/query/validate"
	PathQueryExplain  = "/api/v1/query/explain"
	PathSources       = "/api/v1/sources"
	PathSourceSchema  = "/api/v1/sources/{id}/schema"
	PathSourceStatus  = "/api/v1/sources/{id}/status"
	PathSourceByID    = "/api/v1/sources/{id}"
	PathCacheSource   = "/api/v1/admin/cache/{id}"
	PathBreakers      = "/api/v1/admin/breakers"
	PathBreakerByID   = "/api/v1/admin/breakers/{id}"
	PathPools         = "/api/v1/admin/pools"
	PathHealth        = "/health"
	PathReady         = "/readyz"
	PathMetrics       = "/metrics"
)

// QueryRequest is the body of POST /api/v1/query.
type QueryRequest struct {
	Query     string                 `json:"query"`
	Params    map[string]interface{} `json:"params,omitempty"`
	PageSize  int                    `json:"page_size,omitempty"`
	PageToken string                 `json:"page_token,omitempty"`
	// CachePolicy is "use" (default), "bypass", or "refresh".
	CachePolicy string `json:"cache_policy,omitempty"`
	// TimeoutMs bounds the execution; zero means no per-query bound.
	TimeoutMs int `json:"timeout_ms,omitempty"`
}

// QueryResponse is the success envelope of a query.
type QueryResponse struct {
	Data          models.ResultData     `json:"data"`
	Metadata      models.ResultMetadata `json:"metadata"`
	NextPageToken string                `json:"next_page_token,omitempty"`
}

// ValidateResponse is the body of a validation check.
type ValidateResponse struct {
	Valid bool              `json:"valid"`
	Error *models.ErrorBody `json:"error,omitempty"`
}

// ErrorResponse is the failure envelope of any endpoint.
type ErrorResponse struct {
	Error     models.ErrorBody `json:"error"`
	RequestID string           `json:"request_id,omitempty"`
}

// StatusRequest is the body of PUT /api/v1/sources/{id}/status.
type StatusRequest struct {
	Status string `json:"status"`
}

// SourcesResponse lists the sources visible to the caller.
type SourcesResponse struct {
	Sources []models.SourceInfo `json:"sources"`
}

// BreakerAction is the body of POST /api/v1/admin/breakers/{id}.
type BreakerAction struct {
	Action string `json:"action"` // "trip" or "reset"
}
