package orchestrator

import (
	"context"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/fleetql/fleet/internal/adapters"
	"github.com/fleetql/fleet/internal/auth"
	"github.com/fleetql/fleet/internal/breaker"
	"github.com/fleetql/fleet/internal/cache"
	"github.com/fleetql/fleet/internal/capabilities"
	fleeterrors "github.com/fleetql/fleet/internal/errors"
	"github.com/fleetql/fleet/internal/observability"
	"github.com/fleetql/fleet/internal/pool"
	"github.com/fleetql/fleet/internal/registry"
	"github.com/fleetql/fleet/internal/sqlparse"
	"github.com/fleetql/fleet/internal/translate"
)

// Cache policies selectable per request.
const (
	// CacheUse reads and writes the result cache. The default.
	CacheUse = "use"
	// CacheBypass skips the cache in both directions.
	CacheBypass = "bypass"
	// CacheRefresh skips the lookup but stores the fresh result.
	CacheRefresh = "refresh"
)

// Request is one query execution request.
type Request struct {
	RequestID   string
	SQL         string
	Params      map[string]interface{}
	PageSize    int
	PageToken   string
	CachePolicy string
	Timeout     time.Duration
	Caller      *auth.Context
}

// Result is the merged, paginated query result.
type Result struct {
	Columns       []string
	Rows          [][]interface{}
	Sources       []string
	Cached        bool
	NextPageToken string
	Duration      time.Duration
}

// Config wires the orchestrator's collaborators.
type Config struct {
	Registry       *registry.Registry
	Translators    *translate.Registry
	Pools          *pool.Manager
	Breakers       *breaker.Registry
	Cache          cache.Cache
	Authorizer     *auth.Authorizer
	Logger         observability.Logger
	Metrics        *observability.Metrics
	ConflictPolicy ConflictPolicy
}

// Orchestrator executes federated queries end to end.
type Orchestrator struct {
	parser   *sqlparse.Parser
	planner  *Planner
	reg      *registry.Registry
	trans    *translate.Registry
	pools    *pool.Manager
	breakers *breaker.Registry
	cache    cache.Cache
	authz    *auth.Authorizer
	logger   observability.Logger
	metrics  *observability.Metrics
	policy   ConflictPolicy
	pages    *pageStore
	flight   *flight
}

// New creates an orchestrator.
func New(cfg Config) *Orchestrator {
	if cfg.Logger == nil {
		cfg.Logger = observability.NoopLogger{}
	}
	if cfg.ConflictPolicy == "" {
		cfg.ConflictPolicy = ConflictWarn
	}
	return &Orchestrator{
		parser:   sqlparse.NewParser(),
		planner:  NewPlanner(cfg.Registry),
		reg:      cfg.Registry,
		trans:    cfg.Translators,
		pools:    cfg.Pools,
		breakers: cfg.Breakers,
		cache:    cfg.Cache,
		authz:    cfg.Authorizer,
		logger:   cfg.Logger,
		metrics:  cfg.Metrics,
		policy:   cfg.ConflictPolicy,
		pages:    newPageStore(),
		flight:   newFlight(),
	}
}

// Validate parses the query without executing it.
func (o *Orchestrator) Validate(sql string) error {
	_, err := o.parser.Validate(sql)
	return err
}

// Explain plans the query without executing it.
func (o *Orchestrator) Explain(req Request) (*PlanDescription, error) {
	q, err := o.parser.Parse(req.SQL)
	if err != nil {
		return nil, err
	}
	plan, err := o.planner.Build(q)
	if err != nil {
		return nil, err
	}
	if err := o.authorize(req.Caller, plan); err != nil {
		return nil, err
	}
	return plan.Describe(), nil
}

// Execute runs one query through the full pipeline: parse, plan,
// authorize, cache lookup, coalesced parallel fetch, in-process join,
// post-merge, cache store, paginate.
func (o *Orchestrator) Execute(ctx context.Context, req Request) (*Result, error) {
	start := time.Now()
	res, err := o.execute(ctx, req)
	elapsed := time.Since(start)

	entry := observability.QueryLog{
		RequestID:  req.RequestID,
		CallerID:   callerID(req.Caller),
		Query:      req.SQL,
		DurationMs: elapsed.Milliseconds(),
		Outcome:    "ok",
	}
	cached := "false"
	if err != nil {
		if fe, ok := fleeterrors.As(err); ok {
			entry.Outcome = fe.Code
		} else {
			entry.Outcome = "INTERNAL"
		}
	} else {
		res.Duration = elapsed
		entry.Sources = res.Sources
		entry.CacheHit = res.Cached
		entry.Rows = len(res.Rows)
		if res.Cached {
			cached = "true"
		}
	}
	o.logger.LogQuery(entry)
	if o.metrics != nil {
		o.metrics.QueriesTotal.WithLabelValues(entry.Outcome, cached).Inc()
		o.metrics.QueryDuration.WithLabelValues(cached).Observe(elapsed.Seconds())
	}
	return res, err
}

func (o *Orchestrator) execute(ctx context.Context, req Request) (*Result, error) {
	if req.Caller == nil {
		return nil, fleeterrors.NewAuthFailed("no caller identity")
	}
	switch req.CachePolicy {
	case "", CacheUse, CacheBypass, CacheRefresh:
	default:
		return nil, fleeterrors.NewValidation("cache_policy",
			"must be use, bypass, or refresh")
	}
	if req.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, req.Timeout)
		defer cancel()
	}
	if req.PageToken != "" {
		rs, sources, next, err := o.pages.page(req.PageToken, req.Caller.CallerID, req.PageSize)
		if err != nil {
			return nil, err
		}
		return &Result{
			Columns:       rs.Columns,
			Rows:          rs.Rows,
			Sources:       sources,
			NextPageToken: next,
		}, nil
	}

	q, err := o.parser.Parse(req.SQL)
	if err != nil {
		return nil, err
	}
	plan, err := o.planner.Build(q)
	if err != nil {
		return nil, err
	}
	if err := o.authorize(req.Caller, plan); err != nil {
		return nil, err
	}

	key := cache.Key(q.Normalized, req.Params, plan.Sources)
	if o.cache != nil && (req.CachePolicy == "" || req.CachePolicy == CacheUse) {
		e, hit, cerr := o.cache.Get(ctx, key)
		if cerr != nil {
			// Cache trouble degrades to a miss.
			o.logger.LogEvent("warn", "cache", "cache read failed, bypassing", nil)
		}
		if o.metrics != nil {
			if hit {
				o.metrics.CacheEvents.WithLabelValues("hit").Inc()
			} else {
				o.metrics.CacheEvents.WithLabelValues("miss").Inc()
			}
		}
		if hit {
			rs := &adapters.RowSet{Columns: e.Columns, Rows: e.Rows}
			return o.paginate(req, rs, e.Sources, true), nil
		}
	}

	res, _, err := o.flight.do(ctx, key, func(fctx context.Context) (*execResult, error) {
		return o.run(fctx, plan, req.Params)
	})
	if err != nil {
		return nil, err
	}

	if o.cache != nil && req.CachePolicy != CacheBypass {
		ttl := o.cacheTTL(res.sources)
		e := &cache.Entry{
			Columns:  res.rows.Columns,
			Rows:     res.rows.Rows,
			Sources:  res.sources,
			StoredAt: time.Now().UTC(),
		}
		if err := o.cache.Set(ctx, key, e, ttl); err != nil {
			o.logger.LogEvent("warn", "cache", "cache write failed", nil)
		} else if o.metrics != nil {
			o.metrics.CacheEvents.WithLabelValues("store").Inc()
		}
	}
	return o.paginate(req, res.rows, res.sources, false), nil
}

// authorize checks the caller's grants on every source the plan
// touches, for exactly the operations the query asks of each.
func (o *Orchestrator) authorize(ac *auth.Context, plan *Plan) error {
	if o.authz == nil {
		return nil
	}
	needAgg := plan.Query.HasAggregate() || len(plan.Query.GroupBy) > 0
	crossJoined := make(map[int]bool)
	for _, j := range plan.Joins {
		crossJoined[j.LeftStep] = true
		crossJoined[j.RightStep] = true
	}
	for i, step := range plan.Steps {
		ops := []capabilities.Operation{capabilities.OperationSelect}
		if len(step.Fragment.Where) > 0 || len(plan.PostFilter) > 0 {
			ops = append(ops, capabilities.OperationFilter)
		}
		if len(step.Fragment.Joins) > 0 || crossJoined[i] {
			ops = append(ops, capabilities.OperationJoin)
		}
		if needAgg {
			ops = append(ops, capabilities.OperationAggregate)
		}
		for _, op := range ops {
			if err := o.authz.Authorize(ac, step.Source, op); err != nil {
				return err
			}
		}
	}
	return nil
}

// run executes the plan: parallel fetches, then joins and the
// post-merge pipeline.
func (o *Orchestrator) run(ctx context.Context, plan *Plan, params map[string]interface{}) (*execResult, error) {
	results := make([]*adapters.RowSet, len(plan.Steps))
	g, gctx := errgroup.WithContext(ctx)
	for i, step := range plan.Steps {
		i, step := i, step
		g.Go(func() error {
			rs, err := o.fetchStep(gctx, step, params, true)
			if err != nil {
				return err
			}
			results[i] = rs
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	// Rename fetched columns positionally so downstream processing
	// does not depend on backend identifier casing.
	for i, step := range plan.Steps {
		if len(step.OutputColumns) > 0 && len(step.OutputColumns) == len(results[i].Columns) {
			results[i].Columns = step.OutputColumns
		}
	}

	merged, err := o.merge(plan, results)
	if err != nil {
		return nil, err
	}

	if len(plan.PostFilter) > 0 {
		merged, err = applyPostFilter(merged, plan.PostFilter, params)
		if err != nil {
			return nil, err
		}
	}
	if plan.PostAggregate {
		merged, err = applyAggregate(merged, plan.Query)
		if err != nil {
			return nil, err
		}
	}
	if plan.PostOrder {
		if err := applySort(merged, plan.Query); err != nil {
			return nil, err
		}
	}
	if plan.PostProject {
		merged, err = applyProject(merged, plan.Query)
		if err != nil {
			return nil, err
		}
	}
	if plan.PostLimit && plan.Query.Limit != nil && len(merged.Rows) > *plan.Query.Limit {
		merged.Rows = merged.Rows[:*plan.Query.Limit]
	}
	return &execResult{rows: merged, sources: plan.Sources}, nil
}

// merge folds the fetched step results together with hash joins, in
// declared join order.
func (o *Orchestrator) merge(plan *Plan, results []*adapters.RowSet) (*adapters.RowSet, error) {
	merged := results[0]
	inMerged := map[int]bool{0: true}
	for _, spec := range plan.Joins {
		right := spec.RightStep
		if inMerged[spec.RightStep] && !inMerged[spec.LeftStep] {
			// The join was written with the merged side on the right;
			// flip it so the accumulated result stays on the left.
			spec.LeftKey, spec.RightKey = spec.RightKey, spec.LeftKey
			switch spec.Type {
			case sqlparse.JoinLeft:
				spec.Type = sqlparse.JoinRight
			case sqlparse.JoinRight:
				spec.Type = sqlparse.JoinLeft
			}
			right = spec.LeftStep
		}
		leftWidth := len(merged.Columns)
		joined, err := hashJoin(merged, results[right], spec)
		if err != nil {
			return nil, err
		}
		if err := checkConflicts(joined, leftWidth, o.policy, func(column string, lv, rv interface{}) {
			o.logger.LogEvent("warn", "orchestrator", "cross-source conflict on "+column,
				map[string]interface{}{"left": lv, "right": rv})
		}); err != nil {
			return nil, err
		}
		merged = joined
		inMerged[right] = true
		inMerged[spec.LeftStep] = true
		inMerged[spec.RightStep] = true
	}
	return merged, nil
}

// fetchStep runs one fetch through translation, the breaker, the pool,
// and the retry policy. A circuit-open rejection reroutes to the
// source's fallback once.
func (o *Orchestrator) fetchStep(ctx context.Context, step *Step,
	params map[string]interface{}, allowFallback bool) (*adapters.RowSet, error) {

	src, err := o.reg.Get(step.Source)
	if err != nil {
		return nil, err
	}
	if src.Status == registry.StatusOffline {
		return o.reroute(ctx, step, params, allowFallback, fleeterrors.NewSourceOffline(src.ID))
	}

	schema, _ := o.reg.GetSchema(src.ID)
	strategy, err := o.trans.For(src.Kind)
	if err != nil {
		return nil, err
	}
	tq, err := strategy.Translate(step.Fragment, src, schema, params)
	if err != nil {
		return nil, err
	}

	br := o.breakers.For(src.ID, src.Config.Breaker)
	if err := br.Allow(); err != nil {
		return o.reroute(ctx, step, params, allowFallback, err)
	}

	var rs *adapters.RowSet
	err = adapters.WithRetry(ctx, func(ctx context.Context) error {
		conn, err := o.pools.Acquire(ctx, src.ID)
		if err != nil {
			return err
		}
		r, err := conn.ExecuteNative(ctx, tq)
		o.pools.Release(src.ID, conn, err != nil && fleeterrors.IsTransient(err))
		if err != nil {
			return err
		}
		rs = r
		return nil
	})
	if err != nil {
		// Only transient failures move the circuit; a permanent error,
		// like a malformed translated query, says nothing about the
		// backend's health.
		if fe, ok := fleeterrors.As(err); ok &&
			fe.Category == fleeterrors.CategoryExecution && fe.Transient {
			br.Failure()
		}
		if o.metrics != nil {
			code := "INTERNAL"
			if fe, ok := fleeterrors.As(err); ok {
				code = fe.Code
			}
			o.metrics.SourceErrors.WithLabelValues(src.ID, code).Inc()
		}
		o.syncBreakerMetric(src.ID, br)
		return nil, err
	}
	br.Success()
	o.syncBreakerMetric(src.ID, br)
	return rs, nil
}

// reroute retries a fetch against the source's configured fallback.
// The original error stands when no usable fallback exists.
func (o *Orchestrator) reroute(ctx context.Context, step *Step,
	params map[string]interface{}, allowFallback bool, cause error) (*adapters.RowSet, error) {

	if !allowFallback {
		return nil, cause
	}
	fb, ok := o.reg.FallbackFor(step.Source)
	if !ok {
		return nil, cause
	}
	o.logger.LogEvent("info", "orchestrator", "rerouting to fallback",
		map[string]interface{}{"from": step.Source, "to": fb})

	frag := *step.Fragment
	frag.Source = fb
	fbStep := &Step{Source: fb, Fragment: &frag, OutputColumns: step.OutputColumns}
	rs, err := o.fetchStep(ctx, fbStep, params, false)
	if err != nil {
		return nil, cause
	}
	return rs, nil
}

// paginate slices the merged result into the first page, snapshotting
// the remainder behind a page token.
func (o *Orchestrator) paginate(req Request, rs *adapters.RowSet, sources []string, cached bool) *Result {
	res := &Result{
		Columns: rs.Columns,
		Rows:    rs.Rows,
		Sources: sources,
		Cached:  cached,
	}
	if req.PageSize > 0 && len(rs.Rows) > req.PageSize {
		id := o.pages.put(req.Caller.CallerID, rs, sources)
		res.Rows = rs.Rows[:req.PageSize]
		res.NextPageToken = encodeToken(pageToken{ID: id, Offset: req.PageSize})
	}
	return res
}

// cacheTTL is the most conservative TTL across the contributing
// sources.
func (o *Orchestrator) cacheTTL(sources []string) time.Duration {
	ttl := time.Duration(0)
	for _, id := range sources {
		t := o.reg.TTLFor(id)
		if ttl == 0 || t < ttl {
			ttl = t
		}
	}
	if ttl == 0 {
		ttl = registry.DefaultCacheTTL
	}
	return ttl
}

// InvalidateCache drops cached results derived from a source. Wired to
// write notifications and schema changes.
func (o *Orchestrator) InvalidateCache(ctx context.Context, sourceID string) error {
	if o.cache == nil {
		return nil
	}
	err := o.cache.Invalidate(ctx, sourceID)
	if err == nil && o.metrics != nil {
		o.metrics.CacheEvents.WithLabelValues("invalidate").Inc()
	}
	return err
}

// TripBreaker forces a source's circuit open.
func (o *Orchestrator) TripBreaker(id string) error {
	src, err := o.reg.Get(id)
	if err != nil {
		return err
	}
	br := o.breakers.For(id, src.Config.Breaker)
	br.ForceOpen()
	o.syncBreakerMetric(id, br)
	return nil
}

// ResetBreaker force-closes a source's circuit.
func (o *Orchestrator) ResetBreaker(id string) error {
	src, err := o.reg.Get(id)
	if err != nil {
		return err
	}
	br := o.breakers.For(id, src.Config.Breaker)
	br.ForceClose()
	o.syncBreakerMetric(id, br)
	return nil
}

// BreakerSnapshots exposes breaker state for the admin surface.
func (o *Orchestrator) BreakerSnapshots() map[string]breaker.Snapshot {
	return o.breakers.Snapshots()
}

// PoolStats exposes pool occupancy for the admin surface.
func (o *Orchestrator) PoolStats() map[string]pool.Stats {
	return o.pools.StatsAll()
}

// SyncMetrics pushes pool and breaker gauges. Run it on a ticker.
func (o *Orchestrator) SyncMetrics() {
	if o.metrics == nil {
		return
	}
	for id, s := range o.pools.StatsAll() {
		o.metrics.SetPoolStats(id, s.Active, s.Idle, s.Waiting)
	}
	for id, s := range o.breakers.Snapshots() {
		o.metrics.SetBreakerState(id, string(s.State))
	}
}

func (o *Orchestrator) syncBreakerMetric(id string, br *breaker.Breaker) {
	if o.metrics != nil {
		o.metrics.SetBreakerState(id, string(br.Snapshot().State))
	}
}

func callerID(ac *auth.Context) string {
	if ac == nil {
		return ""
	}
	return ac.CallerID
}
