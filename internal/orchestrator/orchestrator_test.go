package orchestrator

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/fleetql/fleet/internal/adapters"
	"github.com/fleetql/fleet/internal/auth"
	"github.com/fleetql/fleet/internal/breaker"
	"github.com/fleetql/fleet/internal/cache"
	"github.com/fleetql/fleet/internal/capabilities"
	fleeterrors "github.com/fleetql/fleet/internal/errors"
	"github.com/fleetql/fleet/internal/pool"
	"github.com/fleetql/fleet/internal/registry"
	"github.com/fleetql/fleet/internal/translate"
)

// harness wires a full orchestrator against in-process backends.
type harness struct {
	orch   *Orchestrator
	reg    *registry.Registry
	claims *adapters.MemoryBackend
	ledger *adapters.MemoryBackend
	cards  *adapters.MemoryBackend
	mirror *adapters.MemoryBackend
}

func schemaOf(table string, cols ...string) *registry.Schema {
	t := registry.Table{Name: table}
	for _, c := range cols {
		t.Columns = append(t.Columns, registry.Column{Name: c, Type: "string"})
	}
	return &registry.Schema{Tables: []registry.Table{t}}
}

func newHarness(t *testing.T, policy ConflictPolicy) *harness {
	t.Helper()

	h := &harness{
		claims: adapters.NewMemoryBackend(),
		ledger: adapters.NewMemoryBackend(),
		cards:  adapters.NewMemoryBackend(),
		mirror: adapters.NewMemoryBackend(),
	}
	h.claims.SetTable("claims",
		[]string{"claim_id", "status", "adjuster"},
		[][]interface{}{
			{"c1", "open", "smith"},
			{"c2", "closed", "jones"},
			{"c3", "open", "smith"},
		})
	h.ledger.SetTable("transactions",
		[]string{"txn_id", "claim_id", "amount"},
		[][]interface{}{
			{"t1", "c1", 100.0},
			{"t2", "c1", 250.0},
			{"t3", "c2", 75.0},
		})
	h.cards.SetTable("authorizations",
		[]string{"auth_id", "claim_id", "amount"},
		[][]interface{}{{"a1", "c1", 999.0}})
	h.mirror.SetTable("authorizations",
		[]string{"auth_id", "claim_id", "amount"},
		[][]interface{}{{"m1", "c1", 500.0}})

	mem := adapters.NewMemoryAdapter()
	mem.AddBackend("claims", h.claims)
	mem.AddBackend("ledger", h.ledger)
	mem.AddBackend("cards", h.cards)
	mem.AddBackend("mirror", h.mirror)

	factory := adapters.NewFactory()
	factory.Register(mem)
	h.reg = registry.New(factory)

	register := func(cfg registry.DataSourceConfig) {
		if err := h.reg.Register(context.Background(), cfg); err != nil {
			t.Fatalf("register %s: %v", cfg.ID, err)
		}
	}
	register(registry.DataSourceConfig{
		ID: "claims", Kind: capabilities.KindCustom,
		Breaker: registry.BreakerConfig{
			FailureThreshold:   2,
			HalfOpenRetryDelay: time.Minute,
		},
		Schema: schemaOf("claims", "claim_id", "status", "adjuster"),
	})
	register(registry.DataSourceConfig{
		ID: "ledger", Kind: capabilities.KindCustom,
		Schema: schemaOf("transactions", "txn_id", "claim_id", "amount"),
	})
	register(registry.DataSourceConfig{
		ID: "cards", Kind: capabilities.KindCustom, Fallback: "mirror",
		Schema: schemaOf("authorizations", "auth_id", "claim_id", "amount"),
	})
	register(registry.DataSourceConfig{
		ID: "mirror", Kind: capabilities.KindCustom,
		Schema: schemaOf("authorizations", "auth_id", "claim_id", "amount"),
	})

	az := auth.NewAuthorizer()
	az.Grant("analyst", auth.WildcardSource)
	az.Grant("reader", "claims",
		capabilities.OperationSelect, capabilities.OperationFilter)

	h.orch = New(Config{
		Registry:       h.reg,
		Translators:    translate.DefaultRegistry(),
		Pools:          pool.NewManager(factory, h.reg),
		Breakers:       breaker.NewRegistry(),
		Cache:          cache.NewMemoryCache(32),
		Authorizer:     az,
		ConflictPolicy: policy,
	})
	return h
}

func analyst() *auth.Context {
	return &auth.Context{CallerID: "reporting", Roles: []string{"analyst"}}
}

func mustExecute(t *testing.T, h *harness, req Request) *Result {
	t.Helper()
	res, err := h.orch.Execute(context.Background(), req)
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	return res
}

func codeOf(err error) string {
	fe, ok := fleeterrors.As(err)
	if !ok {
		return ""
	}
	return fe.Code
}

func TestExecuteSingleSource(t *testing.T) {
	h := newHarness(t, ConflictWarn)
	res := mustExecute(t, h, Request{
		SQL:    "SELECT claim_id, status FROM claims.claims WHERE status = :status",
		Params: map[string]interface{}{"status": "open"},
		Caller: analyst(),
	})
	if len(res.Columns) != 2 || res.Columns[0] != "claim_id" {
		t.Errorf("columns = %v", res.Columns)
	}
	if len(res.Rows) != 2 {
		t.Fatalf("rows = %v", res.Rows)
	}
	if res.Rows[0][0] != "c1" || res.Rows[1][0] != "c3" {
		t.Errorf("rows = %v", res.Rows)
	}
	if len(res.Sources) != 1 || res.Sources[0] != "claims" {
		t.Errorf("sources = %v", res.Sources)
	}
	if res.Cached {
		t.Error("first execution reported cached")
	}
}

func TestExecuteCrossSourceJoin(t *testing.T) {
	h := newHarness(t, ConflictWarn)
	res := mustExecute(t, h, Request{
		SQL: "SELECT c.claim_id, c.status, l.amount FROM claims.claims c " +
			"JOIN ledger.transactions l ON c.claim_id = l.claim_id",
		Caller: analyst(),
	})
	want := []string{"claim_id", "status", "amount"}
	if len(res.Columns) != 3 {
		t.Fatalf("columns = %v", res.Columns)
	}
	for i, c := range want {
		if res.Columns[i] != c {
			t.Errorf("column %d = %s, want %s", i, res.Columns[i], c)
		}
	}
	// c1 matches two transactions, c2 one, c3 none.
	if len(res.Rows) != 3 {
		t.Fatalf("rows = %v", res.Rows)
	}
	if res.Rows[0][0] != "c1" || res.Rows[0][2] != 100.0 {
		t.Errorf("first row = %v", res.Rows[0])
	}
	if res.Rows[2][0] != "c2" || res.Rows[2][2] != 75.0 {
		t.Errorf("last row = %v", res.Rows[2])
	}
	if len(res.Sources) != 2 {
		t.Errorf("sources = %v", res.Sources)
	}
}

func TestExecuteJoinWithPostMergeAggregate(t *testing.T) {
	h := newHarness(t, ConflictWarn)
	res := mustExecute(t, h, Request{
		SQL: "SELECT c.status, count(*) AS n, sum(l.amount) AS total " +
			"FROM claims.claims c JOIN ledger.transactions l ON c.claim_id = l.claim_id " +
			"GROUP BY status",
		Caller: analyst(),
	})
	if len(res.Columns) != 3 || res.Columns[1] != "n" || res.Columns[2] != "total" {
		t.Fatalf("columns = %v", res.Columns)
	}
	if len(res.Rows) != 2 {
		t.Fatalf("rows = %v", res.Rows)
	}
	if res.Rows[0][0] != "open" || res.Rows[0][1] != int64(2) || res.Rows[0][2] != 350.0 {
		t.Errorf("open group = %v", res.Rows[0])
	}
	if res.Rows[1][0] != "closed" || res.Rows[1][1] != int64(1) || res.Rows[1][2] != 75.0 {
		t.Errorf("closed group = %v", res.Rows[1])
	}
}

func TestExecuteCacheHitAndInvalidation(t *testing.T) {
	h := newHarness(t, ConflictWarn)
	req := Request{
		SQL:    "SELECT claim_id FROM claims.claims WHERE status = 'open'",
		Caller: analyst(),
	}

	first := mustExecute(t, h, req)
	if first.Cached {
		t.Error("first execution cached")
	}
	second := mustExecute(t, h, req)
	if !second.Cached {
		t.Error("second execution missed the cache")
	}
	if len(second.Rows) != len(first.Rows) {
		t.Errorf("cached rows = %v", second.Rows)
	}

	if err := h.orch.InvalidateCache(context.Background(), "claims"); err != nil {
		t.Fatalf("invalidate: %v", err)
	}
	third := mustExecute(t, h, req)
	if third.Cached {
		t.Error("execution after invalidation served from cache")
	}
}

func TestExecuteCachePolicies(t *testing.T) {
	h := newHarness(t, ConflictWarn)
	req := Request{
		SQL:    "SELECT claim_id FROM claims.claims",
		Caller: analyst(),
	}
	mustExecute(t, h, req)

	// Bypass ignores the stored entry and stores nothing.
	req.CachePolicy = CacheBypass
	if res := mustExecute(t, h, req); res.Cached {
		t.Error("bypass served from cache")
	}

	// Refresh re-executes but replaces the stored entry.
	req.CachePolicy = CacheRefresh
	if res := mustExecute(t, h, req); res.Cached {
		t.Error("refresh served from cache")
	}
	req.CachePolicy = CacheUse
	if res := mustExecute(t, h, req); !res.Cached {
		t.Error("entry missing after refresh")
	}

	req.CachePolicy = "never"
	if _, err := h.orch.Execute(context.Background(), req); codeOf(err) != "INVALID_REQUEST" {
		t.Errorf("bad policy error = %v", err)
	}
}

func TestExecuteTimeout(t *testing.T) {
	h := newHarness(t, ConflictWarn)
	h.claims.SetError(errors.New("slow store"))
	_, err := h.orch.Execute(context.Background(), Request{
		SQL:     "SELECT claim_id FROM claims.claims",
		Timeout: time.Millisecond,
		Caller:  analyst(),
	})
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("error = %v, want deadline exceeded", err)
	}
}

func TestExecuteBreakerTripsAfterConsecutiveFailures(t *testing.T) {
	h := newHarness(t, ConflictWarn)
	h.claims.SetError(errors.New("store outage"))
	req := Request{
		SQL:    "SELECT claim_id FROM claims.claims",
		Caller: analyst(),
	}

	for i := 0; i < 2; i++ {
		_, err := h.orch.Execute(context.Background(), req)
		if codeOf(err) != "EXECUTION_FAILED" {
			t.Fatalf("failure %d: %v", i+1, err)
		}
	}

	_, err := h.orch.Execute(context.Background(), req)
	if codeOf(err) != "CIRCUIT_OPEN" {
		t.Fatalf("error after trip = %v", err)
	}
	fe, _ := fleeterrors.As(err)
	if fe.RetryAfter <= 0 {
		t.Errorf("retry after = %s", fe.RetryAfter)
	}
	if h.orch.BreakerSnapshots()["claims"].State != breaker.StateOpen {
		t.Error("breaker snapshot not open")
	}

	// A reset plus a recovered backend restores service.
	h.claims.SetError(nil)
	if err := h.orch.ResetBreaker("claims"); err != nil {
		t.Fatalf("reset: %v", err)
	}
	res := mustExecute(t, h, req)
	if len(res.Rows) != 3 {
		t.Errorf("rows after recovery = %v", res.Rows)
	}
}

func TestExecutePermanentErrorsLeaveBreakerClosed(t *testing.T) {
	h := newHarness(t, ConflictWarn)
	h.claims.SetError(fleeterrors.NewExecutionFailed("claims",
		errors.New("column dropped upstream"), false))
	req := Request{
		SQL:    "SELECT claim_id FROM claims.claims",
		Caller: analyst(),
	}

	// Well past the failure threshold of 2.
	for i := 0; i < 4; i++ {
		_, err := h.orch.Execute(context.Background(), req)
		if codeOf(err) != "EXECUTION_FAILED" {
			t.Fatalf("failure %d: %v", i+1, err)
		}
	}
	if state := h.orch.BreakerSnapshots()["claims"].State; state != breaker.StateClosed {
		t.Errorf("breaker = %s after permanent errors, want closed", state)
	}

	h.claims.SetError(nil)
	res := mustExecute(t, h, req)
	if len(res.Rows) != 3 {
		t.Errorf("rows after recovery = %v", res.Rows)
	}
}

func TestExecuteReroutesToFallbackWhileOpen(t *testing.T) {
	h := newHarness(t, ConflictWarn)
	if err := h.orch.TripBreaker("cards"); err != nil {
		t.Fatalf("trip: %v", err)
	}
	res := mustExecute(t, h, Request{
		SQL:    "SELECT auth_id FROM cards.authorizations",
		Caller: analyst(),
	})
	if len(res.Rows) != 1 || res.Rows[0][0] != "m1" {
		t.Errorf("rows = %v, want the mirror's row", res.Rows)
	}
}

func TestExecutePlanTimeFallbackWhenOffline(t *testing.T) {
	h := newHarness(t, ConflictWarn)
	if err := h.reg.SetStatus("cards", registry.StatusOffline); err != nil {
		t.Fatalf("set status: %v", err)
	}
	res := mustExecute(t, h, Request{
		SQL:    "SELECT auth_id FROM cards.authorizations",
		Caller: analyst(),
	})
	if len(res.Rows) != 1 || res.Rows[0][0] != "m1" {
		t.Errorf("rows = %v", res.Rows)
	}
	if len(res.Sources) != 1 || res.Sources[0] != "mirror" {
		t.Errorf("sources = %v", res.Sources)
	}
}

func TestExecuteOfflineWithoutFallback(t *testing.T) {
	h := newHarness(t, ConflictWarn)
	if err := h.reg.SetStatus("claims", registry.StatusOffline); err != nil {
		t.Fatalf("set status: %v", err)
	}
	_, err := h.orch.Execute(context.Background(), Request{
		SQL:    "SELECT claim_id FROM claims.claims",
		Caller: analyst(),
	})
	if codeOf(err) != "SOURCE_OFFLINE" {
		t.Errorf("error = %v", err)
	}
}

func TestExecuteAuthorization(t *testing.T) {
	h := newHarness(t, ConflictWarn)
	reader := &auth.Context{CallerID: "reader-svc", Roles: []string{"reader"}}

	// Select and filter on claims are granted.
	res := mustExecute(t, h, Request{
		SQL:    "SELECT claim_id FROM claims.claims WHERE status = 'open'",
		Caller: reader,
	})
	if len(res.Rows) != 2 {
		t.Errorf("rows = %v", res.Rows)
	}

	// Aggregation on claims is not.
	_, err := h.orch.Execute(context.Background(), Request{
		SQL:    "SELECT count(*) FROM claims.claims",
		Caller: reader,
	})
	if codeOf(err) != "ACCESS_DENIED" {
		t.Errorf("aggregate error = %v", err)
	}

	// Neither is any access to the ledger.
	_, err = h.orch.Execute(context.Background(), Request{
		SQL:    "SELECT txn_id FROM ledger.transactions",
		Caller: reader,
	})
	if codeOf(err) != "ACCESS_DENIED" {
		t.Errorf("ledger error = %v", err)
	}
}

func TestExecuteRequiresCaller(t *testing.T) {
	h := newHarness(t, ConflictWarn)
	_, err := h.orch.Execute(context.Background(), Request{
		SQL: "SELECT claim_id FROM claims.claims",
	})
	if codeOf(err) != "AUTH_FAILED" {
		t.Errorf("error = %v", err)
	}
}

func TestExecutePagination(t *testing.T) {
	h := newHarness(t, ConflictWarn)
	first := mustExecute(t, h, Request{
		SQL:      "SELECT claim_id FROM claims.claims",
		PageSize: 2,
		Caller:   analyst(),
	})
	if len(first.Rows) != 2 {
		t.Fatalf("first page rows = %v", first.Rows)
	}
	if first.NextPageToken == "" {
		t.Fatal("no next page token")
	}

	second := mustExecute(t, h, Request{
		PageToken: first.NextPageToken,
		PageSize:  2,
		Caller:    analyst(),
	})
	if len(second.Rows) != 1 || second.Rows[0][0] != "c3" {
		t.Errorf("second page rows = %v", second.Rows)
	}
	if second.NextPageToken != "" {
		t.Errorf("token past the end: %q", second.NextPageToken)
	}

	// Tokens are pinned to the caller that issued the query.
	_, err := h.orch.Execute(context.Background(), Request{
		PageToken: first.NextPageToken,
		Caller:    &auth.Context{CallerID: "intruder", Roles: []string{"analyst"}},
	})
	if codeOf(err) != "ACCESS_DENIED" {
		t.Errorf("foreign token error = %v", err)
	}
}

func TestExecuteUnknownTable(t *testing.T) {
	h := newHarness(t, ConflictWarn)
	_, err := h.orch.Execute(context.Background(), Request{
		SQL:    "SELECT x FROM payments",
		Caller: analyst(),
	})
	if codeOf(err) != "UNKNOWN_TABLE" {
		t.Errorf("error = %v", err)
	}
}

func TestExecuteConflictPolicyReject(t *testing.T) {
	h := newHarness(t, ConflictReject)
	_, err := h.orch.Execute(context.Background(), Request{
		SQL: "SELECT l.txn_id, l.amount, a.amount FROM ledger.transactions l " +
			"JOIN cards.authorizations a ON l.claim_id = a.claim_id",
		Caller: analyst(),
	})
	if codeOf(err) != "CROSS_SOURCE_CONFLICT" {
		t.Errorf("error = %v", err)
	}
}

func TestExecuteConflictPolicyWarnKeepsBothValues(t *testing.T) {
	h := newHarness(t, ConflictWarn)
	res := mustExecute(t, h, Request{
		SQL: "SELECT l.txn_id, l.amount, a.amount FROM ledger.transactions l " +
			"JOIN cards.authorizations a ON l.claim_id = a.claim_id",
		Caller: analyst(),
	})
	// Both c1 transactions match the one authorization.
	if len(res.Rows) != 2 {
		t.Fatalf("rows = %v", res.Rows)
	}
	if res.Rows[0][1] != 100.0 || res.Rows[0][2] != 999.0 {
		t.Errorf("row = %v", res.Rows[0])
	}
}

func TestExplainDescribesPlan(t *testing.T) {
	h := newHarness(t, ConflictWarn)
	d, err := h.orch.Explain(Request{
		SQL: "SELECT c.claim_id, l.amount FROM claims.claims c " +
			"JOIN ledger.transactions l ON c.claim_id = l.claim_id " +
			"WHERE c.status = 'open' LIMIT 10",
		Caller: analyst(),
	})
	if err != nil {
		t.Fatalf("explain: %v", err)
	}
	if len(d.Sources) != 2 || len(d.Steps) != 2 {
		t.Fatalf("description = %+v", d)
	}
	if len(d.Joins) != 1 || d.Joins[0].LeftKey != "c.claim_id" {
		t.Errorf("joins = %+v", d.Joins)
	}
	if !d.PostMerge.Limit {
		t.Error("limit not marked post-merge in a cross-source plan")
	}
	var claimsStep *StepDescription
	for i := range d.Steps {
		if d.Steps[i].DataSource == "claims" {
			claimsStep = &d.Steps[i]
		}
	}
	if claimsStep == nil || claimsStep.PushedFilters != 1 {
		t.Errorf("claims step = %+v", claimsStep)
	}
}

func TestValidate(t *testing.T) {
	h := newHarness(t, ConflictWarn)
	if err := h.orch.Validate("SELECT claim_id FROM claims.claims"); err != nil {
		t.Errorf("valid query rejected: %v", err)
	}
	if err := h.orch.Validate("SELECT FROM"); err == nil {
		t.Error("invalid query accepted")
	}
}

func TestPoolStatsExposed(t *testing.T) {
	h := newHarness(t, ConflictWarn)
	mustExecute(t, h, Request{
		SQL:    "SELECT claim_id FROM claims.claims",
		Caller: analyst(),
	})
	stats := h.orch.PoolStats()
	if _, ok := stats["claims"]; !ok {
		t.Errorf("stats = %+v", stats)
	}
}
