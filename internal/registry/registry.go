// Package registry holds per-data-source metadata: identity, kind,
// capabilities, schema, and online status. It is the single authority
// the pool manager, translator, and orchestrator consult; status flips
// are atomic and visible on the next lookup.
package registry

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/fleetql/fleet/internal/capabilities"
	fleeterrors "github.com/fleetql/fleet/internal/errors"
)

// Status is the availability state of a data source.
type Status string

const (
	StatusOnline   Status = "online"
	StatusOffline  Status = "offline"
	StatusDegraded Status = "degraded"
)

// IsValid checks if the status is a known valid status.
func (s Status) IsValid() bool {
	switch s {
	case StatusOnline, StatusOffline, StatusDegraded:
		return true
	}
	return false
}

// Column describes one column of a table.
type Column struct {
	Name     string `json:"name" yaml:"name"`
	Type     string `json:"type" yaml:"type"`
	Nullable bool   `json:"nullable" yaml:"nullable"`
}

// Table describes one table of a data source schema.
type Table struct {
	Name       string   `json:"name" yaml:"name"`
	Columns    []Column `json:"columns" yaml:"columns"`
	PrimaryKey []string `json:"primary_key,omitempty" yaml:"primary_key,omitempty"`
}

// Column returns the named column, if present.
func (t *Table) Column(name string) (*Column, bool) {
	for i := range t.Columns {
		if t.Columns[i].Name == name {
			return &t.Columns[i], true
		}
	}
	return nil, false
}

// Relationship declares a join path between two tables.
type Relationship struct {
	FromTable   string `json:"from_table" yaml:"from_table"`
	FromColumn  string `json:"from_column" yaml:"from_column"`
	ToTable     string `json:"to_table" yaml:"to_table"`
	ToColumn    string `json:"to_column" yaml:"to_column"`
	Cardinality string `json:"cardinality,omitempty" yaml:"cardinality,omitempty"`
}

// Schema is the full table metadata of one data source. Schemas are
// replaced wholesale on refresh, never patched in place.
type Schema struct {
	DataSourceID  string         `json:"data_source_id" yaml:"data_source_id"`
	Tables        []Table        `json:"tables" yaml:"tables"`
	Relationships []Relationship `json:"relationships,omitempty" yaml:"relationships,omitempty"`
}

// Table returns the named table, if present.
func (s *Schema) Table(name string) (*Table, bool) {
	for i := range s.Tables {
		if s.Tables[i].Name == name {
			return &s.Tables[i], true
		}
	}
	return nil, false
}

// PoolConfig sets per-source connection pool limits.
type PoolConfig struct {
	MinSize        int           `json:"min_size" yaml:"min_size" mapstructure:"min_size"`
	MaxSize        int           `json:"max_size" yaml:"max_size" mapstructure:"max_size"`
	IdleTimeout    time.Duration `json:"idle_timeout" yaml:"idle_timeout" mapstructure:"idle_timeout"`
	AcquireTimeout time.Duration `json:"acquire_timeout" yaml:"acquire_timeout" mapstructure:"acquire_timeout"`
}

// BreakerConfig sets per-source circuit breaker thresholds.
type BreakerConfig struct {
	FailureThreshold   int           `json:"failure_threshold" yaml:"failure_threshold" mapstructure:"failure_threshold"`
	HalfOpenRetryDelay time.Duration `json:"half_open_retry_delay" yaml:"half_open_retry_delay" mapstructure:"half_open_retry_delay"`
	MaxRetryDelay      time.Duration `json:"max_retry_delay" yaml:"max_retry_delay" mapstructure:"max_retry_delay"`
}

// DataSourceConfig is the registration payload for a data source.
type DataSourceConfig struct {
	ID          string                   `json:"id" yaml:"id"`
	DisplayName string                   `json:"display_name" yaml:"display_name"`
	Kind        capabilities.SourceKind  `json:"kind" yaml:"kind"`
	Operations  []capabilities.Operation `json:"operations,omitempty" yaml:"operations,omitempty"`

	// Driver and DSN configure relational sources (database/sql).
	Driver string `json:"driver,omitempty" yaml:"driver,omitempty"`
	DSN    string `json:"dsn,omitempty" yaml:"dsn,omitempty"`

	// Endpoint configures mainframe job submission and HTTP backends.
	Endpoint string `json:"endpoint,omitempty" yaml:"endpoint,omitempty"`

	// ProjectID and Location configure remote-api warehouse backends.
	ProjectID string `json:"project_id,omitempty" yaml:"project_id,omitempty"`
	Location  string `json:"location,omitempty" yaml:"location,omitempty"`

	// Credentials is an opaque secret handed to the adapter.
	Credentials string `json:"credentials,omitempty" yaml:"credentials,omitempty"`

	// Volatility hints how quickly cached results go stale:
	// "low", "normal" (default), or "high".
	Volatility string `json:"volatility,omitempty" yaml:"volatility,omitempty"`

	// CacheTTL overrides the volatility-derived TTL when set.
	CacheTTL time.Duration `json:"cache_ttl,omitempty" yaml:"cache_ttl,omitempty"`

	// Fallback names a source that serves fetch steps while this
	// source's breaker is open.
	Fallback string `json:"fallback,omitempty" yaml:"fallback,omitempty"`

	Pool    PoolConfig    `json:"pool,omitempty" yaml:"pool,omitempty"`
	Breaker BreakerConfig `json:"breaker,omitempty" yaml:"breaker,omitempty"`

	Schema *Schema `json:"schema,omitempty" yaml:"schema,omitempty"`
}

// Validate checks the registration payload before any probe is attempted.
func (c *DataSourceConfig) Validate() error {
	if c.ID == "" {
		return fleeterrors.NewValidation("data source id", "id is required")
	}
	if !c.Kind.IsValid() {
		return fleeterrors.NewValidation("data source kind",
			"kind must be one of relational, mainframe, remote-api, custom")
	}
	for _, op := range c.Operations {
		if !op.IsValid() {
			return fleeterrors.NewValidation("operations", "unknown operation "+string(op))
		}
	}
	if c.Schema != nil {
		for _, t := range c.Schema.Tables {
			if t.Name == "" {
				return fleeterrors.NewValidation("schema", "table with empty name")
			}
			if len(t.Columns) == 0 {
				return fleeterrors.NewValidation("schema", "table "+t.Name+" has no columns")
			}
		}
	}
	return nil
}

// DataSource is the registry's record of one backend system. Sources
// are never deleted, only deactivated.
type DataSource struct {
	ID           string
	DisplayName  string
	Kind         capabilities.SourceKind
	Status       Status
	Operations   capabilities.OperationSet
	Config       DataSourceConfig
	RegisteredAt time.Time
	Active       bool
}

// Supports reports whether the source declares the given operation.
func (d *DataSource) Supports(op capabilities.Operation) bool {
	return d.Operations.Has(op)
}

// DefaultCacheTTL is used when no volatility hint is configured.
const DefaultCacheTTL = 30 * time.Second

// Prober proves connectivity to a backend before registration completes.
// Implemented by the adapter factory; the registry stays adapter-agnostic.
type Prober interface {
	Probe(ctx context.Context, cfg DataSourceConfig) error
}

type entry struct {
	source *DataSource
	schema *Schema
}

// Registry is the process-wide data source catalog. All methods are
// safe for concurrent use.
type Registry struct {
	mu      sync.RWMutex
	entries map[string]*entry
	prober  Prober

	// onSchemaChange is invoked after a schema replacement so the
	// result cache can drop entries derived from the source.
	onSchemaChange func(dataSourceID string)
}

// New creates an empty registry. The prober may be nil in tests.
func New(prober Prober) *Registry {
	return &Registry{
		entries: make(map[string]*entry),
		prober:  prober,
	}
}

// OnSchemaChange registers the cache-invalidation hook.
func (r *Registry) OnSchemaChange(fn func(dataSourceID string)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.onSchemaChange = fn
}

// Register validates the config, proves connectivity with a synchronous
// probe, and makes the source immediately visible to authorized callers.
func (r *Registry) Register(ctx context.Context, cfg DataSourceConfig) error {
	if err := cfg.Validate(); err != nil {
		return err
	}

	r.mu.RLock()
	_, exists := r.entries[cfg.ID]
	r.mu.RUnlock()
	if exists {
		return fleeterrors.NewValidation("data source id", "a source with this id is already registered")
	}

	// Registration requires proven connectivity. The probe runs outside
	// the lock: it may take seconds and must not block lookups.
	if r.prober != nil {
		if err := r.prober.Probe(ctx, cfg); err != nil {
			return fleeterrors.NewExecutionFailed(cfg.ID, err, true)
		}
	}

	ops := cfg.Operations
	if len(ops) == 0 {
		ops = capabilities.DefaultOperations(cfg.Kind)
	}

	src := &DataSource{
		ID:           cfg.ID,
		DisplayName:  cfg.DisplayName,
		Kind:         cfg.Kind,
		Status:       StatusOnline,
		Operations:   capabilities.NewOperationSet(ops),
		Config:       cfg,
		RegisteredAt: time.Now().UTC(),
		Active:       true,
	}
	if src.DisplayName == "" {
		src.DisplayName = cfg.ID
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.entries[cfg.ID]; exists {
		return fleeterrors.NewValidation("data source id", "a source with this id is already registered")
	}
	r.entries[cfg.ID] = &entry{source: src, schema: cfg.Schema}
	return nil
}

// Get returns a snapshot of the data source record, active or not.
// Callers read it lock-free; status flips land on the next lookup.
func (r *Registry) Get(id string) (*DataSource, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.entries[id]
	if !ok {
		return nil, fleeterrors.NewUnknownDataSource(id)
	}
	cp := *e.source
	return &cp, nil
}

// List returns active sources for which allowed(id) reports true,
// ordered by id. The caller supplies the authorization filter so the
// registry never leaks sources the caller may not see.
func (r *Registry) List(allowed func(id string) bool) []*DataSource {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]*DataSource, 0, len(r.entries))
	for id, e := range r.entries {
		if !e.source.Active {
			continue
		}
		if allowed != nil && !allowed(id) {
			continue
		}
		cp := *e.source
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// GetSchema returns the current schema of a source.
func (r *Registry) GetSchema(id string) (*Schema, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.entries[id]
	if !ok {
		return nil, fleeterrors.NewUnknownDataSource(id)
	}
	if e.schema == nil {
		return nil, fleeterrors.NewValidation("schema", "no schema registered for "+id)
	}
	return e.schema, nil
}

// SetSchema replaces the schema wholesale and fires the invalidation hook.
func (r *Registry) SetSchema(id string, schema *Schema) error {
	r.mu.Lock()
	e, ok := r.entries[id]
	if !ok {
		r.mu.Unlock()
		return fleeterrors.NewUnknownDataSource(id)
	}
	schema.DataSourceID = id
	e.schema = schema
	hook := r.onSchemaChange
	r.mu.Unlock()

	if hook != nil {
		hook(id)
	}
	return nil
}

// SetStatus flips availability atomically. The pool manager and the
// orchestrator observe the new status on their next lookup.
func (r *Registry) SetStatus(id string, status Status) error {
	if !status.IsValid() {
		return fleeterrors.NewValidation("status", "must be online, offline, or degraded")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.entries[id]
	if !ok {
		return fleeterrors.NewUnknownDataSource(id)
	}
	e.source.Status = status
	return nil
}

// Deactivate retires a source. The record is kept for audit; the source
// disappears from listings and rejects new queries.
func (r *Registry) Deactivate(id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.entries[id]
	if !ok {
		return fleeterrors.NewUnknownDataSource(id)
	}
	e.source.Active = false
	e.source.Status = StatusOffline
	return nil
}

// ResolveTable finds the single active source whose schema contains the
// table. Zero matches is an unknown-table error; more than one is
// ambiguous and must be qualified by the caller.
func (r *Registry) ResolveTable(table string) (string, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var matches []string
	for id, e := range r.entries {
		if !e.source.Active || e.schema == nil {
			continue
		}
		if _, ok := e.schema.Table(table); ok {
			matches = append(matches, id)
		}
	}
	switch len(matches) {
	case 0:
		return "", fleeterrors.NewUnknownTable(table)
	case 1:
		return matches[0], nil
	default:
		sort.Strings(matches)
		return "", fleeterrors.NewAmbiguousTable(table, matches)
	}
}

// TTLFor derives the cache TTL for a source from its volatility hint.
func (r *Registry) TTLFor(id string) time.Duration {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.entries[id]
	if !ok {
		return DefaultCacheTTL
	}
	cfg := e.source.Config
	if cfg.CacheTTL > 0 {
		return cfg.CacheTTL
	}
	switch cfg.Volatility {
	case "high":
		return 5 * time.Second
	case "low":
		return 5 * time.Minute
	default:
		return DefaultCacheTTL
	}
}

// FallbackFor returns the configured fallback source id, if any.
func (r *Registry) FallbackFor(id string) (string, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.entries[id]
	if !ok || e.source.Config.Fallback == "" {
		return "", false
	}
	return e.source.Config.Fallback, true
}
