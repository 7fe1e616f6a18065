package auth

import (
	"sync"

	"github.com/fleetql/fleet/internal/capabilities"
	fleeterrors "github.com/fleetql/fleet/internal/errors"
)

// WildcardSource grants a role access to every data source.
const WildcardSource = "*"

// DenyLogger is invoked for every denied access so attempts land in
// the audit trail.
type DenyLogger func(callerID, dataSourceID, operation string)

// Authorizer holds role grants: role, data source, permitted
// operations. A caller's effective permission is the union across
// their roles; anything not granted is denied.
type Authorizer struct {
	mu     sync.RWMutex
	grants map[string]map[string]capabilities.OperationSet
	onDeny DenyLogger
}

// NewAuthorizer creates an authorizer with no grants.
func NewAuthorizer() *Authorizer {
	return &Authorizer{grants: make(map[string]map[string]capabilities.OperationSet)}
}

// OnDeny registers the audit hook for denied access.
func (a *Authorizer) OnDeny(fn DenyLogger) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.onDeny = fn
}

// Grant permits a role the given operations on a data source. Use
// WildcardSource to grant across all sources.
func (a *Authorizer) Grant(role, dataSourceID string, ops ...capabilities.Operation) {
	a.mu.Lock()
	defer a.mu.Unlock()
	bySource, ok := a.grants[role]
	if !ok {
		bySource = make(map[string]capabilities.OperationSet)
		a.grants[role] = bySource
	}
	set, ok := bySource[dataSourceID]
	if !ok {
		set = make(capabilities.OperationSet)
		bySource[dataSourceID] = set
	}
	if len(ops) == 0 {
		ops = capabilities.AllOperations()
	}
	for _, op := range ops {
		set.Add(op)
	}
}

// Authorize checks one operation on one source, recording denials.
func (a *Authorizer) Authorize(ac *Context, dataSourceID string, op capabilities.Operation) error {
	if a.permits(ac, dataSourceID, op) {
		return nil
	}
	a.mu.RLock()
	onDeny := a.onDeny
	a.mu.RUnlock()
	if onDeny != nil {
		onDeny(ac.CallerID, dataSourceID, string(op))
	}
	return fleeterrors.NewAccessDenied(ac.CallerID, dataSourceID, string(op))
}

// CanSee reports whether the caller holds any grant on the source.
// Sources a caller cannot see are absent from discovery listings.
func (a *Authorizer) CanSee(ac *Context, dataSourceID string) bool {
	a.mu.RLock()
	defer a.mu.RUnlock()
	for _, role := range ac.Roles {
		bySource, ok := a.grants[role]
		if !ok {
			continue
		}
		if _, ok := bySource[dataSourceID]; ok {
			return true
		}
		if _, ok := bySource[WildcardSource]; ok {
			return true
		}
	}
	return false
}

// Filter returns the visibility predicate for registry listings.
func (a *Authorizer) Filter(ac *Context) func(id string) bool {
	return func(id string) bool { return a.CanSee(ac, id) }
}

func (a *Authorizer) permits(ac *Context, dataSourceID string, op capabilities.Operation) bool {
	a.mu.RLock()
	defer a.mu.RUnlock()
	for _, role := range ac.Roles {
		bySource, ok := a.grants[role]
		if !ok {
			continue
		}
		if set, ok := bySource[dataSourceID]; ok && set.Has(op) {
			return true
		}
		if set, ok := bySource[WildcardSource]; ok && set.Has(op) {
			return true
		}
	}
	return false
}
