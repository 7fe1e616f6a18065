// Package cache stores merged query results keyed by normalized query
// shape. Cache failures never fail a query: callers treat any error as
// a miss and execute against the backends.
package cache

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"sort"
	"strings"
	"time"
)

// Entry is one cached result with the sources it was derived from.
// Invalidation is per source: a write notification or schema change on
// any contributing source drops the entry.
type Entry struct {
	Columns  []string        `json:"columns"`
	Rows     [][]interface{} `json:"rows"`
	Sources  []string        `json:"sources"`
	StoredAt time.Time       `json:"stored_at"`
}

// Cache is the result cache surface.
type Cache interface {
	// Get returns the entry for key, if present and unexpired.
	Get(ctx context.Context, key string) (*Entry, bool, error)

	// Set stores an entry with the given TTL.
	Set(ctx context.Context, key string, e *Entry, ttl time.Duration) error

	// Invalidate drops every entry derived from the source.
	Invalidate(ctx context.Context, sourceID string) error

	// Close releases cache resources.
	Close() error
}

// Key derives the cache key from the normalized query text, the bound
// parameter values, and the contributing sources. Parameter and source
// order never affect the key.
func Key(normalized string, params map[string]interface{}, sources []string) string {
	names := make([]string, 0, len(params))
	for n := range params {
		names = append(names, n)
	}
	sort.Strings(names)

	sorted := append([]string(nil), sources...)
	sort.Strings(sorted)

	h := sha256.New()
	h.Write([]byte(normalized))
	h.Write([]byte{0})
	for _, n := range names {
		fmt.Fprintf(h, "%s=%v", n, params[n])
		h.Write([]byte{0})
	}
	h.Write([]byte(strings.Join(sorted, ",")))
	return hex.EncodeToString(h.Sum(nil))
}
