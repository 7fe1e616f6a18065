package orchestrator

import (
	"encoding/base64"
	"encoding/json"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/fleetql/fleet/internal/adapters"
	fleeterrors "github.com/fleetql/fleet/internal/errors"
)

// pageTTL bounds how long a pagination snapshot stays servable.
const pageTTL = 10 * time.Minute

// pageToken is the wire form of a pagination cursor. The snapshot id
// pins the cursor to one materialized result, so pages stay consistent
// even when backends change mid-iteration.
type pageToken struct {
	ID     string `json:"id"`
	Offset int    `json:"offset"`
}

func encodeToken(t pageToken) string {
	raw, _ := json.Marshal(t)
	return base64.RawURLEncoding.EncodeToString(raw)
}

func decodeToken(s string) (pageToken, error) {
	raw, err := base64.RawURLEncoding.DecodeString(s)
	if err != nil {
		return pageToken{}, fleeterrors.NewValidation("page token", "malformed token")
	}
	var t pageToken
	if err := json.Unmarshal(raw, &t); err != nil || t.ID == "" || t.Offset < 0 {
		return pageToken{}, fleeterrors.NewValidation("page token", "malformed token")
	}
	return t, nil
}

type pageSnapshot struct {
	callerID  string
	columns   []string
	rows      [][]interface{}
	sources   []string
	createdAt time.Time
}

// pageStore holds materialized results being paged through. Snapshots
// are private to the caller that created them.
type pageStore struct {
	mu    sync.Mutex
	snaps map[string]*pageSnapshot
}

func newPageStore() *pageStore {
	return &pageStore{snaps: make(map[string]*pageSnapshot)}
}

// put stores a snapshot and returns its id, expiring stale snapshots
// along the way.
func (s *pageStore) put(callerID string, rs *adapters.RowSet, sources []string) string {
	id := uuid.NewString()
	now := time.Now()
	s.mu.Lock()
	defer s.mu.Unlock()
	for k, snap := range s.snaps {
		if now.Sub(snap.createdAt) > pageTTL {
			delete(s.snaps, k)
		}
	}
	s.snaps[id] = &pageSnapshot{
		callerID:  callerID,
		columns:   rs.Columns,
		rows:      rs.Rows,
		sources:   sources,
		createdAt: now,
	}
	return id
}

// page serves one page from a snapshot. An expired or foreign token is
// rejected; the caller starts over with a fresh query.
func (s *pageStore) page(token, callerID string, pageSize int) (*adapters.RowSet, []string, string, error) {
	t, err := decodeToken(token)
	if err != nil {
		return nil, nil, "", err
	}
	s.mu.Lock()
	snap, ok := s.snaps[t.ID]
	s.mu.Unlock()
	if !ok || time.Since(snap.createdAt) > pageTTL {
		return nil, nil, "", fleeterrors.NewValidation("page token",
			"token expired; re-issue the query")
	}
	if snap.callerID != callerID {
		return nil, nil, "", fleeterrors.NewAccessDenied(callerID, "", "PAGE")
	}
	if t.Offset >= len(snap.rows) {
		return &adapters.RowSet{Columns: snap.columns}, snap.sources, "", nil
	}
	end := t.Offset + pageSize
	if pageSize <= 0 || end > len(snap.rows) {
		end = len(snap.rows)
	}
	out := &adapters.RowSet{Columns: snap.columns, Rows: snap.rows[t.Offset:end]}
	next := ""
	if end < len(snap.rows) {
		next = encodeToken(pageToken{ID: t.ID, Offset: end})
	}
	return out, snap.sources, next, nil
}
