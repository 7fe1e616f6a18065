package adapters

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/fleetql/fleet/internal/capabilities"
	fleeterrors "github.com/fleetql/fleet/internal/errors"
	"github.com/fleetql/fleet/internal/registry"
	"github.com/fleetql/fleet/internal/translate"
)

// MainframeAdapter submits read-only batch jobs to a mainframe job
// gateway over HTTP. The gateway runs the statement against the host
// and returns the materialized result; there is no cursor to hold, so
// a "connection" is just the HTTP client plus endpoint state.
type MainframeAdapter struct {
	client *http.Client
}

// NewMainframeAdapter creates the mainframe adapter.
func NewMainframeAdapter() *MainframeAdapter {
	return &MainframeAdapter{
		client: &http.Client{Timeout: 120 * time.Second},
	}
}

// Kind implements Adapter.
func (a *MainframeAdapter) Kind() capabilities.SourceKind {
	return capabilities.KindMainframe
}

// Connect implements Adapter.
func (a *MainframeAdapter) Connect(ctx context.Context, cfg registry.DataSourceConfig) (BackendConn, error) {
	if cfg.Endpoint == "" {
		return nil, fleeterrors.NewValidation("data source config",
			"mainframe sources require an endpoint")
	}
	return &mainframeConn{
		id:          cfg.ID,
		endpoint:    cfg.Endpoint,
		credentials: cfg.Credentials,
		client:      a.client,
	}, nil
}

// Probe implements Adapter.
func (a *MainframeAdapter) Probe(ctx context.Context, cfg registry.DataSourceConfig) error {
	conn, err := a.Connect(ctx, cfg)
	if err != nil {
		return err
	}
	return conn.HealthCheck(ctx)
}

type mainframeConn struct {
	id          string
	endpoint    string
	credentials string
	client      *http.Client
}

// jobRequest is the gateway's job submission payload.
type jobRequest struct {
	Statement string `json:"statement"`
}

// jobResponse is the gateway's materialized job result.
type jobResponse struct {
	Columns []string        `json:"columns"`
	Rows    [][]interface{} `json:"rows"`
	Error   string          `json:"error,omitempty"`
}

func (c *mainframeConn) ExecuteNative(ctx context.Context, q *translate.TranslatedQuery) (*RowSet, error) {
	body, err := json.Marshal(jobRequest{Statement: q.SQL})
	if err != nil {
		return nil, fleeterrors.NewInternal("adapter", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		c.endpoint+"/jobs", bytes.NewReader(body))
	if err != nil {
		return nil, fleeterrors.NewInternal("adapter", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if c.credentials != "" {
		req.Header.Set("Authorization", "Bearer "+c.credentials)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, fleeterrors.NewExecutionFailed(c.id, err, true)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fleeterrors.NewExecutionFailed(c.id, err, true)
	}
	if resp.StatusCode != http.StatusOK {
		// 5xx means the gateway or host hiccuped; 4xx means the job
		// itself is bad and a retry cannot help.
		transient := resp.StatusCode >= 500
		return nil, fleeterrors.NewExecutionFailed(c.id,
			fmt.Errorf("job gateway returned %d: %s", resp.StatusCode, raw), transient)
	}

	var jr jobResponse
	if err := json.Unmarshal(raw, &jr); err != nil {
		return nil, fleeterrors.NewExecutionFailed(c.id, err, false)
	}
	if jr.Error != "" {
		return nil, fleeterrors.NewExecutionFailed(c.id, fmt.Errorf("%s", jr.Error), false)
	}
	return &RowSet{Columns: jr.Columns, Rows: jr.Rows}, nil
}

func (c *mainframeConn) HealthCheck(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.endpoint+"/health", nil)
	if err != nil {
		return err
	}
	if c.credentials != "" {
		req.Header.Set("Authorization", "Bearer "+c.credentials)
	}
	resp, err := c.client.Do(req)
	if err != nil {
		return err
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("job gateway health returned %d", resp.StatusCode)
	}
	return nil
}

func (c *mainframeConn) Close() error { return nil }
