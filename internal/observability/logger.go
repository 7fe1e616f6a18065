// Package observability carries the query log, the access audit
// trail, and the prometheus metrics surface.
package observability

import (
	"encoding/json"
	"io"
	"sync"
	"time"
)

// QueryLog is one structured query log record.
type QueryLog struct {
	Time       time.Time `json:"time"`
	RequestID  string    `json:"request_id"`
	CallerID   string    `json:"caller_id"`
	Query      string    `json:"query"`
	Sources    []string  `json:"sources,omitempty"`
	CacheHit   bool      `json:"cache_hit"`
	Outcome    string    `json:"outcome"`
	DurationMs int64     `json:"duration_ms"`
	Rows       int       `json:"rows"`
}

// Logger is the gateway's structured log surface.
type Logger interface {
	// LogQuery records one query execution, successful or not.
	LogQuery(e QueryLog)

	// LogAccessDenied records a denied access attempt.
	LogAccessDenied(callerID, dataSourceID, operation string)

	// LogEvent records a component lifecycle or error event.
	LogEvent(level, component, msg string, fields map[string]interface{})
}

// JSONLogger writes one JSON object per line.
type JSONLogger struct {
	mu  sync.Mutex
	out io.Writer
	enc *json.Encoder
}

// NewJSONLogger creates a logger writing to out.
func NewJSONLogger(out io.Writer) *JSONLogger {
	return &JSONLogger{out: out, enc: json.NewEncoder(out)}
}

type record struct {
	Time      time.Time              `json:"time"`
	Level     string                 `json:"level"`
	Kind      string                 `json:"kind"`
	Component string                 `json:"component,omitempty"`
	Message   string                 `json:"message,omitempty"`
	Query     *QueryLog              `json:"query,omitempty"`
	Caller    string                 `json:"caller_id,omitempty"`
	Source    string                 `json:"data_source,omitempty"`
	Operation string                 `json:"operation,omitempty"`
	Fields    map[string]interface{} `json:"fields,omitempty"`
}

// LogQuery implements Logger.
func (l *JSONLogger) LogQuery(e QueryLog) {
	if e.Time.IsZero() {
		e.Time = time.Now().UTC()
	}
	l.write(record{Time: e.Time, Level: "info", Kind: "query", Query: &e})
}

// LogAccessDenied implements Logger.
func (l *JSONLogger) LogAccessDenied(callerID, dataSourceID, operation string) {
	l.write(record{
		Time:      time.Now().UTC(),
		Level:     "warn",
		Kind:      "access_denied",
		Caller:    callerID,
		Source:    dataSourceID,
		Operation: operation,
	})
}

// LogEvent implements Logger.
func (l *JSONLogger) LogEvent(level, component, msg string, fields map[string]interface{}) {
	l.write(record{
		Time:      time.Now().UTC(),
		Level:     level,
		Kind:      "event",
		Component: component,
		Message:   msg,
		Fields:    fields,
	})
}

func (l *JSONLogger) write(r record) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.enc.Encode(r)
}

// NoopLogger discards everything.
type NoopLogger struct{}

func (NoopLogger) LogQuery(QueryLog)                         {}
func (NoopLogger) LogAccessDenied(string, string, string)    {}
func (NoopLogger) LogEvent(string, string, string, map[string]interface{}) {}
