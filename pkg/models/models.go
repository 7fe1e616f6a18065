// Package models holds the wire representations shared between the
// gateway and its clients.
package models

import "time"

// SourceInfo is the discovery view of a registered data source.
type SourceInfo struct {
	ID           string    `json:"id"`
	DisplayName  string    `json:"display_name"`
	Kind         string    `json:"kind"`
	Status       string    `json:"status"`
	Operations   []string  `json:"operations"`
	RegisteredAt time.Time `json:"registered_at"`
}

// ResultData is the tabular payload of a query response.
type ResultData struct {
	Columns []string        `json:"columns"`
	Rows    [][]interface{} `json:"rows"`
}

// ResultMetadata describes how a result was produced.
type ResultMetadata struct {
	ExecutionTimeMs int64    `json:"execution_time_ms"`
	RowCount        int      `json:"row_count"`
	DataSourcesUsed []string `json:"data_sources_used"`
	Cached          bool     `json:"cached"`
}

// ErrorDetails carries the machine-actionable part of an error.
type ErrorDetails struct {
	Component    string `json:"component,omitempty"`
	DataSource   string `json:"data_source,omitempty"`
	Position     int    `json:"position,omitempty"`
	RetryAfterMs int64  `json:"retry_after_ms,omitempty"`
	Suggestion   string `json:"suggestion,omitempty"`
}

// ErrorBody is the error payload of any failed request.
type ErrorBody struct {
	Code    string       `json:"code"`
	Message string       `json:"message"`
	Details ErrorDetails `json:"details,omitempty"`
}
