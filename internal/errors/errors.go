// Package errors provides explicit, human-readable error types for fleet.
// Every error carries a machine-readable code, the component and data
// source it originated from, and enough context to self-diagnose.
package errors

import (
	"errors"
	"fmt"
	"time"
)

// Category classifies an error for propagation and retry decisions.
type Category string

const (
	// CategoryValidation covers bad syntax and unknown references.
	// Rejected before execution, never retried.
	CategoryValidation Category = "validation"

	// CategoryAuth covers authentication and authorization failures.
	// Denied, logged, never retried.
	CategoryAuth Category = "auth"

	// CategoryTranslation covers operations the target cannot execute.
	CategoryTranslation Category = "translation"

	// CategoryExecution covers backend call failures, transient or not.
	CategoryExecution Category = "execution"

	// CategoryResource covers pool exhaustion and cache unavailability.
	CategoryResource Category = "resource"

	// CategoryService covers circuit-open rejections with no fallback.
	CategoryService Category = "service"

	// CategoryInternal covers everything that should not happen.
	CategoryInternal Category = "internal"
)

// Error is the base error type for all fleet errors.
type Error struct {
	// Code is a stable machine-readable identifier, e.g. "SYNTAX_ERROR".
	Code string

	// Category classifies the error for retry and propagation policy.
	Category Category

	// Message is the human-readable summary.
	Message string

	// Reason explains why the error occurred.
	Reason string

	// Suggestion tells the caller what to do about it.
	Suggestion string

	// Component names the engine component that produced the error.
	Component string

	// DataSource names the data source involved, when there is one.
	DataSource string

	// Position is the 1-based offset of the offending token for syntax
	// errors; zero when not applicable.
	Position int

	// RetryAfter is the suggested wait before retrying; zero when the
	// error is not retryable.
	RetryAfter time.Duration

	// Transient marks execution errors that may succeed on retry.
	Transient bool

	// Cause is the wrapped underlying error, if any.
	Cause error
}

func (e *Error) Error() string {
	msg := e.Message
	if e.DataSource != "" {
		msg = fmt.Sprintf("%s (data source %q)", msg, e.DataSource)
	}
	if e.Reason != "" {
		msg = fmt.Sprintf("%s: %s", msg, e.Reason)
	}
	if e.Cause != nil {
		msg = fmt.Sprintf("%s: %v", msg, e.Cause)
	}
	return msg
}

func (e *Error) Unwrap() error {
	return e.Cause
}

// CategoryOf returns the category of err, or CategoryInternal for
// errors that did not originate in fleet.
func CategoryOf(err error) Category {
	var fe *Error
	if errors.As(err, &fe) {
		return fe.Category
	}
	return CategoryInternal
}

// IsTransient reports whether err is an execution error worth retrying.
func IsTransient(err error) bool {
	var fe *Error
	if errors.As(err, &fe) {
		return fe.Transient
	}
	return false
}

// As is a convenience wrapper around errors.As for *Error.
func As(err error) (*Error, bool) {
	var fe *Error
	ok := errors.As(err, &fe)
	return fe, ok
}

// NewSyntaxError reports invalid unified query text. Position is the
// 1-based offset of the offending token.
func NewSyntaxError(position int, detail string) *Error {
	return &Error{
		Code:       "SYNTAX_ERROR",
		Category:   CategoryValidation,
		Message:    "query syntax error",
		Reason:     detail,
		Suggestion: "check the unified query syntax near the reported position",
		Component:  "interface",
		Position:   position,
	}
}

// NewUnsupportedSyntax reports valid SQL the unified language does not cover.
func NewUnsupportedSyntax(detail string) *Error {
	return &Error{
		Code:       "UNSUPPORTED_SYNTAX",
		Category:   CategoryValidation,
		Message:    "unsupported query construct",
		Reason:     detail,
		Suggestion: "rewrite the query using supported constructs",
		Component:  "interface",
	}
}

// NewUnknownDataSource reports a reference to an unregistered source.
func NewUnknownDataSource(id string) *Error {
	return &Error{
		Code:       "UNKNOWN_DATA_SOURCE",
		Category:   CategoryValidation,
		Message:    "unknown data source",
		Reason:     "no data source registered with this id",
		Suggestion: "list registered sources via the discovery endpoint",
		Component:  "registry",
		DataSource: id,
	}
}

// NewUnknownTable reports a table not present in any visible schema.
func NewUnknownTable(table string) *Error {
	return &Error{
		Code:       "UNKNOWN_TABLE",
		Category:   CategoryValidation,
		Message:    fmt.Sprintf("unknown table: %s", table),
		Reason:     "no registered schema contains this table",
		Suggestion: "qualify the table with its data source id",
		Component:  "registry",
	}
}

// NewAmbiguousTable reports an unqualified table present in several sources.
func NewAmbiguousTable(table string, matches []string) *Error {
	return &Error{
		Code:       "AMBIGUOUS_TABLE",
		Category:   CategoryValidation,
		Message:    fmt.Sprintf("ambiguous table reference: %s", table),
		Reason:     fmt.Sprintf("table exists in multiple data sources: %v", matches),
		Suggestion: "qualify the table with its data source id",
		Component:  "registry",
	}
}

// NewUnknownColumn reports a column absent from the resolved table schema.
func NewUnknownColumn(table, column string) *Error {
	return &Error{
		Code:       "UNKNOWN_COLUMN",
		Category:   CategoryValidation,
		Message:    fmt.Sprintf("unknown column %s.%s", table, column),
		Reason:     "column not present in the registered schema",
		Component:  "translator",
	}
}

// NewMissingParameter reports a named parameter the caller did not bind.
func NewMissingParameter(name string) *Error {
	return &Error{
		Code:       "MISSING_PARAMETER",
		Category:   CategoryValidation,
		Message:    fmt.Sprintf("missing parameter: %s", name),
		Reason:     "the query references a named parameter that was not supplied",
		Suggestion: "bind the parameter in the request's params object",
		Component:  "interface",
	}
}

// NewValidation reports an invalid registration or request field.
func NewValidation(field, reason string) *Error {
	return &Error{
		Code:      "INVALID_REQUEST",
		Category:  CategoryValidation,
		Message:   fmt.Sprintf("invalid %s", field),
		Reason:    reason,
		Component: "interface",
	}
}

// NewAuthFailed reports a failed authentication attempt.
func NewAuthFailed(reason string) *Error {
	return &Error{
		Code:       "AUTH_FAILED",
		Category:   CategoryAuth,
		Message:    "authentication failed",
		Reason:     reason,
		Suggestion: "supply a valid bearer token",
		Component:  "auth",
	}
}

// NewAccessDenied reports a missing grant. Absence of permission is denial.
func NewAccessDenied(callerID, dataSourceID, operation string) *Error {
	return &Error{
		Code:       "ACCESS_DENIED",
		Category:   CategoryAuth,
		Message:    fmt.Sprintf("%s not permitted", operation),
		Reason:     fmt.Sprintf("caller %q has no %s grant on this data source", callerID, operation),
		Component:  "auth",
		DataSource: dataSourceID,
	}
}

// NewUnsupportedOperation reports an operation outside the target's
// capability set, naming both the operation and the data source.
func NewUnsupportedOperation(operation, dataSourceID string) *Error {
	return &Error{
		Code:       "UNSUPPORTED_OPERATION",
		Category:   CategoryTranslation,
		Message:    fmt.Sprintf("operation %s not supported", operation),
		Reason:     "the target data source does not declare this capability",
		Suggestion: "remove the operation or target a source that supports it",
		Component:  "translator",
		DataSource: dataSourceID,
	}
}

// NewTranslationFailed reports a query the strategy could not render.
func NewTranslationFailed(dataSourceID, reason string) *Error {
	return &Error{
		Code:       "TRANSLATION_FAILED",
		Category:   CategoryTranslation,
		Message:    "query translation failed",
		Reason:     reason,
		Component:  "translator",
		DataSource: dataSourceID,
	}
}

// NewExecutionFailed wraps a backend call failure. Transient failures
// (timeouts, refused connections) are retried; permanent ones are not.
func NewExecutionFailed(dataSourceID string, cause error, transient bool) *Error {
	return &Error{
		Code:       "EXECUTION_FAILED",
		Category:   CategoryExecution,
		Message:    "backend execution failed",
		Component:  "orchestrator",
		DataSource: dataSourceID,
		Transient:  transient,
		Cause:      cause,
	}
}

// NewPoolExhausted reports an acquisition that timed out waiting.
func NewPoolExhausted(dataSourceID string, waited time.Duration) *Error {
	return &Error{
		Code:       "POOL_EXHAUSTED",
		Category:   CategoryResource,
		Message:    "connection pool exhausted",
		Reason:     fmt.Sprintf("no connection became available within %s", waited),
		Suggestion: "retry later or raise the pool's max size",
		Component:  "pool",
		DataSource: dataSourceID,
		RetryAfter: waited,
	}
}

// NewCacheUnavailable reports a cache backend failure. Callers degrade
// to bypassing the cache rather than failing the query.
func NewCacheUnavailable(cause error) *Error {
	return &Error{
		Code:      "CACHE_UNAVAILABLE",
		Category:  CategoryResource,
		Message:   "result cache unavailable",
		Component: "cache",
		Cause:     cause,
	}
}

// NewCircuitOpen reports a rejected call while the breaker is open.
// RetryAfter estimates when the next probe will be permitted.
func NewCircuitOpen(dataSourceID string, retryAfter time.Duration) *Error {
	return &Error{
		Code:       "CIRCUIT_OPEN",
		Category:   CategoryService,
		Message:    "circuit breaker open",
		Reason:     "the data source has failed repeatedly and calls are suspended",
		Suggestion: "retry after the suggested delay",
		Component:  "breaker",
		DataSource: dataSourceID,
		RetryAfter: retryAfter,
	}
}

// NewSourceOffline reports a query against a source marked offline.
// No backend call is attempted.
func NewSourceOffline(dataSourceID string) *Error {
	return &Error{
		Code:       "SOURCE_OFFLINE",
		Category:   CategoryService,
		Message:    "data source offline",
		Reason:     "the data source is marked offline and accepts no queries",
		Component:  "registry",
		DataSource: dataSourceID,
	}
}

// NewConflict reports a cross-source consistency violation under the
// reject conflict policy.
func NewConflict(column, detail string) *Error {
	return &Error{
		Code:      "CROSS_SOURCE_CONFLICT",
		Category:  CategoryExecution,
		Message:   fmt.Sprintf("cross-source conflict on column %s", column),
		Reason:    detail,
		Component: "orchestrator",
	}
}

// NewInternal wraps an unexpected failure.
func NewInternal(component string, cause error) *Error {
	return &Error{
		Code:      "INTERNAL",
		Category:  CategoryInternal,
		Message:   "internal error",
		Component: component,
		Cause:     cause,
	}
}
