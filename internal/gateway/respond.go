package gateway

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"

	fleeterrors "github.com/fleetql/fleet/internal/errors"
	"github.com/fleetql/fleet/pkg/api"
	"github.com/fleetql/fleet/pkg/models"
)

func contextWithRequestID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, requestIDKey{}, id)
}

func requestIDFrom(ctx context.Context) string {
	id, _ := ctx.Value(requestIDKey{}).(string)
	return id
}

func (g *Gateway) writeJSON(w http.ResponseWriter, status int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(body)
}

// writeError maps an error to its HTTP status and envelope.
func (g *Gateway) writeError(w http.ResponseWriter, r *http.Request, err error) {
	body := errorBody(err)
	status := statusFor(err)
	if body.Details.RetryAfterMs > 0 {
		secs := (body.Details.RetryAfterMs + 999) / 1000
		w.Header().Set("Retry-After", strconv.FormatInt(secs, 10))
	}
	g.writeJSON(w, status, api.ErrorResponse{
		Error:     body,
		RequestID: requestIDFrom(r.Context()),
	})
}

func errorBody(err error) models.ErrorBody {
	fe, ok := fleeterrors.As(err)
	if !ok {
		return models.ErrorBody{Code: "INTERNAL", Message: "internal error"}
	}
	return models.ErrorBody{
		Code:    fe.Code,
		Message: fe.Error(),
		Details: models.ErrorDetails{
			Component:    fe.Component,
			DataSource:   fe.DataSource,
			Position:     fe.Position,
			RetryAfterMs: fe.RetryAfter.Milliseconds(),
			Suggestion:   fe.Suggestion,
		},
	}
}

func statusFor(err error) int {
	fe, ok := fleeterrors.As(err)
	if !ok {
		return http.StatusInternalServerError
	}
	switch fe.Category {
	case fleeterrors.CategoryValidation:
		return http.StatusBadRequest
	case fleeterrors.CategoryAuth:
		if fe.Code == "AUTH_FAILED" {
			return http.StatusUnauthorized
		}
		return http.StatusForbidden
	case fleeterrors.CategoryTranslation:
		return http.StatusUnprocessableEntity
	case fleeterrors.CategoryExecution:
		return http.StatusBadGateway
	case fleeterrors.CategoryResource, fleeterrors.CategoryService:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}
