package handler

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/sony/gobreaker"

	"github.com/xela07ax/agentledger/internal/connectors"
	"github.com/xela07ax/agentledger/internal/domain"
	"github.com/xela07ax/agentledger/internal/engine"
	"github.com/xela07ax/agentledger/internal/eventsource"
	"github.com/xela07ax/agentledger/internal/risk"
)

type errorResponse struct {
	Error    string  `json:"error"`
	Code     string  `json:"code"`
	Expected *uint64 `json:"expected_version,omitempty"`
	Actual   *uint64 `json:"actual_version,omitempty"`
}

// statusFor раскладывает ошибки домена и журнала по HTTP кодам.
func statusFor(err error) (int, string) {
	switch {
	// раньше ошибок домена: битый журнал оборачивает ErrInvalidStateTransition
	case errors.Is(err, eventsource.ErrCorruptedStream):
		return http.StatusInternalServerError, "corrupted_stream"
	case errors.Is(err, domain.ErrNotFound):
		return http.StatusNotFound, "not_found"
	case errors.Is(err, eventsource.ErrConcurrencyConflict):
		return http.StatusConflict, "concurrency_conflict"
	case errors.Is(err, domain.ErrInvalidStateTransition):
		return http.StatusUnprocessableEntity, "invalid_state_transition"
	case errors.Is(err, domain.ErrInvalidEvent), errors.Is(err, domain.ErrAggregateMismatch):
		return http.StatusUnprocessableEntity, "invalid_command"
	case errors.Is(err, engine.ErrPermissionDenied):
		return http.StatusForbidden, "permission_denied"
	case errors.Is(err, engine.ErrAgentNotOperational):
		return http.StatusConflict, "agent_not_operational"
	case errors.Is(err, engine.ErrCapabilityUnavailable), errors.Is(err, connectors.ErrUnsupportedCapability):
		return http.StatusUnprocessableEntity, "capability_unavailable"
	case errors.Is(err, risk.ErrThresholdExceeded):
		return http.StatusUnprocessableEntity, "risk_threshold_exceeded"
	case errors.Is(err, engine.ErrRateLimited):
		return http.StatusTooManyRequests, "rate_limited"
	case errors.Is(err, gobreaker.ErrOpenState), errors.Is(err, gobreaker.ErrTooManyRequests):
		return http.StatusServiceUnavailable, "circuit_open"
	}
	return http.StatusInternalServerError, "internal"
}

func writeError(w http.ResponseWriter, err error) {
	code, kind := statusFor(err)
	resp := errorResponse{Error: err.Error(), Code: kind}

	var conflict *eventsource.ConcurrencyConflictError
	if errors.As(err, &conflict) {
		resp.Expected, resp.Actual = &conflict.Expected, &conflict.Actual
	}
	// tip: не отдаем детали внутренних ошибок наружу
	if code == http.StatusInternalServerError {
		resp.Error = "internal error"
	}
	writeJSON(w, code, resp)
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func badRequest(w http.ResponseWriter, msg string) {
	writeJSON(w, http.StatusBadRequest, errorResponse{Error: msg, Code: "bad_request"})
}
