package handler

import (
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/sony/gobreaker"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/xela07ax/agentledger/internal/domain"
	"github.com/xela07ax/agentledger/internal/engine"
	"github.com/xela07ax/agentledger/internal/eventsource"
	"github.com/xela07ax/agentledger/internal/risk"
)

func TestParseIfMatch(t *testing.T) {
	tests := []struct {
		in      string
		want    *uint64
		wantErr bool
	}{
		{in: "", want: nil},
		{in: "*", want: nil},
		{in: `"7"`, want: eventsource.ExpectVersion(7)},
		{in: `W/"7"`, want: eventsource.ExpectVersion(7)},
		{in: "0", want: eventsource.ExpectVersion(0)},
		{in: `"abc"`, wantErr: true},
		{in: "-1", wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := ParseIfMatch(tt.in)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestStatusFor(t *testing.T) {
	tests := []struct {
		err  error
		code int
	}{
		{fmt.Errorf("get: %w", domain.ErrNotFound), http.StatusNotFound},
		{&eventsource.ConcurrencyConflictError{Expected: 1, Actual: 2}, http.StatusConflict},
		{fmt.Errorf("event 0: %w", domain.ErrInvalidStateTransition), http.StatusUnprocessableEntity},
		{domain.ErrInvalidEvent, http.StatusUnprocessableEntity},
		{engine.ErrPermissionDenied, http.StatusForbidden},
		{engine.ErrAgentNotOperational, http.StatusConflict},
		{engine.ErrCapabilityUnavailable, http.StatusUnprocessableEntity},
		{fmt.Errorf("%w: amount", risk.ErrThresholdExceeded), http.StatusUnprocessableEntity},
		{gobreaker.ErrOpenState, http.StatusServiceUnavailable},
		{eventsource.StoreError("append", errors.New("connection refused")), http.StatusInternalServerError},
		{fmt.Errorf("%w: event 3: %w", eventsource.ErrCorruptedStream, domain.ErrInvalidStateTransition), http.StatusInternalServerError},
	}
	for _, tt := range tests {
		code, _ := statusFor(tt.err)
		assert.Equal(t, tt.code, code, tt.err.Error())
	}
}

func TestCorruptedStreamIsServerError(t *testing.T) {
	err := fmt.Errorf("load: %w: event 4 (agent.activated): %w", eventsource.ErrCorruptedStream, domain.ErrInvalidStateTransition)

	code, kind := statusFor(err)
	assert.Equal(t, http.StatusInternalServerError, code)
	assert.Equal(t, "corrupted_stream", kind)

	rec := httptest.NewRecorder()
	writeError(rec, err)
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	assert.JSONEq(t, `{"error":"internal error","code":"corrupted_stream"}`, rec.Body.String())
}
