package httpapi

import (
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/corebank/payments-ledger/internal/domain"
)

func TestHTTPStatusForKind(t *testing.T) {
	cases := []struct {
		name string
		kind domain.Kind
		want int
	}{
		{"validation", domain.KindValidationError, http.StatusBadRequest},
		{"notfound", domain.KindNotFound, http.StatusNotFound},
		{"invalid_state_transition", domain.KindInvalidStateTransition, http.StatusConflict},
		{"idempotency_conflict", domain.KindIdempotencyConflict, http.StatusConflict},
		{"invalid_amount", domain.KindInvalidAmount, http.StatusUnprocessableEntity},
		{"internal", domain.KindInternalError, http.StatusInternalServerError},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			require.Equal(t, tc.want, httpStatusForKind(tc.kind))
		})
	}
}

func TestWriteErr_WrapsPlainErrorAsInternal(t *testing.T) {
	rec := httptest.NewRecorder()
	writeErr(rec, errors.New("boom: connection refused"))

	require.Equal(t, http.StatusInternalServerError, rec.Code)

	var body struct {
		Error struct {
			Type    string         `json:"type"`
			Message string         `json:"message"`
			Details map[string]any `json:"details"`
		} `json:"error"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	require.Equal(t, string(domain.KindInternalError), body.Error.Type)
	require.Equal(t, "internal error", body.Error.Message)
	require.Nil(t, body.Error.Details)
	require.NotContains(t, rec.Body.String(), "connection refused")
}

func TestWriteErr_RendersDomainErrorDetails(t *testing.T) {
	rec := httptest.NewRecorder()
	writeErr(rec, domain.NotFoundError("payment", "pay_123"))

	require.Equal(t, http.StatusNotFound, rec.Code)

	var body struct {
		Error struct {
			Type    string         `json:"type"`
			Message string         `json:"message"`
			Details map[string]any `json:"details"`
		} `json:"error"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	require.Equal(t, string(domain.KindNotFound), body.Error.Type)
	require.Equal(t, `payment "pay_123" not found`, body.Error.Message)
	require.Equal(t, "pay_123", body.Error.Details["id"])
}

func TestTransitionErrorTo_CarriesAllowedActions(t *testing.T) {
	err := domain.TransitionErrorTo("voided", "capture", nil)
	require.Equal(t, domain.KindInvalidStateTransition, err.ErrKind)
	require.Contains(t, err.Details, "allowed_actions")
	require.Empty(t, err.Details["allowed_actions"])
	require.Equal(t, http.StatusConflict, httpStatusForKind(err.ErrKind))
}
