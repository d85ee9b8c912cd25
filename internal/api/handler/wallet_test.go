package handler

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/forwardly/wallet-service/internal/api/problem"
	"github.com/forwardly/wallet-service/internal/gateway"
	"github.com/forwardly/wallet-service/internal/service"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func decodeProblem(t *testing.T, rec *httptest.ResponseRecorder) problem.Details {
	t.Helper()
	var details problem.Details
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&details))
	return details
}

func TestWriteEngineError_PartialFailureWinsOverWrappedSentinel(t *testing.T) {
	// A payout that was issued externally but lost the local debit race
	// wraps ErrConcurrencyConflict. The response must carry the payout
	// reference, never the retryable 409.
	err := &service.PartialFailure{
		Op:        "withdrawal",
		Reference: "po_MOCK-123",
		Err:       service.ErrConcurrencyConflict,
	}

	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/v1/wallet/withdrawals", nil)
	writeEngineError(rec, req, err)

	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	details := decodeProblem(t, rec)
	assert.Equal(t, problem.Type("wallet/partial-failure"), details.Type)
	assert.Equal(t, "po_MOCK-123", details.Reference)
}

func TestWriteEngineError_PaymentErrorWinsOverWrappedSentinel(t *testing.T) {
	err := &service.PaymentError{Op: "deposit", Err: gateway.ErrDeclined}

	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/v1/wallet/deposits", nil)
	writeEngineError(rec, req, err)

	assert.Equal(t, http.StatusPaymentRequired, rec.Code)
	details := decodeProblem(t, rec)
	assert.Equal(t, problem.Type("payment/gateway-declined"), details.Type)
}

func TestWriteEngineError_BareSentinelStillMapsToConflict(t *testing.T) {
	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/v1/wallet/transfers", nil)
	writeEngineError(rec, req, service.ErrConcurrencyConflict)

	assert.Equal(t, http.StatusConflict, rec.Code)
	details := decodeProblem(t, rec)
	assert.Equal(t, problem.Type("wallet/concurrency-conflict"), details.Type)
	assert.Empty(t, details.Reference)
}
