package handler

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/forwardly/wallet-service/internal/api/problem"
	"github.com/forwardly/wallet-service/internal/domain"
	"github.com/forwardly/wallet-service/internal/models"
	"github.com/forwardly/wallet-service/internal/rates"
	"github.com/forwardly/wallet-service/internal/service"
	"github.com/shopspring/decimal"
)

// WalletHandler exposes the balance engine over HTTP.
type WalletHandler struct {
	engine *service.BalanceEngine
}

func NewWalletHandler(engine *service.BalanceEngine) *WalletHandler {
	return &WalletHandler{engine: engine}
}

type depositRequest struct {
	Amount          decimal.Decimal `json:"amount"`
	Currency        string          `json:"currency"`
	PaymentCurrency string          `json:"payment_currency"`
	PaymentToken    string          `json:"payment_token"`
	Description     string          `json:"description"`
}

func (h *WalletHandler) Deposit(w http.ResponseWriter, r *http.Request) {
	actorID, _, err := requestActor(r)
	if err != nil {
		RespondError(w, r, http.StatusUnauthorized, "auth/invalid-token-claims", err.Error())
		return
	}

	var req depositRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		RespondError(w, r, http.StatusBadRequest, "request/invalid-body", "Invalid request body")
		return
	}

	currency, err := parseCurrency(req.Currency)
	if err != nil {
		RespondError(w, r, http.StatusBadRequest, "wallet/unsupported-currency", err.Error())
		return
	}
	paymentCurrency := currency
	if req.PaymentCurrency != "" {
		if paymentCurrency, err = parseCurrency(req.PaymentCurrency); err != nil {
			RespondError(w, r, http.StatusBadRequest, "wallet/unsupported-currency", err.Error())
			return
		}
	}

	result, err := h.engine.Deposit(r.Context(), service.DepositRequest{
		UserID:          actorID,
		Currency:        currency,
		AmountCents:     domain.FromDecimal(req.Amount),
		PaymentCurrency: paymentCurrency,
		PaymentToken:    req.PaymentToken,
		Description:     req.Description,
	})
	if err != nil {
		writeEngineError(w, r, err)
		return
	}
	RespondJSON(w, http.StatusCreated, result)
}

type withdrawRequest struct {
	Amount      decimal.Decimal `json:"amount"`
	Currency    string          `json:"currency"`
	Destination string          `json:"destination"`
	Description string          `json:"description"`
}

func (h *WalletHandler) Withdraw(w http.ResponseWriter, r *http.Request) {
	actorID, _, err := requestActor(r)
	if err != nil {
		RespondError(w, r, http.StatusUnauthorized, "auth/invalid-token-claims", err.Error())
		return
	}

	var req withdrawRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		RespondError(w, r, http.StatusBadRequest, "request/invalid-body", "Invalid request body")
		return
	}

	currency, err := parseCurrency(req.Currency)
	if err != nil {
		RespondError(w, r, http.StatusBadRequest, "wallet/unsupported-currency", err.Error())
		return
	}

	result, err := h.engine.Withdraw(r.Context(), service.WithdrawRequest{
		UserID:      actorID,
		Currency:    currency,
		AmountCents: domain.FromDecimal(req.Amount),
		Destination: req.Destination,
		Description: req.Description,
	})
	if err != nil {
		writeEngineError(w, r, err)
		return
	}
	RespondJSON(w, http.StatusCreated, result)
}

type transferRequest struct {
	Amount       decimal.Decimal `json:"amount"`
	FromCurrency string          `json:"from_currency"`
	ToCurrency   string          `json:"to_currency"`
	Description  string          `json:"description"`
}

func (h *WalletHandler) Transfer(w http.ResponseWriter, r *http.Request) {
	actorID, _, err := requestActor(r)
	if err != nil {
		RespondError(w, r, http.StatusUnauthorized, "auth/invalid-token-claims", err.Error())
		return
	}

	var req transferRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		RespondError(w, r, http.StatusBadRequest, "request/invalid-body", "Invalid request body")
		return
	}

	from, err := parseCurrency(req.FromCurrency)
	if err != nil {
		RespondError(w, r, http.StatusBadRequest, "wallet/unsupported-currency", err.Error())
		return
	}
	to, err := parseCurrency(req.ToCurrency)
	if err != nil {
		RespondError(w, r, http.StatusBadRequest, "wallet/unsupported-currency", err.Error())
		return
	}

	result, err := h.engine.Transfer(r.Context(), service.TransferRequest{
		UserID:       actorID,
		FromCurrency: from,
		ToCurrency:   to,
		AmountCents:  domain.FromDecimal(req.Amount),
		Description:  req.Description,
	})
	if err != nil {
		writeEngineError(w, r, err)
		return
	}
	RespondJSON(w, http.StatusCreated, result)
}

type refundRequest struct {
	Amount           decimal.Decimal `json:"amount"`
	Currency         string          `json:"currency"`
	PaymentReference string          `json:"payment_reference"`
	Description      string          `json:"description"`
}

func (h *WalletHandler) Refund(w http.ResponseWriter, r *http.Request) {
	actorID, _, err := requestActor(r)
	if err != nil {
		RespondError(w, r, http.StatusUnauthorized, "auth/invalid-token-claims", err.Error())
		return
	}

	var req refundRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		RespondError(w, r, http.StatusBadRequest, "request/invalid-body", "Invalid request body")
		return
	}

	currency, err := parseCurrency(req.Currency)
	if err != nil {
		RespondError(w, r, http.StatusBadRequest, "wallet/unsupported-currency", err.Error())
		return
	}

	result, err := h.engine.Refund(r.Context(), service.RefundRequest{
		UserID:           actorID,
		PaymentReference: req.PaymentReference,
		Currency:         currency,
		AmountCents:      domain.FromDecimal(req.Amount),
		Description:      req.Description,
	})
	if err != nil {
		writeEngineError(w, r, err)
		return
	}
	RespondJSON(w, http.StatusCreated, result)
}

func (h *WalletHandler) Balances(w http.ResponseWriter, r *http.Request) {
	actorID, _, err := requestActor(r)
	if err != nil {
		RespondError(w, r, http.StatusUnauthorized, "auth/invalid-token-claims", err.Error())
		return
	}

	view, err := h.engine.Balances(r.Context(), actorID)
	if err != nil {
		writeEngineError(w, r, err)
		return
	}
	RespondJSON(w, http.StatusOK, view)
}

func (h *WalletHandler) Transactions(w http.ResponseWriter, r *http.Request) {
	actorID, _, err := requestActor(r)
	if err != nil {
		RespondError(w, r, http.StatusUnauthorized, "auth/invalid-token-claims", err.Error())
		return
	}

	filter, err := parseTransactionFilter(r)
	if err != nil {
		RespondError(w, r, http.StatusBadRequest, "request/invalid-query", err.Error())
		return
	}

	txs, err := h.engine.Transactions(r.Context(), actorID, filter)
	if err != nil {
		writeEngineError(w, r, err)
		return
	}
	RespondJSON(w, http.StatusOK, map[string]interface{}{"transactions": txs})
}

func (h *WalletHandler) History(w http.ResponseWriter, r *http.Request) {
	actorID, _, err := requestActor(r)
	if err != nil {
		RespondError(w, r, http.StatusUnauthorized, "auth/invalid-token-claims", err.Error())
		return
	}

	points, err := h.engine.History(r.Context(), actorID)
	if err != nil {
		writeEngineError(w, r, err)
		return
	}
	RespondJSON(w, http.StatusOK, map[string]interface{}{"history": points})
}

func parseTransactionFilter(r *http.Request) (models.TransactionFilter, error) {
	var filter models.TransactionFilter
	q := r.URL.Query()

	if txType := q.Get("type"); txType != "" {
		if !domain.ValidTxType(txType) {
			return filter, errors.New("unknown transaction type: " + txType)
		}
		filter.Type = txType
	}
	if status := q.Get("status"); status != "" {
		filter.Status = status
	}
	if cur := q.Get("currency"); cur != "" {
		currency, err := parseCurrency(cur)
		if err != nil {
			return filter, err
		}
		filter.Currency = currency
	}
	if limit := q.Get("limit"); limit != "" {
		n, err := strconv.ParseInt(limit, 10, 32)
		if err != nil || n < 0 {
			return filter, errors.New("limit must be a non-negative integer")
		}
		filter.Limit = int32(n)
	}
	if offset := q.Get("offset"); offset != "" {
		n, err := strconv.ParseInt(offset, 10, 32)
		if err != nil || n < 0 {
			return filter, errors.New("offset must be a non-negative integer")
		}
		filter.Offset = int32(n)
	}
	return filter, nil
}

// writeEngineError maps balance engine errors onto HTTP problem responses.
// PartialFailure and PaymentError are matched before the sentinel switch:
// both unwrap to sentinels the switch would otherwise claim, and a partial
// failure must never be presented as retryable.
func writeEngineError(w http.ResponseWriter, r *http.Request, err error) {
	var partial *service.PartialFailure
	if errors.As(err, &partial) {
		problem.WriteWithReference(
			w, r,
			http.StatusInternalServerError,
			problem.Type("wallet/partial-failure"),
			http.StatusText(http.StatusInternalServerError),
			"the external payment succeeded but local bookkeeping failed; quote the reference when contacting support",
			partial.Reference,
		)
		return
	}

	var paymentErr *service.PaymentError
	if errors.As(err, &paymentErr) {
		RespondError(w, r, http.StatusPaymentRequired, "payment/gateway-declined", paymentErr.Error())
		return
	}

	var validationErr *service.ValidationError
	if errors.As(err, &validationErr) {
		RespondError(w, r, http.StatusBadRequest, "wallet/validation", validationErr.Error())
		return
	}

	switch {
	case errors.Is(err, service.ErrMissingReference):
		RespondError(w, r, http.StatusBadRequest, "wallet/missing-payment-reference", "a payment reference is required for refunds")
		return
	case errors.Is(err, service.ErrRefundExceedsOriginal):
		RespondError(w, r, http.StatusBadRequest, "wallet/refund-exceeds-original", "refund amount exceeds the refundable remainder of the original payment")
		return
	case errors.Is(err, service.ErrInsufficientBalance):
		RespondError(w, r, http.StatusBadRequest, "wallet/insufficient-balance", "insufficient balance for this operation")
		return
	case errors.Is(err, service.ErrConcurrencyConflict):
		RespondError(w, r, http.StatusConflict, "wallet/concurrency-conflict", "the balance changed concurrently; retry the operation")
		return
	}

	var fetchErr *rates.FetchError
	if errors.As(err, &fetchErr) {
		RespondError(w, r, http.StatusServiceUnavailable, "rates/unavailable", "exchange rates are currently unavailable")
		return
	}

	if status, problemType, message, ok := mapDBError(err); ok {
		RespondError(w, r, status, problemType, message)
		return
	}

	RespondError(w, r, http.StatusInternalServerError, "internal-server-error", "unexpected server error")
}
