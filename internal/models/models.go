package models

import (
	"time"

	"github.com/forwardly/wallet-service/internal/domain"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// Balance is the running amount a user holds in one currency.
// Exactly one row exists per (user, currency); only the balance engine
// mutates it, and the amount never goes negative.
type Balance struct {
	UserID      uuid.UUID       `json:"user_id"`
	Currency    domain.Currency `json:"currency"`
	AmountCents int64           `json:"amount_cents"`
	UpdatedAt   time.Time       `json:"updated_at"`
}

// Amount returns the balance as a two-fraction-digit decimal.
func (b Balance) Amount() decimal.Decimal {
	return domain.NewMoney(b.AmountCents, b.Currency).ToDecimal()
}

// Transaction is an immutable ledger record of a balance-affecting event.
// Once status reaches COMPLETED or FAILED the row is never edited again.
type Transaction struct {
	ID          uuid.UUID       `json:"id"`
	UserID      uuid.UUID       `json:"user_id"`
	Type        string          `json:"type"`
	Status      string          `json:"status"`
	AmountCents int64           `json:"amount_cents"`
	Currency    domain.Currency `json:"currency"`

	// Transfer-only fields: the single record describes both legs.
	TargetCurrency *domain.Currency `json:"target_currency,omitempty"`
	ConvertedCents *int64           `json:"converted_cents,omitempty"`
	FXRate         *decimal.Decimal `json:"fx_rate,omitempty"`

	// Deposit display/audit fields: what the external processor actually
	// charged, which may differ from the credited currency.
	PaymentCurrency *domain.Currency `json:"payment_currency,omitempty"`
	ChargedCents    *int64           `json:"charged_cents,omitempty"`

	Description string `json:"description,omitempty"`

	// External collaborator references proving the financial action occurred.
	PaymentIntentID *string `json:"payment_intent_id,omitempty"`
	PayoutID        *string `json:"payout_id,omitempty"`
	RefundID        *string `json:"refund_id,omitempty"`

	CreatedAt time.Time `json:"created_at"`
}

// TransactionFilter narrows ListTransactions results.
type TransactionFilter struct {
	Type     string
	Status   string
	Currency domain.Currency
	Limit    int32
	Offset   int32
}

// HistoricalPoint is one calendar day's snapshot of all currency balances.
// At most one point exists per (user, day).
type HistoricalPoint struct {
	UserID uuid.UUID                 `json:"user_id"`
	Day    time.Time                 `json:"date"`
	Cents  map[domain.Currency]int64 `json:"amounts_cents"`
}

// RateSet is a cached mapping of currency to rate relative to a base
// currency, expressed as units of currency per one base unit.
type RateSet struct {
	Base      domain.Currency                     `json:"base"`
	Rates     map[domain.Currency]decimal.Decimal `json:"rates"`
	FetchedAt time.Time                           `json:"fetched_at"`
}

// Rate returns the rate for one currency.
func (rs *RateSet) Rate(c domain.Currency) (decimal.Decimal, bool) {
	r, ok := rs.Rates[c]
	return r, ok
}

// Age returns how long ago the set was fetched.
func (rs *RateSet) Age(now time.Time) time.Duration {
	return now.Sub(rs.FetchedAt)
}
