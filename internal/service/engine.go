package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/forwardly/wallet-service/internal/domain"
	"github.com/forwardly/wallet-service/internal/gateway"
	"github.com/forwardly/wallet-service/internal/models"
	"github.com/forwardly/wallet-service/internal/observability"
	"github.com/forwardly/wallet-service/internal/rates"
	"github.com/forwardly/wallet-service/internal/repository"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// BalanceEngine orchestrates every balance-mutating operation. It holds no
// authoritative state of its own: balances, the ledger and historical
// snapshots all live in the store, and each call works from a fresh read.
//
// External collaborators (payment gateway, rate source) are always called
// outside balance locks; only the final bookkeeping runs inside a database
// transaction, and that transaction is the serialization boundary for each
// (user, currency) pair.
type BalanceEngine struct {
	store   *repository.Store
	gateway gateway.Gateway
	rates   rates.Source
}

// NewBalanceEngine wires the engine to its injected collaborators.
func NewBalanceEngine(store *repository.Store, gw gateway.Gateway, src rates.Source) *BalanceEngine {
	return &BalanceEngine{
		store:   store,
		gateway: gw,
		rates:   src,
	}
}

// OperationResult is the authoritative post-operation state returned to
// callers. Clients must render from it rather than apply speculative local
// mutations.
type OperationResult struct {
	Balance     models.Balance     `json:"balance"`
	Transaction models.Transaction `json:"transaction"`
}

// DepositRequest credits a wallet from an externally authorized payment.
type DepositRequest struct {
	UserID uuid.UUID
	// Currency and AmountCents are what gets credited.
	Currency    domain.Currency
	AmountCents int64
	// PaymentCurrency is the currency the processor actually charged. When it
	// differs from Currency the charge amount is converted for display and
	// audit only: the credited amount is always AmountCents in Currency.
	// That is deliberate "buy N units of Currency at market cost" semantics.
	PaymentCurrency domain.Currency
	// PaymentToken references a successfully authorized external payment and
	// doubles as the deposit's idempotency key.
	PaymentToken string
	Description  string
}

// Deposit verifies the payment authorization with the gateway, then
// atomically credits the balance, appends the ledger record and refreshes
// today's historical snapshot. Retrying with an already-consumed token
// returns the original result without crediting again.
func (e *BalanceEngine) Deposit(ctx context.Context, req DepositRequest) (*OperationResult, error) {
	if err := validateAmount(req.AmountCents); err != nil {
		return nil, fail("deposit", err)
	}
	if !req.Currency.Valid() {
		return nil, fail("deposit", validationErrorf("unsupported currency: %s", req.Currency))
	}
	if strings.TrimSpace(req.PaymentToken) == "" {
		return nil, fail("deposit", validationErrorf("payment token is required"))
	}
	if req.PaymentCurrency != "" && !req.PaymentCurrency.Valid() {
		return nil, fail("deposit", validationErrorf("unsupported payment currency: %s", req.PaymentCurrency))
	}

	queries := e.store.Queries()
	if existing, err := queries.GetDepositByPaymentIntent(ctx, req.PaymentToken); err == nil {
		return e.replayDeposit(ctx, existing)
	} else if !errors.Is(err, pgx.ErrNoRows) {
		return nil, fail("deposit", fmt.Errorf("check deposit idempotency: %w", err))
	}

	money := domain.NewMoney(req.AmountCents, req.Currency)

	// Display/audit conversion of the actual charge. Requires a rate, so it
	// happens before the gateway call and far away from any balance lock.
	var (
		chargedCents    *int64
		paymentCurrency *domain.Currency
		fxRate          *decimal.Decimal
	)
	if req.PaymentCurrency != "" && req.PaymentCurrency != req.Currency {
		rs, err := e.rates.GetRates(ctx, domain.BaseCurrency)
		if err != nil {
			return nil, fail("deposit", err)
		}
		ratio, err := rateRatio(rs, req.Currency, req.PaymentCurrency)
		if err != nil {
			return nil, fail("deposit", err)
		}
		charged := money.Convert(req.PaymentCurrency, ratio)
		chargedCents = &charged.Cents
		pc := req.PaymentCurrency
		paymentCurrency = &pc
		fxRate = &ratio
	}

	paymentRef, err := e.gateway.ConfirmPayment(ctx, req.PaymentToken, money)
	if err != nil {
		return nil, fail("deposit", &PaymentError{Op: "deposit", Err: err})
	}

	tx := models.Transaction{
		UserID:          req.UserID,
		Type:            domain.TxTypeDeposit,
		Status:          domain.TxStatusCompleted,
		AmountCents:     req.AmountCents,
		Currency:        req.Currency,
		PaymentCurrency: paymentCurrency,
		ChargedCents:    chargedCents,
		FXRate:          fxRate,
		Description:     req.Description,
		PaymentIntentID: &req.PaymentToken,
	}

	var balance models.Balance
	err = e.store.RunInTx(ctx, func(q *repository.Queries) error {
		if err := q.EnsureBalance(ctx, req.UserID, req.Currency); err != nil {
			return err
		}
		locked, err := q.GetBalanceForUpdate(ctx, req.UserID, req.Currency)
		if err != nil {
			return err
		}
		rows, err := q.CreditBalance(ctx, req.UserID, req.Currency, req.AmountCents)
		if err != nil {
			return err
		}
		if err := requireExactlyOne(rows, "credit deposit"); err != nil {
			return err
		}
		balance = locked
		balance.AmountCents += req.AmountCents
		balance.UpdatedAt = time.Now().UTC()

		if err := q.AppendTransaction(ctx, &tx); err != nil {
			return err
		}
		return snapshotHistory(ctx, q, req.UserID, time.Now().UTC())
	})
	if err != nil {
		// A concurrent deposit carrying the same token won the unique index
		// race; the balance was credited exactly once by the winner.
		if isUniqueViolation(err) {
			if existing, lookupErr := queries.GetDepositByPaymentIntent(ctx, req.PaymentToken); lookupErr == nil {
				return e.replayDeposit(ctx, existing)
			}
		}
		return nil, e.partialFailure("deposit", paymentRef, err)
	}

	observability.IncrementWalletOp("deposit", "success")
	return &OperationResult{Balance: balance, Transaction: tx}, nil
}

func (e *BalanceEngine) replayDeposit(ctx context.Context, tx models.Transaction) (*OperationResult, error) {
	balance, err := e.store.Queries().GetBalance(ctx, tx.UserID, tx.Currency)
	if err != nil {
		return nil, fmt.Errorf("load balance for deposit replay: %w", err)
	}
	observability.IncrementWalletOp("deposit", "replay")
	zap.L().Info("deposit token already consumed, returning original result",
		zap.String("payment_intent_id", deref(tx.PaymentIntentID)),
		zap.String("user_id", tx.UserID.String()),
	)
	return &OperationResult{Balance: balance, Transaction: tx}, nil
}

// WithdrawRequest debits a wallet through an external payout.
type WithdrawRequest struct {
	UserID      uuid.UUID
	Currency    domain.Currency
	AmountCents int64
	Destination string
	Description string
}

// Withdraw checks sufficiency before requesting the external payout, and only
// debits the balance once a payout reference has been obtained. A payout that
// succeeds externally but fails local bookkeeping surfaces as PartialFailure
// keyed by the payout reference.
func (e *BalanceEngine) Withdraw(ctx context.Context, req WithdrawRequest) (*OperationResult, error) {
	if err := validateAmount(req.AmountCents); err != nil {
		return nil, fail("withdrawal", err)
	}
	if !req.Currency.Valid() {
		return nil, fail("withdrawal", validationErrorf("unsupported currency: %s", req.Currency))
	}
	if strings.TrimSpace(req.Destination) == "" {
		return nil, fail("withdrawal", validationErrorf("destination is required"))
	}

	queries := e.store.Queries()
	current, err := queries.GetBalance(ctx, req.UserID, req.Currency)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, fail("withdrawal", ErrInsufficientBalance)
		}
		return nil, fail("withdrawal", err)
	}
	if current.AmountCents < req.AmountCents {
		return nil, fail("withdrawal", ErrInsufficientBalance)
	}

	money := domain.NewMoney(req.AmountCents, req.Currency)
	payoutRef, err := e.gateway.RequestPayout(ctx, money, req.Destination)
	if err != nil {
		e.recordFailedWithdrawal(ctx, req, err)
		return nil, fail("withdrawal", &PaymentError{Op: "withdrawal", Err: err})
	}

	tx := models.Transaction{
		UserID:      req.UserID,
		Type:        domain.TxTypeWithdrawal,
		Status:      domain.TxStatusCompleted,
		AmountCents: req.AmountCents,
		Currency:    req.Currency,
		Description: req.Description,
		PayoutID:    &payoutRef,
	}

	var balance models.Balance
	err = e.store.RunInTx(ctx, func(q *repository.Queries) error {
		locked, err := q.GetBalanceForUpdate(ctx, req.UserID, req.Currency)
		if err != nil {
			return err
		}
		rows, err := q.DebitBalance(ctx, req.UserID, req.Currency, req.AmountCents)
		if err != nil {
			return err
		}
		if rows == 0 {
			// A concurrent operation consumed the funds between the
			// sufficiency check and this debit.
			return ErrConcurrencyConflict
		}
		balance = locked
		balance.AmountCents -= req.AmountCents
		balance.UpdatedAt = time.Now().UTC()

		if err := q.AppendTransaction(ctx, &tx); err != nil {
			return err
		}
		return snapshotHistory(ctx, q, req.UserID, time.Now().UTC())
	})
	if err != nil {
		return nil, e.partialFailure("withdrawal", payoutRef, err)
	}

	observability.IncrementWalletOp("withdrawal", "success")
	return &OperationResult{Balance: balance, Transaction: tx}, nil
}

// recordFailedWithdrawal appends an audit-only FAILED ledger record for a
// payout the gateway rejected. The balance is untouched; reconciliation
// replays completed records only.
func (e *BalanceEngine) recordFailedWithdrawal(ctx context.Context, req WithdrawRequest, cause error) {
	tx := models.Transaction{
		UserID:      req.UserID,
		Type:        domain.TxTypeWithdrawal,
		Status:      domain.TxStatusFailed,
		AmountCents: req.AmountCents,
		Currency:    req.Currency,
		Description: fmt.Sprintf("payout rejected: %v", cause),
	}
	if err := e.store.Queries().AppendTransaction(ctx, &tx); err != nil {
		zap.L().Warn("failed to record rejected withdrawal", zap.Error(err), zap.String("user_id", req.UserID.String()))
	}
}

// RefundRequest credits a wallet back from an external refund.
type RefundRequest struct {
	UserID uuid.UUID
	// PaymentReference links back to the original external charge.
	PaymentReference string
	Currency         domain.Currency
	AmountCents      int64
	Description      string
}

// Refund requires the original payment reference and caps the refund at the
// original charge minus prior completed refunds against the same reference.
// Refunds against one reference serialize on the original deposit row, so
// concurrent refunds cannot jointly exceed the cap.
func (e *BalanceEngine) Refund(ctx context.Context, req RefundRequest) (*OperationResult, error) {
	if strings.TrimSpace(req.PaymentReference) == "" {
		return nil, fail("refund", ErrMissingReference)
	}
	if err := validateAmount(req.AmountCents); err != nil {
		return nil, fail("refund", err)
	}
	if !req.Currency.Valid() {
		return nil, fail("refund", validationErrorf("unsupported currency: %s", req.Currency))
	}

	queries := e.store.Queries()
	original, err := queries.GetDepositByPaymentIntent(ctx, req.PaymentReference)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, fail("refund", validationErrorf("unknown payment reference: %s", req.PaymentReference))
		}
		return nil, fail("refund", err)
	}
	if original.UserID != req.UserID {
		return nil, fail("refund", validationErrorf("payment reference belongs to a different user"))
	}
	if original.Currency != req.Currency {
		return nil, fail("refund", validationErrorf("refund currency %s does not match original charge currency %s", req.Currency, original.Currency))
	}

	refunded, err := queries.SumCompletedRefunds(ctx, req.PaymentReference)
	if err != nil {
		return nil, fail("refund", err)
	}
	if req.AmountCents > original.AmountCents-refunded {
		return nil, fail("refund", ErrRefundExceedsOriginal)
	}

	money := domain.NewMoney(req.AmountCents, req.Currency)

	tx := models.Transaction{
		UserID:          req.UserID,
		Type:            domain.TxTypeRefund,
		Status:          domain.TxStatusCompleted,
		AmountCents:     req.AmountCents,
		Currency:        req.Currency,
		Description:     req.Description,
		PaymentIntentID: &req.PaymentReference,
	}

	var balance models.Balance
	var refundRef string
	err = e.store.RunInTx(ctx, func(q *repository.Queries) error {
		// The deposit row lock serializes refunds against one payment
		// reference: the cap is re-checked under it, and the gateway
		// refund is only requested once the cap holds. The sum above is
		// a fast pre-check and not authoritative.
		deposit, err := q.GetDepositByPaymentIntentForUpdate(ctx, req.PaymentReference)
		if err != nil {
			return err
		}
		refunded, err := q.SumCompletedRefunds(ctx, req.PaymentReference)
		if err != nil {
			return err
		}
		if req.AmountCents > deposit.AmountCents-refunded {
			return ErrRefundExceedsOriginal
		}

		refundRef, err = e.gateway.RequestRefund(ctx, req.PaymentReference, money)
		if err != nil {
			return &PaymentError{Op: "refund", Err: err}
		}
		tx.RefundID = &refundRef

		if err := q.EnsureBalance(ctx, req.UserID, req.Currency); err != nil {
			return err
		}
		locked, err := q.GetBalanceForUpdate(ctx, req.UserID, req.Currency)
		if err != nil {
			return err
		}
		rows, err := q.CreditBalance(ctx, req.UserID, req.Currency, req.AmountCents)
		if err != nil {
			return err
		}
		if err := requireExactlyOne(rows, "credit refund"); err != nil {
			return err
		}
		balance = locked
		balance.AmountCents += req.AmountCents
		balance.UpdatedAt = time.Now().UTC()

		if err := q.AppendTransaction(ctx, &tx); err != nil {
			return err
		}
		return snapshotHistory(ctx, q, req.UserID, time.Now().UTC())
	})
	if err != nil {
		// No external reference means the transaction failed before the
		// gateway call, so nothing external needs reconciling.
		if refundRef == "" {
			return nil, fail("refund", err)
		}
		return nil, e.partialFailure("refund", refundRef, err)
	}

	observability.IncrementWalletOp("refund", "success")
	return &OperationResult{Balance: balance, Transaction: tx}, nil
}

// TransferRequest converts between two of the user's currency balances.
type TransferRequest struct {
	UserID       uuid.UUID
	FromCurrency domain.Currency
	ToCurrency   domain.Currency
	AmountCents  int64
	Description  string
}

// TransferResult carries both post-transfer balances and the single ledger
// record describing both legs.
type TransferResult struct {
	FromBalance models.Balance     `json:"from_balance"`
	ToBalance   models.Balance     `json:"to_balance"`
	Transaction models.Transaction `json:"transaction"`
}

// Transfer converts amount from one currency balance into another at the
// current rate, fee-free. Rates are fetched before any lock is taken; both
// balance rows are then locked in lexicographic currency order and mutated in
// one database transaction, so either both legs commit or neither does.
func (e *BalanceEngine) Transfer(ctx context.Context, req TransferRequest) (*TransferResult, error) {
	if err := validateAmount(req.AmountCents); err != nil {
		return nil, fail("transfer", err)
	}
	if !req.FromCurrency.Valid() {
		return nil, fail("transfer", validationErrorf("unsupported currency: %s", req.FromCurrency))
	}
	if !req.ToCurrency.Valid() {
		return nil, fail("transfer", validationErrorf("unsupported currency: %s", req.ToCurrency))
	}
	if req.FromCurrency == req.ToCurrency {
		return nil, fail("transfer", validationErrorf("source and target currency must be different"))
	}

	rs, err := e.rates.GetRates(ctx, domain.BaseCurrency)
	if err != nil {
		return nil, fail("transfer", err)
	}
	ratio, err := rateRatio(rs, req.FromCurrency, req.ToCurrency)
	if err != nil {
		return nil, fail("transfer", err)
	}
	converted := domain.NewMoney(req.AmountCents, req.FromCurrency).Convert(req.ToCurrency, ratio)
	if converted.Cents <= 0 {
		return nil, fail("transfer", validationErrorf("amount too small to convert to %s", req.ToCurrency))
	}

	tx := models.Transaction{
		UserID:         req.UserID,
		Type:           domain.TxTypeTransfer,
		Status:         domain.TxStatusCompleted,
		AmountCents:    req.AmountCents,
		Currency:       req.FromCurrency,
		TargetCurrency: &req.ToCurrency,
		ConvertedCents: &converted.Cents,
		FXRate:         &ratio,
		Description:    req.Description,
	}

	var fromBalance, toBalance models.Balance
	err = e.store.RunInTx(ctx, func(q *repository.Queries) error {
		// Provision and lock both rows in lexicographic currency order so
		// opposing transfers cannot deadlock. A fresh insert holds its
		// row lock too, so provisioning must follow the same order as
		// the FOR UPDATE reads.
		first, second := req.FromCurrency, req.ToCurrency
		if second < first {
			first, second = second, first
		}
		if err := q.EnsureBalance(ctx, req.UserID, first); err != nil {
			return err
		}
		if err := q.EnsureBalance(ctx, req.UserID, second); err != nil {
			return err
		}
		lockedFirst, err := q.GetBalanceForUpdate(ctx, req.UserID, first)
		if err != nil {
			return err
		}
		lockedSecond, err := q.GetBalanceForUpdate(ctx, req.UserID, second)
		if err != nil {
			return err
		}

		fromBalance, toBalance = lockedFirst, lockedSecond
		if fromBalance.Currency != req.FromCurrency {
			fromBalance, toBalance = lockedSecond, lockedFirst
		}
		if fromBalance.AmountCents < req.AmountCents {
			return ErrInsufficientBalance
		}

		rows, err := q.DebitBalance(ctx, req.UserID, req.FromCurrency, req.AmountCents)
		if err != nil {
			return err
		}
		if rows == 0 {
			return ErrConcurrencyConflict
		}
		rows, err = q.CreditBalance(ctx, req.UserID, req.ToCurrency, converted.Cents)
		if err != nil {
			return err
		}
		if err := requireExactlyOne(rows, "credit transfer target"); err != nil {
			return err
		}

		now := time.Now().UTC()
		fromBalance.AmountCents -= req.AmountCents
		fromBalance.UpdatedAt = now
		toBalance.AmountCents += converted.Cents
		toBalance.UpdatedAt = now

		if err := q.AppendTransaction(ctx, &tx); err != nil {
			return err
		}
		return snapshotHistory(ctx, q, req.UserID, now)
	})
	if err != nil {
		return nil, fail("transfer", err)
	}

	observability.IncrementWalletOp("transfer", "success")
	return &TransferResult{FromBalance: fromBalance, ToBalance: toBalance, Transaction: tx}, nil
}

// BalancesView is the read-side aggregate for dashboard rendering.
type BalancesView struct {
	Balances []models.Balance `json:"balances"`
	TotalUSD decimal.Decimal  `json:"total_usd"`
}

// Balances returns every tracked currency balance (zero-filled for
// currencies without rows yet) plus the USD-equivalent aggregate. The
// aggregate is recomputed on demand from current balances and rates, never
// persisted.
func (e *BalanceEngine) Balances(ctx context.Context, userID uuid.UUID) (*BalancesView, error) {
	stored, err := e.store.Queries().ListBalances(ctx, userID)
	if err != nil {
		return nil, err
	}
	byCurrency := make(map[domain.Currency]models.Balance, len(stored))
	for _, b := range stored {
		byCurrency[b.Currency] = b
	}
	balances := make([]models.Balance, 0, len(domain.Currencies))
	for _, c := range domain.Currencies {
		if b, ok := byCurrency[c]; ok {
			balances = append(balances, b)
			continue
		}
		balances = append(balances, models.Balance{UserID: userID, Currency: c})
	}

	rs, err := e.rates.GetRates(ctx, domain.BaseCurrency)
	if err != nil {
		return nil, err
	}
	total, err := TotalBalanceUSD(balances, rs)
	if err != nil {
		return nil, err
	}
	return &BalancesView{Balances: balances, TotalUSD: total}, nil
}

// Transactions lists the user's ledger records, newest first.
func (e *BalanceEngine) Transactions(ctx context.Context, userID uuid.UUID, filter models.TransactionFilter) ([]models.Transaction, error) {
	return e.store.Queries().ListTransactions(ctx, userID, filter)
}

// History returns the daily balance snapshots, oldest first.
func (e *BalanceEngine) History(ctx context.Context, userID uuid.UUID) ([]models.HistoricalPoint, error) {
	return e.store.Queries().GetHistoricalPoints(ctx, userID)
}

// TotalBalanceUSD sums balances converted to USD. Rates are expressed as
// units of currency per one USD, so dividing converts each balance back.
// Pure and stateless: callers always recompute from current inputs.
func TotalBalanceUSD(balances []models.Balance, rs *models.RateSet) (decimal.Decimal, error) {
	total := decimal.Zero
	for _, b := range balances {
		if b.AmountCents == 0 {
			continue
		}
		rate, ok := rs.Rate(b.Currency)
		if !ok || rate.IsZero() {
			return decimal.Zero, fmt.Errorf("no usable rate for %s", b.Currency)
		}
		total = total.Add(b.Amount().Div(rate))
	}
	return total.Round(2), nil
}

// rateRatio returns rate(to)/rate(from) from one rate snapshot, so both legs
// of a conversion always use consistent rates.
func rateRatio(rs *models.RateSet, from, to domain.Currency) (decimal.Decimal, error) {
	fromRate, ok := rs.Rate(from)
	if !ok || fromRate.IsZero() {
		return decimal.Zero, fmt.Errorf("no usable rate for %s", from)
	}
	toRate, ok := rs.Rate(to)
	if !ok {
		return decimal.Zero, fmt.Errorf("no usable rate for %s", to)
	}
	return toRate.Div(fromRate), nil
}

func (e *BalanceEngine) partialFailure(op, reference string, err error) error {
	pf := &PartialFailure{Op: op, Reference: reference, Err: err}
	observability.IncrementPartialFailure(op)
	observability.IncrementWalletOp(op, "partial_failure")
	zap.L().Error("external call succeeded but bookkeeping failed; reconciliation required",
		zap.String("operation", op),
		zap.String("reference", reference),
		zap.Error(err),
	)
	return pf
}

func validateAmount(cents int64) error {
	if cents <= 0 {
		return validationErrorf("amount must be positive, got %d cents", cents)
	}
	return nil
}

func requireExactlyOne(rows int64, operation string) error {
	if rows != 1 {
		return fmt.Errorf("%s affected %d rows", operation, rows)
	}
	return nil
}

func fail(op string, err error) error {
	observability.IncrementWalletOp(op, "rejected")
	return err
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}
