package service

import (
	"context"
	"testing"

	"github.com/forwardly/wallet-service/internal/domain"
	"github.com/forwardly/wallet-service/internal/gateway"
	"github.com/forwardly/wallet-service/internal/models"
	"github.com/forwardly/wallet-service/internal/rates"
	"github.com/forwardly/wallet-service/internal/repository"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestEngine(t *testing.T, db *pgxpool.Pool, src rates.Source) *BalanceEngine {
	t.Helper()
	if src == nil {
		src = fixedRates()
	}
	return NewBalanceEngine(repository.NewStore(db), gateway.NewMockGateway(), src)
}

func seedBalance(t *testing.T, db *pgxpool.Pool, userID uuid.UUID, currency domain.Currency, cents int64) {
	t.Helper()
	queries := repository.New(db)
	ctx := context.Background()
	require.NoError(t, queries.EnsureBalance(ctx, userID, currency))
	if cents > 0 {
		rows, err := queries.CreditBalance(ctx, userID, currency, cents)
		require.NoError(t, err)
		require.Equal(t, int64(1), rows)
	}
}

func TestDeposit(t *testing.T) {
	db := setupTestDB(t)
	defer db.Close()

	engine := newTestEngine(t, db, nil)
	ctx := context.Background()
	userID := uuid.New()

	result, err := engine.Deposit(ctx, DepositRequest{
		UserID:       userID,
		Currency:     domain.USD,
		AmountCents:  100_00,
		PaymentToken: "tok_abc123",
		Description:  "top-up",
	})
	require.NoError(t, err)

	assert.Equal(t, int64(100_00), result.Balance.AmountCents)
	assert.Equal(t, domain.USD, result.Balance.Currency)
	assert.Equal(t, domain.TxTypeDeposit, result.Transaction.Type)
	assert.Equal(t, domain.TxStatusCompleted, result.Transaction.Status)
	require.NotNil(t, result.Transaction.PaymentIntentID)
	assert.Equal(t, "tok_abc123", *result.Transaction.PaymentIntentID)

	var stored int64
	err = db.QueryRow(ctx, "SELECT amount_cents FROM balances WHERE user_id = $1 AND currency = 'USD'", userID).Scan(&stored)
	require.NoError(t, err)
	assert.Equal(t, int64(100_00), stored)
}

func TestDeposit_SameTokenCreditsOnce(t *testing.T) {
	db := setupTestDB(t)
	defer db.Close()

	engine := newTestEngine(t, db, nil)
	ctx := context.Background()
	userID := uuid.New()

	req := DepositRequest{
		UserID:       userID,
		Currency:     domain.USD,
		AmountCents:  100_00,
		PaymentToken: "tok_once",
	}

	first, err := engine.Deposit(ctx, req)
	require.NoError(t, err)

	second, err := engine.Deposit(ctx, req)
	require.NoError(t, err)

	assert.Equal(t, first.Transaction.ID, second.Transaction.ID)
	assert.Equal(t, int64(100_00), second.Balance.AmountCents)

	var count int
	err = db.QueryRow(ctx, "SELECT COUNT(*) FROM transactions WHERE user_id = $1 AND type = 'deposit'", userID).Scan(&count)
	require.NoError(t, err)
	assert.Equal(t, 1, count)
}

func TestDeposit_DeclinedToken(t *testing.T) {
	db := setupTestDB(t)
	defer db.Close()

	engine := newTestEngine(t, db, nil)
	ctx := context.Background()

	_, err := engine.Deposit(ctx, DepositRequest{
		UserID:       uuid.New(),
		Currency:     domain.USD,
		AmountCents:  50_00,
		PaymentToken: "tok_fail_card",
	})
	require.Error(t, err)

	var paymentErr *PaymentError
	require.ErrorAs(t, err, &paymentErr)
	assert.ErrorIs(t, err, gateway.ErrDeclined)
}

func TestDeposit_Validation(t *testing.T) {
	db := setupTestDB(t)
	defer db.Close()

	engine := newTestEngine(t, db, nil)
	ctx := context.Background()

	_, err := engine.Deposit(ctx, DepositRequest{
		UserID: uuid.New(), Currency: domain.USD, AmountCents: 0, PaymentToken: "tok_a",
	})
	assert.True(t, IsValidation(err), "zero amount: %v", err)

	_, err = engine.Deposit(ctx, DepositRequest{
		UserID: uuid.New(), Currency: "GBP", AmountCents: 10_00, PaymentToken: "tok_a",
	})
	assert.True(t, IsValidation(err), "unsupported currency: %v", err)

	_, err = engine.Deposit(ctx, DepositRequest{
		UserID: uuid.New(), Currency: domain.USD, AmountCents: 10_00,
	})
	assert.True(t, IsValidation(err), "missing token: %v", err)
}

func TestDeposit_CrossCurrencyChargeIsAuditOnly(t *testing.T) {
	db := setupTestDB(t)
	defer db.Close()

	engine := newTestEngine(t, db, nil)
	ctx := context.Background()
	userID := uuid.New()

	// Buying 100.00 USD while the card is charged in EUR: the wallet is
	// credited the entered USD amount; the EUR charge is recorded for audit.
	result, err := engine.Deposit(ctx, DepositRequest{
		UserID:          userID,
		Currency:        domain.USD,
		AmountCents:     100_00,
		PaymentCurrency: domain.EUR,
		PaymentToken:    "tok_eurcard",
	})
	require.NoError(t, err)

	assert.Equal(t, int64(100_00), result.Balance.AmountCents)
	require.NotNil(t, result.Transaction.ChargedCents)
	assert.Equal(t, int64(92_00), *result.Transaction.ChargedCents)
	require.NotNil(t, result.Transaction.PaymentCurrency)
	assert.Equal(t, domain.EUR, *result.Transaction.PaymentCurrency)
	require.NotNil(t, result.Transaction.FXRate)
	assert.True(t, result.Transaction.FXRate.Equal(decimal.NewFromFloat(0.92)))
}

func TestWithdraw(t *testing.T) {
	db := setupTestDB(t)
	defer db.Close()

	engine := newTestEngine(t, db, nil)
	ctx := context.Background()
	userID := uuid.New()
	seedBalance(t, db, userID, domain.USD, 100_00)

	result, err := engine.Withdraw(ctx, WithdrawRequest{
		UserID:      userID,
		Currency:    domain.USD,
		AmountCents: 40_00,
		Destination: "acct_777",
	})
	require.NoError(t, err)

	assert.Equal(t, int64(60_00), result.Balance.AmountCents)
	assert.Equal(t, domain.TxTypeWithdrawal, result.Transaction.Type)
	assert.Equal(t, domain.TxStatusCompleted, result.Transaction.Status)
	require.NotNil(t, result.Transaction.PayoutID)
	assert.NotEmpty(t, *result.Transaction.PayoutID)
}

func TestWithdraw_InsufficientBalance(t *testing.T) {
	db := setupTestDB(t)
	defer db.Close()

	engine := newTestEngine(t, db, nil)
	ctx := context.Background()
	userID := uuid.New()
	seedBalance(t, db, userID, domain.EUR, 50_00)

	_, err := engine.Withdraw(ctx, WithdrawRequest{
		UserID:      userID,
		Currency:    domain.EUR,
		AmountCents: 75_00,
		Destination: "acct_777",
	})
	require.ErrorIs(t, err, ErrInsufficientBalance)

	// No ledger record and no debit happened.
	var count int
	require.NoError(t, db.QueryRow(ctx, "SELECT COUNT(*) FROM transactions WHERE user_id = $1", userID).Scan(&count))
	assert.Equal(t, 0, count)

	var cents int64
	require.NoError(t, db.QueryRow(ctx, "SELECT amount_cents FROM balances WHERE user_id = $1 AND currency = 'EUR'", userID).Scan(&cents))
	assert.Equal(t, int64(50_00), cents)
}

func TestWithdraw_NoBalanceRow(t *testing.T) {
	db := setupTestDB(t)
	defer db.Close()

	engine := newTestEngine(t, db, nil)

	_, err := engine.Withdraw(context.Background(), WithdrawRequest{
		UserID:      uuid.New(),
		Currency:    domain.USD,
		AmountCents: 10_00,
		Destination: "acct_777",
	})
	require.ErrorIs(t, err, ErrInsufficientBalance)
}

func TestTransfer(t *testing.T) {
	db := setupTestDB(t)
	defer db.Close()

	engine := newTestEngine(t, db, nil)
	ctx := context.Background()
	userID := uuid.New()
	seedBalance(t, db, userID, domain.USD, 200_00)

	// 100.00 USD at the pinned CNY rate 0.013 converts to 1.30 CNY.
	result, err := engine.Transfer(ctx, TransferRequest{
		UserID:       userID,
		FromCurrency: domain.USD,
		ToCurrency:   domain.CNY,
		AmountCents:  100_00,
	})
	require.NoError(t, err)

	assert.Equal(t, int64(100_00), result.FromBalance.AmountCents)
	assert.Equal(t, int64(1_30), result.ToBalance.AmountCents)

	tx := result.Transaction
	assert.Equal(t, domain.TxTypeTransfer, tx.Type)
	assert.Equal(t, domain.USD, tx.Currency)
	require.NotNil(t, tx.TargetCurrency)
	assert.Equal(t, domain.CNY, *tx.TargetCurrency)
	require.NotNil(t, tx.ConvertedCents)
	assert.Equal(t, int64(1_30), *tx.ConvertedCents)
	require.NotNil(t, tx.FXRate)
	assert.True(t, tx.FXRate.Equal(decimal.NewFromFloat(0.013)))
}

func TestTransfer_SameCurrencyRejected(t *testing.T) {
	db := setupTestDB(t)
	defer db.Close()

	engine := newTestEngine(t, db, nil)

	_, err := engine.Transfer(context.Background(), TransferRequest{
		UserID:       uuid.New(),
		FromCurrency: domain.USD,
		ToCurrency:   domain.USD,
		AmountCents:  10_00,
	})
	assert.True(t, IsValidation(err), "got %v", err)
}

func TestTransfer_InsufficientBalance(t *testing.T) {
	db := setupTestDB(t)
	defer db.Close()

	engine := newTestEngine(t, db, nil)
	ctx := context.Background()
	userID := uuid.New()
	seedBalance(t, db, userID, domain.USD, 20_00)

	_, err := engine.Transfer(ctx, TransferRequest{
		UserID:       userID,
		FromCurrency: domain.USD,
		ToCurrency:   domain.EUR,
		AmountCents:  50_00,
	})
	require.ErrorIs(t, err, ErrInsufficientBalance)

	// Neither leg committed.
	var count int
	require.NoError(t, db.QueryRow(ctx, "SELECT COUNT(*) FROM balances WHERE user_id = $1 AND currency = 'EUR' AND amount_cents > 0", userID).Scan(&count))
	assert.Equal(t, 0, count)
}

func TestTransfer_RatesUnavailable(t *testing.T) {
	db := setupTestDB(t)
	defer db.Close()

	src := &stubRates{err: &rates.FetchError{Base: domain.USD}}
	engine := newTestEngine(t, db, src)
	ctx := context.Background()
	userID := uuid.New()
	seedBalance(t, db, userID, domain.USD, 100_00)

	_, err := engine.Transfer(ctx, TransferRequest{
		UserID:       userID,
		FromCurrency: domain.USD,
		ToCurrency:   domain.EUR,
		AmountCents:  10_00,
	})
	var fetchErr *rates.FetchError
	require.ErrorAs(t, err, &fetchErr)

	// The source balance is untouched when no rate was available.
	var cents int64
	require.NoError(t, db.QueryRow(ctx, "SELECT amount_cents FROM balances WHERE user_id = $1 AND currency = 'USD'", userID).Scan(&cents))
	assert.Equal(t, int64(100_00), cents)
}

func TestTransfer_ConcurrentOppositeDirections(t *testing.T) {
	db := setupTestDB(t)
	defer db.Close()

	engine := newTestEngine(t, db, nil)
	ctx := context.Background()
	userID := uuid.New()
	seedBalance(t, db, userID, domain.USD, 1_000_00)
	seedBalance(t, db, userID, domain.EUR, 1_000_00)

	n := 10
	errs := make(chan error, n*2)
	for i := 0; i < n; i++ {
		go func() {
			_, err := engine.Transfer(ctx, TransferRequest{
				UserID: userID, FromCurrency: domain.USD, ToCurrency: domain.EUR, AmountCents: 10_00,
			})
			errs <- err
		}()
		go func() {
			_, err := engine.Transfer(ctx, TransferRequest{
				UserID: userID, FromCurrency: domain.EUR, ToCurrency: domain.USD, AmountCents: 10_00,
			})
			errs <- err
		}()
	}
	for i := 0; i < n*2; i++ {
		assert.NoError(t, <-errs)
	}
}

func TestTransfer_ConcurrentFanOutToNewCurrencies(t *testing.T) {
	db := setupTestDB(t)
	defer db.Close()

	engine := newTestEngine(t, db, nil)
	ctx := context.Background()
	userID := uuid.New()
	seedBalance(t, db, userID, domain.USD, 1_000_00)

	// EUR and JPY rows do not exist yet; the first transfers create them
	// while opposing goroutines hold other row locks.
	n := 10
	errs := make(chan error, n*2)
	for i := 0; i < n; i++ {
		go func() {
			_, err := engine.Transfer(ctx, TransferRequest{
				UserID: userID, FromCurrency: domain.USD, ToCurrency: domain.EUR, AmountCents: 5_00,
			})
			errs <- err
		}()
		go func() {
			_, err := engine.Transfer(ctx, TransferRequest{
				UserID: userID, FromCurrency: domain.USD, ToCurrency: domain.JPY, AmountCents: 5_00,
			})
			errs <- err
		}()
	}
	for i := 0; i < n*2; i++ {
		assert.NoError(t, <-errs)
	}

	balance, err := repository.New(db).GetBalance(ctx, userID, domain.USD)
	require.NoError(t, err)
	assert.Equal(t, int64(1_000_00-2*10*5_00), balance.AmountCents)
}

func TestRefund(t *testing.T) {
	db := setupTestDB(t)
	defer db.Close()

	engine := newTestEngine(t, db, nil)
	ctx := context.Background()
	userID := uuid.New()

	deposit, err := engine.Deposit(ctx, DepositRequest{
		UserID:       userID,
		Currency:     domain.USD,
		AmountCents:  100_00,
		PaymentToken: "tok_refundable",
	})
	require.NoError(t, err)

	result, err := engine.Refund(ctx, RefundRequest{
		UserID:           userID,
		PaymentReference: *deposit.Transaction.PaymentIntentID,
		Currency:         domain.USD,
		AmountCents:      30_00,
	})
	require.NoError(t, err)

	assert.Equal(t, int64(130_00), result.Balance.AmountCents)
	assert.Equal(t, domain.TxTypeRefund, result.Transaction.Type)
	require.NotNil(t, result.Transaction.RefundID)
	assert.NotEmpty(t, *result.Transaction.RefundID)
}

func TestRefund_RequiresReference(t *testing.T) {
	db := setupTestDB(t)
	defer db.Close()

	engine := newTestEngine(t, db, nil)

	_, err := engine.Refund(context.Background(), RefundRequest{
		UserID:      uuid.New(),
		Currency:    domain.USD,
		AmountCents: 10_00,
	})
	require.ErrorIs(t, err, ErrMissingReference)
}

func TestRefund_UnknownReference(t *testing.T) {
	db := setupTestDB(t)
	defer db.Close()

	engine := newTestEngine(t, db, nil)

	_, err := engine.Refund(context.Background(), RefundRequest{
		UserID:           uuid.New(),
		PaymentReference: "tok_never_seen",
		Currency:         domain.USD,
		AmountCents:      10_00,
	})
	assert.True(t, IsValidation(err), "got %v", err)
}

func TestRefund_CappedAtOriginal(t *testing.T) {
	db := setupTestDB(t)
	defer db.Close()

	engine := newTestEngine(t, db, nil)
	ctx := context.Background()
	userID := uuid.New()

	_, err := engine.Deposit(ctx, DepositRequest{
		UserID:       userID,
		Currency:     domain.USD,
		AmountCents:  100_00,
		PaymentToken: "tok_capped",
	})
	require.NoError(t, err)

	// First partial refund fits.
	_, err = engine.Refund(ctx, RefundRequest{
		UserID: userID, PaymentReference: "tok_capped", Currency: domain.USD, AmountCents: 80_00,
	})
	require.NoError(t, err)

	// Remaining refundable is 20.00; 30.00 exceeds it.
	_, err = engine.Refund(ctx, RefundRequest{
		UserID: userID, PaymentReference: "tok_capped", Currency: domain.USD, AmountCents: 30_00,
	})
	require.ErrorIs(t, err, ErrRefundExceedsOriginal)

	// The remainder itself still works.
	_, err = engine.Refund(ctx, RefundRequest{
		UserID: userID, PaymentReference: "tok_capped", Currency: domain.USD, AmountCents: 20_00,
	})
	require.NoError(t, err)
}

func TestRefund_ConcurrentRefundsCannotExceedCap(t *testing.T) {
	db := setupTestDB(t)
	defer db.Close()

	engine := newTestEngine(t, db, nil)
	ctx := context.Background()
	userID := uuid.New()

	_, err := engine.Deposit(ctx, DepositRequest{
		UserID:       userID,
		Currency:     domain.USD,
		AmountCents:  100_00,
		PaymentToken: "tok_raced",
	})
	require.NoError(t, err)

	// Each refund fits on its own, but only one may commit: together they
	// would exceed the original charge.
	n := 4
	errs := make(chan error, n)
	for i := 0; i < n; i++ {
		go func() {
			_, err := engine.Refund(ctx, RefundRequest{
				UserID: userID, PaymentReference: "tok_raced", Currency: domain.USD, AmountCents: 60_00,
			})
			errs <- err
		}()
	}

	successes := 0
	for i := 0; i < n; i++ {
		if err := <-errs; err == nil {
			successes++
		} else {
			require.ErrorIs(t, err, ErrRefundExceedsOriginal)
		}
	}
	assert.Equal(t, 1, successes)

	var refunded int64
	err = db.QueryRow(ctx, `
		SELECT COALESCE(SUM(amount_cents), 0) FROM transactions
		WHERE type = 'refund' AND status = 'COMPLETED' AND payment_intent_id = $1`, "tok_raced").Scan(&refunded)
	require.NoError(t, err)
	assert.Equal(t, int64(60_00), refunded)

	balance, err := repository.New(db).GetBalance(ctx, userID, domain.USD)
	require.NoError(t, err)
	assert.Equal(t, int64(160_00), balance.AmountCents)
}

func TestRefund_WrongUserOrCurrency(t *testing.T) {
	db := setupTestDB(t)
	defer db.Close()

	engine := newTestEngine(t, db, nil)
	ctx := context.Background()
	userID := uuid.New()

	_, err := engine.Deposit(ctx, DepositRequest{
		UserID:       userID,
		Currency:     domain.USD,
		AmountCents:  50_00,
		PaymentToken: "tok_owned",
	})
	require.NoError(t, err)

	_, err = engine.Refund(ctx, RefundRequest{
		UserID: uuid.New(), PaymentReference: "tok_owned", Currency: domain.USD, AmountCents: 10_00,
	})
	assert.True(t, IsValidation(err), "other user: %v", err)

	_, err = engine.Refund(ctx, RefundRequest{
		UserID: userID, PaymentReference: "tok_owned", Currency: domain.EUR, AmountCents: 10_00,
	})
	assert.True(t, IsValidation(err), "wrong currency: %v", err)
}

func TestBalances_ZeroFilledWithUSDTotal(t *testing.T) {
	db := setupTestDB(t)
	defer db.Close()

	engine := newTestEngine(t, db, nil)
	ctx := context.Background()
	userID := uuid.New()
	seedBalance(t, db, userID, domain.USD, 100_00)
	seedBalance(t, db, userID, domain.CNY, 1_30)

	view, err := engine.Balances(ctx, userID)
	require.NoError(t, err)

	require.Len(t, view.Balances, len(domain.Currencies))
	byCurrency := make(map[domain.Currency]models.Balance)
	for _, b := range view.Balances {
		byCurrency[b.Currency] = b
	}
	assert.Equal(t, int64(100_00), byCurrency[domain.USD].AmountCents)
	assert.Equal(t, int64(1_30), byCurrency[domain.CNY].AmountCents)
	assert.Equal(t, int64(0), byCurrency[domain.EUR].AmountCents)
	assert.Equal(t, int64(0), byCurrency[domain.JPY].AmountCents)

	// 100.00 USD + 1.30 CNY / 0.013 = 100.00 + 100.00 = 200.00 USD.
	assert.Equal(t, "200", view.TotalUSD.String())
}

func TestHistory_SnapshotCoversAllCurrencies(t *testing.T) {
	db := setupTestDB(t)
	defer db.Close()

	engine := newTestEngine(t, db, nil)
	ctx := context.Background()
	userID := uuid.New()

	_, err := engine.Deposit(ctx, DepositRequest{
		UserID:       userID,
		Currency:     domain.EUR,
		AmountCents:  55_00,
		PaymentToken: "tok_history",
	})
	require.NoError(t, err)

	points, err := engine.History(ctx, userID)
	require.NoError(t, err)
	require.Len(t, points, 1)

	point := points[0]
	assert.Equal(t, int64(55_00), point.Cents[domain.EUR])
	assert.Equal(t, int64(0), point.Cents[domain.USD])
	assert.Equal(t, int64(0), point.Cents[domain.CNY])
	assert.Equal(t, int64(0), point.Cents[domain.JPY])
}

func TestHistory_SameDayMutationsCollapse(t *testing.T) {
	db := setupTestDB(t)
	defer db.Close()

	engine := newTestEngine(t, db, nil)
	ctx := context.Background()
	userID := uuid.New()

	for _, token := range []string{"tok_h1", "tok_h2", "tok_h3"} {
		_, err := engine.Deposit(ctx, DepositRequest{
			UserID:       userID,
			Currency:     domain.USD,
			AmountCents:  10_00,
			PaymentToken: token,
		})
		require.NoError(t, err)
	}

	points, err := engine.History(ctx, userID)
	require.NoError(t, err)
	require.Len(t, points, 1, "same-day snapshots upsert onto one row")
	assert.Equal(t, int64(30_00), points[0].Cents[domain.USD])
}

func TestTransactions_Filtering(t *testing.T) {
	db := setupTestDB(t)
	defer db.Close()

	engine := newTestEngine(t, db, nil)
	ctx := context.Background()
	userID := uuid.New()

	_, err := engine.Deposit(ctx, DepositRequest{
		UserID: userID, Currency: domain.USD, AmountCents: 100_00, PaymentToken: "tok_f1",
	})
	require.NoError(t, err)
	_, err = engine.Withdraw(ctx, WithdrawRequest{
		UserID: userID, Currency: domain.USD, AmountCents: 25_00, Destination: "acct_1",
	})
	require.NoError(t, err)

	all, err := engine.Transactions(ctx, userID, models.TransactionFilter{})
	require.NoError(t, err)
	assert.Len(t, all, 2)

	deposits, err := engine.Transactions(ctx, userID, models.TransactionFilter{Type: domain.TxTypeDeposit})
	require.NoError(t, err)
	require.Len(t, deposits, 1)
	assert.Equal(t, domain.TxTypeDeposit, deposits[0].Type)
}

func TestTotalBalanceUSD(t *testing.T) {
	rs := &models.RateSet{
		Base: domain.USD,
		Rates: map[domain.Currency]decimal.Decimal{
			domain.USD: decimal.NewFromInt(1),
			domain.EUR: decimal.NewFromFloat(0.92),
			domain.CNY: decimal.NewFromFloat(0.013),
			domain.JPY: decimal.NewFromFloat(149.5),
		},
	}
	balances := []models.Balance{
		{Currency: domain.USD, AmountCents: 100_00},
		{Currency: domain.EUR, AmountCents: 92_00},
		{Currency: domain.CNY, AmountCents: 1_30},
	}

	total, err := TotalBalanceUSD(balances, rs)
	require.NoError(t, err)
	// 100 + 92/0.92 + 1.30/0.013 = 100 + 100 + 100.
	assert.Equal(t, "300", total.String())
}

func TestTotalBalanceUSD_MissingRate(t *testing.T) {
	rs := &models.RateSet{
		Base:  domain.USD,
		Rates: map[domain.Currency]decimal.Decimal{domain.USD: decimal.NewFromInt(1)},
	}
	_, err := TotalBalanceUSD([]models.Balance{{Currency: domain.EUR, AmountCents: 10_00}}, rs)
	require.Error(t, err)
}
