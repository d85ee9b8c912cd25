package repository

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/forwardly/wallet-service/internal/domain"
	"github.com/forwardly/wallet-service/internal/models"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/shopspring/decimal"
)

// DBTX is satisfied by both *pgxpool.Pool and pgx.Tx, so the same query set
// runs inside and outside transactions.
type DBTX interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// Queries is the hand-written data access layer for the wallet engine.
type Queries struct {
	db DBTX
}

// New creates a query set bound to a pool or transaction.
func New(db DBTX) *Queries {
	return &Queries{db: db}
}

// WithTx rebinds the query set to a transaction.
func (q *Queries) WithTx(tx pgx.Tx) *Queries {
	return &Queries{db: tx}
}

// EnsureBalance lazily provisions the (user, currency) balance row at zero.
func (q *Queries) EnsureBalance(ctx context.Context, userID uuid.UUID, currency domain.Currency) error {
	const query = `
		INSERT INTO balances (user_id, currency, amount_cents, updated_at)
		VALUES ($1, $2, 0, NOW())
		ON CONFLICT (user_id, currency) DO NOTHING`
	if _, err := q.db.Exec(ctx, query, userID, currency); err != nil {
		return fmt.Errorf("failed to ensure balance row: %w", err)
	}
	return nil
}

// GetBalance reads a single balance row.
func (q *Queries) GetBalance(ctx context.Context, userID uuid.UUID, currency domain.Currency) (models.Balance, error) {
	const query = `SELECT user_id, currency, amount_cents, updated_at FROM balances WHERE user_id = $1 AND currency = $2`
	var b models.Balance
	err := q.db.QueryRow(ctx, query, userID, currency).Scan(&b.UserID, &b.Currency, &b.AmountCents, &b.UpdatedAt)
	if err != nil {
		return models.Balance{}, fmt.Errorf("failed to get balance: %w", err)
	}
	return b, nil
}

// GetBalanceForUpdate reads a balance row under a row-level lock. Callers must
// lock multi-currency operations in lexicographic currency order.
func (q *Queries) GetBalanceForUpdate(ctx context.Context, userID uuid.UUID, currency domain.Currency) (models.Balance, error) {
	const query = `SELECT user_id, currency, amount_cents, updated_at FROM balances WHERE user_id = $1 AND currency = $2 FOR UPDATE`
	var b models.Balance
	err := q.db.QueryRow(ctx, query, userID, currency).Scan(&b.UserID, &b.Currency, &b.AmountCents, &b.UpdatedAt)
	if err != nil {
		return models.Balance{}, fmt.Errorf("failed to lock balance: %w", err)
	}
	return b, nil
}

// ListBalances returns all balance rows for a user ordered by currency code.
func (q *Queries) ListBalances(ctx context.Context, userID uuid.UUID) ([]models.Balance, error) {
	const query = `SELECT user_id, currency, amount_cents, updated_at FROM balances WHERE user_id = $1 ORDER BY currency`
	rows, err := q.db.Query(ctx, query, userID)
	if err != nil {
		return nil, fmt.Errorf("failed to list balances: %w", err)
	}
	defer rows.Close()

	var balances []models.Balance
	for rows.Next() {
		var b models.Balance
		if err := rows.Scan(&b.UserID, &b.Currency, &b.AmountCents, &b.UpdatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan balance: %w", err)
		}
		balances = append(balances, b)
	}
	return balances, rows.Err()
}

// CreditBalance adds cents to a balance row and returns rows affected.
func (q *Queries) CreditBalance(ctx context.Context, userID uuid.UUID, currency domain.Currency, cents int64) (int64, error) {
	const query = `
		UPDATE balances SET amount_cents = amount_cents + $3, updated_at = NOW()
		WHERE user_id = $1 AND currency = $2`
	tag, err := q.db.Exec(ctx, query, userID, currency, cents)
	if err != nil {
		return 0, fmt.Errorf("failed to credit balance: %w", err)
	}
	return tag.RowsAffected(), nil
}

// DebitBalance subtracts cents from a balance row. The guard clause is the
// conditional update that keeps the amount non-negative: zero rows affected
// means the stored amount no longer covers the debit.
func (q *Queries) DebitBalance(ctx context.Context, userID uuid.UUID, currency domain.Currency, cents int64) (int64, error) {
	const query = `
		UPDATE balances SET amount_cents = amount_cents - $3, updated_at = NOW()
		WHERE user_id = $1 AND currency = $2 AND amount_cents >= $3`
	tag, err := q.db.Exec(ctx, query, userID, currency, cents)
	if err != nil {
		return 0, fmt.Errorf("failed to debit balance: %w", err)
	}
	return tag.RowsAffected(), nil
}

// AppendTransaction inserts an immutable ledger record, assigning an id when
// absent. Completed and failed records are never updated afterwards.
func (q *Queries) AppendTransaction(ctx context.Context, tx *models.Transaction) error {
	if tx.ID == uuid.Nil {
		tx.ID = uuid.New()
	}
	var fxRate *string
	if tx.FXRate != nil {
		s := tx.FXRate.String()
		fxRate = &s
	}
	const query = `
		INSERT INTO transactions (
			id, user_id, type, status, amount_cents, currency,
			target_currency, converted_cents, fx_rate,
			payment_currency, charged_cents, description,
			payment_intent_id, payout_id, refund_id, created_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, NOW())
		RETURNING created_at`
	err := q.db.QueryRow(ctx, query,
		tx.ID, tx.UserID, tx.Type, tx.Status, tx.AmountCents, tx.Currency,
		currencyParam(tx.TargetCurrency), tx.ConvertedCents, fxRate,
		currencyParam(tx.PaymentCurrency), tx.ChargedCents, tx.Description,
		tx.PaymentIntentID, tx.PayoutID, tx.RefundID,
	).Scan(&tx.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to append transaction: %w", err)
	}
	return nil
}

const transactionColumns = `
	id, user_id, type, status, amount_cents, currency,
	target_currency, converted_cents, fx_rate,
	payment_currency, charged_cents, description,
	payment_intent_id, payout_id, refund_id, created_at`

// GetDepositByPaymentIntent looks up the deposit funded by a payment
// authorization token. Used to make deposit retries idempotent.
func (q *Queries) GetDepositByPaymentIntent(ctx context.Context, reference string) (models.Transaction, error) {
	query := `SELECT` + transactionColumns + `
		FROM transactions
		WHERE type = 'deposit' AND payment_intent_id = $1`
	return scanTransaction(q.db.QueryRow(ctx, query, reference))
}

// GetDepositByPaymentIntentForUpdate locks the original deposit row so
// refunds against the same payment reference serialize. Must run inside a
// transaction.
func (q *Queries) GetDepositByPaymentIntentForUpdate(ctx context.Context, reference string) (models.Transaction, error) {
	query := `SELECT` + transactionColumns + `
		FROM transactions
		WHERE type = 'deposit' AND payment_intent_id = $1
		FOR UPDATE`
	return scanTransaction(q.db.QueryRow(ctx, query, reference))
}

// SumCompletedRefunds totals completed refund amounts issued against one
// payment reference, for capping further refunds.
func (q *Queries) SumCompletedRefunds(ctx context.Context, reference string) (int64, error) {
	const query = `
		SELECT COALESCE(SUM(amount_cents), 0)
		FROM transactions
		WHERE type = 'refund' AND status = 'COMPLETED' AND payment_intent_id = $1`
	var total int64
	if err := q.db.QueryRow(ctx, query, reference).Scan(&total); err != nil {
		return 0, fmt.Errorf("failed to sum refunds: %w", err)
	}
	return total, nil
}

// ListTransactions returns a user's ledger, newest first, with optional filters.
func (q *Queries) ListTransactions(ctx context.Context, userID uuid.UUID, filter models.TransactionFilter) ([]models.Transaction, error) {
	limit := filter.Limit
	if limit <= 0 {
		limit = 50
	}
	if limit > 500 {
		limit = 500
	}
	offset := filter.Offset
	if offset < 0 {
		offset = 0
	}
	query := `SELECT` + transactionColumns + `
		FROM transactions
		WHERE user_id = $1
		  AND ($2 = '' OR type = $2)
		  AND ($3 = '' OR status = $3)
		  AND ($4 = '' OR currency = $4)
		ORDER BY created_at DESC
		LIMIT $5 OFFSET $6`
	rows, err := q.db.Query(ctx, query, userID, filter.Type, filter.Status, string(filter.Currency), limit, offset)
	if err != nil {
		return nil, fmt.Errorf("failed to list transactions: %w", err)
	}
	defer rows.Close()

	var txs []models.Transaction
	for rows.Next() {
		tx, err := scanTransaction(rows)
		if err != nil {
			return nil, err
		}
		txs = append(txs, tx)
	}
	return txs, rows.Err()
}

// SumCompletedByCurrency replays the completed ledger for one (user, currency):
// deposits plus refunds plus transfer-in legs, minus withdrawals and
// transfer-out legs. Applied to a zero starting balance this must reproduce
// the stored balance exactly.
func (q *Queries) SumCompletedByCurrency(ctx context.Context, userID uuid.UUID, currency domain.Currency) (int64, error) {
	const query = `
		SELECT COALESCE(SUM(
			CASE
				WHEN type IN ('deposit', 'refund') AND currency = $2 THEN amount_cents
				WHEN type = 'withdrawal' AND currency = $2 THEN -amount_cents
				WHEN type = 'transfer' AND currency = $2 THEN -amount_cents
				WHEN type = 'transfer' AND target_currency = $2 THEN converted_cents
				ELSE 0
			END
		), 0)
		FROM transactions
		WHERE user_id = $1 AND status = 'COMPLETED'
		  AND (currency = $2 OR target_currency = $2)`
	var net int64
	if err := q.db.QueryRow(ctx, query, userID, currency).Scan(&net); err != nil {
		return 0, fmt.Errorf("failed to replay ledger: %w", err)
	}
	return net, nil
}

// ListBalanceOwners returns the distinct user ids holding balance rows.
func (q *Queries) ListBalanceOwners(ctx context.Context) ([]uuid.UUID, error) {
	rows, err := q.db.Query(ctx, `SELECT DISTINCT user_id FROM balances`)
	if err != nil {
		return nil, fmt.Errorf("failed to list balance owners: %w", err)
	}
	defer rows.Close()

	var ids []uuid.UUID
	for rows.Next() {
		var id uuid.UUID
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("failed to scan owner id: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// GetHistoricalPoints returns the daily balance snapshots, oldest first.
func (q *Queries) GetHistoricalPoints(ctx context.Context, userID uuid.UUID) ([]models.HistoricalPoint, error) {
	const query = `
		SELECT user_id, day, usd_cents, eur_cents, cny_cents, jpy_cents
		FROM historical_points
		WHERE user_id = $1
		ORDER BY day`
	rows, err := q.db.Query(ctx, query, userID)
	if err != nil {
		return nil, fmt.Errorf("failed to get historical points: %w", err)
	}
	defer rows.Close()

	var points []models.HistoricalPoint
	for rows.Next() {
		var p models.HistoricalPoint
		var usd, eur, cny, jpy int64
		if err := rows.Scan(&p.UserID, &p.Day, &usd, &eur, &cny, &jpy); err != nil {
			return nil, fmt.Errorf("failed to scan historical point: %w", err)
		}
		p.Cents = map[domain.Currency]int64{
			domain.USD: usd,
			domain.EUR: eur,
			domain.CNY: cny,
			domain.JPY: jpy,
		}
		points = append(points, p)
	}
	return points, rows.Err()
}

// UpsertHistoricalPoint writes the snapshot for one calendar day. Writing a
// day that already has a point replaces it in place, never duplicates it.
func (q *Queries) UpsertHistoricalPoint(ctx context.Context, userID uuid.UUID, day time.Time, cents map[domain.Currency]int64) error {
	const query = `
		INSERT INTO historical_points (user_id, day, usd_cents, eur_cents, cny_cents, jpy_cents)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (user_id, day) DO UPDATE SET
			usd_cents = EXCLUDED.usd_cents,
			eur_cents = EXCLUDED.eur_cents,
			cny_cents = EXCLUDED.cny_cents,
			jpy_cents = EXCLUDED.jpy_cents`
	_, err := q.db.Exec(ctx, query, userID, day,
		cents[domain.USD], cents[domain.EUR], cents[domain.CNY], cents[domain.JPY])
	if err != nil {
		return fmt.Errorf("failed to upsert historical point: %w", err)
	}
	return nil
}

// GetCachedRates loads the cached rate set for a base currency.
func (q *Queries) GetCachedRates(ctx context.Context, base domain.Currency) (*models.RateSet, error) {
	const query = `SELECT base_currency, rates, fetched_at FROM exchange_rates WHERE base_currency = $1`
	var (
		raw       []byte
		rs        models.RateSet
		fetchedAt time.Time
	)
	if err := q.db.QueryRow(ctx, query, base).Scan(&rs.Base, &raw, &fetchedAt); err != nil {
		return nil, fmt.Errorf("failed to get cached rates: %w", err)
	}
	var encoded map[string]string
	if err := json.Unmarshal(raw, &encoded); err != nil {
		return nil, fmt.Errorf("failed to decode cached rates: %w", err)
	}
	rs.Rates = make(map[domain.Currency]decimal.Decimal, len(encoded))
	for code, val := range encoded {
		rate, err := decimal.NewFromString(val)
		if err != nil {
			return nil, fmt.Errorf("failed to parse cached rate %s: %w", code, err)
		}
		rs.Rates[domain.Currency(code)] = rate
	}
	rs.FetchedAt = fetchedAt
	return &rs, nil
}

// UpsertCachedRates persists a rate set keyed by base currency.
func (q *Queries) UpsertCachedRates(ctx context.Context, rs *models.RateSet) error {
	encoded := make(map[string]string, len(rs.Rates))
	for code, rate := range rs.Rates {
		encoded[string(code)] = rate.String()
	}
	raw, err := json.Marshal(encoded)
	if err != nil {
		return fmt.Errorf("failed to encode rates: %w", err)
	}
	const query = `
		INSERT INTO exchange_rates (base_currency, rates, fetched_at)
		VALUES ($1, $2, $3)
		ON CONFLICT (base_currency) DO UPDATE SET
			rates = EXCLUDED.rates,
			fetched_at = EXCLUDED.fetched_at`
	if _, err := q.db.Exec(ctx, query, rs.Base, raw, rs.FetchedAt); err != nil {
		return fmt.Errorf("failed to upsert cached rates: %w", err)
	}
	return nil
}

func currencyParam(c *domain.Currency) *string {
	if c == nil {
		return nil
	}
	s := string(*c)
	return &s
}

func scanTransaction(row pgx.Row) (models.Transaction, error) {
	var (
		tx              models.Transaction
		targetCurrency  *string
		paymentCurrency *string
		fxRate          decimal.NullDecimal
	)
	err := row.Scan(
		&tx.ID, &tx.UserID, &tx.Type, &tx.Status, &tx.AmountCents, &tx.Currency,
		&targetCurrency, &tx.ConvertedCents, &fxRate,
		&paymentCurrency, &tx.ChargedCents, &tx.Description,
		&tx.PaymentIntentID, &tx.PayoutID, &tx.RefundID, &tx.CreatedAt,
	)
	if err != nil {
		return models.Transaction{}, fmt.Errorf("failed to scan transaction: %w", err)
	}
	if targetCurrency != nil {
		c := domain.Currency(*targetCurrency)
		tx.TargetCurrency = &c
	}
	if paymentCurrency != nil {
		c := domain.Currency(*paymentCurrency)
		tx.PaymentCurrency = &c
	}
	if fxRate.Valid {
		tx.FXRate = &fxRate.Decimal
	}
	return tx, nil
}
