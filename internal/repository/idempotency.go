package repository

import (
	"context"
	"fmt"
)

// IdempotencyKeyRow mirrors one row of the idempotency_keys table.
type IdempotencyKeyRow struct {
	IdempotencyKey string
	RequestHash    string
	Method         string
	Path           string
	InProgress     bool
	ResponseStatus int32
	ResponseBody   []byte
	ContentType    string
}

// GetIdempotencyKey loads a stored idempotency record.
func (q *Queries) GetIdempotencyKey(ctx context.Context, key string) (IdempotencyKeyRow, error) {
	const query = `
		SELECT idempotency_key, request_hash, method, path, in_progress, response_status, response_body, content_type
		FROM idempotency_keys
		WHERE idempotency_key = $1`
	var row IdempotencyKeyRow
	err := q.db.QueryRow(ctx, query, key).Scan(
		&row.IdempotencyKey, &row.RequestHash, &row.Method, &row.Path,
		&row.InProgress, &row.ResponseStatus, &row.ResponseBody, &row.ContentType,
	)
	if err != nil {
		return IdempotencyKeyRow{}, fmt.Errorf("failed to get idempotency key: %w", err)
	}
	return row, nil
}

// ReserveIdempotencyKeyParams identifies the request claiming a key.
type ReserveIdempotencyKeyParams struct {
	IdempotencyKey string
	RequestHash    string
	Method         string
	Path           string
}

// ReserveIdempotencyKey claims a key for in-flight processing. It reports
// false without error when another request holds the key already.
func (q *Queries) ReserveIdempotencyKey(ctx context.Context, arg ReserveIdempotencyKeyParams) (bool, error) {
	const query = `
		INSERT INTO idempotency_keys (idempotency_key, request_hash, method, path, in_progress)
		VALUES ($1, $2, $3, $4, TRUE)
		ON CONFLICT (idempotency_key) DO NOTHING`
	tag, err := q.db.Exec(ctx, query, arg.IdempotencyKey, arg.RequestHash, arg.Method, arg.Path)
	if err != nil {
		return false, fmt.Errorf("failed to reserve idempotency key: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

// FinalizeIdempotencyKeyParams records the response captured for a key.
type FinalizeIdempotencyKeyParams struct {
	IdempotencyKey string
	RequestHash    string
	ResponseStatus int32
	ResponseBody   []byte
	ContentType    string
}

// FinalizeIdempotencyKey stores the response for future replays.
func (q *Queries) FinalizeIdempotencyKey(ctx context.Context, arg FinalizeIdempotencyKeyParams) (IdempotencyKeyRow, error) {
	const query = `
		UPDATE idempotency_keys
		SET in_progress = FALSE, response_status = $3, response_body = $4, content_type = $5, updated_at = NOW()
		WHERE idempotency_key = $1 AND request_hash = $2
		RETURNING idempotency_key, request_hash, method, path, in_progress, response_status, response_body, content_type`
	var row IdempotencyKeyRow
	err := q.db.QueryRow(ctx, query,
		arg.IdempotencyKey, arg.RequestHash, arg.ResponseStatus, arg.ResponseBody, arg.ContentType,
	).Scan(
		&row.IdempotencyKey, &row.RequestHash, &row.Method, &row.Path,
		&row.InProgress, &row.ResponseStatus, &row.ResponseBody, &row.ContentType,
	)
	if err != nil {
		return IdempotencyKeyRow{}, fmt.Errorf("failed to finalize idempotency key: %w", err)
	}
	return row, nil
}
