package service

import (
	"context"
	"time"

	"github.com/forwardly/wallet-service/internal/domain"
	"github.com/forwardly/wallet-service/internal/repository"
	"github.com/google/uuid"
)

// snapshotHistory upserts today's historical balance point inside the same
// transaction as the mutation it records. The snapshot covers all tracked
// currencies, so currencies untouched today carry their most recent value
// forward and the daily series stays gapless with exactly one point per day.
func snapshotHistory(ctx context.Context, q *repository.Queries, userID uuid.UUID, now time.Time) error {
	balances, err := q.ListBalances(ctx, userID)
	if err != nil {
		return err
	}
	cents := make(map[domain.Currency]int64, len(domain.Currencies))
	for _, c := range domain.Currencies {
		cents[c] = 0
	}
	for _, b := range balances {
		cents[b.Currency] = b.AmountCents
	}
	return q.UpsertHistoricalPoint(ctx, userID, calendarDay(now), cents)
}

// calendarDay truncates a timestamp to its UTC calendar date.
func calendarDay(t time.Time) time.Time {
	t = t.UTC()
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)
}
