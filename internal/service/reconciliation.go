package service

import (
	"context"
	"fmt"

	"github.com/forwardly/wallet-service/internal/models"
	"github.com/forwardly/wallet-service/internal/observability"
	"github.com/forwardly/wallet-service/internal/repository"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

// ReconciliationService verifies the auditability invariant: replaying every
// completed ledger record from a zero starting balance must reproduce the
// stored balance for each (user, currency) exactly.
type ReconciliationService struct {
	store *repository.Store
}

// NewReconciliationService creates a reconciliation service.
func NewReconciliationService(store *repository.Store) *ReconciliationService {
	return &ReconciliationService{store: store}
}

// Drift describes one balance that no longer matches its ledger replay.
type Drift struct {
	Balance     models.Balance
	LedgerCents int64
}

// Run replays the ledger for every balance owner and reports drifts. A drift
// is logged and counted, not repaired: balances mutate only through engine
// operations, and repairs need an operator decision.
func (s *ReconciliationService) Run(ctx context.Context) error {
	owners, err := s.store.Queries().ListBalanceOwners(ctx)
	if err != nil {
		return fmt.Errorf("list balance owners: %w", err)
	}

	total := 0
	for _, userID := range owners {
		drifts, err := s.CheckUser(ctx, userID)
		if err != nil {
			return err
		}
		for _, d := range drifts {
			total++
			observability.IncrementBalanceDrift(d.Balance.Currency.String())
			zap.L().Error("CRITICAL: balance drift detected",
				zap.String("user_id", d.Balance.UserID.String()),
				zap.String("currency", d.Balance.Currency.String()),
				zap.Int64("stored_cents", d.Balance.AmountCents),
				zap.Int64("ledger_cents", d.LedgerCents),
			)
		}
	}

	if total == 0 {
		zap.L().Info("ledger reconciled", zap.Int("users", len(owners)))
	}
	return nil
}

// CheckUser replays one user's completed ledger against their stored balances.
func (s *ReconciliationService) CheckUser(ctx context.Context, userID uuid.UUID) ([]Drift, error) {
	queries := s.store.Queries()
	balances, err := queries.ListBalances(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("list balances for %s: %w", userID, err)
	}

	var drifts []Drift
	for _, b := range balances {
		net, err := queries.SumCompletedByCurrency(ctx, userID, b.Currency)
		if err != nil {
			return nil, fmt.Errorf("replay ledger for %s/%s: %w", userID, b.Currency, err)
		}
		if net != b.AmountCents {
			drifts = append(drifts, Drift{Balance: b, LedgerCents: net})
		}
	}
	return drifts, nil
}
