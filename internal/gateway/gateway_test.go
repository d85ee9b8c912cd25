package gateway

import (
	"context"
	"testing"
	"time"

	"github.com/forwardly/wallet-service/internal/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMockGateway_ConfirmPayment(t *testing.T) {
	g := NewMockGateway()
	ctx := context.Background()
	amount := domain.NewMoney(100_00, domain.USD)

	ref, err := g.ConfirmPayment(ctx, "tok_ok", amount)
	require.NoError(t, err)
	assert.Equal(t, "tok_ok", ref)

	_, err = g.ConfirmPayment(ctx, "tok_fail_insufficient", amount)
	assert.ErrorIs(t, err, ErrDeclined)

	_, err = g.ConfirmPayment(ctx, "card_123", amount)
	assert.ErrorIs(t, err, ErrDeclined)
}

func TestMockGateway_PayoutAndRefundReferences(t *testing.T) {
	g := NewMockGateway()
	ctx := context.Background()
	amount := domain.NewMoney(25_00, domain.EUR)

	payoutRef, err := g.RequestPayout(ctx, amount, "acct_1")
	require.NoError(t, err)
	assert.Contains(t, payoutRef, "po_MOCK-")

	refundRef, err := g.RequestRefund(ctx, "tok_orig", amount)
	require.NoError(t, err)
	assert.Contains(t, refundRef, "re_MOCK-")

	_, err = g.RequestRefund(ctx, "  ", amount)
	assert.ErrorIs(t, err, ErrDeclined)
}

func TestMockGateway_ContextCancellation(t *testing.T) {
	g := NewMockGateway()
	g.MaxLatency = 50 * time.Millisecond

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := g.ConfirmPayment(ctx, "tok_ok", domain.NewMoney(1_00, domain.USD))
	require.Error(t, err)
	assert.ErrorIs(t, err, context.Canceled)
}
