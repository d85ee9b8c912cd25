package gateway

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"strings"
	"time"

	"github.com/forwardly/wallet-service/internal/domain"
)

// ErrDeclined is returned when the external processor rejects the request.
var ErrDeclined = errors.New("payment declined by gateway")

// Gateway is the external payment collaborator. The engine never talks to the
// payment network itself; it consumes opaque references proving that an
// external financial action occurred.
type Gateway interface {
	// ConfirmPayment verifies a previously authorized payment token and
	// returns the processor's payment reference.
	ConfirmPayment(ctx context.Context, token string, amount domain.Money) (string, error)

	// RequestPayout asks the processor to send funds to an external
	// destination and returns the payout reference.
	RequestPayout(ctx context.Context, amount domain.Money, destination string) (string, error)

	// RequestRefund issues a refund against an original payment reference
	// and returns the refund reference.
	RequestRefund(ctx context.Context, paymentRef string, amount domain.Money) (string, error)
}

// MockGateway simulates the external payment processor for tests and local
// runs. Latency and failure rate are injectable so the deterministic zero
// values suit unit tests.
type MockGateway struct {
	// FailureRate is the probability of a random decline (0.0 to 1.0).
	FailureRate float64
	// MaxLatency bounds the simulated network delay. Zero disables it.
	MaxLatency time.Duration
}

// NewMockGateway creates a deterministic MockGateway.
func NewMockGateway() *MockGateway {
	return &MockGateway{}
}

// ConfirmPayment accepts any token prefixed "tok_" that is not explicitly a
// failure token, mirroring processor test-mode conventions.
func (g *MockGateway) ConfirmPayment(ctx context.Context, token string, amount domain.Money) (string, error) {
	if err := g.simulate(ctx); err != nil {
		return "", err
	}
	if !strings.HasPrefix(token, "tok_") || strings.HasPrefix(token, "tok_fail") {
		return "", fmt.Errorf("token %q: %w", token, ErrDeclined)
	}
	return token, nil
}

func (g *MockGateway) RequestPayout(ctx context.Context, amount domain.Money, destination string) (string, error) {
	if err := g.simulate(ctx); err != nil {
		return "", err
	}
	return g.reference("po"), nil
}

func (g *MockGateway) RequestRefund(ctx context.Context, paymentRef string, amount domain.Money) (string, error) {
	if err := g.simulate(ctx); err != nil {
		return "", err
	}
	if strings.TrimSpace(paymentRef) == "" {
		return "", fmt.Errorf("missing payment reference: %w", ErrDeclined)
	}
	return g.reference("re"), nil
}

func (g *MockGateway) simulate(ctx context.Context) error {
	if g.MaxLatency > 0 {
		delay := time.Duration(rand.Int63n(int64(g.MaxLatency)))
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return fmt.Errorf("gateway call canceled: %w", ctx.Err())
		}
	}
	if g.FailureRate > 0 && rand.Float64() < g.FailureRate {
		return fmt.Errorf("gateway temporarily unavailable: %w", ErrDeclined)
	}
	return nil
}

func (g *MockGateway) reference(kind string) string {
	return fmt.Sprintf("%s_MOCK-%s-%05d", kind, time.Now().Format("20060102-150405"), rand.Intn(100000))
}
