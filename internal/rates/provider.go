package rates

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/forwardly/wallet-service/internal/domain"
	"github.com/forwardly/wallet-service/internal/models"
	"github.com/forwardly/wallet-service/internal/observability"
	"github.com/jackc/pgx/v5"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// fixedCNYRate pins CNY at 1.30 per 100 base-currency units (0.013 per unit).
// This is a hard business rule for the import pricing program, not a market
// rate: the CNY entry of every returned rate set is overridden to this value
// no matter what the external source reports. Do not replicate the override
// anywhere else; this is the single point of application.
var fixedCNYRate = decimal.NewFromFloat(0.013)

// cacheTTL is the freshness threshold below which cached rates are returned
// without contacting the external source.
const defaultCacheTTL = time.Hour

// FetchError indicates the external rate source was unreachable or returned
// an invalid response, and no cached fallback was available.
type FetchError struct {
	Base domain.Currency
	Err  error
}

func (e *FetchError) Error() string {
	return fmt.Sprintf("fetch rates for %s: %v", e.Base, e.Err)
}

func (e *FetchError) Unwrap() error {
	return e.Err
}

// Cache persists fetched rate sets keyed by base currency.
type Cache interface {
	GetCachedRates(ctx context.Context, base domain.Currency) (*models.RateSet, error)
	UpsertCachedRates(ctx context.Context, rs *models.RateSet) error
}

// Source supplies current conversion rates. The balance engine depends on
// this interface so tests can pin rates.
type Source interface {
	GetRates(ctx context.Context, base domain.Currency) (*models.RateSet, error)
}

// Provider fetches rates from an external HTTP source, caching them through
// the repository for a bounded interval.
type Provider struct {
	cache      Cache
	client     *http.Client
	baseURL    string
	ttl        time.Duration
	maxRetries int
	backoff    time.Duration
}

// NewProvider creates a provider against an open.er-api.com style endpoint.
func NewProvider(cache Cache, baseURL string, timeout time.Duration) *Provider {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &Provider{
		cache:      cache,
		client:     &http.Client{Timeout: timeout},
		baseURL:    baseURL,
		ttl:        defaultCacheTTL,
		maxRetries: 2,
		backoff:    200 * time.Millisecond,
	}
}

// WithTTL overrides the cache freshness threshold.
func (p *Provider) WithTTL(ttl time.Duration) *Provider {
	if ttl > 0 {
		p.ttl = ttl
	}
	return p
}

// GetRates returns the current rate set for the base currency. Cached sets
// younger than the freshness threshold are returned unchanged; otherwise a
// fresh set is fetched and persisted. On fetch failure the last cached set is
// returned if one exists, else a FetchError surfaces.
func (p *Provider) GetRates(ctx context.Context, base domain.Currency) (*models.RateSet, error) {
	if base == "" {
		base = domain.BaseCurrency
	}
	if !base.Valid() {
		return nil, fmt.Errorf("unsupported base currency: %s", base)
	}

	cached, err := p.cache.GetCachedRates(ctx, base)
	if err != nil && !errors.Is(err, pgx.ErrNoRows) {
		zap.L().Warn("rate cache read failed", zap.Error(err), zap.String("base", base.String()))
	}
	if cached != nil && cached.Age(time.Now()) < p.ttl {
		observability.IncrementRateFetch("cache_hit")
		return applyFixedRates(cached), nil
	}

	fresh, err := p.fetch(ctx, base)
	if err != nil {
		observability.IncrementRateFetch("error")
		if cached != nil {
			zap.L().Warn("rate fetch failed, serving stale cache",
				zap.Error(err),
				zap.String("base", base.String()),
				zap.Duration("cache_age", cached.Age(time.Now())),
			)
			return applyFixedRates(cached), nil
		}
		return nil, &FetchError{Base: base, Err: err}
	}

	fresh = applyFixedRates(fresh)
	if err := p.cache.UpsertCachedRates(ctx, fresh); err != nil {
		zap.L().Warn("rate cache write failed", zap.Error(err), zap.String("base", base.String()))
	}
	observability.IncrementRateFetch("success")
	return fresh, nil
}

type ratesResponse struct {
	Result string             `json:"result"`
	Rates  map[string]float64 `json:"rates"`
}

func (p *Provider) fetch(ctx context.Context, base domain.Currency) (*models.RateSet, error) {
	var lastErr error
	for attempt := 0; attempt <= p.maxRetries; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(p.backoff << (attempt - 1)):
			}
		}
		rs, err := p.fetchOnce(ctx, base)
		if err == nil {
			return rs, nil
		}
		lastErr = err
		if ctx.Err() != nil {
			return nil, lastErr
		}
	}
	return nil, lastErr
}

func (p *Provider) fetchOnce(ctx context.Context, base domain.Currency) (*models.RateSet, error) {
	url := fmt.Sprintf("%s/v6/latest/%s", p.baseURL, base)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("creating request failed: %w", err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := p.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("rate source request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("rate source returned status %d", resp.StatusCode)
	}

	var body ratesResponse
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return nil, fmt.Errorf("decoding rate response failed: %w", err)
	}
	if body.Result != "" && body.Result != "success" {
		return nil, fmt.Errorf("rate source reported result %q", body.Result)
	}

	rs := &models.RateSet{
		Base:      base,
		Rates:     make(map[domain.Currency]decimal.Decimal, len(domain.Currencies)),
		FetchedAt: time.Now().UTC(),
	}
	for _, c := range domain.Currencies {
		if c == base {
			rs.Rates[c] = decimal.NewFromInt(1)
			continue
		}
		val, ok := body.Rates[string(c)]
		if !ok {
			return nil, fmt.Errorf("rate source response missing %s", c)
		}
		rs.Rates[c] = decimal.NewFromFloat(val)
	}
	return rs, nil
}

// applyFixedRates returns a copy of the set with every fixed-rate currency
// overridden. Today that is CNY only.
func applyFixedRates(rs *models.RateSet) *models.RateSet {
	out := &models.RateSet{
		Base:      rs.Base,
		Rates:     make(map[domain.Currency]decimal.Decimal, len(rs.Rates)),
		FetchedAt: rs.FetchedAt,
	}
	for c, r := range rs.Rates {
		out.Rates[c] = r
	}
	out.Rates[domain.CNY] = fixedCNYRate
	return out
}
