package api

import (
	"net/http"

	"github.com/forwardly/wallet-service/internal/api/handler"
	"github.com/forwardly/wallet-service/internal/api/middleware"
	"github.com/forwardly/wallet-service/internal/api/spec"
	"github.com/forwardly/wallet-service/internal/config"
	"github.com/forwardly/wallet-service/internal/idempotency"
	"github.com/forwardly/wallet-service/internal/rates"
	"github.com/forwardly/wallet-service/internal/service"
	"github.com/go-chi/chi/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	httpSwagger "github.com/swaggo/http-swagger/v2"
	"go.uber.org/zap"
)

// Router wires handlers, middleware and services into the chi mux.
type Router struct {
	cfg         *config.Config
	logger      *zap.Logger
	db          *pgxpool.Pool
	engine      *service.BalanceEngine
	reconciler  *service.ReconciliationService
	ratesSource rates.Source
	idemStore   *idempotency.Store
	redis       redis.Cmdable
}

func NewRouter(
	cfg *config.Config,
	logger *zap.Logger,
	db *pgxpool.Pool,
	engine *service.BalanceEngine,
	reconciler *service.ReconciliationService,
	ratesSource rates.Source,
	idemStore *idempotency.Store,
	redisClient redis.Cmdable,
) *Router {
	return &Router{
		cfg:         cfg,
		logger:      logger,
		db:          db,
		engine:      engine,
		reconciler:  reconciler,
		ratesSource: ratesSource,
		idemStore:   idemStore,
		redis:       redisClient,
	}
}

func (api *Router) Routes() chi.Router {
	r := chi.NewRouter()
	r.Use(middleware.TraceMiddleware)
	r.Use(middleware.RecoverMiddleware(api.logger))
	r.Use(middleware.LoggingMiddleware(api.logger))
	r.Use(middleware.MetricsMiddleware)

	walletHandler := handler.NewWalletHandler(api.engine)
	ratesHandler := handler.NewRatesHandler(api.ratesSource)
	reconciliationHandler := handler.NewReconciliationHandler(api.reconciler)
	healthHandler := handler.NewHealthHandler(api.db, api.redis)

	// Public routes
	r.Group(func(r chi.Router) {
		r.Use(middleware.PublicRateLimiter(api.cfg.PublicRateLimitRPS))

		r.Get("/healthz", healthHandler.Live)
		r.Get("/readyz", healthHandler.Ready)
		r.Get("/v1/rates", ratesHandler.GetRates)
		r.Get("/openapi.yaml", spec.OpenAPIHandler())
		r.Get("/docs/*", httpSwagger.Handler(httpSwagger.URL("/openapi.yaml")))
	})

	r.Handle("/metrics", promhttp.Handler())

	// Authenticated wallet routes
	r.Group(func(r chi.Router) {
		r.Use(middleware.AuthMiddleware)
		r.Use(middleware.AuthRateLimiter(api.cfg.AuthRateLimitRPS))

		r.Get("/v1/wallet/balances", walletHandler.Balances)
		r.Get("/v1/wallet/transactions", walletHandler.Transactions)
		r.Get("/v1/wallet/history", walletHandler.History)

		// Mutations require an Idempotency-Key.
		r.Group(func(r chi.Router) {
			r.Use(middleware.IdempotencyMiddleware(api.idemStore, api.logger))

			r.Post("/v1/wallet/deposits", walletHandler.Deposit)
			r.Post("/v1/wallet/withdrawals", walletHandler.Withdraw)
			r.Post("/v1/wallet/transfers", walletHandler.Transfer)
			r.Post("/v1/wallet/refunds", walletHandler.Refund)
		})
	})

	// Operator routes
	r.Group(func(r chi.Router) {
		r.Use(middleware.AuthMiddleware)
		r.Use(middleware.RequireRole("admin"))

		r.Post("/v1/admin/reconciliation/run", reconciliationHandler.Run)
		r.Get("/v1/admin/reconciliation/users/{userID}", reconciliationHandler.CheckUser)
	})

	r.NotFound(func(w http.ResponseWriter, req *http.Request) {
		handler.RespondError(w, req, http.StatusNotFound, "request/not-found", "resource not found")
	})

	return r
}
