package app

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"wallet-ledger/internal/auth"
	"wallet-ledger/internal/broker"
	"wallet-ledger/internal/cache"
	"wallet-ledger/internal/config"
	"wallet-ledger/internal/database"
	"wallet-ledger/internal/logging"
	"wallet-ledger/internal/metrics"
	"wallet-ledger/internal/repositories/kafkarepo"
	"wallet-ledger/internal/repositories/postgresrepo"
	"wallet-ledger/internal/repositories/redisrepo"
	"wallet-ledger/internal/services"
	"wallet-ledger/internal/transport/http/handler"
)

const purgeInterval = time.Hour

type App struct {
	cfg        *config.Config
	logger     *zap.Logger
	httpServer *http.Server
	idemRepo   *postgresrepo.IdempotencyRepository
}

func New() (*App, error) {
	a := new(App)

	// Initialize config
	a.cfg = config.New()

	// Initialize logger
	logger, err := logging.New(a.cfg.Log)
	if err != nil {
		return nil, fmt.Errorf("logger setup error: %w", err)
	}
	a.logger = logger

	// Connect to database
	db, err := database.NewPostgres(a.cfg.Postgres.URL)
	if err != nil {
		return nil, fmt.Errorf("database connection error: %w", err)
	}

	// Connect to cache
	redis, err := cache.NewRedis(a.cfg.Redis)
	if err != nil {
		return nil, fmt.Errorf("cache connection error: %w", err)
	}

	// Connect to broker
	kafka, err := broker.NewKafkaWriter(a.cfg.Kafka)
	if err != nil {
		return nil, fmt.Errorf("broker connection error: %w", err)
	}

	// Initialize repositories
	ledgerRepo := postgresrepo.NewLedgerRepository(db)
	a.idemRepo = postgresrepo.NewIdempotencyRepository(db, a.cfg.Ledger.IdempotencyTTL)
	walletCache := redisrepo.NewWalletCache(redis)
	eventRepo := kafkarepo.NewEventRepository(kafka)

	// Initialize metrics
	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector())
	ledgerMetrics := metrics.New("wallet_ledger")
	if err := ledgerMetrics.Register(registry); err != nil {
		return nil, fmt.Errorf("metrics setup error: %w", err)
	}

	// Initialize services
	ledgerService := services.NewLedgerService(
		services.NewLedgerStore(ledgerRepo),
		a.idemRepo,
		walletCache,
		eventRepo,
		logger,
		ledgerMetrics,
		a.cfg.Ledger,
	)

	// Initialize mux and handlers
	mux := http.NewServeMux()

	handler.NewWallet(mux, ledgerService)

	mux.Handle("GET /metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{}))
	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})

	verifier := auth.NewJWTVerifier(a.cfg.Auth.JWTSecret)
	root := auth.Middleware(verifier, mux, "/metrics", "/healthz")

	// Initialize http server
	a.httpServer = &http.Server{
		Addr:         a.cfg.Server.Port,
		Handler:      root,
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  15 * time.Second,
	}

	return a, nil
}

func (a *App) Run() error {
	go a.runIdempotencyPurger(context.Background())

	a.logger.Info("starting HTTP server",
		zap.String("port", a.cfg.Server.Port),
		zap.Bool("atomic_transactions", a.cfg.Ledger.AtomicTransactions),
	)
	if err := a.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("http server error: %w", err)
	}

	return nil
}

// runIdempotencyPurger drops expired idempotency records on an interval.
// Expiry is a storage-layer concern; the engine never checks it.
func (a *App) runIdempotencyPurger(ctx context.Context) {
	ticker := time.NewTicker(purgeInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			purged, err := a.idemRepo.PurgeExpired(ctx)
			if err != nil {
				a.logger.Warn("idempotency purge failed", zap.Error(err))
				continue
			}
			if purged > 0 {
				a.logger.Info("purged idempotency records", zap.Int64("count", purged))
			}
		}
	}
}
