package main

import (
	"context"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/meridian-erp/meridian-erp/internal/app"
	"github.com/meridian-erp/meridian-erp/internal/ledger"
	"github.com/meridian-erp/meridian-erp/internal/manufacturing"
	"github.com/meridian-erp/meridian-erp/internal/platform/cache"
	"github.com/meridian-erp/meridian-erp/internal/platform/db"
	"github.com/meridian-erp/meridian-erp/internal/products"
	"github.com/meridian-erp/meridian-erp/internal/purchases"
	"github.com/meridian-erp/meridian-erp/internal/sales"
	"github.com/meridian-erp/meridian-erp/internal/shared"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cfg, err := app.LoadConfig()
	if err != nil {
		slog.Default().Error("load config", slog.Any("error", err))
		os.Exit(1)
	}

	logger := app.NewLogger(cfg)

	pool, err := db.New(ctx, cfg.PGDSN)
	if err != nil {
		logger.Error("connect database", slog.Any("error", err))
		os.Exit(1)
	}
	defer pool.Close()

	redisClient, err := cache.New(ctx, cfg.RedisAddr)
	if err != nil {
		logger.Warn("redis unavailable, availability cache disabled", slog.Any("error", err))
	}
	var availability *cache.Availability
	if redisClient != nil {
		availability = cache.NewAvailability(redisClient, cfg.AvailabilityCacheTTL)
		defer func() {
			if err := redisClient.Close(); err != nil {
				logger.Warn("redis close", slog.Any("error", err))
			}
		}()
	}

	auditLogger := shared.NewAuditLogger(pool)
	idempotency := shared.NewIdempotencyStore(pool)
	recorder := ledger.NewPgRecorder()

	productsRepo := products.NewRepository(pool)
	productsService := products.NewService(productsRepo, auditLogger, availability, logger)
	productsHandler := products.NewHandler(logger, productsService)

	ledgerRepo := ledger.NewRepository(pool)
	ledgerService := ledger.NewService(ledgerRepo)
	ledgerHandler := ledger.NewHandler(logger, ledgerService)

	purchasesRepo := purchases.NewRepository(pool, recorder)
	purchasesService := purchases.NewService(purchasesRepo, auditLogger, idempotency, availability, logger)
	purchasesHandler := purchases.NewHandler(logger, purchasesService)

	salesRepo := sales.NewRepository(pool, recorder)
	salesService := sales.NewService(salesRepo, auditLogger, idempotency, availability, logger)
	salesHandler := sales.NewHandler(logger, salesService)

	manufacturingRepo := manufacturing.NewRepository(pool, recorder)
	manufacturingService := manufacturing.NewService(manufacturingRepo, auditLogger, availability, logger)
	manufacturingHandler := manufacturing.NewHandler(logger, manufacturingService)

	router := app.NewRouter(app.RouterParams{
		Logger:               logger,
		Config:               cfg,
		Pool:                 pool,
		ProductsHandler:      productsHandler,
		LedgerHandler:        ledgerHandler,
		PurchasesHandler:     purchasesHandler,
		SalesHandler:         salesHandler,
		ManufacturingHandler: manufacturingHandler,
	})

	server := &http.Server{
		Addr:         cfg.AppAddr,
		Handler:      router,
		ReadTimeout:  cfg.AppReadTimeout,
		WriteTimeout: cfg.AppWriteTimeout,
	}

	go func() {
		logger.Info("starting http server", slog.String("addr", cfg.AppAddr))
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("http server", slog.Any("error", err))
			stop()
		}
	}()

	<-ctx.Done()
	logger.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("graceful shutdown", slog.Any("error", err))
	}
}
