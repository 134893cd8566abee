package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"handoff/internal/server/accounts"
	"handoff/internal/server/api"
	"handoff/internal/server/auth"
	"handoff/internal/server/broker"
	"handoff/internal/server/config"
	"handoff/internal/server/database"
	"handoff/internal/server/ledger"
	"handoff/internal/server/service"
	"handoff/internal/server/storage"

	"github.com/joho/godotenv"
	"github.com/labstack/echo/v4"
)

func main() {
	// Structured logging
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))
	slog.SetDefault(logger)

	// .env is optional, the environment wins
	_ = godotenv.Load()

	cfg, err := config.Load()
	if err != nil {
		slog.Error("failed to load configuration", "error", err)
		os.Exit(1)
	}
	slog.Info("configuration loaded",
		"port", cfg.Port,
		"storage_backend", cfg.StorageBackend,
		"database", cfg.DatabaseURL != "",
		"transfer_expiry", cfg.TransferExpiry,
	)

	ctx := context.Background()

	tokens, err := auth.NewTokens(cfg.JWTSecret, cfg.SessionTTL, cfg.TransferTokenTTL)
	if err != nil {
		slog.Error("failed to initialize token signer", "error", err)
		os.Exit(1)
	}

	// Persistence: postgres when DATABASE_URL is set, otherwise in-memory.
	var (
		accountRepo accounts.Repository
		led         ledger.Ledger
		healthProbe func(c echo.Context) error
	)
	if cfg.DatabaseURL != "" {
		db, err := database.New(ctx, cfg.DatabaseURL)
		if err != nil {
			slog.Error("failed to connect to database", "error", err)
			os.Exit(1)
		}
		defer db.Close()

		if err := db.RunMigrations(ctx); err != nil {
			slog.Error("failed to run migrations", "error", err)
			os.Exit(1)
		}
		slog.Info("database migrations complete")

		accountRepo = accounts.NewPostgresRepository(db)
		led = ledger.NewPostgresLedger(db)
		healthProbe = func(c echo.Context) error {
			status, dbStatus := "healthy", "connected"
			if err := db.HealthCheck(c.Request().Context()); err != nil {
				status = "degraded"
				dbStatus = fmt.Sprintf("error: %v", err)
			}
			return c.JSON(http.StatusOK, echo.Map{"status": status, "database": dbStatus})
		}
	} else {
		slog.Warn("no DATABASE_URL set, using in-memory persistence")
		accountRepo = accounts.NewMemoryRepository()
		led = ledger.NewMemoryLedger()
	}

	// Blob storage
	var blobs storage.Store
	switch cfg.StorageBackend {
	case "fs":
		fs := storage.NewFileSystemStore(cfg.StoragePath)
		if err := fs.EnsureDir(); err != nil {
			slog.Error("failed to initialize storage", "error", err)
			os.Exit(1)
		}
		slog.Info("file storage initialized", "path", cfg.StoragePath)
		blobs = fs
	case "s3":
		s3Store, err := storage.NewS3Store(ctx, storage.S3Config{
			Bucket:       cfg.S3Bucket,
			Region:       cfg.S3Region,
			Endpoint:     cfg.S3Endpoint,
			AccessKeyID:  cfg.S3AccessKeyID,
			SecretKey:    cfg.S3SecretKey,
			UsePathStyle: cfg.S3UsePathStyle,
		})
		if err != nil {
			slog.Error("failed to initialize s3 storage", "error", err)
			os.Exit(1)
		}
		slog.Info("s3 storage initialized", "bucket", cfg.S3Bucket)
		blobs = s3Store
	case "memory":
		slog.Warn("using in-memory blob storage")
		blobs = storage.NewMemoryStore()
	}

	// Wiring
	accountsSvc := accounts.NewService(accountRepo, tokens)
	b := broker.New(led, accountsSvc, tokens, cfg.MaxVerifyAttempts)
	svc := service.NewTransferService(led, blobs, b, accountsSvc, cfg.TransferExpiry)

	handler := api.NewHandler(accountsSvc, svc, healthProbe)
	e := api.SetupRouter(handler, cfg)

	// Start server in a goroutine
	go func() {
		addr := fmt.Sprintf(":%s", cfg.Port)
		slog.Info("starting server", "addr", addr)
		if err := e.Start(addr); err != nil {
			slog.Info("server stopped", "reason", err)
		}
	}()

	// Graceful shutdown
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	sig := <-quit

	slog.Info("shutting down", "signal", sig)

	// Stop accepting new requests, finish in-flight with 30s timeout
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	if err := e.Shutdown(shutdownCtx); err != nil {
		slog.Error("server forced to shutdown", "error", err)
	}

	slog.Info("server exited cleanly")
}
