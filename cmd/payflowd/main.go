package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"

	"payflow/auth"
	"payflow/blob"
	"payflow/config"
	"payflow/ledger"
	"payflow/middleware"
	"payflow/models"
	"payflow/observability/logging"
	"payflow/render"
	"payflow/server"
	"payflow/workflow"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		logging.Setup("payflowd", "", logging.FileSink{}).Error("config error", "err", err)
		os.Exit(1)
	}

	log := logging.Setup("payflowd", cfg.Env, logging.FileSink{
		Path:       cfg.Log.File,
		MaxSizeMB:  cfg.Log.MaxSizeMB,
		MaxBackups: cfg.Log.MaxBackups,
		MaxAgeDays: cfg.Log.MaxAgeDays,
	})

	db, err := gorm.Open(postgres.Open(cfg.DatabaseURL), &gorm.Config{})
	if err != nil {
		log.Error("database connection error", "err", err)
		os.Exit(1)
	}
	if err := models.AutoMigrate(db); err != nil {
		log.Error("auto migrate error", "err", err)
		os.Exit(1)
	}

	blobs, err := blob.NewFSStore(cfg.BlobRoot)
	if err != nil {
		log.Error("blob store error", "err", err)
		os.Exit(1)
	}

	verifier, err := auth.NewVerifier([]byte(cfg.Auth.Secret), cfg.Auth.Issuer, cfg.Auth.Audience)
	if err != nil {
		log.Error("auth error", "err", err)
		os.Exit(1)
	}

	refs := ledger.NewStore()
	core := workflow.NewService(db, refs, blobs, render.TextRenderer{}, log)

	srv := server.New(server.Config{
		DB:       db,
		Workflow: core,
		Ledger:   ledger.NewAdmin(db),
		Verifier: verifier,
		TokenTTL: cfg.Auth.TokenTTL,
		RateLimit: middleware.RateLimit{
			RequestsPerMinute: cfg.RateLimitPerMinute,
			Burst:             cfg.RateBurst,
		},
		Log: log,
	})

	httpSrv := &http.Server{
		Addr:    ":" + cfg.Port,
		Handler: otelhttp.NewHandler(srv.Handler(), "payflowd"),
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	errCh := make(chan error, 1)
	go func() {
		log.Info("starting payflowd", "addr", httpSrv.Addr)
		errCh <- httpSrv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error("server error", "err", err)
			os.Exit(1)
		}
	case <-ctx.Done():
		log.Info("shutting down", "grace", cfg.ShutdownGrace)
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownGrace)
		defer cancel()
		if err := httpSrv.Shutdown(shutdownCtx); err != nil {
			log.Error("shutdown error", "err", err)
			os.Exit(1)
		}
	}
}
