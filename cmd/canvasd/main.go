// Package main runs the paid pixel canvas service.
package main

import (
	"context"
	"database/sql"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	_ "github.com/lib/pq"

	app "github.com/grid402/canvas/internal/app"
	"github.com/grid402/canvas/internal/app/httpapi"
	"github.com/grid402/canvas/internal/app/metrics"
	"github.com/grid402/canvas/internal/app/storage/postgres"
	"github.com/grid402/canvas/internal/config"
	"github.com/grid402/canvas/internal/middleware"
	"github.com/grid402/canvas/pkg/logger"
)

func main() {
	configPath := flag.String("config", "config.yaml", "path to the YAML configuration file")
	flag.Parse()

	_ = godotenv.Load() // allow .env for local runs

	cfg, err := config.Load(*configPath)
	if err != nil {
		logger.NewDefault("canvasd").WithError(err).Fatal("load configuration")
	}

	log := logger.New(cfg.Logging).WithField("service", "canvasd")

	stores := app.Stores{}
	if cfg.Database.DSN != "" {
		db, err := sql.Open("postgres", cfg.Database.DSN)
		if err != nil {
			log.WithError(err).Fatal("open database")
		}
		defer db.Close()
		if err := db.Ping(); err != nil {
			log.WithError(err).Fatal("ping database")
		}
		if err := postgres.EnsureSchema(context.Background(), db); err != nil {
			log.WithError(err).Fatal("ensure schema")
		}
		stores.Ledger = postgres.New(db)
		log.Info("using postgres ledger store")
	} else {
		log.Warn("DATABASE_URL not set; using in-memory ledger store")
	}

	application, err := app.New(stores, app.Options{
		Network:        cfg.Payments.Network,
		PayTo:          cfg.Payments.PayTo,
		FacilitatorURL: cfg.Payments.FacilitatorURL,
		BasePrice:      cfg.Payments.BasePrice,

		GridSize:         cfg.Canvas.GridSize,
		MaxClaimsPerCell: cfg.Canvas.MaxClaimsPerCell,
		MaxBatchSize:     cfg.Canvas.MaxBatchSize,
	}, log)
	if err != nil {
		log.WithError(err).Fatal("build application")
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := application.Start(ctx); err != nil {
		log.WithError(err).Fatal("start application")
	}

	handler, err := httpapi.NewHandler(application, httpapi.Config{
		AdminUser:     cfg.Admin.Username,
		AdminPassword: cfg.Admin.Password,
		JWTSecret:     cfg.Admin.JWTSecret,
		AuditFile:     cfg.Admin.AuditFile,
		AuditLimit:    cfg.Admin.AuditLimit,
	}, log.WithField("component", "httpapi"))
	if err != nil {
		log.WithError(err).Fatal("build handler")
	}

	limiter := middleware.NewRateLimiter(cfg.HTTP.RateLimitPerSecond, cfg.HTTP.RateLimitBurst, log.WithField("component", "ratelimit"))
	limiter.StartCleanup(10 * time.Minute)
	cors := middleware.NewCORSMiddleware(cfg.HTTP.AllowedOrigins)

	root := metrics.InstrumentHandler(cors.Handler(limiter.Handler(handler)))

	server := &http.Server{
		Addr:         cfg.Server.Addr(),
		Handler:      root,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	errCh := make(chan error, 1)
	go func() {
		log.WithField("addr", server.Addr).Info("canvas API listening")
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		log.Info("shutdown signal received")
	case err := <-errCh:
		log.WithError(err).Error("server failed")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		log.WithError(err).Error("server shutdown")
	}
	if err := application.Stop(shutdownCtx); err != nil {
		log.WithError(err).Error("application shutdown")
	}
	log.Info("canvasd stopped")
	os.Exit(0)
}
