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

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"
	natsio "github.com/nats-io/nats.go"
	"github.com/shopspring/decimal"

	"Brokerage/internal/brokers/nats"
	"Brokerage/internal/config"
	"Brokerage/internal/feed"
	"Brokerage/internal/kraken"
	"Brokerage/internal/services/execution"
	"Brokerage/internal/services/ledger"
	"Brokerage/internal/storage/postgres"
	"Brokerage/internal/storage/redis"
	handler "Brokerage/transport"
)

const (
	envLocal = "local"
	envProd  = "prod"
)

func main() {
	cfg := config.MustLoad()

	log := setupLogger(cfg.Env)

	log.Info("starting application", slog.String("env", cfg.Env))

	connString := fmt.Sprintf("postgres://%s:%s@%s:%d/%s?sslmode=disable",
		cfg.Postgres.Username,
		cfg.Postgres.Password,
		cfg.Postgres.Host,
		cfg.Postgres.Port,
		cfg.Postgres.Database)

	storage, err := postgres.New(connString)
	if err != nil {
		log.Error("failed to connect to postgres", "error", err)
		os.Exit(1)
	}
	defer storage.Close()

	krakenCfg := kraken.Config{
		BaseURL:            cfg.Kraken.BaseURL,
		APIKey:             cfg.Kraken.APIKey,
		APISecret:          cfg.Kraken.APISecret,
		Timeout:            time.Duration(cfg.Kraken.TimeoutSeconds) * time.Second,
		MaxRetries:         cfg.Kraken.MaxRetries,
		RequestInterval:    time.Duration(cfg.Kraken.RequestIntervalMs) * time.Millisecond,
		TokenRefreshMargin: time.Duration(cfg.Kraken.TokenRefreshMarginSs) * time.Second,
	}
	exchangeClient := kraken.NewClient(krakenCfg, log)
	defer exchangeClient.Close()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := exchangeClient.ValidateConnection(ctx); err != nil {
		log.Error("exchange connection validation failed", "error", err)
		os.Exit(1)
	}

	tokenManager := kraken.NewTokenManager(exchangeClient.Transport(), log, krakenCfg.TokenRefreshMargin)

	redisClient := redis.New(redis.Config{
		Host:     cfg.Redis.Host,
		Port:     cfg.Redis.Port,
		Db:       cfg.Redis.Db,
		Password: cfg.Redis.Password,
	})
	defer redisClient.Close()

	nc, err := natsio.Connect(cfg.Nats.URL)
	if err != nil {
		log.Error("failed to connect to nats", "url", cfg.Nats.URL, "error", err)
		os.Exit(1)
	}
	defer nc.Close()

	publisher, err := nats.New(nc, log)
	if err != nil {
		log.Error("failed to init nats publisher", "error", err)
		os.Exit(1)
	}

	ledgerService := ledger.New(log, storage)

	engineCfg := execution.Config{
		FeeRate:           decimal.RequireFromString(cfg.Engine.FeeRate),
		ConfirmAttempts:   cfg.Engine.ConfirmAttempts,
		ConfirmInterval:   time.Duration(cfg.Engine.ConfirmIntervalMs) * time.Millisecond,
		PriceDriftWarnPct: decimal.RequireFromString(cfg.Engine.PriceDriftWarnPct),
	}
	engine := execution.New(
		log,
		storage,
		exchangeClient,
		execution.TickerPricing{Gateway: exchangeClient},
		execution.PercentSpread{},
		ledgerService,
		engineCfg,
	).WithEvents(publisher).WithStreamCache(redisClient)

	if cfg.Feed.Enabled {
		marketFeed := feed.New(log, cfg.Feed.URL, cfg.Feed.Pairs, exchangeClient.Symbols(), redisClient, publisher)
		if exchangeClient.Transport().HasCredentials() {
			marketFeed.WithOwnTrades(cfg.Feed.AuthURL, tokenManager)
		}
		go marketFeed.Run(ctx)
	}

	validate := validator.New()
	tradeHandler := handler.NewTradeHandler(log, engine, storage, validate)

	r := chi.NewRouter()
	r.Mount("/", tradeHandler.Routes())

	srv := &http.Server{
		Addr:    fmt.Sprintf(":%d", cfg.HTTP.Port),
		Handler: r,
	}

	go func() {
		log.Info("starting server", "addr", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Error("server failed", "error", err)
			stop()
		}
	}()

	<-ctx.Done()
	log.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error("server shutdown failed", "error", err)
	}
}

func setupLogger(env string) *slog.Logger {
	var log *slog.Logger

	switch env {
	case envLocal:
		log = slog.New(
			slog.NewTextHandler(
				os.Stdout, &slog.HandlerOptions{Level: slog.LevelDebug}),
		)
	case envProd:
		log = slog.New(
			slog.NewJSONHandler(
				os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo}),
		)
	default:
		log = slog.New(
			slog.NewJSONHandler(
				os.Stdout, &slog.HandlerOptions{Level: slog.LevelDebug}),
		)
	}

	return log
}
