package main

import (
	"context"
	"flag"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/gofiber/fiber/v3"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/meikuraledutech/flowdag"
	"github.com/meikuraledutech/flowdag/api"
	"github.com/meikuraledutech/flowdag/config"
	"github.com/meikuraledutech/flowdag/ctxlog"
	"github.com/meikuraledutech/flowdag/llm"
	"github.com/meikuraledutech/flowdag/memstore"
	"github.com/meikuraledutech/flowdag/postgres"
	"github.com/meikuraledutech/flowdag/scheduler"
	"github.com/meikuraledutech/flowdag/telemetry"
)

func main() {
	configPath := flag.String("config", "", "path to a YAML config file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		slog.Error("load config", slog.String("error", err.Error()))
		os.Exit(1)
	}

	logger := ctxlog.New(cfg.Log.Level, cfg.Log.Format, os.Stderr)
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	shutdownTracing, err := telemetry.Init(cfg.Tracing.Enabled, "flowdag", os.Stdout)
	if err != nil {
		logger.Error("init tracing", slog.String("error", err.Error()))
		os.Exit(1)
	}
	defer shutdownTracing(context.Background())

	// Plans and runs go to Postgres when DATABASE_URL is set.
	var store flowdag.Store = memstore.New()
	if cfg.DatabaseURL != "" {
		pool, err := pgxpool.New(ctx, cfg.DatabaseURL)
		if err != nil {
			logger.Error("connect", slog.String("error", err.Error()))
			os.Exit(1)
		}
		defer pool.Close()
		store = postgres.New(pool)
	}
	if err := store.CreateSchema(ctx); err != nil {
		logger.Error("schema", slog.String("error", err.Error()))
		os.Exit(1)
	}

	var gen llm.Generator
	if cfg.LLM.APIKey != "" {
		gen = llm.NewService(
			llm.NewOpenAI(cfg.LLM.APIKey, cfg.LLM.BaseURL),
			llm.WithDefaultModel(cfg.LLM.DefaultModel),
			llm.WithTimeout(cfg.LLM.Timeout),
		)
	} else {
		logger.Warn("no LLM API key configured, prompt nodes will fail")
	}

	srv := api.New(store, gen,
		api.WithLogger(logger),
		api.WithDefaultModel(cfg.LLM.DefaultModel),
		api.WithSchedulerOptions(
			scheduler.WithMaxConcurrency(cfg.Scheduler.MaxConcurrency),
			scheduler.WithNodeTimeout(cfg.Scheduler.NodeTimeout),
		),
	)

	app := fiber.New()
	srv.Register(app)

	go func() {
		<-ctx.Done()
		_ = app.Shutdown()
	}()

	logger.Info("listening", slog.String("addr", cfg.Listen), slog.Bool("postgres", cfg.DatabaseURL != ""))
	if err := app.Listen(cfg.Listen); err != nil {
		logger.Error("listen", slog.String("error", err.Error()))
		os.Exit(1)
	}
}
