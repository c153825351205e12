package main

import (
	"context"
	"flag"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	market "nhbstable/config"
	"nhbstable/observability/logging"
	telemetry "nhbstable/observability/otel"
	"nhbstable/services/stabled/app"
	"nhbstable/services/stabled/auth"
	"nhbstable/services/stabled/config"
	"nhbstable/services/stabled/journal"
	"nhbstable/services/stabled/server"
)

func main() {
	var cfgPath string
	flag.StringVar(&cfgPath, "config", "services/stabled/config.yaml", "path to stabled config")
	flag.Parse()

	cfg, err := config.Load(cfgPath)
	if err != nil {
		log.Fatalf("load config: %v", err)
	}

	logger, logCloser := logging.SetupWithOptions(logging.Options{
		Service:    "stabled",
		Env:        cfg.Environment,
		Level:      cfg.Log.Level,
		File:       cfg.Log.File,
		MaxSizeMB:  cfg.Log.MaxSizeMB,
		MaxBackups: cfg.Log.MaxBackups,
		MaxAgeDays: cfg.Log.MaxAgeDays,
	})
	defer logCloser.Close()

	shutdownTelemetry, err := telemetry.Init(context.Background(), telemetry.Config{
		ServiceName: "stabled",
		Environment: cfg.Environment,
		Endpoint:    cfg.Telemetry.Endpoint,
		Insecure:    cfg.Telemetry.Insecure,
		Headers:     telemetry.ParseHeaders(os.Getenv("OTEL_EXPORTER_OTLP_HEADERS")),
		Metrics:     cfg.Telemetry.Metrics,
		Traces:      cfg.Telemetry.Traces,
	})
	if err != nil {
		log.Fatalf("init telemetry: %v", err)
	}
	defer func() {
		if shutdownTelemetry != nil {
			_ = shutdownTelemetry(context.Background())
		}
	}()

	logger.Info("stabled configured",
		slog.String("listen", cfg.ListenAddress),
		slog.String("market", cfg.MarketPath),
		slog.String("journal_driver", cfg.Journal.Driver),
		slog.String("journal_dsn", logging.MaskDSN(cfg.Journal.DSN)),
		logging.Secret("jwt_secret", cfg.Auth.JWTSecret))

	marketCfg, err := market.Load(cfg.MarketPath)
	if err != nil {
		log.Fatalf("load market %s: %v", cfg.MarketPath, err)
	}
	application, err := app.Build(marketCfg, app.Options{Logger: logger})
	if err != nil {
		log.Fatalf("build stable engine: %v", err)
	}
	defer func() {
		if err := application.Close(); err != nil {
			logger.Warn("close state database", slog.Any("error", err))
		}
	}()

	eventJournal, err := journal.Open(cfg.Journal.Driver, cfg.Journal.DSN)
	if err != nil {
		log.Fatalf("open journal: %v", err)
	}
	defer eventJournal.Close()
	application.Bus().AddSink(eventJournal)

	authenticator, err := auth.New(auth.Config{
		Secret:   []byte(cfg.Auth.JWTSecret),
		Issuer:   cfg.Auth.Issuer,
		Audience: cfg.Auth.Audience,
		Leeway:   cfg.Auth.Leeway.Duration,
	})
	if err != nil {
		log.Fatalf("configure auth: %v", err)
	}

	srv, err := server.New(server.Config{
		ListenAddress:   cfg.ListenAddress,
		ShutdownTimeout: cfg.ShutdownTimeout.Duration,
		RateLimit: server.RateLimit{
			RequestsPerMinute: cfg.RateLimit.RequestsPerMinute,
			Burst:             cfg.RateLimit.Burst,
		},
	}, application, eventJournal, authenticator, logger)
	if err != nil {
		log.Fatalf("configure server: %v", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	logger.Info("stable market ready",
		slog.String("market", marketCfg.Label),
		slog.String("stable", application.StableAddress().Hex()),
		slog.Int("assets", len(application.Assets())))
	if err := srv.Run(ctx); err != nil {
		logger.Error("stabled stopped", slog.Any("error", err))
		os.Exit(1)
	}
}
