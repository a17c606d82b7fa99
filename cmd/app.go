package cmd

import (
	"context"
	"fmt"
	"log/slog"
	"net/url"
	"time"

	"github.com/tgkiet/air-quality-weather-meteo/internal/collector"
	"github.com/tgkiet/air-quality-weather-meteo/internal/config"
	"github.com/tgkiet/air-quality-weather-meteo/internal/ingest"
	"github.com/tgkiet/air-quality-weather-meteo/internal/metrics"
	"github.com/tgkiet/air-quality-weather-meteo/internal/openmeteo"
	"github.com/tgkiet/air-quality-weather-meteo/internal/pipeline"
	"github.com/tgkiet/air-quality-weather-meteo/internal/store"
)

// app holds the components shared by serve and run.
type app struct {
	cfg       *config.Config
	metrics   *metrics.Metrics
	collector *collector.Collector
	sink      store.Sink
	pipeline  *pipeline.Pipeline
}

func newApp(ctx context.Context, cfg *config.Config, stations []ingest.Station) (*app, error) {
	logger := slog.Default()
	m := metrics.New(Version)

	client, err := openmeteo.NewClient(openmeteo.Options{
		WeatherURL:          cfg.Fetch.WeatherURL,
		AirQualityURL:       cfg.Fetch.AirQualityURL,
		WeatherVariables:    cfg.Fetch.WeatherVariables,
		AirQualityVariables: cfg.Fetch.AirQualityVariables,
		PastDays:            cfg.Fetch.PastDays,
		ForecastDays:        cfg.Fetch.ForecastDays,
		Timezone:            cfg.Fetch.Timezone,
		Timeout:             cfg.Fetch.Timeout,
		MaxRetries:          cfg.Fetch.MaxRetries,
		Logger:              logger.With("component", "openmeteo"),
	})
	if err != nil {
		return nil, &ingest.ConfigurationError{Field: "fetch.timezone", Msg: err.Error()}
	}

	coll := collector.NewCollector(client, collector.Options{
		Concurrency: cfg.Fetch.Concurrency,
		Logger:      logger.With("component", "collector"),
		OnFetchError: func(err *ingest.SourceFetchError) {
			m.FetchErrors.WithLabelValues(string(err.Source)).Inc()
		},
	})

	sink, err := openSink(ctx, cfg, m, logger.With("component", "sink"))
	if err != nil {
		return nil, err
	}

	p := pipeline.New(stations, coll, sink, pipeline.Options{
		Metrics: m,
		Logger:  logger,
	})

	return &app{cfg: cfg, metrics: m, collector: coll, sink: sink, pipeline: p}, nil
}

func openSink(ctx context.Context, cfg *config.Config, m *metrics.Metrics, logger *slog.Logger) (store.Sink, error) {
	policy := cfg.ConflictPolicy()
	if cfg.Sink.Driver == "file" {
		return store.NewFileSink(cfg.Sink.File.Path, store.FileOptions{
			Schema: cfg.Schema(),
			Policy: policy,
			Logger: logger,
		})
	}

	retryPolicy := cfg.UpsertRetry()
	retryPolicy.OnRetry = func(int, time.Duration, error) { m.MergeRetries.Inc() }
	opts := store.UpsertOptions{
		Table:       cfg.Sink.Table,
		Schema:      cfg.Schema(),
		Policy:      policy,
		Retry:       retryPolicy,
		StepTimeout: cfg.Upsert.StepTimeout,
		Logger:      logger,
		OnCleanupError: func(string, error) {
			m.CleanupFailures.Inc()
		},
	}

	switch cfg.Sink.Driver {
	case "sqlite":
		return store.NewSQLiteSink(ctx, cfg.Sink.SQLite.Path, opts)
	case "postgres":
		return store.NewPostgresSink(ctx, cfg.Sink.Postgres.DSN, cfg.Sink.Postgres.MaxConns, opts)
	default:
		return nil, &ingest.ConfigurationError{Field: "sink.driver", Msg: fmt.Sprintf("unknown driver %q", cfg.Sink.Driver)}
	}
}

// sinkLocation describes where the sink writes, with credentials masked.
func sinkLocation(cfg *config.Config) string {
	if cfg.Sink.Driver == "postgres" {
		return redactDSN(cfg.DSN())
	}
	return cfg.DSN()
}

// redactDSN masks the password in a PostgreSQL DSN for safe display.
func redactDSN(dsn string) string {
	u, err := url.Parse(dsn)
	if err != nil {
		return dsn
	}
	if u.User != nil {
		u.User = url.UserPassword(u.User.Username(), "***")
	}
	return u.String()
}
