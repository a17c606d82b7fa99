package cmd

import (
	"context"
	"errors"
	"log/slog"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/tgkiet/air-quality-weather-meteo/internal/api"
	"github.com/tgkiet/air-quality-weather-meteo/internal/scheduler"
)

var (
	listenAddr string
	sinkDriver string
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the aqingest daemon (default command)",
	RunE:  runServe,
}

func init() {
	serveCmd.Flags().StringVar(&listenAddr, "listen", "", "HTTP listen address (overrides config)")
	serveCmd.Flags().StringVar(&sinkDriver, "sink-driver", "", "sink driver (overrides config)")
	rootCmd.AddCommand(serveCmd)

	// Make serve the default command.
	rootCmd.RunE = runServe
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	// Apply flag overrides.
	if listenAddr != "" {
		cfg.ListenAddr = listenAddr
	}
	if sinkDriver != "" {
		cfg.Sink.Driver = sinkDriver
		if err := cfg.Validate(); err != nil {
			return err
		}
	}

	slog.Info("starting aqingest",
		"version", Version,
		"listen_addr", cfg.ListenAddr,
		"sink_driver", cfg.Sink.Driver,
		"sink", sinkLocation(cfg),
		"policy", string(cfg.ConflictPolicy()),
		"stations", len(cfg.Stations),
		"interval", cfg.Schedule.Interval,
	)

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	stations := cfg.IngestStations()
	a, err := newApp(ctx, cfg, stations)
	if err != nil {
		return err
	}
	defer a.sink.Close() //nolint:errcheck

	slog.Info("sink ready", "driver", a.sink.Driver())

	sched := scheduler.New(a.pipeline, cfg.Schedule.Interval, slog.Default().With("component", "scheduler"))
	srv := api.NewServer(api.Options{
		Sink:     a.sink,
		Stations: stations,
		Status:   a.collector,
		Runs:     a.pipeline,
		NextRun:  sched.NextRun,
		Metrics:  a.metrics,
		Version:  Version,
		Logger:   slog.Default().With("component", "api"),
	})

	// Start scheduler and server using errgroup.
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		if err := sched.Start(gctx); err != nil {
			return err
		}
		<-gctx.Done()
		// Waits for a cycle in flight; it observes the cancelled context.
		sched.Stop()
		return nil
	})
	g.Go(func() error { return srv.ListenAndServe(gctx, cfg.ListenAddr) })

	waitErr := g.Wait()
	if waitErr != nil && !errors.Is(waitErr, context.Canceled) {
		slog.Error("aqingest exited with error", "error", waitErr)
		return waitErr
	}

	slog.Info("aqingest shutdown complete")
	return nil
}
