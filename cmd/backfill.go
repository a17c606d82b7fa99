package cmd

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/tgkiet/air-quality-weather-meteo/internal/backfill"
	"github.com/tgkiet/air-quality-weather-meteo/internal/ingest"
	"github.com/tgkiet/air-quality-weather-meteo/internal/metrics"
	"github.com/tgkiet/air-quality-weather-meteo/internal/store"
)

var (
	bfFile      string
	bfChunkSize int
)

var backfillCmd = &cobra.Command{
	Use:   "backfill",
	Short: "Load historical rows from a CSV export into the database",
	Long: `backfill reads a CSV file in the file sink's layout (legacy datetime and
location_id headers are accepted) and writes it to the configured SQLite or
PostgreSQL sink in chunks through the staged upsert. Keys already present are
left alone under first_write_wins, so re-running a backfill inserts nothing.`,
	RunE: runBackfill,
}

func init() {
	backfillCmd.Flags().StringVar(&bfFile, "file", "", "CSV file to load")
	backfillCmd.Flags().IntVar(&bfChunkSize, "chunk-size", backfill.DefaultChunkSize, "rows per staged upsert")
	_ = backfillCmd.MarkFlagRequired("file")
	rootCmd.AddCommand(backfillCmd)
}

func runBackfill(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	switch cfg.Sink.Driver {
	case "sqlite", "postgres":
	default:
		return &ingest.ConfigurationError{Field: "sink.driver", Msg: "backfill writes only to the sqlite and postgres sinks"}
	}
	if bfChunkSize < 1 {
		return fmt.Errorf("--chunk-size must be positive")
	}

	rows, err := store.ReadCSV(bfFile, cfg.Schema())
	if err != nil {
		return err
	}
	slog.Info("read backfill file", "path", bfFile, "rows", len(rows))

	// Support context cancellation via signals.
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	sink, err := openSink(ctx, cfg, metrics.New(Version), slog.Default().With("component", "sink"))
	if err != nil {
		return err
	}
	defer sink.Close() //nolint:errcheck

	slog.Info("backfilling",
		"sink", sinkLocation(cfg),
		"table", cfg.Sink.Table,
		"policy", string(cfg.ConflictPolicy()),
		"chunk_size", bfChunkSize,
	)

	bf := backfill.New(sink, backfill.Options{
		ChunkSize: bfChunkSize,
		Policy:    cfg.ConflictPolicy(),
		Logger:    slog.Default().With("component", "backfill"),
	})
	res, loadErr := bf.Load(ctx, rows)

	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	if err := enc.Encode(res); err != nil {
		return fmt.Errorf("writing result: %w", err)
	}
	return loadErr
}
