package cmd

import (
	"fmt"
	"log/slog"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/tgkiet/air-quality-weather-meteo/internal/config"
)

// Version is set at build time with -ldflags "-X .../cmd.Version=...".
var Version = "dev"

var (
	cfgFile   string
	logFormat string
	logLevel  string
)

var rootCmd = &cobra.Command{
	Use:   "aqingest",
	Short: "Hourly weather and air-quality ingestion daemon",
	Long: `aqingest fetches hourly weather and air-quality series for a fixed list of
monitoring stations from the Open-Meteo APIs, joins them per station and hour,
and merges the result idempotently into a CSV file, SQLite or PostgreSQL.`,
	SilenceUsage: true,
	Version:      Version,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file path")
	rootCmd.PersistentFlags().StringVar(&logFormat, "log-format", "", "log format (text or json, overrides config)")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "log level (debug, info, warn, error, overrides config)")
}

// Execute runs the root command.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// loadConfig reads the configuration and installs the default logger.
// Logging is configured from the flags before loading so that config
// warnings use the requested format.
func loadConfig() (*config.Config, error) {
	setupLogging(logFormat, logLevel)
	cfg, err := config.Load(cfgFile)
	if err != nil {
		return nil, err
	}
	format, level := cfg.LogFormat, cfg.LogLevel
	if logFormat != "" {
		format = logFormat
	}
	if logLevel != "" {
		level = logLevel
	}
	setupLogging(format, level)
	return cfg, nil
}

func setupLogging(format, level string) {
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(strings.TrimSpace(level))); err != nil {
		lvl = slog.LevelInfo
	}
	opts := &slog.HandlerOptions{Level: lvl}

	var handler slog.Handler
	if format == "text" {
		handler = slog.NewTextHandler(os.Stderr, opts)
	} else {
		handler = slog.NewJSONHandler(os.Stderr, opts)
	}
	slog.SetDefault(slog.New(handler))
}
