package config

import (
	"fmt"
	"log/slog"
	"net"
	"os"
	"path/filepath"
	"strings"
	"time"
	_ "time/tzdata" // timezone validation on hosts without zoneinfo

	"github.com/joho/godotenv"
	"github.com/spf13/viper"

	"github.com/tgkiet/air-quality-weather-meteo/internal/ingest"
	"github.com/tgkiet/air-quality-weather-meteo/internal/retry"
)

// Config is the top-level configuration for aqingest.
type Config struct {
	ListenAddr   string          `mapstructure:"listen_addr"`
	LogFormat    string          `mapstructure:"log_format"`
	LogLevel     string          `mapstructure:"log_level"`
	StationsFile string          `mapstructure:"stations_file"`
	Stations     []StationConfig `mapstructure:"stations"`
	Fetch        FetchConfig     `mapstructure:"fetch"`
	Sink         SinkConfig      `mapstructure:"sink"`
	Upsert       UpsertConfig    `mapstructure:"upsert"`
	Schedule     ScheduleConfig  `mapstructure:"schedule"`
}

// StationConfig defines a station to collect data for.
type StationConfig struct {
	ID   string  `mapstructure:"id"`
	Name string  `mapstructure:"name"`
	Lat  float64 `mapstructure:"lat"`
	Lon  float64 `mapstructure:"lon"`
}

// FetchConfig controls requests to the Open-Meteo APIs.
type FetchConfig struct {
	WeatherURL          string        `mapstructure:"weather_url"`
	AirQualityURL       string        `mapstructure:"air_quality_url"`
	PastDays            int           `mapstructure:"past_days"`
	ForecastDays        int           `mapstructure:"forecast_days"`
	Timezone            string        `mapstructure:"timezone"`
	Timeout             time.Duration `mapstructure:"timeout"`
	MaxRetries          int           `mapstructure:"max_retries"`
	Concurrency         int           `mapstructure:"concurrency"`
	WeatherVariables    []string      `mapstructure:"weather_variables"`
	AirQualityVariables []string      `mapstructure:"air_quality_variables"`
}

// SinkConfig selects and configures the storage backend.
type SinkConfig struct {
	Driver         string         `mapstructure:"driver"` // "file", "sqlite" or "postgres"
	ConflictPolicy string         `mapstructure:"conflict_policy"`
	Table          string         `mapstructure:"table"`
	File           FileConfig     `mapstructure:"file"`
	SQLite         SQLiteConfig   `mapstructure:"sqlite"`
	Postgres       PostgresConfig `mapstructure:"postgres"`
}

// FileConfig holds CSV sink configuration.
type FileConfig struct {
	Path string `mapstructure:"path"`
}

// SQLiteConfig holds SQLite-specific configuration.
type SQLiteConfig struct {
	Path string `mapstructure:"path"`
}

// PostgresConfig holds PostgreSQL-specific configuration.
type PostgresConfig struct {
	DSN      string `mapstructure:"dsn"`
	MaxConns int32  `mapstructure:"max_conns"`
}

// UpsertConfig tunes the staged upsert into relational sinks.
type UpsertConfig struct {
	MaxAttempts int           `mapstructure:"max_attempts"`
	BaseDelay   time.Duration `mapstructure:"base_delay"`
	MaxDelay    time.Duration `mapstructure:"max_delay"`
	Jitter      time.Duration `mapstructure:"jitter"`
	StepTimeout time.Duration `mapstructure:"step_timeout"`
}

// ScheduleConfig defines how often the daemon runs a cycle.
type ScheduleConfig struct {
	Interval time.Duration `mapstructure:"interval"`
}

// Load reads configuration from flag path, env vars, then default file paths.
// Precedence: flag → $AQINGEST_CONFIG env → ~/.config/aqingest/config.yaml → /etc/aqingest/config.yaml
//
// A .env file in the working directory is loaded first; it never overrides
// variables that are already set.
func Load(configPath string) (*Config, error) {
	_ = godotenv.Load() // missing .env is fine

	v := viper.New()
	v.SetConfigType("yaml")
	setDefaults(v)

	// Env var support: AQINGEST_SINK_POSTGRES_DSN -> sink.postgres.dsn
	v.SetEnvPrefix("AQINGEST")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if configPath != "" {
		v.SetConfigFile(configPath)
	} else if envPath := os.Getenv("AQINGEST_CONFIG"); envPath != "" {
		v.SetConfigFile(envPath)
	} else {
		if home, err := os.UserHomeDir(); err == nil {
			v.AddConfigPath(filepath.Join(home, ".config", "aqingest"))
		}
		v.AddConfigPath("/etc/aqingest")
		v.SetConfigName("config")
	}

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("reading config: %w", err)
		}
	} else {
		// The file may carry a database password.
		if cfgPath := v.ConfigFileUsed(); cfgPath != "" {
			if info, err := os.Stat(cfgPath); err == nil {
				perm := info.Mode().Perm()
				if perm&0004 != 0 {
					slog.Warn("config file is world-readable", "path", cfgPath, "permissions", fmt.Sprintf("%04o", perm))
				}
			}
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshaling config: %w", err)
	}

	if cfg.Sink.Postgres.DSN == "" {
		cfg.Sink.Postgres.DSN = os.Getenv("DATABASE_URL")
	}

	if cfg.StationsFile != "" {
		stations, err := LoadStations(cfg.StationsFile)
		if err != nil {
			return nil, err
		}
		cfg.Stations = append(cfg.Stations, stations...)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("listen_addr", ":9108")
	v.SetDefault("log_format", "json")
	v.SetDefault("log_level", "info")
	v.SetDefault("stations_file", "")

	v.SetDefault("fetch.weather_url", "https://api.open-meteo.com/v1/forecast")
	v.SetDefault("fetch.air_quality_url", "https://air-quality-api.open-meteo.com/v1/air-quality")
	v.SetDefault("fetch.past_days", 3)
	v.SetDefault("fetch.forecast_days", 1)
	v.SetDefault("fetch.timezone", "Asia/Bangkok")
	v.SetDefault("fetch.timeout", 30*time.Second)
	v.SetDefault("fetch.max_retries", 5)
	v.SetDefault("fetch.concurrency", 1)
	v.SetDefault("fetch.weather_variables", ingest.DefaultWeatherVariables)
	v.SetDefault("fetch.air_quality_variables", ingest.DefaultAirQualityVariables)

	v.SetDefault("sink.driver", "file")
	v.SetDefault("sink.conflict_policy", "")
	v.SetDefault("sink.table", "air_quality_forecast_data")
	v.SetDefault("sink.file.path", "data/air_quality_forecast_data.csv")
	v.SetDefault("sink.sqlite.path", "data/aqingest.db")
	v.SetDefault("sink.postgres.dsn", "")
	v.SetDefault("sink.postgres.max_conns", 4)

	v.SetDefault("upsert.max_attempts", 3)
	v.SetDefault("upsert.base_delay", time.Second)
	v.SetDefault("upsert.max_delay", 30*time.Second)
	v.SetDefault("upsert.jitter", time.Second)
	v.SetDefault("upsert.step_timeout", 2*time.Minute)

	v.SetDefault("schedule.interval", time.Hour)
}

// Validate checks that the configuration is complete and correct. Every
// problem is reported as an *ingest.ConfigurationError.
func (c *Config) Validate() error {
	if len(c.Stations) == 0 {
		return &ingest.ConfigurationError{Field: "stations", Msg: "at least one station is required"}
	}
	seen := make(map[string]bool, len(c.Stations))
	for i, s := range c.Stations {
		field := fmt.Sprintf("stations[%d]", i)
		if s.ID == "" {
			return &ingest.ConfigurationError{Field: field, Msg: "id is required"}
		}
		if seen[s.ID] {
			return &ingest.ConfigurationError{Field: field, Msg: fmt.Sprintf("duplicate station id %q", s.ID)}
		}
		seen[s.ID] = true
		if s.Lat < -90 || s.Lat > 90 {
			return &ingest.ConfigurationError{Field: field, Msg: fmt.Sprintf("lat %v out of range", s.Lat)}
		}
		if s.Lon < -180 || s.Lon > 180 {
			return &ingest.ConfigurationError{Field: field, Msg: fmt.Sprintf("lon %v out of range", s.Lon)}
		}
	}

	f := c.Fetch
	switch {
	case f.PastDays < 0:
		return &ingest.ConfigurationError{Field: "fetch.past_days", Msg: "must not be negative"}
	case f.ForecastDays < 0:
		return &ingest.ConfigurationError{Field: "fetch.forecast_days", Msg: "must not be negative"}
	case f.Timeout <= 0:
		return &ingest.ConfigurationError{Field: "fetch.timeout", Msg: "must be positive"}
	case f.MaxRetries < 0:
		return &ingest.ConfigurationError{Field: "fetch.max_retries", Msg: "must not be negative"}
	case f.Concurrency < 1:
		return &ingest.ConfigurationError{Field: "fetch.concurrency", Msg: "must be at least 1"}
	case len(f.WeatherVariables) == 0 && len(f.AirQualityVariables) == 0:
		return &ingest.ConfigurationError{Field: "fetch", Msg: "no variables requested"}
	}
	if _, err := time.LoadLocation(f.Timezone); err != nil {
		return &ingest.ConfigurationError{Field: "fetch.timezone", Msg: err.Error()}
	}

	switch c.Sink.Driver {
	case "file":
		if c.Sink.File.Path == "" {
			return &ingest.ConfigurationError{Field: "sink.file.path", Msg: "required for file driver"}
		}
	case "sqlite":
		if c.Sink.SQLite.Path == "" {
			return &ingest.ConfigurationError{Field: "sink.sqlite.path", Msg: "required for sqlite driver"}
		}
	case "postgres":
		if c.Sink.Postgres.DSN == "" {
			return &ingest.ConfigurationError{Field: "sink.postgres.dsn", Msg: "required for postgres driver (or set DATABASE_URL)"}
		}
		if c.Sink.Postgres.MaxConns < 1 {
			return &ingest.ConfigurationError{Field: "sink.postgres.max_conns", Msg: "must be at least 1"}
		}
	default:
		return &ingest.ConfigurationError{Field: "sink.driver", Msg: fmt.Sprintf("must be 'file', 'sqlite' or 'postgres', got %q", c.Sink.Driver)}
	}
	if p := c.Sink.ConflictPolicy; p != "" && !ingest.Policy(p).Valid() {
		return &ingest.ConfigurationError{Field: "sink.conflict_policy", Msg: fmt.Sprintf("unknown policy %q", p)}
	}

	u := c.Upsert
	switch {
	case u.MaxAttempts < 1:
		return &ingest.ConfigurationError{Field: "upsert.max_attempts", Msg: "must be at least 1"}
	case u.BaseDelay < 0 || u.MaxDelay < 0 || u.Jitter < 0:
		return &ingest.ConfigurationError{Field: "upsert", Msg: "delays must not be negative"}
	case u.StepTimeout <= 0:
		return &ingest.ConfigurationError{Field: "upsert.step_timeout", Msg: "must be positive"}
	}

	if c.Schedule.Interval <= 0 {
		return &ingest.ConfigurationError{Field: "schedule.interval", Msg: "must be positive"}
	}

	if _, _, err := net.SplitHostPort(c.ListenAddr); err != nil {
		return &ingest.ConfigurationError{Field: "listen_addr", Msg: fmt.Sprintf("%q is not a valid address: %v", c.ListenAddr, err)}
	}

	return nil
}

// IngestStations converts the configured stations to the shared model.
func (c *Config) IngestStations() []ingest.Station {
	out := make([]ingest.Station, len(c.Stations))
	for i, s := range c.Stations {
		out[i] = ingest.Station{ID: s.ID, Name: s.Name, Lat: s.Lat, Lon: s.Lon}
	}
	return out
}

// Schema returns the column layout for the configured variables.
func (c *Config) Schema() ingest.Schema {
	return ingest.Schema{
		Weather:    c.Fetch.WeatherVariables,
		AirQuality: c.Fetch.AirQualityVariables,
	}
}

// ConflictPolicy returns the configured policy, or the sink's default:
// last-write-wins for the file sink and first-write-wins for databases.
func (c *Config) ConflictPolicy() ingest.Policy {
	if c.Sink.ConflictPolicy != "" {
		return ingest.Policy(c.Sink.ConflictPolicy)
	}
	if c.Sink.Driver == "file" {
		return ingest.LastWriteWins
	}
	return ingest.FirstWriteWins
}

// UpsertRetry builds the merge retry policy.
func (c *Config) UpsertRetry() retry.Policy {
	return retry.Policy{
		MaxAttempts: c.Upsert.MaxAttempts,
		Backoff:     retry.Exponential(c.Upsert.BaseDelay, c.Upsert.MaxDelay, c.Upsert.Jitter),
	}
}

// DSN returns the appropriate DSN for the configured storage driver.
func (c *Config) DSN() string {
	switch c.Sink.Driver {
	case "file":
		return c.Sink.File.Path
	case "sqlite":
		return c.Sink.SQLite.Path
	case "postgres":
		return c.Sink.Postgres.DSN
	default:
		return ""
	}
}
