// Package openmeteo fetches hourly weather and air-quality series from the
// Open-Meteo forecast and air-quality APIs.
package openmeteo

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"
	_ "time/tzdata" // reference zones must resolve in minimal containers

	"github.com/sony/gobreaker"

	"github.com/tgkiet/air-quality-weather-meteo/internal/ingest"
	"github.com/tgkiet/air-quality-weather-meteo/internal/retry"
)

const (
	DefaultWeatherURL    = "https://api.open-meteo.com/v1/forecast"
	DefaultAirQualityURL = "https://air-quality-api.open-meteo.com/v1/air-quality"
	DefaultTimezone      = "Asia/Bangkok"

	maxBodyBytes = 8 << 20
)

var (
	errRateLimited = errors.New("rate limited")
	errCircuitOpen = errors.New("circuit breaker open")
)

// APIError is a non-2xx response from the provider.
type APIError struct {
	StatusCode int
	Reason     string
}

func (e *APIError) Error() string {
	if e.Reason != "" {
		return fmt.Sprintf("open-meteo: status %d: %s", e.StatusCode, e.Reason)
	}
	return fmt.Sprintf("open-meteo: status %d", e.StatusCode)
}

// Series is a decoded hourly response. Values holds one entry per requested
// variable, aligned with Times; nil entries are nulls.
type Series struct {
	Times  []time.Time
	Values map[string][]*float64
}

// Len returns the number of hourly samples.
func (s *Series) Len() int {
	if s == nil {
		return 0
	}
	return len(s.Times)
}

// Options configures a Client. Zero values fall back to the defaults.
type Options struct {
	WeatherURL          string
	AirQualityURL       string
	WeatherVariables    []string
	AirQualityVariables []string
	PastDays            int
	ForecastDays        int
	Timezone            string
	Timeout             time.Duration
	MaxRetries          int
	HTTPClient          *http.Client
	Logger              *slog.Logger
}

// Client requests hourly series per station. Each provider has its own
// circuit breaker so an outage of one does not block the other.
type Client struct {
	http     *http.Client
	urls     map[ingest.Source]string
	vars     map[ingest.Source][]string
	breakers map[ingest.Source]*gobreaker.CircuitBreaker
	retry    retry.Policy
	location *time.Location
	opts     Options
	logger   *slog.Logger
}

// NewClient creates a Client. It fails if the timezone is unknown.
func NewClient(opts Options) (*Client, error) {
	if opts.WeatherURL == "" {
		opts.WeatherURL = DefaultWeatherURL
	}
	if opts.AirQualityURL == "" {
		opts.AirQualityURL = DefaultAirQualityURL
	}
	if len(opts.WeatherVariables) == 0 {
		opts.WeatherVariables = ingest.DefaultWeatherVariables
	}
	if len(opts.AirQualityVariables) == 0 {
		opts.AirQualityVariables = ingest.DefaultAirQualityVariables
	}
	if opts.Timezone == "" {
		opts.Timezone = DefaultTimezone
	}
	if opts.Timeout <= 0 {
		opts.Timeout = 30 * time.Second
	}
	if opts.MaxRetries < 0 {
		opts.MaxRetries = 0
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	loc, err := time.LoadLocation(opts.Timezone)
	if err != nil {
		return nil, fmt.Errorf("loading timezone %q: %w", opts.Timezone, err)
	}
	hc := opts.HTTPClient
	if hc == nil {
		hc = &http.Client{Timeout: opts.Timeout}
	}

	c := &Client{
		http: hc,
		urls: map[ingest.Source]string{
			ingest.SourceWeather:    opts.WeatherURL,
			ingest.SourceAirQuality: opts.AirQualityURL,
		},
		vars: map[ingest.Source][]string{
			ingest.SourceWeather:    opts.WeatherVariables,
			ingest.SourceAirQuality: opts.AirQualityVariables,
		},
		breakers: make(map[ingest.Source]*gobreaker.CircuitBreaker, 2),
		location: loc,
		opts:     opts,
		logger:   opts.Logger,
	}
	for _, src := range []ingest.Source{ingest.SourceWeather, ingest.SourceAirQuality} {
		c.breakers[src] = gobreaker.NewCircuitBreaker(gobreaker.Settings{
			Name:        "openmeteo-" + string(src),
			MaxRequests: 1,
			Interval:    time.Minute,
			Timeout:     2 * time.Minute,
			ReadyToTrip: func(counts gobreaker.Counts) bool {
				return counts.ConsecutiveFailures >= 5
			},
			OnStateChange: func(name string, from, to gobreaker.State) {
				c.logger.Warn("circuit breaker state changed", "breaker", name, "from", from.String(), "to", to.String())
			},
		})
	}
	c.retry = retry.Policy{
		MaxAttempts: opts.MaxRetries + 1,
		Backoff:     retry.Exponential(200*time.Millisecond, 5*time.Second, 100*time.Millisecond),
		Retryable:   retryable,
		OnRetry: func(attempt int, delay time.Duration, err error) {
			c.logger.Debug("retrying open-meteo request", "attempt", attempt, "delay", delay, "error", err)
		},
	}
	return c, nil
}

// Location returns the reference timezone series timestamps are expressed in.
func (c *Client) Location() *time.Location { return c.location }

// Fetch requests the hourly series of one source for one station.
func (c *Client) Fetch(ctx context.Context, src ingest.Source, st ingest.Station) (*Series, error) {
	base, ok := c.urls[src]
	if !ok {
		return nil, fmt.Errorf("unknown source %q", src)
	}
	vars := c.vars[src]
	u := base + "?" + c.query(st, vars).Encode()

	var body []byte
	err := c.retry.Do(ctx, func(ctx context.Context, _ int) error {
		b, err := c.get(ctx, src, u)
		if err != nil {
			return err
		}
		body = b
		return nil
	})
	if err != nil {
		return nil, err
	}
	return decodeHourly(body, vars, c.location)
}

// Weather fetches the weather series for st.
func (c *Client) Weather(ctx context.Context, st ingest.Station) (*Series, error) {
	return c.Fetch(ctx, ingest.SourceWeather, st)
}

// AirQuality fetches the air-quality series for st.
func (c *Client) AirQuality(ctx context.Context, st ingest.Station) (*Series, error) {
	return c.Fetch(ctx, ingest.SourceAirQuality, st)
}

func (c *Client) query(st ingest.Station, vars []string) url.Values {
	v := url.Values{}
	v.Set("latitude", strconv.FormatFloat(st.Lat, 'f', -1, 64))
	v.Set("longitude", strconv.FormatFloat(st.Lon, 'f', -1, 64))
	v.Set("hourly", strings.Join(vars, ","))
	v.Set("past_days", strconv.Itoa(c.opts.PastDays))
	v.Set("forecast_days", strconv.Itoa(c.opts.ForecastDays))
	v.Set("timezone", c.opts.Timezone)
	v.Set("timeformat", "unixtime")
	return v
}

func (c *Client) get(ctx context.Context, src ingest.Source, u string) ([]byte, error) {
	reqCtx, cancel := context.WithTimeout(ctx, c.opts.Timeout)
	defer cancel()

	result, err := c.breakers[src].Execute(func() (interface{}, error) {
		req, err := http.NewRequestWithContext(reqCtx, http.MethodGet, u, nil)
		if err != nil {
			return nil, err
		}
		req.Header.Set("Accept", "application/json")
		resp, err := c.http.Do(req)
		if err != nil {
			return nil, err
		}
		defer resp.Body.Close()

		body, err := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
		if err != nil {
			return nil, fmt.Errorf("reading response: %w", err)
		}
		if resp.StatusCode < 200 || resp.StatusCode >= 300 {
			apiErr := &APIError{StatusCode: resp.StatusCode, Reason: errorReason(body)}
			if resp.StatusCode == http.StatusTooManyRequests {
				return nil, fmt.Errorf("%w: %w", errRateLimited, apiErr)
			}
			return nil, apiErr
		}
		return body, nil
	})
	if err != nil {
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			return nil, fmt.Errorf("%w: %v", errCircuitOpen, err)
		}
		return nil, err
	}
	return result.([]byte), nil
}

// retryable reports whether a failed request is worth repeating: network
// failures, rate limiting and server errors are; client errors, an open
// breaker and cancellation are not.
func retryable(err error) bool {
	switch {
	case errors.Is(err, errCircuitOpen), errors.Is(err, context.Canceled):
		return false
	case errors.Is(err, errRateLimited):
		return true
	}
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return apiErr.StatusCode >= 500
	}
	return true
}

func errorReason(body []byte) string {
	var payload struct {
		Error  bool   `json:"error"`
		Reason string `json:"reason"`
	}
	if err := json.Unmarshal(body, &payload); err != nil || !payload.Error {
		return ""
	}
	return payload.Reason
}

type hourlyResponse struct {
	Hourly map[string]json.RawMessage `json:"hourly"`
}

// decodeHourly parses an hourly response requested with timeformat=unixtime.
func decodeHourly(body []byte, vars []string, loc *time.Location) (*Series, error) {
	var resp hourlyResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, fmt.Errorf("decoding response: %w", err)
	}
	rawTimes, ok := resp.Hourly["time"]
	if !ok {
		return nil, errors.New("decoding response: missing hourly.time")
	}
	var epochs []int64
	if err := json.Unmarshal(rawTimes, &epochs); err != nil {
		return nil, fmt.Errorf("decoding hourly.time: %w", err)
	}

	s := &Series{
		Times:  make([]time.Time, len(epochs)),
		Values: make(map[string][]*float64, len(vars)),
	}
	for i, e := range epochs {
		s.Times[i] = time.Unix(e, 0).In(loc)
	}
	for _, v := range vars {
		raw, ok := resp.Hourly[v]
		if !ok {
			return nil, fmt.Errorf("decoding response: missing hourly.%s", v)
		}
		var vals []*float64
		if err := json.Unmarshal(raw, &vals); err != nil {
			return nil, fmt.Errorf("decoding hourly.%s: %w", v, err)
		}
		if len(vals) != len(epochs) {
			return nil, fmt.Errorf("decoding hourly.%s: %d values for %d timestamps", v, len(vals), len(epochs))
		}
		s.Values[v] = vals
	}
	return s, nil
}
