package cmd

import (
	"crypto/tls"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/spf13/cobra"
)

var statusServer string

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Query the health endpoint of a running aqingest instance",
	RunE:  runStatus,
}

func init() {
	statusCmd.Flags().StringVar(&statusServer, "server", "http://localhost:9108", "aqingest server URL")
	rootCmd.AddCommand(statusCmd)
}

type healthReport struct {
	Status  string `json:"status"`
	Version string `json:"version"`
	Uptime  string `json:"uptime"`
	LastRun *struct {
		RunID      string    `json:"run_id"`
		Outcome    string    `json:"outcome"`
		FinishedAt time.Time `json:"finished_at"`
		Inserted   int       `json:"inserted"`
		Updated    int       `json:"updated"`
		Skipped    int       `json:"skipped"`
		Error      string    `json:"error"`
	} `json:"last_run"`
	NextRun  *time.Time `json:"next_run"`
	Stations []struct {
		StationID     string     `json:"station_id"`
		Name          string     `json:"name"`
		Status        string     `json:"status"`
		LastSuccessAt *time.Time `json:"last_success_at"`
		LastRows      int        `json:"last_rows"`
		ErrorCount    int        `json:"error_count"`
		LastError     string     `json:"last_error"`
	} `json:"stations"`
	Sink struct {
		Driver string     `json:"driver"`
		Status string     `json:"status"`
		Rows   int        `json:"rows"`
		Oldest *time.Time `json:"oldest"`
		Newest *time.Time `json:"newest"`
		Error  string     `json:"error"`
	} `json:"sink"`
}

func runStatus(cmd *cobra.Command, args []string) error {
	client := &http.Client{
		Timeout: 5 * time.Second,
		Transport: &http.Transport{
			TLSClientConfig: &tls.Config{MinVersion: tls.VersionTLS12},
		},
	}
	resp, err := client.Get(statusServer + "/api/v1/health")
	if err != nil {
		return fmt.Errorf("connecting to %s: %w", statusServer, err)
	}
	defer resp.Body.Close() //nolint:errcheck

	var health healthReport
	if err := json.NewDecoder(io.LimitReader(resp.Body, 10<<20)).Decode(&health); err != nil {
		return fmt.Errorf("decoding response: %w", err)
	}

	printHealth(cmd.OutOrStdout(), &health)
	return nil
}

func printHealth(w io.Writer, health *healthReport) {
	fmt.Fprintf(w, "aqingest %s\n", health.Version)
	fmt.Fprintf(w, "Status: %s\n", health.Status)
	fmt.Fprintf(w, "Uptime: %s\n", health.Uptime)
	if r := health.LastRun; r != nil {
		fmt.Fprintf(w, "Last run: %s at %s (%s inserted, %s updated, %d skipped)\n",
			r.Outcome, r.FinishedAt.Format(time.RFC3339), formatNumber(r.Inserted), formatNumber(r.Updated), r.Skipped)
		if r.Error != "" {
			fmt.Fprintf(w, "  Error: %s\n", r.Error)
		}
	}
	if health.NextRun != nil {
		fmt.Fprintf(w, "Next run: %s\n", health.NextRun.Format(time.RFC3339))
	}
	fmt.Fprintln(w)

	if len(health.Stations) > 0 {
		fmt.Fprintln(w, "Stations:")
		for _, s := range health.Stations {
			fmt.Fprintf(w, "  %s (%s): %s\n", s.Name, s.StationID, s.Status)
			if s.LastSuccessAt != nil {
				fmt.Fprintf(w, "    Last success: %s (%s rows)\n", s.LastSuccessAt.Format(time.RFC3339), formatNumber(s.LastRows))
			}
			if s.ErrorCount > 0 {
				fmt.Fprintf(w, "    Errors: %d, last: %s\n", s.ErrorCount, s.LastError)
			}
		}
		fmt.Fprintln(w)
	}

	fmt.Fprintf(w, "Sink: %s (%s)\n", health.Sink.Driver, health.Sink.Status)
	if health.Sink.Error != "" {
		fmt.Fprintf(w, "  Error: %s\n", health.Sink.Error)
	}
	if health.Sink.Rows > 0 {
		fmt.Fprintf(w, "  Rows: %s\n", formatNumber(health.Sink.Rows))
	}
	if health.Sink.Oldest != nil && health.Sink.Newest != nil {
		fmt.Fprintf(w, "  Range: %s to %s\n", health.Sink.Oldest.Format(time.DateOnly), health.Sink.Newest.Format(time.DateOnly))
	}
}

// formatNumber formats an integer with comma separators (e.g., 1,247,832).
func formatNumber(n int) string {
	if n < 0 {
		return "-" + formatNumber(-n)
	}
	s := fmt.Sprintf("%d", n)
	if len(s) <= 3 {
		return s
	}
	var result []byte
	for i, c := range s {
		if i > 0 && (len(s)-i)%3 == 0 {
			result = append(result, ',')
		}
		result = append(result, byte(c))
	}
	return string(result)
}
