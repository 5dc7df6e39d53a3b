package cmd

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"

	"github.com/spf13/cobra"
)

var healthURL string

// healthCmd represents the health command
var healthCmd = &cobra.Command{
	Use:   "health",
	Short: "Check service health, or one endpoint's health",
	Long: `Without --url, query the ingest service /healthz. With --url, report
whether the service currently delivers to that endpoint and how many
recent failures it has recorded.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		return runHealth(cmd.OutOrStdout(), newAPIClient(serverAddr, jwtToken, timeout), healthURL)
	},
}

func runHealth(w io.Writer, c *apiClient, endpoint string) error {
	if endpoint == "" {
		status, body, err := c.do(http.MethodGet, "/healthz", nil)
		if err != nil {
			return fmt.Errorf("HTTP health check failed: %w", err)
		}
		if outputJSON {
			var v map[string]any
			if json.Unmarshal(body, &v) == nil {
				printOutput(w, v)
				return nil
			}
		}
		if status == http.StatusOK {
			fmt.Fprintln(w, "✓ Service is healthy")
		} else {
			fmt.Fprintf(w, "✗ Service is unhealthy (HTTP %d)\n", status)
		}
		return nil
	}

	status, body, err := c.do(http.MethodGet, "/v1/endpoints/health?url="+url.QueryEscape(endpoint), nil)
	if err != nil {
		return fmt.Errorf("HTTP request failed: %w", err)
	}
	if status != http.StatusOK {
		return fmt.Errorf("HTTP %d: %s", status, string(body))
	}
	var st struct {
		URL      string `json:"url"`
		Allowed  bool   `json:"allowed"`
		Failures int    `json:"failures"`
	}
	if err := json.Unmarshal(body, &st); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	if outputJSON {
		printOutput(w, st)
		return nil
	}
	if st.Allowed {
		fmt.Fprintf(w, "✓ %s is allowed (%d recent failures)\n", st.URL, st.Failures)
	} else {
		fmt.Fprintf(w, "✗ %s is suppressed (%d recent failures)\n", st.URL, st.Failures)
	}
	return nil
}

func init() {
	rootCmd.AddCommand(healthCmd)
	healthCmd.Flags().StringVar(&healthURL, "url", "", "endpoint URL to inspect")
}
