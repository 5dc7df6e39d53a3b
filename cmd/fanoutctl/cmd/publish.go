package cmd

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"

	"github.com/spf13/cobra"
)

var publishOpts struct {
	endpoints []string
	secret    string
	data      string
	file      string
	sync      bool
}

type fanoutRequest struct {
	Endpoints    []string        `json:"endpoints"`
	SharedSecret string          `json:"shared_secret,omitempty"`
	Payload      json.RawMessage `json:"payload"`
}

var publishCmd = &cobra.Command{
	Use:   "publish",
	Short: "Submit a fan-out to the ingest API",
	Long: `Submit a fan-out job to the ingest service. By default the job is
queued and the fan-out id is printed; with --sync the ingest service
delivers inline and reports per-endpoint outcomes.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		payload, err := readPayload(publishOpts.data, publishOpts.file, cmd.InOrStdin())
		if err != nil {
			return err
		}
		c := newAPIClient(serverAddr, jwtToken, timeout)
		req := fanoutRequest{Endpoints: publishOpts.endpoints, SharedSecret: publishOpts.secret, Payload: payload}
		return runPublish(cmd.OutOrStdout(), c, req, publishOpts.sync)
	},
}

func runPublish(w io.Writer, c *apiClient, req fanoutRequest, sync bool) error {
	path := "/v1/fanout"
	if sync {
		path += "?sync=true"
	}
	status, body, err := c.do(http.MethodPost, path, req)
	if err != nil {
		return fmt.Errorf("HTTP request failed: %w", err)
	}

	var reply map[string]any
	if err := json.Unmarshal(body, &reply); err != nil {
		return fmt.Errorf("HTTP %d: %s", status, string(body))
	}

	switch {
	case outputJSON:
		printOutput(w, reply)
	case status == http.StatusAccepted:
		fmt.Fprintf(w, "Queued fan-out %v\n", reply["fanout_id"])
	default:
		fmt.Fprintf(w, "Fan-out %v: HTTP %d\n", reply["fanout_id"], status)
		if causes, ok := reply["causes"].([]any); ok {
			for _, c := range causes {
				fmt.Fprintf(w, "  ✗ %v\n", c)
			}
		}
	}

	if status >= 300 {
		if msg, ok := reply["error"].(string); ok {
			return fmt.Errorf("HTTP %d: %s", status, msg)
		}
		return fmt.Errorf("HTTP %d", status)
	}
	return nil
}

func init() {
	rootCmd.AddCommand(publishCmd)
	publishCmd.Flags().StringArrayVarP(&publishOpts.endpoints, "endpoint", "e", nil, "endpoint URL (repeatable)")
	publishCmd.Flags().StringVar(&publishOpts.secret, "secret", "", "shared secret for the signature header")
	publishCmd.Flags().StringVarP(&publishOpts.data, "data", "d", "", "inline JSON payload")
	publishCmd.Flags().StringVarP(&publishOpts.file, "file", "f", "", "payload file (- for stdin)")
	publishCmd.Flags().BoolVar(&publishOpts.sync, "sync", false, "deliver inline and wait for outcomes")
	_ = publishCmd.MarkFlagRequired("endpoint")
}
