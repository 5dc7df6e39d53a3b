package cmd

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"

	"github.com/spf13/cobra"

	"github.com/austindbirch/harbor_fanout/internal/delivery"
	"github.com/austindbirch/harbor_fanout/internal/dispatch"
	"github.com/austindbirch/harbor_fanout/internal/healthcache"
	"github.com/austindbirch/harbor_fanout/internal/logging"
	"github.com/austindbirch/harbor_fanout/internal/signing"
)

var sendOpts struct {
	endpoints []string
	secret    string
	data      string
	file      string
	header    string
}

type sendReport struct {
	Success  bool          `json:"success"`
	Outcomes []sendOutcome `json:"outcomes"`
	Error    string        `json:"error,omitempty"`
}

type sendOutcome struct {
	Endpoint  string `json:"endpoint"`
	Status    int    `json:"status,omitempty"`
	LatencyMS int64  `json:"latency_ms"`
	Reason    string `json:"reason,omitempty"`
	Error     string `json:"error,omitempty"`
}

var errAllFailed = errors.New("every endpoint failed")

// sendCmd fans a payload out from this process, without the ingest service.
var sendCmd = &cobra.Command{
	Use:   "send",
	Short: "Fan a payload out to endpoints directly",
	Long: `Send a JSON payload to up to five endpoints concurrently from this
machine, signing it when --secret is set.

Examples:
  fanoutctl send -e http://localhost:8081/hook -e http://example.com/hook --data '{"a":1}'
  echo '{"a":1}' | fanoutctl send -e http://localhost:8081/hook --secret s3cret`,
	RunE: func(cmd *cobra.Command, args []string) error {
		payload, err := readPayload(sendOpts.data, sendOpts.file, cmd.InOrStdin())
		if err != nil {
			return err
		}
		sender := delivery.NewSender(&http.Client{Timeout: timeout}, delivery.WithSignatureHeader(sendOpts.header))
		d := dispatch.New(healthcache.New(healthcache.DefaultConfig()), sender,
			dispatch.WithLogger(logging.New("fanoutctl", logging.WithOutput(io.Discard))))
		return runSend(cmd.Context(), cmd.OutOrStdout(), d, sendOpts.endpoints, payload, sendOpts.secret)
	},
}

type deliverer interface {
	Deliver(ctx context.Context, endpoints []string, payload []byte, secret string) (dispatch.Result, error)
}

func runSend(ctx context.Context, w io.Writer, d deliverer, endpoints []string, payload []byte, secret string) error {
	res, err := d.Deliver(ctx, endpoints, payload, secret)

	report := sendReport{Success: err == nil}
	for _, o := range res.Outcomes {
		so := sendOutcome{Endpoint: o.Endpoint, Status: o.StatusCode, LatencyMS: o.Latency.Milliseconds(), Reason: o.Reason()}
		if o.Err != nil {
			so.Error = o.Err.Error()
		}
		report.Outcomes = append(report.Outcomes, so)
	}
	if err != nil {
		report.Error = err.Error()
	}

	if outputJSON {
		printOutput(w, report)
	} else {
		if len(report.Outcomes) == 0 {
			fmt.Fprintln(w, "No eligible endpoints; nothing sent")
		}
		for _, o := range report.Outcomes {
			if o.Error == "" {
				fmt.Fprintf(w, "✓ %s  %d  %dms\n", o.Endpoint, o.Status, o.LatencyMS)
			} else {
				fmt.Fprintf(w, "✗ %s  %s  %s\n", o.Endpoint, o.Reason, o.Error)
			}
		}
	}
	if err != nil {
		return fmt.Errorf("%w: %v", errAllFailed, err)
	}
	return nil
}

func init() {
	rootCmd.AddCommand(sendCmd)
	sendCmd.Flags().StringArrayVarP(&sendOpts.endpoints, "endpoint", "e", nil, "endpoint URL (repeatable)")
	sendCmd.Flags().StringVar(&sendOpts.secret, "secret", "", "shared secret for the signature header")
	sendCmd.Flags().StringVarP(&sendOpts.data, "data", "d", "", "inline JSON payload")
	sendCmd.Flags().StringVarP(&sendOpts.file, "file", "f", "", "payload file (- for stdin)")
	sendCmd.Flags().StringVar(&sendOpts.header, "signature-header", signing.Header, "header carrying the signature")
	_ = sendCmd.MarkFlagRequired("endpoint")
}
