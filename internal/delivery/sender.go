package delivery

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"time"

	"go.opentelemetry.io/otel/attribute"

	"github.com/austindbirch/harbor_fanout/internal/signing"
	"github.com/austindbirch/harbor_fanout/internal/tracing"
)

const (
	DefaultTimeout  = 10 * time.Second
	DefaultMaxDrain = 1 << 20
)

// Sender performs single POST attempts. It never retries.
type Sender struct {
	client          *http.Client
	signatureHeader string
	maxDrain        int64
}

type SenderOption func(*Sender)

// WithSignatureHeader overrides the header used for the payload signature.
func WithSignatureHeader(name string) SenderOption {
	return func(s *Sender) {
		if name != "" {
			s.signatureHeader = name
		}
	}
}

// WithMaxDrain caps how many response bytes are read before the body is
// closed. Reading the rest lets the connection be reused.
func WithMaxDrain(n int64) SenderOption {
	return func(s *Sender) {
		if n >= 0 {
			s.maxDrain = n
		}
	}
}

// NewSender wraps client. A nil client gets a default one with a 10s timeout,
// which is also the per-attempt timeout.
func NewSender(client *http.Client, opts ...SenderOption) *Sender {
	if client == nil {
		client = &http.Client{Timeout: DefaultTimeout}
	}
	s := &Sender{
		client:          client,
		signatureHeader: signing.Header,
		maxDrain:        DefaultMaxDrain,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Attempt POSTs payload to endpoint once. A non-empty signature is sent in
// the signature header. The response body is drained and discarded without
// being parsed; only the status code decides the outcome.
func (s *Sender) Attempt(ctx context.Context, endpoint string, payload []byte, signature string) Outcome {
	ctx, span := tracing.StartSpan(ctx, "fanout.attempt",
		tracing.Endpoint(endpoint),
		attribute.Bool("signed", signature != ""),
	)
	defer span.End()

	out := Outcome{Endpoint: endpoint}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(payload))
	if err != nil {
		out.Err = fmt.Errorf("build request: %w", err)
		tracing.SetSpanError(ctx, out.Err)
		return out
	}
	req.Header.Set("Content-Type", "application/json")
	if signature != "" {
		req.Header.Set(s.signatureHeader, signature)
	}
	if traceID := tracing.GetTraceID(ctx); traceID != "" {
		req.Header.Set("X-Trace-Id", traceID)
	}

	start := time.Now()
	resp, err := s.client.Do(req)
	if err != nil {
		out.Latency = time.Since(start)
		out.Err = err
		span.SetAttributes(attribute.String("http.error", err.Error()))
		tracing.SetSpanError(ctx, err)
		return out
	}
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, s.maxDrain))
	_ = resp.Body.Close()
	out.Latency = time.Since(start)
	out.StatusCode = resp.StatusCode

	span.SetAttributes(
		attribute.Int("http.status_code", resp.StatusCode),
		attribute.Int64("http.latency_ms", out.Latency.Milliseconds()),
	)
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		out.Err = &StatusError{Code: resp.StatusCode}
		tracing.SetSpanError(ctx, out.Err)
	}
	return out
}
