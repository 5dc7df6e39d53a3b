// Package dispatch fans one payload out to a small set of webhook endpoints.
//
// Every eligible endpoint is attempted exactly once per call, concurrently.
// The call succeeds when at least one endpoint accepts the payload; it fails
// only when every attempted endpoint failed. Endpoints that keep failing are
// skipped for a while through the shared health cache.
package dispatch

import (
	"context"
	"fmt"
	"net/url"
	"strings"

	"go.opentelemetry.io/otel/attribute"
	"golang.org/x/sync/errgroup"

	"github.com/austindbirch/harbor_fanout/internal/delivery"
	"github.com/austindbirch/harbor_fanout/internal/healthcache"
	"github.com/austindbirch/harbor_fanout/internal/logging"
	"github.com/austindbirch/harbor_fanout/internal/metrics"
	"github.com/austindbirch/harbor_fanout/internal/signing"
	"github.com/austindbirch/harbor_fanout/internal/tracing"
)

// MaxEndpoints is the most endpoints a single call will consider. Extra
// endpoints are dropped in input order.
const MaxEndpoints = 5

// Attempter performs one delivery attempt. *delivery.Sender implements it.
type Attempter interface {
	Attempt(ctx context.Context, endpoint string, payload []byte, signature string) delivery.Outcome
}

// Result is the aggregate of one fan-out call. Outcomes follow the order of
// the endpoints that were attempted.
type Result struct {
	Success  bool
	Outcomes []delivery.Outcome
}

// Failed returns the outcomes that did not succeed.
func (r Result) Failed() []delivery.Outcome {
	var failed []delivery.Outcome
	for _, o := range r.Outcomes {
		if !o.OK() {
			failed = append(failed, o)
		}
	}
	return failed
}

// FanoutError is returned when every attempted endpoint failed. Causes holds
// one error per attempted endpoint, in attempt order.
type FanoutError struct {
	Causes []error
}

func (e *FanoutError) Error() string {
	parts := make([]string, len(e.Causes))
	for i, c := range e.Causes {
		parts[i] = c.Error()
	}
	return fmt.Sprintf("all %d endpoints failed: %s", len(e.Causes), strings.Join(parts, "; "))
}

func (e *FanoutError) Unwrap() []error {
	return e.Causes
}

type Dispatcher struct {
	health *healthcache.Cache
	sender Attempter
	logger *logging.Logger
}

type Option func(*Dispatcher)

func WithLogger(l *logging.Logger) Option {
	return func(d *Dispatcher) {
		if l != nil {
			d.logger = l
		}
	}
}

// New builds a dispatcher around health and sender. A nil health cache gets
// a fresh default one; a nil sender gets a default *delivery.Sender.
func New(health *healthcache.Cache, sender Attempter, opts ...Option) *Dispatcher {
	if health == nil {
		health = healthcache.New(healthcache.DefaultConfig())
	}
	if sender == nil {
		sender = delivery.NewSender(nil)
	}
	d := &Dispatcher{
		health: health,
		sender: sender,
		logger: logging.New("harborfanout-dispatch"),
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Health returns the cache used to gate endpoints.
func (d *Dispatcher) Health() *healthcache.Cache {
	return d.health
}

// Deliver sends payload to the eligible subset of endpoints and blocks until
// every attempt has finished. A *FanoutError is returned only when all
// attempts failed; the Result is populated either way.
func (d *Dispatcher) Deliver(ctx context.Context, endpoints []string, payload []byte, secret string) (Result, error) {
	ctx, span := tracing.StartSpan(ctx, "fanout.deliver",
		attribute.Int("endpoints.requested", len(endpoints)),
	)
	defer span.End()

	eligible := d.eligible(ctx, endpoints)
	span.SetAttributes(attribute.Int("endpoints.eligible", len(eligible)))
	if len(eligible) == 0 {
		metrics.RecordFanout("noop")
		return Result{Success: true}, nil
	}

	signature, _ := signing.Sign(secret, payload)

	outcomes := make([]delivery.Outcome, len(eligible))
	var g errgroup.Group
	g.SetLimit(MaxEndpoints)
	for i, ep := range eligible {
		g.Go(func() error {
			outcomes[i] = d.sender.Attempt(ctx, ep, payload, signature)
			return nil
		})
	}
	_ = g.Wait()

	res := Result{Outcomes: outcomes}
	var causes []error
	for _, o := range outcomes {
		metrics.RecordAttempt(o.OK(), o.Reason(), o.Latency)
		if o.OK() {
			res.Success = true
			continue
		}
		failures := d.health.RecordFailure(o.Endpoint)
		causes = append(causes, fmt.Errorf("%s: %w", o.Endpoint, o.Err))
		d.logger.WithContext(ctx).
			WithEndpoint(o.Endpoint).
			WithError(o.Err).
			WithFields(map[string]any{
				"status":   o.StatusCode,
				"reason":   o.Reason(),
				"failures": failures,
			}).
			Warn("endpoint delivery failed")
	}

	switch {
	case len(causes) == 0:
		metrics.RecordFanout("success")
	case res.Success:
		metrics.RecordFanout("partial")
	default:
		metrics.RecordFanout("failed")
		err := &FanoutError{Causes: causes}
		tracing.SetSpanError(ctx, err)
		return res, err
	}
	return res, nil
}

// eligible truncates endpoints to MaxEndpoints, then drops malformed URLs and
// endpoints the health cache currently suppresses. The input is not modified.
func (d *Dispatcher) eligible(ctx context.Context, endpoints []string) []string {
	capped := endpoints
	if len(capped) > MaxEndpoints {
		metrics.RecordDropped("cap", len(capped)-MaxEndpoints)
		capped = capped[:MaxEndpoints]
	}

	out := make([]string, 0, len(capped))
	malformed := 0
	for _, ep := range capped {
		if !IsWellFormedURL(ep) {
			malformed++
			continue
		}
		if !d.health.IsAllowed(ep) {
			metrics.RecordSuppressed()
			d.logger.WithContext(ctx).WithEndpoint(ep).Debug("endpoint suppressed by health cache")
			continue
		}
		out = append(out, ep)
	}
	metrics.RecordDropped("malformed", malformed)
	return out
}

// IsWellFormedURL reports whether s parses as a URL with both a scheme and a
// host.
func IsWellFormedURL(s string) bool {
	u, err := url.Parse(s)
	if err != nil {
		return false
	}
	return u.Scheme != "" && u.Host != ""
}
