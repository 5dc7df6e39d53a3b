// Package worker consumes fan-out jobs from NSQ and runs them through the
// dispatcher, retrying total failures with backoff until they are dead
// lettered.
package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/nsqio/go-nsq"
	"go.opentelemetry.io/otel/attribute"

	"github.com/austindbirch/harbor_fanout/internal/delivery"
	"github.com/austindbirch/harbor_fanout/internal/dispatch"
	"github.com/austindbirch/harbor_fanout/internal/logging"
	"github.com/austindbirch/harbor_fanout/internal/metrics"
	"github.com/austindbirch/harbor_fanout/internal/tracing"
)

// DefaultDLQTopic receives DeadLetter envelopes when publishing is enabled.
const DefaultDLQTopic = "fanout_dlq"

type Deliverer interface {
	Deliver(ctx context.Context, endpoints []string, payload []byte, secret string) (dispatch.Result, error)
}

// Ledger is satisfied by *store.Ledger.
type Ledger interface {
	RecordFanout(ctx context.Context, job delivery.Job, res dispatch.Result, dispatchErr error) error
	MarkDead(ctx context.Context, fanoutID, reason string) error
}

// Publisher is satisfied by *nsq.Producer.
type Publisher interface {
	Publish(topic string, body []byte) error
}

// Handler implements nsq.Handler for fan-out jobs.
type Handler struct {
	disp     Deliverer
	ledger   Ledger
	dlq      Publisher
	dlqTopic string
	policy   RetryPolicy
	logger   *logging.Logger
}

type Option func(*Handler)

func WithLedger(l Ledger) Option {
	return func(h *Handler) { h.ledger = l }
}

// WithDLQPublisher publishes a DeadLetter to topic for every dead job.
func WithDLQPublisher(p Publisher, topic string) Option {
	return func(h *Handler) {
		h.dlq = p
		if topic != "" {
			h.dlqTopic = topic
		}
	}
}

func WithLogger(l *logging.Logger) Option {
	return func(h *Handler) { h.logger = l }
}

func NewHandler(disp Deliverer, policy RetryPolicy, opts ...Option) *Handler {
	h := &Handler{
		disp:     disp,
		dlqTopic: DefaultDLQTopic,
		policy:   policy,
		logger:   logging.New("harborfanout-worker"),
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// HandleMessage finishes the message on success (including partial
// success) and on undecodable bodies. Total failures are requeued until
// the policy is exhausted, then dead lettered.
func (h *Handler) HandleMessage(m *nsq.Message) error {
	m.DisableAutoResponse() // we manually requeue or finish
	defer func() {
		if !m.HasResponded() {
			h.logger.Plain().Warn("message had no response, finishing")
			m.Finish()
		}
	}()

	var job delivery.Job
	if err := json.Unmarshal(m.Body, &job); err != nil {
		h.logger.Plain().WithError(err).Error("bad job payload")
		metrics.RecordFanout("invalid")
		m.Finish() // terminal: don't retry bad payloads
		return nil
	}

	// nsqd keeps the original body on requeue, so the broker's delivery
	// count is the attempt number.
	job.Attempt = int(m.Attempts)

	ctx := tracing.ExtractHeaders(context.Background(), job.TraceHeaders)
	ctx, span := tracing.StartSpan(ctx, "worker.fanout",
		tracing.FanoutID(job.FanoutID),
		attribute.Int("endpoints", len(job.Endpoints)),
		tracing.Attempt(job.Attempt),
	)
	defer span.End()

	res, err := h.disp.Deliver(ctx, job.Endpoints, job.Payload, job.SharedSecret)

	if h.ledger != nil {
		tracing.AddSpanEvent(ctx, "db.record_fanout")
		if lerr := h.ledger.RecordFanout(ctx, job, res, err); lerr != nil {
			h.logger.WithContext(ctx).WithFanout(job.FanoutID).WithError(lerr).Error("ledger write failed")
		}
	}

	if err == nil {
		span.SetAttributes(attribute.String("fanout.final_status", "delivered"))
		m.Finish()
		return nil
	}

	if h.policy.Exhausted(job.Attempt) {
		h.deadLetter(ctx, job, err)
		span.SetAttributes(attribute.String("fanout.final_status", "dead"))
		m.Finish() // drop from main topic
		return nil
	}

	delay := h.policy.Delay(job.Attempt)
	tracing.AddSpanEvent(ctx, "fanout.requeue",
		tracing.Attempt(job.Attempt),
		attribute.String("delay", delay.String()),
	)
	span.SetAttributes(attribute.String("fanout.final_status", "requeued"))
	h.logger.WithContext(ctx).WithFanout(job.FanoutID).WithFields(map[string]any{
		"attempt": job.Attempt,
		"delay":   delay.String(),
	}).Info("requeue fan-out")
	metrics.RecordJobRetry()
	m.Requeue(delay)
	return nil
}

func (h *Handler) deadLetter(ctx context.Context, job delivery.Job, cause error) {
	const reason = "max_attempts"
	tracing.AddSpanEvent(ctx, "fanout.dlq", tracing.Attempt(job.Attempt))
	metrics.RecordDLQ(reason)

	log := h.logger.WithContext(ctx).WithFanout(job.FanoutID)
	if h.ledger != nil {
		if err := h.ledger.MarkDead(ctx, job.FanoutID, reason); err != nil {
			log.WithError(err).Error("dlq ledger update failed")
			tracing.SetSpanError(ctx, err)
		}
	}

	if h.dlq == nil {
		log.WithError(cause).Warn("fan-out dead")
		return
	}
	env := delivery.NewDeadLetter(job, job.Attempt, causes(cause),
		fmt.Sprintf("max attempts reached (%d)", job.Attempt))
	b, _ := json.Marshal(env)
	if err := h.dlq.Publish(h.dlqTopic, b); err != nil {
		log.WithError(err).Error("dlq publish failed")
		tracing.SetSpanError(ctx, err)
		return
	}
	log.WithField("topic", h.dlqTopic).Info("dlq published")
}

func causes(err error) []string {
	var fe *dispatch.FanoutError
	if !errors.As(err, &fe) {
		return []string{err.Error()}
	}
	out := make([]string, len(fe.Causes))
	for i, c := range fe.Causes {
		out[i] = c.Error()
	}
	return out
}
