package ingest

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"

	"github.com/austindbirch/harbor_fanout/internal/delivery"
	"github.com/austindbirch/harbor_fanout/internal/dispatch"
	"github.com/austindbirch/harbor_fanout/internal/logging"
	"github.com/austindbirch/harbor_fanout/internal/metrics"
	"github.com/austindbirch/harbor_fanout/internal/tracing"
)

// DefaultTopic is the NSQ topic fan-out jobs are published to.
const DefaultTopic = "fanout"

const maxRequestBytes = 1 << 20

var (
	ErrNoEndpoints  = errors.New("endpoints must not be empty")
	ErrEmptyPayload = errors.New("payload must be a JSON value")
)

// Publisher is satisfied by *nsq.Producer.
type Publisher interface {
	Publish(topic string, body []byte) error
}

// Deliverer runs a fan-out inline. *dispatch.Dispatcher implements it.
type Deliverer interface {
	Deliver(ctx context.Context, endpoints []string, payload []byte, secret string) (dispatch.Result, error)
}

// FanoutRequest is the body of POST /v1/fanout.
type FanoutRequest struct {
	Endpoints    []string        `json:"endpoints"`
	SharedSecret string          `json:"shared_secret,omitempty"`
	Payload      json.RawMessage `json:"payload"`
}

func (r FanoutRequest) Validate() error {
	if len(r.Endpoints) == 0 {
		return ErrNoEndpoints
	}
	if len(r.Payload) == 0 || string(r.Payload) == "null" {
		return ErrEmptyPayload
	}
	return nil
}

type FanoutResponse struct {
	FanoutID  string           `json:"fanout_id"`
	Endpoints int              `json:"endpoints"`
	Success   *bool            `json:"success,omitempty"`
	Outcomes  []OutcomeSummary `json:"outcomes,omitempty"`
	Causes    []string         `json:"causes,omitempty"`
}

type OutcomeSummary struct {
	Endpoint   string `json:"endpoint"`
	StatusCode int    `json:"status_code,omitempty"`
	LatencyMS  int64  `json:"latency_ms"`
	OK         bool   `json:"ok"`
	Reason     string `json:"reason,omitempty"`
	Error      string `json:"error,omitempty"`
}

// Server exposes the fan-out HTTP API.
type Server struct {
	pub    Publisher
	topic  string
	disp   Deliverer
	newID  func() string
	logger *logging.Logger
}

type Option func(*Server)

// WithTopic overrides DefaultTopic.
func WithTopic(topic string) Option {
	return func(s *Server) {
		if topic != "" {
			s.topic = topic
		}
	}
}

// WithIDGenerator replaces uuid.NewString for fan-out ids.
func WithIDGenerator(fn func() string) Option {
	return func(s *Server) { s.newID = fn }
}

func WithLogger(l *logging.Logger) Option {
	return func(s *Server) { s.logger = l }
}

// NewServer inits a Server. disp may be nil, in which case sync requests
// are rejected.
func NewServer(pub Publisher, disp Deliverer, opts ...Option) *Server {
	s := &Server{
		pub:    pub,
		topic:  DefaultTopic,
		disp:   disp,
		newID:  uuid.NewString,
		logger: logging.New("harborfanout-ingest"),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Register mounts the API routes on mux.
func (s *Server) Register(mux *http.ServeMux) {
	mux.HandleFunc("POST /v1/fanout", s.handleFanout)
	mux.HandleFunc("GET /v1/ping", s.handlePing)
}

func (s *Server) handlePing(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"message": "pong"})
}

func (s *Server) handleFanout(w http.ResponseWriter, r *http.Request) {
	ctx, span := tracing.StartSpan(r.Context(), "ingest.Fanout")
	defer span.End()

	var req FanoutRequest
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxRequestBytes))
	if err := dec.Decode(&req); err != nil {
		tracing.SetSpanError(ctx, err)
		writeError(w, http.StatusBadRequest, fmt.Errorf("invalid request body: %w", err))
		return
	}
	if err := req.Validate(); err != nil {
		tracing.SetSpanError(ctx, err)
		writeError(w, http.StatusBadRequest, err)
		return
	}

	fanoutID := s.newID()
	span.SetAttributes(
		tracing.FanoutID(fanoutID),
		attribute.Int("endpoints", len(req.Endpoints)),
	)

	sync, _ := strconv.ParseBool(r.URL.Query().Get("sync"))
	if sync {
		s.deliverInline(ctx, w, fanoutID, req)
		return
	}

	job := delivery.NewJob(fanoutID, req.Endpoints, req.SharedSecret, req.Payload)
	job.TraceHeaders = tracing.InjectHeaders(ctx)
	body, err := json.Marshal(job)
	if err != nil {
		tracing.SetSpanError(ctx, err)
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	if err := s.pub.Publish(s.topic, body); err != nil {
		tracing.SetSpanError(ctx, err)
		s.logger.WithContext(ctx).WithFanout(fanoutID).WithError(err).Error("nsq publish failed")
		writeError(w, http.StatusServiceUnavailable, fmt.Errorf("nsq publish: %w", err))
		return
	}
	tracing.AddSpanEvent(ctx, "nsq.published_job", attribute.String("topic", s.topic))
	metrics.RecordJobPublished()

	s.logger.WithContext(ctx).WithFanout(fanoutID).
		WithField("endpoints", len(req.Endpoints)).
		Info("fan-out job published")
	writeJSON(w, http.StatusAccepted, FanoutResponse{FanoutID: fanoutID, Endpoints: len(req.Endpoints)})
}

func (s *Server) deliverInline(ctx context.Context, w http.ResponseWriter, fanoutID string, req FanoutRequest) {
	if s.disp == nil {
		writeError(w, http.StatusNotImplemented, errors.New("synchronous delivery is disabled"))
		return
	}

	res, err := s.disp.Deliver(ctx, req.Endpoints, req.Payload, req.SharedSecret)
	success := err == nil
	resp := FanoutResponse{
		FanoutID:  fanoutID,
		Endpoints: len(req.Endpoints),
		Success:   &success,
		Outcomes:  summarize(res.Outcomes),
	}

	status := http.StatusOK
	var fe *dispatch.FanoutError
	if errors.As(err, &fe) {
		status = http.StatusBadGateway
		for _, c := range fe.Causes {
			resp.Causes = append(resp.Causes, c.Error())
		}
	} else if err != nil {
		status = http.StatusBadGateway
		resp.Causes = []string{err.Error()}
	}

	s.logger.WithContext(ctx).WithFanout(fanoutID).
		WithFields(map[string]any{"attempted": len(res.Outcomes), "success": success}).
		Info("inline fan-out finished")
	writeJSON(w, status, resp)
}

func summarize(outcomes []delivery.Outcome) []OutcomeSummary {
	out := make([]OutcomeSummary, 0, len(outcomes))
	for _, o := range outcomes {
		sum := OutcomeSummary{
			Endpoint:   o.Endpoint,
			StatusCode: o.StatusCode,
			LatencyMS:  o.Latency.Milliseconds(),
			OK:         o.OK(),
			Reason:     o.Reason(),
		}
		if o.Err != nil {
			sum.Error = o.Err.Error()
		}
		out = append(out, sum)
	}
	return out
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, err error) {
	writeJSON(w, status, map[string]string{"error": err.Error()})
}
