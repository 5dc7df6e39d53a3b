package delivery

import (
	"encoding/json"
	"time"
)

// Job is the NSQ envelope for one fan-out request.
type Job struct {
	FanoutID     string            `json:"fanout_id"`
	Endpoints    []string          `json:"endpoints"`
	SharedSecret string            `json:"shared_secret,omitempty"`
	Payload      json.RawMessage   `json:"payload"`
	Attempt      int               `json:"attempt"`
	PublishedAt  string            `json:"published_at"`            // RFC3339
	TraceHeaders map[string]string `json:"trace_headers,omitempty"` // OTel trace propagation headers
}

func NewJob(fanoutID string, endpoints []string, secret string, payload []byte) Job {
	eps := make([]string, len(endpoints))
	copy(eps, endpoints)
	return Job{
		FanoutID:     fanoutID,
		Endpoints:    eps,
		SharedSecret: secret,
		Payload:      json.RawMessage(payload),
		PublishedAt:  time.Now().UTC().Format(time.RFC3339),
	}
}
