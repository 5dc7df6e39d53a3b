package delivery

import (
	"encoding/json"
	"testing"
	"time"
)

func TestNewJob(t *testing.T) {
	endpoints := []string{"https://a.example/hook", "https://b.example/hook"}
	payload := []byte(`{"type":"track","event":"Signed Up"}`)

	j := NewJob("fanout-123", endpoints, "teehee", payload)

	if j.FanoutID != "fanout-123" {
		t.Errorf("NewJob() FanoutID = %q, want %q", j.FanoutID, "fanout-123")
	}
	if j.SharedSecret != "teehee" {
		t.Errorf("NewJob() SharedSecret = %q, want %q", j.SharedSecret, "teehee")
	}
	if string(j.Payload) != string(payload) {
		t.Errorf("NewJob() Payload = %s, want %s", j.Payload, payload)
	}
	if j.Attempt != 0 {
		t.Errorf("NewJob() Attempt = %d, want 0", j.Attempt)
	}
	if _, err := time.Parse(time.RFC3339, j.PublishedAt); err != nil {
		t.Errorf("NewJob() PublishedAt parse error: %v", err)
	}

	// the job owns its endpoint slice
	endpoints[0] = "https://mutated.example"
	if j.Endpoints[0] != "https://a.example/hook" {
		t.Errorf("NewJob() Endpoints aliased caller slice: %v", j.Endpoints)
	}
}

func TestJobJSON(t *testing.T) {
	j := Job{
		FanoutID:     "fanout-1",
		Endpoints:    []string{"https://a.example/hook"},
		Payload:      json.RawMessage(`{"a":1}`),
		Attempt:      2,
		PublishedAt:  "2024-01-01T12:00:00Z",
		TraceHeaders: map[string]string{"traceparent": "00-4bf92f3577b34da6a3ce929d0e0e4736-00f067aa0ba902b7-01"},
	}

	b, err := json.Marshal(j)
	if err != nil {
		t.Fatalf("json.Marshal() error: %v", err)
	}

	var raw map[string]any
	if err := json.Unmarshal(b, &raw); err != nil {
		t.Fatalf("json.Unmarshal() error: %v", err)
	}
	if _, ok := raw["shared_secret"]; ok {
		t.Error("empty shared_secret should be omitted")
	}
	payload, ok := raw["payload"].(map[string]any)
	if !ok || payload["a"] != float64(1) {
		t.Errorf("payload should be embedded as JSON, got %v", raw["payload"])
	}

	var back Job
	if err := json.Unmarshal(b, &back); err != nil {
		t.Fatalf("json.Unmarshal() error: %v", err)
	}
	if string(back.Payload) != `{"a":1}` {
		t.Errorf("Payload = %s, want %s", back.Payload, `{"a":1}`)
	}
}

func TestNewDeadLetter(t *testing.T) {
	tests := []struct {
		name    string
		job     Job
		attempt int
		causes  []string
		reason  string
	}{
		{
			name: "complete dead letter",
			job: Job{
				FanoutID:  "fanout-123",
				Endpoints: []string{"https://a.example/hook", "https://b.example/hook"},
				Payload:   json.RawMessage(`{"user_id":123}`),
				Attempt:   5,
			},
			attempt: 6,
			causes:  []string{"unexpected status 503 Service Unavailable", "connection refused"},
			reason:  "max attempts reached (6)",
		},
		{
			name:    "minimal dead letter",
			job:     Job{FanoutID: "fanout-minimal"},
			attempt: 1,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			before := time.Now()
			dl := NewDeadLetter(tt.job, tt.attempt, tt.causes, tt.reason)
			after := time.Now()

			if dl.Type != DLQType {
				t.Errorf("NewDeadLetter() Type = %q, want %q", dl.Type, DLQType)
			}
			if dl.Version != "v1" {
				t.Errorf("NewDeadLetter() Version = %q, want %q", dl.Version, "v1")
			}
			if dl.Reason != tt.reason {
				t.Errorf("NewDeadLetter() Reason = %q, want %q", dl.Reason, tt.reason)
			}
			if dl.Attempt != tt.attempt {
				t.Errorf("NewDeadLetter() Attempt = %d, want %d", dl.Attempt, tt.attempt)
			}
			if len(dl.Causes) != len(tt.causes) {
				t.Errorf("NewDeadLetter() Causes = %v, want %v", dl.Causes, tt.causes)
			}
			if dl.Job.FanoutID != tt.job.FanoutID {
				t.Errorf("NewDeadLetter() Job.FanoutID = %q, want %q", dl.Job.FanoutID, tt.job.FanoutID)
			}

			parsedTime, err := time.Parse(time.RFC3339Nano, dl.At)
			if err != nil {
				t.Fatalf("NewDeadLetter() At timestamp parse error: %v", err)
			}
			if parsedTime.Before(before.Truncate(time.Second)) || parsedTime.After(after) {
				t.Errorf("NewDeadLetter() At timestamp %v not between %v and %v", parsedTime, before, after)
			}
		})
	}
}

func TestDLQTypeConstant(t *testing.T) {
	if DLQType != "fanout.dlq" {
		t.Errorf("DLQType = %q, want %q", DLQType, "fanout.dlq")
	}
}
