package ingest

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/austindbirch/harbor_fanout/internal/delivery"
	"github.com/austindbirch/harbor_fanout/internal/dispatch"
	"github.com/austindbirch/harbor_fanout/internal/healthcache"
	"github.com/austindbirch/harbor_fanout/internal/logging"
)

type published struct {
	topic string
	body  []byte
}

type fakePublisher struct {
	mu   sync.Mutex
	msgs []published
	err  error
}

func (p *fakePublisher) Publish(topic string, body []byte) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.err != nil {
		return p.err
	}
	p.msgs = append(p.msgs, published{topic: topic, body: append([]byte(nil), body...)})
	return nil
}

type fakeDeliverer struct {
	res   dispatch.Result
	err   error
	calls int
	got   []string
}

func (d *fakeDeliverer) Deliver(_ context.Context, endpoints []string, _ []byte, _ string) (dispatch.Result, error) {
	d.calls++
	d.got = endpoints
	return d.res, d.err
}

func newTestServer(pub Publisher, disp Deliverer) http.Handler {
	s := NewServer(pub, disp,
		WithIDGenerator(func() string { return "fanout-123" }),
		WithLogger(logging.New("test", logging.WithOutput(io.Discard))),
	)
	mux := http.NewServeMux()
	s.Register(mux)
	return mux
}

func post(t *testing.T, h http.Handler, target, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodPost, target, strings.NewReader(body))
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)
	return w
}

func TestFanoutRequestValidate(t *testing.T) {
	tests := []struct {
		name string
		req  FanoutRequest
		want error
	}{
		{name: "ok", req: FanoutRequest{Endpoints: []string{"http://a"}, Payload: json.RawMessage(`{}`)}},
		{name: "no endpoints", req: FanoutRequest{Payload: json.RawMessage(`{}`)}, want: ErrNoEndpoints},
		{name: "missing payload", req: FanoutRequest{Endpoints: []string{"http://a"}}, want: ErrEmptyPayload},
		{name: "null payload", req: FanoutRequest{Endpoints: []string{"http://a"}, Payload: json.RawMessage(`null`)}, want: ErrEmptyPayload},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.ErrorIs(t, tt.req.Validate(), tt.want)
		})
	}
}

func TestFanoutPublishesJob(t *testing.T) {
	pub := &fakePublisher{}
	h := newTestServer(pub, nil)

	w := post(t, h, "/v1/fanout", `{"endpoints":["http://a.test/hook","http://b.test/hook"],"shared_secret":"s","payload":{"order":7}}`)

	require.Equal(t, http.StatusAccepted, w.Code)
	var resp FanoutResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, "fanout-123", resp.FanoutID)
	assert.Equal(t, 2, resp.Endpoints)
	assert.Nil(t, resp.Success)

	require.Len(t, pub.msgs, 1)
	assert.Equal(t, DefaultTopic, pub.msgs[0].topic)

	var job delivery.Job
	require.NoError(t, json.Unmarshal(pub.msgs[0].body, &job))
	assert.Equal(t, "fanout-123", job.FanoutID)
	assert.Equal(t, []string{"http://a.test/hook", "http://b.test/hook"}, job.Endpoints)
	assert.Equal(t, "s", job.SharedSecret)
	assert.JSONEq(t, `{"order":7}`, string(job.Payload))
	assert.Equal(t, 0, job.Attempt)
	_, err := time.Parse(time.RFC3339, job.PublishedAt)
	assert.NoError(t, err)
}

func TestFanoutCustomTopic(t *testing.T) {
	pub := &fakePublisher{}
	s := NewServer(pub, nil, WithTopic("other"), WithLogger(logging.New("test", logging.WithOutput(io.Discard))))
	mux := http.NewServeMux()
	s.Register(mux)

	w := post(t, mux, "/v1/fanout", `{"endpoints":["http://a.test"],"payload":1}`)
	require.Equal(t, http.StatusAccepted, w.Code)
	require.Len(t, pub.msgs, 1)
	assert.Equal(t, "other", pub.msgs[0].topic)

	var resp FanoutResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.NotEmpty(t, resp.FanoutID, "default generator assigns a uuid")
}

func TestFanoutRejectsBadRequests(t *testing.T) {
	tests := []struct {
		name string
		body string
	}{
		{name: "not json", body: `nope`},
		{name: "no endpoints", body: `{"payload":{}}`},
		{name: "empty endpoints", body: `{"endpoints":[],"payload":{}}`},
		{name: "no payload", body: `{"endpoints":["http://a"]}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			pub := &fakePublisher{}
			w := post(t, newTestServer(pub, nil), "/v1/fanout", tt.body)
			assert.Equal(t, http.StatusBadRequest, w.Code)
			assert.Empty(t, pub.msgs)
		})
	}
}

func TestFanoutPublishError(t *testing.T) {
	pub := &fakePublisher{err: errors.New("nsqd down")}
	w := post(t, newTestServer(pub, nil), "/v1/fanout", `{"endpoints":["http://a"],"payload":{}}`)
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
	assert.Contains(t, w.Body.String(), "nsqd down")
}

func TestFanoutSync(t *testing.T) {
	ok := delivery.Outcome{Endpoint: "http://a.test", StatusCode: 200, Latency: 5 * time.Millisecond}
	bad := delivery.Outcome{Endpoint: "http://b.test", StatusCode: 503, Err: &delivery.StatusError{Code: 503}}

	tests := []struct {
		name        string
		disp        *fakeDeliverer
		wantStatus  int
		wantSuccess bool
		wantCauses  int
	}{
		{
			name:        "partial success",
			disp:        &fakeDeliverer{res: dispatch.Result{Success: true, Outcomes: []delivery.Outcome{ok, bad}}},
			wantStatus:  http.StatusOK,
			wantSuccess: true,
		},
		{
			name: "all failed",
			disp: &fakeDeliverer{
				res: dispatch.Result{Outcomes: []delivery.Outcome{bad}},
				err: &dispatch.FanoutError{Causes: []error{errors.New("http://b.test: unexpected status 503")}},
			},
			wantStatus: http.StatusBadGateway,
			wantCauses: 1,
		},
		{
			name:        "nothing eligible",
			disp:        &fakeDeliverer{res: dispatch.Result{Success: true}},
			wantStatus:  http.StatusOK,
			wantSuccess: true,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			pub := &fakePublisher{}
			w := post(t, newTestServer(pub, tt.disp), "/v1/fanout?sync=true", `{"endpoints":["http://a.test","http://b.test"],"payload":{}}`)

			require.Equal(t, tt.wantStatus, w.Code)
			assert.Empty(t, pub.msgs, "sync requests are not published")
			assert.Equal(t, 1, tt.disp.calls)

			var resp FanoutResponse
			require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
			require.NotNil(t, resp.Success)
			assert.Equal(t, tt.wantSuccess, *resp.Success)
			assert.Len(t, resp.Causes, tt.wantCauses)
			assert.Len(t, resp.Outcomes, len(tt.disp.res.Outcomes))
		})
	}
}

func TestFanoutSyncDisabled(t *testing.T) {
	w := post(t, newTestServer(&fakePublisher{}, nil), "/v1/fanout?sync=1", `{"endpoints":["http://a"],"payload":{}}`)
	assert.Equal(t, http.StatusNotImplemented, w.Code)
}

func TestFanoutSyncEndToEnd(t *testing.T) {
	var hits int
	var mu sync.Mutex
	receiver := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		hits++
		mu.Unlock()
		_, _ = w.Write([]byte("thanks"))
	}))
	defer receiver.Close()

	d := dispatch.New(healthcache.New(healthcache.DefaultConfig()), delivery.NewSender(receiver.Client()),
		dispatch.WithLogger(logging.New("test", logging.WithOutput(io.Discard))))
	h := newTestServer(&fakePublisher{}, d)

	body, _ := json.Marshal(FanoutRequest{
		Endpoints: []string{receiver.URL + "/1", receiver.URL + "/2", "not a url"},
		Payload:   json.RawMessage(`{"hello":"world"}`),
	})
	req := httptest.NewRequest(http.MethodPost, "/v1/fanout?sync=true", bytes.NewReader(body))
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)

	require.Equal(t, http.StatusOK, w.Code)
	var resp FanoutResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	require.Len(t, resp.Outcomes, 2)
	for _, o := range resp.Outcomes {
		assert.True(t, o.OK)
		assert.Equal(t, 200, o.StatusCode)
	}
	mu.Lock()
	assert.Equal(t, 2, hits)
	mu.Unlock()
}

func TestPing(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/v1/ping", nil)
	w := httptest.NewRecorder()
	newTestServer(&fakePublisher{}, nil).ServeHTTP(w, req)

	require.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `{"message":"pong"}`, w.Body.String())
}

func TestFanoutMethodNotAllowed(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/v1/fanout", nil)
	w := httptest.NewRecorder()
	newTestServer(&fakePublisher{}, nil).ServeHTTP(w, req)
	assert.Equal(t, http.StatusMethodNotAllowed, w.Code)
}
