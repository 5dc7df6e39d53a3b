package delivery

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"syscall"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/austindbirch/harbor_fanout/internal/signing"
)

func TestSenderAttempt(t *testing.T) {
	tests := []struct {
		name       string
		status     int
		body       string
		wantOK     bool
		wantReason string
	}{
		{name: "200 ok", status: http.StatusOK, body: "ok", wantOK: true},
		{name: "204 no content", status: http.StatusNoContent, wantOK: true},
		{name: "200 with a body that claims to be JSON but is not", status: http.StatusOK, body: "I lied, this is not JSON", wantOK: true},
		{name: "503 unavailable", status: http.StatusServiceUnavailable, body: "down", wantReason: "http_5xx"},
		{name: "404 not found", status: http.StatusNotFound, wantReason: "http_4xx"},
		{name: "429 throttled", status: http.StatusTooManyRequests, wantReason: "http_429"},
		{name: "304 not modified is not success", status: http.StatusNotModified, wantReason: "other"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.Header().Set("Content-Type", "application/json")
				w.WriteHeader(tt.status)
				_, _ = io.WriteString(w, tt.body)
			}))
			defer srv.Close()

			out := NewSender(srv.Client()).Attempt(context.Background(), srv.URL, []byte(`{"a":1}`), "")

			assert.Equal(t, srv.URL, out.Endpoint)
			assert.Equal(t, tt.status, out.StatusCode)
			assert.Equal(t, tt.wantOK, out.OK())
			if tt.wantOK {
				assert.NoError(t, out.Err)
				return
			}
			var se *StatusError
			require.ErrorAs(t, out.Err, &se)
			assert.Equal(t, tt.status, se.Code)
			assert.Equal(t, tt.wantReason, out.Reason())
		})
	}
}

func TestSenderRequestShape(t *testing.T) {
	payload := []byte(`{"a":1}`)
	sig, _ := signing.Sign("teehee", payload)

	type captured struct {
		method, contentType, signature string
		body                           []byte
	}
	seen := make(chan captured, 1)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		seen <- captured{
			method:      r.Method,
			contentType: r.Header.Get("Content-Type"),
			signature:   r.Header.Get(signing.Header),
			body:        body,
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	out := NewSender(srv.Client()).Attempt(context.Background(), srv.URL, payload, sig)
	require.True(t, out.OK())

	got := <-seen
	assert.Equal(t, http.MethodPost, got.method)
	assert.Equal(t, "application/json", got.contentType)
	assert.Equal(t, sig, got.signature)
	assert.Equal(t, payload, got.body)
	assert.True(t, signing.Verify("teehee", got.body, got.signature))
}

func TestSenderNoSignatureHeaderWithoutSecret(t *testing.T) {
	var present atomic.Bool
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, ok := r.Header[signing.Header]
		present.Store(ok)
	}))
	defer srv.Close()

	out := NewSender(srv.Client()).Attempt(context.Background(), srv.URL, []byte(`{}`), "")
	require.True(t, out.OK())
	assert.False(t, present.Load())
}

func TestSenderCustomSignatureHeader(t *testing.T) {
	got := make(chan string, 1)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got <- r.Header.Get("X-Hub-Signature")
	}))
	defer srv.Close()

	s := NewSender(srv.Client(), WithSignatureHeader("X-Hub-Signature"))
	out := s.Attempt(context.Background(), srv.URL, []byte(`{}`), "abc123")
	require.True(t, out.OK())
	assert.Equal(t, "abc123", <-got)
}

func TestSenderDrainsLargeBody(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = io.WriteString(w, strings.Repeat("x", 4<<20))
	}))
	defer srv.Close()

	out := NewSender(srv.Client(), WithMaxDrain(1024)).Attempt(context.Background(), srv.URL, []byte(`{}`), "")
	assert.True(t, out.OK())
	assert.Equal(t, http.StatusOK, out.StatusCode)
}

func TestSenderConnectionRefused(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	url := srv.URL
	srv.Close()

	out := NewSender(nil).Attempt(context.Background(), url, []byte(`{}`), "")
	require.False(t, out.OK())
	assert.Zero(t, out.StatusCode)
	assert.Equal(t, "connection_refused", out.Reason())
}

func TestSenderTimeout(t *testing.T) {
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-release:
		case <-r.Context().Done():
		}
	}))
	defer srv.Close()
	defer close(release)

	client := srv.Client()
	client.Timeout = 50 * time.Millisecond

	start := time.Now()
	out := NewSender(client).Attempt(context.Background(), srv.URL, []byte(`{}`), "")
	assert.Less(t, time.Since(start), 5*time.Second)
	require.False(t, out.OK())
	assert.Equal(t, "timeout", out.Reason())
}

func TestSenderBadURL(t *testing.T) {
	out := NewSender(nil).Attempt(context.Background(), "://nope", []byte(`{}`), "")
	assert.False(t, out.OK())
	assert.Contains(t, out.Err.Error(), "build request")
}

func TestClassifyReason(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want string
	}{
		{name: "nil", err: nil, want: ""},
		{name: "5xx", err: &StatusError{Code: 502}, want: "http_5xx"},
		{name: "wrapped 4xx", err: fmt.Errorf("attempt: %w", &StatusError{Code: 410}), want: "http_4xx"},
		{name: "429", err: &StatusError{Code: 429}, want: "http_429"},
		{name: "deadline", err: context.DeadlineExceeded, want: "timeout"},
		{name: "refused", err: &net.OpError{Op: "dial", Err: syscall.ECONNREFUSED}, want: "connection_refused"},
		{name: "dns", err: &net.DNSError{Err: "no such host", Name: "nope.invalid"}, want: "dns_error"},
		{name: "timeout text", err: errors.New("i/o timeout"), want: "timeout"},
		{name: "other network", err: errors.New("connection reset by peer"), want: "network"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, ClassifyReason(tt.err))
		})
	}
}
