package delivery

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strings"
	"syscall"
	"time"
)

// StatusError is the failure cause for a non-2xx response.
type StatusError struct {
	Code int
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("unexpected status %d %s", e.Code, http.StatusText(e.Code))
}

// Outcome is the result of one attempt against one endpoint. Err is nil on
// success; StatusCode is zero when no response was received.
type Outcome struct {
	Endpoint   string
	StatusCode int
	Latency    time.Duration
	Err        error
}

func (o Outcome) OK() bool {
	return o.Err == nil
}

// Reason classifies a failed outcome for metrics and logs.
func (o Outcome) Reason() string {
	return ClassifyReason(o.Err)
}

// ClassifyReason maps a delivery failure to a short metrics label. It
// returns "" for a nil error.
func ClassifyReason(err error) string {
	if err == nil {
		return ""
	}

	var se *StatusError
	if errors.As(err, &se) {
		switch {
		case se.Code >= 500:
			return "http_5xx"
		case se.Code == http.StatusTooManyRequests:
			return "http_429"
		case se.Code >= 400:
			return "http_4xx"
		default:
			return "other"
		}
	}

	if errors.Is(err, context.DeadlineExceeded) {
		return "timeout"
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return "timeout"
	}
	if errors.Is(err, syscall.ECONNREFUSED) {
		return "connection_refused"
	}
	var dnsErr *net.DNSError
	if errors.As(err, &dnsErr) {
		return "dns_error"
	}

	errLower := strings.ToLower(err.Error())
	switch {
	case strings.Contains(errLower, "timeout"):
		return "timeout"
	case strings.Contains(errLower, "connection refused"):
		return "connection_refused"
	case strings.Contains(errLower, "no such host"):
		return "dns_error"
	}
	return "network"
}
