package main

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/austindbirch/harbor_fanout/internal/config"
	"github.com/austindbirch/harbor_fanout/internal/logging"
	"github.com/austindbirch/harbor_fanout/internal/signing"
)

// okBody is deliberately not JSON; senders must not parse replies.
const okBody = "accepted, thanks"

type receiver struct {
	cfg    config.FakeReceiver
	header string
	count  atomic.Int64
	logger *logging.Logger
}

func newReceiver(cfg config.FakeReceiver, sigHeader string, logger *logging.Logger) *receiver {
	if sigHeader == "" {
		sigHeader = signing.Header
	}
	return &receiver{cfg: cfg, header: sigHeader, logger: logger}
}

func (rc *receiver) routes() *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) { _, _ = w.Write([]byte(`{"ok":true}`)) })
	mux.HandleFunc("/hook", rc.handleHook)
	return mux
}

func (rc *receiver) handleHook(w http.ResponseWriter, r *http.Request) {
	n := rc.count.Add(1)
	b, _ := io.ReadAll(r.Body)
	defer r.Body.Close()

	log := rc.logger.Plain().WithFields(map[string]any{
		"path":    r.URL.Path,
		"request": n,
		"body":    truncate(string(b), 160),
	})

	if rc.cfg.EndpointSecret != "" && !signing.Verify(rc.cfg.EndpointSecret, b, r.Header.Get(rc.header)) {
		log.Warn("signature mismatch")
		http.Error(w, "invalid signature", http.StatusUnauthorized)
		return
	}

	if rc.cfg.ResponseDelayMS > 0 {
		select {
		case <-time.After(time.Duration(rc.cfg.ResponseDelayMS) * time.Millisecond):
		case <-r.Context().Done():
			return
		}
	}

	// Simulate flakiness: first N requests -> 503
	if n <= int64(rc.cfg.FailFirstN) {
		log.Infof("failing %d/%d", n, rc.cfg.FailFirstN)
		http.Error(w, "temporary failure", http.StatusServiceUnavailable)
		return
	}

	log.Info("hook accepted")
	w.Header().Set("Content-Type", "text/plain")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte(okBody))
}

func main() {
	cfg := config.FromEnv()
	logger := logging.New("harborfanout-fake-receiver", logging.WithLevel(logging.ParseLevel(cfg.LogLevel)))
	rc := newReceiver(cfg.FakeReceiver, cfg.Dispatch.SignatureHeader, logger)

	srv := &http.Server{
		Addr:         cfg.FakeReceiver.Port,
		Handler:      rc.routes(),
		ReadTimeout:  cfg.FakeReceiver.ReadTimeout,
		WriteTimeout: cfg.FakeReceiver.WriteTimeout,
		IdleTimeout:  cfg.FakeReceiver.IdleTimeout,
	}
	go func() {
		logger.Plain().WithField("addr", srv.Addr).Info("fake-receiver listening")
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Plain().WithError(err).Fatal("fake-receiver serve failed")
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGTERM, syscall.SIGINT)
	<-stop

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_ = srv.Shutdown(ctx)
	logger.Plain().Info("fake-receiver stopped")
}

// truncate truncates a string to the specified length and adds an ellipsis if truncated
func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return fmt.Sprintf("%s...", s[:n])
}
