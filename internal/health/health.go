package health

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/austindbirch/harbor_fanout/internal/healthcache"
)

// Pinger is satisfied by *pgxpool.Pool.
type Pinger interface {
	Ping(ctx context.Context) error
}

type Status struct {
	OK               bool   `json:"ok"`
	Message          string `json:"message,omitempty"`
	Database         bool   `json:"database,omitempty"`
	TrackedEndpoints int    `json:"tracked_endpoints"`
}

// EndpointStatus describes one destination as seen by the health cache.
type EndpointStatus struct {
	URL      string `json:"url"`
	Allowed  bool   `json:"allowed"`
	Failures int    `json:"failures"`
}

// HTTPHandler returns an HTTP handler that reports the health status of the service.
// A nil pinger means the process runs without a database.
func HTTPHandler(pinger Pinger, cache *healthcache.Cache) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		st := Status{OK: true, Message: "ok", Database: true}
		if cache != nil {
			st.TrackedEndpoints = cache.Len()
		}

		w.Header().Set("Content-Type", "application/json")
		if pinger != nil {
			ctx, cancel := context.WithTimeout(r.Context(), 1*time.Second)
			defer cancel()
			if err := pinger.Ping(ctx); err != nil {
				st.OK = false
				st.Message = "db ping failed"
				st.Database = false
				w.WriteHeader(http.StatusServiceUnavailable)
			}
		}
		_ = json.NewEncoder(w).Encode(st)
	}
}

// EndpointHandler reports whether the endpoint named by the url query
// parameter is currently allowed. It never mutates the cache.
func EndpointHandler(cache *healthcache.Cache) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		url := r.URL.Query().Get("url")
		if url == "" {
			w.WriteHeader(http.StatusBadRequest)
			_ = json.NewEncoder(w).Encode(map[string]string{"error": "url query parameter is required"})
			return
		}

		failures, _ := cache.Peek(url)
		_ = json.NewEncoder(w).Encode(EndpointStatus{
			URL:      url,
			Allowed:  failures < cache.Config().Threshold,
			Failures: failures,
		})
	}
}
