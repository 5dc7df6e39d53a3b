package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/austindbirch/harbor_fanout/internal/logging"
	"github.com/austindbirch/harbor_fanout/internal/metrics"
)

type nsqStats struct {
	Topics []struct {
		Name     string `json:"topic_name"`
		Depth    int64  `json:"depth"`
		Channels []struct {
			Name  string `json:"channel_name"`
			Depth int64  `json:"depth"`
		} `json:"channels"`
	} `json:"topics"`
}

// BacklogMonitor polls nsqd's stats endpoint and exports channel depths.
type BacklogMonitor struct {
	statsURL string
	topics   map[string]bool
	client   *http.Client
	logger   *logging.Logger
}

// NewBacklogMonitor watches topics on the nsqd HTTP address (host:port or
// a full URL).
func NewBacklogMonitor(nsqdHTTPAddr string, topics ...string) *BacklogMonitor {
	base := nsqdHTTPAddr
	if !strings.Contains(base, "://") {
		base = "http://" + base
	}
	want := make(map[string]bool, len(topics))
	for _, t := range topics {
		want[t] = true
	}
	return &BacklogMonitor{
		statsURL: strings.TrimRight(base, "/") + "/stats?format=json",
		topics:   want,
		client:   &http.Client{Timeout: 5 * time.Second},
		logger:   logging.New("harborfanout-worker-monitor"),
	}
}

// Poll fetches stats once and updates the depth gauges. Topics without
// channels are reported with channel "".
func (b *BacklogMonitor) Poll(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, b.statsURL, nil)
	if err != nil {
		return err
	}
	resp, err := b.client.Do(req)
	if err != nil {
		return fmt.Errorf("get nsq stats: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("get nsq stats: status %d", resp.StatusCode)
	}

	var stats nsqStats
	if err := json.NewDecoder(resp.Body).Decode(&stats); err != nil {
		return fmt.Errorf("decode nsq stats: %w", err)
	}

	for _, topic := range stats.Topics {
		if !b.topics[topic.Name] {
			continue
		}
		if len(topic.Channels) == 0 {
			metrics.UpdateNSQTopicDepth(topic.Name, "", float64(topic.Depth))
		}
		for _, ch := range topic.Channels {
			metrics.UpdateNSQTopicDepth(topic.Name, ch.Name, float64(ch.Depth))
		}
	}
	return nil
}

// Run polls every interval until ctx is done. Poll errors are logged.
func (b *BacklogMonitor) Run(ctx context.Context, interval time.Duration) error {
	if interval <= 0 {
		return errors.New("backlog monitor: interval must be positive")
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if err := b.Poll(ctx); err != nil {
				b.logger.Plain().WithError(err).Error("nsq stats poll failed")
			}
		}
	}
}
