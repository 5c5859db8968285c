package trigger

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/austindbirch/harborguard/internal/config"
	"github.com/austindbirch/harborguard/internal/logging"
	"github.com/austindbirch/harborguard/internal/metrics"
)

// nsqStats is the subset of nsqd's /stats?format=json we read.
type nsqStats struct {
	Topics []struct {
		TopicName string `json:"topic_name"`
		Channels  []struct {
			ChannelName   string `json:"channel_name"`
			Depth         int64  `json:"depth"`
			InFlightCount int64  `json:"in_flight_count"`
		} `json:"channels"`
		Depth int64 `json:"depth"`
	} `json:"topics"`
}

// BacklogMonitor polls nsqd's HTTP stats for the events topic and exports
// channel depth and in-flight gauges.
type BacklogMonitor struct {
	baseURL string
	topic   string
	channel string
	client  *http.Client
	logger  *logging.Logger
}

func NewBacklogMonitor(cfg config.NSQ, logger *logging.Logger) *BacklogMonitor {
	if logger == nil {
		logger = logging.Default()
	}
	base := cfg.NsqdHTTPAddr
	if !strings.HasPrefix(base, "http://") && !strings.HasPrefix(base, "https://") {
		base = "http://" + base
	}
	return &BacklogMonitor{
		baseURL: strings.TrimSuffix(base, "/"),
		topic:   cfg.EventsTopic,
		channel: cfg.WorkerChannel,
		client:  &http.Client{Timeout: 5 * time.Second},
		logger:  logger,
	}
}

// Run polls every interval until ctx is cancelled.
func (b *BacklogMonitor) Run(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		if err := b.Poll(ctx); err != nil {
			b.logger.Plain().WithError(err).Warn("Failed to update NSQ backlog metrics")
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// Poll fetches stats once and updates the gauges.
func (b *BacklogMonitor) Poll(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, b.baseURL+"/stats?format=json&topic="+b.topic, nil)
	if err != nil {
		return err
	}
	resp, err := b.client.Do(req)
	if err != nil {
		return fmt.Errorf("failed to get NSQ stats: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("nsq stats: unexpected status %d", resp.StatusCode)
	}

	var stats nsqStats
	if err := json.NewDecoder(resp.Body).Decode(&stats); err != nil {
		return fmt.Errorf("failed to decode NSQ stats: %w", err)
	}

	for _, topic := range stats.Topics {
		if topic.TopicName != b.topic {
			continue
		}
		for _, ch := range topic.Channels {
			metrics.RecordChannel(topic.TopicName, ch.ChannelName, ch.Depth, ch.InFlightCount, ch.ChannelName == b.channel)
		}
	}
	return nil
}
