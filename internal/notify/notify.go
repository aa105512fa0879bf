// Package notify hands structured scrape outcomes to the notification
// collaborator. The core treats delivery as fire-and-forget glue.
package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"
)

// FailureReport describes one fully-exhausted scrape.
type FailureReport struct {
	URL         string    `json:"url"`
	Domain      string    `json:"domain"`
	FailReasons []string  `json:"fail_reasons"`
	Error       string    `json:"error,omitempty"`
	ArtifactDir string    `json:"artifact_dir,omitempty"`
	OccurredAt  time.Time `json:"occurred_at"`
}

// PriceEvent describes one successful extraction.
type PriceEvent struct {
	URL        string    `json:"url"`
	Domain     string    `json:"domain"`
	Price      float64   `json:"price"`
	Strategy   string    `json:"strategy"`
	OccurredAt time.Time `json:"occurred_at"`
}

// Notifier is the outbound collaborator interface.
type Notifier interface {
	NotifyFailure(ctx context.Context, report FailureReport) error
	NotifyPrice(ctx context.Context, event PriceEvent) error
}

// NopNotifier drops everything. Used when no broker is configured.
type NopNotifier struct{}

func (NopNotifier) NotifyFailure(context.Context, FailureReport) error { return nil }
func (NopNotifier) NotifyPrice(context.Context, PriceEvent) error      { return nil }

// redisStreams is the minimal client surface, narrowed for tests.
type redisStreams interface {
	XAdd(ctx context.Context, args *redis.XAddArgs) *redis.StringCmd
}

// StreamNotifier publishes reports onto a Redis stream for downstream
// consumers (alerting, dashboards).
type StreamNotifier struct {
	client redisStreams
	stream string
	logger *slog.Logger
}

func NewStreamNotifier(client *redis.Client, stream string, logger *slog.Logger) *StreamNotifier {
	return &StreamNotifier{
		client: client,
		stream: stream,
		logger: logger.With("component", "notifier"),
	}
}

func (n *StreamNotifier) NotifyFailure(ctx context.Context, report FailureReport) error {
	return n.publish(ctx, "scrape_failed", report)
}

func (n *StreamNotifier) NotifyPrice(ctx context.Context, event PriceEvent) error {
	return n.publish(ctx, "price_extracted", event)
}

func (n *StreamNotifier) publish(ctx context.Context, eventType string, payload any) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("failed to marshal %s event: %w", eventType, err)
	}

	args := &redis.XAddArgs{
		Stream: n.stream,
		Values: map[string]any{
			"event_type": eventType,
			"payload":    string(data),
		},
	}

	if _, err := n.client.XAdd(ctx, args).Result(); err != nil {
		return fmt.Errorf("failed to publish %s event: %w", eventType, err)
	}

	n.logger.Debug("event published", "type", eventType, "stream", n.stream)
	return nil
}
