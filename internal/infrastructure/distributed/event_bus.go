package distributed

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"streamsight/internal/core/domain"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

type EventType string

const (
	EventReportCreated EventType = "report.created"
	EventReportDeleted EventType = "report.deleted"
)

const eventsChannel = "streamsight:events"

// Event is one store change broadcast between API instances.
type Event struct {
	Type       EventType       `json:"type"`
	InstanceID string          `json:"instance_id"`
	Timestamp  time.Time       `json:"timestamp"`
	ReportID   domain.ReportID `json:"report_id,omitempty"`
}

// EventBus publishes report events over Redis pub/sub so every instance can
// drop its cached copies.
type EventBus struct {
	client     redis.UniversalClient
	instanceID string
	channel    string
	logger     *zap.SugaredLogger

	mu     sync.Mutex
	pubsub *redis.PubSub
}

func NewEventBus(client redis.UniversalClient, instanceID string, logger *zap.SugaredLogger) *EventBus {
	return &EventBus{
		client:     client,
		instanceID: instanceID,
		channel:    eventsChannel,
		logger:     logger,
	}
}

// Publish stamps and sends event. Failures are logged as well as returned.
func (eb *EventBus) Publish(ctx context.Context, event *Event) error {
	event.InstanceID = eb.instanceID
	event.Timestamp = time.Now().UTC()

	data, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("failed to marshal event: %w", err)
	}

	if err := eb.client.Publish(ctx, eb.channel, data).Err(); err != nil {
		eb.logger.Warnw("Failed to publish event", "type", event.Type, "error", err)
		return fmt.Errorf("failed to publish event: %w", err)
	}

	eb.logger.Debugw("Published event", "type", event.Type, "report_id", event.ReportID)
	return nil
}

func (eb *EventBus) PublishReportCreated(ctx context.Context, id domain.ReportID) error {
	return eb.Publish(ctx, &Event{Type: EventReportCreated, ReportID: id})
}

func (eb *EventBus) PublishReportDeleted(ctx context.Context, id domain.ReportID) error {
	return eb.Publish(ctx, &Event{Type: EventReportDeleted, ReportID: id})
}

// Subscribe blocks, calling handler for every event sent by another
// instance, until ctx ends or Close is called.
func (eb *EventBus) Subscribe(ctx context.Context, handler func(*Event) error) error {
	eb.mu.Lock()
	if eb.pubsub != nil {
		eb.mu.Unlock()
		return fmt.Errorf("already subscribed")
	}
	pubsub := eb.client.Subscribe(ctx, eb.channel)
	eb.pubsub = pubsub
	eb.mu.Unlock()
	defer pubsub.Close()

	ch := pubsub.Channel()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case msg, ok := <-ch:
			if !ok {
				return nil
			}
			eb.dispatch(msg.Payload, handler)
		}
	}
}

func (eb *EventBus) dispatch(payload string, handler func(*Event) error) {
	var event Event
	if err := json.Unmarshal([]byte(payload), &event); err != nil {
		eb.logger.Warnw("Failed to unmarshal event", "error", err, "payload", payload)
		return
	}
	if event.InstanceID == eb.instanceID {
		return
	}
	if err := handler(&event); err != nil {
		eb.logger.Warnw("Error handling event", "type", event.Type, "error", err)
	}
}

func (eb *EventBus) Close() error {
	eb.mu.Lock()
	defer eb.mu.Unlock()
	if eb.pubsub != nil {
		return eb.pubsub.Close()
	}
	return nil
}
