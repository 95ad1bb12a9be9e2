package distributed

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"pepehouse/internal/core/domain"
	"pepehouse/internal/core/ports"
	"pepehouse/pkg/batch"
	"pepehouse/pkg/tracing"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// EventType names a room lifecycle event.
type EventType string

const (
	EventRoomCreated EventType = "room.created"
	EventRoomClosed  EventType = "room.closed"
	EventPeerJoined  EventType = "peer.joined"
	EventPeerLeft    EventType = "peer.left"
)

// Event is what instances exchange on the event channel.
type Event struct {
	Type       EventType     `json:"type"`
	InstanceID string        `json:"instance_id"`
	Timestamp  time.Time     `json:"timestamp"`
	RoomID     domain.RoomID `json:"room_id"`
	PeerID     domain.PeerID `json:"peer_id,omitempty"`
}

// EventBusConfig controls how events are batched before publishing.
type EventBusConfig struct {
	Channel       string
	BatchSize     int
	BatchInterval time.Duration
	// MaxPending bounds the events kept while Redis is unreachable.
	MaxPending int
}

func DefaultEventBusConfig() EventBusConfig {
	return EventBusConfig{
		Channel:       "pepehouse:events",
		BatchSize:     64,
		BatchInterval: 100 * time.Millisecond,
		MaxPending:    4096,
	}
}

// EventBus publishes room lifecycle events on a Redis channel. Publishing
// only queues the event; queued events are sent in pipelined batches so
// that room operations never wait on Redis.
type EventBus struct {
	client     redis.UniversalClient
	cfg        EventBusConfig
	instanceID string
	batcher    *batch.Batcher[[]byte]
	logger     *zap.SugaredLogger

	mu     sync.Mutex
	pubsub *redis.PubSub
}

var _ ports.RoomEventPublisher = (*EventBus)(nil)

func NewEventBus(client redis.UniversalClient, cfg EventBusConfig, instanceID string, logger *zap.SugaredLogger) *EventBus {
	eb := &EventBus{
		client:     client,
		cfg:        cfg,
		instanceID: instanceID,
		logger:     logger,
	}
	eb.batcher = batch.New(batch.Config{
		Size:       cfg.BatchSize,
		Interval:   cfg.BatchInterval,
		MaxPending: cfg.MaxPending,
	}, eb.publishBatch)
	eb.batcher.OnError(func(err error) {
		eb.logger.Warnw("Failed to publish room events", "error", err)
	})
	return eb
}

func (eb *EventBus) publishBatch(ctx context.Context, payloads [][]byte) error {
	ctx, span := tracing.TraceRedisOperation(ctx, "events.publish", eb.cfg.Channel)
	defer span.End()

	_, err := eb.client.Pipelined(ctx, func(pipe redis.Pipeliner) error {
		for _, payload := range payloads {
			pipe.Publish(ctx, eb.cfg.Channel, payload)
		}
		return nil
	})
	if err != nil {
		tracing.RecordError(ctx, err)
		return fmt.Errorf("publish %d events: %w", len(payloads), err)
	}
	return nil
}

// Publish stamps the event with this instance and queues it.
func (eb *EventBus) Publish(ctx context.Context, event Event) error {
	event.InstanceID = eb.instanceID
	event.Timestamp = time.Now()

	data, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("failed to marshal event: %w", err)
	}
	if err := eb.batcher.Add(data); err != nil {
		return fmt.Errorf("failed to queue event: %w", err)
	}

	eb.logger.Debugw("Queued room event",
		"type", event.Type,
		"room_id", event.RoomID,
		"peer_id", event.PeerID,
	)
	return nil
}

func (eb *EventBus) PublishRoomCreated(ctx context.Context, roomID domain.RoomID) error {
	return eb.Publish(ctx, Event{Type: EventRoomCreated, RoomID: roomID})
}

func (eb *EventBus) PublishRoomClosed(ctx context.Context, roomID domain.RoomID) error {
	return eb.Publish(ctx, Event{Type: EventRoomClosed, RoomID: roomID})
}

func (eb *EventBus) PublishPeerJoined(ctx context.Context, roomID domain.RoomID, peerID domain.PeerID) error {
	return eb.Publish(ctx, Event{Type: EventPeerJoined, RoomID: roomID, PeerID: peerID})
}

func (eb *EventBus) PublishPeerLeft(ctx context.Context, roomID domain.RoomID, peerID domain.PeerID) error {
	return eb.Publish(ctx, Event{Type: EventPeerLeft, RoomID: roomID, PeerID: peerID})
}

// Subscribe delivers events from other instances to handler until ctx is
// done. Only one subscription per bus is allowed.
func (eb *EventBus) Subscribe(ctx context.Context, handler func(*Event) error) error {
	eb.mu.Lock()
	if eb.pubsub != nil {
		eb.mu.Unlock()
		return fmt.Errorf("already subscribed")
	}
	pubsub := eb.client.Subscribe(ctx, eb.cfg.Channel)
	eb.pubsub = pubsub
	eb.mu.Unlock()

	defer func() {
		eb.mu.Lock()
		eb.pubsub = nil
		eb.mu.Unlock()
		pubsub.Close()
	}()

	ch := pubsub.Channel()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case msg, ok := <-ch:
			if !ok {
				return nil
			}
			var event Event
			if err := json.Unmarshal([]byte(msg.Payload), &event); err != nil {
				eb.logger.Warnw("Failed to unmarshal event", "error", err, "payload", msg.Payload)
				continue
			}
			if event.InstanceID == eb.instanceID {
				continue
			}
			if err := handler(&event); err != nil {
				eb.logger.Warnw("Error handling event", "type", event.Type, "error", err)
			}
		}
	}
}

// Close flushes queued events and ends any subscription.
func (eb *EventBus) Close() error {
	eb.batcher.Stop()

	eb.mu.Lock()
	pubsub := eb.pubsub
	eb.mu.Unlock()
	if pubsub != nil {
		return pubsub.Close()
	}
	return nil
}
