package distributed

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"meshcall/internal/core/domain"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// EventType represents the type of event
type EventType string

const (
	EventParticipantJoined EventType = "participant.joined"
	EventParticipantLeft   EventType = "participant.left"
)

// Event is a roster change broadcast to every watcher of a room.
type Event struct {
	Type          EventType            `json:"type"`
	InstanceID    string               `json:"instance_id"`
	Timestamp     time.Time            `json:"timestamp"`
	RoomID        domain.RoomID        `json:"room_id"`
	ParticipantID domain.ParticipantID `json:"participant_id,omitempty"`
}

// EventBus publishes room events over Redis pub/sub.
type EventBus struct {
	client     *redis.Client
	instanceID string
	prefix     string
	logger     *zap.SugaredLogger
}

// NewEventBus creates a new event bus
func NewEventBus(client *redis.Client, instanceID string, logger *zap.SugaredLogger) *EventBus {
	return &EventBus{
		client:     client,
		instanceID: instanceID,
		prefix:     "meshcall:events:room:",
		logger:     logger,
	}
}

func (eb *EventBus) channel(room domain.RoomID) string {
	return eb.prefix + string(room)
}

// Publish publishes an event to the room channel
func (eb *EventBus) Publish(ctx context.Context, event *Event) error {
	event.InstanceID = eb.instanceID
	event.Timestamp = time.Now()

	data, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("failed to marshal event: %w", err)
	}

	if err := eb.client.Publish(ctx, eb.channel(event.RoomID), data).Err(); err != nil {
		return fmt.Errorf("failed to publish event: %w", err)
	}

	eb.logger.Debugw("published event",
		"type", event.Type,
		"room_id", event.RoomID,
		"participant_id", event.ParticipantID,
	)

	return nil
}

// Listen subscribes to a room. It returns once Redis has confirmed the
// subscription, so no event published afterwards is missed. The channel is
// closed when ctx is done or the connection is lost.
func (eb *EventBus) Listen(ctx context.Context, room domain.RoomID) (<-chan *Event, error) {
	pubsub := eb.client.Subscribe(ctx, eb.channel(room))
	if _, err := pubsub.Receive(ctx); err != nil {
		pubsub.Close()
		return nil, fmt.Errorf("failed to subscribe to room events: %w", err)
	}

	out := make(chan *Event, 16)
	go func() {
		defer close(out)
		defer pubsub.Close()

		ch := pubsub.Channel()
		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-ch:
				if !ok {
					return
				}
				var event Event
				if err := json.Unmarshal([]byte(msg.Payload), &event); err != nil {
					eb.logger.Warnw("failed to unmarshal event",
						"error", err,
						"payload", msg.Payload,
					)
					continue
				}
				select {
				case out <- &event:
				case <-ctx.Done():
					return
				}
			}
		}
	}()

	return out, nil
}

func (eb *EventBus) PublishParticipantJoined(ctx context.Context, room domain.RoomID, id domain.ParticipantID) error {
	return eb.Publish(ctx, &Event{Type: EventParticipantJoined, RoomID: room, ParticipantID: id})
}

func (eb *EventBus) PublishParticipantLeft(ctx context.Context, room domain.RoomID, id domain.ParticipantID) error {
	return eb.Publish(ctx, &Event{Type: EventParticipantLeft, RoomID: room, ParticipantID: id})
}
