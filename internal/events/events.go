package events

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"wingman/internal/config"
)

// Publisher delivers domain events to a broker.
type Publisher interface {
	Publish(ctx context.Context, topic, key string, payload []byte, headers map[string]string) error
	Close() error
}

// Topics holds the resolved topic names for one deployment.
type Topics struct {
	Messages      string
	Conversations string
	Billing       string
}

func NewTopics(prefix string) Topics {
	return Topics{
		Messages:      prefix + "messages",
		Conversations: prefix + "conversations",
		Billing:       prefix + "billing",
	}
}

// Event is the JSON envelope written to every topic.
type Event struct {
	Type           string          `json:"type"`
	UserID         int64           `json:"user_id"`
	ConversationID string          `json:"conversation_id,omitempty"`
	MessageID      string          `json:"message_id,omitempty"`
	OccurredAt     time.Time       `json:"occurred_at"`
	Data           json.RawMessage `json:"data,omitempty"`
}

const (
	TypeMessageCreated      = "message.created"
	TypeConversationCreated = "conversation.created"
	TypeConversationRenamed = "conversation.renamed"
	TypeConversationDeleted = "conversation.deleted"
	TypeSubscriptionChanged = "subscription.changed"
)

// Emitter stamps and serializes events before handing them to a Publisher.
// Publish failures are logged, never returned: events are best effort.
type Emitter struct {
	pub    Publisher
	topics Topics
	logger *slog.Logger
}

func NewEmitter(pub Publisher, topics Topics, logger *slog.Logger) *Emitter {
	if pub == nil {
		pub = NoopPublisher{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Emitter{pub: pub, topics: topics, logger: logger}
}

func (e *Emitter) Topics() Topics {
	return e.topics
}

// Emit publishes ev to topic keyed by the user id so one user's events stay ordered.
func (e *Emitter) Emit(ctx context.Context, topic string, ev Event, data any) {
	if e == nil {
		return
	}
	if ev.OccurredAt.IsZero() {
		ev.OccurredAt = time.Now().UTC()
	}
	if data != nil {
		raw, err := json.Marshal(data)
		if err != nil {
			e.logger.Warn("encode event data", "type", ev.Type, "err", err)
			return
		}
		ev.Data = raw
	}
	payload, err := json.Marshal(ev)
	if err != nil {
		e.logger.Warn("encode event", "type", ev.Type, "err", err)
		return
	}
	key := fmt.Sprintf("%d", ev.UserID)
	if err := e.pub.Publish(ctx, topic, key, payload, map[string]string{"event-type": ev.Type}); err != nil {
		e.logger.Warn("publish event", "topic", topic, "type", ev.Type, "err", err)
	}
}

// New returns a Kafka publisher when brokers are configured, otherwise NoopPublisher.
func New(cfg config.KafkaConfig) (Publisher, error) {
	if len(cfg.Brokers) == 0 {
		return NoopPublisher{}, nil
	}
	return NewKafkaPublisher(cfg.Brokers, nil)
}

// NoopPublisher drops every event.
type NoopPublisher struct{}

func (NoopPublisher) Publish(context.Context, string, string, []byte, map[string]string) error {
	return nil
}

func (NoopPublisher) Close() error { return nil }
