package events

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"

	"github.com/IBM/sarama"
	"github.com/IBM/sarama/mocks"

	"wingman/internal/config"
)

type recordingPublisher struct {
	mu    sync.Mutex
	sent  []recorded
	err   error
	close int
}

type recorded struct {
	topic   string
	key     string
	payload []byte
	headers map[string]string
}

func (r *recordingPublisher) Publish(_ context.Context, topic, key string, payload []byte, headers map[string]string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sent = append(r.sent, recorded{topic, key, payload, headers})
	return r.err
}

func (r *recordingPublisher) Close() error {
	r.close++
	return nil
}

func TestNewTopics(t *testing.T) {
	topics := NewTopics("wingman.")
	if topics.Messages != "wingman.messages" || topics.Conversations != "wingman.conversations" || topics.Billing != "wingman.billing" {
		t.Fatalf("unexpected topics %+v", topics)
	}
}

func TestEmitterEncodesEnvelope(t *testing.T) {
	pub := &recordingPublisher{}
	em := NewEmitter(pub, NewTopics(""), nil)
	em.Emit(context.Background(), em.Topics().Messages, Event{
		Type:           TypeMessageCreated,
		UserID:         7,
		ConversationID: "c1",
		MessageID:      "m1",
	}, map[string]string{"sender": "user"})

	if len(pub.sent) != 1 {
		t.Fatalf("expected one publish, got %d", len(pub.sent))
	}
	got := pub.sent[0]
	if got.topic != "messages" || got.key != "7" || got.headers["event-type"] != TypeMessageCreated {
		t.Fatalf("unexpected record %+v", got)
	}
	var ev Event
	if err := json.Unmarshal(got.payload, &ev); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if ev.ConversationID != "c1" || ev.MessageID != "m1" || ev.OccurredAt.IsZero() {
		t.Fatalf("unexpected event %+v", ev)
	}
	if string(ev.Data) != `{"sender":"user"}` {
		t.Fatalf("unexpected data %s", ev.Data)
	}
}

func TestEmitterSwallowsPublishErrors(t *testing.T) {
	pub := &recordingPublisher{err: errors.New("broker down")}
	em := NewEmitter(pub, NewTopics(""), nil)
	em.Emit(context.Background(), "billing", Event{Type: TypeSubscriptionChanged, UserID: 1}, nil)
	if len(pub.sent) != 1 {
		t.Fatalf("expected publish attempt")
	}

	var nilEmitter *Emitter
	nilEmitter.Emit(context.Background(), "x", Event{}, nil)
}

func TestNewWithoutBrokersIsNoop(t *testing.T) {
	pub, err := New(config.KafkaConfig{})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if _, ok := pub.(NoopPublisher); !ok {
		t.Fatalf("expected NoopPublisher, got %T", pub)
	}
}

func TestKafkaPublisherSendsMessage(t *testing.T) {
	cfg := mocks.NewTestConfig()
	cfg.Producer.Return.Successes = true
	producer := mocks.NewSyncProducer(t, cfg)
	producer.ExpectSendMessageWithMessageCheckerFunctionAndSucceed(func(msg *sarama.ProducerMessage) error {
		if msg.Topic != "messages" {
			return errors.New("wrong topic " + msg.Topic)
		}
		key, _ := msg.Key.Encode()
		if string(key) != "42" {
			return errors.New("wrong key " + string(key))
		}
		if len(msg.Headers) != 1 || string(msg.Headers[0].Key) != "event-type" {
			return errors.New("missing header")
		}
		return nil
	})
	pub := newKafkaPublisher(producer)
	if err := pub.Publish(context.Background(), "messages", "42", []byte(`{}`), map[string]string{"event-type": "x"}); err != nil {
		t.Fatalf("Publish: %v", err)
	}
	if err := pub.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
}

func TestKafkaPublisherWrapsFailure(t *testing.T) {
	producer := mocks.NewSyncProducer(t, nil)
	producer.ExpectSendMessageAndFail(sarama.ErrOutOfBrokers)
	pub := newKafkaPublisher(producer)
	err := pub.Publish(context.Background(), "billing", "1", []byte(`{}`), nil)
	if !errors.Is(err, sarama.ErrOutOfBrokers) {
		t.Fatalf("expected ErrOutOfBrokers, got %v", err)
	}
	_ = pub.Close()
}
