package worker

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"wingman/internal/events"
	"wingman/internal/models"
	"wingman/internal/service/ai"
)

type mockAssistant struct {
	mu            sync.Mutex
	nextID        int
	conversations map[string]*models.Conversation
	messages      map[string][]models.Message
	loads         int
}

func newMockAssistant() *mockAssistant {
	return &mockAssistant{
		conversations: make(map[string]*models.Conversation),
		messages:      make(map[string][]models.Message),
	}
}

func (m *mockAssistant) CreateConversation(_ context.Context, userID int64, title string) (*models.Conversation, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.nextID++
	now := time.Now().UTC()
	conv := &models.Conversation{
		ID:            fmt.Sprintf("conv-%d", m.nextID),
		UserID:        userID,
		Title:         title,
		CreatedAt:     now,
		LastMessageAt: now,
	}
	m.conversations[conv.ID] = conv
	return conv, nil
}

func (m *mockAssistant) GetConversationWithMessages(_ context.Context, userID int64, conversationID string) (*models.Conversation, []models.Message, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.loads++
	conv, ok := m.conversations[conversationID]
	if !ok || conv.UserID != userID {
		return nil, nil, sql.ErrNoRows
	}
	c := *conv
	return &c, append([]models.Message(nil), m.messages[conversationID]...), nil
}

func (m *mockAssistant) AddMessage(_ context.Context, msg models.Message) (*models.Message, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	conv, ok := m.conversations[msg.ConversationID]
	if !ok || conv.UserID != msg.UserID {
		return nil, sql.ErrNoRows
	}
	m.nextID++
	msg.ID = fmt.Sprintf("msg-%d", m.nextID)
	msg.CreatedAt = time.Now().UTC()
	conv.LastMessageAt = msg.CreatedAt
	m.messages[msg.ConversationID] = append(m.messages[msg.ConversationID], msg)
	return &msg, nil
}

func (m *mockAssistant) SetImageDescription(_ context.Context, userID int64, messageID, description string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for convID, msgs := range m.messages {
		for i := range msgs {
			if msgs[i].ID == messageID && msgs[i].UserID == userID {
				m.messages[convID][i].ImageDescription = &description
				return nil
			}
		}
	}
	return sql.ErrNoRows
}

func (m *mockAssistant) RenameConversation(_ context.Context, userID int64, conversationID, title string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	conv, ok := m.conversations[conversationID]
	if !ok || conv.UserID != userID {
		return sql.ErrNoRows
	}
	conv.Title = title
	return nil
}

func (m *mockAssistant) stored(conversationID string) []models.Message {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]models.Message(nil), m.messages[conversationID]...)
}

func (m *mockAssistant) loadCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.loads
}

type fakeAI struct {
	mu        sync.Mutex
	histories [][]models.Message
	users     []int64
	describe  string
	streamErr error
	titleErr  error
}

func (f *fakeAI) DescribeImages(_ context.Context, urls []string, _ string) (string, error) {
	if f.describe == "" {
		return "", nil
	}
	return fmt.Sprintf("%s (%d)", f.describe, len(urls)), nil
}

func (f *fakeAI) StreamReply(ctx context.Context, history []models.Message, latest models.Message, onChunk func(string) error) (string, error) {
	f.mu.Lock()
	f.histories = append(f.histories, append([]models.Message(nil), history...))
	if uid, ok := ai.UserFromContext(ctx); ok {
		f.users = append(f.users, uid)
	}
	f.mu.Unlock()
	if f.streamErr != nil {
		return "", f.streamErr
	}
	reply := "ai: " + latest.Text()
	for i := 1; i <= len(reply); i += 4 {
		if err := onChunk(reply[:i]); err != nil {
			return "", err
		}
	}
	return reply, nil
}

func (f *fakeAI) GenerateTitle(context.Context, []models.Message) (string, error) {
	if f.titleErr != nil {
		return "", f.titleErr
	}
	return "fake-title", nil
}

type capturePublisher struct {
	mu    sync.Mutex
	types []string
}

func (p *capturePublisher) Publish(_ context.Context, _, _ string, _ []byte, headers map[string]string) error {
	p.mu.Lock()
	p.types = append(p.types, headers["event-type"])
	p.mu.Unlock()
	return nil
}

func (p *capturePublisher) Close() error { return nil }

func (p *capturePublisher) count(eventType string) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	n := 0
	for _, t := range p.types {
		if t == eventType {
			n++
		}
	}
	return n
}

func newTestManager(t *testing.T, asst Assistant, aiSvc AI, opts ...Option) *Manager {
	t.Helper()
	m := NewManager(asst, aiSvc, DispatcherConfig{MinWorkers: 2, MaxWorkers: 2, QueueSize: 10}, opts...)
	t.Cleanup(m.Close)
	return m
}

func TestManagerSendCreatesConversation(t *testing.T) {
	asst := newMockAssistant()
	fake := &fakeAI{}
	pub := &capturePublisher{}
	manager := newTestManager(t, asst, fake, WithEmitter(events.NewEmitter(pub, events.NewTopics("test."), nil)))

	var (
		ack    Ack
		acked  int
		chunks []string
	)
	res, err := manager.Send(SendRequest{
		Context:        context.Background(),
		UserID:         1,
		ConversationID: models.NewConversationID,
		Content:        models.StringPtr("hello"),
		AckFn: func(a Ack) error {
			ack = a
			acked++
			return nil
		},
		ChunkFn: func(s string) error {
			chunks = append(chunks, s)
			return nil
		},
	})
	if err != nil {
		t.Fatalf("Send error: %v", err)
	}
	if !res.Created || res.Conversation.ID == "" {
		t.Fatalf("expected a created conversation: %#v", res)
	}
	if acked != 1 || !ack.Created || ack.ConversationID != res.Conversation.ID || ack.Message.ID != res.UserMessage.ID {
		t.Fatalf("unexpected ack %#v", ack)
	}
	if res.Reply.Text() != "ai: hello" || res.Reply.Sender != models.SenderAssistant {
		t.Fatalf("unexpected reply %#v", res.Reply)
	}
	if len(chunks) == 0 || !strings.HasPrefix("ai: hello", chunks[len(chunks)-1]) {
		t.Fatalf("chunks not cumulative: %v", chunks)
	}
	if res.Title != "fake-title" || res.Conversation.Title != "fake-title" {
		t.Fatalf("unexpected title %q / %q", res.Title, res.Conversation.Title)
	}
	if stored := asst.stored(res.Conversation.ID); len(stored) != 2 {
		t.Fatalf("expected 2 stored messages, got %d", len(stored))
	}
	if len(fake.users) != 1 || fake.users[0] != 1 {
		t.Fatalf("user not carried to the model context: %v", fake.users)
	}
	if pub.count(events.TypeConversationCreated) != 1 || pub.count(events.TypeMessageCreated) != 2 || pub.count(events.TypeConversationRenamed) != 1 {
		t.Fatalf("unexpected events %v", pub.types)
	}
}

func TestManagerSendUsesCachedHistory(t *testing.T) {
	asst := newMockAssistant()
	fake := &fakeAI{}
	manager := newTestManager(t, asst, fake)

	first, err := manager.Send(SendRequest{UserID: 2, ConversationID: models.NewConversationID, Content: models.StringPtr("first")})
	if err != nil {
		t.Fatalf("first send: %v", err)
	}
	second, err := manager.Send(SendRequest{UserID: 2, ConversationID: first.Conversation.ID, Content: models.StringPtr("second")})
	if err != nil {
		t.Fatalf("second send: %v", err)
	}
	if second.Created || second.Title != "" {
		t.Fatalf("second send should not create or retitle: %#v", second)
	}
	if asst.loadCount() != 0 {
		t.Fatalf("history should come from the local cache, loaded %d times", asst.loadCount())
	}
	if len(fake.histories) != 2 || len(fake.histories[1]) != 2 {
		t.Fatalf("expected 2 earlier messages on the second turn, got %v", fake.histories)
	}
	if fake.histories[1][0].Text() != "first" || fake.histories[1][1].Text() != "ai: first" {
		t.Fatalf("unexpected history %#v", fake.histories[1])
	}

	manager.Purge(2, first.Conversation.ID)
	if _, err := manager.Send(SendRequest{UserID: 2, ConversationID: first.Conversation.ID, Content: models.StringPtr("third")}); err != nil {
		t.Fatalf("third send: %v", err)
	}
	if asst.loadCount() != 1 {
		t.Fatalf("purged history should reload from storage, loaded %d times", asst.loadCount())
	}
	if got := len(fake.histories[2]); got != 4 {
		t.Fatalf("expected 4 earlier messages after reload, got %d", got)
	}
}

func TestManagerSendDescribesImages(t *testing.T) {
	asst := newMockAssistant()
	fake := &fakeAI{describe: "a chat screenshot"}
	manager := newTestManager(t, asst, fake)

	res, err := manager.Send(SendRequest{
		UserID:         3,
		ConversationID: models.NewConversationID,
		ImageURLs:      []string{"http://img/1.png", "http://img/2.png"},
	})
	if err != nil {
		t.Fatalf("Send error: %v", err)
	}
	if res.UserMessage.ImageDescription == nil || *res.UserMessage.ImageDescription != "a chat screenshot (2)" {
		t.Fatalf("description not attached: %#v", res.UserMessage)
	}
	stored := asst.stored(res.Conversation.ID)
	if stored[0].ImageDescription == nil {
		t.Fatalf("description not stored")
	}
}

func TestManagerSendForeignConversation(t *testing.T) {
	asst := newMockAssistant()
	manager := newTestManager(t, asst, &fakeAI{})

	conv, _ := asst.CreateConversation(context.Background(), 10, "")
	_, err := manager.Send(SendRequest{UserID: 11, ConversationID: conv.ID, Content: models.StringPtr("hi")})
	if !errors.Is(err, sql.ErrNoRows) {
		t.Fatalf("expected sql.ErrNoRows, got %v", err)
	}
}

func TestManagerSendStreamFailureKeepsUserMessage(t *testing.T) {
	asst := newMockAssistant()
	fake := &fakeAI{streamErr: errors.New("model down")}
	manager := newTestManager(t, asst, fake)

	var ack Ack
	_, err := manager.Send(SendRequest{
		UserID:         4,
		ConversationID: models.NewConversationID,
		Content:        models.StringPtr("hello"),
		AckFn: func(a Ack) error {
			ack = a
			return nil
		},
	})
	if err == nil || !strings.Contains(err.Error(), "model down") {
		t.Fatalf("expected stream error, got %v", err)
	}
	if stored := asst.stored(ack.ConversationID); len(stored) != 1 || stored[0].Sender != models.SenderUser {
		t.Fatalf("user message should stay stored: %#v", stored)
	}
}

func TestManagerSendSurvivesClientDisconnect(t *testing.T) {
	asst := newMockAssistant()
	manager := newTestManager(t, asst, &fakeAI{})

	res, err := manager.Send(SendRequest{
		UserID:         5,
		ConversationID: models.NewConversationID,
		Content:        models.StringPtr("are you there"),
		ChunkFn: func(string) error {
			return errors.New("broken pipe")
		},
	})
	if err != nil {
		t.Fatalf("Send error: %v", err)
	}
	if stored := asst.stored(res.Conversation.ID); len(stored) != 2 {
		t.Fatalf("reply should be stored even when the stream is not delivered, got %d", len(stored))
	}
}

func TestManagerSendSkipsCanceledRequest(t *testing.T) {
	asst := newMockAssistant()
	manager := newTestManager(t, asst, &fakeAI{})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := manager.Send(SendRequest{Context: ctx, UserID: 6, ConversationID: models.NewConversationID, Content: models.StringPtr("x")})
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
	if len(asst.conversations) != 0 {
		t.Fatalf("nothing should be stored for a canceled request")
	}
}

func TestManagerTitleFailureIsNotFatal(t *testing.T) {
	asst := newMockAssistant()
	manager := newTestManager(t, asst, &fakeAI{titleErr: errors.New("no title")})

	res, err := manager.Send(SendRequest{UserID: 7, ConversationID: models.NewConversationID, Content: models.StringPtr("hi")})
	if err != nil {
		t.Fatalf("Send error: %v", err)
	}
	if res.Title != "" || res.Conversation.Title != models.DefaultConversationTitle {
		t.Fatalf("title should stay default: %#v", res.Conversation)
	}
}

func TestManagerResetUser(t *testing.T) {
	asst := newMockAssistant()
	manager := newTestManager(t, asst, &fakeAI{})

	if _, err := manager.Send(SendRequest{UserID: 8, ConversationID: models.NewConversationID, Content: models.StringPtr("hi")}); err != nil {
		t.Fatalf("Send error: %v", err)
	}
	if manager.getState(8) == nil {
		t.Fatalf("expected cached state for user")
	}
	manager.ResetUser(8)
	if manager.getState(8) != nil {
		t.Fatalf("user state not removed after reset")
	}
}

func TestManagerIgnoresOwnInvalidation(t *testing.T) {
	manager := newTestManager(t, newMockAssistant(), &fakeAI{})
	state := manager.ensureState(9)
	state.set(models.Conversation{ID: "c1"}, nil)

	manager.handleInvalidation(invalidateMessage{Origin: manager.instanceID, UserID: 9, ConversationID: "c1", Scope: scopeConversation})
	if _, _, ok := state.get("c1"); !ok {
		t.Fatalf("own invalidation should be ignored")
	}
	manager.handleInvalidation(invalidateMessage{Origin: "other", UserID: 9, ConversationID: "c1", Scope: scopeConversation})
	if _, _, ok := state.get("c1"); ok {
		t.Fatalf("conversation should be purged")
	}
	manager.handleInvalidation(invalidateMessage{Origin: "other", UserID: 9, Scope: scopeUser})
	if manager.getState(9) != nil {
		t.Fatalf("user scope should drop state")
	}
}
