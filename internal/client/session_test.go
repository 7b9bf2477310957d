package client

import (
	"context"
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"wingman/internal/client/httpapi"
	"wingman/internal/client/selection"
	"wingman/internal/models"
)

type memoryStorage struct {
	mu     sync.Mutex
	values map[string]string
}

func newMemoryStorage() *memoryStorage {
	return &memoryStorage{values: map[string]string{}}
}

func (m *memoryStorage) Get(key string) (string, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	v, ok := m.values[key]
	return v, ok, nil
}

func (m *memoryStorage) Set(key, value string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.values[key] = value
	return nil
}

func (m *memoryStorage) Remove(key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.values, key)
	return nil
}

// fakeAPI keeps conversations in memory, most recent first.
type fakeAPI struct {
	mu            sync.Mutex
	token         string
	conversations []models.Conversation
	messages      map[string][]models.Message
	nextID        int
}

func newFakeAPI(ids ...string) *fakeAPI {
	f := &fakeAPI{messages: map[string][]models.Message{}}
	for _, id := range ids {
		f.conversations = append(f.conversations, models.Conversation{ID: id, Title: "title " + id})
		f.messages[id] = []models.Message{{ID: id + "-m1", ConversationID: id, Sender: models.SenderUser, Content: models.StringPtr("hi " + id)}}
	}
	return f
}

func (f *fakeAPI) HasSession() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.token != ""
}

func (f *fakeAPI) Login(_ context.Context, email, password string) error {
	if password != "secret123" {
		return &httpapi.APIError{StatusCode: 401, Message: "invalid credentials"}
	}
	f.mu.Lock()
	f.token = "token-" + email
	f.mu.Unlock()
	return nil
}

func (f *fakeAPI) Logout(context.Context) error {
	f.mu.Lock()
	f.token = ""
	f.mu.Unlock()
	return nil
}

func (f *fakeAPI) ListConversations(context.Context) ([]models.Conversation, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.token == "" {
		return nil, httpapi.ErrNoSession
	}
	return append([]models.Conversation(nil), f.conversations...), nil
}

func (f *fakeAPI) ListMessages(_ context.Context, conversationID string) ([]models.Message, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	msgs, ok := f.messages[conversationID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", httpapi.ErrNotFoundOrForbidden, conversationID)
	}
	return append([]models.Message(nil), msgs...), nil
}

func (f *fakeAPI) Send(_ context.Context, p httpapi.SendParams) (*httpapi.SendResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	convID, created := p.ConversationID, false
	if convID == models.NewConversationID {
		f.nextID++
		convID = fmt.Sprintf("n%d", f.nextID)
		created = true
		f.conversations = append([]models.Conversation{{ID: convID, Title: models.DefaultConversationTitle}}, f.conversations...)
	}
	user := models.Message{ID: fmt.Sprintf("%s-u%d", convID, len(f.messages[convID])), ConversationID: convID, Sender: models.SenderUser, Content: p.Content}
	reply := models.Message{ID: user.ID + "-r", ConversationID: convID, Sender: models.SenderAssistant, Content: models.StringPtr("sounds good")}
	f.messages[convID] = append(f.messages[convID], user, reply)
	if p.OnChunk != nil {
		p.OnChunk("sounds good")
	}
	return &httpapi.SendResult{ConversationID: convID, Created: created, UserMessage: user, Reply: &reply}, nil
}

func (f *fakeAPI) RenameConversation(_ context.Context, conversationID, title string) (*models.Conversation, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for i := range f.conversations {
		if f.conversations[i].ID == conversationID {
			f.conversations[i].Title = title
			conv := f.conversations[i]
			return &conv, nil
		}
	}
	return nil, httpapi.ErrNotFoundOrForbidden
}

func (f *fakeAPI) DeleteConversation(_ context.Context, conversationID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for i := range f.conversations {
		if f.conversations[i].ID == conversationID {
			f.conversations = append(f.conversations[:i], f.conversations[i+1:]...)
			delete(f.messages, conversationID)
			return nil
		}
	}
	return httpapi.ErrNotFoundOrForbidden
}

func loggedIn(t *testing.T, api *fakeAPI, storage *memoryStorage) *Session {
	t.Helper()
	s := NewSession(api, storage, nil)
	require.NoError(t, s.Login(context.Background(), "dana@example.com", "secret123"))
	return s
}

func TestLoadConversationsRestoresPersistedSelection(t *testing.T) {
	api := newFakeAPI("c1", "c2")
	storage := newMemoryStorage()
	storage.values[selection.StorageKey] = "c2"
	s := loggedIn(t, api, storage)

	list, err := s.LoadConversations(context.Background())
	require.NoError(t, err)
	assert.Len(t, list, 2)

	active, ok := s.ActiveConversationID()
	require.True(t, ok)
	assert.Equal(t, "c2", active)
	msgs := s.Messages()
	require.Len(t, msgs, 1)
	assert.Equal(t, "c2-m1", msgs[0].ID)
	assert.False(t, s.Loading())
	assert.Nil(t, s.Err())
}

func TestLoadConversationsNeedsSession(t *testing.T) {
	s := NewSession(newFakeAPI("c1"), newMemoryStorage(), nil)
	_, err := s.LoadConversations(context.Background())
	assert.ErrorIs(t, err, httpapi.ErrNoSession)
	_, ok := s.ActiveConversationID()
	assert.False(t, ok)
}

func TestSendFromNewConversationAdoptsServerID(t *testing.T) {
	api := newFakeAPI()
	storage := newMemoryStorage()
	s := loggedIn(t, api, storage)
	ctx := context.Background()

	_, err := s.LoadConversations(ctx)
	require.NoError(t, err)
	active, _ := s.ActiveConversationID()
	assert.Equal(t, models.NewConversationID, active)

	var chunks []string
	res, err := s.SendMessage(ctx, models.StringPtr("she likes hiking"), nil, func(c string) { chunks = append(chunks, c) })
	require.NoError(t, err)
	assert.Equal(t, "n1", res.ConversationID)
	assert.Equal(t, []string{"sounds good"}, chunks)

	active, _ = s.ActiveConversationID()
	assert.Equal(t, "n1", active)
	assert.Equal(t, "n1", storage.values[selection.StorageKey])
	require.Len(t, s.Conversations(), 1)

	msgs := s.Messages()
	require.Len(t, msgs, 2)
	for _, m := range msgs {
		assert.False(t, m.Optimistic)
	}
}

func TestExplicitSelectionSurvivesReload(t *testing.T) {
	api := newFakeAPI("c1", "c2", "c3")
	s := loggedIn(t, api, newMemoryStorage())
	ctx := context.Background()

	_, err := s.LoadConversations(ctx)
	require.NoError(t, err)
	active, _ := s.ActiveConversationID()
	assert.Equal(t, "c1", active)

	require.NoError(t, s.SetActiveConversationID(ctx, "c3"))
	_, err = s.LoadConversations(ctx)
	require.NoError(t, err)
	active, _ = s.ActiveConversationID()
	assert.Equal(t, "c3", active)
	assert.Equal(t, "c3-m1", s.Messages()[0].ID)
}

func TestDeleteActiveConversationFallsBack(t *testing.T) {
	api := newFakeAPI("c1", "c2")
	s := loggedIn(t, api, newMemoryStorage())
	ctx := context.Background()
	_, err := s.LoadConversations(ctx)
	require.NoError(t, err)

	require.NoError(t, s.Delete(ctx, "c1"))
	active, _ := s.ActiveConversationID()
	assert.Equal(t, "c2", active)

	require.NoError(t, s.Delete(ctx, "c2"))
	active, _ = s.ActiveConversationID()
	assert.Equal(t, models.NewConversationID, active)
	assert.Empty(t, s.Messages())
}

func TestSelectingUnavailableConversationFallsBack(t *testing.T) {
	api := newFakeAPI("c1", "c2")
	storage := newMemoryStorage()
	s := loggedIn(t, api, storage)
	ctx := context.Background()
	_, err := s.LoadConversations(ctx)
	require.NoError(t, err)

	err = s.SetActiveConversationID(ctx, "gone")
	require.ErrorIs(t, err, httpapi.ErrNotFoundOrForbidden)

	active, _ := s.ActiveConversationID()
	assert.Equal(t, "c1", active)
	assert.Equal(t, "c1", storage.values[selection.StorageKey])
	require.Len(t, s.Messages(), 1)
	assert.Equal(t, "c1-m1", s.Messages()[0].ID)
	assert.Nil(t, s.Err())
}

func TestConversationDeletedElsewhereFallsBackOnRefresh(t *testing.T) {
	api := newFakeAPI("c1", "c2")
	storage := newMemoryStorage()
	s := loggedIn(t, api, storage)
	ctx := context.Background()
	_, err := s.LoadConversations(ctx)
	require.NoError(t, err)

	require.NoError(t, api.DeleteConversation(ctx, "c1"))
	err = s.Refresh(ctx)
	require.ErrorIs(t, err, httpapi.ErrNotFoundOrForbidden)

	active, _ := s.ActiveConversationID()
	assert.Equal(t, "c2", active)
	assert.Equal(t, "c2", storage.values[selection.StorageKey])
	require.Len(t, s.Conversations(), 1)
	assert.Equal(t, "c2-m1", s.Messages()[0].ID)

	require.NoError(t, api.DeleteConversation(ctx, "c2"))
	require.Error(t, s.Refresh(ctx))
	active, _ = s.ActiveConversationID()
	assert.Equal(t, models.NewConversationID, active)
	assert.Empty(t, s.Messages())
}

func TestRenameUpdatesList(t *testing.T) {
	api := newFakeAPI("c1")
	s := loggedIn(t, api, newMemoryStorage())
	ctx := context.Background()
	_, err := s.LoadConversations(ctx)
	require.NoError(t, err)

	conv, err := s.Rename(ctx, "c1", "Coffee date")
	require.NoError(t, err)
	assert.Equal(t, "Coffee date", conv.Title)
	assert.Equal(t, "Coffee date", s.Conversations()[0].Title)

	_, err = s.Rename(ctx, "missing", "x")
	assert.ErrorIs(t, err, httpapi.ErrNotFoundOrForbidden)
}

func TestLogoutKeepsPersistedSelection(t *testing.T) {
	api := newFakeAPI("c1", "c2")
	storage := newMemoryStorage()
	s := loggedIn(t, api, storage)
	ctx := context.Background()
	_, err := s.LoadConversations(ctx)
	require.NoError(t, err)
	require.NoError(t, s.SetActiveConversationID(ctx, "c2"))

	require.NoError(t, s.Logout(ctx))
	_, ok := s.ActiveConversationID()
	assert.False(t, ok)
	assert.Empty(t, s.Messages())
	assert.Empty(t, s.Conversations())

	require.NoError(t, s.Login(ctx, "dana@example.com", "secret123"))
	_, err = s.LoadConversations(ctx)
	require.NoError(t, err)
	active, _ := s.ActiveConversationID()
	assert.Equal(t, "c2", active)
}
