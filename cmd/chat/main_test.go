package main

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"wingman/internal/client"
	"wingman/internal/client/httpapi"
	"wingman/internal/models"
)

type memoryStorage struct {
	mu     sync.Mutex
	values map[string]string
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

// fakeServer answers like a wingman server holding one account.
type fakeServer struct {
	mu            sync.Mutex
	loggedIn      bool
	registered    []string
	confirmed     []string
	conversations []models.Conversation
	messages      map[string][]models.Message
	sent          []httpapi.SendParams
	// failures counts how many more sends of a given text fail.
	failures map[string]int
	nextID   int
}

func newFakeServer() *fakeServer {
	return &fakeServer{
		conversations: []models.Conversation{{ID: "c1", Title: "First date"}},
		messages: map[string][]models.Message{
			"c1": {{ID: "c1-0", ConversationID: "c1", Sender: models.SenderUser, Content: models.StringPtr("we met at a bookstore")}},
		},
		failures: map[string]int{},
	}
}

func (f *fakeServer) Register(_ context.Context, email, _ string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.registered = append(f.registered, email)
	return nil
}

func (f *fakeServer) Confirm(_ context.Context, token string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.confirmed = append(f.confirmed, token)
	return nil
}

func (f *fakeServer) HasSession() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.loggedIn
}

func (f *fakeServer) Login(_ context.Context, _, password string) error {
	if password != "secret123" {
		return &httpapi.APIError{StatusCode: 401, Message: "invalid credentials"}
	}
	f.mu.Lock()
	f.loggedIn = true
	f.mu.Unlock()
	return nil
}

func (f *fakeServer) Logout(context.Context) error {
	f.mu.Lock()
	f.loggedIn = false
	f.mu.Unlock()
	return nil
}

func (f *fakeServer) ListConversations(context.Context) ([]models.Conversation, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]models.Conversation(nil), f.conversations...), nil
}

func (f *fakeServer) ListMessages(_ context.Context, conversationID string) ([]models.Message, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	msgs, ok := f.messages[conversationID]
	if !ok {
		return nil, httpapi.ErrNotFoundOrForbidden
	}
	return append([]models.Message(nil), msgs...), nil
}

func (f *fakeServer) Send(_ context.Context, p httpapi.SendParams) (*httpapi.SendResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, p)
	text := ""
	if p.Content != nil {
		text = *p.Content
	}
	if f.failures[text] > 0 {
		f.failures[text]--
		return nil, errors.New("network down")
	}

	convID, created := p.ConversationID, false
	if convID == models.NewConversationID {
		f.nextID++
		convID, created = fmt.Sprintf("n%d", f.nextID), true
		f.conversations = append([]models.Conversation{{ID: convID, Title: models.DefaultConversationTitle}}, f.conversations...)
	}
	urls := []string{}
	for _, img := range p.Images {
		urls = append(urls, "https://img.example.com/"+img.Name)
	}
	n := len(f.messages[convID])
	user := models.Message{ID: fmt.Sprintf("%s-%d", convID, n), ConversationID: convID, Sender: models.SenderUser, Content: p.Content, ImageURLs: urls}
	reply := models.Message{ID: fmt.Sprintf("%s-%d", convID, n+1), ConversationID: convID, Sender: models.SenderAssistant, Content: models.StringPtr("sounds good")}
	f.messages[convID] = append(f.messages[convID], user, reply)
	if p.OnChunk != nil {
		p.OnChunk("sounds")
		p.OnChunk("sounds good")
	}
	return &httpapi.SendResult{ConversationID: convID, Created: created, UserMessage: user, Reply: &reply}, nil
}

func (f *fakeServer) RenameConversation(_ context.Context, conversationID, title string) (*models.Conversation, error) {
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

func (f *fakeServer) DeleteConversation(_ context.Context, conversationID string) error {
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

func newTestREPL(server *fakeServer) (*repl, *bytes.Buffer) {
	var out bytes.Buffer
	session := client.NewSession(server, &memoryStorage{values: map[string]string{}}, nil)
	return &repl{session: session, accounts: server, out: &out}, &out
}

func failedMessageID(t *testing.T, r *repl, text string) string {
	t.Helper()
	for _, m := range r.session.Messages() {
		if m.SendFailed && m.Text() == text {
			return m.ID
		}
	}
	t.Fatalf("no failed message %q in %+v", text, r.session.Messages())
	return ""
}

func TestREPLConversationFlow(t *testing.T) {
	server := newFakeServer()
	server.failures["fail me"] = 1
	server.failures["drop me"] = 1
	r, out := newTestREPL(server)
	ctx := context.Background()

	shot := filepath.Join(t.TempDir(), "shot.png")
	require.NoError(t, os.WriteFile(shot, []byte("png-bytes"), 0o600))

	script := strings.Join([]string{
		"register dana@example.com secret123",
		"confirm tok-1",
		"login dana@example.com secret123",
		"new",
		"send she likes hiking",
		"image " + shot + " what about this",
		"send fail me",
		"send drop me",
		"bogus",
		"quit",
		"send never sent",
	}, "\n")
	require.NoError(t, r.run(ctx, strings.NewReader(script)))

	text := out.String()
	for _, want := range []string{
		"check your inbox for the confirmation link",
		"email confirmed, you can log in",
		"* c1  First date",
		"we met at a bookstore",
		"sounds good",
		"[failed: retry ",
		"error: message not sent: network down",
		`unknown command "bogus"`,
	} {
		assert.Contains(t, text, want)
	}
	assert.NotContains(t, text, "soundssounds")
	assert.Equal(t, []string{"dana@example.com"}, server.registered)
	assert.Equal(t, []string{"tok-1"}, server.confirmed)

	require.Len(t, server.sent, 4)
	assert.Equal(t, models.NewConversationID, server.sent[0].ConversationID)
	image := server.sent[1]
	assert.Equal(t, "n1", image.ConversationID)
	require.Len(t, image.Images, 1)
	assert.Equal(t, "shot.png", image.Images[0].Name)
	assert.Equal(t, []byte("png-bytes"), image.Images[0].Data)
	require.NotNil(t, image.Content)
	assert.Equal(t, "what about this", *image.Content)
	active, _ := r.session.ActiveConversationID()
	assert.Equal(t, "n1", active)

	retryID := failedMessageID(t, r, "fail me")
	dropID := failedMessageID(t, r, "drop me")
	out.Reset()
	script = strings.Join([]string{
		"retry " + retryID,
		"discard " + dropID,
		"discard " + dropID,
		"use c1",
		"exit",
	}, "\n")
	require.NoError(t, r.run(ctx, strings.NewReader(script)))

	text = out.String()
	assert.Contains(t, text, "error: no failed message "+dropID)
	assert.Contains(t, text, "we met at a bookstore")
	require.Len(t, server.sent, 5)
	assert.Equal(t, "fail me", *server.sent[4].Content)
	assert.Equal(t, "n1", server.sent[4].ConversationID)

	server.mu.Lock()
	var stored []string
	for _, m := range server.messages["n1"] {
		if m.Sender == models.SenderUser {
			stored = append(stored, m.Text())
		}
	}
	server.mu.Unlock()
	assert.Equal(t, []string{"she likes hiking", "what about this", "fail me"}, stored)

	active, _ = r.session.ActiveConversationID()
	assert.Equal(t, "c1", active)
	msgs := r.session.Messages()
	require.Len(t, msgs, 1)
	assert.Equal(t, "we met at a bookstore", msgs[0].Text())
}

func TestREPLUsageErrors(t *testing.T) {
	r, out := newTestREPL(newFakeServer())
	script := "register onlyemail\nlogin dana@example.com wrong\nsend\nrename c1\nimage /does/not/exist.png\nquit\n"
	require.NoError(t, r.run(context.Background(), strings.NewReader(script)))

	text := out.String()
	for _, want := range []string{
		"error: usage: register <email> <password>",
		"invalid credentials",
		"error: usage: send <text>",
		"error: usage: rename <id> <title>",
		"error: read image:",
	} {
		assert.Contains(t, text, want)
	}
}
