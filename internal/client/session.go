// Package client ties the wingman client pieces together: the HTTP API, the persisted
// conversation selection and the message store of the active conversation.
package client

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"wingman/internal/client/convstore"
	"wingman/internal/client/httpapi"
	"wingman/internal/client/selection"
	"wingman/internal/models"
)

// API is the server surface a Session uses. *httpapi.Client implements it.
type API interface {
	convstore.Backend
	Login(ctx context.Context, email, password string) error
	Logout(ctx context.Context) error
	ListConversations(ctx context.Context) ([]models.Conversation, error)
	RenameConversation(ctx context.Context, conversationID, title string) (*models.Conversation, error)
	DeleteConversation(ctx context.Context, conversationID string) error
}

var _ API = (*httpapi.Client)(nil)

// Session is one signed-in user's view: the conversation list, the active conversation and
// its messages.
type Session struct {
	api      API
	selector *selection.Selector
	store    *convstore.Store
	logger   *slog.Logger

	mu            sync.Mutex
	conversations []models.Conversation
}

// NewSession wires api and storage together. opts are passed to the message store.
func NewSession(api API, storage selection.Storage, logger *slog.Logger, opts ...convstore.Option) *Session {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Session{
		api:      api,
		selector: selection.New(storage, logger),
		logger:   logger,
	}
	opts = append(opts,
		convstore.WithLogger(logger),
		convstore.OnConversationCreated(s.conversationCreated),
	)
	s.store = convstore.New(api, opts...)
	return s
}

// Login signs in and starts a fresh selection session.
func (s *Session) Login(ctx context.Context, email, password string) error {
	if err := s.api.Login(ctx, email, password); err != nil {
		return err
	}
	s.selector.ResetSession()
	return nil
}

// Logout revokes the session and empties the views. The persisted selection is kept for the
// next login.
func (s *Session) Logout(ctx context.Context) error {
	err := s.api.Logout(ctx)
	s.selector.ResetSession()
	s.mu.Lock()
	s.conversations = nil
	s.mu.Unlock()
	if serr := s.store.Select(ctx, ""); serr != nil {
		s.logger.Warn("reset message store failed", "err", serr)
	}
	return err
}

// LoadConversations fetches the list, restores or repairs the selection and loads the active
// conversation's messages.
func (s *Session) LoadConversations(ctx context.Context) ([]models.Conversation, error) {
	if !s.api.HasSession() {
		return nil, httpapi.ErrNoSession
	}
	list, err := s.api.ListConversations(ctx)
	if err != nil {
		return nil, fmt.Errorf("list conversations: %w", err)
	}
	s.mu.Lock()
	s.conversations = list
	s.mu.Unlock()

	active, err := s.selector.Restore(true, list)
	if err != nil {
		s.logger.Warn("persist active conversation failed", "err", err)
	}
	if err := s.store.Select(ctx, active); err != nil {
		s.fallBackIfDenied(ctx)
		return s.Conversations(), err
	}
	return list, nil
}

// Conversations returns the last loaded list.
func (s *Session) Conversations() []models.Conversation {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]models.Conversation(nil), s.conversations...)
}

func (s *Session) ActiveConversationID() (string, bool) {
	return s.selector.ActiveConversationID()
}

// SetActiveConversationID selects id, or the "new" sentinel for a fresh thread, and loads it.
// When the server denies id the selection falls back and the denial is returned.
func (s *Session) SetActiveConversationID(ctx context.Context, id string) error {
	if id == "" {
		id = models.NewConversationID
	}
	if err := s.selector.Set(id); err != nil {
		s.logger.Warn("persist active conversation failed", "err", err)
	}
	err := s.store.Select(ctx, id)
	s.fallBackIfDenied(ctx)
	return err
}

// Refresh reloads the active conversation's messages.
func (s *Session) Refresh(ctx context.Context) error {
	err := s.store.Refresh(ctx)
	s.fallBackIfDenied(ctx)
	return err
}

// Messages returns the active conversation's messages, optimistic ones included.
func (s *Session) Messages() []models.Message {
	return s.store.Snapshot().Messages
}

func (s *Session) Loading() bool {
	return s.store.Snapshot().Loading()
}

// Err returns the error of the active conversation, nil when there is none.
func (s *Session) Err() *convstore.StoreError {
	return s.store.Snapshot().Err
}

// Subscribe forwards message store changes to fn.
func (s *Session) Subscribe(fn func(convstore.Snapshot)) func() {
	return s.store.Subscribe(fn)
}

// SendMessage sends to the active conversation and reloads the list so titles and ordering
// follow the new message.
func (s *Session) SendMessage(ctx context.Context, content *string, images []httpapi.Image, onChunk func(string)) (*httpapi.SendResult, error) {
	if s.store.Snapshot().ConversationID == "" {
		if err := s.SetActiveConversationID(ctx, models.NewConversationID); err != nil {
			return nil, err
		}
	}
	res, err := s.store.Send(ctx, content, images, onChunk)
	s.reloadList(ctx)
	s.fallBackIfDenied(ctx)
	return res, err
}

// Retry resends a failed message of the active conversation.
func (s *Session) Retry(ctx context.Context, messageID string, onChunk func(string)) (*httpapi.SendResult, error) {
	res, err := s.store.Retry(ctx, messageID, onChunk)
	s.reloadList(ctx)
	s.fallBackIfDenied(ctx)
	return res, err
}

// Discard drops a failed message.
func (s *Session) Discard(messageID string) bool {
	return s.store.Discard(messageID)
}

func (s *Session) Rename(ctx context.Context, conversationID, title string) (*models.Conversation, error) {
	conv, err := s.api.RenameConversation(ctx, conversationID, title)
	if err != nil {
		return nil, err
	}
	s.mu.Lock()
	for i := range s.conversations {
		if s.conversations[i].ID == conv.ID {
			s.conversations[i] = *conv
		}
	}
	s.mu.Unlock()
	return conv, nil
}

// Delete removes a conversation. Deleting the active one moves the selection to the most
// recent remaining conversation.
func (s *Session) Delete(ctx context.Context, conversationID string) error {
	if err := s.api.DeleteConversation(ctx, conversationID); err != nil && !errors.Is(err, httpapi.ErrNotFoundOrForbidden) {
		return err
	}
	_, err := s.LoadConversations(ctx)
	return err
}

func (s *Session) reloadList(ctx context.Context) {
	list, err := s.api.ListConversations(ctx)
	if err != nil {
		s.logger.Warn("reload conversations failed", "err", err)
		return
	}
	s.mu.Lock()
	s.conversations = list
	s.mu.Unlock()
}

// fallBackIfDenied moves the selection off the active conversation when the server no longer
// lets this user read it, so the dead id is neither shown nor persisted.
func (s *Session) fallBackIfDenied(ctx context.Context) {
	snap := s.store.Snapshot()
	if snap.Err == nil || snap.Err.Kind != convstore.AccessDenied {
		return
	}
	denied := snap.Err.ConversationID
	if active, _ := s.selector.ActiveConversationID(); active != denied {
		return
	}

	list, err := s.api.ListConversations(ctx)
	if err != nil {
		s.logger.Warn("reload conversations failed", "err", err)
		list = s.Conversations()
	}
	remaining := make([]models.Conversation, 0, len(list))
	for _, c := range list {
		if c.ID != denied {
			remaining = append(remaining, c)
		}
	}
	s.mu.Lock()
	s.conversations = remaining
	s.mu.Unlock()

	next, err := s.selector.Restore(true, remaining)
	if err != nil {
		s.logger.Warn("persist active conversation failed", "err", err)
	}
	s.logger.Info("active conversation unavailable", "conversation_id", denied, "next", next)
	if err := s.store.Select(ctx, next); err != nil {
		s.logger.Warn("load fallback conversation failed", "conversation_id", next, "err", err)
	}
}

func (s *Session) conversationCreated(conversationID string) {
	if err := s.selector.Set(conversationID); err != nil {
		s.logger.Warn("persist active conversation failed", "err", err)
	}
}
