package worker

import (
	"sync"

	"wingman/internal/models"
)

type conversationState struct {
	conversation models.Conversation
	history      []models.Message
}

// userState caches the conversations a user's jobs have touched on this instance.
type userState struct {
	mu            sync.RWMutex
	conversations map[string]*conversationState
}

func newUserState() *userState {
	return &userState{conversations: make(map[string]*conversationState)}
}

// get returns a copy of the cached history so callers may append freely.
func (s *userState) get(conversationID string) (models.Conversation, []models.Message, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	cs, ok := s.conversations[conversationID]
	if !ok {
		return models.Conversation{}, nil, false
	}
	return cs.conversation, append([]models.Message(nil), cs.history...), true
}

func (s *userState) set(conv models.Conversation, history []models.Message) {
	s.mu.Lock()
	s.conversations[conv.ID] = &conversationState{
		conversation: conv,
		history:      append([]models.Message(nil), history...),
	}
	s.mu.Unlock()
}

func (s *userState) appendHistory(conversationID string, msgs ...models.Message) {
	s.mu.Lock()
	if cs, ok := s.conversations[conversationID]; ok {
		cs.history = append(cs.history, msgs...)
	}
	s.mu.Unlock()
}

func (s *userState) setTitle(conversationID, title string) {
	s.mu.Lock()
	if cs, ok := s.conversations[conversationID]; ok {
		cs.conversation.Title = title
	}
	s.mu.Unlock()
}

func (s *userState) purge(conversationID string) {
	s.mu.Lock()
	delete(s.conversations, conversationID)
	s.mu.Unlock()
}

func (s *userState) reset() {
	s.mu.Lock()
	s.conversations = make(map[string]*conversationState)
	s.mu.Unlock()
}
