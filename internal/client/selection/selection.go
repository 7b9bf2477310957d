// Package selection tracks which conversation the client is looking at and remembers it
// across restarts.
package selection

import (
	"log/slog"
	"sync"

	"wingman/internal/models"
)

// StorageKey is where the active conversation id is persisted.
const StorageKey = "active_conversation_id"

// Storage is the client's durable key/value store.
type Storage interface {
	Get(key string) (string, bool, error)
	Set(key, value string) error
	Remove(key string) error
}

// Selector holds the active conversation id. It is safe for concurrent use.
type Selector struct {
	mu      sync.Mutex
	storage Storage
	logger  *slog.Logger

	active string
	// stored mirrors the persisted value ("" when absent) once loaded is set.
	stored string
	loaded bool

	explicit bool
	restored bool
}

func New(storage Storage, logger *slog.Logger) *Selector {
	if logger == nil {
		logger = slog.Default()
	}
	return &Selector{storage: storage, logger: logger}
}

// ActiveConversationID returns the selected id, false when nothing is selected.
func (s *Selector) ActiveConversationID() (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.active, s.active != ""
}

// Set selects id explicitly. An explicit choice stops Restore from overriding it.
// Setting the current id again writes nothing. An empty id behaves like Clear.
func (s *Selector) Set(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.explicit = true
	return s.setLocked(id)
}

// Clear drops the selection and the persisted key.
func (s *Selector) Clear() error {
	return s.Set("")
}

// ResetSession forgets explicit choices and lets Restore run again, e.g. after a new login.
func (s *Selector) ResetSession() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.explicit = false
	s.restored = false
	s.active = ""
	s.loaded = false
}

// Restore picks the conversation for a freshly loaded list. It runs once per session and only
// while the user has not chosen a conversation: the persisted id when it is still listed, else
// the first (most recent) conversation, else the "new" sentinel. Later calls only react to the
// active conversation disappearing from the list. It returns the id that is active afterwards.
func (s *Selector) Restore(hasSession bool, list []models.Conversation) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !hasSession {
		return s.active, nil
	}
	if s.explicit || s.restored {
		err := s.fallbackLocked(list)
		return s.active, err
	}
	s.restored = true

	persisted, err := s.loadLocked()
	if err != nil {
		s.logger.Warn("read persisted conversation failed", "err", err)
	}
	next := models.NewConversationID
	switch {
	case persisted != "" && contains(list, persisted):
		next = persisted
	case len(list) > 0:
		next = list[0].ID
	}
	err = s.setLocked(next)
	return s.active, err
}

// fallbackLocked moves off a conversation that no longer exists.
func (s *Selector) fallbackLocked(list []models.Conversation) error {
	if s.active == "" || s.active == models.NewConversationID || contains(list, s.active) {
		return nil
	}
	next := models.NewConversationID
	if len(list) > 0 {
		next = list[0].ID
	}
	return s.setLocked(next)
}

func (s *Selector) setLocked(id string) error {
	if id == s.active {
		return nil
	}
	s.active = id
	if s.loaded && s.stored == id {
		return nil
	}
	if id == "" {
		if err := s.storage.Remove(StorageKey); err != nil {
			return err
		}
	} else if err := s.storage.Set(StorageKey, id); err != nil {
		return err
	}
	s.stored, s.loaded = id, true
	return nil
}

func (s *Selector) loadLocked() (string, error) {
	if s.loaded {
		return s.stored, nil
	}
	val, _, err := s.storage.Get(StorageKey)
	if err != nil {
		return "", err
	}
	s.stored, s.loaded = val, true
	return val, nil
}

func contains(list []models.Conversation, id string) bool {
	for _, c := range list {
		if c.ID == id {
			return true
		}
	}
	return false
}
