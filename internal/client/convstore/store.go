// Package convstore holds the message list of the active conversation on the client.
// It appends optimistic messages immediately and merges them with server state on every
// refresh.
package convstore

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"wingman/internal/client/httpapi"
	"wingman/internal/client/reconcile"
	"wingman/internal/models"
)

// DefaultPendingTTL is how long an optimistic message may stay unconfirmed before it is
// flagged as failed.
const DefaultPendingTTL = 5 * time.Minute

var errConversationChanged = errors.New("conversation changed before the message was sent")

// Backend is the part of the server API the store needs.
type Backend interface {
	HasSession() bool
	ListMessages(ctx context.Context, conversationID string) ([]models.Message, error)
	Send(ctx context.Context, params httpapi.SendParams) (*httpapi.SendResult, error)
}

type State int

const (
	Idle State = iota
	Loading
	Loaded
	Error
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case Loading:
		return "loading"
	case Loaded:
		return "loaded"
	case Error:
		return "error"
	}
	return fmt.Sprintf("State(%d)", int(s))
}

// Snapshot is a copy of the store's state, safe to keep.
type Snapshot struct {
	ConversationID string
	State          State
	Messages       []models.Message
	Err            *StoreError
}

// Loading reports whether a fetch is in flight.
func (s Snapshot) Loading() bool {
	return s.State == Loading
}

type Option func(*Store)

// WithPendingTTL overrides DefaultPendingTTL.
func WithPendingTTL(ttl time.Duration) Option {
	return func(s *Store) { s.pendingTTL = ttl }
}

// WithClock replaces time.Now, for tests.
func WithClock(now func() time.Time) Option {
	return func(s *Store) { s.now = now }
}

func WithLogger(logger *slog.Logger) Option {
	return func(s *Store) { s.logger = logger }
}

// OnConversationCreated is called with the server-assigned id when a send from the "new"
// conversation created one.
func OnConversationCreated(fn func(conversationID string)) Option {
	return func(s *Store) { s.onCreated = fn }
}

// Store is safe for concurrent use. Subscribers are called outside the lock, in no
// guaranteed order across goroutines.
type Store struct {
	backend    Backend
	pendingTTL time.Duration
	now        func() time.Time
	logger     *slog.Logger
	onCreated  func(string)

	mu             sync.Mutex
	conversationID string
	state          State
	messages       []models.Message
	err            *StoreError
	// seq numbers fetches; applied is the newest one whose answer was used.
	seq     uint64
	applied uint64
	// inflight holds optimistic ids whose send has not returned yet.
	inflight map[string]bool
	// attachments keeps images of optimistic messages so a failed send can be retried.
	attachments map[string][]httpapi.Image
	// creating is the send from "new" that may create a conversation; other sends wait on it.
	creating *creation

	subMu  sync.Mutex
	subs   map[int]func(Snapshot)
	nextID int
}

// creation is closed once its send returned; id is the conversation it created, if any.
type creation struct {
	done chan struct{}
	id   string
}

func New(backend Backend, opts ...Option) *Store {
	s := &Store{
		backend:     backend,
		pendingTTL:  DefaultPendingTTL,
		now:         time.Now,
		logger:      slog.Default(),
		inflight:    make(map[string]bool),
		attachments: make(map[string][]httpapi.Image),
		subs:        make(map[int]func(Snapshot)),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Snapshot returns the current state.
func (s *Store) Snapshot() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.snapshotLocked()
}

// Subscribe registers fn for every state change and returns a function that removes it.
func (s *Store) Subscribe(fn func(Snapshot)) func() {
	s.subMu.Lock()
	id := s.nextID
	s.nextID++
	s.subs[id] = fn
	s.subMu.Unlock()
	return func() {
		s.subMu.Lock()
		delete(s.subs, id)
		s.subMu.Unlock()
	}
}

// Select makes conversationID the tracked conversation. The "new" sentinel, an empty id or a
// missing session clear the list without any I/O. Selecting the current conversation again
// only refreshes it, keeping optimistic entries.
func (s *Store) Select(ctx context.Context, conversationID string) error {
	s.mu.Lock()
	if conversationID == s.conversationID {
		s.mu.Unlock()
		return s.Refresh(ctx)
	}
	s.conversationID = conversationID
	s.messages = nil
	s.err = nil
	s.inflight = make(map[string]bool)
	s.attachments = make(map[string][]httpapi.Image)
	s.creating = nil
	if !s.fetchableLocked() {
		s.state = Idle
		snap := s.snapshotLocked()
		s.mu.Unlock()
		s.publish(snap)
		return nil
	}
	seq, snap := s.startFetchLocked()
	s.mu.Unlock()
	s.publish(snap)
	return s.fetch(ctx, conversationID, seq)
}

// Refresh fetches the tracked conversation again and reconciles it with the local list.
func (s *Store) Refresh(ctx context.Context) error {
	s.mu.Lock()
	if !s.fetchableLocked() {
		s.mu.Unlock()
		return nil
	}
	conversationID := s.conversationID
	seq, snap := s.startFetchLocked()
	s.mu.Unlock()
	s.publish(snap)
	return s.fetch(ctx, conversationID, seq)
}

// AppendOptimistic adds an unconfirmed user message to the list right away. imageURLs are
// local previews; only their count matters for reconciliation.
func (s *Store) AppendOptimistic(content *string, imageURLs []string) models.Message {
	s.mu.Lock()
	msg := s.appendLocked(content, imageURLs)
	snap := s.snapshotLocked()
	s.mu.Unlock()
	s.publish(snap)
	return msg
}

// Send appends an optimistic message, posts it, adopts the conversation id the server
// assigned when the send created one, and refreshes. A failed send leaves the optimistic
// entry in place flagged SendFailed so it can be retried or discarded.
//
// Content is trimmed the way the server stores it. Only one send at a time posts to "new";
// sends made meanwhile show up at once but post to the conversation it created.
func (s *Store) Send(ctx context.Context, content *string, images []httpapi.Image, onChunk func(string)) (*httpapi.SendResult, error) {
	if content != nil {
		trimmed := strings.TrimSpace(*content)
		content = nil
		if trimmed != "" {
			content = &trimmed
		}
	}
	if content == nil && len(images) == 0 {
		return nil, errors.New("message needs content or images")
	}
	previews := make([]string, 0, len(images))
	for _, img := range images {
		previews = append(previews, "local://"+img.Name)
	}

	s.mu.Lock()
	conversationID := s.conversationID
	if conversationID == "" {
		conversationID = models.NewConversationID
		s.conversationID = conversationID
	}
	msg := s.appendLocked(content, previews)
	s.inflight[msg.ID] = true
	if len(images) > 0 {
		s.attachments[msg.ID] = images
	}
	own, wait := s.claimLocked(conversationID)
	snap := s.snapshotLocked()
	s.mu.Unlock()
	s.publish(snap)

	if wait != nil {
		var err error
		if conversationID, own, err = s.awaitCreation(ctx, msg.ID, wait); err != nil {
			return nil, err
		}
	}
	return s.deliver(ctx, conversationID, msg.ID, content, images, onChunk, own)
}

// Retry resends a failed optimistic message.
func (s *Store) Retry(ctx context.Context, messageID string, onChunk func(string)) (*httpapi.SendResult, error) {
	s.mu.Lock()
	idx := s.failedIndexLocked(messageID)
	if idx < 0 {
		s.mu.Unlock()
		return nil, fmt.Errorf("no failed message %s", messageID)
	}
	s.messages[idx].SendFailed = false
	s.messages[idx].CreatedAt = s.now()
	content := s.messages[idx].Content
	images := s.attachments[messageID]
	conversationID := s.conversationID
	s.inflight[messageID] = true
	s.err = nil
	own, wait := s.claimLocked(conversationID)
	snap := s.snapshotLocked()
	s.mu.Unlock()
	s.publish(snap)

	if wait != nil {
		var err error
		if conversationID, own, err = s.awaitCreation(ctx, messageID, wait); err != nil {
			return nil, err
		}
	}
	return s.deliver(ctx, conversationID, messageID, content, images, onChunk, own)
}

// Discard drops a failed optimistic message and reports whether one was removed.
func (s *Store) Discard(messageID string) bool {
	s.mu.Lock()
	idx := s.failedIndexLocked(messageID)
	if idx < 0 {
		s.mu.Unlock()
		return false
	}
	s.messages = append(s.messages[:idx:idx], s.messages[idx+1:]...)
	delete(s.attachments, messageID)
	if s.err != nil && s.err.Kind == SendFailed {
		s.err = nil
	}
	snap := s.snapshotLocked()
	s.mu.Unlock()
	s.publish(snap)
	return true
}

// claimLocked lets the first send from "new" create the conversation and hands later ones
// the creation to wait for.
func (s *Store) claimLocked(conversationID string) (own, wait *creation) {
	if conversationID != models.NewConversationID {
		return nil, nil
	}
	if s.creating != nil {
		return nil, s.creating
	}
	s.creating = &creation{done: make(chan struct{})}
	return s.creating, nil
}

// awaitCreation blocks until wait finishes. It returns the created conversation to post to,
// or "new" with a fresh claim when the creating send failed.
func (s *Store) awaitCreation(ctx context.Context, messageID string, wait *creation) (string, *creation, error) {
	for {
		select {
		case <-wait.done:
		case <-ctx.Done():
			return "", nil, s.abandon(messageID, ctx.Err())
		}

		s.mu.Lock()
		if !s.holdsLocked(messageID) {
			delete(s.inflight, messageID)
			delete(s.attachments, messageID)
			s.mu.Unlock()
			return "", nil, &StoreError{Kind: SendFailed, ConversationID: models.NewConversationID, Err: errConversationChanged}
		}
		if wait.id != "" {
			s.mu.Unlock()
			return wait.id, nil, nil
		}
		own, next := s.claimLocked(s.conversationID)
		s.mu.Unlock()
		if own != nil {
			return models.NewConversationID, own, nil
		}
		wait = next
	}
}

// abandon flags a message that never reached the server.
func (s *Store) abandon(messageID string, cause error) error {
	s.mu.Lock()
	delete(s.inflight, messageID)
	held := s.holdsLocked(messageID)
	if held {
		s.markFailedLocked(messageID)
		s.err = &StoreError{Kind: SendFailed, ConversationID: s.conversationID, Err: cause}
	}
	conversationID := s.conversationID
	snap := s.snapshotLocked()
	s.mu.Unlock()
	if held {
		s.publish(snap)
	}
	return &StoreError{Kind: SendFailed, ConversationID: conversationID, Err: cause}
}

func (s *Store) deliver(ctx context.Context, conversationID, messageID string, content *string, images []httpapi.Image, onChunk func(string), own *creation) (*httpapi.SendResult, error) {
	res, err := s.backend.Send(ctx, httpapi.SendParams{
		ConversationID: conversationID,
		Content:        content,
		Images:         images,
		OnChunk:        onChunk,
	})

	s.mu.Lock()
	delete(s.inflight, messageID)
	current := s.conversationID == conversationID
	adopted := ""
	if current && res != nil && res.Created && res.ConversationID != "" && conversationID == models.NewConversationID {
		adopted = res.ConversationID
		s.conversationID = adopted
		for i := range s.messages {
			s.messages[i].ConversationID = adopted
		}
	}
	if err != nil && current {
		s.markFailedLocked(messageID)
		s.err = &StoreError{Kind: SendFailed, ConversationID: s.conversationID, Err: err}
	}
	if err == nil {
		delete(s.attachments, messageID)
	}
	if own != nil {
		if res != nil && res.Created {
			own.id = res.ConversationID
		}
		if s.creating == own {
			s.creating = nil
		}
		close(own.done)
	}
	refresh := current && s.fetchableLocked()
	snap := s.snapshotLocked()
	s.mu.Unlock()
	s.publish(snap)

	if adopted != "" && s.onCreated != nil {
		s.onCreated(adopted)
	}
	if refresh {
		// the server may have stored the user message even when the reply failed
		if ferr := s.Refresh(ctx); ferr != nil {
			s.logger.Warn("refresh after send failed", "conversation_id", conversationID, "err", ferr)
		}
	}
	if err != nil {
		return res, &StoreError{Kind: SendFailed, ConversationID: conversationID, Err: err}
	}
	return res, nil
}

func (s *Store) fetch(ctx context.Context, conversationID string, seq uint64) error {
	msgs, err := s.backend.ListMessages(ctx, conversationID)

	s.mu.Lock()
	if conversationID != s.conversationID || seq <= s.applied {
		s.mu.Unlock()
		s.logger.Debug("discarding stale fetch", "conversation_id", conversationID, "seq", seq)
		return nil
	}
	s.applied = seq
	if err != nil {
		kind := FetchFailed
		if errors.Is(err, httpapi.ErrNotFoundOrForbidden) {
			kind = AccessDenied
			s.messages = nil
		}
		s.err = &StoreError{Kind: kind, ConversationID: conversationID, Err: err}
		s.state = Error
		storeErr := s.err
		snap := s.snapshotLocked()
		s.mu.Unlock()
		s.publish(snap)
		return storeErr
	}
	s.expirePendingLocked()
	s.messages = reconcile.Reconcile(msgs, s.messages)
	s.state = Loaded
	if s.err != nil && s.err.Kind != SendFailed {
		s.err = nil
	}
	snap := s.snapshotLocked()
	s.mu.Unlock()
	s.publish(snap)
	return nil
}

func (s *Store) fetchableLocked() bool {
	return s.conversationID != "" && s.conversationID != models.NewConversationID && s.backend.HasSession()
}

func (s *Store) startFetchLocked() (uint64, Snapshot) {
	s.seq++
	s.state = Loading
	return s.seq, s.snapshotLocked()
}

func (s *Store) appendLocked(content *string, imageURLs []string) models.Message {
	now := s.now()
	msg := models.Message{
		ID:             reconcile.NewOptimisticID(models.SenderUser, now),
		ConversationID: s.conversationID,
		Sender:         models.SenderUser,
		Content:        content,
		ImageURLs:      append([]string(nil), imageURLs...),
		CreatedAt:      now,
		Optimistic:     true,
	}
	s.messages = append(s.messages, msg)
	return msg
}

// expirePendingLocked flags optimistic messages that waited longer than pendingTTL.
func (s *Store) expirePendingLocked() {
	if s.pendingTTL <= 0 {
		return
	}
	cutoff := s.now().Add(-s.pendingTTL)
	for i := range s.messages {
		m := &s.messages[i]
		if m.Optimistic && !m.SendFailed && !s.inflight[m.ID] && m.CreatedAt.Before(cutoff) {
			m.SendFailed = true
		}
	}
}

func (s *Store) markFailedLocked(messageID string) {
	for i := range s.messages {
		if s.messages[i].ID == messageID {
			s.messages[i].SendFailed = true
			return
		}
	}
}

func (s *Store) holdsLocked(messageID string) bool {
	for _, m := range s.messages {
		if m.ID == messageID {
			return true
		}
	}
	return false
}

func (s *Store) failedIndexLocked(messageID string) int {
	for i, m := range s.messages {
		if m.ID == messageID && m.Optimistic && m.SendFailed {
			return i
		}
	}
	return -1
}

func (s *Store) snapshotLocked() Snapshot {
	msgs := make([]models.Message, len(s.messages))
	copy(msgs, s.messages)
	return Snapshot{
		ConversationID: s.conversationID,
		State:          s.state,
		Messages:       msgs,
		Err:            s.err,
	}
}

func (s *Store) publish(snap Snapshot) {
	s.subMu.Lock()
	subs := make([]func(Snapshot), 0, len(s.subs))
	for _, fn := range s.subs {
		subs = append(subs, fn)
	}
	s.subMu.Unlock()
	for _, fn := range subs {
		fn(snap)
	}
}
