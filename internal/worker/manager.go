package worker

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"wingman/internal/events"
	"wingman/internal/models"
	"wingman/internal/redis"
	"wingman/internal/service/ai"

	"github.com/google/uuid"
)

const (
	// historyWindow bounds how many earlier messages are sent to the model.
	historyWindow = 40
	// replyTimeout bounds one send once it has started; it outlives the client request.
	replyTimeout = 3 * time.Minute
)

// Assistant is the conversation storage the worker writes through.
type Assistant interface {
	CreateConversation(ctx context.Context, userID int64, title string) (*models.Conversation, error)
	GetConversationWithMessages(ctx context.Context, userID int64, conversationID string) (*models.Conversation, []models.Message, error)
	AddMessage(ctx context.Context, msg models.Message) (*models.Message, error)
	SetImageDescription(ctx context.Context, userID int64, messageID, description string) error
	RenameConversation(ctx context.Context, userID int64, conversationID, title string) error
}

// AI produces replies, image descriptions and titles.
type AI interface {
	DescribeImages(ctx context.Context, imageURLs []string, userText string) (string, error)
	StreamReply(ctx context.Context, history []models.Message, latest models.Message, onChunk func(string) error) (string, error)
	GenerateTitle(ctx context.Context, messages []models.Message) (string, error)
}

type Option func(*Manager)

func WithEmitter(emitter *events.Emitter) Option {
	return func(m *Manager) { m.emitter = emitter }
}

func WithRedis(client *redis.Client) Option {
	return func(m *Manager) { m.redisClient = client }
}

func WithLogger(logger *slog.Logger) Option {
	return func(m *Manager) {
		if logger != nil {
			m.logger = logger
		}
	}
}

// Manager runs send jobs on the dispatcher and keeps per-user conversation history warm.
type Manager struct {
	assistant   Assistant
	ai          AI
	emitter     *events.Emitter
	redisClient *redis.Client
	cache       *stateRedis
	logger      *slog.Logger
	instanceID  string
	dispatcher  *Dispatcher

	mu    sync.Mutex
	state map[int64]*userState

	cancel context.CancelFunc
}

func NewManager(asst Assistant, aiSvc AI, cfg DispatcherConfig, opts ...Option) *Manager {
	m := &Manager{
		assistant:  asst,
		ai:         aiSvc,
		logger:     slog.Default(),
		instanceID: uuid.NewString(),
		state:      make(map[int64]*userState),
	}
	for _, opt := range opts {
		opt(m)
	}
	m.logger = m.logger.With("component", "worker")
	m.cache = newStateCache(m.redisClient, m.logger)

	ctx, cancel := context.WithCancel(context.Background())
	m.cancel = cancel
	m.cache.startListener(ctx, m.handleInvalidation)

	m.dispatcher = NewDispatcher(cfg, m)
	return m
}

// Send queues the request and blocks until the worker finishes it.
// It returns ErrDispatcherBusy without queuing when the dispatcher is full.
func (m *Manager) Send(req SendRequest) (*SendResult, error) {
	if req.Context == nil {
		req.Context = context.Background()
	}
	if req.UserID <= 0 {
		return nil, errors.New("user_id is required")
	}
	resultCh := make(chan jobResult, 1)
	job := Job{Type: Send, UserID: req.UserID, send: &req, result: resultCh}
	if err := m.dispatcher.Submit(job); err != nil {
		return nil, err
	}
	ret := <-resultCh
	return ret.send, ret.err
}

// Purge drops cached history for a conversation here and on every other instance.
func (m *Manager) Purge(userID int64, conversationID string) {
	if state := m.getState(userID); state != nil {
		state.purge(conversationID)
	}
	ctx := context.Background()
	m.cache.invalidateConversation(ctx, conversationID)
	m.cache.publishInvalidation(ctx, invalidateMessage{
		Origin:         m.instanceID,
		UserID:         userID,
		ConversationID: conversationID,
		Scope:          scopeConversation,
	})
}

// ResetUser cancels the user's queued jobs and forgets all of their cached state.
func (m *Manager) ResetUser(userID int64) {
	if n := m.dispatcher.CancelUser(userID); n > 0 {
		m.logger.Info("canceled queued jobs", "user_id", userID, "count", n)
	}
	m.dropState(userID)
	m.cache.publishInvalidation(context.Background(), invalidateMessage{
		Origin: m.instanceID,
		UserID: userID,
		Scope:  scopeUser,
	})
}

// Close stops the dispatcher and the invalidation listener.
func (m *Manager) Close() {
	m.dispatcher.Stop()
	m.cancel()
}

func (m *Manager) handleInvalidation(msg invalidateMessage) {
	if msg.Origin == m.instanceID {
		return
	}
	switch msg.Scope {
	case scopeUser:
		m.dropState(msg.UserID)
	case scopeConversation:
		if state := m.getState(msg.UserID); state != nil {
			state.purge(msg.ConversationID)
		}
	}
}

func (m *Manager) ensureState(userID int64) *userState {
	m.mu.Lock()
	defer m.mu.Unlock()
	state, ok := m.state[userID]
	if !ok {
		state = newUserState()
		m.state[userID] = state
	}
	return state
}

func (m *Manager) getState(userID int64) *userState {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state[userID]
}

func (m *Manager) dropState(userID int64) {
	m.mu.Lock()
	if state, ok := m.state[userID]; ok {
		state.reset()
		delete(m.state, userID)
	}
	m.mu.Unlock()
}

func (m *Manager) handle(job Job) {
	switch job.Type {
	case Send:
		res, err := m.handleSend(job.send)
		if job.result != nil {
			job.result <- jobResult{send: res, err: err}
		}
	default:
		job.fail(errors.New("unknown job type " + string(job.Type)))
	}
}

func (m *Manager) handleSend(req *SendRequest) (*SendResult, error) {
	// a client that left before its turn came gets nothing stored
	if err := req.Context.Err(); err != nil {
		return nil, err
	}
	ctx, cancel := context.WithTimeout(context.WithoutCancel(req.Context), replyTimeout)
	defer cancel()
	ctx = ai.WithUser(ctx, req.UserID)
	logger := m.logger.With("user_id", req.UserID)
	state := m.ensureState(req.UserID)

	var (
		conv    models.Conversation
		history []models.Message
		created bool
	)
	if req.ConversationID == "" || req.ConversationID == models.NewConversationID {
		c, err := m.assistant.CreateConversation(ctx, req.UserID, models.DefaultConversationTitle)
		if err != nil {
			return nil, err
		}
		conv, created = *c, true
		state.set(conv, nil)
		m.emitter.Emit(ctx, m.topics().Conversations, events.Event{
			Type:           events.TypeConversationCreated,
			UserID:         req.UserID,
			ConversationID: conv.ID,
		}, conv)
	} else {
		var err error
		conv, history, err = m.loadConversation(ctx, state, req.UserID, req.ConversationID)
		if err != nil {
			return nil, err
		}
	}
	logger = logger.With("conversation_id", conv.ID)

	userMsg, err := m.assistant.AddMessage(ctx, models.Message{
		ConversationID: conv.ID,
		UserID:         req.UserID,
		Sender:         models.SenderUser,
		Content:        req.Content,
		ImageURLs:      req.ImageURLs,
	})
	if err != nil {
		return nil, err
	}
	m.emitMessage(ctx, *userMsg)

	clientGone := false
	if req.AckFn != nil {
		if err := req.AckFn(Ack{Message: *userMsg, ConversationID: conv.ID, Created: created}); err != nil {
			logger.Debug("ack not delivered", "err", err)
			clientGone = true
		}
	}

	if len(userMsg.ImageURLs) > 0 {
		desc, err := m.ai.DescribeImages(ctx, userMsg.ImageURLs, userMsg.Text())
		switch {
		case err != nil:
			logger.Warn("describe images failed", "message_id", userMsg.ID, "err", err)
		case desc != "":
			if err := m.assistant.SetImageDescription(ctx, req.UserID, userMsg.ID, desc); err != nil {
				logger.Warn("store image description failed", "message_id", userMsg.ID, "err", err)
			} else {
				userMsg.ImageDescription = &desc
			}
		}
	}

	onChunk := func(partial string) error {
		if req.ChunkFn == nil || clientGone {
			return nil
		}
		if err := req.ChunkFn(partial); err != nil {
			logger.Debug("chunk not delivered", "err", err)
			clientGone = true
		}
		return nil
	}
	reply, err := m.ai.StreamReply(ctx, lastMessages(history, historyWindow), *userMsg, onChunk)
	if err != nil {
		m.remember(ctx, state, req.UserID, conv, *userMsg)
		return nil, err
	}

	replyMsg, err := m.assistant.AddMessage(ctx, models.Message{
		ConversationID: conv.ID,
		UserID:         req.UserID,
		Sender:         models.SenderAssistant,
		Content:        models.StringPtr(reply),
	})
	if err != nil {
		m.remember(ctx, state, req.UserID, conv, *userMsg)
		return nil, err
	}
	m.emitMessage(ctx, *replyMsg)

	res := &SendResult{
		UserMessage: *userMsg,
		Reply:       *replyMsg,
		Created:     created,
	}
	if created {
		title, err := m.ai.GenerateTitle(ctx, []models.Message{*userMsg, *replyMsg})
		if err != nil {
			logger.Warn("generate title failed", "err", err)
		} else if title != "" && title != conv.Title {
			if err := m.assistant.RenameConversation(ctx, req.UserID, conv.ID, title); err != nil {
				logger.Warn("store title failed", "err", err)
			} else {
				conv.Title = title
				res.Title = title
				state.setTitle(conv.ID, title)
				m.emitter.Emit(ctx, m.topics().Conversations, events.Event{
					Type:           events.TypeConversationRenamed,
					UserID:         req.UserID,
					ConversationID: conv.ID,
				}, map[string]string{"title": title})
			}
		}
	}
	conv.LastMessageAt = replyMsg.CreatedAt
	res.Conversation = conv
	m.remember(ctx, state, req.UserID, conv, *userMsg, *replyMsg)
	return res, nil
}

// loadConversation checks the local cache, then redis, then the database.
func (m *Manager) loadConversation(ctx context.Context, state *userState, userID int64, conversationID string) (models.Conversation, []models.Message, error) {
	if conv, history, ok := state.get(conversationID); ok {
		return conv, history, nil
	}
	if conv, history, ok := m.cache.loadConversation(ctx, userID, conversationID); ok {
		state.set(conv, history)
		return conv, history, nil
	}
	conv, history, err := m.assistant.GetConversationWithMessages(ctx, userID, conversationID)
	if err != nil {
		return models.Conversation{}, nil, err
	}
	state.set(*conv, history)
	m.cache.cacheConversation(ctx, userID, *conv, history)
	return *conv, history, nil
}

// remember appends stored messages to the cached history and tells other instances to reload it.
func (m *Manager) remember(ctx context.Context, state *userState, userID int64, conv models.Conversation, msgs ...models.Message) {
	state.appendHistory(conv.ID, msgs...)
	if _, history, ok := state.get(conv.ID); ok {
		m.cache.cacheConversation(ctx, userID, conv, history)
	}
	m.cache.publishInvalidation(ctx, invalidateMessage{
		Origin:         m.instanceID,
		UserID:         userID,
		ConversationID: conv.ID,
		Scope:          scopeConversation,
	})
}

func (m *Manager) emitMessage(ctx context.Context, msg models.Message) {
	m.emitter.Emit(ctx, m.topics().Messages, events.Event{
		Type:           events.TypeMessageCreated,
		UserID:         msg.UserID,
		ConversationID: msg.ConversationID,
		MessageID:      msg.ID,
	}, msg)
}

func (m *Manager) topics() events.Topics {
	if m.emitter == nil {
		return events.Topics{}
	}
	return m.emitter.Topics()
}

func lastMessages(history []models.Message, n int) []models.Message {
	if len(history) <= n {
		return history
	}
	return history[len(history)-n:]
}
