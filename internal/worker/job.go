package worker

import (
	"context"

	"wingman/internal/models"
)

type JobType string

const (
	Send JobType = "send"
	Stop JobType = "stop"
)

// Job is one unit of work routed through the dispatcher. UserID drives fairness.
type Job struct {
	Type   JobType
	UserID int64

	send   *SendRequest
	result chan jobResult
	done   func()
}

type jobResult struct {
	send *SendResult
	err  error
}

func (job Job) fail(err error) {
	if job.result != nil {
		job.result <- jobResult{err: err}
	}
}

// SendRequest asks the worker to store a user message and stream the assistant's reply.
// ConversationID may be models.NewConversationID to start a new conversation.
type SendRequest struct {
	Context        context.Context
	UserID         int64
	ConversationID string
	Content        *string
	ImageURLs      []string

	// AckFn is called once the user message is persisted.
	AckFn func(Ack) error
	// ChunkFn receives the reply accumulated so far.
	ChunkFn func(string) error
}

// Ack confirms the stored user message and the conversation it landed in.
type Ack struct {
	Message        models.Message `json:"message"`
	ConversationID string         `json:"conversation_id"`
	Created        bool           `json:"created"`
}

// SendResult is the outcome of a finished send.
type SendResult struct {
	Conversation models.Conversation
	UserMessage  models.Message
	Reply        models.Message
	Created      bool
	// Title is set when a title was generated for a new conversation.
	Title string
}
