package models

import "time"

// Sender identifies who authored a message.
type Sender string

const (
	SenderUser      Sender = "user"
	SenderAssistant Sender = "assistant"
)

// Message is one turn in a conversation. Content may be nil when the message only carries images.
type Message struct {
	ID               string    `json:"id"`
	ConversationID   string    `json:"conversation_id"`
	UserID           int64     `json:"-"`
	Sender           Sender    `json:"sender"`
	Content          *string   `json:"content"`
	ImageURLs        []string  `json:"image_urls"`
	ImageDescription *string   `json:"image_description,omitempty"`
	CreatedAt        time.Time `json:"created_at"`

	// Optimistic marks a client-created message the server has not confirmed yet.
	Optimistic bool `json:"optimistic,omitempty"`
	// SendFailed is set on optimistic messages whose send never confirmed.
	SendFailed bool `json:"send_failed,omitempty"`
}

// Text returns the content or "" when it is nil.
func (m Message) Text() string {
	if m.Content == nil {
		return ""
	}
	return *m.Content
}

// StringPtr returns nil for an empty string.
func StringPtr(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
