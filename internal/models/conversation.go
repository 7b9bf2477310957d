package models

import "time"

// NewConversationID is the sentinel for a thread with no server record yet.
const NewConversationID = "new"

// Conversation groups the messages of one chat thread.
type Conversation struct {
	ID            string    `json:"id"`
	UserID        int64     `json:"-"`
	Title         string    `json:"title"`
	CreatedAt     time.Time `json:"created_at"`
	LastMessageAt time.Time `json:"last_message_at"`
}

// DefaultConversationTitle is used until a title is generated from the first exchange.
const DefaultConversationTitle = "New Conversation"
