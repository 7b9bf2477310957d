package convstore

import "fmt"

// ErrorKind classifies what went wrong for the active conversation.
type ErrorKind int

const (
	// FetchFailed is a transient list failure; the last good messages stay visible.
	FetchFailed ErrorKind = iota + 1
	// AccessDenied means the conversation is gone or owned by someone else.
	AccessDenied
	// SendFailed means a send never confirmed; its optimistic message is flagged.
	SendFailed
)

func (k ErrorKind) String() string {
	switch k {
	case FetchFailed:
		return "fetch_failed"
	case AccessDenied:
		return "access_denied"
	case SendFailed:
		return "send_failed"
	}
	return fmt.Sprintf("ErrorKind(%d)", int(k))
}

// StoreError is the error surfaced for a conversation.
type StoreError struct {
	Kind           ErrorKind
	ConversationID string
	Err            error
}

func (e *StoreError) Error() string {
	switch e.Kind {
	case AccessDenied:
		return fmt.Sprintf("conversation %s is not available", e.ConversationID)
	case SendFailed:
		return fmt.Sprintf("message not sent: %v", e.Err)
	default:
		return fmt.Sprintf("could not load messages, try again: %v", e.Err)
	}
}

func (e *StoreError) Unwrap() error {
	return e.Err
}
