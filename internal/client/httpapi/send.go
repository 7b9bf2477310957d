package httpapi

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/url"
	"strings"

	"wingman/internal/models"
)

// Image is one attachment for Send.
type Image struct {
	Name string
	Data []byte
}

// SendParams describes one outgoing message. ConversationID "new" creates a conversation.
type SendParams struct {
	ConversationID string
	Content        *string
	Images         []Image
	// OnChunk, when set, receives the reply as it grows.
	OnChunk func(partial string)
}

// SendResult is what the server confirmed. After a mid-stream failure only the ack fields
// (ConversationID, Created, UserMessage) are filled.
type SendResult struct {
	ConversationID string
	Created        bool
	UserMessage    models.Message
	Reply          *models.Message
	Conversation   *models.Conversation
	Title          string
}

// StreamError is an error event received after the server accepted the message.
type StreamError struct {
	Message string
}

func (e *StreamError) Error() string {
	return "reply failed: " + e.Message
}

type ackEvent struct {
	Message        models.Message `json:"message"`
	ConversationID string         `json:"conversation_id"`
	Created        bool           `json:"created"`
}

type doneEvent struct {
	Conversation models.Conversation `json:"conversation"`
	UserMessage  models.Message      `json:"user_message"`
	AIMessage    models.Message      `json:"ai_message"`
	Created      bool                `json:"created"`
	Title        string              `json:"title"`
}

// Send posts a message and follows the event stream until the reply is done. When the stream
// fails after the ack, the partial result is returned along with the error.
func (c *Client) Send(ctx context.Context, params SendParams) (*SendResult, error) {
	convID := params.ConversationID
	if convID == "" {
		convID = models.NewConversationID
	}
	body, contentType, err := encodeSend(params)
	if err != nil {
		return nil, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		c.baseURL+"/api/conversations/"+url.PathEscape(convID)+"/messages", body)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", contentType)
	req.Header.Set("Accept", "text/event-stream")
	if err := c.authorize(req); err != nil {
		return nil, err
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("send message: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, statusError(resp)
	}

	var res *SendResult
	err = readEvents(resp.Body, func(name string, data []byte) error {
		switch name {
		case "ack":
			var ack ackEvent
			if err := json.Unmarshal(data, &ack); err != nil {
				return fmt.Errorf("decode ack: %w", err)
			}
			res = &SendResult{ConversationID: ack.ConversationID, Created: ack.Created, UserMessage: ack.Message}
		case "stream":
			if params.OnChunk == nil {
				return nil
			}
			var chunk struct {
				Content string `json:"content"`
			}
			if err := json.Unmarshal(data, &chunk); err != nil {
				return fmt.Errorf("decode stream: %w", err)
			}
			params.OnChunk(chunk.Content)
		case "done":
			var done doneEvent
			if err := json.Unmarshal(data, &done); err != nil {
				return fmt.Errorf("decode done: %w", err)
			}
			res = &SendResult{
				ConversationID: done.Conversation.ID,
				Created:        done.Created,
				UserMessage:    done.UserMessage,
				Reply:          &done.AIMessage,
				Conversation:   &done.Conversation,
				Title:          done.Title,
			}
			return errStreamDone
		case "error":
			var e struct {
				Message string `json:"message"`
			}
			_ = json.Unmarshal(data, &e)
			return &StreamError{Message: e.Message}
		}
		return nil
	})
	switch {
	case errors.Is(err, errStreamDone):
		return res, nil
	case err != nil:
		return res, err
	case res == nil || res.Reply == nil:
		return res, errors.New("stream ended before the reply finished")
	}
	return res, nil
}

var errStreamDone = errors.New("stream done")

func encodeSend(params SendParams) (io.Reader, string, error) {
	if len(params.Images) == 0 {
		content := ""
		if params.Content != nil {
			content = *params.Content
		}
		data, err := json.Marshal(map[string]string{"content": content})
		if err != nil {
			return nil, "", fmt.Errorf("encode request: %w", err)
		}
		return strings.NewReader(string(data)), "application/json", nil
	}
	var buf strings.Builder
	w := multipart.NewWriter(&buf)
	if params.Content != nil && *params.Content != "" {
		if err := w.WriteField("content", *params.Content); err != nil {
			return nil, "", fmt.Errorf("encode content: %w", err)
		}
	}
	for _, img := range params.Images {
		part, err := w.CreateFormFile("images[]", img.Name)
		if err != nil {
			return nil, "", fmt.Errorf("encode image %s: %w", img.Name, err)
		}
		if _, err := part.Write(img.Data); err != nil {
			return nil, "", fmt.Errorf("encode image %s: %w", img.Name, err)
		}
	}
	if err := w.Close(); err != nil {
		return nil, "", fmt.Errorf("encode form: %w", err)
	}
	return strings.NewReader(buf.String()), w.FormDataContentType(), nil
}

// readEvents calls fn for each server-sent event until the body ends or fn returns an error.
func readEvents(r io.Reader, fn func(name string, data []byte) error) error {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 64<<10), 4<<20)
	var (
		name string
		data []string
	)
	flush := func() error {
		if name == "" && len(data) == 0 {
			return nil
		}
		if name == "" {
			name = "message"
		}
		err := fn(name, []byte(strings.Join(data, "\n")))
		name, data = "", nil
		return err
	}
	for scanner.Scan() {
		line := scanner.Text()
		switch {
		case line == "":
			if err := flush(); err != nil {
				return err
			}
		case strings.HasPrefix(line, ":"):
			// comment
		case strings.HasPrefix(line, "event:"):
			name = strings.TrimSpace(strings.TrimPrefix(line, "event:"))
		case strings.HasPrefix(line, "data:"):
			data = append(data, strings.TrimPrefix(strings.TrimPrefix(line, "data:"), " "))
		}
	}
	if err := scanner.Err(); err != nil {
		return fmt.Errorf("read event stream: %w", err)
	}
	return flush()
}
