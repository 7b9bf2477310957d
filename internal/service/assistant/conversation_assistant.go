package assistant

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"wingman/internal/models"

	"github.com/google/uuid"
)

const maxTitleLength = 120

// CreateConversation inserts a new conversation for the user and returns the record.
func (s *Service) CreateConversation(ctx context.Context, userID int64, title string) (*models.Conversation, error) {
	if userID <= 0 {
		return nil, errors.New("user_id is required")
	}
	title = cleanTitle(title)
	if title == "" {
		title = models.DefaultConversationTitle
	}
	now := time.Now().UTC()
	conv := &models.Conversation{
		ID:            uuid.NewString(),
		UserID:        userID,
		Title:         title,
		CreatedAt:     now,
		LastMessageAt: now,
	}
	if _, err := s.db.ExecContext(ctx,
		`INSERT INTO conversations (id, user_id, title, created_at, last_message_at) VALUES (?, ?, ?, ?, ?)`,
		conv.ID, conv.UserID, conv.Title, conv.CreatedAt, conv.LastMessageAt,
	); err != nil {
		return nil, fmt.Errorf("create conversation: %w", err)
	}
	return conv, nil
}

// ListConversations returns the user's conversations, most recent activity first.
func (s *Service) ListConversations(ctx context.Context, userID int64) ([]models.Conversation, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, user_id, title, created_at, last_message_at FROM conversations
		 WHERE user_id = ? ORDER BY last_message_at DESC, created_at DESC`,
		userID,
	)
	if err != nil {
		return nil, fmt.Errorf("list conversations: %w", err)
	}
	defer rows.Close()

	conversations := []models.Conversation{}
	for rows.Next() {
		var c models.Conversation
		if err := rows.Scan(&c.ID, &c.UserID, &c.Title, &c.CreatedAt, &c.LastMessageAt); err != nil {
			return nil, fmt.Errorf("scan conversation: %w", err)
		}
		conversations = append(conversations, c)
	}
	return conversations, rows.Err()
}

// GetConversation returns one conversation owned by the user, sql.ErrNoRows otherwise.
func (s *Service) GetConversation(ctx context.Context, userID int64, conversationID string) (*models.Conversation, error) {
	var c models.Conversation
	err := s.db.QueryRowContext(ctx,
		`SELECT id, user_id, title, created_at, last_message_at FROM conversations WHERE id = ? AND user_id = ?`,
		conversationID, userID,
	).Scan(&c.ID, &c.UserID, &c.Title, &c.CreatedAt, &c.LastMessageAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, err
		}
		return nil, fmt.Errorf("get conversation: %w", err)
	}
	return &c, nil
}

// GetConversationWithMessages returns one conversation and its messages in creation order.
// A conversation that does not exist and one owned by someone else both yield sql.ErrNoRows.
func (s *Service) GetConversationWithMessages(ctx context.Context, userID int64, conversationID string) (*models.Conversation, []models.Message, error) {
	conv, err := s.GetConversation(ctx, userID, conversationID)
	if err != nil {
		return nil, nil, err
	}
	messages, err := s.listMessages(ctx, conversationID)
	if err != nil {
		return conv, nil, err
	}
	return conv, messages, nil
}

func (s *Service) listMessages(ctx context.Context, conversationID string) ([]models.Message, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, conversation_id, user_id, sender, content, image_urls, image_description, created_at
		 FROM messages WHERE conversation_id = ? ORDER BY created_at ASC`,
		conversationID,
	)
	if err != nil {
		return nil, fmt.Errorf("list messages: %w", err)
	}
	defer rows.Close()

	messages := []models.Message{}
	for rows.Next() {
		var (
			m           models.Message
			content     sql.NullString
			imageURLs   string
			description sql.NullString
		)
		if err := rows.Scan(&m.ID, &m.ConversationID, &m.UserID, &m.Sender, &content, &imageURLs, &description, &m.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan message: %w", err)
		}
		if content.Valid {
			m.Content = &content.String
		}
		if description.Valid {
			m.ImageDescription = &description.String
		}
		m.ImageURLs = []string{}
		if imageURLs != "" {
			if err := json.Unmarshal([]byte(imageURLs), &m.ImageURLs); err != nil {
				return nil, fmt.Errorf("decode image urls of %s: %w", m.ID, err)
			}
		}
		messages = append(messages, m)
	}
	return messages, rows.Err()
}

// AddMessage stores a message in a conversation the user owns and bumps last_message_at.
func (s *Service) AddMessage(ctx context.Context, msg models.Message) (*models.Message, error) {
	if msg.UserID <= 0 {
		return nil, errors.New("user_id is required")
	}
	if msg.ConversationID == "" {
		return nil, errors.New("conversation_id is required")
	}
	if msg.Sender != models.SenderUser && msg.Sender != models.SenderAssistant {
		return nil, fmt.Errorf("invalid sender %q", msg.Sender)
	}
	if msg.Content != nil && strings.TrimSpace(*msg.Content) == "" {
		msg.Content = nil
	}
	if msg.Content == nil && len(msg.ImageURLs) == 0 {
		return nil, errors.New("message needs content or images")
	}
	if msg.ImageURLs == nil {
		msg.ImageURLs = []string{}
	}
	urls, err := json.Marshal(msg.ImageURLs)
	if err != nil {
		return nil, fmt.Errorf("encode image urls: %w", err)
	}

	now := time.Now().UTC()
	if msg.ID == "" {
		msg.ID = uuid.NewString()
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx,
		`UPDATE conversations SET last_message_at = ? WHERE id = ? AND user_id = ?`,
		now, msg.ConversationID, msg.UserID,
	)
	if err != nil {
		return nil, fmt.Errorf("touch conversation: %w", err)
	}
	if affected, err := res.RowsAffected(); err != nil {
		return nil, fmt.Errorf("conversation rows affected: %w", err)
	} else if affected == 0 {
		return nil, sql.ErrNoRows
	}
	if _, err := tx.ExecContext(ctx,
		`INSERT INTO messages (id, conversation_id, user_id, sender, content, image_urls, image_description, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		msg.ID, msg.ConversationID, msg.UserID, msg.Sender, nullableString(msg.Content), string(urls), nullableString(msg.ImageDescription), now,
	); err != nil {
		return nil, fmt.Errorf("insert message: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit message: %w", err)
	}
	msg.CreatedAt = now
	msg.Optimistic = false
	msg.SendFailed = false
	return &msg, nil
}

// SetImageDescription attaches the vision model's description to a stored message.
func (s *Service) SetImageDescription(ctx context.Context, userID int64, messageID, description string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE messages SET image_description = ? WHERE id = ? AND user_id = ?`,
		nullableString(&description), messageID, userID,
	)
	if err != nil {
		return fmt.Errorf("set image description: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("message rows affected: %w", err)
	}
	if affected == 0 {
		return sql.ErrNoRows
	}
	return nil
}

// DeleteConversation removes a conversation and all related messages for the user.
func (s *Service) DeleteConversation(ctx context.Context, userID int64, conversationID string) error {
	if conversationID == "" {
		return errors.New("invalid conversation id")
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx,
		`DELETE FROM messages WHERE conversation_id = ? AND user_id = ?`, conversationID, userID,
	); err != nil {
		return fmt.Errorf("delete messages: %w", err)
	}
	res, err := tx.ExecContext(ctx, `DELETE FROM conversations WHERE id = ? AND user_id = ?`, conversationID, userID)
	if err != nil {
		return fmt.Errorf("delete conversation: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("conversation rows affected: %w", err)
	}
	if affected == 0 {
		return sql.ErrNoRows
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit delete conversation: %w", err)
	}
	return nil
}

// RenameConversation sets a conversation title for the specified user.
func (s *Service) RenameConversation(ctx context.Context, userID int64, conversationID, title string) error {
	title = cleanTitle(title)
	if title == "" {
		return errors.New("title cannot be empty")
	}
	res, err := s.db.ExecContext(ctx,
		`UPDATE conversations SET title = ? WHERE id = ? AND user_id = ?`,
		title, conversationID, userID,
	)
	if err != nil {
		return fmt.Errorf("update conversation title: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("conversation rows affected: %w", err)
	}
	if affected == 0 {
		return sql.ErrNoRows
	}
	return nil
}

func cleanTitle(title string) string {
	title = strings.Join(strings.Fields(title), " ")
	title = strings.Trim(title, `"'`)
	if r := []rune(title); len(r) > maxTitleLength {
		title = string(r[:maxTitleLength])
	}
	return title
}

func nullableString(s *string) any {
	if s == nil || *s == "" {
		return nil
	}
	return *s
}
