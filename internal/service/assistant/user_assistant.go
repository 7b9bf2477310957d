package assistant

import (
	"context"
	"crypto/rand"
	"database/sql"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	netmail "net/mail"
	"net/url"
	"strings"
	"time"

	"wingman/internal/mail"
	"wingman/internal/models"

	"golang.org/x/crypto/bcrypt"
)

const DefaultConfirmationTTL = 24 * time.Hour

var (
	ErrInvalidCredentials  = errors.New("invalid credentials")
	ErrEmailTaken          = errors.New("email already registered")
	ErrEmailNotConfirmed   = errors.New("email not confirmed")
	ErrInvalidConfirmation = errors.New("invalid or expired confirmation token")
)

// Service handles user lifecycle and conversation persistence.
type Service struct {
	db         *sql.DB
	mailer     mail.Mailer
	publicURL  string
	confirmTTL time.Duration
	hashCost   int
	logger     *slog.Logger
}

// NewService builds a new assistant service. publicURL is the base of confirmation links.
func NewService(db *sql.DB, mailer mail.Mailer, publicURL string) *Service {
	if mailer == nil {
		mailer = mail.LogMailer{}
	}
	return &Service{
		db:         db,
		mailer:     mailer,
		publicURL:  strings.TrimRight(publicURL, "/"),
		confirmTTL: DefaultConfirmationTTL,
		hashCost:   bcrypt.DefaultCost,
		logger:     slog.Default(),
	}
}

// RegisterUser creates an unconfirmed user and mails a confirmation link.
func (s *Service) RegisterUser(ctx context.Context, email, password string) (*models.User, error) {
	email, err := normalizeEmail(email)
	if err != nil {
		return nil, err
	}
	if len(strings.TrimSpace(password)) < 8 {
		return nil, errors.New("password must be at least 8 characters")
	}

	var exists bool
	if err := s.db.QueryRowContext(ctx, `SELECT EXISTS(SELECT 1 FROM users WHERE email = ?)`, email).Scan(&exists); err != nil {
		return nil, fmt.Errorf("check email: %w", err)
	}
	if exists {
		return nil, ErrEmailTaken
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(password), s.hashCost)
	if err != nil {
		return nil, fmt.Errorf("hash password: %w", err)
	}
	now := time.Now().UTC()
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO users (email, password_hash, created_at) VALUES (?, ?, ?)`,
		email, string(hash), now,
	)
	if err != nil {
		return nil, fmt.Errorf("create user: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return nil, fmt.Errorf("user id: %w", err)
	}
	user := &models.User{ID: id, Email: email, PasswordHash: string(hash), CreatedAt: now}
	if err := s.sendConfirmation(ctx, user); err != nil {
		return nil, err
	}
	return user, nil
}

// ConfirmEmail consumes a confirmation token and marks the owner confirmed.
func (s *Service) ConfirmEmail(ctx context.Context, token string) (*models.User, error) {
	token = strings.TrimSpace(token)
	if token == "" {
		return nil, ErrInvalidConfirmation
	}
	var (
		userID  int64
		expires time.Time
	)
	err := s.db.QueryRowContext(ctx,
		`SELECT user_id, expires_at FROM email_confirmations WHERE token = ?`, token,
	).Scan(&userID, &expires)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrInvalidConfirmation
		}
		return nil, fmt.Errorf("lookup confirmation: %w", err)
	}
	if time.Now().UTC().After(expires) {
		_, _ = s.db.ExecContext(ctx, `DELETE FROM email_confirmations WHERE token = ?`, token)
		return nil, ErrInvalidConfirmation
	}

	now := time.Now().UTC()
	if _, err := s.db.ExecContext(ctx,
		`UPDATE users SET confirmed_at = ? WHERE id = ? AND confirmed_at IS NULL`, now, userID,
	); err != nil {
		return nil, fmt.Errorf("confirm user: %w", err)
	}
	if _, err := s.db.ExecContext(ctx, `DELETE FROM email_confirmations WHERE user_id = ?`, userID); err != nil {
		return nil, fmt.Errorf("consume confirmation: %w", err)
	}
	return s.GetUser(ctx, userID)
}

// ResendConfirmation mails a fresh link. Unknown or already confirmed addresses are a silent no-op.
func (s *Service) ResendConfirmation(ctx context.Context, email string) error {
	email, err := normalizeEmail(email)
	if err != nil {
		return err
	}
	user, err := s.userByEmail(ctx, email)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil
		}
		return err
	}
	if user.Confirmed() {
		return nil
	}
	if _, err := s.db.ExecContext(ctx, `DELETE FROM email_confirmations WHERE user_id = ?`, user.ID); err != nil {
		return fmt.Errorf("drop old confirmations: %w", err)
	}
	return s.sendConfirmation(ctx, user)
}

// Login validates credentials and returns the user profile.
func (s *Service) Login(ctx context.Context, email, password string) (*models.User, error) {
	email = strings.ToLower(strings.TrimSpace(email))
	if email == "" || password == "" {
		return nil, errors.New("email and password are required")
	}
	user, err := s.userByEmail(ctx, email)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrInvalidCredentials
		}
		return nil, err
	}
	if err := bcrypt.CompareHashAndPassword([]byte(user.PasswordHash), []byte(password)); err != nil {
		return nil, ErrInvalidCredentials
	}
	if !user.Confirmed() {
		return nil, ErrEmailNotConfirmed
	}
	return user, nil
}

// GetUser loads a user by id; sql.ErrNoRows when absent.
func (s *Service) GetUser(ctx context.Context, id int64) (*models.User, error) {
	return s.scanUser(s.db.QueryRowContext(ctx,
		`SELECT id, email, password_hash, confirmed_at, created_at FROM users WHERE id = ?`, id,
	))
}

// DeleteUser removes a user and cascaded data.
func (s *Service) DeleteUser(ctx context.Context, id int64) error {
	if id <= 0 {
		return errors.New("invalid user id")
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	for _, stmt := range []string{
		`DELETE FROM messages WHERE user_id = ?`,
		`DELETE FROM conversations WHERE user_id = ?`,
		`DELETE FROM email_confirmations WHERE user_id = ?`,
		`DELETE FROM subscriptions WHERE user_id = ?`,
	} {
		if _, err := tx.ExecContext(ctx, stmt, id); err != nil {
			return fmt.Errorf("delete user data: %w", err)
		}
	}
	res, err := tx.ExecContext(ctx, `DELETE FROM users WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("delete user: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("rows affected: %w", err)
	}
	if affected == 0 {
		return sql.ErrNoRows
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit delete user: %w", err)
	}
	return nil
}

func (s *Service) userByEmail(ctx context.Context, email string) (*models.User, error) {
	return s.scanUser(s.db.QueryRowContext(ctx,
		`SELECT id, email, password_hash, confirmed_at, created_at FROM users WHERE email = ?`, email,
	))
}

func (s *Service) scanUser(row *sql.Row) (*models.User, error) {
	var (
		user      models.User
		confirmed sql.NullTime
	)
	if err := row.Scan(&user.ID, &user.Email, &user.PasswordHash, &confirmed, &user.CreatedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, err
		}
		return nil, fmt.Errorf("query user: %w", err)
	}
	if confirmed.Valid {
		t := confirmed.Time
		user.ConfirmedAt = &t
	}
	return &user, nil
}

func (s *Service) sendConfirmation(ctx context.Context, user *models.User) error {
	token, err := randomToken()
	if err != nil {
		return err
	}
	now := time.Now().UTC()
	if _, err := s.db.ExecContext(ctx,
		`INSERT INTO email_confirmations (token, user_id, created_at, expires_at) VALUES (?, ?, ?, ?)`,
		token, user.ID, now, now.Add(s.confirmTTL),
	); err != nil {
		return fmt.Errorf("store confirmation: %w", err)
	}
	link := s.publicURL + "/confirm?token=" + url.QueryEscape(token)
	body := "Welcome to Wingman!\n\nConfirm your email address by opening this link:\n" + link +
		"\n\nThe link expires in " + s.confirmTTL.String() + "."
	if err := s.mailer.Send(ctx, user.Email, "Confirm your Wingman account", body); err != nil {
		// the token is stored, the user can ask for a resend
		s.logger.WarnContext(ctx, "send confirmation mail", "user_id", user.ID, "err", err)
	}
	return nil
}

func normalizeEmail(email string) (string, error) {
	email = strings.ToLower(strings.TrimSpace(email))
	if email == "" {
		return "", errors.New("email is required")
	}
	addr, err := netmail.ParseAddress(email)
	if err != nil || addr.Address != email {
		return "", errors.New("invalid email address")
	}
	return email, nil
}

func randomToken() (string, error) {
	buf := make([]byte, 24)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("generate token: %w", err)
	}
	return hex.EncodeToString(buf), nil
}
