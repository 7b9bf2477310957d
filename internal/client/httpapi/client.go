// Package httpapi is the client side of the wingman HTTP API.
package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"

	"wingman/internal/models"
)

// ErrNotFoundOrForbidden is returned when a conversation is missing or owned by someone else.
var ErrNotFoundOrForbidden = errors.New("conversation not found or not accessible")

// ErrNoSession is returned by calls that need a login.
var ErrNoSession = errors.New("not logged in")

// APIError is a non-2xx answer from the server.
type APIError struct {
	StatusCode int
	Message    string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("server returned %d: %s", e.StatusCode, e.Message)
}

// Client talks to one server with bearer token auth. It is safe for concurrent use.
type Client struct {
	baseURL string
	http    *http.Client

	mu    sync.RWMutex
	token string
}

// New returns a client for baseURL. A nil httpClient uses one without a timeout, since replies stream.
func New(baseURL string, httpClient *http.Client) *Client {
	if httpClient == nil {
		httpClient = &http.Client{}
	}
	return &Client{baseURL: strings.TrimRight(baseURL, "/"), http: httpClient}
}

func (c *Client) Token() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.token
}

func (c *Client) SetToken(token string) {
	c.mu.Lock()
	c.token = token
	c.mu.Unlock()
}

// HasSession reports whether a token is held. The server may still reject it.
func (c *Client) HasSession() bool {
	return c.Token() != ""
}

func (c *Client) Register(ctx context.Context, email, password string) error {
	return c.doJSON(ctx, http.MethodPost, "/api/auth/register", map[string]string{
		"email":    email,
		"password": password,
	}, nil, false)
}

func (c *Client) Confirm(ctx context.Context, token string) error {
	return c.doJSON(ctx, http.MethodPost, "/api/auth/confirm", map[string]string{"token": token}, nil, false)
}

func (c *Client) ResendConfirmation(ctx context.Context, email string) error {
	return c.doJSON(ctx, http.MethodPost, "/api/auth/resend", map[string]string{"email": email}, nil, false)
}

// Login stores the returned token for later calls.
func (c *Client) Login(ctx context.Context, email, password string) error {
	var resp struct {
		AuthToken string `json:"auth_token"`
	}
	if err := c.doJSON(ctx, http.MethodPost, "/api/auth/login", map[string]string{
		"email":    email,
		"password": password,
	}, &resp, false); err != nil {
		return err
	}
	if resp.AuthToken == "" {
		return errors.New("login response carried no token")
	}
	c.SetToken(resp.AuthToken)
	return nil
}

// Logout revokes the token server side and forgets it locally either way.
func (c *Client) Logout(ctx context.Context) error {
	if !c.HasSession() {
		return nil
	}
	err := c.doJSON(ctx, http.MethodPost, "/api/auth/logout", nil, nil, true)
	c.SetToken("")
	return err
}

// ListConversations returns the caller's conversations, most recently active first.
func (c *Client) ListConversations(ctx context.Context) ([]models.Conversation, error) {
	var resp struct {
		Conversations []models.Conversation `json:"conversations"`
	}
	if err := c.doJSON(ctx, http.MethodGet, "/api/conversations", nil, &resp, true); err != nil {
		return nil, err
	}
	return resp.Conversations, nil
}

// ListMessages returns the messages of one conversation in creation order.
func (c *Client) ListMessages(ctx context.Context, conversationID string) ([]models.Message, error) {
	var resp struct {
		Messages []models.Message `json:"messages"`
	}
	if err := c.doJSON(ctx, http.MethodGet, "/api/conversations/"+url.PathEscape(conversationID)+"/messages", nil, &resp, true); err != nil {
		return nil, err
	}
	return resp.Messages, nil
}

func (c *Client) RenameConversation(ctx context.Context, conversationID, title string) (*models.Conversation, error) {
	var conv models.Conversation
	if err := c.doJSON(ctx, http.MethodPatch, "/api/conversations/"+url.PathEscape(conversationID),
		map[string]string{"title": title}, &conv, true); err != nil {
		return nil, err
	}
	return &conv, nil
}

func (c *Client) DeleteConversation(ctx context.Context, conversationID string) error {
	return c.doJSON(ctx, http.MethodDelete, "/api/conversations/"+url.PathEscape(conversationID), nil, nil, true)
}

// Subscription returns the caller's billing status.
func (c *Client) Subscription(ctx context.Context) (*models.Subscription, error) {
	var sub models.Subscription
	if err := c.doJSON(ctx, http.MethodGet, "/api/billing/subscription", nil, &sub, true); err != nil {
		return nil, err
	}
	return &sub, nil
}

// Checkout starts a subscription and returns the payment page to open.
func (c *Client) Checkout(ctx context.Context, plan string) (string, error) {
	var resp struct {
		URL string `json:"url"`
	}
	if err := c.doJSON(ctx, http.MethodPost, "/api/billing/checkout", map[string]string{"plan": plan}, &resp, true); err != nil {
		return "", err
	}
	return resp.URL, nil
}

func (c *Client) CancelSubscription(ctx context.Context) error {
	return c.doJSON(ctx, http.MethodPost, "/api/billing/cancel", nil, nil, true)
}

func (c *Client) doJSON(ctx context.Context, method, path string, body, out any, authed bool) error {
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("encode request: %w", err)
		}
		reader = bytes.NewReader(data)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if authed {
		if err := c.authorize(req); err != nil {
			return err
		}
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s: %w", method, path, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return statusError(resp)
	}
	if out == nil || resp.StatusCode == http.StatusNoContent {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode %s response: %w", path, err)
	}
	return nil
}

func (c *Client) authorize(req *http.Request) error {
	token := c.Token()
	if token == "" {
		return ErrNoSession
	}
	req.Header.Set("Authorization", "Bearer "+token)
	return nil
}

func statusError(resp *http.Response) error {
	raw, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
	var body struct {
		Error string `json:"error"`
	}
	msg := strings.TrimSpace(string(raw))
	if json.Unmarshal(raw, &body) == nil && body.Error != "" {
		msg = body.Error
	}
	// the server answers 404 for conversations owned by someone else too
	if resp.StatusCode == http.StatusNotFound {
		return fmt.Errorf("%w: %s", ErrNotFoundOrForbidden, msg)
	}
	return &APIError{StatusCode: resp.StatusCode, Message: msg}
}

// IsBusy reports whether err is the server asking the caller to retry later.
func IsBusy(err error) bool {
	var apiErr *APIError
	return errors.As(err, &apiErr) && apiErr.StatusCode == http.StatusTooManyRequests
}
