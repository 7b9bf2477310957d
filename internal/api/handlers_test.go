package api

import (
	"bytes"
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gin-gonic/gin"

	"wingman/internal/auth"
	"wingman/internal/billing"
	"wingman/internal/config"
	"wingman/internal/models"
	"wingman/internal/objectstore"
	"wingman/internal/service/assistant"
	"wingman/internal/storage"
	"wingman/internal/worker"
)

func TestHandlersEndToEndFlow(t *testing.T) {
	srv := newTestServer(t, testOptions{})

	email := fmt.Sprintf("tester_%d@example.com", time.Now().UnixNano())
	password := "pass12345"

	regResp := doJSONRequest(t, srv.router, http.MethodPost, "/api/auth/register", map[string]string{
		"email":    email,
		"password": password,
	}, nil)
	assertStatus(t, regResp, http.StatusCreated)

	// Login is refused until the address is confirmed.
	early := doJSONRequest(t, srv.router, http.MethodPost, "/api/auth/login", map[string]string{
		"email":    email,
		"password": password,
	}, nil)
	assertStatus(t, early, http.StatusForbidden)

	confirmResp := doJSONRequest(t, srv.router, http.MethodPost, "/api/auth/confirm", map[string]string{
		"token": srv.mailer.lastToken(t),
	}, nil)
	assertStatus(t, confirmResp, http.StatusOK)

	authHeader := login(t, srv.router, email, password)

	// Send into a new conversation.
	sendResp := doJSONRequest(t, srv.router, http.MethodPost, "/api/conversations/new/messages",
		map[string]string{"content": "She said she loves hiking. What do I reply?"}, authHeader)
	assertStatus(t, sendResp, http.StatusOK)
	events := parseSSE(t, sendResp.Body.String())
	if len(events) < 3 {
		t.Fatalf("expected at least 3 SSE events, got %d", len(events))
	}
	if events[0].Name != "ack" {
		t.Fatalf("expected first SSE event to be ack, got %s", events[0].Name)
	}
	var ackPayload struct {
		Message struct {
			Content string `json:"content"`
		} `json:"message"`
		ConversationID string `json:"conversation_id"`
		Created        bool   `json:"created"`
	}
	decodeJSON(t, []byte(events[0].Data), &ackPayload)
	if !ackPayload.Created || ackPayload.ConversationID == "" {
		t.Fatalf("ack should report the created conversation: %+v", ackPayload)
	}
	for _, evt := range events[1 : len(events)-1] {
		if evt.Name != "stream" {
			t.Fatalf("expected stream event, got %s", evt.Name)
		}
	}
	last := events[len(events)-1]
	if last.Name != "done" {
		t.Fatalf("expected done event, got %s", last.Name)
	}
	var donePayload struct {
		Title string `json:"title"`
		AI    struct {
			Content string `json:"content"`
		} `json:"ai_message"`
		Conversation struct {
			ID string `json:"id"`
		} `json:"conversation"`
	}
	decodeJSON(t, []byte(last.Data), &donePayload)
	if donePayload.Title != "Hiking opener" || donePayload.AI.Content == "" {
		t.Fatalf("done payload missing title or ai content: %s", last.Data)
	}
	convID := donePayload.Conversation.ID
	if convID != ackPayload.ConversationID {
		t.Fatalf("conversation id changed between ack and done")
	}
	if n := countMessages(t, srv.db, convID); n != 2 {
		t.Fatalf("expected 2 messages, got %d", n)
	}

	// Second turn sees the first exchange as history.
	second := doJSONRequest(t, srv.router, http.MethodPost, "/api/conversations/"+convID+"/messages",
		map[string]string{"content": "Something funnier?"}, authHeader)
	assertStatus(t, second, http.StatusOK)
	if got := srv.ai.lastHistoryLen(); got != 2 {
		t.Fatalf("expected 2 history messages on second turn, got %d", got)
	}

	listResp := doJSONRequest(t, srv.router, http.MethodGet, "/api/conversations", nil, authHeader)
	assertStatus(t, listResp, http.StatusOK)
	var listBody struct {
		Conversations []models.Conversation `json:"conversations"`
	}
	decodeJSON(t, listResp.Body.Bytes(), &listBody)
	if len(listBody.Conversations) != 1 || listBody.Conversations[0].Title != "Hiking opener" {
		t.Fatalf("unexpected conversation list: %+v", listBody.Conversations)
	}

	msgResp := doJSONRequest(t, srv.router, http.MethodGet, "/api/conversations/"+convID+"/messages", nil, authHeader)
	assertStatus(t, msgResp, http.StatusOK)
	var msgBody struct {
		Messages []models.Message `json:"messages"`
	}
	decodeJSON(t, msgResp.Body.Bytes(), &msgBody)
	if len(msgBody.Messages) != 4 {
		t.Fatalf("expected 4 messages, got %d", len(msgBody.Messages))
	}
	if msgBody.Messages[0].Sender != models.SenderUser || msgBody.Messages[1].Sender != models.SenderAssistant {
		t.Fatalf("unexpected message order: %+v", msgBody.Messages)
	}

	renameResp := doJSONRequest(t, srv.router, http.MethodPatch, "/api/conversations/"+convID,
		map[string]string{"title": "Trail talk"}, authHeader)
	assertStatus(t, renameResp, http.StatusOK)
	var renamed models.Conversation
	decodeJSON(t, renameResp.Body.Bytes(), &renamed)
	if renamed.Title != "Trail talk" {
		t.Fatalf("rename not applied: %+v", renamed)
	}

	delResp := doJSONRequest(t, srv.router, http.MethodDelete, "/api/conversations/"+convID, nil, authHeader)
	assertStatus(t, delResp, http.StatusNoContent)
	gone := doJSONRequest(t, srv.router, http.MethodGet, "/api/conversations/"+convID+"/messages", nil, authHeader)
	assertStatus(t, gone, http.StatusNotFound)

	logoutResp := doJSONRequest(t, srv.router, http.MethodPost, "/api/auth/logout", nil, authHeader)
	assertStatus(t, logoutResp, http.StatusNoContent)
	meResp := doJSONRequest(t, srv.router, http.MethodGet, "/api/me", nil, authHeader)
	assertStatus(t, meResp, http.StatusUnauthorized)
}

func TestConversationsAreOwnerOnly(t *testing.T) {
	srv := newTestServer(t, testOptions{})
	_, owner := registerAndLogin(t, srv)
	_, other := registerAndLogin(t, srv)

	resp := doJSONRequest(t, srv.router, http.MethodPost, "/api/conversations/new/messages",
		map[string]string{"content": "hi"}, owner)
	assertStatus(t, resp, http.StatusOK)
	convID := doneConversationID(t, resp)

	for _, tc := range []struct {
		method string
		path   string
		body   any
	}{
		{http.MethodGet, "/api/conversations/" + convID + "/messages", nil},
		{http.MethodPost, "/api/conversations/" + convID + "/messages", map[string]string{"content": "hijack"}},
		{http.MethodPatch, "/api/conversations/" + convID, map[string]string{"title": "mine"}},
		{http.MethodDelete, "/api/conversations/" + convID, nil},
	} {
		rec := doJSONRequest(t, srv.router, tc.method, tc.path, tc.body, other)
		assertStatus(t, rec, http.StatusNotFound)
	}

	listResp := doJSONRequest(t, srv.router, http.MethodGet, "/api/conversations", nil, other)
	assertStatus(t, listResp, http.StatusOK)
	if !strings.Contains(listResp.Body.String(), `"conversations":[]`) {
		t.Fatalf("other user should see an empty list: %s", listResp.Body.String())
	}
}

func TestRegisterValidation(t *testing.T) {
	srv := newTestServer(t, testOptions{})
	short := doJSONRequest(t, srv.router, http.MethodPost, "/api/auth/register", map[string]string{
		"email": "a@example.com", "password": "short",
	}, nil)
	assertStatus(t, short, http.StatusBadRequest)

	ok := doJSONRequest(t, srv.router, http.MethodPost, "/api/auth/register", map[string]string{
		"email": "a@example.com", "password": "long-enough",
	}, nil)
	assertStatus(t, ok, http.StatusCreated)
	dup := doJSONRequest(t, srv.router, http.MethodPost, "/api/auth/register", map[string]string{
		"email": "A@example.com", "password": "long-enough",
	}, nil)
	assertStatus(t, dup, http.StatusConflict)

	bad := doJSONRequest(t, srv.router, http.MethodPost, "/api/auth/confirm", map[string]string{"token": "nope"}, nil)
	assertStatus(t, bad, http.StatusBadRequest)

	resend := doJSONRequest(t, srv.router, http.MethodPost, "/api/auth/resend", map[string]string{"email": "nobody@example.com"}, nil)
	assertStatus(t, resend, http.StatusAccepted)
}

func TestCookieAuthRequiresCSRF(t *testing.T) {
	srv := newTestServer(t, testOptions{})
	email := fmt.Sprintf("cookie_%d@example.com", time.Now().UnixNano())
	registerConfirmed(t, srv, email, "pass12345")

	loginResp := doJSONRequest(t, srv.router, http.MethodPost, "/api/auth/login", map[string]string{
		"email": email, "password": "pass12345",
	}, nil)
	assertStatus(t, loginResp, http.StatusOK)
	var authCookie, csrfCookie *http.Cookie
	for _, ck := range loginResp.Result().Cookies() {
		switch ck.Name {
		case srv.auth.AuthCookieName():
			authCookie = ck
		case srv.auth.CSRFCookieName():
			csrfCookie = ck
		}
	}
	if authCookie == nil || csrfCookie == nil {
		t.Fatalf("login should set auth and csrf cookies")
	}

	send := func(withHeader bool) *httptest.ResponseRecorder {
		req := httptest.NewRequest(http.MethodPatch, "/api/conversations/missing", strings.NewReader(`{"title":"x"}`))
		req.Header.Set("Content-Type", "application/json")
		req.AddCookie(authCookie)
		req.AddCookie(csrfCookie)
		if withHeader {
			req.Header.Set(srv.auth.CSRFHeaderName(), csrfCookie.Value)
		}
		rec := httptest.NewRecorder()
		srv.router.ServeHTTP(rec, req)
		return rec
	}
	assertStatus(t, send(false), http.StatusForbidden)
	assertStatus(t, send(true), http.StatusNotFound)

	// reads need no csrf header
	req := httptest.NewRequest(http.MethodGet, "/api/me", nil)
	req.AddCookie(authCookie)
	rec := httptest.NewRecorder()
	srv.router.ServeHTTP(rec, req)
	assertStatus(t, rec, http.StatusOK)
}

func TestDeleteUser(t *testing.T) {
	srv := newTestServer(t, testOptions{})
	userID, header := registerAndLogin(t, srv)

	resp := doJSONRequest(t, srv.router, http.MethodPost, "/api/conversations/new/messages",
		map[string]string{"content": "hi"}, header)
	assertStatus(t, resp, http.StatusOK)

	delResp := doJSONRequest(t, srv.router, http.MethodDelete, "/api/me", nil, header)
	assertStatus(t, delResp, http.StatusNoContent)

	var n int
	if err := srv.db.QueryRow(`SELECT COUNT(*) FROM conversations WHERE user_id = ?`, userID).Scan(&n); err != nil || n != 0 {
		t.Fatalf("expected conversations removed, n=%d err=%v", n, err)
	}
	meResp := doJSONRequest(t, srv.router, http.MethodGet, "/api/me", nil, header)
	assertStatus(t, meResp, http.StatusUnauthorized)
}

func TestRouterHealthAndRequestID(t *testing.T) {
	srv := newTestServer(t, testOptions{})
	router := NewRouter(srv.handler, RouterConfig{
		AllowedOrigins: []string{"https://app.example.com"},
		Ready:          func() error { return srv.db.Ping() },
	})

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/livez", nil))
	assertStatus(t, rec, http.StatusOK)
	if rec.Header().Get("X-Request-ID") == "" {
		t.Fatalf("expected a generated request id")
	}

	rec = httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/readyz", nil))
	assertStatus(t, rec, http.StatusOK)

	req := httptest.NewRequest(http.MethodOptions, "/api/conversations", nil)
	req.Header.Set("Origin", "https://app.example.com")
	req.Header.Set("Access-Control-Request-Method", http.MethodGet)
	rec = httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	if rec.Header().Get("Access-Control-Allow-Origin") != "https://app.example.com" {
		t.Fatalf("cors preflight not answered: %v", rec.Header())
	}
}

// test server plumbing

type sentMail struct {
	to, body string
}

type recordingMailer struct {
	mu   sync.Mutex
	sent []sentMail
}

func (m *recordingMailer) Send(_ context.Context, to, _, body string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sent = append(m.sent, sentMail{to, body})
	return nil
}

func (m *recordingMailer) lastToken(t *testing.T) string {
	t.Helper()
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.sent) == 0 {
		t.Fatalf("no mail sent")
	}
	body := m.sent[len(m.sent)-1].body
	idx := strings.Index(body, "https://")
	if idx < 0 {
		t.Fatalf("no link in mail: %s", body)
	}
	u, err := url.Parse(strings.Fields(body[idx:])[0])
	if err != nil {
		t.Fatalf("parse link: %v", err)
	}
	return u.Query().Get("token")
}

type fakeAI struct {
	mu        sync.Mutex
	histories []int
	describe  string
}

func (f *fakeAI) DescribeImages(_ context.Context, urls []string, _ string) (string, error) {
	if f.describe == "" {
		return "", nil
	}
	return fmt.Sprintf("%s x%d", f.describe, len(urls)), nil
}

func (f *fakeAI) StreamReply(_ context.Context, history []models.Message, latest models.Message, onChunk func(string) error) (string, error) {
	f.mu.Lock()
	f.histories = append(f.histories, len(history))
	f.mu.Unlock()
	reply := "Try asking about her favorite trail."
	if latest.Text() == "" {
		reply = "Nice photos."
	}
	for _, part := range []int{len(reply) / 2, len(reply)} {
		if err := onChunk(reply[:part]); err != nil {
			return "", err
		}
	}
	return reply, nil
}

func (f *fakeAI) GenerateTitle(context.Context, []models.Message) (string, error) {
	return "Hiking opener", nil
}

func (f *fakeAI) lastHistoryLen() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.histories) == 0 {
		return -1
	}
	return f.histories[len(f.histories)-1]
}

type testOptions struct {
	uploader objectstore.Uploader
	billing  *billing.Service
	workers  WorkerManager
	ai       *fakeAI
	// billingCfg builds a billing service over the test database when set.
	billingCfg *config.BillingConfig
	provider   billing.Provider
}

type testServer struct {
	router  *gin.Engine
	db      *sql.DB
	handler *Handler
	auth    *auth.Service
	mailer  *recordingMailer
	ai      *fakeAI
	billing *billing.Service
}

func newTestServer(t *testing.T, opts testOptions) *testServer {
	t.Helper()
	gin.SetMode(gin.TestMode)

	cfg := &config.Config{Databases: map[string]config.DatabaseConfig{"sqlite3": {DSN: ":memory:"}}}
	db, err := storage.Open("sqlite3", cfg)
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	if err := storage.Migrate(db, "sqlite3"); err != nil {
		t.Fatalf("migrate db: %v", err)
	}

	mailer := &recordingMailer{}
	asst := assistant.NewService(db, mailer, "https://wingman.test")
	authSvc := auth.NewService(db, nil, time.Hour)

	fake := opts.ai
	if fake == nil {
		fake = &fakeAI{}
	}
	workers := opts.workers
	if workers == nil {
		manager := worker.NewManager(asst, fake, worker.DispatcherConfig{MinWorkers: 1, MaxWorkers: 2, QueueSize: 8})
		t.Cleanup(manager.Close)
		workers = manager
	}
	billingSvc := opts.billing
	if billingSvc == nil && opts.billingCfg != nil {
		billingSvc = billing.NewService(db, "sqlite3", opts.provider, *opts.billingCfg, nil, nil)
	}

	handler := NewHandler(Deps{
		Assistant: asst,
		Auth:      authSvc,
		Billing:   billingSvc,
		Uploader:  opts.uploader,
		Workers:   workers,
	})
	router := gin.New()
	handler.RegisterRoutes(router)
	return &testServer{
		router:  router,
		db:      db,
		handler: handler,
		auth:    authSvc,
		mailer:  mailer,
		ai:      fake,
		billing: billingSvc,
	}
}

func doJSONRequest(t *testing.T, router *gin.Engine, method, path string, body interface{}, headers map[string]string) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatalf("encode body: %v", err)
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	return rec
}

func decodeJSON(t *testing.T, data []byte, v interface{}) {
	t.Helper()
	if err := json.Unmarshal(data, v); err != nil {
		t.Fatalf("decode json: %v", err)
	}
}

func assertStatus(t *testing.T, rec *httptest.ResponseRecorder, want int) {
	t.Helper()
	if rec.Code != want {
		t.Fatalf("unexpected status %d (want %d), body: %s", rec.Code, want, rec.Body.String())
	}
}

func countMessages(t *testing.T, db *sql.DB, conversationID string) int {
	t.Helper()
	var count int
	if err := db.QueryRow(`SELECT COUNT(*) FROM messages WHERE conversation_id = ?`, conversationID).Scan(&count); err != nil {
		t.Fatalf("count messages: %v", err)
	}
	return count
}

func registerConfirmed(t *testing.T, srv *testServer, email, password string) int64 {
	t.Helper()
	regResp := doJSONRequest(t, srv.router, http.MethodPost, "/api/auth/register", map[string]string{
		"email":    email,
		"password": password,
	}, nil)
	assertStatus(t, regResp, http.StatusCreated)
	var regBody struct {
		ID int64 `json:"id"`
	}
	decodeJSON(t, regResp.Body.Bytes(), &regBody)
	confirm := doJSONRequest(t, srv.router, http.MethodGet, "/api/auth/confirm?token="+srv.mailer.lastToken(t), nil, nil)
	assertStatus(t, confirm, http.StatusOK)
	return regBody.ID
}

func login(t *testing.T, router *gin.Engine, email, password string) map[string]string {
	t.Helper()
	loginResp := doJSONRequest(t, router, http.MethodPost, "/api/auth/login", map[string]string{
		"email":    email,
		"password": password,
	}, nil)
	assertStatus(t, loginResp, http.StatusOK)
	var loginBody struct {
		AuthToken string `json:"auth_token"`
	}
	decodeJSON(t, loginResp.Body.Bytes(), &loginBody)
	if loginBody.AuthToken == "" {
		t.Fatalf("expected auth token after login")
	}
	return map[string]string{"Authorization": fmt.Sprintf("Bearer %s", loginBody.AuthToken)}
}

func registerAndLogin(t *testing.T, srv *testServer) (int64, map[string]string) {
	t.Helper()
	email := fmt.Sprintf("tester_%d@example.com", time.Now().UnixNano())
	id := registerConfirmed(t, srv, email, "pass12345")
	return id, login(t, srv.router, email, "pass12345")
}
