package ai

import (
	"context"
	"errors"
	"fmt"
	"io"
	"mime"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/PuerkitoBio/goquery"
)

const (
	WebSearchRateLimit   = 5
	WebSearchRateWindow  = time.Minute
	WebSearchHTTPTimeout = 10 * time.Second

	maxPageBytes = 512 << 10
	// maxPageText caps what a read page contributes to the prompt.
	maxPageText = 8000
)

type userContextKey struct{}

// WithUser tags ctx with the user a model call runs for, so tools can limit per user.
func WithUser(ctx context.Context, userID int64) context.Context {
	if userID <= 0 {
		return ctx
	}
	return context.WithValue(ctx, userContextKey{}, userID)
}

func UserFromContext(ctx context.Context) (int64, bool) {
	userID, ok := ctx.Value(userContextKey{}).(int64)
	return userID, ok
}

// searchLimiter allows each user limit searches per sliding window. Calls without a user share
// the bucket of user 0.
type searchLimiter struct {
	limit  int
	window time.Duration
	now    func() time.Time

	mu   sync.Mutex
	hits map[int64][]time.Time
}

func newSearchLimiter(limit int, window time.Duration) *searchLimiter {
	return &searchLimiter{limit: limit, window: window, now: time.Now, hits: make(map[int64][]time.Time)}
}

func (l *searchLimiter) Allow(userID int64) bool {
	now := l.now()
	cutoff := now.Add(-l.window)

	l.mu.Lock()
	defer l.mu.Unlock()
	recent := l.hits[userID]
	for len(recent) > 0 && !recent[0].After(cutoff) {
		recent = recent[1:]
	}
	if len(recent) >= l.limit {
		l.hits[userID] = recent
		return false
	}
	l.hits[userID] = append(recent, now)
	return true
}

// readPage fetches target and returns its readable text: title, meta description and body
// text for HTML, the raw body for anything else.
func (w *webSearchTool) readPage(ctx context.Context, target string) (string, error) {
	parsed, err := url.Parse(target)
	if err != nil || (parsed.Scheme != "http" && parsed.Scheme != "https") || parsed.Host == "" {
		return "", errors.New("only absolute http(s) urls can be read")
	}
	client := w.httpClient
	if client == nil {
		client = &http.Client{Timeout: WebSearchHTTPTimeout}
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, parsed.String(), nil)
	if err != nil {
		return "", fmt.Errorf("build page request: %w", err)
	}
	req.Header.Set("User-Agent", "Wingman-WebSearch/1.0")
	resp, err := client.Do(req)
	if err != nil {
		return "", fmt.Errorf("fetch page: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("fetch page: %s", resp.Status)
	}

	body := io.LimitReader(resp.Body, maxPageBytes)
	mediaType, _, _ := mime.ParseMediaType(resp.Header.Get("Content-Type"))
	if mediaType != "text/html" && mediaType != "application/xhtml+xml" {
		raw, err := io.ReadAll(body)
		if err != nil {
			return "", fmt.Errorf("read page: %w", err)
		}
		return truncate(string(raw), maxPageText), nil
	}

	doc, err := goquery.NewDocumentFromReader(body)
	if err != nil {
		return "", fmt.Errorf("parse page: %w", err)
	}
	doc.Find("script, style, noscript, svg, nav, footer").Remove()

	var sb strings.Builder
	if title := strings.TrimSpace(doc.Find("title").First().Text()); title != "" {
		sb.WriteString(title)
		sb.WriteString("\n")
	}
	if desc, ok := doc.Find(`meta[name="description"]`).Attr("content"); ok && strings.TrimSpace(desc) != "" {
		sb.WriteString(strings.TrimSpace(desc))
		sb.WriteString("\n")
	}
	root := doc.Find("main, article").First()
	if root.Length() == 0 {
		root = doc.Find("body")
	}
	sb.WriteString(strings.Join(strings.Fields(root.Text()), " "))
	return truncate(strings.TrimSpace(sb.String()), maxPageText), nil
}

func looksLikeURL(input string) bool {
	lower := strings.ToLower(input)
	return strings.HasPrefix(lower, "http://") || strings.HasPrefix(lower, "https://")
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	cut := n
	for cut > 0 && !utf8RuneStart(s[cut]) {
		cut--
	}
	return s[:cut]
}

func utf8RuneStart(b byte) bool {
	return b&0xC0 != 0x80
}
