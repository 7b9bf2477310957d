package ai

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"wingman/internal/config"

	"github.com/cloudwego/eino-ext/components/tool/duckduckgo/v2"
	"github.com/cloudwego/eino-ext/components/tool/googlesearch"
	"github.com/cloudwego/eino/components/tool"
	"github.com/cloudwego/eino/components/tool/utils"
	"github.com/cloudwego/eino/schema"
)

const webSearchToolName = "web_search"

// InitTools returns the tools the assistant may call. It is empty when search is disabled.
func InitTools(cfg config.SearchConfig, logger *slog.Logger) []tool.BaseTool {
	if !cfg.Enabled {
		return nil
	}
	if ws := initWebSearch(cfg, logger); ws != nil {
		return []tool.BaseTool{ws}
	}
	return nil
}

func initWebSearch(cfg config.SearchConfig, logger *slog.Logger) tool.InvokableTool {
	googleTool := initGoogleSearch(cfg, logger)
	duckTool := initDDGSearch(logger)
	if googleTool == nil && duckTool == nil {
		logger.Warn("web search tool disabled: no search providers available")
		return nil
	}
	limit := cfg.RateLimit
	if limit <= 0 {
		limit = WebSearchRateLimit
	}
	ws := &webSearchTool{
		google:     googleTool,
		duck:       duckTool,
		httpClient: &http.Client{Timeout: WebSearchHTTPTimeout},
		limiter:    newSearchLimiter(limit, WebSearchRateWindow),
		logger:     logger,
	}
	info := &schema.ToolInfo{
		Name: webSearchToolName,
		Desc: "Search the web for places, events, and facts that help the user plan a date or keep a conversation going; " +
			"pass a URL to read that page instead.",
		ParamsOneOf: schema.NewParamsOneOfByParams(map[string]*schema.ParameterInfo{
			"query": {
				Desc:     "Natural language query or URL to read",
				Type:     schema.String,
				Required: true,
			},
		}),
	}
	return utils.NewTool(info, ws.run)
}

type webSearchTool struct {
	google     tool.InvokableTool
	duck       tool.InvokableTool
	httpClient *http.Client
	limiter    *searchLimiter
	logger     *slog.Logger
}

type webSearchParams struct {
	Query string `json:"query"`
}

func (w *webSearchTool) run(ctx context.Context, params *webSearchParams) (string, error) {
	if params == nil {
		return "", errors.New("missing search parameters")
	}
	query := strings.TrimSpace(params.Query)
	if query == "" {
		return "", errors.New("query must not be empty")
	}
	userID, _ := UserFromContext(ctx)
	if w.limiter != nil && !w.limiter.Allow(userID) {
		return "", errors.New("web search rate limit exceeded, please retry in a minute")
	}

	if looksLikeURL(query) {
		content, err := w.readPage(ctx, query)
		if err == nil {
			return content, nil
		}
		w.logger.Warn("read page failed, searching instead", "url", query, "err", err)
	}

	payloadBytes, err := json.Marshal(map[string]string{"query": query})
	if err != nil {
		return "", fmt.Errorf("marshal search params: %w", err)
	}
	payload := string(payloadBytes)

	if w.google != nil {
		result, err := w.google.InvokableRun(ctx, payload)
		if err == nil {
			return result, nil
		}
		w.logger.Warn("google search failed", "err", err)
	}
	if w.duck != nil {
		result, err := w.duck.InvokableRun(ctx, payload)
		if err == nil {
			return result, nil
		}
		w.logger.Warn("duckduckgo search failed", "err", err)
	}
	return "", errors.New("no search provider succeeded")
}

func initDDGSearch(logger *slog.Logger) tool.InvokableTool {
	duckTool, err := duckduckgo.NewTextSearchTool(context.Background(), &duckduckgo.Config{
		ToolName:   "web_search_ddg",
		ToolDesc:   "DuckDuckGo Search Tool (no token required)",
		MaxResults: 3,
		Region:     duckduckgo.RegionWT,
		Timeout:    10 * time.Second,
	})
	if err != nil {
		logger.Warn("duckduckgo search disabled", "err", err)
		return nil
	}
	return duckTool
}

func initGoogleSearch(cfg config.SearchConfig, logger *slog.Logger) tool.InvokableTool {
	if cfg.GoogleAPIKey == "" || cfg.GoogleSearchEngineID == "" {
		return nil
	}
	googleTool, err := googlesearch.NewTool(context.Background(), &googlesearch.Config{
		ToolName:       "web_search_google",
		ToolDesc:       "Google Search Tool",
		APIKey:         cfg.GoogleAPIKey,
		SearchEngineID: cfg.GoogleSearchEngineID,
		Lang:           "en",
		Num:            5,
	})
	if err != nil {
		logger.Warn("google search disabled", "err", err)
		return nil
	}
	return googleTool
}
