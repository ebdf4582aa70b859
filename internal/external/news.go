package external

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/finassist/ragagent/internal/config"
	"github.com/finassist/ragagent/internal/metrics"
)

// NewsQuery carries the parameters of a news search. Zero values mean
// "let the provider decide" except MaxResults, which defaults to 5.
type NewsQuery struct {
	Query          string   `json:"query"`
	MaxResults     int      `json:"max_results"`
	SearchDepth    string   `json:"search_depth"`
	Topic          string   `json:"topic,omitempty"`
	Days           int      `json:"days,omitempty"`
	IncludeDomains []string `json:"include_domains,omitempty"`
	ExcludeDomains []string `json:"exclude_domains,omitempty"`
	IncludeAnswer  bool     `json:"include_answer"`
}

// NewsItem is a single search hit as the provider returns it.
type NewsItem struct {
	Title       string  `json:"title"`
	URL         string  `json:"url"`
	Content     string  `json:"content,omitempty"`
	Snippet     string  `json:"snippet,omitempty"`
	Score       float64 `json:"score,omitempty"`
	PublishedAt string  `json:"published_at,omitempty"`
}

// NewsResponse mirrors the collaborator response shape: status "ok" for live
// or cached data, "stub" when the provider failed and placeholder results
// were substituted.
type NewsResponse struct {
	Status  string     `json:"status"`
	Results []NewsItem `json:"results"`
	Cached  bool       `json:"cached"`
	Error   string     `json:"error,omitempty"`
}

// NewsClient queries the Tavily search API for finance news. Like the
// central bank client, it degrades to stub results when unconfigured or on
// upstream failure instead of surfacing an error to the conversation.
type NewsClient struct {
	cfg   config.NewsConfig
	http  *http.Client
	cache ResponseCache
	log   *zap.Logger
}

func NewNewsClient(cfg config.NewsConfig, cache ResponseCache, log *zap.Logger) *NewsClient {
	if cache == nil {
		cache = NewLocalCache()
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 8 * time.Second
	}
	return &NewsClient{
		cfg:   cfg,
		http:  &http.Client{Timeout: timeout},
		cache: cache,
		log:   log.Named("news"),
	}
}

// Search runs a news query. Successful result sets are cached by the full
// query shape for the configured TTL; stub fallbacks after an API error are
// returned with status "stub" and are never cached.
func (c *NewsClient) Search(ctx context.Context, q NewsQuery) (*NewsResponse, error) {
	if q.MaxResults <= 0 {
		q.MaxResults = 5
	}
	if q.SearchDepth == "" {
		q.SearchDepth = "advanced"
	}

	key := newsCacheKey(q)
	if raw, ok := c.cache.Get(ctx, key); ok {
		var results []NewsItem
		if err := json.Unmarshal(raw, &results); err == nil {
			metrics.ExternalCacheHits.WithLabelValues("news").Inc()
			return &NewsResponse{Status: "ok", Results: results, Cached: true}, nil
		}
	}

	if c.cfg.APIKey == "" || c.cfg.BaseURL == "" {
		results := c.stubResults(q.Query, q.MaxResults)
		c.cacheResults(ctx, key, results)
		return &NewsResponse{Status: "ok", Results: results, Cached: false}, nil
	}

	results, err := c.callAPI(ctx, q)
	if err != nil {
		metrics.ExternalRequests.WithLabelValues("news", "error").Inc()
		c.log.Warn("news provider failed, serving stub results",
			zap.String("query", q.Query), zap.Error(err))
		return &NewsResponse{
			Status:  "stub",
			Results: c.stubResults(q.Query, q.MaxResults),
			Error:   err.Error(),
		}, nil
	}
	metrics.ExternalRequests.WithLabelValues("news", "ok").Inc()

	c.cacheResults(ctx, key, results)
	return &NewsResponse{Status: "ok", Results: results, Cached: false}, nil
}

func (c *NewsClient) callAPI(ctx context.Context, q NewsQuery) ([]NewsItem, error) {
	payload := map[string]any{
		"query":          q.Query,
		"max_results":    q.MaxResults,
		"search_depth":   q.SearchDepth,
		"include_answer": q.IncludeAnswer,
	}
	if q.Topic != "" {
		payload["topic"] = q.Topic
	}
	if q.Days > 0 {
		payload["days"] = q.Days
	}
	if len(q.IncludeDomains) > 0 {
		payload["include_domains"] = q.IncludeDomains
	}
	if len(q.ExcludeDomains) > 0 {
		payload["exclude_domains"] = q.ExcludeDomains
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.BaseURL, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+c.cfg.APIKey)

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("news request: %w", err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("news provider returned status %d", resp.StatusCode)
	}

	var parsed struct {
		Results []NewsItem `json:"results"`
	}
	if err := json.Unmarshal(raw, &parsed); err != nil {
		return nil, fmt.Errorf("decode news response: %w", err)
	}
	return parsed.Results, nil
}

func (c *NewsClient) cacheResults(ctx context.Context, key string, results []NewsItem) {
	if raw, err := json.Marshal(results); err == nil {
		c.cache.Set(ctx, key, raw, c.cfg.CacheTTL)
	}
}

func (c *NewsClient) stubResults(query string, maxResults int) []NewsItem {
	results := make([]NewsItem, 0, maxResults)
	for i := 1; i <= maxResults; i++ {
		results = append(results, NewsItem{
			Title:       fmt.Sprintf("Stub news #%d для '%s'", i, query),
			URL:         fmt.Sprintf("https://news.example.com/%d", i),
			Snippet:     "Здесь будет краткое описание новости.",
			PublishedAt: "2024-09-15",
		})
	}
	return results
}

func newsCacheKey(q NewsQuery) string {
	raw, err := json.Marshal(q)
	if err != nil {
		return "news:" + q.Query
	}
	return "news:" + string(raw)
}
