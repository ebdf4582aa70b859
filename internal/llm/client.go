package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/finassist/ragagent/internal/config"
	ometrics "github.com/finassist/ragagent/internal/metrics"
)

// ErrEmptyResponse is returned when the endpoint answers with no choices.
var ErrEmptyResponse = errors.New("llm: empty completion response")

// ChatClient is the completion-service contract consumed by the agent.
type ChatClient interface {
	Chat(ctx context.Context, req *ChatRequest) (*ChatResponse, error)
}

// Client is a minimal OpenRouter-compatible chat completion client.
type Client struct {
	cfg     config.LLMConfig
	http    *http.Client
	limiter *rate.Limiter
	log     *zap.Logger
}

func NewClient(cfg config.LLMConfig, logger *zap.Logger) *Client {
	c := cfg
	if c.Timeout == 0 {
		c.Timeout = 60 * time.Second
	}
	if c.BaseURL == "" {
		c.BaseURL = "https://openrouter.ai/api/v1/chat/completions"
	}
	var limiter *rate.Limiter
	if c.RateLimit > 0 {
		burst := c.RateBurst
		if burst <= 0 {
			burst = 1
		}
		limiter = rate.NewLimiter(rate.Limit(c.RateLimit), burst)
	}
	return &Client{
		cfg:     c,
		http:    &http.Client{Timeout: c.Timeout},
		limiter: limiter,
		log:     logger,
	}
}

// Chat sends one completion request. Sampling parameters default to the
// configured values when the request leaves them unset.
func (c *Client) Chat(ctx context.Context, req *ChatRequest) (*ChatResponse, error) {
	if c.limiter != nil {
		if err := c.limiter.Wait(ctx); err != nil {
			return nil, fmt.Errorf("llm: rate wait: %w", err)
		}
	}

	payload := *req
	if payload.Model == "" {
		payload.Model = c.cfg.Model
	}
	if payload.Temperature == nil && c.cfg.Temperature > 0 {
		t := c.cfg.Temperature
		payload.Temperature = &t
	}
	if payload.TopP == nil && c.cfg.TopP > 0 {
		p := c.cfg.TopP
		payload.TopP = &p
	}
	if payload.MaxTokens == nil && c.cfg.MaxTokens > 0 {
		m := c.cfg.MaxTokens
		payload.MaxTokens = &m
	}

	body, err := json.Marshal(&payload)
	if err != nil {
		return nil, fmt.Errorf("llm: marshal request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.BaseURL, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("llm: build request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Authorization", "Bearer "+c.cfg.APIKey)
	if c.cfg.Referer != "" {
		httpReq.Header.Set("HTTP-Referer", c.cfg.Referer)
	}
	if c.cfg.Title != "" {
		httpReq.Header.Set("X-Title", c.cfg.Title)
	}

	start := time.Now()
	resp, err := c.http.Do(httpReq)
	ometrics.LLMRequestDuration.Observe(time.Since(start).Seconds())
	if err != nil {
		ometrics.LLMRequests.WithLabelValues("error").Inc()
		return nil, fmt.Errorf("llm: completion request: %w", err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		ometrics.LLMRequests.WithLabelValues("error").Inc()
		return nil, fmt.Errorf("llm: read response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		ometrics.LLMRequests.WithLabelValues("error").Inc()
		c.log.Warn("completion endpoint returned non-200",
			zap.Int("status", resp.StatusCode),
			zap.Int("body_len", len(raw)),
		)
		return nil, fmt.Errorf("llm: completion status %d", resp.StatusCode)
	}

	var out ChatResponse
	if err := json.Unmarshal(raw, &out); err != nil {
		ometrics.LLMRequests.WithLabelValues("error").Inc()
		return nil, fmt.Errorf("llm: decode response: %w", err)
	}
	if len(out.Choices) == 0 {
		ometrics.LLMRequests.WithLabelValues("empty").Inc()
		return nil, ErrEmptyResponse
	}
	ometrics.LLMRequests.WithLabelValues("ok").Inc()
	return &out, nil
}

// ApplyPromptParams copies per-call-site sampling parameters onto a request.
func ApplyPromptParams(req *ChatRequest, p config.PromptParams) {
	if p.Temperature >= 0 {
		t := p.Temperature
		req.Temperature = &t
	}
	if p.TopP > 0 {
		tp := p.TopP
		req.TopP = &tp
	}
	if p.MaxTokens > 0 {
		m := p.MaxTokens
		req.MaxTokens = &m
	}
}
