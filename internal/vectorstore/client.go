package vectorstore

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/finassist/ragagent/internal/config"
)

// Point is one scored hit returned by the vector backend.
type Point struct {
	ID      any            `json:"id"`
	Score   float64        `json:"score"`
	Payload map[string]any `json:"payload"`
}

// SearchParams select and filter one ranked similarity query.
type SearchParams struct {
	Collection     string
	OwnerID        int64
	Vector         []float32
	Limit          int
	ScoreThreshold float64
	// DocumentIDs restricts hits to a document id membership set.
	DocumentIDs []int64
	// ExtraFilters adds payload field equality conditions.
	ExtraFilters map[string]any
}

// Client is a minimal Qdrant HTTP client.
type Client struct {
	cfg  config.VectorConfig
	http *http.Client
	base string
	log  *zap.Logger
}

func NewClient(cfg config.VectorConfig, logger *zap.Logger) *Client {
	c := cfg
	if c.Port == 0 {
		c.Port = 6333
	}
	if c.Timeout == 0 {
		c.Timeout = 5 * time.Second
	}
	if c.TopK == 0 {
		c.TopK = 8
	}
	return &Client{
		cfg:  c,
		http: &http.Client{Timeout: c.Timeout},
		base: fmt.Sprintf("http://%s:%d", c.Host, c.Port),
		log:  logger,
	}
}

// Enabled reports whether the backend is configured for use.
func (c *Client) Enabled() bool { return c != nil && c.cfg.Enabled }

type queryRequest struct {
	Query          []float32      `json:"query"`
	Limit          int            `json:"limit"`
	ScoreThreshold *float64       `json:"score_threshold,omitempty"`
	WithPayload    bool           `json:"with_payload"`
	Filter         map[string]any `json:"filter,omitempty"`
}

// queryResponse covers the /points/query endpoint nested result shape.
type queryResponse struct {
	Result struct {
		Points []Point `json:"points"`
	} `json:"result"`
	Status string `json:"status"`
}

// Search runs one ranked similarity query with owner and payload filters.
func (c *Client) Search(ctx context.Context, p SearchParams) ([]Point, error) {
	if !c.Enabled() {
		return nil, fmt.Errorf("vectorstore: search called while disabled")
	}
	if p.Collection == "" {
		p.Collection = c.cfg.Collection
	}
	if p.Limit <= 0 {
		p.Limit = c.cfg.TopK
	}

	req := queryRequest{
		Query:       p.Vector,
		Limit:       p.Limit,
		WithPayload: true,
		Filter:      buildFilter(p),
	}
	if p.ScoreThreshold > 0 {
		req.ScoreThreshold = &p.ScoreThreshold
	}

	body, err := json.Marshal(&req)
	if err != nil {
		return nil, fmt.Errorf("vectorstore: marshal query: %w", err)
	}

	url := fmt.Sprintf("%s/collections/%s/points/query", c.base, p.Collection)
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("vectorstore: build request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("vectorstore: query: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("vectorstore: query status %d", resp.StatusCode)
	}

	var out queryResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("vectorstore: decode response: %w", err)
	}

	c.log.Debug("vector search completed",
		zap.String("collection", p.Collection),
		zap.Int("limit", p.Limit),
		zap.Int("hits", len(out.Result.Points)),
	)
	return out.Result.Points, nil
}

func buildFilter(p SearchParams) map[string]any {
	var must []map[string]any
	if p.OwnerID != 0 {
		must = append(must, map[string]any{
			"key":   "owner_id",
			"match": map[string]any{"value": p.OwnerID},
		})
	}
	if len(p.DocumentIDs) > 0 {
		must = append(must, map[string]any{
			"key":   "document_id",
			"match": map[string]any{"any": p.DocumentIDs},
		})
	}
	for key, value := range p.ExtraFilters {
		must = append(must, map[string]any{
			"key":   key,
			"match": map[string]any{"value": value},
		})
	}
	if len(must) == 0 {
		return nil
	}
	return map[string]any{"must": must}
}
