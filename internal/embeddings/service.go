package embeddings

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

// Service generates embeddings through an OpenAI-compatible endpoint with
// a two-level cache: a shared Redis cache and an in-process LRU.
type Service struct {
	cfg   config.EmbeddingsConfig
	http  *http.Client
	cache Cache
	lru   *LocalLRU
	log   *zap.Logger
}

func NewService(cfg config.EmbeddingsConfig, cache Cache, logger *zap.Logger) *Service {
	c := cfg
	if c.Timeout == 0 {
		c.Timeout = 5 * time.Second
	}
	if c.Model == "" {
		c.Model = "text-embedding-3-small"
	}
	if c.CacheTTL == 0 {
		c.CacheTTL = time.Hour
	}
	if c.MaxLRU == 0 {
		c.MaxLRU = 2048
	}
	return &Service{
		cfg:   c,
		http:  &http.Client{Timeout: c.Timeout},
		cache: cache,
		lru:   NewLocalLRU(c.MaxLRU),
		log:   logger,
	}
}

// Enabled reports whether the embedding backend is configured for use.
func (s *Service) Enabled() bool { return s != nil && s.cfg.Enabled }

type embeddingRequest struct {
	Model string   `json:"model"`
	Input []string `json:"input"`
}

type embeddingResponse struct {
	Data []struct {
		Index     int       `json:"index"`
		Embedding []float32 `json:"embedding"`
	} `json:"data"`
}

// Embed returns one vector per input text, serving from cache when it can.
func (s *Service) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	if !s.Enabled() {
		return nil, fmt.Errorf("embeddings: service disabled")
	}
	if len(texts) == 0 {
		return nil, nil
	}

	out := make([][]float32, len(texts))
	var missing []string
	var missingIdx []int

	for i, text := range texts {
		key := cacheKey(s.cfg.Model, text)
		if vec, ok := s.lru.Get(ctx, key); ok {
			out[i] = vec
			continue
		}
		if s.cache != nil {
			if vec, ok := s.cache.Get(ctx, key); ok {
				s.lru.Set(ctx, key, vec, s.cfg.CacheTTL)
				out[i] = vec
				continue
			}
		}
		missing = append(missing, text)
		missingIdx = append(missingIdx, i)
	}

	if len(missing) == 0 {
		return out, nil
	}

	vectors, err := s.fetch(ctx, missing)
	if err != nil {
		return nil, err
	}
	if len(vectors) != len(missing) {
		return nil, fmt.Errorf("embeddings: got %d vectors for %d inputs", len(vectors), len(missing))
	}

	for j, vec := range vectors {
		i := missingIdx[j]
		out[i] = vec
		key := cacheKey(s.cfg.Model, missing[j])
		s.lru.Set(ctx, key, vec, s.cfg.CacheTTL)
		if s.cache != nil {
			s.cache.Set(ctx, key, vec, s.cfg.CacheTTL)
		}
	}
	return out, nil
}

func (s *Service) fetch(ctx context.Context, texts []string) ([][]float32, error) {
	body, err := json.Marshal(&embeddingRequest{Model: s.cfg.Model, Input: texts})
	if err != nil {
		return nil, fmt.Errorf("embeddings: marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.cfg.BaseURL, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("embeddings: build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if s.cfg.APIKey != "" {
		req.Header.Set("Authorization", "Bearer "+s.cfg.APIKey)
	}

	resp, err := s.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("embeddings: request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("embeddings: status %d", resp.StatusCode)
	}

	var parsed embeddingResponse
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return nil, fmt.Errorf("embeddings: decode response: %w", err)
	}

	vectors := make([][]float32, len(parsed.Data))
	for _, item := range parsed.Data {
		if item.Index < 0 || item.Index >= len(vectors) {
			return nil, fmt.Errorf("embeddings: index %d out of range", item.Index)
		}
		vectors[item.Index] = item.Embedding
	}
	s.log.Debug("embeddings fetched", zap.Int("count", len(vectors)))
	return vectors, nil
}
