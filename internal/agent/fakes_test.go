package agent

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"

	"go.uber.org/zap/zaptest"

	"github.com/finassist/ragagent/internal/config"
	"github.com/finassist/ragagent/internal/docstore"
	"github.com/finassist/ragagent/internal/external"
	"github.com/finassist/ragagent/internal/llm"
	"github.com/finassist/ragagent/internal/vectorstore"
)

// scriptedChat replays canned completion responses in order and records
// every request for assertions.
type scriptedChat struct {
	responses []*llm.ChatResponse
	requests  []*llm.ChatRequest
	errs      []error
	idx       int
}

func (s *scriptedChat) Chat(_ context.Context, req *llm.ChatRequest) (*llm.ChatResponse, error) {
	s.requests = append(s.requests, req)
	i := s.idx
	s.idx++
	if i < len(s.errs) && s.errs[i] != nil {
		return nil, s.errs[i]
	}
	if i >= len(s.responses) {
		return nil, errors.New("no scripted response left")
	}
	return s.responses[i], nil
}

func textResponse(content string) *llm.ChatResponse {
	return &llm.ChatResponse{Choices: []llm.Choice{{
		Message: llm.Message{Role: llm.RoleAssistant, Content: content},
	}}}
}

func jsonResponse(t *testing.T, obj map[string]any) *llm.ChatResponse {
	t.Helper()
	raw, err := json.Marshal(obj)
	if err != nil {
		t.Fatalf("marshal scripted response: %v", err)
	}
	return textResponse(string(raw))
}

func toolCallResponse(calls ...llm.ToolCall) *llm.ChatResponse {
	return &llm.ChatResponse{Choices: []llm.Choice{{
		Message: llm.Message{Role: llm.RoleAssistant, ToolCalls: calls},
	}}}
}

func call(id, name, arguments string) llm.ToolCall {
	return llm.ToolCall{
		ID:       id,
		Type:     "function",
		Function: llm.FunctionCall{Name: name, Arguments: arguments},
	}
}

type fakeStore struct {
	docs     []docstore.Document
	totalLen int
	docsErr  error
	history  []llm.Message
}

func (f *fakeStore) GetDocumentsByIDs(_ context.Context, _ int64, _ []int64) ([]docstore.Document, int, error) {
	return f.docs, f.totalLen, f.docsErr
}

func (f *fakeStore) GetChatHistory(_ context.Context, _ int64, _ int) ([]llm.Message, error) {
	return f.history, nil
}

type fakeVectors struct {
	mu      sync.Mutex
	enabled bool
	points  []vectorstore.Point
	err     error
	calls   []vectorstore.SearchParams
}

func (f *fakeVectors) Enabled() bool { return f.enabled }

func (f *fakeVectors) Search(_ context.Context, p vectorstore.SearchParams) ([]vectorstore.Point, error) {
	f.mu.Lock()
	f.calls = append(f.calls, p)
	f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	return f.points, nil
}

type fakeEmbedder struct {
	enabled bool
	err     error
}

func (f *fakeEmbedder) Enabled() bool { return f.enabled }

func (f *fakeEmbedder) Embed(_ context.Context, texts []string) ([][]float32, error) {
	if f.err != nil {
		return nil, f.err
	}
	out := make([][]float32, len(texts))
	for i := range texts {
		out[i] = []float32{0.1, 0.2, 0.3}
	}
	return out, nil
}

type cbrCall struct {
	mode    string
	payload map[string]any
}

type fakeCBR struct {
	resp  *external.Response
	err   error
	calls []cbrCall
}

func (f *fakeCBR) Fetch(_ context.Context, mode string, payload map[string]any) (*external.Response, error) {
	f.calls = append(f.calls, cbrCall{mode: mode, payload: payload})
	if f.err != nil {
		return nil, f.err
	}
	if f.resp != nil {
		return f.resp, nil
	}
	return &external.Response{Status: "ok", Data: map[string]any{"mode": mode}}, nil
}

type fakeNews struct {
	responses []*external.NewsResponse
	queries   []external.NewsQuery
	idx       int
}

func (f *fakeNews) Search(_ context.Context, q external.NewsQuery) (*external.NewsResponse, error) {
	f.queries = append(f.queries, q)
	if f.idx < len(f.responses) {
		r := f.responses[f.idx]
		f.idx++
		return r, nil
	}
	return &external.NewsResponse{Status: "ok"}, nil
}

func testConfig() *config.Config {
	return &config.Config{
		Prompts: config.PromptsConfig{
			Orchestrator:  config.PromptParams{Temperature: 0, TopP: 0.9, MaxTokens: 600},
			Fusion:        config.PromptParams{Temperature: 0.3, TopP: 0.9, MaxTokens: 500},
			Answer:        config.PromptParams{Temperature: 0.2, TopP: 0.9, MaxTokens: 2048},
			Clarification: config.PromptParams{Temperature: 0.4, TopP: 0.9, MaxTokens: 400},
		},
		Agent: config.AgentConfig{
			MessagesLimit:           20,
			MaxContextChars:         60000,
			DefaultTopK:             8,
			DefaultScoreThreshold:   0.3,
			UseQueryExpansion:       false,
			RRFK:                    60,
			ConfidenceThreshold:     0.75,
			OrchestratorHistoryTail: 5,
			ToolHistoryTail:         5,
			ClarificationsLimit:     3,
			MaxToolRetries:          0,
			MaxToolIterations:       10,
			EnableParallelTools:     true,
		},
		ContextWindow: config.ContextWindowConfig{
			TokenBudget:    180000,
			ReservedOutput: 4000,
			ReservedSystem: 2000,
		},
		Vector:        config.VectorConfig{Enabled: true, Collection: "document_chunks", TopK: 8},
		KnowledgeBase: config.KnowledgeBaseConfig{Collection: "knowledge_base", OwnerID: 0, Limit: 5, ScoreThreshold: 0.35},
	}
}

type testDeps struct {
	chat     *scriptedChat
	store    *fakeStore
	vectors  *fakeVectors
	embedder *fakeEmbedder
	cbr      *fakeCBR
	news     *fakeNews
}

func newTestAgent(t *testing.T, cfg *config.Config, deps testDeps) *Agent {
	t.Helper()
	if deps.chat == nil {
		deps.chat = &scriptedChat{}
	}
	if deps.store == nil {
		deps.store = &fakeStore{}
	}
	if deps.vectors == nil {
		deps.vectors = &fakeVectors{enabled: true}
	}
	if deps.embedder == nil {
		deps.embedder = &fakeEmbedder{enabled: true}
	}
	if deps.cbr == nil {
		deps.cbr = &fakeCBR{}
	}
	if deps.news == nil {
		deps.news = &fakeNews{}
	}
	return New(cfg, deps.chat, deps.store, deps.vectors, deps.embedder, deps.cbr, deps.news, zaptest.NewLogger(t))
}

func chunkPoint(id string, score float64, serial int, content string) vectorstore.Point {
	return vectorstore.Point{
		ID:    id,
		Score: score,
		Payload: map[string]any{
			"chunk_id":      id,
			"chunk_serial":  float64(serial),
			"chunk_content": content,
			"document_id":   float64(7),
			"filename":      "contract.pdf",
			"object_url":    "https://files.example.com/contract.pdf",
		},
	}
}
