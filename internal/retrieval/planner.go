package retrieval

import (
	"context"
	"encoding/json"
	"strings"

	"go.uber.org/zap"

	"github.com/finassist/ragagent/internal/config"
	"github.com/finassist/ragagent/internal/llm"
)

// Plan is a set of query rewordings produced by the fusion planner.
type Plan struct {
	BaseQuery   string
	Refinements []string
	Subqueries  []string
	Notes       string
	Rerank      bool
}

// Expansions returns the deduplicated, order-preserving concatenation of
// base query, refinements and subqueries. It is never empty.
func (p *Plan) Expansions() []string {
	seen := make(map[string]struct{})
	out := make([]string, 0, 1+len(p.Refinements)+len(p.Subqueries))
	for _, item := range append([]string{p.BaseQuery}, append(p.Refinements, p.Subqueries...)...) {
		q := strings.TrimSpace(item)
		if q == "" {
			continue
		}
		if _, ok := seen[q]; ok {
			continue
		}
		seen[q] = struct{}{}
		out = append(out, q)
	}
	if len(out) == 0 {
		out = append(out, p.BaseQuery)
	}
	return out
}

// Planner asks a completion model for query refinements and subqueries.
// It is a pure transform: no state beyond its prompts and client.
type Planner struct {
	chat         llm.ChatClient
	params       config.PromptParams
	systemPrompt string
	fusionPrompt string
	historyTail  int
	log          *zap.Logger
}

func NewPlanner(chat llm.ChatClient, params config.PromptParams, systemPrompt, fusionPrompt string, historyTail int, logger *zap.Logger) *Planner {
	if historyTail < 0 {
		historyTail = 0
	}
	return &Planner{
		chat:         chat,
		params:       params,
		systemPrompt: systemPrompt,
		fusionPrompt: fusionPrompt,
		historyTail:  historyTail,
		log:          logger,
	}
}

type plannerPayload struct {
	Query               string        `json:"query"`
	HistoryMessages     int           `json:"history_messages"`
	HistoryPreview      []llm.Message `json:"history_preview"`
	SelectedDocumentIDs []int64       `json:"selected_document_ids"`
}

// Plan requests a fusion plan for the query. Malformed model output
// degrades to an empty plan whose expansions are just the base query.
func (p *Planner) Plan(ctx context.Context, query string, history []llm.Message, selectedIDs []int64) (*Plan, error) {
	tail := history
	if len(tail) > p.historyTail {
		tail = tail[len(tail)-p.historyTail:]
	}
	payload := plannerPayload{
		Query:               query,
		HistoryMessages:     len(tail),
		HistoryPreview:      tail,
		SelectedDocumentIDs: selectedIDs,
	}
	if payload.SelectedDocumentIDs == nil {
		payload.SelectedDocumentIDs = []int64{}
	}
	body, err := json.Marshal(&payload)
	if err != nil {
		return nil, err
	}

	req := &llm.ChatRequest{
		Messages: []llm.Message{
			{Role: llm.RoleSystem, Content: p.systemPrompt},
			{Role: llm.RoleSystem, Content: p.fusionPrompt},
			{Role: llm.RoleUser, Content: string(body)},
		},
		ResponseFormat: &llm.ResponseFormat{Type: "json_object"},
	}
	llm.ApplyPromptParams(req, p.params)

	resp, err := p.chat.Chat(ctx, req)
	if err != nil {
		return nil, err
	}

	data, err := resp.ParseJSONContent()
	if err != nil {
		p.log.Debug("fusion plan parse failed, using base query", zap.Error(err))
		data = map[string]any{}
	}

	plan := &Plan{
		BaseQuery:   query,
		Refinements: stringList(data["refinements"]),
		Subqueries:  stringList(data["subqueries"]),
		Rerank:      true,
	}
	if notes, ok := data["notes"].(string); ok {
		plan.Notes = strings.TrimSpace(notes)
	} else if strategy, ok := data["strategy"].(string); ok {
		plan.Notes = strings.TrimSpace(strategy)
	}
	if rerank, ok := data["rerank"].(bool); ok {
		plan.Rerank = rerank
	}
	return plan, nil
}

func stringList(v any) []string {
	switch val := v.(type) {
	case []any:
		out := make([]string, 0, len(val))
		for _, item := range val {
			if s, ok := item.(string); ok && strings.TrimSpace(s) != "" {
				out = append(out, strings.TrimSpace(s))
			}
		}
		return out
	case string:
		if strings.TrimSpace(val) != "" {
			return []string{strings.TrimSpace(val)}
		}
	}
	return nil
}
