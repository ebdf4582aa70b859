package retrieval

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/finassist/ragagent/internal/config"
	"github.com/finassist/ragagent/internal/llm"
)

type scriptedChat struct {
	content string
	err     error
	lastReq *llm.ChatRequest
}

func (s *scriptedChat) Chat(_ context.Context, req *llm.ChatRequest) (*llm.ChatResponse, error) {
	s.lastReq = req
	if s.err != nil {
		return nil, s.err
	}
	return &llm.ChatResponse{Choices: []llm.Choice{{
		Message: llm.Message{Role: llm.RoleAssistant, Content: s.content},
	}}}, nil
}

func newTestPlanner(chat llm.ChatClient) *Planner {
	return NewPlanner(chat, config.PromptParams{Temperature: 0.3, MaxTokens: 400}, "system", "fusion", 5, zap.NewNop())
}

func TestPlanParsesRefinementsAndSubqueries(t *testing.T) {
	chat := &scriptedChat{content: `{"refinements":["договор аренды штраф"],"subqueries":["пени просрочка","неустойка"],"notes":"split by penalty type","rerank":false}`}
	p := newTestPlanner(chat)

	plan, err := p.Plan(context.Background(), "штрафы по договору", nil, nil)
	require.NoError(t, err)

	assert.Equal(t, []string{"штрафы по договору", "договор аренды штраф", "пени просрочка", "неустойка"}, plan.Expansions())
	assert.Equal(t, "split by penalty type", plan.Notes)
	assert.False(t, plan.Rerank)

	require.NotNil(t, chat.lastReq.ResponseFormat)
	assert.Equal(t, "json_object", chat.lastReq.ResponseFormat.Type)
}

func TestPlanMalformedOutputFallsBackToBaseQuery(t *testing.T) {
	chat := &scriptedChat{content: "not a json object"}
	p := newTestPlanner(chat)

	plan, err := p.Plan(context.Background(), "вопрос", nil, nil)
	require.NoError(t, err)
	assert.Equal(t, []string{"вопрос"}, plan.Expansions())
	assert.True(t, plan.Rerank)
}

func TestPlanTransportErrorPropagates(t *testing.T) {
	chat := &scriptedChat{err: errors.New("boom")}
	p := newTestPlanner(chat)
	_, err := p.Plan(context.Background(), "вопрос", nil, nil)
	assert.Error(t, err)
}

func TestExpansionsDeduplicateAndNeverEmpty(t *testing.T) {
	plan := &Plan{BaseQuery: "q", Refinements: []string{"q", " q ", "r"}, Subqueries: []string{"r", ""}}
	assert.Equal(t, []string{"q", "r"}, plan.Expansions())

	empty := &Plan{BaseQuery: ""}
	assert.Equal(t, []string{""}, empty.Expansions())
	assert.NotEmpty(t, empty.Expansions())
}

func TestPlanHistoryTailBounded(t *testing.T) {
	chat := &scriptedChat{content: `{}`}
	p := newTestPlanner(chat)

	history := make([]llm.Message, 12)
	for i := range history {
		history[i] = llm.Message{Role: llm.RoleUser, Content: "msg"}
	}
	_, err := p.Plan(context.Background(), "q", history, []int64{1, 2})
	require.NoError(t, err)
	// user payload is the third message; tail is limited to 5 entries
	assert.Contains(t, chat.lastReq.Messages[2].Content, `"history_messages":5`)
}
