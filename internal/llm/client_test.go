package llm

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/finassist/ragagent/internal/config"
)

func TestChatToolCallRoundTrip(t *testing.T) {
	var gotReq ChatRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "Bearer test-key", r.Header.Get("Authorization"))
		require.NoError(t, json.NewDecoder(r.Body).Decode(&gotReq))
		resp := ChatResponse{
			Choices: []Choice{{
				Message: Message{
					Role: RoleAssistant,
					ToolCalls: []ToolCall{{
						ID:   "call_1",
						Type: "function",
						Function: FunctionCall{
							Name:      "search_user_documents",
							Arguments: `{"query":"штрафы"}`,
						},
					}},
				},
			}},
		}
		_ = json.NewEncoder(w).Encode(&resp)
	}))
	defer srv.Close()

	c := NewClient(config.LLMConfig{
		APIKey:  "test-key",
		Model:   "test-model",
		BaseURL: srv.URL,
		Timeout: 2 * time.Second,
	}, zap.NewNop())

	out, err := c.Chat(context.Background(), &ChatRequest{
		Messages:   []Message{{Role: RoleUser, Content: "найди документ"}},
		Tools:      []ToolSpec{{Type: "function", Function: FunctionSpec{Name: "search_user_documents"}}},
		ToolChoice: "auto",
	})
	require.NoError(t, err)

	assert.Equal(t, "test-model", gotReq.Model)
	assert.Equal(t, "auto", gotReq.ToolChoice)

	msg, ok := out.FirstMessage()
	require.True(t, ok)
	require.Len(t, msg.ToolCalls, 1)
	assert.Equal(t, "search_user_documents", msg.ToolCalls[0].Function.Name)
}

func TestChatEmptyChoices(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(&ChatResponse{})
	}))
	defer srv.Close()

	c := NewClient(config.LLMConfig{BaseURL: srv.URL}, zap.NewNop())
	_, err := c.Chat(context.Background(), &ChatRequest{Messages: []Message{{Role: RoleUser, Content: "hi"}}})
	assert.ErrorIs(t, err, ErrEmptyResponse)
}

func TestChatNon200(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "upstream down", http.StatusBadGateway)
	}))
	defer srv.Close()

	c := NewClient(config.LLMConfig{BaseURL: srv.URL}, zap.NewNop())
	_, err := c.Chat(context.Background(), &ChatRequest{Messages: []Message{{Role: RoleUser, Content: "hi"}}})
	assert.Error(t, err)
}

func TestParseJSONContent(t *testing.T) {
	resp := &ChatResponse{Choices: []Choice{{Message: Message{Content: `{"scenario": 1, "confidence": 0.9}`}}}}
	data, err := resp.ParseJSONContent()
	require.NoError(t, err)
	assert.EqualValues(t, 1, data["scenario"])

	bad := &ChatResponse{Choices: []Choice{{Message: Message{Content: "not json"}}}}
	_, err = bad.ParseJSONContent()
	assert.Error(t, err)
}
