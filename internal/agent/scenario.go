package agent

import (
	"context"
	"encoding/json"
	"strconv"
	"strings"

	"go.uber.org/zap"

	"github.com/finassist/ragagent/internal/llm"
	ometrics "github.com/finassist/ragagent/internal/metrics"
	"github.com/finassist/ragagent/internal/tools"
)

// Conversation scenarios.
const (
	ScenarioDocumentSearch = 1 // search across all user documents
	ScenarioGeneral        = 2 // knowledge base, external data, small talk
	ScenarioFullContext    = 3 // selected documents loaded in full
	ScenarioTargetedSearch = 4 // search within selected documents
	ScenarioClarification  = 5 // ask the user to clarify
)

// Intents recognized within the general scenario.
const (
	IntentSmallTalk     = "small_talk"
	IntentOffTopic      = "off_topic"
	IntentCBRRate       = "cbr_rate"
	IntentFinanceNews   = "finance_news"
	IntentKnowledgeBase = "knowledge_base"
	IntentHybridKBDocs  = "hybrid_kb_docs"
)

// Decision is the outcome of scenario classification for one turn.
type Decision struct {
	Scenario          int            `json:"scenario"`
	Confidence        float64        `json:"confidence"`
	Reason            string         `json:"reason"`
	FollowUp          bool           `json:"follow_up"`
	Clarifications    []string       `json:"clarifications"`
	UseQueryExpansion *bool          `json:"use_query_expansion"`
	RuleGuess         int            `json:"rule_guess"`
	Intent            string         `json:"intent"`
	Raw               map[string]any `json:"raw_response,omitempty"`
}

// searchKeywords trigger the document-search rule guess. The list mirrors
// the phrasing users actually type when hunting for a document.
var searchKeywords = []string{
	"найти",
	"найди",
	"ищи",
	"поиск",
	"где",
	"какой договор",
	"какой документ",
	"покажи",
	"подбери",
}

// ruleGuessScenario is the deterministic pre-classification: explicit
// document selection wins, then search phrasing, then empty-query
// clarification, then the general scenario.
func ruleGuessScenario(query string, selectedIDs []int64) int {
	if len(selectedIDs) > 0 {
		return ScenarioFullContext
	}
	q := strings.ToLower(query)
	for _, kw := range searchKeywords {
		if strings.Contains(q, kw) {
			return ScenarioDocumentSearch
		}
	}
	if strings.TrimSpace(q) == "" {
		return ScenarioClarification
	}
	return ScenarioGeneral
}

type decisionPayload struct {
	Query               string  `json:"query"`
	SelectedDocumentIDs []int64 `json:"selected_document_ids"`
	HasHistory          bool    `json:"has_history"`
	RuleGuess           int     `json:"rule_guess"`
	HistoryMessages     int     `json:"history_messages"`
	CurrentDatetime     string  `json:"current_datetime"`
}

// decideScenario classifies the turn. It never fails: any model or parse
// error falls back to the rule guess with zero confidence, and a model
// answer below the confidence threshold keeps its clarifications and intent
// while the scenario itself reverts to the rule guess.
func (a *Agent) decideScenario(ctx context.Context, query string, history []llm.Message, selectedIDs []int64, currentDatetime string) *Decision {
	ruleGuess := ruleGuessScenario(query, selectedIDs)
	fallback := &Decision{
		Scenario:       ruleGuess,
		Confidence:     0,
		Reason:         "rule fallback",
		Clarifications: []string{},
		RuleGuess:      ruleGuess,
	}

	payload := decisionPayload{
		Query:               query,
		SelectedDocumentIDs: selectedIDs,
		HasHistory:          len(history) > 0,
		RuleGuess:           ruleGuess,
		HistoryMessages:     len(history),
		CurrentDatetime:     currentDatetime,
	}
	if payload.SelectedDocumentIDs == nil {
		payload.SelectedDocumentIDs = []int64{}
	}
	body, err := json.Marshal(&payload)
	if err != nil {
		return fallback
	}

	tail := history
	if limit := a.cfg.Agent.OrchestratorHistoryTail; len(tail) > limit {
		tail = tail[len(tail)-limit:]
	}
	messages := make([]llm.Message, 0, len(tail)+3)
	messages = append(messages,
		llm.Message{Role: llm.RoleSystem, Content: systemPrompt},
		llm.Message{Role: llm.RoleSystem, Content: orchestratorPrompt},
	)
	messages = append(messages, tail...)
	messages = append(messages, llm.Message{Role: llm.RoleUser, Content: string(body)})

	req := &llm.ChatRequest{
		Messages:       messages,
		ResponseFormat: &llm.ResponseFormat{Type: "json_object"},
	}
	llm.ApplyPromptParams(req, a.cfg.Prompts.Orchestrator)

	resp, err := a.chat.Chat(ctx, req)
	if err != nil {
		a.log.Warn("scenario classification failed, using rule guess",
			zap.Int("rule_guess", ruleGuess), zap.Error(err))
		ometrics.ScenarioDecisions.WithLabelValues(strconv.Itoa(ruleGuess), "rule").Inc()
		return fallback
	}
	parsed, err := resp.ParseJSONContent()
	if err != nil {
		a.log.Warn("scenario decision unparseable, using rule guess",
			zap.Int("rule_guess", ruleGuess), zap.Error(err))
		ometrics.ScenarioDecisions.WithLabelValues(strconv.Itoa(ruleGuess), "rule").Inc()
		return fallback
	}

	llmScenario := intFromJSON(parsed["scenario"], ScenarioFullContext)
	confidence := floatFromJSON(parsed["confidence"], 0.5)
	scenario := llmScenario
	source := "model"
	if confidence < a.cfg.Agent.ConfidenceThreshold {
		scenario = ruleGuess
		source = "rule"
	}

	clarifications := stringsFromJSON(parsed["clarifications"])
	if limit := a.cfg.Agent.ClarificationsLimit; len(clarifications) > limit {
		clarifications = clarifications[:limit]
	}

	decision := &Decision{
		Scenario:          scenario,
		Confidence:        confidence,
		Reason:            stringFromJSON(parsed["reason"]),
		FollowUp:          boolFromJSON(parsed["follow_up"]),
		Clarifications:    clarifications,
		UseQueryExpansion: coerceBool(parsed["use_query_expansion"]),
		RuleGuess:         ruleGuess,
		Intent:            stringFromJSON(parsed["intent"]),
		Raw:               parsed,
	}
	ometrics.ScenarioDecisions.WithLabelValues(strconv.Itoa(scenario), source).Inc()
	return decision
}

// toolsForScenario returns the tool names the model may call this turn.
// An empty list means the turn is answered without tools.
func toolsForScenario(scenario int, intent string) []string {
	switch scenario {
	case ScenarioDocumentSearch:
		return []string{tools.NameSearchUserDocuments}
	case ScenarioGeneral:
		switch intent {
		case IntentSmallTalk, IntentOffTopic:
			return nil
		case IntentCBRRate:
			return []string{tools.NameFetchCentralBank}
		case IntentFinanceNews:
			return []string{tools.NameFetchFinanceNews}
		case IntentKnowledgeBase:
			return []string{tools.NameSearchGeneralKB}
		case IntentHybridKBDocs:
			return []string{tools.NameSearchGeneralKB, tools.NameSearchUserDocuments}
		default:
			return []string{tools.NameSearchGeneralKB}
		}
	case ScenarioFullContext:
		return []string{tools.NameLoadDocumentsFull}
	case ScenarioTargetedSearch:
		return []string{tools.NameSearchUserDocuments}
	default:
		return nil
	}
}

var greetingTriggers = []string{
	"привет", "здравствуй", "добрый день", "добрый вечер", "доброе утро", "hi", "hello",
}

var identityTriggers = []string{
	"кто ты", "что ты", "что ты умеешь", "расскажи о себе", "твои возможности",
}

// predefinedResponse returns the canned reply for conversational intents
// that never reach the tool loop.
func predefinedResponse(intent, query string) string {
	q := strings.ToLower(strings.TrimSpace(query))

	switch intent {
	case IntentSmallTalk:
		for _, trigger := range greetingTriggers {
			if strings.Contains(q, trigger) {
				return "Здравствуйте! Я ваш финансовый ассистент. Могу помочь с анализом документов, " +
					"поиском информации в корпоративной базе знаний, актуальными данными по курсам валют " +
					"и финансовым новостям. Чем могу быть полезен?"
			}
		}
		for _, trigger := range identityTriggers {
			if strings.Contains(q, trigger) {
				return "Я — финансовый ассистент вашей компании. Мои возможности:\n" +
					"• Анализ ваших документов и поиск нужной информации\n" +
					"• Ответы на вопросы по корпоративной базе знаний\n" +
					"• Актуальные курсы валют и ключевая ставка ЦБ РФ\n" +
					"• Последние финансовые новости\n\n" +
					"Просто задайте вопрос или загрузите документы для анализа."
			}
		}
		return "Здравствуйте! Я специализируюсь на финансовых и бизнес-вопросах. " +
			"Могу помочь с анализом документов, поиском информации и актуальными данными. " +
			"Чем могу быть полезен?"
	case IntentOffTopic:
		return "Извините, но я специализируюсь на финансовых и бизнес-вопросах. " +
			"Могу помочь с анализом документов, финансовой информацией, данными по рынку " +
			"и корпоративной базой знаний. Пожалуйста, задайте вопрос в этой области."
	}
	return "Пожалуйста, уточните ваш вопрос."
}

func intFromJSON(v any, def int) int {
	switch val := v.(type) {
	case float64:
		return int(val)
	case string:
		if n, err := strconv.Atoi(strings.TrimSpace(val)); err == nil {
			return n
		}
	}
	return def
}

func floatFromJSON(v any, def float64) float64 {
	switch val := v.(type) {
	case float64:
		return val
	case string:
		if f, err := strconv.ParseFloat(strings.TrimSpace(val), 64); err == nil {
			return f
		}
	}
	return def
}

func stringFromJSON(v any) string {
	s, _ := v.(string)
	return s
}

func boolFromJSON(v any) bool {
	b, _ := v.(bool)
	return b
}

func stringsFromJSON(v any) []string {
	items, ok := v.([]any)
	if !ok {
		return []string{}
	}
	out := make([]string, 0, len(items))
	for _, item := range items {
		if s, ok := item.(string); ok {
			out = append(out, s)
		}
	}
	return out
}

// coerceBool interprets the loose boolean forms models emit for the
// query-expansion flag. Unrecognized values resolve to nil, not false.
func coerceBool(v any) *bool {
	switch val := v.(type) {
	case bool:
		return &val
	case string:
		switch strings.ToLower(strings.TrimSpace(val)) {
		case "true", "1", "yes", "y":
			t := true
			return &t
		case "false", "0", "no", "n":
			f := false
			return &f
		}
	case float64:
		b := val != 0
		return &b
	}
	return nil
}
