package agent

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/finassist/ragagent/internal/config"
	"github.com/finassist/ragagent/internal/contextwindow"
	"github.com/finassist/ragagent/internal/docstore"
	"github.com/finassist/ragagent/internal/external"
	"github.com/finassist/ragagent/internal/llm"
	ometrics "github.com/finassist/ragagent/internal/metrics"
	"github.com/finassist/ragagent/internal/retrieval"
	"github.com/finassist/ragagent/internal/tools"
	"github.com/finassist/ragagent/internal/vectorstore"
)

// ErrToolLoopExceeded is fatal for the turn: the model kept requesting
// tools past the iteration cap.
var ErrToolLoopExceeded = errors.New("agent: tool loop exceeded maximum iterations")

const searchUnavailableMessage = "Не удалось подключиться к базе векторного поиска документов. " +
	"Пожалуйста, повторите запрос чуть позже или сообщите администратору, если проблема сохраняется."

// DocumentStore loads owner documents and chat history.
type DocumentStore interface {
	GetDocumentsByIDs(ctx context.Context, ownerID int64, ids []int64) ([]docstore.Document, int, error)
	GetChatHistory(ctx context.Context, chatID int64, limit int) ([]llm.Message, error)
}

// VectorSearcher runs ranked similarity queries against the vector backend.
type VectorSearcher interface {
	Enabled() bool
	Search(ctx context.Context, p vectorstore.SearchParams) ([]vectorstore.Point, error)
}

// Embedder turns texts into vectors.
type Embedder interface {
	Enabled() bool
	Embed(ctx context.Context, texts []string) ([][]float32, error)
}

// CentralBank provides key rate and currency data.
type CentralBank interface {
	Fetch(ctx context.Context, mode string, payload map[string]any) (*external.Response, error)
}

// NewsProvider searches finance news.
type NewsProvider interface {
	Search(ctx context.Context, q external.NewsQuery) (*external.NewsResponse, error)
}

// Agent is the conversational retrieval engine: it classifies each turn
// into a scenario, runs the tool-calling loop and produces the final
// answer with its evidence trail.
type Agent struct {
	cfg      *config.Config
	chat     llm.ChatClient
	docs     DocumentStore
	vectors  VectorSearcher
	embedder Embedder
	cbr      CentralBank
	news     NewsProvider
	planner  *retrieval.Planner
	registry *tools.Registry
	executor *tools.Executor
	window   *contextwindow.Manager
	log      *zap.Logger
}

func New(
	cfg *config.Config,
	chat llm.ChatClient,
	docs DocumentStore,
	vectors VectorSearcher,
	embedder Embedder,
	cbr CentralBank,
	news NewsProvider,
	log *zap.Logger,
) *Agent {
	a := &Agent{
		cfg:      cfg,
		chat:     chat,
		docs:     docs,
		vectors:  vectors,
		embedder: embedder,
		cbr:      cbr,
		news:     news,
		window:   contextwindow.NewManager(cfg.ContextWindow, log.Named("contextwindow")),
		log:      log.Named("agent"),
	}
	a.planner = retrieval.NewPlanner(
		chat,
		cfg.Prompts.Fusion,
		systemPrompt,
		fusionPrompt,
		cfg.Agent.OrchestratorHistoryTail,
		log.Named("planner"),
	)
	a.registry = tools.NewRegistry(a.toolDefinitions())
	a.executor = tools.NewExecutor(a.registry, cfg.Agent.MaxToolRetries, log.Named("executor"))
	return a
}

// TurnInput is one user turn.
type TurnInput struct {
	OwnerID             int64
	ChatID              int64
	Query               string
	SelectedDocumentIDs []int64
	AnswerInstructions  string
}

// TurnResult is the outcome of a turn: the answer, the retrieval results
// that backed it, the resolved scenario and a structured debug record.
type TurnResult struct {
	Answer      string
	UsedResults []retrieval.Result
	Scenario    int
	Debug       map[string]any
}

// toolTrace is one entry of the per-turn tool debug record.
type toolTrace struct {
	Name           string `json:"name"`
	Arguments      string `json:"arguments"`
	ReturnedChunks int    `json:"returned_chunks,omitempty"`
	DurationMS     int64  `json:"duration_ms,omitempty"`
	Parallel       bool   `json:"parallel"`
	Error          string `json:"error,omitempty"`
}

// Run executes one conversational turn end to end.
func (a *Agent) Run(ctx context.Context, in TurnInput) (*TurnResult, error) {
	start := time.Now()
	ometrics.TurnsStarted.Inc()

	turnID := uuid.NewString()
	log := a.log.With(zap.String("turn_id", turnID), zap.Int64("owner_id", in.OwnerID))

	currentDT := time.Now().UTC().Format(time.RFC3339)

	var history []llm.Message
	if in.ChatID != 0 {
		loaded, err := a.docs.GetChatHistory(ctx, in.ChatID, a.cfg.Agent.MessagesLimit)
		if err != nil {
			log.Warn("chat history load failed", zap.Int64("chat_id", in.ChatID), zap.Error(err))
		} else {
			history = loaded
		}
	}

	decision := a.decideScenario(ctx, in.Query, history, in.SelectedDocumentIDs, currentDT)
	scenario := decision.Scenario

	debug := map[string]any{
		"turn_id":           turnID,
		"history_len":       len(history),
		"scenario":          scenario,
		"current_datetime":  currentDT,
		"scenario_decision": decision,
	}

	if decision.FollowUp {
		scenario = ScenarioClarification
		debug["scenario"] = scenario
		answer, err := a.askClarification(ctx, in.Query, history, decision.Clarifications)
		if err != nil {
			return nil, err
		}
		a.finishTurn(start, scenario, "ok")
		return &TurnResult{Answer: answer, Scenario: scenario, Debug: debug}, nil
	}

	instructions := resolveInstructions(in.AnswerInstructions)

	scenario, selectedDebug, err := a.adjustScenarioForDocuments(ctx, in.OwnerID, in.SelectedDocumentIDs, scenario)
	if err != nil {
		return nil, err
	}
	for k, v := range selectedDebug {
		debug[k] = v
	}
	debug["scenario"] = scenario

	allowedTools := toolsForScenario(scenario, decision.Intent)

	if decision.Intent == IntentSmallTalk || decision.Intent == IntentOffTopic {
		answer := predefinedResponse(decision.Intent, in.Query)
		a.finishTurn(start, scenario, "ok")
		return &TurnResult{Answer: answer, Scenario: scenario, Debug: debug}, nil
	}

	var answer string
	var used []retrieval.Result

	if scenario == ScenarioClarification || len(allowedTools) == 0 {
		answer, err = a.askClarification(ctx, in.Query, history, decision.Clarifications)
		if err != nil {
			return nil, err
		}
	} else {
		var trace []toolTrace
		answer, used, trace, err = a.runToolConversation(ctx, turnState{
			scenario:        scenario,
			query:           in.Query,
			history:         history,
			instructions:    instructions,
			allowedTools:    allowedTools,
			ownerID:         in.OwnerID,
			chatID:          in.ChatID,
			selectedIDs:     in.SelectedDocumentIDs,
			intent:          decision.Intent,
			currentDatetime: currentDT,
			useExpansion:    decision.UseQueryExpansion,
		})
		if trace != nil {
			debug["tool_calls"] = trace
		}
		if err != nil {
			if errors.Is(err, retrieval.ErrSearchUnavailable) {
				log.Warn("vector search unavailable", zap.Error(err))
				debug["vector_search_error"] = err.Error()
				answer = searchUnavailableMessage
			} else {
				a.finishTurn(start, scenario, "error")
				return nil, err
			}
		}
	}

	a.finishTurn(start, scenario, "ok")
	return &TurnResult{Answer: answer, UsedResults: used, Scenario: scenario, Debug: debug}, nil
}

func (a *Agent) finishTurn(start time.Time, scenario int, status string) {
	ometrics.TurnsCompleted.WithLabelValues(fmt.Sprintf("%d", scenario), status).Inc()
	ometrics.TurnDuration.Observe(time.Since(start).Seconds())
}

// adjustScenarioForDocuments demotes the full-context scenario to targeted
// search when the selected documents exceed the context character budget.
func (a *Agent) adjustScenarioForDocuments(ctx context.Context, ownerID int64, selectedIDs []int64, scenario int) (int, map[string]any, error) {
	debug := map[string]any{}
	if (scenario != ScenarioFullContext && scenario != ScenarioTargetedSearch) || len(selectedIDs) == 0 {
		return scenario, debug, nil
	}
	_, totalLen, err := a.docs.GetDocumentsByIDs(ctx, ownerID, selectedIDs)
	if err != nil {
		return scenario, debug, fmt.Errorf("load selected documents: %w", err)
	}
	debug["selected_docs"] = map[string]any{
		"ids":          selectedIDs,
		"total_length": totalLen,
	}
	if totalLen > a.cfg.Agent.MaxContextChars {
		return ScenarioTargetedSearch, debug, nil
	}
	return ScenarioFullContext, debug, nil
}

type turnState struct {
	scenario        int
	query           string
	history         []llm.Message
	instructions    string
	allowedTools    []string
	ownerID         int64
	chatID          int64
	selectedIDs     []int64
	intent          string
	currentDatetime string
	useExpansion    *bool
}

// runToolConversation drives the tool-calling loop: the model requests
// tools, results are fed back as tool messages, and the first response
// without tool calls is the answer. Batches of more than one call go
// through the parallel executor; a parallel-layer failure downgrades the
// rest of this turn to sequential execution.
func (a *Agent) runToolConversation(ctx context.Context, st turnState) (string, []retrieval.Result, []toolTrace, error) {
	messages := a.buildToolMessages(st)
	specs := a.registry.Describe(st.allowedTools)

	historyTail := st.history
	if limit := a.cfg.Agent.ToolHistoryTail; len(historyTail) > limit {
		historyTail = historyTail[len(historyTail)-limit:]
	}
	tc := &tools.Context{
		OwnerID:             st.ownerID,
		ChatID:              st.chatID,
		History:             historyTail,
		SelectedDocumentIDs: st.selectedIDs,
		Scenario:            st.scenario,
		Instructions:        st.instructions,
		Intent:              st.intent,
		CurrentDatetime:     st.currentDatetime,
		UseQueryExpansion:   st.useExpansion,
	}

	var collected []retrieval.Result
	var trace []toolTrace

	maxIterations := a.cfg.Agent.MaxToolIterations
	if maxIterations <= 0 {
		maxIterations = 10
	}
	enableParallel := a.cfg.Agent.EnableParallelTools

	for iteration := 0; iteration < maxIterations; iteration++ {
		req := &llm.ChatRequest{
			Messages:   messages,
			Tools:      specs,
			ToolChoice: "auto",
		}
		resp, err := a.chat.Chat(ctx, req)
		if err != nil {
			return "", collected, trace, fmt.Errorf("tool conversation: %w", err)
		}
		msg, ok := resp.FirstMessage()
		if !ok {
			return "", collected, trace, llm.ErrEmptyResponse
		}
		if msg.Role == "" {
			msg.Role = llm.RoleAssistant
		}
		messages = append(messages, msg)

		if len(msg.ToolCalls) == 0 {
			return msg.Content, collected, trace, nil
		}

		if enableParallel && len(msg.ToolCalls) > 1 {
			a.log.Info("executing tool batch in parallel",
				zap.Int("tool_count", len(msg.ToolCalls)),
				zap.Int("iteration", iteration+1),
			)
			executions := a.executor.AnalyzeDependencies(msg.ToolCalls)
			results, err := a.executor.ExecutePlan(ctx, executions, tc)
			if err != nil {
				a.log.Error("parallel execution failed, switching to sequential", zap.Error(err))
				enableParallel = false
				messages = messages[:len(messages)-1]
				continue
			}

			byName := make(map[string]*tools.Execution, len(executions))
			for _, ex := range executions {
				byName[ex.ToolName] = ex
			}
			for _, call := range msg.ToolCalls {
				name := call.Function.Name
				ex := byName[name]
				result, ok := results[name]
				if ok {
					collected = append(collected, result.UsedResults...)
					entry := toolTrace{
						Name:           name,
						Arguments:      call.Function.Arguments,
						ReturnedChunks: len(result.UsedResults),
						Parallel:       true,
					}
					if ex != nil {
						entry.DurationMS = ex.Duration.Milliseconds()
					}
					trace = append(trace, entry)
					messages = append(messages, toolMessage(call, result.Content))
				} else {
					errMsg := "unknown error"
					if ex != nil && ex.Err != nil {
						errMsg = ex.Err.Error()
					}
					trace = append(trace, toolTrace{
						Name:      name,
						Arguments: call.Function.Arguments,
						Parallel:  true,
						Error:     errMsg,
					})
					messages = append(messages, toolMessage(call, map[string]any{
						"status":  "error",
						"message": errMsg,
					}))
				}
			}
			continue
		}

		for _, call := range msg.ToolCalls {
			name := call.Function.Name
			result, err := a.registry.Execute(ctx, name, call.Function.Arguments, tc)
			if err != nil {
				if errors.Is(err, retrieval.ErrSearchUnavailable) {
					return "", collected, trace, err
				}
				a.log.Error("tool execution error",
					zap.String("tool", name), zap.Error(err))
				trace = append(trace, toolTrace{
					Name:      name,
					Arguments: call.Function.Arguments,
					Error:     err.Error(),
				})
				messages = append(messages, toolMessage(call, map[string]any{
					"status":  "error",
					"message": err.Error(),
				}))
				continue
			}
			collected = append(collected, result.UsedResults...)
			trace = append(trace, toolTrace{
				Name:           name,
				Arguments:      call.Function.Arguments,
				ReturnedChunks: len(result.UsedResults),
			})
			messages = append(messages, toolMessage(call, result.Content))
		}
	}

	return "", collected, trace, ErrToolLoopExceeded
}

func toolMessage(call llm.ToolCall, content map[string]any) llm.Message {
	raw, err := json.Marshal(content)
	if err != nil {
		raw = []byte(`{"status":"error","message":"unserializable tool result"}`)
	}
	return llm.Message{
		Role:       llm.RoleTool,
		ToolCallID: call.ID,
		Name:       call.Function.Name,
		Content:    string(raw),
	}
}

// buildToolMessages assembles the initial transcript for the tool loop
// within the token budget: system prompt, scenario guidance, trimmed
// history and the structured user request.
func (a *Agent) buildToolMessages(st turnState) []llm.Message {
	guidance := buildGuidance(st.intent, st.currentDatetime)
	userPayload := buildUserRequest(st.scenario, st.intent, st.query, st.selectedIDs, st.currentDatetime, st.instructions)

	messages, stats := a.window.BuildOptimalContext(
		systemPrompt,
		guidance,
		st.history,
		userPayload,
		nil, // evidence arrives through tool results, not up front
		0.4,
	)
	a.log.Debug("tool transcript assembled",
		zap.Int("total_tokens", stats.TotalTokens),
		zap.Float64("utilization", stats.Utilization),
		zap.Int("history_count", stats.HistoryCount),
	)
	return messages
}

var intentGuidance = map[string]string{
	"document_search":   "Используй search_user_documents для поиска в документах пользователя.",
	IntentKnowledgeBase: "Используй search_general_kb для поиска в корпоративной базе знаний.",
	IntentCBRRate:       "Используй fetch_cbr_data для получения курсов валют или ключевой ставки ЦБ РФ.",
	IntentFinanceNews:   "Используй fetch_finance_news для поиска актуальных финансовых новостей.",
	IntentHybridKBDocs:  "Используй И search_general_kb, И search_user_documents для полного ответа.",
	"full_docs":         "Используй load_documents_full для загрузки полного контекста документов.",
}

func buildGuidance(intent, currentDatetime string) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Текущая дата и время (UTC): %s\n\n", currentDatetime)
	b.WriteString("Ты — финансовый ассистент с доступом к инструментам поиска.\n")
	b.WriteString("Порядок работы:\n")
	b.WriteString("1. Вызови необходимые инструменты для сбора фактов\n")
	b.WriteString("2. Проанализируй полученную информацию\n")
	b.WriteString("3. Сформируй окончательный ответ\n\n")
	if specific, ok := intentGuidance[intent]; ok {
		b.WriteString(specific)
		b.WriteString("\n\n")
	}
	b.WriteString("Формат ответа:\n")
	b.WriteString(answerFormatInstructions())
	return b.String()
}

var scenarioDescriptions = map[int]string{
	ScenarioDocumentSearch: "Поиск по всем документам пользователя",
	ScenarioGeneral:        "Общий запрос (корпоративная база знаний / внешние данные)",
	ScenarioFullContext:    "Анализ выбранных документов (полный контекст)",
	ScenarioTargetedSearch: "Целевой поиск в выбранных документах",
	ScenarioClarification:  "Требуется уточнение",
}

func buildUserRequest(scenario int, intent, query string, selectedIDs []int64, currentDatetime, instructions string) string {
	desc, ok := scenarioDescriptions[scenario]
	if !ok {
		desc = "Неизвестно"
	}
	if intent == "" {
		intent = "не определён"
	}
	selected := "нет"
	if len(selectedIDs) > 0 {
		selected = fmt.Sprintf("%v", selectedIDs)
	}
	parts := []string{
		"=== КОНТЕКСТ ЗАПРОСА ===",
		fmt.Sprintf("Сценарий: %d - %s", scenario, desc),
		fmt.Sprintf("Тип запроса (intent): %s", intent),
		fmt.Sprintf("Выбранные документы: %s", selected),
		fmt.Sprintf("Текущая дата/время: %s", currentDatetime),
		"",
		"=== ВОПРОС ПОЛЬЗОВАТЕЛЯ ===",
		query,
		"",
		"=== ИНСТРУКЦИИ К ОТВЕТУ ===",
		instructions,
	}
	return strings.Join(parts, "\n")
}

func answerFormatInstructions() string {
	return "Адаптируй формат ответа под сложность вопроса:\n" +
		"- Простой вопрос: краткий прямой ответ (1-3 абзаца).\n" +
		"- Средней сложности: структура с разделами 'Ответ' и 'Источники'.\n" +
		"- Сложный вопрос: полная структура с 'Краткий вывод', 'Подробный анализ', 'Источники'.\n" +
		"\nИсточники указывай строго в формате:\n" +
		"- [Название файла](URL) — для документов пользователя\n" +
		"- [Финансовая база знаний] — для корпоративной БЗ\n" +
		"- [cbr.ru] — для данных ЦБ РФ\n" +
		"- [Название статьи](URL) — для веб-поиска\n" +
		"\nНЕ используй технические термины типа 'Tavily API', 'чанк', 'векторный поиск'."
}

func resolveInstructions(custom string) string {
	if trimmed := strings.TrimSpace(custom); trimmed != "" {
		return trimmed
	}
	return answerFormatInstructions()
}

// askClarification asks the model to produce 1-3 clarifying questions.
func (a *Agent) askClarification(ctx context.Context, query string, history []llm.Message, clarifications []string) (string, error) {
	var extra string
	if len(clarifications) > 0 {
		var b strings.Builder
		b.WriteString("Дополнительно попроси уточнить следующие моменты:\n")
		for _, c := range clarifications {
			fmt.Fprintf(&b, "- %s\n", c)
		}
		b.WriteString("\n")
		extra = b.String()
	}
	prompt := "Недостаточно информации, чтобы выполнить поиск по документам. " +
		"Сформулируй 1-3 уточняющих вопроса на русском, чтобы определить релевантные документы или условия. " +
		"Зафиксируй вопросы в виде маркированного списка."

	tail := history
	if limit := a.cfg.Agent.MessagesLimit; limit > 0 && len(tail) > limit {
		tail = tail[len(tail)-limit:]
	}
	messages := make([]llm.Message, 0, len(tail)+2)
	messages = append(messages, llm.Message{Role: llm.RoleSystem, Content: systemPrompt})
	messages = append(messages, tail...)
	messages = append(messages, llm.Message{
		Role:    llm.RoleUser,
		Content: fmt.Sprintf("%s\n\n%s%s", query, extra, prompt),
	})

	req := &llm.ChatRequest{Messages: messages}
	llm.ApplyPromptParams(req, a.cfg.Prompts.Clarification)

	resp, err := a.chat.Chat(ctx, req)
	if err != nil {
		return "", fmt.Errorf("clarification request: %w", err)
	}
	msg, ok := resp.FirstMessage()
	if !ok {
		return "", llm.ErrEmptyResponse
	}
	return msg.Content, nil
}
