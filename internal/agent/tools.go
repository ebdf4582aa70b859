package agent

import (
	"context"
	"fmt"
	"net/url"
	"strings"

	"github.com/finassist/ragagent/internal/external"
	"github.com/finassist/ragagent/internal/retrieval"
	"github.com/finassist/ragagent/internal/tools"
)

// russianNewsDomains are preferred sources for finance news queries.
var russianNewsDomains = []string{
	"cbr.ru",
	"tass.ru",
	"ria.ru",
	"rbc.ru",
	"vedomosti.ru",
	"kommersant.ru",
	"interfax.ru",
	"banki.ru",
	"finmarket.ru",
	"iz.ru",
	"1prime.ru",
	"forbes.ru",
	"rg.ru",
	"vestifinance.ru",
}

func (a *Agent) toolDefinitions() []tools.Definition {
	return []tools.Definition{
		{
			Name: tools.NameSearchUserDocuments,
			Description: "Выполняет поиск релевантных фрагментов в документах пользователя." +
				" Требует текст запроса. Необходим для сценариев 1 и 4.",
			Parameters: map[string]any{
				"type": "object",
				"properties": map[string]any{
					"query": map[string]any{"type": "string", "description": "Текст запроса"},
					"document_ids": map[string]any{
						"type":        "array",
						"items":       map[string]any{"type": "integer"},
						"description": "Необязательный список ID документов для фильтра",
					},
					"limit": map[string]any{
						"type":        "integer",
						"minimum":     1,
						"maximum":     20,
						"description": "Максимум возвращаемых фрагментов",
					},
					"use_query_expansion": map[string]any{
						"type":        "boolean",
						"description": "Включить расширение запроса для повышения полноты поиска",
					},
				},
				"required": []string{"query"},
			},
			Handler: a.toolSearchUserDocuments,
		},
		{
			Name: tools.NameLoadDocumentsFull,
			Description: "Загружает полный контент выбранных документов, если общий объём" +
				" не превышает лимит. Используй перед генерацией без поиска.",
			Parameters: map[string]any{
				"type": "object",
				"properties": map[string]any{
					"document_ids": map[string]any{
						"type":        "array",
						"items":       map[string]any{"type": "integer"},
						"description": "Список ID документов",
					},
					"max_chars": map[string]any{
						"type":        "integer",
						"minimum":     1000,
						"description": "Максимальный суммарный размер контекста",
					},
				},
				"required": []string{"document_ids"},
			},
			Handler: a.toolLoadDocumentsFull,
		},
		{
			Name: tools.NameSearchGeneralKB,
			Description: "Поиск в корпоративной финансовой базе знаний компании. " +
				"Используй для ответов на вопросы о терминологии, определениях, " +
				"правилах, процедурах и общих финансовых концепциях. " +
				"База знаний содержит справочную информацию по финансам и бизнес-процессам.",
			Parameters: map[string]any{
				"type": "object",
				"properties": map[string]any{
					"query": map[string]any{
						"type":        "string",
						"description": "Поисковый запрос для корпоративной базы знаний",
					},
					"limit": map[string]any{
						"type":        "integer",
						"minimum":     1,
						"maximum":     10,
						"description": "Максимум результатов (по умолчанию 5)",
					},
				},
				"required": []string{"query"},
			},
			Handler: a.toolSearchGeneralKB,
		},
		{
			Name: tools.NameFetchCentralBank,
			Description: "Получает данные Банка России: ключевая ставка, курсы валют," +
				" новости. Обязательно указывай mode.",
			Parameters: map[string]any{
				"type": "object",
				"properties": map[string]any{
					"mode": map[string]any{
						"type": "string",
						"enum": []string{"key_rate", "currency", "news"},
					},
					"date": map[string]any{"type": "string", "description": "Формат YYYY-MM-DD"},
					"code": map[string]any{"type": "string", "description": "ISO 4217 или код ЦБ"},
				},
				"required": []string{"mode"},
			},
			Handler: a.toolFetchCentralBank,
		},
		{
			Name: tools.NameFetchFinanceNews,
			Description: "Поиск актуальных финансовых и экономических новостей через веб-поиск. " +
				"Используй для запросов о последних событиях, рыночных тенденциях, " +
				"новостях компаний и экономической ситуации. " +
				"Возвращает заголовки, ссылки и краткое содержание статей.",
			Parameters: map[string]any{
				"type": "object",
				"properties": map[string]any{
					"query": map[string]any{
						"type":        "string",
						"description": "Поисковый запрос для финансовых новостей",
					},
					"max_results": map[string]any{
						"type":        "integer",
						"minimum":     1,
						"maximum":     10,
						"default":     5,
						"description": "Количество новостей для возврата",
					},
					"days": map[string]any{
						"type":        "integer",
						"minimum":     1,
						"maximum":     30,
						"description": "Искать новости за последние N дней (опционально)",
					},
				},
				"required": []string{"query"},
			},
			Handler: a.toolFetchFinanceNews,
		},
	}
}

func (a *Agent) toolSearchUserDocuments(ctx context.Context, inv tools.Invocation, tc *tools.Context) (*tools.Result, error) {
	query := strings.TrimSpace(stringFromJSON(inv.Arguments["query"]))
	if query == "" {
		return nil, tools.NewArgumentError(inv.Name, "query is required")
	}
	documentIDs := int64List(inv.Arguments["document_ids"])
	if len(documentIDs) == 0 {
		documentIDs = tc.SelectedDocumentIDs
	}
	limit, _ := intArg(inv.Arguments, "limit")

	// Expansion precedence: explicit argument, then the scenario decision,
	// then the config default scoped to search-oriented intents/scenarios.
	requested := coerceBool(inv.Arguments["use_query_expansion"])
	var defaultFlag *bool
	if tc.Intent == "document_search" || tc.Intent == IntentHybridKBDocs ||
		tc.Scenario == ScenarioDocumentSearch || tc.Scenario == ScenarioGeneral || tc.Scenario == ScenarioTargetedSearch {
		defaultFlag = &a.cfg.Agent.UseQueryExpansion
	}
	shouldExpand := false
	for _, flag := range []*bool{requested, tc.UseQueryExpansion, defaultFlag} {
		if flag != nil {
			shouldExpand = *flag
			break
		}
	}

	var results []retrieval.Result
	var meta map[string]any

	if shouldExpand {
		fused, fusionMeta, err := a.searchWithExpansion(ctx, tc.OwnerID, query, documentIDs, tc.History, limit)
		if err != nil {
			return nil, err
		}
		results = fused
		meta = map[string]any{
			"strategy":   fusionMeta.Strategy,
			"expansions": fusionMeta.Expansions,
			"notes":      fusionMeta.Notes,
			"per_query":  fusionMeta.PerQuery,
			"limit":      fusionMeta.Limit,
		}
	} else {
		plain, err := a.searchPlain(ctx, tc.OwnerID, query, documentIDs, limit)
		if err != nil {
			return nil, err
		}
		results = plain
		effective := limit
		if effective <= 0 {
			effective = a.cfg.Agent.DefaultTopK
		}
		meta = map[string]any{
			"strategy": "single_query",
			"limit":    effective,
		}
	}

	return &tools.Result{
		Content: map[string]any{
			"status":              "ok",
			"chunks":              serializeChunks(results),
			"query":               query,
			"meta":                meta,
			"use_query_expansion": shouldExpand,
		},
		UsedResults: results,
	}, nil
}

func (a *Agent) toolLoadDocumentsFull(ctx context.Context, inv tools.Invocation, tc *tools.Context) (*tools.Result, error) {
	documentIDs := int64List(inv.Arguments["document_ids"])
	if len(documentIDs) == 0 {
		documentIDs = tc.SelectedDocumentIDs
	}
	if len(documentIDs) == 0 {
		return nil, tools.NewArgumentError(inv.Name, "document_ids are required")
	}
	documents, totalLen, err := a.docs.GetDocumentsByIDs(ctx, tc.OwnerID, documentIDs)
	if err != nil {
		return nil, fmt.Errorf("load documents: %w", err)
	}

	maxChars, ok := intArg(inv.Arguments, "max_chars")
	if !ok || maxChars <= 0 {
		maxChars = a.cfg.Agent.MaxContextChars
	}

	trimmed := make([]map[string]any, 0, len(documents))
	remaining := maxChars
	for _, doc := range documents {
		content := doc.Content
		if runes := []rune(content); len(runes) > remaining {
			content = string(runes[:remaining])
		}
		remaining -= len([]rune(content))
		if remaining < 0 {
			remaining = 0
		}
		entry := map[string]any{
			"document_id": doc.ID,
			"filename":    doc.Filename,
			"url":         doc.ObjectURL,
			"content":     content,
		}
		if !doc.CreatedAt.IsZero() {
			entry["created_at"] = doc.CreatedAt.Format("2006-01-02T15:04:05Z07:00")
		}
		trimmed = append(trimmed, entry)
		if remaining <= 0 {
			break
		}
	}

	return &tools.Result{
		Content: map[string]any{
			"status":       "ok",
			"documents":    trimmed,
			"total_length": totalLen,
		},
	}, nil
}

func (a *Agent) toolSearchGeneralKB(ctx context.Context, inv tools.Invocation, tc *tools.Context) (*tools.Result, error) {
	query := strings.TrimSpace(stringFromJSON(inv.Arguments["query"]))
	if query == "" {
		return nil, tools.NewArgumentError(inv.Name, "query is required")
	}
	limit, ok := intArg(inv.Arguments, "limit")
	if ok && limit > 10 {
		limit = 10
	}

	results := a.searchKnowledgeBase(ctx, query, limit)
	return &tools.Result{
		Content: map[string]any{
			"status": "ok",
			"chunks": serializeChunks(results),
			"query":  query,
		},
		UsedResults: results,
	}, nil
}

func (a *Agent) toolFetchCentralBank(ctx context.Context, inv tools.Invocation, _ *tools.Context) (*tools.Result, error) {
	mode := stringFromJSON(inv.Arguments["mode"])
	switch mode {
	case external.ModeKeyRate, external.ModeCurrency, "news":
	default:
		return nil, tools.NewArgumentError(inv.Name, "mode must be one of key_rate|currency|news")
	}
	payload := map[string]any{}
	if date := stringFromJSON(inv.Arguments["date"]); date != "" {
		payload["date"] = date
	}
	if code := stringFromJSON(inv.Arguments["code"]); code != "" {
		payload["code"] = code
	}
	resp, err := a.cbr.Fetch(ctx, mode, payload)
	if err != nil {
		return nil, err
	}
	return &tools.Result{
		Content: map[string]any{
			"status": resp.Status,
			"data":   resp.Data,
			"cached": resp.Cached,
		},
	}, nil
}

func (a *Agent) toolFetchFinanceNews(ctx context.Context, inv tools.Invocation, _ *tools.Context) (*tools.Result, error) {
	query := strings.TrimSpace(stringFromJSON(inv.Arguments["query"]))
	if query == "" {
		return nil, tools.NewArgumentError(inv.Name, "query is required")
	}
	targetResults, ok := intArg(inv.Arguments, "max_results")
	if !ok || targetResults <= 0 {
		targetResults = 5
	}
	windowDays, ok := intArg(inv.Arguments, "days")
	if !ok || windowDays <= 0 {
		windowDays = 7
	}

	ruQuery := biasNewsQuery(query)
	ruResp, err := a.news.Search(ctx, external.NewsQuery{
		Query:          ruQuery,
		MaxResults:     targetResults,
		SearchDepth:    "advanced",
		Topic:          "news",
		Days:           windowDays,
		IncludeDomains: russianNewsDomains,
		IncludeAnswer:  true,
	})
	if err != nil {
		return nil, fmt.Errorf("news search: %w", err)
	}

	combined := prioritizeNewsResults(ruResp.Results)
	meta := map[string]any{
		"query":             query,
		"ru_query":          ruQuery,
		"ru_results":        len(ruResp.Results),
		"preferred_domains": russianNewsDomains,
	}
	status := ruResp.Status
	cached := ruResp.Cached

	// Widen the net when the Russia-biased pass came up short.
	if len(combined) < targetResults {
		fallbackQuery := query + " финансы Россия"
		fallback, err := a.news.Search(ctx, external.NewsQuery{
			Query:         fallbackQuery,
			MaxResults:    targetResults,
			SearchDepth:   "advanced",
			Topic:         "news",
			Days:          windowDays,
			IncludeAnswer: true,
		})
		if err != nil {
			return nil, fmt.Errorf("news fallback search: %w", err)
		}
		meta["fallback_results"] = len(fallback.Results)
		meta["fallback_query"] = fallbackQuery
		combined = prioritizeNewsResults(append(append([]external.NewsItem{}, ruResp.Results...), fallback.Results...))
		if fallback.Status != "" {
			status = fallback.Status
		}
		cached = cached && fallback.Cached
	}

	if len(combined) > targetResults {
		combined = combined[:targetResults]
	}
	meta["returned"] = len(combined)

	return &tools.Result{
		Content: map[string]any{
			"status":  status,
			"results": combined,
			"cached":  cached,
			"meta":    meta,
		},
	}, nil
}

// biasNewsQuery steers generic queries toward Russian coverage.
func biasNewsQuery(query string) string {
	base := strings.TrimSpace(query)
	if base == "" {
		return "финансовые новости России"
	}
	normalized := strings.ToLower(base)
	// "росси" also matches inflected forms: России, российский.
	if strings.Contains(normalized, "росси") || strings.Contains(normalized, "рф") {
		return base
	}
	return base + " Россия"
}

// prioritizeNewsResults deduplicates by URL and orders Russian sources
// ahead of global ones, preserving relative order within each group.
func prioritizeNewsResults(items []external.NewsItem) []external.NewsItem {
	if len(items) == 0 {
		return nil
	}
	seen := make(map[string]struct{}, len(items))
	var russian, global []external.NewsItem
	for _, item := range items {
		u := strings.TrimSpace(item.URL)
		if u == "" {
			continue
		}
		if _, dup := seen[u]; dup {
			continue
		}
		seen[u] = struct{}{}
		if isRussianSource(item) {
			russian = append(russian, item)
		} else {
			global = append(global, item)
		}
	}
	return append(russian, global...)
}

func isRussianSource(item external.NewsItem) bool {
	hostname := ""
	if u, err := url.Parse(strings.TrimSpace(item.URL)); err == nil && u.Hostname() != "" {
		hostname = strings.ToLower(u.Hostname())
	}
	for _, domain := range russianNewsDomains {
		if strings.HasSuffix(hostname, domain) {
			return true
		}
	}
	for _, ch := range strings.ToLower(item.Title + " " + item.Content) {
		if (ch >= 'а' && ch <= 'я') || ch == 'ё' {
			return true
		}
	}
	return false
}

func serializeChunks(results []retrieval.Result) []map[string]any {
	out := make([]map[string]any, 0, len(results))
	for _, r := range results {
		out = append(out, serializeChunk(r))
	}
	return out
}

func serializeChunk(r retrieval.Result) map[string]any {
	payload := r.Payload
	if payload == nil {
		payload = map[string]any{}
	}
	metadata, _ := payload["document_metadata"].(map[string]any)

	filename := payload["filename"]
	if filename == nil && metadata != nil {
		filename = metadata["kb_id"]
	}
	docURL := payload["object_url"]
	if docURL == nil && metadata != nil {
		docURL = metadata["object_url"]
	}
	source := payload["source"]
	if metadata != nil && metadata["source"] != nil {
		source = metadata["source"]
	}
	return map[string]any{
		"document_id":  payload["document_id"],
		"filename":     filename,
		"url":          docURL,
		"score":        r.Score,
		"chunk_serial": r.Ordinal,
		"content":      r.Text,
		"source":       source,
	}
}

func intArg(args map[string]any, key string) (int, bool) {
	switch v := args[key].(type) {
	case float64:
		return int(v), true
	case int:
		return v, true
	}
	return 0, false
}

func int64List(v any) []int64 {
	items, ok := v.([]any)
	if !ok {
		return nil
	}
	out := make([]int64, 0, len(items))
	for _, item := range items {
		if f, ok := item.(float64); ok {
			out = append(out, int64(f))
		}
	}
	return out
}
