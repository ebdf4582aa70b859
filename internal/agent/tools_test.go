package agent

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/finassist/ragagent/internal/docstore"
	"github.com/finassist/ragagent/internal/external"
	"github.com/finassist/ragagent/internal/tools"
	"github.com/finassist/ragagent/internal/vectorstore"
)

func boolPtr(v bool) *bool { return &v }

func invocation(name string, args map[string]any) tools.Invocation {
	if args == nil {
		args = map[string]any{}
	}
	return tools.Invocation{Name: name, Arguments: args}
}

func TestSearchUserDocumentsExpansionPrecedence(t *testing.T) {
	tests := []struct {
		name         string
		args         map[string]any
		decisionFlag *bool
		intent       string
		scenario     int
		configFlag   bool
		wantExpand   bool
	}{
		{
			name:       "explicit argument wins over decision",
			args:       map[string]any{"use_query_expansion": false},
			intent:     "document_search",
			scenario:   ScenarioDocumentSearch,
			configFlag: true,
			wantExpand: false,
		},
		{
			name:         "decision flag wins over config default",
			decisionFlag: boolPtr(true),
			intent:       "document_search",
			scenario:     ScenarioDocumentSearch,
			configFlag:   false,
			wantExpand:   true,
		},
		{
			name:       "config default applies to search intents",
			intent:     "document_search",
			scenario:   ScenarioDocumentSearch,
			configFlag: true,
			wantExpand: true,
		},
		{
			name:       "config default not applied outside search scope",
			intent:     IntentCBRRate,
			scenario:   ScenarioFullContext,
			configFlag: true,
			wantExpand: false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := testConfig()
			cfg.Agent.UseQueryExpansion = tt.configFlag

			vectors := &fakeVectors{enabled: true, points: []vectorstore.Point{
				chunkPoint("c1", 0.9, 1, "Фрагмент."),
			}}
			// The planner gets no scripted responses, so expansion runs
			// degrade to the single-query fallback plan.
			a := newTestAgent(t, cfg, testDeps{chat: &scriptedChat{}, vectors: vectors})

			args := map[string]any{"query": "условия договора"}
			for k, v := range tt.args {
				args[k] = v
			}
			res, err := a.toolSearchUserDocuments(context.Background(), invocation(tools.NameSearchUserDocuments, args), &tools.Context{
				OwnerID:           1,
				Intent:            tt.intent,
				Scenario:          tt.scenario,
				UseQueryExpansion: tt.decisionFlag,
			})
			require.NoError(t, err)
			assert.Equal(t, tt.wantExpand, res.Content["use_query_expansion"])
		})
	}
}

func TestSearchUserDocumentsRequiresQuery(t *testing.T) {
	a := newTestAgent(t, testConfig(), testDeps{})
	_, err := a.toolSearchUserDocuments(context.Background(),
		invocation(tools.NameSearchUserDocuments, map[string]any{"query": "   "}), &tools.Context{})

	var argErr *tools.ArgumentError
	require.ErrorAs(t, err, &argErr)
	assert.Contains(t, argErr.Reason, "query is required")
}

func TestSearchUserDocumentsSelectionFallback(t *testing.T) {
	vectors := &fakeVectors{enabled: true}
	a := newTestAgent(t, testConfig(), testDeps{vectors: vectors})

	_, err := a.toolSearchUserDocuments(context.Background(),
		invocation(tools.NameSearchUserDocuments, map[string]any{
			"query":               "пени",
			"use_query_expansion": false,
		}),
		&tools.Context{OwnerID: 3, SelectedDocumentIDs: []int64{11, 12}})
	require.NoError(t, err)

	require.Len(t, vectors.calls, 1)
	assert.Equal(t, []int64{11, 12}, vectors.calls[0].DocumentIDs)
	assert.Equal(t, int64(3), vectors.calls[0].OwnerID)
	assert.Equal(t, "document_chunks", vectors.calls[0].Collection)
}

func TestLoadDocumentsFullTrimsToBudget(t *testing.T) {
	store := &fakeStore{
		docs: []docstore.Document{
			{ID: 1, Filename: "a.pdf", ObjectURL: "https://files/a.pdf", Content: strings.Repeat("а", 80)},
			{ID: 2, Filename: "b.pdf", ObjectURL: "https://files/b.pdf", Content: strings.Repeat("б", 80)},
			{ID: 3, Filename: "c.pdf", Content: strings.Repeat("в", 80)},
		},
		totalLen: 240,
	}
	a := newTestAgent(t, testConfig(), testDeps{store: store})

	res, err := a.toolLoadDocumentsFull(context.Background(),
		invocation(tools.NameLoadDocumentsFull, map[string]any{
			"document_ids": []any{float64(1), float64(2), float64(3)},
			"max_chars":    float64(100),
		}), &tools.Context{OwnerID: 1})
	require.NoError(t, err)

	docs := res.Content["documents"].([]map[string]any)
	// 80 runes fit whole, the second document is cut to the remaining 20
	// and the third never loads.
	require.Len(t, docs, 2)
	assert.Equal(t, int64(1), docs[0]["document_id"])
	assert.Len(t, []rune(docs[0]["content"].(string)), 80)
	assert.Len(t, []rune(docs[1]["content"].(string)), 20)
	assert.Equal(t, 240, res.Content["total_length"])
	assert.Equal(t, "ok", res.Content["status"])
}

func TestLoadDocumentsFullFallsBackToSelection(t *testing.T) {
	store := &fakeStore{docs: []docstore.Document{{ID: 5, Filename: "x.pdf", Content: "текст"}}, totalLen: 5}
	a := newTestAgent(t, testConfig(), testDeps{store: store})

	res, err := a.toolLoadDocumentsFull(context.Background(),
		invocation(tools.NameLoadDocumentsFull, nil),
		&tools.Context{OwnerID: 1, SelectedDocumentIDs: []int64{5}})
	require.NoError(t, err)
	require.Len(t, res.Content["documents"].([]map[string]any), 1)

	// Neither the call nor the turn selected documents.
	_, err = a.toolLoadDocumentsFull(context.Background(),
		invocation(tools.NameLoadDocumentsFull, nil), &tools.Context{OwnerID: 1})
	var argErr *tools.ArgumentError
	require.ErrorAs(t, err, &argErr)
}

func TestSearchGeneralKBClampsLimitAndFilters(t *testing.T) {
	vectors := &fakeVectors{enabled: true, points: []vectorstore.Point{{
		ID:    "kb-1",
		Score: 0.8,
		Payload: map[string]any{
			"chunk_id": "kb-1",
			"document_metadata": map[string]any{
				"source":        "knowledge_base",
				"kb_id":         "fin-terms-001",
				"kb_annotation": "Ключевая ставка — процентная ставка ЦБ РФ.",
			},
		},
	}}}
	a := newTestAgent(t, testConfig(), testDeps{vectors: vectors})

	res, err := a.toolSearchGeneralKB(context.Background(),
		invocation(tools.NameSearchGeneralKB, map[string]any{
			"query": "что такое ключевая ставка",
			"limit": float64(50),
		}), &tools.Context{OwnerID: 9})
	require.NoError(t, err)

	require.Len(t, vectors.calls, 1)
	call := vectors.calls[0]
	assert.Equal(t, "knowledge_base", call.Collection)
	assert.Equal(t, 10, call.Limit)
	assert.Equal(t, int64(0), call.OwnerID) // shared collection, not the caller
	assert.Equal(t, map[string]any{"document_metadata.source": "knowledge_base"}, call.ExtraFilters)

	chunks := res.Content["chunks"].([]map[string]any)
	require.Len(t, chunks, 1)
	assert.Equal(t, "fin-terms-001", chunks[0]["filename"])
	assert.Equal(t, "knowledge_base", chunks[0]["source"])
	assert.Contains(t, chunks[0]["content"], "Ключевая ставка")
}

func TestSearchGeneralKBDegradesToEmpty(t *testing.T) {
	vectors := &fakeVectors{enabled: true, err: errors.New("timeout")}
	a := newTestAgent(t, testConfig(), testDeps{vectors: vectors})

	res, err := a.toolSearchGeneralKB(context.Background(),
		invocation(tools.NameSearchGeneralKB, map[string]any{"query": "лизинг"}), &tools.Context{})
	require.NoError(t, err)
	assert.Equal(t, "ok", res.Content["status"])
	assert.Empty(t, res.Content["chunks"])
	assert.Empty(t, res.UsedResults)
}

func TestFetchCentralBankModeValidation(t *testing.T) {
	cbr := &fakeCBR{}
	a := newTestAgent(t, testConfig(), testDeps{cbr: cbr})

	_, err := a.toolFetchCentralBank(context.Background(),
		invocation(tools.NameFetchCentralBank, map[string]any{"mode": "stocks"}), &tools.Context{})
	var argErr *tools.ArgumentError
	require.ErrorAs(t, err, &argErr)
	assert.Empty(t, cbr.calls)
}

func TestFetchCentralBankPassesPayload(t *testing.T) {
	cbr := &fakeCBR{resp: &external.Response{
		Status: "ok",
		Data:   map[string]any{"currency": "USD", "rate": 92.5},
		Cached: true,
	}}
	a := newTestAgent(t, testConfig(), testDeps{cbr: cbr})

	res, err := a.toolFetchCentralBank(context.Background(),
		invocation(tools.NameFetchCentralBank, map[string]any{
			"mode": "currency",
			"date": "2025-03-01",
			"code": "USD",
		}), &tools.Context{})
	require.NoError(t, err)

	require.Len(t, cbr.calls, 1)
	assert.Equal(t, external.ModeCurrency, cbr.calls[0].mode)
	assert.Equal(t, map[string]any{"date": "2025-03-01", "code": "USD"}, cbr.calls[0].payload)

	assert.Equal(t, "ok", res.Content["status"])
	assert.Equal(t, true, res.Content["cached"])
	assert.Equal(t, 92.5, res.Content["data"].(map[string]any)["rate"])
}

func TestFetchFinanceNewsBiasAndOrdering(t *testing.T) {
	news := &fakeNews{responses: []*external.NewsResponse{{
		Status: "ok",
		Results: []external.NewsItem{
			{Title: "Global markets rally", URL: "https://reuters.com/a"},
			{Title: "ЦБ сохранил ставку", URL: "https://rbc.ru/b"},
			{Title: "ЦБ сохранил ставку", URL: "https://rbc.ru/b"}, // duplicate URL
			{Title: "Рубль укрепился", URL: "https://tass.ru/c"},
		},
	}}}
	a := newTestAgent(t, testConfig(), testDeps{news: news})

	res, err := a.toolFetchFinanceNews(context.Background(),
		invocation(tools.NameFetchFinanceNews, map[string]any{
			"query":       "ключевая ставка",
			"max_results": float64(3),
		}), &tools.Context{})
	require.NoError(t, err)

	require.Len(t, news.queries, 1)
	q := news.queries[0]
	assert.Equal(t, "ключевая ставка Россия", q.Query)
	assert.Equal(t, "news", q.Topic)
	assert.Equal(t, 7, q.Days)
	assert.Equal(t, russianNewsDomains, q.IncludeDomains)

	items := res.Content["results"].([]external.NewsItem)
	require.Len(t, items, 3)
	// deduplicated and Russian sources first
	assert.Equal(t, "https://rbc.ru/b", items[0].URL)
	assert.Equal(t, "https://tass.ru/c", items[1].URL)
	assert.Equal(t, "https://reuters.com/a", items[2].URL)
}

func TestFetchFinanceNewsFallbackQuery(t *testing.T) {
	news := &fakeNews{responses: []*external.NewsResponse{
		{
			Status:  "ok",
			Results: []external.NewsItem{{Title: "ЦБ сохранил ставку", URL: "https://rbc.ru/b"}},
		},
		{
			Status: "ok",
			Results: []external.NewsItem{
				{Title: "ЦБ сохранил ставку", URL: "https://rbc.ru/b"}, // overlaps the first pass
				{Title: "Rate decision analysis", URL: "https://bloomberg.com/x"},
			},
		},
	}}
	a := newTestAgent(t, testConfig(), testDeps{news: news})

	res, err := a.toolFetchFinanceNews(context.Background(),
		invocation(tools.NameFetchFinanceNews, map[string]any{
			"query":       "ставка ЦБ России",
			"max_results": float64(3),
		}), &tools.Context{})
	require.NoError(t, err)

	require.Len(t, news.queries, 2)
	// query already mentions Russia, so the first pass keeps it unchanged
	assert.Equal(t, "ставка ЦБ России", news.queries[0].Query)
	assert.Equal(t, "ставка ЦБ России финансы Россия", news.queries[1].Query)
	assert.Empty(t, news.queries[1].IncludeDomains)

	items := res.Content["results"].([]external.NewsItem)
	require.Len(t, items, 2)
	assert.Equal(t, "https://rbc.ru/b", items[0].URL)
	assert.Equal(t, "https://bloomberg.com/x", items[1].URL)

	meta := res.Content["meta"].(map[string]any)
	assert.Equal(t, "ставка ЦБ России финансы Россия", meta["fallback_query"])
	assert.Equal(t, 2, meta["returned"])
}

func TestBiasNewsQuery(t *testing.T) {
	assert.Equal(t, "инфляция Россия", biasNewsQuery("инфляция"))
	assert.Equal(t, "экономика России", biasNewsQuery("экономика России"))
	assert.Equal(t, "новости РФ", biasNewsQuery("новости РФ"))
	assert.Equal(t, "финансовые новости России", biasNewsQuery("  "))
}

func TestIsRussianSource(t *testing.T) {
	assert.True(t, isRussianSource(external.NewsItem{URL: "https://www.rbc.ru/economics/1"}))
	assert.True(t, isRussianSource(external.NewsItem{URL: "https://example.com/a", Title: "Курс рубля"}))
	assert.False(t, isRussianSource(external.NewsItem{URL: "https://reuters.com/a", Title: "Markets"}))
}
