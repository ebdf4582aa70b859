package agent

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/finassist/ragagent/internal/llm"
	ometrics "github.com/finassist/ragagent/internal/metrics"
	"github.com/finassist/ragagent/internal/retrieval"
	"github.com/finassist/ragagent/internal/vectorstore"
)

// userDocsSearcher returns a Searcher over the owner's document chunks,
// optionally restricted to a document id set. Backend failures are wrapped
// in ErrSearchUnavailable so the turn can degrade to a fixed message.
func (a *Agent) userDocsSearcher(ownerID int64, documentIDs []int64) retrieval.Searcher {
	return retrieval.SearcherFunc(func(ctx context.Context, query string, limit int) ([]retrieval.Result, error) {
		if !a.embedder.Enabled() || !a.vectors.Enabled() {
			return nil, fmt.Errorf("%w: embeddings or vector backend disabled", retrieval.ErrSearchUnavailable)
		}
		vecs, err := a.embedder.Embed(ctx, []string{query})
		if err != nil || len(vecs) == 0 {
			return nil, fmt.Errorf("%w: embed query: %v", retrieval.ErrSearchUnavailable, err)
		}

		start := time.Now()
		points, err := a.vectors.Search(ctx, vectorstore.SearchParams{
			Collection:     a.cfg.Vector.Collection,
			OwnerID:        ownerID,
			Vector:         vecs[0],
			Limit:          limit,
			ScoreThreshold: a.cfg.Agent.DefaultScoreThreshold,
			DocumentIDs:    documentIDs,
		})
		if err != nil {
			ometrics.RetrievalRequests.WithLabelValues("user_documents", "error").Inc()
			return nil, fmt.Errorf("%w: %v", retrieval.ErrSearchUnavailable, err)
		}

		results := pointsToResults(points)
		ometrics.RetrievalRequests.WithLabelValues("user_documents", "ok").Inc()
		ometrics.RetrievalDuration.WithLabelValues("user_documents").Observe(float64(time.Since(start).Milliseconds()))
		a.log.Debug("user documents searched",
			zap.Int("results", len(results)),
			zap.Bool("document_filter", len(documentIDs) > 0),
		)
		return results, nil
	})
}

// searchPlain runs a single ranked query against the owner's documents.
func (a *Agent) searchPlain(ctx context.Context, ownerID int64, query string, documentIDs []int64, limit int) ([]retrieval.Result, error) {
	if limit <= 0 {
		limit = a.cfg.Agent.DefaultTopK
	}
	return a.userDocsSearcher(ownerID, documentIDs).Search(ctx, query, limit)
}

// searchWithExpansion plans query expansions and fuses the per-expansion
// rankings. A planner failure degrades to a plain single-query plan.
func (a *Agent) searchWithExpansion(ctx context.Context, ownerID int64, query string, documentIDs []int64, history []llm.Message, limit int) ([]retrieval.Result, retrieval.FusionMeta, error) {
	if limit <= 0 {
		limit = a.cfg.Agent.DefaultTopK
	}
	plan, err := a.planner.Plan(ctx, query, history, documentIDs)
	if err != nil {
		a.log.Warn("fusion plan failed, falling back to plain search", zap.Error(err))
		plan = &retrieval.Plan{BaseQuery: query, Notes: "fallback-plan"}
	}
	return retrieval.FusedSearch(ctx, a.userDocsSearcher(ownerID, documentIDs), plan, limit, a.cfg.Agent.RRFK, a.log)
}

// searchKnowledgeBase queries the corporate knowledge base collection.
// Unlike user-document search, every failure here degrades to an empty
// result set: the knowledge base is a best-effort supplement.
func (a *Agent) searchKnowledgeBase(ctx context.Context, query string, limit int) []retrieval.Result {
	if query == "" || !a.embedder.Enabled() || !a.vectors.Enabled() {
		return nil
	}
	kb := a.cfg.KnowledgeBase
	if limit <= 0 {
		limit = kb.Limit
	}

	vecs, err := a.embedder.Embed(ctx, []string{query})
	if err != nil || len(vecs) == 0 {
		a.log.Warn("knowledge base embedding failed", zap.Error(err))
		return nil
	}

	start := time.Now()
	points, err := a.vectors.Search(ctx, vectorstore.SearchParams{
		Collection:     kb.Collection,
		OwnerID:        kb.OwnerID,
		Vector:         vecs[0],
		Limit:          limit,
		ScoreThreshold: kb.ScoreThreshold,
		ExtraFilters:   map[string]any{"document_metadata.source": "knowledge_base"},
	})
	if err != nil {
		ometrics.RetrievalRequests.WithLabelValues("knowledge_base", "error").Inc()
		a.log.Warn("knowledge base search failed", zap.Error(err))
		return nil
	}

	results := pointsToResults(points)
	ometrics.RetrievalRequests.WithLabelValues("knowledge_base", "ok").Inc()
	ometrics.RetrievalDuration.WithLabelValues("knowledge_base").Observe(float64(time.Since(start).Milliseconds()))
	return results
}

// pointsToResults converts raw vector hits into retrieval results. The
// fingerprint prefers the payload chunk id and falls back to the point id.
func pointsToResults(points []vectorstore.Point) []retrieval.Result {
	results := make([]retrieval.Result, 0, len(points))
	for _, p := range points {
		payload := p.Payload
		if payload == nil {
			payload = map[string]any{}
		}
		fingerprint := fmt.Sprintf("%v", p.ID)
		if cid, ok := payload["chunk_id"]; ok && cid != nil {
			fingerprint = fmt.Sprintf("%v", cid)
		}
		ordinal := 0
		if serial, ok := payload["chunk_serial"].(float64); ok {
			ordinal = int(serial)
		}
		text, _ := payload["chunk_content"].(string)
		if text == "" {
			if meta, ok := payload["document_metadata"].(map[string]any); ok {
				if ann, ok := meta["kb_annotation"].(string); ok {
					text = ann
				}
			}
		}
		results = append(results, retrieval.Result{
			Fingerprint: fingerprint,
			Score:       p.Score,
			Ordinal:     ordinal,
			Text:        text,
			Payload:     payload,
		})
	}
	return results
}
