package retrieval

import (
	"context"
	"fmt"
	"math"
	"sort"
	"time"

	"go.uber.org/zap"

	ometrics "github.com/finassist/ragagent/internal/metrics"
)

// FusionMeta describes how a fused search was executed, for debug records.
type FusionMeta struct {
	Strategy   string   `json:"strategy"` // plain or query_expansion
	Expansions []string `json:"expansions,omitempty"`
	Notes      string   `json:"notes,omitempty"`
	PerQuery   int      `json:"per_query,omitempty"`
	Merged     int      `json:"merged,omitempty"`
	Rerank     bool     `json:"rerank"`
	Limit      int      `json:"limit"`
}

// FusedSearch runs the plan's expansions against the searcher and merges
// the ranked lists with reciprocal rank fusion. A single-expansion plan
// degenerates to one plain search call.
func FusedSearch(ctx context.Context, s Searcher, plan *Plan, limit, rrfK int, logger *zap.Logger) ([]Result, FusionMeta, error) {
	expansions := plan.Expansions()
	meta := FusionMeta{Rerank: plan.Rerank, Notes: plan.Notes, Limit: limit}
	ometrics.FusionExpansions.Observe(float64(len(expansions)))

	if len(expansions) <= 1 {
		meta.Strategy = "plain"
		results, err := s.Search(ctx, plan.BaseQuery, limit)
		if err != nil {
			return nil, meta, fmt.Errorf("plain search: %w", err)
		}
		return results, meta, nil
	}

	perQuery := int(math.Ceil(float64(limit) / float64(len(expansions))))
	if perQuery < 2 {
		perQuery = 2
	}
	meta.Strategy = "query_expansion"
	meta.Expansions = expansions
	meta.PerQuery = perQuery

	start := time.Now()
	lists := make([][]Result, 0, len(expansions))
	for _, q := range expansions {
		results, err := s.Search(ctx, q, perQuery)
		if err != nil {
			ometrics.RetrievalRequests.WithLabelValues("fusion", "error").Inc()
			return nil, meta, fmt.Errorf("expanded search %q: %w", q, err)
		}
		lists = append(lists, results)
	}

	fused := RRFMerge(lists, rrfK, limit)
	meta.Merged = len(fused)

	ometrics.RetrievalRequests.WithLabelValues("fusion", "ok").Inc()
	ometrics.RetrievalDuration.WithLabelValues("fusion").Observe(float64(time.Since(start).Milliseconds()))
	logger.Debug("fused search merged",
		zap.Int("expansions", len(expansions)),
		zap.Int("per_query", perQuery),
		zap.Int("merged", len(fused)),
	)
	return fused, meta, nil
}

// RRFMerge combines ranked result lists by reciprocal rank fusion: an item
// at 1-based rank r in a list contributes 1/(k+r) to its fingerprint's
// total. The representative payload for a fingerprint seen in several lists
// is the instance with the highest raw similarity score.
func RRFMerge(lists [][]Result, k, limit int) []Result {
	fusedScores := make(map[string]float64)
	best := make(map[string]Result)

	for _, list := range lists {
		for idx, res := range list {
			rank := idx + 1
			fusedScores[res.Fingerprint] += 1.0 / float64(k+rank)
			if prev, ok := best[res.Fingerprint]; !ok || res.Score > prev.Score {
				best[res.Fingerprint] = res
			}
		}
	}

	type scored struct {
		fingerprint string
		score       float64
	}
	order := make([]scored, 0, len(fusedScores))
	for fp, score := range fusedScores {
		order = append(order, scored{fingerprint: fp, score: score})
	}
	sort.SliceStable(order, func(i, j int) bool {
		return order[i].score > order[j].score
	})

	if limit > len(order) {
		limit = len(order)
	}
	out := make([]Result, 0, limit)
	for _, item := range order[:limit] {
		out = append(out, best[item.fingerprint])
	}
	return out
}
