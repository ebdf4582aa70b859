package retrieval

import (
	"context"
	"errors"
)

// ErrSearchUnavailable marks a retrieval-backend outage. The conversation
// loop translates it into a fixed user-facing message instead of retrying.
var ErrSearchUnavailable = errors.New("retrieval: search backend unavailable")

// Result is one ranked item returned by a search backend.
type Result struct {
	// Fingerprint identifies the underlying content unit (chunk id).
	Fingerprint string
	Score       float64
	// Ordinal is the chunk position within its source document.
	Ordinal int
	Text    string
	Payload map[string]any
}

// Searcher runs a single ranked retrieval query.
type Searcher interface {
	Search(ctx context.Context, query string, limit int) ([]Result, error)
}

// SearcherFunc adapts a plain function to the Searcher interface.
type SearcherFunc func(ctx context.Context, query string, limit int) ([]Result, error)

func (f SearcherFunc) Search(ctx context.Context, query string, limit int) ([]Result, error) {
	return f(ctx, query, limit)
}
