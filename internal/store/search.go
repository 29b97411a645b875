package store

import "context"

// SearchResult is one row returned by an external search backend.
type SearchResult struct {
	ID         string
	Content    string
	Similarity float64 // only populated by Searcher.SearchSimilar
}

// Searcher is the narrow interface the core depends on for full-text and
// vector search (§6: "The core only depends on searchSimilar(...) and
// searchText(...); either may be absent — then the function returns
// empty."). Out of scope per §1: the concrete search service implementing
// this interface.
type Searcher interface {
	SearchSimilar(ctx context.Context, query, table string, threshold float64, k int) ([]SearchResult, error)
	SearchText(ctx context.Context, query string, filters map[string]string, k int) ([]SearchResult, error)
}

// NoopSearcher always returns empty results: the default when no search
// backend is configured.
type NoopSearcher struct{}

func (NoopSearcher) SearchSimilar(ctx context.Context, query, table string, threshold float64, k int) ([]SearchResult, error) {
	return nil, nil
}

func (NoopSearcher) SearchText(ctx context.Context, query string, filters map[string]string, k int) ([]SearchResult, error) {
	return nil, nil
}
