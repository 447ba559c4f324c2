package retrieval

import (
	"context"
	"fmt"
	"math"
	"sort"
	"strings"
)

// Result is one matched document or chunk. Scores are comparable within one
// search only; they are not normalized across agents.
type Result struct {
	ID             string            `json:"id"`
	Title          string            `json:"title"`
	Text           string            `json:"text"`
	RelevanceScore float64           `json:"relevance_score"`
	SourceMetadata map[string]string `json:"source_metadata,omitempty"`
}

// ResultSet is the merged, deduplicated outcome of one search. TotalCount is
// the deduplicated count, never the sum of both paths' raw counts.
type ResultSet struct {
	Results    []Result `json:"results"`
	TotalCount int      `json:"total_count"`
}

// MetadataStore is the structured-filter path: exact-match narrowing over
// document metadata fields (doc_type, category, boolean flags).
type MetadataStore interface {
	FilterSearch(ctx context.Context, query string, filters map[string]string, limit int) ([]Result, error)
}

// VectorHit is one nearest neighbour returned by the vector index.
type VectorHit struct {
	ID       string
	Score    float64
	Title    string
	Text     string
	Metadata map[string]string
}

// VectorIndex is the similarity path: top-K nearest neighbours by cosine (or
// equivalent) distance over an embedding index.
type VectorIndex interface {
	Search(ctx context.Context, vector []float32, topK int) ([]VectorHit, error)
}

// Embedder turns query text into vectors. provider.Provider satisfies it.
type Embedder interface {
	CreateEmbedding(ctx context.Context, texts []string) ([][]float32, error)
}

// Hybrid runs the structured-filter path and the vector-similarity path and
// fuses their results. Paths run sequentially so the output is deterministic
// for identical inputs.
type Hybrid struct {
	Metadata MetadataStore
	Vectors  VectorIndex
	Embedder Embedder
	TopK     int
}

// NewHybrid wires a hybrid searcher over the given backends.
func NewHybrid(meta MetadataStore, vectors VectorIndex, embedder Embedder, topK int) *Hybrid {
	if topK <= 0 {
		topK = 10
	}
	return &Hybrid{Metadata: meta, Vectors: vectors, Embedder: embedder, TopK: topK}
}

// Search merges both retrieval paths by document identity. A document seen on
// both paths collapses to one entry keeping the higher score. Results sort
// descending by score; at equal score a structured match ranks above a pure
// vector match since exact filter matches are higher precision. An empty
// query with no filters is not an error: it yields TotalCount == 0.
func (h *Hybrid) Search(ctx context.Context, query string, filters map[string]string) (ResultSet, error) {
	query = strings.TrimSpace(query)
	if query == "" && len(filters) == 0 {
		return ResultSet{}, nil
	}

	var structured []Result
	if h.Metadata != nil {
		var err error
		structured, err = h.Metadata.FilterSearch(ctx, query, filters, h.TopK)
		if err != nil {
			return ResultSet{}, fmt.Errorf("structured path: %w", err)
		}
	}

	var vectorHits []VectorHit
	if query != "" && h.Vectors != nil && h.Embedder != nil {
		vecs, err := h.Embedder.CreateEmbedding(ctx, []string{query})
		if err != nil {
			return ResultSet{}, fmt.Errorf("query embedding: %w", err)
		}
		if len(vecs) > 0 {
			vectorHits, err = h.Vectors.Search(ctx, vecs[0], h.TopK)
			if err != nil {
				return ResultSet{}, fmt.Errorf("vector path: %w", err)
			}
		}
	}

	merged := fuse(structured, vectorHits)
	if len(merged) > h.TopK {
		merged = merged[:h.TopK]
	}
	return ResultSet{Results: merged, TotalCount: len(merged)}, nil
}

type fused struct {
	result Result
	// rank within the structured path, or maxInt for vector-only hits;
	// the tie-break at equal score.
	structuredRank int
}

func fuse(structured []Result, vectorHits []VectorHit) []Result {
	m := make(map[string]*fused)
	var order []string

	for i, r := range structured {
		if r.ID == "" {
			continue
		}
		if _, ok := m[r.ID]; !ok {
			order = append(order, r.ID)
		}
		m[r.ID] = &fused{result: r, structuredRank: i}
	}
	for _, h := range vectorHits {
		if h.ID == "" {
			continue
		}
		if f, ok := m[h.ID]; ok {
			if h.Score > f.result.RelevanceScore {
				f.result.RelevanceScore = h.Score
			}
			continue
		}
		order = append(order, h.ID)
		m[h.ID] = &fused{
			result: Result{
				ID:             h.ID,
				Title:          h.Title,
				Text:           h.Text,
				RelevanceScore: h.Score,
				SourceMetadata: h.Metadata,
			},
			structuredRank: math.MaxInt,
		}
	}

	items := make([]*fused, 0, len(order))
	for _, id := range order {
		items = append(items, m[id])
	}
	sort.SliceStable(items, func(i, j int) bool {
		if items[i].result.RelevanceScore != items[j].result.RelevanceScore {
			return items[i].result.RelevanceScore > items[j].result.RelevanceScore
		}
		return items[i].structuredRank < items[j].structuredRank
	})

	out := make([]Result, len(items))
	for i, f := range items {
		out[i] = f.result
	}
	return out
}
