package memindex

import (
	"context"
	"math"
	"sort"
	"sync"

	"github.com/blevesearch/bleve"

	"github.com/zipsaai/zipsa/internal/retrieval"
)

// Chunk is one indexed document chunk with its metadata and optional vector.
type Chunk struct {
	ID       string
	Title    string
	Text     string
	Metadata map[string]string
	Vector   []float32
}

type embedVec struct {
	docID string
	vec   []float32
}

// Index is an in-memory corpus backend for small corpora: a bleve full-text
// index for the structured/keyword path and plain cosine scan for the vector
// path. It implements both retrieval.MetadataStore and retrieval.VectorIndex.
type Index struct {
	mu      sync.RWMutex
	bleve   bleve.Index
	meta    map[string]Chunk
	vectors []embedVec
}

// New creates an empty in-memory index.
func New() (*Index, error) {
	idx, err := bleve.NewMemOnly(bleve.NewIndexMapping())
	if err != nil {
		return nil, err
	}
	return &Index{bleve: idx, meta: make(map[string]Chunk)}, nil
}

// Add indexes a chunk. A chunk with a vector participates in both paths.
func (ix *Index) Add(chunk Chunk) error {
	ix.mu.Lock()
	defer ix.mu.Unlock()
	ix.meta[chunk.ID] = chunk
	if len(chunk.Vector) > 0 {
		ix.vectors = append(ix.vectors, embedVec{docID: chunk.ID, vec: chunk.Vector})
	}
	return ix.bleve.Index(chunk.ID, map[string]string{"title": chunk.Title, "text": chunk.Text})
}

// FilterSearch runs the structured path: keyword match through bleve when a
// query is present, then exact-match narrowing on metadata fields. With an
// empty query it scans metadata alone, ordered by id for determinism.
func (ix *Index) FilterSearch(ctx context.Context, query string, filters map[string]string, limit int) ([]retrieval.Result, error) {
	if limit <= 0 {
		limit = 10
	}
	ix.mu.RLock()
	defer ix.mu.RUnlock()

	if query == "" {
		var ids []string
		for id, c := range ix.meta {
			if matchesFilters(c.Metadata, filters) {
				ids = append(ids, id)
			}
		}
		sort.Strings(ids)
		var out []retrieval.Result
		for _, id := range ids {
			out = append(out, toResult(ix.meta[id], 1.0))
			if len(out) >= limit {
				break
			}
		}
		return out, nil
	}

	q := bleve.NewQueryStringQuery(query)
	req := bleve.NewSearchRequestOptions(q, limit*3, 0, false)
	res, err := ix.bleve.Search(req)
	if err != nil {
		return nil, err
	}
	var out []retrieval.Result
	for _, hit := range res.Hits {
		c, ok := ix.meta[hit.ID]
		if !ok || !matchesFilters(c.Metadata, filters) {
			continue
		}
		out = append(out, toResult(c, hit.Score))
		if len(out) >= limit {
			break
		}
	}
	return out, nil
}

// Search runs the vector path: cosine similarity over all stored vectors.
func (ix *Index) Search(ctx context.Context, vector []float32, topK int) ([]retrieval.VectorHit, error) {
	if topK <= 0 {
		topK = 10
	}
	ix.mu.RLock()
	defer ix.mu.RUnlock()

	type scored struct {
		id    string
		score float64
	}
	scoreds := make([]scored, 0, len(ix.vectors))
	for _, v := range ix.vectors {
		scoreds = append(scoreds, scored{id: v.docID, score: cosine(vector, v.vec)})
	}
	sort.SliceStable(scoreds, func(i, j int) bool {
		if scoreds[i].score != scoreds[j].score {
			return scoreds[i].score > scoreds[j].score
		}
		return scoreds[i].id < scoreds[j].id
	})

	var out []retrieval.VectorHit
	for _, sc := range scoreds {
		c := ix.meta[sc.id]
		out = append(out, retrieval.VectorHit{
			ID:       sc.id,
			Score:    sc.score,
			Title:    c.Title,
			Text:     snippet(c.Text),
			Metadata: c.Metadata,
		})
		if len(out) >= topK {
			break
		}
	}
	return out, nil
}

func matchesFilters(meta, filters map[string]string) bool {
	for k, want := range filters {
		if meta[k] != want {
			return false
		}
	}
	return true
}

func toResult(c Chunk, score float64) retrieval.Result {
	return retrieval.Result{
		ID:             c.ID,
		Title:          c.Title,
		Text:           snippet(c.Text),
		RelevanceScore: score,
		SourceMetadata: c.Metadata,
	}
}

func cosine(a, b []float32) float64 {
	var dot, na, nb float64
	n := len(a)
	if len(b) < n {
		n = len(b)
	}
	for i := 0; i < n; i++ {
		ai := float64(a[i])
		bi := float64(b[i])
		dot += ai * bi
		na += ai * ai
		nb += bi * bi
	}
	if na == 0 || nb == 0 {
		return 0
	}
	return dot / (math.Sqrt(na) * math.Sqrt(nb))
}

func snippet(s string) string {
	const maxRunes = 300
	runes := []rune(s)
	if len(runes) <= maxRunes {
		return s
	}
	return string(runes[:maxRunes]) + "…"
}
