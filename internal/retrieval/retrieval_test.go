package retrieval

import (
	"context"
	"fmt"
	"testing"
)

type stubMetadata struct {
	results []Result
	err     error
	calls   int
}

func (s *stubMetadata) FilterSearch(ctx context.Context, query string, filters map[string]string, limit int) ([]Result, error) {
	s.calls++
	return s.results, s.err
}

type stubVectors struct {
	hits  []VectorHit
	err   error
	calls int
}

func (s *stubVectors) Search(ctx context.Context, vector []float32, topK int) ([]VectorHit, error) {
	s.calls++
	return s.hits, s.err
}

type stubEmbedder struct{}

func (stubEmbedder) CreateEmbedding(ctx context.Context, texts []string) ([][]float32, error) {
	out := make([][]float32, len(texts))
	for i := range texts {
		out[i] = []float32{1, 0, 0}
	}
	return out, nil
}

func TestSearchEmptyQueryNoFiltersIsNotAnError(t *testing.T) {
	meta := &stubMetadata{}
	vecs := &stubVectors{}
	h := NewHybrid(meta, vecs, stubEmbedder{}, 10)

	set, err := h.Search(context.Background(), "   ", nil)
	if err != nil {
		t.Fatalf("expected nil error, got %v", err)
	}
	if set.TotalCount != 0 || len(set.Results) != 0 {
		t.Fatalf("expected empty set, got %+v", set)
	}
	if meta.calls != 0 || vecs.calls != 0 {
		t.Fatalf("expected no backend calls, got meta=%d vec=%d", meta.calls, vecs.calls)
	}
}

func TestSearchEmptyQueryWithFiltersUsesStructuredPathOnly(t *testing.T) {
	meta := &stubMetadata{results: []Result{{ID: "d1", RelevanceScore: 1.0}}}
	vecs := &stubVectors{hits: []VectorHit{{ID: "d2", Score: 0.9}}}
	h := NewHybrid(meta, vecs, stubEmbedder{}, 10)

	set, err := h.Search(context.Background(), "", map[string]string{"category": "legal"})
	if err != nil {
		t.Fatalf("search: %v", err)
	}
	if vecs.calls != 0 {
		t.Fatalf("vector path should be skipped without query text")
	}
	if set.TotalCount != 1 || set.Results[0].ID != "d1" {
		t.Fatalf("unexpected results: %+v", set)
	}
}

func TestSearchDeduplicatesKeepingHigherScore(t *testing.T) {
	meta := &stubMetadata{results: []Result{
		{ID: "shared", Title: "lease guide", RelevanceScore: 1.0},
		{ID: "only-structured", RelevanceScore: 1.0},
	}}
	vecs := &stubVectors{hits: []VectorHit{
		{ID: "shared", Score: 1.4},
		{ID: "only-vector", Score: 0.7},
	}}
	h := NewHybrid(meta, vecs, stubEmbedder{}, 10)

	set, err := h.Search(context.Background(), "전세금", nil)
	if err != nil {
		t.Fatalf("search: %v", err)
	}
	if set.TotalCount != 3 {
		t.Fatalf("expected 3 deduplicated results, got %d", set.TotalCount)
	}
	if set.Results[0].ID != "shared" || set.Results[0].RelevanceScore != 1.4 {
		t.Fatalf("expected shared doc first with vector score, got %+v", set.Results[0])
	}
	if set.Results[0].Title != "lease guide" {
		t.Fatalf("dedup should keep structured fields, got %+v", set.Results[0])
	}
}

func TestSearchEqualScoreRanksStructuredAboveVector(t *testing.T) {
	meta := &stubMetadata{results: []Result{{ID: "structured", RelevanceScore: 0.8}}}
	vecs := &stubVectors{hits: []VectorHit{{ID: "vector", Score: 0.8}}}
	h := NewHybrid(meta, vecs, stubEmbedder{}, 10)

	set, err := h.Search(context.Background(), "보증금", nil)
	if err != nil {
		t.Fatalf("search: %v", err)
	}
	if set.Results[0].ID != "structured" || set.Results[1].ID != "vector" {
		t.Fatalf("expected structured match first at equal score, got %+v", set.Results)
	}
}

func TestSearchTruncatesToTopK(t *testing.T) {
	var hits []VectorHit
	for i := 0; i < 8; i++ {
		hits = append(hits, VectorHit{ID: fmt.Sprintf("d%d", i), Score: float64(8-i) / 10})
	}
	h := NewHybrid(&stubMetadata{}, &stubVectors{hits: hits}, stubEmbedder{}, 3)

	set, err := h.Search(context.Background(), "대출", nil)
	if err != nil {
		t.Fatalf("search: %v", err)
	}
	if set.TotalCount != 3 || len(set.Results) != 3 {
		t.Fatalf("expected TopK truncation to 3, got %d", set.TotalCount)
	}
	if set.Results[0].ID != "d0" {
		t.Fatalf("expected best hit first, got %s", set.Results[0].ID)
	}
}

func TestSearchStructuredPathErrorFailsTheSearch(t *testing.T) {
	meta := &stubMetadata{err: fmt.Errorf("connection refused")}
	h := NewHybrid(meta, &stubVectors{}, stubEmbedder{}, 10)

	_, err := h.Search(context.Background(), "전세", nil)
	if err == nil {
		t.Fatalf("expected structured path error to propagate")
	}
}

func TestSearchVectorPathErrorFailsTheSearch(t *testing.T) {
	vecs := &stubVectors{err: fmt.Errorf("index unavailable")}
	h := NewHybrid(&stubMetadata{}, vecs, stubEmbedder{}, 10)

	_, err := h.Search(context.Background(), "전세", nil)
	if err == nil {
		t.Fatalf("expected vector path error to propagate")
	}
}
