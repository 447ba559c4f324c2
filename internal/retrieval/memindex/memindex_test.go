package memindex

import (
	"context"
	"testing"

	"github.com/zipsaai/zipsa/internal/retrieval"
)

type fixedEmbedder struct {
	vec []float32
}

func (f fixedEmbedder) CreateEmbedding(ctx context.Context, texts []string) ([][]float32, error) {
	out := make([][]float32, len(texts))
	for i := range texts {
		out[i] = f.vec
	}
	return out, nil
}

func seedCorpus(t *testing.T) *Index {
	t.Helper()
	ix, err := New()
	if err != nil {
		t.Fatalf("new index: %v", err)
	}
	chunks := []Chunk{
		{
			ID:       "lease-001",
			Title:    "전세금 인상 한도와 갱신 요구권",
			Text:     "임대차 계약 갱신 시 전세금 인상은 5% 한도가 적용됩니다.",
			Metadata: map[string]string{"category": "rental-lease", "doc_type": "guide"},
			Vector:   []float32{1, 0, 0},
		},
		{
			ID:       "legal-001",
			Title:    "임차인 보호 조항",
			Text:     "주택임대차보호법상 임차인의 대항력과 우선변제권.",
			Metadata: map[string]string{"category": "legal", "doc_type": "statute"},
			Vector:   []float32{0.9, 0.1, 0},
		},
		{
			ID:       "loan-001",
			Title:    "전세자금대출 금리 안내",
			Text:     "전세자금대출의 금리와 한도, 신청 자격.",
			Metadata: map[string]string{"category": "loan", "doc_type": "product"},
			Vector:   []float32{0, 1, 0},
		},
	}
	for _, c := range chunks {
		if err := ix.Add(c); err != nil {
			t.Fatalf("add %s: %v", c.ID, err)
		}
	}
	return ix
}

func TestFilterSearchEmptyQueryScansMetadata(t *testing.T) {
	ix := seedCorpus(t)

	out, err := ix.FilterSearch(context.Background(), "", map[string]string{"category": "legal"}, 10)
	if err != nil {
		t.Fatalf("filter search: %v", err)
	}
	if len(out) != 1 || out[0].ID != "legal-001" {
		t.Fatalf("expected only the legal doc, got %+v", out)
	}
	if out[0].RelevanceScore != 1.0 {
		t.Fatalf("metadata-only matches carry score 1.0, got %f", out[0].RelevanceScore)
	}
}

func TestFilterSearchRejectsNonMatchingFilters(t *testing.T) {
	ix := seedCorpus(t)

	out, err := ix.FilterSearch(context.Background(), "", map[string]string{"category": "nonexistent"}, 10)
	if err != nil {
		t.Fatalf("filter search: %v", err)
	}
	if len(out) != 0 {
		t.Fatalf("expected no results, got %+v", out)
	}
}

func TestVectorSearchOrdersByCosine(t *testing.T) {
	ix := seedCorpus(t)

	hits, err := ix.Search(context.Background(), []float32{1, 0, 0}, 2)
	if err != nil {
		t.Fatalf("vector search: %v", err)
	}
	if len(hits) != 2 {
		t.Fatalf("expected topK=2 hits, got %d", len(hits))
	}
	if hits[0].ID != "lease-001" {
		t.Fatalf("expected exact-direction vector first, got %s", hits[0].ID)
	}
	if hits[0].Score <= hits[1].Score {
		t.Fatalf("expected descending scores, got %f then %f", hits[0].Score, hits[1].Score)
	}
}

// The end-to-end jeonse scenario: a deposit-increase question must surface
// the rental-lease guide through the hybrid searcher.
func TestHybridJeonseDepositQuestion(t *testing.T) {
	ix := seedCorpus(t)
	h := retrieval.NewHybrid(ix, ix, fixedEmbedder{vec: []float32{1, 0, 0}}, 10)

	set, err := h.Search(context.Background(), "전세금 올려받기", nil)
	if err != nil {
		t.Fatalf("hybrid search: %v", err)
	}
	if set.TotalCount == 0 {
		t.Fatalf("expected results for a jeonse deposit question")
	}
	top := set.Results[0]
	if top.ID != "lease-001" {
		t.Fatalf("expected the rental-lease guide on top, got %+v", top)
	}
	if top.SourceMetadata["category"] != "rental-lease" {
		t.Fatalf("expected rental-lease category metadata, got %+v", top.SourceMetadata)
	}
}

func TestHybridFilterNarrowsCategories(t *testing.T) {
	ix := seedCorpus(t)
	h := retrieval.NewHybrid(ix, ix, fixedEmbedder{vec: []float32{0, 1, 0}}, 10)

	set, err := h.Search(context.Background(), "", map[string]string{"category": "loan"})
	if err != nil {
		t.Fatalf("hybrid search: %v", err)
	}
	if set.TotalCount != 1 || set.Results[0].ID != "loan-001" {
		t.Fatalf("expected only the loan doc, got %+v", set.Results)
	}
}

func TestSnippetTruncatesLongText(t *testing.T) {
	long := make([]rune, 0, 400)
	for i := 0; i < 400; i++ {
		long = append(long, '가')
	}
	got := snippet(string(long))
	if len([]rune(got)) != 301 {
		t.Fatalf("expected 300 runes plus ellipsis, got %d runes", len([]rune(got)))
	}
}
