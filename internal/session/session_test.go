package session

import (
	"context"
	"fmt"
	"testing"
)

func TestMemoryStoreRoundTrip(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	sc, err := s.Load(ctx, "sess-1")
	if err != nil {
		t.Fatalf("load empty session: %v", err)
	}
	if len(sc.History) != 0 {
		t.Fatalf("expected empty history, got %v", sc.History)
	}

	if err := s.Append(ctx, "sess-1", "전세금 인상 한도는?", "5% 한도가 적용됩니다."); err != nil {
		t.Fatalf("append: %v", err)
	}
	sc, _ = s.Load(ctx, "sess-1")
	if len(sc.History) != 2 {
		t.Fatalf("expected 2 history lines, got %v", sc.History)
	}
	if sc.History[0] != "user: 전세금 인상 한도는?" {
		t.Fatalf("unexpected first line: %q", sc.History[0])
	}
}

func TestMemoryStoreIgnoresEmptySessionID(t *testing.T) {
	s := NewMemoryStore()
	if err := s.Append(context.Background(), "", "질문", "답변"); err != nil {
		t.Fatalf("append with empty id: %v", err)
	}
	sc, _ := s.Load(context.Background(), "")
	if len(sc.History) != 0 {
		t.Fatalf("empty session id must not accumulate history, got %v", sc.History)
	}
}

func TestAppendHistoryTrimsToLimit(t *testing.T) {
	var history []string
	for i := 0; i < 30; i++ {
		history = appendHistory(history, fmt.Sprintf("question %d", i), "answer")
	}
	if len(history) != maxHistoryLines {
		t.Fatalf("expected history capped at %d, got %d", maxHistoryLines, len(history))
	}
	if history[len(history)-1] != "assistant: answer" {
		t.Fatalf("expected most recent answer last, got %q", history[len(history)-1])
	}
}

func TestLoadIsolatesCallersFromInternalSlice(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()
	_ = s.Append(ctx, "sess-1", "질문", "답변")

	sc, _ := s.Load(ctx, "sess-1")
	sc.History[0] = "mutated"

	again, _ := s.Load(ctx, "sess-1")
	if again.History[0] != "user: 질문" {
		t.Fatalf("internal history leaked to caller: %q", again.History[0])
	}
}
