package todo

import (
	"errors"
	"testing"
)

func TestCreateDefaultsAndParentValidation(t *testing.T) {
	s := NewStore()

	root, err := s.Create("answer the question", "", "")
	if err != nil {
		t.Fatalf("create root: %v", err)
	}
	if root.Status != StatusPending {
		t.Fatalf("expected pending, got %s", root.Status)
	}
	if root.Priority != PriorityMedium {
		t.Fatalf("expected default medium priority, got %s", root.Priority)
	}

	if _, err := s.Create("orphan", "no-such-parent", PriorityLow); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound for missing parent, got %v", err)
	}
}

func TestUpdateStatusTransitions(t *testing.T) {
	s := NewStore()
	td, _ := s.Create("collect documents", "", PriorityHigh)

	if err := s.UpdateStatus(td.ID, StatusInProgress, nil, ""); err != nil {
		t.Fatalf("pending -> in_progress: %v", err)
	}
	if err := s.UpdateStatus(td.ID, StatusCompleted, []string{"doc1"}, ""); err != nil {
		t.Fatalf("in_progress -> completed: %v", err)
	}

	got, _ := s.Get(td.ID)
	if got.Status != StatusCompleted {
		t.Fatalf("expected completed, got %s", got.Status)
	}
	if got.Result == nil {
		t.Fatalf("expected result to be stored on completion")
	}
}

func TestUpdateStatusRejectsInvalidTransitions(t *testing.T) {
	s := NewStore()

	cases := []struct {
		name string
		path []Status
		next Status
	}{
		{"pending to completed", nil, StatusCompleted},
		{"pending to failed", nil, StatusFailed},
		{"completed to in_progress", []Status{StatusInProgress, StatusCompleted}, StatusInProgress},
		{"failed to completed", []Status{StatusInProgress, StatusFailed}, StatusCompleted},
		{"skipped to in_progress", []Status{StatusSkipped}, StatusInProgress},
	}

	for _, tc := range cases {
		td, _ := s.Create(tc.name, "", PriorityMedium)
		for _, step := range tc.path {
			if err := s.UpdateStatus(td.ID, step, nil, "boom"); err != nil {
				t.Fatalf("%s: setup step %s: %v", tc.name, step, err)
			}
		}
		err := s.UpdateStatus(td.ID, tc.next, nil, "")
		var ite InvalidTransitionError
		if !errors.As(err, &ite) {
			t.Fatalf("%s: expected InvalidTransitionError, got %v", tc.name, err)
		}
		if ite.To != tc.next {
			t.Fatalf("%s: expected To=%s in error, got %s", tc.name, tc.next, ite.To)
		}
	}
}

func TestUpdateStatusUnknownID(t *testing.T) {
	s := NewStore()
	if err := s.UpdateStatus("missing", StatusInProgress, nil, ""); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestDerivedStatusRollUp(t *testing.T) {
	s := NewStore()
	root, _ := s.Create("root", "", PriorityHigh)
	a, _ := s.Create("branch a", root.ID, PriorityMedium)
	b, _ := s.Create("branch b", root.ID, PriorityMedium)

	if got, _ := s.DerivedStatus(root.ID); got != StatusPending {
		t.Fatalf("fresh children: expected pending, got %s", got)
	}

	_ = s.UpdateStatus(a.ID, StatusInProgress, nil, "")
	if got, _ := s.DerivedStatus(root.ID); got != StatusInProgress {
		t.Fatalf("one started: expected in_progress, got %s", got)
	}

	_ = s.UpdateStatus(a.ID, StatusCompleted, nil, "")
	if got, _ := s.DerivedStatus(root.ID); got != StatusInProgress {
		t.Fatalf("one terminal, one pending: expected in_progress, got %s", got)
	}

	_ = s.UpdateStatus(b.ID, StatusInProgress, nil, "")
	_ = s.UpdateStatus(b.ID, StatusCompleted, nil, "")
	if got, _ := s.DerivedStatus(root.ID); got != StatusCompleted {
		t.Fatalf("all completed: expected completed, got %s", got)
	}
}

func TestDerivedStatusFailedChildWins(t *testing.T) {
	s := NewStore()
	root, _ := s.Create("root", "", PriorityHigh)
	a, _ := s.Create("branch a", root.ID, PriorityMedium)
	_, _ = s.Create("branch b", root.ID, PriorityMedium)

	_ = s.UpdateStatus(a.ID, StatusInProgress, nil, "")
	_ = s.UpdateStatus(a.ID, StatusFailed, nil, "agent unavailable")

	if got, _ := s.DerivedStatus(root.ID); got != StatusFailed {
		t.Fatalf("failed child: expected failed, got %s", got)
	}
}

func TestDerivedStatusAllSkipped(t *testing.T) {
	s := NewStore()
	root, _ := s.Create("root", "", PriorityHigh)
	a, _ := s.Create("branch a", root.ID, PriorityMedium)
	b, _ := s.Create("branch b", root.ID, PriorityMedium)

	_ = s.UpdateStatus(a.ID, StatusSkipped, nil, "")
	_ = s.UpdateStatus(b.ID, StatusSkipped, nil, "")

	if got, _ := s.DerivedStatus(root.ID); got != StatusSkipped {
		t.Fatalf("all skipped: expected skipped, got %s", got)
	}
}

func TestDerivedStatusLeafIsOwnStatus(t *testing.T) {
	s := NewStore()
	leaf, _ := s.Create("leaf", "", PriorityLow)
	_ = s.UpdateStatus(leaf.ID, StatusInProgress, nil, "")

	if got, _ := s.DerivedStatus(leaf.ID); got != StatusInProgress {
		t.Fatalf("leaf: expected in_progress, got %s", got)
	}
}

func TestMergeIsIdempotent(t *testing.T) {
	todos := []Todo{
		{ID: "1", Status: StatusCompleted},
		{ID: "2", Status: StatusInProgress},
		{ID: "3", Status: StatusPending},
	}

	merged := Merge(todos, todos)
	if len(merged) != len(todos) {
		t.Fatalf("expected %d todos, got %d", len(todos), len(merged))
	}
	for i, td := range merged {
		if td.ID != todos[i].ID || td.Status != todos[i].Status {
			t.Fatalf("merge changed entry %d: %+v", i, td)
		}
	}
}

func TestMergeNeverRegresses(t *testing.T) {
	existing := []Todo{{ID: "1", Status: StatusCompleted}}
	incoming := []Todo{{ID: "1", Status: StatusPending}}

	merged := Merge(existing, incoming)
	if merged[0].Status != StatusCompleted {
		t.Fatalf("completed regressed to %s", merged[0].Status)
	}
}

func TestMergeTakesForwardProgressAndNewEntries(t *testing.T) {
	existing := []Todo{
		{ID: "1", Status: StatusPending},
		{ID: "2", Status: StatusInProgress},
	}
	incoming := []Todo{
		{ID: "1", Status: StatusInProgress},
		{ID: "2", Status: StatusFailed, Error: "timeout"},
		{ID: "3", Status: StatusPending},
	}

	merged := Merge(existing, incoming)
	if len(merged) != 3 {
		t.Fatalf("expected 3 todos, got %d", len(merged))
	}
	if merged[0].Status != StatusInProgress {
		t.Fatalf("entry 1: expected in_progress, got %s", merged[0].Status)
	}
	if merged[1].Status != StatusFailed || merged[1].Error != "timeout" {
		t.Fatalf("entry 2: expected failed with error, got %+v", merged[1])
	}
	if merged[2].ID != "3" {
		t.Fatalf("expected new entry appended last, got %s", merged[2].ID)
	}
}

func TestSummary(t *testing.T) {
	s := NewStore()
	a, _ := s.Create("a", "", PriorityMedium)
	b, _ := s.Create("b", "", PriorityMedium)
	_, _ = s.Create("c", "", PriorityMedium)
	_ = s.UpdateStatus(a.ID, StatusInProgress, nil, "")
	_ = s.UpdateStatus(a.ID, StatusCompleted, nil, "")
	_ = s.UpdateStatus(b.ID, StatusInProgress, nil, "")

	sum := s.Summary()
	if sum.Total != 3 {
		t.Fatalf("expected 3 total, got %d", sum.Total)
	}
	if sum.ByStatus[StatusCompleted] != 1 || sum.ByStatus[StatusInProgress] != 1 || sum.ByStatus[StatusPending] != 1 {
		t.Fatalf("unexpected status counts: %+v", sum.ByStatus)
	}
	if sum.CompletionRatio < 0.33 || sum.CompletionRatio > 0.34 {
		t.Fatalf("expected completion ratio 1/3, got %f", sum.CompletionRatio)
	}
}

func TestSortByPriority(t *testing.T) {
	todos := []Todo{
		{ID: "low", Priority: PriorityLow},
		{ID: "crit", Priority: PriorityCritical},
		{ID: "med1", Priority: PriorityMedium},
		{ID: "med2", Priority: PriorityMedium},
		{ID: "high", Priority: PriorityHigh},
	}
	SortByPriority(todos)

	want := []string{"crit", "high", "med1", "med2", "low"}
	for i, id := range want {
		if todos[i].ID != id {
			t.Fatalf("position %d: expected %s, got %s", i, id, todos[i].ID)
		}
	}
}
