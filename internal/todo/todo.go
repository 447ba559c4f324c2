package todo

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Status is the lifecycle state of a todo.
type Status string

const (
	StatusPending    Status = "pending"
	StatusInProgress Status = "in_progress"
	StatusCompleted  Status = "completed"
	StatusFailed     Status = "failed"
	StatusSkipped    Status = "skipped"
)

// Terminal reports whether no further transition is allowed out of s.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed || s == StatusSkipped
}

// rank orders statuses by forward progress; merge uses it to decide whether an
// incoming status may replace an existing one.
func (s Status) rank() int {
	switch s {
	case StatusPending:
		return 0
	case StatusInProgress:
		return 1
	case StatusCompleted, StatusFailed, StatusSkipped:
		return 2
	default:
		return -1
	}
}

// Priority classifies how important a todo is relative to its siblings.
type Priority string

const (
	PriorityLow      Priority = "low"
	PriorityMedium   Priority = "medium"
	PriorityHigh     Priority = "high"
	PriorityCritical Priority = "critical"
)

// Todo is one unit of planned or in-flight work. Todos form a tree through
// ParentID; root todos have an empty ParentID.
type Todo struct {
	ID          string      `json:"id"`
	ParentID    string      `json:"parent_id,omitempty"`
	Description string      `json:"description"`
	Status      Status      `json:"status"`
	Priority    Priority    `json:"priority"`
	Result      interface{} `json:"result,omitempty"`
	Error       string      `json:"error,omitempty"`
	CreatedAt   time.Time   `json:"created_at"`
	UpdatedAt   time.Time   `json:"updated_at"`
}

// InvalidTransitionError reports a disallowed status transition. It is a
// programming-contract violation, never silently ignored.
type InvalidTransitionError struct {
	ID   string
	From Status
	To   Status
}

func (e InvalidTransitionError) Error() string {
	return fmt.Sprintf("invalid todo transition for %s: %s -> %s", e.ID, e.From, e.To)
}

// ErrNotFound indicates the referenced todo does not exist in the store.
var ErrNotFound = fmt.Errorf("todo not found")

var allowedTransitions = map[Status][]Status{
	StatusPending:    {StatusInProgress, StatusSkipped},
	StatusInProgress: {StatusCompleted, StatusFailed, StatusSkipped},
}

func transitionAllowed(from, to Status) bool {
	for _, s := range allowedTransitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// Store holds todos in a flat arena keyed by id; the parent relation is kept
// by id rather than pointers so concurrent branch completions never race over
// tree structure. All mutations are serialized through one mutex.
type Store struct {
	mu    sync.RWMutex
	todos map[string]*Todo
	order []string // insertion order, for deterministic listings
}

// NewStore creates an empty todo store. Todos live for one session only;
// persistence, if any, is a collaborator's concern.
func NewStore() *Store {
	return &Store{todos: make(map[string]*Todo)}
}

// Create adds a new pending todo. parentID may be empty for a root todo; a
// non-empty parentID must reference an existing todo.
func (s *Store) Create(description, parentID string, priority Priority) (Todo, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if parentID != "" {
		if _, ok := s.todos[parentID]; !ok {
			return Todo{}, fmt.Errorf("parent %s: %w", parentID, ErrNotFound)
		}
	}
	if priority == "" {
		priority = PriorityMedium
	}
	now := time.Now()
	t := &Todo{
		ID:          uuid.NewString(),
		ParentID:    parentID,
		Description: description,
		Status:      StatusPending,
		Priority:    priority,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	s.todos[t.ID] = t
	s.order = append(s.order, t.ID)
	return *t, nil
}

// UpdateStatus validates and applies a status transition. result is stored
// only on completed; errMsg only on failed.
func (s *Store) UpdateStatus(id string, next Status, result interface{}, errMsg string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	t, ok := s.todos[id]
	if !ok {
		return fmt.Errorf("%s: %w", id, ErrNotFound)
	}
	if !transitionAllowed(t.Status, next) {
		return InvalidTransitionError{ID: id, From: t.Status, To: next}
	}
	t.Status = next
	t.UpdatedAt = time.Now()
	switch next {
	case StatusCompleted:
		t.Result = result
		t.Error = ""
	case StatusFailed:
		t.Error = errMsg
		t.Result = nil
	}
	return nil
}

// Get returns a copy of the todo with the given id.
func (s *Store) Get(id string) (Todo, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	t, ok := s.todos[id]
	if !ok {
		return Todo{}, fmt.Errorf("%s: %w", id, ErrNotFound)
	}
	return *t, nil
}

// Find returns copies of all todos matching the predicate, in creation order.
func (s *Store) Find(pred func(Todo) bool) []Todo {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []Todo
	for _, id := range s.order {
		t := s.todos[id]
		if pred(*t) {
			out = append(out, *t)
		}
	}
	return out
}

// Children returns copies of the direct children of id, in creation order.
func (s *Store) Children(id string) []Todo {
	return s.Find(func(t Todo) bool { return t.ParentID == id })
}

// Summary is a point-in-time snapshot of store contents, not a live view.
type Summary struct {
	Total           int            `json:"total"`
	ByStatus        map[Status]int `json:"by_status"`
	CompletionRatio float64        `json:"completion_ratio"`
}

// Summary returns counts by status and the ratio of terminal todos.
func (s *Store) Summary() Summary {
	s.mu.RLock()
	defer s.mu.RUnlock()
	sum := Summary{ByStatus: make(map[Status]int)}
	terminal := 0
	for _, t := range s.todos {
		sum.Total++
		sum.ByStatus[t.Status]++
		if t.Status.Terminal() {
			terminal++
		}
	}
	if sum.Total > 0 {
		sum.CompletionRatio = float64(terminal) / float64(sum.Total)
	}
	return sum
}

// DerivedStatus rolls up a parent's effective status from its children,
// recomputed on every call so it can never go stale:
//   - failed if any child is failed
//   - completed only when every child is terminal and at least one completed
//     (all-skipped rolls up to skipped)
//   - in_progress when any child has left pending
//   - pending otherwise
//
// A leaf's derived status is its own status.
func (s *Store) DerivedStatus(id string) (Status, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	t, ok := s.todos[id]
	if !ok {
		return "", fmt.Errorf("%s: %w", id, ErrNotFound)
	}
	var children []*Todo
	for _, oid := range s.order {
		if s.todos[oid].ParentID == id {
			children = append(children, s.todos[oid])
		}
	}
	if len(children) == 0 {
		return t.Status, nil
	}

	allTerminal := true
	anyCompleted := false
	anyStarted := false
	for _, c := range children {
		switch c.Status {
		case StatusFailed:
			return StatusFailed, nil
		case StatusCompleted:
			anyCompleted = true
			anyStarted = true
		case StatusSkipped:
			anyStarted = true
		case StatusInProgress:
			anyStarted = true
			allTerminal = false
		default:
			allTerminal = false
		}
	}
	if allTerminal {
		if anyCompleted {
			return StatusCompleted, nil
		}
		return StatusSkipped, nil
	}
	if anyStarted {
		return StatusInProgress, nil
	}
	return StatusPending, nil
}

// Merge combines two todo collections by id. On conflict the incoming entry
// wins only when it represents forward progress: a todo never regresses to an
// earlier lifecycle state, so Merge(s, s) == s. Order follows existing first
// (preserving its order), then new incoming ids in their order.
func Merge(existing, incoming []Todo) []Todo {
	byID := make(map[string]Todo, len(existing))
	var order []string
	for _, t := range existing {
		if _, ok := byID[t.ID]; !ok {
			order = append(order, t.ID)
		}
		byID[t.ID] = t
	}
	for _, in := range incoming {
		cur, ok := byID[in.ID]
		if !ok {
			byID[in.ID] = in
			order = append(order, in.ID)
			continue
		}
		if in.Status.rank() > cur.Status.rank() {
			byID[in.ID] = in
		}
	}
	out := make([]Todo, 0, len(order))
	for _, id := range order {
		out = append(out, byID[id])
	}
	return out
}

// SortByPriority orders todos critical-first, stable within equal priority.
func SortByPriority(todos []Todo) {
	weight := map[Priority]int{
		PriorityCritical: 3,
		PriorityHigh:     2,
		PriorityMedium:   1,
		PriorityLow:      0,
	}
	sort.SliceStable(todos, func(i, j int) bool {
		return weight[todos[i].Priority] > weight[todos[j].Priority]
	})
}
