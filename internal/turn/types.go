package turn

import (
	"time"

	"github.com/zipsaai/zipsa/internal/retrieval"
)

// IntentType classifies what a query is asking for.
type IntentType string

const (
	IntentSearch     IntentType = "search"
	IntentLegal      IntentType = "legal"
	IntentLoan       IntentType = "loan"
	IntentIrrelevant IntentType = "irrelevant"
)

// Intent is the classified reading of a raw query. It is produced once per
// turn and never mutated afterwards.
type Intent struct {
	Type            IntentType        `json:"type"`
	IsDomainRelated bool              `json:"is_domain_related"`
	Entities        map[string]string `json:"entities,omitempty"`
	Keywords        []string          `json:"keywords,omitempty"`
	Confidence      float64           `json:"confidence"`
}

// ExecutionPlan names the agents to invoke for one turn and why. It is
// created once per turn, owned by the supervisor, and never mutated.
type ExecutionPlan struct {
	SelectedAgents     []string `json:"selected_agents"`
	CollectionKeywords []string `json:"collection_keywords"`
	// Reasoning is informational only; nothing branches on it.
	Reasoning        string   `json:"reasoning"`
	CapabilitiesUsed []string `json:"capabilities_used,omitempty"`
}

// Empty reports whether the plan selects no agents — the direct-answer path.
func (p ExecutionPlan) Empty() bool { return len(p.SelectedAgents) == 0 }

// BranchFailure describes one dispatch branch that did not complete.
type BranchFailure struct {
	Agent   string    `json:"agent"`
	Kind    ErrorKind `json:"kind"`
	Message string    `json:"message"`
}

// SessionContext is the caller-provided conversational context for a turn.
type SessionContext struct {
	SessionID string   `json:"session_id,omitempty"`
	History   []string `json:"history,omitempty"`
}

// TurnResult is the synchronous payload returned to the caller. A turn with
// at least one surviving branch reports Status "done" together with the list
// of failed branches; only a turn with nothing to return reports "failed".
type TurnResult struct {
	TurnID         string             `json:"turn_id"`
	Status         string             `json:"status"`
	Intent         Intent             `json:"intent"`
	Results        []retrieval.Result `json:"results"`
	FailedBranches []BranchFailure    `json:"failed_branches,omitempty"`
	Reasoning      string             `json:"reasoning,omitempty"`
	DirectAnswer   string             `json:"direct_answer,omitempty"`
	ProcessingTime time.Duration      `json:"processing_time"`
}

// TurnStatus tracks an in-flight turn through the supervisor states.
type TurnStatus struct {
	TurnID        string    `json:"turn_id"`
	State         string    `json:"state"`
	TotalBranches int       `json:"total_branches"`
	DoneBranches  int       `json:"done_branches"`
	Error         string    `json:"error,omitempty"`
	LastUpdated   time.Time `json:"last_updated"`
	CreatedAt     time.Time `json:"created_at"`
}
