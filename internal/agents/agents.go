// Package agents holds the concrete retrieval agents the planner can select.
// Each agent wraps the hybrid retriever with the document filters for its
// slice of the corpus and advertises the capability tags the planner matches
// against.
package agents

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/zipsaai/zipsa/internal/retrieval"
	"github.com/zipsaai/zipsa/internal/tool"
)

// Agent is a named hybrid retriever scoped to one document category.
type Agent struct {
	name         string
	description  string
	capabilities []string
	retriever    *retrieval.Hybrid
	baseFilters  map[string]string
	logger       *log.Logger
}

// passthroughFilters are the caller-supplied filter keys an agent forwards to
// the store; everything else in the intent entities is prompt material, not a
// document column.
var passthroughFilters = map[string]bool{
	"region":   true,
	"doc_type": true,
}

// NewAgent builds a retrieval agent over the shared hybrid retriever.
func NewAgent(name, description string, capabilities []string, retriever *retrieval.Hybrid, baseFilters map[string]string) *Agent {
	return &Agent{
		name:         name,
		description:  description,
		capabilities: capabilities,
		retriever:    retriever,
		baseFilters:  baseFilters,
		logger:       log.New(log.Writer(), fmt.Sprintf("[AGENT:%s] ", name), log.LstdFlags),
	}
}

// Invoke runs the hybrid search with the agent's category filters merged over
// the caller's. The agent's own filters win on conflict so a legal agent
// cannot be steered outside its corpus slice.
func (a *Agent) Invoke(ctx context.Context, query string, filters map[string]string) (retrieval.ResultSet, error) {
	merged := make(map[string]string, len(filters)+len(a.baseFilters))
	for k, v := range filters {
		if passthroughFilters[k] && v != "" {
			merged[k] = v
		}
	}
	for k, v := range a.baseFilters {
		merged[k] = v
	}

	startTime := time.Now()
	set, err := a.retriever.Search(ctx, query, merged)
	if err != nil {
		return retrieval.ResultSet{}, fmt.Errorf("agent %s: %w", a.name, err)
	}
	a.logger.Printf("Retrieved %d results in %v", set.TotalCount, time.Since(startTime))
	return set, nil
}

// Descriptor exposes the agent for registry registration.
func (a *Agent) Descriptor() tool.Descriptor {
	return tool.Descriptor{
		Name:         a.name,
		Description:  a.description,
		Capabilities: a.capabilities,
		Invoker:      a,
	}
}

// RegisterDefaults registers the built-in agents on the registry. The general
// agent goes first so it is the deterministic fallback when several agents
// share a capability.
func RegisterDefaults(registry *tool.Registry, retriever *retrieval.Hybrid) error {
	defaults := []*Agent{
		NewAgent(
			"general_retriever",
			"Searches the whole real-estate corpus: market practice, contracts, registrations",
			[]string{"general_search"},
			retriever,
			nil,
		),
		NewAgent(
			"legal_retriever",
			"Searches tenant protection law, precedents and dispute guides",
			[]string{"legal_search"},
			retriever,
			map[string]string{"category": "legal"},
		),
		NewAgent(
			"loan_retriever",
			"Searches jeonse and mortgage loan products, eligibility and rates",
			[]string{"loan_search"},
			retriever,
			map[string]string{"category": "loan"},
		),
		NewAgent(
			"lease_retriever",
			"Searches rental lease guides: deposits, renewals, rent increases",
			[]string{"general_search", "legal_search"},
			retriever,
			map[string]string{"category": "rental-lease"},
		),
	}

	for _, agent := range defaults {
		if err := registry.Register(agent.Descriptor()); err != nil {
			return fmt.Errorf("registering %s: %w", agent.name, err)
		}
	}
	return nil
}
