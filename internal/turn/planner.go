package turn

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/zipsaai/zipsa/config"
	"github.com/zipsaai/zipsa/internal/telemetry"
	"github.com/zipsaai/zipsa/internal/tool"
	"github.com/zipsaai/zipsa/provider"
)

// Planner selects which retrieval agents should handle a classified turn and
// expands the query into collection keywords for them.
type Planner struct {
	config    *config.Config
	provider  provider.Provider
	registry  *tool.Registry
	telemetry *telemetry.Telemetry
	logger    *log.Logger
}

// NewPlanner creates a new execution planner.
func NewPlanner(cfg *config.Config, prov provider.Provider, registry *tool.Registry, tel *telemetry.Telemetry) *Planner {
	return &Planner{
		config:    cfg,
		provider:  prov,
		registry:  registry,
		telemetry: tel,
		logger:    log.New(log.Writer(), "[PLANNER] ", log.LstdFlags),
	}
}

// Plan produces an execution plan for the classified intent. Irrelevant or
// out-of-domain intents yield an empty plan, which the supervisor turns into
// a direct answer instead of dispatching agents. Every selected agent is
// guaranteed to be registered, and no agent appears twice.
func (p *Planner) Plan(ctx context.Context, query string, intent Intent) (ExecutionPlan, error) {
	startTime := time.Now()

	if intent.Type == IntentIrrelevant || !intent.IsDomainRelated {
		p.logger.Printf("Intent %s is out of domain, producing empty plan", intent.Type)
		return ExecutionPlan{
			Reasoning: "query is outside the real-estate domain, answering directly",
		}, nil
	}

	tags := capabilitiesFor(intent)
	candidates := p.candidateAgents(tags)
	if len(candidates) == 0 {
		return ExecutionPlan{}, NewError(KindPlanning,
			fmt.Errorf("no registered agents cover capabilities %v", tags))
	}

	// A low-confidence classification is still a valid intent, but it is not
	// worth an LLM planning round: dispatch conservatively to the first
	// matching agent with the intent keywords as-is.
	if threshold := p.config.Agents.ConfidenceThreshold; threshold > 0 && intent.Confidence < threshold {
		p.logger.Printf("Confidence %.2f below threshold %.2f, planning conservatively", intent.Confidence, threshold)
		return ExecutionPlan{
			SelectedAgents:     []string{candidates[0].Name},
			CollectionKeywords: intent.Keywords,
			Reasoning:          "low classification confidence, single-agent conservative plan",
			CapabilitiesUsed:   tags,
		}, nil
	}

	model := p.config.LLM.Routing.Planning
	prompt := p.createPlanningPrompt(query, intent, candidates)

	response, err := p.provider.Complete(ctx, model, planningSystemPrompt, prompt)
	if err != nil {
		return ExecutionPlan{}, NewError(KindPlanning, fmt.Errorf("planning model call: %w", err))
	}

	plan, err := p.parsePlanningResponse(response, intent, candidates)
	if err != nil {
		return ExecutionPlan{}, NewError(KindPlanning, fmt.Errorf("parsing planning response: %w", err))
	}
	plan.CapabilitiesUsed = tags

	p.logger.Printf("Planned %d agents %v in %v", len(plan.SelectedAgents), plan.SelectedAgents, time.Since(startTime))
	return plan, nil
}

// DefaultPlan is the degraded plan used when planning fails but the intent is
// still in domain: the first registered agent carrying the configured default
// capability, with the intent keywords as collection keywords.
func (p *Planner) DefaultPlan(intent Intent) (ExecutionPlan, bool) {
	capability := p.config.Agents.DefaultCapability
	agents := p.registry.ByCapability(capability)
	if len(agents) == 0 {
		return ExecutionPlan{}, false
	}
	return ExecutionPlan{
		SelectedAgents:     []string{agents[0].Name},
		CollectionKeywords: intent.Keywords,
		Reasoning:          "planner unavailable, falling back to default search agent",
		CapabilitiesUsed:   []string{capability},
	}, true
}

// capabilitiesFor maps an intent onto the capability tags an agent must carry
// to serve it. Unknown intent types are treated as plain search.
func capabilitiesFor(intent Intent) []string {
	switch intent.Type {
	case IntentLegal:
		return []string{"legal_search", "general_search"}
	case IntentLoan:
		return []string{"loan_search", "general_search"}
	default:
		return []string{"general_search"}
	}
}

// candidateAgents collects registered agents matching any of the capability
// tags, preserving registration order and dropping duplicates.
func (p *Planner) candidateAgents(tags []string) []tool.Descriptor {
	seen := make(map[string]bool)
	var candidates []tool.Descriptor
	for _, tag := range tags {
		for _, d := range p.registry.ByCapability(tag) {
			if seen[d.Name] {
				continue
			}
			seen[d.Name] = true
			candidates = append(candidates, d)
		}
	}
	return candidates
}

const planningSystemPrompt = `You are a dispatch planner for a Korean real-estate assistant. Given a classified question and the agents available, you decide which agents to run and which search keywords they should use. Always answer with a single JSON object and nothing else.`

func (p *Planner) createPlanningPrompt(query string, intent Intent, candidates []tool.Descriptor) string {
	var agentLines []string
	for _, d := range candidates {
		agentLines = append(agentLines,
			fmt.Sprintf("- %s: %s (capabilities: %s)", d.Name, d.Description, strings.Join(d.Capabilities, ", ")))
	}

	entityBlock := ""
	if len(intent.Entities) > 0 {
		raw, _ := json.Marshal(intent.Entities)
		entityBlock = fmt.Sprintf("\nEXTRACTED ENTITIES: %s", raw)
	}

	return fmt.Sprintf(`Plan the retrieval for this question.

USER QUESTION: %s
INTENT: %s (confidence %.2f)%s
KEYWORDS SO FAR: %s

AVAILABLE AGENTS:
%s

PLANNING REQUIREMENTS:
1. Select only agents from the list above, each at most once.
2. Select the smallest set of agents that can answer the question fully.
3. Expand the question into concrete Korean search keywords the agents should use. Include synonyms and legal terms where relevant.
4. Explain your selection briefly.

OUTPUT FORMAT (JSON):
{
  "selected_agents": ["agent_name"],
  "collection_keywords": ["keyword1", "keyword2"],
  "reasoning": "why these agents"
}`, query, intent.Type, intent.Confidence, entityBlock,
		strings.Join(intent.Keywords, ", "), strings.Join(agentLines, "\n"))
}

// parsePlanningResponse extracts the plan JSON and normalizes it: unknown
// agents are dropped, duplicates removed, and an empty selection falls back
// to the first candidate so an in-domain turn always dispatches something.
func (p *Planner) parsePlanningResponse(response string, intent Intent, candidates []tool.Descriptor) (ExecutionPlan, error) {
	jsonStr := extractJSON(response)
	if jsonStr == "" {
		return ExecutionPlan{}, fmt.Errorf("no JSON found in response")
	}

	var raw struct {
		SelectedAgents     []string `json:"selected_agents"`
		CollectionKeywords []string `json:"collection_keywords"`
		Reasoning          string   `json:"reasoning"`
	}
	if err := json.Unmarshal([]byte(jsonStr), &raw); err != nil {
		return ExecutionPlan{}, fmt.Errorf("invalid plan JSON: %w", err)
	}
	if raw.SelectedAgents == nil {
		return ExecutionPlan{}, fmt.Errorf("missing selected_agents")
	}

	known := make(map[string]bool, len(candidates))
	for _, d := range candidates {
		known[d.Name] = true
	}

	seen := make(map[string]bool)
	var selected []string
	for _, name := range raw.SelectedAgents {
		name = strings.TrimSpace(name)
		if !known[name] {
			p.logger.Printf("Dropping unknown agent %q from plan", name)
			continue
		}
		if seen[name] {
			continue
		}
		seen[name] = true
		selected = append(selected, name)
	}
	if len(selected) == 0 {
		selected = []string{candidates[0].Name}
	}

	keywords := mergeKeywords(intent.Keywords, raw.CollectionKeywords)

	return ExecutionPlan{
		SelectedAgents:     selected,
		CollectionKeywords: keywords,
		Reasoning:          raw.Reasoning,
	}, nil
}

func mergeKeywords(groups ...[]string) []string {
	seen := make(map[string]bool)
	var merged []string
	for _, group := range groups {
		for _, kw := range group {
			kw = strings.TrimSpace(kw)
			if kw == "" || seen[kw] {
				continue
			}
			seen[kw] = true
			merged = append(merged, kw)
		}
	}
	return merged
}
