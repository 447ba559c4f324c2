package turn

import (
	"context"
	"fmt"
	"log"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/zipsaai/zipsa/config"
	"github.com/zipsaai/zipsa/internal/retrieval"
	"github.com/zipsaai/zipsa/internal/telemetry"
	"github.com/zipsaai/zipsa/internal/todo"
	"github.com/zipsaai/zipsa/internal/tool"
	"github.com/zipsaai/zipsa/provider"
)

// Turn states in processing order. A turn that reaches a terminal state stays
// there; failures can happen from any intermediate state.
const (
	StateReceived    = "received"
	StateClassifying = "classifying"
	StatePlanning    = "planning"
	StateDispatching = "dispatching"
	StateAggregating = "aggregating"
	StateDone        = "done"
	StateFailed      = "failed"
)

var supervisorTracer trace.Tracer = otel.Tracer("zipsa/internal/turn/supervisor")

// Supervisor drives a turn through classification, planning, dispatch and
// aggregation. Branches run concurrently and independently: one failing
// branch never aborts its siblings, and the turn only fails outright when
// every dispatched branch failed.
type Supervisor struct {
	config     *config.Config
	logger     *log.Logger
	telemetry  *telemetry.Telemetry
	classifier *Classifier
	planner    *Planner
	registry   *tool.Registry
	provider   provider.Provider

	// Processing state
	processing map[string]*TurnStatus
	mu         sync.RWMutex

	// Concurrency control for agent branches
	semaphore chan struct{}
}

// NewSupervisor creates a supervisor wired to the given registry and provider.
func NewSupervisor(cfg *config.Config, prov provider.Provider, registry *tool.Registry, tel *telemetry.Telemetry) *Supervisor {
	return &Supervisor{
		config:     cfg,
		logger:     log.New(log.Writer(), "[SUPERVISOR] ", log.LstdFlags),
		telemetry:  tel,
		classifier: NewClassifier(cfg, prov, tel),
		planner:    NewPlanner(cfg, prov, registry, tel),
		registry:   registry,
		provider:   prov,
		processing: make(map[string]*TurnStatus),
		semaphore:  make(chan struct{}, cfg.Agents.MaxConcurrentBranches),
	}
}

// branchOutcome carries one finished branch back to the aggregation phase.
type branchOutcome struct {
	agent   string
	results retrieval.ResultSet
	err     error
}

// RunTurn processes a single user turn end to end. The returned TurnResult is
// meaningful on both paths: on success it carries the aggregated results and
// any failed branches, on failure it carries the state the turn died in.
func (s *Supervisor) RunTurn(ctx context.Context, query string, session SessionContext) (TurnResult, error) {
	startTime := time.Now()
	turnID := uuid.New().String()

	ctx, cancel := context.WithTimeout(ctx, s.config.General.TurnTimeout)
	defer cancel()

	ctx, span := supervisorTracer.Start(ctx, "turn.run",
		trace.WithAttributes(
			attribute.String("turn.id", turnID),
			attribute.String("turn.session_id", session.SessionID),
		))
	defer span.End()

	status := &TurnStatus{
		TurnID:      turnID,
		State:       StateReceived,
		CreatedAt:   time.Now(),
		LastUpdated: time.Now(),
	}
	s.mu.Lock()
	s.processing[turnID] = status
	s.mu.Unlock()
	defer func() {
		s.mu.Lock()
		delete(s.processing, turnID)
		s.mu.Unlock()
	}()

	s.logger.Printf("Starting turn %s", turnID)

	// Phase 1: classification
	s.updateState(status, StateClassifying, "")
	classifyCtx, classifySpan := supervisorTracer.Start(ctx, "turn.classify")
	intent, err := s.classifier.Classify(classifyCtx, query, session)
	if err != nil {
		classifySpan.RecordError(err)
		classifySpan.SetStatus(codes.Error, err.Error())
		classifySpan.End()
		return s.failTurn(span, status, turnID, intent, startTime, fmt.Errorf("classification failed: %w", err))
	}
	classifySpan.SetStatus(codes.Ok, "completed")
	classifySpan.End()
	span.AddEvent("classification.complete", trace.WithAttributes(
		attribute.String("intent.type", string(intent.Type)),
		attribute.Float64("intent.confidence", intent.Confidence),
	))

	// Phase 2: planning
	s.updateState(status, StatePlanning, "")
	planCtx, planSpan := supervisorTracer.Start(ctx, "turn.plan")
	plan, err := s.planner.Plan(planCtx, query, intent)
	if err != nil {
		planSpan.RecordError(err)
		fallback, ok := s.planner.DefaultPlan(intent)
		if !ok {
			planSpan.SetStatus(codes.Error, err.Error())
			planSpan.End()
			return s.failTurn(span, status, turnID, intent, startTime, fmt.Errorf("planning failed: %w", err))
		}
		s.logger.Printf("Planning failed for turn %s (%v), using default plan", turnID, err)
		plan = fallback
	}
	planSpan.SetStatus(codes.Ok, "completed")
	planSpan.End()
	span.AddEvent("plan.complete", trace.WithAttributes(
		attribute.Int("plan.agent_count", len(plan.SelectedAgents)),
	))

	// Empty plan means nothing to dispatch: answer directly.
	if plan.Empty() {
		answer := s.directAnswer(ctx, query)
		s.updateState(status, StateDone, "")
		result := TurnResult{
			TurnID:         turnID,
			Status:         StateDone,
			Intent:         intent,
			Results:        []retrieval.Result{},
			Reasoning:      plan.Reasoning,
			DirectAnswer:   answer,
			ProcessingTime: time.Since(startTime),
		}
		s.recordTurn(result, query, true)
		span.SetStatus(codes.Ok, "completed")
		return result, nil
	}

	// Phase 3: dispatch
	s.updateState(status, StateDispatching, "")
	s.mu.Lock()
	status.TotalBranches = len(plan.SelectedAgents)
	s.mu.Unlock()

	outcomes := s.dispatch(ctx, turnID, status, query, intent, plan)

	// Phase 4: aggregation
	s.updateState(status, StateAggregating, "")
	results, failures := aggregate(plan, outcomes)

	if len(failures) == len(plan.SelectedAgents) {
		err := NewError(KindAggregation,
			fmt.Errorf("all %d branches failed", len(plan.SelectedAgents)))
		result, retErr := s.failTurn(span, status, turnID, intent, startTime, err)
		result.FailedBranches = failures
		return result, retErr
	}

	s.updateState(status, StateDone, "")
	result := TurnResult{
		TurnID:         turnID,
		Status:         StateDone,
		Intent:         intent,
		Results:        results,
		FailedBranches: failures,
		Reasoning:      plan.Reasoning,
		ProcessingTime: time.Since(startTime),
	}
	s.recordTurn(result, query, true)
	span.SetStatus(codes.Ok, "completed")
	s.logger.Printf("Turn %s done: %d results, %d failed branches in %v",
		turnID, len(results), len(failures), result.ProcessingTime)
	return result, nil
}

// dispatch runs one branch per selected agent. Each branch is tracked as a
// todo under a shared root so progress can be rolled up; branches that never
// reach a terminal state before the turn deadline are marked failed with a
// timeout.
func (s *Supervisor) dispatch(ctx context.Context, turnID string, status *TurnStatus, query string, intent Intent, plan ExecutionPlan) []branchOutcome {
	todos := todo.NewStore()
	root, err := todos.Create(fmt.Sprintf("answer turn %s", turnID), "", todo.PriorityHigh)
	if err != nil {
		// Creating a root in a fresh store cannot fail, but keep the branch
		// loop total regardless.
		s.logger.Printf("Creating root todo failed: %v", err)
	}

	branchTodos := make(map[string]string, len(plan.SelectedAgents))
	for _, agent := range plan.SelectedAgents {
		t, err := todos.Create(fmt.Sprintf("collect results via %s", agent), root.ID, todo.PriorityMedium)
		if err != nil {
			s.logger.Printf("Creating branch todo for %s failed: %v", agent, err)
			continue
		}
		branchTodos[agent] = t.ID
	}

	searchQuery := buildSearchQuery(query, plan.CollectionKeywords)

	var wg sync.WaitGroup
	outcomeCh := make(chan branchOutcome, len(plan.SelectedAgents))

	for _, agent := range plan.SelectedAgents {
		descriptor, err := s.registry.Get(agent)
		if err != nil {
			// Unregistered agent: record the failure and keep siblings going.
			s.markBranch(todos, branchTodos[agent], status, nil, err)
			outcomeCh <- branchOutcome{agent: agent, err: err}
			continue
		}

		wg.Add(1)
		go func(agent string, descriptor tool.Descriptor) {
			defer wg.Done()

			select {
			case s.semaphore <- struct{}{}:
				defer func() { <-s.semaphore }()
			case <-ctx.Done():
				outcomeCh <- branchOutcome{agent: agent, err: ctx.Err()}
				return
			}

			branchCtx, branchCancel := context.WithTimeout(ctx, s.config.Agents.BranchTimeout)
			defer branchCancel()

			branchCtx, branchSpan := supervisorTracer.Start(branchCtx, "turn.branch",
				trace.WithAttributes(
					attribute.String("branch.agent", agent),
				))
			defer branchSpan.End()

			if err := todos.UpdateStatus(branchTodos[agent], todo.StatusInProgress, nil, ""); err != nil {
				s.logger.Printf("Marking branch %s in progress failed: %v", agent, err)
			}

			branchStart := time.Now()
			resultSet, err := descriptor.Invoker.Invoke(branchCtx, searchQuery, intent.Entities)
			duration := time.Since(branchStart)

			if err != nil {
				branchSpan.RecordError(err)
				branchSpan.SetStatus(codes.Error, err.Error())
			} else {
				branchSpan.SetStatus(codes.Ok, "completed")
			}
			s.markBranch(todos, branchTodos[agent], status, resultSet.Results, err)
			s.telemetry.RecordBranch(telemetry.BranchEvent{
				TurnID:   turnID,
				Agent:    agent,
				Success:  err == nil,
				Error:    errString(err),
				Duration: duration,
				Results:  len(resultSet.Results),
			})
			outcomeCh <- branchOutcome{agent: agent, results: resultSet, err: err}
		}(agent, descriptor)
	}

	wg.Wait()
	close(outcomeCh)

	// Anything still pending or in progress here was cut off by the turn
	// deadline.
	for _, t := range todos.Find(func(t todo.Todo) bool { return !t.Status.Terminal() && t.ID != root.ID }) {
		if t.Status == todo.StatusPending {
			if err := todos.UpdateStatus(t.ID, todo.StatusInProgress, nil, ""); err != nil {
				continue
			}
		}
		if err := todos.UpdateStatus(t.ID, todo.StatusFailed, nil, "turn deadline exceeded"); err != nil {
			s.logger.Printf("Marking todo %s timed out failed: %v", t.ID, err)
		}
	}
	if derived, err := todos.DerivedStatus(root.ID); err == nil {
		s.logger.Printf("Turn %s branch roll-up: %s", turnID, derived)
	}

	outcomes := make([]branchOutcome, 0, len(plan.SelectedAgents))
	for outcome := range outcomeCh {
		outcomes = append(outcomes, outcome)
	}
	return outcomes
}

// markBranch moves a branch todo to its terminal state and bumps the done
// counter on the turn status.
func (s *Supervisor) markBranch(todos *todo.Store, todoID string, status *TurnStatus, results []retrieval.Result, err error) {
	if todoID != "" {
		if t, gerr := todos.Get(todoID); gerr == nil && t.Status == todo.StatusPending {
			if uerr := todos.UpdateStatus(todoID, todo.StatusInProgress, nil, ""); uerr != nil {
				s.logger.Printf("Marking todo %s in progress failed: %v", todoID, uerr)
			}
		}
		if err != nil {
			if uerr := todos.UpdateStatus(todoID, todo.StatusFailed, nil, err.Error()); uerr != nil {
				s.logger.Printf("Marking todo %s failed failed: %v", todoID, uerr)
			}
		} else {
			if uerr := todos.UpdateStatus(todoID, todo.StatusCompleted, results, ""); uerr != nil {
				s.logger.Printf("Marking todo %s completed failed: %v", todoID, uerr)
			}
		}
	}

	s.mu.Lock()
	status.DoneBranches++
	status.LastUpdated = time.Now()
	s.mu.Unlock()
}

// aggregate merges branch result sets in plan order, deduplicating by document
// ID with the higher score winning, then sorts by score descending. Failures
// are reported alongside the surviving results, not instead of them.
func aggregate(plan ExecutionPlan, outcomes []branchOutcome) ([]retrieval.Result, []BranchFailure) {
	byAgent := make(map[string]branchOutcome, len(outcomes))
	for _, outcome := range outcomes {
		byAgent[outcome.agent] = outcome
	}

	var failures []BranchFailure
	seen := make(map[string]int)
	var merged []retrieval.Result

	for _, agent := range plan.SelectedAgents {
		outcome, ok := byAgent[agent]
		if !ok {
			continue
		}
		if outcome.err != nil {
			failures = append(failures, BranchFailure{
				Agent:   agent,
				Kind:    KindOf(outcome.err),
				Message: outcome.err.Error(),
			})
			continue
		}
		for _, r := range outcome.results.Results {
			if idx, dup := seen[r.ID]; dup {
				if r.RelevanceScore > merged[idx].RelevanceScore {
					merged[idx] = r
				}
				continue
			}
			seen[r.ID] = len(merged)
			merged = append(merged, r)
		}
	}

	sort.SliceStable(merged, func(i, j int) bool {
		return merged[i].RelevanceScore > merged[j].RelevanceScore
	})
	if merged == nil {
		merged = []retrieval.Result{}
	}
	return merged, failures
}

// directAnswer generates a short answer for turns that dispatch no agents.
func (s *Supervisor) directAnswer(ctx context.Context, query string) string {
	model := s.config.LLM.Routing.Fallback
	answer, err := s.provider.Complete(ctx, model, directAnswerSystemPrompt, query)
	if err != nil {
		s.logger.Printf("Direct answer generation failed: %v", err)
		return "죄송합니다. 부동산과 주택 금융에 관한 질문만 도와드릴 수 있어요."
	}
	return strings.TrimSpace(answer)
}

const directAnswerSystemPrompt = `You are a friendly Korean real-estate assistant. The user's question needs no document retrieval. Answer briefly in Korean; if the question is outside real estate and housing finance, say so politely and steer the user back to topics you can help with.`

// GetStatus returns the live status of an in-flight turn.
func (s *Supervisor) GetStatus(turnID string) (TurnStatus, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	status, exists := s.processing[turnID]
	if !exists {
		return TurnStatus{}, false
	}
	return *status, true
}

func (s *Supervisor) updateState(status *TurnStatus, state, errMsg string) {
	s.mu.Lock()
	status.State = state
	status.Error = errMsg
	status.LastUpdated = time.Now()
	s.mu.Unlock()
	s.logger.Printf("Turn %s -> %s", status.TurnID, state)
}

// failTurn marks the turn failed, records telemetry, and builds the failure
// result returned to the caller.
func (s *Supervisor) failTurn(span trace.Span, status *TurnStatus, turnID string, intent Intent, startTime time.Time, err error) (TurnResult, error) {
	s.updateState(status, StateFailed, err.Error())
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())

	result := TurnResult{
		TurnID:         turnID,
		Status:         StateFailed,
		Intent:         intent,
		Results:        []retrieval.Result{},
		ProcessingTime: time.Since(startTime),
	}
	s.recordTurn(result, "", false)
	return result, err
}

func (s *Supervisor) recordTurn(result TurnResult, query string, success bool) {
	s.telemetry.RecordTurn(telemetry.TurnEvent{
		TurnID:         result.TurnID,
		Query:          query,
		Success:        success,
		ProcessingTime: result.ProcessingTime,
		ResultCount:    len(result.Results),
	})
}

func buildSearchQuery(query string, keywords []string) string {
	parts := []string{strings.TrimSpace(query)}
	for _, kw := range keywords {
		kw = strings.TrimSpace(kw)
		if kw != "" && !strings.Contains(query, kw) {
			parts = append(parts, kw)
		}
	}
	return strings.Join(parts, " ")
}

func errString(err error) string {
	if err != nil {
		return err.Error()
	}
	return ""
}
