package telemetry

import (
	"log"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/zipsaai/zipsa/config"
)

// Telemetry records turn-level and branch-level events. It keeps an
// in-memory snapshot for the status endpoint and mirrors the counters into
// prometheus for scraping.
type Telemetry struct {
	config  config.TelemetryConfig
	logger  *log.Logger
	metrics *Metrics
	mu      sync.RWMutex

	turnsTotal       *prometheus.CounterVec
	turnDuration     prometheus.Histogram
	branchesTotal    *prometheus.CounterVec
	branchDuration   *prometheus.HistogramVec
	classifications  *prometheus.CounterVec
	retrievalResults prometheus.Histogram
}

// Metrics holds aggregate counters for completed turns and branches.
type Metrics struct {
	TotalTurns      int64
	SuccessfulTurns int64
	FailedTurns     int64
	AverageTurnTime time.Duration

	BranchExecutions   map[string]int64
	BranchSuccessRates map[string]float64
	BranchAverageTimes map[string]time.Duration

	IntentCounts map[string]int64
}

// TurnEvent describes one completed turn.
type TurnEvent struct {
	TurnID         string
	Query          string
	Success        bool
	Error          string
	ProcessingTime time.Duration
	AgentsUsed     []string
	ResultCount    int
}

// BranchEvent describes one dispatched agent branch.
type BranchEvent struct {
	TurnID   string
	Agent    string
	Success  bool
	Error    string
	Duration time.Duration
	Results  int
}

// NewTelemetry creates a telemetry instance and registers its collectors on
// the default prometheus registry.
func NewTelemetry(cfg config.TelemetryConfig) *Telemetry {
	t := &Telemetry{
		config: cfg,
		logger: log.New(log.Writer(), "[TELEMETRY] ", log.LstdFlags),
		metrics: &Metrics{
			BranchExecutions:   make(map[string]int64),
			BranchSuccessRates: make(map[string]float64),
			BranchAverageTimes: make(map[string]time.Duration),
			IntentCounts:       make(map[string]int64),
		},
		turnsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "zipsa_turns_total",
			Help: "Completed turns by outcome.",
		}, []string{"outcome"}),
		turnDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "zipsa_turn_duration_seconds",
			Help:    "End to end turn processing time.",
			Buckets: prometheus.ExponentialBuckets(0.1, 2, 12),
		}),
		branchesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "zipsa_branches_total",
			Help: "Dispatched agent branches by agent and outcome.",
		}, []string{"agent", "outcome"}),
		branchDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "zipsa_branch_duration_seconds",
			Help:    "Agent branch execution time.",
			Buckets: prometheus.ExponentialBuckets(0.05, 2, 12),
		}, []string{"agent"}),
		classifications: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "zipsa_classifications_total",
			Help: "Intent classifications by type.",
		}, []string{"intent"}),
		retrievalResults: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "zipsa_turn_results",
			Help:    "Result count per completed turn.",
			Buckets: prometheus.LinearBuckets(0, 5, 10),
		}),
	}

	if cfg.Enabled {
		prometheus.MustRegister(
			t.turnsTotal, t.turnDuration,
			t.branchesTotal, t.branchDuration,
			t.classifications, t.retrievalResults,
		)
	}

	return t
}

// RecordClassification records one intent classification.
func (t *Telemetry) RecordClassification(intentType string, confidence float64, duration time.Duration) {
	if !t.config.Enabled {
		return
	}

	t.mu.Lock()
	t.metrics.IntentCounts[intentType]++
	t.mu.Unlock()

	t.classifications.WithLabelValues(intentType).Inc()
	if t.config.PeriodicLogs {
		t.logger.Printf("Classification: intent=%s confidence=%.2f duration=%v", intentType, confidence, duration)
	}
}

// RecordTurn records a completed turn.
func (t *Telemetry) RecordTurn(event TurnEvent) {
	if !t.config.Enabled {
		return
	}

	t.mu.Lock()
	t.metrics.TotalTurns++
	if event.Success {
		t.metrics.SuccessfulTurns++
	} else {
		t.metrics.FailedTurns++
	}
	if t.metrics.TotalTurns == 1 {
		t.metrics.AverageTurnTime = event.ProcessingTime
	} else {
		total := t.metrics.AverageTurnTime * time.Duration(t.metrics.TotalTurns-1)
		t.metrics.AverageTurnTime = (total + event.ProcessingTime) / time.Duration(t.metrics.TotalTurns)
	}
	t.mu.Unlock()

	outcome := "done"
	if !event.Success {
		outcome = "failed"
	}
	t.turnsTotal.WithLabelValues(outcome).Inc()
	t.turnDuration.Observe(event.ProcessingTime.Seconds())
	t.retrievalResults.Observe(float64(event.ResultCount))

	t.logger.Printf("Turn: ID=%s, Success=%t, Duration=%v, Agents=%d, Results=%d",
		event.TurnID, event.Success, event.ProcessingTime, len(event.AgentsUsed), event.ResultCount)
}

// RecordBranch records one agent branch execution.
func (t *Telemetry) RecordBranch(event BranchEvent) {
	if !t.config.Enabled {
		return
	}

	t.mu.Lock()
	t.metrics.BranchExecutions[event.Agent]++
	executions := t.metrics.BranchExecutions[event.Agent]

	successes := t.metrics.BranchSuccessRates[event.Agent] * float64(executions-1)
	if event.Success {
		successes += 1.0
	}
	t.metrics.BranchSuccessRates[event.Agent] = successes / float64(executions)

	currentAvg := t.metrics.BranchAverageTimes[event.Agent]
	if executions == 1 {
		t.metrics.BranchAverageTimes[event.Agent] = event.Duration
	} else {
		total := currentAvg * time.Duration(executions-1)
		t.metrics.BranchAverageTimes[event.Agent] = (total + event.Duration) / time.Duration(executions)
	}
	t.mu.Unlock()

	outcome := "completed"
	if !event.Success {
		outcome = "failed"
	}
	t.branchesTotal.WithLabelValues(event.Agent, outcome).Inc()
	t.branchDuration.WithLabelValues(event.Agent).Observe(event.Duration.Seconds())

	if t.config.PeriodicLogs {
		t.logger.Printf("Branch: Turn=%s, Agent=%s, Success=%t, Duration=%v, Results=%d",
			event.TurnID, event.Agent, event.Success, event.Duration, event.Results)
	}
}

// GetMetrics returns a copy of the current metrics snapshot.
func (t *Telemetry) GetMetrics() Metrics {
	t.mu.RLock()
	defer t.mu.RUnlock()

	metrics := *t.metrics
	metrics.BranchExecutions = make(map[string]int64)
	metrics.BranchSuccessRates = make(map[string]float64)
	metrics.BranchAverageTimes = make(map[string]time.Duration)
	metrics.IntentCounts = make(map[string]int64)

	for k, v := range t.metrics.BranchExecutions {
		metrics.BranchExecutions[k] = v
	}
	for k, v := range t.metrics.BranchSuccessRates {
		metrics.BranchSuccessRates[k] = v
	}
	for k, v := range t.metrics.BranchAverageTimes {
		metrics.BranchAverageTimes[k] = v
	}
	for k, v := range t.metrics.IntentCounts {
		metrics.IntentCounts[k] = v
	}
	return metrics
}
