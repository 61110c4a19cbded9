package rollout

import (
	"fmt"
	"time"

	"github.com/namix-io/sync-engine/pkg/health"
	"github.com/namix-io/sync-engine/pkg/source"
	"github.com/namix-io/sync-engine/pkg/utils/kube"
)

type Strategy string

const (
	// StrategyCanary shifts replicas gradually to a candidate copy of the workload
	StrategyCanary Strategy = "Canary"
	// StrategyBlueGreen runs a full size preview copy and cuts over at promotion
	StrategyBlueGreen Strategy = "BlueGreen"
)

type Phase string

const (
	PhaseInitializing  Phase = "Initializing"
	PhaseStepAdvancing Phase = "StepAdvancing"
	PhaseAnalyzing     Phase = "Analyzing"
	PhasePaused        Phase = "Paused"
	PhasePromoting     Phase = "Promoting"
	PhaseRollingBack   Phase = "RollingBack"
	PhaseStable        Phase = "Stable"
)

func (p Phase) Completed() bool {
	return p == PhaseStable
}

type Outcome string

const (
	OutcomePromoted   Outcome = "Promoted"
	OutcomeRolledBack Outcome = "RolledBack"
	OutcomeAborted    Outcome = "Aborted"
)

type AnalysisResult string

const (
	AnalysisPending      AnalysisResult = "pending"
	AnalysisSuccessful   AnalysisResult = "successful"
	AnalysisFailed       AnalysisResult = "failed"
	AnalysisInconclusive AnalysisResult = "inconclusive"
)

const (
	DefaultAnalysisInterval = time.Minute
	DefaultAnalysisCount    = 5
	DefaultFailureLimit     = 1
	DefaultHookTimeout      = 5 * time.Minute
)

// ThresholdRange bounds an acceptable metric value. Nil bounds are open.
type ThresholdRange struct {
	Min *float64 `json:"min,omitempty"`
	Max *float64 `json:"max,omitempty"`
}

func (t ThresholdRange) Contains(v float64) bool {
	if t.Min != nil && v < *t.Min {
		return false
	}
	if t.Max != nil && v > *t.Max {
		return false
	}
	return true
}

type MetricQuery struct {
	Name           string         `json:"name"`
	Query          string         `json:"query"`
	Window         time.Duration  `json:"window,omitempty"`
	ThresholdRange ThresholdRange `json:"thresholdRange"`
}

// Analysis samples every query Count times, once per Interval
type Analysis struct {
	Queries         []MetricQuery `json:"queries"`
	Interval        time.Duration `json:"interval,omitempty"`
	Count           int           `json:"count,omitempty"`
	FailureLimit    int           `json:"failureLimit,omitempty"`
	MinSuccessRatio float64       `json:"minSuccessRatio,omitempty"`
	Timeout         time.Duration `json:"timeout,omitempty"`
}

func (a Analysis) interval() time.Duration {
	if a.Interval <= 0 {
		return DefaultAnalysisInterval
	}
	return a.Interval
}

func (a Analysis) count() int {
	if a.Count <= 0 {
		return DefaultAnalysisCount
	}
	return a.Count
}

func (a Analysis) failureLimit() int {
	if a.FailureLimit <= 0 {
		return DefaultFailureLimit
	}
	return a.FailureLimit
}

func (a Analysis) minSuccessRatio() float64 {
	if a.MinSuccessRatio <= 0 {
		return 1
	}
	return a.MinSuccessRatio
}

// timeout defaults to twice the time needed to collect every sample
func (a Analysis) timeout() time.Duration {
	if a.Timeout <= 0 {
		return 2 * a.interval() * time.Duration(a.count())
	}
	return a.Timeout
}

// Pause holds a step. A zero Duration waits for an operator.
type Pause struct {
	Duration time.Duration `json:"duration,omitempty"`
}

// Hook gates a weight change on a set of health checks, e.g. a smoke test Job completing
type Hook struct {
	Name    string             `json:"name"`
	Checks  []health.CheckSpec `json:"checks"`
	Timeout time.Duration      `json:"timeout,omitempty"`
}

type Step struct {
	Weight   int       `json:"weight"`
	Pause    *Pause    `json:"pause,omitempty"`
	Analysis *Analysis `json:"analysis,omitempty"`
}

// Spec enables progressive delivery of one workload of a unit
type Spec struct {
	Strategy      Strategy         `json:"strategy"`
	Workload      kube.ResourceKey `json:"workload"`
	Steps         []Step           `json:"steps"`
	PrePromotion  []Hook           `json:"prePromotion,omitempty"`
	PostPromotion []Hook           `json:"postPromotion,omitempty"`
}

// Validate checks the steps: weights within 0..100 that never decrease
func (s Spec) Validate() error {
	switch s.Strategy {
	case StrategyCanary, StrategyBlueGreen:
	default:
		return fmt.Errorf("unknown rollout strategy %q", s.Strategy)
	}
	if s.Workload.Kind == "" || s.Workload.Name == "" {
		return fmt.Errorf("rollout workload kind and name are required")
	}
	if len(s.Steps) == 0 {
		return fmt.Errorf("rollout requires at least one step")
	}
	prev := 0
	for i, step := range s.Steps {
		if step.Weight < 0 || step.Weight > 100 {
			return fmt.Errorf("step %d: weight %d is outside 0..100", i, step.Weight)
		}
		if step.Weight < prev {
			return fmt.Errorf("step %d: weight %d is lower than the previous step weight %d", i, step.Weight, prev)
		}
		prev = step.Weight
		if step.Analysis != nil {
			if len(step.Analysis.Queries) == 0 {
				return fmt.Errorf("step %d: analysis requires at least one query", i)
			}
			if r := step.Analysis.MinSuccessRatio; r < 0 || r > 1 {
				return fmt.Errorf("step %d: minSuccessRatio %v is outside 0..1", i, r)
			}
		}
	}
	for _, hook := range append(append([]Hook{}, s.PrePromotion...), s.PostPromotion...) {
		for _, check := range hook.Checks {
			if err := check.Validate(); err != nil {
				return fmt.Errorf("hook %s: %w", hook.Name, err)
			}
		}
	}
	return nil
}

type Measurement struct {
	Query   string    `json:"query"`
	Value   float64   `json:"value"`
	Success bool      `json:"success"`
	Error   string    `json:"error,omitempty"`
	TakenAt time.Time `json:"takenAt"`
}

type AnalysisRun struct {
	ID            string         `json:"id"`
	RolloutID     string         `json:"rolloutId"`
	StepIndex     int            `json:"stepIndex"`
	MetricQueries []MetricQuery  `json:"metricQueries"`
	Count         int            `json:"count"`
	SuccessCount  int            `json:"successCount"`
	FailureCount  int            `json:"failureCount"`
	ErrorCount    int            `json:"errorCount"`
	FailureLimit  int            `json:"failureLimit"`
	Result        AnalysisResult `json:"result"`
	Message       string         `json:"message,omitempty"`
	Measurements  []Measurement  `json:"measurements,omitempty"`
	StartedAt     time.Time      `json:"startedAt"`
	FinishedAt    *time.Time     `json:"finishedAt,omitempty"`
}

// Rollout is the progressive delivery of one candidate revision of a unit's workload
type Rollout struct {
	ID                string           `json:"id"`
	UnitID            string           `json:"unitId"`
	Strategy          Strategy         `json:"strategy"`
	Workload          kube.ResourceKey `json:"workload"`
	Steps             []Step           `json:"steps"`
	CurrentStepIndex  int              `json:"currentStepIndex"`
	CurrentWeight     int              `json:"currentWeight"`
	StableRevision    source.Revision  `json:"stableRevision"`
	CandidateRevision source.Revision  `json:"candidateRevision"`
	StableHash        string           `json:"stableHash"`
	CandidateHash     string           `json:"candidateHash"`
	Phase             Phase            `json:"phase"`
	Outcome           Outcome          `json:"outcome,omitempty"`
	AnalysisRuns      []AnalysisRun    `json:"analysisRuns,omitempty"`
	Message           string           `json:"message,omitempty"`
	Paused            bool             `json:"paused"`
	StartedAt         time.Time        `json:"startedAt"`
	FinishedAt        *time.Time       `json:"finishedAt,omitempty"`
}

func (r *Rollout) DeepCopy() *Rollout {
	res := *r
	res.Steps = append([]Step(nil), r.Steps...)
	res.AnalysisRuns = make([]AnalysisRun, len(r.AnalysisRuns))
	for i := range r.AnalysisRuns {
		run := r.AnalysisRuns[i]
		run.MetricQueries = append([]MetricQuery(nil), run.MetricQueries...)
		run.Measurements = append([]Measurement(nil), run.Measurements...)
		res.AnalysisRuns[i] = run
	}
	return &res
}

func (r *Rollout) String() string {
	return fmt.Sprintf("%s (unit %s, %s -> %s, phase %s, weight %d)", r.ID, r.UnitID, r.StableRevision.CommitHash, r.CandidateRevision.CommitHash, r.Phase, r.CurrentWeight)
}
