package health

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/go-logr/logr"
	"golang.org/x/sync/errgroup"
	"k8s.io/klog/v2/klogr"
	"k8s.io/utils/clock"

	"github.com/namix-io/sync-engine/pkg/platform"
	"github.com/namix-io/sync-engine/pkg/sync/common"
)

const DefaultPollInterval = 5 * time.Second

type EvaluatorOption func(*Evaluator)

func WithPollInterval(interval time.Duration) EvaluatorOption {
	return func(e *Evaluator) {
		e.pollInterval = interval
	}
}

func WithLogger(log logr.Logger) EvaluatorOption {
	return func(e *Evaluator) {
		e.log = log
	}
}

func WithClock(clock clock.WithTicker) EvaluatorOption {
	return func(e *Evaluator) {
		e.clock = clock
	}
}

// Evaluator waits for a set of checks to be satisfied
type Evaluator struct {
	platform     platform.Interface
	pollInterval time.Duration
	clock        clock.WithTicker
	log          logr.Logger
}

func NewEvaluator(p platform.Interface, opts ...EvaluatorOption) *Evaluator {
	e := &Evaluator{
		platform:     p,
		pollInterval: DefaultPollInterval,
		clock:        clock.RealClock{},
		log:          klogr.New(),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// CheckResult is the last result of one check
type CheckResult struct {
	Check  CheckSpec `json:"check"`
	Result Result    `json:"result"`
}

// Summary is the health of a unit
type Summary struct {
	Satisfied bool          `json:"satisfied"`
	Checks    []CheckResult `json:"checks,omitempty"`
}

func (s *Summary) String() string {
	var pending []string
	for _, c := range s.Checks {
		if c.Result.Outcome != OutcomeSatisfied {
			pending = append(pending, fmt.Sprintf("%s: %s", c.Check, c.Result.Message))
		}
	}
	return strings.Join(pending, "; ")
}

func (e *Evaluator) Evaluate(ctx context.Context, check CheckSpec) Result {
	return Evaluate(ctx, e.platform, check)
}

// EvaluateAll evaluates every check concurrently, re-evaluating on each poll interval and on
// every watch event of the checked resource, until all are satisfied or timeout elapses. An
// empty list is satisfied immediately. Expiry yields a HealthTimeout error, cancellation of
// ctx a Cancelled error.
func (e *Evaluator) EvaluateAll(ctx context.Context, checks []CheckSpec, timeout time.Duration) (*Summary, error) {
	summary := &Summary{Satisfied: true}
	if len(checks) == 0 {
		return summary, nil
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	var timedOut atomic.Bool
	timer := e.clock.NewTimer(timeout)
	defer timer.Stop()
	go func() {
		select {
		case <-timer.C():
			timedOut.Store(true)
			cancel()
		case <-ctx.Done():
		}
	}()

	var lock sync.Mutex
	results := make([]CheckResult, len(checks))
	for i := range checks {
		results[i] = CheckResult{Check: checks[i], Result: unsatisfied("not evaluated")}
	}
	g, gctx := errgroup.WithContext(ctx)
	for i := range checks {
		i := i
		g.Go(func() error {
			e.waitFor(gctx, checks[i], func(res Result) {
				lock.Lock()
				defer lock.Unlock()
				results[i].Result = res
			})
			return nil
		})
	}
	_ = g.Wait()

	summary.Checks = results
	for _, r := range results {
		if r.Result.Outcome != OutcomeSatisfied {
			summary.Satisfied = false
		}
	}
	sort.SliceStable(summary.Checks, func(i, j int) bool {
		return summary.Checks[i].Check.String() < summary.Checks[j].Check.String()
	})
	switch {
	case summary.Satisfied:
		return summary, nil
	case timedOut.Load():
		return summary, common.NewReconcileError(common.ReasonHealthTimeout, "health checks not satisfied within %s: %s", timeout, summary)
	}
	return summary, common.NewReconcileError(common.ReasonCancelled, "health checking cancelled: %v", context.Cause(ctx))
}

// waitFor evaluates the check until it is satisfied or ctx is done
func (e *Evaluator) waitFor(ctx context.Context, check CheckSpec, record func(Result)) {
	events, err := e.platform.Watch(ctx, check.Resource)
	if err != nil {
		e.log.V(1).Info("Watch unavailable, polling only", "check", check.String(), "error", err.Error())
		events = nil
	}
	ticker := e.clock.NewTicker(e.pollInterval)
	defer ticker.Stop()
	for {
		res := e.Evaluate(ctx, check)
		if ctx.Err() != nil {
			return
		}
		record(res)
		if res.Outcome == OutcomeSatisfied {
			return
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C():
		case _, ok := <-events:
			if !ok {
				events = nil
			}
		}
	}
}
