// Package rollout implements progressive delivery of a unit's workload: the candidate revision
// receives increasing weights, gated by pauses, metric analysis and hooks, and is either
// promoted to stable or rolled back.
package rollout

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/go-logr/logr"
	"github.com/google/uuid"
	"k8s.io/apimachinery/pkg/apis/meta/v1/unstructured"
	"k8s.io/klog/v2/klogr"
	"k8s.io/utils/clock"

	"github.com/namix-io/sync-engine/pkg/health"
	"github.com/namix-io/sync-engine/pkg/source"
	"github.com/namix-io/sync-engine/pkg/sync/common"
)

var (
	// ErrCandidateRejected is returned when the candidate was already rolled back or aborted
	ErrCandidateRejected = errors.New("candidate was rejected by a previous rollout")
	ErrNoActiveRollout   = errors.New("no active rollout")
	ErrNotPaused         = errors.New("rollout is not paused")
	// ErrBusy is returned while the rollout has not yet taken the previous operator request
	ErrBusy              = errors.New("rollout is busy")
)

const rollbackRetryInterval = 5 * time.Second

type signal int

const (
	signalPromote signal = iota + 1
	signalAbort
	signalResume
)

// next is the decision taken after a gate
type next int

const (
	nextContinue next = iota
	nextPromote
	nextAbort
	nextRollback
	nextStop
)

// Locker serialises rollout mutations with the other operations on a unit
type Locker interface {
	Acquire(ctx context.Context, unitID string) error
	Release(unitID string)
}

type noopLocker struct{}

func (noopLocker) Acquire(context.Context, string) error { return nil }
func (noopLocker) Release(string)                        {}

// CompletionFunc is called once a rollout reaches Stable. promoted is the declared candidate
// document when it was promoted and nil otherwise.
type CompletionFunc func(r *Rollout, promoted *unstructured.Unstructured)

// UpdateFunc receives a copy of the rollout after every transition
type UpdateFunc func(r *Rollout)

type Option func(*Controller)

func WithLogger(log logr.Logger) Option {
	return func(c *Controller) {
		c.log = log
	}
}

func WithClock(clock clock.WithTicker) Option {
	return func(c *Controller) {
		c.clock = clock
	}
}

func WithLocker(locker Locker) Option {
	return func(c *Controller) {
		c.locker = locker
	}
}

// WithHealthEvaluator enables promotion hooks
func WithHealthEvaluator(evaluator *health.Evaluator) Option {
	return func(c *Controller) {
		c.evaluator = evaluator
	}
}

func WithOnComplete(fn CompletionFunc) Option {
	return func(c *Controller) {
		c.onComplete = fn
	}
}

func WithOnUpdate(fn UpdateFunc) Option {
	return func(c *Controller) {
		c.onUpdate = fn
	}
}

// StartRequest describes a new candidate of a unit's workload
type StartRequest struct {
	UnitID            string
	Spec              Spec
	Stable            *unstructured.Unstructured
	Candidate         *unstructured.Unstructured
	StableRevision    source.Revision
	CandidateRevision source.Revision
	StableHash        string
	CandidateHash     string
}

type rolloutState struct {
	rollout   *Rollout
	spec      Spec
	stable    *unstructured.Unstructured
	candidate *unstructured.Unstructured
	signals   chan signal
	cancel    context.CancelFunc
	done      chan struct{}
}

type Controller struct {
	router     TrafficRouter
	provider   Provider
	evaluator  *health.Evaluator
	locker     Locker
	clock      clock.WithTicker
	log        logr.Logger
	onComplete CompletionFunc
	onUpdate   UpdateFunc

	lock     sync.Mutex
	active   map[string]*rolloutState
	last     map[string]*Rollout
	rejected map[string]string
	wg       sync.WaitGroup
}

func NewController(router TrafficRouter, provider Provider, opts ...Option) *Controller {
	c := &Controller{
		router:     router,
		provider:   provider,
		locker:     noopLocker{},
		clock:      clock.RealClock{},
		log:        klogr.New(),
		onComplete: func(*Rollout, *unstructured.Unstructured) {},
		onUpdate:   func(*Rollout) {},
		active:     map[string]*rolloutState{},
		last:       map[string]*Rollout{},
		rejected:   map[string]string{},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Start creates a rollout of the candidate. Starting the candidate that is already rolling out
// returns the existing rollout; a different candidate supersedes it.
func (c *Controller) Start(ctx context.Context, req StartRequest) (*Rollout, error) {
	if err := req.Spec.Validate(); err != nil {
		return nil, err
	}
	if req.Stable == nil || req.Candidate == nil {
		return nil, fmt.Errorf("rollout of unit %s requires both a stable and a candidate workload", req.UnitID)
	}

	c.lock.Lock()
	if c.rejected[req.UnitID] == req.CandidateHash {
		c.lock.Unlock()
		return nil, ErrCandidateRejected
	}
	if existing, ok := c.active[req.UnitID]; ok {
		if existing.rollout.CandidateHash == req.CandidateHash {
			res := existing.rollout.DeepCopy()
			c.lock.Unlock()
			return res, nil
		}
		c.lock.Unlock()
		c.supersede(existing, req.CandidateRevision)
		c.lock.Lock()
	}

	r := &Rollout{
		ID:                uuid.NewString(),
		UnitID:            req.UnitID,
		Strategy:          req.Spec.Strategy,
		Workload:          req.Spec.Workload,
		Steps:             append([]Step(nil), req.Spec.Steps...),
		StableRevision:    req.StableRevision,
		CandidateRevision: req.CandidateRevision,
		StableHash:        req.StableHash,
		CandidateHash:     req.CandidateHash,
		Phase:             PhaseInitializing,
		StartedAt:         c.clock.Now(),
	}
	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	st := &rolloutState{
		rollout:   r,
		spec:      req.Spec,
		stable:    req.Stable.DeepCopy(),
		candidate: req.Candidate.DeepCopy(),
		signals:   make(chan signal, 4),
		cancel:    cancel,
		done:      make(chan struct{}),
	}
	c.active[req.UnitID] = st
	c.last[req.UnitID] = r
	res := r.DeepCopy()
	c.wg.Add(1)
	c.lock.Unlock()

	c.log.Info("Starting rollout", "unit", req.UnitID, "rollout", r.ID, "stable", req.StableRevision.CommitHash, "candidate", req.CandidateRevision.CommitHash)
	c.onUpdate(res.DeepCopy())
	go c.run(runCtx, st)
	return res, nil
}

func (c *Controller) supersede(st *rolloutState, by source.Revision) {
	st.cancel()
	<-st.done
	c.update(st, func(r *Rollout) {
		r.Phase = PhaseStable
		r.Outcome = OutcomeAborted
		r.Message = fmt.Sprintf("superseded by %s", by.CommitHash)
		now := c.clock.Now()
		r.FinishedAt = &now
	})
	c.lock.Lock()
	if c.active[st.rollout.UnitID] == st {
		delete(c.active, st.rollout.UnitID)
	}
	c.lock.Unlock()
}

// update mutates the rollout under the controller lock and publishes a copy
func (c *Controller) update(st *rolloutState, fn func(r *Rollout)) {
	c.lock.Lock()
	fn(st.rollout)
	res := st.rollout.DeepCopy()
	c.lock.Unlock()
	c.onUpdate(res)
}

func (c *Controller) run(ctx context.Context, st *rolloutState) {
	defer c.wg.Done()
	defer close(st.done)
	log := c.log.WithValues("unit", st.rollout.UnitID, "rollout", st.rollout.ID)

	decision := nextContinue
	for i := 0; i < len(st.spec.Steps) && decision == nextContinue; i++ {
		step := st.spec.Steps[i]
		c.update(st, func(r *Rollout) {
			r.CurrentStepIndex = i
			r.Phase = PhaseStepAdvancing
		})
		if err := c.setWeight(ctx, st, step.Weight); err != nil {
			if ctx.Err() != nil {
				return
			}
			log.Error(err, "Failed to shift traffic")
			c.rollback(ctx, st, OutcomeRolledBack, fmt.Sprintf("shifting traffic to %d%%: %v", step.Weight, err))
			return
		}
		log.Info("Step started", "step", i, "weight", step.Weight)
		if step.Pause != nil {
			decision = c.pause(ctx, st, step.Pause.Duration, fmt.Sprintf("paused at step %d", i))
			if decision != nextContinue {
				break
			}
		}
		if step.Analysis != nil {
			decision = c.analyze(ctx, st, i, *step.Analysis)
		}
	}

	switch decision {
	case nextStop:
		return
	case nextAbort:
		c.rollback(ctx, st, OutcomeAborted, "aborted by operator")
		return
	case nextRollback:
		c.rollback(ctx, st, OutcomeRolledBack, st.lastMessage(c))
		return
	}
	c.promote(ctx, st)
}

func (st *rolloutState) weight(c *Controller) int {
	c.lock.Lock()
	defer c.lock.Unlock()
	return st.rollout.CurrentWeight
}

func (st *rolloutState) lastMessage(c *Controller) string {
	c.lock.Lock()
	defer c.lock.Unlock()
	return st.rollout.Message
}

// setWeight never lowers the weight; only a rollback does
func (c *Controller) setWeight(ctx context.Context, st *rolloutState, weight int) error {
	current := st.weight(c)
	if weight > 100 {
		return fmt.Errorf("weight %d exceeds 100", weight)
	}
	if weight < current {
		return fmt.Errorf("weight %d is lower than the current weight %d", weight, current)
	}
	if err := c.locker.Acquire(ctx, st.rollout.UnitID); err != nil {
		return err
	}
	defer c.locker.Release(st.rollout.UnitID)
	if err := c.router.SetWeight(ctx, st.rollout.DeepCopy(), st.stable, st.candidate, weight); err != nil {
		return err
	}
	c.update(st, func(r *Rollout) {
		r.CurrentWeight = weight
	})
	return nil
}

// wait blocks until timer fires, a signal arrives or ctx is done. A nil timer waits for a signal.
func (c *Controller) wait(ctx context.Context, st *rolloutState, timer <-chan time.Time) (signal, bool) {
	select {
	case <-ctx.Done():
		return 0, false
	case sig := <-st.signals:
		return sig, true
	case <-timer:
		return 0, true
	}
}

func (c *Controller) pause(ctx context.Context, st *rolloutState, duration time.Duration, message string) next {
	c.update(st, func(r *Rollout) {
		r.Phase = PhasePaused
		r.Paused = true
		r.Message = message
	})
	defer c.update(st, func(r *Rollout) {
		r.Paused = false
		if r.Phase == PhasePaused {
			r.Phase = PhaseStepAdvancing
		}
	})
	var timerC <-chan time.Time
	if duration > 0 {
		timer := c.clock.NewTimer(duration)
		defer timer.Stop()
		timerC = timer.C()
	}
	for {
		sig, ok := c.wait(ctx, st, timerC)
		if !ok {
			return nextStop
		}
		switch sig {
		case 0, signalResume:
			return nextContinue
		case signalPromote:
			return nextPromote
		case signalAbort:
			return nextAbort
		}
	}
}

// analyze samples every query of the analysis until the run resolves
func (c *Controller) analyze(ctx context.Context, st *rolloutState, stepIndex int, analysis Analysis) next {
	run := AnalysisRun{
		ID:            uuid.NewString(),
		RolloutID:     st.rollout.ID,
		StepIndex:     stepIndex,
		MetricQueries: append([]MetricQuery(nil), analysis.Queries...),
		Count:         analysis.count(),
		FailureLimit:  analysis.failureLimit(),
		Result:        AnalysisPending,
		StartedAt:     c.clock.Now(),
	}
	c.update(st, func(r *Rollout) {
		r.Phase = PhaseAnalyzing
		r.AnalysisRuns = append(r.AnalysisRuns, run)
	})
	timeout := c.clock.NewTimer(analysis.timeout())
	defer timeout.Stop()
	ticker := c.clock.NewTicker(analysis.interval())
	defer ticker.Stop()

	finish := func(result AnalysisResult, message string) {
		now := c.clock.Now()
		run.Result = result
		run.Message = message
		run.FinishedAt = &now
		c.update(st, func(r *Rollout) {
			r.AnalysisRuns[len(r.AnalysisRuns)-1] = run
			r.Message = message
		})
	}

	for sample := 0; sample < run.Count; sample++ {
		if sample > 0 {
			select {
			case <-ctx.Done():
				return nextStop
			case <-timeout.C():
				finish(AnalysisFailed, fmt.Sprintf("%s: analysis of step %d timed out after %s", common.ReasonAnalysisFailed, stepIndex, analysis.timeout()))
				return nextRollback
			case sig := <-st.signals:
				switch sig {
				case signalAbort:
					finish(AnalysisFailed, "aborted by operator")
					return nextAbort
				case signalPromote:
					finish(AnalysisSuccessful, "skipped by operator promotion")
					return nextPromote
				}
				sample--
				continue
			case <-ticker.C():
			}
		}
		for _, query := range analysis.Queries {
			m := c.measure(ctx, query)
			run.Measurements = append(run.Measurements, m)
			switch {
			case m.Error != "":
				run.ErrorCount++
			case m.Success:
				run.SuccessCount++
			default:
				run.FailureCount++
			}
		}
		c.update(st, func(r *Rollout) {
			r.AnalysisRuns[len(r.AnalysisRuns)-1] = run
		})
		if run.FailureCount >= run.FailureLimit {
			finish(AnalysisFailed, fmt.Sprintf("%s: %d of %d measurements of step %d were outside their threshold range", common.ReasonAnalysisFailed, run.FailureCount, len(run.Measurements), stepIndex))
			return nextRollback
		}
	}

	ratio := float64(run.SuccessCount) / float64(len(run.Measurements))
	if ratio >= analysis.minSuccessRatio() {
		finish(AnalysisSuccessful, fmt.Sprintf("%d of %d measurements succeeded", run.SuccessCount, len(run.Measurements)))
		return nextContinue
	}
	finish(AnalysisInconclusive, fmt.Sprintf("success ratio %.2f is below %.2f (%d errors)", ratio, analysis.minSuccessRatio(), run.ErrorCount))
	return c.pause(ctx, st, 0, fmt.Sprintf("analysis of step %d inconclusive, waiting for operator", stepIndex))
}

func (c *Controller) measure(ctx context.Context, query MetricQuery) Measurement {
	m := Measurement{Query: query.Name, TakenAt: c.clock.Now()}
	if m.Query == "" {
		m.Query = query.Query
	}
	value, err := c.provider.Query(ctx, query.Query, query.Window)
	if err != nil {
		m.Error = err.Error()
		return m
	}
	m.Value = value
	m.Success = query.ThresholdRange.Contains(value)
	return m
}

// runHooks resolves each hook; the first unsatisfied one stops the rollout
func (c *Controller) runHooks(ctx context.Context, st *rolloutState, hooks []Hook, stage string) (next, string) {
	for _, hook := range hooks {
		if c.evaluator == nil {
			return nextRollback, fmt.Sprintf("%s hook %s cannot run without a health evaluator", stage, hook.Name)
		}
		timeout := hook.Timeout
		if timeout <= 0 {
			timeout = DefaultHookTimeout
		}
		c.update(st, func(r *Rollout) {
			r.Message = fmt.Sprintf("running %s hook %s", stage, hook.Name)
		})
		summary, err := c.evaluator.EvaluateAll(ctx, hook.Checks, timeout)
		if ctx.Err() != nil {
			return nextStop, ""
		}
		if err != nil || !summary.Satisfied {
			msg := fmt.Sprintf("%s hook %s unsatisfied", stage, hook.Name)
			if err != nil {
				msg = fmt.Sprintf("%s: %v", msg, err)
			}
			return nextRollback, msg
		}
	}
	return nextContinue, ""
}

func (c *Controller) promote(ctx context.Context, st *rolloutState) {
	log := c.log.WithValues("unit", st.rollout.UnitID, "rollout", st.rollout.ID)
	if decision, msg := c.runHooks(ctx, st, st.spec.PrePromotion, "pre-promotion"); decision != nextContinue {
		if decision == nextRollback {
			c.rollback(ctx, st, OutcomeRolledBack, msg)
		}
		return
	}
	c.update(st, func(r *Rollout) {
		r.Phase = PhasePromoting
		r.Message = "promoting candidate"
	})
	if err := c.locker.Acquire(ctx, st.rollout.UnitID); err != nil {
		return
	}
	_, err := c.router.Promote(ctx, st.rollout.DeepCopy(), st.candidate)
	c.locker.Release(st.rollout.UnitID)
	if err != nil {
		if ctx.Err() != nil {
			return
		}
		log.Error(err, "Promotion failed")
		c.rollback(ctx, st, OutcomeRolledBack, fmt.Sprintf("promotion failed: %v", err))
		return
	}
	if decision, msg := c.runHooks(ctx, st, st.spec.PostPromotion, "post-promotion"); decision != nextContinue {
		if decision == nextRollback {
			c.rollback(ctx, st, OutcomeRolledBack, msg)
		}
		return
	}
	c.update(st, func(r *Rollout) {
		now := c.clock.Now()
		r.Phase = PhaseStable
		r.Outcome = OutcomePromoted
		r.CurrentWeight = 100
		r.StableRevision = r.CandidateRevision
		r.StableHash = r.CandidateHash
		r.Message = "candidate promoted"
		r.FinishedAt = &now
	})
	log.Info("Rollout promoted")
	c.finish(st, st.candidate.DeepCopy())
}

// rollback restores the stable workload. It keeps retrying until it succeeds or the
// controller shuts down.
func (c *Controller) rollback(ctx context.Context, st *rolloutState, outcome Outcome, message string) {
	log := c.log.WithValues("unit", st.rollout.UnitID, "rollout", st.rollout.ID)
	c.update(st, func(r *Rollout) {
		r.Phase = PhaseRollingBack
		r.Message = message
	})
	for {
		err := c.locker.Acquire(ctx, st.rollout.UnitID)
		if err == nil {
			err = c.router.Rollback(ctx, st.rollout.DeepCopy(), st.stable)
			c.locker.Release(st.rollout.UnitID)
		}
		if err == nil {
			break
		}
		if ctx.Err() != nil {
			return
		}
		log.Error(err, "Rollback failed, retrying", "interval", rollbackRetryInterval)
		select {
		case <-ctx.Done():
			return
		case <-c.clock.After(rollbackRetryInterval):
		}
	}
	c.update(st, func(r *Rollout) {
		now := c.clock.Now()
		r.Phase = PhaseStable
		r.Outcome = outcome
		r.CurrentWeight = 0
		r.FinishedAt = &now
	})
	c.lock.Lock()
	c.rejected[st.rollout.UnitID] = st.rollout.CandidateHash
	c.lock.Unlock()
	log.Info("Rollout rolled back", "outcome", outcome, "reason", message)
	c.finish(st, nil)
}

func (c *Controller) finish(st *rolloutState, promoted *unstructured.Unstructured) {
	c.lock.Lock()
	if c.active[st.rollout.UnitID] == st {
		delete(c.active, st.rollout.UnitID)
	}
	res := st.rollout.DeepCopy()
	c.lock.Unlock()
	c.onComplete(res, promoted)
}

func (c *Controller) signal(unitID string, sig signal) error {
	c.lock.Lock()
	defer c.lock.Unlock()
	st, ok := c.active[unitID]
	if !ok {
		return ErrNoActiveRollout
	}
	if sig == signalResume && !st.rollout.Paused {
		return ErrNotPaused
	}
	select {
	case st.signals <- sig:
		return nil
	default:
		return fmt.Errorf("%w: %s", ErrBusy, st.rollout.ID)
	}
}

// Promote skips the remaining steps and promotes the candidate
func (c *Controller) Promote(unitID string) error {
	return c.signal(unitID, signalPromote)
}

// Abort rolls the candidate back
func (c *Controller) Abort(unitID string) error {
	return c.signal(unitID, signalAbort)
}

// Resume continues a paused rollout
func (c *Controller) Resume(unitID string) error {
	return c.signal(unitID, signalResume)
}

// Get returns the current or last rollout of the unit
func (c *Controller) Get(unitID string) (*Rollout, bool) {
	c.lock.Lock()
	defer c.lock.Unlock()
	r, ok := c.last[unitID]
	if !ok {
		return nil, false
	}
	return r.DeepCopy(), true
}

// Active answers whether a rollout of the unit is in progress
func (c *Controller) Active(unitID string) bool {
	c.lock.Lock()
	defer c.lock.Unlock()
	_, ok := c.active[unitID]
	return ok
}

// Restore loads a persisted rollout that is no longer running
func (c *Controller) Restore(r *Rollout) {
	c.lock.Lock()
	defer c.lock.Unlock()
	if _, ok := c.active[r.UnitID]; ok {
		return
	}
	if existing, ok := c.last[r.UnitID]; ok && existing.StartedAt.After(r.StartedAt) {
		return
	}
	c.last[r.UnitID] = r.DeepCopy()
	if r.Outcome == OutcomeRolledBack || r.Outcome == OutcomeAborted {
		c.rejected[r.UnitID] = r.CandidateHash
	}
}

// Forget stops the rollout of a removed unit and drops its history
func (c *Controller) Forget(unitID string) {
	c.lock.Lock()
	st, ok := c.active[unitID]
	c.lock.Unlock()
	if ok {
		st.cancel()
		<-st.done
	}
	c.lock.Lock()
	defer c.lock.Unlock()
	delete(c.active, unitID)
	delete(c.last, unitID)
	delete(c.rejected, unitID)
}

// Shutdown stops every running rollout where it is. Rollouts are restarted by the next
// reconciliation of their unit.
func (c *Controller) Shutdown() {
	c.lock.Lock()
	for _, st := range c.active {
		st.cancel()
	}
	c.lock.Unlock()
	c.wg.Wait()
}

// ClearRejection allows a previously rejected candidate to be rolled out again
func (c *Controller) ClearRejection(unitID string) {
	c.lock.Lock()
	defer c.lock.Unlock()
	delete(c.rejected, unitID)
}
