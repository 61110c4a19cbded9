/*
Package reconciler implements the state machine converging one unit at a time:

	Pending -> Planning -> Applying -> HealthChecking -> Ready

A run renders the latest revision of the unit's source, diffs the result against the records of
what the unit last applied, applies the difference wave by wave, prunes what is no longer
declared and waits for the unit's health checks. Any phase may end the run in Failed; Suspended
preempts every state until the unit is resumed.
*/
package reconciler

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

	"github.com/namix-io/sync-engine/pkg/cache"
	"github.com/namix-io/sync-engine/pkg/diff"
	"github.com/namix-io/sync-engine/pkg/graph"
	"github.com/namix-io/sync-engine/pkg/health"
	"github.com/namix-io/sync-engine/pkg/platform"
	"github.com/namix-io/sync-engine/pkg/render"
	"github.com/namix-io/sync-engine/pkg/rollout"
	"github.com/namix-io/sync-engine/pkg/source"
	gosync "github.com/namix-io/sync-engine/pkg/sync"
	"github.com/namix-io/sync-engine/pkg/sync/common"
	"github.com/namix-io/sync-engine/pkg/unit"
	"github.com/namix-io/sync-engine/pkg/utils/kube"
	"github.com/namix-io/sync-engine/pkg/utils/tracing"
)

var ErrUnknownUnit = errors.New("unknown unit")

// ContentProvider returns the latest fetched revision of a source and its content directory
type ContentProvider interface {
	Content(sourceID string) (source.Revision, string, bool)
}

type Renderer interface {
	Render(ctx context.Context, req render.Request) (*render.ManifestSet, error)
}

type HealthEvaluator interface {
	EvaluateAll(ctx context.Context, checks []health.CheckSpec, timeout time.Duration) (*health.Summary, error)
}

// RolloutController takes over the apply of a unit's workload when the unit declares a rollout
type RolloutController interface {
	Start(ctx context.Context, req rollout.StartRequest) (*rollout.Rollout, error)
	Get(unitID string) (*rollout.Rollout, bool)
	Active(unitID string) bool
	Abort(unitID string) error
	Forget(unitID string)
}

type RunUpdatedFunc func(run *Run)

// RunFinishedFunc receives the outcome of a run that was parked off the worker
type RunFinishedFunc func(unitID string, res Result)

type StatusChangedFunc func(status *UnitStatus)

type Option func(*Reconciler)

func WithLogger(log logr.Logger) Option {
	return func(r *Reconciler) {
		r.log = log
	}
}

func WithTracer(tracer tracing.Tracer) Option {
	return func(r *Reconciler) {
		r.tracer = tracer
	}
}

func WithClock(clock clock.PassiveClock) Option {
	return func(r *Reconciler) {
		r.clock = clock
	}
}

// WithNormalizer sets the normalizer used to compare live resources with declared ones. It
// must be the normalizer the renderer hashes specs with.
func WithNormalizer(normalizer diff.Normalizer) Option {
	return func(r *Reconciler) {
		r.normalizer = normalizer
	}
}

func WithHealthEvaluator(evaluator HealthEvaluator) Option {
	return func(r *Reconciler) {
		r.evaluator = evaluator
	}
}

func WithRollouts(rollouts RolloutController) Option {
	return func(r *Reconciler) {
		r.rollouts = rollouts
	}
}

// WithLocks shares the per-unit locks with the drift detector and the rollout controller
func WithLocks(locks *unit.Locks) Option {
	return func(r *Reconciler) {
		r.locks = locks
	}
}

func WithHistoryLimit(limit int) Option {
	return func(r *Reconciler) {
		r.historyLimit = limit
	}
}

func WithWaveTimeout(timeout time.Duration) Option {
	return func(r *Reconciler) {
		r.waveTimeout = timeout
	}
}

func WithOnRunUpdated(fn RunUpdatedFunc) Option {
	return func(r *Reconciler) {
		r.onRunUpdated = fn
	}
}

func WithOnStatusChanged(fn StatusChangedFunc) Option {
	return func(r *Reconciler) {
		r.onStatusChanged = fn
	}
}

func WithOnRunFinished(fn RunFinishedFunc) Option {
	return func(r *Reconciler) {
		r.onRunFinished = fn
	}
}

type unitState struct {
	status  UnitStatus
	history *history
	// attempts are counted per revision
	attemptRevision string
	attempt         int
	cancel          context.CancelFunc
}

type Reconciler struct {
	registry        *graph.Registry
	contents        ContentProvider
	renderer        Renderer
	platform        platform.Interface
	records         cache.RecordCache
	evaluator       HealthEvaluator
	rollouts        RolloutController
	locks           *unit.Locks
	normalizer      diff.Normalizer
	clock           clock.PassiveClock
	log             logr.Logger
	tracer          tracing.Tracer
	historyLimit    int
	waveTimeout     time.Duration
	onRunUpdated    RunUpdatedFunc
	onStatusChanged StatusChangedFunc
	onRunFinished   RunFinishedFunc

	// parked tracks runs waiting on apply calls or health checks
	parked sync.WaitGroup

	lock  sync.Mutex
	units map[string]*unitState
}

func NewReconciler(registry *graph.Registry, contents ContentProvider, renderer Renderer, p platform.Interface, records cache.RecordCache, opts ...Option) *Reconciler {
	r := &Reconciler{
		registry:        registry,
		contents:        contents,
		renderer:        renderer,
		platform:        p,
		records:         records,
		evaluator:       health.NewEvaluator(p),
		locks:           unit.NewLocks(),
		normalizer:      diff.GetNoopNormalizer(),
		clock:           clock.RealClock{},
		log:             klogr.New(),
		tracer:          tracing.NopTracer{},
		historyLimit:    DefaultHistoryLimit,
		waveTimeout:     gosync.DefaultWaveTimeout,
		onRunUpdated:    func(*Run) {},
		onStatusChanged: func(*UnitStatus) {},
		onRunFinished:   func(string, Result) {},
		units:           map[string]*unitState{},
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// stateLocked must be called with the lock held
func (r *Reconciler) stateLocked(unitID string) *unitState {
	st, ok := r.units[unitID]
	if !ok {
		st = &unitState{
			status:  UnitStatus{UnitID: unitID, State: common.RunStatePending, UpdatedAt: r.clock.Now()},
			history: newHistory(r.historyLimit),
		}
		r.units[unitID] = st
	}
	return st
}

// Reconcile runs the state machine of the unit once. Runs of one unit never overlap: a unit
// held by another operation returns Busy. Rendering and planning happen on the caller; applying
// and health checking are parked on their own goroutine so that the caller is free while the
// unit waits. The outcome of a parked run goes to the run finished callback. A non zero
// RequeueAfter asks for an automatic retry of a failed run.
func (r *Reconciler) Reconcile(ctx context.Context, unitID string, trigger common.Trigger) (Result, error) {
	snapshot := r.registry.Load()
	u, ok := snapshot.Unit(unitID)
	if !ok {
		return Result{}, nil
	}
	if !r.locks.TryAcquire(unitID) {
		return Result{Busy: true}, nil
	}
	parked := false
	defer func() {
		if !parked {
			r.locks.Release(unitID)
		}
	}()

	log := r.log.WithValues("unit", unitID, "trigger", trigger)
	runCtx, cancel, ok := r.admit(ctx, u, trigger)
	if !ok {
		log.V(1).Info("Skipping reconciliation")
		return Result{}, nil
	}
	defer func() {
		if !parked {
			cancel()
		}
	}()

	if dep, state, gated := r.unreadyDependency(snapshot, u); gated {
		log.V(1).Info("Waiting for dependency", "dependency", dep, "state", state)
		r.gate(unitID, common.NewReconcileError(common.ReasonDependencyUnready, "dependency %s is %s", dep, state))
		return Result{}, nil
	}

	rev, contentDir, found := r.contents.Content(u.SourceRef)
	if !found {
		rev = source.Revision{SourceID: u.SourceRef}
	}
	run := r.startRun(unitID, rev, trigger)
	log = log.WithValues("run", run.ID, "revision", rev.CommitHash, "attempt", run.Attempt)
	log.Info("Reconciliation started")

	runCtx, span := r.startSpan(runCtx, run)
	wait, err := r.execute(runCtx, log, u, run, contentDir, found)
	if err != nil || wait == nil {
		return r.complete(log, u, run, span, err), nil
	}

	parked = true
	r.parked.Add(1)
	go func() {
		defer r.parked.Done()
		defer r.locks.Release(unitID)
		defer cancel()
		res := r.complete(log, u, run, span, wait(runCtx))
		r.onRunFinished(unitID, res)
	}()
	return Result{Parked: true}, nil
}

// Wait blocks until every parked run finished
func (r *Reconciler) Wait() {
	r.parked.Wait()
}

func (r *Reconciler) startSpan(ctx context.Context, run *Run) (context.Context, tracing.Span) {
	ctx, span := r.tracer.StartSpan(ctx, "reconcile")
	span.SetBaggageItem("unit", run.UnitID)
	span.SetBaggageItem("revision", run.Revision.CommitHash)
	span.SetBaggageItem("attempt", run.Attempt)
	span.SetBaggageItem("trigger", string(run.Trigger))
	if traceID := span.TraceID(); traceID != "" {
		r.update(run, func(run *Run, _ *UnitStatus) {
			run.TraceID = traceID
		})
	}
	return ctx, span
}

func (r *Reconciler) complete(log logr.Logger, u *unit.Unit, run *Run, span tracing.Span, err error) Result {
	span.SetError(err)
	span.Finish()
	res := r.finish(u, run, err)
	if err != nil {
		log.Info("Reconciliation failed", "error", err.Error(), "requeueAfter", res.RequeueAfter)
	} else {
		log.Info("Reconciliation succeeded")
	}
	return res
}

// admit decides whether the trigger starts a run and registers its cancellation
func (r *Reconciler) admit(ctx context.Context, u *unit.Unit, trigger common.Trigger) (context.Context, context.CancelFunc, bool) {
	r.lock.Lock()
	defer r.lock.Unlock()
	st := r.stateLocked(u.ID)
	switch {
	case st.status.Suspended:
		return nil, nil, false
	case !u.SyncPolicy.Automated && trigger != common.TriggerManual && trigger != common.TriggerResume:
		return nil, nil, false
	case trigger == common.TriggerRetry && st.status.State != common.RunStateFailed:
		return nil, nil, false
	case trigger == common.TriggerDependency && st.status.State != common.RunStatePending:
		return nil, nil, false
	}
	if trigger == common.TriggerManual || trigger == common.TriggerResume || trigger == common.TriggerConfig {
		st.status.Retries = 0
	}
	runCtx, cancel := context.WithCancel(ctx)
	st.cancel = cancel
	return runCtx, func() {
		cancel()
		r.lock.Lock()
		defer r.lock.Unlock()
		if cur, ok := r.units[u.ID]; ok && cur == st {
			st.cancel = nil
		}
	}, true
}

// unreadyDependency returns the first dependency which is not Ready
func (r *Reconciler) unreadyDependency(snapshot *graph.Snapshot, u *unit.Unit) (string, common.RunState, bool) {
	r.lock.Lock()
	defer r.lock.Unlock()
	for _, dep := range snapshot.DAG.Dependencies(u.ID) {
		state := common.RunStatePending
		if st, ok := r.units[dep]; ok {
			state = st.status.State
		}
		if state != common.RunStateReady {
			return dep, state, true
		}
	}
	return "", "", false
}

func (r *Reconciler) gate(unitID string, err *common.ReconcileError) {
	r.lock.Lock()
	st := r.stateLocked(unitID)
	changed := st.status.State != common.RunStatePending || st.status.Error == nil || *st.status.Error != *err
	st.status.State = common.RunStatePending
	st.status.Error = err
	st.status.UpdatedAt = r.clock.Now()
	status := st.status.DeepCopy()
	r.lock.Unlock()
	if changed {
		r.onStatusChanged(status)
	}
}

func (r *Reconciler) startRun(unitID string, rev source.Revision, trigger common.Trigger) *Run {
	r.lock.Lock()
	st := r.stateLocked(unitID)
	if st.attemptRevision != rev.CommitHash {
		st.attemptRevision = rev.CommitHash
		st.attempt = 0
		st.status.Retries = 0
	}
	st.attempt++
	run := &Run{
		ID:        uuid.NewString(),
		UnitID:    unitID,
		Revision:  rev,
		Attempt:   st.attempt,
		Trigger:   trigger,
		State:     common.RunStatePlanning,
		StartedAt: r.clock.Now(),
	}
	st.history.push(run)
	st.status.State = common.RunStatePlanning
	st.status.Revision = &rev
	st.status.LastRunID = run.ID
	st.status.NextRetryAt = nil
	st.status.UpdatedAt = run.StartedAt
	status, runCopy := st.status.DeepCopy(), run.DeepCopy()
	r.lock.Unlock()

	r.onRunUpdated(runCopy)
	r.onStatusChanged(status)
	return run
}

// update mutates the run under the lock and publishes it along with the unit status
func (r *Reconciler) update(run *Run, fn func(run *Run, status *UnitStatus)) {
	r.lock.Lock()
	st := r.stateLocked(run.UnitID)
	fn(run, &st.status)
	if st.status.Suspended {
		st.status.State = common.RunStateSuspended
	}
	st.status.UpdatedAt = r.clock.Now()
	status, runCopy := st.status.DeepCopy(), run.DeepCopy()
	r.lock.Unlock()

	r.onRunUpdated(runCopy)
	r.onStatusChanged(status)
}

func (r *Reconciler) transition(run *Run, state common.RunState) {
	r.update(run, func(run *Run, status *UnitStatus) {
		run.State = state
		status.State = state
	})
}

func (r *Reconciler) finish(u *unit.Unit, run *Run, err error) Result {
	var res Result
	r.update(run, func(run *Run, status *UnitStatus) {
		now := r.clock.Now()
		run.FinishedAt = &now
		if run.Health != nil {
			status.Health = run.Health
		}
		if err == nil {
			run.State = common.RunStateReady
			rev := run.Revision
			status.State = common.RunStateReady
			status.AppliedRevision = &rev
			status.Error = nil
			status.Drift = nil
			status.Retries = 0
			return
		}
		rerr := common.AsReconcileError(err, common.ReasonApplyFailed)
		run.State = common.RunStateFailed
		run.Error = rerr
		status.State = common.RunStateFailed
		status.Error = rerr
		if rerr.Reason.Retryable() && status.Retries < u.RetryPolicy.Attempts() && !status.Suspended {
			status.Retries++
			res.RequeueAfter = u.RetryPolicy.Delay(status.Retries)
			next := now.Add(res.RequeueAfter)
			status.NextRetryAt = &next
		}
	})
	return res
}

// execute renders and plans the run. The returned function applies the plan and waits for the
// health checks; it is nil when the live state already matches.
func (r *Reconciler) execute(ctx context.Context, log logr.Logger, u *unit.Unit, run *Run, contentDir string, found bool) (func(ctx context.Context) error, error) {
	if !found {
		return nil, common.NewReconcileError(common.ReasonSourceUnavailable, "no revision of source %s has been fetched", u.SourceRef)
	}
	manifests, err := r.renderer.Render(ctx, render.Request{
		Revision:        run.Revision,
		ContentDir:      contentDir,
		Path:            u.Path,
		Substitutions:   u.Substitutions,
		TargetNamespace: u.TargetNamespace,
		OwnerUnitID:     u.ID,
	})
	if err != nil {
		return nil, common.AsReconcileError(err, common.ReasonRenderError)
	}
	keys := make([]kube.ResourceKey, 0, len(manifests.Resources))
	for i := range manifests.Resources {
		keys = append(keys, manifests.Resources[i].Key())
	}
	if err := r.records.Claim(u.ID, keys...); err != nil {
		return nil, common.AsReconcileError(err, common.ReasonApplyConflict)
	}

	p, err := r.plan(ctx, u, run, manifests)
	if err != nil {
		r.releaseUnapplied(u.ID, keys)
		return nil, err
	}
	if len(p.changed) == 0 && !u.SyncPolicy.SelfHeal {
		log.V(1).Info("Live state matches the declared state")
		r.update(run, func(run *Run, _ *UnitStatus) {
			run.Resources = append(p.unchanged(), p.held...)
		})
		return nil, nil
	}
	return func(ctx context.Context) error {
		err := r.apply(ctx, log, u, run, p)
		if err != nil {
			r.releaseUnapplied(u.ID, keys)
		}
		return err
	}, nil
}

// releaseUnapplied gives up the claims of a failed run on resources it never applied
func (r *Reconciler) releaseUnapplied(unitID string, keys []kube.ResourceKey) {
	for _, key := range keys {
		if rec, ok := r.records.Get(key); ok && rec.OwnerUnitID == unitID && rec.Applied == nil {
			r.records.Release(unitID, key)
		}
	}
}

func (r *Reconciler) apply(ctx context.Context, log logr.Logger, u *unit.Unit, run *Run, p *plan) error {
	r.transition(run, common.RunStateApplying)
	log.V(1).Info("Applying", "changed", len(p.changed))
	syncCtx := gosync.NewSyncContext(u.ID, r.platform, p.resources,
		gosync.WithPrune(u.SyncPolicy.Prune),
		gosync.WithLogr(r.log),
		gosync.WithTracer(r.tracer),
		gosync.WithWaveTimeout(r.waveTimeout),
		gosync.WithRetry(u.RetryPolicy.Attempts(), u.RetryPolicy.Delay),
		gosync.WithResourceApplied(func(key kube.ResourceKey, _ *unstructured.Unstructured, specHash string) {
			if err := r.records.Record(u.ID, run.Revision.CommitHash, p.targets[key], specHash); err != nil {
				log.Error(err, "Failed to record applied resource", "resource", key.String())
			}
		}),
		gosync.WithResourcePruned(func(key kube.ResourceKey) {
			r.records.Release(u.ID, key)
		}),
	)
	results, err := syncCtx.Sync(ctx)
	if err == nil {
		p.held = r.handOver(ctx, log, u, p)
	}
	r.update(run, func(run *Run, _ *UnitStatus) {
		run.Resources = append(results, p.held...)
	})
	if err != nil {
		return err
	}

	r.transition(run, common.RunStateHealthChecking)
	summary, err := r.evaluator.EvaluateAll(ctx, u.HealthChecks, u.HealthTimeout())
	if summary != nil {
		r.update(run, func(run *Run, _ *UnitStatus) {
			run.Health = summary
		})
	}
	if err != nil {
		return common.AsReconcileError(err, common.ReasonHealthTimeout)
	}
	return nil
}

// handOver starts or stops the rollout of the unit's workload once the rest of the unit applied.
// Rollout problems never fail the unit: the stable workload keeps serving.
func (r *Reconciler) handOver(ctx context.Context, log logr.Logger, u *unit.Unit, p *plan) []common.ResourceResult {
	held := p.held
	if p.abortRollout {
		if err := r.rollouts.Abort(u.ID); err != nil && !errors.Is(err, rollout.ErrNoActiveRollout) {
			log.Error(err, "Failed to abort rollout")
		}
	}
	if p.rollout == nil {
		return held
	}
	res := common.ResourceResult{ResourceKey: p.rollout.Spec.Workload, Wave: p.rolloutWave, Status: common.ResultCodeDeferred}
	// the candidate copy is owned by the unit while the rollout runs
	copyKey := p.rollout.Spec.CopyKey()
	if err := r.records.Claim(u.ID, copyKey); err != nil {
		log.Error(err, "Failed to claim rollout copy", "resource", copyKey.String())
		res.Message = fmt.Sprintf("rollout not started: %v", err)
		return append(held, res)
	}
	ro, err := r.rollouts.Start(ctx, *p.rollout)
	if err != nil {
		r.releaseUnapplied(u.ID, []kube.ResourceKey{copyKey})
	}
	switch {
	case errors.Is(err, rollout.ErrCandidateRejected):
		res.Message = "candidate was rolled back, stable revision keeps serving"
	case err != nil:
		log.Error(err, "Failed to start rollout")
		res.Message = fmt.Sprintf("rollout not started: %v", err)
	default:
		res.Message = fmt.Sprintf("handed over to rollout %s", ro.ID)
	}
	return append(held, res)
}

// Suspend stops the unit where it is. In-flight waits are cancelled, issued calls finish.
func (r *Reconciler) Suspend(unitID string) error {
	if _, ok := r.registry.Load().Unit(unitID); !ok {
		return fmt.Errorf("%w: %s", ErrUnknownUnit, unitID)
	}
	r.lock.Lock()
	st := r.stateLocked(unitID)
	st.status.Suspended = true
	st.status.State = common.RunStateSuspended
	st.status.NextRetryAt = nil
	st.status.UpdatedAt = r.clock.Now()
	if st.cancel != nil {
		st.cancel()
	}
	status := st.status.DeepCopy()
	r.lock.Unlock()
	r.onStatusChanged(status)
	return nil
}

// Resume returns a suspended unit to Pending. The caller is expected to trigger a new run.
func (r *Reconciler) Resume(unitID string) error {
	if _, ok := r.registry.Load().Unit(unitID); !ok {
		return fmt.Errorf("%w: %s", ErrUnknownUnit, unitID)
	}
	r.lock.Lock()
	st := r.stateLocked(unitID)
	if !st.status.Suspended {
		r.lock.Unlock()
		return nil
	}
	st.status.Suspended = false
	st.status.State = common.RunStatePending
	st.status.Error = nil
	st.status.Retries = 0
	st.status.UpdatedAt = r.clock.Now()
	status := st.status.DeepCopy()
	r.lock.Unlock()
	r.onStatusChanged(status)
	return nil
}

// RecordDrift stores the outcome of a drift check on the unit status
func (r *Reconciler) RecordDrift(unitID string, drift DriftStatus) {
	r.lock.Lock()
	st, ok := r.units[unitID]
	if !ok {
		r.lock.Unlock()
		return
	}
	st.status.Drift = &drift
	st.status.UpdatedAt = r.clock.Now()
	status := st.status.DeepCopy()
	r.lock.Unlock()
	r.onStatusChanged(status)
}

// Delete forgets a unit that was removed from the configuration. Its resources are deleted when
// the unit prunes, otherwise they are left in place and only their ownership is released.
func (r *Reconciler) Delete(ctx context.Context, u *unit.Unit) error {
	r.lock.Lock()
	if st, ok := r.units[u.ID]; ok && st.cancel != nil {
		st.cancel()
	}
	r.lock.Unlock()
	if err := r.locks.Acquire(ctx, u.ID); err != nil {
		return err
	}
	defer r.locks.Release(u.ID)

	if r.rollouts != nil {
		r.rollouts.Forget(u.ID)
	}
	owned := r.records.FindByOwner(u.ID)
	var err error
	if u.SyncPolicy.Prune && len(owned) > 0 {
		resources := make([]gosync.Resource, 0, len(owned))
		for key, rec := range owned {
			resources = append(resources, gosync.Resource{Key: key, Live: rec.Applied})
		}
		_, err = gosync.NewSyncContext(u.ID, r.platform, resources,
			gosync.WithPrune(true),
			gosync.WithLogr(r.log),
			gosync.WithTracer(r.tracer),
			gosync.WithWaveTimeout(r.waveTimeout),
			gosync.WithRetry(u.RetryPolicy.Attempts(), u.RetryPolicy.Delay),
			gosync.WithResourcePruned(func(key kube.ResourceKey) {
				r.records.Release(u.ID, key)
			}),
		).Sync(ctx)
	}
	// resources kept by a Prune=false option or a failed prune are no longer owned
	for key := range r.records.FindByOwner(u.ID) {
		r.records.Release(u.ID, key)
	}

	r.lock.Lock()
	delete(r.units, u.ID)
	r.lock.Unlock()
	r.log.Info("Unit deleted", "unit", u.ID, "pruned", u.SyncPolicy.Prune)
	return err
}

// Restore loads a persisted status and run history. Runs interrupted by a restart are
// reported as Pending so that they are planned again.
func (r *Reconciler) Restore(status *UnitStatus, runs []*Run) {
	r.lock.Lock()
	defer r.lock.Unlock()
	st := r.stateLocked(status.UnitID)
	st.status = *status.DeepCopy()
	if st.status.State.Running() {
		st.status.State = common.RunStatePending
	}
	for i := len(runs) - 1; i >= 0; i-- {
		st.history.push(runs[i].DeepCopy())
	}
	if last := st.history.last(); last != nil {
		st.attemptRevision = last.Revision.CommitHash
		for _, run := range runs {
			if run.Revision.CommitHash == st.attemptRevision && run.Attempt > st.attempt {
				st.attempt = run.Attempt
			}
		}
	}
}

// Status returns the status of the unit
func (r *Reconciler) Status(unitID string) (*UnitStatus, bool) {
	r.lock.Lock()
	defer r.lock.Unlock()
	st, ok := r.units[unitID]
	if !ok {
		if _, known := r.registry.Load().Unit(unitID); !known {
			return nil, false
		}
		return &UnitStatus{UnitID: unitID, State: common.RunStatePending}, true
	}
	return st.status.DeepCopy(), true
}

// Runs returns the retained runs of the unit, newest first
func (r *Reconciler) Runs(unitID string) []*Run {
	r.lock.Lock()
	defer r.lock.Unlock()
	st, ok := r.units[unitID]
	if !ok {
		return nil
	}
	return st.history.list()
}
