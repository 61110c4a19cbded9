/*
The package provides high-level interface that leverages "pkg/source", "pkg/render", "pkg/reconciler", "pkg/drift",
"pkg/health" and "pkg/rollout" packages and "implements" GitOps.

New revisions, drift and operator actions are turned into work items of a rate limited queue
drained by a bounded pool of workers. A unit is never processed by two workers at once.

Example

The https://github.com/namix-io/sync-engine/tree/master/agent demonstrates how to use the engine.
*/
package engine

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"k8s.io/apimachinery/pkg/apis/meta/v1/unstructured"
	"k8s.io/client-go/util/workqueue"

	"github.com/namix-io/sync-engine/pkg/cache"
	"github.com/namix-io/sync-engine/pkg/drift"
	"github.com/namix-io/sync-engine/pkg/graph"
	"github.com/namix-io/sync-engine/pkg/health"
	"github.com/namix-io/sync-engine/pkg/metrics"
	"github.com/namix-io/sync-engine/pkg/platform"
	"github.com/namix-io/sync-engine/pkg/reconciler"
	"github.com/namix-io/sync-engine/pkg/render"
	"github.com/namix-io/sync-engine/pkg/rollout"
	"github.com/namix-io/sync-engine/pkg/source"
	"github.com/namix-io/sync-engine/pkg/sync/common"
	"github.com/namix-io/sync-engine/pkg/unit"
)

var ErrUnknownUnit = reconciler.ErrUnknownUnit

// busyRequeueDelay spaces the attempts to reconcile a unit held by a parked run
const busyRequeueDelay = 500 * time.Millisecond

type StopFunc func()

type Engine interface {
	// Run restores persisted state and starts the tracker, the drift detector and the workers
	Run(ctx context.Context) (StopFunc, error)
	// SetConfig replaces the declared sources and units. A rejected graph leaves the
	// previous configuration in place.
	SetConfig(ctx context.Context, sources []*source.Source, units []*unit.Unit) error

	// Read API
	ListUnits() []*reconciler.UnitStatus
	UnitStatus(unitID string) (*reconciler.UnitStatus, error)
	Runs(unitID string, limit int) ([]*reconciler.Run, error)
	Rollout(unitID string) (*rollout.Rollout, error)
	Sources() []source.Status

	// Control API
	Suspend(unitID string) error
	Resume(unitID string) error
	ReconcileNow(unitID string) error
	Promote(unitID string) error
	Abort(unitID string) error
	ResumeRollout(unitID string) error
}

type gitOpsEngine struct {
	options
	registry   *graph.Registry
	records    cache.RecordCache
	tracker    *source.Tracker
	rollouts   *rollout.Controller
	reconciler *reconciler.Reconciler
	detector   *drift.Detector
	queue      workqueue.RateLimitingInterface

	// configLock serializes configuration reloads
	configLock sync.Mutex
	generation int64

	lock    sync.Mutex
	pending map[string]common.Trigger
}

// NewEngine creates new instances of the GitOps engine
func NewEngine(p platform.Interface, fetcher source.Fetcher, expander render.Expander, opts ...Option) Engine {
	o := applyOptions(opts)
	e := &gitOpsEngine{
		options:  o,
		registry: graph.NewRegistry(),
		queue:    workqueue.NewNamedRateLimitingQueue(workqueue.DefaultControllerRateLimiter(), "units"),
		pending:  map[string]common.Trigger{},
	}
	locks := unit.NewLocks()
	e.records = cache.NewRecordCache(cache.SetLogr(o.log), cache.SetPersister(o.store))

	trackerOpts := []source.TrackerOption{
		source.WithRevisionStore(o.store),
		source.WithCredentials(o.credentials),
		source.WithLogger(o.log),
	}
	if o.sourceTick > 0 {
		trackerOpts = append(trackerOpts, source.WithTick(o.sourceTick))
	}
	e.tracker = source.NewTracker(fetcher, trackerOpts...)

	evaluator := health.NewEvaluator(p, health.WithPollInterval(o.healthPollInterval), health.WithLogger(o.log))
	e.rollouts = rollout.NewController(rollout.NewReplicaRouter(p), o.provider,
		rollout.WithLogger(o.log),
		rollout.WithLocker(locks),
		rollout.WithHealthEvaluator(evaluator),
		rollout.WithOnUpdate(e.onRolloutUpdated),
		rollout.WithOnComplete(e.onRolloutCompleted),
	)
	e.reconciler = reconciler.NewReconciler(e.registry, e.tracker, render.NewAdapter(expander, render.WithNormalizer(o.normalizer), render.WithLogger(o.log)), p, e.records,
		reconciler.WithLogger(o.log),
		reconciler.WithTracer(o.tracer),
		reconciler.WithNormalizer(o.normalizer),
		reconciler.WithHealthEvaluator(evaluator),
		reconciler.WithRollouts(e.rollouts),
		reconciler.WithLocks(locks),
		reconciler.WithHistoryLimit(o.historyLimit),
		reconciler.WithWaveTimeout(o.waveTimeout),
		reconciler.WithOnRunUpdated(e.onRunUpdated),
		reconciler.WithOnStatusChanged(e.onStatusChanged),
		reconciler.WithOnRunFinished(e.onRunFinished),
	)
	e.detector = drift.NewDetector(e.registry, e.records, p, e.reconciler,
		drift.WithLogger(o.log),
		drift.WithNormalizer(o.normalizer),
		drift.WithLocks(locks),
		drift.WithRollouts(e.rollouts),
		drift.WithInterval(o.driftInterval),
		drift.WithOnHeal(func(unitID string) {
			e.enqueue(unitID, common.TriggerDrift)
		}),
	)
	return e
}

func (e *gitOpsEngine) Run(ctx context.Context) (StopFunc, error) {
	if err := e.restore(ctx); err != nil {
		return nil, err
	}
	ctx, cancel := context.WithCancel(ctx)
	var wg sync.WaitGroup
	spawn := func(fn func()) {
		wg.Add(1)
		go func() {
			defer wg.Done()
			fn()
		}()
	}
	spawn(func() { e.tracker.Run(ctx) })
	spawn(func() { e.detector.Run(ctx) })
	spawn(func() { e.routeRevisions(ctx) })
	for i := 0; i < e.workers; i++ {
		spawn(func() {
			for e.processNextItem(ctx) {
			}
		})
	}
	e.log.Info("Engine started", "workers", e.workers)
	return func() {
		cancel()
		e.queue.ShutDown()
		wg.Wait()
		e.reconciler.Wait()
		e.rollouts.Shutdown()
		e.log.Info("Engine stopped")
	}, nil
}

// restore loads the state persisted by a previous process
func (e *gitOpsEngine) restore(ctx context.Context) error {
	if err := e.records.Load(); err != nil {
		return fmt.Errorf("failed to load resource records: %w", err)
	}
	statuses, err := e.store.ListStatuses()
	if err != nil {
		return fmt.Errorf("failed to load unit statuses: %w", err)
	}
	declared, err := e.store.ListUnits()
	if err != nil {
		return fmt.Errorf("failed to load unit declarations: %w", err)
	}
	snapshot := e.registry.Load()
	// units removed from the configuration while the engine was down, with their last
	// declaration when one was kept
	orphans := map[string]*unit.Unit{}
	if snapshot.Generation > 0 {
		for _, u := range declared {
			if _, ok := snapshot.Unit(u.ID); !ok {
				orphans[u.ID] = u
			}
		}
	}
	restored := 0
	for _, status := range statuses {
		if _, ok := snapshot.Unit(status.UnitID); !ok && snapshot.Generation > 0 {
			if _, ok := orphans[status.UnitID]; !ok {
				orphans[status.UnitID] = nil
			}
			continue
		}
		restored++
		runs, err := e.store.ListRuns(status.UnitID, e.historyLimit)
		if err != nil {
			return fmt.Errorf("failed to load runs of unit %s: %w", status.UnitID, err)
		}
		e.reconciler.Restore(status, runs)
	}
	rollouts, err := e.store.ListRollouts()
	if err != nil {
		return fmt.Errorf("failed to load rollouts: %w", err)
	}
	for _, r := range rollouts {
		if _, ok := orphans[r.UnitID]; ok {
			continue
		}
		e.rollouts.Restore(r)
	}
	for id, u := range orphans {
		e.removeOrphan(ctx, id, u)
	}
	e.log.Info("State restored", "units", restored, "removed", len(orphans), "rollouts", len(rollouts), "records", e.records.GetInfo().RecordsCount)
	return nil
}

// removeOrphan deletes a unit removed from the configuration while the engine was down. Its
// resources are pruned when its last declaration prunes, otherwise they are left in place.
func (e *gitOpsEngine) removeOrphan(ctx context.Context, unitID string, u *unit.Unit) {
	if u == nil {
		u = &unit.Unit{ID: unitID}
	}
	if err := e.reconciler.Delete(ctx, u); err != nil {
		e.log.Error(err, "Failed to prune resources of removed unit", "unit", unitID)
	}
	if err := e.store.DeleteUnit(unitID); err != nil {
		e.log.Error(err, "Failed to delete state of removed unit", "unit", unitID)
	}
	metrics.ForgetUnit(unitID)
	e.log.Info("Removed unit deleted from the configuration while stopped", "unit", unitID, "pruned", u.SyncPolicy.Prune)
}

// routeRevisions turns new revisions into work for every unit of the source
func (e *gitOpsEngine) routeRevisions(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev := <-e.tracker.Events():
			for _, unitID := range e.registry.Load().UnitsOfSource(ev.Revision.SourceID) {
				if ev.Redundant && e.applied(unitID, ev.Revision) {
					continue
				}
				e.enqueue(unitID, common.TriggerRevision)
			}
		}
	}
}

// applied answers whether the unit already reached Ready on the revision before a restart
func (e *gitOpsEngine) applied(unitID string, rev source.Revision) bool {
	status, ok := e.reconciler.Status(unitID)
	return ok && status.State == common.RunStateReady && status.AppliedRevision != nil &&
		status.AppliedRevision.CommitHash == rev.CommitHash
}

var triggerPriority = map[common.Trigger]int{
	common.TriggerDependency: 1,
	common.TriggerRetry:      2,
	common.TriggerDrift:      3,
	common.TriggerRevision:   4,
	common.TriggerConfig:     5,
	common.TriggerResume:     6,
	common.TriggerManual:     7,
}

// enqueue adds the unit to the queue. Triggers of a unit waiting in the queue are merged, the
// strongest one wins.
func (e *gitOpsEngine) enqueue(unitID string, trigger common.Trigger) {
	e.mergeTrigger(unitID, trigger)
	e.queue.Add(unitID)
	metrics.QueueDepth.Set(float64(e.queue.Len()))
}

func (e *gitOpsEngine) mergeTrigger(unitID string, trigger common.Trigger) {
	e.lock.Lock()
	defer e.lock.Unlock()
	if current, ok := e.pending[unitID]; !ok || triggerPriority[trigger] > triggerPriority[current] {
		e.pending[unitID] = trigger
	}
}

// takeTrigger returns the trigger of a dequeued unit. Items without one were scheduled by a
// retry.
func (e *gitOpsEngine) takeTrigger(unitID string) common.Trigger {
	e.lock.Lock()
	defer e.lock.Unlock()
	trigger, ok := e.pending[unitID]
	if !ok {
		return common.TriggerRetry
	}
	delete(e.pending, unitID)
	return trigger
}

func (e *gitOpsEngine) processNextItem(ctx context.Context) bool {
	item, shutdown := e.queue.Get()
	if shutdown {
		return false
	}
	defer e.queue.Done(item)
	metrics.QueueDepth.Set(float64(e.queue.Len()))
	unitID := item.(string)
	trigger := e.takeTrigger(unitID)

	res, err := e.reconciler.Reconcile(ctx, unitID, trigger)
	if err != nil {
		if ctx.Err() == nil {
			e.log.Error(err, "Reconciliation interrupted, requeueing", "unit", unitID)
			e.enqueueRateLimited(unitID, trigger)
		}
		return true
	}
	e.queue.Forget(item)
	switch {
	case res.Busy:
		e.mergeTrigger(unitID, trigger)
		e.queue.AddAfter(unitID, busyRequeueDelay)
	case res.RequeueAfter > 0:
		e.queue.AddAfter(unitID, res.RequeueAfter)
	}
	return true
}

// onRunFinished schedules the retry of a parked run that failed
func (e *gitOpsEngine) onRunFinished(unitID string, res reconciler.Result) {
	if res.RequeueAfter > 0 {
		e.queue.AddAfter(unitID, res.RequeueAfter)
	}
}

func (e *gitOpsEngine) enqueueRateLimited(unitID string, trigger common.Trigger) {
	e.lock.Lock()
	if _, ok := e.pending[unitID]; !ok {
		e.pending[unitID] = trigger
	}
	e.lock.Unlock()
	e.queue.AddRateLimited(unitID)
}

func (e *gitOpsEngine) onStatusChanged(status *reconciler.UnitStatus) {
	if err := e.store.SaveStatus(status); err != nil {
		e.log.Error(err, "Failed to persist unit status", "unit", status.UnitID)
	}
	metrics.SetUnitState(status.UnitID, string(status.State))
	if status.State != common.RunStateReady {
		return
	}
	snapshot := e.registry.Load()
	if !snapshot.DAG.Has(status.UnitID) {
		return
	}
	for _, dependent := range snapshot.DAG.Dependents(status.UnitID) {
		e.enqueue(dependent, common.TriggerDependency)
	}
}

func (e *gitOpsEngine) onRunUpdated(run *reconciler.Run) {
	if err := e.store.SaveRun(run); err != nil {
		e.log.Error(err, "Failed to persist run", "unit", run.UnitID, "run", run.ID)
	}
	if run.FinishedAt == nil {
		return
	}
	reason := ""
	if run.Error != nil {
		reason = string(run.Error.Reason)
	}
	metrics.RunsTotal.WithLabelValues(run.UnitID, string(run.State), reason).Inc()
	metrics.RunDuration.WithLabelValues(run.UnitID).Observe(run.FinishedAt.Sub(run.StartedAt).Seconds())
}

func (e *gitOpsEngine) onRolloutUpdated(r *rollout.Rollout) {
	if err := e.store.SaveRollout(r); err != nil {
		e.log.Error(err, "Failed to persist rollout", "unit", r.UnitID, "rollout", r.ID)
	}
	metrics.RolloutWeight.WithLabelValues(r.UnitID).Set(float64(r.CurrentWeight))
}

// onRolloutCompleted gives up the candidate copy and makes a promoted candidate the applied
// state of the workload
func (e *gitOpsEngine) onRolloutCompleted(r *rollout.Rollout, promoted *unstructured.Unstructured) {
	metrics.RolloutsTotal.WithLabelValues(r.UnitID, string(r.Outcome)).Inc()
	e.records.Release(r.UnitID, rollout.CopyKey(r))
	if promoted == nil {
		return
	}
	if err := e.records.Record(r.UnitID, r.CandidateRevision.CommitHash, promoted, r.CandidateHash); err != nil {
		e.log.Error(err, "Failed to record promoted workload", "unit", r.UnitID, "rollout", r.ID)
	}
}

// SetConfig swaps the snapshot of sources and units, deletes the units that are no longer
// declared and replans the ones whose declaration changed.
func (e *gitOpsEngine) SetConfig(ctx context.Context, sources []*source.Source, units []*unit.Unit) error {
	e.configLock.Lock()
	defer e.configLock.Unlock()

	for _, u := range units {
		if err := u.Validate(); err != nil {
			return err
		}
	}
	snapshot, err := graph.NewSnapshot(sources, units, e.generation+1)
	if err != nil {
		return fmt.Errorf("configuration rejected: %w", err)
	}
	e.generation++
	previous := e.registry.Load()
	e.registry.Store(snapshot)

	var errs []error
	for _, u := range units {
		if prev, ok := previous.Units[u.ID]; ok && prev.Fingerprint() == u.Fingerprint() {
			continue
		}
		if err := e.store.SaveUnit(u); err != nil {
			errs = append(errs, fmt.Errorf("saving declaration of unit %s: %w", u.ID, err))
		}
	}

	tracked := make([]source.Source, 0, len(sources))
	for _, src := range sources {
		tracked = append(tracked, *src)
	}
	e.tracker.SetSources(tracked)

	for id, u := range previous.Units {
		if _, ok := snapshot.Units[id]; ok {
			continue
		}
		if err := e.reconciler.Delete(ctx, u); err != nil {
			errs = append(errs, fmt.Errorf("deleting unit %s: %w", id, err))
		}
		if err := e.store.DeleteUnit(id); err != nil {
			errs = append(errs, fmt.Errorf("deleting state of unit %s: %w", id, err))
		}
		metrics.ForgetUnit(id)
	}
	for _, id := range snapshot.DAG.TopologicalOrder() {
		u := snapshot.Units[id]
		if prev, ok := previous.Units[id]; ok && prev.Fingerprint() == u.Fingerprint() {
			continue
		}
		// units of sources not fetched yet are planned on their first revision
		if _, _, ok := e.tracker.Content(u.SourceRef); ok {
			e.enqueue(id, common.TriggerConfig)
		}
	}
	e.log.Info("Configuration loaded", "generation", snapshot.Generation, "sources", len(sources), "units", len(units))
	return errors.Join(errs...)
}

func (e *gitOpsEngine) ListUnits() []*reconciler.UnitStatus {
	snapshot := e.registry.Load()
	res := make([]*reconciler.UnitStatus, 0, len(snapshot.Units))
	for _, id := range snapshot.DAG.TopologicalOrder() {
		if status, ok := e.reconciler.Status(id); ok {
			res = append(res, status)
		}
	}
	return res
}

func (e *gitOpsEngine) UnitStatus(unitID string) (*reconciler.UnitStatus, error) {
	status, ok := e.reconciler.Status(unitID)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownUnit, unitID)
	}
	return status, nil
}

func (e *gitOpsEngine) Runs(unitID string, limit int) ([]*reconciler.Run, error) {
	if _, ok := e.registry.Load().Unit(unitID); !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownUnit, unitID)
	}
	runs := e.reconciler.Runs(unitID)
	if limit > 0 && len(runs) > limit {
		runs = runs[:limit]
	}
	return runs, nil
}

func (e *gitOpsEngine) Rollout(unitID string) (*rollout.Rollout, error) {
	if _, ok := e.registry.Load().Unit(unitID); !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownUnit, unitID)
	}
	r, ok := e.rollouts.Get(unitID)
	if !ok {
		return nil, rollout.ErrNoActiveRollout
	}
	return r, nil
}

func (e *gitOpsEngine) Sources() []source.Status {
	snapshot := e.registry.Load()
	res := make([]source.Status, 0, len(snapshot.Sources))
	for id := range snapshot.Sources {
		if status, ok := e.tracker.Status(id); ok {
			res = append(res, status)
		}
	}
	sort.Slice(res, func(i, j int) bool {
		return res[i].Source.ID < res[j].Source.ID
	})
	return res
}

func (e *gitOpsEngine) Suspend(unitID string) error {
	return e.reconciler.Suspend(unitID)
}

func (e *gitOpsEngine) Resume(unitID string) error {
	if err := e.reconciler.Resume(unitID); err != nil {
		return err
	}
	e.enqueue(unitID, common.TriggerResume)
	return nil
}

// ReconcileNow plans the unit at once. A candidate rejected by a previous rollout may be
// rolled out again.
func (e *gitOpsEngine) ReconcileNow(unitID string) error {
	if _, ok := e.registry.Load().Unit(unitID); !ok {
		return fmt.Errorf("%w: %s", ErrUnknownUnit, unitID)
	}
	e.rollouts.ClearRejection(unitID)
	e.enqueue(unitID, common.TriggerManual)
	return nil
}

func (e *gitOpsEngine) Promote(unitID string) error {
	return e.rollouts.Promote(unitID)
}

func (e *gitOpsEngine) Abort(unitID string) error {
	return e.rollouts.Abort(unitID)
}

func (e *gitOpsEngine) ResumeRollout(unitID string) error {
	return e.rollouts.Resume(unitID)
}

// unavailableProvider fails every query. Analysis steps of rollouts then count errors.
type unavailableProvider struct{}

func (unavailableProvider) Query(context.Context, string, time.Duration) (float64, error) {
	return 0, errors.New("no metrics provider configured")
}
