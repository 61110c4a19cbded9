package reconciler

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/go-logr/logr"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"k8s.io/apimachinery/pkg/apis/meta/v1/unstructured"

	"github.com/namix-io/sync-engine/pkg/cache"
	"github.com/namix-io/sync-engine/pkg/graph"
	"github.com/namix-io/sync-engine/pkg/health"
	"github.com/namix-io/sync-engine/pkg/platform"
	"github.com/namix-io/sync-engine/pkg/platform/memory"
	"github.com/namix-io/sync-engine/pkg/render"
	"github.com/namix-io/sync-engine/pkg/rollout"
	"github.com/namix-io/sync-engine/pkg/source"
	"github.com/namix-io/sync-engine/pkg/sync/common"
	"github.com/namix-io/sync-engine/pkg/unit"
	"github.com/namix-io/sync-engine/pkg/utils/kube"
	testingutils "github.com/namix-io/sync-engine/pkg/utils/testing"
	"github.com/namix-io/sync-engine/pkg/utils/tracing"
)

const repo = "repo"

// fakeExpander serves manifests keyed by "<content dir>/<path>"
type fakeExpander struct {
	lock      sync.Mutex
	manifests map[string][]*unstructured.Unstructured
}

func (e *fakeExpander) Expand(_ context.Context, dir, path string, _ map[string]string) ([]*unstructured.Unstructured, error) {
	e.lock.Lock()
	defer e.lock.Unlock()
	objs, ok := e.manifests[dir+"/"+path]
	if !ok {
		return nil, fmt.Errorf("path %q not found", path)
	}
	res := make([]*unstructured.Unstructured, 0, len(objs))
	for _, obj := range objs {
		res = append(res, obj.DeepCopy())
	}
	return res, nil
}

type fakeContents struct {
	lock      sync.Mutex
	revisions map[string]source.Revision
}

func (c *fakeContents) Content(sourceID string) (source.Revision, string, bool) {
	c.lock.Lock()
	defer c.lock.Unlock()
	rev, ok := c.revisions[sourceID]
	return rev, rev.CommitHash, ok
}

type fixture struct {
	platform   *memory.Platform
	registry   *graph.Registry
	expander   *fakeExpander
	contents   *fakeContents
	records    cache.RecordCache
	reconciler *Reconciler

	lock     sync.Mutex
	finished map[string][]Result
}

func newFixture(t *testing.T, opts ...Option) *fixture {
	f := &fixture{
		platform: memory.NewPlatform(),
		registry: graph.NewRegistry(),
		expander: &fakeExpander{manifests: map[string][]*unstructured.Unstructured{}},
		contents: &fakeContents{revisions: map[string]source.Revision{}},
		records:  cache.NewRecordCache(cache.SetLogr(logr.Discard())),
		finished: map[string][]Result{},
	}
	adapter := render.NewAdapter(f.expander, render.WithLogger(logr.Discard()))
	f.reconciler = NewReconciler(f.registry, f.contents, adapter, f.platform, f.records,
		append([]Option{WithLogger(logr.Discard()), WithOnRunFinished(f.onRunFinished)}, opts...)...)
	return f
}

func (f *fixture) onRunFinished(unitID string, res Result) {
	f.lock.Lock()
	defer f.lock.Unlock()
	f.finished[unitID] = append(f.finished[unitID], res)
}

func (f *fixture) lastFinished(t *testing.T, unitID string) Result {
	f.lock.Lock()
	defer f.lock.Unlock()
	results := f.finished[unitID]
	require.NotEmpty(t, results, "no parked run of %s finished", unitID)
	return results[len(results)-1]
}

// waitParked waits for the parked runs, failing the test when they outlive timeout
func (f *fixture) waitParked(t *testing.T, timeout time.Duration) {
	done := make(chan struct{})
	go func() {
		f.reconciler.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(timeout):
		t.Fatal("parked runs did not finish")
	}
}

func (f *fixture) setUnits(t *testing.T, units ...*unit.Unit) {
	snapshot, err := graph.NewSnapshot([]*source.Source{{ID: repo}}, units, f.registry.Load().Generation+1)
	require.NoError(t, err)
	f.registry.Store(snapshot)
}

// publish makes the manifests the content of a new revision of the repository
func (f *fixture) publish(commit string, path string, objs ...*unstructured.Unstructured) {
	f.expander.lock.Lock()
	f.expander.manifests[commit+"/"+path] = objs
	f.expander.lock.Unlock()
	f.contents.lock.Lock()
	f.contents.revisions[repo] = source.Revision{SourceID: repo, CommitHash: commit, FetchedAt: time.Now()}
	f.contents.lock.Unlock()
}

func (f *fixture) reconcile(t *testing.T, unitID string, trigger common.Trigger) Result {
	res, err := f.reconciler.Reconcile(context.Background(), unitID, trigger)
	require.NoError(t, err)
	require.False(t, res.Busy)
	if res.Parked {
		f.waitParked(t, 10*time.Second)
		return f.lastFinished(t, unitID)
	}
	return res
}

func (f *fixture) status(t *testing.T, unitID string) *UnitStatus {
	status, ok := f.reconciler.Status(unitID)
	require.True(t, ok)
	return status
}

func newUnit(id string, mods ...func(u *unit.Unit)) *unit.Unit {
	u := &unit.Unit{ID: id, SourceRef: repo, Path: id, SyncPolicy: unit.SyncPolicy{Automated: true}}
	for _, mod := range mods {
		mod(u)
	}
	return u
}


func withSelfHeal(u *unit.Unit) {
	u.SyncPolicy.SelfHeal = true
}

func waveOne(obj *unstructured.Unstructured) *unstructured.Unstructured {
	return testingutils.Annotate(obj, common.AnnotationSyncWave, "1")
}

func TestReconcile_AppliesAndBecomesReady(t *testing.T) {
	f := newFixture(t)
	f.setUnits(t, newUnit("a"))
	f.publish("c1", "a", testingutils.NewConfigMap(), testingutils.NewService(), waveOne(testingutils.NewPod()))

	res := f.reconcile(t, "a", common.TriggerRevision)
	assert.Zero(t, res.RequeueAfter)

	status := f.status(t, "a")
	assert.Equal(t, common.RunStateReady, status.State)
	require.NotNil(t, status.AppliedRevision)
	assert.Equal(t, "c1", status.AppliedRevision.CommitHash)
	assert.Nil(t, status.Error)

	runs := f.reconciler.Runs("a")
	require.Len(t, runs, 1)
	assert.Equal(t, common.RunStateReady, runs[0].State)
	assert.Equal(t, 1, runs[0].Attempt)
	require.Len(t, runs[0].Resources, 3)
	for _, r := range runs[0].Resources {
		assert.Equal(t, common.ResultCodeSynced, r.Status, r.ResourceKey.String())
	}

	assert.Len(t, f.platform.Keys(), 3)
	live, err := f.platform.Get(context.Background(), kube.GetResourceKey(testingutils.NewConfigMap()))
	require.NoError(t, err)
	assert.Equal(t, "a", live.GetLabels()[common.LabelOwnerUnit])
	assert.Len(t, f.records.FindByOwner("a"), 3)
}

func TestReconcile_WaveOneWaitsForWaveZero(t *testing.T) {
	f := newFixture(t)
	f.setUnits(t, newUnit("a"))
	f.publish("c1", "a", testingutils.NewConfigMap(), testingutils.NewService(), waveOne(testingutils.NewPod()))

	f.reconcile(t, "a", common.TriggerRevision)

	podKey := kube.GetResourceKey(testingutils.NewPod())
	var podIndex int
	var waveZero []int
	for i, a := range f.platform.Actions() {
		if a.Verb != memory.VerbApply {
			continue
		}
		if a.Key == podKey {
			podIndex = i
		} else {
			waveZero = append(waveZero, i)
		}
	}
	require.Len(t, waveZero, 2)
	for _, i := range waveZero {
		assert.Less(t, i, podIndex)
	}
}

func TestReconcile_WaveOneNotAttemptedWhenWaveZeroFails(t *testing.T) {
	f := newFixture(t)
	f.setUnits(t, newUnit("a"))
	f.publish("c1", "a", testingutils.NewConfigMap(), testingutils.NewService(), waveOne(testingutils.NewPod()))
	f.platform.PrependReactor(memory.VerbApply, func(action memory.Action, _ *unstructured.Unstructured) (bool, *unstructured.Unstructured, error) {
		if action.Key.Kind == "Service" {
			return true, nil, &platform.RejectedError{Key: action.Key, Message: "spec.ports: invalid"}
		}
		return false, nil, nil
	})

	res := f.reconcile(t, "a", common.TriggerRevision)
	assert.Zero(t, res.RequeueAfter)

	for _, a := range f.platform.Actions() {
		assert.NotEqual(t, "Pod", a.Key.Kind)
	}
	status := f.status(t, "a")
	assert.Equal(t, common.RunStateFailed, status.State)
	require.NotNil(t, status.Error)
	assert.Equal(t, common.ReasonApplyRejected, status.Error.Reason)
	pod := testingutils.GetResourceResult(f.reconciler.Runs("a")[0].Resources, kube.GetResourceKey(testingutils.NewPod()))
	require.NotNil(t, pod)
	assert.Equal(t, common.ResultCodeDeferred, pod.Status)
}

func TestReconcile_Idempotent(t *testing.T) {
	f := newFixture(t)
	f.setUnits(t, newUnit("a"))
	f.publish("c1", "a", testingutils.NewConfigMap(), testingutils.NewPod())
	f.reconcile(t, "a", common.TriggerRevision)
	f.platform.ClearActions()

	f.reconcile(t, "a", common.TriggerManual)

	assert.Equal(t, 0, f.platform.Mutations())
	assert.Empty(t, f.platform.Actions())
	runs := f.reconciler.Runs("a")
	require.Len(t, runs, 2)
	assert.Equal(t, common.RunStateReady, runs[0].State)
	assert.Equal(t, 2, runs[0].Attempt)
	for _, r := range runs[0].Resources {
		assert.Equal(t, common.ResultCodeUnchanged, r.Status)
	}
}

func TestReconcile_IdempotentWithSelfHeal(t *testing.T) {
	f := newFixture(t)
	f.setUnits(t, newUnit("a", withSelfHeal))
	f.publish("c1", "a", testingutils.NewConfigMap(), testingutils.NewDeployment())
	f.reconcile(t, "a", common.TriggerRevision)
	f.platform.ClearActions()

	f.reconcile(t, "a", common.TriggerManual)

	assert.Equal(t, 0, f.platform.Mutations())
	assert.Equal(t, common.RunStateReady, f.status(t, "a").State)
}

func TestReconcile_SecondClaimantGetsConflict(t *testing.T) {
	f := newFixture(t)
	f.setUnits(t, newUnit("a"), newUnit("b"))
	f.publish("c1", "a", testingutils.NewConfigMap())
	f.expander.manifests["c1/b"] = []*unstructured.Unstructured{testingutils.NewConfigMap(), testingutils.NewPod()}

	f.reconcile(t, "a", common.TriggerRevision)
	f.reconcile(t, "b", common.TriggerRevision)

	status := f.status(t, "b")
	assert.Equal(t, common.RunStateFailed, status.State)
	require.NotNil(t, status.Error)
	assert.Equal(t, common.ReasonApplyConflict, status.Error.Reason)

	rec, ok := f.records.Get(kube.GetResourceKey(testingutils.NewConfigMap()))
	require.True(t, ok)
	assert.Equal(t, "a", rec.OwnerUnitID)
	assert.Empty(t, f.records.FindByOwner("b"))
	_, err := f.platform.Get(context.Background(), kube.GetResourceKey(testingutils.NewPod()))
	assert.True(t, platform.IsNotFound(err))
}

func TestReconcile_DependentStaysPendingWhileDependencyFailed(t *testing.T) {
	f := newFixture(t)
	f.setUnits(t, newUnit("a"), newUnit("b", func(u *unit.Unit) { u.DependsOn = []string{"a"} }))
	f.publish("c1", "b", testingutils.NewPod())

	f.reconcile(t, "a", common.TriggerRevision)
	require.Equal(t, common.RunStateFailed, f.status(t, "a").State)
	assert.Equal(t, common.ReasonRenderError, f.status(t, "a").Error.Reason)

	for _, trigger := range []common.Trigger{common.TriggerRevision, common.TriggerManual, common.TriggerDependency} {
		f.reconcile(t, "b", trigger)
		status := f.status(t, "b")
		assert.Equal(t, common.RunStatePending, status.State)
		require.NotNil(t, status.Error)
		assert.Equal(t, common.ReasonDependencyUnready, status.Error.Reason)
	}
	assert.Empty(t, f.reconciler.Runs("b"))
	assert.Empty(t, f.platform.Actions())

	f.publish("c1", "a", testingutils.NewConfigMap())
	f.expander.manifests["c1/b"] = []*unstructured.Unstructured{testingutils.NewPod()}
	f.reconcile(t, "a", common.TriggerManual)
	require.Equal(t, common.RunStateReady, f.status(t, "a").State)
	f.reconcile(t, "b", common.TriggerDependency)
	assert.Equal(t, common.RunStateReady, f.status(t, "b").State)
}

func TestReconcile_TransientFailureIsRetried(t *testing.T) {
	f := newFixture(t)
	f.setUnits(t, newUnit("a", func(u *unit.Unit) {
		u.RetryPolicy = unit.RetryPolicy{Limit: 2, Backoff: unit.Backoff{Duration: time.Millisecond}}
	}))
	f.publish("c1", "a", testingutils.NewConfigMap())
	f.platform.PrependReactor(memory.VerbApply, func(memory.Action, *unstructured.Unstructured) (bool, *unstructured.Unstructured, error) {
		return true, nil, errors.New("connection reset by peer")
	})

	res := f.reconcile(t, "a", common.TriggerRevision)
	assert.Equal(t, time.Millisecond, res.RequeueAfter)
	status := f.status(t, "a")
	assert.Equal(t, common.RunStateFailed, status.State)
	assert.Equal(t, common.ReasonApplyFailed, status.Error.Reason)
	assert.Equal(t, 1, status.Retries)
	assert.NotNil(t, status.NextRetryAt)

	res = f.reconcile(t, "a", common.TriggerRetry)
	assert.Equal(t, 2*time.Millisecond, res.RequeueAfter)

	res = f.reconcile(t, "a", common.TriggerRetry)
	assert.Zero(t, res.RequeueAfter, "retry budget is exhausted")
	assert.Equal(t, 2, f.status(t, "a").Retries)

	runs := f.reconciler.Runs("a")
	require.Len(t, runs, 3)
	assert.Equal(t, 3, runs[0].Attempt)
	assert.Equal(t, common.TriggerRetry, runs[0].Trigger)
	// the first run and two retries, each trying the apply twice
	assert.Equal(t, 6, f.platform.Mutations())
}

func TestReconcile_RetryIsIgnoredOnceReady(t *testing.T) {
	f := newFixture(t)
	f.setUnits(t, newUnit("a"))
	f.publish("c1", "a", testingutils.NewConfigMap())
	f.reconcile(t, "a", common.TriggerRevision)

	f.reconcile(t, "a", common.TriggerRetry)
	assert.Len(t, f.reconciler.Runs("a"), 1)
}

func TestReconcile_SourceUnavailable(t *testing.T) {
	f := newFixture(t)
	f.setUnits(t, newUnit("a"))

	res := f.reconcile(t, "a", common.TriggerConfig)

	assert.Greater(t, res.RequeueAfter, time.Duration(0))
	status := f.status(t, "a")
	assert.Equal(t, common.RunStateFailed, status.State)
	assert.Equal(t, common.ReasonSourceUnavailable, status.Error.Reason)
}

func TestReconcile_AttemptIncreasesPerRevision(t *testing.T) {
	f := newFixture(t)
	f.setUnits(t, newUnit("a"))
	f.publish("c1", "a", testingutils.NewConfigMap())
	for i := 0; i < 3; i++ {
		f.reconcile(t, "a", common.TriggerManual)
	}
	f.publish("c2", "a", testingutils.NewConfigMap())
	f.reconcile(t, "a", common.TriggerRevision)

	var attempts []int
	for _, run := range f.reconciler.Runs("a") {
		attempts = append(attempts, run.Attempt)
	}
	assert.Equal(t, []int{1, 3, 2, 1}, attempts)
}

func TestReconcile_HistoryIsBounded(t *testing.T) {
	f := newFixture(t, WithHistoryLimit(3))
	f.setUnits(t, newUnit("a"))
	f.publish("c1", "a", testingutils.NewConfigMap())
	for i := 0; i < 5; i++ {
		f.reconcile(t, "a", common.TriggerManual)
	}

	runs := f.reconciler.Runs("a")
	require.Len(t, runs, 3)
	assert.Equal(t, 5, runs[0].Attempt)
	assert.Equal(t, 3, runs[2].Attempt)
}

func TestReconcile_Prune(t *testing.T) {
	podKey := kube.GetResourceKey(testingutils.NewPod())
	for _, prune := range []bool{true, false} {
		t.Run(fmt.Sprintf("prune=%v", prune), func(t *testing.T) {
			f := newFixture(t)
			f.setUnits(t, newUnit("a", func(u *unit.Unit) { u.SyncPolicy.Prune = prune }))
			f.publish("c1", "a", testingutils.NewConfigMap(), testingutils.NewPod())
			f.reconcile(t, "a", common.TriggerRevision)

			f.publish("c2", "a", testingutils.NewConfigMap())
			f.reconcile(t, "a", common.TriggerRevision)

			assert.Equal(t, common.RunStateReady, f.status(t, "a").State)
			_, err := f.platform.Get(context.Background(), podKey)
			_, owned := f.records.Get(podKey)
			result := testingutils.GetResourceResult(f.reconciler.Runs("a")[0].Resources, podKey)
			require.NotNil(t, result)
			if prune {
				assert.True(t, platform.IsNotFound(err))
				assert.False(t, owned)
				assert.Equal(t, common.ResultCodePruned, result.Status)
			} else {
				assert.NoError(t, err)
				assert.True(t, owned)
				assert.Equal(t, common.ResultCodePruneSkip, result.Status)
			}
		})
	}
}

func TestReconcile_SelfHealRevertsDrift(t *testing.T) {
	f := newFixture(t)
	f.setUnits(t, newUnit("a", withSelfHeal))
	f.publish("c1", "a", testingutils.NewConfigMap())
	f.reconcile(t, "a", common.TriggerRevision)

	key := kube.GetResourceKey(testingutils.NewConfigMap())
	live, err := f.platform.Get(context.Background(), key)
	require.NoError(t, err)
	require.NoError(t, unstructured.SetNestedField(live.Object, "changed", "data", "key"))
	f.platform.Set(live)

	f.reconcile(t, "a", common.TriggerDrift)

	live, err = f.platform.Get(context.Background(), key)
	require.NoError(t, err)
	val, _, _ := unstructured.NestedString(live.Object, "data", "key")
	assert.Equal(t, "value", val)
	runs := f.reconciler.Runs("a")
	assert.Equal(t, common.TriggerDrift, runs[0].Trigger)
	assert.Equal(t, common.ResultCodeSynced, runs[0].Resources[0].Status)
}

func TestReconcile_ManualOnlyWithoutAutomation(t *testing.T) {
	f := newFixture(t)
	f.setUnits(t, newUnit("a", func(u *unit.Unit) { u.SyncPolicy.Automated = false }))
	f.publish("c1", "a", testingutils.NewConfigMap())

	f.reconcile(t, "a", common.TriggerRevision)
	assert.Empty(t, f.reconciler.Runs("a"))

	f.reconcile(t, "a", common.TriggerManual)
	assert.Equal(t, common.RunStateReady, f.status(t, "a").State)
}

func TestReconcile_HealthTimeout(t *testing.T) {
	f := newFixture(t)
	f.setUnits(t, newUnit("a", func(u *unit.Unit) {
		u.Timeout = 50 * time.Millisecond
		u.HealthChecks = []health.CheckSpec{{Type: health.CheckTypeHealthy, Resource: kube.GetResourceKey(testingutils.NewDeployment())}}
	}))
	f.publish("c1", "a", testingutils.NewDeployment())

	res := f.reconcile(t, "a", common.TriggerRevision)

	assert.Greater(t, res.RequeueAfter, time.Duration(0))
	status := f.status(t, "a")
	assert.Equal(t, common.RunStateFailed, status.State)
	assert.Equal(t, common.ReasonHealthTimeout, status.Error.Reason)
	require.NotNil(t, status.Health)
	assert.False(t, status.Health.Satisfied)
}

func TestSuspend_CancelsHealthWait(t *testing.T) {
	f := newFixture(t)
	f.setUnits(t, newUnit("a", func(u *unit.Unit) {
		u.HealthChecks = []health.CheckSpec{{Type: health.CheckTypeHealthy, Resource: kube.GetResourceKey(testingutils.NewDeployment())}}
	}))
	f.publish("c1", "a", testingutils.NewDeployment())

	res, err := f.reconciler.Reconcile(context.Background(), "a", common.TriggerRevision)
	require.NoError(t, err)
	assert.True(t, res.Parked)
	require.Eventually(t, func() bool {
		return f.status(t, "a").State == common.RunStateHealthChecking
	}, 5*time.Second, 5*time.Millisecond)

	require.NoError(t, f.reconciler.Suspend("a"))
	f.waitParked(t, 5*time.Second)
	assert.Zero(t, f.lastFinished(t, "a").RequeueAfter)

	status := f.status(t, "a")
	assert.Equal(t, common.RunStateSuspended, status.State)
	assert.True(t, status.Suspended)
	runs := f.reconciler.Runs("a")
	assert.Equal(t, common.RunStateFailed, runs[0].State)
	assert.Equal(t, common.ReasonCancelled, runs[0].Error.Reason)
}

func TestReconcile_HealthWaitIsParked(t *testing.T) {
	f := newFixture(t)
	f.setUnits(t,
		newUnit("slow", func(u *unit.Unit) {
			u.Timeout = time.Minute
			u.HealthChecks = []health.CheckSpec{{Type: health.CheckTypeCondition, Resource: kube.GetResourceKey(testingutils.NewPod()), ConditionType: "Ready", ConditionStatus: "True"}}
		}),
		newUnit("fast"))
	f.publish("c1", "slow", testingutils.NewPod())
	f.publish("c1", "fast", testingutils.NewConfigMap())

	start := time.Now()
	res, err := f.reconciler.Reconcile(context.Background(), "slow", common.TriggerRevision)
	require.NoError(t, err)
	assert.True(t, res.Parked)
	assert.Less(t, time.Since(start), 5*time.Second)
	require.Eventually(t, func() bool {
		return f.status(t, "slow").State == common.RunStateHealthChecking
	}, 5*time.Second, 5*time.Millisecond)

	// the caller is free to reconcile unrelated units meanwhile
	res, err = f.reconciler.Reconcile(context.Background(), "fast", common.TriggerRevision)
	require.NoError(t, err)
	require.True(t, res.Parked)
	require.Eventually(t, func() bool {
		return f.status(t, "fast").State == common.RunStateReady
	}, 5*time.Second, 5*time.Millisecond)

	// the parked unit itself is busy until its run ends
	res, err = f.reconciler.Reconcile(context.Background(), "slow", common.TriggerManual)
	require.NoError(t, err)
	assert.True(t, res.Busy)
	assert.Len(t, f.reconciler.Runs("slow"), 1)

	require.NoError(t, f.reconciler.Suspend("slow"))
	f.waitParked(t, 5*time.Second)
}

func TestReconcile_FailedRunReleasesUnappliedClaims(t *testing.T) {
	f := newFixture(t)
	f.setUnits(t, newUnit("a"), newUnit("b"))
	f.publish("c1", "a", testingutils.NewConfigMap(), waveOne(testingutils.NewPod()))
	f.platform.PrependReactor(memory.VerbApply, func(action memory.Action, _ *unstructured.Unstructured) (bool, *unstructured.Unstructured, error) {
		if action.Key.Kind == "ConfigMap" {
			return true, nil, &platform.RejectedError{Key: action.Key, Message: "data: invalid"}
		}
		return false, nil, nil
	})

	f.reconcile(t, "a", common.TriggerRevision)
	assert.Equal(t, common.RunStateFailed, f.status(t, "a").State)
	assert.Empty(t, f.records.FindByOwner("a"))

	f.publish("c2", "b", testingutils.NewPod())
	f.reconcile(t, "b", common.TriggerRevision)
	assert.Equal(t, common.RunStateReady, f.status(t, "b").State)
	assert.Len(t, f.records.FindByOwner("b"), 1)
}

func TestSuspendResume(t *testing.T) {
	f := newFixture(t)
	f.setUnits(t, newUnit("a"))
	f.publish("c1", "a", testingutils.NewConfigMap())

	require.NoError(t, f.reconciler.Suspend("a"))
	f.reconcile(t, "a", common.TriggerRevision)
	assert.Empty(t, f.platform.Actions())
	assert.Equal(t, common.RunStateSuspended, f.status(t, "a").State)

	require.NoError(t, f.reconciler.Resume("a"))
	assert.Equal(t, common.RunStatePending, f.status(t, "a").State)
	f.reconcile(t, "a", common.TriggerResume)
	assert.Equal(t, common.RunStateReady, f.status(t, "a").State)

	assert.ErrorIs(t, f.reconciler.Suspend("missing"), ErrUnknownUnit)
}

func TestDelete(t *testing.T) {
	for _, prune := range []bool{true, false} {
		t.Run(fmt.Sprintf("prune=%v", prune), func(t *testing.T) {
			f := newFixture(t)
			u := newUnit("a", func(u *unit.Unit) { u.SyncPolicy.Prune = prune })
			f.setUnits(t, u)
			f.publish("c1", "a", testingutils.NewConfigMap(), testingutils.NewPod())
			f.reconcile(t, "a", common.TriggerRevision)

			f.setUnits(t)
			require.NoError(t, f.reconciler.Delete(context.Background(), u))

			assert.Empty(t, f.records.FindByOwner("a"))
			_, ok := f.reconciler.Status("a")
			assert.False(t, ok)
			if prune {
				assert.Empty(t, f.platform.Keys())
			} else {
				assert.Len(t, f.platform.Keys(), 2)
			}
		})
	}
}

func TestRestore(t *testing.T) {
	f := newFixture(t)
	f.setUnits(t, newUnit("a"))
	rev := source.Revision{SourceID: repo, CommitHash: "c1"}
	f.reconciler.Restore(&UnitStatus{UnitID: "a", State: common.RunStateApplying, Revision: &rev}, []*Run{
		{ID: "2", UnitID: "a", Revision: rev, Attempt: 2, State: common.RunStateApplying},
		{ID: "1", UnitID: "a", Revision: rev, Attempt: 1, State: common.RunStateFailed},
	})
	assert.Equal(t, common.RunStatePending, f.status(t, "a").State)

	f.publish("c1", "a", testingutils.NewConfigMap())
	f.reconcile(t, "a", common.TriggerManual)
	runs := f.reconciler.Runs("a")
	require.Len(t, runs, 3)
	assert.Equal(t, 3, runs[0].Attempt)
}

type fakeRollouts struct {
	lock    sync.Mutex
	started []rollout.StartRequest
	active  map[string]*rollout.Rollout
	aborted []string
}

func (r *fakeRollouts) Start(_ context.Context, req rollout.StartRequest) (*rollout.Rollout, error) {
	r.lock.Lock()
	defer r.lock.Unlock()
	r.started = append(r.started, req)
	ro := &rollout.Rollout{ID: fmt.Sprintf("rollout-%d", len(r.started)), UnitID: req.UnitID, CandidateHash: req.CandidateHash}
	r.active[req.UnitID] = ro
	return ro, nil
}

func (r *fakeRollouts) Get(unitID string) (*rollout.Rollout, bool) {
	r.lock.Lock()
	defer r.lock.Unlock()
	ro, ok := r.active[unitID]
	return ro, ok
}

func (r *fakeRollouts) Active(unitID string) bool {
	_, ok := r.Get(unitID)
	return ok
}

func (r *fakeRollouts) Abort(unitID string) error {
	r.lock.Lock()
	defer r.lock.Unlock()
	r.aborted = append(r.aborted, unitID)
	delete(r.active, unitID)
	return nil
}

func (r *fakeRollouts) Forget(unitID string) {}

func TestReconcile_WorkloadChangeIsHandedToRollout(t *testing.T) {
	rollouts := &fakeRollouts{active: map[string]*rollout.Rollout{}}
	f := newFixture(t, WithRollouts(rollouts))
	deployKey := kube.GetResourceKey(testingutils.NewDeployment())
	f.setUnits(t, newUnit("a", func(u *unit.Unit) {
		u.Rollout = &rollout.Spec{Strategy: rollout.StrategyCanary, Workload: deployKey, Steps: []rollout.Step{{Weight: 50}, {Weight: 100}}}
	}))
	f.publish("c1", "a", testingutils.NewConfigMap(), testingutils.NewDeployment())
	f.reconcile(t, "a", common.TriggerRevision)
	require.Empty(t, rollouts.started, "first apply goes through the normal path")

	containers, _, _ := unstructured.NestedSlice(testingutils.NewDeployment().Object, "spec", "template", "spec", "containers")
	containers[0].(map[string]interface{})["image"] = "nginx:1.25"
	candidate := testingutils.NewDeployment()
	require.NoError(t, unstructured.SetNestedSlice(candidate.Object, containers, "spec", "template", "spec", "containers"))
	f.publish("c2", "a", testingutils.NewConfigMap(), candidate)
	f.platform.ClearActions()

	f.reconcile(t, "a", common.TriggerRevision)

	assert.Equal(t, common.RunStateReady, f.status(t, "a").State)
	assert.Equal(t, 0, f.platform.Mutations(), "the stable workload is left to the rollout")
	require.Len(t, rollouts.started, 1)
	req := rollouts.started[0]
	assert.Equal(t, "c1", req.StableRevision.CommitHash)
	assert.Equal(t, "c2", req.CandidateRevision.CommitHash)
	assert.NotEqual(t, req.StableHash, req.CandidateHash)
	result := testingutils.GetResourceResult(f.reconciler.Runs("a")[0].Resources, deployKey)
	require.NotNil(t, result)
	assert.Equal(t, common.ResultCodeDeferred, result.Status)
	assert.Contains(t, result.Message, "rollout-1")

	f.reconcile(t, "a", common.TriggerRevision)
	assert.Len(t, rollouts.started, 1, "an active rollout of the same candidate is not restarted")

	f.publish("c3", "a", testingutils.NewConfigMap(), testingutils.NewDeployment())
	f.reconcile(t, "a", common.TriggerRevision)
	assert.Equal(t, []string{"a"}, rollouts.aborted)
}

type recordingTracer struct {
	lock  sync.Mutex
	spans []string
}

type recordingSpan struct {
	tracer *recordingTracer
	name   string
	err    error
}

func (t *recordingTracer) StartSpan(ctx context.Context, operationName string) (context.Context, tracing.Span) {
	return ctx, &recordingSpan{tracer: t, name: operationName}
}

func (s *recordingSpan) SetBaggageItem(string, any) {}
func (s *recordingSpan) SetError(err error)         { s.err = err }
func (s *recordingSpan) TraceID() string            { return "trace-" + s.name }

func (s *recordingSpan) Finish() {
	s.tracer.lock.Lock()
	defer s.tracer.lock.Unlock()
	name := s.name
	if s.err != nil {
		name += " failed"
	}
	s.tracer.spans = append(s.tracer.spans, name)
}

func TestReconcile_RunCarriesTraceID(t *testing.T) {
	tracer := &recordingTracer{}
	f := newFixture(t, WithTracer(tracer))
	f.setUnits(t, newUnit("a"))
	f.publish("c1", "a", testingutils.NewConfigMap(), waveOne(testingutils.NewPod()))

	f.reconcile(t, "a", common.TriggerRevision)

	runs := f.reconciler.Runs("a")
	require.Len(t, runs, 1)
	assert.Equal(t, "trace-reconcile", runs[0].TraceID)
	assert.Equal(t, []string{"syncWave", "syncWave", "reconcile"}, tracer.spans)
}

func TestReconcile_RolloutCopyIsClaimed(t *testing.T) {
	rollouts := &fakeRollouts{active: map[string]*rollout.Rollout{}}
	f := newFixture(t, WithRollouts(rollouts))
	deployKey := kube.GetResourceKey(testingutils.NewDeployment())
	spec := &rollout.Spec{Strategy: rollout.StrategyCanary, Workload: deployKey, Steps: []rollout.Step{{Weight: 50}, {Weight: 100}}}
	copyKey := spec.CopyKey()
	f.setUnits(t,
		newUnit("a", func(u *unit.Unit) {
			u.Rollout = spec
			u.SyncPolicy.Prune = true
		}),
		newUnit("b"))
	f.publish("c1", "a", testingutils.NewDeployment())
	f.reconcile(t, "a", common.TriggerRevision)

	candidate := testingutils.NewDeployment()
	require.NoError(t, unstructured.SetNestedField(candidate.Object, int64(5), "spec", "replicas"))
	f.publish("c2", "a", candidate)
	f.reconcile(t, "a", common.TriggerRevision)
	require.Len(t, rollouts.started, 1)

	rec, ok := f.records.Get(copyKey)
	require.True(t, ok)
	assert.Equal(t, "a", rec.OwnerUnitID)

	// another unit declaring a resource of the same name
	clash := testingutils.NewDeployment()
	clash.SetName(copyKey.Name)
	f.publish("c3", "a", candidate)
	f.publish("c3", "b", clash)
	f.reconcile(t, "b", common.TriggerRevision)
	status := f.status(t, "b")
	assert.Equal(t, common.RunStateFailed, status.State)
	assert.Equal(t, common.ReasonApplyConflict, status.Error.Reason)

	// later runs of the owner leave the copy alone
	f.platform.ClearActions()
	f.reconcile(t, "a", common.TriggerManual)
	for _, action := range f.platform.Actions() {
		assert.NotEqual(t, memory.VerbDelete, action.Verb)
	}
	_, ok = f.records.Get(copyKey)
	assert.True(t, ok)
}
