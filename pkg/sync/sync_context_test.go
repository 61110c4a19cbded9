package sync

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/go-logr/logr"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	apierrors "k8s.io/apimachinery/pkg/api/errors"
	"k8s.io/apimachinery/pkg/api/meta"
	"k8s.io/apimachinery/pkg/apis/meta/v1/unstructured"
	"k8s.io/apimachinery/pkg/runtime"
	"k8s.io/apimachinery/pkg/runtime/schema"
	dynamicfake "k8s.io/client-go/dynamic/fake"
	testcore "k8s.io/client-go/testing"

	"github.com/namix-io/sync-engine/pkg/platform"
	kubeplatform "github.com/namix-io/sync-engine/pkg/platform/kube"
	"github.com/namix-io/sync-engine/pkg/platform/memory"
	"github.com/namix-io/sync-engine/pkg/sync/common"
	"github.com/namix-io/sync-engine/pkg/utils/kube"
	testingutils "github.com/namix-io/sync-engine/pkg/utils/testing"
)

func resource(obj *unstructured.Unstructured) Resource {
	return Resource{Key: kube.GetResourceKey(obj), Target: obj, SpecHash: obj.GetName()}
}

func pruneResource(obj *unstructured.Unstructured) Resource {
	return Resource{Key: kube.GetResourceKey(obj), Live: obj}
}

func fastRetry(attempts int) SyncOpt {
	return WithRetry(attempts, func(int) time.Duration { return time.Millisecond })
}

func newSyncContext(p platform.Interface, resources []Resource, opts ...SyncOpt) SyncContext {
	return NewSyncContext("unit-a", p, resources, append([]SyncOpt{WithLogr(logr.Discard()), fastRetry(3)}, opts...)...)
}

func TestSync_AppliesAllResources(t *testing.T) {
	p := memory.NewPlatform()
	applied := map[kube.ResourceKey]string{}
	var lock sync.Mutex
	results, err := newSyncContext(p, []Resource{resource(testingutils.NewPod()), resource(testingutils.NewService())},
		WithResourceApplied(func(key kube.ResourceKey, obj *unstructured.Unstructured, specHash string) {
			lock.Lock()
			defer lock.Unlock()
			applied[key] = specHash
			assert.NotEmpty(t, obj.GetResourceVersion())
		})).Sync(context.Background())
	require.NoError(t, err)
	require.Len(t, results, 2)
	for _, res := range results {
		assert.Equal(t, common.ResultCodeSynced, res.Status)
	}
	assert.Len(t, p.Keys(), 2)
	assert.Equal(t, "my-pod", applied[kube.GetResourceKey(testingutils.NewPod())])
}

func TestSync_InSyncResourcesAreNotApplied(t *testing.T) {
	p := memory.NewPlatform(testingutils.NewPod())
	p.ClearActions()
	pod := resource(testingutils.NewPod())
	pod.InSync = true
	results, err := newSyncContext(p, []Resource{pod}).Sync(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 0, p.Mutations())
	assert.Equal(t, common.ResultCodeUnchanged, results[0].Status)
}

func TestSync_WaveOrdering(t *testing.T) {
	p := memory.NewPlatform()
	release := make(chan struct{})
	var inFlight, wave0Done int32
	var wave1StartedEarly atomic.Bool
	p.PrependReactor(memory.VerbApply, func(action memory.Action, obj *unstructured.Unstructured) (bool, *unstructured.Unstructured, error) {
		if action.Key.Kind == kube.DeploymentKind {
			if atomic.LoadInt32(&wave0Done) != 2 {
				wave1StartedEarly.Store(true)
			}
			return false, nil, nil
		}
		atomic.AddInt32(&inFlight, 1)
		<-release
		atomic.AddInt32(&wave0Done, 1)
		return false, nil, nil
	})

	deploy := testingutils.Annotate(testingutils.NewDeployment(), common.AnnotationSyncWave, "1")
	done := make(chan error, 1)
	var results []common.ResourceResult
	go func() {
		var err error
		results, err = newSyncContext(p, []Resource{resource(deploy), resource(testingutils.NewPod()), resource(testingutils.NewConfigMap())}).Sync(context.Background())
		done <- err
	}()

	// both wave zero resources are applied concurrently
	require.Eventually(t, func() bool { return atomic.LoadInt32(&inFlight) == 2 }, 5*time.Second, time.Millisecond)
	close(release)
	require.NoError(t, <-done)
	assert.False(t, wave1StartedEarly.Load())
	assert.Len(t, results, 3)
	assert.Equal(t, 1, testingutils.GetResourceResult(results, kube.GetResourceKey(deploy)).Wave)
}

func TestSync_FailedWaveStopsLaterWaves(t *testing.T) {
	p := memory.NewPlatform()
	p.PrependReactor(memory.VerbApply, func(action memory.Action, obj *unstructured.Unstructured) (bool, *unstructured.Unstructured, error) {
		if action.Key.Kind == "Pod" {
			return true, nil, &platform.RejectedError{Key: action.Key, Message: "spec.containers: Required value"}
		}
		return false, nil, nil
	})
	deploy := testingutils.Annotate(testingutils.NewDeployment(), common.AnnotationSyncWave, "1")
	results, err := newSyncContext(p, []Resource{resource(deploy), resource(testingutils.NewPod()), resource(testingutils.NewConfigMap())}).Sync(context.Background())
	require.Error(t, err)
	assert.Equal(t, common.ReasonApplyRejected, common.ReasonOf(err))

	assert.Equal(t, common.ResultCodeFailed, testingutils.GetResourceResult(results, kube.GetResourceKey(testingutils.NewPod())).Status)
	assert.Equal(t, common.ResultCodeSynced, testingutils.GetResourceResult(results, kube.GetResourceKey(testingutils.NewConfigMap())).Status)
	assert.Equal(t, common.ResultCodeDeferred, testingutils.GetResourceResult(results, kube.GetResourceKey(deploy)).Status)
	_, err = p.Get(context.Background(), kube.GetResourceKey(deploy))
	assert.True(t, platform.IsNotFound(err))
}

func TestSync_TransientErrorsAreRetried(t *testing.T) {
	p := memory.NewPlatform()
	var calls int32
	p.PrependReactor(memory.VerbApply, func(action memory.Action, obj *unstructured.Unstructured) (bool, *unstructured.Unstructured, error) {
		if atomic.AddInt32(&calls, 1) < 3 {
			return true, nil, errors.New("connection reset by peer")
		}
		return false, nil, nil
	})
	results, err := newSyncContext(p, []Resource{resource(testingutils.NewPod())}).Sync(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int32(3), atomic.LoadInt32(&calls))
	assert.Equal(t, common.ResultCodeSynced, results[0].Status)
}

func TestSync_RetriesExhausted(t *testing.T) {
	p := memory.NewPlatform()
	var calls int32
	p.PrependReactor(memory.VerbApply, func(action memory.Action, obj *unstructured.Unstructured) (bool, *unstructured.Unstructured, error) {
		atomic.AddInt32(&calls, 1)
		return true, nil, errors.New("etcdserver: request timed out")
	})
	_, err := newSyncContext(p, []Resource{resource(testingutils.NewPod())}).Sync(context.Background())
	require.Error(t, err)
	assert.Equal(t, common.ReasonApplyFailed, common.ReasonOf(err))
	assert.True(t, common.IsRetryable(err))
	assert.Equal(t, int32(3), atomic.LoadInt32(&calls))
}

func TestSync_ConcurrentUpdateIsRetried(t *testing.T) {
	mapper := meta.NewDefaultRESTMapper([]schema.GroupVersion{{Group: "apps", Version: "v1"}})
	mapper.Add(schema.GroupVersionKind{Group: "apps", Version: "v1", Kind: kube.DeploymentKind}, meta.RESTScopeNamespace)
	client := dynamicfake.NewSimpleDynamicClient(runtime.NewScheme())
	p := kubeplatform.NewPlatform(client, mapper, logr.Discard())
	_, err := p.Apply(context.Background(), testingutils.NewDeployment())
	require.NoError(t, err)

	var updates int32
	client.PrependReactor("update", "deployments", func(action testcore.Action) (bool, runtime.Object, error) {
		if atomic.AddInt32(&updates, 1) == 1 {
			return true, nil, apierrors.NewConflict(schema.GroupResource{Group: "apps", Resource: "deployments"}, "my-deploy", errors.New("the object has been modified"))
		}
		return false, nil, nil
	})

	results, err := newSyncContext(p, []Resource{resource(testingutils.NewDeployment())}).Sync(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int32(2), atomic.LoadInt32(&updates))
	require.Len(t, results, 1)
	assert.Equal(t, common.ResultCodeSynced, results[0].Status)
}

func TestSync_WaveTimeout(t *testing.T) {
	p := memory.NewPlatform()
	p.PrependReactor(memory.VerbApply, func(action memory.Action, obj *unstructured.Unstructured) (bool, *unstructured.Unstructured, error) {
		return true, nil, errors.New("service unavailable")
	})
	_, err := newSyncContext(p, []Resource{resource(testingutils.NewPod())},
		WithRetry(100, func(int) time.Duration { return time.Hour }),
		WithWaveTimeout(50*time.Millisecond)).Sync(context.Background())
	require.Error(t, err)
	assert.Equal(t, common.ReasonApplyFailed, common.ReasonOf(err))
	assert.Contains(t, err.Error(), "timed out")
}

func TestSync_CancelledBeforeNextWave(t *testing.T) {
	p := memory.NewPlatform()
	ctx, cancel := context.WithCancel(context.Background())
	p.PrependReactor(memory.VerbApply, func(action memory.Action, obj *unstructured.Unstructured) (bool, *unstructured.Unstructured, error) {
		if action.Key.Kind == "Pod" {
			// suspended while the call is in flight
			cancel()
		}
		return false, nil, nil
	})
	deploy := testingutils.Annotate(testingutils.NewDeployment(), common.AnnotationSyncWave, "1")
	results, err := newSyncContext(p, []Resource{resource(testingutils.NewPod()), resource(deploy)}).Sync(ctx)
	require.Error(t, err)
	assert.Equal(t, common.ReasonCancelled, common.ReasonOf(err))
	assert.Equal(t, common.ResultCodeSynced, testingutils.GetResourceResult(results, kube.GetResourceKey(testingutils.NewPod())).Status)
	assert.Equal(t, common.ResultCodeDeferred, testingutils.GetResourceResult(results, kube.GetResourceKey(deploy)).Status)
	assert.Len(t, p.Keys(), 1)
}

func TestSync_Prune(t *testing.T) {
	keep := testingutils.Annotate(testingutils.Named(testingutils.NewConfigMap(), "keep"), common.AnnotationSyncOptions, "Prune=false")
	p := memory.NewPlatform(testingutils.NewConfigMap(), keep)
	var pruned []kube.ResourceKey

	results, err := newSyncContext(p, []Resource{resource(testingutils.NewPod()), pruneResource(testingutils.NewConfigMap()), pruneResource(keep)},
		WithPrune(true),
		WithResourcePruned(func(key kube.ResourceKey) {
			pruned = append(pruned, key)
		})).Sync(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []kube.ResourceKey{kube.GetResourceKey(testingutils.NewConfigMap())}, pruned)
	assert.Equal(t, common.ResultCodePruned, testingutils.GetResourceResult(results, kube.GetResourceKey(testingutils.NewConfigMap())).Status)
	assert.Equal(t, common.ResultCodePruneSkip, testingutils.GetResourceResult(results, kube.GetResourceKey(keep)).Status)
	assert.ElementsMatch(t, []kube.ResourceKey{kube.GetResourceKey(keep), kube.GetResourceKey(testingutils.NewPod())}, p.Keys())
}

func TestSync_PruneDisabled(t *testing.T) {
	p := memory.NewPlatform(testingutils.NewConfigMap())
	p.ClearActions()
	results, err := newSyncContext(p, []Resource{pruneResource(testingutils.NewConfigMap())}).Sync(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 0, p.Mutations())
	assert.Equal(t, common.ResultCodePruneSkip, results[0].Status)
}

func TestSync_PruneMissingResource(t *testing.T) {
	p := memory.NewPlatform()
	results, err := newSyncContext(p, []Resource{pruneResource(testingutils.NewConfigMap())}, WithPrune(true)).Sync(context.Background())
	require.NoError(t, err)
	assert.Equal(t, common.ResultCodePruned, results[0].Status)
}

func TestFirstError(t *testing.T) {
	transient := common.NewReconcileError(common.ReasonApplyFailed, "timeout")
	permanent := common.NewReconcileError(common.ReasonApplyRejected, "invalid")
	assert.Nil(t, firstError(nil))
	assert.Equal(t, permanent, firstError([]error{nil, transient, permanent}))
	assert.Equal(t, transient, firstError([]error{transient, nil}))
}
