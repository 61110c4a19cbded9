package sync

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/go-logr/logr"
	"golang.org/x/sync/errgroup"
	"k8s.io/apimachinery/pkg/apis/meta/v1/unstructured"
	"k8s.io/klog/v2/klogr"

	"github.com/namix-io/sync-engine/pkg/platform"
	"github.com/namix-io/sync-engine/pkg/sync/common"
	"github.com/namix-io/sync-engine/pkg/utils/kube"
	"github.com/namix-io/sync-engine/pkg/utils/tracing"
)

const (
	DefaultWaveTimeout = 5 * time.Minute
	DefaultAttempts    = 5
)

// Resource is one entry of a sync operation
type Resource struct {
	Key kube.ResourceKey
	// Target is the desired state; nil prunes the resource
	Target *unstructured.Unstructured
	// Live is the last known state, used for pruning decisions
	Live     *unstructured.Unstructured
	SpecHash string
	// InSync resources are reported as unchanged and never sent to the platform
	InSync bool
}

type ResourceAppliedFunc func(key kube.ResourceKey, applied *unstructured.Unstructured, specHash string)

type ResourcePrunedFunc func(key kube.ResourceKey)

type SyncOpt func(ctx *syncContext)

// WithPrune enables deletion of resources without a target
func WithPrune(prune bool) SyncOpt {
	return func(ctx *syncContext) {
		ctx.prune = prune
	}
}

func WithLogr(log logr.Logger) SyncOpt {
	return func(ctx *syncContext) {
		ctx.log = log
	}
}

func WithTracer(tracer tracing.Tracer) SyncOpt {
	return func(ctx *syncContext) {
		ctx.tracer = tracer
	}
}

// WithWaveTimeout bounds every wave, including retries
func WithWaveTimeout(timeout time.Duration) SyncOpt {
	return func(ctx *syncContext) {
		ctx.waveTimeout = timeout
	}
}

// WithRetry sets the number of attempts of a transiently failing operation and the delay
// before each retry
func WithRetry(attempts int, delay func(retry int) time.Duration) SyncOpt {
	return func(ctx *syncContext) {
		ctx.attempts = attempts
		ctx.delay = delay
	}
}

// WithResourceApplied registers a callback invoked after every successful apply
func WithResourceApplied(fn ResourceAppliedFunc) SyncOpt {
	return func(ctx *syncContext) {
		ctx.onApplied = fn
	}
}

// WithResourcePruned registers a callback invoked after every successful prune
func WithResourcePruned(fn ResourcePrunedFunc) SyncOpt {
	return func(ctx *syncContext) {
		ctx.onPruned = fn
	}
}

// SyncContext applies a set of resources wave by wave and prunes what is no longer declared
type SyncContext interface {
	Sync(ctx context.Context) ([]common.ResourceResult, error)
}

type syncContext struct {
	unitID      string
	platform    platform.Interface
	resources   []Resource
	prune       bool
	waveTimeout time.Duration
	attempts    int
	delay       func(retry int) time.Duration
	onApplied   ResourceAppliedFunc
	onPruned    ResourcePrunedFunc
	log         logr.Logger
	tracer      tracing.Tracer

	lock    sync.Mutex
	results map[kube.ResourceKey]common.ResourceResult
}

func NewSyncContext(unitID string, p platform.Interface, resources []Resource, opts ...SyncOpt) SyncContext {
	ctx := &syncContext{
		unitID:      unitID,
		platform:    p,
		resources:   resources,
		waveTimeout: DefaultWaveTimeout,
		attempts:    DefaultAttempts,
		delay: func(retry int) time.Duration {
			return 5 * time.Second << (retry - 1)
		},
		onApplied: func(kube.ResourceKey, *unstructured.Unstructured, string) {},
		onPruned:  func(kube.ResourceKey) {},
		log:       klogr.New(),
		tracer:    tracing.NopTracer{},
		results:   map[kube.ResourceKey]common.ResourceResult{},
	}
	for _, opt := range opts {
		opt(ctx)
	}
	ctx.log = ctx.log.WithValues("unit", unitID)
	return ctx
}

func (sc *syncContext) setResult(task *syncTask, status common.ResultCode, message string) {
	sc.lock.Lock()
	defer sc.lock.Unlock()
	sc.results[task.key] = common.ResourceResult{ResourceKey: task.key, Wave: task.wave(), Status: status, Message: message}
}

func (sc *syncContext) sortedResults() []common.ResourceResult {
	sc.lock.Lock()
	defer sc.lock.Unlock()
	res := make([]common.ResourceResult, 0, len(sc.results))
	for _, r := range sc.results {
		res = append(res, r)
	}
	sort.Slice(res, func(i, j int) bool {
		if res[i].Wave != res[j].Wave {
			return res[i].Wave < res[j].Wave
		}
		return res[i].ResourceKey.String() < res[j].ResourceKey.String()
	})
	return res
}

// Sync applies waves in ascending order; resources of a wave are applied concurrently and the
// next wave starts only once every resource of the current one succeeded. Cancelling ctx
// lets issued calls finish but starts no further wave.
func (sc *syncContext) Sync(ctx context.Context) ([]common.ResourceResult, error) {
	var applyTasks, pruneTasks syncTasks
	for i := range sc.resources {
		r := sc.resources[i]
		task := &syncTask{key: r.Key, targetObj: r.Target, liveObj: r.Live, specHash: r.SpecHash}
		switch {
		case r.Target == nil:
			pruneTasks = append(pruneTasks, task)
		case r.InSync:
			sc.setResult(task, common.ResultCodeUnchanged, "")
		default:
			applyTasks = append(applyTasks, task)
		}
	}
	applyTasks.Sort()
	waves := applyTasks.waves()
	for i, wave := range waves {
		if err := ctx.Err(); err != nil {
			sc.markDeferred(waves[i:], "not started: reconciliation cancelled")
			return sc.sortedResults(), common.NewReconcileError(common.ReasonCancelled, "reconciliation cancelled before wave %d", wave[0].wave())
		}
		if err := sc.syncWave(ctx, wave); err != nil {
			sc.markDeferred(waves[i+1:], "not started: a previous wave failed")
			return sc.sortedResults(), err
		}
	}
	if err := sc.pruneAll(ctx, pruneTasks); err != nil {
		return sc.sortedResults(), err
	}
	return sc.sortedResults(), nil
}

func (sc *syncContext) markDeferred(waves []syncTasks, message string) {
	for _, wave := range waves {
		for _, task := range wave {
			sc.setResult(task, common.ResultCodeDeferred, message)
		}
	}
}

func (sc *syncContext) syncWave(ctx context.Context, tasks syncTasks) (err error) {
	ctx, span := sc.tracer.StartSpan(ctx, "syncWave")
	span.SetBaggageItem("unit", sc.unitID)
	span.SetBaggageItem("wave", tasks[0].wave())
	span.SetBaggageItem("resources", len(tasks))
	defer func() {
		span.SetError(err)
		span.Finish()
	}()

	// issued calls outlive cancellation of ctx but not the wave timeout
	waveCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), sc.waveTimeout)
	defer cancel()

	sc.log.V(1).Info("Applying wave", "wave", tasks[0].wave(), "resources", tasks.names())
	errs := make([]error, len(tasks))
	var g errgroup.Group
	for i := range tasks {
		i := i
		g.Go(func() error {
			errs[i] = sc.apply(ctx, waveCtx, tasks[i])
			return nil
		})
	}
	_ = g.Wait()
	return firstError(errs)
}

func (sc *syncContext) apply(ctx, waveCtx context.Context, task *syncTask) error {
	err := sc.retry(ctx, waveCtx, task, func() error {
		applied, err := sc.platform.Apply(waveCtx, task.targetObj)
		if err == nil {
			sc.onApplied(task.key, applied, task.specHash)
		}
		return err
	})
	if err != nil {
		sc.setResult(task, common.ResultCodeFailed, err.Error())
		sc.log.Info("Apply failed", "resource", task.key.String(), "error", err.Error())
		return err
	}
	sc.setResult(task, common.ResultCodeSynced, "applied")
	return nil
}

// retry runs op until it succeeds, fails permanently or runs out of attempts. Waits between
// attempts are interrupted by ctx, calls are bounded by waveCtx.
func (sc *syncContext) retry(ctx, waveCtx context.Context, task *syncTask, op func() error) error {
	for attempt := 1; ; attempt++ {
		err := op()
		switch {
		case err == nil:
			return nil
		case platform.IsRejected(err):
			return common.NewReconcileError(common.ReasonApplyRejected, "%s: %v", task.key, err)
		case waveCtx.Err() != nil:
			return common.NewReconcileError(common.ReasonApplyFailed, "%s: wave %d timed out after %s: %v", task.key, task.wave(), sc.waveTimeout, err)
		case errors.Is(err, context.Canceled):
			return common.NewReconcileError(common.ReasonCancelled, "%s: %v", task.key, err)
		case attempt >= sc.attempts:
			return common.NewReconcileError(common.ReasonApplyFailed, "%s: failed after %d attempts: %v", task.key, attempt, err)
		}
		delay := sc.delay(attempt)
		sc.log.V(1).Info("Retrying", "resource", task.key.String(), "attempt", attempt, "delay", delay, "error", err.Error())
		timer := time.NewTimer(delay)
		select {
		case <-timer.C:
		case <-ctx.Done():
			timer.Stop()
			return common.NewReconcileError(common.ReasonCancelled, "%s: retry cancelled: %v", task.key, err)
		case <-waveCtx.Done():
			timer.Stop()
			return common.NewReconcileError(common.ReasonApplyFailed, "%s: wave %d timed out after %s: %v", task.key, task.wave(), sc.waveTimeout, err)
		}
	}
}

// pruneAll deletes resources in reverse sync order once every wave was applied
func (sc *syncContext) pruneAll(ctx context.Context, tasks syncTasks) error {
	if len(tasks) == 0 {
		return nil
	}
	tasks.Sort()
	var errs []error
	cancelled := false
	for i := len(tasks) - 1; i >= 0; i-- {
		task := tasks[i]
		switch {
		case !sc.prune:
			sc.setResult(task, common.ResultCodePruneSkip, "ignored (requires pruning)")
			continue
		case task.pruneDisabled():
			sc.setResult(task, common.ResultCodePruneSkip, fmt.Sprintf("ignored (%s)", common.SyncOptionDisablePrune))
			continue
		case ctx.Err() != nil:
			sc.setResult(task, common.ResultCodeDeferred, "not started: reconciliation cancelled")
			cancelled = true
			continue
		}
		pruneCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), sc.waveTimeout)
		err := sc.retry(ctx, pruneCtx, task, func() error {
			err := sc.platform.Delete(pruneCtx, task.key)
			if err == nil || platform.IsNotFound(err) {
				sc.onPruned(task.key)
				return nil
			}
			return err
		})
		cancel()
		if err != nil {
			sc.setResult(task, common.ResultCodeFailed, err.Error())
			errs = append(errs, err)
			continue
		}
		sc.setResult(task, common.ResultCodePruned, "pruned")
	}
	if cancelled && len(errs) == 0 {
		return common.NewReconcileError(common.ReasonCancelled, "pruning cancelled")
	}
	return firstError(errs)
}

// firstError prefers permanent failures over transient ones
func firstError(errs []error) error {
	var first error
	for _, err := range errs {
		if err == nil {
			continue
		}
		if first == nil || (common.IsRetryable(first) && !common.IsRetryable(err)) {
			first = err
		}
	}
	return first
}
