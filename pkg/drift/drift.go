/*
Package drift compares the live state of every resource a unit owns with what the unit last
applied. A Ready unit whose resources changed out of band is either recorded as drifted or, when
its sync policy heals, handed back to the reconciler at once.
*/
package drift

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/go-logr/logr"
	"golang.org/x/sync/errgroup"
	"k8s.io/klog/v2/klogr"
	"k8s.io/utils/clock"

	"github.com/namix-io/sync-engine/pkg/cache"
	"github.com/namix-io/sync-engine/pkg/diff"
	"github.com/namix-io/sync-engine/pkg/graph"
	"github.com/namix-io/sync-engine/pkg/metrics"
	"github.com/namix-io/sync-engine/pkg/platform"
	"github.com/namix-io/sync-engine/pkg/reconciler"
	"github.com/namix-io/sync-engine/pkg/sync/common"
	"github.com/namix-io/sync-engine/pkg/unit"
	"github.com/namix-io/sync-engine/pkg/utils/kube"
)

const (
	DefaultInterval    = 5 * time.Minute
	defaultConcurrency = 4
)

type Status string

const (
	StatusInSync  Status = "InSync"
	StatusDrifted Status = "Drifted"
)

// ResourceDiff describes one drifted resource
type ResourceDiff struct {
	Key kube.ResourceKey `json:"key"`
	// Missing is set when the resource no longer exists
	Missing bool `json:"missing,omitempty"`
	// Patch is the JSON merge patch that turns the live resource back into the applied one
	Patch []byte `json:"patch,omitempty"`
}

type Result struct {
	UnitID    string         `json:"unitId"`
	Status    Status         `json:"status"`
	Diffs     []ResourceDiff `json:"diffs,omitempty"`
	CheckedAt time.Time      `json:"checkedAt"`
}

func (r *Result) Keys() []kube.ResourceKey {
	keys := make([]kube.ResourceKey, 0, len(r.Diffs))
	for _, d := range r.Diffs {
		keys = append(keys, d.Key)
	}
	return keys
}

// StatusReporter exposes unit states and keeps the outcome of drift checks
type StatusReporter interface {
	Status(unitID string) (*reconciler.UnitStatus, bool)
	RecordDrift(unitID string, drift reconciler.DriftStatus)
}

// RolloutTracker answers whether a rollout currently owns the unit's workload
type RolloutTracker interface {
	Active(unitID string) bool
}

// HealFunc asks for an immediate reconciliation of a drifted unit
type HealFunc func(unitID string)

type Option func(*Detector)

func WithInterval(interval time.Duration) Option {
	return func(d *Detector) {
		d.interval = interval
	}
}

func WithLogger(log logr.Logger) Option {
	return func(d *Detector) {
		d.log = log
	}
}

func WithClock(clock clock.WithTicker) Option {
	return func(d *Detector) {
		d.clock = clock
	}
}

// WithNormalizer must match the normalizer used to compute spec hashes
func WithNormalizer(normalizer diff.Normalizer) Option {
	return func(d *Detector) {
		d.normalizer = normalizer
	}
}

// WithLocks shares the per-unit locks with the reconciler so that checks never overlap runs
func WithLocks(locks *unit.Locks) Option {
	return func(d *Detector) {
		d.locks = locks
	}
}

func WithRollouts(rollouts RolloutTracker) Option {
	return func(d *Detector) {
		d.rollouts = rollouts
	}
}

func WithOnHeal(fn HealFunc) Option {
	return func(d *Detector) {
		d.onHeal = fn
	}
}

func WithConcurrency(n int) Option {
	return func(d *Detector) {
		d.concurrency = n
	}
}

type Detector struct {
	registry    *graph.Registry
	records     cache.RecordCache
	platform    platform.Interface
	statuses    StatusReporter
	rollouts    RolloutTracker
	locks       *unit.Locks
	normalizer  diff.Normalizer
	interval    time.Duration
	concurrency int
	clock       clock.WithTicker
	log         logr.Logger
	onHeal      HealFunc
}

func NewDetector(registry *graph.Registry, records cache.RecordCache, p platform.Interface, statuses StatusReporter, opts ...Option) *Detector {
	d := &Detector{
		registry:    registry,
		records:     records,
		platform:    p,
		statuses:    statuses,
		locks:       unit.NewLocks(),
		normalizer:  diff.GetNoopNormalizer(),
		interval:    DefaultInterval,
		concurrency: defaultConcurrency,
		clock:       clock.RealClock{},
		log:         klogr.New(),
		onHeal:      func(string) {},
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Detect compares every resource owned by the unit with its last applied document. A missing
// resource is drift. Observations are written back to the record cache.
func (d *Detector) Detect(ctx context.Context, unitID string) (*Result, error) {
	owned := d.records.FindByOwner(unitID)
	keys := make([]kube.ResourceKey, 0, len(owned))
	for key := range owned {
		keys = append(keys, key)
	}
	sort.Slice(keys, func(i, j int) bool {
		return keys[i].String() < keys[j].String()
	})

	res := &Result{UnitID: unitID, Status: StatusInSync, CheckedAt: d.clock.Now()}
	for _, key := range keys {
		rec := owned[key]
		if rec.Applied == nil {
			continue
		}
		live, err := d.platform.Get(ctx, key)
		if platform.IsNotFound(err) {
			d.records.Observe(key, "")
			res.Diffs = append(res.Diffs, ResourceDiff{Key: key, Missing: true})
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("reading %s: %w", key, err)
		}
		observed, err := diff.ObservedHash(rec.Applied, live, d.normalizer)
		if err != nil {
			return nil, err
		}
		d.records.Observe(key, observed)
		if observed == rec.LastAppliedHash {
			continue
		}
		dr, err := diff.Diff(rec.Applied, live, diff.WithNormalizer(d.normalizer), diff.WithLogr(d.log))
		if err != nil {
			return nil, err
		}
		res.Diffs = append(res.Diffs, ResourceDiff{Key: key, Patch: dr.Patch})
	}
	if len(res.Diffs) > 0 {
		res.Status = StatusDrifted
	}
	return res, nil
}

// Check runs a drift check of the unit unless a run or a rollout holds it. It returns nil
// when the check was skipped.
func (d *Detector) Check(ctx context.Context, u *unit.Unit) (*Result, error) {
	if d.rollouts != nil && d.rollouts.Active(u.ID) {
		d.log.V(1).Info("Skipping drift check, rollout in progress", "unit", u.ID)
		return nil, nil
	}
	if !d.locks.TryAcquire(u.ID) {
		d.log.V(1).Info("Skipping drift check, run in progress", "unit", u.ID)
		return nil, nil
	}
	res, err := d.Detect(ctx, u.ID)
	d.locks.Release(u.ID)
	if err != nil {
		return nil, err
	}

	d.statuses.RecordDrift(u.ID, reconciler.DriftStatus{
		Drifted:   res.Status == StatusDrifted,
		Resources: res.Keys(),
		CheckedAt: res.CheckedAt,
	})
	metrics.SetDrift(u.ID, len(res.Diffs))
	if res.Status == StatusDrifted {
		d.log.Info("Drift detected", "unit", u.ID, "resources", len(res.Diffs), "selfHeal", u.SyncPolicy.SelfHeal)
		if u.SyncPolicy.SelfHeal {
			d.onHeal(u.ID)
		}
	}
	return res, nil
}

// CheckAll checks every Ready unit once
func (d *Detector) CheckAll(ctx context.Context) {
	snapshot := d.registry.Load()
	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(d.concurrency)
	for _, u := range snapshot.Units {
		status, ok := d.statuses.Status(u.ID)
		if !ok || status.Suspended || status.State != common.RunStateReady {
			continue
		}
		u := u
		g.Go(func() error {
			if _, err := d.Check(ctx, u); err != nil {
				d.log.Error(err, "Drift check failed", "unit", u.ID)
			}
			return nil
		})
	}
	_ = g.Wait()
}

// Run checks all Ready units every interval until the context is done
func (d *Detector) Run(ctx context.Context) {
	ticker := d.clock.NewTicker(d.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C():
			d.CheckAll(ctx)
		}
	}
}
