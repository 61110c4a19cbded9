package reconciler

import (
	"context"
	"fmt"

	"k8s.io/apimachinery/pkg/apis/meta/v1/unstructured"

	"github.com/namix-io/sync-engine/pkg/cache"
	"github.com/namix-io/sync-engine/pkg/diff"
	"github.com/namix-io/sync-engine/pkg/platform"
	"github.com/namix-io/sync-engine/pkg/render"
	"github.com/namix-io/sync-engine/pkg/rollout"
	"github.com/namix-io/sync-engine/pkg/source"
	gosync "github.com/namix-io/sync-engine/pkg/sync"
	"github.com/namix-io/sync-engine/pkg/sync/common"
	"github.com/namix-io/sync-engine/pkg/sync/syncwaves"
	"github.com/namix-io/sync-engine/pkg/unit"
	"github.com/namix-io/sync-engine/pkg/utils/kube"
)

// plan is the difference between a ManifestSet and what the unit owns
type plan struct {
	resources []gosync.Resource
	targets   map[kube.ResourceKey]*unstructured.Unstructured
	// changed lists the resources to apply or prune
	changed []kube.ResourceKey
	// held are resources left to the rollout controller
	held         []common.ResourceResult
	rollout      *rollout.StartRequest
	rolloutWave  int
	abortRollout bool
}

func (p *plan) unchanged() []common.ResourceResult {
	res := make([]common.ResourceResult, 0, len(p.resources))
	for _, r := range p.resources {
		if r.Target == nil {
			res = append(res, common.ResourceResult{ResourceKey: r.Key, Status: common.ResultCodePruneSkip, Message: "ignored (requires pruning)"})
			continue
		}
		res = append(res, common.ResourceResult{ResourceKey: r.Key, Wave: syncwaves.Wave(r.Target), Status: common.ResultCodeUnchanged})
	}
	return res
}

// plan compares every declared resource with the record of its last apply. With selfHeal the
// live state is read as well so that out-of-band changes are reverted.
func (r *Reconciler) plan(ctx context.Context, u *unit.Unit, run *Run, manifests *render.ManifestSet) (*plan, error) {
	owned := r.records.FindByOwner(u.ID)
	p := &plan{targets: map[kube.ResourceKey]*unstructured.Unstructured{}}
	for i := range manifests.Resources {
		desc := &manifests.Resources[i]
		key := desc.Key()
		p.targets[key] = desc.RawSpec
		rec := owned[key]
		if r.holdWorkload(u, run, desc, rec, p) {
			continue
		}
		inSync, err := r.inSync(ctx, u, desc, rec)
		if err != nil {
			return nil, err
		}
		if !inSync {
			p.changed = append(p.changed, key)
		}
		p.resources = append(p.resources, gosync.Resource{Key: key, Target: desc.RawSpec, SpecHash: desc.SpecHash, InSync: inSync})
	}
	for key, rec := range owned {
		if _, declared := p.targets[key]; declared {
			continue
		}
		if u.Rollout != nil && key == u.Rollout.CopyKey() && rec.Applied == nil {
			continue
		}
		if u.SyncPolicy.Prune {
			p.changed = append(p.changed, key)
		}
		p.resources = append(p.resources, gosync.Resource{Key: key, Live: rec.Applied})
	}
	return p, nil
}

func (r *Reconciler) inSync(ctx context.Context, u *unit.Unit, desc *render.ResourceDescriptor, rec *cache.LiveResourceRecord) (bool, error) {
	inSync := rec != nil && rec.LastAppliedHash == desc.SpecHash && rec.InSync()
	if !u.SyncPolicy.SelfHeal {
		return inSync, nil
	}
	live, err := r.platform.Get(ctx, desc.Key())
	switch {
	case platform.IsNotFound(err):
		return false, nil
	case err != nil:
		r.log.V(1).Info("Failed to read live resource, applying it", "unit", u.ID, "resource", desc.Key().String(), "error", err.Error())
		return false, nil
	}
	observed, err := diff.ObservedHash(desc.RawSpec, live, r.normalizer)
	if err != nil {
		return false, common.NewReconcileError(common.ReasonRenderError, "%s: %v", desc.Key(), err)
	}
	if rec != nil {
		r.records.Observe(desc.Key(), observed)
	}
	return inSync && observed == desc.SpecHash, nil
}

// holdWorkload routes a change of the unit's workload to the rollout controller. The first
// apply of a workload, or any apply without a controller, goes through the normal path.
func (r *Reconciler) holdWorkload(u *unit.Unit, run *Run, desc *render.ResourceDescriptor, rec *cache.LiveResourceRecord, p *plan) bool {
	if u.Rollout == nil || r.rollouts == nil || desc.Key() != u.Rollout.Workload || rec == nil || rec.Applied == nil {
		return false
	}
	wave := syncwaves.Wave(desc.RawSpec)
	current, found := r.rollouts.Get(u.ID)
	active := found && r.rollouts.Active(u.ID)
	switch {
	case active && current.CandidateHash == desc.SpecHash:
		p.held = append(p.held, common.ResourceResult{
			ResourceKey: desc.Key(), Wave: wave, Status: common.ResultCodeDeferred,
			Message: fmt.Sprintf("rollout %s in progress", current.ID),
		})
		return true
	case desc.SpecHash == rec.LastAppliedHash && active:
		p.abortRollout = true
		p.changed = append(p.changed, desc.Key())
		p.held = append(p.held, common.ResourceResult{
			ResourceKey: desc.Key(), Wave: wave, Status: common.ResultCodeDeferred,
			Message: fmt.Sprintf("candidate withdrawn, rolling back rollout %s", current.ID),
		})
		return true
	case desc.SpecHash == rec.LastAppliedHash:
		return false
	}
	p.rollout = &rollout.StartRequest{
		UnitID:            u.ID,
		Spec:              *u.Rollout,
		Stable:            rec.Applied,
		Candidate:         desc.RawSpec,
		StableRevision:    source.Revision{SourceID: u.SourceRef, CommitHash: rec.Revision},
		CandidateRevision: run.Revision,
		StableHash:        rec.LastAppliedHash,
		CandidateHash:     desc.SpecHash,
	}
	p.rolloutWave = wave
	p.changed = append(p.changed, desc.Key())
	return true
}
