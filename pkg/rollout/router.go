package rollout

import (
	"context"
	"fmt"

	"k8s.io/apimachinery/pkg/apis/meta/v1/unstructured"

	"github.com/namix-io/sync-engine/pkg/platform"
	"github.com/namix-io/sync-engine/pkg/utils/kube"
)

const (
	// LabelRollout marks candidate copies created by a rollout
	LabelRollout = "sync-engine.namix.io/rollout"

	canarySuffix  = "-canary"
	previewSuffix = "-preview"
)

// TrafficRouter shifts traffic between the stable and the candidate version of a workload
type TrafficRouter interface {
	// SetWeight sends weight percent of the traffic to the candidate
	SetWeight(ctx context.Context, r *Rollout, stable, candidate *unstructured.Unstructured, weight int) error
	// Promote makes the candidate the stable workload and returns the applied object
	Promote(ctx context.Context, r *Rollout, candidate *unstructured.Unstructured) (*unstructured.Unstructured, error)
	// Rollback removes the candidate and restores the stable workload
	Rollback(ctx context.Context, r *Rollout, stable *unstructured.Unstructured) error
}

// ReplicaRouter splits the replicas of a workload between the stable object and a candidate
// copy. Blue-green rollouts run the copy at full size until the cutover.
type ReplicaRouter struct {
	platform platform.Interface
}

func NewReplicaRouter(p platform.Interface) *ReplicaRouter {
	return &ReplicaRouter{platform: p}
}

func replicas(obj *unstructured.Unstructured) int64 {
	if val, found, err := unstructured.NestedInt64(obj.Object, "spec", "replicas"); found && err == nil {
		return val
	}
	return 1
}

func withReplicas(obj *unstructured.Unstructured, count int64) *unstructured.Unstructured {
	res := obj.DeepCopy()
	_ = unstructured.SetNestedField(res.Object, count, "spec", "replicas")
	return res
}

// CopyKey returns the key of the candidate copy of the rollout's workload
func CopyKey(r *Rollout) kube.ResourceKey {
	return Spec{Strategy: r.Strategy, Workload: r.Workload}.CopyKey()
}

// CopyKey returns the key of the candidate copy rollouts of the spec create
func (s Spec) CopyKey() kube.ResourceKey {
	key := s.Workload
	if s.Strategy == StrategyBlueGreen {
		key.Name += previewSuffix
	} else {
		key.Name += canarySuffix
	}
	return key
}

func (rr *ReplicaRouter) candidateCopy(r *Rollout, candidate *unstructured.Unstructured, count int64) *unstructured.Unstructured {
	res := withReplicas(candidate, count)
	res.SetName(CopyKey(r).Name)
	res.SetResourceVersion("")
	res.SetUID("")
	kube.SetAppInstanceLabel(res, LabelRollout, r.ID)
	return res
}

// CanaryReplicas returns the replicas of the candidate at the weight, rounded up so any
// positive weight runs at least one
func CanaryReplicas(total int64, weight int) int64 {
	return (total*int64(weight) + 99) / 100
}

func (rr *ReplicaRouter) SetWeight(ctx context.Context, r *Rollout, stable, candidate *unstructured.Unstructured, weight int) error {
	total := replicas(candidate)
	if weight == 0 {
		return rr.Rollback(ctx, r, stable)
	}
	if r.Strategy == StrategyBlueGreen {
		if _, err := rr.platform.Apply(ctx, rr.candidateCopy(r, candidate, total)); err != nil {
			return fmt.Errorf("applying preview of %s: %w", r.Workload, err)
		}
		return nil
	}
	canary := CanaryReplicas(total, weight)
	if _, err := rr.platform.Apply(ctx, rr.candidateCopy(r, candidate, canary)); err != nil {
		return fmt.Errorf("applying canary of %s: %w", r.Workload, err)
	}
	if _, err := rr.platform.Apply(ctx, withReplicas(stable, total-canary)); err != nil {
		return fmt.Errorf("scaling %s: %w", r.Workload, err)
	}
	return nil
}

func (rr *ReplicaRouter) Promote(ctx context.Context, r *Rollout, candidate *unstructured.Unstructured) (*unstructured.Unstructured, error) {
	applied, err := rr.platform.Apply(ctx, candidate)
	if err != nil {
		return nil, fmt.Errorf("promoting %s: %w", r.Workload, err)
	}
	if err := rr.deleteCopy(ctx, r); err != nil {
		return nil, err
	}
	return applied, nil
}

func (rr *ReplicaRouter) Rollback(ctx context.Context, r *Rollout, stable *unstructured.Unstructured) error {
	if _, err := rr.platform.Apply(ctx, stable); err != nil {
		return fmt.Errorf("restoring %s: %w", r.Workload, err)
	}
	return rr.deleteCopy(ctx, r)
}

func (rr *ReplicaRouter) deleteCopy(ctx context.Context, r *Rollout) error {
	key := CopyKey(r)
	if err := rr.platform.Delete(ctx, key); err != nil && !platform.IsNotFound(err) {
		return fmt.Errorf("deleting %s: %w", key, err)
	}
	return nil
}

var _ TrafficRouter = &ReplicaRouter{}
