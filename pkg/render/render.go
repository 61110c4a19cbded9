package render

import (
	"context"
	"errors"

	"github.com/go-logr/logr"
	"k8s.io/klog/v2/klogr"

	"github.com/namix-io/sync-engine/pkg/diff"
	"github.com/namix-io/sync-engine/pkg/sync/common"
	"github.com/namix-io/sync-engine/pkg/utils/kube"
)

type Option func(*Adapter)

func WithNormalizer(normalizer diff.Normalizer) Option {
	return func(a *Adapter) {
		a.normalizer = normalizer
	}
}

func WithLogger(log logr.Logger) Option {
	return func(a *Adapter) {
		a.log = log
	}
}

// Adapter turns revision content into ManifestSets through a pluggable Expander.
type Adapter struct {
	expander   Expander
	normalizer diff.Normalizer
	log        logr.Logger
}

func NewAdapter(expander Expander, opts ...Option) *Adapter {
	a := &Adapter{
		expander:   expander,
		normalizer: diff.GetNoopNormalizer(),
		log:        klogr.New(),
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// Render expands the request into a ManifestSet. Every failure is returned as a RenderError,
// except for cancellation of ctx.
func (a *Adapter) Render(ctx context.Context, req Request) (*ManifestSet, error) {
	objs, err := a.expander.Expand(ctx, req.ContentDir, req.Path, req.Substitutions)
	if err != nil {
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return nil, common.NewReconcileError(common.ReasonCancelled, "render of %s: %v", req.Path, err)
		}
		return nil, common.NewReconcileError(common.ReasonRenderError, "%v", err)
	}

	set := &ManifestSet{Revision: req.Revision, Path: req.Path}
	seen := map[kube.ResourceKey]bool{}
	for _, obj := range objs {
		if obj.GetKind() == "" || obj.GetAPIVersion() == "" || obj.GetName() == "" {
			return nil, common.NewReconcileError(common.ReasonRenderError, "resource %q of kind %q is missing apiVersion, kind or name", obj.GetName(), obj.GetKind())
		}
		gk := obj.GroupVersionKind().GroupKind()
		if kube.IsClusterScoped(gk) {
			obj.SetNamespace("")
		} else if obj.GetNamespace() == "" && req.TargetNamespace != "" {
			obj.SetNamespace(req.TargetNamespace)
		}
		if req.OwnerUnitID != "" {
			kube.SetAppInstanceLabel(obj, common.LabelOwnerUnit, req.OwnerUnitID)
		}

		key := kube.GetResourceKey(obj)
		if seen[key] {
			return nil, common.NewReconcileError(common.ReasonRenderError, "duplicate resource %s", key)
		}
		seen[key] = true

		hash, err := diff.SpecHash(obj, a.normalizer)
		if err != nil {
			return nil, common.NewReconcileError(common.ReasonRenderError, "%v", err)
		}
		set.Resources = append(set.Resources, ResourceDescriptor{
			APIGroup:  key.Group,
			Kind:      key.Kind,
			Namespace: key.Namespace,
			Name:      key.Name,
			SpecHash:  hash,
			RawSpec:   obj,
		})
	}
	a.log.V(1).Info("Rendered manifests", "path", req.Path, "revision", req.Revision.CommitHash, "resources", len(set.Resources))
	return set, nil
}
