package render

import (
	"context"

	"k8s.io/apimachinery/pkg/apis/meta/v1/unstructured"

	"github.com/namix-io/sync-engine/pkg/source"
	"github.com/namix-io/sync-engine/pkg/utils/kube"
)

// ResourceDescriptor is one rendered resource of a ManifestSet
type ResourceDescriptor struct {
	APIGroup  string `json:"apiGroup"`
	Kind      string `json:"kind"`
	Namespace string `json:"namespace"`
	Name      string `json:"name"`
	// SpecHash is the hash of the normalized RawSpec
	SpecHash string                     `json:"specHash"`
	RawSpec  *unstructured.Unstructured `json:"rawSpec"`
}

func (d *ResourceDescriptor) Key() kube.ResourceKey {
	return kube.NewResourceKey(d.APIGroup, d.Kind, d.Namespace, d.Name)
}

// ManifestSet is the ordered list of resources rendered for exactly one revision
type ManifestSet struct {
	Revision  source.Revision      `json:"revision"`
	Path      string               `json:"path"`
	Resources []ResourceDescriptor `json:"resources"`
}

// Get returns the descriptor with the given key, if present
func (m *ManifestSet) Get(key kube.ResourceKey) (*ResourceDescriptor, bool) {
	for i := range m.Resources {
		if m.Resources[i].Key() == key {
			return &m.Resources[i], true
		}
	}
	return nil, false
}

// Keys returns the set of resource keys of the manifest set
func (m *ManifestSet) Keys() map[kube.ResourceKey]bool {
	keys := make(map[kube.ResourceKey]bool, len(m.Resources))
	for i := range m.Resources {
		keys[m.Resources[i].Key()] = true
	}
	return keys
}

// Expander turns the files under dir/path into resource documents.
type Expander interface {
	Expand(ctx context.Context, dir, path string, substitutions map[string]string) ([]*unstructured.Unstructured, error)
}

// Request holds the inputs of a render. Render is a pure function of these values.
type Request struct {
	Revision source.Revision
	// ContentDir is the checked out content of Revision
	ContentDir      string
	Path            string
	Substitutions   map[string]string
	TargetNamespace string
	// OwnerUnitID is stamped on every resource as the owner label
	OwnerUnitID string
}
