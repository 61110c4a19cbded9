package render

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"k8s.io/apimachinery/pkg/apis/meta/v1/unstructured"
	"sigs.k8s.io/kustomize/api/krusty"
	"sigs.k8s.io/kustomize/kyaml/filesys"
)

// KustomizeExpander builds directories holding a kustomization file with kustomize and
// falls back to plain manifests otherwise.
type KustomizeExpander struct {
	plain   *YAMLExpander
	options *krusty.Options
}

func NewKustomizeExpander() *KustomizeExpander {
	return &KustomizeExpander{plain: NewYAMLExpander(), options: krusty.MakeDefaultOptions()}
}

func (e *KustomizeExpander) Expand(ctx context.Context, dir, path string, substitutions map[string]string) ([]*unstructured.Unstructured, error) {
	root, err := resolvePath(dir, path)
	if err != nil {
		return nil, err
	}
	if !hasKustomization(root) {
		return e.plain.Expand(ctx, dir, path, substitutions)
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	resMap, err := krusty.MakeKustomizer(e.options).Run(filesys.MakeFsOnDisk(), root)
	if err != nil {
		return nil, fmt.Errorf("kustomize build %s: %w", path, err)
	}
	data, err := resMap.AsYaml()
	if err != nil {
		return nil, err
	}
	return DecodeManifests(Substitute(data, substitutions))
}

func hasKustomization(dir string) bool {
	for _, name := range kustomizationFiles {
		if info, err := os.Stat(filepath.Join(dir, name)); err == nil && !info.IsDir() {
			return true
		}
	}
	return false
}
