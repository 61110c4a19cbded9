package syncwaves

import (
	"strconv"

	"k8s.io/apimachinery/pkg/apis/meta/v1/unstructured"

	"github.com/namix-io/sync-engine/pkg/sync/common"
	helmhook "github.com/namix-io/sync-engine/pkg/sync/hook/helm"
)

// Wave returns the sync wave of the object. Resources without an annotation are in wave zero.
// The engine's own annotation wins over the Argo CD one, which wins over helm hook weights.
func Wave(obj *unstructured.Unstructured) int {
	annotations := obj.GetAnnotations()
	for _, key := range []string{common.AnnotationSyncWave, common.AnnotationArgoSyncWave} {
		text, ok := annotations[key]
		if !ok {
			continue
		}
		if val, err := strconv.Atoi(text); err == nil {
			return val
		}
	}
	return helmhook.Weight(obj)
}
