package serverfields

import (
	"k8s.io/apimachinery/pkg/apis/meta/v1/unstructured"
)

// annotations written by the platform or by kubectl that never belong to desired state
var serverAnnotations = []string{
	"kubectl.kubernetes.io/last-applied-configuration",
	"deployment.kubernetes.io/revision",
}

// ServerFieldsNormalizer strips fields the platform populates on its own.
type ServerFieldsNormalizer struct {
}

func (n *ServerFieldsNormalizer) Normalize(un *unstructured.Unstructured) error {
	un.SetUID("")
	un.SetResourceVersion("")
	un.SetGeneration(0)
	un.SetSelfLink("")
	un.SetManagedFields(nil)
	unstructured.RemoveNestedField(un.Object, "metadata", "creationTimestamp")
	unstructured.RemoveNestedField(un.Object, "status")

	if annotations := un.GetAnnotations(); len(annotations) > 0 {
		for _, k := range serverAnnotations {
			delete(annotations, k)
		}
		if len(annotations) == 0 {
			annotations = nil
		}
		un.SetAnnotations(annotations)
	}

	switch un.GetKind() {
	case "Service":
		unstructured.RemoveNestedField(un.Object, "spec", "clusterIP")
		unstructured.RemoveNestedField(un.Object, "spec", "clusterIPs")
	case "ServiceAccount":
		unstructured.RemoveNestedField(un.Object, "secrets")
	}
	return nil
}
