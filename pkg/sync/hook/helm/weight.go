package helm

import (
	"strconv"

	"k8s.io/apimachinery/pkg/apis/meta/v1/unstructured"
)

const AnnotationHookWeight = "helm.sh/hook-weight"

// Weight returns the helm hook weight of the object, zero when unset or not a number.
func Weight(obj *unstructured.Unstructured) int {
	text, ok := obj.GetAnnotations()[AnnotationHookWeight]
	if ok {
		value, err := strconv.Atoi(text)
		if err == nil {
			return value
		}
	}
	return 0
}
