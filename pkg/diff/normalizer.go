package diff

import (
	"k8s.io/apimachinery/pkg/apis/meta/v1/unstructured"

	"github.com/namix-io/sync-engine/pkg/diff/normalizer/knowntypes"
	"github.com/namix-io/sync-engine/pkg/diff/normalizer/serverfields"
)

// Normalizer rewrites a document in place so that equivalent declared and live documents compare equal
type Normalizer interface {
	Normalize(un *unstructured.Unstructured) error
}

var (
	_ Normalizer = noopNormalizer{}
	_ Normalizer = &knowntypes.KnownTypesNormalizer{}
	_ Normalizer = &serverfields.ServerFieldsNormalizer{}
)

type noopNormalizer struct{}

func (noopNormalizer) Normalize(*unstructured.Unstructured) error {
	return nil
}

// GetNoopNormalizer returns a normalizer that leaves documents untouched
func GetNoopNormalizer() Normalizer {
	return noopNormalizer{}
}

// GetDefaultNormalizer strips server populated fields and normalizes known built-in types.
// extra registers additional known-type fields, see knowntypes.NewKnownTypesNormalizer.
func GetDefaultNormalizer(extra map[string]map[string]string) (Normalizer, error) {
	knownTypes, err := knowntypes.NewKnownTypesNormalizer(extra)
	if err != nil {
		return nil, err
	}
	return NewCompositeNormalizer(&serverfields.ServerFieldsNormalizer{}, knownTypes), nil
}

type compositeNormalizer []Normalizer

// NewCompositeNormalizer applies the given normalizers in order, stopping at the first error
func NewCompositeNormalizer(normalizers ...Normalizer) Normalizer {
	return compositeNormalizer(normalizers)
}

func (c compositeNormalizer) Normalize(un *unstructured.Unstructured) error {
	for _, n := range c {
		if err := n.Normalize(un); err != nil {
			return err
		}
	}
	return nil
}
