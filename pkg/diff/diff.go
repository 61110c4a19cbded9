/*
The package provides functions that allow to compare set of Kubernetes resources using the logic equivalent to
`kubectl diff`, restricted to the fields the desired state declares.
*/
package diff

import (
	"bytes"
	"encoding/json"
	"fmt"

	jsonpatch "github.com/evanphx/json-patch"
	"k8s.io/apimachinery/pkg/apis/meta/v1/unstructured"

	jsonutil "github.com/namix-io/sync-engine/pkg/utils/json"
)

// DiffResult holds the result of a diff
type DiffResult struct {
	// Modified is set to true if resources are not matching
	Modified bool
	// Contains YAML representation of a live resource with applied normalizations
	NormalizedLive []byte
	// Contains "expected" YAML representation of a live resource
	PredictedLive []byte
	// Patch is the JSON merge patch which turns NormalizedLive into PredictedLive
	Patch []byte
}

// Holds result of two resources sets comparison
type DiffResultList struct {
	Diffs    []DiffResult
	Modified bool
}

// Diff performs a diff on two unstructured objects. If the live object happens to have a
// "kubectl.kubernetes.io/last-applied-configuration" annotation, it is ignored along with
// every other field the config does not declare.
// Either object may be nil: a nil live object means the resource is missing, a nil config means
// the resource is extraneous.
func Diff(config, live *unstructured.Unstructured, opts ...Option) (*DiffResult, error) {
	o := applyOptions(opts)
	var err error
	if config != nil {
		if config, err = Normalize(config, o.normalizer); err != nil {
			return nil, err
		}
	}
	if live != nil {
		if live, err = Normalize(live, o.normalizer); err != nil {
			return nil, err
		}
	}

	switch {
	case config != nil && live != nil:
		if !o.compareExtraFields {
			live = &unstructured.Unstructured{Object: jsonutil.RemoveMapFields(config.Object, live.Object)}
		}
		return newDiffResult(live.Object, config.Object)
	case config != nil:
		o.log.V(1).Info("Resource is missing", "name", config.GetName(), "kind", config.GetKind())
		return newDiffResult(nil, config.Object)
	case live != nil:
		o.log.V(1).Info("Resource is extraneous", "name", live.GetName(), "kind", live.GetKind())
		return newDiffResult(live.Object, nil)
	}
	return &DiffResult{NormalizedLive: []byte("null"), PredictedLive: []byte("null")}, nil
}

// DiffArray performs a diff on a list of unstructured objects. Objects are expected to match
// environments
func DiffArray(configArray, liveArray []*unstructured.Unstructured, opts ...Option) (*DiffResultList, error) {
	numItems := len(configArray)
	if len(liveArray) != numItems {
		return nil, fmt.Errorf("left and right arrays have mismatched lengths")
	}

	diffResultList := DiffResultList{
		Diffs: make([]DiffResult, numItems),
	}
	for i := 0; i < numItems; i++ {
		config := configArray[i]
		live := liveArray[i]
		diffRes, err := Diff(config, live, opts...)
		if err != nil {
			return nil, err
		}
		diffResultList.Diffs[i] = *diffRes
		if diffRes.Modified {
			diffResultList.Modified = true
		}
	}
	return &diffResultList, nil
}

// Normalize returns a normalized copy of the object.
func Normalize(un *unstructured.Unstructured, normalizer Normalizer) (*unstructured.Unstructured, error) {
	un = un.DeepCopy()
	if normalizer == nil {
		return un, nil
	}
	if err := normalizer.Normalize(un); err != nil {
		return nil, fmt.Errorf("failed to normalize %s/%s: %w", un.GetKind(), un.GetName(), err)
	}
	return un, nil
}

// ObservedHash is the hash of live restricted to the fields the applied config declares. It
// equals HashObject(config.Object) exactly when live has not diverged from config.
func ObservedHash(config, live *unstructured.Unstructured, normalizer Normalizer) (string, error) {
	config, err := Normalize(config, normalizer)
	if err != nil {
		return "", err
	}
	live, err = Normalize(live, normalizer)
	if err != nil {
		return "", err
	}
	return HashObject(jsonutil.RemoveMapFields(config.Object, live.Object))
}

// SpecHash is the hash of the normalized desired state.
func SpecHash(config *unstructured.Unstructured, normalizer Normalizer) (string, error) {
	config, err := Normalize(config, normalizer)
	if err != nil {
		return "", err
	}
	return HashObject(config.Object)
}

func newDiffResult(live, config map[string]interface{}) (*DiffResult, error) {
	liveData, err := json.Marshal(live)
	if err != nil {
		return nil, err
	}
	predictedData, err := json.Marshal(config)
	if err != nil {
		return nil, err
	}
	res := &DiffResult{
		NormalizedLive: liveData,
		PredictedLive:  predictedData,
		Modified:       !bytes.Equal(liveData, predictedData),
	}
	if res.Modified && live != nil && config != nil {
		if res.Patch, err = jsonpatch.CreateMergePatch(liveData, predictedData); err != nil {
			return nil, fmt.Errorf("computing patch: %w", err)
		}
	}
	return res, nil
}
