package knowntypes

import (
	"encoding/json"
	"fmt"
	"strings"

	v1 "k8s.io/api/core/v1"
	"k8s.io/apimachinery/pkg/api/resource"
	"k8s.io/apimachinery/pkg/apis/meta/v1/unstructured"
	"k8s.io/apimachinery/pkg/runtime/schema"
)

// knownTypes maps a type name usable in extra fields to a constructor of its typed value
var knownTypes = map[string]func() interface{}{
	"core/v1/PodSpec":              func() interface{} { return &v1.PodSpec{} },
	"core/v1/Container":            func() interface{} { return &v1.Container{} },
	"core/v1/ResourceRequirements": func() interface{} { return &v1.ResourceRequirements{} },
	"core/Quantity":                func() interface{} { return &resource.Quantity{} },
}

type knownField struct {
	path     []string
	newValue func() interface{}
}

// KnownTypesNormalizer round-trips fields through their typed Go representation so that
// equivalent spellings (e.g. "2000m" and "2" CPU) hash identically.
type KnownTypesNormalizer struct {
	fields map[schema.GroupKind][]knownField
}

// workloadFields are normalized for every built-in pod controller.
var workloadFields = []string{"spec.template.spec.containers", "spec.template.spec.initContainers"}

// NewKnownTypesNormalizer returns a normalizer for the built-in workload kinds. Extra fields
// are given as "group/Kind" -> {"field.path": "type"}, e.g.
// {"argoproj.io/Rollout": {"spec.template.spec": "core/v1/PodSpec"}}.
func NewKnownTypesNormalizer(extra map[string]map[string]string) (*KnownTypesNormalizer, error) {
	n := &KnownTypesNormalizer{fields: map[schema.GroupKind][]knownField{}}
	for _, gk := range []schema.GroupKind{
		{Group: "apps", Kind: "Deployment"},
		{Group: "apps", Kind: "StatefulSet"},
		{Group: "apps", Kind: "DaemonSet"},
		{Group: "apps", Kind: "ReplicaSet"},
		{Group: "batch", Kind: "Job"},
	} {
		for _, path := range workloadFields {
			if err := n.addKnownField(gk, path, "core/v1/Container"); err != nil {
				return nil, err
			}
		}
	}
	if err := n.addKnownField(schema.GroupKind{Kind: "Pod"}, "spec.containers", "core/v1/Container"); err != nil {
		return nil, err
	}
	for groupKind, fields := range extra {
		gk := schema.GroupKind{Kind: groupKind}
		if i := strings.LastIndex(groupKind, "/"); i >= 0 {
			gk = schema.GroupKind{Group: groupKind[:i], Kind: groupKind[i+1:]}
		}
		for path, typePath := range fields {
			if err := n.addKnownField(gk, path, typePath); err != nil {
				return nil, err
			}
		}
	}
	return n, nil
}

func (n *KnownTypesNormalizer) addKnownField(gk schema.GroupKind, fieldPath string, typeName string) error {
	newValue, ok := knownTypes[typeName]
	if !ok {
		return fmt.Errorf("%s %s: type %q is not supported", gk.String(), fieldPath, typeName)
	}
	n.fields[gk] = append(n.fields[gk], knownField{path: strings.Split(fieldPath, "."), newValue: newValue})
	return nil
}

// normalize walks fieldPath through obj. Slices met on the way are descended element by element,
// so "spec.templates.spec.containers" reaches every container of every template.
func normalize(obj map[string]interface{}, field knownField, fieldPath []string) error {
	for i := range fieldPath {
		nestedField, ok, err := unstructured.NestedFieldNoCopy(obj, fieldPath[:i+1]...)
		if err != nil || !ok {
			continue
		}
		items, ok := nestedField.([]interface{})
		if !ok {
			continue
		}
		subPath := fieldPath[i+1:]
		for j := range items {
			item, ok := items[j].(map[string]interface{})
			if !ok {
				continue
			}
			if len(subPath) == 0 {
				newItem, err := remarshal(item, field)
				if err != nil {
					return err
				}
				items[j] = newItem
			} else if err := normalize(item, field, subPath); err != nil {
				return err
			}
		}
		return unstructured.SetNestedSlice(obj, items, fieldPath[:i+1]...)
	}

	if fieldVal, ok, err := unstructured.NestedFieldNoCopy(obj, fieldPath...); ok && err == nil {
		newFieldVal, err := remarshal(fieldVal, field)
		if err != nil {
			return err
		}
		return unstructured.SetNestedField(obj, newFieldVal, fieldPath...)
	}
	return nil
}

func remarshal(fieldVal interface{}, field knownField) (interface{}, error) {
	data, err := json.Marshal(fieldVal)
	if err != nil {
		return nil, err
	}
	typedValue := field.newValue()
	if err = json.Unmarshal(data, typedValue); err != nil {
		return nil, err
	}
	if data, err = json.Marshal(typedValue); err != nil {
		return nil, err
	}
	var newFieldVal interface{}
	if err = json.Unmarshal(data, &newFieldVal); err != nil {
		return nil, err
	}
	return newFieldVal, nil
}

func (n *KnownTypesNormalizer) Normalize(un *unstructured.Unstructured) error {
	for _, field := range n.fields[un.GroupVersionKind().GroupKind()] {
		if err := normalize(un.Object, field, field.path); err != nil {
			return fmt.Errorf("normalizing %s of %s: %w", strings.Join(field.path, "."), un.GetName(), err)
		}
	}
	return nil
}
