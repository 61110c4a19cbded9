package knowntypes

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"k8s.io/apimachinery/pkg/apis/meta/v1/unstructured"
	"sigs.k8s.io/yaml"
)

const canaryYAML = `apiVersion: example.io/v1
kind: Canary
metadata:
  name: api
spec:
  ram: 1.25G
  template:
    spec:
      containers:
      - name: api
        image: api:1
        volumeMounts:
        - name: config
          mountPath: /etc/config
          readOnly: false
        resources:
          requests:
            cpu: 2000m
  templates:
  - spec:
      containers:
      - name: api
        image: api:1
        resources:
          requests:
            cpu: 1000m
`

func parse(t *testing.T, text string) *unstructured.Unstructured {
	obj := &unstructured.Unstructured{}
	require.NoError(t, yaml.Unmarshal([]byte(text), obj))
	return obj
}

func field(t *testing.T, obj map[string]interface{}, path ...interface{}) interface{} {
	var current interface{} = obj
	for _, step := range path {
		switch s := step.(type) {
		case string:
			m, ok := current.(map[string]interface{})
			require.True(t, ok, "%v is not a map", path)
			current = m[s]
		case int:
			items, ok := current.([]interface{})
			require.True(t, ok, "%v is not a slice", path)
			require.Greater(t, len(items), s)
			current = items[s]
		}
	}
	return current
}

func TestNormalize_ExtraFields(t *testing.T) {
	testCases := []struct {
		name     string
		field    string
		typeName string
		path     []interface{}
		expected interface{}
	}{{
		name:     "MapField",
		field:    "spec.template.spec",
		typeName: "core/v1/PodSpec",
		path:     []interface{}{"spec", "template", "spec", "containers", 0, "resources", "requests", "cpu"},
		expected: "2",
	}, {
		name:     "DefaultsAreDropped",
		field:    "spec.template.spec",
		typeName: "core/v1/PodSpec",
		path:     []interface{}{"spec", "template", "spec", "containers", 0, "volumeMounts", 0, "readOnly"},
		expected: nil,
	}, {
		name:     "FieldInSlice",
		field:    "spec.template.spec.containers",
		typeName: "core/v1/Container",
		path:     []interface{}{"spec", "template", "spec", "containers", 0, "resources", "requests", "cpu"},
		expected: "2",
	}, {
		name:     "FieldInNestedSlices",
		field:    "spec.templates.spec.containers",
		typeName: "core/v1/Container",
		path:     []interface{}{"spec", "templates", 0, "spec", "containers", 0, "resources", "requests", "cpu"},
		expected: "1",
	}, {
		name:     "Quantity",
		field:    "spec.ram",
		typeName: "core/Quantity",
		path:     []interface{}{"spec", "ram"},
		expected: "1250M",
	}, {
		name:     "MissingField",
		field:    "spec.missing",
		typeName: "core/v1/PodSpec",
		path:     []interface{}{"spec", "template", "spec", "containers", 0, "resources", "requests", "cpu"},
		expected: "2000m",
	}}
	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			n, err := NewKnownTypesNormalizer(map[string]map[string]string{"example.io/Canary": {tc.field: tc.typeName}})
			require.NoError(t, err)
			obj := parse(t, canaryYAML)

			require.NoError(t, n.Normalize(obj))

			assert.Equal(t, tc.expected, field(t, obj.Object, tc.path...))
		})
	}
}

func TestNormalize_BuiltInWorkloads(t *testing.T) {
	deploy := parse(t, `apiVersion: apps/v1
kind: Deployment
metadata:
  name: web
spec:
  template:
    spec:
      containers:
      - name: nginx
        image: nginx
        resources:
          limits:
            memory: 1024Mi
          requests:
            cpu: 500m
`)
	pod := parse(t, `apiVersion: v1
kind: Pod
metadata:
  name: web
spec:
  containers:
  - name: nginx
    image: nginx
    resources:
      requests:
        cpu: 1000m
`)
	n, err := NewKnownTypesNormalizer(nil)
	require.NoError(t, err)

	require.NoError(t, n.Normalize(deploy))
	require.NoError(t, n.Normalize(pod))

	container := []interface{}{"spec", "template", "spec", "containers", 0, "resources"}
	assert.Equal(t, "1Gi", field(t, deploy.Object, append(container, "limits", "memory")...))
	assert.Equal(t, "500m", field(t, deploy.Object, append(container, "requests", "cpu")...))
	assert.Equal(t, "1", field(t, pod.Object, "spec", "containers", 0, "resources", "requests", "cpu"))
}

func TestNormalize_OtherKindsUntouched(t *testing.T) {
	n, err := NewKnownTypesNormalizer(nil)
	require.NoError(t, err)
	obj := parse(t, canaryYAML)

	require.NoError(t, n.Normalize(obj))

	assert.Equal(t, "1.25G", field(t, obj.Object, "spec", "ram"))
}

func TestNewKnownTypesNormalizer_UnknownType(t *testing.T) {
	_, err := NewKnownTypesNormalizer(map[string]map[string]string{"example.io/Canary": {"spec.x": "core/v1/Unknown"}})
	require.Error(t, err)
	assert.Contains(t, err.Error(), `type "core/v1/Unknown" is not supported`)
}
