package diff

import (
	"crypto/sha256"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"k8s.io/apimachinery/pkg/apis/meta/v1/unstructured"

	testingutils "github.com/namix-io/sync-engine/pkg/utils/testing"
)

func defaultNormalizer(t *testing.T) Normalizer {
	n, err := GetDefaultNormalizer(nil)
	require.NoError(t, err)
	return n
}

func TestDiff_Identical(t *testing.T) {
	config := testingutils.NewDeployment()
	live := config.DeepCopy()

	res, err := Diff(config, live)
	require.NoError(t, err)
	assert.False(t, res.Modified)
	assert.Nil(t, res.Patch)
}

func TestDiff_IgnoresServerFields(t *testing.T) {
	config := testingutils.NewDeployment()
	live := config.DeepCopy()
	live.SetUID("abc")
	live.SetResourceVersion("42")
	live.Object["status"] = map[string]interface{}{"readyReplicas": int64(4)}
	// defaulted by the platform, not declared in config
	require.NoError(t, unstructured.SetNestedField(live.Object, int64(10), "spec", "revisionHistoryLimit"))

	res, err := Diff(config, live, WithNormalizer(defaultNormalizer(t)))
	require.NoError(t, err)
	assert.False(t, res.Modified)
}

func TestDiff_CompareExtraFields(t *testing.T) {
	config := testingutils.NewDeployment()
	live := config.DeepCopy()
	require.NoError(t, unstructured.SetNestedField(live.Object, int64(10), "spec", "revisionHistoryLimit"))

	res, err := Diff(config, live, WithCompareExtraFields(true))
	require.NoError(t, err)
	assert.True(t, res.Modified)
}

func TestDiff_Modified(t *testing.T) {
	config := testingutils.NewDeployment()
	live := config.DeepCopy()
	require.NoError(t, unstructured.SetNestedField(live.Object, int64(1), "spec", "replicas"))

	res, err := Diff(config, live)
	require.NoError(t, err)
	assert.True(t, res.Modified)
	assert.JSONEq(t, `{"spec":{"replicas":4}}`, string(res.Patch))
}

func TestDiff_MissingAndExtraneous(t *testing.T) {
	res, err := Diff(testingutils.NewPod(), nil)
	require.NoError(t, err)
	assert.True(t, res.Modified)
	assert.Equal(t, "null", string(res.NormalizedLive))

	res, err = Diff(nil, testingutils.NewPod())
	require.NoError(t, err)
	assert.True(t, res.Modified)
	assert.Equal(t, "null", string(res.PredictedLive))

	res, err = Diff(nil, nil)
	require.NoError(t, err)
	assert.False(t, res.Modified)
}

func TestDiffArray(t *testing.T) {
	changed := testingutils.NewService()
	changed.SetLabels(map[string]string{"tier": "web"})

	res, err := DiffArray(
		[]*unstructured.Unstructured{testingutils.NewPod(), changed},
		[]*unstructured.Unstructured{testingutils.NewPod(), testingutils.NewService()},
	)
	require.NoError(t, err)
	assert.True(t, res.Modified)
	assert.False(t, res.Diffs[0].Modified)
	assert.True(t, res.Diffs[1].Modified)

	_, err = DiffArray([]*unstructured.Unstructured{testingutils.NewPod()}, nil)
	assert.Error(t, err)
}

func TestDiff_DoesNotMutateInputs(t *testing.T) {
	config := testingutils.NewService()
	live := config.DeepCopy()
	live.SetUID("abc")

	_, err := Diff(config, live, WithNormalizer(defaultNormalizer(t)))
	require.NoError(t, err)
	assert.Equal(t, "abc", string(live.GetUID()))
}

func TestHashes(t *testing.T) {
	n := defaultNormalizer(t)
	config := testingutils.NewDeployment()

	specHash, err := SpecHash(config, n)
	require.NoError(t, err)

	t.Run("LiveMatches", func(t *testing.T) {
		live := config.DeepCopy()
		live.SetResourceVersion("3")
		require.NoError(t, unstructured.SetNestedField(live.Object, "RollingUpdate", "spec", "strategy", "type"))
		observed, err := ObservedHash(config, live, n)
		require.NoError(t, err)
		assert.Equal(t, specHash, observed)
	})

	t.Run("LiveDiverged", func(t *testing.T) {
		live := config.DeepCopy()
		require.NoError(t, unstructured.SetNestedField(live.Object, int64(2), "spec", "replicas"))
		observed, err := ObservedHash(config, live, n)
		require.NoError(t, err)
		assert.NotEqual(t, specHash, observed)
	})

	t.Run("NumericRepresentation", func(t *testing.T) {
		live := config.DeepCopy()
		require.NoError(t, unstructured.SetNestedField(live.Object, float64(4), "spec", "replicas"))
		observed, err := ObservedHash(config, live, n)
		require.NoError(t, err)
		assert.Equal(t, specHash, observed)
	})
}

func TestHashObject_KeyOrder(t *testing.T) {
	a, err := HashObject(map[string]any{"a": 1, "b": "x"})
	require.NoError(t, err)
	b, err := HashObject(map[string]any{"b": "x", "a": 1})
	require.NoError(t, err)
	assert.Equal(t, a, b)
}

func TestDeepHashObject(t *testing.T) {
	type item struct {
		Name string
		Tags *[]string
	}
	tags1 := []string{"a"}
	tags2 := []string{"a"}
	h1 := sha256.New()
	DeepHashObject(h1, item{Name: "x", Tags: &tags1})
	h2 := sha256.New()
	DeepHashObject(h2, item{Name: "x", Tags: &tags2})
	assert.Equal(t, h1.Sum(nil), h2.Sum(nil))
	assert.Equal(t, Fingerprint(item{Name: "x"}), Fingerprint(item{Name: "x"}))
	assert.NotEqual(t, Fingerprint(item{Name: "x"}), Fingerprint(item{Name: "y"}))
}
