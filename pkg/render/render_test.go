package render

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/go-logr/logr"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/namix-io/sync-engine/pkg/source"
	"github.com/namix-io/sync-engine/pkg/sync/common"
	"github.com/namix-io/sync-engine/pkg/utils/kube"
)

const appManifests = `
apiVersion: v1
kind: ConfigMap
metadata:
  name: settings
data:
  color: ${COLOR}
  size: ${SIZE:=small}
  untouched: ${UNKNOWN}
---
# comment only document
---
apiVersion: apps/v1
kind: Deployment
metadata:
  name: web
  namespace: prod
spec:
  replicas: 2
`

const clusterManifests = `
apiVersion: v1
kind: Namespace
metadata:
  name: prod
`

func writeFiles(t *testing.T, files map[string]string) string {
	dir := t.TempDir()
	for name, content := range files {
		p := filepath.Join(dir, name)
		require.NoError(t, os.MkdirAll(filepath.Dir(p), 0o755))
		require.NoError(t, os.WriteFile(p, []byte(content), 0o644))
	}
	return dir
}

func newAdapter(expander Expander) *Adapter {
	return NewAdapter(expander, WithLogger(logr.Discard()))
}

func TestRender(t *testing.T) {
	dir := writeFiles(t, map[string]string{
		"apps/web/app.yaml":       appManifests,
		"apps/web/namespace.yml":  clusterManifests,
		"apps/web/README.md":      "not a manifest",
		"apps/web/.hidden/x.yaml": "garbage: [",
	})
	rev := source.Revision{SourceID: "repo", CommitHash: "abc"}

	set, err := newAdapter(NewYAMLExpander()).Render(context.Background(), Request{
		Revision:        rev,
		ContentDir:      dir,
		Path:            "apps/web",
		Substitutions:   map[string]string{"COLOR": "blue"},
		TargetNamespace: "staging",
		OwnerUnitID:     "web",
	})
	require.NoError(t, err)
	require.Len(t, set.Resources, 3)
	assert.Equal(t, rev, set.Revision)

	cm, ok := set.Get(kube.NewResourceKey("", "ConfigMap", "staging", "settings"))
	require.True(t, ok)
	assert.Equal(t, map[string]interface{}{"color": "blue", "size": "small", "untouched": "${UNKNOWN}"}, cm.RawSpec.Object["data"])
	assert.Equal(t, "web", kube.GetAppInstanceLabel(cm.RawSpec, common.LabelOwnerUnit))
	assert.NotEmpty(t, cm.SpecHash)

	_, ok = set.Get(kube.NewResourceKey("apps", "Deployment", "prod", "web"))
	assert.True(t, ok)
	_, ok = set.Get(kube.NewResourceKey("", "Namespace", "", "prod"))
	assert.True(t, ok)
}

func TestRender_IsPure(t *testing.T) {
	dir := writeFiles(t, map[string]string{"app.yaml": appManifests})
	req := Request{ContentDir: dir, Path: ".", Substitutions: map[string]string{"COLOR": "red"}}
	adapter := newAdapter(NewYAMLExpander())

	first, err := adapter.Render(context.Background(), req)
	require.NoError(t, err)
	second, err := adapter.Render(context.Background(), req)
	require.NoError(t, err)
	require.Equal(t, len(first.Resources), len(second.Resources))
	for i := range first.Resources {
		assert.Equal(t, first.Resources[i].SpecHash, second.Resources[i].SpecHash)
	}
}

func TestRender_Errors(t *testing.T) {
	testCases := []struct {
		name  string
		files map[string]string
		path  string
	}{
		{"MissingPath", map[string]string{"a.yaml": clusterManifests}, "nope"},
		{"InvalidYAML", map[string]string{"a.yaml": "kind: [unclosed"}, "."},
		{"MissingKind", map[string]string{"a.yaml": "apiVersion: v1\nmetadata:\n  name: x\n"}, "."},
		{"MissingName", map[string]string{"a.yaml": "apiVersion: v1\nkind: ConfigMap\n"}, "."},
		{"Duplicate", map[string]string{"a.yaml": clusterManifests, "b.yaml": clusterManifests}, "."},
	}
	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			dir := writeFiles(t, tc.files)
			_, err := newAdapter(NewYAMLExpander()).Render(context.Background(), Request{ContentDir: dir, Path: tc.path})
			require.Error(t, err)
			assert.Equal(t, common.ReasonRenderError, common.ReasonOf(err))
		})
	}
}

func TestRender_PathCannotEscape(t *testing.T) {
	outer := writeFiles(t, map[string]string{"secret.yaml": clusterManifests})
	inner := filepath.Join(outer, "repo")
	require.NoError(t, os.MkdirAll(inner, 0o755))

	_, err := newAdapter(NewYAMLExpander()).Render(context.Background(), Request{ContentDir: inner, Path: "../secret.yaml"})
	assert.Equal(t, common.ReasonRenderError, common.ReasonOf(err))
}

func TestRender_Cancelled(t *testing.T) {
	dir := writeFiles(t, map[string]string{"a.yaml": clusterManifests})
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := newAdapter(NewYAMLExpander()).Render(ctx, Request{ContentDir: dir, Path: "."})
	assert.Equal(t, common.ReasonCancelled, common.ReasonOf(err))
}

func TestDecodeManifests_List(t *testing.T) {
	objs, err := DecodeManifests([]byte(`
apiVersion: v1
kind: List
items:
- apiVersion: v1
  kind: ConfigMap
  metadata:
    name: a
- apiVersion: v1
  kind: ConfigMap
  metadata:
    name: b
`))
	require.NoError(t, err)
	require.Len(t, objs, 2)
	assert.Equal(t, "a", objs[0].GetName())
	assert.Equal(t, "b", objs[1].GetName())
}

func TestDecodeManifests_IntegersStayIntegers(t *testing.T) {
	objs, err := DecodeManifests([]byte(appManifests))
	require.NoError(t, err)
	require.Len(t, objs, 2)
	assert.Equal(t, int64(2), objs[1].Object["spec"].(map[string]interface{})["replicas"])
}

func TestKustomizeExpander(t *testing.T) {
	dir := writeFiles(t, map[string]string{
		"base/kustomization.yaml": "resources:\n- cm.yaml\nnamePrefix: dev-\n",
		"base/cm.yaml":            "apiVersion: v1\nkind: ConfigMap\nmetadata:\n  name: settings\ndata:\n  color: ${COLOR}\n",
		"plain/cm.yaml":           "apiVersion: v1\nkind: ConfigMap\nmetadata:\n  name: plain\n",
	})
	expander := NewKustomizeExpander()

	objs, err := expander.Expand(context.Background(), dir, "base", map[string]string{"COLOR": "green"})
	require.NoError(t, err)
	require.Len(t, objs, 1)
	assert.Equal(t, "dev-settings", objs[0].GetName())
	assert.Equal(t, map[string]interface{}{"color": "green"}, objs[0].Object["data"])

	objs, err = expander.Expand(context.Background(), dir, "plain", nil)
	require.NoError(t, err)
	require.Len(t, objs, 1)
	assert.Equal(t, "plain", objs[0].GetName())
}

func TestSubstitute(t *testing.T) {
	assert.Equal(t, "a=1 b=${B} c=3 d=$D", string(Substitute([]byte("a=${A} b=${B} c=${C:=3} d=$D"), map[string]string{"A": "1"})))
}
