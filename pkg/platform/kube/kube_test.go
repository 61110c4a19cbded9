package kube

import (
	"context"
	"testing"
	"time"

	"github.com/go-logr/logr"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	apierrors "k8s.io/apimachinery/pkg/api/errors"
	"k8s.io/apimachinery/pkg/api/meta"
	"k8s.io/apimachinery/pkg/runtime"
	"k8s.io/apimachinery/pkg/runtime/schema"
	"k8s.io/apimachinery/pkg/util/validation/field"
	dynamicfake "k8s.io/client-go/dynamic/fake"
	testcore "k8s.io/client-go/testing"

	"github.com/namix-io/sync-engine/pkg/platform"
	"github.com/namix-io/sync-engine/pkg/utils/kube"
	testingutils "github.com/namix-io/sync-engine/pkg/utils/testing"
)

func newTestPlatform() (*Platform, *dynamicfake.FakeDynamicClient) {
	mapper := meta.NewDefaultRESTMapper([]schema.GroupVersion{{Version: "v1"}, {Group: "apps", Version: "v1"}})
	mapper.Add(schema.GroupVersionKind{Version: "v1", Kind: "Pod"}, meta.RESTScopeNamespace)
	mapper.Add(schema.GroupVersionKind{Version: "v1", Kind: "Namespace"}, meta.RESTScopeRoot)
	mapper.Add(schema.GroupVersionKind{Group: "apps", Version: "v1", Kind: "Deployment"}, meta.RESTScopeNamespace)
	client := dynamicfake.NewSimpleDynamicClient(runtime.NewScheme())
	return NewPlatform(client, mapper, logr.Discard()), client
}

func TestPlatform_ApplyCreatesThenUpdates(t *testing.T) {
	p, _ := newTestPlatform()
	deploy := testingutils.NewDeployment()
	key := kube.GetResourceKey(deploy)

	_, err := p.Get(context.Background(), key)
	assert.True(t, platform.IsNotFound(err))

	_, err = p.Apply(context.Background(), deploy)
	require.NoError(t, err)

	deploy.Object["spec"].(map[string]interface{})["replicas"] = int64(1)
	_, err = p.Apply(context.Background(), deploy)
	require.NoError(t, err)

	live, err := p.Get(context.Background(), key)
	require.NoError(t, err)
	assert.Equal(t, int64(1), live.Object["spec"].(map[string]interface{})["replicas"])

	require.NoError(t, p.Delete(context.Background(), key))
	assert.True(t, platform.IsNotFound(p.Delete(context.Background(), key)))
}

func TestPlatform_ClusterScoped(t *testing.T) {
	p, _ := newTestPlatform()
	ns := testingutils.Unstructured("apiVersion: v1\nkind: Namespace\nmetadata:\n  name: prod\n")
	_, err := p.Apply(context.Background(), ns)
	require.NoError(t, err)
	live, err := p.Get(context.Background(), kube.NewResourceKey("", "Namespace", "", "prod"))
	require.NoError(t, err)
	assert.Equal(t, "prod", live.GetName())
}

func TestPlatform_UnknownKindIsRejected(t *testing.T) {
	p, _ := newTestPlatform()
	_, err := p.Apply(context.Background(), testingutils.NewService())
	assert.True(t, platform.IsRejected(err))
}

func TestPlatform_ErrorMapping(t *testing.T) {
	p, client := newTestPlatform()
	gr := schema.GroupResource{Group: "apps", Resource: "deployments"}
	client.PrependReactor("create", "deployments", func(action testcore.Action) (bool, runtime.Object, error) {
		return true, nil, apierrors.NewInvalid(schema.GroupKind{Group: "apps", Kind: "Deployment"}, "my-deploy", field.ErrorList{field.Required(field.NewPath("spec", "selector"), "")})
	})
	_, err := p.Apply(context.Background(), testingutils.NewDeployment())
	assert.True(t, platform.IsRejected(err))

	client.PrependReactor("delete", "deployments", func(action testcore.Action) (bool, runtime.Object, error) {
		return true, nil, apierrors.NewConflict(gr, "my-deploy", nil)
	})
	err = p.Delete(context.Background(), kube.GetResourceKey(testingutils.NewDeployment()))
	assert.True(t, platform.IsTransient(err))
	assert.False(t, platform.IsRejected(err))

	client.PrependReactor("get", "pods", func(action testcore.Action) (bool, runtime.Object, error) {
		return true, nil, apierrors.NewServiceUnavailable("etcd down")
	})
	_, err = p.Get(context.Background(), kube.GetResourceKey(testingutils.NewPod()))
	assert.True(t, platform.IsTransient(err))
}

func TestPlatform_ConcurrentWritesAreTransient(t *testing.T) {
	gr := schema.GroupResource{Group: "apps", Resource: "deployments"}
	testCases := []struct {
		name     string
		verb     string
		existing bool
		err      error
	}{
		{"StaleResourceVersion", "update", true, apierrors.NewConflict(gr, "my-deploy", nil)},
		{"CreatedMeanwhile", "create", false, apierrors.NewAlreadyExists(gr, "my-deploy")},
	}
	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			p, client := newTestPlatform()
			if tc.existing {
				_, err := p.Apply(context.Background(), testingutils.NewDeployment())
				require.NoError(t, err)
			}
			client.PrependReactor(tc.verb, "deployments", func(action testcore.Action) (bool, runtime.Object, error) {
				return true, nil, tc.err
			})
			_, err := p.Apply(context.Background(), testingutils.NewDeployment())
			require.Error(t, err)
			assert.True(t, platform.IsTransient(err))
			assert.True(t, apierrors.IsConflict(err) || apierrors.IsAlreadyExists(err))
		})
	}
}

func TestPlatform_Watch(t *testing.T) {
	p, _ := newTestPlatform()
	pod := testingutils.NewPod()
	key := kube.GetResourceKey(pod)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	events, err := p.Watch(ctx, key)
	require.NoError(t, err)

	// unrelated objects in the namespace are filtered out
	_, err = p.Apply(context.Background(), testingutils.Named(testingutils.NewPod(), "other"))
	require.NoError(t, err)
	_, err = p.Apply(context.Background(), pod)
	require.NoError(t, err)

	select {
	case e := <-events:
		assert.Equal(t, platform.EventAdded, e.Type)
		assert.Equal(t, key, e.Key)
	case <-time.After(5 * time.Second):
		t.Fatal("no event")
	}
}
