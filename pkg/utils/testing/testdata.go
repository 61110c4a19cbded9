package testing

import (
	"k8s.io/apimachinery/pkg/apis/meta/v1/unstructured"
	"sigs.k8s.io/yaml"

	"github.com/namix-io/sync-engine/pkg/sync/common"
	"github.com/namix-io/sync-engine/pkg/utils/kube"
)

const podManifest = `
apiVersion: v1
kind: Pod
metadata:
  name: my-pod
  namespace: default
spec:
  containers:
  - image: nginx:1.7.9
    name: nginx
`

const serviceManifest = `
apiVersion: v1
kind: Service
metadata:
  name: my-service
  namespace: default
spec:
  ports:
  - port: 80
    protocol: TCP
    targetPort: 8080
  selector:
    app: my-service
`

const deploymentManifest = `
apiVersion: apps/v1
kind: Deployment
metadata:
  name: my-deploy
  namespace: default
spec:
  replicas: 4
  selector:
    matchLabels:
      app: my-deploy
  template:
    metadata:
      labels:
        app: my-deploy
    spec:
      containers:
      - image: nginx:1.7.9
        name: nginx
`

const configMapManifest = `
apiVersion: v1
kind: ConfigMap
metadata:
  name: my-config
  namespace: default
data:
  key: value
`

func NewPod() *unstructured.Unstructured {
	return Unstructured(podManifest)
}

func NewService() *unstructured.Unstructured {
	return Unstructured(serviceManifest)
}

func NewDeployment() *unstructured.Unstructured {
	return Unstructured(deploymentManifest)
}

func NewConfigMap() *unstructured.Unstructured {
	return Unstructured(configMapManifest)
}

// Unstructured parses a YAML manifest and panics on failure.
func Unstructured(text string) *unstructured.Unstructured {
	data, err := yaml.YAMLToJSON([]byte(text))
	if err != nil {
		panic(err)
	}
	un := &unstructured.Unstructured{}
	if err := un.UnmarshalJSON(data); err != nil {
		panic(err)
	}
	return un
}

// Annotate sets an annotation and returns the same object to allow chaining.
func Annotate(obj *unstructured.Unstructured, key, val string) *unstructured.Unstructured {
	annotations := obj.GetAnnotations()
	if annotations == nil {
		annotations = map[string]string{}
	}
	annotations[key] = val
	obj.SetAnnotations(annotations)
	return obj
}

// Named renames the object and returns it.
func Named(obj *unstructured.Unstructured, name string) *unstructured.Unstructured {
	obj.SetName(name)
	return obj
}

func GetResourceResult(resources []common.ResourceResult, resourceKey kube.ResourceKey) *common.ResourceResult {
	for _, res := range resources {
		if res.ResourceKey == resourceKey {
			return &res
		}
	}
	return nil
}
