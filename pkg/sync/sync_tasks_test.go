package sync

import (
	"sort"
	"testing"

	"github.com/stretchr/testify/assert"
	"k8s.io/apimachinery/pkg/apis/meta/v1/unstructured"

	"github.com/namix-io/sync-engine/pkg/sync/common"
	"github.com/namix-io/sync-engine/pkg/utils/kube"
	testingutils "github.com/namix-io/sync-engine/pkg/utils/testing"
)

func newTask(obj *unstructured.Unstructured) *syncTask {
	return &syncTask{key: kube.GetResourceKey(obj), targetObj: obj}
}

func Test_syncTasks_kindOrder(t *testing.T) {
	assert.Equal(t, -35, kindOrder["Namespace"])
	assert.Equal(t, -1, kindOrder["APIService"])
	assert.Equal(t, 0, kindOrder["MyCRD"])
}

func TestSortSyncTask(t *testing.T) {
	pod := newTask(testingutils.NewPod())
	svc := newTask(testingutils.NewService())
	deploy := newTask(testingutils.NewDeployment())
	cm := newTask(testingutils.NewConfigMap())
	custom := newTask(testingutils.Unstructured(`
apiVersion: example.com/v1
kind: Widget
metadata:
  name: a
  namespace: default
`))
	early := newTask(testingutils.Annotate(testingutils.Named(testingutils.NewPod(), "z-early"), common.AnnotationSyncWave, "-1"))

	unsorted := syncTasks{custom, deploy, pod, svc, cm, early}
	unsorted.Sort()
	assert.Equal(t, syncTasks{early, cm, svc, pod, deploy, custom}, unsorted)
}

func TestAnySyncTasks(t *testing.T) {
	tasks := syncTasks{newTask(testingutils.NewPod()), newTask(testingutils.NewService())}
	assert.True(t, tasks.Any(func(task *syncTask) bool {
		return task.name() == "my-pod"
	}))
	assert.False(t, tasks.Any(func(task *syncTask) bool {
		return task.name() == "does-not-exist"
	}))
}

func TestAllSyncTasks(t *testing.T) {
	tasks := syncTasks{newTask(testingutils.NewPod()), newTask(testingutils.NewService())}
	assert.True(t, tasks.All(func(task *syncTask) bool {
		return task.name() != ""
	}))
	assert.False(t, tasks.All(func(task *syncTask) bool {
		return task.name() == "my-pod"
	}))
}

func TestSplitSyncTasks(t *testing.T) {
	pod := newTask(testingutils.NewPod())
	svc := newTask(testingutils.NewService())
	prune := &syncTask{key: kube.NewResourceKey("", "ConfigMap", "default", "old"), liveObj: testingutils.NewConfigMap()}

	pruning, applying := syncTasks{pod, prune, svc}.Split(func(task *syncTask) bool {
		return task.pruning()
	})
	assert.Equal(t, syncTasks{prune}, pruning)
	assert.Equal(t, syncTasks{pod, svc}, applying)
}

func Test_syncTasks_Filter(t *testing.T) {
	pod := newTask(testingutils.NewPod())
	svc := newTask(testingutils.NewService())
	assert.Equal(t, syncTasks{svc}, syncTasks{pod, svc}.Filter(func(t *syncTask) bool {
		return t.kind() == kube.ServiceKind
	}))
}

func TestSyncNamespaceAgainstCRD(t *testing.T) {
	crd := newTask(testingutils.Unstructured(`
apiVersion: example.com/v1
kind: Workflow
metadata:
  name: wf
`))
	namespace := newTask(testingutils.Unstructured(`
apiVersion: v1
kind: Namespace
metadata:
  name: apps
`))

	unsorted := syncTasks{crd, namespace}
	sort.Sort(unsorted)

	assert.Equal(t, syncTasks{namespace, crd}, unsorted)
}

func TestSyncTasksSort_NamespaceAndObjectInNamespace(t *testing.T) {
	job1 := newTask(testingutils.Unstructured(`
apiVersion: batch/v1
kind: Job
metadata:
  name: mySyncHookJob1
  namespace: myNamespace1
`))
	job2 := newTask(testingutils.Unstructured(`
apiVersion: batch/v1
kind: Job
metadata:
  name: mySyncHookJob2
  namespace: myNamespace2
  annotations:
    sync-engine.namix.io/sync-wave: "-1"
`))
	namespace1 := newTask(testingutils.Unstructured(`
apiVersion: v1
kind: Namespace
metadata:
  name: myNamespace1
  annotations:
    sync-engine.namix.io/sync-wave: "1"
`))
	namespace2 := newTask(testingutils.Unstructured(`
apiVersion: v1
kind: Namespace
metadata:
  name: myNamespace2
  annotations:
    sync-engine.namix.io/sync-wave: "2"
`))

	unsorted := syncTasks{job1, job2, namespace1, namespace2}
	unsorted.Sort()

	assert.Equal(t, syncTasks{namespace2, job2, namespace1, job1}, unsorted)
	assert.Equal(t, 0, namespace1.wave())
	assert.Equal(t, -1, namespace2.wave())

	waves := unsorted.waves()
	assert.Equal(t, []syncTasks{{namespace2}, {job2}, {namespace1}, {job1}}, waves)
}

func TestSyncTasksSort_CRDAndCR(t *testing.T) {
	cr := newTask(testingutils.Unstructured(`
apiVersion: argoproj.io/v1
kind: Workflow
metadata:
  name: wf
  namespace: default
`))
	crd := newTask(testingutils.Unstructured(`
apiVersion: apiextensions.k8s.io/v1
kind: CustomResourceDefinition
metadata:
  name: workflows.argoproj.io
  annotations:
    sync-engine.namix.io/sync-wave: "3"
spec:
  group: argoproj.io
  names:
    kind: Workflow
`))

	unsorted := syncTasks{cr, crd}
	unsorted.Sort()

	assert.Equal(t, syncTasks{crd, cr}, unsorted)
	assert.Equal(t, 0, crd.wave())
	assert.Len(t, unsorted.waves(), 2)
}

func TestSyncTasksWaves(t *testing.T) {
	a := newTask(testingutils.NewConfigMap())
	b := newTask(testingutils.NewService())
	c := newTask(testingutils.Annotate(testingutils.NewDeployment(), common.AnnotationSyncWave, "1"))
	d := newTask(testingutils.Annotate(testingutils.NewPod(), common.AnnotationArgoSyncWave, "5"))

	tasks := syncTasks{d, c, b, a}
	tasks.Sort()
	assert.Equal(t, []syncTasks{{a, b}, {c}, {d}}, tasks.waves())
	assert.Equal(t, []string{"my-config", "my-service", "my-deploy", "my-pod"}, tasks.names())
	assert.Empty(t, syncTasks{}.waves())
}

func TestPruneDisabled(t *testing.T) {
	assert.False(t, newTask(testingutils.NewPod()).pruneDisabled())
	assert.True(t, newTask(testingutils.Annotate(testingutils.NewPod(), common.AnnotationSyncOptions, "Validate=false, Prune=false")).pruneDisabled())
	assert.True(t, (&syncTask{liveObj: testingutils.Annotate(testingutils.NewPod(), common.AnnotationSyncOptions, "Prune=false")}).pruneDisabled())
}

func TestSyncTaskString(t *testing.T) {
	assert.Equal(t, "apply/0 /Pod/default/my-pod", newTask(testingutils.NewPod()).String())
	prune := &syncTask{key: kube.NewResourceKey("", "Pod", "default", "old")}
	assert.Equal(t, "prune/0 /Pod/default/old", prune.String())
}
