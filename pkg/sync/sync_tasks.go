package sync

import (
	"fmt"
	"sort"
	"strings"

	"k8s.io/apimachinery/pkg/apis/meta/v1/unstructured"

	"github.com/namix-io/sync-engine/pkg/sync/common"
	"github.com/namix-io/sync-engine/pkg/sync/syncwaves"
	"github.com/namix-io/sync-engine/pkg/utils/kube"
)

// kindOrder represents the correct order of Kubernetes resources within a manifest
// https://github.com/helm/helm/blob/0361dc85689e3a6d802c444e2540c92cb5842bc9/pkg/releaseutil/kind_sorter.go
var kindOrder = map[string]int{}

func init() {
	kinds := []string{
		"Namespace",
		"NetworkPolicy",
		"ResourceQuota",
		"LimitRange",
		"PodSecurityPolicy",
		"PodDisruptionBudget",
		"ServiceAccount",
		"Secret",
		"SecretList",
		"ConfigMap",
		"StorageClass",
		"PersistentVolume",
		"PersistentVolumeClaim",
		"CustomResourceDefinition",
		"ClusterRole",
		"ClusterRoleList",
		"ClusterRoleBinding",
		"ClusterRoleBindingList",
		"Role",
		"RoleList",
		"RoleBinding",
		"RoleBindingList",
		"Service",
		"DaemonSet",
		"Pod",
		"ReplicationController",
		"ReplicaSet",
		"Deployment",
		"HorizontalPodAutoscaler",
		"StatefulSet",
		"Job",
		"CronJob",
		"IngressClass",
		"Ingress",
		"APIService",
	}
	for i, kind := range kinds {
		// make sure none of the above entries are zero, we need that for custom resources
		kindOrder[kind] = i - len(kinds)
	}
}

// syncTask applies or prunes a single resource
type syncTask struct {
	key kube.ResourceKey
	// targetObj is nil for prune tasks
	targetObj *unstructured.Unstructured
	liveObj   *unstructured.Unstructured
	specHash  string
	// waveOverride pulls namespaces and CRDs into the wave of their earliest dependent
	waveOverride *int
}

func (t *syncTask) obj() *unstructured.Unstructured {
	if t.targetObj != nil {
		return t.targetObj
	}
	return t.liveObj
}

func (t *syncTask) pruning() bool {
	return t.targetObj == nil
}

func (t *syncTask) wave() int {
	if t.waveOverride != nil {
		return *t.waveOverride
	}
	if obj := t.obj(); obj != nil {
		return syncwaves.Wave(obj)
	}
	return 0
}

func (t *syncTask) name() string {
	return t.key.Name
}

func (t *syncTask) kind() string {
	return t.key.Kind
}

func (t *syncTask) String() string {
	action := "apply"
	if t.pruning() {
		action = "prune"
	}
	return fmt.Sprintf("%s/%d %s", action, t.wave(), t.key)
}

// pruneDisabled answers whether the resource opted out of pruning
func (t *syncTask) pruneDisabled() bool {
	obj := t.obj()
	if obj == nil {
		return false
	}
	for _, opt := range strings.Split(obj.GetAnnotations()[common.AnnotationSyncOptions], ",") {
		if strings.TrimSpace(opt) == common.SyncOptionDisablePrune {
			return true
		}
	}
	return false
}

func isNamespaceOf(ns *unstructured.Unstructured, obj *unstructured.Unstructured) bool {
	return ns.GetKind() == kube.NamespaceKind && ns.GroupVersionKind().Group == "" && ns.GetName() != "" && ns.GetName() == obj.GetNamespace()
}

func isCRDOfGroupKind(group string, kind string, crd *unstructured.Unstructured) bool {
	if !kube.IsCRD(crd) {
		return false
	}
	crdGroup, _, _ := unstructured.NestedString(crd.Object, "spec", "group")
	crdKind, _, _ := unstructured.NestedString(crd.Object, "spec", "names", "kind")
	return group == crdGroup && kind == crdKind
}

// enables returns whether a has to exist before b can be applied
func enables(a, b *unstructured.Unstructured) bool {
	if a == nil || b == nil {
		return false
	}
	return isNamespaceOf(a, b) || isCRDOfGroupKind(b.GroupVersionKind().Group, b.GetKind(), a)
}

type syncTasks []*syncTask

func (s syncTasks) Len() int {
	return len(s)
}

func (s syncTasks) Swap(i, j int) {
	s[i], s[j] = s[j], s[i]
}

// Less returns true if task i should be sorted before task j
// The order is:
// 1. Namespaces and CRDs before the objects they enable
// 2. Wave
// 3. Kind
// 4. Name
func (s syncTasks) Less(i, j int) bool {
	l := s[i]
	r := s[j]

	a := l.obj()
	b := r.obj()

	if enables(a, b) {
		return true
	}
	if enables(b, a) {
		return false
	}

	d := l.wave() - r.wave()
	if d != 0 {
		return d < 0
	}

	// we take advantage of the fact that if the kind is not in the kindOrder map,
	// then it will return the default int value of zero, which is the highest value
	d = kindOrder[l.kind()] - kindOrder[r.kind()]
	if d != 0 {
		return d < 0
	}

	if l.key.Namespace != r.key.Namespace {
		return l.key.Namespace < r.key.Namespace
	}
	return l.name() < r.name()
}

// adjustWaves moves namespaces and CRDs into the wave of their earliest dependent so they are
// never applied after an object that needs them
func (s syncTasks) adjustWaves() {
	for _, enabler := range s {
		if enabler.pruning() {
			continue
		}
		wave := enabler.wave()
		for _, task := range s {
			if task == enabler || task.pruning() {
				continue
			}
			if enables(enabler.obj(), task.obj()) && task.wave() < wave {
				wave = task.wave()
			}
		}
		if wave != enabler.wave() {
			w := wave
			enabler.waveOverride = &w
		}
	}
}

func (s syncTasks) Sort() {
	s.adjustWaves()
	sort.Stable(s)
}

func (s syncTasks) Filter(predicate func(task *syncTask) bool) (tasks syncTasks) {
	for _, task := range s {
		if predicate(task) {
			tasks = append(tasks, task)
		}
	}
	return tasks
}

func (s syncTasks) Split(predicate func(task *syncTask) bool) (trueTasks, falseTasks syncTasks) {
	for _, task := range s {
		if predicate(task) {
			trueTasks = append(trueTasks, task)
		} else {
			falseTasks = append(falseTasks, task)
		}
	}
	return trueTasks, falseTasks
}

func (s syncTasks) All(predicate func(task *syncTask) bool) bool {
	for _, task := range s {
		if !predicate(task) {
			return false
		}
	}
	return true
}

func (s syncTasks) Any(predicate func(task *syncTask) bool) bool {
	for _, task := range s {
		if predicate(task) {
			return true
		}
	}
	return false
}

func (s syncTasks) Find(predicate func(task *syncTask) bool) *syncTask {
	for _, task := range s {
		if predicate(task) {
			return task
		}
	}
	return nil
}

func (s syncTasks) String() string {
	var values []string
	for _, task := range s {
		values = append(values, task.String())
	}
	return "[" + strings.Join(values, ", ") + "]"
}

func (s syncTasks) names() []string {
	var values []string
	for _, task := range s {
		values = append(values, task.name())
	}
	return values
}

// waves groups sorted tasks by wave, in ascending order. Objects enabled by a namespace or CRD
// of the same wave are split into a following group.
func (s syncTasks) waves() []syncTasks {
	var res []syncTasks
	for _, task := range s {
		if len(res) == 0 || res[len(res)-1][0].wave() != task.wave() || res[len(res)-1].enable(task) {
			res = append(res, syncTasks{})
		}
		res[len(res)-1] = append(res[len(res)-1], task)
	}
	return res
}

func (s syncTasks) enable(task *syncTask) bool {
	if task.pruning() {
		return false
	}
	return s.Any(func(t *syncTask) bool {
		return !t.pruning() && enables(t.obj(), task.obj())
	})
}
