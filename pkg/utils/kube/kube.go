// Package kube contains helpers for addressing resource documents.
package kube

import (
	"fmt"
	"strings"

	"k8s.io/apimachinery/pkg/apis/meta/v1/unstructured"
	"k8s.io/apimachinery/pkg/runtime/schema"
)

const (
	NamespaceKind                = "Namespace"
	CustomResourceDefinitionKind = "CustomResourceDefinition"
	DeploymentKind               = "Deployment"
	StatefulSetKind              = "StatefulSet"
	DaemonSetKind                = "DaemonSet"
	ReplicaSetKind               = "ReplicaSet"
	JobKind                      = "Job"
	IngressKind                  = "Ingress"
	HorizontalPodAutoscalerKind  = "HorizontalPodAutoscaler"
	ServiceKind                  = "Service"
)

// clusterScopedKinds lists built-in kinds that never carry a namespace. Custom resources are
// assumed namespaced unless they declare otherwise through an explicit empty namespace.
var clusterScopedKinds = map[schema.GroupKind]bool{
	{Group: "", Kind: NamespaceKind}:                                          true,
	{Group: "", Kind: "Node"}:                                                 true,
	{Group: "", Kind: "PersistentVolume"}:                                     true,
	{Group: "rbac.authorization.k8s.io", Kind: "ClusterRole"}:                 true,
	{Group: "rbac.authorization.k8s.io", Kind: "ClusterRoleBinding"}:          true,
	{Group: "storage.k8s.io", Kind: "StorageClass"}:                           true,
	{Group: "scheduling.k8s.io", Kind: "PriorityClass"}:                       true,
	{Group: "apiextensions.k8s.io", Kind: CustomResourceDefinitionKind}:       true,
	{Group: "apiregistration.k8s.io", Kind: "APIService"}:                     true,
	{Group: "admissionregistration.k8s.io", Kind: "ValidatingWebhookConfiguration"}: true,
	{Group: "admissionregistration.k8s.io", Kind: "MutatingWebhookConfiguration"}:   true,
	{Group: "networking.k8s.io", Kind: "IngressClass"}:                        true,
}

// ResourceKey uniquely identifies a resource document regardless of its version.
type ResourceKey struct {
	Group     string `json:"group"`
	Kind      string `json:"kind"`
	Namespace string `json:"namespace"`
	Name      string `json:"name"`
}

func NewResourceKey(group string, kind string, namespace string, name string) ResourceKey {
	return ResourceKey{Group: group, Kind: kind, Namespace: namespace, Name: name}
}

func (k ResourceKey) String() string {
	return fmt.Sprintf("%s/%s/%s/%s", k.Group, k.Kind, k.Namespace, k.Name)
}

func (k ResourceKey) GroupKind() schema.GroupKind {
	return schema.GroupKind{Group: k.Group, Kind: k.Kind}
}

// ParseResourceKey is the inverse of ResourceKey.String.
func ParseResourceKey(s string) (ResourceKey, error) {
	parts := strings.Split(s, "/")
	if len(parts) != 4 {
		return ResourceKey{}, fmt.Errorf("invalid resource key %q", s)
	}
	return NewResourceKey(parts[0], parts[1], parts[2], parts[3]), nil
}

// GetResourceKey returns the key of the given object.
func GetResourceKey(obj *unstructured.Unstructured) ResourceKey {
	gvk := obj.GroupVersionKind()
	return NewResourceKey(gvk.Group, gvk.Kind, obj.GetNamespace(), obj.GetName())
}

// IsClusterScoped answers whether the group/kind is known to be cluster level.
func IsClusterScoped(gk schema.GroupKind) bool {
	return clusterScopedKinds[gk]
}

func IsCRD(obj *unstructured.Unstructured) bool {
	return obj.GroupVersionKind().GroupKind() == schema.GroupKind{Group: "apiextensions.k8s.io", Kind: CustomResourceDefinitionKind}
}

// GetAppInstanceLabel returns the owner label value set on the object, if any.
func GetAppInstanceLabel(obj *unstructured.Unstructured, key string) string {
	if labels := obj.GetLabels(); labels != nil {
		return labels[key]
	}
	return ""
}

// SetAppInstanceLabel stamps the owner label on the object.
func SetAppInstanceLabel(obj *unstructured.Unstructured, key, val string) {
	labels := obj.GetLabels()
	if labels == nil {
		labels = map[string]string{}
	}
	labels[key] = val
	obj.SetLabels(labels)
}
