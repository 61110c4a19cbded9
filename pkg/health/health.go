// Package health assesses resource health and evaluates declared health checks.
package health

import (
	"k8s.io/apimachinery/pkg/apis/meta/v1/unstructured"
	"k8s.io/apimachinery/pkg/runtime/schema"

	"github.com/namix-io/sync-engine/pkg/utils/kube"
)

// Represents resource health status
type HealthStatusCode string

const (
	// Indicates that health assessment failed and actual health status is unknown
	HealthStatusUnknown HealthStatusCode = "Unknown"
	// Progressing health status means that resource is not healthy but still have a chance to reach healthy state
	HealthStatusProgressing HealthStatusCode = "Progressing"
	// Resource is 100% healthy
	HealthStatusHealthy HealthStatusCode = "Healthy"
	// Resource is missing
	HealthStatusMissing HealthStatusCode = "Missing"
	// Degrade status is used if resource status indicates failure or resource could not reach healthy state
	// within some timeout.
	HealthStatusDegraded HealthStatusCode = "Degraded"
)

// HealthStatus is a resource health status
type HealthStatus struct {
	Status  HealthStatusCode `json:"status,omitempty"`
	Message string           `json:"message,omitempty"`
}

// healthOrder is a list of health codes in order of most healthy to least healthy
var healthOrder = []HealthStatusCode{
	HealthStatusHealthy,
	HealthStatusProgressing,
	HealthStatusUnknown,
	HealthStatusMissing,
	HealthStatusDegraded,
}

// IsWorse returns whether or not the new health status code is a worse condition than the current
func IsWorse(current, new HealthStatusCode) bool {
	currentIndex := 0
	newIndex := 0
	for i, code := range healthOrder {
		if current == code {
			currentIndex = i
		}
		if new == code {
			newIndex = i
		}
	}
	return newIndex > currentIndex
}

// GetResourceHealth returns the health of a resource. A nil status means the kind has no
// health assessment and is considered healthy.
func GetResourceHealth(obj *unstructured.Unstructured) (*HealthStatus, error) {
	if obj.GetDeletionTimestamp() != nil {
		return &HealthStatus{
			Status:  HealthStatusProgressing,
			Message: "Pending deletion",
		}, nil
	}
	if healthCheck := GetHealthCheckFunc(obj.GroupVersionKind()); healthCheck != nil {
		return healthCheck(obj)
	}
	return getReadyConditionHealth(obj)
}

// GetHealthCheckFunc returns the built-in health assessment of the kind, if any
func GetHealthCheckFunc(gvk schema.GroupVersionKind) func(obj *unstructured.Unstructured) (*HealthStatus, error) {
	switch gvk.Group {
	case "apps":
		switch gvk.Kind {
		case kube.DeploymentKind:
			return getDeploymentHealth
		case kube.StatefulSetKind:
			return getStatefulSetHealth
		case kube.DaemonSetKind:
			return getDaemonSetHealth
		case kube.ReplicaSetKind:
			return getReplicaSetHealth
		}
	case "batch":
		if gvk.Kind == kube.JobKind {
			return getJobHealth
		}
	case "networking.k8s.io", "extensions":
		if gvk.Kind == kube.IngressKind {
			return getIngressHealth
		}
	case "autoscaling":
		if gvk.Kind == kube.HorizontalPodAutoscalerKind {
			return getHPAHealth
		}
	case "apiextensions.k8s.io":
		if gvk.Kind == kube.CustomResourceDefinitionKind {
			return getCustomResourceDefinitionHealth
		}
	case "":
		if gvk.Kind == kube.ServiceKind {
			return getServiceHealth
		}
	}
	return nil
}
