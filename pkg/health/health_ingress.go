package health

import (
	"fmt"

	"k8s.io/apimachinery/pkg/apis/meta/v1/unstructured"
)

// getIngressHealth waits for the controller to publish at least one load balancer address
func getIngressHealth(obj *unstructured.Unstructured) (*HealthStatus, error) {
	points, _, err := unstructured.NestedSlice(obj.Object, "status", "loadBalancer", "ingress")
	if err != nil {
		return nil, fmt.Errorf("invalid status of ingress %s: %w", obj.GetName(), err)
	}
	if len(points) == 0 {
		return &HealthStatus{Status: HealthStatusProgressing, Message: "Waiting for status.loadBalancer.ingress"}, nil
	}
	return &HealthStatus{Status: HealthStatusHealthy}, nil
}
