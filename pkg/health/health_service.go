package health

import (
	"k8s.io/apimachinery/pkg/apis/meta/v1/unstructured"
)

func getServiceHealth(obj *unstructured.Unstructured) (*HealthStatus, error) {
	serviceType, _, _ := unstructured.NestedString(obj.Object, "spec", "type")
	if serviceType != "LoadBalancer" {
		return &HealthStatus{Status: HealthStatusHealthy}, nil
	}
	ingresses, _, _ := unstructured.NestedSlice(obj.Object, "status", "loadBalancer", "ingress")
	if len(ingresses) > 0 {
		return &HealthStatus{Status: HealthStatusHealthy}, nil
	}
	return &HealthStatus{Status: HealthStatusProgressing, Message: "Waiting for load balancer address"}, nil
}
