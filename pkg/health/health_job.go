package health

import (
	"fmt"

	batchv1 "k8s.io/api/batch/v1"
	corev1 "k8s.io/api/core/v1"
	"k8s.io/apimachinery/pkg/apis/meta/v1/unstructured"
	"k8s.io/apimachinery/pkg/runtime"
)

func getJobHealth(obj *unstructured.Unstructured) (*HealthStatus, error) {
	var job batchv1.Job
	if err := runtime.DefaultUnstructuredConverter.FromUnstructured(obj.Object, &job); err != nil {
		return nil, fmt.Errorf("failed to convert unstructured Job to typed: %v", err)
	}
	failed := false
	var failMsg string
	complete := false
	var message string
	for _, condition := range job.Status.Conditions {
		switch condition.Type {
		case batchv1.JobFailed:
			if condition.Status == corev1.ConditionTrue {
				failed = true
				complete = true
				failMsg = condition.Message
			}
		case batchv1.JobComplete:
			if condition.Status == corev1.ConditionTrue {
				complete = true
				message = condition.Message
			}
		}
	}
	switch {
	case !complete:
		return &HealthStatus{
			Status:  HealthStatusProgressing,
			Message: message,
		}, nil
	case failed:
		return &HealthStatus{
			Status:  HealthStatusDegraded,
			Message: failMsg,
		}, nil
	}
	return &HealthStatus{
		Status:  HealthStatusHealthy,
		Message: message,
	}, nil
}
