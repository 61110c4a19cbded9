package health

import (
	"fmt"

	appsv1 "k8s.io/api/apps/v1"
	"k8s.io/apimachinery/pkg/apis/meta/v1/unstructured"
	"k8s.io/apimachinery/pkg/runtime"
)

func getDeploymentHealth(obj *unstructured.Unstructured) (*HealthStatus, error) {
	var deployment appsv1.Deployment
	if err := runtime.DefaultUnstructuredConverter.FromUnstructured(obj.Object, &deployment); err != nil {
		return nil, fmt.Errorf("failed to convert unstructured Deployment to typed: %v", err)
	}
	if deployment.Spec.Paused {
		return &HealthStatus{Status: HealthStatusProgressing, Message: "Deployment is paused"}, nil
	}
	// controller has not observed the latest spec yet
	if deployment.Generation > deployment.Status.ObservedGeneration {
		return &HealthStatus{Status: HealthStatusProgressing, Message: "Waiting for rollout to finish: observed deployment generation less than desired generation"}, nil
	}
	for _, condition := range deployment.Status.Conditions {
		if condition.Type == appsv1.DeploymentProgressing && condition.Reason == "ProgressDeadlineExceeded" {
			return &HealthStatus{Status: HealthStatusDegraded, Message: fmt.Sprintf("Deployment %q exceeded its progress deadline", obj.GetName())}, nil
		}
	}
	replicas := int32(1)
	if deployment.Spec.Replicas != nil {
		replicas = *deployment.Spec.Replicas
	}
	switch {
	case deployment.Status.UpdatedReplicas < replicas:
		return &HealthStatus{Status: HealthStatusProgressing, Message: fmt.Sprintf("Waiting for rollout to finish: %d out of %d new replicas have been updated...", deployment.Status.UpdatedReplicas, replicas)}, nil
	case deployment.Status.Replicas > deployment.Status.UpdatedReplicas:
		return &HealthStatus{Status: HealthStatusProgressing, Message: fmt.Sprintf("Waiting for rollout to finish: %d old replicas are pending termination...", deployment.Status.Replicas-deployment.Status.UpdatedReplicas)}, nil
	case deployment.Status.AvailableReplicas < deployment.Status.UpdatedReplicas:
		return &HealthStatus{Status: HealthStatusProgressing, Message: fmt.Sprintf("Waiting for rollout to finish: %d of %d updated replicas are available...", deployment.Status.AvailableReplicas, deployment.Status.UpdatedReplicas)}, nil
	}
	return &HealthStatus{Status: HealthStatusHealthy}, nil
}

func getStatefulSetHealth(obj *unstructured.Unstructured) (*HealthStatus, error) {
	var sts appsv1.StatefulSet
	if err := runtime.DefaultUnstructuredConverter.FromUnstructured(obj.Object, &sts); err != nil {
		return nil, fmt.Errorf("failed to convert unstructured StatefulSet to typed: %v", err)
	}
	if sts.Status.ObservedGeneration == 0 || sts.Generation > sts.Status.ObservedGeneration {
		return &HealthStatus{Status: HealthStatusProgressing, Message: "Waiting for statefulset spec update to be observed..."}, nil
	}
	replicas := int32(1)
	if sts.Spec.Replicas != nil {
		replicas = *sts.Spec.Replicas
	}
	if sts.Status.ReadyReplicas < replicas {
		return &HealthStatus{Status: HealthStatusProgressing, Message: fmt.Sprintf("Waiting for %d pods to be ready...", replicas-sts.Status.ReadyReplicas)}, nil
	}
	if sts.Spec.UpdateStrategy.Type == appsv1.RollingUpdateStatefulSetStrategyType && sts.Status.UpdateRevision != sts.Status.CurrentRevision {
		return &HealthStatus{Status: HealthStatusProgressing, Message: fmt.Sprintf("waiting for statefulset rolling update to complete %d pods at revision %s...", sts.Status.UpdatedReplicas, sts.Status.UpdateRevision)}, nil
	}
	return &HealthStatus{Status: HealthStatusHealthy, Message: fmt.Sprintf("statefulset rolling update complete %d pods at revision %s...", sts.Status.CurrentReplicas, sts.Status.CurrentRevision)}, nil
}

func getDaemonSetHealth(obj *unstructured.Unstructured) (*HealthStatus, error) {
	var daemon appsv1.DaemonSet
	if err := runtime.DefaultUnstructuredConverter.FromUnstructured(obj.Object, &daemon); err != nil {
		return nil, fmt.Errorf("failed to convert unstructured DaemonSet to typed: %v", err)
	}
	if daemon.Generation > daemon.Status.ObservedGeneration {
		return &HealthStatus{Status: HealthStatusProgressing, Message: "Waiting for rollout to finish: observed daemon set generation less than desired generation"}, nil
	}
	if daemon.Status.UpdatedNumberScheduled < daemon.Status.DesiredNumberScheduled {
		return &HealthStatus{Status: HealthStatusProgressing, Message: fmt.Sprintf("Waiting for daemon set %q rollout to finish: %d out of %d new pods have been updated...", daemon.Name, daemon.Status.UpdatedNumberScheduled, daemon.Status.DesiredNumberScheduled)}, nil
	}
	if daemon.Status.NumberAvailable < daemon.Status.DesiredNumberScheduled {
		return &HealthStatus{Status: HealthStatusProgressing, Message: fmt.Sprintf("Waiting for daemon set %q rollout to finish: %d of %d updated pods are available...", daemon.Name, daemon.Status.NumberAvailable, daemon.Status.DesiredNumberScheduled)}, nil
	}
	return &HealthStatus{Status: HealthStatusHealthy}, nil
}

func getReplicaSetHealth(obj *unstructured.Unstructured) (*HealthStatus, error) {
	var replicaSet appsv1.ReplicaSet
	if err := runtime.DefaultUnstructuredConverter.FromUnstructured(obj.Object, &replicaSet); err != nil {
		return nil, fmt.Errorf("failed to convert unstructured ReplicaSet to typed: %v", err)
	}
	if replicaSet.Generation > replicaSet.Status.ObservedGeneration {
		return &HealthStatus{Status: HealthStatusProgressing, Message: "Waiting for rollout to finish: observed replica set generation less than desired generation"}, nil
	}
	for _, condition := range replicaSet.Status.Conditions {
		if condition.Type == appsv1.ReplicaSetReplicaFailure && condition.Status == "True" {
			return &HealthStatus{Status: HealthStatusDegraded, Message: condition.Message}, nil
		}
	}
	if replicaSet.Spec.Replicas != nil && replicaSet.Status.AvailableReplicas < *replicaSet.Spec.Replicas {
		return &HealthStatus{Status: HealthStatusProgressing, Message: fmt.Sprintf("Waiting for rollout to finish: %d out of %d new replicas are available...", replicaSet.Status.AvailableReplicas, *replicaSet.Spec.Replicas)}, nil
	}
	return &HealthStatus{Status: HealthStatusHealthy}, nil
}
