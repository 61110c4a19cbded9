package health

import (
	"encoding/json"

	"k8s.io/apimachinery/pkg/apis/meta/v1/unstructured"
)

type hpaCondition struct {
	Type    string
	Status  string
	Reason  string
	Message string
}

var degradedHPAStates = []hpaCondition{
	{Type: "AbleToScale", Reason: "FailedGetScale"},
	{Type: "AbleToScale", Reason: "FailedUpdateScale"},
	{Type: "ScalingActive", Reason: "FailedGetResourceMetric"},
	{Type: "ScalingActive", Reason: "InvalidSelector"},
}

func isDegraded(condition *hpaCondition) bool {
	for _, degradedState := range degradedHPAStates {
		if condition.Type == degradedState.Type && condition.Reason == degradedState.Reason {
			return true
		}
	}
	return false
}

// hpaConditions reads autoscaling/v2 status.conditions, falling back to the annotation
// autoscaling/v1 exposes them through.
func hpaConditions(obj *unstructured.Unstructured) []hpaCondition {
	var conditions []hpaCondition
	if raw, ok, _ := unstructured.NestedSlice(obj.Object, "status", "conditions"); ok {
		for _, item := range raw {
			m, ok := item.(map[string]interface{})
			if !ok {
				continue
			}
			condition := hpaCondition{}
			condition.Type, _, _ = unstructured.NestedString(m, "type")
			condition.Status, _, _ = unstructured.NestedString(m, "status")
			condition.Reason, _, _ = unstructured.NestedString(m, "reason")
			condition.Message, _, _ = unstructured.NestedString(m, "message")
			conditions = append(conditions, condition)
		}
		return conditions
	}
	if annotation, ok := obj.GetAnnotations()["autoscaling.alpha.kubernetes.io/conditions"]; ok {
		_ = json.Unmarshal([]byte(annotation), &conditions)
	}
	return conditions
}

func getHPAHealth(obj *unstructured.Unstructured) (*HealthStatus, error) {
	conditions := hpaConditions(obj)
	if len(conditions) == 0 {
		return &HealthStatus{Status: HealthStatusHealthy}, nil
	}

	for _, condition := range conditions {
		if isDegraded(&condition) {
			return &HealthStatus{
				Status:  HealthStatusDegraded,
				Message: condition.Message,
			}, nil
		}
		if (condition.Type == "AbleToScale" && condition.Reason == "SucceededRescale") ||
			(condition.Type == "AbleToScale" && condition.Reason == "ReadyForNewScale") ||
			(condition.Type == "ScalingLimited" && condition.Reason == "DesiredWithinRange") {
			return &HealthStatus{
				Status:  HealthStatusHealthy,
				Message: condition.Message,
			}, nil
		}
	}
	return &HealthStatus{
		Status:  HealthStatusProgressing,
		Message: "Waiting to Autoscale",
	}, nil
}
