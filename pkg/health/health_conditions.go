package health

import (
	"k8s.io/apimachinery/pkg/apis/meta/v1/unstructured"
	"k8s.io/apimachinery/pkg/runtime"
)

type ConditionStatus string

const (
	ConditionTrue    ConditionStatus = "True"
	ConditionFalse   ConditionStatus = "False"
	ConditionUnknown ConditionStatus = "Unknown"
)

type Condition struct {
	// Type is the type of condition
	Type string
	// Status is the status of the condition
	Status ConditionStatus
	// Reason is a one-word CamelCase reason for the condition's last transition
	Reason string
	// Message is the condition message
	Message string
}

type Conditions []Condition

// Find returns the condition of the given type
func (c Conditions) Find(conditionType string) (*Condition, bool) {
	for i := range c {
		if c[i].Type == conditionType {
			return &c[i], true
		}
	}
	return nil, false
}

// An agnostic object only considering Status.Conditions. It is agnostic to the API version or any
// other fields.
type conditionedObject struct {
	Status struct {
		Conditions Conditions
	}
}

// GetConditions returns status.conditions of any object following the usual convention
func GetConditions(obj *unstructured.Unstructured) (Conditions, error) {
	var res conditionedObject
	if _, ok := obj.Object["status"].(map[string]interface{}); !ok {
		return nil, nil
	}
	err := runtime.DefaultUnstructuredConverter.FromUnstructured(obj.Object, &res)
	if err != nil {
		return nil, err
	}
	return res.Status.Conditions, nil
}

// getReadyConditionHealth assesses custom resources through their "Ready" condition. Objects
// without one have no health assessment.
func getReadyConditionHealth(obj *unstructured.Unstructured) (*HealthStatus, error) {
	conditions, err := GetConditions(obj)
	if err != nil {
		return nil, err
	}
	ready, ok := conditions.Find("Ready")
	if !ok {
		return nil, nil
	}
	switch ready.Status {
	case ConditionTrue:
		return &HealthStatus{Status: HealthStatusHealthy, Message: ready.Message}, nil
	case ConditionFalse:
		if ready.Reason == "Progressing" || ready.Reason == "Reconciling" {
			return &HealthStatus{Status: HealthStatusProgressing, Message: ready.Message}, nil
		}
		return &HealthStatus{Status: HealthStatusDegraded, Message: ready.Message}, nil
	}
	return &HealthStatus{Status: HealthStatusProgressing, Message: ready.Message}, nil
}
