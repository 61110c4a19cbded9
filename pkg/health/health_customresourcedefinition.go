package health

import (
	"fmt"

	apiextensionsv1 "k8s.io/apiextensions-apiserver/pkg/apis/apiextensions/v1"
	"k8s.io/apimachinery/pkg/apis/meta/v1/unstructured"
	"k8s.io/apimachinery/pkg/runtime"
)

// crdConditionRules are evaluated in order, the first matching condition decides the health
var crdConditionRules = []struct {
	condition apiextensionsv1.CustomResourceDefinitionConditionType
	status    apiextensionsv1.ConditionStatus
	health    HealthStatusCode
	message   string
}{
	{apiextensionsv1.Terminating, apiextensionsv1.ConditionTrue, HealthStatusProgressing, "CRD is being terminated"},
	{apiextensionsv1.NamesAccepted, apiextensionsv1.ConditionFalse, HealthStatusDegraded, "CRD names have not been accepted"},
	{apiextensionsv1.Established, apiextensionsv1.ConditionFalse, HealthStatusDegraded, "CRD is not established"},
	{apiextensionsv1.NonStructuralSchema, apiextensionsv1.ConditionTrue, HealthStatusDegraded, "Schema violations found"},
}

func getCustomResourceDefinitionHealth(obj *unstructured.Unstructured) (*HealthStatus, error) {
	var crd apiextensionsv1.CustomResourceDefinition
	if err := runtime.DefaultUnstructuredConverter.FromUnstructured(obj.Object, &crd); err != nil {
		return nil, fmt.Errorf("failed to convert %s to CustomResourceDefinition: %w", obj.GetName(), err)
	}
	if len(crd.Status.Conditions) == 0 {
		return &HealthStatus{Status: HealthStatusProgressing, Message: "Status conditions not found"}, nil
	}
	conditions := map[apiextensionsv1.CustomResourceDefinitionConditionType]apiextensionsv1.CustomResourceDefinitionCondition{}
	for _, c := range crd.Status.Conditions {
		conditions[c.Type] = c
	}
	for _, rule := range crdConditionRules {
		if c, ok := conditions[rule.condition]; ok && c.Status == rule.status {
			return &HealthStatus{Status: rule.health, Message: fmt.Sprintf("%s: %s", rule.message, c.Message)}, nil
		}
	}
	if _, ok := conditions[apiextensionsv1.Established]; !ok {
		return &HealthStatus{Status: HealthStatusDegraded, Message: "CRD is not established"}, nil
	}
	return &HealthStatus{Status: HealthStatusHealthy, Message: "CRD is healthy"}, nil
}
