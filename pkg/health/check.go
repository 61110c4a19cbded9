package health

import (
	"context"
	"fmt"
	"strings"

	"k8s.io/apimachinery/pkg/apis/meta/v1/unstructured"

	"github.com/namix-io/sync-engine/pkg/platform"
	"github.com/namix-io/sync-engine/pkg/utils/kube"
)

type CheckType string

const (
	// CheckTypeHealthy uses the built-in assessment of the resource kind
	CheckTypeHealthy CheckType = "Healthy"
	// CheckTypeCondition expects status.conditions[type] to have the given status
	CheckTypeCondition CheckType = "Condition"
	// CheckTypeFieldCompare compares a numeric field with another field or a constant
	CheckTypeFieldCompare CheckType = "FieldCompare"
)

type Operator string

const (
	OperatorGreaterOrEqual Operator = ">="
	OperatorGreater        Operator = ">"
	OperatorEqual          Operator = "=="
	OperatorNotEqual       Operator = "!="
	OperatorLessOrEqual    Operator = "<="
	OperatorLess           Operator = "<"
)

// CheckSpec declares a condition a resource must satisfy, e.g.
// {Type: FieldCompare, Field: "status.availableReplicas", Operator: ">=", CompareField: "spec.replicas"}
type CheckSpec struct {
	Name     string           `json:"name,omitempty"`
	Type     CheckType        `json:"type"`
	Resource kube.ResourceKey `json:"resource"`

	ConditionType   string `json:"conditionType,omitempty"`
	ConditionStatus string `json:"conditionStatus,omitempty"`

	Field        string   `json:"field,omitempty"`
	Operator     Operator `json:"operator,omitempty"`
	CompareField string   `json:"compareField,omitempty"`
	Value        *float64 `json:"value,omitempty"`
}

func (c CheckSpec) String() string {
	if c.Name != "" {
		return c.Name
	}
	return fmt.Sprintf("%s(%s)", c.Type, c.Resource)
}

// Validate reports declaration errors
func (c CheckSpec) Validate() error {
	if c.Resource.Kind == "" || c.Resource.Name == "" {
		return fmt.Errorf("health check %s: resource kind and name are required", c)
	}
	switch c.Type {
	case CheckTypeHealthy:
	case CheckTypeCondition:
		if c.ConditionType == "" {
			return fmt.Errorf("health check %s: conditionType is required", c)
		}
	case CheckTypeFieldCompare:
		if c.Field == "" {
			return fmt.Errorf("health check %s: field is required", c)
		}
		if (c.CompareField == "") == (c.Value == nil) {
			return fmt.Errorf("health check %s: exactly one of compareField and value is required", c)
		}
		if _, err := compare(0, c.Operator, 0); err != nil {
			return fmt.Errorf("health check %s: %w", c, err)
		}
	default:
		return fmt.Errorf("health check %s: unknown type %q", c, c.Type)
	}
	return nil
}

type Outcome string

const (
	OutcomeSatisfied   Outcome = "Satisfied"
	OutcomeUnsatisfied Outcome = "Unsatisfied"
	OutcomeError       Outcome = "Error"
)

type Result struct {
	Outcome Outcome `json:"outcome"`
	Message string  `json:"message,omitempty"`
}

func satisfied(format string, args ...interface{}) Result {
	return Result{Outcome: OutcomeSatisfied, Message: fmt.Sprintf(format, args...)}
}

func unsatisfied(format string, args ...interface{}) Result {
	return Result{Outcome: OutcomeUnsatisfied, Message: fmt.Sprintf(format, args...)}
}

func failed(err error) Result {
	return Result{Outcome: OutcomeError, Message: err.Error()}
}

// Evaluate reads the resource and evaluates the check once
func Evaluate(ctx context.Context, p platform.Interface, check CheckSpec) Result {
	obj, err := p.Get(ctx, check.Resource)
	if err != nil {
		if platform.IsNotFound(err) {
			return unsatisfied("%s not found", check.Resource)
		}
		return failed(err)
	}
	return EvaluateObject(obj, check)
}

// EvaluateObject evaluates the check against an already read resource
func EvaluateObject(obj *unstructured.Unstructured, check CheckSpec) Result {
	switch check.Type {
	case CheckTypeHealthy:
		health, err := GetResourceHealth(obj)
		if err != nil {
			return failed(err)
		}
		if health == nil || health.Status == HealthStatusHealthy {
			return satisfied("healthy")
		}
		return unsatisfied("%s: %s", health.Status, health.Message)
	case CheckTypeCondition:
		conditions, err := GetConditions(obj)
		if err != nil {
			return failed(err)
		}
		expected := ConditionTrue
		if check.ConditionStatus != "" {
			expected = ConditionStatus(check.ConditionStatus)
		}
		condition, ok := conditions.Find(check.ConditionType)
		if !ok {
			return unsatisfied("condition %s not reported", check.ConditionType)
		}
		if condition.Status != expected {
			return unsatisfied("condition %s is %s: %s", check.ConditionType, condition.Status, condition.Message)
		}
		return satisfied("condition %s is %s", check.ConditionType, condition.Status)
	case CheckTypeFieldCompare:
		// missing numeric fields are omitted zero values
		left, _, err := numericField(obj, check.Field)
		if err != nil {
			return failed(err)
		}
		var right float64
		if check.Value != nil {
			right = *check.Value
		} else {
			var found bool
			right, found, err = numericField(obj, check.CompareField)
			if err != nil {
				return failed(err)
			}
			if !found {
				return unsatisfied("%s not set", check.CompareField)
			}
		}
		ok, err := compare(left, check.Operator, right)
		if err != nil {
			return failed(err)
		}
		if !ok {
			return unsatisfied("%s is %v, expected %s %v", check.Field, left, check.Operator, right)
		}
		return satisfied("%s is %v", check.Field, left)
	}
	return failed(fmt.Errorf("unknown check type %q", check.Type))
}

func numericField(obj *unstructured.Unstructured, path string) (float64, bool, error) {
	val, found, err := unstructured.NestedFieldNoCopy(obj.Object, strings.Split(path, ".")...)
	if err != nil || !found {
		return 0, false, err
	}
	switch v := val.(type) {
	case int64:
		return float64(v), true, nil
	case int:
		return float64(v), true, nil
	case int32:
		return float64(v), true, nil
	case float64:
		return v, true, nil
	}
	return 0, false, fmt.Errorf("field %s is not numeric: %T", path, val)
}

func compare(left float64, op Operator, right float64) (bool, error) {
	switch op {
	case OperatorGreaterOrEqual, "":
		return left >= right, nil
	case OperatorGreater:
		return left > right, nil
	case OperatorEqual:
		return left == right, nil
	case OperatorNotEqual:
		return left != right, nil
	case OperatorLessOrEqual:
		return left <= right, nil
	case OperatorLess:
		return left < right, nil
	}
	return false, fmt.Errorf("unknown operator %q", op)
}
