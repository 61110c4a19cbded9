// Package platform defines the boundary to the system live resources are applied to.
package platform

import (
	"context"
	"errors"
	"fmt"

	"k8s.io/apimachinery/pkg/apis/meta/v1/unstructured"

	"github.com/namix-io/sync-engine/pkg/utils/kube"
)

// ErrNotFound is returned by Get and Delete for missing resources
var ErrNotFound = errors.New("resource not found")

// RejectedError is returned when the platform refuses a document, e.g. on schema validation
type RejectedError struct {
	Key     kube.ResourceKey
	Message string
}

func (e *RejectedError) Error() string {
	return fmt.Sprintf("%s rejected: %s", e.Key, e.Message)
}

func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound)
}

func IsRejected(err error) bool {
	var rejected *RejectedError
	return errors.As(err, &rejected)
}

// IsTransient answers whether a failed call may succeed when retried. Writes lost to a
// concurrent change of the resource are transient: the next attempt reads it again.
func IsTransient(err error) bool {
	return err != nil && !IsNotFound(err) && !IsRejected(err) &&
		!errors.Is(err, context.Canceled)
}

type EventType string

const (
	EventAdded    EventType = "Added"
	EventModified EventType = "Modified"
	EventDeleted  EventType = "Deleted"
)

// Event reports a change of a watched resource
type Event struct {
	Type   EventType
	Key    kube.ResourceKey
	Object *unstructured.Unstructured
}

// Interface is the platform collaborator. Implementations must be safe for concurrent use.
type Interface interface {
	Get(ctx context.Context, key kube.ResourceKey) (*unstructured.Unstructured, error)
	// Apply creates or replaces the resource and returns the stored object
	Apply(ctx context.Context, obj *unstructured.Unstructured) (*unstructured.Unstructured, error)
	Delete(ctx context.Context, key kube.ResourceKey) error
	// Watch streams changes of one resource until ctx is done
	Watch(ctx context.Context, key kube.ResourceKey) (<-chan Event, error)
}
