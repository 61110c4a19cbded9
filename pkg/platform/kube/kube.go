// Package kube applies resources to a Kubernetes cluster through the dynamic client.
package kube

import (
	"context"
	"fmt"

	"github.com/go-logr/logr"
	apierrors "k8s.io/apimachinery/pkg/api/errors"
	"k8s.io/apimachinery/pkg/api/meta"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/apis/meta/v1/unstructured"
	"k8s.io/apimachinery/pkg/fields"
	"k8s.io/apimachinery/pkg/runtime/schema"
	"k8s.io/apimachinery/pkg/watch"
	"k8s.io/client-go/discovery"
	"k8s.io/client-go/discovery/cached/memory"
	"k8s.io/client-go/dynamic"
	"k8s.io/client-go/rest"
	"k8s.io/client-go/restmapper"

	"github.com/namix-io/sync-engine/pkg/platform"
	"github.com/namix-io/sync-engine/pkg/utils/kube"
)

// Platform implements platform.Interface on top of a dynamic client
type Platform struct {
	client dynamic.Interface
	mapper meta.RESTMapper
	log    logr.Logger
}

func NewPlatform(client dynamic.Interface, mapper meta.RESTMapper, log logr.Logger) *Platform {
	return &Platform{client: client, mapper: mapper, log: log}
}

// NewForConfig builds a Platform with a discovery backed REST mapper
func NewForConfig(config *rest.Config, log logr.Logger) (*Platform, error) {
	client, err := dynamic.NewForConfig(config)
	if err != nil {
		return nil, err
	}
	disco, err := discovery.NewDiscoveryClientForConfig(config)
	if err != nil {
		return nil, err
	}
	mapper := restmapper.NewDeferredDiscoveryRESTMapper(memory.NewMemCacheClient(disco))
	return NewPlatform(client, mapper, log), nil
}

func (p *Platform) resource(key kube.ResourceKey, versions ...string) (dynamic.ResourceInterface, error) {
	mapping, err := p.mapper.RESTMapping(schema.GroupKind{Group: key.Group, Kind: key.Kind}, versions...)
	if err != nil {
		if meta.IsNoMatchError(err) {
			return nil, &platform.RejectedError{Key: key, Message: err.Error()}
		}
		return nil, err
	}
	if mapping.Scope.Name() == meta.RESTScopeNameNamespace {
		return p.client.Resource(mapping.Resource).Namespace(key.Namespace), nil
	}
	return p.client.Resource(mapping.Resource), nil
}

func (p *Platform) Get(ctx context.Context, key kube.ResourceKey) (*unstructured.Unstructured, error) {
	ri, err := p.resource(key)
	if err != nil {
		return nil, err
	}
	obj, err := ri.Get(ctx, key.Name, metav1.GetOptions{})
	if err != nil {
		return nil, mapError(key, err)
	}
	return obj, nil
}

// Apply creates the resource or replaces the existing one, carrying over its resourceVersion.
func (p *Platform) Apply(ctx context.Context, obj *unstructured.Unstructured) (*unstructured.Unstructured, error) {
	key := kube.GetResourceKey(obj)
	ri, err := p.resource(key, obj.GroupVersionKind().Version)
	if err != nil {
		return nil, err
	}
	existing, err := ri.Get(ctx, key.Name, metav1.GetOptions{})
	if err != nil {
		if !apierrors.IsNotFound(err) {
			return nil, mapError(key, err)
		}
		created, err := ri.Create(ctx, obj, metav1.CreateOptions{})
		if err != nil {
			return nil, mapError(key, err)
		}
		p.log.V(1).Info("Created resource", "resource", key.String())
		return created, nil
	}
	obj = obj.DeepCopy()
	obj.SetResourceVersion(existing.GetResourceVersion())
	updated, err := ri.Update(ctx, obj, metav1.UpdateOptions{})
	if err != nil {
		return nil, mapError(key, err)
	}
	p.log.V(1).Info("Updated resource", "resource", key.String())
	return updated, nil
}

func (p *Platform) Delete(ctx context.Context, key kube.ResourceKey) error {
	ri, err := p.resource(key)
	if err != nil {
		return err
	}
	propagation := metav1.DeletePropagationForeground
	if err := ri.Delete(ctx, key.Name, metav1.DeleteOptions{PropagationPolicy: &propagation}); err != nil {
		return mapError(key, err)
	}
	return nil
}

func (p *Platform) Watch(ctx context.Context, key kube.ResourceKey) (<-chan platform.Event, error) {
	ri, err := p.resource(key)
	if err != nil {
		return nil, err
	}
	w, err := ri.Watch(ctx, metav1.ListOptions{FieldSelector: fields.OneTermEqualSelector("metadata.name", key.Name).String()})
	if err != nil {
		return nil, mapError(key, err)
	}
	events := make(chan platform.Event)
	go func() {
		defer close(events)
		defer w.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case e, ok := <-w.ResultChan():
				if !ok {
					return
				}
				event, ok := toEvent(key, e)
				if !ok {
					continue
				}
				select {
				case events <- event:
				case <-ctx.Done():
					return
				}
			}
		}
	}()
	return events, nil
}

func toEvent(key kube.ResourceKey, e watch.Event) (platform.Event, bool) {
	obj, ok := e.Object.(*unstructured.Unstructured)
	if !ok || obj.GetName() != key.Name {
		return platform.Event{}, false
	}
	switch e.Type {
	case watch.Added:
		return platform.Event{Type: platform.EventAdded, Key: key, Object: obj}, true
	case watch.Modified:
		return platform.Event{Type: platform.EventModified, Key: key, Object: obj}, true
	case watch.Deleted:
		return platform.Event{Type: platform.EventDeleted, Key: key, Object: obj}, true
	}
	return platform.Event{}, false
}

func mapError(key kube.ResourceKey, err error) error {
	switch {
	case apierrors.IsNotFound(err):
		return fmt.Errorf("%s: %w", key, platform.ErrNotFound)
	case apierrors.IsConflict(err), apierrors.IsAlreadyExists(err):
		// resourceVersion races with other writers, retried as transient
		return fmt.Errorf("%s was changed concurrently: %w", key, err)
	case apierrors.IsInvalid(err), apierrors.IsBadRequest(err), apierrors.IsForbidden(err), apierrors.IsMethodNotSupported(err):
		return &platform.RejectedError{Key: key, Message: err.Error()}
	}
	return err
}

var _ platform.Interface = &Platform{}
