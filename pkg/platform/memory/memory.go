// Package memory provides an in-process platform. It backs dry runs and tests.
package memory

import (
	"context"
	"strconv"
	"sync"

	"github.com/google/uuid"
	"k8s.io/apimachinery/pkg/apis/meta/v1/unstructured"
	"k8s.io/apimachinery/pkg/types"

	"github.com/namix-io/sync-engine/pkg/platform"
	"github.com/namix-io/sync-engine/pkg/utils/kube"
)

const (
	VerbGet    = "get"
	VerbApply  = "apply"
	VerbDelete = "delete"

	watchBufferSize = 16
)

// Action records a call made to the platform
type Action struct {
	Verb string
	Key  kube.ResourceKey
}

// ReactionFunc may handle a call before the store does. When handled is false the call
// proceeds normally.
type ReactionFunc func(action Action, obj *unstructured.Unstructured) (handled bool, ret *unstructured.Unstructured, err error)

type reactor struct {
	verb string
	fn   ReactionFunc
}

// Platform is a map backed platform.Interface
type Platform struct {
	lock     sync.RWMutex
	objects  map[kube.ResourceKey]*unstructured.Unstructured
	version  int64
	watchers map[kube.ResourceKey]map[chan platform.Event]bool
	reactors []reactor
	actions  []Action
}

func NewPlatform(objs ...*unstructured.Unstructured) *Platform {
	p := &Platform{
		objects:  map[kube.ResourceKey]*unstructured.Unstructured{},
		watchers: map[kube.ResourceKey]map[chan platform.Event]bool{},
	}
	for _, obj := range objs {
		p.Set(obj)
	}
	return p
}

// PrependReactor registers fn for the verb, "*" matches every verb
func (p *Platform) PrependReactor(verb string, fn ReactionFunc) {
	p.lock.Lock()
	defer p.lock.Unlock()
	p.reactors = append([]reactor{{verb: verb, fn: fn}}, p.reactors...)
}

// Actions returns the calls made so far
func (p *Platform) Actions() []Action {
	p.lock.RLock()
	defer p.lock.RUnlock()
	return append([]Action(nil), p.actions...)
}

// Mutations returns the number of Apply and Delete calls made so far
func (p *Platform) Mutations() int {
	count := 0
	for _, a := range p.Actions() {
		if a.Verb == VerbApply || a.Verb == VerbDelete {
			count++
		}
	}
	return count
}

func (p *Platform) ClearActions() {
	p.lock.Lock()
	defer p.lock.Unlock()
	p.actions = nil
}

func (p *Platform) react(action Action, obj *unstructured.Unstructured) (bool, *unstructured.Unstructured, error) {
	p.lock.Lock()
	p.actions = append(p.actions, action)
	reactors := append([]reactor(nil), p.reactors...)
	p.lock.Unlock()
	for _, r := range reactors {
		if r.verb != "*" && r.verb != action.Verb {
			continue
		}
		if handled, ret, err := r.fn(action, obj); handled {
			return true, ret, err
		}
	}
	return false, nil, nil
}

func (p *Platform) Get(_ context.Context, key kube.ResourceKey) (*unstructured.Unstructured, error) {
	if handled, ret, err := p.react(Action{Verb: VerbGet, Key: key}, nil); handled {
		return ret, err
	}
	p.lock.RLock()
	defer p.lock.RUnlock()
	obj, ok := p.objects[key]
	if !ok {
		return nil, platform.ErrNotFound
	}
	return obj.DeepCopy(), nil
}

func (p *Platform) Apply(ctx context.Context, obj *unstructured.Unstructured) (*unstructured.Unstructured, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	key := kube.GetResourceKey(obj)
	if handled, ret, err := p.react(Action{Verb: VerbApply, Key: key}, obj); handled {
		return ret, err
	}
	return p.Set(obj), nil
}

func (p *Platform) Delete(ctx context.Context, key kube.ResourceKey) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if handled, _, err := p.react(Action{Verb: VerbDelete, Key: key}, nil); handled {
		return err
	}
	p.lock.Lock()
	defer p.lock.Unlock()
	obj, ok := p.objects[key]
	if !ok {
		return platform.ErrNotFound
	}
	delete(p.objects, key)
	p.notify(platform.Event{Type: platform.EventDeleted, Key: key, Object: obj})
	return nil
}

// Set stores the object as-is, bypassing reactors and action recording. Tests use it to make
// out-of-band changes.
func (p *Platform) Set(obj *unstructured.Unstructured) *unstructured.Unstructured {
	p.lock.Lock()
	defer p.lock.Unlock()
	key := kube.GetResourceKey(obj)
	stored := obj.DeepCopy()
	p.version++
	stored.SetResourceVersion(strconv.FormatInt(p.version, 10))
	eventType := platform.EventModified
	if existing, ok := p.objects[key]; ok {
		stored.SetUID(existing.GetUID())
	} else {
		eventType = platform.EventAdded
		stored.SetUID(types.UID(uuid.NewString()))
	}
	p.objects[key] = stored
	p.notify(platform.Event{Type: eventType, Key: key, Object: stored.DeepCopy()})
	return stored.DeepCopy()
}

// Keys returns the keys of all stored objects
func (p *Platform) Keys() []kube.ResourceKey {
	p.lock.RLock()
	defer p.lock.RUnlock()
	keys := make([]kube.ResourceKey, 0, len(p.objects))
	for k := range p.objects {
		keys = append(keys, k)
	}
	return keys
}

// Watch emits the current state of the resource, if any, followed by every change. Events are
// dropped when the consumer falls behind.
func (p *Platform) Watch(ctx context.Context, key kube.ResourceKey) (<-chan platform.Event, error) {
	ch := make(chan platform.Event, watchBufferSize)
	p.lock.Lock()
	if p.watchers[key] == nil {
		p.watchers[key] = map[chan platform.Event]bool{}
	}
	p.watchers[key][ch] = true
	if obj, ok := p.objects[key]; ok {
		ch <- platform.Event{Type: platform.EventAdded, Key: key, Object: obj.DeepCopy()}
	}
	p.lock.Unlock()

	go func() {
		<-ctx.Done()
		p.lock.Lock()
		defer p.lock.Unlock()
		delete(p.watchers[key], ch)
		if len(p.watchers[key]) == 0 {
			delete(p.watchers, key)
		}
		close(ch)
	}()
	return ch, nil
}

// notify must be called with the lock held
func (p *Platform) notify(event platform.Event) {
	for ch := range p.watchers[event.Key] {
		select {
		case ch <- event:
		default:
		}
	}
}

var _ platform.Interface = &Platform{}
