package unit

import (
	"context"
	"sync"

	"golang.org/x/sync/semaphore"
)

// Locks serialises runs, drift checks and rollout mutations of each unit
type Locks struct {
	lock  sync.Mutex
	units map[string]*semaphore.Weighted
}

func NewLocks() *Locks {
	return &Locks{units: map[string]*semaphore.Weighted{}}
}

func (l *Locks) get(id string) *semaphore.Weighted {
	l.lock.Lock()
	defer l.lock.Unlock()
	sem, ok := l.units[id]
	if !ok {
		sem = semaphore.NewWeighted(1)
		l.units[id] = sem
	}
	return sem
}

// Acquire blocks until the unit is free or ctx is done
func (l *Locks) Acquire(ctx context.Context, id string) error {
	return l.get(id).Acquire(ctx, 1)
}

// TryAcquire takes the unit only if nobody holds it
func (l *Locks) TryAcquire(id string) bool {
	return l.get(id).TryAcquire(1)
}

func (l *Locks) Release(id string) {
	l.get(id).Release(1)
}
