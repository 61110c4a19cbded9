package cache

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/go-logr/logr"
	"k8s.io/apimachinery/pkg/apis/meta/v1/unstructured"
	"k8s.io/klog/v2/klogr"

	"github.com/namix-io/sync-engine/pkg/sync/common"
	"github.com/namix-io/sync-engine/pkg/utils/kube"
)

// LiveResourceRecord is the engine's view of what it last applied for a resource and what it
// last observed. It is the only source of drift truth.
type LiveResourceRecord struct {
	Key              kube.ResourceKey           `json:"key"`
	LastAppliedHash  string                     `json:"lastAppliedHash,omitempty"`
	LastObservedHash string                     `json:"lastObservedHash,omitempty"`
	OwnerUnitID      string                     `json:"ownerUnitId"`
	Revision         string                     `json:"revision,omitempty"`
	Applied          *unstructured.Unstructured `json:"applied,omitempty"`
	AppliedAt        time.Time                  `json:"appliedAt,omitempty"`
	ObservedAt       time.Time                  `json:"observedAt,omitempty"`
}

func (r *LiveResourceRecord) DeepCopy() *LiveResourceRecord {
	if r == nil {
		return nil
	}
	res := *r
	if r.Applied != nil {
		res.Applied = r.Applied.DeepCopy()
	}
	return &res
}

// InSync answers whether the last observation matches the last apply
func (r *LiveResourceRecord) InSync() bool {
	return r.LastAppliedHash != "" && r.LastAppliedHash == r.LastObservedHash
}

// OnRecordUpdatedHandler handles record changes. newRec is nil when the record was released.
type OnRecordUpdatedHandler func(newRec *LiveResourceRecord, oldRec *LiveResourceRecord)
type Unsubscribe func()

// RecordPersister stores records across restarts
type RecordPersister interface {
	SaveRecord(record *LiveResourceRecord) error
	DeleteRecord(key kube.ResourceKey) error
	LoadRecords() ([]*LiveResourceRecord, error)
}

type RecordCache interface {
	// Load populates the cache from the persister
	Load() error
	// Claim takes ownership of every key for the unit, or none of them. A key owned by another
	// unit yields an ApplyConflict error.
	Claim(unitID string, keys ...kube.ResourceKey) error
	// Record stores a successful apply by the owning unit
	Record(unitID string, revision string, applied *unstructured.Unstructured, appliedHash string) error
	// Observe stores the hash of the live resource as last seen
	Observe(key kube.ResourceKey, observedHash string)
	// Release drops the record if the unit owns it
	Release(unitID string, key kube.ResourceKey)
	// Get returns a copy of the record
	Get(key kube.ResourceKey) (*LiveResourceRecord, bool)
	// FindByOwner returns copies of every record owned by the unit
	FindByOwner(unitID string) map[kube.ResourceKey]*LiveResourceRecord
	// OnRecordUpdated registers a handler executed every time a record changes
	OnRecordUpdated(handler OnRecordUpdatedHandler) Unsubscribe
	GetInfo() CacheInfo
}

// CacheInfo holds cache stats
type CacheInfo struct {
	RecordsCount int
	OwnersCount  int
}

func NewRecordCache(opts ...UpdateSettingsFunc) *recordCache {
	log := klogr.New()
	c := &recordCache{
		records:         RecordMap{log: log},
		owners:          OwnerIndex{},
		log:             log,
		now:             time.Now,
		updatedHandlers: map[uint64]OnRecordUpdatedHandler{},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

type recordCache struct {
	// lock serializes ownership changes, reads go through records without it
	lock    sync.RWMutex
	records RecordMap
	owners  OwnerIndex

	persister RecordPersister
	log       logr.Logger
	now       func() time.Time

	handlerKey      uint64
	handlersLock    sync.Mutex
	updatedHandlers map[uint64]OnRecordUpdatedHandler
}

func (c *recordCache) OnRecordUpdated(handler OnRecordUpdatedHandler) Unsubscribe {
	key := atomic.AddUint64(&c.handlerKey, 1)
	c.handlersLock.Lock()
	defer c.handlersLock.Unlock()
	c.updatedHandlers[key] = handler
	return func() {
		c.handlersLock.Lock()
		defer c.handlersLock.Unlock()
		delete(c.updatedHandlers, key)
	}
}

func (c *recordCache) getUpdatedHandlers() []OnRecordUpdatedHandler {
	c.handlersLock.Lock()
	defer c.handlersLock.Unlock()
	handlers := make([]OnRecordUpdatedHandler, 0, len(c.updatedHandlers))
	for _, h := range c.updatedHandlers {
		handlers = append(handlers, h)
	}
	return handlers
}

func (c *recordCache) onRecordUpdated(newRec, oldRec *LiveResourceRecord) {
	for _, h := range c.getUpdatedHandlers() {
		h(newRec.DeepCopy(), oldRec.DeepCopy())
	}
}

func (c *recordCache) Load() error {
	if c.persister == nil {
		return nil
	}
	records, err := c.persister.LoadRecords()
	if err != nil {
		return err
	}
	c.lock.Lock()
	defer c.lock.Unlock()
	for _, rec := range records {
		c.records.Store(rec.Key, rec)
		c.owners.Add(rec.OwnerUnitID, rec.Key)
	}
	c.log.Info("Loaded live resource records", "count", len(records))
	return nil
}

func conflictError(key kube.ResourceKey, owner, claimant string) error {
	return common.NewReconcileError(common.ReasonApplyConflict, "%s is owned by unit %s, cannot be claimed by %s", key, owner, claimant)
}

func (c *recordCache) Claim(unitID string, keys ...kube.ResourceKey) error {
	c.lock.Lock()
	for _, key := range keys {
		if rec, ok := c.records.Load(key); ok && rec.OwnerUnitID != unitID {
			c.lock.Unlock()
			return conflictError(key, rec.OwnerUnitID, unitID)
		}
	}
	var claimed []*LiveResourceRecord
	for _, key := range keys {
		if _, ok := c.records.Load(key); ok {
			continue
		}
		rec := &LiveResourceRecord{Key: key, OwnerUnitID: unitID}
		c.records.Store(key, rec)
		c.owners.Add(unitID, key)
		c.persist(rec)
		claimed = append(claimed, rec)
	}
	c.lock.Unlock()

	for _, rec := range claimed {
		c.onRecordUpdated(rec, nil)
	}
	return nil
}

func (c *recordCache) Record(unitID string, revision string, applied *unstructured.Unstructured, appliedHash string) error {
	key := kube.GetResourceKey(applied)
	c.lock.Lock()
	old, ok := c.records.Load(key)
	if ok && old.OwnerUnitID != unitID {
		c.lock.Unlock()
		return conflictError(key, old.OwnerUnitID, unitID)
	}
	now := c.now()
	rec := &LiveResourceRecord{
		Key:              key,
		LastAppliedHash:  appliedHash,
		LastObservedHash: appliedHash,
		OwnerUnitID:      unitID,
		Revision:         revision,
		Applied:          applied.DeepCopy(),
		AppliedAt:        now,
		ObservedAt:       now,
	}
	c.records.Store(key, rec)
	c.owners.Add(unitID, key)
	c.persist(rec)
	c.lock.Unlock()

	c.onRecordUpdated(rec, old)
	return nil
}

func (c *recordCache) Observe(key kube.ResourceKey, observedHash string) {
	c.lock.Lock()
	old, ok := c.records.Load(key)
	if !ok {
		c.lock.Unlock()
		return
	}
	rec := old.DeepCopy()
	rec.LastObservedHash = observedHash
	rec.ObservedAt = c.now()
	c.records.Store(key, rec)
	c.persist(rec)
	c.lock.Unlock()

	if old.LastObservedHash != observedHash {
		c.onRecordUpdated(rec, old)
	}
}

func (c *recordCache) Release(unitID string, key kube.ResourceKey) {
	c.lock.Lock()
	old, ok := c.records.Load(key)
	if !ok || old.OwnerUnitID != unitID {
		c.lock.Unlock()
		return
	}
	c.records.Delete(key)
	c.owners.Remove(unitID, key)
	if c.persister != nil {
		if err := c.persister.DeleteRecord(key); err != nil {
			c.log.Error(err, "Failed to delete persisted record", "resource", key.String())
		}
	}
	c.lock.Unlock()

	c.onRecordUpdated(nil, old)
}

func (c *recordCache) Get(key kube.ResourceKey) (*LiveResourceRecord, bool) {
	rec, ok := c.records.Load(key)
	if !ok {
		return nil, false
	}
	return rec.DeepCopy(), true
}

func (c *recordCache) FindByOwner(unitID string) map[kube.ResourceKey]*LiveResourceRecord {
	c.lock.RLock()
	defer c.lock.RUnlock()
	res := map[kube.ResourceKey]*LiveResourceRecord{}
	for _, key := range c.owners.Keys(unitID) {
		if rec, ok := c.records.Load(key); ok {
			res[key] = rec.DeepCopy()
		}
	}
	return res
}

func (c *recordCache) GetInfo() CacheInfo {
	c.lock.RLock()
	defer c.lock.RUnlock()
	return CacheInfo{RecordsCount: c.records.Len(), OwnersCount: len(c.owners)}
}

// persist must be called with the lock held
func (c *recordCache) persist(rec *LiveResourceRecord) {
	if c.persister == nil {
		return
	}
	if err := c.persister.SaveRecord(rec); err != nil {
		c.log.Error(err, "Failed to persist record", "resource", rec.Key.String())
	}
}
