package cache

import (
	"sync"

	"github.com/go-logr/logr"

	"github.com/namix-io/sync-engine/pkg/utils/kube"
)

// RecordMap is thread-safe map of kube.ResourceKey to *LiveResourceRecord
type RecordMap struct {
	log     logr.Logger
	syncMap sync.Map
}

func (m *RecordMap) Load(key kube.ResourceKey) (*LiveResourceRecord, bool) {
	val, ok := m.syncMap.Load(key)
	typedVal, typeOk := val.(*LiveResourceRecord)
	if !ok || !typeOk {
		return nil, false
	}
	return typedVal, true
}

func (m *RecordMap) LoadAndDelete(key kube.ResourceKey) (*LiveResourceRecord, bool) {
	val, loaded := m.syncMap.LoadAndDelete(key)
	if !loaded {
		return nil, false
	}
	typedVal, typeOk := val.(*LiveResourceRecord)
	if !typeOk {
		m.log.Info("Failed to cast value to *LiveResourceRecord")
		return nil, true
	}
	return typedVal, true
}

func (m *RecordMap) Store(key kube.ResourceKey, record *LiveResourceRecord) {
	m.syncMap.Store(key, record)
}

func (m *RecordMap) Delete(key kube.ResourceKey) {
	m.syncMap.Delete(key)
}

func (m *RecordMap) Range(fn func(key kube.ResourceKey, value *LiveResourceRecord) bool) {
	m.syncMap.Range(func(key, value interface{}) bool {
		typedKey, keyTypeOk := key.(kube.ResourceKey)
		typedValue, valueTypeOk := value.(*LiveResourceRecord)
		if !keyTypeOk || !valueTypeOk {
			m.log.Info("Failed to cast key and value to kube.ResourceKey and *LiveResourceRecord")
			return false
		}
		return fn(typedKey, typedValue)
	})
}

func (m *RecordMap) Len() int {
	length := 0
	m.syncMap.Range(func(_, _ interface{}) bool {
		length++
		return true
	})
	return length
}

// OwnerIndex maps a unit id to the keys it owns. Not thread-safe, guarded by the cache lock.
type OwnerIndex map[string]map[kube.ResourceKey]bool

func (i OwnerIndex) Add(owner string, key kube.ResourceKey) {
	if i[owner] == nil {
		i[owner] = map[kube.ResourceKey]bool{}
	}
	i[owner][key] = true
}

func (i OwnerIndex) Remove(owner string, key kube.ResourceKey) {
	delete(i[owner], key)
	if len(i[owner]) == 0 {
		delete(i, owner)
	}
}

func (i OwnerIndex) Keys(owner string) []kube.ResourceKey {
	keys := make([]kube.ResourceKey, 0, len(i[owner]))
	for k := range i[owner] {
		keys = append(keys, k)
	}
	return keys
}
