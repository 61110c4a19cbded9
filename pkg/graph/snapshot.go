package graph

import (
	"sort"
	"sync/atomic"

	"github.com/namix-io/sync-engine/pkg/source"
	"github.com/namix-io/sync-engine/pkg/unit"
)

// Snapshot is an immutable view of the configured sources, units and their graph
type Snapshot struct {
	Sources    map[string]*source.Source
	Units      map[string]*unit.Unit
	DAG        *DAG
	Generation int64
}

// NewSnapshot validates the graph of units. Nothing is returned if the graph is rejected.
func NewSnapshot(sources []*source.Source, units []*unit.Unit, generation int64) (*Snapshot, error) {
	dag, err := Build(units)
	if err != nil {
		return nil, err
	}
	s := &Snapshot{
		Sources:    map[string]*source.Source{},
		Units:      map[string]*unit.Unit{},
		DAG:        dag,
		Generation: generation,
	}
	for _, src := range sources {
		s.Sources[src.ID] = src
	}
	for _, u := range units {
		s.Units[u.ID] = u
	}
	return s, nil
}

func (s *Snapshot) Unit(id string) (*unit.Unit, bool) {
	u, ok := s.Units[id]
	return u, ok
}

// UnitsOfSource returns the ids of units reading from the source, sorted
func (s *Snapshot) UnitsOfSource(sourceID string) []string {
	var ids []string
	for id, u := range s.Units {
		if u.SourceRef == sourceID {
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)
	return ids
}

// Registry holds the current snapshot. Readers never observe a partially built graph.
type Registry struct {
	current atomic.Pointer[Snapshot]
}

func NewRegistry() *Registry {
	r := &Registry{}
	empty, _ := NewSnapshot(nil, nil, 0)
	r.current.Store(empty)
	return r
}

func (r *Registry) Load() *Snapshot {
	return r.current.Load()
}

func (r *Registry) Store(s *Snapshot) {
	r.current.Store(s)
}
