package engine

import (
	"github.com/namix-io/sync-engine/pkg/cache"
	"github.com/namix-io/sync-engine/pkg/reconciler"
	"github.com/namix-io/sync-engine/pkg/rollout"
	"github.com/namix-io/sync-engine/pkg/source"
	"github.com/namix-io/sync-engine/pkg/unit"
	"github.com/namix-io/sync-engine/pkg/utils/kube"
)

// Store persists the engine state. store.BoltStore implements it.
type Store interface {
	source.RevisionStore
	cache.RecordPersister

	SaveUnit(u *unit.Unit) error
	ListUnits() ([]*unit.Unit, error)
	SaveStatus(status *reconciler.UnitStatus) error
	ListStatuses() ([]*reconciler.UnitStatus, error)
	SaveRun(run *reconciler.Run) error
	ListRuns(unitID string, limit int) ([]*reconciler.Run, error)
	SaveRollout(r *rollout.Rollout) error
	ListRollouts() ([]*rollout.Rollout, error)
	DeleteUnit(unitID string) error
}

// nopStore keeps nothing. Revisions are then only deduplicated within one process.
type nopStore struct{}

func (nopStore) GetRevision(string) (string, error)                { return "", nil }
func (nopStore) SaveRevision(string, string) error                 { return nil }
func (nopStore) SaveRecord(*cache.LiveResourceRecord) error        { return nil }
func (nopStore) DeleteRecord(kube.ResourceKey) error               { return nil }
func (nopStore) LoadRecords() ([]*cache.LiveResourceRecord, error) { return nil, nil }
func (nopStore) SaveUnit(*unit.Unit) error                         { return nil }
func (nopStore) ListUnits() ([]*unit.Unit, error)                  { return nil, nil }
func (nopStore) SaveStatus(*reconciler.UnitStatus) error           { return nil }
func (nopStore) ListStatuses() ([]*reconciler.UnitStatus, error)   { return nil, nil }
func (nopStore) SaveRun(*reconciler.Run) error                     { return nil }
func (nopStore) ListRuns(string, int) ([]*reconciler.Run, error)   { return nil, nil }
func (nopStore) SaveRollout(*rollout.Rollout) error                { return nil }
func (nopStore) ListRollouts() ([]*rollout.Rollout, error)         { return nil, nil }
func (nopStore) DeleteUnit(string) error                           { return nil }
