package reconciler

import (
	"time"

	"github.com/namix-io/sync-engine/pkg/health"
	"github.com/namix-io/sync-engine/pkg/source"
	"github.com/namix-io/sync-engine/pkg/sync/common"
	"github.com/namix-io/sync-engine/pkg/utils/kube"
)

const DefaultHistoryLimit = 10

// Run is one reconciliation attempt of a unit
type Run struct {
	ID         string                  `json:"id"`
	UnitID     string                  `json:"unitId"`
	Revision   source.Revision         `json:"revision"`
	Attempt    int                     `json:"attempt"`
	Trigger    common.Trigger          `json:"trigger"`
	State      common.RunState         `json:"state"`
	StartedAt  time.Time               `json:"startedAt"`
	FinishedAt *time.Time              `json:"finishedAt,omitempty"`
	Error      *common.ReconcileError  `json:"error,omitempty"`
	Resources  []common.ResourceResult `json:"resources,omitempty"`
	Health     *health.Summary         `json:"health,omitempty"`
	TraceID    string                  `json:"traceId,omitempty"`
}

func (r *Run) DeepCopy() *Run {
	if r == nil {
		return nil
	}
	res := *r
	if r.FinishedAt != nil {
		t := *r.FinishedAt
		res.FinishedAt = &t
	}
	if r.Error != nil {
		e := *r.Error
		res.Error = &e
	}
	res.Resources = append([]common.ResourceResult(nil), r.Resources...)
	if r.Health != nil {
		h := *r.Health
		h.Checks = append([]health.CheckResult(nil), r.Health.Checks...)
		res.Health = &h
	}
	return &res
}

// DriftStatus is the outcome of the last drift check of a unit
type DriftStatus struct {
	Drifted   bool               `json:"drifted"`
	Resources []kube.ResourceKey `json:"resources,omitempty"`
	CheckedAt time.Time          `json:"checkedAt"`
}

// UnitStatus is the queryable state of a unit
type UnitStatus struct {
	UnitID    string          `json:"unitId"`
	State     common.RunState `json:"state"`
	Suspended bool            `json:"suspended"`
	// Revision is the revision of the last run
	Revision *source.Revision `json:"revision,omitempty"`
	// AppliedRevision is the last revision that reached Ready
	AppliedRevision *source.Revision       `json:"appliedRevision,omitempty"`
	LastRunID       string                 `json:"lastRunId,omitempty"`
	Error           *common.ReconcileError `json:"error,omitempty"`
	Health          *health.Summary        `json:"health,omitempty"`
	Drift           *DriftStatus           `json:"drift,omitempty"`
	Retries         int                    `json:"retries"`
	NextRetryAt     *time.Time             `json:"nextRetryAt,omitempty"`
	UpdatedAt       time.Time              `json:"updatedAt"`
}

func (s *UnitStatus) DeepCopy() *UnitStatus {
	if s == nil {
		return nil
	}
	res := *s
	if s.Revision != nil {
		rev := *s.Revision
		res.Revision = &rev
	}
	if s.AppliedRevision != nil {
		rev := *s.AppliedRevision
		res.AppliedRevision = &rev
	}
	if s.Error != nil {
		e := *s.Error
		res.Error = &e
	}
	if s.Health != nil {
		h := *s.Health
		h.Checks = append([]health.CheckResult(nil), s.Health.Checks...)
		res.Health = &h
	}
	if s.Drift != nil {
		d := *s.Drift
		d.Resources = append([]kube.ResourceKey(nil), s.Drift.Resources...)
		res.Drift = &d
	}
	if s.NextRetryAt != nil {
		t := *s.NextRetryAt
		res.NextRetryAt = &t
	}
	return &res
}

// Result tells the caller when to reconcile the unit again. Zero means only on the next event.
// Result tells the caller of Reconcile what to do next with the unit
type Result struct {
	RequeueAfter time.Duration
	// Busy reports a unit held by a parked run, a drift check or a rollout step. The trigger
	// has to be delivered again later.
	Busy bool
	// Parked reports a run that goes on waiting off the caller
	Parked bool
}

// history keeps the most recent runs of a unit, oldest first
type history struct {
	runs  []*Run
	start int
	size  int
}

func newHistory(limit int) *history {
	if limit <= 0 {
		limit = DefaultHistoryLimit
	}
	return &history{runs: make([]*Run, limit)}
}

func (h *history) push(run *Run) {
	idx := (h.start + h.size) % len(h.runs)
	h.runs[idx] = run
	if h.size < len(h.runs) {
		h.size++
	} else {
		h.start = (h.start + 1) % len(h.runs)
	}
}

// list returns copies of the runs, newest first
func (h *history) list() []*Run {
	res := make([]*Run, 0, h.size)
	for i := h.size - 1; i >= 0; i-- {
		res = append(res, h.runs[(h.start+i)%len(h.runs)].DeepCopy())
	}
	return res
}

func (h *history) last() *Run {
	if h.size == 0 {
		return nil
	}
	return h.runs[(h.start+h.size-1)%len(h.runs)]
}
