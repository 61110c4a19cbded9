package common

import (
	"errors"
	"fmt"

	"github.com/namix-io/sync-engine/pkg/utils/kube"
)

const (
	// AnnotationSyncWave assigns a resource to a sync wave
	AnnotationSyncWave = "sync-engine.namix.io/sync-wave"
	// AnnotationArgoSyncWave is honoured for manifests written for Argo CD
	AnnotationArgoSyncWave = "argocd.argoproj.io/sync-wave"
	// AnnotationSyncOptions carries per-resource options, e.g. "Prune=false"
	AnnotationSyncOptions = "sync-engine.namix.io/sync-options"
	// LabelOwnerUnit is stamped on every applied resource
	LabelOwnerUnit = "sync-engine.namix.io/unit"

	SyncOptionDisablePrune = "Prune=false"
)

// RunState is the state of a unit's reconciliation
type RunState string

const (
	RunStatePending        RunState = "Pending"
	RunStatePlanning       RunState = "Planning"
	RunStateApplying       RunState = "Applying"
	RunStateHealthChecking RunState = "HealthChecking"
	RunStateReady          RunState = "Ready"
	RunStateFailed         RunState = "Failed"
	RunStateSuspended      RunState = "Suspended"
)

// Running answers whether a run in this state holds the unit
func (s RunState) Running() bool {
	return s == RunStatePlanning || s == RunStateApplying || s == RunStateHealthChecking
}

// Completed answers whether the run has reached a terminal state
func (s RunState) Completed() bool {
	return s == RunStateReady || s == RunStateFailed
}

// Trigger names what caused a reconciliation
type Trigger string

const (
	TriggerRevision   Trigger = "Revision"
	TriggerDrift      Trigger = "Drift"
	TriggerManual     Trigger = "Manual"
	TriggerRetry      Trigger = "Retry"
	TriggerResume     Trigger = "Resume"
	TriggerDependency Trigger = "Dependency"
	TriggerConfig     Trigger = "Config"
)

// ErrorReason classifies why a run did not reach Ready
type ErrorReason string

const (
	ReasonSourceUnavailable ErrorReason = "SourceUnavailable"
	ReasonRenderError       ErrorReason = "RenderError"
	ReasonApplyRejected     ErrorReason = "ApplyRejected"
	ReasonApplyConflict     ErrorReason = "ApplyConflict"
	ReasonApplyFailed       ErrorReason = "ApplyFailed"
	ReasonHealthTimeout     ErrorReason = "HealthTimeout"
	ReasonDependencyUnready ErrorReason = "DependencyUnready"
	ReasonAnalysisFailed    ErrorReason = "AnalysisFailed"
	ReasonCancelled         ErrorReason = "Cancelled"
)

// Retryable answers whether a failure with this reason is re-planned automatically.
// Permanent reasons wait for a new revision, a configuration change or an operator.
func (r ErrorReason) Retryable() bool {
	switch r {
	case ReasonSourceUnavailable, ReasonApplyFailed, ReasonHealthTimeout:
		return true
	}
	return false
}

// ReconcileError is the error surfaced on a run and on the unit status
type ReconcileError struct {
	Reason  ErrorReason `json:"reason"`
	Message string      `json:"message"`
}

func (e *ReconcileError) Error() string {
	return fmt.Sprintf("%s: %s", e.Reason, e.Message)
}

func NewReconcileError(reason ErrorReason, format string, args ...any) *ReconcileError {
	return &ReconcileError{Reason: reason, Message: fmt.Sprintf(format, args...)}
}

// AsReconcileError converts any error into a ReconcileError, defaulting to the given reason
func AsReconcileError(err error, fallback ErrorReason) *ReconcileError {
	if err == nil {
		return nil
	}
	var rerr *ReconcileError
	if errors.As(err, &rerr) {
		return rerr
	}
	return &ReconcileError{Reason: fallback, Message: err.Error()}
}

// ReasonOf returns the reason of a ReconcileError in the chain, empty otherwise
func ReasonOf(err error) ErrorReason {
	var rerr *ReconcileError
	if errors.As(err, &rerr) {
		return rerr.Reason
	}
	return ""
}

// IsRetryable answers whether err should be re-planned automatically
func IsRetryable(err error) bool {
	return ReasonOf(err).Retryable()
}

// ResultCode is the outcome of a single resource operation
type ResultCode string

const (
	ResultCodeSynced    ResultCode = "Synced"
	ResultCodeUnchanged ResultCode = "Unchanged"
	ResultCodePruned    ResultCode = "Pruned"
	ResultCodePruneSkip ResultCode = "PruneSkipped"
	ResultCodeFailed    ResultCode = "SyncFailed"
	ResultCodeDeferred  ResultCode = "Deferred"
)

// ResourceResult is the outcome of applying or pruning one resource
type ResourceResult struct {
	ResourceKey kube.ResourceKey `json:"resourceKey"`
	Wave        int              `json:"wave"`
	Status      ResultCode       `json:"status"`
	Message     string           `json:"message,omitempty"`
}
