// Package unit declares the reconciliation unit: a path inside a source reconciled as a whole.
package unit

import (
	"fmt"
	"time"

	"github.com/namix-io/sync-engine/pkg/diff"
	"github.com/namix-io/sync-engine/pkg/health"
	"github.com/namix-io/sync-engine/pkg/rollout"
)

const (
	DefaultTimeout      = 5 * time.Minute
	DefaultRetryLimit   = 5
	DefaultBackoff      = 5 * time.Second
	DefaultBackoffCap   = 5 * time.Minute
	DefaultBackoffScale = 2
)

type SyncPolicy struct {
	// Automated reconciles new revisions without an operator request
	Automated bool `json:"automated"`
	// Prune deletes owned resources that are no longer declared
	Prune bool `json:"prune"`
	// SelfHeal re-applies declared state when drift is detected
	SelfHeal bool `json:"selfHeal"`
}

type Backoff struct {
	Duration    time.Duration `json:"duration,omitempty"`
	Factor      int64         `json:"factor,omitempty"`
	MaxDuration time.Duration `json:"maxDuration,omitempty"`
}

// RetryPolicy bounds two nested retries: a failing platform operation is tried up to Limit times
// within a run, and a run failing with a retryable reason is started again up to Limit times.
// An operation that keeps failing is therefore tried at most Limit*(Limit+1) times per revision.
type RetryPolicy struct {
	Limit   int     `json:"limit,omitempty"`
	Backoff Backoff `json:"backoff,omitempty"`
}

// Delay returns the wait before the given retry, starting from 1
func (r RetryPolicy) Delay(retry int) time.Duration {
	base, factor, max := r.Backoff.Duration, r.Backoff.Factor, r.Backoff.MaxDuration
	if base <= 0 {
		base = DefaultBackoff
	}
	if factor <= 0 {
		factor = DefaultBackoffScale
	}
	if max <= 0 {
		max = DefaultBackoffCap
	}
	delay := base
	for i := 1; i < retry; i++ {
		delay *= time.Duration(factor)
		if delay >= max {
			return max
		}
	}
	if delay > max {
		return max
	}
	return delay
}

// Attempts returns the number of tries of an operation within a run, and of runs started again
// after the first one
func (r RetryPolicy) Attempts() int {
	if r.Limit <= 0 {
		return DefaultRetryLimit
	}
	return r.Limit
}

// Unit is the unit of reconciliation
type Unit struct {
	ID              string             `json:"id"`
	SourceRef       string             `json:"sourceRef"`
	Path            string             `json:"path"`
	DependsOn       []string           `json:"dependsOn,omitempty"`
	Wave            int                `json:"wave,omitempty"`
	SyncPolicy      SyncPolicy         `json:"syncPolicy"`
	HealthChecks    []health.CheckSpec `json:"healthChecks,omitempty"`
	Timeout         time.Duration      `json:"timeout,omitempty"`
	RetryPolicy     RetryPolicy        `json:"retryPolicy,omitempty"`
	TargetNamespace string             `json:"targetNamespace,omitempty"`
	Substitutions   map[string]string  `json:"substitutions,omitempty"`
	Rollout         *rollout.Spec      `json:"rollout,omitempty"`
}

func (u *Unit) String() string {
	return u.ID
}

// HealthTimeout returns the time health checks are given to be satisfied
func (u *Unit) HealthTimeout() time.Duration {
	if u.Timeout <= 0 {
		return DefaultTimeout
	}
	return u.Timeout
}

// Fingerprint changes whenever any setting of the unit changes
func (u *Unit) Fingerprint() string {
	return diff.Fingerprint(u)
}

// Validate checks the unit on its own. References to sources and other units are checked
// when the configuration is loaded.
func (u *Unit) Validate() error {
	if u.ID == "" {
		return fmt.Errorf("unit id is required")
	}
	if u.SourceRef == "" {
		return fmt.Errorf("unit %s: sourceRef is required", u.ID)
	}
	if u.Timeout < 0 {
		return fmt.Errorf("unit %s: timeout must not be negative", u.ID)
	}
	for _, dep := range u.DependsOn {
		if dep == u.ID {
			return fmt.Errorf("unit %s: depends on itself", u.ID)
		}
	}
	for _, check := range u.HealthChecks {
		if err := check.Validate(); err != nil {
			return fmt.Errorf("unit %s: %w", u.ID, err)
		}
	}
	if u.Rollout != nil {
		if err := u.Rollout.Validate(); err != nil {
			return fmt.Errorf("unit %s: %w", u.ID, err)
		}
	}
	return nil
}
