package config

import (
	"bytes"
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"time"

	"sigs.k8s.io/yaml"

	"github.com/namix-io/sync-engine/pkg/graph"
	"github.com/namix-io/sync-engine/pkg/source"
	"github.com/namix-io/sync-engine/pkg/unit"
)

// Declarations are the sources and units the agent reconciles, e.g.
//
//	sources:
//	- id: repo
//	  url: https://example.com/org/deploy.git
//	  ref: main
//	  pollInterval: 1m
//	units:
//	- id: api
//	  sourceRef: repo
//	  path: apps/api
//	  dependsOn: [db]
//	  syncPolicy: {prune: true, selfHeal: true}
type Declarations struct {
	Sources     []*source.Source              `json:"sources"`
	Units       []*unit.Unit                  `json:"units"`
	Credentials map[string]source.Credentials `json:"credentials,omitempty"`
}

// durationPaths locate the durations written as strings, e.g. "30s". "[]" matches any list item.
var durationPaths = []string{
	"sources[].pollInterval",
	"units[].timeout",
	"units[].retryPolicy.backoff.duration",
	"units[].retryPolicy.backoff.maxDuration",
	"units[].rollout.steps[].pause.duration",
	"units[].rollout.steps[].analysis.interval",
	"units[].rollout.steps[].analysis.timeout",
	"units[].rollout.steps[].analysis.queries[].window",
	"units[].rollout.prePromotion[].timeout",
	"units[].rollout.postPromotion[].timeout",
}

func LoadDeclarations(path string) (*Declarations, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read declarations: %w", err)
	}
	decls, err := ParseDeclarations(data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return decls, nil
}

// ParseDeclarations decodes and validates declarations. Unknown fields are rejected.
// Credentials values may reference environment variables as ${NAME}.
func ParseDeclarations(data []byte) (*Declarations, error) {
	var tree interface{}
	if err := yaml.Unmarshal(data, &tree); err != nil {
		return nil, fmt.Errorf("invalid declarations: %w", err)
	}
	if tree == nil {
		tree = map[string]interface{}{}
	}
	if err := convertDurations(tree); err != nil {
		return nil, err
	}
	defaultAutomated(tree)

	normalized, err := json.Marshal(tree)
	if err != nil {
		return nil, err
	}
	decoder := json.NewDecoder(bytes.NewReader(normalized))
	decoder.DisallowUnknownFields()
	var decls Declarations
	if err := decoder.Decode(&decls); err != nil {
		return nil, fmt.Errorf("invalid declarations: %w", err)
	}
	for ref, creds := range decls.Credentials {
		creds.Username = os.ExpandEnv(creds.Username)
		creds.Password = os.ExpandEnv(creds.Password)
		creds.SSHPrivateKey = os.ExpandEnv(creds.SSHPrivateKey)
		decls.Credentials[ref] = creds
	}
	if err := decls.Validate(); err != nil {
		return nil, err
	}
	return &decls, nil
}

// convertDurations replaces duration strings found at durationPaths with nanoseconds so they
// decode into time.Duration
func convertDurations(tree interface{}) error {
	for _, path := range durationPaths {
		if err := convertDurationPath(tree, splitPath(path), ""); err != nil {
			return err
		}
	}
	return nil
}

// splitPath turns "units[].timeout" into ["units", "[]", "timeout"]
func splitPath(path string) []string {
	var segments []string
	for _, part := range strings.Split(path, ".") {
		if name, ok := strings.CutSuffix(part, "[]"); ok {
			segments = append(segments, name, "[]")
			continue
		}
		segments = append(segments, part)
	}
	return segments
}

func convertDurationPath(node interface{}, segments []string, at string) error {
	if len(segments) == 0 {
		return nil
	}
	if segments[0] == "[]" {
		items, _ := node.([]interface{})
		for i, item := range items {
			if err := convertDurationPath(item, segments[1:], fmt.Sprintf("%s[%d]", at, i)); err != nil {
				return err
			}
		}
		return nil
	}
	fields, ok := node.(map[string]interface{})
	if !ok {
		return nil
	}
	key := segments[0]
	child, ok := fields[key]
	if !ok {
		return nil
	}
	childAt := key
	if at != "" {
		childAt = at + "." + key
	}
	if len(segments) > 1 {
		return convertDurationPath(child, segments[1:], childAt)
	}
	s, ok := child.(string)
	if !ok {
		return nil
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("%s: invalid duration %q", childAt, s)
	}
	fields[key] = int64(d)
	return nil
}

// defaultAutomated makes units without an explicit syncPolicy.automated follow new revisions
func defaultAutomated(tree interface{}) {
	root, ok := tree.(map[string]interface{})
	if !ok {
		return
	}
	units, _ := root["units"].([]interface{})
	for _, item := range units {
		u, ok := item.(map[string]interface{})
		if !ok {
			continue
		}
		policy, ok := u["syncPolicy"].(map[string]interface{})
		if !ok {
			policy = map[string]interface{}{}
			u["syncPolicy"] = policy
		}
		if _, ok := policy["automated"]; !ok {
			policy["automated"] = true
		}
	}
}

// Validate checks identifiers, references and the dependency graph
func (d *Declarations) Validate() error {
	sources := map[string]bool{}
	for i, src := range d.Sources {
		if src == nil || src.ID == "" {
			return fmt.Errorf("sources[%d]: id is required", i)
		}
		if sources[src.ID] {
			return fmt.Errorf("duplicate source %q", src.ID)
		}
		sources[src.ID] = true
		if src.URL == "" {
			return fmt.Errorf("source %s: url is required", src.ID)
		}
		if src.PollInterval < 0 {
			return fmt.Errorf("source %s: pollInterval must not be negative", src.ID)
		}
		if src.CredentialsRef != "" {
			if _, ok := d.Credentials[src.CredentialsRef]; !ok {
				return fmt.Errorf("source %s: unknown credentials %q", src.ID, src.CredentialsRef)
			}
		}
	}
	units := map[string]bool{}
	for i, u := range d.Units {
		if u == nil {
			return fmt.Errorf("units[%d]: empty unit", i)
		}
		if err := u.Validate(); err != nil {
			return err
		}
		if units[u.ID] {
			return fmt.Errorf("duplicate unit %q", u.ID)
		}
		units[u.ID] = true
		if !sources[u.SourceRef] {
			return fmt.Errorf("unit %s: unknown source %q", u.ID, u.SourceRef)
		}
	}
	if _, err := graph.NewSnapshot(d.Sources, d.Units, 0); err != nil {
		return err
	}
	return nil
}

// CredentialsProvider serves the declared credentials
func (d *Declarations) CredentialsProvider() source.StaticCredentials {
	creds := source.StaticCredentials{}
	for ref, c := range d.Credentials {
		creds[ref] = c
	}
	return creds
}
