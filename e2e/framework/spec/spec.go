package spec

import (
	"fmt"
	"strings"
)

// Phase orders tests within a run.
type Phase string

const (
	PhaseSetup    Phase = "setup"
	PhaseTest     Phase = "test"
	PhaseTeardown Phase = "teardown"
)

// ParsePhase normalizes a phase name; empty means PhaseTest.
func ParsePhase(value string) (Phase, error) {
	switch Phase(strings.ToLower(strings.TrimSpace(value))) {
	case "", PhaseTest:
		return PhaseTest, nil
	case PhaseSetup:
		return PhaseSetup, nil
	case PhaseTeardown:
		return PhaseTeardown, nil
	default:
		return "", fmt.Errorf("unknown phase %q", value)
	}
}

// TestSpec describes a single bundle test case.
type TestSpec struct {
	APIVersion string            `json:"apiVersion" yaml:"apiVersion"`
	Kind       string            `json:"kind" yaml:"kind"`
	Metadata   Metadata          `json:"metadata" yaml:"metadata"`
	Phase      Phase             `json:"phase,omitempty" yaml:"phase,omitempty"`
	Vars       map[string]string `json:"vars,omitempty" yaml:"vars,omitempty"`
	Steps      []StepSpec        `json:"steps" yaml:"steps"`
	Assertions []AssertSpec      `json:"assertions,omitempty" yaml:"assertions,omitempty"`
	// Requires lists the deployment backends the test can run against.
	Requires []string      `json:"requires,omitempty" yaml:"requires,omitempty"`
	Timeout  string        `json:"timeout,omitempty" yaml:"timeout,omitempty"`
	Variants []VariantSpec `json:"variants,omitempty" yaml:"variants,omitempty"`
}

// Metadata captures human-readable test metadata.
type Metadata struct {
	Name        string   `json:"name" yaml:"name"`
	Description string   `json:"description,omitempty" yaml:"description,omitempty"`
	Owner       string   `json:"owner,omitempty" yaml:"owner,omitempty"`
	Component   string   `json:"component,omitempty" yaml:"component,omitempty"`
	Tags        []string `json:"tags,omitempty" yaml:"tags,omitempty"`
}

// StepSpec defines a test step.
type StepSpec struct {
	Name   string                 `json:"name" yaml:"name"`
	Action string                 `json:"action" yaml:"action"`
	With   map[string]interface{} `json:"with,omitempty" yaml:"with,omitempty"`
}

// AssertSpec defines a test assertion.
type AssertSpec struct {
	Name string                 `json:"name" yaml:"name"`
	Type string                 `json:"type" yaml:"type"`
	With map[string]interface{} `json:"with,omitempty" yaml:"with,omitempty"`
}

// VariantSpec defines a test variant derived from a base spec.
type VariantSpec struct {
	Name          string            `json:"name,omitempty" yaml:"name,omitempty"`
	NameSuffix    string            `json:"name_suffix,omitempty" yaml:"name_suffix,omitempty"`
	Tags          []string          `json:"tags,omitempty" yaml:"tags,omitempty"`
	Params        map[string]string `json:"params,omitempty" yaml:"params,omitempty"`
	StepOverrides []StepOverride    `json:"step_overrides,omitempty" yaml:"step_overrides,omitempty"`
}

// StepOverride updates a single step in a variant.
type StepOverride struct {
	Name    string                 `json:"name" yaml:"name"`
	Action  string                 `json:"action,omitempty" yaml:"action,omitempty"`
	With    map[string]interface{} `json:"with,omitempty" yaml:"with,omitempty"`
	Replace bool                   `json:"replace,omitempty" yaml:"replace,omitempty"`
}

// MatchesTags returns true if the test is allowed by include/exclude tags.
// An include list that names a tag overrides an exclude of the same tag.
func (s TestSpec) MatchesTags(include []string, exclude []string) bool {
	if len(include) == 0 && len(exclude) == 0 {
		return true
	}
	for _, tag := range include {
		if s.HasTag(tag) {
			return true
		}
	}
	for _, tag := range exclude {
		if s.HasTag(tag) {
			return false
		}
	}
	return len(include) == 0
}

// HasTag reports whether the spec carries tag, ignoring case.
func (s TestSpec) HasTag(tag string) bool {
	for _, existing := range s.Metadata.Tags {
		if strings.EqualFold(tag, existing) {
			return true
		}
	}
	return false
}

// Supports reports whether the test can run against backend.
func (s TestSpec) Supports(backend string) bool {
	if len(s.Requires) == 0 {
		return true
	}
	for _, required := range s.Requires {
		if strings.EqualFold(strings.TrimSpace(required), backend) {
			return true
		}
	}
	return false
}
