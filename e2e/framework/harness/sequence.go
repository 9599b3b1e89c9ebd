// Package harness runs ordered, interdependent checks against a deployed
// cluster and reports the first failure with the output that caused it.
package harness

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/splunk/hadoop-bundle-e2e/e2e/framework/gateway"
)

// ErrAssertionFailed matches every AssertionFailedError.
var ErrAssertionFailed = errors.New("assertion failed")

// AssertionFailedError names the failing step and carries its output,
// stdout followed by stderr.
type AssertionFailedError struct {
	Step   string
	Output string
	Reason string
}

func (e *AssertionFailedError) Error() string {
	return fmt.Sprintf("step %q failed: %s", e.Step, e.Reason)
}

func (e *AssertionFailedError) Is(target error) bool { return target == ErrAssertionFailed }

// Step is one remote command in a sequence.
type Step struct {
	Name    string `json:"name" yaml:"name"`
	Target  string `json:"target" yaml:"target"`
	Command string `json:"command" yaml:"command"`
	// User runs Command through su when set.
	User         string          `json:"user,omitempty" yaml:"user,omitempty"`
	ExpectExit   ExitExpectation `json:"expectExit,omitempty" yaml:"expectExit,omitempty"`
	ExpectOutput string          `json:"expectOutput,omitempty" yaml:"expectOutput,omitempty"`
}

// ExitExpectation is the exit status a step has to return. The zero value
// expects 0. In YAML it is an integer or "any".
type ExitExpectation struct {
	Code int
	Any  bool
}

// AnyExit accepts every exit status.
var AnyExit = ExitExpectation{Any: true}

// ExpectCode expects exactly code.
func ExpectCode(code int) ExitExpectation {
	return ExitExpectation{Code: code}
}

// ParseExitExpectation parses an integer or "any".
func ParseExitExpectation(value string) (ExitExpectation, error) {
	value = strings.TrimSpace(value)
	if strings.EqualFold(value, "any") {
		return AnyExit, nil
	}
	code, err := strconv.Atoi(value)
	if err != nil {
		return ExitExpectation{}, fmt.Errorf("invalid exit expectation %q", value)
	}
	return ExpectCode(code), nil
}

// Matches reports whether status satisfies the expectation.
func (e ExitExpectation) Matches(status int) bool {
	return e.Any || status == e.Code
}

func (e ExitExpectation) String() string {
	if e.Any {
		return "any"
	}
	return strconv.Itoa(e.Code)
}

func (e ExitExpectation) IsZero() bool {
	return !e.Any && e.Code == 0
}

func (e ExitExpectation) MarshalYAML() (interface{}, error) {
	if e.Any {
		return "any", nil
	}
	return e.Code, nil
}

func (e *ExitExpectation) UnmarshalYAML(value *yaml.Node) error {
	parsed, err := ParseExitExpectation(value.Value)
	if err != nil {
		return err
	}
	*e = parsed
	return nil
}

func (e ExitExpectation) MarshalText() ([]byte, error) {
	return []byte(e.String()), nil
}

func (e *ExitExpectation) UnmarshalText(text []byte) error {
	parsed, err := ParseExitExpectation(string(text))
	if err != nil {
		return err
	}
	*e = parsed
	return nil
}

// Shell returns the exact command line sent to the target.
func (s Step) Shell() string {
	if s.User != "" {
		return gateway.AsUser(s.User, s.Command)
	}
	return s.Command
}

func (s Step) check(res gateway.Result) string {
	if !s.ExpectExit.Matches(res.ExitStatus) {
		return fmt.Sprintf("exit status %d, expected %s", res.ExitStatus, s.ExpectExit)
	}
	if s.ExpectOutput != "" && !strings.Contains(res.Output, s.ExpectOutput) {
		return fmt.Sprintf("output does not contain %q", s.ExpectOutput)
	}
	return ""
}

// StepStatus is the outcome of a sequence step.
type StepStatus string

const (
	StepPassed  StepStatus = "passed"
	StepFailed  StepStatus = "failed"
	StepSkipped StepStatus = "skipped"
)

// StepReport is the recorded outcome of one step.
type StepReport struct {
	Name       string        `json:"name"`
	Target     string        `json:"target"`
	Command    string        `json:"command"`
	Status     StepStatus    `json:"status"`
	ExitStatus int           `json:"exitStatus"`
	Output     string        `json:"output,omitempty"`
	Stderr     string        `json:"stderr,omitempty"`
	Duration   time.Duration `json:"duration"`
	Error      string        `json:"error,omitempty"`
}

// Report is the outcome of a sequence.
type Report struct {
	Steps   []StepReport `json:"steps"`
	Failed  string       `json:"failed,omitempty"`
	Skipped []string     `json:"skipped,omitempty"`
}

// Passed reports whether every step passed.
func (r Report) Passed() bool {
	return r.Failed == ""
}

// SequenceOption customizes RunSequence.
type SequenceOption func(*sequenceConfig)

type sequenceConfig struct {
	onStep func(StepReport)
}

// WithStepHook is called after each executed step.
func WithStepHook(fn func(StepReport)) SequenceOption {
	return func(c *sequenceConfig) {
		c.onStep = fn
	}
}

// RunSequence runs steps strictly in order. The first step that fails,
// by transport error, unexpected exit status or missing output, stops the
// sequence and the remaining steps are reported as skipped.
func RunSequence(ctx context.Context, runner gateway.Runner, steps []Step, opts ...SequenceOption) (Report, error) {
	cfg := &sequenceConfig{}
	for _, opt := range opts {
		opt(cfg)
	}
	report := Report{Steps: make([]StepReport, 0, len(steps))}
	skipRest := func(from int) {
		for _, step := range steps[from:] {
			report.Steps = append(report.Steps, StepReport{Name: step.Name, Target: step.Target, Command: step.Shell(), Status: StepSkipped})
			report.Skipped = append(report.Skipped, step.Name)
		}
	}

	for i, step := range steps {
		if err := ctx.Err(); err != nil {
			skipRest(i)
			return report, err
		}
		entry := StepReport{Name: step.Name, Target: step.Target, Command: step.Shell()}
		start := time.Now()
		res, err := runner.Run(ctx, step.Target, entry.Command)
		entry.Duration = time.Since(start)
		if err != nil {
			entry.Status = StepFailed
			entry.Error = err.Error()
			report.Steps = append(report.Steps, entry)
			report.Failed = step.Name
			if cfg.onStep != nil {
				cfg.onStep(entry)
			}
			skipRest(i + 1)
			return report, fmt.Errorf("step %q: %w", step.Name, err)
		}
		entry.ExitStatus = res.ExitStatus
		entry.Output = res.Output
		entry.Stderr = res.Stderr
		if reason := step.check(res); reason != "" {
			entry.Status = StepFailed
			entry.Error = reason
			report.Steps = append(report.Steps, entry)
			report.Failed = step.Name
			if cfg.onStep != nil {
				cfg.onStep(entry)
			}
			skipRest(i + 1)
			return report, &AssertionFailedError{Step: step.Name, Output: res.Combined(), Reason: reason}
		}
		entry.Status = StepPassed
		report.Steps = append(report.Steps, entry)
		if cfg.onStep != nil {
			cfg.onStep(entry)
		}
	}
	return report, nil
}
