package results

import "time"

// Status indicates outcome for a test or step.
type Status string

const (
	StatusPassed  Status = "passed"
	StatusFailed  Status = "failed"
	StatusSkipped Status = "skipped"
)

// StepResult captures a single step execution.
type StepResult struct {
	Name      string            `json:"name"`
	Action    string            `json:"action"`
	Status    Status            `json:"status"`
	StartTime time.Time         `json:"start_time"`
	EndTime   time.Time         `json:"end_time"`
	Duration  time.Duration     `json:"duration"`
	Error     string            `json:"error,omitempty"`
	Output    string            `json:"output,omitempty"`
	Metadata  map[string]string `json:"metadata,omitempty"`
}

// AssertionResult captures a single assertion execution.
type AssertionResult struct {
	Name     string        `json:"name"`
	Status   Status        `json:"status"`
	Error    string        `json:"error,omitempty"`
	Duration time.Duration `json:"duration"`
}

// PollResult summarizes one poll session that ran inside a test.
type PollResult struct {
	SessionID         string        `json:"session_id"`
	Probe             string        `json:"probe"`
	Outcome           string        `json:"outcome"`
	Attempts          int           `json:"attempts"`
	TransientFailures int           `json:"transient_failures"`
	Elapsed           time.Duration `json:"elapsed"`
}

// TestResult captures a test execution summary.
type TestResult struct {
	Name        string            `json:"name"`
	Description string            `json:"description,omitempty"`
	Phase       string            `json:"phase"`
	Tags        []string          `json:"tags,omitempty"`
	Status      Status            `json:"status"`
	StartTime   time.Time         `json:"start_time"`
	EndTime     time.Time         `json:"end_time"`
	Duration    time.Duration     `json:"duration"`
	Steps       []StepResult      `json:"steps"`
	Assertions  []AssertionResult `json:"assertions"`
	Polls       []PollResult      `json:"polls,omitempty"`
	Artifacts   map[string]string `json:"artifacts,omitempty"`
	Metadata    map[string]string `json:"metadata,omitempty"`
	Requires    []string          `json:"requires,omitempty"`
}

// RunResult captures the overall run summary.
type RunResult struct {
	RunID       string        `json:"run_id"`
	Backend     string        `json:"backend"`
	Environment string        `json:"environment"`
	StartTime   time.Time     `json:"start_time"`
	EndTime     time.Time     `json:"end_time"`
	Duration    time.Duration `json:"duration"`
	Tests       []TestResult  `json:"tests"`
}

// Summary counts test outcomes of a run.
type Summary struct {
	Total   int `json:"total"`
	Passed  int `json:"passed"`
	Failed  int `json:"failed"`
	Skipped int `json:"skipped"`
}

// Summarize counts the outcomes in run.
func Summarize(run *RunResult) Summary {
	if run == nil {
		return Summary{}
	}
	summary := Summary{Total: len(run.Tests)}
	for _, test := range run.Tests {
		switch test.Status {
		case StatusPassed:
			summary.Passed++
		case StatusFailed:
			summary.Failed++
		case StatusSkipped:
			summary.Skipped++
		}
	}
	return summary
}

// HasFailures reports whether any test of the run failed.
func (s Summary) HasFailures() bool {
	return s.Failed > 0
}
