package steps

import (
	"errors"

	"github.com/splunk/hadoop-bundle-e2e/e2e/framework/harness"
)

// OutputError attaches captured command output to a step failure.
type OutputError struct {
	Output string
	Err    error
}

func (e *OutputError) Error() string { return e.Err.Error() }

func (e *OutputError) Unwrap() error { return e.Err }

// FailureOutput returns the command output carried by err, if any.
func FailureOutput(err error) string {
	var outputErr *OutputError
	if errors.As(err, &outputErr) {
		return outputErr.Output
	}
	var assertErr *harness.AssertionFailedError
	if errors.As(err, &assertErr) {
		return assertErr.Output
	}
	return ""
}
