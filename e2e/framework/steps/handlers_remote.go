package steps

import (
	"context"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"github.com/splunk/hadoop-bundle-e2e/e2e/framework/artifacts"
	"github.com/splunk/hadoop-bundle-e2e/e2e/framework/harness"
	"github.com/splunk/hadoop-bundle-e2e/e2e/framework/spec"
)

// RegisterRemoteHandlers registers steps that run commands on units.
func RegisterRemoteHandlers(reg *Registry) {
	reg.Register("remote.run", handleRemoteRun)
	reg.Register("remote.sequence", handleRemoteSequence)
}

func handleRemoteRun(ctx context.Context, exec *Context, step spec.StepSpec) (map[string]string, error) {
	expectExit, err := harness.ParseExitExpectation(getString(step.With, "expect_exit", "0"))
	if err != nil {
		return nil, err
	}
	remote := harness.Step{
		Name:         step.Name,
		Target:       getString(step.With, "target", ""),
		Command:      getString(step.With, "command", ""),
		User:         getString(step.With, "user", ""),
		ExpectExit:   expectExit,
		ExpectOutput: getString(step.With, "expect_output", ""),
	}
	return runSequence(ctx, exec, step, []harness.Step{remote})
}

func handleRemoteSequence(ctx context.Context, exec *Context, step spec.StepSpec) (map[string]string, error) {
	var sequence []harness.Step
	ok, err := decodeParam(step.With, "steps", &sequence)
	if err != nil {
		return nil, err
	}
	if !ok || len(sequence) == 0 {
		return nil, fmt.Errorf("steps are required")
	}
	return runSequence(ctx, exec, step, sequence)
}

func runSequence(ctx context.Context, exec *Context, step spec.StepSpec, sequence []harness.Step) (map[string]string, error) {
	if err := requireSession(exec); err != nil {
		return nil, err
	}
	for i := range sequence {
		s := &sequence[i]
		s.Target = expandVars(strings.TrimSpace(s.Target), exec.Vars)
		s.Command = expandVars(s.Command, exec.Vars)
		s.User = expandVars(s.User, exec.Vars)
		s.ExpectOutput = expandVars(s.ExpectOutput, exec.Vars)
		if s.Name == "" {
			s.Name = fmt.Sprintf("%s #%d", step.Name, i+1)
		}
		if s.Target == "" || strings.TrimSpace(s.Command) == "" {
			return nil, fmt.Errorf("step %q needs target and command", s.Name)
		}
	}
	if timeout := getDuration(step.With, "timeout", 0); timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	report, err := harness.RunSequence(ctx, exec.Session.Gateway, sequence, harness.WithStepHook(func(r harness.StepReport) {
		exec.Logger.Info("remote step finished",
			zap.String("step", r.Name),
			zap.String("target", r.Target),
			zap.String("status", string(r.Status)),
			zap.Int("exit_status", r.ExitStatus),
			zap.Duration("duration", r.Duration))
	}))

	metadata := map[string]string{
		"steps":   fmt.Sprintf("%d", len(sequence)),
		"skipped": fmt.Sprintf("%d", len(report.Skipped)),
	}
	if report.Failed != "" {
		metadata["failed"] = report.Failed
	}
	if exec.Artifacts != nil && len(sequence) > 1 {
		name := "sequences/" + artifacts.SafeName(exec.TestName) + "/" + artifacts.SafeName(step.Name) + ".json"
		if path, writeErr := exec.Artifacts.WriteJSON(name, report); writeErr == nil {
			metadata["report"] = path
		}
	}
	if err != nil {
		return metadata, err
	}
	if len(report.Steps) == 1 {
		metadata["exit_status"] = fmt.Sprintf("%d", report.Steps[0].ExitStatus)
	}
	return metadata, nil
}
