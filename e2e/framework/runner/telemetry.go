package runner

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"go.opentelemetry.io/otel/trace"

	"github.com/splunk/hadoop-bundle-e2e/e2e/framework/results"
	"github.com/splunk/hadoop-bundle-e2e/e2e/framework/spec"
	"github.com/splunk/hadoop-bundle-e2e/e2e/framework/steps"
)

func (r *Runner) startRunSpan(ctx context.Context, specs []spec.TestSpec) (context.Context, trace.Span) {
	if r.telemetry == nil || !r.telemetry.Enabled() {
		return ctx, nil
	}
	attrs := mergeAttrs(r.baseAttributes(), map[string]string{
		"e2e.parallelism": fmt.Sprintf("%d", r.cfg.Parallelism),
		"e2e.spec_count":  fmt.Sprintf("%d", len(specs)),
	})
	return r.telemetry.StartSpan(ctx, "e2e.run", attrs)
}

func (r *Runner) finishRunSpan(span trace.Span, run *results.RunResult, runErr error) {
	if span == nil || r.telemetry == nil || !r.telemetry.Enabled() {
		return
	}
	attrs := map[string]string{}
	status := "passed"
	if runErr != nil {
		status = "failed"
	}
	if run != nil {
		attrs["e2e.run_id"] = run.RunID
		attrs["e2e.duration_ms"] = fmt.Sprintf("%d", run.Duration.Milliseconds())
		summary := results.Summarize(run)
		attrs["e2e.total"] = fmt.Sprintf("%d", summary.Total)
		attrs["e2e.passed"] = fmt.Sprintf("%d", summary.Passed)
		attrs["e2e.failed"] = fmt.Sprintf("%d", summary.Failed)
		attrs["e2e.skipped"] = fmt.Sprintf("%d", summary.Skipped)
		if runErr == nil && summary.HasFailures() {
			status = "failed"
		}
		if runErr == nil && summary.Failed == 0 && summary.Passed == 0 && summary.Skipped > 0 {
			status = "skipped"
		}
	}
	if runErr != nil {
		r.telemetry.MarkSpan(span, status, runErr, attrs)
		return
	}
	if status == "failed" {
		r.telemetry.MarkSpan(span, status, errors.New("run failed"), attrs)
		return
	}
	r.telemetry.MarkSpan(span, status, nil, attrs)
}

func (r *Runner) startTestSpan(ctx context.Context, spec spec.TestSpec, exec *steps.Context) (context.Context, trace.Span) {
	if r.telemetry == nil || !r.telemetry.Enabled() {
		return ctx, nil
	}
	attrs := r.baseTestAttributes(spec)
	spanName := "e2e.test"
	if spec.Metadata.Name != "" {
		spanName = "e2e.test:" + spec.Metadata.Name
	}
	return r.telemetry.StartSpan(ctx, spanName, attrs)
}

func (r *Runner) finishTestSpan(span trace.Span, spec spec.TestSpec, exec *steps.Context, result *results.TestResult) {
	if span == nil || r.telemetry == nil || !r.telemetry.Enabled() || result == nil {
		return
	}
	attrs := mergeAttrs(r.baseTestAttributes(spec), testResultAttributes(result))
	if exec != nil {
		attrs["e2e.poll_sessions"] = fmt.Sprintf("%d", len(exec.Polls()))
	}
	err := testFailureError(*result)
	r.telemetry.MarkSpan(span, string(result.Status), err, attrs)
}

func (r *Runner) startStepSpan(ctx context.Context, exec *steps.Context, step spec.StepSpec) (context.Context, trace.Span) {
	if r.telemetry == nil || !r.telemetry.Enabled() {
		return ctx, nil
	}
	attrs := r.baseStepAttributes(exec, step)
	spanName := "e2e.step"
	if step.Action != "" {
		spanName = "e2e.step:" + step.Action
	} else if step.Name != "" {
		spanName = "e2e.step:" + step.Name
	}
	return r.telemetry.StartSpan(ctx, spanName, attrs)
}

func (r *Runner) finishStepSpan(span trace.Span, exec *steps.Context, step spec.StepSpec, result results.StepResult, stepErr error) {
	if span == nil || r.telemetry == nil || !r.telemetry.Enabled() {
		return
	}
	attrs := mergeAttrs(r.baseStepAttributes(exec, step), stepResultAttributes(result))
	r.telemetry.MarkSpan(span, string(result.Status), stepErr, attrs)
}

func (r *Runner) recordTestTelemetry(spec spec.TestSpec, result results.TestResult) {
	if r.telemetry == nil || !r.telemetry.Enabled() {
		return
	}
	attrs := r.testMetricAttributes(spec, result)
	r.telemetry.RecordTest(string(result.Status), result.Duration, attrs)
}

func (r *Runner) recordStepTelemetry(exec *steps.Context, step spec.StepSpec, result results.StepResult) {
	if r.telemetry == nil || !r.telemetry.Enabled() {
		return
	}
	attrs := r.stepMetricAttributes(exec, step)
	r.telemetry.RecordStep(string(result.Status), result.Duration, attrs)
}

func (r *Runner) baseAttributes() map[string]string {
	return map[string]string{
		"e2e.run_id":             r.cfg.RunID,
		"deployment.backend":     r.cfg.Backend,
		"deployment.environment": r.session.Environment(),
	}
}

func (r *Runner) baseTestAttributes(spec spec.TestSpec) map[string]string {
	attrs := mergeAttrs(r.baseAttributes(), map[string]string{
		"e2e.test":  spec.Metadata.Name,
		"e2e.phase": string(phaseOf(spec)),
	})
	if spec.Metadata.Owner != "" {
		attrs["e2e.owner"] = spec.Metadata.Owner
	}
	if spec.Metadata.Component != "" {
		attrs["e2e.component"] = spec.Metadata.Component
	}
	if len(spec.Metadata.Tags) > 0 {
		attrs["e2e.tags"] = strings.Join(spec.Metadata.Tags, ",")
	}
	if len(spec.Requires) > 0 {
		attrs["e2e.requires"] = strings.Join(spec.Requires, ",")
	}
	return attrs
}

func (r *Runner) baseStepAttributes(exec *steps.Context, step spec.StepSpec) map[string]string {
	attrs := r.baseAttributes()
	if exec != nil {
		attrs["e2e.test"] = exec.TestName
	}
	if step.Name != "" {
		attrs["e2e.step"] = step.Name
	}
	if step.Action != "" {
		attrs["e2e.action"] = step.Action
	}
	return attrs
}

func (r *Runner) testMetricAttributes(spec spec.TestSpec, result results.TestResult) map[string]string {
	return map[string]string{
		"test":    result.Name,
		"phase":   string(phaseOf(spec)),
		"backend": r.cfg.Backend,
	}
}

func (r *Runner) stepMetricAttributes(exec *steps.Context, step spec.StepSpec) map[string]string {
	attrs := map[string]string{
		"test":    "",
		"step":    step.Name,
		"action":  step.Action,
		"backend": r.cfg.Backend,
	}
	if exec != nil {
		attrs["test"] = exec.TestName
	}
	return attrs
}

func testResultAttributes(result *results.TestResult) map[string]string {
	attrs := map[string]string{
		"e2e.status":      string(result.Status),
		"e2e.duration_ms": fmt.Sprintf("%d", result.Duration.Milliseconds()),
	}
	if result.Metadata != nil {
		if result.Metadata["timeout"] == "true" {
			attrs["e2e.timeout"] = "true"
		}
		if reason := strings.TrimSpace(result.Metadata["skip_reason"]); reason != "" {
			attrs["e2e.skip_reason"] = reason
		}
	}
	return attrs
}

func stepResultAttributes(result results.StepResult) map[string]string {
	attrs := map[string]string{
		"e2e.status":      string(result.Status),
		"e2e.duration_ms": fmt.Sprintf("%d", result.Duration.Milliseconds()),
	}
	return attrs
}

func testFailureError(result results.TestResult) error {
	if result.Status != results.StatusFailed {
		return nil
	}
	if result.Metadata != nil {
		if msg := strings.TrimSpace(result.Metadata["timeout_error"]); msg != "" {
			return errors.New(msg)
		}
	}
	for _, step := range result.Steps {
		if step.Status == results.StatusFailed && step.Error != "" {
			return errors.New(step.Error)
		}
	}
	for _, assertion := range result.Assertions {
		if assertion.Status == results.StatusFailed && assertion.Error != "" {
			return errors.New(assertion.Error)
		}
	}
	return errors.New("test failed")
}

func mergeAttrs(values ...map[string]string) map[string]string {
	out := make(map[string]string)
	for _, attrs := range values {
		for key, value := range attrs {
			if value == "" {
				continue
			}
			out[key] = value
		}
	}
	return out
}
