package runner

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"
	"unicode/utf8"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/splunk/hadoop-bundle-e2e/e2e/framework/artifacts"
	"github.com/splunk/hadoop-bundle-e2e/e2e/framework/config"
	"github.com/splunk/hadoop-bundle-e2e/e2e/framework/metrics"
	"github.com/splunk/hadoop-bundle-e2e/e2e/framework/objectstore"
	"github.com/splunk/hadoop-bundle-e2e/e2e/framework/probe"
	"github.com/splunk/hadoop-bundle-e2e/e2e/framework/results"
	"github.com/splunk/hadoop-bundle-e2e/e2e/framework/spec"
	"github.com/splunk/hadoop-bundle-e2e/e2e/framework/steps"
	"github.com/splunk/hadoop-bundle-e2e/e2e/framework/telemetry"
	"github.com/splunk/hadoop-bundle-e2e/e2e/framework/topology"
)

// maxInlineOutput caps the output kept in results.json; the full text is
// written as an artifact.
const maxInlineOutput = 4096

const (
	skipTagFiltered = "tag filtered"
	skipSetupFailed = "setup failed"
	skipCancelled   = "run cancelled"
)

// Runner executes bundle test specs against one deployment session.
type Runner struct {
	cfg       *config.Config
	logger    *zap.Logger
	registry  *steps.Registry
	session   *topology.Session
	artifacts *artifacts.Writer
	metrics   *metrics.Collector
	telemetry *telemetry.Telemetry

	newProvider func(ctx context.Context, cfg objectstore.Config) (objectstore.Provider, error)
}

// NewRunner constructs a Runner and hooks the session poll events into the
// run metrics.
func NewRunner(cfg *config.Config, logger *zap.Logger, registry *steps.Registry, session *topology.Session, telemetryClient *telemetry.Telemetry) (*Runner, error) {
	if session == nil {
		return nil, errors.New("deployment session is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	writer, err := artifacts.NewWriter(cfg.ArtifactDir)
	if err != nil {
		return nil, err
	}
	r := &Runner{
		cfg:         cfg,
		logger:      logger,
		registry:    registry,
		session:     session,
		artifacts:   writer,
		metrics:     metrics.NewCollector(),
		telemetry:   telemetryClient,
		newProvider: objectstore.NewProvider,
	}
	r.hookSession()
	return r, nil
}

// Artifacts returns the writer of the run directory.
func (r *Runner) Artifacts() *artifacts.Writer {
	return r.artifacts
}

func (r *Runner) hookSession() {
	onPoll, onAttempt := r.session.OnPoll, r.session.OnAttempt
	r.session.OnPoll = func(record topology.PollRecord) {
		r.metrics.ObservePoll(record.Probe, record.Outcome, record.Elapsed)
		r.telemetry.RecordPoll(record.Probe, record.Outcome, record.Attempts, record.Elapsed, map[string]string{"backend": r.cfg.Backend})
		if onPoll != nil {
			onPoll(record)
		}
	}
	r.session.OnAttempt = func(probeName string, kind probe.FailureKind) {
		r.metrics.ObserveProbeAttempt(probeName, kind.String())
		if onAttempt != nil {
			onAttempt(probeName, kind)
		}
	}
}

// RunAll executes the setup phase, then the test phase, then the teardown
// phase. A failed setup test skips the rest of the setup and test phases;
// teardown still runs.
func (r *Runner) RunAll(ctx context.Context, specs []spec.TestSpec) (*results.RunResult, error) {
	runCtx, runSpan := r.startRunSpan(ctx, specs)
	run := &results.RunResult{
		RunID:       r.cfg.RunID,
		Backend:     r.cfg.Backend,
		Environment: r.session.Environment(),
		StartTime:   time.Now().UTC(),
	}

	var setup, tests, teardown []spec.TestSpec
	for _, testSpec := range specs {
		switch {
		case !testSpec.MatchesTags(r.cfg.IncludeTags, r.cfg.ExcludeTags):
			run.Tests = append(run.Tests, r.record(testSpec, r.skipResult(testSpec, skipTagFiltered)))
		case !testSpec.Supports(r.cfg.Backend):
			reason := fmt.Sprintf("backend %s not supported (requires %s)", r.cfg.Backend, strings.Join(testSpec.Requires, ","))
			run.Tests = append(run.Tests, r.record(testSpec, r.skipResult(testSpec, reason)))
		case testSpec.Phase == spec.PhaseSetup:
			setup = append(setup, testSpec)
		case testSpec.Phase == spec.PhaseTeardown:
			teardown = append(teardown, testSpec)
		default:
			tests = append(tests, testSpec)
		}
	}

	setupFailed := false
	for _, testSpec := range setup {
		if setupFailed {
			run.Tests = append(run.Tests, r.record(testSpec, r.skipResult(testSpec, skipSetupFailed)))
			continue
		}
		result := r.record(testSpec, r.runSpec(runCtx, testSpec))
		run.Tests = append(run.Tests, result)
		if result.Status == results.StatusFailed {
			setupFailed = true
			r.logger.Error("setup test failed, skipping test phase", zap.String("test", result.Name))
		}
	}

	if setupFailed {
		for _, testSpec := range tests {
			run.Tests = append(run.Tests, r.record(testSpec, r.skipResult(testSpec, skipSetupFailed)))
		}
	} else {
		run.Tests = append(run.Tests, r.runParallel(runCtx, tests)...)
	}

	for _, testSpec := range teardown {
		run.Tests = append(run.Tests, r.record(testSpec, r.runSpec(runCtx, testSpec)))
	}

	run.EndTime = time.Now().UTC()
	run.Duration = run.EndTime.Sub(run.StartTime)
	r.finishRunSpan(runSpan, run, nil)
	if runSpan != nil {
		runSpan.End()
	}
	return run, nil
}

// runParallel runs specs with at most cfg.Parallelism in flight and returns
// their results in spec order.
func (r *Runner) runParallel(ctx context.Context, specs []spec.TestSpec) []results.TestResult {
	parallelism := r.cfg.Parallelism
	if parallelism < 1 {
		parallelism = 1
	}
	out := make([]results.TestResult, len(specs))
	var group errgroup.Group
	group.SetLimit(parallelism)
	for i, testSpec := range specs {
		i, testSpec := i, testSpec
		group.Go(func() error {
			out[i] = r.record(testSpec, r.runSpec(ctx, testSpec))
			return nil
		})
	}
	_ = group.Wait()
	return out
}

func (r *Runner) runSpec(ctx context.Context, testSpec spec.TestSpec) results.TestResult {
	if ctx.Err() != nil {
		return r.skipResult(testSpec, skipCancelled)
	}
	exec := steps.NewContext(r.cfg.RunID, testSpec.Metadata.Name, r.logger, r.artifacts, r.cfg, r.session, &testSpec)
	return r.runSpecWithExec(ctx, testSpec, exec)
}

func (r *Runner) runSpecWithExec(ctx context.Context, testSpec spec.TestSpec, exec *steps.Context) results.TestResult {
	result := r.newResult(testSpec)
	result.StartTime = time.Now().UTC()
	result.Metadata["backend"] = r.cfg.Backend
	result.Metadata["environment"] = r.session.Environment()

	timeout := r.cfg.DefaultTimeout
	if testSpec.Timeout != "" {
		if parsed, err := time.ParseDuration(testSpec.Timeout); err == nil {
			timeout = parsed
		} else {
			exec.Logger.Warn("invalid test timeout, using default", zap.String("timeout", testSpec.Timeout), zap.Duration("default", timeout))
		}
	}
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}
	ctx = topology.WithPollRecorder(ctx, exec.RecordPoll)
	ctx, span := r.startTestSpan(ctx, testSpec, exec)
	defer func() {
		r.finishTestSpan(span, testSpec, exec, &result)
		if span != nil {
			span.End()
		}
	}()

	exec.Logger.Info("test started", zap.String("phase", string(phaseOf(testSpec))), zap.Duration("timeout", timeout))
	result.Status = results.StatusPassed
	for _, step := range testSpec.Steps {
		stepResult := r.runStep(ctx, exec, step, &result)
		result.Steps = append(result.Steps, stepResult)
		if stepResult.Status == results.StatusFailed {
			result.Status = results.StatusFailed
			break
		}
	}

	if result.Status == results.StatusPassed {
		for _, assertion := range testSpec.Assertions {
			stepSpec := spec.StepSpec{
				Name:   assertion.Name,
				Action: fmt.Sprintf("assert.%s", assertion.Type),
				With:   assertion.With,
			}
			stepResult := r.runStep(ctx, exec, stepSpec, &result)
			result.Assertions = append(result.Assertions, results.AssertionResult{
				Name:     assertion.Name,
				Status:   stepResult.Status,
				Error:    stepResult.Error,
				Duration: stepResult.Duration,
			})
			if stepResult.Status == results.StatusFailed {
				result.Status = results.StatusFailed
				break
			}
		}
	}

	result.EndTime = time.Now().UTC()
	result.Duration = result.EndTime.Sub(result.StartTime)
	r.finalizeTest(ctx, exec, &result)
	exec.Logger.Info("test finished", zap.String("status", string(result.Status)), zap.Duration("duration", result.Duration))
	return result
}

func (r *Runner) runStep(ctx context.Context, exec *steps.Context, step spec.StepSpec, test *results.TestResult) results.StepResult {
	start := time.Now().UTC()
	stepCtx, span := r.startStepSpan(ctx, exec, step)
	metadata, err := r.registry.Execute(stepCtx, exec, step)
	end := time.Now().UTC()

	stepResult := results.StepResult{
		Name:      step.Name,
		Action:    step.Action,
		StartTime: start,
		EndTime:   end,
		Duration:  end.Sub(start),
		Metadata:  metadata,
	}
	if err != nil {
		stepResult.Status = results.StatusFailed
		stepResult.Error = err.Error()
		if output := steps.FailureOutput(err); output != "" {
			r.captureOutput(exec, test, &stepResult, output)
		}
		exec.Logger.Error("step failed", zap.String("step", step.Name), zap.String("action", step.Action), zap.Error(err))
	} else {
		stepResult.Status = results.StatusPassed
	}

	r.finishStepSpan(span, exec, step, stepResult, err)
	if span != nil {
		span.End()
	}

	r.metrics.ObserveStep(exec.TestName, step.Action, string(stepResult.Status), stepResult.Duration)
	r.recordStepTelemetry(exec, step, stepResult)
	return stepResult
}

// captureOutput writes the output of a failed step to the artifact tree and
// keeps its tail inline.
func (r *Runner) captureOutput(exec *steps.Context, test *results.TestResult, stepResult *results.StepResult, output string) {
	stepResult.Output = tail(output, maxInlineOutput)
	path, err := r.artifacts.WriteText(artifacts.OutputName(exec.TestName, stepResult.Name), output)
	if err != nil {
		exec.Logger.Warn("failed to write step output", zap.String("step", stepResult.Name), zap.Error(err))
		return
	}
	if test.Artifacts == nil {
		test.Artifacts = make(map[string]string)
	}
	test.Artifacts["output:"+stepResult.Name] = path
}

// tail keeps at most the last limit bytes of value, cut on a rune boundary.
func tail(value string, limit int) string {
	if len(value) <= limit {
		return value
	}
	start := len(value) - limit
	for start < len(value) && !utf8.RuneStart(value[start]) {
		start++
	}
	return "..." + value[start:]
}

func (r *Runner) newResult(testSpec spec.TestSpec) results.TestResult {
	return results.TestResult{
		Name:        testSpec.Metadata.Name,
		Description: testSpec.Metadata.Description,
		Phase:       string(phaseOf(testSpec)),
		Tags:        testSpec.Metadata.Tags,
		Requires:    testSpec.Requires,
		Metadata:    map[string]string{},
	}
}

func (r *Runner) skipResult(testSpec spec.TestSpec, reason string) results.TestResult {
	now := time.Now().UTC()
	result := r.newResult(testSpec)
	result.Status = results.StatusSkipped
	result.StartTime = now
	result.EndTime = now
	result.Metadata["skip_reason"] = reason
	r.logger.Info("test skipped", zap.String("test", result.Name), zap.String("reason", reason))
	return result
}

// record observes a finished test in metrics and telemetry.
func (r *Runner) record(testSpec spec.TestSpec, result results.TestResult) results.TestResult {
	r.metrics.ObserveTest(string(result.Status), result.Duration)
	r.metrics.ObserveTestDetail(result.Name, string(result.Status), result.Phase, result.Duration)
	r.metrics.ObserveTestInfo(metrics.TestInfo{
		Test:        result.Name,
		Status:      string(result.Status),
		Phase:       result.Phase,
		Backend:     r.cfg.Backend,
		Environment: r.session.Environment(),
	})
	r.recordTestTelemetry(testSpec, result)
	return result
}

func (r *Runner) finalizeTest(ctx context.Context, exec *steps.Context, result *results.TestResult) {
	if errors.Is(ctx.Err(), context.DeadlineExceeded) {
		result.Metadata["timeout"] = "true"
		result.Metadata["timeout_error"] = ctx.Err().Error()
	}
	for _, record := range exec.Polls() {
		result.Polls = append(result.Polls, results.PollResult{
			SessionID:         record.SessionID,
			Probe:             record.Probe,
			Outcome:           record.Outcome,
			Attempts:          record.Attempts,
			TransientFailures: record.TransientFailures,
			Elapsed:           record.Elapsed,
		})
	}
}

// FlushArtifacts writes results, summary and metrics to the run directory
// and publishes the directory when a bucket is configured.
func (r *Runner) FlushArtifacts(ctx context.Context, run *results.RunResult) error {
	if _, err := r.artifacts.WriteJSON("results.json", run); err != nil {
		return err
	}
	if _, err := r.artifacts.WriteJSON("summary.json", results.Summarize(run)); err != nil {
		return err
	}
	if r.cfg.MetricsEnabled {
		if err := r.metrics.Write(r.cfg.MetricsPath); err != nil {
			return err
		}
	}
	return r.publish(ctx)
}

func (r *Runner) publish(ctx context.Context) error {
	storeCfg := objectstore.ConfigFrom(r.cfg)
	if !storeCfg.Enabled() {
		return nil
	}
	publishCtx, cancel := context.WithTimeout(ctx, 15*time.Minute)
	defer cancel()
	provider, err := r.newProvider(publishCtx, storeCfg)
	if err != nil {
		return fmt.Errorf("objectstore: %w", err)
	}
	defer provider.Close()
	if _, err := objectstore.PublishDir(publishCtx, provider, r.artifacts.RunDir, r.cfg.RunID, r.logger); err != nil {
		return fmt.Errorf("publish artifacts: %w", err)
	}
	return nil
}

func phaseOf(testSpec spec.TestSpec) spec.Phase {
	if testSpec.Phase == "" {
		return spec.PhaseTest
	}
	return testSpec.Phase
}
