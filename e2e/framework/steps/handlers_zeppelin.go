package steps

import (
	"context"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/splunk/hadoop-bundle-e2e/e2e/framework/poll"
	"github.com/splunk/hadoop-bundle-e2e/e2e/framework/probe"
	"github.com/splunk/hadoop-bundle-e2e/e2e/framework/spec"
	"github.com/splunk/hadoop-bundle-e2e/e2e/framework/topology"
	"github.com/splunk/hadoop-bundle-e2e/e2e/framework/zeppelin"
)

// RegisterZeppelinHandlers registers notebook steps.
func RegisterZeppelinHandlers(reg *Registry) {
	reg.Register("zeppelin.run_notebook", handleZeppelinRunNotebook)
}

// handleZeppelinRunNotebook binds every interpreter of the notebook, runs
// it and waits for the job to settle. Any ERROR paragraph fails the step
// with the first line of each error message.
func handleZeppelinRunNotebook(ctx context.Context, exec *Context, step spec.StepSpec) (map[string]string, error) {
	if err := requireSession(exec); err != nil {
		return nil, err
	}
	notebook := expandVars(getStringFallback(step.With, exec.Vars, "notebook", ""), exec.Vars)
	if notebook == "" {
		return nil, fmt.Errorf("notebook is required")
	}
	role := expandVars(getString(step.With, "role", "zeppelin"), exec.Vars)
	client, err := exec.Session.ZeppelinClient(ctx, role, getInt(step.With, "port", 0))
	if err != nil {
		return nil, err
	}

	ids, err := client.BindAll(ctx, notebook)
	if err != nil {
		return nil, fmt.Errorf("bind interpreters for %s: %w", notebook, err)
	}
	if err := client.RunNotebook(ctx, notebook); err != nil {
		return nil, fmt.Errorf("run notebook %s: %w", notebook, err)
	}
	exec.Logger.Info("notebook job started", zap.String("notebook", notebook), zap.Strings("interpreters", ids))

	interval, timeout, limit := jobPollSettings(exec)
	interval = getDuration(step.With, "interval", interval)
	timeout = getDuration(step.With, "timeout", timeout)
	limit = getInt(step.With, "transient_limit", limit)

	run := zeppelin.NewJobRun(notebook)
	p := probe.NewJobStatusProbe(client, notebook, probe.WithTransientLimit(limit), probe.WithJobRun(run))
	stop := startProgressLogger(ctx, exec, "notebook "+notebook, timeout)
	res, err := topology.Wait[[]zeppelin.ParagraphStatus](ctx, exec.Session, p, probe.JobSettled, poll.Options{
		Interval:    interval,
		Timeout:     timeout,
		SettleFirst: true,
	})
	stop()
	metadata := map[string]string{
		"notebook":           notebook,
		"interpreters":       fmt.Sprintf("%d", len(ids)),
		"attempts":           fmt.Sprintf("%d", res.Attempts),
		"transient_failures": fmt.Sprintf("%d", res.TransientFailures),
		"status":             string(run.Status()),
	}
	if err != nil {
		return metadata, err
	}

	failures, err := client.ParagraphErrors(ctx, notebook, res.LastObservation)
	if err != nil {
		return metadata, fmt.Errorf("fetch failed paragraphs of %s: %w", notebook, err)
	}
	if len(failures) == 0 {
		return metadata, nil
	}
	lines := make([]string, 0, len(failures))
	for _, failure := range failures {
		lines = append(lines, failure.String())
	}
	metadata["failed_paragraphs"] = fmt.Sprintf("%d", len(failures))
	return metadata, &OutputError{
		Output: strings.Join(lines, "\n"),
		Err:    fmt.Errorf("notebook %s: %d paragraph(s) in ERROR: %s", notebook, len(failures), strings.Join(lines, "; ")),
	}
}

func jobPollSettings(exec *Context) (interval, timeout time.Duration, limit int) {
	interval, timeout = 10*time.Second, 5*time.Minute
	if cfg := exec.Config; cfg != nil {
		if cfg.JobPollInterval > 0 {
			interval = cfg.JobPollInterval
		}
		if cfg.JobTimeout > 0 {
			timeout = cfg.JobTimeout
		}
		limit = cfg.TransientLimit
	}
	return interval, timeout, limit
}
