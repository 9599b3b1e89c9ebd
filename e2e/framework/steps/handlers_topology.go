package steps

import (
	"context"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/splunk/hadoop-bundle-e2e/e2e/framework/artifacts"
	"github.com/splunk/hadoop-bundle-e2e/e2e/framework/harness"
	"github.com/splunk/hadoop-bundle-e2e/e2e/framework/spec"
	"github.com/splunk/hadoop-bundle-e2e/e2e/framework/topology"
)

const defaultSnapshot = "default"

// RegisterTopologyHandlers registers process placement and teardown steps.
func RegisterTopologyHandlers(reg *Registry) {
	reg.Register("topology.snapshot", handleTopologySnapshot)
	reg.Register("topology.wait_placement", handleTopologyWaitPlacement)
	reg.Register("assert.placement", handleAssertPlacement)
	reg.Register("topology.remove", handleTopologyRemove)
}

func handleTopologySnapshot(ctx context.Context, exec *Context, step spec.StepSpec) (map[string]string, error) {
	if err := requireSession(exec); err != nil {
		return nil, err
	}
	roles, err := roleList(exec, step)
	if err != nil {
		return nil, err
	}
	command := expandVars(getString(step.With, "command", ""), exec.Vars)
	snapshot, err := exec.Session.Snapshot(ctx, roles, command)
	if err != nil {
		return nil, err
	}
	return storeSnapshot(exec, getString(step.With, "save_as", defaultSnapshot), snapshot)
}

func handleTopologyWaitPlacement(ctx context.Context, exec *Context, step spec.StepSpec) (map[string]string, error) {
	if err := requireSession(exec); err != nil {
		return nil, err
	}
	roles, err := roleList(exec, step)
	if err != nil {
		return nil, err
	}
	exps, err := expectations(exec, step)
	if err != nil {
		return nil, err
	}
	opts := waitOptions(step, exec.Session.Options().ReadyTimeout)
	stop := startProgressLogger(ctx, exec, "process placement", opts.Timeout)
	defer stop()

	command := expandVars(getString(step.With, "command", ""), exec.Vars)
	snapshot, err := exec.Session.WaitPlacement(ctx, roles, exps, command, opts)
	var metadata map[string]string
	if snapshot != nil {
		metadata, _ = storeSnapshot(exec, getString(step.With, "save_as", defaultSnapshot), snapshot)
	}
	if err != nil {
		return metadata, err
	}
	if metadata == nil {
		metadata = map[string]string{}
	}
	metadata["expectations"] = fmt.Sprintf("%d", len(exps))
	return metadata, nil
}

func handleAssertPlacement(ctx context.Context, exec *Context, step spec.StepSpec) (map[string]string, error) {
	exps, err := expectations(exec, step)
	if err != nil {
		return nil, err
	}
	name := getString(step.With, "snapshot", defaultSnapshot)
	snapshot, ok := exec.snapshot(name)
	if !ok {
		if _, err := handleTopologySnapshot(ctx, exec, spec.StepSpec{Name: step.Name, With: map[string]interface{}{
			"roles":   step.With["roles"],
			"command": step.With["command"],
			"save_as": name,
		}}); err != nil {
			return nil, err
		}
		snapshot, _ = exec.snapshot(name)
	}
	if err := harness.AssertPlacement(snapshot, exps); err != nil {
		return nil, err
	}
	return map[string]string{"snapshot": name, "expectations": fmt.Sprintf("%d", len(exps))}, nil
}

func handleTopologyRemove(ctx context.Context, exec *Context, step spec.StepSpec) (map[string]string, error) {
	if err := requireSession(exec); err != nil {
		return nil, err
	}
	services, err := serviceList(exec, step)
	if err != nil {
		return nil, err
	}
	opts := waitOptions(step, exec.Session.Options().RemoveTimeout)
	stop := startProgressLogger(ctx, exec, "service removal", opts.Timeout)
	defer stop()
	for _, service := range services {
		if err := exec.Session.Remove(ctx, service, opts); err != nil {
			return nil, err
		}
		exec.Logger.Info("service removed", zap.String("service", service))
	}
	return map[string]string{"removed": strings.Join(services, ",")}, nil
}

func roleList(exec *Context, step spec.StepSpec) ([]string, error) {
	roles, err := getStringList(step.With, "roles")
	if err != nil {
		return nil, err
	}
	roles = expandStringSlice(roles, exec.Vars)
	if len(roles) == 0 {
		return nil, fmt.Errorf("roles are required")
	}
	return roles, nil
}

func expectations(exec *Context, step spec.StepSpec) ([]harness.Expectation, error) {
	var exps []harness.Expectation
	ok, err := decodeParam(step.With, "expectations", &exps)
	if err != nil {
		return nil, err
	}
	if !ok || len(exps) == 0 {
		return nil, fmt.Errorf("expectations are required")
	}
	for i := range exps {
		exps[i].Role = expandVars(exps[i].Role, exec.Vars)
		if exps[i].Role == "" || exps[i].Marker == "" {
			return nil, fmt.Errorf("expectation %d needs role and marker", i+1)
		}
	}
	return exps, nil
}

func waitOptions(step spec.StepSpec, fallback time.Duration) topology.WaitOptions {
	return topology.WaitOptions{
		Interval:    getDuration(step.With, "interval", 0),
		Timeout:     getDuration(step.With, "timeout", fallback),
		SettleFirst: getBool(step.With, "settle_first", false),
	}
}

func storeSnapshot(exec *Context, name string, snapshot harness.Snapshot) (map[string]string, error) {
	exec.saveSnapshot(name, snapshot)
	metadata := map[string]string{"snapshot": name, "roles": fmt.Sprintf("%d", snapshot.Len())}
	if exec.Artifacts != nil {
		path, err := exec.Artifacts.WriteText(
			"snapshots/"+artifacts.SafeName(exec.TestName)+"/"+artifacts.SafeName(name)+".txt",
			harness.FormatSnapshot(snapshot))
		if err != nil {
			return metadata, err
		}
		metadata["artifact"] = path
	}
	return metadata, nil
}
