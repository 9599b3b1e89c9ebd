package probe

import (
	"context"
	"errors"

	orderedmap "github.com/wk8/go-ordered-map/v2"

	"github.com/splunk/hadoop-bundle-e2e/e2e/framework/gateway"
	"github.com/splunk/hadoop-bundle-e2e/e2e/framework/harness"
)

// DefaultProcessCommand lists JVM processes with their full command line.
const DefaultProcessCommand = "pgrep -a java"

// ProcessListProbe observes the process list of one target.
type ProcessListProbe struct {
	runner  gateway.Runner
	target  string
	command string
}

// NewProcessListProbe returns a probe running command on target. An empty
// command means DefaultProcessCommand.
func NewProcessListProbe(runner gateway.Runner, target, command string) *ProcessListProbe {
	if command == "" {
		command = DefaultProcessCommand
	}
	return &ProcessListProbe{runner: runner, target: target, command: command}
}

// Name implements Probe.
func (p *ProcessListProbe) Name() string { return "process-list/" + p.target }

// Probe returns the raw command output. A non-zero exit, such as pgrep
// finding nothing, is still an observation.
func (p *ProcessListProbe) Probe(ctx context.Context) (string, error) {
	res, err := p.runner.Run(ctx, p.target, p.command)
	if err != nil {
		return "", classifyRunError(p.Name(), err)
	}
	return res.Output, nil
}

// SnapshotProbe observes the process list of several roles in order.
type SnapshotProbe struct {
	probes []*ProcessListProbe
}

// NewSnapshotProbe returns a probe covering roles.
func NewSnapshotProbe(runner gateway.Runner, roles []string, command string) *SnapshotProbe {
	probes := make([]*ProcessListProbe, 0, len(roles))
	for _, role := range roles {
		probes = append(probes, NewProcessListProbe(runner, role, command))
	}
	return &SnapshotProbe{probes: probes}
}

// Name implements Probe.
func (p *SnapshotProbe) Name() string { return "process-snapshot" }

// Probe captures every role. The first failing role fails the whole attempt.
func (p *SnapshotProbe) Probe(ctx context.Context) (harness.Snapshot, error) {
	snapshot := orderedmap.New[string, string](len(p.probes))
	for _, probe := range p.probes {
		out, err := probe.Probe(ctx)
		if err != nil {
			return nil, err
		}
		snapshot.Set(probe.target, out)
	}
	return snapshot, nil
}

func classifyRunError(name string, err error) error {
	if errors.Is(err, gateway.ErrTransport) {
		return Transport(name, err)
	}
	return Fatal(name, err)
}
