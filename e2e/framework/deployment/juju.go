package deployment

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/pkg/errors"
	"go.uber.org/zap"
	"gopkg.in/yaml.v3"
	utilexec "k8s.io/utils/exec"

	"github.com/splunk/hadoop-bundle-e2e/e2e/framework/gateway"
	"github.com/splunk/hadoop-bundle-e2e/e2e/framework/poll"
	"github.com/splunk/hadoop-bundle-e2e/e2e/framework/probe"
)

// JujuOptions configures the juju backend.
type JujuOptions struct {
	Binary string
	Model  string
	// Template is the command used to reach a unit, for example
	// juju,ssh,{unit},{command}.
	Template           []string
	TransportExitCodes []int
	PollInterval       time.Duration
}

// Juju drives a juju model through the juju CLI.
type Juju struct {
	exec      utilexec.Interface
	opts      JujuOptions
	transport *gateway.CommandTransport
	logger    *zap.Logger
}

// NewJuju returns a juju backend. A nil executor uses the host.
func NewJuju(exec utilexec.Interface, opts JujuOptions, logger *zap.Logger) *Juju {
	if exec == nil {
		exec = utilexec.New()
	}
	if opts.Binary == "" {
		opts.Binary = "juju"
	}
	if len(opts.Template) == 0 {
		opts.Template = []string{opts.Binary, "ssh", "{unit}", "{command}"}
	}
	if opts.PollInterval <= 0 {
		opts.PollInterval = poll.DefaultInterval
	}
	transport := &gateway.CommandTransport{
		Exec:               exec,
		Template:           opts.Template,
		TransportExitCodes: opts.TransportExitCodes,
		Env:                modelEnv(opts.Model),
	}
	return &Juju{exec: exec, opts: opts, transport: transport, logger: nopIfNil(logger)}
}

func modelEnv(model string) []string {
	if model == "" {
		return nil
	}
	return []string{"JUJU_MODEL=" + model}
}

type jujuStatus struct {
	Model struct {
		Name string `yaml:"name"`
	} `yaml:"model"`
	Applications map[string]jujuApplication `yaml:"applications"`
}

type jujuApplication struct {
	Exposed bool                `yaml:"exposed"`
	Status  jujuStatusInfo      `yaml:"application-status"`
	Units   map[string]jujuUnit `yaml:"units"`
}

type jujuStatusInfo struct {
	Current string `yaml:"current"`
	Message string `yaml:"message"`
}

type jujuUnit struct {
	Workload      jujuStatusInfo `yaml:"workload-status"`
	Agent         jujuStatusInfo `yaml:"juju-status"`
	Machine       string         `yaml:"machine"`
	PublicAddress string         `yaml:"public-address"`
}

// Name implements Deployment.
func (j *Juju) Name() string {
	return j.opts.Model
}

func (j *Juju) run(ctx context.Context, args ...string) (string, error) {
	cmd := j.exec.CommandContext(ctx, j.opts.Binary, args...)
	if env := modelEnv(j.opts.Model); env != nil {
		cmd.SetEnv(append(os.Environ(), env...))
	}
	var stdout, stderr bytes.Buffer
	cmd.SetStdout(&stdout)
	cmd.SetStderr(&stderr)
	if err := cmd.Run(); err != nil {
		return stdout.String(), errors.Wrapf(err, "juju %s: %s", args[0], strings.TrimSpace(stderr.String()))
	}
	return stdout.String(), nil
}

// Load deploys a bundle file or charm store reference.
func (j *Juju) Load(ctx context.Context, bundle string) error {
	j.logger.Info("deploying bundle", zap.String("bundle", bundle), zap.String("model", j.opts.Model))
	_, err := j.run(ctx, "deploy", bundle)
	return err
}

// Expose opens the service's ports.
func (j *Juju) Expose(ctx context.Context, service string) error {
	_, err := j.run(ctx, "expose", service)
	return err
}

// Remove removes the application from the model.
func (j *Juju) Remove(ctx context.Context, service string) error {
	j.logger.Info("removing application", zap.String("service", service))
	_, err := j.run(ctx, "remove-application", service)
	return err
}

func (j *Juju) status(ctx context.Context) (*jujuStatus, error) {
	out, err := j.run(ctx, "status", "--format=yaml")
	if err != nil {
		return nil, err
	}
	status := &jujuStatus{}
	if err := yaml.Unmarshal([]byte(out), status); err != nil {
		return nil, errors.Wrap(err, "parse juju status")
	}
	return status, nil
}

// statusProbe treats CLI failures as transient since the controller is
// often busy while a bundle deploys.
func (j *Juju) statusProbe() probe.Probe[*jujuStatus] {
	return probe.Func[*jujuStatus]{ProbeName: "juju-status", Fn: func(ctx context.Context) (*jujuStatus, error) {
		status, err := j.status(ctx)
		if err != nil {
			return nil, probe.Transient("juju-status", err)
		}
		for app, a := range status.Applications {
			for name, u := range a.Units {
				if u.Workload.Current == "error" {
					return status, probe.Fatal("juju-status", fmt.Errorf("%s (%s) in error state: %s", name, app, u.Workload.Message))
				}
			}
		}
		return status, nil
	}}
}

// settled reports whether at least one unit exists and every unit agent
// is idle. Subordinate applications list no units of their own.
func settled(status *jujuStatus) bool {
	seen := 0
	for _, app := range status.Applications {
		for _, u := range app.Units {
			if u.Agent.Current != "idle" {
				return false
			}
			seen++
		}
	}
	return seen > 0
}

// Setup waits until every unit agent is idle.
func (j *Juju) Setup(ctx context.Context, timeout time.Duration) error {
	_, err := poll.WaitFor(ctx, j.statusProbe(), settled, poll.Options{
		Name:     "juju-setup",
		Interval: j.opts.PollInterval,
		Timeout:  timeout,
	})
	return err
}

// WaitForMessages implements Deployment.
func (j *Juju) WaitForMessages(ctx context.Context, messages map[string]string, timeout time.Duration) error {
	matcher, err := compileMessages(messages)
	if err != nil {
		return err
	}
	var waiting []string
	_, err = poll.WaitFor(ctx, j.statusProbe(), func(status *jujuStatus) bool {
		waiting = matcher.pending(workloadMessages(status))
		return len(waiting) == 0
	}, poll.Options{Name: "juju-messages", Interval: j.opts.PollInterval, Timeout: timeout})
	if err != nil {
		sort.Strings(waiting)
		return fmt.Errorf("waiting for messages on %s: %w", strings.Join(waiting, ","), err)
	}
	return nil
}

func workloadMessages(status *jujuStatus) map[string]map[string]string {
	out := make(map[string]map[string]string, len(status.Applications))
	for app, a := range status.Applications {
		units := make(map[string]string, len(a.Units))
		for name, u := range a.Units {
			units[name] = u.Workload.Message
		}
		out[app] = units
	}
	return out
}

// State returns application -> unit -> workload status.
func (j *Juju) State(ctx context.Context) (map[string]map[string]string, error) {
	status, err := j.status(ctx)
	if err != nil {
		return nil, err
	}
	out := make(map[string]map[string]string, len(status.Applications))
	for app, a := range status.Applications {
		units := make(map[string]string, len(a.Units))
		for name, u := range a.Units {
			units[name] = u.Workload.Current
		}
		out[app] = units
	}
	return out, nil
}

// Units implements gateway.Registry. Units are ordered by unit number.
func (j *Juju) Units(ctx context.Context, role string) ([]gateway.Unit, error) {
	status, err := j.status(ctx)
	if err != nil {
		return nil, err
	}
	app, ok := status.Applications[role]
	if !ok {
		return nil, fmt.Errorf("application %q not found in model", role)
	}
	names := make([]string, 0, len(app.Units))
	for name := range app.Units {
		names = append(names, name)
	}
	sort.Slice(names, func(a, b int) bool {
		return unitNumber(names[a]) < unitNumber(names[b])
	})
	units := make([]gateway.Unit, 0, len(names))
	for _, name := range names {
		u := app.Units[name]
		units = append(units, j.transport.Unit(name, map[string]string{
			"unit":            name,
			"machine":         u.Machine,
			"public-address":  u.PublicAddress,
			"workload-status": u.Workload.Current,
		}))
	}
	return units, nil
}

func unitNumber(name string) int {
	idx := strings.LastIndex(name, "/")
	n, err := strconv.Atoi(name[idx+1:])
	if err != nil {
		return -1
	}
	return n
}
