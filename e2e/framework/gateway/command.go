package gateway

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	utilexec "k8s.io/utils/exec"
)

// CommandTransport runs remote commands through a local CLI such as
// `juju ssh <unit> <command>`. Template elements may contain the {unit} and
// {command} placeholders. Exit codes listed in TransportExitCodes are
// produced by the CLI itself when the unit is unreachable.
type CommandTransport struct {
	Exec               utilexec.Interface
	Template           []string
	TransportExitCodes []int
	Env                []string
}

// NewCommandTransport returns a transport backed by the host executor.
func NewCommandTransport(template []string, transportExitCodes []int, env []string) *CommandTransport {
	return &CommandTransport{
		Exec:               utilexec.New(),
		Template:           template,
		TransportExitCodes: transportExitCodes,
		Env:                env,
	}
}

// Unit returns a Unit addressed by name.
func (t *CommandTransport) Unit(name string, info map[string]string) Unit {
	return &commandUnit{transport: t, name: name, info: info}
}

func (t *CommandTransport) args(unit, command string) ([]string, error) {
	if len(t.Template) == 0 {
		return nil, errors.New("command transport template is empty")
	}
	out := make([]string, 0, len(t.Template))
	for _, part := range t.Template {
		part = strings.ReplaceAll(part, "{unit}", unit)
		part = strings.ReplaceAll(part, "{command}", command)
		out = append(out, part)
	}
	return out, nil
}

func (t *CommandTransport) isTransportCode(code int) bool {
	for _, c := range t.TransportExitCodes {
		if c == code {
			return true
		}
	}
	return false
}

type commandUnit struct {
	transport *CommandTransport
	name      string
	info      map[string]string
}

func (u *commandUnit) Name() string { return u.name }

func (u *commandUnit) Info() map[string]string { return u.info }

func (u *commandUnit) Run(ctx context.Context, command string) (Result, error) {
	args, err := u.transport.args(u.name, command)
	if err != nil {
		return Result{}, &TransportError{Unit: u.name, Err: err}
	}
	cmd := u.transport.Exec.CommandContext(ctx, args[0], args[1:]...)
	if len(u.transport.Env) > 0 {
		cmd.SetEnv(append(os.Environ(), u.transport.Env...))
	}
	var stdout, stderr bytes.Buffer
	cmd.SetStdout(&stdout)
	cmd.SetStderr(&stderr)

	start := time.Now()
	runErr := cmd.Run()
	res := Result{Output: stdout.String(), Stderr: stderr.String(), Duration: time.Since(start)}
	if runErr == nil {
		return res, nil
	}
	if ctxErr := ctx.Err(); ctxErr != nil {
		return Result{}, &TransportError{Unit: u.name, Err: ctxErr}
	}
	var exitErr utilexec.ExitError
	if errors.As(runErr, &exitErr) && exitErr.Exited() {
		res.ExitStatus = exitErr.ExitStatus()
		if u.transport.isTransportCode(res.ExitStatus) {
			return Result{}, &TransportError{Unit: u.name, Err: fmt.Errorf("%s exited %d: %s", args[0], res.ExitStatus, strings.TrimSpace(res.Stderr))}
		}
		return res, nil
	}
	return Result{}, &TransportError{Unit: u.name, Err: runErr}
}
