package gateway

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"
)

// ErrTransport matches every TransportError.
var ErrTransport = errors.New("transport failure")

// ErrNoUnits is returned when a role resolves to no units.
var ErrNoUnits = errors.New("no units")

// Result is the outcome of a command that reached its target. A non-zero
// ExitStatus is data, not an error.
type Result struct {
	Output     string        `json:"output"`
	Stderr     string        `json:"stderr,omitempty"`
	ExitStatus int           `json:"exitStatus"`
	Duration   time.Duration `json:"duration"`
}

// Combined returns stdout followed by stderr.
func (r Result) Combined() string {
	switch {
	case r.Stderr == "":
		return r.Output
	case r.Output == "":
		return r.Stderr
	case strings.HasSuffix(r.Output, "\n"):
		return r.Output + r.Stderr
	default:
		return r.Output + "\n" + r.Stderr
	}
}

// Succeeded reports whether the command exited zero.
func (r Result) Succeeded() bool {
	return r.ExitStatus == 0
}

// TransportError means the command could not be delivered to, or its
// outcome could not be read back from, the target.
type TransportError struct {
	Target string
	Unit   string
	Err    error
}

func (e *TransportError) Error() string {
	where := e.Target
	if e.Unit != "" {
		where = e.Unit
	}
	if where == "" {
		return fmt.Sprintf("transport failure: %v", e.Err)
	}
	return fmt.Sprintf("transport failure on %s: %v", where, e.Err)
}

func (e *TransportError) Unwrap() error { return e.Err }

func (e *TransportError) Is(target error) bool { return target == ErrTransport }

// Unit is one addressable endpoint of a role.
type Unit interface {
	Name() string
	Info() map[string]string
	Run(ctx context.Context, command string) (Result, error)
}

// Registry resolves a role to its units.
type Registry interface {
	Units(ctx context.Context, role string) ([]Unit, error)
}

// Runner executes a shell command on a logical target.
type Runner interface {
	Run(ctx context.Context, target, command string) (Result, error)
}

// UnitResult pairs a unit name with its command outcome.
type UnitResult struct {
	Unit   string
	Result Result
}

// Gateway maps roles to units and runs commands on them.
type Gateway struct {
	registry       Registry
	commandTimeout time.Duration
	logger         *zap.Logger
}

// Option customizes a Gateway.
type Option func(*Gateway)

// WithCommandTimeout bounds every command run through the gateway.
func WithCommandTimeout(d time.Duration) Option {
	return func(g *Gateway) {
		g.commandTimeout = d
	}
}

// WithLogger sets the gateway logger.
func WithLogger(logger *zap.Logger) Option {
	return func(g *Gateway) {
		if logger != nil {
			g.logger = logger
		}
	}
}

// New builds a Gateway over registry.
func New(registry Registry, opts ...Option) *Gateway {
	g := &Gateway{registry: registry, logger: zap.NewNop()}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

// Run executes command on the first unit of target.
func (g *Gateway) Run(ctx context.Context, target, command string) (Result, error) {
	units, err := g.resolve(ctx, target)
	if err != nil {
		return Result{}, err
	}
	return g.runOn(ctx, target, units[0], command)
}

// RunAll executes command on every unit of target in order. It stops at the
// first transport failure.
func (g *Gateway) RunAll(ctx context.Context, target, command string) ([]UnitResult, error) {
	units, err := g.resolve(ctx, target)
	if err != nil {
		return nil, err
	}
	out := make([]UnitResult, 0, len(units))
	for _, unit := range units {
		res, err := g.runOn(ctx, target, unit, command)
		if err != nil {
			return out, err
		}
		out = append(out, UnitResult{Unit: unit.Name(), Result: res})
	}
	return out, nil
}

// Info returns the metadata of the first unit of target.
func (g *Gateway) Info(ctx context.Context, target string) (map[string]string, error) {
	units, err := g.resolve(ctx, target)
	if err != nil {
		return nil, err
	}
	return units[0].Info(), nil
}

func (g *Gateway) resolve(ctx context.Context, target string) ([]Unit, error) {
	units, err := g.registry.Units(ctx, target)
	if err != nil {
		if errors.Is(err, ErrTransport) {
			return nil, err
		}
		return nil, &TransportError{Target: target, Err: err}
	}
	if len(units) == 0 {
		return nil, &TransportError{Target: target, Err: ErrNoUnits}
	}
	return units, nil
}

func (g *Gateway) runOn(ctx context.Context, target string, unit Unit, command string) (Result, error) {
	if g.commandTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, g.commandTimeout)
		defer cancel()
	}
	start := time.Now()
	res, err := unit.Run(ctx, command)
	if err != nil {
		var transportErr *TransportError
		if !errors.As(err, &transportErr) {
			err = &TransportError{Target: target, Unit: unit.Name(), Err: err}
		}
		g.logger.Warn("remote command transport failure",
			zap.String("target", target),
			zap.String("unit", unit.Name()),
			zap.Error(err),
		)
		return Result{}, err
	}
	if res.Duration == 0 {
		res.Duration = time.Since(start)
	}
	g.logger.Debug("remote command complete",
		zap.String("target", target),
		zap.String("unit", unit.Name()),
		zap.Int("exit_status", res.ExitStatus),
		zap.Duration("duration", res.Duration),
	)
	return res, nil
}

// AsUser wraps command so it runs as user through su, quoting it for a POSIX
// shell. A command without single quotes is embedded verbatim.
func AsUser(user, command string) string {
	return fmt.Sprintf("su %s -c %s", user, ShellQuote(command))
}

// ShellQuote single-quotes value for a POSIX shell.
func ShellQuote(value string) string {
	return "'" + strings.ReplaceAll(value, "'", `'"'"'`) + "'"
}

// StaticRegistry is a fixed role to units mapping.
type StaticRegistry map[string][]Unit

// Units implements Registry.
func (s StaticRegistry) Units(_ context.Context, role string) ([]Unit, error) {
	units, ok := s[role]
	if !ok {
		return nil, fmt.Errorf("unknown role %q", role)
	}
	return units, nil
}
