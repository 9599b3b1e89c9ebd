package topology

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/splunk/hadoop-bundle-e2e/e2e/framework/deployment"
	"github.com/splunk/hadoop-bundle-e2e/e2e/framework/gateway"
	"github.com/splunk/hadoop-bundle-e2e/e2e/framework/harness"
	"github.com/splunk/hadoop-bundle-e2e/e2e/framework/probe"
	"github.com/splunk/hadoop-bundle-e2e/e2e/framework/zeppelin"
)

// Options holds the poll defaults of a session.
type Options struct {
	PollInterval   time.Duration
	ReadyTimeout   time.Duration
	RemoveTimeout  time.Duration
	HTTPTimeout    time.Duration
	ZeppelinPort   int
	ProcessCommand string
}

// PollRecord summarizes one finished poll session.
type PollRecord struct {
	SessionID         string
	Probe             string
	Outcome           string
	Attempts          int
	TransientFailures int
	Elapsed           time.Duration
}

// Session is the handle to one deployed environment, created once per run.
type Session struct {
	Deployment deployment.Deployment
	Gateway    *gateway.Gateway

	// OnPoll and OnAttempt receive poll progress, typically for metrics.
	OnPoll    func(PollRecord)
	OnAttempt func(probeName string, kind probe.FailureKind)

	opts   Options
	logger *zap.Logger
}

// NewSession binds a deployment and its gateway.
func NewSession(dep deployment.Deployment, gw *gateway.Gateway, opts Options, logger *zap.Logger) *Session {
	if logger == nil {
		logger = zap.NewNop()
	}
	if opts.ProcessCommand == "" {
		opts.ProcessCommand = probe.DefaultProcessCommand
	}
	if opts.ZeppelinPort == 0 {
		opts.ZeppelinPort = zeppelin.DefaultPort
	}
	if opts.HTTPTimeout <= 0 {
		opts.HTTPTimeout = zeppelin.DefaultTimeout
	}
	return &Session{Deployment: dep, Gateway: gw, opts: opts, logger: logger}
}

// Environment returns the deployment environment name.
func (s *Session) Environment() string {
	return s.Deployment.Name()
}

// Options returns the session defaults.
func (s *Session) Options() Options {
	return s.opts
}

// Logger returns the session logger.
func (s *Session) Logger() *zap.Logger {
	return s.logger
}

// Snapshot captures the process listing of every role in one pass.
func (s *Session) Snapshot(ctx context.Context, roles []string, command string) (harness.Snapshot, error) {
	if command == "" {
		command = s.opts.ProcessCommand
	}
	return probe.NewSnapshotProbe(s.Gateway, roles, command).Probe(ctx)
}

// WaitMessages waits for the deployment readiness messages.
func (s *Session) WaitMessages(ctx context.Context, messages map[string]string, timeout time.Duration) error {
	if timeout <= 0 {
		timeout = s.opts.ReadyTimeout
	}
	s.logger.Info("waiting for unit messages", zap.Any("messages", messages), zap.Duration("timeout", timeout))
	return s.Deployment.WaitForMessages(ctx, messages, timeout)
}

// ZeppelinClient returns a notebook client for the first unit of role.
func (s *Session) ZeppelinClient(ctx context.Context, role string, port int) (*zeppelin.Client, error) {
	info, err := s.Gateway.Info(ctx, role)
	if err != nil {
		return nil, err
	}
	addr := info["public-address"]
	if addr == "" {
		return nil, fmt.Errorf("role %s has no public-address", role)
	}
	if port == 0 {
		port = s.opts.ZeppelinPort
	}
	return zeppelin.NewClient(zeppelin.BaseURL(addr, port), zeppelin.WithTimeout(s.opts.HTTPTimeout)), nil
}
