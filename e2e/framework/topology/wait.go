package topology

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/splunk/hadoop-bundle-e2e/e2e/framework/deployment"
	"github.com/splunk/hadoop-bundle-e2e/e2e/framework/harness"
	"github.com/splunk/hadoop-bundle-e2e/e2e/framework/poll"
	"github.com/splunk/hadoop-bundle-e2e/e2e/framework/probe"
)

// WaitOptions overrides the session poll defaults for one wait.
type WaitOptions struct {
	Interval    time.Duration
	Timeout     time.Duration
	SettleFirst bool
}

func (s *Session) pollOptions(name string, w WaitOptions, fallback time.Duration) poll.Options {
	opts := poll.Options{Name: name, Interval: w.Interval, Timeout: w.Timeout, SettleFirst: w.SettleFirst}
	if opts.Interval <= 0 {
		opts.Interval = s.opts.PollInterval
	}
	if opts.Timeout <= 0 {
		opts.Timeout = fallback
	}
	return opts
}

type recorderKey struct{}

// WithPollRecorder returns a context whose poll sessions are also reported
// to fn, in addition to the session-wide OnPoll hook. fn may be called
// from several goroutines at once.
func WithPollRecorder(ctx context.Context, fn func(PollRecord)) context.Context {
	return context.WithValue(ctx, recorderKey{}, fn)
}

func recorderFrom(ctx context.Context) func(PollRecord) {
	fn, _ := ctx.Value(recorderKey{}).(func(PollRecord))
	return fn
}

// Outcome labels a finished poll session.
func Outcome(err error) string {
	switch {
	case err == nil:
		return "converged"
	case errors.Is(err, poll.ErrFatalProbe):
		return "fatal"
	case errors.Is(err, poll.ErrDeadlineExceeded):
		return "timeout"
	case errors.Is(err, context.Canceled):
		return "cancelled"
	default:
		return "error"
	}
}

// Wait runs poll.WaitFor with session logging and hooks. Every call gets
// its own session id.
func Wait[T any](ctx context.Context, s *Session, p probe.Probe[T], converged func(T) bool, opts poll.Options) (poll.Result[T], error) {
	if opts.Name == "" {
		opts.Name = p.Name()
	}
	id := uuid.NewString()
	logger := s.logger.With(zap.String("session_id", id), zap.String("probe", opts.Name))
	user := opts.OnAttempt
	opts.OnAttempt = func(a poll.Attempt) {
		fields := []zap.Field{
			zap.Int("attempt", a.Number),
			zap.String("kind", a.Kind.String()),
			zap.Bool("converged", a.Converged),
			zap.Duration("elapsed", a.Elapsed),
		}
		if a.Err != nil {
			fields = append(fields, zap.Error(a.Err))
		}
		logger.Debug("poll attempt", fields...)
		if s.OnAttempt != nil {
			s.OnAttempt(opts.Name, a.Kind)
		}
		if user != nil {
			user(a)
		}
	}

	res, err := poll.WaitFor(ctx, p, converged, opts)
	record := PollRecord{
		SessionID:         id,
		Probe:             opts.Name,
		Outcome:           Outcome(err),
		Attempts:          res.Attempts,
		TransientFailures: res.TransientFailures,
		Elapsed:           res.Elapsed,
	}
	fields := []zap.Field{
		zap.Int("attempt", res.Attempts),
		zap.Int("transient_failures", res.TransientFailures),
		zap.Duration("elapsed", res.Elapsed),
	}
	switch record.Outcome {
	case "converged":
		logger.Info("poll session converged", fields...)
	case "timeout":
		logger.Info("poll session timed out", append(fields, zap.Error(err))...)
	default:
		logger.Warn("poll session aborted", append(fields, zap.String("outcome", record.Outcome), zap.Error(err))...)
	}
	if s.OnPoll != nil {
		s.OnPoll(record)
	}
	if rec := recorderFrom(ctx); rec != nil {
		rec(record)
	}
	return res, err
}

// WaitPlacement waits, one poll session per expectation and all in
// parallel, until each marker is present on its role and absent from every
// other inspected role. A final poll then requires the whole placement to
// hold in a single snapshot of roles, which is returned.
func (s *Session) WaitPlacement(ctx context.Context, roles []string, exps []harness.Expectation, command string, w WaitOptions) (harness.Snapshot, error) {
	if command == "" {
		command = s.opts.ProcessCommand
	}
	start := time.Now()
	g, gctx := errgroup.WithContext(ctx)
	for _, exp := range exps {
		exp := exp
		g.Go(func() error {
			p := probe.NewSnapshotProbe(s.Gateway, expectationRoles(roles, exp), command)
			opts := s.pollOptions(fmt.Sprintf("placement/%s/%s", exp.Role, exp.DisplayName()), w, s.opts.ReadyTimeout)
			res, err := Wait[harness.Snapshot](gctx, s, p, func(snapshot harness.Snapshot) bool {
				return len(harness.CheckMarker(snapshot, exp)) == 0
			}, opts)
			if err != nil {
				return placementError(res, []harness.Expectation{exp}, err)
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	all := placementRoles(roles, exps)
	opts := s.pollOptions("placement", w, s.opts.ReadyTimeout)
	opts.SettleFirst = false
	if remaining := opts.Timeout - time.Since(start); remaining > opts.Interval {
		opts.Timeout = remaining
	} else {
		opts.Timeout = opts.Interval
	}
	res, err := Wait[harness.Snapshot](ctx, s, probe.NewSnapshotProbe(s.Gateway, all, command), func(snapshot harness.Snapshot) bool {
		return harness.Placed(snapshot, exps)
	}, opts)
	if err != nil {
		return lastSnapshot(res), placementError(res, exps, err)
	}
	return res.LastObservation, nil
}

// placementError attaches the placement violations seen in the last
// snapshot to a failed wait.
func placementError(res poll.Result[harness.Snapshot], exps []harness.Expectation, err error) error {
	if snapshot := lastSnapshot(res); snapshot != nil {
		if assertErr := harness.AssertPlacement(snapshot, exps); assertErr != nil {
			return errors.Join(assertErr, err)
		}
	}
	names := make([]string, 0, len(exps))
	for _, exp := range exps {
		names = append(names, fmt.Sprintf("%s not started on %s", exp.DisplayName(), exp.Role))
	}
	return fmt.Errorf("%s: %w", strings.Join(names, "; "), err)
}

func lastSnapshot(res poll.Result[harness.Snapshot]) harness.Snapshot {
	if !res.Observed {
		return nil
	}
	return res.LastObservation
}

// expectationRoles lists the roles one expectation has to inspect: its own
// role, plus every other role unless the marker may run elsewhere.
func expectationRoles(roles []string, exp harness.Expectation) []string {
	if exp.AllowElsewhere {
		return []string{exp.Role}
	}
	return placementRoles(roles, []harness.Expectation{exp})
}

func placementRoles(roles []string, exps []harness.Expectation) []string {
	seen := make(map[string]bool, len(roles)+len(exps))
	out := make([]string, 0, len(roles)+len(exps))
	add := func(role string) {
		if !seen[role] {
			seen[role] = true
			out = append(out, role)
		}
	}
	for _, role := range roles {
		add(role)
	}
	for _, exp := range exps {
		add(exp.Role)
	}
	return out
}

// Remove removes service and waits for it to leave the deployment state.
func (s *Session) Remove(ctx context.Context, service string, w WaitOptions) error {
	if err := s.Deployment.Remove(ctx, service); err != nil {
		return fmt.Errorf("remove %s: %w", service, err)
	}
	return s.WaitRemoved(ctx, service, w)
}

// WaitRemoved polls the deployment state until service has no units.
func (s *Session) WaitRemoved(ctx context.Context, service string, w WaitOptions) error {
	name := "removed/" + service
	p := probe.Func[map[string]map[string]string]{ProbeName: name, Fn: func(ctx context.Context) (map[string]map[string]string, error) {
		state, err := s.Deployment.State(ctx)
		if err != nil {
			return nil, probe.Transient(name, err)
		}
		return state, nil
	}}
	_, err := Wait[map[string]map[string]string](ctx, s, p, func(state map[string]map[string]string) bool {
		return deployment.Removed(state, service)
	}, s.pollOptions(name, w, s.opts.RemoveTimeout))
	return err
}
