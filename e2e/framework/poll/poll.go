// Package poll drives a probe on a fixed interval until its observation
// satisfies a predicate or a deadline passes.
package poll

import (
	"context"
	"errors"
	"fmt"
	"time"

	"k8s.io/apimachinery/pkg/util/wait"

	"github.com/splunk/hadoop-bundle-e2e/e2e/framework/probe"
)

// DefaultInterval is used when Options.Interval is zero.
const DefaultInterval = 5 * time.Second

var (
	// ErrDeadlineExceeded matches every DeadlineExceededError.
	ErrDeadlineExceeded = errors.New("deadline exceeded")
	// ErrFatalProbe matches every FatalProbeError.
	ErrFatalProbe = errors.New("fatal probe failure")
)

// Options configures one poll session.
type Options struct {
	// Name labels the session in errors and hooks. Defaults to the probe name.
	Name     string
	Interval time.Duration
	Timeout  time.Duration
	// SettleFirst waits one interval before the first probe.
	SettleFirst bool
	// OnAttempt is called after every probe call whose result is kept.
	OnAttempt func(Attempt)
}

// Attempt describes one probe call.
type Attempt struct {
	Session   string
	Number    int
	Kind      probe.FailureKind
	Err       error
	Converged bool
	Elapsed   time.Duration
}

// Result is produced once per poll session.
type Result[T any] struct {
	Converged         bool
	LastObservation   T
	Observed          bool
	Elapsed           time.Duration
	Attempts          int
	TransientFailures int
	LastError         error
}

// DeadlineExceededError is returned when the predicate never held before
// the deadline. It carries the last observation, if any.
type DeadlineExceededError struct {
	Name              string
	Timeout           time.Duration
	Attempts          int
	TransientFailures int
	LastObservation   interface{}
	Observed          bool
	LastError         error
}

func (e *DeadlineExceededError) Error() string {
	msg := fmt.Sprintf("%s did not converge within %s (attempts=%d transient=%d)", e.Name, e.Timeout, e.Attempts, e.TransientFailures)
	if !e.Observed {
		msg += ": never observed"
	}
	if e.LastError != nil {
		msg += fmt.Sprintf(": last error: %v", e.LastError)
	}
	return msg
}

func (e *DeadlineExceededError) Is(target error) bool {
	return target == ErrDeadlineExceeded || target == context.DeadlineExceeded
}

func (e *DeadlineExceededError) Unwrap() error { return e.LastError }

// FatalProbeError is returned as soon as the probe reports a fatal failure.
type FatalProbeError struct {
	Name            string
	Attempts        int
	LastObservation interface{}
	Err             error
}

func (e *FatalProbeError) Error() string {
	return fmt.Sprintf("%s aborted after %d attempts: %v", e.Name, e.Attempts, e.Err)
}

func (e *FatalProbeError) Is(target error) bool { return target == ErrFatalProbe }

func (e *FatalProbeError) Unwrap() error { return e.Err }

// WaitFor polls p until converged holds for an observation, the probe fails
// fatally, or opts.Timeout passes. Transient and transport failures are
// counted and retried. Results that arrive after the deadline are dropped.
func WaitFor[T any](ctx context.Context, p probe.Probe[T], converged func(T) bool, opts Options) (Result[T], error) {
	var res Result[T]
	if opts.Timeout <= 0 {
		return res, fmt.Errorf("poll %s: timeout must be positive", p.Name())
	}
	interval := opts.Interval
	if interval <= 0 {
		interval = DefaultInterval
	}
	name := opts.Name
	if name == "" {
		name = p.Name()
	}

	start := time.Now()
	notify := func(a Attempt) {
		if opts.OnAttempt != nil {
			a.Session = name
			a.Elapsed = time.Since(start)
			opts.OnAttempt(a)
		}
	}

	condition := func(ctx context.Context) (bool, error) {
		if ctx.Err() != nil {
			return false, nil
		}
		obs, err := p.Probe(ctx)
		if ctx.Err() != nil {
			return false, nil
		}
		res.Attempts++
		if err != nil {
			kind := probe.KindOf(err)
			notify(Attempt{Number: res.Attempts, Kind: kind, Err: err})
			if kind.Retryable() {
				res.TransientFailures++
				res.LastError = err
				return false, nil
			}
			return false, &FatalProbeError{Name: name, Attempts: res.Attempts, LastObservation: observation(res), Err: err}
		}
		res.LastObservation = obs
		res.Observed = true
		ok := converged(obs)
		notify(Attempt{Number: res.Attempts, Converged: ok})
		return ok, nil
	}

	err := wait.PollUntilContextTimeout(ctx, interval, opts.Timeout, !opts.SettleFirst, condition)
	res.Elapsed = time.Since(start)
	if err == nil {
		res.Converged = true
		return res, nil
	}
	var fatal *FatalProbeError
	if errors.As(err, &fatal) {
		return res, err
	}
	if errors.Is(ctx.Err(), context.Canceled) {
		return res, ctx.Err()
	}
	return res, &DeadlineExceededError{
		Name:              name,
		Timeout:           opts.Timeout,
		Attempts:          res.Attempts,
		TransientFailures: res.TransientFailures,
		LastObservation:   observation(res),
		Observed:          res.Observed,
		LastError:         res.LastError,
	}
}

func observation[T any](res Result[T]) interface{} {
	if !res.Observed {
		return nil
	}
	return res.LastObservation
}
