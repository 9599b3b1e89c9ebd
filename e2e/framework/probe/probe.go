// Package probe defines single synchronous checks against remote resources
// and classifies their failures for the poller.
package probe

import (
	"context"
	"errors"
	"fmt"

	"github.com/splunk/hadoop-bundle-e2e/e2e/framework/gateway"
)

// FailureKind classifies a probe failure.
type FailureKind int

const (
	FailureNone FailureKind = iota
	// FailureTransient is expected while the resource is still coming up.
	FailureTransient
	// FailureTransport means the resource could not be reached at all.
	FailureTransport
	// FailureFatal means further attempts cannot succeed.
	FailureFatal
)

func (k FailureKind) String() string {
	switch k {
	case FailureNone:
		return "none"
	case FailureTransient:
		return "transient"
	case FailureTransport:
		return "transport"
	case FailureFatal:
		return "fatal"
	default:
		return fmt.Sprintf("FailureKind(%d)", int(k))
	}
}

// Retryable reports whether the poller should try again.
func (k FailureKind) Retryable() bool {
	return k == FailureTransient || k == FailureTransport
}

// Failure is a classified probe error.
type Failure struct {
	Kind  FailureKind
	Probe string
	Err   error
}

func (f *Failure) Error() string {
	if f.Probe == "" {
		return fmt.Sprintf("%s probe failure: %v", f.Kind, f.Err)
	}
	return fmt.Sprintf("%s probe failure in %s: %v", f.Kind, f.Probe, f.Err)
}

func (f *Failure) Unwrap() error { return f.Err }

// Transient marks err as a transient failure.
func Transient(name string, err error) error {
	return &Failure{Kind: FailureTransient, Probe: name, Err: err}
}

// Transport marks err as a transport failure.
func Transport(name string, err error) error {
	return &Failure{Kind: FailureTransport, Probe: name, Err: err}
}

// Fatal marks err as a fatal failure.
func Fatal(name string, err error) error {
	return &Failure{Kind: FailureFatal, Probe: name, Err: err}
}

// KindOf classifies err. Unclassified errors are fatal, except gateway
// transport errors.
func KindOf(err error) FailureKind {
	if err == nil {
		return FailureNone
	}
	var failure *Failure
	if errors.As(err, &failure) {
		return failure.Kind
	}
	if errors.Is(err, gateway.ErrTransport) {
		return FailureTransport
	}
	return FailureFatal
}

// Probe performs one check and returns the observed state.
type Probe[T any] interface {
	Name() string
	Probe(ctx context.Context) (T, error)
}

// Func adapts a function to a Probe.
type Func[T any] struct {
	ProbeName string
	Fn        func(ctx context.Context) (T, error)
}

// Name implements Probe.
func (f Func[T]) Name() string { return f.ProbeName }

// Probe implements Probe.
func (f Func[T]) Probe(ctx context.Context) (T, error) { return f.Fn(ctx) }
