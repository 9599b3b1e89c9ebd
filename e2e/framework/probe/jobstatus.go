package probe

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/sony/gobreaker"

	"github.com/splunk/hadoop-bundle-e2e/e2e/framework/zeppelin"
)

// ErrPersistentTransient is reported once the transient limit is reached.
var ErrPersistentTransient = errors.New("persistent transient failures")

// JobStatusClient fetches a notebook job status listing.
type JobStatusClient interface {
	JobStatus(ctx context.Context, notebookID string) ([]zeppelin.ParagraphStatus, error)
}

// JobStatusProbe observes the paragraph statuses of a notebook job.
type JobStatusProbe struct {
	client     JobStatusClient
	notebookID string
	run        *zeppelin.JobRun
	limit      int
	breaker    *gobreaker.CircuitBreaker
	lastErr    error
}

// JobOption customizes a JobStatusProbe.
type JobOption func(*JobStatusProbe)

// WithTransientLimit turns n consecutive transient failures into a fatal
// failure. Zero keeps retrying until the poll deadline.
func WithTransientLimit(n int) JobOption {
	return func(p *JobStatusProbe) {
		p.limit = n
	}
}

// WithJobRun records every accepted listing into run.
func WithJobRun(run *zeppelin.JobRun) JobOption {
	return func(p *JobStatusProbe) {
		p.run = run
	}
}

// NewJobStatusProbe returns a probe for notebookID.
func NewJobStatusProbe(client JobStatusClient, notebookID string, opts ...JobOption) *JobStatusProbe {
	p := &JobStatusProbe{client: client, notebookID: notebookID}
	for _, opt := range opts {
		opt(p)
	}
	if p.limit > 0 {
		limit := uint32(p.limit)
		p.breaker = gobreaker.NewCircuitBreaker(gobreaker.Settings{
			Name:        p.Name(),
			MaxRequests: 1,
			Timeout:     24 * time.Hour,
			ReadyToTrip: func(counts gobreaker.Counts) bool {
				return counts.ConsecutiveFailures >= limit
			},
			IsSuccessful: func(err error) bool {
				return KindOf(err) != FailureTransient
			},
		})
	}
	return p
}

// Name implements Probe.
func (p *JobStatusProbe) Name() string { return "job-status/" + p.notebookID }

// Probe fetches the listing. A request timeout or HTTP 500 is transient,
// any other failure is fatal.
func (p *JobStatusProbe) Probe(ctx context.Context) ([]zeppelin.ParagraphStatus, error) {
	if p.breaker == nil {
		return p.fetch(ctx)
	}
	out, err := p.breaker.Execute(func() (interface{}, error) {
		return p.fetch(ctx)
	})
	if KindOf(err) == FailureTransient {
		p.lastErr = err
	}
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) ||
		(KindOf(err) == FailureTransient && p.breaker.State() == gobreaker.StateOpen) {
		return nil, Fatal(p.Name(), fmt.Errorf("%w: %d in a row, last: %v", ErrPersistentTransient, p.limit, p.lastErr))
	}
	if err != nil {
		return nil, err
	}
	return out.([]zeppelin.ParagraphStatus), nil
}

func (p *JobStatusProbe) fetch(ctx context.Context) ([]zeppelin.ParagraphStatus, error) {
	statuses, err := p.client.JobStatus(ctx, p.notebookID)
	if err != nil {
		return nil, p.classify(err)
	}
	if p.run != nil {
		if err := p.run.Observe(statuses); err != nil {
			return nil, Fatal(p.Name(), err)
		}
	}
	return statuses, nil
}

func (p *JobStatusProbe) classify(err error) error {
	if zeppelin.IsTimeout(err) || zeppelin.StatusCode(err) == http.StatusInternalServerError {
		return Transient(p.Name(), err)
	}
	return Fatal(p.Name(), err)
}

// JobSettled reports whether no paragraph is PENDING or RUNNING.
func JobSettled(statuses []zeppelin.ParagraphStatus) bool {
	return !zeppelin.Aggregate(statuses).Active()
}
