package poll

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/splunk/hadoop-bundle-e2e/e2e/framework/gateway"
	"github.com/splunk/hadoop-bundle-e2e/e2e/framework/probe"
	"github.com/splunk/hadoop-bundle-e2e/e2e/framework/zeppelin"
)

type step struct {
	value int
	err   error
}

// scripted returns its steps in order and repeats the last one.
type scripted struct {
	mu    sync.Mutex
	steps []step
	calls []time.Time
}

func (s *scripted) Name() string { return "scripted" }

func (s *scripted) Probe(context.Context) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls = append(s.calls, time.Now())
	idx := len(s.calls) - 1
	if idx >= len(s.steps) {
		idx = len(s.steps) - 1
	}
	return s.steps[idx].value, s.steps[idx].err
}

func (s *scripted) callTimes() []time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]time.Time(nil), s.calls...)
}

func atLeast(n int) func(int) bool {
	return func(v int) bool { return v >= n }
}

func TestWaitForConverges(t *testing.T) {
	p := &scripted{steps: []step{{value: 1}, {value: 2}, {value: 3}}}

	res, err := WaitFor[int](context.Background(), p, atLeast(3), Options{Interval: 10 * time.Millisecond, Timeout: 2 * time.Second})
	require.NoError(t, err)
	assert.True(t, res.Converged)
	assert.Equal(t, 3, res.LastObservation)
	assert.Equal(t, 3, res.Attempts)
	assert.Zero(t, res.TransientFailures)
	assert.Less(t, res.Elapsed, time.Second)
}

func TestWaitForDeadline(t *testing.T) {
	p := &scripted{steps: []step{{value: 0}}}
	timeout := 60 * time.Millisecond
	start := time.Now()

	res, err := WaitFor[int](context.Background(), p, atLeast(1), Options{Interval: 10 * time.Millisecond, Timeout: timeout})
	returned := time.Now()
	require.Error(t, err)
	assert.False(t, res.Converged)
	assert.True(t, errors.Is(err, ErrDeadlineExceeded))
	assert.True(t, errors.Is(err, context.DeadlineExceeded))

	var deadline *DeadlineExceededError
	require.True(t, errors.As(err, &deadline))
	assert.Equal(t, 0, deadline.LastObservation)
	assert.True(t, deadline.Observed)
	assert.Less(t, returned.Sub(start), timeout+time.Second)

	calls := p.callTimes()
	require.NotEmpty(t, calls)
	for _, c := range calls {
		assert.False(t, c.After(start.Add(timeout+20*time.Millisecond)), "probe after deadline")
	}
	time.Sleep(30 * time.Millisecond)
	assert.Len(t, p.callTimes(), len(calls))
}

func TestWaitForRetriesTransientFailures(t *testing.T) {
	p := &scripted{steps: []step{
		{err: probe.Transient("job", errors.New("read timeout"))},
		{err: &gateway.TransportError{Target: "spark", Err: errors.New("connection refused")}},
		{err: probe.Transient("job", errors.New("status 500"))},
		{value: 5},
	}}
	var kinds []probe.FailureKind
	opts := Options{Interval: 5 * time.Millisecond, Timeout: 2 * time.Second, OnAttempt: func(a Attempt) {
		kinds = append(kinds, a.Kind)
	}}

	res, err := WaitFor[int](context.Background(), p, atLeast(1), opts)
	require.NoError(t, err)
	assert.True(t, res.Converged)
	assert.Equal(t, 4, res.Attempts)
	assert.Equal(t, 3, res.TransientFailures)
	assert.Equal(t, []probe.FailureKind{probe.FailureTransient, probe.FailureTransport, probe.FailureTransient, probe.FailureNone}, kinds)
}

func TestWaitForAbortsOnFatal(t *testing.T) {
	boom := errors.New("404 notebook not found")
	p := &scripted{steps: []step{{value: 1}, {err: probe.Fatal("job", boom)}, {value: 9}}}

	res, err := WaitFor[int](context.Background(), p, atLeast(9), Options{Interval: 5 * time.Millisecond, Timeout: 2 * time.Second})
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrFatalProbe))
	assert.True(t, errors.Is(err, boom))
	assert.False(t, res.Converged)
	assert.Equal(t, 2, res.Attempts)
	assert.Len(t, p.callTimes(), 2)

	var fatal *FatalProbeError
	require.True(t, errors.As(err, &fatal))
	assert.Equal(t, 1, fatal.LastObservation)
}

func TestWaitForUnclassifiedErrorIsFatal(t *testing.T) {
	p := &scripted{steps: []step{{err: errors.New("decode error")}, {value: 1}}}

	_, err := WaitFor[int](context.Background(), p, atLeast(1), Options{Interval: 5 * time.Millisecond, Timeout: time.Second})
	assert.True(t, errors.Is(err, ErrFatalProbe))
}

func TestWaitForSettleFirst(t *testing.T) {
	p := &scripted{steps: []step{{value: 1}}}
	interval := 40 * time.Millisecond
	start := time.Now()

	_, err := WaitFor[int](context.Background(), p, atLeast(1), Options{Interval: interval, Timeout: time.Second, SettleFirst: true})
	require.NoError(t, err)
	calls := p.callTimes()
	require.Len(t, calls, 1)
	assert.GreaterOrEqual(t, calls[0].Sub(start), interval)
}

func TestWaitForSettleFirstWithShortTimeout(t *testing.T) {
	p := &scripted{steps: []step{{value: 1}}}

	res, err := WaitFor[int](context.Background(), p, atLeast(1), Options{Interval: time.Second, Timeout: 20 * time.Millisecond, SettleFirst: true})
	assert.True(t, errors.Is(err, ErrDeadlineExceeded))
	assert.Contains(t, err.Error(), "never observed")
	assert.False(t, res.Observed)
	assert.Empty(t, p.callTimes())
}

func TestWaitForDiscardsLateObservation(t *testing.T) {
	var calls int32
	slow := probe.Func[int]{ProbeName: "slow", Fn: func(ctx context.Context) (int, error) {
		atomic.AddInt32(&calls, 1)
		<-ctx.Done()
		return 1, nil
	}}

	res, err := WaitFor[int](context.Background(), slow, atLeast(1), Options{Interval: 5 * time.Millisecond, Timeout: 30 * time.Millisecond})
	assert.True(t, errors.Is(err, ErrDeadlineExceeded))
	assert.False(t, res.Converged)
	assert.False(t, res.Observed)
	assert.Equal(t, int32(1), atomic.LoadInt32(&calls))
}

func TestWaitForCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	p := &scripted{steps: []step{{value: 0}}}
	time.AfterFunc(20*time.Millisecond, cancel)

	_, err := WaitFor[int](ctx, p, atLeast(1), Options{Interval: 5 * time.Millisecond, Timeout: 5 * time.Second})
	assert.True(t, errors.Is(err, context.Canceled))
	assert.False(t, errors.Is(err, ErrDeadlineExceeded))
}

func TestWaitForRejectsZeroTimeout(t *testing.T) {
	p := &scripted{steps: []step{{value: 1}}}
	_, err := WaitFor[int](context.Background(), p, atLeast(1), Options{})
	assert.Error(t, err)
	assert.Empty(t, p.callTimes())
}

func TestWaitForJobSettled(t *testing.T) {
	listings := [][]zeppelin.ParagraphStatus{
		{{ID: "p1", Status: zeppelin.StatusRunning}, {ID: "p2", Status: zeppelin.StatusPending}},
		{{ID: "p1", Status: zeppelin.StatusFinished}, {ID: "p2", Status: zeppelin.StatusRunning}},
		{{ID: "p1", Status: zeppelin.StatusFinished}, {ID: "p2", Status: zeppelin.StatusError}},
	}
	var n int
	jobs := probe.Func[[]zeppelin.ParagraphStatus]{ProbeName: "job", Fn: func(context.Context) ([]zeppelin.ParagraphStatus, error) {
		l := listings[n]
		if n < len(listings)-1 {
			n++
		}
		return l, nil
	}}

	res, err := WaitFor[[]zeppelin.ParagraphStatus](context.Background(), jobs, probe.JobSettled, Options{Interval: 5 * time.Millisecond, Timeout: time.Second})
	require.NoError(t, err)
	assert.Equal(t, 3, res.Attempts)
	assert.Equal(t, zeppelin.StatusError, zeppelin.Aggregate(res.LastObservation))
}
