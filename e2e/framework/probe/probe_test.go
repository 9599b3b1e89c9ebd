package probe

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/splunk/hadoop-bundle-e2e/e2e/framework/gateway"
	"github.com/splunk/hadoop-bundle-e2e/e2e/framework/zeppelin"
)

type fakeRunner struct {
	outputs map[string]gateway.Result
	errs    map[string]error
	targets []string
}

func (f *fakeRunner) Run(_ context.Context, target, _ string) (gateway.Result, error) {
	f.targets = append(f.targets, target)
	if err := f.errs[target]; err != nil {
		return gateway.Result{}, err
	}
	return f.outputs[target], nil
}

type fakeJobs struct {
	replies []interface{}
	calls   int
}

func (f *fakeJobs) JobStatus(context.Context, string) ([]zeppelin.ParagraphStatus, error) {
	reply := f.replies[f.calls]
	if f.calls < len(f.replies)-1 {
		f.calls++
	}
	switch r := reply.(type) {
	case error:
		return nil, r
	case []zeppelin.ParagraphStatus:
		return r, nil
	}
	return nil, nil
}

func serverError() error {
	return &zeppelin.RequestError{Method: http.MethodGet, Path: "job/2A94M5J1Z", StatusCode: http.StatusInternalServerError}
}

func TestKindOf(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want FailureKind
	}{
		{"nil", nil, FailureNone},
		{"transient", Transient("p", errors.New("x")), FailureTransient},
		{"wrapped transport", fmt.Errorf("wrap: %w", Transport("p", errors.New("x"))), FailureTransport},
		{"gateway transport", &gateway.TransportError{Target: "spark", Err: errors.New("eof")}, FailureTransport},
		{"fatal", Fatal("p", errors.New("x")), FailureFatal},
		{"unclassified", errors.New("x"), FailureFatal},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, KindOf(tt.err))
		})
	}
	assert.True(t, FailureTransport.Retryable())
	assert.False(t, FailureFatal.Retryable())
	assert.Equal(t, "transient", FailureTransient.String())
}

func TestProcessListProbe(t *testing.T) {
	runner := &fakeRunner{outputs: map[string]gateway.Result{
		"namenode": {Output: "", ExitStatus: 1},
	}, errs: map[string]error{
		"slave": &gateway.TransportError{Target: "slave", Err: errors.New("no route to host")},
	}}

	out, err := NewProcessListProbe(runner, "namenode", "").Probe(context.Background())
	require.NoError(t, err)
	assert.Empty(t, out)

	_, err = NewProcessListProbe(runner, "slave", "").Probe(context.Background())
	assert.Equal(t, FailureTransport, KindOf(err))
}

func TestSnapshotProbe(t *testing.T) {
	runner := &fakeRunner{outputs: map[string]gateway.Result{
		"namenode":        {Output: "1 NameNode\n"},
		"resourcemanager": {Output: "2 ResourceManager\n"},
	}}
	p := NewSnapshotProbe(runner, []string{"namenode", "resourcemanager"}, DefaultProcessCommand)

	snapshot, err := p.Probe(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []string{"namenode", "resourcemanager"}, runner.targets)
	assert.Equal(t, "namenode", snapshot.Oldest().Key)
	v, _ := snapshot.Get("resourcemanager")
	assert.Equal(t, "2 ResourceManager\n", v)
}

func TestJobStatusProbeClassifies(t *testing.T) {
	jobs := &fakeJobs{replies: []interface{}{
		serverError(),
		context.DeadlineExceeded,
		&zeppelin.RequestError{StatusCode: http.StatusNotFound},
	}}
	p := NewJobStatusProbe(jobs, "2A94M5J1Z")
	assert.Equal(t, "job-status/2A94M5J1Z", p.Name())

	_, err := p.Probe(context.Background())
	assert.Equal(t, FailureTransient, KindOf(err))
	_, err = p.Probe(context.Background())
	assert.Equal(t, FailureTransient, KindOf(err))
	_, err = p.Probe(context.Background())
	assert.Equal(t, FailureFatal, KindOf(err))
}

func TestJobStatusProbeTransientLimit(t *testing.T) {
	jobs := &fakeJobs{replies: []interface{}{serverError(), serverError(), serverError()}}
	p := NewJobStatusProbe(jobs, "nb", WithTransientLimit(3))

	for i := 0; i < 2; i++ {
		_, err := p.Probe(context.Background())
		assert.Equal(t, FailureTransient, KindOf(err))
	}
	_, err := p.Probe(context.Background())
	assert.Equal(t, FailureFatal, KindOf(err))
	assert.True(t, errors.Is(err, ErrPersistentTransient))
	assert.Contains(t, err.Error(), "status=500")

	_, err = p.Probe(context.Background())
	assert.True(t, errors.Is(err, ErrPersistentTransient))
}

func TestJobStatusProbeLimitResetsOnSuccess(t *testing.T) {
	ok := []zeppelin.ParagraphStatus{{ID: "p1", Status: zeppelin.StatusRunning}}
	jobs := &fakeJobs{replies: []interface{}{serverError(), ok, serverError(), ok}}
	p := NewJobStatusProbe(jobs, "nb", WithTransientLimit(2))

	for i := 0; i < 4; i++ {
		_, err := p.Probe(context.Background())
		assert.NotEqual(t, FailureFatal, KindOf(err), "call %d", i)
	}
}

func TestJobStatusProbeRecordsRun(t *testing.T) {
	run := zeppelin.NewJobRun("nb")
	jobs := &fakeJobs{replies: []interface{}{
		[]zeppelin.ParagraphStatus{{ID: "p1", Status: zeppelin.StatusFinished}},
		[]zeppelin.ParagraphStatus{{ID: "p1", Status: zeppelin.StatusRunning}},
	}}
	p := NewJobStatusProbe(jobs, "nb", WithJobRun(run))

	statuses, err := p.Probe(context.Background())
	require.NoError(t, err)
	assert.True(t, JobSettled(statuses))
	assert.Equal(t, zeppelin.StatusFinished, run.Status())

	_, err = p.Probe(context.Background())
	assert.Equal(t, FailureFatal, KindOf(err))
	assert.True(t, errors.Is(err, zeppelin.ErrTerminal))
}

func TestJobSettled(t *testing.T) {
	tests := []struct {
		name     string
		statuses []zeppelin.ParagraphStatus
		want     bool
	}{
		{"empty", nil, true},
		{"running", []zeppelin.ParagraphStatus{{Status: zeppelin.StatusFinished}, {Status: zeppelin.StatusRunning}}, false},
		{"pending", []zeppelin.ParagraphStatus{{Status: zeppelin.StatusPending}}, false},
		{"error", []zeppelin.ParagraphStatus{{Status: zeppelin.StatusFinished}, {Status: zeppelin.StatusError}}, true},
		{"finished", []zeppelin.ParagraphStatus{{Status: zeppelin.StatusFinished}}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, JobSettled(tt.statuses))
		})
	}
}
