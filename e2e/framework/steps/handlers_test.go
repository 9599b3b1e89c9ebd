package steps

import (
	"context"
	"encoding/json"
	"net"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/splunk/hadoop-bundle-e2e/e2e/framework/artifacts"
	"github.com/splunk/hadoop-bundle-e2e/e2e/framework/config"
	"github.com/splunk/hadoop-bundle-e2e/e2e/framework/gateway"
	"github.com/splunk/hadoop-bundle-e2e/e2e/framework/harness"
	"github.com/splunk/hadoop-bundle-e2e/e2e/framework/poll"
	"github.com/splunk/hadoop-bundle-e2e/e2e/framework/spec"
	"github.com/splunk/hadoop-bundle-e2e/e2e/framework/topology"
)

// scriptedUnit answers commands from a table and records what it ran.
type scriptedUnit struct {
	name    string
	info    map[string]string
	replies map[string]gateway.Result
	listing string

	mu  sync.Mutex
	ran []string
}

func (u *scriptedUnit) Name() string            { return u.name }
func (u *scriptedUnit) Info() map[string]string { return u.info }

func (u *scriptedUnit) Run(_ context.Context, command string) (gateway.Result, error) {
	u.mu.Lock()
	defer u.mu.Unlock()
	u.ran = append(u.ran, command)
	if res, ok := u.replies[command]; ok {
		return res, nil
	}
	return gateway.Result{Output: u.listing}, nil
}

func (u *scriptedUnit) commands() []string {
	u.mu.Lock()
	defer u.mu.Unlock()
	return append([]string(nil), u.ran...)
}

type stubDeployment struct {
	gateway.StaticRegistry
	mu       sync.Mutex
	messages map[string]string
	exposed  []string
	removed  []string
	gone     bool
}

func (d *stubDeployment) Name() string                               { return "bigdata" }
func (d *stubDeployment) Load(context.Context, string) error         { return nil }
func (d *stubDeployment) Setup(context.Context, time.Duration) error { return nil }

func (d *stubDeployment) Expose(_ context.Context, service string) error {
	d.exposed = append(d.exposed, service)
	return nil
}

func (d *stubDeployment) Remove(_ context.Context, service string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.removed = append(d.removed, service)
	d.gone = true
	return nil
}

func (d *stubDeployment) WaitForMessages(_ context.Context, messages map[string]string, _ time.Duration) error {
	d.messages = messages
	return nil
}

func (d *stubDeployment) State(context.Context) (map[string]map[string]string, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.gone {
		return map[string]map[string]string{}, nil
	}
	return map[string]map[string]string{"zeppelin": {"zeppelin/0": "active"}}, nil
}

type fixture struct {
	exec *Context
	reg  *Registry
	dep  *stubDeployment
}

func newFixture(t *testing.T, units ...*scriptedUnit) *fixture {
	t.Helper()
	registry := gateway.StaticRegistry{}
	for _, u := range units {
		role, _, _ := strings.Cut(u.name, "/")
		registry[role] = append(registry[role], u)
	}
	dep := &stubDeployment{StaticRegistry: registry}
	logger := zaptest.NewLogger(t)
	session := topology.NewSession(dep, gateway.New(registry), topology.Options{
		PollInterval:  5 * time.Millisecond,
		ReadyTimeout:  time.Second,
		RemoveTimeout: time.Second,
		HTTPTimeout:   time.Second,
	}, logger)
	writer, err := artifacts.NewWriter(t.TempDir())
	require.NoError(t, err)
	cfg := &config.Config{Backend: "juju", JobPollInterval: 10 * time.Millisecond, JobTimeout: 2 * time.Second}
	testSpec := &spec.TestSpec{Vars: map[string]string{"notebook": "hdfs-tutorial", "sparkpi": "bash -lc /home/ubuntu/sparkpi.sh 2>&1"}}

	reg := NewRegistry()
	RegisterDefaults(reg)
	return &fixture{
		exec: NewContext("run-1", "bundle", logger, writer, cfg, session, testSpec),
		reg:  reg,
		dep:  dep,
	}
}

func (f *fixture) run(t *testing.T, action string, with map[string]interface{}) (map[string]string, error) {
	t.Helper()
	ctx := topology.WithPollRecorder(context.Background(), f.exec.RecordPoll)
	return f.reg.Execute(ctx, f.exec, spec.StepSpec{Name: action, Action: action, With: with})
}

func TestRegisterDefaults(t *testing.T) {
	reg := NewRegistry()
	RegisterDefaults(reg)
	for _, action := range []string{
		"sleep", "deployment.load", "deployment.setup", "deployment.expose", "deployment.wait_messages",
		"topology.wait_placement", "topology.snapshot", "assert.placement", "remote.run",
		"remote.sequence", "zeppelin.run_notebook", "topology.remove",
	} {
		assert.True(t, reg.Has(action), action)
	}
	_, err := reg.Execute(context.Background(), nil, spec.StepSpec{Action: "hive.query"})
	assert.ErrorContains(t, err, `no handler registered for action "hive.query"`)
}

func TestContextVars(t *testing.T) {
	f := newFixture(t)
	assert.Equal(t, "juju", f.exec.Vars["backend"])
	assert.Equal(t, "bigdata", f.exec.Vars["environment"])
	assert.Equal(t, "hdfs-tutorial", f.exec.Vars["notebook"])
	assert.Equal(t, "run-1", f.exec.Vars["run_id"])
}

func TestRemoteRun(t *testing.T) {
	spark := &scriptedUnit{name: "spark/0", replies: map[string]gateway.Result{
		"su ubuntu -c 'bash -lc /home/ubuntu/sparkpi.sh 2>&1'": {Output: "Pi is roughly 3.1418\n"},
	}}
	f := newFixture(t, spark)

	meta, err := f.run(t, "remote.run", map[string]interface{}{
		"target":        "spark",
		"user":          "ubuntu",
		"command":       "${sparkpi}",
		"expect_output": "Pi is roughly",
	})
	require.NoError(t, err)
	assert.Equal(t, "0", meta["exit_status"])
}

func TestRemoteRunFailureOutput(t *testing.T) {
	spark := &scriptedUnit{name: "spark/0", listing: "Exception in thread main\n"}
	f := newFixture(t, spark)

	_, err := f.run(t, "remote.run", map[string]interface{}{
		"target":        "spark",
		"command":       "bash -lc /home/ubuntu/sparkpi.sh 2>&1",
		"expect_output": "Pi is roughly",
	})
	require.Error(t, err)
	assert.ErrorIs(t, err, harness.ErrAssertionFailed)
	assert.Equal(t, "Exception in thread main\n", FailureOutput(err))
}

func TestRemoteRunFailureIncludesStderr(t *testing.T) {
	spark := &scriptedUnit{name: "spark/0", replies: map[string]gateway.Result{
		"su hdfs -c 'hdfs dfs -mkdir -p /user/ubuntu'": {
			Output:     "Found 1 items\n",
			Stderr:     "mkdir: Permission denied: user=hdfs, access=WRITE\n",
			ExitStatus: 1,
		},
	}}
	f := newFixture(t, spark)

	_, err := f.run(t, "remote.run", map[string]interface{}{
		"target":  "spark",
		"user":    "hdfs",
		"command": "hdfs dfs -mkdir -p /user/ubuntu",
	})
	require.Error(t, err)
	assert.Equal(t, "Found 1 items\nmkdir: Permission denied: user=hdfs, access=WRITE\n", FailureOutput(err))
}

func TestRemoteRunAnyExit(t *testing.T) {
	spark := &scriptedUnit{name: "spark/0", replies: map[string]gateway.Result{
		"su ubuntu -c 'bash -lc /home/ubuntu/sparkpi.sh 2>&1'": {Output: "Pi is roughly 3.14158\n", ExitStatus: 1},
	}}
	f := newFixture(t, spark)
	params := map[string]interface{}{
		"target":        "spark",
		"user":          "ubuntu",
		"command":       "bash -lc /home/ubuntu/sparkpi.sh 2>&1",
		"expect_exit":   "any",
		"expect_output": "Pi is roughly",
	}

	meta, err := f.run(t, "remote.run", params)
	require.NoError(t, err)
	assert.Equal(t, "1", meta["exit_status"])

	params["expect_exit"] = 0
	_, err = f.run(t, "remote.run", params)
	assert.ErrorContains(t, err, "exit status 1, expected 0")

	params["expect_exit"] = "sometimes"
	_, err = f.run(t, "remote.run", params)
	assert.ErrorContains(t, err, "invalid exit expectation")
}

func TestRemoteSequenceStopsAtFirstFailure(t *testing.T) {
	spark := &scriptedUnit{name: "spark/0", replies: map[string]gateway.Result{
		"su hdfs -c 'hdfs dfs -mkdir -p /user/ubuntu'":            {},
		"su hdfs -c 'hdfs dfs -chown ubuntu:ubuntu /user/ubuntu'": {ExitStatus: 1, Output: "chown: `/user/ubuntu': No such file or directory"},
	}}
	f := newFixture(t, spark)

	meta, err := f.run(t, "remote.sequence", map[string]interface{}{
		"steps": []interface{}{
			map[string]interface{}{"name": "mkdir", "target": "spark", "user": "hdfs", "command": "hdfs dfs -mkdir -p /user/ubuntu"},
			map[string]interface{}{"name": "chown", "target": "spark", "user": "hdfs", "command": "hdfs dfs -chown ubuntu:ubuntu /user/ubuntu"},
			map[string]interface{}{"name": "chmod", "target": "spark", "user": "hdfs", "command": "hdfs dfs -chmod -R 755 /user/ubuntu"},
		},
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), `step "chown" failed: exit status 1, expected 0`)
	assert.Equal(t, "chown", meta["failed"])
	assert.Equal(t, "1", meta["skipped"])
	assert.NotEmpty(t, meta["report"])
	assert.Len(t, spark.commands(), 2)
	assert.Contains(t, FailureOutput(err), "No such file or directory")
}

func TestRemoteSequenceValidation(t *testing.T) {
	f := newFixture(t, &scriptedUnit{name: "spark/0"})
	_, err := f.run(t, "remote.sequence", nil)
	assert.ErrorContains(t, err, "steps are required")
	_, err = f.run(t, "remote.sequence", map[string]interface{}{
		"steps": []interface{}{map[string]interface{}{"name": "mkdir", "command": "true"}},
	})
	assert.ErrorContains(t, err, `step "mkdir" needs target and command`)
}

func hadoopUnits() []*scriptedUnit {
	return []*scriptedUnit{
		{name: "namenode/0", listing: "101 org.apache.hadoop.hdfs.server.namenode.NameNode\n"},
		{name: "resourcemanager/0", listing: "201 ResourceManager\n202 JobHistoryServer\n"},
		{name: "slave/0", listing: "301 DataNode\n302 NodeManager\n"},
		{name: "spark/0", listing: "401 org.apache.spark.deploy.master.Master\n402 org.apache.zeppelin.server.ZeppelinServer\n"},
	}
}

func placementParams() map[string]interface{} {
	return map[string]interface{}{
		"roles": []interface{}{"namenode", "resourcemanager", "slave", "spark"},
		"expectations": []interface{}{
			map[string]interface{}{"role": "namenode", "marker": ".NameNode", "name": "NameNode"},
			map[string]interface{}{"role": "resourcemanager", "marker": "ResourceManager"},
			map[string]interface{}{"role": "resourcemanager", "marker": "JobHistoryServer"},
			map[string]interface{}{"role": "slave", "marker": "NodeManager"},
			map[string]interface{}{"role": "slave", "marker": "DataNode"},
			map[string]interface{}{"role": "spark", "marker": "zeppelin", "allowElsewhere": true},
		},
	}
}

func TestWaitPlacementThenAssert(t *testing.T) {
	f := newFixture(t, hadoopUnits()...)

	meta, err := f.run(t, "topology.wait_placement", placementParams())
	require.NoError(t, err)
	assert.Equal(t, "6", meta["expectations"])
	assert.Equal(t, "4", meta["roles"])
	assert.Len(t, f.exec.Polls(), 7)

	_, err = f.run(t, "assert.placement", placementParams())
	require.NoError(t, err)
}

func TestAssertPlacementTakesSnapshot(t *testing.T) {
	units := hadoopUnits()
	units[1].listing = "201 ResourceManager\n202 JobHistoryServer\n203 NodeManager\n"
	f := newFixture(t, units...)

	_, err := f.run(t, "assert.placement", placementParams())
	require.Error(t, err)
	assert.ErrorIs(t, err, harness.ErrAssertionFailed)
	assert.Contains(t, err.Error(), "NodeManager should not be running on resourcemanager")
	assert.Contains(t, FailureOutput(err), "== resourcemanager ==")
}

func TestWaitPlacementTimeout(t *testing.T) {
	units := hadoopUnits()
	units[0].listing = ""
	f := newFixture(t, units...)

	params := placementParams()
	params["timeout"] = "50ms"
	_, err := f.run(t, "topology.wait_placement", params)
	require.Error(t, err)
	assert.ErrorIs(t, err, poll.ErrDeadlineExceeded)
	assert.Contains(t, err.Error(), "NameNode not started on namenode")
}

func TestDeploymentSteps(t *testing.T) {
	f := newFixture(t, &scriptedUnit{name: "zeppelin/0"})

	_, err := f.run(t, "deployment.wait_messages", map[string]interface{}{
		"messages": map[string]interface{}{"zeppelin": "Ready"},
	})
	require.NoError(t, err)
	assert.Equal(t, map[string]string{"zeppelin": "Ready"}, f.dep.messages)

	_, err = f.run(t, "deployment.expose", map[string]interface{}{"services": []interface{}{"zeppelin", "spark"}})
	require.NoError(t, err)
	assert.Equal(t, []string{"zeppelin", "spark"}, f.dep.exposed)

	_, err = f.run(t, "deployment.load", nil)
	assert.ErrorContains(t, err, "bundle is required")
}

func TestTopologyRemove(t *testing.T) {
	f := newFixture(t, &scriptedUnit{name: "zeppelin/0"})

	meta, err := f.run(t, "topology.remove", map[string]interface{}{"service": "zeppelin"})
	require.NoError(t, err)
	assert.Equal(t, "zeppelin", meta["removed"])
	assert.Equal(t, []string{"zeppelin"}, f.dep.removed)
	require.NotEmpty(t, f.exec.Polls())
	assert.Equal(t, "converged", f.exec.Polls()[0].Outcome)
}

func TestSleepCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := handleSleep(ctx, nil, spec.StepSpec{With: map[string]interface{}{"duration": "1h"}})
	assert.ErrorIs(t, err, context.Canceled)
	_, err = handleSleep(context.Background(), nil, spec.StepSpec{})
	assert.ErrorContains(t, err, "sleep duration is required")
}

// zeppelinServer serves a notebook whose job finishes on the second
// status call with one ERROR paragraph.
func zeppelinServer(t *testing.T) (*httptest.Server, *int32) {
	t.Helper()
	var statusCalls int32
	mux := http.NewServeMux()
	mux.HandleFunc("/api/notebook/interpreter/bind/hdfs-tutorial", func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodGet {
			_, _ = w.Write([]byte(`{"status":"OK","body":[{"id":"2C6WUGPNH","name":"spark"},{"id":"2C4U48MY3","name":"sh"}]}`))
			return
		}
		var ids []string
		_ = json.NewDecoder(r.Body).Decode(&ids)
		if len(ids) != 2 {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		_, _ = w.Write([]byte(`{"status":"OK"}`))
	})
	mux.HandleFunc("/api/notebook/job/hdfs-tutorial", func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodPost {
			_, _ = w.Write([]byte(`{"status":"OK"}`))
			return
		}
		if atomic.AddInt32(&statusCalls, 1) == 1 {
			_, _ = w.Write([]byte(`{"status":"OK","body":[{"id":"p1","status":"FINISHED"},{"id":"p2","status":"RUNNING"}]}`))
			return
		}
		_, _ = w.Write([]byte(`{"status":"OK","body":[{"id":"p1","status":"FINISHED"},{"id":"p2","status":"ERROR"}]}`))
	})
	mux.HandleFunc("/api/notebook/hdfs-tutorial/paragraph/p2", func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"status":"OK","body":{"id":"p2","status":"ERROR","errorMessage":"org.apache.hadoop.security.AccessControlException: Permission denied\n\tat org.apache.hadoop.hdfs"}}`))
	})
	server := httptest.NewServer(mux)
	t.Cleanup(server.Close)
	return server, &statusCalls
}

func TestZeppelinRunNotebook(t *testing.T) {
	server, statusCalls := zeppelinServer(t)
	host, portText, err := net.SplitHostPort(strings.TrimPrefix(server.URL, "http://"))
	require.NoError(t, err)
	port, err := strconv.Atoi(portText)
	require.NoError(t, err)

	f := newFixture(t, &scriptedUnit{name: "zeppelin/0", info: map[string]string{"public-address": host}})
	meta, err := f.run(t, "zeppelin.run_notebook", map[string]interface{}{"port": port})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "notebook hdfs-tutorial: 1 paragraph(s) in ERROR")
	assert.Equal(t, "p2: org.apache.hadoop.security.AccessControlException: Permission denied", FailureOutput(err))
	assert.Equal(t, "2", meta["interpreters"])
	assert.Equal(t, "ERROR", meta["status"])
	assert.EqualValues(t, 2, atomic.LoadInt32(statusCalls))
	require.Len(t, f.exec.Polls(), 1)
	assert.Equal(t, "job-status/hdfs-tutorial", f.exec.Polls()[0].Probe)
}

func TestParams(t *testing.T) {
	vars := map[string]string{"user": "hdfs"}
	m, err := getStringMap(map[string]interface{}{"m": map[string]interface{}{"zeppelin": "Ready as ${user}", "port": 9090}}, "m", vars)
	require.NoError(t, err)
	assert.Equal(t, map[string]string{"zeppelin": "Ready as hdfs", "port": "9090"}, m)

	_, err = getStringMap(map[string]interface{}{"m": "zeppelin"}, "m", vars)
	assert.Error(t, err)

	list, err := getStringList(map[string]interface{}{"l": "namenode, slave"}, "l")
	require.NoError(t, err)
	assert.Equal(t, []string{"namenode", "slave"}, list)

	assert.Equal(t, 90*time.Second, getDuration(map[string]interface{}{"d": 90}, "d", 0))
	assert.Equal(t, time.Minute, getDuration(map[string]interface{}{"d": "bogus"}, "d", time.Minute))
	assert.True(t, getBool(map[string]interface{}{"b": "yes"}, "b", false))
}
