package steps

import (
	"sync"

	"go.uber.org/zap"

	"github.com/splunk/hadoop-bundle-e2e/e2e/framework/artifacts"
	"github.com/splunk/hadoop-bundle-e2e/e2e/framework/config"
	"github.com/splunk/hadoop-bundle-e2e/e2e/framework/harness"
	"github.com/splunk/hadoop-bundle-e2e/e2e/framework/spec"
	"github.com/splunk/hadoop-bundle-e2e/e2e/framework/topology"
)

// Context holds shared state for step execution.
type Context struct {
	RunID     string
	TestName  string
	Logger    *zap.Logger
	Artifacts *artifacts.Writer
	Config    *config.Config
	Session   *topology.Session
	Spec      *spec.TestSpec
	Vars      map[string]string

	mu        sync.Mutex
	snapshots map[string]harness.Snapshot
	polls     []topology.PollRecord
}

// NewContext creates a new execution context for a test.
func NewContext(runID string, testName string, logger *zap.Logger, writer *artifacts.Writer, cfg *config.Config, session *topology.Session, testSpec *spec.TestSpec) *Context {
	if logger == nil {
		logger = zap.NewNop()
	}
	vars := map[string]string{
		"run_id": runID,
		"test":   testName,
	}
	if cfg != nil {
		vars["backend"] = cfg.Backend
	}
	if session != nil {
		vars["environment"] = session.Environment()
	}
	if testSpec != nil {
		for key, value := range testSpec.Vars {
			vars[key] = expandVars(value, vars)
		}
	}
	return &Context{
		RunID:     runID,
		TestName:  testName,
		Logger:    logger.With(zap.String("test", testName)),
		Artifacts: writer,
		Config:    cfg,
		Session:   session,
		Spec:      testSpec,
		Vars:      vars,
		snapshots: make(map[string]harness.Snapshot),
	}
}

// RecordPoll stores a finished poll session of this test.
func (c *Context) RecordPoll(record topology.PollRecord) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.polls = append(c.polls, record)
}

// Polls returns the poll sessions recorded so far.
func (c *Context) Polls() []topology.PollRecord {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]topology.PollRecord(nil), c.polls...)
}

func (c *Context) saveSnapshot(name string, snapshot harness.Snapshot) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.snapshots[name] = snapshot
}

func (c *Context) snapshot(name string) (harness.Snapshot, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	snapshot, ok := c.snapshots[name]
	return snapshot, ok
}
