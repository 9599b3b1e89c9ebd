package deployment

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/ssh"
	fakeexec "k8s.io/utils/exec/testing"

	"github.com/splunk/hadoop-bundle-e2e/e2e/framework/gateway"
)

const inventoryYAML = `
environment: lab
roles:
  namenode:
    - name: nn-0
      address: 10.0.0.10
  spark:
    - name: spark/0
  zeppelin:
    - name: zeppelin/0
      info:
        public-address: 10.0.0.14
`

func writeInventory(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "inventory.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func testTransports(exec *fakeexec.FakeExec) Transports {
	return Transports{
		SSH:     gateway.NewSSHTransportWithConfig(&ssh.ClientConfig{User: "ubuntu", HostKeyCallback: ssh.InsecureIgnoreHostKey()}, 22),
		Command: &gateway.CommandTransport{Exec: exec, Template: []string{"juju", "ssh", "{unit}", "{command}"}, TransportExitCodes: []int{255}},
	}
}

func TestLoadInventory(t *testing.T) {
	inv, err := LoadInventory(writeInventory(t, inventoryYAML), testTransports(&fakeexec.FakeExec{}), nil)
	require.NoError(t, err)
	assert.Equal(t, "lab", inv.Name())

	units, err := inv.Units(context.Background(), "namenode")
	require.NoError(t, err)
	require.Len(t, units, 1)
	assert.Equal(t, "nn-0", units[0].Name())
	assert.Equal(t, "10.0.0.10", units[0].Info()["public-address"])

	units, err = inv.Units(context.Background(), "zeppelin")
	require.NoError(t, err)
	assert.Equal(t, "10.0.0.14", units[0].Info()["public-address"])

	_, err = inv.Units(context.Background(), "hive")
	assert.Error(t, err)
}

func TestNewInventoryValidation(t *testing.T) {
	tests := []struct {
		name string
		file InventoryFile
		tr   Transports
	}{
		{"no roles", InventoryFile{}, testTransports(nil)},
		{"empty role", InventoryFile{Roles: map[string][]InventoryUnit{"spark": nil}}, testTransports(nil)},
		{"selector without kube", InventoryFile{Roles: map[string][]InventoryUnit{"spark": {{Selector: map[string]string{"app": "spark"}}}}}, testTransports(nil)},
		{"address without ssh", InventoryFile{Roles: map[string][]InventoryUnit{"spark": {{Address: "10.0.0.1"}}}}, Transports{}},
		{"bare unit without command", InventoryFile{Roles: map[string][]InventoryUnit{"spark": {{Name: "spark/0"}}}}, Transports{}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := NewInventory(tt.file, tt.tr, nil)
			assert.Error(t, err)
		})
	}
}

func TestInventorySetup(t *testing.T) {
	r := &recorder{}
	file := InventoryFile{Roles: map[string][]InventoryUnit{
		"spark":    {{Name: "spark/0"}},
		"zeppelin": {{Name: "zeppelin/0"}},
	}}
	inv, err := NewInventory(file, testTransports(r.exec(r.action("", nil), r.action("", nil))), nil)
	require.NoError(t, err)

	require.NoError(t, inv.Setup(context.Background(), time.Second))
	require.Len(t, r.cmds, 2)
	assert.Equal(t, "true", r.cmds[0].Argv[3])
}

func TestInventorySetupUnreachable(t *testing.T) {
	r := &recorder{}
	file := InventoryFile{Roles: map[string][]InventoryUnit{"spark": {{Name: "spark/0"}}}}
	inv, err := NewInventory(file, testTransports(r.exec(r.action("", fakeexec.FakeExitError{Status: 255}))), nil)
	require.NoError(t, err)

	err = inv.Setup(context.Background(), time.Second)
	assert.ErrorIs(t, err, gateway.ErrTransport)
}

func TestInventoryCollaborator(t *testing.T) {
	inv, err := LoadInventory(writeInventory(t, inventoryYAML), testTransports(&fakeexec.FakeExec{}), nil)
	require.NoError(t, err)
	ctx := context.Background()

	assert.ErrorIs(t, inv.Load(ctx, "bundle.yaml"), ErrUnsupported)
	assert.ErrorIs(t, inv.Expose(ctx, "zeppelin"), ErrUnsupported)
	assert.ErrorIs(t, inv.Remove(ctx, "zeppelin"), ErrUnsupported)

	assert.NoError(t, inv.WaitForMessages(ctx, map[string]string{"zeppelin": "Ready"}, time.Second))
	assert.Error(t, inv.WaitForMessages(ctx, map[string]string{"hive": "Ready"}, time.Second))

	state, err := inv.State(ctx)
	require.NoError(t, err)
	assert.Equal(t, map[string]string{"nn-0": "active"}, state["namenode"])
	assert.False(t, Removed(state, "zeppelin"))
}

func TestMessageMatcher(t *testing.T) {
	m, err := compileMessages(map[string]string{"zeppelin": "^Ready", "spark": "Ready"})
	require.NoError(t, err)

	pending := m.pending(map[string]map[string]string{
		"zeppelin": {"zeppelin/0": "Ready", "zeppelin/1": "Waiting for Spark"},
	})
	assert.ElementsMatch(t, []string{"zeppelin", "spark"}, pending)

	pending = m.pending(map[string]map[string]string{
		"zeppelin": {"zeppelin/0": "Ready"},
		"spark":    {"spark/0": "Ready (standalone)"},
	})
	assert.Empty(t, pending)
}
