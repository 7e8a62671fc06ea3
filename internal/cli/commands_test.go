package cli

import (
	"bytes"
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/meshsync/internal/ctxstore"
	"github.com/roach88/meshsync/internal/ir"
	"github.com/roach88/meshsync/internal/store"
	"github.com/roach88/meshsync/internal/testutil"
)

const (
	scenarioDir = "../harness/testdata/scenarios"
	goldenDir   = "../harness/testdata/golden"
)

func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	cmd := NewRootCommand()
	buf := &bytes.Buffer{}
	cmd.SetOut(buf)
	cmd.SetErr(buf)
	cmd.SetArgs(args)
	err := cmd.ExecuteContext(context.Background())
	return buf.String(), err
}

func TestScenarioCommand_PassesAgainstGoldens(t *testing.T) {
	out, err := execute(t, "scenario", scenarioDir, "--golden", goldenDir)
	require.NoError(t, err, out)

	assert.Contains(t, out, "✓ partition_heal")
	assert.Contains(t, out, "✓ concurrent_tie")
	assert.Contains(t, out, "✓ leaf_vs_subtree")
	assert.Contains(t, out, "3 passed, 0 failed, 3 total")
}

func TestScenarioCommand_Filter(t *testing.T) {
	out, err := execute(t, "--format", "json", "scenario", scenarioDir, "--filter", "concurrent*")
	require.NoError(t, err, out)

	var resp struct {
		Status string         `json:"status"`
		Data   ScenarioReport `json:"data"`
	}
	require.NoError(t, json.Unmarshal([]byte(out), &resp))
	assert.Equal(t, "ok", resp.Status)
	require.Len(t, resp.Data.Scenarios, 1)
	assert.Equal(t, "concurrent_tie", resp.Data.Scenarios[0].Name)
	assert.Equal(t, 1, resp.Data.Passed)
}

func TestScenarioCommand_UpdateWritesGolden(t *testing.T) {
	dir := t.TempDir()
	file := filepath.Join(scenarioDir, "concurrent_tie.yaml")

	_, err := execute(t, "scenario", file, "--golden", dir, "--update")
	require.NoError(t, err)

	got, err := os.ReadFile(filepath.Join(dir, "concurrent_tie.golden"))
	require.NoError(t, err)
	want, err := os.ReadFile(filepath.Join(goldenDir, "concurrent_tie.golden"))
	require.NoError(t, err)
	assert.Equal(t, string(want), string(got))
}

func TestScenarioCommand_GoldenMismatch(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "concurrent_tie.golden"), []byte("{}"), 0o644))

	out, err := execute(t, "scenario", filepath.Join(scenarioDir, "concurrent_tie.yaml"), "--golden", dir)
	require.Error(t, err)
	assert.Equal(t, ExitFailure, GetExitCode(err))
	assert.Contains(t, out, "✗ concurrent_tie")
	assert.Contains(t, out, "does not match golden file")
}

func TestScenarioCommand_FailingAssertion(t *testing.T) {
	file := filepath.Join(t.TempDir(), "bad.yaml")
	require.NoError(t, os.WriteFile(file, []byte(`
name: bad
peers: [alpha, beta]
steps:
  - update: {peer: alpha, path: mode, value: eco}
assertions:
  - type: value
    peer: beta
    path: mode
    expect: eco
`), 0o644))

	out, err := execute(t, "scenario", file)
	require.Error(t, err)
	assert.Equal(t, ExitFailure, GetExitCode(err))
	assert.Contains(t, out, "✗ bad")
	assert.Contains(t, out, "0 passed, 1 failed, 1 total")
}

func TestScenarioCommand_Errors(t *testing.T) {
	_, err := execute(t, "scenario", scenarioDir, "--update")
	require.Error(t, err)
	assert.Equal(t, ExitCommandError, GetExitCode(err))

	_, err = execute(t, "scenario", filepath.Join(t.TempDir(), "missing"))
	require.Error(t, err)
	assert.Equal(t, ExitCommandError, GetExitCode(err))
}

func TestConfigValidate(t *testing.T) {
	dir := t.TempDir()
	good := filepath.Join(dir, "node.yaml")
	require.NoError(t, os.WriteFile(good, []byte("peer_id: hall\nqueue_capacity: 8\n"), 0o644))
	bad := filepath.Join(dir, "bad.yaml")
	require.NoError(t, os.WriteFile(bad, []byte("peer_id: hall\nfavourite_colour: blue\n"), 0o644))

	out, err := execute(t, "config", "validate", good)
	require.NoError(t, err)
	assert.Contains(t, out, "is valid")

	out, err = execute(t, "config", "validate", bad)
	require.Error(t, err)
	assert.Equal(t, ExitFailure, GetExitCode(err))
	assert.Contains(t, out, "Error [E001]")

	_, err = execute(t, "config", "validate", filepath.Join(dir, "absent.yaml"))
	assert.Equal(t, ExitCommandError, GetExitCode(err))
}

func TestConfigShow(t *testing.T) {
	file := filepath.Join(t.TempDir(), "node.toml")
	require.NoError(t, os.WriteFile(file, []byte("peer_id = \"hall\"\nqueue_capacity = 8\n"), 0o644))

	out, err := execute(t, "--format", "json", "config", "show", file)
	require.NoError(t, err, out)

	var resp struct {
		Data map[string]any `json:"data"`
	}
	require.NoError(t, json.Unmarshal([]byte(out), &resp))
	assert.Equal(t, "hall", resp.Data["peer_id"])
	assert.EqualValues(t, 8, resp.Data["queue_capacity"])
}

func seedDatabase(t *testing.T) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "hall.db")
	st, err := store.Open(path)
	require.NoError(t, err)
	defer st.Close()

	tree := ctxstore.New("hall", ctxstore.WithClock(testutil.NewDeterministicClock(0)))
	_, err = tree.Update("lights.hall", ir.Bool(true))
	require.NoError(t, err)
	_, err = tree.Update("mode", ir.String("eco"))
	require.NoError(t, err)

	ctx := context.Background()
	require.NoError(t, st.SaveSnapshot(ctx, tree.Snapshot()))
	require.NoError(t, st.RecordPeer(ctx, "porch", "10.0.0.7:7400"))
	return path
}

func TestCtxDump(t *testing.T) {
	db := seedDatabase(t)

	out, err := execute(t, "ctx", "dump", "--db", db)
	require.NoError(t, err, out)
	assert.Equal(t, `{"lights":{"hall":true},"mode":"eco"}`+"\n", out)

	out, err = execute(t, "ctx", "dump", "--db", db, "--path", "lights", "--stamped")
	require.NoError(t, err, out)
	assert.Contains(t, out, `"o":"hall"`)
	assert.Contains(t, out, `"v":true`)

	out, err = execute(t, "ctx", "dump", "--db", db, "--path", "doors")
	require.Error(t, err)
	assert.Equal(t, ExitFailure, GetExitCode(err))
	assert.Contains(t, out, "Error [E003]")
}

func TestCtxDump_MissingDatabase(t *testing.T) {
	_, err := execute(t, "ctx", "dump", "--db", filepath.Join(t.TempDir(), "none.db"))
	require.Error(t, err)
	assert.Equal(t, ExitCommandError, GetExitCode(err))
}

func TestCtxPeers(t *testing.T) {
	db := seedDatabase(t)

	out, err := execute(t, "ctx", "peers", "--db", db)
	require.NoError(t, err, out)
	assert.Equal(t, "porch\t10.0.0.7:7400\t1\n", out)
}
