package configuration

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func writeYAML(t *testing.T, dir, name, content string) {
	t.Helper()
	path := filepath.Join(dir, name+".yml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
}

const baseYAML = `
app:
  profile: ""
  log-level: "info"
transport:
  address: "127.0.0.1"
  peer-port: "9000"
  request-timeout: 5000
consensus:
  node-id: 2
  engine: "raft"
raft:
  peers:
    1: "localhost:9001"
    3: "localhost:9003"
  storage-dir: "data/raft"
  election-timeout-min: 150
  election-timeout-max: 300
  heartbeat-interval: 50
  wal:
    no-sync: true
suspicion:
  threshold: 800
`

func TestLoad_BaseConfig(t *testing.T) {
	dir := t.TempDir()
	writeYAML(t, dir, "application", baseYAML)

	cfg, err := Load(dir)
	require.NoError(t, err)

	require.Equal(t, "info", cfg.App.LogLevel)
	require.Equal(t, "127.0.0.1:9000", cfg.Transport.PeerAddr())
	require.EqualValues(t, 2, cfg.Consensus.NodeID)
	require.Equal(t, "raft", cfg.Consensus.Engine)
	require.Equal(t, "localhost:9001", cfg.Raft.Peers[1])
	require.True(t, cfg.Raft.Wal.NoSync)
	require.Equal(t, int64(150), cfg.Raft.ElectionTimeoutMinDuration().Milliseconds())
	require.Equal(t, int64(800), cfg.Suspicion.ThresholdDuration().Milliseconds())
}

func TestLoad_ProfileOverridesBase(t *testing.T) {
	dir := t.TempDir()
	writeYAML(t, dir, "application", `
app:
  profile: "test"
  log-level: "info"
consensus:
  node-id: 1
`)
	writeYAML(t, dir, "application-test", `
app:
  log-level: "debug"
`)

	cfg, err := Load(dir)
	require.NoError(t, err)
	require.Equal(t, "debug", cfg.App.LogLevel)
	require.EqualValues(t, 1, cfg.Consensus.NodeID, "profile must not clobber unset fields")
}

func TestLoad_MissingProfileFileFails(t *testing.T) {
	dir := t.TempDir()
	writeYAML(t, dir, "application", `
app:
  profile: "staging"
`)

	_, err := Load(dir)
	require.Error(t, err)
}

func TestLoad_ExpandsEnvironment(t *testing.T) {
	t.Setenv("LOCK_NODE_ID", "7")

	dir := t.TempDir()
	writeYAML(t, dir, "application", `
consensus:
  node-id: ${LOCK_NODE_ID}
`)

	cfg, err := Load(dir)
	require.NoError(t, err)
	require.EqualValues(t, 7, cfg.Consensus.NodeID)
}

func TestLoad_MissingEnvironmentVariableFails(t *testing.T) {
	dir := t.TempDir()
	writeYAML(t, dir, "application", `
app:
  log-level: "${DEFINITELY_NOT_SET_ANYWHERE}"
`)

	_, err := Load(dir)
	require.Error(t, err)
}

func TestLoad_MissingBaseFileFails(t *testing.T) {
	_, err := Load(t.TempDir())
	require.Error(t, err)
}
