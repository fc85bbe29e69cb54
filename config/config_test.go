package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/charmbracelet/log"
	"github.com/stretchr/testify/require"
)

func writeTOML(t *testing.T, body string) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "rdt.toml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func TestLoadFillsDefaults(t *testing.T) {
	path := writeTOML(t, `
[node]
peer_id = "node-a"
listen_addr = "127.0.0.1:9000"
`)
	cfg, err := Load(path)
	require.NoError(t, err)
	require.Equal(t, "node-a", cfg.Node.PeerID)
	require.Equal(t, uint32(1024), cfg.Node.MaxFramePayload)
	require.Equal(t, 4, cfg.Node.FecRedundancyRatio)
	require.Equal(t, 5*time.Second, cfg.Node.GlobalDeadline())
	require.Equal(t, 10000, cfg.Node.DeliveredQueueCapacity)
	require.Equal(t, log.InfoLevel, cfg.Log.LogLevel())
}

func TestLoadRejectsMissingPeerID(t *testing.T) {
	path := writeTOML(t, `
[node]
listen_addr = "127.0.0.1:9000"
`)
	_, err := Load(path)
	require.Error(t, err)
}

func TestLoadRejectsOversizedFramePayload(t *testing.T) {
	path := writeTOML(t, `
[node]
peer_id = "node-a"
max_frame_payload = 70000
`)
	_, err := Load(path)
	require.Error(t, err)
}

func TestLoadMissingFileReturnsError(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "does-not-exist.toml"))
	require.Error(t, err)
}

func TestReloadLeavesGlobalCfgOnError(t *testing.T) {
	good := writeTOML(t, `
[node]
peer_id = "node-a"
`)
	_, err := Load(good)
	require.NoError(t, err)
	prior := GlobalCfg

	bad := writeTOML(t, `
[node]
listen_addr = "127.0.0.1:9000"
`)
	require.Error(t, Reload(bad))
	require.Same(t, prior, GlobalCfg)
}

func TestLogLevelParsesExplicitValue(t *testing.T) {
	path := writeTOML(t, `
[node]
peer_id = "node-a"

[log]
level = "debug"
`)
	cfg, err := Load(path)
	require.NoError(t, err)
	require.Equal(t, log.DebugLevel, cfg.Log.LogLevel())
}
