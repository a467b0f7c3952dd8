package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"github.com/sushant-115/gojotx/core/txlog"
	"go.uber.org/multierr"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "gojotx.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
	return path
}

func TestDefaultIsValid(t *testing.T) {
	require.NoError(t, Default().Validate())
}

func TestLoad_OverlaysDefaults(t *testing.T) {
	path := writeConfig(t, `
manager:
  node_id: coord-7
  default_timeout: 5s
  parallel_dispatch: true
txlog:
  backend: bolt
  dir: /tmp/gojotx
recovery:
  rate: 2.5
resources:
  - address: 10.0.0.1:7070
  - address: rm-b:7070
    server_name: rm-b.internal
tls:
  enabled: true
  ca: /etc/gojotx/ca.crt
  cert: /etc/gojotx/client.crt
  key: /etc/gojotx/client.key
`)
	cfg, err := Load(path)
	require.NoError(t, err)

	require.Equal(t, "coord-7", cfg.Manager.NodeID)
	require.Equal(t, 5*time.Second, cfg.Manager.DefaultTimeout)
	require.True(t, cfg.Manager.ParallelDispatch)
	require.Equal(t, time.Second, cfg.Manager.ReaperInterval, "unset fields keep their default")
	require.Equal(t, txlog.BackendBolt, cfg.TxLog.Backend)
	require.Equal(t, 2.5, cfg.Recovery.Rate)
	require.Equal(t, 10, cfg.Recovery.Burst)
	require.Len(t, cfg.Resources, 2)
	require.Equal(t, "rm-b.internal", cfg.Resources[1].ServerName)
	require.Equal(t, "/etc/gojotx/ca.crt", cfg.TLS.CA)
	require.Equal(t, "info", cfg.Logger.Level)
}

func TestLoad_ReportsEveryProblem(t *testing.T) {
	path := writeConfig(t, `
manager:
  node_id: ""
txlog:
  backend: tape
resources:
  - address: ""
`)
	_, err := Load(path)
	require.Error(t, err)
	require.Len(t, multierr.Errors(Config{
		Manager:   ManagerConfig{ReaperInterval: time.Second},
		TxLog:     TxLogConfig{Backend: "tape"},
		Resources: []ResourceConfig{{}},
	}.Validate()), 3)
	require.Contains(t, err.Error(), "node_id")
	require.Contains(t, err.Error(), "tape")
}

func TestLoad_RejectsSlashInNodeID(t *testing.T) {
	path := writeConfig(t, `
manager:
  node_id: dc1/coord-1
`)
	_, err := Load(path)
	require.ErrorContains(t, err, "must not contain '/'")
}

func TestLoad_EncryptionNeedsFileBackend(t *testing.T) {
	path := writeConfig(t, `
txlog:
  backend: memory
  encryption_key: 000102030405060708090a0b0c0d0e0f
`)
	_, err := Load(path)
	require.ErrorContains(t, err, "encryption_key")
}

func TestLoad_MissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	require.Error(t, err)
}
