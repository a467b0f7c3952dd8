// Package config loads the YAML configuration shared by the gojotx binaries.
package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/sushant-115/gojotx/config/certs"
	"github.com/sushant-115/gojotx/core/txlog"
	"github.com/sushant-115/gojotx/pkg/logger"
	"github.com/sushant-115/gojotx/pkg/telemetry"
	"go.uber.org/multierr"
	"gopkg.in/yaml.v3"
)

// Config is the root of a gojotx configuration file.
type Config struct {
	Logger    logger.Config    `yaml:"logger"`
	Telemetry telemetry.Config `yaml:"telemetry"`
	Manager   ManagerConfig    `yaml:"manager"`
	TxLog     TxLogConfig      `yaml:"txlog"`
	Recovery  RecoveryConfig   `yaml:"recovery"`
	Resources []ResourceConfig `yaml:"resources"`
	TLS       TLSConfig        `yaml:"tls"`
}

type ManagerConfig struct {
	NodeID           string        `yaml:"node_id"`
	DefaultTimeout   time.Duration `yaml:"default_timeout"`
	ReaperInterval   time.Duration `yaml:"reaper_interval"`
	ParallelDispatch bool          `yaml:"parallel_dispatch"`
	// StatusAddr serves the JSON list of active transactions; empty disables it.
	StatusAddr string `yaml:"status_addr"`
}

type TxLogConfig struct {
	Backend       string        `yaml:"backend"`
	Dir           string        `yaml:"dir"`
	BufferSize    int           `yaml:"buffer_size"`
	SegmentSize   int64         `yaml:"segment_size"`
	FlushInterval time.Duration `yaml:"flush_interval"`
	// EncryptionKey is a hex AES key; empty leaves the log in plaintext.
	EncryptionKey string `yaml:"encryption_key"`
}

type RecoveryConfig struct {
	Enabled  bool          `yaml:"enabled"`
	Interval time.Duration `yaml:"interval"`
	// Rate caps resource manager calls per second; zero is unlimited.
	Rate  float64 `yaml:"rate"`
	Burst int     `yaml:"burst"`
}

// ResourceConfig names a remote resource manager to dial at startup.
type ResourceConfig struct {
	Address string `yaml:"address"`
	// ServerName overrides the TLS server name; defaults to the address host.
	ServerName string `yaml:"server_name"`
}

type TLSConfig struct {
	Enabled     bool `yaml:"enabled"`
	certs.Paths `yaml:",inline"`
}

// Default returns a configuration usable without a file.
func Default() Config {
	return Config{
		Logger:    logger.Config{Level: "info", Format: "json", OutputFile: "stdout"},
		Telemetry: telemetry.Config{ServiceName: "gojotx", MetricsAddr: ":9464", TraceSampleRatio: 1},
		Manager: ManagerConfig{
			NodeID:         "gojotx-1",
			DefaultTimeout: 60 * time.Second,
			ReaperInterval: time.Second,
		},
		TxLog: TxLogConfig{
			Backend:       txlog.BackendFile,
			Dir:           "/var/lib/gojotx/txlog",
			BufferSize:    txlog.DefaultBufferSize,
			SegmentSize:   txlog.DefaultSegmentSize,
			FlushInterval: txlog.DefaultFlushInterval,
		},
		Recovery: RecoveryConfig{
			Enabled:  true,
			Interval: 30 * time.Second,
			Rate:     100,
			Burst:    10,
		},
	}
}

// Load overlays the file at path on Default and validates the result.
func Load(path string) (Config, error) {
	cfg := Default()
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("read config %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return Config{}, fmt.Errorf("parse config %s: %w", path, err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, fmt.Errorf("invalid config %s: %w", path, err)
	}
	return cfg, nil
}

// Validate reports every problem at once.
func (c Config) Validate() error {
	var errs error
	if c.Manager.NodeID == "" {
		errs = multierr.Append(errs, errors.New("manager.node_id is required"))
	} else if strings.Contains(c.Manager.NodeID, "/") {
		errs = multierr.Append(errs, fmt.Errorf("manager.node_id %q must not contain '/'", c.Manager.NodeID))
	}
	if c.Manager.DefaultTimeout < 0 {
		errs = multierr.Append(errs, errors.New("manager.default_timeout must not be negative"))
	}
	if c.Manager.ReaperInterval <= 0 {
		errs = multierr.Append(errs, errors.New("manager.reaper_interval must be positive"))
	}

	switch c.TxLog.Backend {
	case txlog.BackendFile, txlog.BackendBolt:
		if c.TxLog.Dir == "" {
			errs = multierr.Append(errs, errors.New("txlog.dir is required"))
		}
	case txlog.BackendMemory:
	default:
		errs = multierr.Append(errs, fmt.Errorf("txlog.backend %q is not one of file, bolt, memory", c.TxLog.Backend))
	}
	if c.TxLog.EncryptionKey != "" && c.TxLog.Backend != txlog.BackendFile {
		errs = multierr.Append(errs, errors.New("txlog.encryption_key requires the file backend"))
	}

	if c.Recovery.Rate < 0 {
		errs = multierr.Append(errs, errors.New("recovery.rate must not be negative"))
	}
	for i, r := range c.Resources {
		if r.Address == "" {
			errs = multierr.Append(errs, fmt.Errorf("resources[%d].address is required", i))
		}
	}
	if c.TLS.Enabled && (c.TLS.CA == "" || c.TLS.Cert == "" || c.TLS.Key == "") {
		errs = multierr.Append(errs, errors.New("tls requires ca, cert and key"))
	}
	return errs
}
