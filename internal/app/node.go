// Package app assembles a coordinator node from configuration: transaction
// log, remote resource managers, coordinator, manager, reaper and recovery.
package app

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net"

	"github.com/sushant-115/gojotx/config"
	"github.com/sushant-115/gojotx/config/certs"
	"github.com/sushant-115/gojotx/core/coordinator"
	"github.com/sushant-115/gojotx/core/manager"
	"github.com/sushant-115/gojotx/core/reaper"
	"github.com/sushant-115/gojotx/core/recovery"
	"github.com/sushant-115/gojotx/core/resource"
	"github.com/sushant-115/gojotx/core/resource/remote"
	"github.com/sushant-115/gojotx/core/security/encryption"
	"github.com/sushant-115/gojotx/core/transaction"
	"github.com/sushant-115/gojotx/core/txlog"
	internaltelemetry "github.com/sushant-115/gojotx/internal/telemetry"
	"github.com/sushant-115/gojotx/pkg/telemetry"
	"go.uber.org/multierr"
	"go.uber.org/zap"
	"google.golang.org/grpc/credentials"
)

// Node is a running coordinator and everything it owns.
type Node struct {
	Config      config.Config
	Log         txlog.Log
	Coordinator *coordinator.Coordinator
	Manager     *manager.Manager
	Resources   resource.StaticResolver
	Reaper      *reaper.Reaper
	Recoverer   *recovery.Recoverer

	logger  *zap.Logger
	clients []*remote.Client
}

// New opens the log, dials the configured resource managers and wires the
// coordinator. local managers are added next to the remote ones. tel may be
// nil, in which case metrics and tracing are disabled.
func New(ctx context.Context, cfg config.Config, logger *zap.Logger, tel *telemetry.Telemetry, local ...resource.Manager) (n *Node, err error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	n = &Node{Config: cfg, logger: logger}
	defer func() {
		if err != nil {
			err = multierr.Append(err, n.closeResources())
		}
	}()

	opts := txlog.FileLogOptions{
		BufferSize:    cfg.TxLog.BufferSize,
		SegmentSize:   cfg.TxLog.SegmentSize,
		FlushInterval: cfg.TxLog.FlushInterval,
	}
	if cfg.TxLog.EncryptionKey != "" {
		c, err := encryption.NewCipherFromHex(cfg.TxLog.EncryptionKey)
		if err != nil {
			return nil, fmt.Errorf("txlog encryption key: %w", err)
		}
		opts.Sealer = c
	}
	if n.Log, err = txlog.Open(cfg.TxLog.Backend, cfg.TxLog.Dir, logger, opts); err != nil {
		return nil, err
	}

	managers := append([]resource.Manager(nil), local...)
	for _, rc := range cfg.Resources {
		c, err := n.dial(ctx, rc)
		if err != nil {
			return nil, err
		}
		n.clients = append(n.clients, c)
		managers = append(managers, c)
	}
	n.Resources = resource.NewStaticResolver(managers...)
	if len(n.Resources) != len(managers) {
		return nil, errors.New("two resource managers report the same resource id")
	}

	var metrics *internaltelemetry.TxMetrics
	coordOpts := coordinator.Options{NodeID: cfg.Manager.NodeID, ParallelDispatch: cfg.Manager.ParallelDispatch}
	if tel != nil {
		if metrics, err = internaltelemetry.NewTxMetrics(tel.Meter); err != nil {
			return nil, fmt.Errorf("failed to create transaction metrics: %w", err)
		}
		coordOpts.Metrics = metrics
		coordOpts.Tracer = tel.Tracer
	}
	if n.Coordinator, err = coordinator.New(n.Log, logger, coordOpts); err != nil {
		return nil, err
	}

	n.Manager = manager.New(n.Coordinator, logger, manager.Options{DefaultTimeout: cfg.Manager.DefaultTimeout})
	n.Reaper = reaper.New(n.Manager, cfg.Manager.ReaperInterval, logger)
	n.Recoverer = recovery.New(n.Log, n.Resources, logger, recovery.Options{
		NodeID:   cfg.Manager.NodeID,
		Rate:     cfg.Recovery.Rate,
		Burst:    cfg.Recovery.Burst,
		Interval: cfg.Recovery.Interval,
		IsActive: func(id transaction.Xid) bool {
			_, ok := n.Manager.Lookup(id)
			return ok
		},
		Metrics: metrics,
	})
	return n, nil
}

func (n *Node) dial(ctx context.Context, rc config.ResourceConfig) (*remote.Client, error) {
	opts := remote.ClientOptions{}
	if n.Config.TLS.Enabled {
		serverName := rc.ServerName
		if serverName == "" {
			host, _, err := net.SplitHostPort(rc.Address)
			if err != nil {
				return nil, fmt.Errorf("resource %s: %w", rc.Address, err)
			}
			serverName = host
		}
		tlsCfg, err := certs.LoadClientTLSConfig(n.Config.TLS.Paths, serverName)
		if err != nil {
			return nil, err
		}
		opts.TLS = credentials.NewTLS(tlsCfg)
	}
	return remote.Dial(ctx, rc.Address, n.logger, opts)
}

// ServerTLS returns the server side of the configured mutual TLS, or nil.
func ServerTLS(cfg config.Config) (*tls.Config, error) {
	if !cfg.TLS.Enabled {
		return nil, nil
	}
	return certs.LoadServerTLSConfig(cfg.TLS.Paths)
}

// Start runs one recovery pass, then starts the reaper and, if enabled,
// periodic recovery.
func (n *Node) Start(ctx context.Context) error {
	if n.Config.Recovery.Enabled {
		report, err := n.Recoverer.Run(ctx)
		if err != nil {
			return fmt.Errorf("startup recovery: %w", err)
		}
		n.logger.Info("Startup recovery finished",
			zap.Int("committed", report.Committed),
			zap.Int("rolled_back", report.RolledBack),
			zap.Int("pending", report.Pending))
		n.Recoverer.Start(ctx)
	}
	n.Reaper.Start()
	return nil
}

// Probe runs one transaction across every resource manager and commits it.
func (n *Node) Probe(ctx context.Context) error {
	s := n.Manager.NewSession()
	if err := s.Begin(ctx); err != nil {
		return err
	}
	for _, rm := range n.Resources.Managers() {
		if _, err := s.EnlistResource(ctx, rm); err != nil {
			return multierr.Append(err, s.Rollback(ctx))
		}
	}
	return s.Commit(ctx)
}

// Close stops background work, rolls back active transactions and releases
// the log and connections.
func (n *Node) Close(ctx context.Context) error {
	n.Reaper.Stop()
	n.Recoverer.Stop()
	return multierr.Combine(n.Manager.Close(ctx), n.closeResources())
}

func (n *Node) closeResources() error {
	var errs error
	for _, c := range n.clients {
		errs = multierr.Append(errs, c.Close())
	}
	n.clients = nil
	if n.Log != nil {
		errs = multierr.Append(errs, n.Log.Close())
		n.Log = nil
	}
	return errs
}
