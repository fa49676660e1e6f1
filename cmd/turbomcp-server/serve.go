package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	turbomcp "github.com/turbomcp-go/turbomcp"
	"github.com/turbomcp-go/turbomcp/internal/config"
	"github.com/turbomcp-go/turbomcp/internal/dpop"
	"github.com/turbomcp-go/turbomcp/internal/middleware"
	"github.com/turbomcp-go/turbomcp/internal/registry"
	"github.com/turbomcp-go/turbomcp/internal/task"
	"github.com/turbomcp-go/turbomcp/internal/telemetry"
	"github.com/turbomcp-go/turbomcp/internal/transport"
)

var serveCmd = &cobra.Command{
	Use:   "serve [stdio|tcp|ws|unix]",
	Short: "Start the MCP server over the given transport",
	Long: `Start the MCP server.

Examples:
  turbomcp-server serve stdio
  turbomcp-server serve tcp --listen 0.0.0.0:8080
  turbomcp-server serve ws --listen 0.0.0.0:8081
  turbomcp-server serve unix --socket /tmp/turbomcp.sock`,
	Args: cobra.MaximumNArgs(1),
	RunE: runServe,
}

func init() {
	serveCmd.Flags().String("listen", "", "override transport.listen_addr (tcp/ws)")
	serveCmd.Flags().String("socket", "", "override transport.socket_path (unix)")
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	if len(args) == 1 {
		cfg.Transport.Kind = args[0]
	}
	if listen, _ := cmd.Flags().GetString("listen"); listen != "" {
		cfg.Transport.ListenAddr = listen
	}
	if socket, _ := cmd.Flags().GetString("socket"); socket != "" {
		cfg.Transport.SocketPath = socket
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	if cfg.Server.ForceStdoutLog {
		os.Setenv(transport.ForceLoggingEnv, "1")
	}

	logger, err := newLogger(cfg.Log.Level)
	if err != nil {
		return fmt.Errorf("build logger: %w", err)
	}
	defer logger.Sync()

	metrics := telemetry.NewMetrics(prometheus.NewRegistry())

	dpopManager, rotation, err := buildDPoP(cfg, logger)
	if err != nil {
		return fmt.Errorf("build dpop manager: %w", err)
	}
	rotation.Start()
	defer rotation.Stop()

	taskManager, purger, err := buildTaskManager(cfg, metrics, logger)
	if err != nil {
		return fmt.Errorf("build task manager: %w", err)
	}
	purger.Start()
	defer purger.Stop()

	reg, err := buildRegistry()
	if err != nil {
		return fmt.Errorf("build registry: %w", err)
	}

	opts := []turbomcp.ServerOption{
		turbomcp.WithName(cfg.Server.Name, cfg.Server.Version),
		turbomcp.WithRegistry(reg),
		turbomcp.WithTaskManager(taskManager),
		turbomcp.WithDPoPManager(dpopManager),
		turbomcp.WithLogger(logger),
		turbomcp.WithMetrics(metrics),
	}
	if cfg.RateLimit.Enabled {
		opts = append(opts, turbomcp.WithRateLimit(cfg.RateLimit.RequestsPerSecond, cfg.RateLimit.Burst))
	}
	if cfg.Auth.Mode != "none" {
		opts = append(opts, turbomcp.WithAuthorization(map[string]middleware.MethodPolicy{}))
	}
	opts = append(opts, turbomcp.WithValidation())

	server, err := turbomcp.New(opts...)
	if err != nil {
		return fmt.Errorf("build server: %w", err)
	}
	defer server.Close()

	tr, err := buildTransport(cfg, metrics, logger)
	if err != nil {
		return fmt.Errorf("build transport: %w", err)
	}

	ctx := context.Background()
	lc := server.Lifecycle()
	if err := lc.Start(ctx, tr.Connect); err != nil {
		return fmt.Errorf("start transport: %w", err)
	}
	defer tr.Disconnect(context.Background())

	serveErrCh := make(chan error, 1)
	go func() { serveErrCh <- server.Serve(ctx, tr) }()

	logger.Info("turbomcp-server listening", zap.String("transport", cfg.Transport.Kind))
	lc.RunUntilSignal(cfg.Server.ShutdownGrace)

	// Drain (inside RunUntilSignal) has already closed the shutdown signal;
	// disconnecting here unblocks Serve's Receive loop so it returns instead
	// of leaking the goroutine past this function's return.
	_ = tr.Disconnect(context.Background())
	return <-serveErrCh
}

func buildTransport(cfg *config.Config, metrics *telemetry.Metrics, logger *zap.Logger) (transport.Transport, error) {
	tcfg := transport.Config{
		MaxMessageSize: cfg.Transport.MaxMessageSize,
		IdleTimeout:    cfg.Transport.IdleTimeout,
		MaxConnections: cfg.Transport.MaxConnections,
		InboundBuffer:  cfg.Transport.InboundBuffer,
	}
	switch cfg.Transport.Kind {
	case "stdio":
		return transport.NewStdioTransport(os.Stdin, os.Stdout, tcfg, metrics, logger), nil
	case "tcp":
		return transport.NewTCPTransport(cfg.Transport.ListenAddr, tcfg, metrics, logger), nil
	case "ws":
		return transport.NewWebSocketTransport(cfg.Transport.ListenAddr, tcfg, metrics, logger), nil
	case "unix":
		return transport.NewUnixTransport(cfg.Transport.SocketPath, tcfg, metrics, logger), nil
	default:
		return nil, fmt.Errorf("unknown transport kind %q", cfg.Transport.Kind)
	}
}

func buildDPoP(cfg *config.Config, logger *zap.Logger) (*dpop.Manager, *dpop.AutoRotationService, error) {
	var store dpop.Storage
	switch cfg.DPoP.StorageBackend {
	case "mem":
		store = dpop.NewMemStore()
	case "sqlite":
		s, err := dpop.NewSQLiteStore(cfg.DPoP.DSN)
		if err != nil {
			return nil, nil, err
		}
		store = s
	case "postgres":
		s, err := dpop.NewPostgresStore(cfg.DPoP.DSN)
		if err != nil {
			return nil, nil, err
		}
		store = s
	default:
		return nil, nil, fmt.Errorf("unknown dpop storage backend %q", cfg.DPoP.StorageBackend)
	}

	mgr := dpop.NewManager(store, cfg.DPoP.KeyTTL)
	rotation := dpop.NewAutoRotationService(mgr, cfg.DPoP.RotationInterval, logger)
	return mgr, rotation, nil
}

func buildTaskManager(cfg *config.Config, metrics *telemetry.Metrics, logger *zap.Logger) (*task.Manager, *task.PurgeScheduler, error) {
	var store task.Store
	switch cfg.Task.Backend {
	case "mem":
		store = task.NewMemStore()
	case "nats":
		nc, err := nats.Connect(cfg.Task.NATSURL)
		if err != nil {
			return nil, nil, fmt.Errorf("connect nats: %w", err)
		}
		store = task.NewNATSStore(nc)
	default:
		return nil, nil, fmt.Errorf("unknown task backend %q", cfg.Task.Backend)
	}

	mgr := task.NewManager(store, cfg.Task.Workers, metrics)
	purger, err := task.NewPurgeScheduler(mgr, cfg.Task.PurgeCron, logger)
	if err != nil {
		return nil, nil, fmt.Errorf("build purge scheduler: %w", err)
	}
	return mgr, purger, nil
}

// buildRegistry provides the small demo tool set the reference binary
// exposes out of the box: embedders of the turbomcp package supply their
// own registry.Builder instead.
func buildRegistry() (*registry.Registry, error) {
	return registry.NewBuilder().
		Tool(registry.ToolDescriptor{
			Name:        "ping",
			Description: "Health check: always replies pong.",
			Handler: func(ctx context.Context, args map[string]any) (any, error) {
				return map[string]string{"message": "pong"}, nil
			},
		}).
		Tool(registry.ToolDescriptor{
			Name:        "server_time",
			Description: "Returns the server's current UTC time.",
			Handler: func(ctx context.Context, args map[string]any) (any, error) {
				return map[string]string{"utc": time.Now().UTC().Format(time.RFC3339)}, nil
			},
		}).
		Build()
}
