package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"corekv/pkg/config"
	"corekv/pkg/coreid"
	"corekv/pkg/metrics"
	"corekv/pkg/replicationrpc"
	"corekv/pkg/rolewatch"
	"corekv/pkg/storagecore"
)

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	configPath := os.Getenv("COREKV_CONFIG")
	if configPath == "" {
		configPath = "config.yaml"
	}
	cfg, err := config.Load(configPath)
	if err != nil {
		fmt.Printf("failed to load config: %v\n", err)
		os.Exit(1)
	}
	initLogger(&cfg)

	identity := coreid.Identity{
		MpuID:           os.Getenv("COREKV_MPU_ID"),
		CoreID:          os.Getenv("COREKV_CORE_ID"),
		Label:           os.Getenv("COREKV_LABEL"),
		NetworkLocation: cfg.Server.ListenAddress,
	}
	if identity.MpuID == "" || identity.CoreID == "" {
		slog.Error("COREKV_MPU_ID and COREKV_CORE_ID must both be set")
		os.Exit(1)
	}

	collector := metrics.NewSlogCollector(slog.Default())

	core, err := storagecore.Open(cfg.Core.DBPath, identity, cfg.Core, collector, slog.Default())
	if err != nil {
		slog.Error("failed to open storage core", "error", err)
		os.Exit(1)
	}
	defer core.Destroy()

	server := replicationrpc.NewServer(core, cfg.Server.ListenAddress, slog.Default())
	if err := server.Start(); err != nil {
		slog.Error("failed to start replication rpc server", "error", err)
		os.Exit(1)
	}

	zkServersEnv := os.Getenv("COREKV_ZK_SERVERS")
	zkPath := os.Getenv("COREKV_ZK_ROLE_PATH")
	if zkServersEnv != "" && zkPath != "" {
		watcher, err := rolewatch.Dial(strings.Split(zkServersEnv, ","), zkPath, slog.Default())
		if err != nil {
			slog.Error("failed to connect to zookeeper", "error", err)
			os.Exit(1)
		}
		defer watcher.Close()

		go consumeRoleEvents(ctx, core, watcher.Watch(ctx))
	} else {
		slog.Warn("COREKV_ZK_SERVERS or COREKV_ZK_ROLE_PATH not set, core stays idle until a role is assigned some other way")
	}

	slog.Info("corenode started", "identity", identity.String(), "addr", cfg.Server.ListenAddress)
	<-ctx.Done()

	if err := server.Stop(); err != nil {
		slog.Error("error stopping replication rpc server", "error", err)
	}
	slog.Info("corenode stopped")
}

// consumeRoleEvents applies every externally-assigned role transition to
// core as it arrives. A transition into primary yields instructions the
// caller above the storage layer must replay; this entrypoint only logs
// how many arrived since replaying them is the SQL/expression layer's job.
func consumeRoleEvents(ctx context.Context, core *storagecore.Core, events <-chan rolewatch.RoleEvent) {
	for {
		select {
		case ev, ok := <-events:
			if !ok {
				return
			}
			pending, err := core.ApplyRoleEvent(ev)
			if err != nil {
				slog.Error("failed to apply role event", "kind", ev.Kind.String(), "error", err)
				continue
			}
			slog.Info("role event applied", "kind", ev.Kind.String(), "pending_instructions", len(pending))
		case <-ctx.Done():
			return
		}
	}
}

// initLogger configures the global slog.Logger from cfg.Logger (JSON or
// text).
func initLogger(cfg *config.Config) {
	var handler slog.Handler
	if cfg.Logger.JSON {
		handler = slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{AddSource: true})
	} else {
		handler = slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{AddSource: true})
	}
	logger := slog.New(handler)
	slog.SetDefault(logger)
	slog.Info("logger initialized", "level", cfg.Logger.Level, "json", cfg.Logger.JSON)
}
