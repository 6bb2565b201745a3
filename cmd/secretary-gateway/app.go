package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/hashicorp/go-multierror"
	"github.com/modelcontextprotocol/go-sdk/mcp"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"github.com/vikashloomba/mcp-secretary-gateway/pkg/authz"
	"github.com/vikashloomba/mcp-secretary-gateway/pkg/config"
	"github.com/vikashloomba/mcp-secretary-gateway/pkg/gateway"
	"github.com/vikashloomba/mcp-secretary-gateway/pkg/metrics"
	"github.com/vikashloomba/mcp-secretary-gateway/pkg/orchestrator"
	"github.com/vikashloomba/mcp-secretary-gateway/pkg/proxy"
	"github.com/vikashloomba/mcp-secretary-gateway/pkg/storage"
	"github.com/vikashloomba/mcp-secretary-gateway/pkg/upstream"
)

// app owns every long-lived component of one gateway process.
type app struct {
	cfg     *config.Config
	logger  *slog.Logger
	store   storage.Store
	cache   *upstream.Cache
	gateway *gateway.Server
	orch    *orchestrator.Orchestrator
}

func newLogger(cfg config.LogConfig, w io.Writer) (*slog.Logger, error) {
	level, err := cfg.SlogLevel()
	if err != nil {
		return nil, err
	}
	opts := &slog.HandlerOptions{Level: level}
	if cfg.Format == "json" {
		return slog.New(slog.NewJSONHandler(w, opts)), nil
	}
	return slog.New(slog.NewTextHandler(w, opts)), nil
}

// newApp wires the components. Logs go to logOut; stdout stays free for
// the stdio transport.
func newApp(cfg *config.Config, logOut io.Writer) (*app, error) {
	return newAppWithConnector(cfg, logOut, nil)
}

// newAppWithConnector is newApp with the upstream connector replaced, or
// the process-spawning factory when connector is nil.
func newAppWithConnector(cfg *config.Config, logOut io.Writer, connector upstream.Connector) (*app, error) {
	logger, err := newLogger(cfg.Log, logOut)
	if err != nil {
		return nil, err
	}

	m := metrics.New()
	registry := prometheus.NewRegistry()
	registry.MustRegister(
		m,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	store, err := storage.Open(cfg.Storage.Driver, cfg.Storage.DSN)
	if err != nil {
		return nil, fmt.Errorf("open storage: %w", err)
	}

	a := &app{cfg: cfg, logger: logger, store: store}
	progress := proxy.NewProgressTracker(logger)

	if connector == nil {
		factoryOpts := cfg.Upstream.FactoryOptions()
		factoryOpts.ClientName = "secretary-gateway"
		factoryOpts.ClientVersion = version
		factoryOpts.Logger = logger
		factoryOpts.Metrics = m
		// orch is assigned below, before any connection exists
		factoryOpts.OnToolListChanged = func(taskID string) { a.orch.ToolListChanged(taskID) }
		factoryOpts.OnProgress = progress.Forward
		connector = upstream.NewFactory(factoryOpts)
	}

	cacheOpts := cfg.Upstream.CacheOptions()
	cacheOpts.Logger = logger
	cacheOpts.Metrics = m
	a.cache = upstream.NewCache(connector, cacheOpts)

	authorizer := authz.New(store, &authz.Options{CacheTTL: cfg.Authz.CacheTTL, Logger: logger})

	a.gateway, err = gateway.New(&gateway.Options{
		Implementation:  &mcp.Implementation{Name: "secretary-gateway", Title: "Secretary Gateway", Version: version},
		Capabilities:    cfg.Server.Capabilities.GatewayCapabilities(),
		Instructions:    cfg.Server.Instructions,
		Addr:            cfg.Server.Addr,
		Path:            cfg.Server.Path,
		IdentityHeader:  cfg.Server.IdentityHeader,
		IdentityClaim:   cfg.Server.IdentityClaim,
		CORSOrigins:     cfg.Server.CORSOrigins,
		Authorizer:      authorizer,
		SystemTools:     cfg.Server.SystemTools,
		Upstreams:       a.upstreamStatus,
		KeepAlive:       cfg.Server.KeepAlive,
		ShutdownTimeout: cfg.Server.ShutdownTimeout,
		Logger:          logger,
		Metrics:         m,
		Gatherer:        registry,
	})
	if err != nil {
		_ = store.Close()
		return nil, err
	}

	a.orch = orchestrator.New(store, a.cache, a.gateway, &orchestrator.Options{
		Proxy: &proxy.Options{
			CallTimeout: cfg.Upstream.CallTimeout,
			Logger:      logger,
			Metrics:     m,
			Progress:    progress,
		},
		Authz:       authorizer,
		ListTimeout: cfg.Upstream.ListTimeout,
		Logger:      logger,
	})
	return a, nil
}

func (a *app) upstreamStatus() gateway.UpstreamStatus {
	return gateway.UpstreamStatus{Connections: a.cache.Len(), Tasks: a.cache.TaskIDs()}
}

// start seeds the store and brings tasks up. Activation failures are
// logged and recorded on the tasks; they do not stop the gateway.
func (a *app) start(ctx context.Context) error {
	seeded, err := a.cfg.Seed.Apply(ctx, a.store)
	if err != nil {
		return err
	}
	if len(seeded) > 0 {
		a.logger.Info("seeded store", "tasks", len(seeded))
	}
	if err := a.orch.Restore(ctx); err != nil {
		a.logger.Warn("restore tasks", "error", err)
	}
	if !a.cfg.ActivateOnStart {
		return nil
	}
	for _, id := range seeded {
		if _, err := a.orch.ActivateTask(ctx, id); err != nil {
			a.logger.Warn("activate task", "task", id, "error", err)
		}
	}
	return nil
}

// close stops the front end, then the upstreams, then storage.
func (a *app) close() error {
	timeout := a.cfg.Server.ShutdownTimeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	var result *multierror.Error
	if err := a.gateway.CloseGracefully(ctx); err != nil {
		result = multierror.Append(result, err)
	}
	if err := a.orch.Shutdown(ctx); err != nil {
		result = multierror.Append(result, err)
	}
	if err := a.store.Close(); err != nil {
		result = multierror.Append(result, err)
	}
	return result.ErrorOrNil()
}
