package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/softwind/echowire/internal/broker"
	"github.com/softwind/echowire/internal/cache"
	"github.com/softwind/echowire/internal/config"
	"github.com/softwind/echowire/internal/ota"
	"github.com/softwind/echowire/internal/reminder"
	"github.com/softwind/echowire/internal/scheduler"
	"github.com/softwind/echowire/internal/server"
	"github.com/softwind/echowire/internal/session"
	"github.com/softwind/echowire/internal/tools"
	"github.com/softwind/echowire/internal/tools/mcphost"
	"github.com/softwind/echowire/internal/tools/mcpwire"
	"github.com/softwind/echowire/internal/tools/plugin"
	"github.com/softwind/echowire/pkg/otel"
	"github.com/softwind/echowire/shared/db"
)

const shutdownTimeout = 10 * time.Second

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the voice gateway",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe()
		},
	}
}

func runServe() error {
	cfg := config.Load()

	otelRes, err := otel.Init(otel.Config{
		ServiceName:  "echowire",
		Environment:  cfg.Environment,
		OTLPEndpoint: cfg.OTLPEndpoint,
	})
	if err != nil {
		slog.Warn("otel init failed, continuing with default logging", "error", err)
	} else {
		slog.SetDefault(otelRes.Logger)
		defer func() {
			ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
			defer cancel()
			_ = otelRes.Shutdown(ctx)
		}()
	}
	cfg.LogStartup()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if cfg.DatabaseURL == "" {
		return fmt.Errorf("DATABASE_URL is required: devices and reminders live in postgres")
	}
	pool, err := db.Connect(ctx, db.Config{URL: cfg.DatabaseURL})
	if err != nil {
		return fmt.Errorf("connect database: %w", err)
	}
	defer pool.Close()

	var store cache.Store
	if cfg.RedisAddr != "" {
		store, err = cache.NewRedis(ctx, cache.RedisConfig{Addr: cfg.RedisAddr, DB: cfg.RedisDB})
		if err != nil {
			return fmt.Errorf("connect redis: %w", err)
		}
	} else {
		slog.Warn("cache: no redis configured, activation codes are process-local")
		store = cache.NewMemory()
	}
	defer func() { _ = store.Close() }()

	devices := ota.NewPGRegistry(pool)
	reminders := reminder.NewRepository(pool)
	sessions := session.NewRegistry()

	var pub scheduler.Broker
	if cfg.MQTT.BrokerURL != "" {
		p, err := broker.Connect(broker.Config{
			BrokerURL:  cfg.MQTT.BrokerURL,
			Group:      cfg.MQTT.Group,
			MAC:        cfg.MQTT.ServerMAC,
			Username:   cfg.MQTT.Username,
			SigningKey: cfg.MQTT.SigningKey,
		})
		if err != nil {
			slog.Warn("broker: mqtt unavailable, offline push disabled", "error", err)
		} else {
			pub = p
			defer p.Close()
		}
	}

	sched := scheduler.New(reminders, sessions, pub)
	go sched.Run(ctx)

	pluginExec := plugin.New(reminders, sched)

	systemTools := make(map[string]bool)
	if defs, err := pluginExec.GetTools(ctx); err == nil {
		for name := range defs {
			systemTools[name] = true
		}
	}
	resolver, err := buildResolver(cfg, pool, systemTools)
	if err != nil {
		return err
	}

	var serverMCP tools.Executor
	if cfg.MCP.ServersFile != "" {
		servers, err := loadMCPServers(cfg.MCP.ServersFile)
		if err != nil {
			return fmt.Errorf("load mcp servers: %w", err)
		}
		mgr, err := mcphost.NewManager(servers)
		if err != nil {
			slog.Warn("mcp: host manager degraded", "error", err)
		}
		if mgr != nil {
			serverMCP = mgr
			defer func() { _ = mgr.Close() }()
		}
	}

	var endpoint tools.Executor
	if cfg.MCP.EndpointURL != "" {
		ep, err := mcpwire.Connect(ctx, mcpwire.Config{URL: cfg.MCP.EndpointURL, Token: cfg.MCP.EndpointToken})
		if err != nil {
			slog.Warn("mcp: remote endpoint unavailable", "url", cfg.MCP.EndpointURL, "error", err)
		} else {
			endpoint = ep
			defer func() { _ = ep.Close() }()
		}
	}

	deps := session.Deps{
		Resolver:        resolver,
		BuildAdapters:   newAdapterFactory(cfg),
		Sessions:        sessions,
		Plugin:          pluginExec,
		ServerMCP:       serverMCP,
		MCPEndpoint:     endpoint,
		SampleRate:      cfg.SampleRate,
		FrameDurationMs: cfg.FrameDurationMs,
	}

	srv := server.New(ctx, server.Options{
		AuthToken:   cfg.AuthToken,
		SessionDeps: deps,
		Devices:     devices,
		OTA: ota.NewHandler(store, devices, ota.Config{
			WebSocketURL: cfg.PublicWSURL,
			AuthToken:    cfg.AuthToken,
			MQTTBroker:   cfg.MQTT.BrokerURL,
			MQTTUsername: cfg.MQTT.Username,
		}),
		Scheduler: sched,
		Ready: []func(context.Context) error{
			func(ctx context.Context) error { return pool.Ping(ctx) },
			func(ctx context.Context) error {
				_, err := store.Get(ctx, "health:probe")
				if errors.Is(err, cache.ErrNotFound) {
					return nil
				}
				return err
			},
		},
	})

	httpSrv := &http.Server{
		Addr:    cfg.ListenAddr,
		Handler: srv.Handler(),
	}

	go func() {
		<-ctx.Done()
		slog.Info("shutting down", "timeout", shutdownTimeout)
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := httpSrv.Shutdown(shutdownCtx); err != nil {
			slog.Warn("http shutdown incomplete", "error", err)
		}
	}()

	slog.Info("echowire listening", "addr", cfg.ListenAddr, "version", version)
	if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("http server: %w", err)
	}
	return nil
}

// loadMCPServers reads the stdio MCP server list from a JSON file.
func loadMCPServers(path string) ([]mcphost.ServerConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", path, err)
	}
	var servers []mcphost.ServerConfig
	if err := json.Unmarshal(data, &servers); err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}
	return servers, nil
}
