package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/softwind/echowire/internal/agentcfg"
	"github.com/softwind/echowire/internal/config"
)

// chainResolver asks the database first and falls back to the static
// agents file for MACs without a binding row.
type chainResolver struct {
	primary  agentcfg.Resolver
	fallback agentcfg.Resolver
}

func (c *chainResolver) Resolve(ctx context.Context, deviceMAC string) (*agentcfg.Binding, error) {
	b, err := c.primary.Resolve(ctx, deviceMAC)
	if err == nil {
		return b, nil
	}
	if c.fallback == nil {
		return nil, err
	}
	if !errors.Is(err, agentcfg.ErrNoBinding) {
		slog.Warn("agentcfg: database resolve failed, trying static file", "mac", deviceMAC, "error", err)
	}
	return c.fallback.Resolve(ctx, deviceMAC)
}

// validatingResolver checks tool references and structural invariants once,
// when the binding is resolved, so the session never sees a broken one.
type validatingResolver struct {
	inner       agentcfg.Resolver
	systemTools map[string]bool
}

func (v *validatingResolver) Resolve(ctx context.Context, deviceMAC string) (*agentcfg.Binding, error) {
	b, err := v.inner.Resolve(ctx, deviceMAC)
	if err != nil {
		return nil, err
	}
	if err := b.Validate(v.systemTools); err != nil {
		return nil, fmt.Errorf("agent binding rejected: %w", err)
	}
	return b, nil
}

func buildResolver(cfg config.Config, pool *pgxpool.Pool, systemTools map[string]bool) (agentcfg.Resolver, error) {
	repo := agentcfg.NewRepoResolver(pool)

	var inner agentcfg.Resolver = repo
	if _, err := os.Stat(cfg.AgentsFile); err != nil {
		slog.Info("agentcfg: no static agents file, database only", "path", cfg.AgentsFile)
	} else {
		static, err := agentcfg.NewStaticResolver(cfg.AgentsFile)
		if err != nil {
			return nil, fmt.Errorf("load agents file %s: %w", cfg.AgentsFile, err)
		}
		inner = &chainResolver{primary: repo, fallback: static}
	}
	return &validatingResolver{inner: inner, systemTools: systemTools}, nil
}
