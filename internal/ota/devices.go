package ota

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// ErrDeviceNotFound is returned for MACs with no registry row.
var ErrDeviceNotFound = errors.New("device not registered")

// DeviceRegistry answers the "is this MAC bound" question and resolves the
// MAC ↔ UUID duality: the wire speaks MAC, the database speaks UUID.
type DeviceRegistry interface {
	FindByMAC(ctx context.Context, mac string) (uuid.UUID, error)
}

// PGRegistry is the Postgres device registry.
type PGRegistry struct {
	pool *pgxpool.Pool
}

func NewPGRegistry(pool *pgxpool.Pool) *PGRegistry {
	return &PGRegistry{pool: pool}
}

func (r *PGRegistry) FindByMAC(ctx context.Context, mac string) (uuid.UUID, error) {
	var id uuid.UUID
	err := r.pool.QueryRow(ctx,
		`SELECT id FROM devices WHERE mac = $1 AND deleted_at IS NULL`, mac).Scan(&id)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return uuid.Nil, ErrDeviceNotFound
		}
		return uuid.Nil, fmt.Errorf("find device by mac: %w", err)
	}
	return id, nil
}

// Register creates the registry row; the user-facing binding flow calls it
// after consuming an activation code.
func (r *PGRegistry) Register(ctx context.Context, mac string) (uuid.UUID, error) {
	id := uuid.New()
	now := time.Now().UTC()
	_, err := r.pool.Exec(ctx,
		`INSERT INTO devices (id, mac, created_at, updated_at) VALUES ($1, $2, $3, $3)
		 ON CONFLICT (mac) DO NOTHING`, id, mac, now)
	if err != nil {
		return uuid.Nil, fmt.Errorf("register device: %w", err)
	}
	return r.FindByMAC(ctx, mac)
}
