package app

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"pipeyard/internal/config"
	"pipeyard/internal/db"
	"pipeyard/internal/domain"
	"pipeyard/internal/engine"
	"pipeyard/internal/engine/auth"
	"pipeyard/internal/migrate"
	"pipeyard/internal/repo"
)

// Open prepares a workspace: it opens the database, applies migrations,
// loads yard.yml and seeds its racks and operators. Without a yard.yml the
// default config is returned and nothing is seeded.
func Open(ctx context.Context, workspace string) (*sql.DB, *config.Config, error) {
	conn, err := db.Open(db.Config{Workspace: workspace})
	if err != nil {
		return nil, nil, err
	}
	if err := migrate.MigrateContext(ctx, conn); err != nil {
		conn.Close()
		return nil, nil, fmt.Errorf("migrate: %w", err)
	}
	cfg, err := config.LoadOptional(workspace)
	if err != nil {
		conn.Close()
		return nil, nil, err
	}
	if cfg == nil {
		return conn, config.Default("yard"), nil
	}
	if err := Seed(ctx, repo.Repo{DB: conn}, cfg, time.Now()); err != nil {
		conn.Close()
		return nil, nil, err
	}
	return conn, cfg, nil
}

// Seed writes the configured racks and operators. Racks that already exist
// keep their counters; only their definition is updated.
func Seed(ctx context.Context, r repo.Repo, cfg *config.Config, now time.Time) error {
	if cfg == nil {
		return nil
	}
	stamp := now.UTC().Format(time.RFC3339)
	tx, err := r.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	for _, rc := range cfg.Racks {
		linear, err := rc.LinearCapacity()
		if err != nil {
			return fmt.Errorf("rack %s: %w", rc.ID, err)
		}
		in := engine.RackInput{
			ID:             rc.ID,
			Area:           rc.Area,
			Name:           rc.Name,
			Mode:           domain.AllocationMode(rc.Mode),
			Capacity:       rc.Capacity,
			CapacityLinear: linear,
		}
		if err := engine.SeedRack(ctx, tx, r, in, stamp); err != nil {
			return fmt.Errorf("seed rack %s: %w", rc.ID, err)
		}
	}
	svc := auth.Service{Repo: r, Now: func() time.Time { return now }}
	for _, op := range cfg.Operators {
		if err := svc.Grant(ctx, tx, op); err != nil {
			return fmt.Errorf("seed operator %s: %w", op, err)
		}
	}
	return tx.Commit()
}
