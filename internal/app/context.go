package app

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"

	"artline/internal/config"
	"artline/internal/db"
	"artline/internal/engine"
	"artline/internal/engine/auth"
	"artline/internal/migrate"
	"artline/internal/registry"
	"artline/internal/repo"
)

// Runtime is an opened workspace: database, config, engine and the registry
// backing it. Close releases all of them.
type Runtime struct {
	DB       *sql.DB
	Config   *config.Config
	Engine   engine.Engine
	Registry registry.Registry
	closers  []func() error
}

func (rt *Runtime) Close() error {
	var first error
	for i := len(rt.closers) - 1; i >= 0; i-- {
		if err := rt.closers[i](); err != nil && first == nil {
			first = err
		}
	}
	return first
}

// Open migrates the workspace database, loads artline.yml (or defaults) and
// seeds RBAC from it. A configured redis URL wraps the registry in a cache.
func Open(ctx context.Context, workspace string, log logrus.FieldLogger) (*Runtime, error) {
	cfg, err := config.LoadOrDefault(workspace)
	if err != nil {
		return nil, err
	}
	conn, err := db.Open(db.Config{Workspace: workspace})
	if err != nil {
		return nil, err
	}
	rt := &Runtime{DB: conn, Config: cfg, closers: []func() error{conn.Close}}
	if err := migrate.MigrateContext(ctx, conn); err != nil {
		rt.Close()
		return nil, err
	}
	if err := SeedRBAC(ctx, repo.Repo{DB: conn}, cfg); err != nil {
		rt.Close()
		return nil, fmt.Errorf("seed rbac: %w", err)
	}
	var reg registry.Registry = registry.SQL{DB: conn}
	if url := cfg.Registry.Cache.RedisURL; url != "" {
		cached, err := registry.NewCached(reg, url, cfg.CacheTTL(), log)
		if err != nil {
			rt.Close()
			return nil, err
		}
		rt.closers = append(rt.closers, cached.Close)
		reg = cached
	}
	rt.Registry = reg
	rt.Engine = engine.New(conn, cfg, reg)
	if log != nil {
		rt.Engine.Log = log
	}
	return rt, nil
}

// SeedRBAC upserts every known permission and the configured roles.
func SeedRBAC(ctx context.Context, r repo.Repo, cfg *config.Config) error {
	tx, err := r.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	for _, action := range auth.Actions {
		if err := r.InsertPermission(ctx, tx, action, ""); err != nil {
			return err
		}
	}
	if cfg != nil {
		for roleID, role := range cfg.RBAC.Roles {
			if err := r.InsertRole(ctx, tx, roleID, role.Description); err != nil {
				return err
			}
			for _, perm := range role.Permissions {
				if err := r.InsertPermission(ctx, tx, perm, ""); err != nil {
					return err
				}
				if err := r.AddRolePermission(ctx, tx, roleID, perm); err != nil {
					return err
				}
			}
		}
	}
	return tx.Commit()
}

// Bootstrap grants role to actorID without an RBAC check. It exists so the
// first administrator of a fresh workspace can be created locally.
func Bootstrap(ctx context.Context, r repo.Repo, actorID, roleID string) error {
	if actorID == "" || roleID == "" {
		return fmt.Errorf("actor and role required")
	}
	tx, err := r.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	ok, err := r.RoleExists(ctx, tx, roleID)
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("role %s is not configured", roleID)
	}
	if err := r.EnsureActor(ctx, tx, actorID, time.Now().UTC().Format(time.RFC3339)); err != nil {
		return err
	}
	if err := r.AssignRole(ctx, tx, actorID, roleID); err != nil {
		return err
	}
	return tx.Commit()
}
