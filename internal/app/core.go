// Package app wires the stores, vision backend, cache and services shared by
// the API and worker binaries.
package app

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/your-org/presence/internal/attendance"
	"github.com/your-org/presence/internal/cache"
	"github.com/your-org/presence/internal/config"
	"github.com/your-org/presence/internal/models"
	"github.com/your-org/presence/internal/recognition"
	"github.com/your-org/presence/internal/settings"
	"github.com/your-org/presence/internal/storage"
	"github.com/your-org/presence/internal/vision"
)

// hydrateConcurrency bounds parallel tenant hydration at startup.
const hydrateConcurrency = 4

// TenantLister enumerates tenants for startup hydration.
type TenantLister interface {
	ListTenants(ctx context.Context) ([]models.TenantID, error)
}

type Core struct {
	Config     *config.Config
	DB         *storage.PostgresStore
	MinIO      *storage.MinIOStore
	Vision     *vision.WorkerPool
	Cache      *cache.Cache
	Settings   *settings.Provider
	Attendance *attendance.Service

	closers []func()
}

// VisionFactory starts the inference pool; it returns a cleanup func.
type VisionFactory func(config.VisionConfig) (*vision.WorkerPool, func(), error)

// NewCore connects to Postgres and MinIO, starts the vision pool and restores
// the embedding cache from its snapshot file when one exists.
func NewCore(ctx context.Context, cfg *config.Config, newVision VisionFactory) (*Core, error) {
	c := &Core{Config: cfg}

	db, err := storage.NewPostgresStore(cfg.Database)
	if err != nil {
		return nil, fmt.Errorf("connect to postgres: %w", err)
	}
	c.DB = db
	c.closers = append(c.closers, db.Close)

	if cfg.Database.AutoMigrate {
		if err := db.Migrate(ctx); err != nil {
			c.Close()
			return nil, fmt.Errorf("migrate: %w", err)
		}
	}

	minioStore, err := storage.NewMinIOStore(cfg.MinIO)
	if err != nil {
		c.Close()
		return nil, fmt.Errorf("connect to minio: %w", err)
	}
	if err := minioStore.EnsureBucket(ctx); err != nil {
		slog.Warn("ensure minio bucket", "error", err)
	}
	c.MinIO = minioStore

	pool, cleanup, err := newVision(cfg.Vision)
	if err != nil {
		c.Close()
		return nil, fmt.Errorf("start vision: %w", err)
	}
	c.Vision = pool
	c.closers = append(c.closers, cleanup)

	c.Cache = cache.New(vision.ArcFaceTag(cfg.Vision.ModelVersion), db)
	if path := cfg.Cache.PersistPath; path != "" {
		n, err := c.Cache.LoadFromDisk(path)
		switch {
		case cache.IsNotExist(err):
		case err != nil:
			slog.Warn("cache snapshot unreadable, starting empty", "path", path, "error", err)
		default:
			slog.Info("cache restored from snapshot", "path", path, "tenants", n)
		}
	}

	defaults := models.DefaultSettings()
	defaults.ConfidenceThreshold = cfg.Recognition.DefaultThreshold
	c.Settings = settings.NewProvider(db, cfg.Recognition.SettingsTTL, defaults)
	c.Attendance = attendance.NewService(db)
	return c, nil
}

// Recognition builds the recognition service publishing to events.
func (c *Core) Recognition(events recognition.EventPublisher) *recognition.Service {
	return recognition.NewService(recognition.Deps{
		Generator:  c.Vision,
		Cache:      c.Cache,
		Attendance: c.Attendance,
		Settings:   c.Settings,
		Identities: c.DB,
		Images:     c.MinIO,
		Events:     events,
	}, recognition.Config{
		RequestTimeout: c.Config.Recognition.RequestTimeout,
		LowConfWindow:  c.Config.Recognition.LowConfWindow,
	})
}

// HydrateAll hydrates every tenant the lister reports. A failing tenant is
// logged and skipped; it is hydrated again on first use.
func HydrateAll(ctx context.Context, c *cache.Cache, lister TenantLister) error {
	tenants, err := lister.ListTenants(ctx)
	if err != nil {
		return err
	}
	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(hydrateConcurrency)
	for _, t := range tenants {
		g.Go(func() error {
			if _, err := c.Hydrate(ctx, t); err != nil {
				if ctx.Err() != nil {
					return ctx.Err()
				}
				slog.Error("hydrate tenant", "tenant", t, "error", err)
			}
			return nil
		})
	}
	return g.Wait()
}

// RunRefreshLoop re-hydrates every cached tenant on interval until ctx is done.
// Processes that never enroll use it to pick up enrollments made elsewhere.
func RunRefreshLoop(ctx context.Context, c *cache.Cache, interval time.Duration) {
	if interval <= 0 {
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			for _, t := range c.Tenants() {
				if _, err := c.Hydrate(ctx, t); err != nil && ctx.Err() == nil {
					slog.Warn("cache refresh failed", "tenant", t, "error", err)
				}
			}
		}
	}
}

// Close releases resources in reverse order of acquisition.
func (c *Core) Close() {
	for i := len(c.closers) - 1; i >= 0; i-- {
		c.closers[i]()
	}
	c.closers = nil
}
