package settings

import (
	"context"
	"log/slog"
	"time"

	gocache "github.com/patrickmn/go-cache"
	"golang.org/x/time/rate"

	"github.com/your-org/presence/internal/models"
)

// Store is the read side of tenant configuration.
type Store interface {
	LoadSettings(ctx context.Context, tenant models.TenantID) (models.Settings, bool, error)
}

// Provider serves per-tenant settings from a short-lived cache in front of the store.
// Tenants without a row, or with an invalid one, get the defaults.
type Provider struct {
	store    Store
	cache    *gocache.Cache
	defaults models.Settings
	warn     rate.Sometimes
}

func NewProvider(store Store, ttl time.Duration, defaults models.Settings) *Provider {
	if ttl <= 0 {
		ttl = time.Minute
	}
	return &Provider{
		store:    store,
		cache:    gocache.New(ttl, 2*ttl),
		defaults: defaults,
		warn:     rate.Sometimes{First: 1, Interval: 30 * time.Second},
	}
}

func (p *Provider) Get(ctx context.Context, tenant models.TenantID) (models.Settings, error) {
	if err := tenant.Validate(); err != nil {
		return models.Settings{}, err
	}
	if v, ok := p.cache.Get(string(tenant)); ok {
		return v.(models.Settings), nil
	}
	if p.store == nil {
		return p.defaults, nil
	}

	st, found, err := p.store.LoadSettings(ctx, tenant)
	if err != nil {
		// not cached, so the next call retries the store
		p.warn.Do(func() {
			slog.Warn("tenant settings unavailable, using defaults", "tenant", tenant, "error", err)
		})
		return p.defaults, nil
	}
	if !found {
		st = p.defaults
	} else if err := st.Validate(); err != nil {
		slog.Warn("invalid tenant settings, using defaults", "tenant", tenant, "error", err)
		st = p.defaults
	}
	p.cache.SetDefault(string(tenant), st)
	return st, nil
}

// Invalidate drops the cached settings of a tenant.
func (p *Provider) Invalidate(tenant models.TenantID) {
	p.cache.Delete(string(tenant))
}
