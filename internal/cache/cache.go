package cache

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/your-org/presence/internal/models"
	"github.com/your-org/presence/internal/observability"
)

var (
	// ErrDimensionMismatch is returned when a vector does not fit the pool or model dimension.
	ErrDimensionMismatch = errors.New("embedding dimension mismatch")
	// ErrModelMismatch is returned when an entry was produced by a different model.
	ErrModelMismatch = errors.New("embedding model mismatch")
	ErrUnknownPool   = errors.New("unknown pool")
)

// Source is the bulk read side of the identity store.
type Source interface {
	ReadAllGenerated(ctx context.Context, tenant models.TenantID) ([]models.StoredEmbedding, error)
}

// HydrateCounts reports what a hydration loaded. Stale entries were produced by a
// different model and need re-enrollment.
type HydrateCounts struct {
	Students int `json:"students"`
	Staff    int `json:"staff"`
	Stale    int `json:"stale"`
}

// Stats is a point-in-time summary for readiness and metrics.
type Stats struct {
	Tenants  int               `json:"tenants"`
	Students int               `json:"students"`
	Staff    int               `json:"staff"`
	Model    models.ModelTag   `json:"model"`
	Dirty    bool              `json:"dirty"`
	Loaded   map[string]string `json:"loaded,omitempty"`
}

type tenantMap map[models.TenantID]*TenantSnapshot

// Cache holds tenant-partitioned embeddings. Reads are lock-free loads of an
// immutable snapshot; writers serialize on mu and publish a new map.
type Cache struct {
	tag    models.ModelTag
	source Source

	mu       sync.Mutex
	tenants  atomic.Pointer[tenantMap]
	loadedAt map[models.TenantID]time.Time
	dirty    atomic.Bool
}

// New creates an empty cache for embeddings produced by tag. A zero tag accepts
// any model but still enforces one dimension per pool.
func New(tag models.ModelTag, source Source) *Cache {
	c := &Cache{tag: tag, source: source, loadedAt: make(map[models.TenantID]time.Time)}
	empty := tenantMap{}
	c.tenants.Store(&empty)
	return c
}

func (c *Cache) Tag() models.ModelTag { return c.tag }

// Snapshot returns the current view of a tenant. Unknown tenants get an empty
// snapshot, never another tenant's data.
func (c *Cache) Snapshot(tenant models.TenantID) (*TenantSnapshot, error) {
	if err := tenant.Validate(); err != nil {
		return nil, err
	}
	if t, ok := (*c.tenants.Load())[tenant]; ok {
		return t, nil
	}
	return emptyTenant(tenant, c.tag.Dim), nil
}

// Hydrate replaces a tenant's pools with everything the source reports as
// generated. The new snapshot is built before it is published, so matching
// during hydration sees the previous state.
func (c *Cache) Hydrate(ctx context.Context, tenant models.TenantID) (HydrateCounts, error) {
	if err := tenant.Validate(); err != nil {
		return HydrateCounts{}, err
	}
	if c.source == nil {
		return HydrateCounts{}, errors.New("cache has no source")
	}
	start := time.Now()

	rows, err := c.source.ReadAllGenerated(ctx, tenant)
	if err != nil {
		return HydrateCounts{}, fmt.Errorf("read generated embeddings for %s: %w", tenant, err)
	}

	var counts HydrateCounts
	pools := map[models.Role]map[string]Entry{
		models.RoleStudent: {},
		models.RoleStaff:   {},
	}
	dims := map[models.Role]int{models.RoleStudent: c.tag.Dim, models.RoleStaff: c.tag.Dim}
	for _, r := range rows {
		if err := ctx.Err(); err != nil {
			return HydrateCounts{}, err
		}
		pool, ok := pools[r.Role]
		if !ok {
			slog.Warn("skipping embedding with unknown role", "tenant", tenant, "identity", r.IdentityID, "role", r.Role)
			continue
		}
		if !c.accepts(r.ModelTag, len(r.Vector), dims[r.Role]) {
			counts.Stale++
			continue
		}
		if dims[r.Role] == 0 {
			dims[r.Role] = len(r.Vector)
		}
		pool[r.IdentityID] = Entry{
			Vector:      normalizedCopy(r.Vector),
			DisplayName: r.DisplayName,
			Role:        r.Role,
			ModelTag:    r.ModelTag,
		}
	}
	counts.Students = len(pools[models.RoleStudent])
	counts.Staff = len(pools[models.RoleStaff])

	snap := &TenantSnapshot{
		Tenant:  tenant,
		Student: newPoolSnapshot(models.RoleStudent, dims[models.RoleStudent], pools[models.RoleStudent]),
		Staff:   newPoolSnapshot(models.RoleStaff, dims[models.RoleStaff], pools[models.RoleStaff]),
	}

	c.mu.Lock()
	c.publish(tenant, snap)
	c.loadedAt[tenant] = time.Now()
	c.mu.Unlock()

	observability.HydrateDuration.Observe(time.Since(start).Seconds())
	if counts.Stale > 0 {
		slog.Warn("stale embeddings excluded from cache, re-enrollment required",
			"tenant", tenant, "stale", counts.Stale, "model", c.tag.String())
	}
	slog.Info("cache hydrated", "tenant", tenant,
		"students", counts.Students, "staff", counts.Staff, "duration", time.Since(start))
	return counts, nil
}

// Upsert sets one entry. Readers holding an older snapshot keep seeing the old vector.
func (c *Cache) Upsert(tenant models.TenantID, id string, e Entry) error {
	if err := tenant.Validate(); err != nil {
		return err
	}
	if id == "" {
		return errors.New("identity id is required")
	}
	if !c.tag.IsZero() && !e.ModelTag.IsZero() && e.ModelTag != c.tag {
		return fmt.Errorf("%w: entry %s, cache %s", ErrModelMismatch, e.ModelTag, c.tag)
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	cur := c.current(tenant)
	pool := cur.Pool(e.Role)
	if pool == nil {
		return fmt.Errorf("%w: %q", ErrUnknownPool, e.Role)
	}
	want := pool.dim
	if want == 0 {
		want = c.tag.Dim
	}
	if len(e.Vector) == 0 || (want != 0 && len(e.Vector) != want) {
		return fmt.Errorf("%w: got %d, want %d", ErrDimensionMismatch, len(e.Vector), want)
	}

	e.Vector = normalizedCopy(e.Vector)
	if e.ModelTag.IsZero() {
		e.ModelTag = c.tag
	}
	next := cur
	// an identity lives in exactly one pool
	if other := c.otherPool(cur, e.Role); other != nil {
		if stripped := other.without(id); stripped != other {
			next = next.withPool(stripped)
		}
	}
	next = next.withPool(pool.with(id, e))
	c.publish(tenant, next)
	return nil
}

// Remove evicts id from the pool of role. Removing an absent id is a no-op.
func (c *Cache) Remove(tenant models.TenantID, role models.Role, id string) error {
	if err := tenant.Validate(); err != nil {
		return err
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	cur, ok := (*c.tenants.Load())[tenant]
	if !ok {
		return nil
	}
	pool := cur.Pool(role)
	if pool == nil {
		return fmt.Errorf("%w: %q", ErrUnknownPool, role)
	}
	stripped := pool.without(id)
	if stripped == pool {
		return nil
	}
	c.publish(tenant, cur.withPool(stripped))
	return nil
}

// RemoveAll evicts id from every pool of tenant in one swap. Callers that do
// not trust the role they were given use it.
func (c *Cache) RemoveAll(tenant models.TenantID, id string) error {
	if err := tenant.Validate(); err != nil {
		return err
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	cur, ok := (*c.tenants.Load())[tenant]
	if !ok {
		return nil
	}
	next := cur
	for _, pool := range []*PoolSnapshot{cur.Student, cur.Staff} {
		if stripped := pool.without(id); stripped != pool {
			next = next.withPool(stripped)
		}
	}
	if next == cur {
		return nil
	}
	c.publish(tenant, next)
	return nil
}

// Drop forgets a tenant entirely.
func (c *Cache) Drop(tenant models.TenantID) {
	c.mu.Lock()
	defer c.mu.Unlock()
	old := *c.tenants.Load()
	if _, ok := old[tenant]; !ok {
		return
	}
	next := make(tenantMap, len(old))
	for k, v := range old {
		if k != tenant {
			next[k] = v
		}
	}
	c.tenants.Store(&next)
	delete(c.loadedAt, tenant)
	c.dirty.Store(true)
	observability.CacheEntries.DeleteLabelValues(string(tenant), string(models.RoleStudent))
	observability.CacheEntries.DeleteLabelValues(string(tenant), string(models.RoleStaff))
}

// LoadedAt reports when tenant was last hydrated or restored from disk.
func (c *Cache) LoadedAt(tenant models.TenantID) (time.Time, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	at, ok := c.loadedAt[tenant]
	return at, ok
}

// EnsureHydrated hydrates tenant unless it has been loaded before.
func (c *Cache) EnsureHydrated(ctx context.Context, tenant models.TenantID) error {
	if _, ok := c.LoadedAt(tenant); ok {
		return nil
	}
	_, err := c.Hydrate(ctx, tenant)
	return err
}

// Tenants lists cached tenants in sorted order.
func (c *Cache) Tenants() []models.TenantID {
	return sortedTenants(*c.tenants.Load())
}

func sortedTenants(m tenantMap) []models.TenantID {
	out := make([]models.TenantID, 0, len(m))
	for t := range m {
		out = append(out, t)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

func (c *Cache) Stats() Stats {
	c.mu.Lock()
	loaded := make(map[string]string, len(c.loadedAt))
	for t, at := range c.loadedAt {
		loaded[string(t)] = at.UTC().Format(time.RFC3339)
	}
	c.mu.Unlock()

	s := Stats{Model: c.tag, Dirty: c.dirty.Load(), Loaded: loaded}
	for _, t := range *c.tenants.Load() {
		s.Tenants++
		s.Students += t.Student.Len()
		s.Staff += t.Staff.Len()
	}
	return s
}

// accepts reports whether an embedding produced by tag with dim values may join
// a pool currently holding poolDim-sized vectors.
func (c *Cache) accepts(tag models.ModelTag, dim, poolDim int) bool {
	if dim == 0 {
		return false
	}
	if !c.tag.IsZero() && tag != c.tag {
		return false
	}
	return poolDim == 0 || dim == poolDim
}

// current must be called with mu held.
func (c *Cache) current(tenant models.TenantID) *TenantSnapshot {
	if t, ok := (*c.tenants.Load())[tenant]; ok {
		return t
	}
	return emptyTenant(tenant, c.tag.Dim)
}

func (c *Cache) otherPool(t *TenantSnapshot, role models.Role) *PoolSnapshot {
	if role == models.RoleStudent {
		return t.Staff
	}
	return t.Student
}

// publish must be called with mu held.
func (c *Cache) publish(tenant models.TenantID, snap *TenantSnapshot) {
	old := *c.tenants.Load()
	next := make(tenantMap, len(old)+1)
	for k, v := range old {
		next[k] = v
	}
	next[tenant] = snap
	c.tenants.Store(&next)
	c.dirty.Store(true)
	c.publishGauges(tenant, snap)
}

func (c *Cache) publishGauges(tenant models.TenantID, snap *TenantSnapshot) {
	observability.CacheEntries.WithLabelValues(string(tenant), string(models.RoleStudent)).Set(float64(snap.Student.Len()))
	observability.CacheEntries.WithLabelValues(string(tenant), string(models.RoleStaff)).Set(float64(snap.Staff.Len()))
}

func normalizedCopy(v []float32) []float32 {
	out := make([]float32, len(v))
	copy(out, v)
	normalizeRow(out)
	return out
}
