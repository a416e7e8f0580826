package jobs

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	gocache "github.com/patrickmn/go-cache"
	"golang.org/x/sync/errgroup"

	"github.com/your-org/presence/internal/cache"
	"github.com/your-org/presence/internal/models"
	"github.com/your-org/presence/internal/observability"
	"github.com/your-org/presence/internal/vision"
)

var (
	ErrJobNotFound = errors.New("generation job not found")
	ErrJobRunning  = errors.New("a generation job is already running for this tenant")
	ErrClosed      = errors.New("job tracker closed")
)

// maxItemErrors bounds the per-job error list; further failures are only counted.
const maxItemErrors = 1000

type Scope string

const (
	ScopeAll     Scope = "all"
	ScopeMissing Scope = "missing"
)

func ParseScope(s string) (Scope, error) {
	switch Scope(s) {
	case ScopeAll, "":
		return ScopeAll, nil
	case ScopeMissing:
		return ScopeMissing, nil
	}
	return "", fmt.Errorf("unknown scope %q", s)
}

// Population lists the identities a job iterates.
type Population interface {
	ListIdentities(ctx context.Context, tenant models.TenantID, q models.IdentityQuery) ([]models.Identity, error)
}

// Images loads the canonical enrollment image of an identity.
type Images interface {
	LoadEnrollmentImage(ctx context.Context, tenant models.TenantID, ident models.Identity) ([]byte, error)
}

type Generator interface {
	Generate(ctx context.Context, image []byte) (*vision.Embedding, error)
}

// EmbeddingWriter persists one embedding result. A nil vector records a failure.
type EmbeddingWriter interface {
	WriteEmbedding(ctx context.Context, tenant models.TenantID, id string, vector []float32,
		status models.EmbeddingStatus, tag models.ModelTag, reason string) error
}

// Deps are the collaborators a job needs per item.
type Deps struct {
	Population Population
	Images     Images
	Generator  Generator
	Store      EmbeddingWriter
	Cache      *cache.Cache
}

type ItemError struct {
	IdentityID string `json:"identity_id"`
	Kind       string `json:"kind"`
	Message    string `json:"message"`
}

// Snapshot is a read-only copy of a job's progress.
type Snapshot struct {
	ID            string               `json:"id"`
	Tenant        models.TenantID      `json:"tenant_id"`
	Scope         Scope                `json:"scope"`
	Filter        models.IdentityQuery `json:"filter"`
	Total         int                  `json:"total"`
	Processed     int                  `json:"processed"`
	Successful    int                  `json:"successful"`
	Failed        int                  `json:"failed"`
	Running       bool                 `json:"running"`
	Cancelled     bool                 `json:"cancelled"`
	StartedAt     time.Time            `json:"started_at"`
	CompletedAt   *time.Time           `json:"completed_at,omitempty"`
	Errors        []ItemError          `json:"errors"`
	ErrorsDropped int                  `json:"errors_dropped,omitempty"`
}

// job is mutated only by its own run goroutine; mu publishes the state to readers.
type job struct {
	mu     sync.RWMutex
	state  Snapshot
	cancel context.CancelFunc
}

func (j *job) snapshot() Snapshot {
	j.mu.RLock()
	defer j.mu.RUnlock()
	s := j.state
	s.Errors = append([]ItemError(nil), j.state.Errors...)
	return s
}

type Config struct {
	Concurrency int
	Retention   time.Duration
}

// Tracker starts, tracks and reclaims bulk generation jobs.
type Tracker struct {
	deps        Deps
	concurrency int
	jobs        *gocache.Cache

	mu      sync.Mutex
	running map[models.TenantID]string
	closed  bool

	base context.Context
	stop context.CancelFunc
	wg   sync.WaitGroup
}

func NewTracker(deps Deps, cfg Config) *Tracker {
	if cfg.Concurrency < 1 {
		cfg.Concurrency = 1
	}
	if cfg.Retention <= 0 {
		cfg.Retention = time.Hour
	}
	base, stop := context.WithCancel(context.Background())
	return &Tracker{
		deps:        deps,
		concurrency: cfg.Concurrency,
		jobs:        gocache.New(cfg.Retention, cfg.Retention),
		running:     make(map[models.TenantID]string),
		base:        base,
		stop:        stop,
	}
}

// Start snapshots the population and begins processing it in the background.
func (t *Tracker) Start(ctx context.Context, tenant models.TenantID, scope Scope, filter models.IdentityQuery) (string, error) {
	if err := tenant.Validate(); err != nil {
		return "", err
	}
	filter.MissingOnly = scope == ScopeMissing

	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return "", ErrClosed
	}
	if id, ok := t.running[tenant]; ok {
		t.mu.Unlock()
		return "", fmt.Errorf("%w: %s", ErrJobRunning, id)
	}
	id := uuid.NewString()
	t.running[tenant] = id
	t.mu.Unlock()

	items, err := t.deps.Population.ListIdentities(ctx, tenant, filter)
	if err != nil {
		t.release(tenant)
		return "", fmt.Errorf("list identities: %w", err)
	}

	jobCtx, cancel := context.WithCancel(t.base)
	j := &job{
		cancel: cancel,
		state: Snapshot{
			ID:        id,
			Tenant:    tenant,
			Scope:     scope,
			Filter:    filter,
			Total:     len(items),
			Running:   true,
			StartedAt: time.Now().UTC(),
			Errors:    []ItemError{},
		},
	}
	t.jobs.Set(id, j, gocache.NoExpiration)

	slog.Info("generation job started", "job", id, "tenant", tenant, "scope", scope, "total", len(items))
	t.wg.Add(1)
	go t.run(jobCtx, j, items)
	return id, nil
}

func (t *Tracker) Status(id string) (Snapshot, error) {
	j, ok := t.get(id)
	if !ok {
		return Snapshot{}, ErrJobNotFound
	}
	return j.snapshot(), nil
}

// Cancel asks a running job to stop after its in-flight items. Cancelling a
// finished job is a no-op.
func (t *Tracker) Cancel(id string) error {
	j, ok := t.get(id)
	if !ok {
		return ErrJobNotFound
	}
	j.cancel()
	return nil
}

// List returns retained jobs of tenant, newest first.
func (t *Tracker) List(tenant models.TenantID) []Snapshot {
	var out []Snapshot
	for _, item := range t.jobs.Items() {
		j, ok := item.Object.(*job)
		if !ok {
			continue
		}
		s := j.snapshot()
		if s.Tenant == tenant {
			out = append(out, s)
		}
	}
	sort.Slice(out, func(a, b int) bool { return out[a].StartedAt.After(out[b].StartedAt) })
	return out
}

// Close cancels all running jobs and waits for them to finish.
func (t *Tracker) Close() {
	t.mu.Lock()
	t.closed = true
	t.mu.Unlock()
	t.stop()
	t.wg.Wait()
}

func (t *Tracker) get(id string) (*job, bool) {
	v, ok := t.jobs.Get(id)
	if !ok {
		return nil, false
	}
	j, ok := v.(*job)
	return j, ok
}

func (t *Tracker) release(tenant models.TenantID) {
	t.mu.Lock()
	delete(t.running, tenant)
	t.mu.Unlock()
}

type itemResult struct {
	id      string
	skipped bool
	err     *ItemError
}

func (t *Tracker) run(ctx context.Context, j *job, items []models.Identity) {
	defer t.wg.Done()
	defer j.cancel()

	tenant := j.state.Tenant
	results := make(chan itemResult)

	go func() {
		var g errgroup.Group
		g.SetLimit(t.concurrency)
		for _, ident := range items {
			if ctx.Err() != nil {
				break
			}
			g.Go(func() error {
				results <- t.process(ctx, tenant, ident)
				return nil
			})
		}
		_ = g.Wait()
		close(results)
	}()

	for r := range results {
		if r.skipped {
			continue
		}
		j.mu.Lock()
		j.state.Processed++
		if r.err == nil {
			j.state.Successful++
		} else {
			j.state.Failed++
			if len(j.state.Errors) < maxItemErrors {
				j.state.Errors = append(j.state.Errors, *r.err)
			} else {
				j.state.ErrorsDropped++
			}
		}
		j.mu.Unlock()
	}

	done := time.Now().UTC()
	j.mu.Lock()
	j.state.Running = false
	j.state.Cancelled = ctx.Err() != nil && j.state.Processed < j.state.Total
	j.state.CompletedAt = &done
	final := j.state
	j.mu.Unlock()

	t.release(tenant)
	t.jobs.Set(final.ID, j, gocache.DefaultExpiration)

	slog.Info("generation job finished", "job", final.ID, "tenant", tenant,
		"total", final.Total, "successful", final.Successful, "failed", final.Failed,
		"cancelled", final.Cancelled, "duration", done.Sub(final.StartedAt))
}

// process regenerates one identity. Cache and store writes happen outside any
// job lock; the worker pool bounds inference itself.
func (t *Tracker) process(ctx context.Context, tenant models.TenantID, ident models.Identity) itemResult {
	if ctx.Err() != nil {
		return itemResult{id: ident.ID, skipped: true}
	}

	fail := func(kind string, err error) itemResult {
		observability.JobItems.WithLabelValues("failed").Inc()
		slog.Debug("generation item failed", "tenant", tenant, "identity", ident.ID, "kind", kind, "error", err)
		return itemResult{id: ident.ID, err: &ItemError{IdentityID: ident.ID, Kind: kind, Message: err.Error()}}
	}

	img, err := t.deps.Images.LoadEnrollmentImage(ctx, tenant, ident)
	if err != nil {
		if ctx.Err() != nil {
			return itemResult{id: ident.ID, skipped: true}
		}
		// a missing image says nothing about a vector generated earlier
		if ident.EmbeddingStatus != models.EmbeddingGenerated {
			t.markFailed(ctx, tenant, ident, err)
		}
		return fail("image_unavailable", err)
	}

	emb, err := t.deps.Generator.Generate(ctx, img)
	if err != nil {
		if ctx.Err() != nil {
			return itemResult{id: ident.ID, skipped: true}
		}
		t.markFailed(ctx, tenant, ident, err)
		return fail(string(vision.KindOf(err)), err)
	}

	if err := t.deps.Store.WriteEmbedding(ctx, tenant, ident.ID, emb.Vector, models.EmbeddingGenerated, emb.Tag, ""); err != nil {
		return fail("store_error", err)
	}
	if t.deps.Cache != nil {
		err := t.deps.Cache.Upsert(tenant, ident.ID, cache.Entry{
			Vector:      emb.Vector,
			DisplayName: ident.DisplayName,
			Role:        ident.Role,
			ModelTag:    emb.Tag,
		})
		if err != nil {
			return fail("cache_error", err)
		}
	}

	observability.JobItems.WithLabelValues("successful").Inc()
	return itemResult{id: ident.ID}
}

// markFailed records the failure and evicts the identity, so a vector the store
// no longer holds cannot keep matching.
func (t *Tracker) markFailed(ctx context.Context, tenant models.TenantID, ident models.Identity, cause error) {
	if err := t.deps.Store.WriteEmbedding(ctx, tenant, ident.ID, nil, models.EmbeddingFailed, models.ModelTag{}, cause.Error()); err != nil {
		slog.Warn("failed to record embedding failure", "tenant", tenant, "identity", ident.ID, "error", err)
	}
	if t.deps.Cache == nil {
		return
	}
	if err := t.deps.Cache.RemoveAll(tenant, ident.ID); err != nil {
		slog.Warn("failed to evict identity after generation failure", "tenant", tenant, "identity", ident.ID, "error", err)
	}
}
