package recognition

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/your-org/presence/internal/attendance"
	"github.com/your-org/presence/internal/cache"
	"github.com/your-org/presence/internal/matching"
	"github.com/your-org/presence/internal/models"
	"github.com/your-org/presence/internal/observability"
	"github.com/your-org/presence/internal/vision"
)

var ErrDuplicateEnrollment = errors.New("identity already has an enrolled embedding")

// Generator produces embeddings; satisfied by *vision.WorkerPool.
type Generator interface {
	Generate(ctx context.Context, image []byte) (*vision.Embedding, error)
}

// IdentityStore is the authoritative identity record store.
type IdentityStore interface {
	GetIdentity(ctx context.Context, tenant models.TenantID, id string) (*models.Identity, error)
	UpsertIdentity(ctx context.Context, ident models.Identity) error
	WriteEmbedding(ctx context.Context, tenant models.TenantID, id string, vector []float32,
		status models.EmbeddingStatus, tag models.ModelTag, reason string) error
}

// ImageStore keeps the canonical enrollment image so bulk jobs can regenerate.
type ImageStore interface {
	PutEnrollmentImage(ctx context.Context, tenant models.TenantID, id string, data []byte) (string, error)
}

type SettingsProvider interface {
	Get(ctx context.Context, tenant models.TenantID) (models.Settings, error)
}

// EventPublisher receives one event per recognition attempt.
type EventPublisher interface {
	PublishEvent(ctx context.Context, ev models.RecognitionEvent) error
}

type Deps struct {
	Generator  Generator
	Cache      *cache.Cache
	Engine     *matching.Engine
	Attendance *attendance.Service
	Settings   SettingsProvider
	Identities IdentityStore
	Images     ImageStore
	Events     EventPublisher
}

type Config struct {
	RequestTimeout time.Duration
	LowConfWindow  time.Duration
}

// Service implements enrollment and recognition on top of the pipeline, cache,
// matcher and attendance state machine.
type Service struct {
	deps    Deps
	timeout time.Duration
	lowConf *lowConfidence
}

func NewService(deps Deps, cfg Config) *Service {
	if deps.Engine == nil && deps.Cache != nil {
		deps.Engine = matching.NewEngine(deps.Cache)
	}
	return &Service{
		deps:    deps,
		timeout: cfg.RequestTimeout,
		lowConf: newLowConfidence(cfg.LowConfWindow),
	}
}

type EnrollRequest struct {
	IdentityID  string
	DisplayName string
	Role        models.Role
	Image       []byte
	// Update allows replacing an existing embedding.
	Update bool
}

type EnrollResult struct {
	Status models.EmbeddingStatus `json:"status"`
	Reason string                 `json:"reason,omitempty"`
	Model  models.ModelTag        `json:"model"`
}

// Enroll stores the image, generates the embedding and publishes it to the
// store and cache. Pipeline failures are reported as a Failed result, not an error.
func (s *Service) Enroll(ctx context.Context, tenant models.TenantID, req EnrollRequest) (EnrollResult, error) {
	if err := tenant.Validate(); err != nil {
		return EnrollResult{}, err
	}
	if req.IdentityID == "" {
		return EnrollResult{}, errors.New("identity_id is required")
	}
	if req.Role != models.RoleStudent && req.Role != models.RoleStaff {
		return EnrollResult{}, fmt.Errorf("unknown role %q", req.Role)
	}
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	existing, err := s.deps.Identities.GetIdentity(ctx, tenant, req.IdentityID)
	switch {
	case errors.Is(err, models.ErrIdentityNotFound):
	case err != nil:
		return EnrollResult{}, fmt.Errorf("look up identity: %w", err)
	case existing.EmbeddingStatus == models.EmbeddingGenerated && !req.Update:
		return EnrollResult{}, fmt.Errorf("%w: %s", ErrDuplicateEnrollment, req.IdentityID)
	}

	ident := models.Identity{
		ID:              req.IdentityID,
		TenantID:        tenant,
		DisplayName:     req.DisplayName,
		Role:            req.Role,
		EmbeddingStatus: models.EmbeddingPending,
	}
	if s.deps.Images != nil {
		key, err := s.deps.Images.PutEnrollmentImage(ctx, tenant, req.IdentityID, req.Image)
		if err != nil {
			return EnrollResult{}, fmt.Errorf("store enrollment image: %w", err)
		}
		ident.ImageKey = key
	}
	if err := s.deps.Identities.UpsertIdentity(ctx, ident); err != nil {
		return EnrollResult{}, err
	}

	emb, err := s.deps.Generator.Generate(ctx, req.Image)
	if err != nil {
		if vision.KindOf(err) == "" {
			return EnrollResult{}, err
		}
		reason := string(vision.KindOf(err))
		if werr := s.deps.Identities.WriteEmbedding(ctx, tenant, req.IdentityID, nil, models.EmbeddingFailed, models.ModelTag{}, err.Error()); werr != nil {
			return EnrollResult{}, fmt.Errorf("record failed enrollment: %w", werr)
		}
		// a failed regeneration must not leave the previous vector matchable
		if rerr := s.deps.Cache.RemoveAll(tenant, req.IdentityID); rerr != nil {
			slog.Warn("cache eviction after failed enrollment", "tenant", tenant, "identity", req.IdentityID, "error", rerr)
		}
		observability.Enrollments.WithLabelValues(string(tenant), string(models.EmbeddingFailed)).Inc()
		slog.Info("enrollment failed", "tenant", tenant, "identity", req.IdentityID, "reason", reason)
		return EnrollResult{Status: models.EmbeddingFailed, Reason: reason}, nil
	}

	if err := s.deps.Identities.WriteEmbedding(ctx, tenant, req.IdentityID, emb.Vector, models.EmbeddingGenerated, emb.Tag, ""); err != nil {
		return EnrollResult{}, fmt.Errorf("write embedding: %w", err)
	}
	// load the rest of the tenant first so the upsert does not start a one-entry snapshot
	if err := s.deps.Cache.EnsureHydrated(ctx, tenant); err != nil {
		slog.Warn("cache hydrate before enrollment upsert failed", "tenant", tenant, "error", err)
	}
	if err := s.deps.Cache.Upsert(tenant, req.IdentityID, cache.Entry{
		Vector:      emb.Vector,
		DisplayName: req.DisplayName,
		Role:        req.Role,
		ModelTag:    emb.Tag,
	}); err != nil {
		// the store is authoritative; the next hydrate picks the entry up
		slog.Error("cache upsert after enrollment failed", "tenant", tenant, "identity", req.IdentityID, "error", err)
	}

	observability.Enrollments.WithLabelValues(string(tenant), string(models.EmbeddingGenerated)).Inc()
	slog.Info("identity enrolled", "tenant", tenant, "identity", req.IdentityID, "role", req.Role, "model", emb.Tag.String())
	return EnrollResult{Status: models.EmbeddingGenerated, Model: emb.Tag}, nil
}

// Remove evicts an identity from matching in both pools. Called when a person
// is deleted.
func (s *Service) Remove(ctx context.Context, tenant models.TenantID, id string) error {
	if err := s.deps.Cache.RemoveAll(tenant, id); err != nil {
		return err
	}
	slog.Info("identity removed from cache", "tenant", tenant, "identity", id)
	return nil
}

func (s *Service) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if s.timeout <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, s.timeout)
}
