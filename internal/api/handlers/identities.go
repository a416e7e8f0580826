package handlers

import (
	"context"
	"errors"
	"log/slog"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/your-org/presence/internal/auth"
	"github.com/your-org/presence/internal/models"
	"github.com/your-org/presence/internal/recognition"
	"github.com/your-org/presence/pkg/dto"
)

type Enroller interface {
	Enroll(ctx context.Context, tenant models.TenantID, req recognition.EnrollRequest) (recognition.EnrollResult, error)
	Remove(ctx context.Context, tenant models.TenantID, id string) error
}

type IdentityDeleter interface {
	DeleteIdentity(ctx context.Context, tenant models.TenantID, id string) error
}

type ImageDeleter interface {
	DeleteEnrollmentImages(ctx context.Context, tenant models.TenantID, id string) error
}

type IdentityHandler struct {
	svc    Enroller
	store  IdentityDeleter
	images ImageDeleter
}

func NewIdentityHandler(svc Enroller, store IdentityDeleter, images ImageDeleter) *IdentityHandler {
	return &IdentityHandler{svc: svc, store: store, images: images}
}

// Enroll handles POST /v1/enroll. An identity that already has a generated
// embedding is rejected with 409; use PUT to replace it.
func (h *IdentityHandler) Enroll(c *gin.Context) { h.enroll(c, false) }

// Reenroll handles PUT /v1/enroll.
func (h *IdentityHandler) Reenroll(c *gin.Context) { h.enroll(c, true) }

func (h *IdentityHandler) enroll(c *gin.Context, update bool) {
	var form dto.EnrollForm
	if err := c.ShouldBind(&form); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	role, err := models.ParseRole(form.Role)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	image, ok := readImage(c)
	if !ok {
		return
	}

	res, err := h.svc.Enroll(c.Request.Context(), auth.Tenant(c), recognition.EnrollRequest{
		IdentityID:  form.IdentityID,
		DisplayName: form.DisplayName,
		Role:        role,
		Image:       image,
		Update:      update,
	})
	if err != nil {
		writeError(c, err)
		return
	}

	status := http.StatusCreated
	if res.Status == models.EmbeddingFailed {
		status = http.StatusUnprocessableEntity
	} else if update {
		status = http.StatusOK
	}
	c.JSON(status, dto.EnrollResponse{
		IdentityID: form.IdentityID,
		Status:     res.Status,
		Reason:     res.Reason,
		Model:      res.Model,
	})
}

// Delete handles DELETE /v1/identities/:role/:id. The identity leaves the
// matcher before the store row is removed. The store row is keyed by id alone,
// so the identity is evicted from both pools whatever role the path names.
func (h *IdentityHandler) Delete(c *gin.Context) {
	if _, err := models.ParseRole(c.Param("role")); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	tenant, id := auth.Tenant(c), c.Param("id")
	ctx := c.Request.Context()

	if err := h.svc.Remove(ctx, tenant, id); err != nil {
		writeError(c, err)
		return
	}
	if err := h.store.DeleteIdentity(ctx, tenant, id); err != nil {
		writeError(c, err)
		return
	}
	if h.images != nil {
		if err := h.images.DeleteEnrollmentImages(ctx, tenant, id); err != nil && !errors.Is(err, context.Canceled) {
			slog.Warn("delete enrollment images", "tenant", tenant, "identity", id, "error", err)
		}
	}
	c.Status(http.StatusNoContent)
}
