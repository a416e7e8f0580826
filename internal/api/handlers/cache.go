package handlers

import (
	"context"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/your-org/presence/internal/auth"
	"github.com/your-org/presence/internal/cache"
	"github.com/your-org/presence/internal/models"
	"github.com/your-org/presence/pkg/dto"
)

type Hydrator interface {
	Hydrate(ctx context.Context, tenant models.TenantID) (cache.HydrateCounts, error)
	Stats() cache.Stats
}

type CacheHandler struct {
	cache Hydrator
}

func NewCacheHandler(c Hydrator) *CacheHandler {
	return &CacheHandler{cache: c}
}

// Hydrate handles POST /v1/cache/hydrate: the tenant's pools are rebuilt from the store.
func (h *CacheHandler) Hydrate(c *gin.Context) {
	tenant := auth.Tenant(c)
	counts, err := h.cache.Hydrate(c.Request.Context(), tenant)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, dto.HydrateResponse{
		TenantID: tenant,
		Students: counts.Students,
		Staff:    counts.Staff,
		Stale:    counts.Stale,
	})
}

func (h *CacheHandler) Stats(c *gin.Context) {
	c.JSON(http.StatusOK, h.cache.Stats())
}
