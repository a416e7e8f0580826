package handlers

import (
	"context"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/your-org/presence/internal/auth"
	"github.com/your-org/presence/internal/jobs"
	"github.com/your-org/presence/internal/models"
	"github.com/your-org/presence/pkg/dto"
)

type JobTracker interface {
	Start(ctx context.Context, tenant models.TenantID, scope jobs.Scope, filter models.IdentityQuery) (string, error)
	Status(id string) (jobs.Snapshot, error)
	Cancel(id string) error
	List(tenant models.TenantID) []jobs.Snapshot
}

type JobHandler struct {
	tracker JobTracker
}

func NewJobHandler(tracker JobTracker) *JobHandler {
	return &JobHandler{tracker: tracker}
}

// Start handles POST /v1/jobs.
func (h *JobHandler) Start(c *gin.Context) {
	var req dto.StartJobRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	scope, err := jobs.ParseScope(req.Scope)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	filter := models.IdentityQuery{IDs: req.IDs}
	if req.Role != "" {
		if filter.Role, err = models.ParseRole(req.Role); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
	}

	id, err := h.tracker.Start(c.Request.Context(), auth.Tenant(c), scope, filter)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusAccepted, dto.StartJobResponse{JobID: id})
}

// Get handles GET /v1/jobs/:id. Jobs of other tenants are reported as not found.
func (h *JobHandler) Get(c *gin.Context) {
	snap, ok := h.owned(c)
	if !ok {
		return
	}
	c.JSON(http.StatusOK, snap)
}

func (h *JobHandler) List(c *gin.Context) {
	list := h.tracker.List(auth.Tenant(c))
	if list == nil {
		list = []jobs.Snapshot{}
	}
	c.JSON(http.StatusOK, gin.H{"jobs": list, "total": len(list)})
}

// Cancel handles DELETE /v1/jobs/:id.
func (h *JobHandler) Cancel(c *gin.Context) {
	if _, ok := h.owned(c); !ok {
		return
	}
	if err := h.tracker.Cancel(c.Param("id")); err != nil {
		writeError(c, err)
		return
	}
	snap, err := h.tracker.Status(c.Param("id"))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, snap)
}

func (h *JobHandler) owned(c *gin.Context) (jobs.Snapshot, bool) {
	snap, err := h.tracker.Status(c.Param("id"))
	if err == nil && snap.Tenant != auth.Tenant(c) {
		err = jobs.ErrJobNotFound
	}
	if err != nil {
		writeError(c, err)
		return jobs.Snapshot{}, false
	}
	return snap, true
}
