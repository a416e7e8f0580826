package handlers

import (
	"context"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/your-org/presence/internal/attendance"
	"github.com/your-org/presence/internal/auth"
	"github.com/your-org/presence/internal/models"
	"github.com/your-org/presence/pkg/dto"
)

type ManualMarker interface {
	MarkStudentManual(ctx context.Context, tenant models.TenantID, subject attendance.Subject,
		status models.AttendanceStatus, settings models.Settings) (attendance.Result, error)
}

// IdentityReader looks up an enrolled identity.
type IdentityReader interface {
	GetIdentity(ctx context.Context, tenant models.TenantID, id string) (*models.Identity, error)
}

type ActivityReader interface {
	RecentActivity(ctx context.Context, tenant models.TenantID, limit int) ([]models.ActivityLog, error)
}

type SettingsReader interface {
	Get(ctx context.Context, tenant models.TenantID) (models.Settings, error)
	Invalidate(tenant models.TenantID)
}

type SettingsWriter interface {
	SaveSettings(ctx context.Context, tenant models.TenantID, st models.Settings) error
}

type AttendanceHandler struct {
	marker   ManualMarker
	roster   IdentityReader
	activity ActivityReader
	settings SettingsReader
	writer   SettingsWriter
}

func NewAttendanceHandler(marker ManualMarker, roster IdentityReader, activity ActivityReader,
	settings SettingsReader, writer SettingsWriter) *AttendanceHandler {
	return &AttendanceHandler{marker: marker, roster: roster, activity: activity, settings: settings, writer: writer}
}

// MarkStudent handles POST /v1/attendance/students/:id. The id must name an
// enrolled student of the tenant.
func (h *AttendanceHandler) MarkStudent(c *gin.Context) {
	var req dto.ManualMarkRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	tenant := auth.Tenant(c)
	ident, err := h.roster.GetIdentity(c.Request.Context(), tenant, c.Param("id"))
	if err != nil {
		writeError(c, err)
		return
	}
	if ident.Role != models.RoleStudent {
		c.JSON(http.StatusBadRequest, gin.H{"error": "identity " + ident.ID + " is not a student"})
		return
	}
	name := req.DisplayName
	if name == "" {
		name = ident.DisplayName
	}

	st, err := h.settings.Get(c.Request.Context(), tenant)
	if err != nil {
		writeError(c, err)
		return
	}
	res, err := h.marker.MarkStudentManual(c.Request.Context(), tenant, attendance.Subject{
		ID:          ident.ID,
		DisplayName: name,
		Role:        models.RoleStudent,
	}, req.Status, st)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, res)
}

// Activity handles GET /v1/activity?limit=N.
func (h *AttendanceHandler) Activity(c *gin.Context) {
	limit := 50
	if s := c.Query("limit"); s != "" {
		n, err := strconv.Atoi(s)
		if err != nil || n < 1 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid limit"})
			return
		}
		limit = n
	}
	entries, err := h.activity.RecentActivity(c.Request.Context(), auth.Tenant(c), limit)
	if err != nil {
		writeError(c, err)
		return
	}
	if entries == nil {
		entries = []models.ActivityLog{}
	}
	c.JSON(http.StatusOK, dto.ActivityListResponse{Activity: entries, Total: len(entries)})
}

func (h *AttendanceHandler) GetSettings(c *gin.Context) {
	st, err := h.settings.Get(c.Request.Context(), auth.Tenant(c))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, st)
}

// PutSettings handles PUT /v1/settings. The cached copy is dropped so the next
// recognition reads the new values.
func (h *AttendanceHandler) PutSettings(c *gin.Context) {
	var st models.Settings
	if err := c.ShouldBindJSON(&st); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if err := st.Validate(); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	tenant := auth.Tenant(c)
	if err := h.writer.SaveSettings(c.Request.Context(), tenant, st); err != nil {
		writeError(c, err)
		return
	}
	h.settings.Invalidate(tenant)
	c.JSON(http.StatusOK, st)
}
