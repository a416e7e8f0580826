package handlers

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/your-org/presence/internal/auth"
	"github.com/your-org/presence/internal/models"
	"github.com/your-org/presence/internal/recognition"
	"github.com/your-org/presence/pkg/dto"
)

type Recognizer interface {
	Recognize(ctx context.Context, tenant models.TenantID, req recognition.RecognizeRequest) (recognition.RecognizeResult, error)
}

// CaptureStore keeps frames for the asynchronous path.
type CaptureStore interface {
	PutCapture(ctx context.Context, tenant models.TenantID, data []byte) (string, error)
}

type CapturePublisher interface {
	PublishCapture(ctx context.Context, task models.CaptureTask) error
}

type RecognizeHandler struct {
	svc       Recognizer
	captures  CaptureStore
	publisher CapturePublisher
}

func NewRecognizeHandler(svc Recognizer, captures CaptureStore, publisher CapturePublisher) *RecognizeHandler {
	return &RecognizeHandler{svc: svc, captures: captures, publisher: publisher}
}

// Recognize handles POST /v1/recognize synchronously. Every recognition outcome,
// including no face and low confidence, is a 200 with a status field.
func (h *RecognizeHandler) Recognize(c *gin.Context) {
	var form dto.RecognizeForm
	if err := c.ShouldBind(&form); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	req := recognition.RecognizeRequest{AutoClock: form.AutoClock}
	if form.CaptureID != "" {
		id, err := uuid.Parse(form.CaptureID)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid capture_id"})
			return
		}
		req.CaptureID = &id
	}
	image, ok := readImage(c)
	if !ok {
		return
	}
	req.Image = image

	res, err := h.svc.Recognize(c.Request.Context(), auth.Tenant(c), req)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, res)
}

// Capture handles POST /v1/captures: the frame is stored and queued for a
// worker, which recognizes it with auto-clock.
func (h *RecognizeHandler) Capture(c *gin.Context) {
	if h.captures == nil || h.publisher == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "capture queue not configured"})
		return
	}
	image, ok := readImage(c)
	if !ok {
		return
	}
	tenant := auth.Tenant(c)
	ctx := c.Request.Context()

	key, err := h.captures.PutCapture(ctx, tenant, image)
	if err != nil {
		writeError(c, err)
		return
	}
	task := models.CaptureTask{
		CaptureID: uuid.New(),
		TenantID:  tenant,
		DeviceID:  c.PostForm("device_id"),
		Timestamp: time.Now().UTC(),
		ImageRef:  key,
		AutoClock: true,
	}
	if err := h.publisher.PublishCapture(ctx, task); err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusAccepted, dto.CaptureAccepted{CaptureID: task.CaptureID.String(), ImageRef: key})
}
