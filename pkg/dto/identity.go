package dto

import "github.com/your-org/presence/internal/models"

// EnrollForm is the multipart body of POST/PUT /v1/enroll; the image travels as the "image" file.
type EnrollForm struct {
	IdentityID  string `form:"identity_id" binding:"required"`
	DisplayName string `form:"display_name"`
	Role        string `form:"role" binding:"required"`
}

type EnrollResponse struct {
	IdentityID string                 `json:"identity_id"`
	Status     models.EmbeddingStatus `json:"status"`
	Reason     string                 `json:"reason,omitempty"`
	Model      models.ModelTag        `json:"model"`
}

// RecognizeForm is the multipart body of POST /v1/recognize.
type RecognizeForm struct {
	AutoClock bool   `form:"auto_clock"`
	CaptureID string `form:"capture_id"`
}

// ManualMarkRequest records a staff-entered student status.
type ManualMarkRequest struct {
	DisplayName string                  `json:"display_name"`
	Status      models.AttendanceStatus `json:"status" binding:"required"`
}

type HydrateResponse struct {
	TenantID models.TenantID `json:"tenant_id"`
	Students int             `json:"students"`
	Staff    int             `json:"staff"`
	Stale    int             `json:"stale"`
}

// CaptureAccepted is returned when a capture is queued for asynchronous recognition.
type CaptureAccepted struct {
	CaptureID string `json:"capture_id"`
	ImageRef  string `json:"image_ref"`
}
