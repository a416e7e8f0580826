package models

import (
	"time"

	"github.com/google/uuid"
)

// CaptureTask is the message published to NATS by a kiosk for worker recognition.
type CaptureTask struct {
	CaptureID uuid.UUID `json:"capture_id"`
	TenantID  TenantID  `json:"tenant_id"`
	DeviceID  string    `json:"device_id,omitempty"`
	Timestamp time.Time `json:"timestamp"`
	ImageRef  string    `json:"image_ref"` // MinIO object key
	AutoClock bool      `json:"auto_clock"`
}

// RecognitionEvent is published after every recognition attempt.
type RecognitionEvent struct {
	ID               uuid.UUID  `json:"id"`
	TenantID         TenantID   `json:"tenant_id"`
	Timestamp        time.Time  `json:"timestamp"`
	Status           string     `json:"status"`
	IdentityID       string     `json:"identity_id,omitempty"`
	DisplayName      string     `json:"display_name,omitempty"`
	Role             Role       `json:"role,omitempty"`
	Confidence       float32    `json:"confidence"`
	AttendanceAction string     `json:"attendance_action,omitempty"`
	CaptureID        *uuid.UUID `json:"capture_id,omitempty"`
}
