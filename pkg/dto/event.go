package dto

import "github.com/your-org/presence/internal/models"

// WSEvent is a WebSocket message for real-time activity delivery.
type WSEvent struct {
	Type     string                  `json:"type"` // recognition, attendance
	TenantID models.TenantID         `json:"tenant_id"`
	Data     models.RecognitionEvent `json:"data"`
}

// WSEventType picks the message type shown to dashboards: attendance when the
// scan changed or confirmed a record, recognition otherwise.
func WSEventType(ev models.RecognitionEvent) string {
	if ev.AttendanceAction != "" {
		return "attendance"
	}
	return "recognition"
}

type ActivityListResponse struct {
	Activity []models.ActivityLog `json:"activity"`
	Total    int                  `json:"total"`
}
