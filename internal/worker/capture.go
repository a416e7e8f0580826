// Package worker processes queued kiosk captures.
package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/your-org/presence/internal/models"
	"github.com/your-org/presence/internal/queue"
	"github.com/your-org/presence/internal/recognition"
	"github.com/your-org/presence/internal/storage"
)

type CaptureLoader interface {
	LoadCapture(ctx context.Context, tenant models.TenantID, key string) ([]byte, error)
}

type Recognizer interface {
	Recognize(ctx context.Context, tenant models.TenantID, req recognition.RecognizeRequest) (recognition.RecognizeResult, error)
}

// CaptureHandler recognizes one queued kiosk capture.
type CaptureHandler struct {
	captures CaptureLoader
	svc      Recognizer
}

func NewCaptureHandler(captures CaptureLoader, svc Recognizer) *CaptureHandler {
	return &CaptureHandler{captures: captures, svc: svc}
}

// Handle returns queue.ErrPermanent for captures that can never succeed, so the
// message is terminated rather than redelivered.
func (h *CaptureHandler) Handle(ctx context.Context, data []byte) error {
	task, err := queue.DecodeCapture(data)
	if err != nil {
		return err
	}

	img, err := h.captures.LoadCapture(ctx, task.TenantID, task.ImageRef)
	if err != nil {
		if errors.Is(err, storage.ErrForeignObject) {
			return fmt.Errorf("%w: %v", queue.ErrPermanent, err)
		}
		return fmt.Errorf("load capture %s: %w", task.CaptureID, err)
	}

	res, err := h.svc.Recognize(ctx, task.TenantID, recognition.RecognizeRequest{
		Image:     img,
		AutoClock: task.AutoClock,
		CaptureID: &task.CaptureID,
	})
	if err != nil {
		return fmt.Errorf("recognize capture %s: %w", task.CaptureID, err)
	}

	attrs := []any{"tenant", task.TenantID, "capture", task.CaptureID, "device", task.DeviceID, "status", res.Status}
	if res.Match != nil {
		attrs = append(attrs, "identity", res.Match.IdentityID, "confidence", res.Match.Confidence)
	}
	if res.Attendance != nil {
		attrs = append(attrs, "attendance", res.Attendance.Action)
	}
	slog.Info("capture processed", attrs...)
	return nil
}
