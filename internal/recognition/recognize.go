package recognition

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/your-org/presence/internal/attendance"
	"github.com/your-org/presence/internal/matching"
	"github.com/your-org/presence/internal/models"
	"github.com/your-org/presence/internal/observability"
	"github.com/your-org/presence/internal/vision"
)

type Status string

const (
	StatusMatched        Status = "matched"
	StatusLowConfidence  Status = "low_confidence"
	StatusNoFaceDetected Status = "no_face_detected"
	StatusError          Status = "error"
)

// Retryable reports whether a capture loop should try again with a new frame.
func Retryable(s Status) bool {
	return s == StatusNoFaceDetected || s == StatusLowConfidence
}

type RecognizeRequest struct {
	Image     []byte
	AutoClock bool
	CaptureID *uuid.UUID
}

type Match struct {
	IdentityID  string      `json:"identity_id"`
	DisplayName string      `json:"display_name"`
	Role        models.Role `json:"role"`
	Confidence  float32     `json:"confidence"`
}

type RecognizeResult struct {
	Status       Status             `json:"status"`
	Match        *Match             `json:"match,omitempty"`
	BestObserved float32            `json:"best_observed"`
	Attendance   *attendance.Result `json:"attendance_action,omitempty"`
	Face         *vision.Detection  `json:"face,omitempty"`
	// ErrorKind is set for StatusError, e.g. "decode_error" or "model_unavailable".
	ErrorKind string `json:"error_kind,omitempty"`
	Reason    string `json:"reason,omitempty"`
}

// Recognize runs one recognition attempt. Capture and model problems come back
// as a result status; the error return is reserved for invalid calls and
// infrastructure failures.
func (s *Service) Recognize(ctx context.Context, tenant models.TenantID, req RecognizeRequest) (RecognizeResult, error) {
	if err := tenant.Validate(); err != nil {
		return RecognizeResult{}, err
	}
	settings, err := s.deps.Settings.Get(ctx, tenant)
	if err != nil {
		return RecognizeResult{}, fmt.Errorf("load settings: %w", err)
	}
	return s.recognize(ctx, tenant, req, settings)
}

func (s *Service) recognize(ctx context.Context, tenant models.TenantID, req RecognizeRequest, settings models.Settings) (RecognizeResult, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	if err := s.deps.Cache.EnsureHydrated(ctx, tenant); err != nil {
		return RecognizeResult{}, fmt.Errorf("hydrate cache: %w", err)
	}

	res, err := s.match(ctx, tenant, req, settings)
	if err != nil {
		return RecognizeResult{}, err
	}
	observability.Recognitions.WithLabelValues(string(tenant), string(res.Status)).Inc()

	if res.Status == StatusLowConfidence && !res.emptyPopulation {
		s.lowConf.observe(tenant, res.bestCandidate, res.BestObserved)
	}

	if res.Status == StatusMatched && req.AutoClock {
		action, err := s.deps.Attendance.Apply(ctx, tenant, attendance.Subject{
			ID:          res.Match.IdentityID,
			DisplayName: res.Match.DisplayName,
			Role:        res.Match.Role,
		}, res.Match.Confidence, settings)
		if err != nil {
			return RecognizeResult{}, fmt.Errorf("apply attendance: %w", err)
		}
		res.Attendance = &action
	}

	s.publish(ctx, tenant, req, res.RecognizeResult)
	return res.RecognizeResult, nil
}

type matchResult struct {
	RecognizeResult
	bestCandidate   string
	emptyPopulation bool
}

func (s *Service) match(ctx context.Context, tenant models.TenantID, req RecognizeRequest, settings models.Settings) (matchResult, error) {
	emb, err := s.deps.Generator.Generate(ctx, req.Image)
	if err != nil {
		switch kind := vision.KindOf(err); kind {
		case "":
			return matchResult{}, err
		case vision.KindNoFace:
			return matchResult{RecognizeResult: RecognizeResult{Status: StatusNoFaceDetected}}, nil
		default:
			return matchResult{RecognizeResult: RecognizeResult{
				Status: StatusError, ErrorKind: string(kind), Reason: err.Error(),
			}}, nil
		}
	}

	var pools []models.Role
	for _, r := range matching.DefaultPools {
		if settings.RoleEnabled(r) {
			pools = append(pools, r)
		}
	}
	face := emb.Face
	if len(pools) == 0 {
		return matchResult{
			RecognizeResult: RecognizeResult{Status: StatusLowConfidence, Face: &face, Reason: "recognition disabled for all roles"},
			emptyPopulation: true,
		}, nil
	}

	out, err := s.deps.Engine.Match(tenant, emb.Vector, settings.ConfidenceThreshold, pools...)
	if err != nil {
		if errors.Is(err, matching.ErrDimensionMismatch) {
			return matchResult{RecognizeResult: RecognizeResult{
				Status: StatusError, ErrorKind: string(vision.KindDimensionMismatch), Reason: err.Error(), Face: &face,
			}}, nil
		}
		return matchResult{}, fmt.Errorf("match: %w", err)
	}

	if !out.Matched() {
		return matchResult{
			RecognizeResult: RecognizeResult{Status: StatusLowConfidence, BestObserved: out.BestObserved, Face: &face},
			bestCandidate:   out.BestCandidate,
			emptyPopulation: out.Empty,
		}, nil
	}
	return matchResult{RecognizeResult: RecognizeResult{
		Status: StatusMatched,
		Match: &Match{
			IdentityID:  out.IdentityID,
			DisplayName: out.DisplayName,
			Role:        out.Role,
			Confidence:  out.Confidence,
		},
		BestObserved: out.BestObserved,
		Face:         &face,
	}}, nil
}

// CaptureFunc grabs a fresh frame for a retry.
type CaptureFunc func(ctx context.Context) ([]byte, error)

// RecognizeWithRetry captures and recognizes until the result is not retry-worthy
// or the tenant's max_retry_attempts is used up. It returns the last result and
// the number of attempts made.
func (s *Service) RecognizeWithRetry(ctx context.Context, tenant models.TenantID, capture CaptureFunc, autoClock bool) (RecognizeResult, int, error) {
	if err := tenant.Validate(); err != nil {
		return RecognizeResult{}, 0, err
	}
	settings, err := s.deps.Settings.Get(ctx, tenant)
	if err != nil {
		return RecognizeResult{}, 0, fmt.Errorf("load settings: %w", err)
	}
	attempts := settings.MaxRetryAttempts
	if attempts < 1 {
		attempts = 1
	}

	var res RecognizeResult
	for i := 1; i <= attempts; i++ {
		if err := ctx.Err(); err != nil {
			return res, i - 1, err
		}
		img, err := capture(ctx)
		if err != nil {
			return res, i - 1, fmt.Errorf("capture frame: %w", err)
		}
		res, err = s.recognize(ctx, tenant, RecognizeRequest{Image: img, AutoClock: autoClock}, settings)
		if err != nil {
			return res, i, err
		}
		if !Retryable(res.Status) {
			return res, i, nil
		}
		slog.Debug("recognition attempt will be retried", "tenant", tenant, "attempt", i, "status", res.Status)
	}
	return res, attempts, nil
}

func (s *Service) publish(ctx context.Context, tenant models.TenantID, req RecognizeRequest, res RecognizeResult) {
	if s.deps.Events == nil {
		return
	}
	ev := models.RecognitionEvent{
		ID:         uuid.New(),
		TenantID:   tenant,
		Timestamp:  time.Now().UTC(),
		Status:     string(res.Status),
		Confidence: res.BestObserved,
		CaptureID:  req.CaptureID,
	}
	if res.Match != nil {
		ev.IdentityID = res.Match.IdentityID
		ev.DisplayName = res.Match.DisplayName
		ev.Role = res.Match.Role
		ev.Confidence = res.Match.Confidence
	}
	if res.Attendance != nil {
		ev.AttendanceAction = string(res.Attendance.Action)
	}
	if err := s.deps.Events.PublishEvent(ctx, ev); err != nil {
		slog.Warn("failed to publish recognition event", "tenant", tenant, "status", res.Status, "error", err)
	}
}
