package attendance

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/your-org/presence/internal/models"
	"github.com/your-org/presence/internal/observability"
)

// Action is the state machine result of one scan.
type Action string

const (
	ActionMarked            Action = "marked"
	ActionAlreadyMarked     Action = "already_marked"
	ActionClockedIn         Action = "clocked_in"
	ActionClockedOut        Action = "clocked_out"
	ActionAlreadyClockedOut Action = "already_clocked_out"
	ActionSkipped           Action = "skipped"
)

var ErrInvalidStatus = errors.New("invalid attendance status")

// Subject is the identity an attendance action applies to.
type Subject struct {
	ID          string
	DisplayName string
	Role        models.Role
}

// Result describes what a scan did. Status is the stored status after the call,
// which for AlreadyMarked is the existing, unchanged status.
type Result struct {
	Action    Action                  `json:"action"`
	Status    models.AttendanceStatus `json:"status,omitempty"`
	Day       string                  `json:"day,omitempty"`
	At        time.Time               `json:"at"`
	CheckIn   *time.Time              `json:"check_in,omitempty"`
	CheckOut  *time.Time              `json:"check_out,omitempty"`
	LeftEarly bool                    `json:"left_early,omitempty"`
	Reason    string                  `json:"reason,omitempty"`
}

// Service drives the student and staff state machines.
type Service struct {
	store Store
	now   func() time.Time
}

type Option func(*Service)

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(s *Service) { s.now = now }
}

func NewService(store Store, opts ...Option) *Service {
	s := &Service{store: store, now: time.Now}
	for _, o := range opts {
		o(s)
	}
	return s
}

// Apply records a biometric scan for subject.
func (s *Service) Apply(ctx context.Context, tenant models.TenantID, subject Subject, confidence float32, settings models.Settings) (Result, error) {
	if err := tenant.Validate(); err != nil {
		return Result{}, err
	}
	if !settings.RoleEnabled(subject.Role) {
		return Result{Action: ActionSkipped, Reason: fmt.Sprintf("attendance disabled for %s", subject.Role)}, nil
	}
	loc, err := settings.Location()
	if err != nil {
		return Result{}, err
	}
	now := s.now().In(loc)

	var res Result
	switch subject.Role {
	case models.RoleStudent:
		cutoff, err := cutoffOrDefault(settings.StudentLateAfter, models.DefaultSettings().StudentLateAfter)
		if err != nil {
			return Result{}, err
		}
		status := models.StatusPresent
		if cutoff.PassedBy(now) {
			status = models.StatusLate
		}
		res, err = s.markStudent(ctx, tenant, subject, status, models.SourceBiometric, confidence, now)
		if err != nil {
			return Result{}, err
		}
	case models.RoleStaff:
		res, err = s.toggleStaff(ctx, tenant, subject, confidence, now, settings)
		if err != nil {
			return Result{}, err
		}
	default:
		return Result{}, fmt.Errorf("unknown role %q", subject.Role)
	}

	observability.AttendanceActions.WithLabelValues(string(subject.Role), string(res.Action)).Inc()
	return res, nil
}

// MarkStudentManual records a staff-entered status. It is write-once like a scan.
func (s *Service) MarkStudentManual(ctx context.Context, tenant models.TenantID, subject Subject, status models.AttendanceStatus, settings models.Settings) (Result, error) {
	if err := tenant.Validate(); err != nil {
		return Result{}, err
	}
	if !status.Valid() {
		return Result{}, fmt.Errorf("%w: %q", ErrInvalidStatus, status)
	}
	if subject.Role != models.RoleStudent {
		return Result{}, fmt.Errorf("manual marking applies to students, got %q", subject.Role)
	}
	loc, err := settings.Location()
	if err != nil {
		return Result{}, err
	}
	res, err := s.markStudent(ctx, tenant, subject, status, models.SourceManual, 0, s.now().In(loc))
	if err != nil {
		return Result{}, err
	}
	observability.AttendanceActions.WithLabelValues(string(subject.Role), string(res.Action)).Inc()
	return res, nil
}

func (s *Service) markStudent(ctx context.Context, tenant models.TenantID, subject Subject, status models.AttendanceStatus,
	source models.AttendanceSource, confidence float32, now time.Time) (Result, error) {
	entry := models.StudentEntry{
		TenantID:   tenant,
		IdentityID: subject.ID,
		Day:        dayOf(now),
		Status:     status,
		Source:     source,
		Confidence: confidence,
		MarkedAt:   now,
	}
	stored, inserted, err := s.store.MarkStudent(ctx, entry)
	if err != nil {
		return Result{}, fmt.Errorf("mark student %s: %w", subject.ID, err)
	}
	if !inserted {
		return Result{Action: ActionAlreadyMarked, Status: stored.Status, Day: stored.Day, At: stored.MarkedAt}, nil
	}

	s.appendActivity(ctx, tenant, subject, studentAction(status), confidence, now)
	return Result{Action: ActionMarked, Status: status, Day: entry.Day, At: now}, nil
}

func (s *Service) toggleStaff(ctx context.Context, tenant models.TenantID, subject Subject, confidence float32, now time.Time, settings models.Settings) (Result, error) {
	lateAfter, err := cutoffOrDefault(settings.StaffLateAfter, models.DefaultSettings().StaffLateAfter)
	if err != nil {
		return Result{}, err
	}
	checkoutAt, err := cutoffOrDefault(settings.StaffCheckoutTime, models.DefaultSettings().StaffCheckoutTime)
	if err != nil {
		return Result{}, err
	}

	status := models.StatusPresent
	if lateAfter.PassedBy(now) {
		status = models.StatusLate
	}
	entry := models.StaffEntry{
		TenantID:   tenant,
		IdentityID: subject.ID,
		Day:        dayOf(now),
		CheckIn:    now,
		Status:     status,
		Confidence: confidence,
	}
	stored, inserted, err := s.store.ClockIn(ctx, entry)
	if err != nil {
		return Result{}, fmt.Errorf("clock in %s: %w", subject.ID, err)
	}
	if inserted {
		s.appendActivity(ctx, tenant, subject, models.ActionCheckIn, confidence, now)
		return Result{Action: ActionClockedIn, Status: status, Day: entry.Day, At: now, CheckIn: &entry.CheckIn}, nil
	}

	if stored.Open() {
		leftEarly := beforeCutoff(checkoutAt, now)
		closed, updated, err := s.store.ClockOut(ctx, entry.Key(), now, leftEarly)
		if err != nil {
			return Result{}, fmt.Errorf("clock out %s: %w", subject.ID, err)
		}
		if updated {
			s.appendActivity(ctx, tenant, subject, models.ActionCheckOut, confidence, now)
			return Result{
				Action:    ActionClockedOut,
				Status:    closed.Status,
				Day:       closed.Day,
				At:        now,
				CheckIn:   &closed.CheckIn,
				CheckOut:  closed.CheckOut,
				LeftEarly: closed.LeftEarly,
			}, nil
		}
		// a concurrent scan closed it first
		stored = closed
	}

	return Result{
		Action:    ActionAlreadyClockedOut,
		Status:    stored.Status,
		Day:       stored.Day,
		At:        now,
		CheckIn:   &stored.CheckIn,
		CheckOut:  stored.CheckOut,
		LeftEarly: stored.LeftEarly,
	}, nil
}

// appendActivity never fails the transition: the attendance entry is already stored.
func (s *Service) appendActivity(ctx context.Context, tenant models.TenantID, subject Subject, action models.ActivityAction, confidence float32, at time.Time) {
	entry := models.ActivityLog{
		ID:          uuid.NewString(),
		TenantID:    tenant,
		IdentityID:  subject.ID,
		DisplayName: subject.DisplayName,
		Role:        subject.Role,
		Action:      action,
		Confidence:  confidence,
		Timestamp:   at,
	}
	if err := s.store.AppendActivity(ctx, entry); err != nil {
		slog.Error("failed to append activity log", "tenant", tenant, "identity", subject.ID, "action", action, "error", err)
	}
}

func studentAction(status models.AttendanceStatus) models.ActivityAction {
	switch status {
	case models.StatusLate:
		return models.ActionMarkedLate
	case models.StatusAbsent:
		return models.ActionMarkedAbsent
	default:
		return models.ActionMarkedPresent
	}
}

func cutoffOrDefault(v, def string) (models.ClockTime, error) {
	if v == "" {
		v = def
	}
	return models.ParseClock(v)
}

// beforeCutoff reports whether t is strictly earlier than the cutoff.
func beforeCutoff(c models.ClockTime, t time.Time) bool {
	if t.Hour() != c.Hour {
		return t.Hour() < c.Hour
	}
	return t.Minute() < c.Minute
}

// dayOf is the calendar day of t in t's own location.
func dayOf(t time.Time) string { return t.Format("2006-01-02") }
