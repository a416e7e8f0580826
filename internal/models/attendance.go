package models

import "time"

type AttendanceStatus string

const (
	StatusPresent AttendanceStatus = "present"
	StatusLate    AttendanceStatus = "late"
	StatusAbsent  AttendanceStatus = "absent"
)

func (s AttendanceStatus) Valid() bool {
	switch s {
	case StatusPresent, StatusLate, StatusAbsent:
		return true
	}
	return false
}

type AttendanceSource string

const (
	SourceManual    AttendanceSource = "manual"
	SourceBiometric AttendanceSource = "biometric"
)

// DayKey addresses the single attendance entry an identity may hold per calendar day.
type DayKey struct {
	TenantID   TenantID
	IdentityID string
	Day        string // YYYY-MM-DD in the tenant's timezone
}

// StudentEntry is written once per day and never overwritten.
type StudentEntry struct {
	TenantID   TenantID         `json:"tenant_id" db:"tenant_id"`
	IdentityID string           `json:"identity_id" db:"identity_id"`
	Day        string           `json:"day" db:"day"`
	Status     AttendanceStatus `json:"status" db:"status"`
	Source     AttendanceSource `json:"source" db:"source"`
	Confidence float32          `json:"confidence" db:"confidence"`
	MarkedAt   time.Time        `json:"marked_at" db:"marked_at"`
}

func (e StudentEntry) Key() DayKey {
	return DayKey{TenantID: e.TenantID, IdentityID: e.IdentityID, Day: e.Day}
}

// StaffEntry is opened by check-in and closed exactly once by check-out.
type StaffEntry struct {
	TenantID   TenantID         `json:"tenant_id" db:"tenant_id"`
	IdentityID string           `json:"identity_id" db:"identity_id"`
	Day        string           `json:"day" db:"day"`
	CheckIn    time.Time        `json:"check_in" db:"check_in"`
	CheckOut   *time.Time       `json:"check_out,omitempty" db:"check_out"`
	Status     AttendanceStatus `json:"status" db:"status"`
	LeftEarly  bool             `json:"left_early" db:"left_early"`
	Confidence float32          `json:"confidence" db:"confidence"`
}

func (e StaffEntry) Key() DayKey {
	return DayKey{TenantID: e.TenantID, IdentityID: e.IdentityID, Day: e.Day}
}

func (e StaffEntry) Open() bool { return e.CheckOut == nil }

type ActivityAction string

const (
	ActionMarkedPresent ActivityAction = "marked_present"
	ActionMarkedLate    ActivityAction = "marked_late"
	ActionMarkedAbsent  ActivityAction = "marked_absent"
	ActionCheckIn       ActivityAction = "check_in"
	ActionCheckOut      ActivityAction = "check_out"
)

// ActivityLog is an append-only audit record of one attendance transition.
type ActivityLog struct {
	ID          string         `json:"id" db:"id"`
	TenantID    TenantID       `json:"tenant_id" db:"tenant_id"`
	IdentityID  string         `json:"identity_id" db:"identity_id"`
	DisplayName string         `json:"display_name" db:"display_name"`
	Role        Role           `json:"role" db:"role"`
	Action      ActivityAction `json:"action" db:"action"`
	Confidence  float32        `json:"confidence" db:"confidence"`
	Timestamp   time.Time      `json:"timestamp" db:"timestamp"`
}
