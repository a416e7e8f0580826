package models

import (
	"fmt"
	"time"
)

// Settings is the read-only per-tenant configuration consumed by the recognition core.
type Settings struct {
	ConfidenceThreshold float64 `json:"confidence_threshold" yaml:"confidence_threshold"`
	MaxRetryAttempts    int     `json:"max_retry_attempts" yaml:"max_retry_attempts"`
	StudentLateAfter    string  `json:"late_after_time" yaml:"late_after_time"`
	StaffLateAfter      string  `json:"staff_late_after_time" yaml:"staff_late_after_time"`
	StaffCheckoutTime   string  `json:"checkout_time" yaml:"checkout_time"`
	Timezone            string  `json:"timezone" yaml:"timezone"`
	StudentsEnabled     bool    `json:"students_enabled" yaml:"students_enabled"`
	EmployeesEnabled    bool    `json:"employees_enabled" yaml:"employees_enabled"`
}

// DefaultSettings is used for tenants with no stored configuration.
func DefaultSettings() Settings {
	return Settings{
		ConfidenceThreshold: 0.5,
		MaxRetryAttempts:    3,
		StudentLateAfter:    "08:30",
		StaffLateAfter:      "08:00",
		StaffCheckoutTime:   "16:00",
		Timezone:            "UTC",
		StudentsEnabled:     true,
		EmployeesEnabled:    true,
	}
}

func (s Settings) Validate() error {
	if s.ConfidenceThreshold < 0 || s.ConfidenceThreshold > 1 {
		return fmt.Errorf("confidence_threshold %.3f outside [0,1]", s.ConfidenceThreshold)
	}
	if s.MaxRetryAttempts < 0 {
		return fmt.Errorf("max_retry_attempts must not be negative")
	}
	for name, v := range map[string]string{
		"late_after_time":       s.StudentLateAfter,
		"staff_late_after_time": s.StaffLateAfter,
		"checkout_time":         s.StaffCheckoutTime,
	} {
		if v == "" {
			continue
		}
		if _, err := ParseClock(v); err != nil {
			return fmt.Errorf("%s: %w", name, err)
		}
	}
	if _, err := s.Location(); err != nil {
		return err
	}
	return nil
}

// RoleEnabled reports the feature toggle for a role.
func (s Settings) RoleEnabled(r Role) bool {
	switch r {
	case RoleStudent:
		return s.StudentsEnabled
	case RoleStaff:
		return s.EmployeesEnabled
	}
	return false
}

func (s Settings) Location() (*time.Location, error) {
	if s.Timezone == "" {
		return time.UTC, nil
	}
	loc, err := time.LoadLocation(s.Timezone)
	if err != nil {
		return nil, fmt.Errorf("timezone %q: %w", s.Timezone, err)
	}
	return loc, nil
}

// ClockTime is a wall-clock cutoff such as "08:30".
type ClockTime struct {
	Hour   int
	Minute int
}

func ParseClock(s string) (ClockTime, error) {
	t, err := time.Parse("15:04", s)
	if err != nil {
		return ClockTime{}, fmt.Errorf("parse clock time %q: %w", s, err)
	}
	return ClockTime{Hour: t.Hour(), Minute: t.Minute()}, nil
}

// PassedBy reports whether t (already in the tenant's location) is strictly past c.
func (c ClockTime) PassedBy(t time.Time) bool {
	if t.Hour() != c.Hour {
		return t.Hour() > c.Hour
	}
	if t.Minute() != c.Minute {
		return t.Minute() > c.Minute
	}
	return t.Second() > 0 || t.Nanosecond() > 0
}
