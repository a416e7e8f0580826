package attendance

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/your-org/presence/internal/models"
)

// Store persists attendance entries. Each method is a single atomic conditional
// write so concurrent scans of the same identity cannot both succeed.
type Store interface {
	// MarkStudent inserts e unless an entry exists for its key; the stored entry is returned.
	MarkStudent(ctx context.Context, e models.StudentEntry) (models.StudentEntry, bool, error)
	// ClockIn inserts e unless an entry exists for its key; the stored entry is returned.
	ClockIn(ctx context.Context, e models.StaffEntry) (models.StaffEntry, bool, error)
	// ClockOut closes the open entry for key. It reports false when there is no
	// open entry.
	ClockOut(ctx context.Context, key models.DayKey, at time.Time, leftEarly bool) (models.StaffEntry, bool, error)
	AppendActivity(ctx context.Context, entry models.ActivityLog) error
}

// MemoryStore is an in-process Store for tests and single-node deployments.
type MemoryStore struct {
	mu       sync.Mutex
	students map[models.DayKey]models.StudentEntry
	staff    map[models.DayKey]models.StaffEntry
	activity map[models.TenantID][]models.ActivityLog
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		students: make(map[models.DayKey]models.StudentEntry),
		staff:    make(map[models.DayKey]models.StaffEntry),
		activity: make(map[models.TenantID][]models.ActivityLog),
	}
}

func (m *MemoryStore) MarkStudent(_ context.Context, e models.StudentEntry) (models.StudentEntry, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if existing, ok := m.students[e.Key()]; ok {
		return existing, false, nil
	}
	m.students[e.Key()] = e
	return e, true, nil
}

func (m *MemoryStore) ClockIn(_ context.Context, e models.StaffEntry) (models.StaffEntry, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if existing, ok := m.staff[e.Key()]; ok {
		return existing, false, nil
	}
	m.staff[e.Key()] = e
	return e, true, nil
}

func (m *MemoryStore) ClockOut(_ context.Context, key models.DayKey, at time.Time, leftEarly bool) (models.StaffEntry, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.staff[key]
	if !ok || !e.Open() {
		return e, false, nil
	}
	e.CheckOut = &at
	e.LeftEarly = leftEarly
	m.staff[key] = e
	return e, true, nil
}

func (m *MemoryStore) AppendActivity(_ context.Context, entry models.ActivityLog) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.activity[entry.TenantID] = append(m.activity[entry.TenantID], entry)
	return nil
}

func (m *MemoryStore) Student(key models.DayKey) (models.StudentEntry, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.students[key]
	return e, ok
}

func (m *MemoryStore) Staff(key models.DayKey) (models.StaffEntry, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.staff[key]
	return e, ok
}

// Activity returns a tenant's activity log, oldest first.
func (m *MemoryStore) Activity(tenant models.TenantID) []models.ActivityLog {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]models.ActivityLog, len(m.activity[tenant]))
	copy(out, m.activity[tenant])
	sort.SliceStable(out, func(i, j int) bool { return out[i].Timestamp.Before(out[j].Timestamp) })
	return out
}
