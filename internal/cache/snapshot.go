package cache

import (
	"math"
	"sort"
	"sync"

	"github.com/your-org/presence/internal/models"
)

// Entry is one cached embedding. Vector is unit-normalized and never mutated
// after it has been published in a snapshot.
type Entry struct {
	Vector      []float32
	DisplayName string
	Role        models.Role
	ModelTag    models.ModelTag
}

// Matrix is the contiguous row-major form of a pool used by the matcher.
// Row i belongs to IDs[i]; rows are ordered by id.
type Matrix struct {
	Rows  int
	Dim   int
	Data  []float32
	IDs   []string
	Names []string
}

// Row returns the i-th row without copying.
func (m *Matrix) Row(i int) []float32 {
	return m.Data[i*m.Dim : (i+1)*m.Dim]
}

// PoolSnapshot is an immutable view of one pool. Writers replace it, never modify it.
type PoolSnapshot struct {
	role    models.Role
	dim     int
	entries map[string]Entry

	once   sync.Once
	matrix *Matrix
}

func newPoolSnapshot(role models.Role, dim int, entries map[string]Entry) *PoolSnapshot {
	if entries == nil {
		entries = map[string]Entry{}
	}
	return &PoolSnapshot{role: role, dim: dim, entries: entries}
}

func (p *PoolSnapshot) Role() models.Role { return p.role }

// Dim is the vector dimension of the pool, 0 when the pool has never held an entry.
func (p *PoolSnapshot) Dim() int { return p.dim }

func (p *PoolSnapshot) Len() int { return len(p.entries) }

func (p *PoolSnapshot) Get(id string) (Entry, bool) {
	e, ok := p.entries[id]
	return e, ok
}

// Matrix builds the pool matrix on first use and memoizes it for the lifetime
// of the snapshot. Rows are re-normalized while copying.
func (p *PoolSnapshot) Matrix() *Matrix {
	p.once.Do(func() {
		ids := make([]string, 0, len(p.entries))
		for id := range p.entries {
			ids = append(ids, id)
		}
		sort.Strings(ids)

		m := &Matrix{
			Rows:  len(ids),
			Dim:   p.dim,
			Data:  make([]float32, len(ids)*p.dim),
			IDs:   ids,
			Names: make([]string, len(ids)),
		}
		for i, id := range ids {
			e := p.entries[id]
			row := m.Row(i)
			copy(row, e.Vector)
			normalizeRow(row)
			m.Names[i] = e.DisplayName
		}
		p.matrix = m
	})
	return p.matrix
}

// with returns a copy of the pool with id set to e.
func (p *PoolSnapshot) with(id string, e Entry) *PoolSnapshot {
	next := make(map[string]Entry, len(p.entries)+1)
	for k, v := range p.entries {
		next[k] = v
	}
	next[id] = e
	dim := p.dim
	if dim == 0 {
		dim = len(e.Vector)
	}
	return newPoolSnapshot(p.role, dim, next)
}

// without returns a copy of the pool with id removed, or p itself if id is absent.
func (p *PoolSnapshot) without(id string) *PoolSnapshot {
	if _, ok := p.entries[id]; !ok {
		return p
	}
	next := make(map[string]Entry, len(p.entries))
	for k, v := range p.entries {
		if k != id {
			next[k] = v
		}
	}
	return newPoolSnapshot(p.role, p.dim, next)
}

// TenantSnapshot is what readers observe for a tenant: both pools at one point in time.
type TenantSnapshot struct {
	Tenant  models.TenantID
	Student *PoolSnapshot
	Staff   *PoolSnapshot
}

func emptyTenant(tenant models.TenantID, dim int) *TenantSnapshot {
	return &TenantSnapshot{
		Tenant:  tenant,
		Student: newPoolSnapshot(models.RoleStudent, dim, nil),
		Staff:   newPoolSnapshot(models.RoleStaff, dim, nil),
	}
}

// Pool returns the pool for role, or nil for an unknown role.
func (t *TenantSnapshot) Pool(role models.Role) *PoolSnapshot {
	switch role {
	case models.RoleStudent:
		return t.Student
	case models.RoleStaff:
		return t.Staff
	}
	return nil
}

func (t *TenantSnapshot) withPool(p *PoolSnapshot) *TenantSnapshot {
	next := *t
	switch p.role {
	case models.RoleStudent:
		next.Student = p
	case models.RoleStaff:
		next.Staff = p
	}
	return &next
}

func (t *TenantSnapshot) Len() int { return t.Student.Len() + t.Staff.Len() }

func normalizeRow(v []float32) {
	var sum float64
	for _, x := range v {
		sum += float64(x) * float64(x)
	}
	if sum == 0 {
		return
	}
	inv := 1 / math.Sqrt(sum)
	for i := range v {
		v[i] = float32(float64(v[i]) * inv)
	}
}
