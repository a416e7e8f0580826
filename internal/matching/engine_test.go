package matching

import (
	"fmt"
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/your-org/presence/internal/cache"
	"github.com/your-org/presence/internal/models"
)

var testTag = models.ModelTag{Name: "arcface", Version: "1", Dim: 4}

// withCosine returns a unit vector whose cosine with e0 is c.
func withCosine(c float64) []float32 {
	return []float32{float32(c), float32(math.Sqrt(1 - c*c)), 0, 0}
}

func enroll(t *testing.T, c *cache.Cache, tenant models.TenantID, role models.Role, id string, v []float32) {
	t.Helper()
	require.NoError(t, c.Upsert(tenant, id, cache.Entry{Vector: v, DisplayName: "name-" + id, Role: role}))
}

func TestMatch_ThresholdScenario(t *testing.T) {
	c := cache.New(testTag, nil)
	enroll(t, c, "school", models.RoleStudent, "alice", withCosine(0.90))
	enroll(t, c, "school", models.RoleStaff, "bob", withCosine(0.40))
	e := NewEngine(c)
	query := []float32{1, 0, 0, 0}

	out, err := e.Match("school", query, 0.85)
	require.NoError(t, err)
	assert.True(t, out.Matched())
	assert.Equal(t, "alice", out.IdentityID)
	assert.Equal(t, "name-alice", out.DisplayName)
	assert.Equal(t, models.RoleStudent, out.Role)
	assert.InDelta(t, 0.90, out.Confidence, 1e-5)

	out, err = e.Match("school", query, 0.95)
	require.NoError(t, err)
	assert.Equal(t, StatusLowConfidence, out.Status)
	assert.InDelta(t, 0.90, out.BestObserved, 1e-5)
	assert.Equal(t, "alice", out.BestCandidate)
	assert.Empty(t, out.IdentityID)
}

func TestMatch_TenantIsolation(t *testing.T) {
	c := cache.New(testTag, nil)
	enroll(t, c, "t2", models.RoleStudent, "only-in-t2", []float32{1, 0, 0, 0})
	e := NewEngine(c)

	out, err := e.Match("t1", []float32{1, 0, 0, 0}, 0)
	require.NoError(t, err)
	assert.False(t, out.Matched())
	assert.True(t, out.Empty)
	assert.Zero(t, out.BestObserved)

	_, err = e.Match("", []float32{1, 0, 0, 0}, 0.5)
	assert.ErrorIs(t, err, models.ErrMissingTenant)
}

func TestMatch_TieBreak(t *testing.T) {
	c := cache.New(testTag, nil)
	v := []float32{0, 1, 0, 0}
	enroll(t, c, "s", models.RoleStaff, "aaa", v)
	enroll(t, c, "s", models.RoleStudent, "zed", v)
	enroll(t, c, "s", models.RoleStudent, "mid", v)
	e := NewEngine(c)

	for i := 0; i < 5; i++ {
		out, err := e.Match("s", v, 0.5)
		require.NoError(t, err)
		assert.Equal(t, "mid", out.IdentityID, "smallest id in the student pool")
		assert.Equal(t, models.RoleStudent, out.Role)
	}

	out, err := e.Match("s", v, 0.5, models.RoleStaff)
	require.NoError(t, err)
	assert.Equal(t, "aaa", out.IdentityID)
}

func TestMatch_PoolFilter(t *testing.T) {
	c := cache.New(testTag, nil)
	enroll(t, c, "s", models.RoleStudent, "stu", []float32{1, 0, 0, 0})
	enroll(t, c, "s", models.RoleStaff, "emp", []float32{0.8, 0.6, 0, 0})
	e := NewEngine(c)

	out, err := e.Match("s", []float32{1, 0, 0, 0}, 0.5, models.RoleStaff)
	require.NoError(t, err)
	assert.Equal(t, "emp", out.IdentityID)
	assert.InDelta(t, 0.8, out.Confidence, 1e-5)
}

func TestMatch_Validation(t *testing.T) {
	c := cache.New(testTag, nil)
	enroll(t, c, "s", models.RoleStudent, "x", []float32{1, 0, 0, 0})
	e := NewEngine(c)

	_, err := e.Match("s", []float32{1, 0, 0}, 0.5)
	assert.ErrorIs(t, err, ErrDimensionMismatch)

	_, err = e.Match("s", []float32{1, 0, 0, 0}, 1.5)
	assert.ErrorIs(t, err, ErrInvalidThreshold)

	_, err = e.Match("s", []float32{0, 0, 0, 0}, 0.5)
	assert.ErrorIs(t, err, ErrEmptyQuery)
}

func TestMatch_UnnormalizedQuery(t *testing.T) {
	c := cache.New(testTag, nil)
	enroll(t, c, "s", models.RoleStudent, "x", []float32{0, 0, 1, 0})
	e := NewEngine(c)

	out, err := e.Match("s", []float32{0, 0, 7, 0}, 0.99)
	require.NoError(t, err)
	assert.True(t, out.Matched())
	assert.InDelta(t, 1.0, out.Confidence, 1e-6)
}

func TestMatch_LargePopulation(t *testing.T) {
	c := cache.New(models.ModelTag{Name: "m", Version: "1", Dim: 64}, nil)
	for i := 0; i < 2000; i++ {
		v := make([]float32, 64)
		v[i%64] = 1
		v[(i*7+3)%64] += float32(i%13) / 13
		require.NoError(t, c.Upsert("big", fmt.Sprintf("id-%04d", i), cache.Entry{Vector: v, Role: models.RoleStudent}))
	}
	target := make([]float32, 64)
	target[5] = 1
	require.NoError(t, c.Upsert("big", "target", cache.Entry{Vector: target, Role: models.RoleStaff}))

	out, err := NewEngine(c).Match("big", target, 0.999)
	require.NoError(t, err)
	assert.InDelta(t, 1.0, out.Confidence, 1e-6)
}
