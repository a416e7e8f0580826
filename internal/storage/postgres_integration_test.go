//go:build integration

package storage

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/your-org/presence/internal/config"
	"github.com/your-org/presence/internal/models"
)

func setupPostgres(t *testing.T) *PostgresStore {
	t.Helper()
	ctx := context.Background()

	req := testcontainers.ContainerRequest{
		Image:        "pgvector/pgvector:pg16",
		ExposedPorts: []string{"5432/tcp"},
		Env: map[string]string{
			"POSTGRES_USER":     "presence",
			"POSTGRES_PASSWORD": "presence",
			"POSTGRES_DB":       "presence_test",
		},
		WaitingFor: wait.ForLog("database system is ready to accept connections").
			WithOccurrence(2).
			WithStartupTimeout(60 * time.Second),
	}

	container, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: req,
		Started:          true,
	})
	if err != nil {
		t.Skipf("docker not available: %v", err)
	}
	t.Cleanup(func() {
		_ = container.Terminate(context.Background())
	})

	host, err := container.Host(ctx)
	require.NoError(t, err)
	port, err := container.MappedPort(ctx, "5432")
	require.NoError(t, err)

	store, err := NewPostgresStore(config.DatabaseConfig{
		Host:     host,
		Port:     port.Int(),
		Name:     "presence_test",
		User:     "presence",
		Password: "presence",
		MaxConns: 4,
	})
	require.NoError(t, err)
	t.Cleanup(store.Close)

	require.NoError(t, store.Migrate(ctx))
	// Migrate is idempotent.
	require.NoError(t, store.Migrate(ctx))
	return store
}

func TestPostgres_IdentityAndEmbeddings(t *testing.T) {
	store := setupPostgres(t)
	ctx := context.Background()
	const tenant = models.TenantID("school-a")
	tag := models.ModelTag{Name: "arcface", Version: "w600k_r50", Dim: 4}

	require.NoError(t, store.UpsertIdentity(ctx, models.Identity{
		TenantID: tenant, ID: "s-1", DisplayName: "Alice", Role: models.RoleStudent, ImageKey: "enrollments/school-a/s-1.jpg",
	}))
	require.NoError(t, store.UpsertIdentity(ctx, models.Identity{
		TenantID: tenant, ID: "t-1", DisplayName: "Bob", Role: models.RoleStaff,
	}))
	require.NoError(t, store.UpsertIdentity(ctx, models.Identity{
		TenantID: "school-b", ID: "s-1", DisplayName: "Other Alice", Role: models.RoleStudent,
	}))

	got, err := store.GetIdentity(ctx, tenant, "s-1")
	require.NoError(t, err)
	assert.Equal(t, "Alice", got.DisplayName)
	assert.Equal(t, models.EmbeddingPending, got.EmbeddingStatus)

	_, err = store.GetIdentity(ctx, tenant, "missing")
	assert.ErrorIs(t, err, models.ErrIdentityNotFound)

	require.NoError(t, store.WriteEmbedding(ctx, tenant, "s-1", []float32{1, 0, 0, 0}, models.EmbeddingGenerated, tag, ""))
	require.NoError(t, store.WriteEmbedding(ctx, tenant, "t-1", nil, models.EmbeddingFailed, models.ModelTag{}, "no_face_detected"))
	assert.ErrorIs(t,
		store.WriteEmbedding(ctx, tenant, "ghost", []float32{1, 0, 0, 0}, models.EmbeddingGenerated, tag, ""),
		models.ErrIdentityNotFound)

	// Re-upserting display data keeps the embedding and the image key.
	require.NoError(t, store.UpsertIdentity(ctx, models.Identity{
		TenantID: tenant, ID: "s-1", DisplayName: "Alice B.", Role: models.RoleStudent,
	}))

	stored, err := store.ReadAllGenerated(ctx, tenant)
	require.NoError(t, err)
	require.Len(t, stored, 1)
	assert.Equal(t, "s-1", stored[0].IdentityID)
	assert.Equal(t, "Alice B.", stored[0].DisplayName)
	assert.Equal(t, []float32{1, 0, 0, 0}, stored[0].Vector)
	assert.Equal(t, tag, stored[0].ModelTag)

	got, err = store.GetIdentity(ctx, tenant, "s-1")
	require.NoError(t, err)
	assert.Equal(t, "enrollments/school-a/s-1.jpg", got.ImageKey)
	assert.NotNil(t, got.GeneratedAt)

	missing, err := store.ListIdentities(ctx, tenant, models.IdentityQuery{MissingOnly: true})
	require.NoError(t, err)
	require.Len(t, missing, 1)
	assert.Equal(t, "t-1", missing[0].ID)
	assert.Equal(t, "no_face_detected", missing[0].FailureReason)

	staff, err := store.ListIdentities(ctx, tenant, models.IdentityQuery{Role: models.RoleStaff})
	require.NoError(t, err)
	assert.Len(t, staff, 1)

	byID, err := store.ListIdentities(ctx, tenant, models.IdentityQuery{IDs: []string{"s-1", "nope"}})
	require.NoError(t, err)
	assert.Len(t, byID, 1)

	tenants, err := store.ListTenants(ctx)
	require.NoError(t, err)
	assert.ElementsMatch(t, []models.TenantID{"school-a", "school-b"}, tenants)

	require.NoError(t, store.DeleteIdentity(ctx, tenant, "s-1"))
	assert.ErrorIs(t, store.DeleteIdentity(ctx, tenant, "s-1"), models.ErrIdentityNotFound)

	other, err := store.GetIdentity(ctx, "school-b", "s-1")
	require.NoError(t, err)
	assert.Equal(t, "Other Alice", other.DisplayName)
}

func TestPostgres_AttendanceIsWriteOnce(t *testing.T) {
	store := setupPostgres(t)
	ctx := context.Background()
	at := time.Date(2026, 3, 2, 8, 10, 0, 0, time.UTC)

	entry := models.StudentEntry{
		TenantID: "school-a", IdentityID: "s-1", Day: "2026-03-02",
		Status: models.StatusPresent, Source: models.SourceBiometric, Confidence: 0.9, MarkedAt: at,
	}
	got, inserted, err := store.MarkStudent(ctx, entry)
	require.NoError(t, err)
	assert.True(t, inserted)
	assert.Equal(t, models.StatusPresent, got.Status)

	later := entry
	later.Status = models.StatusLate
	later.MarkedAt = at.Add(time.Hour)
	got, inserted, err = store.MarkStudent(ctx, later)
	require.NoError(t, err)
	assert.False(t, inserted)
	assert.Equal(t, models.StatusPresent, got.Status)
	assert.True(t, got.MarkedAt.Equal(at))

	staff := models.StaffEntry{
		TenantID: "school-a", IdentityID: "t-1", Day: "2026-03-02",
		CheckIn: at, Status: models.StatusLate, Confidence: 0.8,
	}
	_, inserted, err = store.ClockIn(ctx, staff)
	require.NoError(t, err)
	assert.True(t, inserted)

	_, inserted, err = store.ClockIn(ctx, staff)
	require.NoError(t, err)
	assert.False(t, inserted)

	out := at.Add(6 * time.Hour)
	closed, updated, err := store.ClockOut(ctx, staff.Key(), out, true)
	require.NoError(t, err)
	assert.True(t, updated)
	require.NotNil(t, closed.CheckOut)
	assert.True(t, closed.CheckOut.Equal(out))
	assert.True(t, closed.LeftEarly)

	again, updated, err := store.ClockOut(ctx, staff.Key(), out.Add(time.Hour), false)
	require.NoError(t, err)
	assert.False(t, updated)
	require.NotNil(t, again.CheckOut)
	assert.True(t, again.CheckOut.Equal(out))
}

func TestPostgres_ActivityAndSettings(t *testing.T) {
	store := setupPostgres(t)
	ctx := context.Background()
	base := time.Date(2026, 3, 2, 8, 0, 0, 0, time.UTC)

	for i, action := range []models.ActivityAction{models.ActionMarkedPresent, models.ActionCheckIn, models.ActionCheckOut} {
		require.NoError(t, store.AppendActivity(ctx, models.ActivityLog{
			ID: string(action), TenantID: "school-a", IdentityID: "x", Role: models.RoleStaff,
			Action: action, Confidence: 0.7, Timestamp: base.Add(time.Duration(i) * time.Minute),
		}))
	}
	recent, err := store.RecentActivity(ctx, "school-a", 2)
	require.NoError(t, err)
	require.Len(t, recent, 2)
	assert.Equal(t, models.ActionCheckOut, recent[0].Action)
	assert.Equal(t, models.ActionCheckIn, recent[1].Action)

	_, found, err := store.LoadSettings(ctx, "school-a")
	require.NoError(t, err)
	assert.False(t, found)

	st := models.DefaultSettings()
	st.ConfidenceThreshold = 0.65
	st.Timezone = "Europe/Berlin"
	st.StudentsEnabled = false
	require.NoError(t, store.SaveSettings(ctx, "school-a", st))

	loaded, found, err := store.LoadSettings(ctx, "school-a")
	require.NoError(t, err)
	assert.True(t, found)
	assert.InDelta(t, 0.65, loaded.ConfidenceThreshold, 1e-6)
	assert.Equal(t, "Europe/Berlin", loaded.Timezone)
	assert.False(t, loaded.StudentsEnabled)
}
