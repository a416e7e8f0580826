package storage

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/pgvector/pgvector-go"

	"github.com/your-org/presence/internal/config"
	"github.com/your-org/presence/internal/models"
)

type PostgresStore struct {
	pool *pgxpool.Pool
}

func NewPostgresStore(cfg config.DatabaseConfig) (*PostgresStore, error) {
	poolCfg, err := pgxpool.ParseConfig(cfg.DSN())
	if err != nil {
		return nil, fmt.Errorf("parse dsn: %w", err)
	}
	poolCfg.MaxConns = int32(cfg.MaxConns)

	pool, err := pgxpool.NewWithConfig(context.Background(), poolCfg)
	if err != nil {
		return nil, fmt.Errorf("connect to postgres: %w", err)
	}

	if err := pool.Ping(context.Background()); err != nil {
		return nil, fmt.Errorf("ping postgres: %w", err)
	}

	return &PostgresStore{pool: pool}, nil
}

func (s *PostgresStore) Close() {
	s.pool.Close()
}

func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

// --- Identities ---

const identityColumns = `id, tenant_id, display_name, role, embedding_status,
	model_name, model_version, model_dim, generated_at, image_key, failure_reason`

func scanIdentity(row pgx.Row) (*models.Identity, error) {
	var id models.Identity
	err := row.Scan(&id.ID, &id.TenantID, &id.DisplayName, &id.Role, &id.EmbeddingStatus,
		&id.ModelTag.Name, &id.ModelTag.Version, &id.ModelTag.Dim, &id.GeneratedAt, &id.ImageKey, &id.FailureReason)
	if err != nil {
		return nil, err
	}
	return &id, nil
}

// UpsertIdentity creates the identity or updates its display data. The stored
// embedding is left alone; only WriteEmbedding changes it.
func (s *PostgresStore) UpsertIdentity(ctx context.Context, ident models.Identity) error {
	if err := ident.TenantID.Validate(); err != nil {
		return err
	}
	status := ident.EmbeddingStatus
	if status == "" {
		status = models.EmbeddingPending
	}
	_, err := s.pool.Exec(ctx,
		`INSERT INTO identities (tenant_id, id, display_name, role, embedding_status, image_key)
		 VALUES ($1, $2, $3, $4, $5, $6)
		 ON CONFLICT (tenant_id, id) DO UPDATE
		 SET display_name = EXCLUDED.display_name,
		     role = EXCLUDED.role,
		     image_key = CASE WHEN EXCLUDED.image_key = '' THEN identities.image_key ELSE EXCLUDED.image_key END,
		     updated_at = now()`,
		ident.TenantID, ident.ID, ident.DisplayName, ident.Role, status, ident.ImageKey)
	if err != nil {
		return fmt.Errorf("upsert identity: %w", err)
	}
	return nil
}

func (s *PostgresStore) GetIdentity(ctx context.Context, tenant models.TenantID, id string) (*models.Identity, error) {
	ident, err := scanIdentity(s.pool.QueryRow(ctx,
		`SELECT `+identityColumns+` FROM identities WHERE tenant_id = $1 AND id = $2`, tenant, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, models.ErrIdentityNotFound
		}
		return nil, fmt.Errorf("get identity: %w", err)
	}
	return ident, nil
}

// ListIdentities returns the identities matching q, ordered by id.
func (s *PostgresStore) ListIdentities(ctx context.Context, tenant models.TenantID, q models.IdentityQuery) ([]models.Identity, error) {
	where := []string{"tenant_id = $1"}
	args := []interface{}{tenant}
	argIdx := 2

	if q.Role != "" {
		where = append(where, fmt.Sprintf("role = $%d", argIdx))
		args = append(args, q.Role)
		argIdx++
	}
	if len(q.IDs) > 0 {
		where = append(where, fmt.Sprintf("id = ANY($%d)", argIdx))
		args = append(args, q.IDs)
		argIdx++
	}
	if q.MissingOnly {
		where = append(where, "embedding_status <> 'generated'")
	}

	rows, err := s.pool.Query(ctx,
		`SELECT `+identityColumns+` FROM identities WHERE `+strings.Join(where, " AND ")+` ORDER BY id`, args...)
	if err != nil {
		return nil, fmt.Errorf("list identities: %w", err)
	}
	defer rows.Close()

	var out []models.Identity
	for rows.Next() {
		ident, err := scanIdentity(rows)
		if err != nil {
			return nil, fmt.Errorf("scan identity: %w", err)
		}
		out = append(out, *ident)
	}
	return out, rows.Err()
}

// ListTenants returns every tenant that has at least one identity.
func (s *PostgresStore) ListTenants(ctx context.Context) ([]models.TenantID, error) {
	rows, err := s.pool.Query(ctx, `SELECT DISTINCT tenant_id FROM identities ORDER BY tenant_id`)
	if err != nil {
		return nil, fmt.Errorf("list tenants: %w", err)
	}
	defer rows.Close()

	var out []models.TenantID
	for rows.Next() {
		var t models.TenantID
		if err := rows.Scan(&t); err != nil {
			return nil, fmt.Errorf("scan tenant: %w", err)
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

func (s *PostgresStore) DeleteIdentity(ctx context.Context, tenant models.TenantID, id string) error {
	tag, err := s.pool.Exec(ctx, `DELETE FROM identities WHERE tenant_id = $1 AND id = $2`, tenant, id)
	if err != nil {
		return fmt.Errorf("delete identity: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return models.ErrIdentityNotFound
	}
	return nil
}

// --- Embeddings ---

// ReadAllGenerated returns every generated embedding of a tenant.
func (s *PostgresStore) ReadAllGenerated(ctx context.Context, tenant models.TenantID) ([]models.StoredEmbedding, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, display_name, role, embedding, model_name, model_version, model_dim
		 FROM identities
		 WHERE tenant_id = $1 AND embedding_status = 'generated' AND embedding IS NOT NULL
		 ORDER BY id`, tenant)
	if err != nil {
		return nil, fmt.Errorf("read generated embeddings: %w", err)
	}
	defer rows.Close()

	var out []models.StoredEmbedding
	for rows.Next() {
		var (
			e   models.StoredEmbedding
			vec pgvector.Vector
		)
		if err := rows.Scan(&e.IdentityID, &e.DisplayName, &e.Role, &vec,
			&e.ModelTag.Name, &e.ModelTag.Version, &e.ModelTag.Dim); err != nil {
			return nil, fmt.Errorf("scan embedding: %w", err)
		}
		e.Vector = vec.Slice()
		out = append(out, e)
	}
	return out, rows.Err()
}

// WriteEmbedding records a generation result. A nil vector clears the stored
// embedding, which is how failures are written.
func (s *PostgresStore) WriteEmbedding(ctx context.Context, tenant models.TenantID, id string, vector []float32,
	status models.EmbeddingStatus, tag models.ModelTag, reason string) error {
	var vec *pgvector.Vector
	var generatedAt *time.Time
	if vector != nil {
		v := pgvector.NewVector(vector)
		vec = &v
		now := time.Now().UTC()
		generatedAt = &now
	}
	ct, err := s.pool.Exec(ctx,
		`UPDATE identities
		 SET embedding = $3, embedding_status = $4, model_name = $5, model_version = $6, model_dim = $7,
		     generated_at = COALESCE($8, generated_at), failure_reason = $9, updated_at = now()
		 WHERE tenant_id = $1 AND id = $2`,
		tenant, id, vec, status, tag.Name, tag.Version, tag.Dim, generatedAt, reason)
	if err != nil {
		return fmt.Errorf("write embedding: %w", err)
	}
	if ct.RowsAffected() == 0 {
		return models.ErrIdentityNotFound
	}
	return nil
}

// --- Attendance ---

func (s *PostgresStore) MarkStudent(ctx context.Context, e models.StudentEntry) (models.StudentEntry, bool, error) {
	ct, err := s.pool.Exec(ctx,
		`INSERT INTO student_attendance (tenant_id, identity_id, day, status, source, confidence, marked_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)
		 ON CONFLICT (tenant_id, identity_id, day) DO NOTHING`,
		e.TenantID, e.IdentityID, e.Day, e.Status, e.Source, e.Confidence, e.MarkedAt)
	if err != nil {
		return models.StudentEntry{}, false, fmt.Errorf("insert student attendance: %w", err)
	}
	if ct.RowsAffected() == 1 {
		return e, true, nil
	}

	existing := models.StudentEntry{TenantID: e.TenantID, IdentityID: e.IdentityID, Day: e.Day}
	err = s.pool.QueryRow(ctx,
		`SELECT status, source, confidence, marked_at FROM student_attendance
		 WHERE tenant_id = $1 AND identity_id = $2 AND day = $3`,
		e.TenantID, e.IdentityID, e.Day,
	).Scan(&existing.Status, &existing.Source, &existing.Confidence, &existing.MarkedAt)
	if err != nil {
		return models.StudentEntry{}, false, fmt.Errorf("read student attendance: %w", err)
	}
	return existing, false, nil
}

func (s *PostgresStore) ClockIn(ctx context.Context, e models.StaffEntry) (models.StaffEntry, bool, error) {
	ct, err := s.pool.Exec(ctx,
		`INSERT INTO staff_attendance (tenant_id, identity_id, day, check_in, status, confidence)
		 VALUES ($1, $2, $3, $4, $5, $6)
		 ON CONFLICT (tenant_id, identity_id, day) DO NOTHING`,
		e.TenantID, e.IdentityID, e.Day, e.CheckIn, e.Status, e.Confidence)
	if err != nil {
		return models.StaffEntry{}, false, fmt.Errorf("insert staff attendance: %w", err)
	}
	if ct.RowsAffected() == 1 {
		return e, true, nil
	}
	existing, err := s.getStaff(ctx, e.Key())
	if err != nil {
		return models.StaffEntry{}, false, err
	}
	return existing, false, nil
}

func (s *PostgresStore) ClockOut(ctx context.Context, key models.DayKey, at time.Time, leftEarly bool) (models.StaffEntry, bool, error) {
	e := models.StaffEntry{TenantID: key.TenantID, IdentityID: key.IdentityID, Day: key.Day}
	err := s.pool.QueryRow(ctx,
		`UPDATE staff_attendance SET check_out = $4, left_early = $5
		 WHERE tenant_id = $1 AND identity_id = $2 AND day = $3 AND check_out IS NULL
		 RETURNING check_in, check_out, status, left_early, confidence`,
		key.TenantID, key.IdentityID, key.Day, at, leftEarly,
	).Scan(&e.CheckIn, &e.CheckOut, &e.Status, &e.LeftEarly, &e.Confidence)
	if err == nil {
		return e, true, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return models.StaffEntry{}, false, fmt.Errorf("clock out: %w", err)
	}
	existing, err := s.getStaff(ctx, key)
	if err != nil {
		return models.StaffEntry{}, false, err
	}
	return existing, false, nil
}

func (s *PostgresStore) getStaff(ctx context.Context, key models.DayKey) (models.StaffEntry, error) {
	e := models.StaffEntry{TenantID: key.TenantID, IdentityID: key.IdentityID, Day: key.Day}
	err := s.pool.QueryRow(ctx,
		`SELECT check_in, check_out, status, left_early, confidence FROM staff_attendance
		 WHERE tenant_id = $1 AND identity_id = $2 AND day = $3`,
		key.TenantID, key.IdentityID, key.Day,
	).Scan(&e.CheckIn, &e.CheckOut, &e.Status, &e.LeftEarly, &e.Confidence)
	if err != nil {
		return models.StaffEntry{}, fmt.Errorf("read staff attendance: %w", err)
	}
	return e, nil
}

func (s *PostgresStore) AppendActivity(ctx context.Context, a models.ActivityLog) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO activity_log (id, tenant_id, identity_id, display_name, role, action, confidence, timestamp)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		a.ID, a.TenantID, a.IdentityID, a.DisplayName, a.Role, a.Action, a.Confidence, a.Timestamp)
	if err != nil {
		return fmt.Errorf("append activity: %w", err)
	}
	return nil
}

// RecentActivity returns the newest activity entries of a tenant.
func (s *PostgresStore) RecentActivity(ctx context.Context, tenant models.TenantID, limit int) ([]models.ActivityLog, error) {
	if limit <= 0 {
		limit = 50
	}
	if limit > 500 {
		limit = 500
	}
	rows, err := s.pool.Query(ctx,
		`SELECT id, tenant_id, identity_id, display_name, role, action, confidence, timestamp
		 FROM activity_log WHERE tenant_id = $1 ORDER BY timestamp DESC LIMIT $2`, tenant, limit)
	if err != nil {
		return nil, fmt.Errorf("query activity: %w", err)
	}
	defer rows.Close()

	var out []models.ActivityLog
	for rows.Next() {
		var a models.ActivityLog
		if err := rows.Scan(&a.ID, &a.TenantID, &a.IdentityID, &a.DisplayName, &a.Role,
			&a.Action, &a.Confidence, &a.Timestamp); err != nil {
			return nil, fmt.Errorf("scan activity: %w", err)
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

// --- Settings ---

// LoadSettings returns the stored settings of a tenant. The bool is false when
// the tenant has no row.
func (s *PostgresStore) LoadSettings(ctx context.Context, tenant models.TenantID) (models.Settings, bool, error) {
	var st models.Settings
	err := s.pool.QueryRow(ctx,
		`SELECT confidence_threshold, max_retry_attempts, late_after_time, staff_late_after_time,
		        checkout_time, timezone, students_enabled, employees_enabled
		 FROM tenant_settings WHERE tenant_id = $1`, tenant,
	).Scan(&st.ConfidenceThreshold, &st.MaxRetryAttempts, &st.StudentLateAfter, &st.StaffLateAfter,
		&st.StaffCheckoutTime, &st.Timezone, &st.StudentsEnabled, &st.EmployeesEnabled)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return models.Settings{}, false, nil
		}
		return models.Settings{}, false, fmt.Errorf("load settings: %w", err)
	}
	return st, true, nil
}

func (s *PostgresStore) SaveSettings(ctx context.Context, tenant models.TenantID, st models.Settings) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO tenant_settings (tenant_id, confidence_threshold, max_retry_attempts, late_after_time,
		        staff_late_after_time, checkout_time, timezone, students_enabled, employees_enabled)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		 ON CONFLICT (tenant_id) DO UPDATE SET
		        confidence_threshold = EXCLUDED.confidence_threshold,
		        max_retry_attempts = EXCLUDED.max_retry_attempts,
		        late_after_time = EXCLUDED.late_after_time,
		        staff_late_after_time = EXCLUDED.staff_late_after_time,
		        checkout_time = EXCLUDED.checkout_time,
		        timezone = EXCLUDED.timezone,
		        students_enabled = EXCLUDED.students_enabled,
		        employees_enabled = EXCLUDED.employees_enabled`,
		tenant, st.ConfidenceThreshold, st.MaxRetryAttempts, st.StudentLateAfter, st.StaffLateAfter,
		st.StaffCheckoutTime, st.Timezone, st.StudentsEnabled, st.EmployeesEnabled)
	if err != nil {
		return fmt.Errorf("save settings: %w", err)
	}
	return nil
}
