package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"
	_ "time/tzdata"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/your-org/presence/internal/api/handlers"
	"github.com/your-org/presence/internal/attendance"
	"github.com/your-org/presence/internal/cache"
	"github.com/your-org/presence/internal/jobs"
	"github.com/your-org/presence/internal/models"
	"github.com/your-org/presence/internal/recognition"
	"github.com/your-org/presence/internal/settings"
	"github.com/your-org/presence/pkg/dto"
)

const apiKey = "k"

type fakeEnroller struct {
	mu       sync.Mutex
	enrolled map[string]bool
	removed  []string
}

func (f *fakeEnroller) Enroll(_ context.Context, tenant models.TenantID, req recognition.EnrollRequest) (recognition.EnrollResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if string(req.Image) == "noface" {
		return recognition.EnrollResult{Status: models.EmbeddingFailed, Reason: "no_face_detected"}, nil
	}
	key := string(tenant) + "/" + req.IdentityID
	if f.enrolled[key] && !req.Update {
		return recognition.EnrollResult{}, recognition.ErrDuplicateEnrollment
	}
	f.enrolled[key] = true
	return recognition.EnrollResult{Status: models.EmbeddingGenerated}, nil
}

func (f *fakeEnroller) Remove(_ context.Context, tenant models.TenantID, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.removed = append(f.removed, string(tenant)+"/"+id)
	return nil
}

func (f *fakeEnroller) DeleteIdentity(_ context.Context, tenant models.TenantID, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.enrolled[string(tenant)+"/"+id] {
		return models.ErrIdentityNotFound
	}
	delete(f.enrolled, string(tenant)+"/"+id)
	return nil
}

type fakeRecognizer struct {
	last recognition.RecognizeRequest
}

func (f *fakeRecognizer) Recognize(_ context.Context, _ models.TenantID, req recognition.RecognizeRequest) (recognition.RecognizeResult, error) {
	f.last = req
	if string(req.Image) == "noface" {
		return recognition.RecognizeResult{Status: recognition.StatusNoFaceDetected}, nil
	}
	return recognition.RecognizeResult{
		Status:       recognition.StatusMatched,
		Match:        &recognition.Match{IdentityID: "alice", Role: models.RoleStudent, Confidence: 0.93},
		BestObserved: 0.93,
	}, nil
}

type fakeCaptures struct {
	tasks []models.CaptureTask
}

func (f *fakeCaptures) PutCapture(_ context.Context, tenant models.TenantID, _ []byte) (string, error) {
	return "captures/" + string(tenant) + "/x.jpg", nil
}

func (f *fakeCaptures) PublishCapture(_ context.Context, task models.CaptureTask) error {
	f.tasks = append(f.tasks, task)
	return nil
}

type fakeJobs struct {
	snaps map[string]jobs.Snapshot
}

func (f *fakeJobs) Start(_ context.Context, tenant models.TenantID, scope jobs.Scope, filter models.IdentityQuery) (string, error) {
	for _, s := range f.snaps {
		if s.Tenant == tenant && s.Running {
			return "", jobs.ErrJobRunning
		}
	}
	id := "job-" + string(tenant)
	f.snaps[id] = jobs.Snapshot{ID: id, Tenant: tenant, Scope: scope, Filter: filter, Running: true}
	return id, nil
}

func (f *fakeJobs) Status(id string) (jobs.Snapshot, error) {
	s, ok := f.snaps[id]
	if !ok {
		return jobs.Snapshot{}, jobs.ErrJobNotFound
	}
	return s, nil
}

func (f *fakeJobs) Cancel(id string) error {
	s, ok := f.snaps[id]
	if !ok {
		return jobs.ErrJobNotFound
	}
	s.Running, s.Cancelled = false, true
	f.snaps[id] = s
	return nil
}

func (f *fakeJobs) List(tenant models.TenantID) []jobs.Snapshot {
	var out []jobs.Snapshot
	for _, s := range f.snaps {
		if s.Tenant == tenant {
			out = append(out, s)
		}
	}
	return out
}

type fakeSource struct{}

func (fakeSource) ReadAllGenerated(_ context.Context, tenant models.TenantID) ([]models.StoredEmbedding, error) {
	tag := models.ModelTag{Name: "m", Version: "1", Dim: 2}
	return []models.StoredEmbedding{
		{IdentityID: "s1", Role: models.RoleStudent, Vector: []float32{1, 0}, ModelTag: tag},
		{IdentityID: "t1", Role: models.RoleStaff, Vector: []float32{0, 1}, ModelTag: tag},
		{IdentityID: "old", Role: models.RoleStaff, Vector: []float32{0, 1}, ModelTag: models.ModelTag{Name: "m", Version: "0", Dim: 2}},
	}, nil
}

type fakeSettingsDB struct {
	mu   sync.Mutex
	rows map[models.TenantID]models.Settings
}

func (f *fakeSettingsDB) LoadSettings(_ context.Context, tenant models.TenantID) (models.Settings, bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	st, ok := f.rows[tenant]
	return st, ok, nil
}

func (f *fakeSettingsDB) SaveSettings(_ context.Context, tenant models.TenantID, st models.Settings) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.rows[tenant] = st
	return nil
}

type fakeRoster map[string]models.Identity

func (f fakeRoster) GetIdentity(_ context.Context, tenant models.TenantID, id string) (*models.Identity, error) {
	ident, ok := f[string(tenant)+"/"+id]
	if !ok {
		return nil, models.ErrIdentityNotFound
	}
	return &ident, nil
}

type fakeActivity struct{}

func (fakeActivity) RecentActivity(_ context.Context, tenant models.TenantID, limit int) ([]models.ActivityLog, error) {
	return []models.ActivityLog{{ID: "1", TenantID: tenant, IdentityID: "alice", Action: models.ActionMarkedPresent}}, nil
}

type env struct {
	router     *gin.Engine
	enroller   *fakeEnroller
	recognizer *fakeRecognizer
	captures   *fakeCaptures
	records    *attendance.MemoryStore
}

func newEnv(t *testing.T) *env {
	t.Helper()
	gin.SetMode(gin.TestMode)
	e := &env{
		enroller:   &fakeEnroller{enrolled: map[string]bool{}},
		recognizer: &fakeRecognizer{},
		captures:   &fakeCaptures{},
		records:    attendance.NewMemoryStore(),
	}
	db := &fakeSettingsDB{rows: map[models.TenantID]models.Settings{}}
	provider := settings.NewProvider(db, time.Minute, models.DefaultSettings())
	now := time.Date(2026, 3, 9, 7, 30, 0, 0, time.UTC)

	e.router = NewRouter(RouterConfig{
		APIKey:     apiKey,
		Enroller:   e.enroller,
		Recognizer: e.recognizer,
		Identities: e.enroller,
		Captures:   e.captures,
		Publisher:  e.captures,
		Jobs:       &fakeJobs{snaps: map[string]jobs.Snapshot{}},
		Cache:      cache.New(models.ModelTag{Name: "m", Version: "1", Dim: 2}, fakeSource{}),
		Marker:     attendance.NewService(e.records, attendance.WithClock(func() time.Time { return now })),
		Roster: fakeRoster{
			"school/alice": {TenantID: "school", ID: "alice", DisplayName: "Alice", Role: models.RoleStudent},
			"school/bob":   {TenantID: "school", ID: "bob", DisplayName: "Bob", Role: models.RoleStaff},
		},
		Activity:   fakeActivity{},
		Settings:   provider,
		SettingsDB: db,
		Checks: map[string]handlers.Checker{
			"postgres": func(context.Context) error { return nil },
		},
	})
	return e
}

func (e *env) do(t *testing.T, method, path, tenant string, body *bytes.Buffer, contentType string) *httptest.ResponseRecorder {
	t.Helper()
	if body == nil {
		body = &bytes.Buffer{}
	}
	req := httptest.NewRequest(method, path, body)
	req.Header.Set("X-API-Key", apiKey)
	if tenant != "" {
		req.Header.Set("X-Tenant-ID", tenant)
	}
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	w := httptest.NewRecorder()
	e.router.ServeHTTP(w, req)
	return w
}

func multipartBody(t *testing.T, fields map[string]string, image string) (*bytes.Buffer, string) {
	t.Helper()
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	for k, v := range fields {
		require.NoError(t, mw.WriteField(k, v))
	}
	if image != "" {
		fw, err := mw.CreateFormFile("image", "face.jpg")
		require.NoError(t, err)
		_, err = fw.Write([]byte(image))
		require.NoError(t, err)
	}
	require.NoError(t, mw.Close())
	return &buf, mw.FormDataContentType()
}

func jsonBody(t *testing.T, v any) *bytes.Buffer {
	t.Helper()
	b, err := json.Marshal(v)
	require.NoError(t, err)
	return bytes.NewBuffer(b)
}

func decode[T any](t *testing.T, w *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &v), w.Body.String())
	return v
}

func TestSystemEndpoints(t *testing.T) {
	e := newEnv(t)
	assert.Equal(t, http.StatusOK, e.do(t, http.MethodGet, "/healthz", "", nil, "").Code)
	assert.Equal(t, http.StatusOK, e.do(t, http.MethodGet, "/readyz", "", nil, "").Code)
	assert.Equal(t, http.StatusOK, e.do(t, http.MethodGet, "/metrics", "", nil, "").Code)
}

func TestReadyzReportsFailingDependency(t *testing.T) {
	gin.SetMode(gin.TestMode)
	r := NewRouter(RouterConfig{Checks: map[string]handlers.Checker{
		"nats": func(context.Context) error { return errors.New("nats not connected") },
	}})
	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/readyz", nil))
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
	assert.Contains(t, w.Body.String(), "nats not connected")
}

func TestAuthAndTenantRequired(t *testing.T) {
	e := newEnv(t)
	req := httptest.NewRequest(http.MethodGet, "/v1/activity", nil)
	w := httptest.NewRecorder()
	e.router.ServeHTTP(w, req)
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	assert.Equal(t, http.StatusBadRequest, e.do(t, http.MethodGet, "/v1/activity", "", nil, "").Code)
}

func TestEnrollEndpoints(t *testing.T) {
	e := newEnv(t)
	fields := map[string]string{"identity_id": "alice", "display_name": "Alice", "role": "student"}

	body, ct := multipartBody(t, fields, "img")
	w := e.do(t, http.MethodPost, "/v1/enroll", "school", body, ct)
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	assert.Equal(t, models.EmbeddingGenerated, decode[dto.EnrollResponse](t, w).Status)

	body, ct = multipartBody(t, fields, "img")
	assert.Equal(t, http.StatusConflict, e.do(t, http.MethodPost, "/v1/enroll", "school", body, ct).Code)

	body, ct = multipartBody(t, fields, "img")
	assert.Equal(t, http.StatusOK, e.do(t, http.MethodPut, "/v1/enroll", "school", body, ct).Code)

	body, ct = multipartBody(t, fields, "img")
	assert.Equal(t, http.StatusCreated, e.do(t, http.MethodPost, "/v1/enroll", "other-school", body, ct).Code,
		"same id in another tenant is a different identity")

	body, ct = multipartBody(t, map[string]string{"identity_id": "bob", "role": "staff"}, "noface")
	w = e.do(t, http.MethodPost, "/v1/enroll", "school", body, ct)
	assert.Equal(t, http.StatusUnprocessableEntity, w.Code)
	assert.Equal(t, "no_face_detected", decode[dto.EnrollResponse](t, w).Reason)
}

func TestEnrollValidation(t *testing.T) {
	e := newEnv(t)

	body, ct := multipartBody(t, map[string]string{"identity_id": "alice", "role": "parent"}, "img")
	assert.Equal(t, http.StatusBadRequest, e.do(t, http.MethodPost, "/v1/enroll", "school", body, ct).Code)

	body, ct = multipartBody(t, map[string]string{"identity_id": "alice", "role": "student"}, "")
	assert.Equal(t, http.StatusBadRequest, e.do(t, http.MethodPost, "/v1/enroll", "school", body, ct).Code)

	body, ct = multipartBody(t, map[string]string{"role": "student"}, "img")
	assert.Equal(t, http.StatusBadRequest, e.do(t, http.MethodPost, "/v1/enroll", "school", body, ct).Code)
}

func TestDeleteIdentity(t *testing.T) {
	e := newEnv(t)
	body, ct := multipartBody(t, map[string]string{"identity_id": "t1", "role": "employee"}, "img")
	require.Equal(t, http.StatusCreated, e.do(t, http.MethodPost, "/v1/enroll", "school", body, ct).Code)

	// t1 is staff; the path's role does not limit the eviction
	assert.Equal(t, http.StatusNoContent, e.do(t, http.MethodDelete, "/v1/identities/student/t1", "school", nil, "").Code)
	assert.Equal(t, []string{"school/t1"}, e.enroller.removed)

	assert.Equal(t, http.StatusNotFound, e.do(t, http.MethodDelete, "/v1/identities/staff/t1", "school", nil, "").Code)
	assert.Equal(t, http.StatusBadRequest, e.do(t, http.MethodDelete, "/v1/identities/parent/t1", "school", nil, "").Code)
}

func TestRecognizeEndpoint(t *testing.T) {
	e := newEnv(t)

	body, ct := multipartBody(t, map[string]string{"auto_clock": "true"}, "img")
	w := e.do(t, http.MethodPost, "/v1/recognize", "school", body, ct)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	res := decode[recognition.RecognizeResult](t, w)
	assert.Equal(t, recognition.StatusMatched, res.Status)
	assert.Equal(t, "alice", res.Match.IdentityID)
	assert.True(t, e.recognizer.last.AutoClock)

	body, ct = multipartBody(t, nil, "noface")
	w = e.do(t, http.MethodPost, "/v1/recognize", "school", body, ct)
	assert.Equal(t, http.StatusOK, w.Code, "capture failures are results, not HTTP errors")
	assert.Equal(t, recognition.StatusNoFaceDetected, decode[recognition.RecognizeResult](t, w).Status)

	body, ct = multipartBody(t, map[string]string{"capture_id": "nope"}, "img")
	assert.Equal(t, http.StatusBadRequest, e.do(t, http.MethodPost, "/v1/recognize", "school", body, ct).Code)
}

func TestCaptureEndpoint(t *testing.T) {
	e := newEnv(t)
	body, ct := multipartBody(t, map[string]string{"device_id": "gate-1"}, "img")
	w := e.do(t, http.MethodPost, "/v1/captures", "school", body, ct)
	require.Equal(t, http.StatusAccepted, w.Code, w.Body.String())

	require.Len(t, e.captures.tasks, 1)
	task := e.captures.tasks[0]
	assert.Equal(t, models.TenantID("school"), task.TenantID)
	assert.Equal(t, "gate-1", task.DeviceID)
	assert.Equal(t, "captures/school/x.jpg", task.ImageRef)
	assert.True(t, task.AutoClock)
	assert.Equal(t, task.CaptureID.String(), decode[dto.CaptureAccepted](t, w).CaptureID)
}

func TestJobEndpoints(t *testing.T) {
	e := newEnv(t)

	w := e.do(t, http.MethodPost, "/v1/jobs", "school", jsonBody(t, dto.StartJobRequest{Scope: "missing", Role: "student"}), "application/json")
	require.Equal(t, http.StatusAccepted, w.Code, w.Body.String())
	id := decode[dto.StartJobResponse](t, w).JobID

	w = e.do(t, http.MethodPost, "/v1/jobs", "school", jsonBody(t, dto.StartJobRequest{Scope: "all"}), "application/json")
	assert.Equal(t, http.StatusConflict, w.Code)

	w = e.do(t, http.MethodGet, "/v1/jobs/"+id, "school", nil, "")
	require.Equal(t, http.StatusOK, w.Code)
	snap := decode[jobs.Snapshot](t, w)
	assert.Equal(t, jobs.ScopeMissing, snap.Scope)
	assert.Equal(t, models.RoleStudent, snap.Filter.Role)

	assert.Equal(t, http.StatusNotFound, e.do(t, http.MethodGet, "/v1/jobs/"+id, "other", nil, "").Code,
		"jobs are tenant scoped")
	assert.Equal(t, http.StatusNotFound, e.do(t, http.MethodDelete, "/v1/jobs/"+id, "other", nil, "").Code)

	w = e.do(t, http.MethodDelete, "/v1/jobs/"+id, "school", nil, "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.True(t, decode[jobs.Snapshot](t, w).Cancelled)

	w = e.do(t, http.MethodGet, "/v1/jobs", "other", nil, "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `{"jobs":[],"total":0}`, w.Body.String())

	w = e.do(t, http.MethodPost, "/v1/jobs", "school", jsonBody(t, dto.StartJobRequest{Scope: "some"}), "application/json")
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Equal(t, http.StatusNotFound, e.do(t, http.MethodGet, "/v1/jobs/missing", "school", nil, "").Code)
}

func TestHydrateEndpoint(t *testing.T) {
	e := newEnv(t)
	w := e.do(t, http.MethodPost, "/v1/cache/hydrate", "school", nil, "")
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.Equal(t, dto.HydrateResponse{TenantID: "school", Students: 1, Staff: 1, Stale: 1}, decode[dto.HydrateResponse](t, w))

	w = e.do(t, http.MethodGet, "/v1/cache/stats", "", nil, "")
	require.Equal(t, http.StatusOK, w.Code)
	stats := decode[cache.Stats](t, w)
	assert.Equal(t, 1, stats.Tenants)
	assert.Equal(t, 1, stats.Students)
}

func TestManualMarkAndActivity(t *testing.T) {
	e := newEnv(t)

	w := e.do(t, http.MethodPost, "/v1/attendance/students/alice", "school",
		jsonBody(t, dto.ManualMarkRequest{Status: models.StatusAbsent}), "application/json")
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.Equal(t, attendance.ActionMarked, decode[attendance.Result](t, w).Action)

	w = e.do(t, http.MethodPost, "/v1/attendance/students/alice", "school",
		jsonBody(t, dto.ManualMarkRequest{Status: models.StatusPresent}), "application/json")
	res := decode[attendance.Result](t, w)
	assert.Equal(t, attendance.ActionAlreadyMarked, res.Action)
	assert.Equal(t, models.StatusAbsent, res.Status, "first write wins")

	w = e.do(t, http.MethodPost, "/v1/attendance/students/alice", "school",
		jsonBody(t, dto.ManualMarkRequest{Status: "excused"}), "application/json")
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = e.do(t, http.MethodGet, "/v1/activity?limit=5", "school", nil, "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, 1, decode[dto.ActivityListResponse](t, w).Total)
	assert.Equal(t, http.StatusBadRequest, e.do(t, http.MethodGet, "/v1/activity?limit=x", "school", nil, "").Code)
}

func TestManualMark_RequiresEnrolledStudent(t *testing.T) {
	e := newEnv(t)
	mark := func(path, tenant string) int {
		return e.do(t, http.MethodPost, path, tenant,
			jsonBody(t, dto.ManualMarkRequest{Status: models.StatusPresent}), "application/json").Code
	}

	assert.Equal(t, http.StatusNotFound, mark("/v1/attendance/students/nobody", "school"))
	assert.Equal(t, http.StatusBadRequest, mark("/v1/attendance/students/bob", "school"))
	assert.Equal(t, http.StatusNotFound, mark("/v1/attendance/students/alice", "other-school"))

	assert.Empty(t, e.records.Activity("school"), "rejected marks write nothing")
}

func TestSettingsEndpoints(t *testing.T) {
	e := newEnv(t)

	w := e.do(t, http.MethodGet, "/v1/settings", "school", nil, "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, models.DefaultSettings(), decode[models.Settings](t, w))

	st := models.DefaultSettings()
	st.ConfidenceThreshold = 0.7
	st.Timezone = "Africa/Nairobi"
	w = e.do(t, http.MethodPut, "/v1/settings", "school", jsonBody(t, st), "application/json")
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	w = e.do(t, http.MethodGet, "/v1/settings", "school", nil, "")
	assert.InDelta(t, 0.7, decode[models.Settings](t, w).ConfidenceThreshold, 1e-9, "cache invalidated on write")

	st.ConfidenceThreshold = 1.5
	w = e.do(t, http.MethodPut, "/v1/settings", "school", jsonBody(t, st), "application/json")
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.True(t, strings.Contains(w.Body.String(), "confidence_threshold"))
}
