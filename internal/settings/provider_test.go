package settings

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/your-org/presence/internal/models"
)

type fakeStore struct {
	rows  map[models.TenantID]models.Settings
	err   error
	calls int
}

func (f *fakeStore) LoadSettings(_ context.Context, tenant models.TenantID) (models.Settings, bool, error) {
	f.calls++
	if f.err != nil {
		return models.Settings{}, false, f.err
	}
	st, ok := f.rows[tenant]
	return st, ok, nil
}

func TestProvider_CachesStoredSettings(t *testing.T) {
	custom := models.DefaultSettings()
	custom.ConfidenceThreshold = 0.8
	store := &fakeStore{rows: map[models.TenantID]models.Settings{"a": custom}}
	p := NewProvider(store, time.Minute, models.DefaultSettings())

	for i := 0; i < 3; i++ {
		st, err := p.Get(context.Background(), "a")
		require.NoError(t, err)
		assert.InDelta(t, 0.8, st.ConfidenceThreshold, 1e-9)
	}
	assert.Equal(t, 1, store.calls)

	p.Invalidate("a")
	_, err := p.Get(context.Background(), "a")
	require.NoError(t, err)
	assert.Equal(t, 2, store.calls)
}

func TestProvider_Defaults(t *testing.T) {
	bad := models.DefaultSettings()
	bad.ConfidenceThreshold = 3
	store := &fakeStore{rows: map[models.TenantID]models.Settings{"bad": bad}}
	p := NewProvider(store, time.Minute, models.DefaultSettings())

	st, err := p.Get(context.Background(), "unknown")
	require.NoError(t, err)
	assert.Equal(t, models.DefaultSettings(), st)

	st, err = p.Get(context.Background(), "bad")
	require.NoError(t, err)
	assert.Equal(t, models.DefaultSettings(), st)

	_, err = p.Get(context.Background(), "")
	assert.ErrorIs(t, err, models.ErrMissingTenant)
}

func TestProvider_StoreErrorIsNotCached(t *testing.T) {
	store := &fakeStore{err: errors.New("connection refused")}
	p := NewProvider(store, time.Minute, models.DefaultSettings())

	st, err := p.Get(context.Background(), "a")
	require.NoError(t, err)
	assert.Equal(t, models.DefaultSettings(), st)

	_, _ = p.Get(context.Background(), "a")
	assert.Equal(t, 2, store.calls)
}
