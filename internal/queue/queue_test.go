package queue

import (
	"errors"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSubjects(t *testing.T) {
	assert.Equal(t, "captures.school-1", CaptureSubject("school-1"))
	assert.Equal(t, "events.school-1", EventSubject("school-1"))
	assert.Equal(t, "captures.a_b__c", CaptureSubject("a.b*>c"), "wildcards and separators never leak into subjects")
}

func TestStreamConfigs(t *testing.T) {
	cfgs := streamConfigs()
	require.Len(t, cfgs, 2)
	assert.Equal(t, CapturesStreamName, cfgs[0].Name)
	assert.Equal(t, []string{"captures.>"}, cfgs[0].Subjects)
	assert.Equal(t, EventsStreamName, cfgs[1].Name)
}

func TestDecodeCapture(t *testing.T) {
	id := uuid.New()
	task, err := DecodeCapture([]byte(`{"capture_id":"` + id.String() + `","tenant_id":"s1","image_ref":"captures/s1/x.jpg","auto_clock":true}`))
	require.NoError(t, err)
	assert.Equal(t, id, task.CaptureID)
	assert.True(t, task.AutoClock)

	for _, payload := range []string{
		`not json`,
		`{"image_ref":"captures/s1/x.jpg"}`,
		`{"tenant_id":"s1"}`,
	} {
		_, err := DecodeCapture([]byte(payload))
		assert.ErrorIs(t, err, ErrPermanent, payload)
	}
}

type fakeMsg struct{ acked, naked, termed int }

func (m *fakeMsg) Ack() error  { m.acked++; return nil }
func (m *fakeMsg) Nak() error  { m.naked++; return nil }
func (m *fakeMsg) Term() error { m.termed++; return nil }

func TestSettle(t *testing.T) {
	m := &fakeMsg{}
	settle(m, nil)
	settle(m, errors.New("store down"))
	settle(m, ErrPermanent)
	assert.Equal(t, fakeMsg{acked: 1, naked: 1, termed: 1}, *m)
}
