package reminder

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hospital/appointments/internal/domain/appointment"
	"github.com/hospital/appointments/internal/events"
)

var fixedNow = time.Date(2026, 5, 4, 10, 0, 0, 0, time.UTC)

// memStore applies the same window and flag rules as the Postgres store.
type memStore struct {
	mu       sync.Mutex
	appts    map[uuid.UUID]*appointment.Details
	findErr  error
	flagErr  error
	panicNow bool
	finds    atomic.Int32
}

func newMemStore() *memStore {
	return &memStore{appts: make(map[uuid.UUID]*appointment.Details)}
}

func (m *memStore) add(at time.Time, status appointment.Status) uuid.UUID {
	m.mu.Lock()
	defer m.mu.Unlock()
	id := uuid.New()
	m.appts[id] = &appointment.Details{
		Appointment: appointment.Appointment{ID: id, AppointmentDate: at, Status: status},
		Patient:     appointment.Contact{FirstName: "Ada", LastName: "Lovelace", Email: "ada@example.com"},
		Doctor:      appointment.Contact{FirstName: "Gregory", LastName: "House"},
	}
	return id
}

func flagged(d *appointment.Details, kind events.ReminderType) bool {
	if kind == events.Reminder24Hours {
		return d.Reminder24HourSent
	}
	return d.Reminder2HourSent
}

func (m *memStore) FindApprovedInWindow(_ context.Context, from, to time.Time, kind events.ReminderType) ([]*appointment.Details, error) {
	m.finds.Add(1)
	if m.panicNow {
		panic("store exploded")
	}
	if m.findErr != nil {
		return nil, m.findErr
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*appointment.Details
	for _, d := range m.appts {
		if d.Status != appointment.StatusApproved || flagged(d, kind) {
			continue
		}
		if d.AppointmentDate.Before(from) || d.AppointmentDate.After(to) {
			continue
		}
		cp := *d
		out = append(out, &cp)
	}
	return out, nil
}

func (m *memStore) SetReminderFlags(ctx context.Context, kind events.ReminderType, ids []uuid.UUID) (int64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	if m.flagErr != nil {
		return 0, m.flagErr
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	var n int64
	for _, id := range ids {
		d, ok := m.appts[id]
		if !ok || d.Status != appointment.StatusApproved || flagged(d, kind) {
			continue
		}
		if kind == events.Reminder24Hours {
			d.Reminder24HourSent = true
		} else {
			d.Reminder2HourSent = true
		}
		n++
	}
	return n, nil
}

type recordingPublisher struct {
	mu   sync.Mutex
	msgs []events.AppointmentReminder
	fail bool
}

func (p *recordingPublisher) Publish(_ context.Context, topic string, payload any) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.fail || topic != events.TopicAppointmentReminder {
		return false
	}
	p.msgs = append(p.msgs, payload.(events.AppointmentReminder))
	return true
}

func (p *recordingPublisher) sent() []events.AppointmentReminder {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]events.AppointmentReminder(nil), p.msgs...)
}

// cancelAfterPublish cancels the iteration's context after each successful
// publish, as a SIGTERM arriving mid-batch would.
type cancelAfterPublish struct {
	*recordingPublisher
	cancel context.CancelFunc
}

func (p cancelAfterPublish) Publish(ctx context.Context, topic string, payload any) bool {
	ok := p.recordingPublisher.Publish(ctx, topic, payload)
	p.cancel()
	return ok
}

func newScheduler(store Store, pub Publisher, opts ...Option) *Scheduler {
	opts = append([]Option{WithClock(func() time.Time { return fixedNow })}, opts...)
	return NewScheduler(store, pub, zerolog.Nop(), opts...)
}

func TestRunOnce_24HourReminderIsIdempotent(t *testing.T) {
	store := newMemStore()
	id := store.add(fixedNow.Add(24*time.Hour), appointment.StatusApproved)
	pub := &recordingPublisher{}
	s := newScheduler(store, pub)

	res, err := s.RunOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, res.Published[events.Reminder24Hours])
	assert.Equal(t, int64(1), res.Flagged[events.Reminder24Hours])

	msgs := pub.sent()
	require.Len(t, msgs, 1)
	assert.Equal(t, id, msgs[0].AppointmentID)
	assert.Equal(t, events.Reminder24Hours, msgs[0].ReminderType)
	assert.Equal(t, "Ada Lovelace", msgs[0].PatientName)
	assert.Equal(t, "Dr. Gregory House", msgs[0].DoctorName)
	assert.Equal(t, "ada@example.com", msgs[0].PatientEmail)
	assert.True(t, store.appts[id].Reminder24HourSent)

	res, err = s.RunOnce(context.Background())
	require.NoError(t, err)
	assert.Zero(t, res.Published[events.Reminder24Hours])
	assert.Len(t, pub.sent(), 1)
}

func TestRunOnce_2HourReminder(t *testing.T) {
	store := newMemStore()
	id := store.add(fixedNow.Add(2*time.Hour+10*time.Minute), appointment.StatusApproved)
	pub := &recordingPublisher{}
	s := newScheduler(store, pub)

	res, err := s.RunOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, res.Published[events.Reminder2Hours])
	assert.Zero(t, res.Published[events.Reminder24Hours])
	assert.True(t, store.appts[id].Reminder2HourSent)
	assert.False(t, store.appts[id].Reminder24HourSent)
}

func TestRunOnce_WindowBoundaries(t *testing.T) {
	store := newMemStore()
	store.add(fixedNow.Add(24*time.Hour-15*time.Minute), appointment.StatusApproved)
	store.add(fixedNow.Add(24*time.Hour+15*time.Minute), appointment.StatusApproved)
	store.add(fixedNow.Add(24*time.Hour+16*time.Minute), appointment.StatusApproved)
	store.add(fixedNow.Add(5*time.Hour), appointment.StatusApproved)
	pub := &recordingPublisher{}

	res, err := newScheduler(store, pub).RunOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, res.Found[events.Reminder24Hours])
	assert.Zero(t, res.Found[events.Reminder2Hours])
}

func TestRunOnce_OnlyApproved(t *testing.T) {
	store := newMemStore()
	for _, st := range []appointment.Status{
		appointment.StatusPending,
		appointment.StatusCancelled,
		appointment.StatusRejected,
		appointment.StatusCompleted,
	} {
		store.add(fixedNow.Add(24*time.Hour), st)
	}
	pub := &recordingPublisher{}

	_, err := newScheduler(store, pub).RunOnce(context.Background())
	require.NoError(t, err)
	assert.Empty(t, pub.sent())
}

func TestRunOnce_UnpublishedRemindersStayUnflagged(t *testing.T) {
	store := newMemStore()
	id := store.add(fixedNow.Add(24*time.Hour), appointment.StatusApproved)
	pub := &recordingPublisher{fail: true}
	s := newScheduler(store, pub)

	res, err := s.RunOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, res.Found[events.Reminder24Hours])
	assert.Zero(t, res.Published[events.Reminder24Hours])
	assert.False(t, store.appts[id].Reminder24HourSent)

	pub.fail = false
	res, err = s.RunOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, res.Published[events.Reminder24Hours])
}

func TestRunOnce_FlagFailureIsReported(t *testing.T) {
	store := newMemStore()
	store.add(fixedNow.Add(24*time.Hour), appointment.StatusApproved)
	store.flagErr = errors.New("connection refused")
	pub := &recordingPublisher{}

	_, err := newScheduler(store, pub).RunOnce(context.Background())
	require.Error(t, err)
	assert.Len(t, pub.sent(), 1, "reminder is still published; the next run may duplicate it")
}

func TestRunOnce_CancelMidBatchStillFlagsPublished(t *testing.T) {
	store := newMemStore()
	first := store.add(fixedNow.Add(24*time.Hour), appointment.StatusApproved)
	second := store.add(fixedNow.Add(2*time.Hour), appointment.StatusApproved)
	rec := &recordingPublisher{}
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	res, err := newScheduler(store, cancelAfterPublish{rec, cancel}).RunOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Published[events.Reminder24Hours])
	assert.Equal(t, 1, res.Published[events.Reminder2Hours])
	assert.True(t, store.appts[first].Reminder24HourSent)
	assert.True(t, store.appts[second].Reminder2HourSent)

	res, err = newScheduler(store, rec).RunOnce(context.Background())
	require.NoError(t, err)
	assert.Zero(t, res.total(res.Published), "a restart must not repeat the batch")
	assert.Len(t, rec.sent(), 2)
}

func TestRunOnce_CancelledBeforePublishingDoesNothing(t *testing.T) {
	store := newMemStore()
	store.add(fixedNow.Add(24*time.Hour), appointment.StatusApproved)
	pub := &recordingPublisher{}
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := newScheduler(store, pub).RunOnce(ctx)
	require.ErrorIs(t, err, context.Canceled)
	assert.Empty(t, pub.sent())
}

func TestRunOnce_FindFailurePublishesNothing(t *testing.T) {
	store := newMemStore()
	store.add(fixedNow.Add(24*time.Hour), appointment.StatusApproved)
	store.findErr = errors.New("connection refused")
	pub := &recordingPublisher{}

	_, err := newScheduler(store, pub).RunOnce(context.Background())
	require.Error(t, err)
	assert.Empty(t, pub.sent())
}

func TestRun_RetriesAfterFailureWithRetryDelay(t *testing.T) {
	store := newMemStore()
	store.findErr = errors.New("db down")
	s := newScheduler(store, &recordingPublisher{},
		WithInterval(time.Hour),
		WithRetryDelay(5*time.Millisecond))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		s.Run(ctx)
		close(done)
	}()

	require.Eventually(t, func() bool { return store.finds.Load() >= 3 }, 2*time.Second, 5*time.Millisecond)
	cancel()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("scheduler did not stop")
	}
}

func TestRun_SurvivesPanic(t *testing.T) {
	store := newMemStore()
	store.panicNow = true
	s := newScheduler(store, &recordingPublisher{},
		WithInterval(time.Hour),
		WithRetryDelay(5*time.Millisecond))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go s.Run(ctx)

	require.Eventually(t, func() bool { return store.finds.Load() >= 2 }, 2*time.Second, 5*time.Millisecond)
}

func TestRun_StopsPromptlyWhileWaiting(t *testing.T) {
	s := newScheduler(newMemStore(), &recordingPublisher{}, WithInterval(time.Hour))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		s.Run(ctx)
		close(done)
	}()
	time.Sleep(20 * time.Millisecond)
	cancel()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("scheduler did not stop")
	}
}
