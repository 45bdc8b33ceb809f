package appointment

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/hospital/appointments/internal/events"
)

// -- Mock Repository --

type mockRepo struct {
	mu       sync.Mutex
	store    map[uuid.UUID]*Appointment
	patients map[uuid.UUID]Contact
	doctors  map[uuid.UUID]Contact
	now      func() time.Time
}

func newMockRepo() *mockRepo {
	return &mockRepo{
		store:    make(map[uuid.UUID]*Appointment),
		patients: make(map[uuid.UUID]Contact),
		doctors:  make(map[uuid.UUID]Contact),
		now:      time.Now,
	}
}

func (m *mockRepo) addPatient(first, last, email string) uuid.UUID {
	id := uuid.New()
	m.patients[id] = Contact{ID: id, FirstName: first, LastName: last, Email: email}
	return id
}

func (m *mockRepo) addDoctor(first, last, email string) uuid.UUID {
	id := uuid.New()
	m.doctors[id] = Contact{ID: id, FirstName: first, LastName: last, Email: email}
	return id
}

func (m *mockRepo) Create(_ context.Context, a *Appointment) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.patients[a.PatientID]; !ok {
		return errors.New("patient does not exist")
	}
	if _, ok := m.doctors[a.DoctorID]; !ok {
		return errors.New("doctor does not exist")
	}
	a.ID = uuid.New()
	a.CreatedAt = m.now()
	a.UpdatedAt = a.CreatedAt
	cp := *a
	m.store[a.ID] = &cp
	return nil
}

func (m *mockRepo) GetByID(_ context.Context, id uuid.UUID) (*Appointment, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	a, ok := m.store[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *a
	return &cp, nil
}

func (m *mockRepo) details(a *Appointment) *Details {
	return &Details{Appointment: *a, Patient: m.patients[a.PatientID], Doctor: m.doctors[a.DoctorID]}
}

func (m *mockRepo) GetDetails(_ context.Context, id uuid.UUID) (*Details, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	a, ok := m.store[id]
	if !ok {
		return nil, ErrNotFound
	}
	return m.details(a), nil
}

func (m *mockRepo) UpdateStatus(_ context.Context, id uuid.UUID, from, to Status) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	a, ok := m.store[id]
	if !ok {
		return ErrNotFound
	}
	if a.Status != from {
		return ErrStaleStatus
	}
	a.Status = to
	return nil
}

func (m *mockRepo) list(match func(*Appointment) bool, limit, offset int) ([]*Appointment, int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var all []*Appointment
	for _, a := range m.store {
		if match(a) {
			cp := *a
			all = append(all, &cp)
		}
	}
	total := len(all)
	if offset >= total {
		return nil, total, nil
	}
	end := offset + limit
	if end > total {
		end = total
	}
	return all[offset:end], total, nil
}

func (m *mockRepo) ListByPatient(_ context.Context, patientID uuid.UUID, limit, offset int) ([]*Appointment, int, error) {
	return m.list(func(a *Appointment) bool { return a.PatientID == patientID }, limit, offset)
}

func (m *mockRepo) ListByDoctor(_ context.Context, doctorID uuid.UUID, limit, offset int) ([]*Appointment, int, error) {
	return m.list(func(a *Appointment) bool { return a.DoctorID == doctorID }, limit, offset)
}

func (m *mockRepo) FindApprovedInWindow(_ context.Context, from, to time.Time, kind events.ReminderType) ([]*Details, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*Details
	for _, a := range m.store {
		sent := a.Reminder24HourSent
		if kind == events.Reminder2Hours {
			sent = a.Reminder2HourSent
		}
		if a.Status == StatusApproved && !sent && !a.AppointmentDate.Before(from) && !a.AppointmentDate.After(to) {
			out = append(out, m.details(a))
		}
	}
	return out, nil
}

func (m *mockRepo) SetReminderFlag(ctx context.Context, id uuid.UUID, kind events.ReminderType) error {
	_, err := m.SetReminderFlags(ctx, kind, []uuid.UUID{id})
	return err
}

func (m *mockRepo) SetReminderFlags(_ context.Context, kind events.ReminderType, ids []uuid.UUID) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var n int64
	for _, id := range ids {
		a, ok := m.store[id]
		if !ok {
			continue
		}
		if kind == events.Reminder24Hours && !a.Reminder24HourSent {
			a.Reminder24HourSent = true
			n++
		}
		if kind == events.Reminder2Hours && !a.Reminder2HourSent {
			a.Reminder2HourSent = true
			n++
		}
	}
	return n, nil
}

// -- Recording Publisher --

type published struct {
	Topic   string
	Payload any
}

type recordingPublisher struct {
	mu   sync.Mutex
	msgs []published
}

func (p *recordingPublisher) Publish(_ context.Context, topic string, payload any) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.msgs = append(p.msgs, published{Topic: topic, Payload: payload})
	return true
}

func (p *recordingPublisher) onTopic(topic string) []published {
	p.mu.Lock()
	defer p.mu.Unlock()
	var out []published
	for _, m := range p.msgs {
		if m.Topic == topic {
			out = append(out, m)
		}
	}
	return out
}

// -- Fixture --

var fixedNow = time.Date(2026, 5, 4, 10, 0, 0, 0, time.UTC)

type fixture struct {
	repo      *mockRepo
	pub       *recordingPublisher
	svc       *Service
	patientID uuid.UUID
	doctorID  uuid.UUID
	patient   Actor
	doctor    Actor
	admin     Actor
}

func newFixture() *fixture {
	repo := newMockRepo()
	repo.now = func() time.Time { return fixedNow }
	pub := &recordingPublisher{}
	f := &fixture{
		repo: repo,
		pub:  pub,
		svc:  NewService(repo, pub, zerolog.Nop(), WithClock(func() time.Time { return fixedNow })),
	}
	f.patientID = repo.addPatient("Ada", "Lovelace", "ada@example.com")
	f.doctorID = repo.addDoctor("Gregory", "House", "house@example.com")
	f.patient = Actor{ID: f.patientID, Roles: []Role{RolePatient}}
	f.doctor = Actor{ID: f.doctorID, Roles: []Role{RoleDoctor}}
	f.admin = Actor{Roles: []Role{RoleAdmin}}
	return f
}

func (f *fixture) book(t *testing.T, actor Actor, in time.Duration) *Appointment {
	t.Helper()
	a, err := f.svc.Create(context.Background(), actor, CreateInput{
		PatientID:       f.patientID,
		DoctorID:        f.doctorID,
		AppointmentDate: fixedNow.Add(in),
	})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	return a
}

// -- Create --

func TestService_Create_AsPatientIsPending(t *testing.T) {
	f := newFixture()
	a := f.book(t, f.patient, 72*time.Hour)

	if a.Status != StatusPending {
		t.Errorf("expected pending, got %s", a.Status)
	}
	msgs := f.pub.onTopic(events.TopicAppointmentCreated)
	if len(msgs) != 1 {
		t.Fatalf("expected 1 created event, got %d", len(msgs))
	}
	ev := msgs[0].Payload.(events.AppointmentCreated)
	if ev.AppointmentID != a.ID {
		t.Errorf("event id = %s, want %s", ev.AppointmentID, a.ID)
	}
	if ev.PatientEmail != "ada@example.com" || ev.PatientName != "Ada Lovelace" {
		t.Errorf("unexpected patient fields: %+v", ev)
	}
	if ev.DoctorName != "Dr. Gregory House" {
		t.Errorf("doctor name = %q", ev.DoctorName)
	}
	if ev.Status != "pending" {
		t.Errorf("event status = %q", ev.Status)
	}
}

func TestService_Create_AsDoctorIsApproved(t *testing.T) {
	f := newFixture()
	a := f.book(t, f.doctor, 72*time.Hour)
	if a.Status != StatusApproved {
		t.Errorf("expected approved, got %s", a.Status)
	}
}

func TestService_Create_PatientDefaultsToSelf(t *testing.T) {
	f := newFixture()
	a, err := f.svc.Create(context.Background(), f.patient, CreateInput{
		DoctorID:        f.doctorID,
		AppointmentDate: fixedNow.Add(24 * time.Hour),
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if a.PatientID != f.patientID {
		t.Errorf("expected patient id to default to caller")
	}
}

func TestService_Create_PatientCannotBookForOthers(t *testing.T) {
	f := newFixture()
	other := f.repo.addPatient("Other", "Person", "other@example.com")
	_, err := f.svc.Create(context.Background(), f.patient, CreateInput{
		PatientID:       other,
		DoctorID:        f.doctorID,
		AppointmentDate: fixedNow.Add(24 * time.Hour),
	})
	if !errors.Is(err, ErrNotOwner) {
		t.Errorf("expected ErrNotOwner, got %v", err)
	}
}

func TestService_Create_Validation(t *testing.T) {
	f := newFixture()
	tests := []struct {
		name string
		in   CreateInput
	}{
		{"missing doctor", CreateInput{PatientID: f.patientID, AppointmentDate: fixedNow.Add(time.Hour)}},
		{"missing date", CreateInput{PatientID: f.patientID, DoctorID: f.doctorID}},
		{"date in the past", CreateInput{PatientID: f.patientID, DoctorID: f.doctorID, AppointmentDate: fixedNow.Add(-time.Hour)}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := f.svc.Create(context.Background(), f.admin, tt.in)
			if !errors.Is(err, ErrValidation) {
				t.Errorf("expected ErrValidation, got %v", err)
			}
		})
	}
	if n := len(f.pub.onTopic(events.TopicAppointmentCreated)); n != 0 {
		t.Errorf("expected no events for rejected input, got %d", n)
	}
}

// -- Accept --

func TestService_Accept_PublishesUpdated(t *testing.T) {
	f := newFixture()
	a := f.book(t, f.patient, 72*time.Hour)

	got, err := f.svc.Accept(context.Background(), f.doctor, a.ID)
	if err != nil {
		t.Fatalf("accept: %v", err)
	}
	if got.Status != StatusApproved {
		t.Errorf("expected approved, got %s", got.Status)
	}
	stored, _ := f.repo.GetByID(context.Background(), a.ID)
	if stored.Status != StatusApproved {
		t.Errorf("stored status = %s", stored.Status)
	}

	msgs := f.pub.onTopic(events.TopicAppointmentUpdated)
	if len(msgs) != 1 {
		t.Fatalf("expected 1 updated event, got %d", len(msgs))
	}
	ev := msgs[0].Payload.(events.AppointmentUpdated)
	if ev.OldStatus != "pending" || ev.NewStatus != "approved" {
		t.Errorf("old/new = %s/%s", ev.OldStatus, ev.NewStatus)
	}
	if n := len(f.pub.onTopic(events.TopicAppointmentApproved)); n != 0 {
		t.Errorf("expected nothing on the approved topic, got %d", n)
	}
}

func TestService_Accept_PatientForbidden(t *testing.T) {
	f := newFixture()
	a := f.book(t, f.patient, 72*time.Hour)
	if _, err := f.svc.Accept(context.Background(), f.patient, a.ID); !errors.Is(err, ErrNotOwner) {
		t.Errorf("expected ErrNotOwner, got %v", err)
	}
}

func TestService_Accept_OtherDoctorForbidden(t *testing.T) {
	f := newFixture()
	a := f.book(t, f.patient, 72*time.Hour)
	stranger := Actor{ID: f.repo.addDoctor("John", "Watson", "watson@example.com"), Roles: []Role{RoleDoctor}}
	if _, err := f.svc.Accept(context.Background(), stranger, a.ID); !errors.Is(err, ErrNotOwner) {
		t.Errorf("expected ErrNotOwner, got %v", err)
	}
}

func TestService_Accept_CancelledIsInvalid(t *testing.T) {
	f := newFixture()
	a := f.book(t, f.patient, 72*time.Hour)
	if _, err := f.svc.Cancel(context.Background(), f.patient, a.ID, ""); err != nil {
		t.Fatalf("cancel: %v", err)
	}
	if _, err := f.svc.Accept(context.Background(), f.admin, a.ID); !errors.Is(err, ErrInvalidTransition) {
		t.Errorf("expected ErrInvalidTransition, got %v", err)
	}
	if n := len(f.pub.onTopic(events.TopicAppointmentUpdated)); n != 0 {
		t.Errorf("expected no updated event, got %d", n)
	}
}

// -- Cancel --

func TestService_Cancel_PatientWithNotice(t *testing.T) {
	f := newFixture()
	a := f.book(t, f.patient, 72*time.Hour)

	got, err := f.svc.Cancel(context.Background(), f.patient, a.ID, "feeling better")
	if err != nil {
		t.Fatalf("cancel: %v", err)
	}
	if got.Status != StatusCancelled {
		t.Errorf("expected cancelled, got %s", got.Status)
	}
	msgs := f.pub.onTopic(events.TopicAppointmentCancelled)
	if len(msgs) != 1 {
		t.Fatalf("expected 1 cancelled event, got %d", len(msgs))
	}
	ev := msgs[0].Payload.(events.AppointmentCancelled)
	if ev.CancelledBy != events.CancelledByPatient {
		t.Errorf("cancelledBy = %q", ev.CancelledBy)
	}
	if ev.DoctorEmail != "house@example.com" {
		t.Errorf("doctorEmail = %q", ev.DoctorEmail)
	}
	if ev.Reason != "feeling better" {
		t.Errorf("reason = %q", ev.Reason)
	}
	if !ev.CancelledAt.Equal(fixedNow) {
		t.Errorf("cancelledAt = %v", ev.CancelledAt)
	}
}

func TestService_Cancel_PatientTooLate(t *testing.T) {
	f := newFixture()
	a := f.book(t, f.patient, 47*time.Hour)

	_, err := f.svc.Cancel(context.Background(), f.patient, a.ID, "")
	if !errors.Is(err, ErrPolicyViolation) {
		t.Fatalf("expected ErrPolicyViolation, got %v", err)
	}
	stored, _ := f.repo.GetByID(context.Background(), a.ID)
	if stored.Status != StatusPending {
		t.Errorf("status write should be blocked, got %s", stored.Status)
	}
	if n := len(f.pub.onTopic(events.TopicAppointmentCancelled)); n != 0 {
		t.Errorf("expected no cancelled event, got %d", n)
	}
}

func TestService_Cancel_PatientExactlyAtNotice(t *testing.T) {
	f := newFixture()
	a := f.book(t, f.patient, 48*time.Hour)
	if _, err := f.svc.Cancel(context.Background(), f.patient, a.ID, ""); err != nil {
		t.Errorf("expected success at exactly 48 hours, got %v", err)
	}
}

func TestService_Cancel_DoctorIgnoresNotice(t *testing.T) {
	f := newFixture()
	a := f.book(t, f.patient, 2*time.Hour)
	if _, err := f.svc.Cancel(context.Background(), f.doctor, a.ID, ""); err != nil {
		t.Fatalf("cancel: %v", err)
	}
	ev := f.pub.onTopic(events.TopicAppointmentCancelled)[0].Payload.(events.AppointmentCancelled)
	if ev.CancelledBy != events.CancelledByDoctor {
		t.Errorf("cancelledBy = %q", ev.CancelledBy)
	}
}

func TestService_AdminCancel(t *testing.T) {
	f := newFixture()
	a := f.book(t, f.patient, time.Hour)
	if _, err := f.svc.AdminCancel(context.Background(), a.ID, "clinic closed"); err != nil {
		t.Fatalf("admin cancel: %v", err)
	}
	ev := f.pub.onTopic(events.TopicAppointmentCancelled)[0].Payload.(events.AppointmentCancelled)
	if ev.CancelledBy != events.CancelledByAdmin {
		t.Errorf("cancelledBy = %q", ev.CancelledBy)
	}
}

func TestService_Cancel_Twice(t *testing.T) {
	f := newFixture()
	a := f.book(t, f.patient, 72*time.Hour)
	if _, err := f.svc.Cancel(context.Background(), f.patient, a.ID, ""); err != nil {
		t.Fatalf("first cancel: %v", err)
	}
	if _, err := f.svc.Cancel(context.Background(), f.admin, a.ID, ""); !errors.Is(err, ErrInvalidTransition) {
		t.Errorf("expected ErrInvalidTransition, got %v", err)
	}
}

func TestService_Cancel_NotOwner(t *testing.T) {
	f := newFixture()
	a := f.book(t, f.patient, 72*time.Hour)
	stranger := Actor{ID: uuid.New(), Roles: []Role{RolePatient}}
	if _, err := f.svc.Cancel(context.Background(), stranger, a.ID, ""); !errors.Is(err, ErrNotOwner) {
		t.Errorf("expected ErrNotOwner, got %v", err)
	}
}

func TestService_Cancel_NotFound(t *testing.T) {
	f := newFixture()
	if _, err := f.svc.Cancel(context.Background(), f.admin, uuid.New(), ""); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}

type failingPublisher struct{ calls int }

func (p *failingPublisher) Publish(context.Context, string, any) bool {
	p.calls++
	return false
}

func TestService_PublishFailureDoesNotFailWrite(t *testing.T) {
	f := newFixture()
	pub := &failingPublisher{}
	svc := NewService(f.repo, pub, zerolog.Nop(), WithClock(func() time.Time { return fixedNow }))

	a, err := svc.Create(context.Background(), f.patient, CreateInput{
		DoctorID:        f.doctorID,
		AppointmentDate: fixedNow.Add(72 * time.Hour),
	})
	if err != nil {
		t.Fatalf("create should succeed when the broker is down: %v", err)
	}
	if _, err := svc.Cancel(context.Background(), f.patient, a.ID, ""); err != nil {
		t.Fatalf("cancel should succeed when the broker is down: %v", err)
	}
	if pub.calls != 2 {
		t.Errorf("expected 2 publish attempts, got %d", pub.calls)
	}
}
