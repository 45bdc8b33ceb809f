package appointment

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/hospital/appointments/internal/events"
)

var (
	ErrNotOwner   = errors.New("appointment does not belong to caller")
	ErrValidation = errors.New("validation failed")
)

// EventPublisher hands events to the broker. It never fails the caller; the
// return value only reports whether the broker accepted the message.
type EventPublisher interface {
	Publish(ctx context.Context, topic string, payload any) bool
}

// TxRunner scopes several repository calls to one transaction.
type TxRunner interface {
	InTx(ctx context.Context, fn func(ctx context.Context) error) error
}

type noTx struct{}

func (noTx) InTx(ctx context.Context, fn func(ctx context.Context) error) error { return fn(ctx) }

type Service struct {
	repo      Repository
	publisher EventPublisher
	tx        TxRunner
	logger    zerolog.Logger
	now       func() time.Time
}

type ServiceOption func(*Service)

func WithTxRunner(tx TxRunner) ServiceOption {
	return func(s *Service) { s.tx = tx }
}

// WithClock overrides the time source used for the cancellation notice check.
func WithClock(now func() time.Time) ServiceOption {
	return func(s *Service) { s.now = now }
}

func NewService(repo Repository, publisher EventPublisher, logger zerolog.Logger, opts ...ServiceOption) *Service {
	s := &Service{
		repo:      repo,
		publisher: publisher,
		tx:        noTx{},
		logger:    logger.With().Str("component", "appointment").Logger(),
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

type CreateInput struct {
	PatientID       uuid.UUID `json:"patient_id"`
	DoctorID        uuid.UUID `json:"doctor_id"`
	AppointmentDate time.Time `json:"appointment_date"`
	Notes           *string   `json:"notes,omitempty"`
}

func (s *Service) Create(ctx context.Context, actor Actor, in CreateInput) (*Appointment, error) {
	role := actor.PrimaryRole()
	switch role {
	case RolePatient:
		if in.PatientID == uuid.Nil {
			in.PatientID = actor.ID
		}
		if in.PatientID != actor.ID {
			return nil, ErrNotOwner
		}
	case RoleDoctor:
		if in.DoctorID == uuid.Nil {
			in.DoctorID = actor.ID
		}
		if in.DoctorID != actor.ID {
			return nil, ErrNotOwner
		}
	}
	if in.PatientID == uuid.Nil {
		return nil, fmt.Errorf("%w: patient_id is required", ErrValidation)
	}
	if in.DoctorID == uuid.Nil {
		return nil, fmt.Errorf("%w: doctor_id is required", ErrValidation)
	}
	if in.AppointmentDate.IsZero() {
		return nil, fmt.Errorf("%w: appointment_date is required", ErrValidation)
	}
	if !in.AppointmentDate.After(s.now()) {
		return nil, fmt.Errorf("%w: appointment_date must be in the future", ErrValidation)
	}

	status, err := Transition("", ActionCreate, role, 0)
	if err != nil {
		return nil, err
	}

	a := &Appointment{
		PatientID:       in.PatientID,
		DoctorID:        in.DoctorID,
		AppointmentDate: in.AppointmentDate.UTC(),
		Status:          status,
		Notes:           in.Notes,
	}
	var d *Details
	err = s.tx.InTx(ctx, func(ctx context.Context) error {
		if err := s.repo.Create(ctx, a); err != nil {
			return fmt.Errorf("create appointment: %w", err)
		}
		var err error
		d, err = s.repo.GetDetails(ctx, a.ID)
		return err
	})
	if err != nil {
		return nil, err
	}

	s.publisher.Publish(ctx, events.TopicAppointmentCreated, events.AppointmentCreated{
		AppointmentID:   d.ID,
		PatientID:       d.PatientID,
		DoctorID:        d.DoctorID,
		PatientEmail:    d.Patient.Email,
		PatientName:     d.PatientName(),
		DoctorName:      d.DoctorName(),
		AppointmentDate: d.AppointmentDate,
		Status:          string(d.Status),
		CreatedAt:       d.CreatedAt,
	})
	return &d.Appointment, nil
}

func (s *Service) Get(ctx context.Context, id uuid.UUID) (*Appointment, error) {
	return s.repo.GetByID(ctx, id)
}

func (s *Service) ListByPatient(ctx context.Context, patientID uuid.UUID, limit, offset int) ([]*Appointment, int, error) {
	return s.repo.ListByPatient(ctx, patientID, limit, offset)
}

func (s *Service) ListByDoctor(ctx context.Context, doctorID uuid.UUID, limit, offset int) ([]*Appointment, int, error) {
	return s.repo.ListByDoctor(ctx, doctorID, limit, offset)
}

// actingRole resolves which role the actor exercises on d. Admins act on any
// appointment; doctors and patients only on their own.
func actingRole(actor Actor, d *Details) (Role, error) {
	switch {
	case actor.Has(RoleAdmin):
		return RoleAdmin, nil
	case actor.Has(RoleDoctor) && d.DoctorID == actor.ID:
		return RoleDoctor, nil
	case actor.Has(RolePatient) && d.PatientID == actor.ID:
		return RolePatient, nil
	}
	return "", ErrNotOwner
}

// Cancel moves the appointment to cancelled. Patients must give
// CancellationNoticeHours of notice; doctors and admins are exempt.
func (s *Service) Cancel(ctx context.Context, actor Actor, id uuid.UUID, reason string) (*Appointment, error) {
	d, err := s.repo.GetDetails(ctx, id)
	if err != nil {
		return nil, err
	}
	role, err := actingRole(actor, d)
	if err != nil {
		return nil, err
	}

	now := s.now()
	next, err := Transition(d.Status, ActionCancel, role, d.AppointmentDate.Sub(now).Hours())
	if err != nil {
		return nil, err
	}
	if err := s.repo.UpdateStatus(ctx, id, d.Status, next); err != nil {
		return nil, fmt.Errorf("cancel appointment %s: %w", id, err)
	}
	d.Status = next

	s.publisher.Publish(ctx, events.TopicAppointmentCancelled, events.AppointmentCancelled{
		AppointmentID:   d.ID,
		PatientID:       d.PatientID,
		DoctorID:        d.DoctorID,
		PatientEmail:    d.Patient.Email,
		DoctorEmail:     d.Doctor.Email,
		PatientName:     d.PatientName(),
		DoctorName:      d.DoctorName(),
		AppointmentDate: d.AppointmentDate,
		CancelledBy:     string(role),
		CancelledAt:     now.UTC(),
		Reason:          reason,
	})
	return &d.Appointment, nil
}

// AdminCancel cancels on behalf of the administration, bypassing ownership
// and the notice period.
func (s *Service) AdminCancel(ctx context.Context, id uuid.UUID, reason string) (*Appointment, error) {
	return s.Cancel(ctx, Actor{Roles: []Role{RoleAdmin}}, id, reason)
}

// Accept approves a pending appointment. Only the assigned doctor or an admin
// may accept.
func (s *Service) Accept(ctx context.Context, actor Actor, id uuid.UUID) (*Appointment, error) {
	d, err := s.repo.GetDetails(ctx, id)
	if err != nil {
		return nil, err
	}
	role, err := actingRole(actor, d)
	if err != nil {
		return nil, err
	}
	if role == RolePatient {
		return nil, ErrNotOwner
	}

	old := d.Status
	next, err := Transition(old, ActionAccept, role, 0)
	if err != nil {
		return nil, err
	}
	if err := s.repo.UpdateStatus(ctx, id, old, next); err != nil {
		return nil, fmt.Errorf("accept appointment %s: %w", id, err)
	}
	d.Status = next

	s.publisher.Publish(ctx, events.TopicAppointmentUpdated, events.AppointmentUpdated{
		AppointmentID:   d.ID,
		PatientID:       d.PatientID,
		DoctorID:        d.DoctorID,
		PatientEmail:    d.Patient.Email,
		PatientName:     d.PatientName(),
		DoctorName:      d.DoctorName(),
		AppointmentDate: d.AppointmentDate,
		OldStatus:       string(old),
		NewStatus:       string(next),
		UpdatedAt:       s.now().UTC(),
	})
	return &d.Appointment, nil
}
