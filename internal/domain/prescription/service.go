package prescription

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/hospital/appointments/internal/events"
)

var (
	ErrNotOwner   = errors.New("prescription was written by another doctor")
	ErrValidation = errors.New("validation failed")
)

type EventPublisher interface {
	Publish(ctx context.Context, topic string, payload any) bool
}

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

func WithClock(now func() time.Time) ServiceOption {
	return func(s *Service) { s.now = now }
}

func NewService(repo Repository, publisher EventPublisher, logger zerolog.Logger, opts ...ServiceOption) *Service {
	s := &Service{
		repo:      repo,
		publisher: publisher,
		tx:        noTx{},
		logger:    logger.With().Str("component", "prescription").Logger(),
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

type CreateInput struct {
	PatientID    uuid.UUID `json:"patient_id"`
	DoctorID     uuid.UUID `json:"doctor_id"`
	Medication   string    `json:"medication"`
	Dosage       string    `json:"dosage"`
	Instructions string    `json:"instructions"`
	DurationDays int       `json:"duration_days"`
}

// UpdateInput changes only the fields that are set.
type UpdateInput struct {
	Medication   *string `json:"medication"`
	Dosage       *string `json:"dosage"`
	Instructions *string `json:"instructions"`
	DurationDays *int    `json:"duration_days"`
}

func validate(p *Prescription) error {
	var missing []string
	if p.PatientID == uuid.Nil {
		missing = append(missing, "patient_id")
	}
	if p.DoctorID == uuid.Nil {
		missing = append(missing, "doctor_id")
	}
	if strings.TrimSpace(p.Medication) == "" {
		missing = append(missing, "medication")
	}
	if strings.TrimSpace(p.Dosage) == "" {
		missing = append(missing, "dosage")
	}
	if len(missing) > 0 {
		return fmt.Errorf("%w: %s required", ErrValidation, strings.Join(missing, ", "))
	}
	if p.DurationDays <= 0 {
		return fmt.Errorf("%w: duration_days must be positive", ErrValidation)
	}
	return nil
}

// Create stores a prescription and announces it on prescription.created.
// Doctors always prescribe as themselves.
func (s *Service) Create(ctx context.Context, caller Caller, in CreateInput) (*Prescription, error) {
	if !caller.Admin {
		if in.DoctorID == uuid.Nil {
			in.DoctorID = caller.ID
		}
		if in.DoctorID != caller.ID {
			return nil, ErrNotOwner
		}
	}

	p := &Prescription{
		DoctorID:       in.DoctorID,
		PatientID:      in.PatientID,
		Medication:     strings.TrimSpace(in.Medication),
		Dosage:         strings.TrimSpace(in.Dosage),
		Instructions:   strings.TrimSpace(in.Instructions),
		PrescribedDate: s.now().UTC(),
		DurationDays:   in.DurationDays,
	}
	if err := validate(p); err != nil {
		return nil, err
	}

	var d *Details
	err := s.tx.InTx(ctx, func(ctx context.Context) error {
		if err := s.repo.Create(ctx, p); err != nil {
			return fmt.Errorf("create prescription: %w", err)
		}
		var err error
		d, err = s.repo.GetDetails(ctx, p.ID)
		return err
	})
	if err != nil {
		return nil, err
	}

	s.publisher.Publish(ctx, events.TopicPrescriptionCreated, toEvent(d))
	return &d.Prescription, nil
}

func (s *Service) Get(ctx context.Context, id uuid.UUID) (*Prescription, error) {
	return s.repo.GetByID(ctx, id)
}

func (s *Service) ListByPatient(ctx context.Context, patientID uuid.UUID, limit, offset int) ([]*Prescription, int, error) {
	return s.repo.ListByPatient(ctx, patientID, limit, offset)
}

func (s *Service) ListByDoctor(ctx context.Context, doctorID uuid.UUID, limit, offset int) ([]*Prescription, int, error) {
	return s.repo.ListByDoctor(ctx, doctorID, limit, offset)
}

// Update applies in and announces the new state on prescription.updated.
func (s *Service) Update(ctx context.Context, caller Caller, id uuid.UUID, in UpdateInput) (*Prescription, error) {
	var d *Details
	err := s.tx.InTx(ctx, func(ctx context.Context) error {
		var err error
		d, err = s.repo.GetDetails(ctx, id)
		if err != nil {
			return err
		}
		if !caller.Admin && d.DoctorID != caller.ID {
			return ErrNotOwner
		}

		p := &d.Prescription
		if in.Medication != nil {
			p.Medication = strings.TrimSpace(*in.Medication)
		}
		if in.Dosage != nil {
			p.Dosage = strings.TrimSpace(*in.Dosage)
		}
		if in.Instructions != nil {
			p.Instructions = strings.TrimSpace(*in.Instructions)
		}
		if in.DurationDays != nil {
			p.DurationDays = *in.DurationDays
		}
		if err := validate(p); err != nil {
			return err
		}
		if err := s.repo.Update(ctx, p); err != nil {
			return fmt.Errorf("update prescription %s: %w", id, err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	s.publisher.Publish(ctx, events.TopicPrescriptionUpdated, toEvent(d))
	return &d.Prescription, nil
}

func toEvent(d *Details) events.PrescriptionCreated {
	return events.PrescriptionCreated{
		PrescriptionID: d.ID,
		PatientID:      d.PatientID,
		DoctorID:       d.DoctorID,
		PatientEmail:   d.Patient.Email,
		PatientName:    d.Patient.FullName(),
		DoctorName:     "Dr. " + d.Doctor.FullName(),
		Medication:     d.Medication,
		Dosage:         d.Dosage,
		Instructions:   d.Instructions,
		PrescribedDate: d.PrescribedDate,
		DurationDays:   d.DurationDays,
	}
}
