package appointment

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"

	"github.com/hospital/appointments/internal/events"
)

var (
	ErrNotFound = errors.New("appointment not found")
	// ErrStaleStatus is returned by UpdateStatus when the stored status no
	// longer matches the status the caller transitioned from.
	ErrStaleStatus = errors.New("appointment status changed concurrently")
)

type Repository interface {
	Create(ctx context.Context, a *Appointment) error
	GetByID(ctx context.Context, id uuid.UUID) (*Appointment, error)
	GetDetails(ctx context.Context, id uuid.UUID) (*Details, error)
	UpdateStatus(ctx context.Context, id uuid.UUID, from, to Status) error
	ListByPatient(ctx context.Context, patientID uuid.UUID, limit, offset int) ([]*Appointment, int, error)
	ListByDoctor(ctx context.Context, doctorID uuid.UUID, limit, offset int) ([]*Appointment, int, error)

	// FindApprovedInWindow returns approved appointments starting within
	// [from, to] whose reminder flag for kind is still unset.
	FindApprovedInWindow(ctx context.Context, from, to time.Time, kind events.ReminderType) ([]*Details, error)
	// SetReminderFlag is the single-id form of SetReminderFlags.
	SetReminderFlag(ctx context.Context, id uuid.UUID, kind events.ReminderType) error
	// SetReminderFlags flips the flag for kind on every id in one statement
	// and returns how many rows changed.
	SetReminderFlags(ctx context.Context, kind events.ReminderType, ids []uuid.UUID) (int64, error)
}
