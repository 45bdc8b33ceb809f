package appointment

import (
	"strings"
	"time"

	"github.com/google/uuid"
)

type Status string

const (
	StatusPending   Status = "pending"
	StatusApproved  Status = "approved"
	StatusRejected  Status = "rejected"
	StatusCompleted Status = "completed"
	StatusCancelled Status = "cancelled"
)

// Terminal reports whether no further transition is permitted from s.
func (s Status) Terminal() bool {
	return s == StatusCancelled || s == StatusCompleted || s == StatusRejected
}

func (s Status) Valid() bool {
	switch s {
	case StatusPending, StatusApproved, StatusRejected, StatusCompleted, StatusCancelled:
		return true
	}
	return false
}

// Role is the actor role supplied by the identity layer.
type Role string

const (
	RolePatient Role = "Patient"
	RoleDoctor  Role = "Doctor"
	RoleAdmin   Role = "Admin"
)

type Action string

const (
	ActionCreate Action = "create"
	ActionCancel Action = "cancel"
	ActionAccept Action = "accept"
)

type Appointment struct {
	ID                 uuid.UUID `json:"id"`
	PatientID          uuid.UUID `json:"patient_id"`
	DoctorID           uuid.UUID `json:"doctor_id"`
	AppointmentDate    time.Time `json:"appointment_date"`
	Status             Status    `json:"status"`
	Notes              *string   `json:"notes,omitempty"`
	Reminder24HourSent bool      `json:"reminder_24_hour_sent"`
	Reminder2HourSent  bool      `json:"reminder_2_hour_sent"`
	CreatedAt          time.Time `json:"created_at"`
	UpdatedAt          time.Time `json:"updated_at"`
}

// Contact is the subset of a patient or doctor record needed for notifications.
type Contact struct {
	ID        uuid.UUID `json:"id"`
	FirstName string    `json:"first_name"`
	LastName  string    `json:"last_name"`
	Email     string    `json:"email"`
}

func (c Contact) FullName() string {
	return strings.TrimSpace(c.FirstName + " " + c.LastName)
}

// Details is an appointment joined with both parties' contact data.
type Details struct {
	Appointment
	Patient Contact `json:"patient"`
	Doctor  Contact `json:"doctor"`
}

func (d *Details) PatientName() string { return d.Patient.FullName() }

func (d *Details) DoctorName() string { return "Dr. " + d.Doctor.FullName() }

// Actor is the authenticated caller of a write operation. ID is the patient
// or doctor record the caller acts as; admins may carry uuid.Nil.
type Actor struct {
	ID    uuid.UUID
	Roles []Role
}

func (a Actor) Has(role Role) bool {
	for _, r := range a.Roles {
		if r == role {
			return true
		}
	}
	return false
}

// PrimaryRole picks the most privileged role the actor holds.
func (a Actor) PrimaryRole() Role {
	switch {
	case a.Has(RoleAdmin):
		return RoleAdmin
	case a.Has(RoleDoctor):
		return RoleDoctor
	default:
		return RolePatient
	}
}
