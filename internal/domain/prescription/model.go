package prescription

import (
	"strings"
	"time"

	"github.com/google/uuid"
)

type Prescription struct {
	ID             uuid.UUID `json:"id"`
	DoctorID       uuid.UUID `json:"doctor_id"`
	PatientID      uuid.UUID `json:"patient_id"`
	Medication     string    `json:"medication"`
	Dosage         string    `json:"dosage"`
	Instructions   string    `json:"instructions"`
	PrescribedDate time.Time `json:"prescribed_date"`
	DurationDays   int       `json:"duration_days"`
	CreatedAt      time.Time `json:"created_at"`
	UpdatedAt      time.Time `json:"updated_at"`
}

// Contact is the subset of a patient or doctor record needed for notifications.
type Contact struct {
	FirstName string `json:"first_name"`
	LastName  string `json:"last_name"`
	Email     string `json:"email"`
}

func (c Contact) FullName() string {
	return strings.TrimSpace(c.FirstName + " " + c.LastName)
}

type Details struct {
	Prescription
	Patient Contact `json:"patient"`
	Doctor  Contact `json:"doctor"`
}

// Caller is the authenticated user writing a prescription. ID is the doctor
// record the caller acts as.
type Caller struct {
	ID    uuid.UUID
	Admin bool
}
