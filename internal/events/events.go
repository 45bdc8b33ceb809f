// Package events defines the messages exchanged over the broker. Each topic
// carries exactly one message shape, and field names on the wire are camelCase.
package events

import (
	"time"

	"github.com/google/uuid"
)

// Topics double as routing keys and queue names.
const (
	TopicAppointmentCreated   = "appointment.created"
	TopicAppointmentUpdated   = "appointment.updated"
	TopicAppointmentCancelled = "appointment.cancelled"
	TopicAppointmentApproved  = "appointment.approved"
	TopicAppointmentReminder  = "appointment.reminder"
	TopicPrescriptionCreated  = "prescription.created"
	TopicPrescriptionUpdated  = "prescription.updated"
)

// AllTopics returns every topic the broker topology declares. The approved
// topic is declared for existing bindings but nothing publishes to it.
func AllTopics() []string {
	return []string{
		TopicAppointmentCreated,
		TopicAppointmentUpdated,
		TopicAppointmentCancelled,
		TopicAppointmentApproved,
		TopicAppointmentReminder,
		TopicPrescriptionCreated,
		TopicPrescriptionUpdated,
	}
}

// ReminderType tags a reminder with the offset that produced it.
type ReminderType string

const (
	Reminder24Hours ReminderType = "24hours"
	Reminder2Hours  ReminderType = "2hours"
)

// Lead returns how long before the appointment the reminder is due.
func (r ReminderType) Lead() time.Duration {
	switch r {
	case Reminder24Hours:
		return 24 * time.Hour
	case Reminder2Hours:
		return 2 * time.Hour
	}
	return 0
}

// Valid reports whether r is one of the known reminder types.
func (r ReminderType) Valid() bool {
	return r == Reminder24Hours || r == Reminder2Hours
}

// Cancellation attribution values carried in AppointmentCancelled.CancelledBy.
const (
	CancelledByAdmin   = "Admin"
	CancelledByDoctor  = "Doctor"
	CancelledByPatient = "Patient"
)

type AppointmentCreated struct {
	AppointmentID   uuid.UUID `json:"appointmentId"`
	PatientID       uuid.UUID `json:"patientId"`
	DoctorID        uuid.UUID `json:"doctorId"`
	PatientEmail    string    `json:"patientEmail"`
	PatientName     string    `json:"patientName"`
	DoctorName      string    `json:"doctorName"`
	AppointmentDate time.Time `json:"appointmentDate"`
	Status          string    `json:"status"`
	CreatedAt       time.Time `json:"createdAt"`
}

type AppointmentUpdated struct {
	AppointmentID   uuid.UUID `json:"appointmentId"`
	PatientID       uuid.UUID `json:"patientId"`
	DoctorID        uuid.UUID `json:"doctorId"`
	PatientEmail    string    `json:"patientEmail"`
	PatientName     string    `json:"patientName"`
	DoctorName      string    `json:"doctorName"`
	AppointmentDate time.Time `json:"appointmentDate"`
	OldStatus       string    `json:"oldStatus"`
	NewStatus       string    `json:"newStatus"`
	UpdatedAt       time.Time `json:"updatedAt"`
}

type AppointmentCancelled struct {
	AppointmentID   uuid.UUID `json:"appointmentId"`
	PatientID       uuid.UUID `json:"patientId"`
	DoctorID        uuid.UUID `json:"doctorId"`
	PatientEmail    string    `json:"patientEmail"`
	DoctorEmail     string    `json:"doctorEmail"`
	PatientName     string    `json:"patientName"`
	DoctorName      string    `json:"doctorName"`
	AppointmentDate time.Time `json:"appointmentDate"`
	CancelledBy     string    `json:"cancelledBy"`
	CancelledAt     time.Time `json:"cancelledAt"`
	Reason          string    `json:"reason,omitempty"`
}

type AppointmentReminder struct {
	AppointmentID   uuid.UUID    `json:"appointmentId"`
	PatientEmail    string       `json:"patientEmail"`
	PatientName     string       `json:"patientName"`
	DoctorName      string       `json:"doctorName"`
	AppointmentDate time.Time    `json:"appointmentDate"`
	ReminderType    ReminderType `json:"reminderType"`
}

// PrescriptionCreated is also the body of prescription.updated.
type PrescriptionCreated struct {
	PrescriptionID uuid.UUID `json:"prescriptionId"`
	PatientID      uuid.UUID `json:"patientId"`
	DoctorID       uuid.UUID `json:"doctorId"`
	PatientEmail   string    `json:"patientEmail"`
	PatientName    string    `json:"patientName"`
	DoctorName     string    `json:"doctorName"`
	Medication     string    `json:"medication"`
	Dosage         string    `json:"dosage"`
	Instructions   string    `json:"instructions"`
	PrescribedDate time.Time `json:"prescribedDate"`
	DurationDays   int       `json:"durationDays"`
}
