// Package notify turns appointment and prescription events into emails. The
// handlers only read the event payload; they never query or modify the
// appointment store.
package notify

import (
	"context"
	"fmt"

	"github.com/rs/zerolog"

	"github.com/hospital/appointments/internal/events"
	"github.com/hospital/appointments/internal/platform/messaging"
	"github.com/hospital/appointments/internal/platform/notification"
)

type Handlers struct {
	sender    notification.EmailSender
	templates *notification.TemplateEngine
	logger    zerolog.Logger

	redeliverOnSendFailure bool
}

type Option func(*Handlers)

// WithRedeliverOnSendFailure makes email failures fail the handler so the
// message is requeued. By default they are logged and the message is acked.
func WithRedeliverOnSendFailure(on bool) Option {
	return func(h *Handlers) { h.redeliverOnSendFailure = on }
}

func NewHandlers(sender notification.EmailSender, templates *notification.TemplateEngine, logger zerolog.Logger, opts ...Option) *Handlers {
	h := &Handlers{
		sender:    sender,
		templates: templates,
		logger:    logger.With().Str("component", "notify").Logger(),
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// Register subscribes every notification handler on d.
func (h *Handlers) Register(d *messaging.Dispatcher) {
	messaging.Handle(d, events.TopicAppointmentCreated, h.AppointmentCreated)
	messaging.Handle(d, events.TopicAppointmentCancelled, h.AppointmentCancelled)
	messaging.Handle(d, events.TopicAppointmentReminder, h.AppointmentReminder)
	messaging.Handle(d, events.TopicPrescriptionCreated, h.PrescriptionCreated)
}

// AppointmentCreated emails the patient a booking confirmation.
func (h *Handlers) AppointmentCreated(ctx context.Context, msg events.AppointmentCreated) error {
	log := h.logger.With().Str("appointment_id", msg.AppointmentID.String()).Logger()
	return h.send(ctx, log, msg.PatientEmail, notification.TemplateAppointmentCreated, msg)
}

// AppointmentCancelled emails the patient, and the doctor too when the
// patient cancelled.
func (h *Handlers) AppointmentCancelled(ctx context.Context, msg events.AppointmentCancelled) error {
	log := h.logger.With().
		Str("appointment_id", msg.AppointmentID.String()).
		Str("cancelled_by", msg.CancelledBy).
		Logger()

	if err := h.send(ctx, log, msg.PatientEmail, notification.TemplateAppointmentCancelledPatient, msg); err != nil {
		return err
	}
	if msg.CancelledBy == events.CancelledByPatient && msg.DoctorEmail != "" {
		return h.send(ctx, log, msg.DoctorEmail, notification.TemplateAppointmentCancelledDoctor, msg)
	}
	return nil
}

type reminderView struct {
	events.AppointmentReminder
	TimeUntil string
}

// AppointmentReminder emails the patient ahead of an approved appointment.
func (h *Handlers) AppointmentReminder(ctx context.Context, msg events.AppointmentReminder) error {
	log := h.logger.With().
		Str("appointment_id", msg.AppointmentID.String()).
		Str("reminder_type", string(msg.ReminderType)).
		Logger()

	view := reminderView{AppointmentReminder: msg, TimeUntil: "in 2 hours"}
	if msg.ReminderType == events.Reminder24Hours {
		view.TimeUntil = "tomorrow"
	}
	return h.send(ctx, log, msg.PatientEmail, notification.TemplateAppointmentReminder, view)
}

// PrescriptionCreated emails the patient the new prescription.
func (h *Handlers) PrescriptionCreated(ctx context.Context, msg events.PrescriptionCreated) error {
	log := h.logger.With().Str("prescription_id", msg.PrescriptionID.String()).Logger()
	return h.send(ctx, log, msg.PatientEmail, notification.TemplatePrescriptionCreated, msg)
}

func (h *Handlers) send(ctx context.Context, log zerolog.Logger, to, templateID string, data any) error {
	if to == "" {
		log.Warn().Str("template", templateID).Msg("no recipient address, email skipped")
		return nil
	}

	subject, body, err := h.templates.Render(templateID, data)
	if err != nil {
		// a render failure is a programming error; redelivery cannot fix it
		log.Error().Err(err).Str("template", templateID).Msg("failed to render email")
		return nil
	}

	if err := h.sender.SendEmail(ctx, to, subject, body); err != nil {
		log.Error().Err(err).Str("to", to).Str("template", templateID).Msg("failed to send email")
		if h.redeliverOnSendFailure {
			return fmt.Errorf("send %s email: %w", templateID, err)
		}
		return nil
	}

	log.Info().Str("to", to).Str("template", templateID).Msg("notification sent")
	return nil
}
