// Package notification is the outbound email gateway: HTML template
// rendering, an SMTP sender, a retrying decorator and test doubles.
package notification

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"html/template"
	"sync"
	texttemplate "text/template"
	"time"

	"github.com/rs/zerolog"

	"github.com/hospital/appointments/internal/platform/telemetry"
)

// ---------------------------------------------------------------------------
// Sender Interface
// ---------------------------------------------------------------------------

// EmailSender sends one HTML email.
type EmailSender interface {
	SendEmail(ctx context.Context, to, subject, body string) error
}

// ErrSendFailed wraps the last error once every attempt has been used.
var ErrSendFailed = errors.New("email send failed")

type permanentError struct{ err error }

func (e *permanentError) Error() string { return e.err.Error() }
func (e *permanentError) Unwrap() error { return e.err }

// Permanent marks err as not worth retrying, e.g. a malformed recipient.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &permanentError{err: err}
}

// IsPermanent reports whether err was marked with Permanent.
func IsPermanent(err error) bool {
	var pe *permanentError
	return errors.As(err, &pe)
}

// ---------------------------------------------------------------------------
// Retrying Sender
// ---------------------------------------------------------------------------

// DefaultRetryDelays are the pauses between attempts: one initial attempt
// followed by up to three retries.
var DefaultRetryDelays = []time.Duration{2 * time.Second, 4 * time.Second, 6 * time.Second}

// RetryingSender retries transient failures of the wrapped sender.
type RetryingSender struct {
	next    EmailSender
	delays  []time.Duration
	logger  zerolog.Logger
	metrics *telemetry.Metrics
}

type RetryOption func(*RetryingSender)

func WithRetryDelays(delays ...time.Duration) RetryOption {
	return func(r *RetryingSender) { r.delays = delays }
}

func WithRetryMetrics(m *telemetry.Metrics) RetryOption {
	return func(r *RetryingSender) { r.metrics = m }
}

func NewRetryingSender(next EmailSender, logger zerolog.Logger, opts ...RetryOption) *RetryingSender {
	r := &RetryingSender{
		next:   next,
		delays: DefaultRetryDelays,
		logger: logger.With().Str("component", "email").Logger(),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// SendEmail tries the wrapped sender until it succeeds, the error is
// permanent, ctx ends, or the retry schedule is exhausted.
func (r *RetryingSender) SendEmail(ctx context.Context, to, subject, body string) error {
	attempts := len(r.delays) + 1
	var err error
	for attempt := 1; attempt <= attempts; attempt++ {
		err = r.next.SendEmail(ctx, to, subject, body)
		if err == nil {
			r.metrics.EmailAttempt(telemetry.OutcomeSuccess)
			r.logger.Info().Str("to", to).Int("attempt", attempt).Msg("email sent")
			return nil
		}
		r.metrics.EmailAttempt(telemetry.OutcomeFailure)

		if IsPermanent(err) {
			r.logger.Error().Err(err).Str("to", to).Msg("email rejected, not retrying")
			return fmt.Errorf("%w: %w", ErrSendFailed, err)
		}
		if attempt == attempts {
			break
		}

		delay := r.delays[attempt-1]
		r.logger.Warn().Err(err).
			Str("to", to).
			Int("attempt", attempt).
			Int("max_attempts", attempts).
			Dur("retry_in", delay).
			Msg("email send failed, retrying")

		t := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			t.Stop()
			return fmt.Errorf("%w: %w", ErrSendFailed, ctx.Err())
		case <-t.C:
		}
	}

	r.logger.Error().Err(err).Str("to", to).Int("attempts", attempts).Msg("email send failed")
	return fmt.Errorf("%w after %d attempts: %w", ErrSendFailed, attempts, err)
}

// ---------------------------------------------------------------------------
// Template Engine
// ---------------------------------------------------------------------------

// Template IDs of the built-in emails.
const (
	TemplateAppointmentCreated          = "appointment-created"
	TemplateAppointmentCancelledPatient = "appointment-cancelled-patient"
	TemplateAppointmentCancelledDoctor  = "appointment-cancelled-doctor"
	TemplateAppointmentReminder         = "appointment-reminder"
	TemplatePrescriptionCreated         = "prescription-created"
)

// DateTimeLayout is how appointment times appear in emails.
const DateTimeLayout = "2006-01-02 15:04"

// Template defines a reusable email. Subject is plain text; Body is HTML and
// escapes every interpolated value.
type Template struct {
	ID      string
	Name    string
	Subject string
	Body    string
}

type compiledTemplate struct {
	subject *texttemplate.Template
	body    *template.Template
}

// TemplateEngine holds compiled email templates.
type TemplateEngine struct {
	mu        sync.RWMutex
	templates map[string]*compiledTemplate
}

var funcs = map[string]any{
	"datetime": func(t time.Time) string { return t.Format(DateTimeLayout) },
}

// NewTemplateEngine creates a TemplateEngine with the built-in templates pre-registered.
func NewTemplateEngine() *TemplateEngine {
	e := &TemplateEngine{
		templates: make(map[string]*compiledTemplate),
	}
	e.registerBuiltIn()
	return e
}

func (e *TemplateEngine) registerBuiltIn() {
	builtIn := []Template{
		{
			ID:      TemplateAppointmentCreated,
			Name:    "Appointment Confirmation",
			Subject: "Appointment Confirmation",
			Body: `<h2>Appointment Confirmation</h2>
<p>Dear {{.PatientName}},</p>
<p>Your appointment has been scheduled with the following details:</p>
<ul>
  <li><strong>Doctor:</strong> {{.DoctorName}}</li>
  <li><strong>Date &amp; Time:</strong> {{datetime .AppointmentDate}}</li>
  <li><strong>Status:</strong> {{.Status}}</li>
</ul>
<p>Please arrive 15 minutes before your scheduled time.</p>
<p>Thank you for choosing our hospital.</p>`,
		},
		{
			ID:      TemplateAppointmentCancelledPatient,
			Name:    "Appointment Cancelled",
			Subject: "Appointment Cancelled",
			Body: `<h2>Appointment Cancellation</h2>
<p>Dear {{.PatientName}},</p>
<p>Your appointment scheduled for {{datetime .AppointmentDate}} with {{.DoctorName}} has been cancelled.</p>
<p><strong>Cancelled by:</strong> {{.CancelledBy}}</p>
{{- if .Reason}}
<p><strong>Reason:</strong> {{.Reason}}</p>
{{- end}}
<p>Please contact us to reschedule your appointment.</p>`,
		},
		{
			ID:      TemplateAppointmentCancelledDoctor,
			Name:    "Patient Appointment Cancelled",
			Subject: "Patient Appointment Cancelled",
			Body: `<h2>Appointment Cancellation Notice</h2>
<p>Dear {{.DoctorName}},</p>
<p>The appointment scheduled for {{datetime .AppointmentDate}} with {{.PatientName}} has been cancelled by the patient.</p>
<p>Your schedule slot is now available.</p>`,
		},
		{
			ID:      TemplateAppointmentReminder,
			Name:    "Appointment Reminder",
			Subject: "Appointment Reminder",
			Body: `<h2>Appointment Reminder</h2>
<p>Dear {{.PatientName}},</p>
<p>This is a reminder that you have an appointment {{.TimeUntil}}:</p>
<ul>
  <li><strong>Doctor:</strong> {{.DoctorName}}</li>
  <li><strong>Date &amp; Time:</strong> {{datetime .AppointmentDate}}</li>
</ul>
<p>Please arrive 15 minutes before your scheduled time.</p>
<p>If you need to cancel or reschedule, please contact us at least 48 hours in advance.</p>`,
		},
		{
			ID:      TemplatePrescriptionCreated,
			Name:    "New Prescription",
			Subject: "New Prescription",
			Body: `<h2>New Prescription</h2>
<p>Dear {{.PatientName}},</p>
<p>{{.DoctorName}} has prescribed the following medication:</p>
<ul>
  <li><strong>Medication:</strong> {{.Medication}}</li>
  <li><strong>Dosage:</strong> {{.Dosage}}</li>
  <li><strong>Duration:</strong> {{.DurationDays}} days</li>
  <li><strong>Instructions:</strong> {{.Instructions}}</li>
</ul>
<p>Please follow the instructions carefully and contact us if you have any questions.</p>`,
		},
	}
	for _, t := range builtIn {
		if err := e.RegisterTemplate(t); err != nil {
			panic(err)
		}
	}
}

// RegisterTemplate compiles t and adds or replaces it in the engine.
func (e *TemplateEngine) RegisterTemplate(t Template) error {
	subject, err := texttemplate.New(t.ID + ".subject").Funcs(funcs).Option("missingkey=error").Parse(t.Subject)
	if err != nil {
		return fmt.Errorf("parse subject of %q: %w", t.ID, err)
	}
	body, err := template.New(t.ID).Funcs(funcs).Option("missingkey=error").Parse(t.Body)
	if err != nil {
		return fmt.Errorf("parse body of %q: %w", t.ID, err)
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	e.templates[t.ID] = &compiledTemplate{subject: subject, body: body}
	return nil
}

// Render executes the template with data, which is usually the event struct
// the email is about.
func (e *TemplateEngine) Render(templateID string, data any) (subject, body string, err error) {
	e.mu.RLock()
	t, ok := e.templates[templateID]
	e.mu.RUnlock()
	if !ok {
		return "", "", fmt.Errorf("template %q not found", templateID)
	}

	var sb, bb bytes.Buffer
	if err := t.subject.Execute(&sb, data); err != nil {
		return "", "", fmt.Errorf("render subject of %q: %w", templateID, err)
	}
	if err := t.body.Execute(&bb, data); err != nil {
		return "", "", fmt.Errorf("render body of %q: %w", templateID, err)
	}
	return sb.String(), bb.String(), nil
}

// ---------------------------------------------------------------------------
// Mock Sender (test double)
// ---------------------------------------------------------------------------

// EmailCall records a single call to SendEmail.
type EmailCall struct {
	To      string
	Subject string
	Body    string
}

// MockEmailSender is a test double for EmailSender. FailTimes fails only the
// first n calls; ShouldFail fails every call.
type MockEmailSender struct {
	mu         sync.Mutex
	calls      []EmailCall
	ShouldFail bool
	FailTimes  int
	FailError  error
}

// SendEmail records the call and optionally returns an error.
func (m *MockEmailSender) SendEmail(_ context.Context, to, subject, body string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls = append(m.calls, EmailCall{To: to, Subject: subject, Body: body})
	if m.ShouldFail || len(m.calls) <= m.FailTimes {
		if m.FailError != nil {
			return m.FailError
		}
		return errors.New("mock send failure")
	}
	return nil
}

// Calls returns a copy of recorded email calls.
func (m *MockEmailSender) Calls() []EmailCall {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]EmailCall, len(m.calls))
	copy(out, m.calls)
	return out
}
