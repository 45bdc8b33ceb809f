// Package telemetry holds the Prometheus collectors for the notification
// pipeline and the /metrics endpoint. A nil *Metrics is valid and records
// nothing.
package telemetry

import (
	"github.com/labstack/echo/v4"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Outcome label values.
const (
	OutcomeConfirmed   = "confirmed"
	OutcomeUnavailable = "unavailable"
	OutcomeError       = "error"
	OutcomeAck         = "ack"
	OutcomeNack        = "nack"
	OutcomeReject      = "reject"
	OutcomeSuccess     = "success"
	OutcomeFailure     = "failure"
)

type Metrics struct {
	registry *prometheus.Registry

	published          *prometheus.CounterVec
	consumed           *prometheus.CounterVec
	handleDuration     *prometheus.HistogramVec
	remindersEmitted   *prometheus.CounterVec
	reminderIterations *prometheus.CounterVec
	emailAttempts      *prometheus.CounterVec
}

// New creates the collectors and registers them on a fresh registry.
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		published: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "hospital_messages_published_total",
				Help: "Messages handed to the broker, by topic and outcome",
			},
			[]string{"topic", "outcome"},
		),
		consumed: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "hospital_messages_consumed_total",
				Help: "Deliveries settled by the dispatcher, by topic and settlement",
			},
			[]string{"topic", "outcome"},
		),
		handleDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "hospital_message_handle_duration_seconds",
				Help:    "Time spent in a topic handler",
				Buckets: []float64{0.01, 0.05, 0.1, 0.5, 1.0, 2.0, 5.0, 15.0, 30.0},
			},
			[]string{"topic"},
		),
		remindersEmitted: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "hospital_reminders_emitted_total",
				Help: "Appointment reminders published, by reminder type",
			},
			[]string{"kind"},
		),
		reminderIterations: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "hospital_reminder_iterations_total",
				Help: "Reminder scheduler iterations, by outcome",
			},
			[]string{"outcome"},
		),
		emailAttempts: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "hospital_email_attempts_total",
				Help: "Email gateway send attempts, by outcome",
			},
			[]string{"outcome"},
		),
	}
	m.registry.MustRegister(
		m.published,
		m.consumed,
		m.handleDuration,
		m.remindersEmitted,
		m.reminderIterations,
		m.emailAttempts,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return m
}

func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

func (m *Metrics) Published(topic, outcome string) {
	if m == nil {
		return
	}
	m.published.WithLabelValues(topic, outcome).Inc()
}

func (m *Metrics) Consumed(topic, outcome string, seconds float64) {
	if m == nil {
		return
	}
	m.consumed.WithLabelValues(topic, outcome).Inc()
	m.handleDuration.WithLabelValues(topic).Observe(seconds)
}

func (m *Metrics) ReminderEmitted(kind string) {
	if m == nil {
		return
	}
	m.remindersEmitted.WithLabelValues(kind).Inc()
}

func (m *Metrics) ReminderIteration(outcome string) {
	if m == nil {
		return
	}
	m.reminderIterations.WithLabelValues(outcome).Inc()
}

func (m *Metrics) EmailAttempt(outcome string) {
	if m == nil {
		return
	}
	m.emailAttempts.WithLabelValues(outcome).Inc()
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() echo.HandlerFunc {
	return echo.WrapHandler(promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{}))
}
