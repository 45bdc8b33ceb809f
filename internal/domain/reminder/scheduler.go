// Package reminder periodically publishes appointment reminders 24 hours and
// 2 hours before approved appointments.
//
// The scheduler assumes a single running instance. Two instances polling the
// same store may both publish a reminder before either sets the flag.
package reminder

import (
	"context"
	"errors"
	"fmt"
	"runtime"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/hospital/appointments/internal/domain/appointment"
	"github.com/hospital/appointments/internal/events"
	"github.com/hospital/appointments/internal/platform/telemetry"
)

// Store is the part of the appointment store the scheduler needs.
type Store interface {
	FindApprovedInWindow(ctx context.Context, from, to time.Time, kind events.ReminderType) ([]*appointment.Details, error)
	SetReminderFlags(ctx context.Context, kind events.ReminderType, ids []uuid.UUID) (int64, error)
}

type Publisher interface {
	Publish(ctx context.Context, topic string, payload any) bool
}

// Kinds lists the reminders in the order they are processed.
var Kinds = []events.ReminderType{events.Reminder24Hours, events.Reminder2Hours}

// Result summarizes one iteration.
type Result struct {
	Found     map[events.ReminderType]int
	Published map[events.ReminderType]int
	Flagged   map[events.ReminderType]int64
}

func (r Result) total(m map[events.ReminderType]int) int {
	n := 0
	for _, v := range m {
		n += v
	}
	return n
}

type Scheduler struct {
	store     Store
	publisher Publisher
	logger    zerolog.Logger
	metrics   *telemetry.Metrics

	interval   time.Duration
	retryDelay time.Duration
	tolerance  time.Duration
	now        func() time.Time
}

type Option func(*Scheduler)

func WithInterval(d time.Duration) Option {
	return func(s *Scheduler) {
		if d > 0 {
			s.interval = d
		}
	}
}

// WithRetryDelay sets the wait after a failed iteration.
func WithRetryDelay(d time.Duration) Option {
	return func(s *Scheduler) {
		if d > 0 {
			s.retryDelay = d
		}
	}
}

// WithTolerance sets the half-width of the window around each reminder offset.
func WithTolerance(d time.Duration) Option {
	return func(s *Scheduler) {
		if d > 0 {
			s.tolerance = d
		}
	}
}

func WithClock(now func() time.Time) Option {
	return func(s *Scheduler) { s.now = now }
}

func WithMetrics(m *telemetry.Metrics) Option {
	return func(s *Scheduler) { s.metrics = m }
}

func NewScheduler(store Store, publisher Publisher, logger zerolog.Logger, opts ...Option) *Scheduler {
	s := &Scheduler{
		store:      store,
		publisher:  publisher,
		logger:     logger.With().Str("component", "reminders").Logger(),
		interval:   30 * time.Minute,
		retryDelay: 5 * time.Minute,
		tolerance:  15 * time.Minute,
		now:        time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Run performs an iteration immediately and then one per interval until ctx is
// cancelled. A failed iteration is logged and retried after the retry delay;
// it never stops the loop.
func (s *Scheduler) Run(ctx context.Context) {
	s.logger.Info().
		Dur("interval", s.interval).
		Dur("retry_delay", s.retryDelay).
		Msg("reminder scheduler started")

	for {
		wait := s.interval
		if _, err := s.safeRunOnce(ctx); err != nil {
			if ctx.Err() != nil {
				s.logger.Info().Msg("reminder scheduler stopped")
				return
			}
			s.logger.Error().Err(err).Dur("retry_in", s.retryDelay).Msg("reminder iteration failed")
			wait = s.retryDelay
		}

		t := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			t.Stop()
			s.logger.Info().Msg("reminder scheduler stopped")
			return
		case <-t.C:
		}
	}
}

func (s *Scheduler) safeRunOnce(ctx context.Context) (res Result, err error) {
	defer func() {
		if r := recover(); r != nil {
			var stack [4096]byte
			n := runtime.Stack(stack[:], false)
			err = fmt.Errorf("panic in reminder iteration: %v\n%s", r, stack[:n])
			s.metrics.ReminderIteration(telemetry.OutcomeFailure)
		}
	}()
	return s.RunOnce(ctx)
}

// flagTimeout bounds each flag write once an iteration has started publishing.
const flagTimeout = 10 * time.Second

// RunOnce publishes one reminder per approved appointment whose 24h or 2h
// offset falls within the tolerance window of now, then flags the published
// ones. Flags are set only after the publishes, so a crash in between causes a
// duplicate reminder on the next run, never a missed one.
//
// Cancelling ctx stops the iteration only before the first publish. After
// that the batch is finished and flagged so a shutdown does not repeat it.
func (s *Scheduler) RunOnce(ctx context.Context) (Result, error) {
	res := Result{
		Found:     make(map[events.ReminderType]int, len(Kinds)),
		Published: make(map[events.ReminderType]int, len(Kinds)),
		Flagged:   make(map[events.ReminderType]int64, len(Kinds)),
	}
	now := s.now().UTC()

	due := make(map[events.ReminderType][]*appointment.Details, len(Kinds))
	for _, kind := range Kinds {
		at := now.Add(kind.Lead())
		list, err := s.store.FindApprovedInWindow(ctx, at.Add(-s.tolerance), at.Add(s.tolerance), kind)
		if err != nil {
			s.metrics.ReminderIteration(telemetry.OutcomeFailure)
			return res, fmt.Errorf("find %s reminders: %w", kind, err)
		}
		due[kind] = list
		res.Found[kind] = len(list)
	}

	if err := ctx.Err(); err != nil {
		return res, err
	}
	finishCtx := context.WithoutCancel(ctx)

	sent := make(map[events.ReminderType][]uuid.UUID, len(Kinds))
	for _, kind := range Kinds {
		for _, d := range due[kind] {
			msg := events.AppointmentReminder{
				AppointmentID:   d.ID,
				PatientEmail:    d.Patient.Email,
				PatientName:     d.PatientName(),
				DoctorName:      d.DoctorName(),
				AppointmentDate: d.AppointmentDate,
				ReminderType:    kind,
			}
			if !s.publisher.Publish(finishCtx, events.TopicAppointmentReminder, msg) {
				s.logger.Warn().
					Str("appointment_id", d.ID.String()).
					Str("reminder_type", string(kind)).
					Msg("reminder not published, will retry next iteration")
				continue
			}
			sent[kind] = append(sent[kind], d.ID)
			res.Published[kind]++
			s.metrics.ReminderEmitted(string(kind))
			s.logger.Info().
				Str("appointment_id", d.ID.String()).
				Str("reminder_type", string(kind)).
				Msg("reminder published")
		}
	}

	var errs []error
	for _, kind := range Kinds {
		ids := sent[kind]
		if len(ids) == 0 {
			continue
		}
		flagCtx, cancel := context.WithTimeout(finishCtx, flagTimeout)
		n, err := s.store.SetReminderFlags(flagCtx, kind, ids)
		cancel()
		if err != nil {
			errs = append(errs, fmt.Errorf("flag %s reminders: %w", kind, err))
			continue
		}
		res.Flagged[kind] = n
	}
	if err := errors.Join(errs...); err != nil {
		s.metrics.ReminderIteration(telemetry.OutcomeFailure)
		return res, err
	}

	if found := res.total(res.Found); found > 0 {
		s.logger.Info().
			Int("reminders_24h", res.Published[events.Reminder24Hours]).
			Int("reminders_2h", res.Published[events.Reminder2Hours]).
			Int("skipped", found-res.total(res.Published)).
			Msg("reminder iteration complete")
	}
	s.metrics.ReminderIteration(telemetry.OutcomeSuccess)
	return res, nil
}
