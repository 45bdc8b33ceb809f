package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/hospital/appointments/internal/config"
	"github.com/hospital/appointments/internal/domain/appointment"
	"github.com/hospital/appointments/internal/domain/notify"
	"github.com/hospital/appointments/internal/domain/prescription"
	"github.com/hospital/appointments/internal/domain/reminder"
	"github.com/hospital/appointments/internal/events"
	"github.com/hospital/appointments/internal/platform/db"
	"github.com/hospital/appointments/internal/platform/messaging"
	"github.com/hospital/appointments/internal/platform/notification"
	"github.com/hospital/appointments/internal/platform/telemetry"
)

const shutdownTimeout = 10 * time.Second

// brokerTransport is a transport that can report its connection state.
type brokerTransport interface {
	messaging.Transport
	db.Pinger
}

// app holds the long-lived dependencies shared by every command.
type app struct {
	cfg     *config.Config
	logger  zerolog.Logger
	metrics *telemetry.Metrics

	pool      *pgxpool.Pool
	transport brokerTransport
	publisher *messaging.Publisher
	sender    notification.EmailSender
	smtp      *notification.SMTPSender

	apptRepo      appointment.Repository
	appointments  *appointment.Service
	prescriptions *prescription.Service
}

func poolConfig(cfg *config.Config) db.PoolConfig {
	return db.PoolConfig{
		URL:             cfg.DatabaseURL,
		MaxConns:        cfg.DBMaxConns,
		MinConns:        cfg.DBMinConns,
		ApplicationName: "hospital-server",
	}
}

func newApp(ctx context.Context, cfg *config.Config, logger zerolog.Logger) (*app, error) {
	a := &app{cfg: cfg, logger: logger, metrics: telemetry.New()}

	pool, err := db.NewPool(ctx, poolConfig(cfg))
	if err != nil {
		return nil, fmt.Errorf("connect to database: %w", err)
	}
	a.pool = pool
	logger.Info().Msg("connected to database")

	transport, err := newTransport(ctx, cfg, logger)
	if err != nil {
		pool.Close()
		return nil, err
	}
	a.transport = transport
	a.publisher = messaging.NewPublisher(transport, logger,
		messaging.WithPublishTimeout(cfg.BrokerPublishTimeout),
		messaging.WithPublisherMetrics(a.metrics))

	a.sender, a.smtp, err = newEmailSender(cfg, logger, a.metrics)
	if err != nil {
		a.Close()
		return nil, err
	}

	tx := db.NewTransactor(pool)
	a.apptRepo = appointment.NewRepoPG(pool)
	a.appointments = appointment.NewService(a.apptRepo, a.publisher, logger, appointment.WithTxRunner(tx))
	a.prescriptions = prescription.NewService(prescription.NewRepoPG(pool), a.publisher, logger, prescription.WithTxRunner(tx))
	return a, nil
}

func newTransport(ctx context.Context, cfg *config.Config, logger zerolog.Logger) (brokerTransport, error) {
	if cfg.UsesMemoryBroker() {
		logger.Warn().Msg("using the in-process broker; events are lost on restart and not shared between processes")
		return messaging.NewMemoryTransport(events.AllTopics()...), nil
	}
	t, err := messaging.DialAMQP(ctx, messaging.AMQPConfig{
		URL:            cfg.BrokerURL,
		Exchange:       cfg.BrokerExchange,
		Topics:         events.AllTopics(),
		Prefetch:       cfg.BrokerPrefetch,
		ReconnectDelay: cfg.BrokerReconnectDelay,
		ConnectionName: "hospital-server",
	}, logger)
	if err != nil {
		return nil, fmt.Errorf("connect to broker: %w", err)
	}
	return t, nil
}

// newEmailSender returns the retrying sender handlers use and, when SMTP is
// configured, the raw relay for readiness checks.
func newEmailSender(cfg *config.Config, logger zerolog.Logger, metrics *telemetry.Metrics) (notification.EmailSender, *notification.SMTPSender, error) {
	if cfg.SMTPHost == "" {
		logger.Warn().Msg("SMTP_HOST not set, emails are logged instead of sent")
		return notification.NewLogSender(logger), nil, nil
	}
	smtp, err := notification.NewSMTPSender(notification.SMTPConfig{
		Host:       cfg.SMTPHost,
		Port:       cfg.SMTPPort,
		Username:   cfg.SMTPUsername,
		Password:   cfg.SMTPPassword,
		Sender:     cfg.SMTPSender,
		SenderName: cfg.SMTPSenderName,
		TLS:        cfg.SMTPTLS,
	})
	if err != nil {
		return nil, nil, fmt.Errorf("configure smtp: %w", err)
	}
	return notification.NewRetryingSender(smtp, logger, notification.WithRetryMetrics(metrics)), smtp, nil
}

func (a *app) newDispatcher() *messaging.Dispatcher {
	d := messaging.NewDispatcher(a.transport, a.logger,
		messaging.WithMaxDeliveries(a.cfg.ConsumerMaxDeliveries),
		messaging.WithDispatcherMetrics(a.metrics))
	notify.NewHandlers(a.sender, notification.NewTemplateEngine(), a.logger,
		notify.WithRedeliverOnSendFailure(a.cfg.NotifyRedeliverOnSendFailure)).Register(d)
	return d
}

func (a *app) newScheduler() *reminder.Scheduler {
	return reminder.NewScheduler(a.apptRepo, a.publisher, a.logger,
		reminder.WithInterval(a.cfg.ReminderInterval),
		reminder.WithRetryDelay(a.cfg.ReminderRetryDelay),
		reminder.WithMetrics(a.metrics))
}

func (a *app) readiness() map[string]db.Pinger {
	deps := map[string]db.Pinger{
		"database": a.pool,
		"broker":   a.transport,
	}
	if a.smtp != nil {
		deps["smtp"] = a.smtp
	}
	return deps
}

// startBackground adds the consumers and the scheduler to g, as enabled.
func (a *app) startBackground(ctx context.Context, g *errgroup.Group) {
	if a.cfg.RunConsumers {
		d := a.newDispatcher()
		g.Go(func() error { return d.Run(ctx) })
	}
	if a.cfg.RunScheduler {
		s := a.newScheduler()
		g.Go(func() error {
			s.Run(ctx)
			return nil
		})
	}
}

// Close releases the broker before the database so in-flight handlers finish
// against a live pool.
func (a *app) Close() {
	if a.publisher != nil {
		if err := a.publisher.Close(); err != nil {
			a.logger.Error().Err(err).Msg("failed to close broker connection")
		}
	}
	if a.pool != nil {
		a.pool.Close()
	}
}

func runServe(ctx context.Context, cfg *config.Config, logger zerolog.Logger) error {
	a, err := newApp(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer a.Close()

	e := newRouter(routerDeps{
		cfg:           cfg,
		logger:        logger,
		metrics:       a.metrics,
		appointments:  a.appointments,
		prescriptions: a.prescriptions,
		dbHealth:      db.HealthHandler(a.pool),
		readiness:     a.readiness(),
	})

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		addr := ":" + cfg.Port
		logger.Info().Str("addr", addr).Msg("starting server")
		if err := e.Start(addr); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		logger.Info().Msg("shutting down server")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return e.Shutdown(shutdownCtx)
	})
	a.startBackground(gctx, g)

	err = g.Wait()
	logger.Info().Msg("server stopped")
	return err
}

func runWorker(ctx context.Context, cfg *config.Config, logger zerolog.Logger) error {
	if !cfg.RunConsumers && !cfg.RunScheduler {
		return errors.New("worker has nothing to do: RUN_CONSUMERS and RUN_SCHEDULER are both false")
	}
	a, err := newApp(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer a.Close()

	g, gctx := errgroup.WithContext(ctx)
	a.startBackground(gctx, g)
	logger.Info().
		Bool("consumers", cfg.RunConsumers).
		Bool("scheduler", cfg.RunScheduler).
		Msg("worker started")

	err = g.Wait()
	logger.Info().Msg("worker stopped")
	return err
}
