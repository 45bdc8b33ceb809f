package messaging

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/google/uuid"
	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/hospital/appointments/internal/platform/telemetry"
)

const tracerName = "github.com/hospital/appointments/internal/platform/messaging"

// Publisher serializes events as JSON and hands them to the transport. It
// never returns an error: failures are logged and counted, and the caller's
// business write stands regardless.
type Publisher struct {
	transport Transport
	logger    zerolog.Logger
	metrics   *telemetry.Metrics
	tracer    trace.Tracer
	timeout   time.Duration
	now       func() time.Time
}

type PublisherOption func(*Publisher)

// WithPublishTimeout bounds how long a publish may wait for the broker.
func WithPublishTimeout(d time.Duration) PublisherOption {
	return func(p *Publisher) {
		if d > 0 {
			p.timeout = d
		}
	}
}

func WithPublisherMetrics(m *telemetry.Metrics) PublisherOption {
	return func(p *Publisher) { p.metrics = m }
}

func NewPublisher(transport Transport, logger zerolog.Logger, opts ...PublisherOption) *Publisher {
	p := &Publisher{
		transport: transport,
		logger:    logger.With().Str("component", "publisher").Logger(),
		tracer:    otel.Tracer(tracerName),
		timeout:   5 * time.Second,
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Publish sends payload to topic and reports whether the broker accepted it.
// The attempt is detached from ctx cancellation and bounded by the publish
// timeout, so an aborted request cannot drop an event for a committed write.
func (p *Publisher) Publish(ctx context.Context, topic string, payload any) bool {
	ctx, span := p.tracer.Start(ctx, topic+" publish",
		trace.WithSpanKind(trace.SpanKindProducer),
		trace.WithAttributes(
			attribute.String("messaging.system", "rabbitmq"),
			attribute.String("messaging.destination.name", topic),
		))
	defer span.End()

	body, err := json.Marshal(payload)
	if err != nil {
		p.logger.Error().Err(err).Str("topic", topic).Msg("failed to encode message")
		p.metrics.Published(topic, telemetry.OutcomeError)
		span.SetStatus(codes.Error, err.Error())
		return false
	}

	msg := amqp.Publishing{
		Headers:      amqp.Table{},
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		MessageId:    uuid.NewString(),
		Timestamp:    p.now().UTC(),
		Body:         body,
	}
	injectTrace(ctx, msg.Headers)

	pctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), p.timeout)
	defer cancel()

	if err := p.transport.Publish(pctx, topic, msg); err != nil {
		span.SetStatus(codes.Error, err.Error())
		if errors.Is(err, ErrPublishUnavailable) {
			p.logger.Warn().Str("topic", topic).Str("message_id", msg.MessageId).
				Msg("broker channel unavailable, message not published")
			p.metrics.Published(topic, telemetry.OutcomeUnavailable)
			return false
		}
		p.logger.Error().Err(err).Str("topic", topic).Str("message_id", msg.MessageId).
			Msg("failed to publish message")
		p.metrics.Published(topic, telemetry.OutcomeError)
		return false
	}

	p.logger.Info().
		Str("topic", topic).
		Str("message_id", msg.MessageId).
		Int("bytes", len(body)).
		Msg("message published")
	p.metrics.Published(topic, telemetry.OutcomeConfirmed)
	return true
}

// Close releases the underlying transport.
func (p *Publisher) Close() error {
	return p.transport.Close()
}
