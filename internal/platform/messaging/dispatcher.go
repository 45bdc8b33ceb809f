package messaging

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"runtime"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"

	"github.com/hospital/appointments/internal/platform/telemetry"
)

// HandlerFunc processes one message body. A nil return acknowledges the
// delivery; any error requeues it.
type HandlerFunc func(ctx context.Context, body []byte) error

// DecodeError means the body did not match the shape registered for the topic.
type DecodeError struct {
	Topic string
	Err   error
}

func (e *DecodeError) Error() string { return fmt.Sprintf("decode %s message: %v", e.Topic, e.Err) }
func (e *DecodeError) Unwrap() error { return e.Err }

// HandlerError wraps a failure returned (or panicked) by a topic handler.
type HandlerError struct {
	Topic string
	Err   error
}

func (e *HandlerError) Error() string { return fmt.Sprintf("handle %s message: %v", e.Topic, e.Err) }
func (e *HandlerError) Unwrap() error { return e.Err }

// Dispatcher runs one receive loop per subscribed topic.
type Dispatcher struct {
	transport Transport
	logger    zerolog.Logger
	metrics   *telemetry.Metrics
	tracer    trace.Tracer

	maxDeliveries    int
	resubscribeDelay time.Duration

	mu       sync.Mutex
	topics   []string
	handlers map[string]HandlerFunc
}

type DispatcherOption func(*Dispatcher)

// WithMaxDeliveries rejects a failing message without requeue once the broker
// reports it has been delivered n times. Zero keeps requeueing forever.
func WithMaxDeliveries(n int) DispatcherOption {
	return func(d *Dispatcher) { d.maxDeliveries = n }
}

// WithResubscribeDelay sets the pause before re-subscribing after a lost
// subscription.
func WithResubscribeDelay(delay time.Duration) DispatcherOption {
	return func(d *Dispatcher) {
		if delay > 0 {
			d.resubscribeDelay = delay
		}
	}
}

func WithDispatcherMetrics(m *telemetry.Metrics) DispatcherOption {
	return func(d *Dispatcher) { d.metrics = m }
}

func NewDispatcher(transport Transport, logger zerolog.Logger, opts ...DispatcherOption) *Dispatcher {
	d := &Dispatcher{
		transport:        transport,
		logger:           logger.With().Str("component", "dispatcher").Logger(),
		tracer:           otel.Tracer(tracerName),
		resubscribeDelay: 10 * time.Second,
		handlers:         make(map[string]HandlerFunc),
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Subscribe registers h for topic. Registering a topic twice replaces the
// earlier handler. Must be called before Run.
func (d *Dispatcher) Subscribe(topic string, h HandlerFunc) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if _, ok := d.handlers[topic]; !ok {
		d.topics = append(d.topics, topic)
	}
	d.handlers[topic] = h
}

// Handle registers a typed handler: the body is decoded into T before fn runs.
func Handle[T any](d *Dispatcher, topic string, fn func(ctx context.Context, msg T) error) {
	d.Subscribe(topic, func(ctx context.Context, body []byte) error {
		var msg T
		if err := json.Unmarshal(body, &msg); err != nil {
			return &DecodeError{Topic: topic, Err: err}
		}
		if err := fn(ctx, msg); err != nil {
			return &HandlerError{Topic: topic, Err: err}
		}
		return nil
	})
}

// Topics returns the subscribed topics in registration order.
func (d *Dispatcher) Topics() []string {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make([]string, len(d.topics))
	copy(out, d.topics)
	return out
}

// Run blocks until ctx is cancelled. On cancellation each loop stops taking
// deliveries, lets the in-flight handler finish and settle, then returns.
func (d *Dispatcher) Run(ctx context.Context) error {
	d.mu.Lock()
	topics := make([]string, len(d.topics))
	copy(topics, d.topics)
	handlers := make(map[string]HandlerFunc, len(d.handlers))
	for k, v := range d.handlers {
		handlers[k] = v
	}
	d.mu.Unlock()

	if len(topics) == 0 {
		return errors.New("dispatcher has no subscriptions")
	}

	g, gctx := errgroup.WithContext(ctx)
	for _, topic := range topics {
		topic, h := topic, handlers[topic]
		g.Go(func() error {
			d.consume(gctx, topic, h)
			return nil
		})
	}
	return g.Wait()
}

func (d *Dispatcher) consume(ctx context.Context, topic string, h HandlerFunc) {
	log := d.logger.With().Str("topic", topic).Logger()
	for {
		sub, err := d.transport.Consume(ctx, topic)
		if err != nil {
			if errors.Is(err, ErrTransportClosed) {
				log.Info().Msg("transport closed, consumer stopped")
				return
			}
			log.Error().Err(err).Dur("retry_in", d.resubscribeDelay).Msg("failed to subscribe")
			if !sleep(ctx, d.resubscribeDelay) {
				return
			}
			continue
		}

		log.Info().Msg("subscribed")
		d.drain(ctx, topic, sub, h)
		sub.Close()

		if ctx.Err() != nil {
			log.Info().Msg("consumer stopped")
			return
		}
		log.Warn().Dur("retry_in", d.resubscribeDelay).Msg("delivery channel closed, resubscribing")
		if !sleep(ctx, d.resubscribeDelay) {
			return
		}
	}
}

func (d *Dispatcher) drain(ctx context.Context, topic string, sub Subscription, h HandlerFunc) {
	deliveries := sub.Deliveries()
	for {
		select {
		case <-ctx.Done():
			return
		case del, ok := <-deliveries:
			if !ok {
				return
			}
			d.process(ctx, topic, del, h)
		}
	}
}

// process runs the handler to completion and settles the delivery. The handler
// context is detached from ctx so shutdown does not abort in-flight work.
func (d *Dispatcher) process(ctx context.Context, topic string, del amqp.Delivery, h HandlerFunc) {
	start := time.Now()
	hctx := extractTrace(context.WithoutCancel(ctx), del.Headers)
	hctx, span := d.tracer.Start(hctx, topic+" process",
		trace.WithSpanKind(trace.SpanKindConsumer),
		trace.WithAttributes(
			attribute.String("messaging.system", "rabbitmq"),
			attribute.String("messaging.destination.name", topic),
			attribute.String("messaging.message.id", del.MessageId),
		))
	defer span.End()

	err := invoke(hctx, topic, h, del.Body)
	elapsed := time.Since(start)

	if err == nil {
		if ackErr := del.Ack(false); ackErr != nil {
			d.logger.Error().Err(ackErr).Str("topic", topic).Uint64("delivery_tag", del.DeliveryTag).Msg("failed to ack message")
		}
		d.logger.Info().
			Str("topic", topic).
			Str("message_id", del.MessageId).
			Dur("latency", elapsed).
			Msg("message processed")
		d.metrics.Consumed(topic, telemetry.OutcomeAck, elapsed.Seconds())
		return
	}

	span.SetStatus(codes.Error, err.Error())
	attempt := DeliveryCount(del) + 1

	if d.maxDeliveries > 0 && attempt >= d.maxDeliveries {
		d.logger.Error().Err(err).
			Str("topic", topic).
			Uint64("delivery_tag", del.DeliveryTag).
			Int("attempt", attempt).
			Msg("message failed too many times, discarding")
		if nackErr := del.Nack(false, false); nackErr != nil {
			d.logger.Error().Err(nackErr).Str("topic", topic).Msg("failed to reject message")
		}
		d.metrics.Consumed(topic, telemetry.OutcomeReject, elapsed.Seconds())
		return
	}

	d.logger.Error().Err(err).
		Str("topic", topic).
		Uint64("delivery_tag", del.DeliveryTag).
		Int("attempt", attempt).
		Bool("decode_error", isDecodeError(err)).
		Msg("message processing failed, requeueing")
	if nackErr := del.Nack(false, true); nackErr != nil {
		d.logger.Error().Err(nackErr).Str("topic", topic).Msg("failed to nack message")
	}
	d.metrics.Consumed(topic, telemetry.OutcomeNack, elapsed.Seconds())
}

func invoke(ctx context.Context, topic string, h HandlerFunc, body []byte) (err error) {
	defer func() {
		if r := recover(); r != nil {
			var stack [4096]byte
			n := runtime.Stack(stack[:], false)
			err = &HandlerError{Topic: topic, Err: fmt.Errorf("panic: %v\n%s", r, stack[:n])}
		}
	}()
	return h(ctx, body)
}

func isDecodeError(err error) bool {
	var de *DecodeError
	return errors.As(err, &de)
}

// DeliveryCount returns how many times the broker says the message was
// delivered before this delivery. Zero when the header is absent.
func DeliveryCount(del amqp.Delivery) int {
	switch v := del.Headers[DeliveryCountHeader].(type) {
	case int:
		return v
	case int32:
		return int(v)
	case int64:
		return int(v)
	}
	return 0
}

func sleep(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
