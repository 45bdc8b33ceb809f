package messaging

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/rs/zerolog"
)

type AMQPConfig struct {
	URL            string
	Exchange       string
	Topics         []string
	Prefetch       int
	ReconnectDelay time.Duration
	ConnectionName string
}

func (c *AMQPConfig) applyDefaults() {
	if c.Prefetch <= 0 {
		c.Prefetch = 1
	}
	if c.ReconnectDelay <= 0 {
		c.ReconnectDelay = 10 * time.Second
	}
	if c.ConnectionName == "" {
		c.ConnectionName = "hospital-server"
	}
}

// AMQPTransport owns one broker connection for the whole process. Publishing
// goes through a single confirm-mode channel; every subscription opens its own
// channel. Lost connections are redialled in the background until Close.
type AMQPTransport struct {
	cfg    AMQPConfig
	logger zerolog.Logger

	mu    sync.RWMutex
	conn  *amqp.Connection
	pubCh *amqp.Channel

	pubMu sync.Mutex

	closed    chan struct{}
	closeOnce sync.Once
	done      chan struct{}
}

// DialAMQP connects, declares the topology and starts the reconnect watcher.
func DialAMQP(ctx context.Context, cfg AMQPConfig, logger zerolog.Logger) (*AMQPTransport, error) {
	cfg.applyDefaults()
	t := &AMQPTransport{
		cfg:    cfg,
		logger: logger.With().Str("component", "amqp").Logger(),
		closed: make(chan struct{}),
		done:   make(chan struct{}),
	}
	if err := t.connect(ctx); err != nil {
		return nil, err
	}
	go t.watch()
	return t, nil
}

func (t *AMQPTransport) connect(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	conn, err := amqp.DialConfig(t.cfg.URL, amqp.Config{
		Heartbeat:  10 * time.Second,
		Locale:     "en_US",
		Properties: amqp.Table{"connection_name": t.cfg.ConnectionName},
	})
	if err != nil {
		return fmt.Errorf("dial broker: %w", err)
	}

	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return fmt.Errorf("open publish channel: %w", err)
	}
	if err := DeclareTopology(ch, t.cfg.Exchange, t.cfg.Topics); err != nil {
		conn.Close()
		return err
	}
	if err := ch.Confirm(false); err != nil {
		conn.Close()
		return fmt.Errorf("enable publisher confirms: %w", err)
	}

	t.mu.Lock()
	t.conn = conn
	t.pubCh = ch
	t.mu.Unlock()

	t.logger.Info().
		Str("exchange", t.cfg.Exchange).
		Int("queues", len(t.cfg.Topics)).
		Msg("connected to broker")
	return nil
}

// QueueArgs are the arguments every topic queue is declared with. Quorum
// queues are required for the broker to stamp x-delivery-count on
// redeliveries, which the dispatcher's delivery limit reads.
func QueueArgs() amqp.Table {
	return amqp.Table{"x-queue-type": "quorum"}
}

// topologyChannel is the subset of *amqp.Channel used to declare topology.
type topologyChannel interface {
	ExchangeDeclare(name, kind string, durable, autoDelete, internal, noWait bool, args amqp.Table) error
	QueueDeclare(name string, durable, autoDelete, exclusive, noWait bool, args amqp.Table) (amqp.Queue, error)
	QueueBind(name, key, exchange string, noWait bool, args amqp.Table) error
}

// DeclareTopology declares a durable topic exchange and one durable quorum
// queue per topic bound with routing key equal to the queue name. Safe to
// repeat. A classic queue left under the same name fails the declare with
// PRECONDITION_FAILED and has to be deleted first.
func DeclareTopology(ch topologyChannel, exchange string, topics []string) error {
	if err := ch.ExchangeDeclare(exchange, amqp.ExchangeTopic, true, false, false, false, nil); err != nil {
		return fmt.Errorf("declare exchange %s: %w", exchange, err)
	}
	for _, topic := range topics {
		if _, err := ch.QueueDeclare(topic, true, false, false, false, QueueArgs()); err != nil {
			return fmt.Errorf("declare queue %s: %w", topic, err)
		}
		if err := ch.QueueBind(topic, topic, exchange, false, nil); err != nil {
			return fmt.Errorf("bind queue %s: %w", topic, err)
		}
	}
	return nil
}

func (t *AMQPTransport) watch() {
	defer close(t.done)
	for {
		t.mu.RLock()
		conn := t.conn
		t.mu.RUnlock()

		notify := conn.NotifyClose(make(chan *amqp.Error, 1))
		select {
		case <-t.closed:
			return
		case amqpErr := <-notify:
			ev := t.logger.Warn()
			if amqpErr != nil {
				ev = ev.Int("code", amqpErr.Code).Str("reason", amqpErr.Reason)
			}
			ev.Msg("broker connection lost")
		}

		t.mu.Lock()
		t.pubCh = nil
		t.mu.Unlock()

		for {
			select {
			case <-t.closed:
				return
			case <-time.After(t.cfg.ReconnectDelay):
			}
			if err := t.connect(context.Background()); err != nil {
				t.logger.Error().Err(err).Dur("retry_in", t.cfg.ReconnectDelay).Msg("broker reconnect failed")
				continue
			}
			break
		}
	}
}

// Publish sends msg to the exchange and waits for the broker confirmation.
func (t *AMQPTransport) Publish(ctx context.Context, topic string, msg amqp.Publishing) error {
	t.pubMu.Lock()
	defer t.pubMu.Unlock()

	t.mu.RLock()
	ch := t.pubCh
	t.mu.RUnlock()
	if ch == nil || ch.IsClosed() {
		return ErrPublishUnavailable
	}

	conf, err := ch.PublishWithDeferredConfirmWithContext(ctx, t.cfg.Exchange, topic, false, false, msg)
	if err != nil {
		return fmt.Errorf("publish %s: %w", topic, err)
	}
	ok, err := conf.WaitContext(ctx)
	if err != nil {
		return fmt.Errorf("await confirm for %s: %w", topic, err)
	}
	if !ok {
		return fmt.Errorf("%w: %s", ErrPublishNacked, topic)
	}
	return nil
}

func (t *AMQPTransport) Consume(ctx context.Context, topic string) (Subscription, error) {
	select {
	case <-t.closed:
		return nil, ErrTransportClosed
	default:
	}
	t.mu.RLock()
	conn := t.conn
	t.mu.RUnlock()
	if conn == nil || conn.IsClosed() {
		return nil, ErrPublishUnavailable
	}

	ch, err := conn.Channel()
	if err != nil {
		return nil, fmt.Errorf("open consumer channel: %w", err)
	}
	if err := ch.Qos(t.cfg.Prefetch, 0, false); err != nil {
		ch.Close()
		return nil, fmt.Errorf("set prefetch: %w", err)
	}

	tag := topic + "-" + uuid.NewString()[:8]
	deliveries, err := ch.ConsumeWithContext(ctx, topic, tag, false, false, false, false, nil)
	if err != nil {
		ch.Close()
		return nil, fmt.Errorf("consume %s: %w", topic, err)
	}
	return &amqpSubscription{ch: ch, tag: tag, deliveries: deliveries}, nil
}

// Ping reports whether the broker connection is currently up.
func (t *AMQPTransport) Ping(context.Context) error {
	t.mu.RLock()
	conn := t.conn
	t.mu.RUnlock()
	if conn == nil || conn.IsClosed() {
		return ErrPublishUnavailable
	}
	return nil
}

// Close stops reconnecting and closes the connection. Subscriptions see their
// delivery channels close.
func (t *AMQPTransport) Close() error {
	var err error
	t.closeOnce.Do(func() {
		close(t.closed)
		<-t.done

		t.mu.Lock()
		conn := t.conn
		t.conn = nil
		t.pubCh = nil
		t.mu.Unlock()

		if conn != nil && !conn.IsClosed() {
			err = conn.Close()
		}
	})
	return err
}

type amqpSubscription struct {
	ch         *amqp.Channel
	tag        string
	deliveries <-chan amqp.Delivery
}

func (s *amqpSubscription) Deliveries() <-chan amqp.Delivery { return s.deliveries }

func (s *amqpSubscription) Close() error {
	if s.ch.IsClosed() {
		return nil
	}
	_ = s.ch.Cancel(s.tag, false)
	return s.ch.Close()
}
