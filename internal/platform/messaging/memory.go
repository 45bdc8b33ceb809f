package messaging

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"

	amqp "github.com/rabbitmq/amqp091-go"
)

// DeliveryCountHeader is the header brokers use to report how many times a
// message was delivered before.
const DeliveryCountHeader = "x-delivery-count"

// MemoryTransport is an in-process Transport with broker-like queue semantics:
// one queue per declared topic, competing consumers, a prefetch of one per
// subscription, and requeue on nack or on close with an unsettled delivery.
type MemoryTransport struct {
	mu     sync.Mutex
	queues map[string]*memoryQueue
	subs   map[*memorySubscription]struct{}
	closed bool
	tag    atomic.Uint64
}

func NewMemoryTransport(topics ...string) *MemoryTransport {
	t := &MemoryTransport{
		queues: make(map[string]*memoryQueue, len(topics)),
		subs:   make(map[*memorySubscription]struct{}),
	}
	for _, topic := range topics {
		t.queues[topic] = &memoryQueue{signal: make(chan struct{}, 1)}
	}
	return t
}

// Publish enqueues msg on the queue bound to topic. Messages for unbound
// topics are dropped, as a topic exchange would.
func (t *MemoryTransport) Publish(ctx context.Context, topic string, msg amqp.Publishing) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	t.mu.Lock()
	closed := t.closed
	q := t.queues[topic]
	t.mu.Unlock()
	if closed {
		return ErrPublishUnavailable
	}
	if q == nil {
		return nil
	}
	q.push(memoryMessage{topic: topic, pub: msg}, false)
	return nil
}

func (t *MemoryTransport) Consume(_ context.Context, topic string) (Subscription, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return nil, ErrTransportClosed
	}
	q, ok := t.queues[topic]
	if !ok {
		return nil, fmt.Errorf("queue %s is not declared", topic)
	}
	s := &memorySubscription{
		transport: t,
		q:         q,
		out:       make(chan amqp.Delivery),
		done:      make(chan struct{}),
	}
	t.subs[s] = struct{}{}
	go s.run()
	return s, nil
}

// Pending reports how many messages wait on topic's queue, excluding any
// delivery currently held by a consumer.
func (t *MemoryTransport) Pending(topic string) int {
	t.mu.Lock()
	q := t.queues[topic]
	t.mu.Unlock()
	if q == nil {
		return 0
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.msgs)
}

func (t *MemoryTransport) Ping(context.Context) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return ErrTransportClosed
	}
	return nil
}

func (t *MemoryTransport) Close() error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil
	}
	t.closed = true
	subs := make([]*memorySubscription, 0, len(t.subs))
	for s := range t.subs {
		subs = append(subs, s)
	}
	t.mu.Unlock()

	for _, s := range subs {
		s.Close()
	}
	return nil
}

type memoryMessage struct {
	topic      string
	pub        amqp.Publishing
	deliveries int
}

type memoryQueue struct {
	mu     sync.Mutex
	msgs   []memoryMessage
	signal chan struct{}
}

func (q *memoryQueue) push(m memoryMessage, front bool) {
	q.mu.Lock()
	if front {
		q.msgs = append([]memoryMessage{m}, q.msgs...)
	} else {
		q.msgs = append(q.msgs, m)
	}
	q.mu.Unlock()
	q.wake()
}

func (q *memoryQueue) pop() (memoryMessage, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.msgs) == 0 {
		return memoryMessage{}, false
	}
	m := q.msgs[0]
	q.msgs = q.msgs[1:]
	if len(q.msgs) > 0 {
		q.wake()
	}
	return m, true
}

func (q *memoryQueue) wake() {
	select {
	case q.signal <- struct{}{}:
	default:
	}
}

type memorySubscription struct {
	transport *MemoryTransport
	q         *memoryQueue
	out       chan amqp.Delivery
	done      chan struct{}
	closeOnce sync.Once
}

func (s *memorySubscription) Deliveries() <-chan amqp.Delivery { return s.out }

func (s *memorySubscription) Close() error {
	s.closeOnce.Do(func() {
		close(s.done)
		s.transport.mu.Lock()
		delete(s.transport.subs, s)
		s.transport.mu.Unlock()
	})
	return nil
}

func (s *memorySubscription) run() {
	defer close(s.out)
	for {
		m, ok := s.q.pop()
		if !ok {
			select {
			case <-s.done:
				return
			case <-s.q.signal:
				continue
			}
		}

		headers := amqp.Table{}
		for k, v := range m.pub.Headers {
			headers[k] = v
		}
		if m.deliveries > 0 {
			headers[DeliveryCountHeader] = int64(m.deliveries)
		}
		m.deliveries++

		ack := &memoryAcknowledger{q: s.q, msg: m, settled: make(chan struct{})}
		d := amqp.Delivery{
			Acknowledger:    ack,
			Headers:         headers,
			ContentType:     m.pub.ContentType,
			ContentEncoding: m.pub.ContentEncoding,
			DeliveryMode:    m.pub.DeliveryMode,
			Priority:        m.pub.Priority,
			CorrelationId:   m.pub.CorrelationId,
			ReplyTo:         m.pub.ReplyTo,
			Expiration:      m.pub.Expiration,
			MessageId:       m.pub.MessageId,
			Timestamp:       m.pub.Timestamp,
			Type:            m.pub.Type,
			UserId:          m.pub.UserId,
			AppId:           m.pub.AppId,
			DeliveryTag:     s.transport.tag.Add(1),
			Redelivered:     m.deliveries > 1,
			RoutingKey:      m.topic,
			Body:            m.pub.Body,
		}

		select {
		case s.out <- d:
		case <-s.done:
			ack.settle(true)
			return
		}

		select {
		case <-ack.settled:
		case <-s.done:
			// the consumer went away without settling; give the message back
			ack.settle(true)
			return
		}
	}
}

// memoryAcknowledger settles a delivery exactly once. Later calls are no-ops,
// mirroring a broker that forgets a delivery tag once its channel closes.
type memoryAcknowledger struct {
	q       *memoryQueue
	msg     memoryMessage
	once    sync.Once
	settled chan struct{}
}

func (a *memoryAcknowledger) settle(requeue bool) {
	a.once.Do(func() {
		if requeue {
			a.q.push(a.msg, true)
		}
		close(a.settled)
	})
}

func (a *memoryAcknowledger) Ack(uint64, bool) error {
	a.settle(false)
	return nil
}

func (a *memoryAcknowledger) Nack(_ uint64, _ bool, requeue bool) error {
	a.settle(requeue)
	return nil
}

func (a *memoryAcknowledger) Reject(_ uint64, requeue bool) error {
	a.settle(requeue)
	return nil
}
