package transport

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/hashicorp/go-multierror"
	"github.com/jonboulle/clockwork"

	"github.com/zkauth/fsid/common/log"
)

// Message is a payload published on a named channel.
type Message struct {
	Channel string
	Body    []byte
}

// Broker is an in-process broker keeping one FIFO queue per channel. Every
// Session dialled from the same Broker shares its queues, which makes it a
// stand-in for RabbitMQ in tests and in the demo command.
type Broker struct {
	log   log.Logger
	clock clockwork.Clock

	mu      sync.Mutex
	queues  map[string]*memQueue
	history []Message
}

// BrokerOption configures a Broker.
type BrokerOption func(*Broker)

// WithBrokerClock sets the clock used by the event loop of every session.
func WithBrokerClock(c clockwork.Clock) BrokerOption {
	return func(b *Broker) {
		b.clock = c
	}
}

// WithBrokerLogger sets the logger handed to every session.
func WithBrokerLogger(l log.Logger) BrokerOption {
	return func(b *Broker) {
		b.log = l
	}
}

// NewBroker returns an empty in-memory broker.
func NewBroker(opts ...BrokerOption) *Broker {
	b := &Broker{
		log:    log.DefaultLogger(),
		clock:  clockwork.NewRealClock(),
		queues: make(map[string]*memQueue),
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Dial opens a new session on the broker. It has the DialFunc signature.
func (b *Broker) Dial(ctx context.Context) (Session, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return &memorySession{
		broker:     b,
		dispatcher: newDispatcher(b.log.Named("memory"), b.clock),
		consumers:  make(map[string]*memConsumer),
	}, nil
}

// History returns every message published on the broker, in publication order.
func (b *Broker) History() []Message {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]Message, len(b.history))
	copy(out, b.history)
	return out
}

// Pending returns the number of queued messages not yet consumed on channel.
func (b *Broker) Pending(channel string) int {
	return b.queue(channel).len()
}

func (b *Broker) queue(name string) *memQueue {
	b.mu.Lock()
	defer b.mu.Unlock()
	q, ok := b.queues[name]
	if !ok {
		q = &memQueue{ready: make(chan struct{}, 1)}
		b.queues[name] = q
	}
	return q
}

func (b *Broker) publish(channel string, body []byte) {
	payload := make([]byte, len(body))
	copy(payload, body)

	// history and queue are updated under the broker lock so History reflects
	// the order in which consumers can observe messages.
	q := b.queue(channel)
	b.mu.Lock()
	b.history = append(b.history, Message{Channel: channel, Body: payload})
	q.put(payload)
	b.mu.Unlock()
}

type memQueue struct {
	mu    sync.Mutex
	msgs  [][]byte
	ready chan struct{}
}

func (q *memQueue) signal() {
	select {
	case q.ready <- struct{}{}:
	default:
	}
}

func (q *memQueue) put(body []byte) {
	q.mu.Lock()
	q.msgs = append(q.msgs, body)
	q.mu.Unlock()
	q.signal()
}

// requeue puts back a message at the head of the queue.
func (q *memQueue) requeue(body []byte) {
	q.mu.Lock()
	q.msgs = append([][]byte{body}, q.msgs...)
	q.mu.Unlock()
	q.signal()
}

func (q *memQueue) pop() ([]byte, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.msgs) == 0 {
		return nil, false
	}
	body := q.msgs[0]
	q.msgs = q.msgs[1:]
	if len(q.msgs) > 0 {
		q.signal()
	}
	return body, true
}

func (q *memQueue) len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.msgs)
}

type memConsumer struct {
	stop chan struct{}
	done chan struct{}
}

type memorySession struct {
	broker     *Broker
	dispatcher *dispatcher

	mu        sync.Mutex
	consumers map[string]*memConsumer
}

func (s *memorySession) Declare(ctx context.Context, channels ...string) error {
	if s.dispatcher.isClosed() {
		return ErrSessionClosed
	}
	for _, name := range channels {
		if name == "" {
			return fmt.Errorf("memory: empty channel name")
		}
		s.broker.queue(name)
	}
	return ctx.Err()
}

func (s *memorySession) Publish(ctx context.Context, channel string, body []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if s.dispatcher.isClosed() {
		return ErrSessionClosed
	}
	s.broker.publish(channel, body)
	return nil
}

func (s *memorySession) Consume(ctx context.Context, channel string, h Handler) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	if s.dispatcher.isClosed() {
		return "", ErrSessionClosed
	}

	tag := "memory-" + uuid.NewString()
	c := &memConsumer{stop: make(chan struct{}), done: make(chan struct{})}

	s.mu.Lock()
	s.consumers[tag] = c
	s.mu.Unlock()

	s.dispatcher.register(tag, h)
	go s.forward(tag, s.broker.queue(channel), c)
	return tag, nil
}

// forward moves messages from the queue to the event loop until stopped. A
// message popped but not taken by the event loop goes back to the queue.
func (s *memorySession) forward(tag string, q *memQueue, c *memConsumer) {
	defer close(c.done)
	for {
		body, ok := q.pop()
		if !ok {
			select {
			case <-q.ready:
				continue
			case <-c.stop:
				return
			}
		}
		if !s.dispatcher.push(delivery{tag: tag, body: body}, c.stop) {
			q.requeue(body)
			return
		}
	}
}

func (s *memorySession) Cancel(tag string) error {
	s.mu.Lock()
	c, ok := s.consumers[tag]
	delete(s.consumers, tag)
	s.mu.Unlock()
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownConsumer, tag)
	}

	s.dispatcher.unregister(tag)
	close(c.stop)
	<-c.done
	return nil
}

func (s *memorySession) ProcessEvents(ctx context.Context, timeout time.Duration) (bool, error) {
	return s.dispatcher.process(ctx, timeout)
}

func (s *memorySession) Close() error {
	s.mu.Lock()
	tags := make([]string, 0, len(s.consumers))
	for tag := range s.consumers {
		tags = append(tags, tag)
	}
	s.mu.Unlock()

	var result *multierror.Error
	for _, tag := range tags {
		if err := s.Cancel(tag); err != nil {
			result = multierror.Append(result, err)
		}
	}
	s.dispatcher.shutdown(ErrSessionClosed)
	return result.ErrorOrNil()
}
