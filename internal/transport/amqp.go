package transport

import (
	"context"
	"fmt"
	"net"
	"net/url"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/hashicorp/go-multierror"
	"github.com/jonboulle/clockwork"
	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/zkauth/fsid/common/log"
)

// DefaultAMQPHeartbeat is the heartbeat interval negotiated with RabbitMQ.
const DefaultAMQPHeartbeat = 10 * time.Second

// AMQPConfig locates a RabbitMQ broker.
type AMQPConfig struct {
	Host     string `toml:"host"`
	Port     int    `toml:"port"`
	User     string `toml:"user"`
	Password string `toml:"password"`
	VHost    string `toml:"vhost"`
}

// URL returns the amqp:// URL for the configuration.
func (c AMQPConfig) URL() string {
	u := url.URL{
		Scheme: "amqp",
		User:   url.UserPassword(c.User, c.Password),
		Host:   net.JoinHostPort(c.Host, strconv.Itoa(c.Port)),
		Path:   "/" + c.VHost,
	}
	if c.VHost == "/" || c.VHost == "" {
		u.Path = "/"
	}
	return u.String()
}

// DialAMQP returns a DialFunc opening one connection and one channel on the
// RabbitMQ broker at addr. Channels map to queues on the default exchange.
func DialAMQP(addr string, l log.Logger) DialFunc {
	return func(ctx context.Context) (Session, error) {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		conn, err := amqp.DialConfig(addr, amqp.Config{
			Heartbeat: DefaultAMQPHeartbeat,
			Locale:    "en_US",
		})
		if err != nil {
			return nil, fmt.Errorf("amqp: dial: %w", err)
		}

		ch, err := conn.Channel()
		if err != nil {
			_ = conn.Close()
			return nil, fmt.Errorf("amqp: open channel: %w", err)
		}

		s := &amqpSession{
			log:        l.Named("amqp"),
			conn:       conn,
			ch:         ch,
			dispatcher: newDispatcher(l.Named("amqp"), clockwork.NewRealClock()),
			consumers:  make(map[string]chan struct{}),
		}
		go s.watch(conn.NotifyClose(make(chan *amqp.Error, 1)), conn.NotifyBlocked(make(chan amqp.Blocking, 1)))
		return s, nil
	}
}

type amqpSession struct {
	log        log.Logger
	conn       *amqp.Connection
	ch         *amqp.Channel
	dispatcher *dispatcher

	mu        sync.Mutex
	consumers map[string]chan struct{}
}

// watch logs broker notifications and shuts the event loop down when the
// connection is lost.
func (s *amqpSession) watch(closes <-chan *amqp.Error, blocked <-chan amqp.Blocking) {
	for {
		select {
		case b, ok := <-blocked:
			if !ok {
				blocked = nil
				continue
			}
			if b.Active {
				s.log.Warnw("broker blocked the connection", "reason", b.Reason)
			} else {
				s.log.Infow("broker unblocked the connection")
			}
		case err, ok := <-closes:
			if ok && err != nil {
				s.log.Errorw("connection lost", "code", err.Code, "reason", err.Reason)
				s.dispatcher.shutdown(fmt.Errorf("%w: %v", ErrSessionClosed, err))
			} else {
				s.dispatcher.shutdown(ErrSessionClosed)
			}
			return
		}
	}
}

func (s *amqpSession) Declare(ctx context.Context, channels ...string) error {
	for _, name := range channels {
		if err := ctx.Err(); err != nil {
			return err
		}
		if _, err := s.ch.QueueDeclare(name, false, false, false, false, nil); err != nil {
			return fmt.Errorf("amqp: declare queue %q: %w", name, err)
		}
	}
	return nil
}

func (s *amqpSession) Publish(ctx context.Context, channel string, body []byte) error {
	err := s.ch.PublishWithContext(ctx, "", channel, false, false, amqp.Publishing{
		ContentType: "text/plain",
		Body:        body,
	})
	if err != nil {
		return fmt.Errorf("amqp: publish to %q: %w", channel, err)
	}
	return nil
}

func (s *amqpSession) Consume(_ context.Context, channel string, h Handler) (string, error) {
	tag := "fsid-" + uuid.NewString()
	deliveries, err := s.ch.Consume(channel, tag, true, false, false, false, nil)
	if err != nil {
		return "", fmt.Errorf("amqp: consume %q: %w", channel, err)
	}

	stop := make(chan struct{})
	s.mu.Lock()
	s.consumers[tag] = stop
	s.mu.Unlock()

	s.dispatcher.register(tag, h)
	go s.forward(tag, deliveries, stop)
	return tag, nil
}

func (s *amqpSession) forward(tag string, deliveries <-chan amqp.Delivery, stop chan struct{}) {
	for {
		select {
		case <-stop:
			// deliveries is closed by the client once the cancel is confirmed
			for d := range deliveries {
				s.log.Debugw("dropping delivery after cancel", "consumer", tag, "size", len(d.Body))
			}
			return
		case d, ok := <-deliveries:
			if !ok {
				return
			}
			if !s.dispatcher.push(delivery{tag: tag, body: d.Body}, stop) {
				s.log.Debugw("dropping delivery after cancel", "consumer", tag, "size", len(d.Body))
			}
		}
	}
}

func (s *amqpSession) Cancel(tag string) error {
	s.mu.Lock()
	stop, ok := s.consumers[tag]
	delete(s.consumers, tag)
	s.mu.Unlock()
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownConsumer, tag)
	}

	s.dispatcher.unregister(tag)
	err := s.ch.Cancel(tag, false)
	close(stop)
	if err != nil {
		return fmt.Errorf("amqp: cancel %s: %w", tag, err)
	}
	return nil
}

func (s *amqpSession) ProcessEvents(ctx context.Context, timeout time.Duration) (bool, error) {
	return s.dispatcher.process(ctx, timeout)
}

func (s *amqpSession) Close() error {
	var result *multierror.Error
	if err := s.ch.Close(); err != nil {
		result = multierror.Append(result, fmt.Errorf("amqp: close channel: %w", err))
	}
	if err := s.conn.Close(); err != nil {
		result = multierror.Append(result, fmt.Errorf("amqp: close connection: %w", err))
	}
	s.dispatcher.shutdown(ErrSessionClosed)
	return result.ErrorOrNil()
}
