package transport

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/IBM/sarama"
	"github.com/google/uuid"
	"github.com/hashicorp/go-multierror"
	"github.com/jonboulle/clockwork"

	"github.com/zkauth/fsid/common/log"
)

// KafkaConfig locates a Kafka cluster. Every channel is a single-partition topic.
type KafkaConfig struct {
	Brokers  []string
	ClientID string
	// InitialOffset is where the first consumer of a topic starts reading:
	// sarama.OffsetNewest or sarama.OffsetOldest. Later consumers on the same
	// session resume after the last message handed to a handler.
	InitialOffset int64
}

// ParseKafkaOffset maps "newest" and "oldest" to the sarama offsets.
func ParseKafkaOffset(s string) (int64, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "newest":
		return sarama.OffsetNewest, nil
	case "oldest":
		return sarama.OffsetOldest, nil
	default:
		return 0, fmt.Errorf("kafka: unknown initial offset %q", s)
	}
}

// DialKafka returns a DialFunc connecting a client, a sync producer, a
// partition consumer and a cluster admin to the configured brokers.
func DialKafka(cfg KafkaConfig, l log.Logger) DialFunc {
	return func(ctx context.Context) (Session, error) {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		if len(cfg.Brokers) == 0 {
			return nil, fmt.Errorf("kafka: brokers required")
		}

		saramaCfg := sarama.NewConfig()
		saramaCfg.Version = sarama.V3_6_0_0
		saramaCfg.ClientID = cfg.ClientID
		if saramaCfg.ClientID == "" {
			saramaCfg.ClientID = "fsid"
		}
		saramaCfg.Producer.Return.Successes = true
		saramaCfg.Producer.RequiredAcks = sarama.WaitForAll
		saramaCfg.Consumer.Return.Errors = false

		client, err := sarama.NewClient(cfg.Brokers, saramaCfg)
		if err != nil {
			return nil, fmt.Errorf("kafka: create client: %w", err)
		}

		s := &kafkaSession{
			log:           l.Named("kafka"),
			client:        client,
			dispatcher:    newDispatcher(l.Named("kafka"), clockwork.NewRealClock()),
			initialOffset: cfg.InitialOffset,
			offsets:       make(map[string]int64),
			consumers:     make(map[string]*kafkaConsumer),
		}
		if s.initialOffset == 0 {
			s.initialOffset = sarama.OffsetNewest
		}

		if s.producer, err = sarama.NewSyncProducerFromClient(client); err != nil {
			_ = client.Close()
			return nil, fmt.Errorf("kafka: create producer: %w", err)
		}
		if s.consumer, err = sarama.NewConsumerFromClient(client); err != nil {
			_ = s.producer.Close()
			_ = client.Close()
			return nil, fmt.Errorf("kafka: create consumer: %w", err)
		}
		if s.admin, err = sarama.NewClusterAdminFromClient(client); err != nil {
			_ = s.consumer.Close()
			_ = s.producer.Close()
			_ = client.Close()
			return nil, fmt.Errorf("kafka: create admin: %w", err)
		}
		return s, nil
	}
}

type kafkaConsumer struct {
	pc   sarama.PartitionConsumer
	stop chan struct{}
	done chan struct{}
}

type kafkaSession struct {
	log        log.Logger
	client     sarama.Client
	producer   sarama.SyncProducer
	consumer   sarama.Consumer
	admin      sarama.ClusterAdmin
	dispatcher *dispatcher

	initialOffset int64

	mu        sync.Mutex
	offsets   map[string]int64
	consumers map[string]*kafkaConsumer
}

func (s *kafkaSession) Declare(ctx context.Context, channels ...string) error {
	for _, name := range channels {
		if err := ctx.Err(); err != nil {
			return err
		}
		err := s.admin.CreateTopic(name, &sarama.TopicDetail{NumPartitions: 1, ReplicationFactor: 1}, false)
		if err != nil && !topicExists(err) {
			return fmt.Errorf("kafka: create topic %q: %w", name, err)
		}
	}
	return nil
}

func topicExists(err error) bool {
	var topicErr *sarama.TopicError
	if errors.As(err, &topicErr) {
		return topicErr.Err == sarama.ErrTopicAlreadyExists
	}
	return errors.Is(err, sarama.ErrTopicAlreadyExists)
}

func (s *kafkaSession) Publish(ctx context.Context, channel string, body []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	_, _, err := s.producer.SendMessage(&sarama.ProducerMessage{
		Topic: channel,
		Value: sarama.ByteEncoder(body),
	})
	if err != nil {
		return fmt.Errorf("kafka: publish to %q: %w", channel, err)
	}
	return nil
}

func (s *kafkaSession) nextOffset(topic string) int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	if off, ok := s.offsets[topic]; ok {
		return off
	}
	return s.initialOffset
}

func (s *kafkaSession) markHandled(topic string, offset int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.offsets[topic] = offset + 1
}

func (s *kafkaSession) Consume(ctx context.Context, channel string, h Handler) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	pc, err := s.consumer.ConsumePartition(channel, 0, s.nextOffset(channel))
	if err != nil {
		return "", fmt.Errorf("kafka: consume %q: %w", channel, err)
	}

	tag := "fsid-" + uuid.NewString()
	c := &kafkaConsumer{pc: pc, stop: make(chan struct{}), done: make(chan struct{})}

	s.mu.Lock()
	s.consumers[tag] = c
	s.mu.Unlock()

	s.dispatcher.register(tag, h)
	go s.forward(tag, channel, c)
	return tag, nil
}

// forward only records an offset as handled once the event loop ran the
// handler, so a message dropped by a cancel is read again by the next
// consumer of the topic.
func (s *kafkaSession) forward(tag, topic string, c *kafkaConsumer) {
	defer close(c.done)
	for {
		select {
		case <-c.stop:
			return
		case msg, ok := <-c.pc.Messages():
			if !ok {
				return
			}
			offset := msg.Offset
			dl := delivery{
				tag:    tag,
				body:   msg.Value,
				commit: func() { s.markHandled(topic, offset) },
			}
			if !s.dispatcher.push(dl, c.stop) {
				return
			}
		}
	}
}

func (s *kafkaSession) Cancel(tag string) error {
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
	if err := c.pc.Close(); err != nil {
		return fmt.Errorf("kafka: close partition consumer %s: %w", tag, err)
	}
	return nil
}

func (s *kafkaSession) ProcessEvents(ctx context.Context, timeout time.Duration) (bool, error) {
	return s.dispatcher.process(ctx, timeout)
}

func (s *kafkaSession) Close() error {
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
	if err := s.consumer.Close(); err != nil {
		result = multierror.Append(result, fmt.Errorf("kafka: close consumer: %w", err))
	}
	if err := s.producer.Close(); err != nil {
		result = multierror.Append(result, fmt.Errorf("kafka: close producer: %w", err))
	}
	// the admin owns the shared client and closes it
	if err := s.admin.Close(); err != nil {
		result = multierror.Append(result, fmt.Errorf("kafka: close admin: %w", err))
	}
	s.dispatcher.shutdown(ErrSessionClosed)
	return result.ErrorOrNil()
}
