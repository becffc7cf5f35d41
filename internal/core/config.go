package core

import (
	"errors"
	"fmt"
	"math/big"
	"strings"
	"time"

	"github.com/BurntSushi/toml"

	"github.com/zkauth/fsid/common/log"
	"github.com/zkauth/fsid/internal/protocol"
	"github.com/zkauth/fsid/internal/transport"
)

// ErrInvalidConfig wraps every configuration validation failure.
var ErrInvalidConfig = errors.New("invalid configuration")

// Config holds everything needed to run a prover or verifier session. It is
// built from the defaults, then a TOML file, then explicit flags.
type Config struct {
	Transport        string               `toml:"transport"`
	AMQP             transport.AMQPConfig `toml:"amqp"`
	Kafka            KafkaConfig          `toml:"kafka"`
	Channels         protocol.Channels    `toml:"channels"`
	Iterations       int                  `toml:"iterations"`
	Connect          ConnectConfig        `toml:"connect"`
	Primes           PrimeConfig          `toml:"primes"`
	PollTimeout      time.Duration        `toml:"poll_timeout"`
	MaxChallengeWait time.Duration        `toml:"max_challenge_wait"`
	TranscriptDB     string               `toml:"transcript_db"`
	Metrics          string               `toml:"metrics"`
}

// KafkaConfig is the [kafka] section.
type KafkaConfig struct {
	Brokers       []string `toml:"brokers"`
	InitialOffset string   `toml:"initial_offset"`
}

// ConnectConfig is the [connect] section.
type ConnectConfig struct {
	MaxAttempts int           `toml:"max_attempts"`
	Interval    time.Duration `toml:"interval"`
}

// PrimeConfig is the [primes] section.
type PrimeConfig struct {
	Lower BigInt `toml:"lower"`
	Upper BigInt `toml:"upper"`
}

// BigInt is an arbitrary size integer read from TOML either as an integer
// or as a decimal string.
type BigInt struct {
	*big.Int
}

// NewBigInt wraps v.
func NewBigInt(v int64) BigInt {
	return BigInt{big.NewInt(v)}
}

// ParseBigInt parses a decimal integer.
func ParseBigInt(s string) (BigInt, error) {
	v, ok := new(big.Int).SetString(strings.TrimSpace(s), 10)
	if !ok {
		return BigInt{}, fmt.Errorf("%w: %q is not a decimal integer", ErrInvalidConfig, s)
	}
	return BigInt{v}, nil
}

// UnmarshalTOML implements toml.Unmarshaler.
func (b *BigInt) UnmarshalTOML(value interface{}) error {
	switch v := value.(type) {
	case int64:
		b.Int = big.NewInt(v)
		return nil
	case string:
		parsed, err := ParseBigInt(v)
		if err != nil {
			return err
		}
		*b = parsed
		return nil
	default:
		return fmt.Errorf("%w: unsupported integer value %v (%T)", ErrInvalidConfig, value, value)
	}
}

// MarshalText encodes the integer as a decimal string.
func (b BigInt) MarshalText() ([]byte, error) {
	if b.Int == nil {
		return []byte("0"), nil
	}
	return []byte(b.Int.String()), nil
}

// DefaultConfig returns the configuration used when nothing is set.
func DefaultConfig() *Config {
	return &Config{
		Transport: DefaultTransport,
		AMQP: transport.AMQPConfig{
			Host:     DefaultAMQPHost,
			Port:     DefaultAMQPPort,
			User:     DefaultAMQPUser,
			Password: DefaultAMQPPassword,
			VHost:    DefaultAMQPVHost,
		},
		Kafka: KafkaConfig{
			Brokers:       []string{DefaultKafkaBroker},
			InitialOffset: DefaultKafkaInitialOffset,
		},
		Channels:   protocol.DefaultChannels(),
		Iterations: DefaultIterations,
		Connect: ConnectConfig{
			MaxAttempts: transport.DefaultMaxAttempts,
			Interval:    transport.DefaultRetryInterval,
		},
		Primes: PrimeConfig{
			Lower: NewBigInt(protocol.DefaultPrimeLower),
			Upper: NewBigInt(protocol.DefaultPrimeUpper),
		},
		PollTimeout:      protocol.DefaultPollTimeout,
		MaxChallengeWait: DefaultMaxChallengeWait,
	}
}

// LoadConfigFile decodes the TOML file at path on top of c. Keys the file
// sets replace the current values; unknown keys are an error.
func (c *Config) LoadConfigFile(path string) error {
	md, err := toml.DecodeFile(path, c)
	if err != nil {
		return fmt.Errorf("reading config %s: %w", path, err)
	}
	if undecoded := md.Undecoded(); len(undecoded) > 0 {
		keys := make([]string, 0, len(undecoded))
		for _, k := range undecoded {
			keys = append(keys, k.String())
		}
		return fmt.Errorf("%w: unknown keys in %s: %s", ErrInvalidConfig, path, strings.Join(keys, ", "))
	}
	return nil
}

// Validate checks the configuration is usable.
func (c *Config) Validate() error {
	switch c.Transport {
	case TransportAMQP, TransportKafka, TransportMemory:
	default:
		return fmt.Errorf("%w: unknown transport %q", ErrInvalidConfig, c.Transport)
	}
	if c.Transport == TransportKafka {
		if len(c.Kafka.Brokers) == 0 {
			return fmt.Errorf("%w: kafka needs at least one broker", ErrInvalidConfig)
		}
		if _, err := transport.ParseKafkaOffset(c.Kafka.InitialOffset); err != nil {
			return fmt.Errorf("%w: %v", ErrInvalidConfig, err)
		}
	}
	if c.Iterations < 0 {
		return fmt.Errorf("%w: iterations must not be negative, got %d", ErrInvalidConfig, c.Iterations)
	}
	if c.PollTimeout <= 0 {
		return fmt.Errorf("%w: poll timeout must be positive, got %s", ErrInvalidConfig, c.PollTimeout)
	}
	if c.MaxChallengeWait < 0 {
		return fmt.Errorf("%w: max challenge wait must not be negative, got %s", ErrInvalidConfig, c.MaxChallengeWait)
	}
	if err := c.RetryPolicy().Validate(); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidConfig, err)
	}
	if err := c.Bounds().Validate(); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidConfig, err)
	}
	if err := c.Channels.Validate(); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidConfig, err)
	}
	return nil
}

// RetryPolicy returns the connection retry policy.
func (c *Config) RetryPolicy() transport.RetryPolicy {
	return transport.RetryPolicy{
		MaxAttempts: c.Connect.MaxAttempts,
		Interval:    c.Connect.Interval,
	}
}

// Bounds returns the prime range.
func (c *Config) Bounds() protocol.Bounds {
	return protocol.Bounds{Lower: c.Primes.Lower.Int, Upper: c.Primes.Upper.Int}
}

// EngineOptions returns the prover options derived from the configuration.
func (c *Config) EngineOptions(l log.Logger) []protocol.Option {
	return []protocol.Option{
		protocol.WithChannels(c.Channels),
		protocol.WithBounds(c.Bounds()),
		protocol.WithPollTimeout(c.PollTimeout),
		protocol.WithMaxChallengeWait(c.MaxChallengeWait),
		protocol.WithLogger(l),
	}
}

// Dialer returns the dial function of the configured broker. The memory
// transport has no remote broker and cannot be dialed from here.
func (c *Config) Dialer(l log.Logger) (transport.DialFunc, error) {
	switch c.Transport {
	case TransportAMQP:
		return transport.DialAMQP(c.AMQP.URL(), l), nil
	case TransportKafka:
		offset, err := transport.ParseKafkaOffset(c.Kafka.InitialOffset)
		if err != nil {
			return nil, err
		}
		return transport.DialKafka(transport.KafkaConfig{
			Brokers:       c.Kafka.Brokers,
			ClientID:      DefaultKafkaClientID,
			InitialOffset: offset,
		}, l), nil
	default:
		return nil, fmt.Errorf("%w: transport %q cannot be dialed", ErrInvalidConfig, c.Transport)
	}
}
