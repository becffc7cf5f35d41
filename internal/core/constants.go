package core

import (
	"path/filepath"
	"time"

	"github.com/zkauth/fsid/internal/fs"
)

// DefaultConfigFolderName is the name of the folder holding the config file
// and, by default, the transcript database. It is relative to the user's
// home directory.
const DefaultConfigFolderName = ".fsid"

// DefaultConfigFileName is the config file loaded when no --config is given.
const DefaultConfigFileName = "config.toml"

// DefaultConfigFolder returns the default path of the configuration folder.
func DefaultConfigFolder() string {
	return filepath.Join(fs.HomeFolder(), DefaultConfigFolderName)
}

// DefaultConfigFile returns the path of the default config file.
func DefaultConfigFile() string {
	return filepath.Join(DefaultConfigFolder(), DefaultConfigFileName)
}

// Transport names.
const (
	TransportAMQP   = "amqp"
	TransportKafka  = "kafka"
	TransportMemory = "memory"
)

// DefaultTransport is the broker used when none is configured.
const DefaultTransport = TransportAMQP

// DefaultIterations is the number of rounds run per session.
const DefaultIterations = 20

// Default RabbitMQ location and credentials.
const (
	DefaultAMQPHost     = "rabbitmq"
	DefaultAMQPPort     = 5672
	DefaultAMQPUser     = "default_user"
	DefaultAMQPPassword = "default_pass"
	DefaultAMQPVHost    = "/"
)

// DefaultKafkaBroker is the bootstrap broker used when none is configured.
const DefaultKafkaBroker = "localhost:9092"

// DefaultKafkaInitialOffset is where a fresh topic consumer starts reading.
const DefaultKafkaInitialOffset = "newest"

// DefaultKafkaClientID identifies fsid to the Kafka cluster.
const DefaultKafkaClientID = "fsid"

// DefaultMaxChallengeWait disables the per-round challenge deadline.
const DefaultMaxChallengeWait = time.Duration(0)
