// Package fsid is the command line interface of the Fiat-Shamir
// identification prover and its counterpart verifier.
package fsid

import (
	"fmt"
	"io"
	"strings"
	"sync"

	"github.com/urfave/cli/v2"
	"go.uber.org/zap/zapcore"

	"github.com/zkauth/fsid/common"
	"github.com/zkauth/fsid/common/log"
	"github.com/zkauth/fsid/internal/core"
	"github.com/zkauth/fsid/internal/fs"
)

var SetVersionPrinter sync.Once

func banner(w io.Writer) {
	version := common.GetAppVersion()
	_, _ = fmt.Fprintf(w, "fsid %s (date %v, commit %v)\n", version.String(), common.BUILDDATE, common.COMMIT)
}

var configFlag = &cli.StringFlag{
	Name:    "config",
	Usage:   "TOML file to read the configuration from. Defaults to " + core.DefaultConfigFile() + " when it exists.",
	EnvVars: []string{"FSID_CONFIG"},
}

var transportFlag = &cli.StringFlag{
	Name:    "transport",
	Usage:   "Message broker to talk to: amqp or kafka.",
	Value:   core.DefaultTransport,
	EnvVars: []string{"FSID_TRANSPORT"},
}

var amqpHostFlag = &cli.StringFlag{
	Name:    "amqp-host",
	Usage:   "RabbitMQ host.",
	Value:   core.DefaultAMQPHost,
	EnvVars: []string{"RABBITMQ_HOST"},
}

var amqpPortFlag = &cli.IntFlag{
	Name:    "amqp-port",
	Usage:   "RabbitMQ port.",
	Value:   core.DefaultAMQPPort,
	EnvVars: []string{"RABBITMQ_PORT"},
}

var amqpUserFlag = &cli.StringFlag{
	Name:    "amqp-user",
	Usage:   "RabbitMQ user.",
	Value:   core.DefaultAMQPUser,
	EnvVars: []string{"RABBITMQ_USER"},
}

var amqpPassFlag = &cli.StringFlag{
	Name:    "amqp-pass",
	Usage:   "RabbitMQ password.",
	Value:   core.DefaultAMQPPassword,
	EnvVars: []string{"RABBITMQ_PASS"},
}

var amqpVHostFlag = &cli.StringFlag{
	Name:    "amqp-vhost",
	Usage:   "RabbitMQ virtual host.",
	Value:   core.DefaultAMQPVHost,
	EnvVars: []string{"RABBITMQ_VHOST"},
}

var kafkaBrokersFlag = &cli.StringFlag{
	Name:    "kafka-brokers",
	Usage:   "Comma separated list of Kafka bootstrap brokers.",
	Value:   core.DefaultKafkaBroker,
	EnvVars: []string{"KAFKA_BROKERS"},
}

var kafkaOffsetFlag = &cli.StringFlag{
	Name:    "kafka-initial-offset",
	Usage:   "Where a new Kafka topic consumer starts reading: newest or oldest.",
	Value:   core.DefaultKafkaInitialOffset,
	EnvVars: []string{"KAFKA_INITIAL_OFFSET"},
}

var queueInitFlag = &cli.StringFlag{
	Name:    "queue-init",
	Usage:   "Channel the public parameters are published on.",
	Value:   "init",
	EnvVars: []string{"QUEUE_INIT"},
}

var queueCommitmentFlag = &cli.StringFlag{
	Name:    "queue-commitment",
	Usage:   "Channel commitments are published on.",
	Value:   "commitment",
	EnvVars: []string{"QUEUE_COMMITMENT"},
}

var queueChallengeFlag = &cli.StringFlag{
	Name:    "queue-challenge",
	Usage:   "Channel challenges are read from.",
	Value:   "challenge",
	EnvVars: []string{"QUEUE_CHALLENGE"},
}

var queueResponseFlag = &cli.StringFlag{
	Name:    "queue-response",
	Usage:   "Channel responses are published on.",
	Value:   "response",
	EnvVars: []string{"QUEUE_RESPONSE"},
}

var iterationsFlag = &cli.IntFlag{
	Name:    "iterations",
	Usage:   "Number of protocol rounds to run.",
	Value:   core.DefaultIterations,
	EnvVars: []string{"TOTAL_TESTS"},
}

var connectAttemptsFlag = &cli.IntFlag{
	Name:    "connect-attempts",
	Usage:   "Number of broker connection attempts before giving up.",
	Value:   10,
	EnvVars: []string{"CONNECT_MAX_ATTEMPTS"},
}

var connectIntervalFlag = &cli.DurationFlag{
	Name:    "connect-interval",
	Usage:   "Wait between two broker connection attempts.",
	Value:   core.DefaultConfig().Connect.Interval,
	EnvVars: []string{"CONNECT_RETRY_INTERVAL"},
}

var primeLowerFlag = &cli.StringFlag{
	Name:    "prime-lower",
	Usage:   "Inclusive lower bound of the range p and q are drawn from.",
	Value:   "10000",
	EnvVars: []string{"PRIME_LOWER_BOUND"},
}

var primeUpperFlag = &cli.StringFlag{
	Name:    "prime-upper",
	Usage:   "Exclusive upper bound of the range p and q are drawn from.",
	Value:   "100000",
	EnvVars: []string{"PRIME_UPPER_BOUND"},
}

var pollTimeoutFlag = &cli.DurationFlag{
	Name:    "poll-timeout",
	Usage:   "How long a single event loop call waits for a message.",
	Value:   core.DefaultConfig().PollTimeout,
	EnvVars: []string{"POLL_TIMEOUT"},
}

var maxChallengeWaitFlag = &cli.DurationFlag{
	Name:    "max-challenge-wait",
	Usage:   "Abort when a round waited this long for a valid challenge. 0 waits forever.",
	EnvVars: []string{"MAX_CHALLENGE_WAIT"},
}

var transcriptDBFlag = &cli.StringFlag{
	Name:    "transcript-db",
	Usage:   "Record the public transcript of the session in this bbolt file.",
	EnvVars: []string{"FSID_TRANSCRIPT_DB"},
}

var metricsFlag = &cli.StringFlag{
	Name:    "metrics",
	Usage:   "Launch a metrics server at the specified (host:)port.",
	EnvVars: []string{"FSID_METRICS"},
}

var verboseFlag = &cli.BoolFlag{
	Name:    "verbose",
	Usage:   "If set, verbosity is at the debug level",
	EnvVars: []string{"FSID_VERBOSE"},
}

var jsonFlag = &cli.BoolFlag{
	Name:    "json",
	Usage:   "Set the output as json format",
	EnvVars: []string{"FSID_LOG_JSON"},
}

var logFileFlag = &cli.StringFlag{
	Name:    "log-file",
	Usage:   "Write logs to this file, rotated every 100MB, instead of stdout.",
	EnvVars: []string{"FSID_LOG_FILE"},
}

var challengeSourceFlag = &cli.StringFlag{
	Name:    "challenge-source",
	Usage:   "File the verifier reads its challenge bits from, one per byte. crypto/rand takes over once it runs dry.",
	EnvVars: []string{"FSID_CHALLENGE_SOURCE"},
}

var dbFlag = &cli.StringFlag{
	Name:     "db",
	Usage:    "Transcript database to read.",
	Required: true,
	EnvVars:  []string{"FSID_TRANSCRIPT_DB"},
}

var sessionFlags = toArray(configFlag, transportFlag,
	amqpHostFlag, amqpPortFlag, amqpUserFlag, amqpPassFlag, amqpVHostFlag,
	kafkaBrokersFlag, kafkaOffsetFlag,
	queueInitFlag, queueCommitmentFlag, queueChallengeFlag, queueResponseFlag,
	iterationsFlag, connectAttemptsFlag, connectIntervalFlag,
	pollTimeoutFlag, metricsFlag, verboseFlag, jsonFlag, logFileFlag)

var appCommands = []*cli.Command{
	{
		Name:  "prove",
		Usage: "Run the prover: publish n and v, then answer every challenge.",
		Flags: append(toArray(primeLowerFlag, primeUpperFlag, maxChallengeWaitFlag, transcriptDBFlag), sessionFlags...),
		Action: func(c *cli.Context) error {
			banner(c.App.Writer)
			c.Context = log.ToContext(c.Context, newLogger(c).Named("proveCmd"))
			return proveCmd(c)
		},
	},
	{
		Name:  "verify",
		Usage: "Run the verifier against a remote prover.",
		Flags: append(toArray(challengeSourceFlag), sessionFlags...),
		Action: func(c *cli.Context) error {
			banner(c.App.Writer)
			c.Context = log.ToContext(c.Context, newLogger(c).Named("verifyCmd"))
			return verifyCmd(c)
		},
	},
	{
		Name:  "demo",
		Usage: "Run a prover and a verifier against an in-process broker.",
		Flags: toArray(configFlag, queueInitFlag, queueCommitmentFlag, queueChallengeFlag, queueResponseFlag,
			iterationsFlag, primeLowerFlag, primeUpperFlag, pollTimeoutFlag, maxChallengeWaitFlag,
			transcriptDBFlag, challengeSourceFlag, metricsFlag, verboseFlag, jsonFlag, logFileFlag),
		Action: func(c *cli.Context) error {
			banner(c.App.Writer)
			c.Context = log.ToContext(c.Context, newLogger(c).Named("demoCmd"))
			return demoCmd(c)
		},
	},
	{
		Name:      "transcript",
		Usage:     "List the recorded sessions, or the rounds of one session.",
		ArgsUsage: "[session id]",
		Flags:     toArray(dbFlag, verboseFlag, jsonFlag),
		Action: func(c *cli.Context) error {
			c.Context = log.ToContext(c.Context, newLogger(c).Named("transcriptCmd"))
			return transcriptCmd(c)
		},
	},
}

// CLI runs the fsid command line interface.
func CLI() *cli.App {
	version := common.GetAppVersion()

	app := cli.NewApp()
	app.Name = "fsid"

	SetVersionPrinter.Do(func() {
		cli.VersionPrinter = func(c *cli.Context) {
			fmt.Fprintf(c.App.Writer, "fsid %s (date %v, commit %v)\n", version, common.BUILDDATE, common.COMMIT)
		}
	})

	app.ExitErrHandler = func(context *cli.Context, err error) {
		// override to prevent default behavior of calling OS.exit(1),
		// when tests expect to be able to run multiple commands.
	}
	app.Version = version.String()
	app.Usage = "Fiat-Shamir zero-knowledge identification over a message broker"
	// we need to copy the underlying commands to avoid races, cli sadly doesn't support concurrent executions well
	appComm := make([]*cli.Command, len(appCommands))
	for i, p := range appCommands {
		v := *p
		appComm[i] = &v
	}
	app.Commands = appComm
	return app
}

func logLevel(c *cli.Context) int {
	if c.Bool(verboseFlag.Name) {
		return log.DebugLevel
	}
	return log.InfoLevel
}

func logJSON(c *cli.Context) bool {
	return c.Bool(jsonFlag.Name)
}

func newLogger(c *cli.Context) log.Logger {
	var output zapcore.WriteSyncer
	if path := c.String(logFileFlag.Name); path != "" {
		output = log.RotatingFile(path)
	}
	return log.New(output, logLevel(c), logJSON(c))
}

func toArray(flags ...cli.Flag) []cli.Flag {
	return flags
}

// contextToConfig layers the configuration: defaults, then the TOML file,
// then every flag or environment variable that was explicitly set.
func contextToConfig(c *cli.Context, l log.Logger) (*core.Config, error) {
	conf := core.DefaultConfig()

	path := c.String(configFlag.Name)
	if path == "" {
		if exists, _ := fs.Exists(core.DefaultConfigFile()); exists {
			path = core.DefaultConfigFile()
		}
	}
	if path != "" {
		l.Debugw("loading config file", "path", path)
		if err := conf.LoadConfigFile(path); err != nil {
			return nil, err
		}
	}

	if c.IsSet(transportFlag.Name) {
		conf.Transport = strings.ToLower(c.String(transportFlag.Name))
	}
	if c.IsSet(amqpHostFlag.Name) {
		conf.AMQP.Host = c.String(amqpHostFlag.Name)
	}
	if c.IsSet(amqpPortFlag.Name) {
		conf.AMQP.Port = c.Int(amqpPortFlag.Name)
	}
	if c.IsSet(amqpUserFlag.Name) {
		conf.AMQP.User = c.String(amqpUserFlag.Name)
	}
	if c.IsSet(amqpPassFlag.Name) {
		conf.AMQP.Password = c.String(amqpPassFlag.Name)
	}
	if c.IsSet(amqpVHostFlag.Name) {
		conf.AMQP.VHost = c.String(amqpVHostFlag.Name)
	}
	if c.IsSet(kafkaBrokersFlag.Name) {
		conf.Kafka.Brokers = splitList(c.String(kafkaBrokersFlag.Name))
	}
	if c.IsSet(kafkaOffsetFlag.Name) {
		conf.Kafka.InitialOffset = c.String(kafkaOffsetFlag.Name)
	}
	if c.IsSet(queueInitFlag.Name) {
		conf.Channels.Init = c.String(queueInitFlag.Name)
	}
	if c.IsSet(queueCommitmentFlag.Name) {
		conf.Channels.Commitment = c.String(queueCommitmentFlag.Name)
	}
	if c.IsSet(queueChallengeFlag.Name) {
		conf.Channels.Challenge = c.String(queueChallengeFlag.Name)
	}
	if c.IsSet(queueResponseFlag.Name) {
		conf.Channels.Response = c.String(queueResponseFlag.Name)
	}
	if c.IsSet(iterationsFlag.Name) {
		conf.Iterations = c.Int(iterationsFlag.Name)
	}
	if c.IsSet(connectAttemptsFlag.Name) {
		conf.Connect.MaxAttempts = c.Int(connectAttemptsFlag.Name)
	}
	if c.IsSet(connectIntervalFlag.Name) {
		conf.Connect.Interval = c.Duration(connectIntervalFlag.Name)
	}
	if c.IsSet(primeLowerFlag.Name) {
		lower, err := core.ParseBigInt(c.String(primeLowerFlag.Name))
		if err != nil {
			return nil, err
		}
		conf.Primes.Lower = lower
	}
	if c.IsSet(primeUpperFlag.Name) {
		upper, err := core.ParseBigInt(c.String(primeUpperFlag.Name))
		if err != nil {
			return nil, err
		}
		conf.Primes.Upper = upper
	}
	if c.IsSet(pollTimeoutFlag.Name) {
		conf.PollTimeout = c.Duration(pollTimeoutFlag.Name)
	}
	if c.IsSet(maxChallengeWaitFlag.Name) {
		conf.MaxChallengeWait = c.Duration(maxChallengeWaitFlag.Name)
	}
	if c.IsSet(transcriptDBFlag.Name) {
		conf.TranscriptDB = c.String(transcriptDBFlag.Name)
	}
	if c.IsSet(metricsFlag.Name) {
		conf.Metrics = c.String(metricsFlag.Name)
	}

	if err := conf.Validate(); err != nil {
		return nil, err
	}
	return conf, nil
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
