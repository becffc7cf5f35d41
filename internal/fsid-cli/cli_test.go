package fsid

import (
	"bytes"
	"os"
	"path/filepath"
	"regexp"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"github.com/urfave/cli/v2"

	"github.com/zkauth/fsid/common/testlogger"
	"github.com/zkauth/fsid/internal/core"
	"github.com/zkauth/fsid/internal/transport"
)

func isolateHome(t *testing.T) {
	t.Helper()
	t.Setenv("HOME", t.TempDir())
}

func runApp(t *testing.T, args ...string) (string, error) {
	t.Helper()
	var out bytes.Buffer
	app := CLI()
	app.Writer = &out
	app.ErrWriter = &out
	err := app.Run(append([]string{"fsid"}, args...))
	return out.String(), err
}

// cloneFlags copies the flags so environment lookups done by one test do
// not leak into the shared flag definitions.
func cloneFlags(t *testing.T, flags []cli.Flag) []cli.Flag {
	t.Helper()
	out := make([]cli.Flag, 0, len(flags))
	for _, f := range flags {
		switch v := f.(type) {
		case *cli.StringFlag:
			c := *v
			out = append(out, &c)
		case *cli.IntFlag:
			c := *v
			out = append(out, &c)
		case *cli.DurationFlag:
			c := *v
			out = append(out, &c)
		case *cli.BoolFlag:
			c := *v
			out = append(out, &c)
		default:
			require.FailNow(t, "unexpected flag type", "%T", f)
		}
	}
	return out
}

func loadConfig(t *testing.T, args ...string) (*core.Config, error) {
	t.Helper()
	var conf *core.Config
	flags := append(toArray(primeLowerFlag, primeUpperFlag, maxChallengeWaitFlag, transcriptDBFlag), sessionFlags...)
	app := &cli.App{
		Name:  "fsid",
		Flags: cloneFlags(t, flags),
		Action: func(c *cli.Context) (err error) {
			conf, err = contextToConfig(c, testlogger.New(t))
			return err
		},
		ExitErrHandler: func(*cli.Context, error) {},
	}
	err := app.Run(append([]string{"fsid"}, args...))
	return conf, err
}

func writeFile(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func TestConfigDefaults(t *testing.T) {
	isolateHome(t)
	conf, err := loadConfig(t)
	require.NoError(t, err)
	require.Equal(t, core.DefaultConfig(), conf)
}

func TestConfigPrecedence(t *testing.T) {
	isolateHome(t)
	path := writeFile(t, "fsid.toml", `
iterations = 2
poll_timeout = "1s"
[amqp]
host = "from-file"
port = 5999
`)

	conf, err := loadConfig(t, "--config", path)
	require.NoError(t, err)
	require.Equal(t, 2, conf.Iterations)
	require.Equal(t, time.Second, conf.PollTimeout)
	require.Equal(t, "from-file", conf.AMQP.Host)

	t.Setenv("TOTAL_TESTS", "7")
	t.Setenv("RABBITMQ_HOST", "from-env")
	conf, err = loadConfig(t, "--config", path, "--amqp-port", "6000")
	require.NoError(t, err)
	require.Equal(t, 7, conf.Iterations)
	require.Equal(t, "from-env", conf.AMQP.Host)
	require.Equal(t, 6000, conf.AMQP.Port)
	require.Equal(t, time.Second, conf.PollTimeout)

	conf, err = loadConfig(t, "--config", path, "--iterations", "9")
	require.NoError(t, err)
	require.Equal(t, 9, conf.Iterations)
}

func TestConfigDefaultFile(t *testing.T) {
	home := t.TempDir()
	t.Setenv("HOME", home)
	require.NoError(t, os.MkdirAll(filepath.Join(home, core.DefaultConfigFolderName), 0o700))
	require.NoError(t, os.WriteFile(core.DefaultConfigFile(), []byte("iterations = 4\n"), 0o600))

	conf, err := loadConfig(t)
	require.NoError(t, err)
	require.Equal(t, 4, conf.Iterations)
}

func TestConfigFlags(t *testing.T) {
	isolateHome(t)
	conf, err := loadConfig(t,
		"--transport", "KAFKA",
		"--kafka-brokers", "k1:9092, k2:9092,",
		"--kafka-initial-offset", "oldest",
		"--queue-challenge", "fs.challenge",
		"--prime-lower", "101",
		"--prime-upper", "100000000000000000000",
		"--max-challenge-wait", "30s",
		"--connect-attempts", "3",
		"--connect-interval", "250ms",
		"--transcript-db", "/tmp/t.db",
	)
	require.NoError(t, err)
	require.Equal(t, core.TransportKafka, conf.Transport)
	require.Equal(t, []string{"k1:9092", "k2:9092"}, conf.Kafka.Brokers)
	require.Equal(t, "oldest", conf.Kafka.InitialOffset)
	require.Equal(t, "fs.challenge", conf.Channels.Challenge)
	require.Equal(t, "[101, 100000000000000000000)", conf.Bounds().String())
	require.Equal(t, 30*time.Second, conf.MaxChallengeWait)
	require.Equal(t, 3, conf.Connect.MaxAttempts)
	require.Equal(t, 250*time.Millisecond, conf.Connect.Interval)
	require.Equal(t, "/tmp/t.db", conf.TranscriptDB)
}

func TestConfigInvalid(t *testing.T) {
	isolateHome(t)
	_, err := loadConfig(t, "--prime-lower", "abc")
	require.ErrorIs(t, err, core.ErrInvalidConfig)

	_, err = loadConfig(t, "--queue-response", "challenge")
	require.ErrorIs(t, err, core.ErrInvalidConfig)

	_, err = loadConfig(t, "--transport", "carrier-pigeon")
	require.ErrorIs(t, err, core.ErrInvalidConfig)
}

func TestDemoAndTranscript(t *testing.T) {
	isolateHome(t)
	tmp := t.TempDir()
	db := filepath.Join(tmp, "nested", "transcript.db")

	out, err := runApp(t, "demo",
		"--iterations", "3",
		"--poll-timeout", "50ms",
		"--transcript-db", db,
		"--log-file", filepath.Join(tmp, "fsid.log"),
	)
	require.NoError(t, err)
	require.Contains(t, out, "3/3 rounds passed")
	require.Contains(t, out, "All tests passed. The Prover is validated.")

	match := regexp.MustCompile(`session: (\S+)`).FindStringSubmatch(out)
	require.Len(t, match, 2)
	id := match[1]

	out, err = runApp(t, "transcript", "--db", db)
	require.NoError(t, err)
	require.Contains(t, out, id)
	require.Contains(t, out, "rounds=3")

	out, err = runApp(t, "transcript", "--db", db, id)
	require.NoError(t, err)
	require.Contains(t, out, "session "+id)
	for _, round := range []string{"round 1:", "round 2:", "round 3:"} {
		require.Contains(t, out, round)
	}
	require.Contains(t, out, "state=response-sent")

	logs, err := os.ReadFile(filepath.Join(tmp, "fsid.log"))
	require.NoError(t, err)
	require.Contains(t, string(logs), "All iterations completed.")
	// the command logger travels on the context down to the engine
	require.Contains(t, string(logs), "demoCmd.prover")
}

func TestTranscriptMissingDB(t *testing.T) {
	isolateHome(t)
	_, err := runApp(t, "transcript", "--db", filepath.Join(t.TempDir(), "missing.db"))
	require.Error(t, err)
}

func TestProveGivesUpWhenBrokerUnreachable(t *testing.T) {
	isolateHome(t)
	_, err := runApp(t, "prove",
		"--amqp-host", "127.0.0.1",
		"--amqp-port", "1",
		"--connect-attempts", "2",
		"--connect-interval", "10ms",
		"--log-file", filepath.Join(t.TempDir(), "fsid.log"),
	)
	require.ErrorIs(t, err, transport.ErrConnectionFailed)
}

func TestVersion(t *testing.T) {
	out, err := runApp(t, "--version")
	require.NoError(t, err)
	require.Contains(t, out, "fsid ")
}

func TestDemoWithChallengeSource(t *testing.T) {
	isolateHome(t)
	tmp := t.TempDir()
	db := filepath.Join(tmp, "transcript.db")
	source := filepath.Join(tmp, "bits")
	require.NoError(t, os.WriteFile(source, []byte{0, 1, 1}, 0o600))

	out, err := runApp(t, "demo",
		"--iterations", "3",
		"--poll-timeout", "50ms",
		"--transcript-db", db,
		"--challenge-source", source,
		"--log-file", filepath.Join(tmp, "fsid.log"),
	)
	require.NoError(t, err)
	require.Contains(t, out, "3/3 rounds passed")

	id := regexp.MustCompile(`session: (\S+)`).FindStringSubmatch(out)[1]
	out, err = runApp(t, "transcript", "--db", db, id)
	require.NoError(t, err)
	require.Regexp(t, `round 1: x=\d+ b=0 `, out)
	require.Regexp(t, `round 2: x=\d+ b=1 `, out)
	require.Regexp(t, `round 3: x=\d+ b=1 `, out)
}
