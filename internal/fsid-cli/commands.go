package fsid

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/urfave/cli/v2"
	bolt "go.etcd.io/bbolt"
	"golang.org/x/sync/errgroup"

	"github.com/zkauth/fsid/common/log"
	"github.com/zkauth/fsid/internal/core"
	"github.com/zkauth/fsid/internal/entropy"
	"github.com/zkauth/fsid/internal/fs"
	"github.com/zkauth/fsid/internal/metrics"
	"github.com/zkauth/fsid/internal/protocol"
	"github.com/zkauth/fsid/internal/transcript"
	"github.com/zkauth/fsid/internal/transport"
	"github.com/zkauth/fsid/internal/verifier"
)

// ErrNotValidated is returned by verify and demo when a round failed.
var ErrNotValidated = errors.New("the prover could not be validated")

func proveCmd(c *cli.Context) error {
	l := log.FromContextOrDefault(c.Context)
	conf, err := contextToConfig(c, l)
	if err != nil {
		return err
	}
	dial, err := conf.Dialer(l)
	if err != nil {
		return err
	}
	defer startMetrics(conf, l)()

	opts := conf.EngineOptions(l)
	if conf.TranscriptDB != "" {
		store, err := openTranscript(c.Context, conf.TranscriptDB, l)
		if err != nil {
			return err
		}
		defer store.Close()
		opts = append(opts, protocol.WithRecorder(store))
	}

	session, err := transport.Connect(c.Context, l, dial, conf.RetryPolicy(), conf.Channels.All()...)
	if err != nil {
		return err
	}
	defer closeSession(session, l)

	engine := protocol.NewEngine(session, opts...)
	if _, err := engine.Initialize(c.Context); err != nil {
		return err
	}
	return engine.Run(c.Context, conf.Iterations)
}

func verifyCmd(c *cli.Context) error {
	l := log.FromContextOrDefault(c.Context)
	conf, err := contextToConfig(c, l)
	if err != nil {
		return err
	}
	dial, err := conf.Dialer(l)
	if err != nil {
		return err
	}
	defer startMetrics(conf, l)()

	session, err := transport.Connect(c.Context, l, dial, conf.RetryPolicy(), conf.Channels.All()...)
	if err != nil {
		return err
	}
	defer closeSession(session, l)

	vopts, closeSource, err := verifierOptions(c, conf, l)
	if err != nil {
		return err
	}
	defer closeSource()

	res, err := verifier.New(session, vopts...).Run(c.Context, conf.Iterations)
	if err != nil {
		return err
	}
	return report(c, res)
}

// demoCmd runs both parties against a broker living in this process.
func demoCmd(c *cli.Context) error {
	l := log.FromContextOrDefault(c.Context)
	conf, err := contextToConfig(c, l)
	if err != nil {
		return err
	}
	conf.Transport = core.TransportMemory
	defer startMetrics(conf, l)()

	broker := transport.NewBroker(transport.WithBrokerLogger(l))
	opts := conf.EngineOptions(l)
	if conf.TranscriptDB != "" {
		store, err := openTranscript(c.Context, conf.TranscriptDB, l)
		if err != nil {
			return err
		}
		defer store.Close()
		opts = append(opts, protocol.WithRecorder(store))
	}

	proverSession, err := transport.Connect(c.Context, l, broker.Dial, conf.RetryPolicy(), conf.Channels.All()...)
	if err != nil {
		return err
	}
	defer closeSession(proverSession, l)
	verifierSession, err := transport.Connect(c.Context, l, broker.Dial, conf.RetryPolicy(), conf.Channels.All()...)
	if err != nil {
		return err
	}
	defer closeSession(verifierSession, l)

	vopts, closeSource, err := verifierOptions(c, conf, l)
	if err != nil {
		return err
	}
	defer closeSource()

	engine := protocol.NewEngine(proverSession, opts...)
	v := verifier.New(verifierSession, vopts...)

	var res verifier.Result
	g, ctx := errgroup.WithContext(c.Context)
	g.Go(func() error {
		if _, err := engine.Initialize(ctx); err != nil {
			return err
		}
		return engine.Run(ctx, conf.Iterations)
	})
	g.Go(func() (err error) {
		res, err = v.Run(ctx, conf.Iterations)
		return err
	})
	if err := g.Wait(); err != nil {
		return err
	}
	fmt.Fprintf(c.App.Writer, "session: %s\n", engine.SessionID())
	return report(c, res)
}

func transcriptCmd(c *cli.Context) error {
	l := log.FromContextOrDefault(c.Context)
	path := c.String(dbFlag.Name)
	if exists, err := fs.Exists(path); err != nil || !exists {
		return fmt.Errorf("transcript %s not found", path)
	}
	store, err := transcript.Open(c.Context, l, path, &bolt.Options{ReadOnly: true, Timeout: time.Second})
	if err != nil {
		return err
	}
	defer store.Close()

	if c.Args().Present() {
		id := c.Args().First()
		sess, err := store.Session(c.Context, id)
		if err != nil {
			return err
		}
		rounds, err := store.Rounds(c.Context, id)
		if err != nil {
			return err
		}
		fmt.Fprintf(c.App.Writer, "session %s: n=%s v=%s started=%s\n", sess.ID, sess.N, sess.V, sess.Started.Format(time.RFC3339))
		for _, r := range rounds {
			fmt.Fprintf(c.App.Writer, "round %d: x=%s b=%d y=%s state=%s invalid=%d duration=%s\n",
				r.Index, r.X, r.Challenge, r.Y, r.State, r.InvalidChallenges, r.Duration)
		}
		return nil
	}

	sessions, err := store.Sessions(c.Context)
	if err != nil {
		return err
	}
	for _, s := range sessions {
		fmt.Fprintf(c.App.Writer, "%s n=%s v=%s rounds=%d started=%s\n",
			s.ID, s.N, s.V, s.Rounds, s.Started.Format(time.RFC3339))
	}
	return nil
}

// verifierOptions builds the verifier options. When a challenge source is
// set, the returned function closes it.
func verifierOptions(c *cli.Context, conf *core.Config, l log.Logger) ([]verifier.Option, func(), error) {
	opts := []verifier.Option{
		verifier.WithChannels(conf.Channels),
		verifier.WithPollTimeout(conf.PollTimeout),
		verifier.WithLogger(l),
	}
	source := c.String(challengeSourceFlag.Name)
	if source == "" {
		return opts, func() {}, nil
	}
	reader, err := entropy.GetReaderFromSource(source, l)
	if err != nil {
		return nil, nil, err
	}
	opts = append(opts, verifier.WithRandom(entropy.NewFallbackReader(reader, l)))
	return opts, func() { _ = reader.Close() }, nil
}

func report(c *cli.Context, res verifier.Result) error {
	fmt.Fprintf(c.App.Writer, "%d/%d rounds passed\n%s\n", res.Passed, res.Total, res)
	if !res.Validated() {
		return ErrNotValidated
	}
	return nil
}

func openTranscript(ctx context.Context, path string, l log.Logger) (*transcript.Store, error) {
	if err := fs.CreateParentFolder(path); err != nil {
		return nil, err
	}
	return transcript.Open(ctx, l, path, &bolt.Options{Timeout: time.Second})
}

// startMetrics serves the metrics when configured and returns the function
// stopping the listener.
func startMetrics(conf *core.Config, l log.Logger) func() {
	if conf.Metrics == "" {
		return func() {}
	}
	listener := metrics.Start(l, conf.Metrics)
	if listener == nil {
		return func() {}
	}
	return func() { _ = listener.Close() }
}

func closeSession(s transport.Session, l log.Logger) {
	if err := s.Close(); err != nil {
		l.Warnw("closing session", "err", err)
	}
}
