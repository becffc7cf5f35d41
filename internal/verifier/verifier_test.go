package verifier

import (
	"bytes"
	"context"
	"math/big"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"

	"github.com/zkauth/fsid/common/testlogger"
	"github.com/zkauth/fsid/internal/metrics"
	"github.com/zkauth/fsid/internal/protocol"
	"github.com/zkauth/fsid/internal/transport"
)

func dial(t *testing.T, b *transport.Broker) transport.Session {
	t.Helper()
	s, err := b.Dial(context.Background())
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func publishAll(t *testing.T, s transport.Session, msgs ...transport.Message) {
	t.Helper()
	for _, m := range msgs {
		require.NoError(t, s.Publish(context.Background(), m.Channel, m.Body))
	}
}

func msg(channel, body string) transport.Message {
	return transport.Message{Channel: channel, Body: []byte(body)}
}

// latestOnly drops messages published on a channel nobody consumed yet, as a
// Kafka consumer starting at the newest offset would never see them.
type latestOnly struct {
	mu         sync.Mutex
	subscribed map[string]bool
}

func (l *latestOnly) wrap(s transport.Session) transport.Session {
	return &latestSession{Session: s, topics: l}
}

func (l *latestOnly) has(channel string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.subscribed[channel]
}

type latestSession struct {
	transport.Session
	topics *latestOnly
}

func (s *latestSession) Publish(ctx context.Context, channel string, body []byte) error {
	s.topics.mu.Lock()
	defer s.topics.mu.Unlock()
	if !s.topics.subscribed[channel] {
		return nil
	}
	return s.Session.Publish(ctx, channel, body)
}

func (s *latestSession) Consume(ctx context.Context, channel string, h transport.Handler) (string, error) {
	s.topics.mu.Lock()
	s.topics.subscribed[channel] = true
	s.topics.mu.Unlock()
	return s.Session.Consume(ctx, channel, h)
}

func TestCheck(t *testing.T) {
	n, v := big.NewInt(235), big.NewInt(89)
	tests := []struct {
		x, y  int64
		b     uint
		valid bool
	}{
		{150, 40, 1, true},
		{150, 50, 0, true},
		{150, 50, 1, false},
		{150, 40, 0, false},
		{150, 40, 2, false},
		// x is reduced before the comparison
		{150 + 235, 40, 1, true},
	}
	for _, test := range tests {
		got := Check(n, v, big.NewInt(test.x), big.NewInt(test.y), test.b)
		require.Equal(t, test.valid, got, "%+v", test)
	}

	require.False(t, Check(big.NewInt(1), v, big.NewInt(0), big.NewInt(0), 0))
	require.False(t, Check(nil, v, big.NewInt(150), big.NewInt(40), 1))
}

func TestResult(t *testing.T) {
	require.True(t, Result{Passed: 20, Total: 20}.Validated())
	require.Equal(t, "All tests passed. The Prover is validated.", Result{Passed: 3, Total: 3}.String())

	failed := Result{Passed: 19, Total: 20}
	require.False(t, failed.Validated())
	require.Contains(t, failed.String(), "WARNING")
}

func TestVerifierValidatesProver(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	broker := transport.NewBroker(transport.WithBrokerLogger(testlogger.New(t)))
	engine := protocol.NewEngine(dial(t, broker), protocol.WithLogger(testlogger.New(t)), protocol.WithPollTimeout(50*time.Millisecond))
	v := New(dial(t, broker), WithLogger(testlogger.New(t)), WithPollTimeout(50*time.Millisecond))

	passed := testutil.ToFloat64(metrics.VerifierRounds.WithLabelValues("pass"))

	const total = 20
	var res Result
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		if _, err := engine.Initialize(gctx); err != nil {
			return err
		}
		return engine.Run(gctx, total)
	})
	g.Go(func() (err error) {
		res, err = v.Run(gctx, total)
		return err
	})
	require.NoError(t, g.Wait())

	require.Equal(t, Result{Passed: total, Total: total}, res)
	require.True(t, res.Validated())
	require.Equal(t, float64(total), testutil.ToFloat64(metrics.VerifierRounds.WithLabelValues("pass"))-passed)
}

func TestVerifierSubscribesBeforePublishing(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	c := protocol.DefaultChannels()
	broker := transport.NewBroker(transport.WithBrokerLogger(testlogger.New(t)))
	topics := &latestOnly{subscribed: make(map[string]bool)}

	engine := protocol.NewEngine(topics.wrap(dial(t, broker)), protocol.WithLogger(testlogger.New(t)), protocol.WithPollTimeout(20*time.Millisecond))
	v := New(topics.wrap(dial(t, broker)), WithLogger(testlogger.New(t)), WithPollTimeout(20*time.Millisecond))

	const total = 5
	var res Result
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() (err error) {
		res, err = v.Run(gctx, total)
		return err
	})

	// the prover starts once the verifier listens for the parameters, and
	// sends its first commitment right after them
	require.Eventually(t, func() bool { return topics.has(c.Init) }, 5*time.Second, 5*time.Millisecond)
	g.Go(func() error {
		if _, err := engine.Initialize(gctx); err != nil {
			return err
		}
		return engine.Run(gctx, total)
	})
	require.NoError(t, g.Wait())
	require.Equal(t, Result{Passed: total, Total: total}, res)
}

func TestVerifierDetectsWrongResponse(t *testing.T) {
	ctx := context.Background()
	c := protocol.DefaultChannels()
	broker := transport.NewBroker(transport.WithBrokerLogger(testlogger.New(t)))

	// challenge bits are 1 then 0; answering y = r both times only passes b = 0
	publishAll(t, dial(t, broker),
		msg(c.Init, `["235","89"]`),
		msg(c.Commitment, "150"),
		msg(c.Response, "50"),
		msg(c.Commitment, "150"),
		msg(c.Response, "50"),
	)

	v := New(dial(t, broker),
		WithLogger(testlogger.New(t)),
		WithRandom(bytes.NewReader([]byte{1, 0})),
		WithPollTimeout(50*time.Millisecond),
	)
	res, err := v.Run(ctx, 2)
	require.NoError(t, err)
	require.Equal(t, Result{Passed: 1, Total: 2}, res)
	require.False(t, res.Validated())

	var challenges []string
	for _, m := range broker.History() {
		if m.Channel == c.Challenge {
			challenges = append(challenges, string(m.Body))
		}
	}
	require.Equal(t, []string{"1", "0"}, challenges)
}

func TestVerifierDiscardsMalformedMessages(t *testing.T) {
	ctx := context.Background()
	c := protocol.DefaultChannels()
	broker := transport.NewBroker(transport.WithBrokerLogger(testlogger.New(t)))

	publishAll(t, dial(t, broker),
		msg(c.Init, "garbage"),
		msg(c.Init, `["235"]`),
		msg(c.Init, `["235","89"]`),
		msg(c.Commitment, "abc"),
		msg(c.Commitment, "150"),
		msg(c.Response, "-40"),
		msg(c.Response, "40"),
	)

	v := New(dial(t, broker),
		WithLogger(testlogger.New(t)),
		WithRandom(bytes.NewReader([]byte{0xff})),
		WithPollTimeout(50*time.Millisecond),
	)
	res, err := v.Run(ctx, 1)
	require.NoError(t, err)
	require.Equal(t, Result{Passed: 1, Total: 1}, res)
}

func TestVerifierWithKnownParams(t *testing.T) {
	ctx := context.Background()
	c := protocol.DefaultChannels()
	broker := transport.NewBroker(transport.WithBrokerLogger(testlogger.New(t)))
	publishAll(t, dial(t, broker), msg(c.Commitment, "150"), msg(c.Response, "50"))

	v := New(dial(t, broker),
		WithLogger(testlogger.New(t)),
		WithPublicParams(protocol.PublicParams{N: big.NewInt(235), V: big.NewInt(89)}),
		WithRandom(bytes.NewReader([]byte{0})),
		WithPollTimeout(50*time.Millisecond),
	)
	res, err := v.Run(ctx, 1)
	require.NoError(t, err)
	require.True(t, res.Validated())
	require.Equal(t, 1, broker.Pending(c.Challenge))
}

func TestVerifierFailsOnClosedSession(t *testing.T) {
	broker := transport.NewBroker(transport.WithBrokerLogger(testlogger.New(t)))
	s, err := broker.Dial(context.Background())
	require.NoError(t, err)
	require.NoError(t, s.Close())

	_, err = New(s, WithLogger(testlogger.New(t))).Run(context.Background(), 1)
	require.ErrorIs(t, err, transport.ErrSessionClosed)
}
