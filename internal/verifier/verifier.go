// Package verifier is the counterpart of the prover: it reads the public
// parameters and each commitment, draws the challenge bits and checks every
// response.
package verifier

import (
	"context"
	"crypto/rand"
	"encoding/json"
	"fmt"
	"io"
	"math/big"
	"time"

	"github.com/google/uuid"

	"github.com/zkauth/fsid/common/log"
	"github.com/zkauth/fsid/internal/metrics"
	"github.com/zkauth/fsid/internal/protocol"
	"github.com/zkauth/fsid/internal/transport"
)

// Result is the tally of a verification session.
type Result struct {
	Passed int
	Total  int
}

// Validated is true when every round passed.
func (r Result) Validated() bool {
	return r.Passed == r.Total
}

func (r Result) String() string {
	if r.Validated() {
		return "All tests passed. The Prover is validated."
	}
	return "WARNING: Some tests failed. The Prover could not be fully validated."
}

// Option configures a Verifier.
type Option func(*Verifier)

// WithChannels overrides the channel names.
func WithChannels(c protocol.Channels) Option {
	return func(v *Verifier) {
		v.channels = c
	}
}

// WithPublicParams skips waiting for the init message and checks rounds
// against pub.
func WithPublicParams(pub protocol.PublicParams) Option {
	return func(v *Verifier) {
		v.pub = &pub
	}
}

// WithRandom sets the source of the challenge bits.
func WithRandom(r io.Reader) Option {
	return func(v *Verifier) {
		v.rand = r
	}
}

// WithPollTimeout sets how long each event loop call waits.
func WithPollTimeout(d time.Duration) Option {
	return func(v *Verifier) {
		v.pollTimeout = d
	}
}

// WithLogger sets the verifier logger.
func WithLogger(l log.Logger) Option {
	return func(v *Verifier) {
		v.log = l
	}
}

// Verifier checks a prover over a transport session.
type Verifier struct {
	session     transport.Session
	channels    protocol.Channels
	pub         *protocol.PublicParams
	rand        io.Reader
	pollTimeout time.Duration
	log         log.Logger

	// queued holds the bodies delivered per channel and not yet awaited.
	queued map[string][][]byte
}

// New returns a verifier reading from and publishing on session.
func New(session transport.Session, opts ...Option) *Verifier {
	v := &Verifier{
		session:     session,
		channels:    protocol.DefaultChannels(),
		rand:        rand.Reader,
		pollTimeout: protocol.DefaultPollTimeout,
		log:         log.DefaultLogger(),
	}
	for _, opt := range opts {
		opt(v)
	}
	v.log = v.log.Named("verifier").With("session", uuid.NewString())
	return v
}

// Run waits for the public parameters, unless they were given, then checks
// total rounds. It only returns an error when the session fails; failed
// rounds are reported in the Result.
func (v *Verifier) Run(ctx context.Context, total int) (Result, error) {
	res := Result{Total: total}
	if err := v.channels.Validate(); err != nil {
		return res, err
	}

	// Every channel is consumed before anything is awaited or published: a
	// broker may only deliver messages sent after the first subscription.
	channels := []string{v.channels.Commitment, v.channels.Response}
	if v.pub == nil {
		channels = append(channels, v.channels.Init)
	}
	cancel, err := v.subscribe(ctx, channels...)
	if err != nil {
		return res, err
	}
	defer cancel()

	if v.pub == nil {
		var pub protocol.PublicParams
		err := v.await(ctx, v.channels.Init, func(body []byte) error {
			return json.Unmarshal(body, &pub)
		})
		if err != nil {
			return res, fmt.Errorf("waiting for init: %w", err)
		}
		v.pub = &pub
		v.log.Infow(fmt.Sprintf("Received 'n': %s and 'v': %s", pub.N, pub.V))
	}

	for i := 1; i <= total; i++ {
		v.log.Infow(fmt.Sprintf("Iteration: %d", i))
		ok, err := v.round(ctx, i)
		if err != nil {
			return res, fmt.Errorf("round %d: %w", i, err)
		}
		if ok {
			res.Passed++
		}
	}
	return res, nil
}

func (v *Verifier) round(ctx context.Context, index int) (bool, error) {
	var x *big.Int
	err := v.await(ctx, v.channels.Commitment, func(body []byte) (err error) {
		x, err = protocol.ParseValue(body)
		return err
	})
	if err != nil {
		return false, err
	}
	v.log.Infow(fmt.Sprintf("Received commitment %s", x), "round", index)

	b, err := v.challenge()
	if err != nil {
		return false, fmt.Errorf("drawing challenge: %w", err)
	}
	if err := v.session.Publish(ctx, v.channels.Challenge, []byte(fmt.Sprint(b))); err != nil {
		return false, fmt.Errorf("publishing to %s: %w", v.channels.Challenge, err)
	}
	metrics.MessagesPublished.WithLabelValues(v.channels.Challenge).Inc()
	v.log.Infow(fmt.Sprintf("Sent challenge %d", b), "round", index)

	var y *big.Int
	err = v.await(ctx, v.channels.Response, func(body []byte) (err error) {
		y, err = protocol.ParseValue(body)
		return err
	})
	if err != nil {
		return false, err
	}

	if Check(v.pub.N, v.pub.V, x, y, b) {
		metrics.VerifierRounds.WithLabelValues("pass").Inc()
		v.log.Infow(fmt.Sprintf("Test is OK: (response: %s)", y), "round", index)
		return true, nil
	}
	metrics.VerifierRounds.WithLabelValues("fail").Inc()
	v.log.Warnw(fmt.Sprintf("Test is NOT OK: (response: %s, x: %s, b: %d)", y, x, b), "round", index)
	return false, nil
}

// challenge draws a uniform bit.
func (v *Verifier) challenge() (uint, error) {
	var buf [1]byte
	if _, err := io.ReadFull(v.rand, buf[:]); err != nil {
		return 0, err
	}
	return uint(buf[0] & 1), nil
}

// subscribe consumes every channel into the queued bodies and returns the
// function cancelling the consumers.
func (v *Verifier) subscribe(ctx context.Context, channels ...string) (func(), error) {
	v.queued = make(map[string][][]byte, len(channels))
	var tags []string
	cancel := func() {
		for _, tag := range tags {
			if err := v.session.Cancel(tag); err != nil {
				v.log.Warnw("could not cancel consumer", "consumer", tag, "err", err)
			}
		}
	}
	for _, channel := range channels {
		channel := channel
		tag, err := v.session.Consume(ctx, channel, func(_ context.Context, body []byte) {
			v.queued[channel] = append(v.queued[channel], body)
		})
		if err != nil {
			cancel()
			return nil, fmt.Errorf("consuming %s: %w", channel, err)
		}
		tags = append(tags, tag)
	}
	return cancel, nil
}

// await runs the event loop until accept takes a body queued on channel.
// Rejected bodies are logged and dropped.
func (v *Verifier) await(ctx context.Context, channel string, accept func(body []byte) error) error {
	for {
		for len(v.queued[channel]) > 0 {
			body := v.queued[channel][0]
			v.queued[channel] = v.queued[channel][1:]
			if err := accept(body); err != nil {
				v.log.Warnw("discarding message", "channel", channel, "err", err)
				continue
			}
			return nil
		}

		handled, err := v.session.ProcessEvents(ctx, v.pollTimeout)
		if err != nil {
			return err
		}
		if !handled {
			metrics.PollTimeouts.WithLabelValues("verifier").Inc()
		}
	}
}
