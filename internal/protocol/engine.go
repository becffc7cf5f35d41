// Package protocol implements the prover side of the Fiat-Shamir
// identification protocol: parameter setup, the per-round
// commitment/challenge/response state machine and the iteration driver.
package protocol

import (
	"context"
	"crypto/rand"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math/big"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"

	"github.com/zkauth/fsid/common/log"
	"github.com/zkauth/fsid/internal/metrics"
	"github.com/zkauth/fsid/internal/transport"
)

var (
	// ErrAlreadyInitialized is returned when Initialize is called twice.
	ErrAlreadyInitialized = errors.New("session already initialized")
	// ErrNotInitialized is returned when Run is called before Initialize.
	ErrNotInitialized = errors.New("session not initialized")
	// ErrChallengeTimeout is returned when MaxChallengeWait elapsed without a valid challenge.
	ErrChallengeTimeout = errors.New("no valid challenge received in time")
)

// RoundRecord is the public trace of a round.
type RoundRecord struct {
	Index             int
	X                 *big.Int
	Challenge         uint
	Y                 *big.Int
	State             RoundState
	InvalidChallenges int
	Duration          time.Duration
}

// Recorder receives the public transcript of a session. It never sees p, q,
// s or r.
type Recorder interface {
	RecordInit(ctx context.Context, sessionID string, pub PublicParams) error
	RecordRound(ctx context.Context, sessionID string, rec RoundRecord) error
}

// Option configures an Engine.
type Option func(*Engine)

// WithChannels overrides the channel names.
func WithChannels(c Channels) Option {
	return func(e *Engine) {
		e.channels = c
	}
}

// WithBounds sets the range the primes p and q are drawn from.
func WithBounds(b Bounds) Option {
	return func(e *Engine) {
		e.bounds = b
	}
}

// WithParams uses fixed parameters instead of generating them in Initialize.
func WithParams(p *Params) Option {
	return func(e *Engine) {
		e.params = p
	}
}

// WithRandom sets the randomness source for parameters and round secrets.
func WithRandom(r io.Reader) Option {
	return func(e *Engine) {
		e.rand = r
	}
}

// WithClock sets the clock used to time rounds.
func WithClock(c clockwork.Clock) Option {
	return func(e *Engine) {
		e.clock = c
	}
}

// WithPollTimeout sets how long each event loop call waits for a challenge.
func WithPollTimeout(d time.Duration) Option {
	return func(e *Engine) {
		e.pollTimeout = d
	}
}

// WithMaxChallengeWait aborts the run when a round waited longer than d for
// a valid challenge. Zero, the default, waits forever.
func WithMaxChallengeWait(d time.Duration) Option {
	return func(e *Engine) {
		e.maxChallengeWait = d
	}
}

// WithRecorder stores the public transcript of the session.
func WithRecorder(r Recorder) Option {
	return func(e *Engine) {
		e.recorder = r
	}
}

// WithLogger sets the engine logger.
func WithLogger(l log.Logger) Option {
	return func(e *Engine) {
		e.log = l
	}
}

// WithSessionID sets the identifier used in logs and transcripts.
func WithSessionID(id string) Option {
	return func(e *Engine) {
		e.sessionID = id
	}
}

// Engine runs the prover over a transport session. It is not safe for
// concurrent use: rounds run one after the other on the caller's goroutine.
type Engine struct {
	session  transport.Session
	channels Channels
	bounds   Bounds
	params   *Params

	rand             io.Reader
	clock            clockwork.Clock
	pollTimeout      time.Duration
	maxChallengeWait time.Duration

	recorder  Recorder
	log       log.Logger
	sessionID string

	initialized bool
}

// NewEngine returns an engine publishing on session.
func NewEngine(session transport.Session, opts ...Option) *Engine {
	e := &Engine{
		session:     session,
		channels:    DefaultChannels(),
		bounds:      DefaultBounds(),
		rand:        rand.Reader,
		clock:       clockwork.NewRealClock(),
		pollTimeout: DefaultPollTimeout,
		log:         log.DefaultLogger(),
		sessionID:   uuid.NewString(),
	}
	for _, opt := range opts {
		opt(e)
	}
	e.log = e.log.Named("prover").With("session", e.sessionID)
	return e
}

// SessionID returns the identifier of this prover session.
func (e *Engine) SessionID() string {
	return e.sessionID
}

// Initialize generates the parameters unless they were injected, and
// publishes [n, v] on the init channel. It publishes at most once per engine.
func (e *Engine) Initialize(ctx context.Context) (PublicParams, error) {
	if e.initialized {
		return PublicParams{}, ErrAlreadyInitialized
	}
	if err := e.channels.Validate(); err != nil {
		return PublicParams{}, err
	}

	if e.params == nil {
		params, err := GenerateParams(e.rand, e.bounds)
		if err != nil {
			return PublicParams{}, fmt.Errorf("generating parameters: %w", err)
		}
		e.params = params
	}

	pub := e.params.Public()
	payload, err := json.Marshal(pub)
	if err != nil {
		return PublicParams{}, err
	}

	e.log.Infow(fmt.Sprintf("Sending 'n': %s and 'v': %s to Verifier", pub.N, pub.V))
	if err := e.publish(ctx, e.channels.Init, payload); err != nil {
		return PublicParams{}, err
	}
	e.initialized = true

	if e.recorder != nil {
		if err := e.recorder.RecordInit(ctx, e.sessionID, pub); err != nil {
			e.log.Warnw("could not record init", "err", err)
		}
	}
	return pub, nil
}

// Run executes total rounds one after the other. Each round is resolved
// before the next commitment is published.
func (e *Engine) Run(ctx context.Context, total int) error {
	if !e.initialized {
		return ErrNotInitialized
	}
	if total < 0 {
		return fmt.Errorf("iteration count must not be negative, got %d", total)
	}

	for i := 1; i <= total; i++ {
		e.log.Infow(fmt.Sprintf("Iteration: %d", i))
		if err := e.runRound(ctx, i); err != nil {
			return fmt.Errorf("round %d: %w", i, err)
		}
	}

	e.log.Infow("All iterations completed.", "iterations", total)
	return nil
}

// roundContext is the state shared between a round and its challenge handler.
type roundContext struct {
	round   *Round
	invalid int
	err     error
}

func (e *Engine) runRound(ctx context.Context, index int) error {
	round, err := e.params.NewRound(e.rand, index)
	if err != nil {
		return err
	}
	rc := &roundContext{round: round}

	tag, err := e.session.Consume(ctx, e.channels.Challenge, e.challengeHandler(rc))
	if err != nil {
		return fmt.Errorf("consuming challenges: %w", err)
	}
	defer func() {
		if err := e.session.Cancel(tag); err != nil {
			e.log.Warnw("could not cancel challenge consumer", "round", index, "err", err)
		}
	}()

	x := round.Commitment()
	if err := e.publish(ctx, e.channels.Commitment, []byte(x.String())); err != nil {
		return err
	}
	round.advance(CommitmentSent)
	e.log.Infow("sent commitment", "round", index, "x", x.String())

	started := e.clock.Now()
	round.advance(WaitingChallenge)
	for {
		if rc.err != nil {
			return rc.err
		}
		if round.State() == ResponseSent {
			break
		}
		if e.maxChallengeWait > 0 && e.clock.Since(started) >= e.maxChallengeWait {
			return fmt.Errorf("%w after %s", ErrChallengeTimeout, e.maxChallengeWait)
		}

		handled, err := e.session.ProcessEvents(ctx, e.pollTimeout)
		if err != nil {
			return err
		}
		if !handled {
			metrics.PollTimeouts.WithLabelValues("prover").Inc()
			e.log.Debugw("no challenge yet, polling again", "round", index)
		}
	}

	elapsed := e.clock.Since(started)
	metrics.RoundsCompleted.Inc()
	metrics.RoundDuration.Observe(elapsed.Seconds())

	if e.recorder != nil {
		rec := RoundRecord{
			Index:             index,
			X:                 x,
			Challenge:         round.Challenge(),
			Y:                 round.Response(),
			State:             round.State(),
			InvalidChallenges: rc.invalid,
			Duration:          elapsed,
		}
		if err := e.recorder.RecordRound(ctx, e.sessionID, rec); err != nil {
			e.log.Warnw("could not record round", "round", index, "err", err)
		}
	}
	return nil
}

// challengeHandler returns the single-use handler of a round. It only ever
// sees the r of the round it was built for.
func (e *Engine) challengeHandler(rc *roundContext) transport.Handler {
	return func(ctx context.Context, body []byte) {
		round := rc.round
		if round.State() != WaitingChallenge {
			e.log.Warnw("ignoring challenge outside of its round", "round", round.Index, "state", round.State())
			return
		}

		b, err := ParseChallenge(body)
		if err != nil {
			rc.invalid++
			metrics.InvalidChallenges.Inc()
			e.log.Warnw("Received invalid challenge from the queue!", "round", round.Index, "err", err)
			return
		}

		y, err := round.Respond(b)
		if err != nil {
			rc.err = err
			return
		}
		if err := e.publish(ctx, e.channels.Response, []byte(y.String())); err != nil {
			rc.err = err
			return
		}
		round.resolve(b, y)
		e.log.Infow(fmt.Sprintf("Received challenge: %d. Sending response: %s", b, y), "round", round.Index)
	}
}

func (e *Engine) publish(ctx context.Context, channel string, body []byte) error {
	if err := e.session.Publish(ctx, channel, body); err != nil {
		return fmt.Errorf("publishing to %s: %w", channel, err)
	}
	metrics.MessagesPublished.WithLabelValues(channel).Inc()
	return nil
}
