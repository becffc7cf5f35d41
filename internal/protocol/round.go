package protocol

import (
	"errors"
	"fmt"
	"io"
	"math/big"

	"github.com/cronokirby/safenum"
)

// ErrInvalidChallenge is returned for a challenge that is not the integer 0 or 1.
var ErrInvalidChallenge = errors.New("invalid challenge")

// RoundState is the position of a round in the commit/challenge/response exchange.
type RoundState int

const (
	// Idle rounds have drawn r but not published x yet.
	Idle RoundState = iota
	// CommitmentSent rounds have published x.
	CommitmentSent
	// WaitingChallenge rounds are polling the challenge channel.
	WaitingChallenge
	// ResponseSent rounds have published y; the round is over.
	ResponseSent
)

func (s RoundState) String() string {
	switch s {
	case Idle:
		return "idle"
	case CommitmentSent:
		return "commitment-sent"
	case WaitingChallenge:
		return "waiting-challenge"
	case ResponseSent:
		return "response-sent"
	default:
		return fmt.Sprintf("unknown(%d)", int(s))
	}
}

// Round holds the per-round secret r and the values exchanged for it. The
// modular products run on constant-time safenum naturals; every factor is
// reduced modulo n before it is multiplied.
type Round struct {
	Index int

	state RoundState

	modulus *safenum.Modulus
	size    int
	secret  *safenum.Nat
	r       *safenum.Nat

	x *big.Int
	b uint
	y *big.Int
}

// NewRound starts round index with r drawn uniformly from [1, n-1].
func (p *Params) NewRound(rnd io.Reader, index int) (*Round, error) {
	r, err := randomInRange(rnd, one, new(big.Int).Sub(p.n, one))
	if err != nil {
		return nil, fmt.Errorf("drawing round secret: %w", err)
	}
	return p.RoundWith(index, r)
}

// RoundWith starts round index with the given r, which must lie in [1, n-1].
func (p *Params) RoundWith(index int, r *big.Int) (*Round, error) {
	if r == nil || r.Sign() <= 0 || r.Cmp(p.n) >= 0 {
		return nil, fmt.Errorf("%w: round secret must lie in [1, n-1]", ErrInvalidParams)
	}

	size := p.n.BitLen()
	modulus := safenum.ModulusFromNat(new(safenum.Nat).SetBig(p.n, size))

	round := &Round{
		Index:   index,
		state:   Idle,
		modulus: modulus,
		size:    size,
		secret:  new(safenum.Nat).Mod(new(safenum.Nat).SetBig(p.s, p.s.BitLen()), modulus),
		r:       new(safenum.Nat).Mod(new(safenum.Nat).SetBig(r, r.BitLen()), modulus),
	}
	// x = ((r mod n) · (r mod n)) mod n
	round.x = new(safenum.Nat).ModMul(round.r, round.r, modulus).Big()
	return round, nil
}

// State returns where the round stands.
func (r *Round) State() RoundState {
	return r.state
}

// Commitment returns x = r² mod n.
func (r *Round) Commitment() *big.Int {
	return new(big.Int).Set(r.x)
}

// Challenge returns the accepted challenge bit. It is only meaningful once
// the round reached ResponseSent.
func (r *Round) Challenge() uint {
	return r.b
}

// Response returns the published y, or nil before ResponseSent.
func (r *Round) Response() *big.Int {
	if r.y == nil {
		return nil
	}
	return new(big.Int).Set(r.y)
}

// Respond computes y = r · s^b mod n without changing the round state.
func (r *Round) Respond(b uint) (*big.Int, error) {
	if b > 1 {
		return nil, fmt.Errorf("%w: %d", ErrInvalidChallenge, b)
	}
	sb := new(safenum.Nat).Exp(r.secret, new(safenum.Nat).SetUint64(uint64(b)), r.modulus)
	return new(safenum.Nat).ModMul(r.r, sb, r.modulus).Big(), nil
}

func (r *Round) advance(to RoundState) {
	r.state = to
}

func (r *Round) resolve(b uint, y *big.Int) {
	r.b = b
	r.y = new(big.Int).Set(y)
	r.state = ResponseSent
}

// ParseChallenge decodes a challenge payload. Only the integers 0 and 1 are
// accepted; surrounding whitespace is ignored.
func ParseChallenge(body []byte) (uint, error) {
	v, err := ParseValue(body)
	if err != nil {
		return 0, fmt.Errorf("%w: %v", ErrInvalidChallenge, err)
	}
	if v.Cmp(one) > 0 {
		return 0, fmt.Errorf("%w: %s is not 0 or 1", ErrInvalidChallenge, v)
	}
	return uint(v.Uint64()), nil
}
