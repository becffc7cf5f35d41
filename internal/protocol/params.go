package protocol

import (
	"crypto/rand"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math/big"
	"strings"
)

var (
	// ErrInvalidBounds is returned when the prime range cannot produce two primes.
	ErrInvalidBounds = errors.New("invalid prime bounds")
	// ErrInvalidParams is returned for inconsistent injected parameters.
	ErrInvalidParams = errors.New("invalid protocol parameters")
	// ErrInvalidValue is returned when a payload is not a non-negative decimal integer.
	ErrInvalidValue = errors.New("invalid decimal value")
)

const (
	// DefaultPrimeLower is the inclusive lower bound of the prime range.
	DefaultPrimeLower = 10000
	// DefaultPrimeUpper is the exclusive upper bound of the prime range.
	DefaultPrimeUpper = 100000

	// primalityRounds is the number of Miller-Rabin rounds run by ProbablyPrime.
	primalityRounds = 20
	// maxPrimeDraws bounds the redraws of q while it equals p.
	maxPrimeDraws = 64
)

var (
	one = big.NewInt(1)
	two = big.NewInt(2)
)

// Bounds is the half-open range [Lower, Upper) primes are drawn from.
type Bounds struct {
	Lower *big.Int
	Upper *big.Int
}

// DefaultBounds returns [10000, 100000).
func DefaultBounds() Bounds {
	return Bounds{
		Lower: big.NewInt(DefaultPrimeLower),
		Upper: big.NewInt(DefaultPrimeUpper),
	}
}

// Validate checks the range is non-empty and starts at 2 or more.
func (b Bounds) Validate() error {
	if b.Lower == nil || b.Upper == nil {
		return fmt.Errorf("%w: both bounds are required", ErrInvalidBounds)
	}
	if b.Lower.Cmp(two) < 0 {
		return fmt.Errorf("%w: lower bound %s is below 2", ErrInvalidBounds, b.Lower)
	}
	if b.Upper.Cmp(b.Lower) <= 0 {
		return fmt.Errorf("%w: upper bound %s must exceed lower bound %s", ErrInvalidBounds, b.Upper, b.Lower)
	}
	return nil
}

func (b Bounds) String() string {
	return fmt.Sprintf("[%s, %s)", b.Lower, b.Upper)
}

// RandomPrime returns a prime from [bounds.Lower, bounds.Upper). It draws a
// uniform starting point and returns the first prime at or after it,
// wrapping around to the lower bound.
func RandomPrime(rnd io.Reader, bounds Bounds) (*big.Int, error) {
	if err := bounds.Validate(); err != nil {
		return nil, err
	}

	width := new(big.Int).Sub(bounds.Upper, bounds.Lower)
	start, err := rand.Int(rnd, width)
	if err != nil {
		return nil, fmt.Errorf("drawing prime candidate: %w", err)
	}
	start.Add(start, bounds.Lower)

	if p := nextPrime(start, bounds.Upper); p != nil {
		return p, nil
	}
	if p := nextPrime(bounds.Lower, start); p != nil {
		return p, nil
	}
	return nil, fmt.Errorf("%w: no prime in %s", ErrInvalidBounds, bounds)
}

// nextPrime returns the smallest prime in [from, to), or nil.
func nextPrime(from, to *big.Int) *big.Int {
	for c := new(big.Int).Set(from); c.Cmp(to) < 0; c.Add(c, one) {
		if c.ProbablyPrime(primalityRounds) {
			return c
		}
	}
	return nil
}

// randomInRange returns a uniform integer in [lo, hi].
func randomInRange(rnd io.Reader, lo, hi *big.Int) (*big.Int, error) {
	width := new(big.Int).Sub(hi, lo)
	width.Add(width, one)
	if width.Sign() <= 0 {
		return nil, fmt.Errorf("%w: empty range [%s, %s]", ErrInvalidParams, lo, hi)
	}
	v, err := rand.Int(rnd, width)
	if err != nil {
		return nil, err
	}
	return v.Add(v, lo), nil
}

// Params is the prover's secret material: the factors p and q, the secret s,
// and the public values n = p·q and v = s² mod n derived from them.
type Params struct {
	p, q *big.Int
	s    *big.Int
	n, v *big.Int
}

// NewParams builds parameters from explicit values. p and q must be greater
// than 1 and s must lie in [2, n-1].
func NewParams(p, q, s *big.Int) (*Params, error) {
	if p == nil || q == nil || s == nil {
		return nil, fmt.Errorf("%w: p, q and s are required", ErrInvalidParams)
	}
	if p.Cmp(one) <= 0 || q.Cmp(one) <= 0 {
		return nil, fmt.Errorf("%w: factors must be greater than 1", ErrInvalidParams)
	}
	n := new(big.Int).Mul(p, q)
	maxS := new(big.Int).Sub(n, one)
	if s.Cmp(two) < 0 || s.Cmp(maxS) > 0 {
		return nil, fmt.Errorf("%w: secret must lie in [2, %s]", ErrInvalidParams, maxS)
	}

	v := new(big.Int).Mul(s, s)
	v.Mod(v, n)

	return &Params{
		p: new(big.Int).Set(p),
		q: new(big.Int).Set(q),
		s: new(big.Int).Set(s),
		n: n,
		v: v,
	}, nil
}

// GenerateParams draws p and q from bounds, then s uniformly from [2, n-1].
// q is redrawn while it equals p.
func GenerateParams(rnd io.Reader, bounds Bounds) (*Params, error) {
	p, err := RandomPrime(rnd, bounds)
	if err != nil {
		return nil, err
	}

	var q *big.Int
	for i := 0; i < maxPrimeDraws; i++ {
		if q, err = RandomPrime(rnd, bounds); err != nil {
			return nil, err
		}
		if q.Cmp(p) != 0 {
			break
		}
	}
	if q.Cmp(p) == 0 {
		return nil, fmt.Errorf("%w: could not draw two distinct primes from %s", ErrInvalidBounds, bounds)
	}

	n := new(big.Int).Mul(p, q)
	s, err := randomInRange(rnd, two, new(big.Int).Sub(n, one))
	if err != nil {
		return nil, fmt.Errorf("drawing secret: %w", err)
	}
	return NewParams(p, q, s)
}

// N returns the public modulus.
func (p *Params) N() *big.Int {
	return new(big.Int).Set(p.n)
}

// V returns the public key.
func (p *Params) V() *big.Int {
	return new(big.Int).Set(p.v)
}

// Public returns the values sent to the verifier.
func (p *Params) Public() PublicParams {
	return PublicParams{N: p.N(), V: p.V()}
}

// PublicParams is the init message: the modulus and the public key. It
// encodes as a JSON array of two decimal strings.
type PublicParams struct {
	N *big.Int
	V *big.Int
}

func (pp PublicParams) MarshalJSON() ([]byte, error) {
	if pp.N == nil || pp.V == nil {
		return nil, fmt.Errorf("%w: n and v are required", ErrInvalidParams)
	}
	return json.Marshal([2]string{pp.N.String(), pp.V.String()})
}

func (pp *PublicParams) UnmarshalJSON(data []byte) error {
	var pair []string
	if err := json.Unmarshal(data, &pair); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidParams, err)
	}
	if len(pair) != 2 {
		return fmt.Errorf("%w: expected [n, v], got %d values", ErrInvalidParams, len(pair))
	}
	n, err := ParseValue([]byte(pair[0]))
	if err != nil {
		return err
	}
	v, err := ParseValue([]byte(pair[1]))
	if err != nil {
		return err
	}
	if n.Cmp(one) <= 0 || v.Cmp(n) >= 0 {
		return fmt.Errorf("%w: public key must be reduced modulo n > 1", ErrInvalidParams)
	}
	pp.N, pp.V = n, v
	return nil
}

// ParseValue decodes a non-negative base 10 integer payload. Surrounding
// whitespace and a leading sign are accepted, so "+1" is 1 and "-0" is 0.
func ParseValue(body []byte) (*big.Int, error) {
	s := strings.TrimSpace(string(body))
	if s == "" {
		return nil, fmt.Errorf("%w: %q", ErrInvalidValue, s)
	}
	v, ok := new(big.Int).SetString(s, 10)
	if !ok || v.Sign() < 0 {
		return nil, fmt.Errorf("%w: %q", ErrInvalidValue, s)
	}
	return v, nil
}
