// Package theory evaluates closed-form expected discrepancies of the AMP
// and FV protocols.
//
// All formulas are normalised to an initial configuration with m processes
// at 0 and n-m processes at 1, so the initial discrepancy is 1 and the
// meeting point a lies in [0,1]. Arithmetic goes through package numeric so
// that values near 0 or 1 survive cancellation.
//
// Multi-round values are factor^k of the single-round value. That is exact
// for two processes, whose configuration stays two-valued. For n > 2 it is
// an approximation with no error bound, and Estimate.Approximate says so.
//
// MIN and RECURSIVE-AMP have no closed form; asking for them yields an
// Estimate that is not Available, which is distinct from a value of zero.
package theory

import (
	"errors"
	"fmt"
	"math"

	"github.com/cockroachdb/apd/v3"

	"approx-agreement-simulation/numeric"
	"approx-agreement-simulation/sim"
)

// ErrInvalidParameter reports a query outside the formulas' domain.
var ErrInvalidParameter = errors.New("invalid theory query")

// Estimate is a theoretical expected discrepancy, or the lack of one.
type Estimate struct {
	// Value is the expected discrepancy after the queried rounds.
	Value float64

	// Factor is the single-round reduction factor.
	Factor float64

	// Available is false when no closed form applies.
	Available bool

	// Approximate is true when Value extends the single-round factor
	// over several rounds for more than two processes.
	Approximate bool

	// Reason explains an unavailable or approximate estimate.
	Reason string
}

// Unavailable returns an estimate with no value.
func Unavailable(reason string) Estimate {
	return Estimate{Available: false, Reason: reason, Value: math.NaN(), Factor: math.NaN()}
}

// Float64 returns the value and whether it is available.
func (e Estimate) Float64() (float64, bool) {
	if !e.Available {
		return 0, false
	}
	return e.Value, true
}

// Scale multiplies an available estimate by the initial discrepancy.
func (e Estimate) Scale(d float64) Estimate {
	if !e.Available {
		return e
	}
	e.Value *= d
	return e
}

func (e Estimate) String() string {
	switch {
	case !e.Available:
		return "unavailable (" + e.Reason + ")"
	case e.Approximate:
		return fmt.Sprintf("%.6g (approx.)", e.Value)
	}
	return fmt.Sprintf("%.6g", e.Value)
}

// Query selects a formula.
type Query struct {
	P         float64
	Algorithm sim.Algorithm
	Rounds    int

	// N is the number of processes.
	N int

	// M is the number of processes initially at 0; the other N-M start
	// at 1. It must lie in [1, N-1].
	M int

	// MeetingPoint is the AMP meeting point on the normalised [0,1]
	// scale. It only enters the n-process AMP formula.
	MeetingPoint float64

	// MinDelivered > 0 asks for the conditioned (guaranteed-progress)
	// variant.
	MinDelivered int
}

// Validate checks q.
func (q Query) Validate() error {
	switch {
	case math.IsNaN(q.P) || q.P < 0 || q.P > 1:
		return fmt.Errorf("%w: probability %v outside [0,1]", ErrInvalidParameter, q.P)
	case !q.Algorithm.Valid():
		return fmt.Errorf("%w: algorithm %d", ErrInvalidParameter, int(q.Algorithm))
	case q.N < 2:
		return fmt.Errorf("%w: %d processes, need at least 2", ErrInvalidParameter, q.N)
	case q.Rounds < 0:
		return fmt.Errorf("%w: rounds %d < 0", ErrInvalidParameter, q.Rounds)
	case q.M < 1 || q.M >= q.N:
		return fmt.Errorf("%w: m=%d must be in [1,%d]", ErrInvalidParameter, q.M, q.N-1)
	case q.MinDelivered < 0:
		return fmt.Errorf("%w: min delivered %d < 0", ErrInvalidParameter, q.MinDelivered)
	case q.MinDelivered > 0 && !q.Algorithm.HasClosedForm():
		return fmt.Errorf("%w: no conditioned formula for %v", ErrInvalidParameter, q.Algorithm)
	case q.Algorithm == sim.AMP && (math.IsNaN(q.MeetingPoint) || q.MeetingPoint < 0 || q.MeetingPoint > 1):
		return fmt.Errorf("%w: meeting point %v outside [0,1]", ErrInvalidParameter, q.MeetingPoint)
	}
	return nil
}

// Calculator evaluates formulas at a fixed decimal precision. It is safe
// for concurrent use.
type Calculator struct {
	nc *numeric.Context
}

func NewCalculator(cfg numeric.Config) (*Calculator, error) {
	nc, err := numeric.New(cfg)
	if err != nil {
		return nil, err
	}
	return &Calculator{nc: nc}, nil
}

// Numeric returns the calculator's decimal context.
func (c *Calculator) Numeric() *numeric.Context {
	return c.nc
}

// ExpectedDiscrepancy is Expected for an unconditioned query.
func (c *Calculator) ExpectedDiscrepancy(p float64, alg sim.Algorithm, rounds, n, m int, a float64) (Estimate, error) {
	return c.Expected(Query{P: p, Algorithm: alg, Rounds: rounds, N: n, M: m, MeetingPoint: a})
}

// Expected returns the expected discrepancy after q.Rounds rounds.
func (c *Calculator) Expected(q Query) (Estimate, error) {
	if err := q.Validate(); err != nil {
		return Estimate{}, err
	}
	if !q.Algorithm.HasClosedForm() {
		return Unavailable(fmt.Sprintf("no closed form for %v", q.Algorithm)), nil
	}

	e := c.nc.Eval()
	var (
		factor *apd.Decimal
		reason string
	)
	if q.MinDelivered > 0 {
		factor, reason = c.conditionedFactor(e, q)
	} else {
		factor = c.singleRoundFactor(e, q)
	}
	if factor == nil {
		return Unavailable(reason), nil
	}

	value := e.Pow(factor, q.Rounds)
	f, err := e.Result(factor)
	if err != nil {
		return Estimate{}, fmt.Errorf("single-round factor: %w", err)
	}
	v, err := e.Result(value)
	if err != nil {
		return Estimate{}, fmt.Errorf("multi-round value: %w", err)
	}

	est := Estimate{Value: v, Factor: f, Available: true}
	if q.N > 2 && q.Rounds > 1 {
		est.Approximate = true
		est.Reason = "factor^k assumes the configuration stays two-valued, which only holds for n=2"
	}
	return est, nil
}

// singleRoundFactor is the unconditioned one-round expected discrepancy.
//
//	A = (1-q^(n-m))^m   all low processes hear a high value
//	B = (1-q^m)^(n-m)   all high processes hear a low value
//	C = q^(m(n-m))      no cross message at all
//	AMP(a) = 1 - (a·A + (1-a)·B)
//	FV     = 1 - C·(A+B)
//
// For n=2 these reduce to q and p²+q².
func (c *Calculator) singleRoundFactor(e *numeric.Eval, q Query) *apd.Decimal {
	n, m := q.N, q.M
	one := e.One()
	p := e.Float(q.P)
	qq := e.Sub(one, p)

	if n == 2 {
		switch q.Algorithm {
		case sim.AMP:
			return qq
		case sim.FV:
			return e.Add(e.Mul(p, p), e.Mul(qq, qq))
		}
	}

	a := e.Pow(e.Sub(one, e.Pow(qq, n-m)), m)
	b := e.Pow(e.Sub(one, e.Pow(qq, m)), n-m)
	switch q.Algorithm {
	case sim.AMP:
		meet := e.Float(q.MeetingPoint)
		return e.Sub(one, e.Add(e.Mul(meet, a), e.Mul(e.Sub(one, meet), b)))
	case sim.FV:
		cc := e.Pow(qq, m*(n-m))
		return e.Sub(one, e.Mul(cc, e.Add(a, b)))
	}
	panic(fmt.Sprintf("theory: no formula for %v", q.Algorithm))
}

// conditionedFactor is the one-round expected discrepancy given at least
// q.MinDelivered deliveries. With Z = 1-q²:
//
//	AMP = pq/Z   FV = p²/Z   (n=2, k=1)
//
// and when k covers every message, AMP always meets (0) and two-process
// FV always swaps (1).
func (c *Calculator) conditionedFactor(e *numeric.Eval, q Query) (*apd.Decimal, string) {
	total := q.N * (q.N - 1)
	k := q.MinDelivered

	switch {
	case k > total:
		return nil, fmt.Sprintf("at least %d of %d messages can never be delivered", k, total)
	case k == total && q.Algorithm == sim.AMP:
		return e.Int(0), ""
	case k == total && q.Algorithm == sim.FV && q.N == 2:
		return e.One(), ""
	case q.N != 2 || k != 1:
		return nil, fmt.Sprintf("no conditioned closed form for n=%d, k=%d", q.N, k)
	case q.P == 0:
		return nil, "at least one delivery is impossible at p=0"
	}

	one := e.One()
	p := e.Float(q.P)
	qq := e.Sub(one, p)
	z := e.Sub(one, e.Mul(qq, qq))
	switch q.Algorithm {
	case sim.AMP:
		return e.Quo(e.Mul(p, qq), z), ""
	case sim.FV:
		return e.Quo(e.Mul(p, p), z), ""
	}
	panic(fmt.Sprintf("theory: no conditioned formula for %v", q.Algorithm))
}

// BestConditionedFactor is the smaller of the conditioned two-process AMP
// and FV factors at p: the guarantee obtained by running whichever rule is
// better for the channel. It never exceeds 1/3 and reaches it at p=0.5,
// where both rules coincide.
func (c *Calculator) BestConditionedFactor(p float64) (float64, error) {
	if math.IsNaN(p) || p <= 0 || p > 1 {
		return 0, fmt.Errorf("%w: probability %v outside (0,1]", ErrInvalidParameter, p)
	}
	e := c.nc.Eval()
	amp, _ := c.conditionedFactor(e, Query{P: p, Algorithm: sim.AMP, N: 2, M: 1, MinDelivered: 1})
	fv, _ := c.conditionedFactor(e, Query{P: p, Algorithm: sim.FV, N: 2, M: 1, MinDelivered: 1})
	return e.Result(e.Min(amp, fv))
}
