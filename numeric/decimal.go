// Package numeric holds the exact decimal arithmetic used wherever float64
// cancellation would corrupt a comparison: closed-form discrepancy formulas
// evaluated at probabilities near 0 or 1, and error-vs-theory checks near 0.
//
// A Context is built once from an immutable Config and is safe for
// concurrent use. Each computation takes its own Eval, which carries a
// sticky error in the manner of bufio.Scanner so that formula code can be
// written as a straight sequence of operations and checked once at the end.
//
// Bulk Monte Carlo sampling stays in float64; statistical noise dominates
// rounding error there.
package numeric

import (
	"errors"
	"fmt"
	"math"

	"github.com/cockroachdb/apd/v3"
)

// ErrInvalidConfig is returned by New for an unusable precision.
var ErrInvalidConfig = errors.New("invalid numeric config")

const (
	// DefaultPrecision is the number of significant decimal digits.
	DefaultPrecision = 50

	// MaxPrecision bounds the cost of a single Pow.
	MaxPrecision = 1000
)

// Config fixes the precision of a Context. It is copied into the Context
// on construction and never read again.
type Config struct {
	Precision uint32 `yaml:"precision" validate:"gte=0,lte=1000"`
}

// DefaultConfig returns a Config with DefaultPrecision.
func DefaultConfig() Config {
	return Config{Precision: DefaultPrecision}
}

// Context performs decimal arithmetic at a fixed precision.
type Context struct {
	precision uint32
	ctx       *apd.Context
}

// New builds a Context. A zero Precision selects DefaultPrecision.
func New(cfg Config) (*Context, error) {
	prec := cfg.Precision
	if prec == 0 {
		prec = DefaultPrecision
	}
	if prec > MaxPrecision {
		return nil, fmt.Errorf("%w: precision %d exceeds %d", ErrInvalidConfig, prec, MaxPrecision)
	}
	ctx := apd.BaseContext.WithPrecision(prec)
	// Vanishing powers like q^(m(n-m)) at large n round to zero, which is
	// the right answer here, not a fault.
	ctx.Traps &^= apd.Underflow | apd.Subnormal
	return &Context{precision: prec, ctx: ctx}, nil
}

// MustNew is New for package-level defaults and tests.
func MustNew(cfg Config) *Context {
	c, err := New(cfg)
	if err != nil {
		panic(err)
	}
	return c
}

// Precision reports the configured number of significant digits.
func (c *Context) Precision() uint32 {
	return c.precision
}

// Eval starts a new computation.
func (c *Context) Eval() *Eval {
	return &Eval{ctx: c.ctx}
}

// NearZero reports whether |x| < eps, compared exactly.
func (c *Context) NearZero(x, eps float64) bool {
	e := c.Eval()
	lt := e.Cmp(e.Abs(e.Float(x)), e.Float(eps)) < 0
	if e.Err() != nil {
		return math.Abs(x) < eps
	}
	return lt
}

// RelativeError returns |experimental - theoretical| / |theoretical|.
// The caller must rule out a zero theoretical value first.
func (c *Context) RelativeError(experimental, theoretical float64) (float64, error) {
	e := c.Eval()
	th := e.Float(theoretical)
	diff := e.Abs(e.Sub(e.Float(experimental), th))
	return e.Result(e.Quo(diff, e.Abs(th)))
}

// Sum adds samples exactly and rounds once at the end.
func (c *Context) Sum(samples []float64) (float64, error) {
	e := c.Eval()
	acc := e.Int(0)
	for _, s := range samples {
		acc = e.Add(acc, e.Float(s))
	}
	return e.Result(acc)
}

// Eval is a single computation with a sticky error. Once an operation
// fails every later operation returns zero and Err reports the first
// failure. An Eval must not be shared between goroutines.
type Eval struct {
	ctx *apd.Context
	err error
}

// Err returns the first error encountered, if any.
func (e *Eval) Err() error {
	return e.err
}

func (e *Eval) fail(op string, err error) *apd.Decimal {
	if e.err == nil {
		e.err = fmt.Errorf("decimal %s: %w", op, err)
	}
	return new(apd.Decimal)
}

// Float converts f exactly through its shortest decimal representation.
func (e *Eval) Float(f float64) *apd.Decimal {
	if e.err != nil {
		return new(apd.Decimal)
	}
	if math.IsNaN(f) || math.IsInf(f, 0) {
		return e.fail("from float", fmt.Errorf("non-finite value %v", f))
	}
	d, err := new(apd.Decimal).SetFloat64(f)
	if err != nil {
		return e.fail("from float", err)
	}
	return d
}

// Int returns i as a decimal.
func (e *Eval) Int(i int64) *apd.Decimal {
	return apd.New(i, 0)
}

// One returns 1.
func (e *Eval) One() *apd.Decimal {
	return apd.New(1, 0)
}

type binop func(d, x, y *apd.Decimal) (apd.Condition, error)

func (e *Eval) apply(op string, f binop, x, y *apd.Decimal) *apd.Decimal {
	if e.err != nil {
		return new(apd.Decimal)
	}
	d := new(apd.Decimal)
	if _, err := f(d, x, y); err != nil {
		return e.fail(op, err)
	}
	return d
}

// Add returns x + y.
func (e *Eval) Add(x, y *apd.Decimal) *apd.Decimal {
	return e.apply("add", e.ctx.Add, x, y)
}

// Sub returns x - y.
func (e *Eval) Sub(x, y *apd.Decimal) *apd.Decimal {
	return e.apply("sub", e.ctx.Sub, x, y)
}

// Mul returns x * y.
func (e *Eval) Mul(x, y *apd.Decimal) *apd.Decimal {
	return e.apply("mul", e.ctx.Mul, x, y)
}

// Quo returns x / y. Division by zero is an error.
func (e *Eval) Quo(x, y *apd.Decimal) *apd.Decimal {
	return e.apply("quo", e.ctx.Quo, x, y)
}

// Pow returns x^k for a non-negative integer k. x^0 is 1 for every x,
// including 0.
func (e *Eval) Pow(x *apd.Decimal, k int) *apd.Decimal {
	if e.err != nil {
		return new(apd.Decimal)
	}
	switch {
	case k < 0:
		return e.fail("pow", fmt.Errorf("negative exponent %d", k))
	case k == 0:
		return e.One()
	case x.IsZero():
		return new(apd.Decimal)
	}
	return e.apply("pow", e.ctx.Pow, x, apd.New(int64(k), 0))
}

// Abs returns |x|.
func (e *Eval) Abs(x *apd.Decimal) *apd.Decimal {
	if e.err != nil {
		return new(apd.Decimal)
	}
	d := new(apd.Decimal)
	if _, err := e.ctx.Abs(d, x); err != nil {
		return e.fail("abs", err)
	}
	return d
}

// Min returns the smaller of x and y.
func (e *Eval) Min(x, y *apd.Decimal) *apd.Decimal {
	if x.Cmp(y) <= 0 {
		return x
	}
	return y
}

// Cmp compares x and y.
func (e *Eval) Cmp(x, y *apd.Decimal) int {
	return x.Cmp(y)
}

// Result rounds d to float64 and reports any error from the computation.
func (e *Eval) Result(d *apd.Decimal) (float64, error) {
	if e.err != nil {
		return 0, e.err
	}
	f, err := d.Float64()
	if err != nil {
		return 0, fmt.Errorf("decimal to float: %w", err)
	}
	return f, nil
}
