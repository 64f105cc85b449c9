// Package sim executes randomized approximate-agreement rounds over an
// unreliable broadcast channel.
//
// A round has two phases. In the message phase every ordered pair of
// distinct processes (i, j) independently delivers v[i] to j with
// probability p. In the update phase each process applies the combining
// rule of the selected Algorithm to what it received. Messages are an
// in-process abstraction: nothing leaves the goroutine running the round.
//
// Values are Points. A scalar value is a one-dimensional Point, so the
// scalar protocol and its vector extension share one engine: AMP and FV
// treat a Point as a unit, MIN and RECURSIVE-AMP work coordinate by
// coordinate.
//
// A Simulator is not safe for concurrent use. Run independent repetitions
// on independent Simulators.
package sim

import (
	"errors"
	"fmt"
	"math"
	"slices"
	"strings"
)

var (
	// ErrInvalidParameter reports an input outside the model's domain:
	// a probability outside [0,1], fewer than two processes, negative
	// rounds, mismatched dimensions or an unknown algorithm.
	ErrInvalidParameter = errors.New("invalid parameter")

	// ErrConditioningUnmet reports that rejection sampling exhausted its
	// attempt budget. The round result is still usable as a best-effort,
	// unconditioned draw.
	ErrConditioningUnmet = errors.New("delivery condition not met")
)

// DefaultEpsilon is the tolerance below which two values are equal.
const DefaultEpsilon = 1e-9

// --- Values ---

// Point is a process value. Scalars are points of dimension one.
type Point []float64

// Clone returns an unaliased copy of p.
func (p Point) Clone() Point {
	return slices.Clone(p)
}

// Scalars wraps scalar values as one-dimensional points.
func Scalars(values []float64) []Point {
	out := make([]Point, len(values))
	for i, v := range values {
		out[i] = Point{v}
	}
	return out
}

// Values returns the first coordinate of every point.
func Values(points []Point) []float64 {
	out := make([]float64, len(points))
	for i, p := range points {
		if len(p) > 0 {
			out[i] = p[0]
		}
	}
	return out
}

func clonePoints(points []Point) []Point {
	out := make([]Point, len(points))
	for i, p := range points {
		out[i] = p.Clone()
	}
	return out
}

// --- Algorithms ---

// Algorithm selects the combining rule applied in the update phase.
type Algorithm int

const (
	// AMP jumps to the meeting point on seeing any differing value.
	AMP Algorithm = iota
	// FV adopts the first differing value received.
	FV
	// MIN only accumulates known values and decides their minimum after
	// the final round.
	MIN
	// RecursiveAMP moves a fraction of the locally observed range.
	RecursiveAMP
)

var algorithmNames = [...]string{
	AMP:          "amp",
	FV:           "fv",
	MIN:          "min",
	RecursiveAMP: "recursive-amp",
}

func (a Algorithm) String() string {
	if !a.Valid() {
		return fmt.Sprintf("Algorithm(%d)", int(a))
	}
	return algorithmNames[a]
}

// Valid reports whether a is one of the defined algorithms.
func (a Algorithm) Valid() bool {
	return a >= AMP && a <= RecursiveAMP
}

// HasClosedForm reports whether the theory package can evaluate a.
func (a Algorithm) HasClosedForm() bool {
	return a == AMP || a == FV
}

// TerminalDecision reports whether a decides only after the last round.
func (a Algorithm) TerminalDecision() bool {
	return a == MIN
}

// ParseAlgorithm accepts the names printed by String, case-insensitively,
// plus "recursive_amp" and "ramp".
func ParseAlgorithm(s string) (Algorithm, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "amp":
		return AMP, nil
	case "fv":
		return FV, nil
	case "min":
		return MIN, nil
	case "recursive-amp", "recursive_amp", "ramp":
		return RecursiveAMP, nil
	}
	return 0, fmt.Errorf("%w: unknown algorithm %q", ErrInvalidParameter, s)
}

// MarshalText implements encoding.TextMarshaler.
func (a Algorithm) MarshalText() ([]byte, error) {
	if !a.Valid() {
		return nil, fmt.Errorf("%w: algorithm %d", ErrInvalidParameter, int(a))
	}
	return []byte(a.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (a *Algorithm) UnmarshalText(b []byte) error {
	v, err := ParseAlgorithm(string(b))
	if err != nil {
		return err
	}
	*a = v
	return nil
}

// Params are the algorithm parameters of a round.
type Params struct {
	Algorithm Algorithm

	// MeetingPoint is the AMP target, and the fraction of the observed
	// range moved by RecursiveAMP. A single value applies to every
	// dimension; otherwise it needs one value per dimension.
	//
	// The AMP target is a position in value space and may be any finite
	// value. The RecursiveAMP fraction must lie in [0,1].
	MeetingPoint Point

	// Epsilon is the equality tolerance. Zero selects DefaultEpsilon.
	Epsilon float64
}

// DefaultParams returns params for alg with meeting point 0.5.
func DefaultParams(alg Algorithm) Params {
	return Params{Algorithm: alg, MeetingPoint: Point{0.5}, Epsilon: DefaultEpsilon}
}

func (p Params) epsilon() float64 {
	if p.Epsilon <= 0 {
		return DefaultEpsilon
	}
	return p.Epsilon
}

// meetingPoint expands MeetingPoint to dims coordinates.
func (p Params) meetingPoint(dims int) Point {
	if len(p.MeetingPoint) == dims {
		return p.MeetingPoint.Clone()
	}
	out := make(Point, dims)
	for i := range out {
		out[i] = p.MeetingPoint[0]
	}
	return out
}

// Validate checks p against points of dimension dims.
func (p Params) Validate(dims int) error {
	if !p.Algorithm.Valid() {
		return fmt.Errorf("%w: algorithm %d", ErrInvalidParameter, int(p.Algorithm))
	}
	if math.IsNaN(p.Epsilon) || p.Epsilon < 0 {
		return fmt.Errorf("%w: epsilon %v", ErrInvalidParameter, p.Epsilon)
	}
	if p.Algorithm == AMP || p.Algorithm == RecursiveAMP {
		if len(p.MeetingPoint) != 1 && len(p.MeetingPoint) != dims {
			return fmt.Errorf("%w: meeting point has %d coordinates, want 1 or %d",
				ErrInvalidParameter, len(p.MeetingPoint), dims)
		}
		for _, a := range p.MeetingPoint {
			if math.IsNaN(a) || math.IsInf(a, 0) {
				return fmt.Errorf("%w: meeting point %v", ErrInvalidParameter, p.MeetingPoint)
			}
			if p.Algorithm == RecursiveAMP && (a < 0 || a > 1) {
				return fmt.Errorf("%w: recursive AMP fraction %v outside [0,1]", ErrInvalidParameter, a)
			}
		}
	}
	return nil
}

// ValidateProbability checks that p lies in [0,1].
func ValidateProbability(p float64) error {
	if math.IsNaN(p) || p < 0 || p > 1 {
		return fmt.Errorf("%w: probability %v outside [0,1]", ErrInvalidParameter, p)
	}
	return nil
}

// validateValues checks the process count and returns the common dimension.
func validateValues(values []Point) (int, error) {
	if len(values) < 2 {
		return 0, fmt.Errorf("%w: %d processes, need at least 2", ErrInvalidParameter, len(values))
	}
	dims := len(values[0])
	if dims == 0 {
		return 0, fmt.Errorf("%w: empty value for process 0", ErrInvalidParameter)
	}
	for i, v := range values {
		if len(v) != dims {
			return 0, fmt.Errorf("%w: process %d has %d coordinates, want %d",
				ErrInvalidParameter, i, len(v), dims)
		}
		for _, x := range v {
			if math.IsNaN(x) || math.IsInf(x, 0) {
				return 0, fmt.Errorf("%w: process %d has non-finite value %v", ErrInvalidParameter, i, v)
			}
		}
	}
	return dims, nil
}

// --- Messages ---

// Message is one directed link's outcome in one round.
type Message struct {
	From      int
	To        int
	Value     Point
	Delivered bool
}

// --- Known values (MIN) ---

// KnownSet is the set of values a process has ever known, kept per
// coordinate. Add returns a new set; a KnownSet is never mutated after it
// has been handed to a caller.
type KnownSet struct {
	coords [][]float64
}

// NewKnownSet returns the set holding only own.
func NewKnownSet(own Point) KnownSet {
	coords := make([][]float64, len(own))
	for c, x := range own {
		coords[c] = []float64{x}
	}
	return KnownSet{coords: coords}
}

// InitialKnownSets seeds one set per process with its own value.
func InitialKnownSets(values []Point) []KnownSet {
	out := make([]KnownSet, len(values))
	for i, v := range values {
		out[i] = NewKnownSet(v)
	}
	return out
}

// With returns a copy of k that also contains every coordinate of pts.
func (k KnownSet) With(pts ...Point) KnownSet {
	coords := make([][]float64, len(k.coords))
	for c, vals := range k.coords {
		next := slices.Clone(vals)
		for _, p := range pts {
			if c < len(p) && !slices.Contains(next, p[c]) {
				next = append(next, p[c])
			}
		}
		coords[c] = next
	}
	return KnownSet{coords: coords}
}

// Dims is the number of coordinates tracked.
func (k KnownSet) Dims() int {
	return len(k.coords)
}

// Len is the number of distinct values known for coordinate c.
func (k KnownSet) Len(c int) int {
	return len(k.coords[c])
}

// Values returns the known values of coordinate c in ascending order.
func (k KnownSet) Values(c int) []float64 {
	out := slices.Clone(k.coords[c])
	slices.Sort(out)
	return out
}

// Min returns the per-coordinate minimum.
func (k KnownSet) Min() Point {
	out := make(Point, len(k.coords))
	for c, vals := range k.coords {
		out[c] = slices.Min(vals)
	}
	return out
}

// Decide returns the MIN decision of every process.
func Decide(known []KnownSet) []Point {
	out := make([]Point, len(known))
	for i, k := range known {
		out[i] = k.Min()
	}
	return out
}
