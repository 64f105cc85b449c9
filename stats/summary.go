// Package stats summarises repeated final-discrepancy samples and compares
// them with a theoretical value.
package stats

import (
	"errors"
	"fmt"
	"math"
	"slices"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/stat"

	"approx-agreement-simulation/numeric"
	"approx-agreement-simulation/theory"
)

// ErrNoSamples is returned when there is nothing to summarise.
var ErrNoSamples = errors.New("no samples")

const (
	// Z95 is the two-sided 95% normal quantile.
	Z95 = 1.96

	// NearZero is the threshold under which a mean or theoretical value
	// counts as zero for relative error.
	NearZero = 1e-12
)

// ErrorStatus says how the error against theory was obtained.
type ErrorStatus int

const (
	// ErrorUnavailable: no theoretical value to compare with.
	ErrorUnavailable ErrorStatus = iota
	// ErrorComputed: absolute and relative error are both meaningful.
	ErrorComputed
	// ErrorBothNearZero: theory and mean are both ≈0, so they agree and
	// no percentage is reported.
	ErrorBothNearZero
	// ErrorTheoryZero: theory is ≈0 but the mean is not, so a relative
	// error is undefined.
	ErrorTheoryZero
)

func (s ErrorStatus) String() string {
	switch s {
	case ErrorUnavailable:
		return "unavailable"
	case ErrorComputed:
		return "computed"
	case ErrorBothNearZero:
		return "both≈0"
	case ErrorTheoryZero:
		return "theory≈0"
	}
	return fmt.Sprintf("ErrorStatus(%d)", int(s))
}

func (s ErrorStatus) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// Summary describes N samples of one configuration. AbsError and
// RelError are NaN when there is nothing to compare.
type Summary struct {
	N      int
	Mean   float64
	Median float64
	Min    float64
	Max    float64
	StdDev float64
	StdErr float64
	CILow  float64
	CIHigh float64

	Theory      theory.Estimate
	AbsError    float64
	RelError    float64
	ErrorStatus ErrorStatus
}

// RelErrorString formats the relative error for display.
func (s Summary) RelErrorString() string {
	switch s.ErrorStatus {
	case ErrorComputed:
		return fmt.Sprintf("%.2f%%", 100*s.RelError)
	case ErrorBothNearZero:
		return "both≈0"
	case ErrorTheoryZero:
		return "n/a (theory≈0)"
	}
	return "-"
}

// Aggregate summarises samples. th may be unavailable, in which case the
// error fields are NaN and ErrorStatus is ErrorUnavailable. A nil nc uses
// the default precision. samples is not modified.
func Aggregate(samples []float64, th theory.Estimate, nc *numeric.Context) (Summary, error) {
	if len(samples) == 0 {
		return Summary{}, ErrNoSamples
	}
	for i, x := range samples {
		if math.IsNaN(x) || math.IsInf(x, 0) {
			return Summary{}, fmt.Errorf("sample %d is %v", i, x)
		}
	}
	if nc == nil {
		nc = numeric.MustNew(numeric.DefaultConfig())
	}

	n := len(samples)
	sum, err := nc.Sum(samples)
	if err != nil {
		return Summary{}, fmt.Errorf("sum samples: %w", err)
	}

	s := Summary{
		N:      n,
		Mean:   sum / float64(n),
		Median: Median(samples),
		Min:    floats.Min(samples),
		Max:    floats.Max(samples),
		Theory: th,
	}
	if n > 1 {
		s.StdDev = stat.StdDev(samples, nil)
	}
	s.StdErr = s.StdDev / math.Sqrt(float64(n))
	s.CILow = s.Mean - Z95*s.StdErr
	s.CIHigh = s.Mean + Z95*s.StdErr

	if err := s.compare(nc); err != nil {
		return Summary{}, err
	}
	return s, nil
}

func (s *Summary) compare(nc *numeric.Context) error {
	tv, ok := s.Theory.Float64()
	if !ok {
		s.AbsError, s.RelError = math.NaN(), math.NaN()
		s.ErrorStatus = ErrorUnavailable
		return nil
	}
	s.AbsError = math.Abs(s.Mean - tv)

	switch {
	case nc.NearZero(tv, NearZero) && nc.NearZero(s.Mean, NearZero):
		s.RelError = 0
		s.ErrorStatus = ErrorBothNearZero
	case nc.NearZero(tv, NearZero):
		s.RelError = math.NaN()
		s.ErrorStatus = ErrorTheoryZero
	default:
		rel, err := nc.RelativeError(s.Mean, tv)
		if err != nil {
			return fmt.Errorf("relative error: %w", err)
		}
		s.RelError = rel
		s.ErrorStatus = ErrorComputed
	}
	return nil
}

// Median returns the middle sample, or the mean of the two middle samples
// when len(samples) is even. It returns NaN for no samples.
func Median(samples []float64) float64 {
	n := len(samples)
	if n == 0 {
		return math.NaN()
	}
	sorted := slices.Clone(samples)
	slices.Sort(sorted)
	if n%2 == 1 {
		return sorted[n/2]
	}
	return (sorted[n/2-1] + sorted[n/2]) / 2
}
