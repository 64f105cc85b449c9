package stats

import "math"

// OnlineStats tracks a running mean and variance (Welford). The zero value
// is ready to use.
type OnlineStats struct {
	n    int
	mean float64
	m2   float64 // sum of squared differences from the mean
}

func (s *OnlineStats) Add(x float64) {
	s.n++
	delta := x - s.mean
	s.mean += delta / float64(s.n)
	s.m2 += delta * (x - s.mean)
}

func (s *OnlineStats) N() int {
	return s.n
}

func (s *OnlineStats) Mean() float64 {
	return s.mean
}

// Variance is Bessel-corrected and 0 below two samples.
func (s *OnlineStats) Variance() float64 {
	if s.n < 2 {
		return 0
	}
	return s.m2 / float64(s.n-1)
}

func (s *OnlineStats) StdDev() float64 {
	return math.Sqrt(s.Variance())
}

// StdErr is +Inf below two samples, so a precision target is never met
// by a single draw.
func (s *OnlineStats) StdErr() float64 {
	if s.n < 2 {
		return math.Inf(1)
	}
	return s.StdDev() / math.Sqrt(float64(s.n))
}

// Converged reports whether the 95% half-width is within tol.
func (s *OnlineStats) Converged(tol float64) bool {
	return Z95*s.StdErr() <= tol
}
