package sim

import (
	"fmt"
	"math"
	"strings"
)

// Metric measures the distance between two points. For one-dimensional
// points every metric is the absolute difference.
type Metric int

const (
	Euclidean Metric = iota
	Manhattan
	Chebyshev
)

func (m Metric) String() string {
	switch m {
	case Euclidean:
		return "euclidean"
	case Manhattan:
		return "manhattan"
	case Chebyshev:
		return "chebyshev"
	}
	return fmt.Sprintf("Metric(%d)", int(m))
}

// ParseMetric accepts metric names and the norms l1, l2 and linf.
func ParseMetric(s string) (Metric, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "euclidean", "l2":
		return Euclidean, nil
	case "manhattan", "l1":
		return Manhattan, nil
	case "chebyshev", "linf", "max":
		return Chebyshev, nil
	}
	return 0, fmt.Errorf("%w: unknown metric %q", ErrInvalidParameter, s)
}

// Distance returns the distance between a and b, which must have the same
// dimension.
func (m Metric) Distance(a, b Point) float64 {
	if len(a) == 1 {
		return math.Abs(a[0] - b[0])
	}
	var d float64
	switch m {
	case Manhattan:
		for i := range a {
			d += math.Abs(a[i] - b[i])
		}
	case Chebyshev:
		for i := range a {
			d = math.Max(d, math.Abs(a[i]-b[i]))
		}
	default:
		for i := range a {
			x := a[i] - b[i]
			d += x * x
		}
		d = math.Sqrt(d)
	}
	return d
}

// Discrepancy is the maximum pairwise distance among values. It is always
// computed from scratch.
func Discrepancy(values []Point, m Metric) float64 {
	var worst float64
	for i := 0; i < len(values); i++ {
		for j := i + 1; j < len(values); j++ {
			if d := m.Distance(values[i], values[j]); d > worst {
				worst = d
			}
		}
	}
	return worst
}
