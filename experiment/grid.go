package experiment

import (
	"fmt"
	"math"
)

// ProbabilityGrid returns from, from+step, ... up to and including to
// (within half a step of rounding). Points are computed by index, not
// accumulated, so 0.1 steps do not drift.
func ProbabilityGrid(from, to, step float64) ([]float64, error) {
	switch {
	case math.IsNaN(from) || math.IsNaN(to) || math.IsNaN(step):
		return nil, fmt.Errorf("%w: NaN in grid", ErrInvalidConfig)
	case from < 0 || to > 1 || from > to:
		return nil, fmt.Errorf("%w: grid [%v,%v] not within [0,1]", ErrInvalidConfig, from, to)
	case step <= 0:
		return nil, fmt.Errorf("%w: step %v must be positive", ErrInvalidConfig, step)
	}

	n := int(math.Floor((to-from)/step+1e-9)) + 1
	grid := make([]float64, 0, n)
	for i := 0; i < n; i++ {
		p := from + float64(i)*step
		p = math.Round(p*1e12) / 1e12
		grid = append(grid, min(p, 1))
	}
	return grid, nil
}
