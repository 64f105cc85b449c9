package sim

import (
	"fmt"
	"math/rand/v2"
	"strings"
)

// --- Vector initial configurations ---

// Pattern generates an initial configuration of points in the unit
// hypercube.
type Pattern int

const (
	// Corners places process i on corner i mod 2^dims, reading the
	// corner's coordinates from the bits of the index.
	Corners Pattern = iota
	// Uniform draws every coordinate uniformly from [0,1).
	Uniform
	// Centroid puts process 0 at the centre and processes 1, 2, ... on
	// corners 0, 1, ...
	Centroid
	// Line spaces the processes evenly along the main diagonal from the
	// origin to (1,...,1).
	Line
)

func (p Pattern) String() string {
	switch p {
	case Corners:
		return "corners"
	case Uniform:
		return "uniform"
	case Centroid:
		return "centroid"
	case Line:
		return "line"
	}
	return fmt.Sprintf("Pattern(%d)", int(p))
}

func ParsePattern(s string) (Pattern, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "corners":
		return Corners, nil
	case "uniform", "random":
		return Uniform, nil
	case "centroid":
		return Centroid, nil
	case "line":
		return Line, nil
	}
	return 0, fmt.Errorf("%w: unknown pattern %q", ErrInvalidParameter, s)
}

// GeneratePoints builds n points of dimension dims. src is only consumed by
// Uniform.
func GeneratePoints(pattern Pattern, n, dims int, src rand.Source) ([]Point, error) {
	if n < 2 {
		return nil, fmt.Errorf("%w: %d processes, need at least 2", ErrInvalidParameter, n)
	}
	if dims < 1 {
		return nil, fmt.Errorf("%w: dimension %d", ErrInvalidParameter, dims)
	}

	pts := make([]Point, n)
	switch pattern {
	case Corners:
		for i := range pts {
			pts[i] = corner(i, dims)
		}
	case Uniform:
		if src == nil {
			return nil, fmt.Errorf("%w: uniform pattern needs a random source", ErrInvalidParameter)
		}
		r := rand.New(src)
		for i := range pts {
			p := make(Point, dims)
			for c := range p {
				p[c] = r.Float64()
			}
			pts[i] = p
		}
	case Centroid:
		centre := make(Point, dims)
		for c := range centre {
			centre[c] = 0.5
		}
		pts[0] = centre
		for i := 1; i < n; i++ {
			pts[i] = corner(i-1, dims)
		}
	case Line:
		for i := range pts {
			t := float64(i) / float64(n-1)
			p := make(Point, dims)
			for c := range p {
				p[c] = t
			}
			pts[i] = p
		}
	default:
		return nil, fmt.Errorf("%w: pattern %d", ErrInvalidParameter, int(pattern))
	}
	return pts, nil
}

func corner(i, dims int) Point {
	p := make(Point, dims)
	if dims < 63 {
		i %= 1 << dims
	}
	for c := range p {
		if c < 63 && i&(1<<c) != 0 {
			p[c] = 1
		}
	}
	return p
}
