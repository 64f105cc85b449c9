package sim

import (
	"fmt"
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var allAlgorithms = []Algorithm{AMP, FV, MIN, RecursiveAMP}

func TestRound_ZeroProbabilityIsNoOp(t *testing.T) {
	initial := Scalars([]float64{0, 0.25, 1, 0.6})
	for _, alg := range allAlgorithms {
		t.Run(alg.String(), func(t *testing.T) {
			s := NewSimulator(1)
			res, err := s.Round(initial, 0, DefaultParams(alg), nil)
			require.NoError(t, err)

			assert.Equal(t, initial, res.Values)
			assert.Equal(t, 0, res.Delivered)
			assert.Len(t, res.Messages, 4*3)
			for _, m := range res.Messages {
				assert.False(t, m.Delivered)
			}
			assert.Equal(t, 1.0, res.Discrepancy)
		})
	}
}

func TestRound_FullDeliveryTwoProcesses(t *testing.T) {
	initial := Scalars([]float64{0, 1})
	tests := []struct {
		alg      Algorithm
		meet     float64
		want     []float64
		wantDisc float64
	}{
		{AMP, 0.5, []float64{0.5, 0.5}, 0},
		{AMP, 0.2, []float64{0.2, 0.2}, 0},
		{FV, 0.5, []float64{1, 0}, 1},
		{MIN, 0.5, []float64{0, 1}, 1},
		{RecursiveAMP, 0.25, []float64{0.25, 0.25}, 0},
	}
	for _, tt := range tests {
		t.Run(fmt.Sprintf("%v/a=%v", tt.alg, tt.meet), func(t *testing.T) {
			s := NewSimulator(7)
			params := Params{Algorithm: tt.alg, MeetingPoint: Point{tt.meet}}
			res, err := s.Round(initial, 1, params, nil)
			require.NoError(t, err)

			assert.Equal(t, 2, res.Delivered)
			assert.InDeltaSlice(t, tt.want, res.Scalars(), 1e-12)
			assert.InDelta(t, tt.wantDisc, res.Discrepancy, 1e-12)
		})
	}
}

func TestRound_MINAccumulatesWithoutUpdating(t *testing.T) {
	s := NewSimulator(3)
	initial := Scalars([]float64{5, 3, 8})
	known := InitialKnownSets(initial)

	res, err := s.Round(initial, 1, DefaultParams(MIN), known)
	require.NoError(t, err)

	assert.Equal(t, initial, res.Values)
	require.Len(t, res.Known, 3)
	for i := range res.Known {
		assert.Equal(t, []float64{3, 5, 8}, res.Known[i].Values(0))
	}
	// The input sets are untouched.
	for i := range known {
		assert.Equal(t, 1, known[i].Len(0))
	}
	assert.Equal(t, Scalars([]float64{3, 3, 3}), Decide(res.Known))
}

func TestRound_DoesNotMutateInput(t *testing.T) {
	s := NewSimulator(11)
	initial := Scalars([]float64{0, 1, 0.5})
	snapshot := clonePoints(initial)

	res, err := s.Round(initial, 1, DefaultParams(FV), nil)
	require.NoError(t, err)
	assert.Equal(t, snapshot, initial)

	// Returned values are not aliased with each other.
	res.Values[0][0] = 42
	assert.NotEqual(t, 42.0, res.Values[1][0])
	assert.NotEqual(t, 42.0, res.Values[2][0])
}

func TestRound_MessageOrder(t *testing.T) {
	s := NewSimulator(5)
	res, err := s.Round(Scalars([]float64{0, 1, 2}), 0.5, DefaultParams(AMP), nil)
	require.NoError(t, err)

	want := [][2]int{{0, 1}, {0, 2}, {1, 0}, {1, 2}, {2, 0}, {2, 1}}
	require.Len(t, res.Messages, len(want))
	delivered := 0
	for i, m := range res.Messages {
		assert.Equal(t, want[i], [2]int{m.From, m.To})
		assert.Equal(t, float64(m.From), m.Value[0])
		if m.Delivered {
			delivered++
		}
	}
	assert.Equal(t, delivered, res.Delivered)
}

func TestRound_FVAdoptsFirstDifferingValue(t *testing.T) {
	s := NewSimulator(1)
	// Process 2 hears 0 (from process 0) before 0.5 (from process 1).
	res, err := s.Round(Scalars([]float64{0, 0.5, 1}), 1, DefaultParams(FV), nil)
	require.NoError(t, err)
	assert.Equal(t, []float64{0.5, 0, 0}, res.Scalars())
}

func TestRound_ToleranceSuppressesUpdate(t *testing.T) {
	s := NewSimulator(1)
	initial := Scalars([]float64{0.3, 0.3 + 1e-12})
	for _, alg := range []Algorithm{AMP, FV, RecursiveAMP} {
		res, err := s.Round(initial, 1, DefaultParams(alg), nil)
		require.NoError(t, err)
		assert.Equal(t, initial, res.Values, alg.String())
	}
}

func TestRound_Vectors(t *testing.T) {
	initial := []Point{{0, 0}, {1, 0.5}}

	t.Run("amp jumps as a unit", func(t *testing.T) {
		s := NewSimulator(1)
		params := Params{Algorithm: AMP, MeetingPoint: Point{0.5, 0.25}}
		res, err := s.Round(initial, 1, params, nil)
		require.NoError(t, err)
		assert.Equal(t, []Point{{0.5, 0.25}, {0.5, 0.25}}, res.Values)
		assert.Equal(t, 0.0, res.Discrepancy)
	})

	t.Run("recursive amp per coordinate", func(t *testing.T) {
		s := NewSimulator(1)
		params := Params{Algorithm: RecursiveAMP, MeetingPoint: Point{0.5, 0.5}}
		res, err := s.Round(initial, 1, params, nil)
		require.NoError(t, err)
		assert.InDeltaSlice(t, []float64{0.5, 0.25}, res.Values[0], 1e-12)
		assert.InDeltaSlice(t, []float64{0.5, 0.25}, res.Values[1], 1e-12)
	})

	t.Run("min per coordinate", func(t *testing.T) {
		s := NewSimulator(1)
		pts := []Point{{0, 1}, {1, 0}}
		res, err := s.Round(pts, 1, DefaultParams(MIN), nil)
		require.NoError(t, err)
		assert.Equal(t, []Point{{0, 0}, {0, 0}}, Decide(res.Known))
	})

	t.Run("metric", func(t *testing.T) {
		s := NewSimulator(1, WithMetric(Manhattan))
		res, err := s.Round(initial, 0, DefaultParams(AMP), nil)
		require.NoError(t, err)
		assert.Equal(t, 1.5, res.Discrepancy)
	})
}

func TestRound_InvalidParameters(t *testing.T) {
	ok := Scalars([]float64{0, 1})
	tests := []struct {
		name   string
		values []Point
		p      float64
		params Params
		known  []KnownSet
	}{
		{"probability above one", ok, 1.5, DefaultParams(AMP), nil},
		{"negative probability", ok, -0.1, DefaultParams(AMP), nil},
		{"one process", Scalars([]float64{0}), 0.5, DefaultParams(AMP), nil},
		{"ragged dimensions", []Point{{0}, {0, 1}}, 0.5, DefaultParams(AMP), nil},
		{"unknown algorithm", ok, 0.5, Params{Algorithm: Algorithm(9), MeetingPoint: Point{0.5}}, nil},
		{"missing meeting point", ok, 0.5, Params{Algorithm: AMP}, nil},
		{"recursive fraction above one", ok, 1, Params{Algorithm: RecursiveAMP, MeetingPoint: Point{3}}, nil},
		{"recursive fraction below zero", ok, 1, Params{Algorithm: RecursiveAMP, MeetingPoint: Point{-0.5}}, nil},
		{"recursive fraction per dimension", []Point{{0, 0}, {1, 1}}, 1, Params{Algorithm: RecursiveAMP, MeetingPoint: Point{0.5, 1.5}}, nil},
		{"infinite meeting point", ok, 0.5, Params{Algorithm: AMP, MeetingPoint: Point{math.Inf(1)}}, nil},
		{"meeting point dims", []Point{{0, 0, 0}, {1, 1, 1}}, 0.5, Params{Algorithm: AMP, MeetingPoint: Point{0.5, 0.5}}, nil},
		{"known set count", ok, 0.5, DefaultParams(MIN), InitialKnownSets(Scalars([]float64{1}))},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := NewSimulator(1).Round(tt.values, tt.p, tt.params, tt.known)
			require.ErrorIs(t, err, ErrInvalidParameter)
		})
	}
}

func TestParseAlgorithm(t *testing.T) {
	for _, alg := range allAlgorithms {
		got, err := ParseAlgorithm(alg.String())
		require.NoError(t, err)
		assert.Equal(t, alg, got)
	}
	got, err := ParseAlgorithm("RAMP")
	require.NoError(t, err)
	assert.Equal(t, RecursiveAMP, got)

	_, err = ParseAlgorithm("median")
	require.ErrorIs(t, err, ErrInvalidParameter)

	var a Algorithm
	require.NoError(t, a.UnmarshalText([]byte("fv")))
	assert.Equal(t, FV, a)
}

// FuzzRound_Properties checks invariants of a single round with varied inputs.
func FuzzRound_Properties(f *testing.F) {
	f.Add(int64(1), 3, 0.5, 0, 0.5)
	f.Add(int64(2), 2, 1.0, 1, 0.0)
	f.Add(int64(3), 5, 0.1, 3, 0.9)

	f.Fuzz(func(t *testing.T, seed int64, n int, p float64, algIdx int, a float64) {
		// Normalize inputs to reasonable bounds
		n = 2 + abs(n)%6
		if p != p || p < 0 || p > 1 {
			p = 0.5
		}
		if a != a || a < 0 || a > 1 {
			a = 0.5
		}
		alg := allAlgorithms[abs(algIdx)%len(allAlgorithms)]

		s := NewSimulator(seed)
		initial := make([]Point, n)
		for i := range initial {
			initial[i] = Point{s.RNG().Float64()}
		}
		lo, hi := minMax(Values(initial))

		res, err := s.Round(initial, p, Params{Algorithm: alg, MeetingPoint: Point{a}}, nil)
		require.NoError(t, err)

		// --- Property 1: discrepancy is recomputed from returned values ---
		assert.GreaterOrEqual(t, res.Discrepancy, 0.0)
		assert.Equal(t, Discrepancy(res.Values, Euclidean), res.Discrepancy)

		// --- Property 2: one message per ordered pair ---
		assert.Len(t, res.Messages, n*(n-1))

		// --- Property 3: values stay in the initial range (or at a) ---
		for _, v := range res.Scalars() {
			if alg == AMP && v == a {
				continue
			}
			assert.GreaterOrEqual(t, v, lo-1e-12)
			assert.LessOrEqual(t, v, hi+1e-12)
		}

		// --- Property 4: processes that heard nothing keep their value ---
		heard := make([]bool, n)
		for _, m := range res.Messages {
			if m.Delivered {
				heard[m.To] = true
			}
		}
		for i := range heard {
			if !heard[i] {
				assert.Equal(t, initial[i], res.Values[i])
			}
		}
	})
}

func abs(x int) int {
	if x < 0 {
		if x == -x {
			return 0
		}
		return -x
	}
	return x
}

func minMax(xs []float64) (float64, float64) {
	lo, hi := xs[0], xs[0]
	for _, x := range xs[1:] {
		lo = min(lo, x)
		hi = max(hi, x)
	}
	return lo, hi
}
