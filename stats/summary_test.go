package stats

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"approx-agreement-simulation/numeric"
	"approx-agreement-simulation/theory"
)

func available(v float64) theory.Estimate {
	return theory.Estimate{Value: v, Factor: v, Available: true}
}

func TestAggregate_Moments(t *testing.T) {
	samples := []float64{2, 4, 4, 4, 5, 5, 7, 9}
	s, err := Aggregate(samples, available(5), nil)
	require.NoError(t, err)

	assert.Equal(t, 8, s.N)
	assert.InDelta(t, 5.0, s.Mean, 1e-12)
	assert.InDelta(t, 4.5, s.Median, 1e-12)
	assert.Equal(t, 2.0, s.Min)
	assert.Equal(t, 9.0, s.Max)
	// Population std is 2; Bessel correction gives sqrt(32/7).
	assert.InDelta(t, math.Sqrt(32.0/7), s.StdDev, 1e-12)
	assert.InDelta(t, s.StdDev/math.Sqrt(8), s.StdErr, 1e-12)
	assert.InDelta(t, s.Mean-1.96*s.StdErr, s.CILow, 1e-12)
	assert.InDelta(t, s.Mean+1.96*s.StdErr, s.CIHigh, 1e-12)

	assert.Equal(t, ErrorComputed, s.ErrorStatus)
	assert.InDelta(t, 0, s.AbsError, 1e-12)
	assert.InDelta(t, 0, s.RelError, 1e-12)

	// Input order is untouched.
	assert.Equal(t, []float64{2, 4, 4, 4, 5, 5, 7, 9}, samples)
}

func TestAggregate_SingleSample(t *testing.T) {
	s, err := Aggregate([]float64{0.25}, available(0.5), nil)
	require.NoError(t, err)
	assert.Equal(t, 0.25, s.Mean)
	assert.Equal(t, 0.25, s.Median)
	assert.Equal(t, 0.0, s.StdDev)
	assert.Equal(t, 0.0, s.StdErr)
	assert.Equal(t, s.Mean, s.CILow)
	assert.Equal(t, s.Mean, s.CIHigh)
	assert.InDelta(t, 0.25, s.AbsError, 1e-12)
	assert.InDelta(t, 0.5, s.RelError, 1e-12)
}

func TestAggregate_IdenticalSamples(t *testing.T) {
	s, err := Aggregate([]float64{0.3, 0.3, 0.3, 0.3}, theory.Unavailable("none"), nil)
	require.NoError(t, err)
	assert.InDelta(t, 0, s.StdDev, 1e-15)
	assert.Equal(t, ErrorUnavailable, s.ErrorStatus)
	assert.True(t, math.IsNaN(s.AbsError))
	assert.Equal(t, "-", s.RelErrorString())
}

func TestAggregate_ErrorStatus(t *testing.T) {
	nc := numeric.MustNew(numeric.DefaultConfig())
	tests := []struct {
		name    string
		samples []float64
		th      theory.Estimate
		status  ErrorStatus
		display string
	}{
		{"both zero", []float64{0, 0, 0}, available(0), ErrorBothNearZero, "both≈0"},
		{"both tiny", []float64{1e-15, 0}, available(1e-14), ErrorBothNearZero, "both≈0"},
		{"theory zero", []float64{0.1, 0.3}, available(0), ErrorTheoryZero, "n/a (theory≈0)"},
		{"computed", []float64{0.11, 0.09}, available(0.125), ErrorComputed, "20.00%"},
		{"unavailable", []float64{0.2}, theory.Unavailable("MIN"), ErrorUnavailable, "-"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s, err := Aggregate(tt.samples, tt.th, nc)
			require.NoError(t, err)
			assert.Equal(t, tt.status, s.ErrorStatus)
			assert.Equal(t, tt.display, s.RelErrorString())
			assert.False(t, math.IsInf(s.RelError, 0))
		})
	}
}

func TestAggregate_Invalid(t *testing.T) {
	_, err := Aggregate(nil, available(1), nil)
	require.ErrorIs(t, err, ErrNoSamples)

	_, err = Aggregate([]float64{1, math.NaN()}, available(1), nil)
	require.Error(t, err)
}

func TestMedian(t *testing.T) {
	assert.Equal(t, 3.0, Median([]float64{5, 1, 3}))
	assert.Equal(t, 2.5, Median([]float64{4, 1, 3, 2}))
	assert.True(t, math.IsNaN(Median(nil)))
}

func TestOnlineStats_MatchesAggregate(t *testing.T) {
	samples := []float64{0.9, 0.1, 0.4, 0.4, 0.77, 0.05, 0.6}
	var o OnlineStats
	for _, x := range samples {
		o.Add(x)
	}
	s, err := Aggregate(samples, theory.Unavailable(""), nil)
	require.NoError(t, err)

	assert.Equal(t, len(samples), o.N())
	assert.InDelta(t, s.Mean, o.Mean(), 1e-12)
	assert.InDelta(t, s.StdDev, o.StdDev(), 1e-12)
	assert.InDelta(t, s.StdErr, o.StdErr(), 1e-12)
}

func TestOnlineStats_Converged(t *testing.T) {
	var o OnlineStats
	o.Add(1)
	assert.True(t, math.IsInf(o.StdErr(), 1))
	assert.False(t, o.Converged(10))
	for i := 0; i < 100; i++ {
		o.Add(1)
	}
	assert.True(t, o.Converged(1e-9))
}
