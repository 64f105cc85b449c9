package sim

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRunExperiment_HistoryShape(t *testing.T) {
	s := NewSimulator(42)
	e := Experiment{
		Initial: Scalars([]float64{0, 1, 0.5}),
		P:       0.6,
		Rounds:  5,
		Params:  DefaultParams(FV),
	}
	h, err := s.RunExperiment(context.Background(), e)
	require.NoError(t, err)

	require.Len(t, h.Records, e.Rounds+1)
	first := h.Records[0]
	assert.Equal(t, 0, first.Round)
	assert.Empty(t, first.Messages)
	assert.Equal(t, 1.0, first.Discrepancy)
	assert.Equal(t, e.Initial, first.Values)

	for i, r := range h.Records {
		assert.Equal(t, i, r.Round)
		assert.Equal(t, Discrepancy(r.Values, Euclidean), r.Discrepancy)
		if i > 0 {
			assert.Len(t, r.Messages, 6)
		}
	}
	assert.Equal(t, h.Final().Discrepancy, h.FinalDiscrepancy())
	assert.Len(t, h.Discrepancies(), e.Rounds+1)
}

func TestRunExperiment_ZeroProbability(t *testing.T) {
	initial := Scalars([]float64{0.1, 0.9, 0.4})
	for _, alg := range allAlgorithms {
		t.Run(alg.String(), func(t *testing.T) {
			h, err := NewSimulator(1).RunExperiment(context.Background(), Experiment{
				Initial: initial, P: 0, Rounds: 10, Params: DefaultParams(alg),
			})
			require.NoError(t, err)
			assert.Equal(t, initial, h.Final().Values)
			assert.InDelta(t, 0.8, h.FinalDiscrepancy(), 1e-12)
		})
	}
}

func TestRunExperiment_MINConvergesToGlobalMinimum(t *testing.T) {
	for seed := int64(0); seed < 20; seed++ {
		h, err := NewSimulator(seed).RunExperiment(context.Background(), Experiment{
			Initial: Scalars([]float64{5, 3, 8}),
			P:       0.9,
			Rounds:  20,
			Params:  DefaultParams(MIN),
		})
		require.NoError(t, err)
		assert.Equal(t, []float64{3, 3, 3}, Values(h.Final().Values), "seed %d", seed)
		assert.Equal(t, 0.0, h.FinalDiscrepancy())

		// Values are not updated before the final decision.
		assert.Equal(t, []float64{5, 3, 8}, Values(h.Records[len(h.Records)-2].Values))
	}
}

func TestRunExperiment_AMPFullDelivery(t *testing.T) {
	h, err := NewSimulator(1).RunExperiment(context.Background(), Experiment{
		Initial: Scalars([]float64{0, 1}),
		P:       1,
		Rounds:  1,
		Params:  Params{Algorithm: AMP, MeetingPoint: Point{0.7}},
	})
	require.NoError(t, err)
	assert.Equal(t, []float64{0.7, 0.7}, Values(h.Final().Values))
	assert.Equal(t, 0.0, h.FinalDiscrepancy())
}

func TestRunExperiment_Conditioned(t *testing.T) {
	h, err := NewSimulator(8).RunExperiment(context.Background(), Experiment{
		Initial:      Scalars([]float64{0, 1}),
		P:            0.2,
		Rounds:       4,
		Params:       DefaultParams(FV),
		MinDelivered: 1,
	})
	require.NoError(t, err)
	assert.Equal(t, 0, h.Unmet)
	for _, r := range h.Records[1:] {
		assert.Equal(t, MethodExact, r.Conditioning.Method)
		assert.GreaterOrEqual(t, r.Delivered, 1)
	}
}

func TestRunExperiment_Deterministic(t *testing.T) {
	e := Experiment{
		Initial: Scalars([]float64{0, 1, 0.3, 0.8}),
		P:       0.4,
		Rounds:  8,
		Params:  DefaultParams(RecursiveAMP),
	}
	a, err := NewSimulator(123).RunExperiment(context.Background(), e)
	require.NoError(t, err)
	b, err := NewSimulator(123).RunExperiment(context.Background(), e)
	require.NoError(t, err)
	assert.Equal(t, a.Discrepancies(), b.Discrepancies())
}

func TestRunExperiment_Validation(t *testing.T) {
	base := Experiment{Initial: Scalars([]float64{0, 1}), P: 0.5, Rounds: 1, Params: DefaultParams(AMP)}

	bad := base
	bad.Rounds = -1
	_, err := NewSimulator(1).RunExperiment(context.Background(), bad)
	require.ErrorIs(t, err, ErrInvalidParameter)

	bad = base
	bad.P = 2
	_, err = NewSimulator(1).RunExperiment(context.Background(), bad)
	require.ErrorIs(t, err, ErrInvalidParameter)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = NewSimulator(1).RunExperiment(ctx, base)
	require.ErrorIs(t, err, context.Canceled)

	h, err := NewSimulator(1).RunExperiment(context.Background(), Experiment{
		Initial: base.Initial, P: 0.5, Rounds: 0, Params: base.Params,
	})
	require.NoError(t, err)
	assert.Len(t, h.Records, 1)
}
