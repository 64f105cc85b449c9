package sim

import (
	"context"
	"fmt"
	"log/slog"
)

// Experiment is one run of the protocol from an initial configuration.
type Experiment struct {
	Initial []Point
	P       float64
	Rounds  int
	Params  Params

	// MinDelivered > 0 conditions every round on at least that many
	// deliveries (see ConditionedRound).
	MinDelivered int
}

// Validate checks the experiment's parameters.
func (e Experiment) Validate() error {
	dims, err := validateValues(e.Initial)
	if err != nil {
		return err
	}
	if err := ValidateProbability(e.P); err != nil {
		return err
	}
	if e.Rounds < 0 {
		return fmt.Errorf("%w: rounds %d < 0", ErrInvalidParameter, e.Rounds)
	}
	if e.MinDelivered < 0 {
		return fmt.Errorf("%w: min delivered %d < 0", ErrInvalidParameter, e.MinDelivered)
	}
	return e.Params.Validate(dims)
}

// Conditioned reports whether rounds are conditioned on deliveries.
func (e Experiment) Conditioned() bool {
	return e.MinDelivered > 0
}

// RoundRecord is the state after one round. Round 0 is the initial state
// and carries no messages.
type RoundRecord struct {
	Round        int
	Values       []Point
	Discrepancy  float64
	Messages     []Message
	Delivered    int
	Known        []KnownSet
	Conditioning Conditioning
}

// History is the append-only record of one experiment, rounds+1 long.
type History struct {
	Records []RoundRecord

	// Unmet counts rounds whose delivery condition was not met.
	Unmet int
}

// Final returns the last record.
func (h *History) Final() RoundRecord {
	return h.Records[len(h.Records)-1]
}

// FinalDiscrepancy is the discrepancy after the last round.
func (h *History) FinalDiscrepancy() float64 {
	return h.Final().Discrepancy
}

// Discrepancies returns the discrepancy series by round.
func (h *History) Discrepancies() []float64 {
	out := make([]float64, len(h.Records))
	for i, r := range h.Records {
		out[i] = r.Discrepancy
	}
	return out
}

// RunExperiment runs e.Rounds sequential rounds.
//
// For MIN the known-value sets are threaded from round to round, and after
// the final round each process decides the minimum of its set; the final
// record holds those decisions. ctx is checked once before the run starts;
// a started run always completes.
func (s *Simulator) RunExperiment(ctx context.Context, e Experiment) (*History, error) {
	if err := e.Validate(); err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	values := clonePoints(e.Initial)
	var known []KnownSet
	if e.Params.Algorithm == MIN {
		known = InitialKnownSets(values)
	}

	h := &History{Records: make([]RoundRecord, 0, e.Rounds+1)}
	h.Records = append(h.Records, RoundRecord{
		Round:       0,
		Values:      values,
		Discrepancy: Discrepancy(values, s.metric),
		Known:       known,
	})

	for r := 1; r <= e.Rounds; r++ {
		var (
			res RoundResult
			err error
		)
		if e.Conditioned() {
			res, err = s.ConditionedRound(values, e.P, e.Params, known, e.MinDelivered)
		} else {
			res, err = s.Round(values, e.P, e.Params, known)
		}
		if err != nil {
			return nil, fmt.Errorf("round %d: %w", r, err)
		}
		if e.Conditioned() && !res.Conditioning.Met {
			h.Unmet++
		}
		values, known = res.Values, res.Known
		h.Records = append(h.Records, RoundRecord{
			Round:        r,
			Values:       res.Values,
			Discrepancy:  res.Discrepancy,
			Messages:     res.Messages,
			Delivered:    res.Delivered,
			Known:        res.Known,
			Conditioning: res.Conditioning,
		})
	}

	if e.Params.Algorithm.TerminalDecision() {
		last := &h.Records[len(h.Records)-1]
		last.Values = Decide(last.Known)
		last.Discrepancy = Discrepancy(last.Values, s.metric)
	}

	s.logger.Debug("experiment finished",
		slog.String("algorithm", e.Params.Algorithm.String()),
		slog.Float64("p", e.P),
		slog.Int("rounds", e.Rounds),
		slog.Float64("final_discrepancy", h.FinalDiscrepancy()),
		slog.Int("unmet_rounds", h.Unmet),
	)
	return h, nil
}
