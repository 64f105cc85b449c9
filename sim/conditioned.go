package sim

import (
	"fmt"
	"log/slog"
	"math"

	"gonum.org/v1/gonum/stat/distuv"
)

// --- Conditioned delivery ---

// Method records how a round's delivery condition was handled.
type Method int

const (
	// MethodNone: no condition was requested.
	MethodNone Method = iota
	// MethodExact: drawn from the exact conditional distribution.
	MethodExact
	// MethodAllDelivered: the condition forces every message through.
	MethodAllDelivered
	// MethodRejection: unconditioned draws repeated until accepted or
	// the attempt budget ran out.
	MethodRejection
)

func (m Method) String() string {
	switch m {
	case MethodNone:
		return "none"
	case MethodExact:
		return "exact"
	case MethodAllDelivered:
		return "all-delivered"
	case MethodRejection:
		return "rejection"
	}
	return fmt.Sprintf("Method(%d)", int(m))
}

// Conditioning describes the delivery condition of a round.
type Conditioning struct {
	Method       Method
	MinDelivered int

	// Met is false when the returned draw does not satisfy the
	// condition: an exhausted rejection budget, or an infeasible
	// condition such as p=0.
	Met bool

	// Attempts is the number of message phases drawn.
	Attempts int

	// Budget is the attempt ceiling computed for rejection sampling.
	Budget int
}

// Err returns ErrConditioningUnmet when the condition was not met.
func (c Conditioning) Err() error {
	if c.Met {
		return nil
	}
	return fmt.Errorf("%w: wanted %d delivered after %d attempts (%s)",
		ErrConditioningUnmet, c.MinDelivered, c.Attempts, c.Method)
}

// ConditioningConfig bounds rejection sampling.
type ConditioningConfig struct {
	// Floor is the minimum attempt budget.
	Floor int `yaml:"floor" validate:"gte=1"`
	// Ceiling is the hard maximum; a round never draws more.
	Ceiling int `yaml:"ceiling" validate:"gtefield=Floor"`
	// Confidence is the targeted probability of at least one acceptance.
	Confidence float64 `yaml:"confidence" validate:"gt=0,lt=1"`
}

func DefaultConditioningConfig() ConditioningConfig {
	return ConditioningConfig{Floor: 50, Ceiling: 200_000, Confidence: 0.99}
}

// Validate checks that Floor >= 1, Ceiling >= Floor and Confidence lies
// in (0,1).
func (c ConditioningConfig) Validate() error {
	switch {
	case c.Floor < 1:
		return fmt.Errorf("%w: attempt floor %d < 1", ErrInvalidParameter, c.Floor)
	case c.Ceiling < c.Floor:
		return fmt.Errorf("%w: attempt ceiling %d below floor %d", ErrInvalidParameter, c.Ceiling, c.Floor)
	case !(c.Confidence > 0 && c.Confidence < 1):
		return fmt.Errorf("%w: confidence %v outside (0,1)", ErrInvalidParameter, c.Confidence)
	}
	return nil
}

// AcceptanceProbability approximates P(X >= k) for X ~ Binomial(m, p)
// with a normal approximation and continuity correction.
func AcceptanceProbability(m, k int, p float64) float64 {
	mean := float64(m) * p
	sd := math.Sqrt(float64(m) * p * (1 - p))
	if sd == 0 {
		if mean >= float64(k) {
			return 1
		}
		return 0
	}
	z := (float64(k) - 0.5 - mean) / sd
	return distuv.UnitNormal.Survival(z)
}

// AttemptBudget is the number of rejection attempts allowed for a round of
// n processes requiring k deliveries: enough independent draws for
// cfg.Confidence probability of one acceptance, clamped to
// [cfg.Floor, cfg.Ceiling].
func AttemptBudget(n, k int, p float64, cfg ConditioningConfig) (int, error) {
	if err := cfg.Validate(); err != nil {
		return 0, err
	}
	accept := AcceptanceProbability(n*(n-1), k, p)
	if accept >= 1 {
		return cfg.Floor, nil
	}
	if accept <= 0 {
		return cfg.Ceiling, nil
	}
	trials := math.Ceil(math.Log1p(-cfg.Confidence) / math.Log1p(-accept))
	switch {
	case math.IsNaN(trials) || trials >= float64(cfg.Ceiling):
		return cfg.Ceiling, nil
	case trials <= float64(cfg.Floor):
		return cfg.Floor, nil
	}
	return int(trials), nil
}

// ConditionedRound simulates a round in which at least k of the n(n-1)
// messages are delivered.
//
// The two-process, k=1 case samples the exact conditional distribution.
// k >= n(n-1) delivers everything without sampling. Every other case uses
// rejection sampling bounded by AttemptBudget; when the budget runs out
// the last draw is returned as is and Conditioning.Met is false.
//
// An invalid ConditioningConfig is reported as ErrInvalidParameter.
func (s *Simulator) ConditionedRound(values []Point, p float64, params Params, known []KnownSet, k int) (RoundResult, error) {
	if err := s.cond.Validate(); err != nil {
		return RoundResult{}, err
	}
	cur, known, err := s.prepare(values, p, params, known)
	if err != nil {
		return RoundResult{}, err
	}
	n := len(cur)
	total := n * (n - 1)

	switch {
	case k <= 0:
		msgs, delivered := s.drawMessages(cur, p)
		res := s.apply(cur, msgs, params, known)
		res.Delivered = delivered
		res.Conditioning = Conditioning{Method: MethodNone, Met: true, Attempts: 1}
		return res, nil

	case k >= total:
		// k > total can never be met by sampling; deliver everything and
		// report whether that satisfies k.
		res := s.apply(cur, allMessages(cur), params, known)
		res.Delivered = total
		res.Conditioning = Conditioning{Method: MethodAllDelivered, MinDelivered: k, Met: k == total}
		return res, nil

	case n == 2 && k == 1:
		msgs, delivered, met := s.drawExactPair(cur, p)
		res := s.apply(cur, msgs, params, known)
		res.Delivered = delivered
		res.Conditioning = Conditioning{Method: MethodExact, MinDelivered: k, Met: met, Attempts: 1}
		if !met {
			s.logger.Warn("conditioned round infeasible",
				slog.Float64("p", p), slog.Int("min_delivered", k))
		}
		return res, nil
	}

	budget, err := AttemptBudget(n, k, p, s.cond)
	if err != nil {
		return RoundResult{}, err
	}
	var (
		msgs      []Message
		delivered int
		attempts  int
	)
	for attempts < budget {
		attempts++
		msgs, delivered = s.drawMessages(cur, p)
		if delivered >= k {
			break
		}
	}
	met := delivered >= k
	if !met {
		s.logger.Warn("rejection budget exhausted",
			slog.Float64("p", p),
			slog.Int("processes", n),
			slog.Int("min_delivered", k),
			slog.Int("attempts", attempts),
			slog.Int("delivered", delivered),
		)
	}

	res := s.apply(cur, msgs, params, known)
	res.Delivered = delivered
	res.Conditioning = Conditioning{
		Method:       MethodRejection,
		MinDelivered: k,
		Met:          met,
		Attempts:     attempts,
		Budget:       budget,
	}
	return res, nil
}

// drawExactPair samples the two-process link outcomes conditioned on at
// least one delivery. With q = 1-p and Z = 1-q²:
//
//	only 0→1: pq/Z   only 1→0: qp/Z   both: 1 - 2pq/Z
//
// p = 0 makes the condition impossible; nothing is delivered and met is
// false.
func (s *Simulator) drawExactPair(values []Point, p float64) ([]Message, int, bool) {
	msgs := []Message{
		{From: 0, To: 1, Value: values[0]},
		{From: 1, To: 0, Value: values[1]},
	}
	if p <= 0 {
		return msgs, 0, false
	}
	q := 1 - p
	z := 1 - q*q
	one := p * q / z

	u := s.rng.Float64()
	switch {
	case u < one:
		msgs[0].Delivered = true
		return msgs, 1, true
	case u < 2*one:
		msgs[1].Delivered = true
		return msgs, 1, true
	}
	msgs[0].Delivered = true
	msgs[1].Delivered = true
	return msgs, 2, true
}
