package sim

import (
	"fmt"
	"log/slog"
)

// Simulator runs rounds with its own RNG. The zero value is not usable;
// call NewSimulator.
type Simulator struct {
	rng    *FastRNG
	metric Metric
	cond   ConditioningConfig
	logger *slog.Logger
}

// Option configures a Simulator.
type Option func(*Simulator)

// WithMetric selects the distance used for discrepancy and for AMP/FV
// "differs" tests on vectors.
func WithMetric(m Metric) Option {
	return func(s *Simulator) { s.metric = m }
}

// WithConditioning overrides the rejection sampling budget. An invalid c is
// reported by the first conditioned round.
func WithConditioning(c ConditioningConfig) Option {
	return func(s *Simulator) { s.cond = c }
}

// WithLogger sets the logger. Nil is ignored.
func WithLogger(l *slog.Logger) Option {
	return func(s *Simulator) {
		if l != nil {
			s.logger = l
		}
	}
}

func NewSimulator(seed int64, opts ...Option) *Simulator {
	s := &Simulator{
		rng:    NewFastRNG(seed),
		metric: Euclidean,
		cond:   DefaultConditioningConfig(),
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Metric returns the simulator's distance metric.
func (s *Simulator) Metric() Metric {
	return s.metric
}

// RNG exposes the simulator's generator, e.g. for GeneratePoints.
func (s *Simulator) RNG() *FastRNG {
	return s.rng
}

// RoundResult is the outcome of one round.
type RoundResult struct {
	// Values are the process values after the update phase.
	Values []Point

	// Messages holds every directed link in sender-major order.
	Messages []Message

	// Delivered counts the delivered messages.
	Delivered int

	// Discrepancy is the maximum pairwise distance of Values.
	Discrepancy float64

	// Known is the updated known-value sets; nil unless the algorithm
	// is MIN.
	Known []KnownSet

	Conditioning Conditioning
}

// Scalars returns the first coordinate of every value.
func (r RoundResult) Scalars() []float64 {
	return Values(r.Values)
}

// Round simulates one unconditioned round.
//
// known carries the MIN known-value sets from the previous round; it is
// ignored for other algorithms. A nil known for MIN starts from each
// process' own value. The input slices are never modified.
func (s *Simulator) Round(values []Point, p float64, params Params, known []KnownSet) (RoundResult, error) {
	cur, known, err := s.prepare(values, p, params, known)
	if err != nil {
		return RoundResult{}, err
	}
	msgs, delivered := s.drawMessages(cur, p)
	res := s.apply(cur, msgs, params, known)
	res.Delivered = delivered
	return res, nil
}

// prepare validates inputs and returns private copies to work on.
func (s *Simulator) prepare(values []Point, p float64, params Params, known []KnownSet) ([]Point, []KnownSet, error) {
	dims, err := validateValues(values)
	if err != nil {
		return nil, nil, err
	}
	if err := ValidateProbability(p); err != nil {
		return nil, nil, err
	}
	if err := params.Validate(dims); err != nil {
		return nil, nil, err
	}
	cur := clonePoints(values)
	if params.Algorithm != MIN {
		return cur, nil, nil
	}
	if known == nil {
		return cur, InitialKnownSets(cur), nil
	}
	if len(known) != len(values) {
		return nil, nil, fmt.Errorf("%w: %d known sets for %d processes",
			ErrInvalidParameter, len(known), len(values))
	}
	for i, k := range known {
		if k.Dims() != dims {
			return nil, nil, fmt.Errorf("%w: known set %d has %d coordinates, want %d",
				ErrInvalidParameter, i, k.Dims(), dims)
		}
	}
	return cur, known, nil
}

// drawMessages is the message phase: one Bernoulli(p) per ordered pair.
func (s *Simulator) drawMessages(values []Point, p float64) ([]Message, int) {
	n := len(values)
	msgs := make([]Message, 0, n*(n-1))
	delivered := 0
	for from := 0; from < n; from++ {
		for to := 0; to < n; to++ {
			if from == to {
				continue
			}
			ok := s.rng.Bernoulli(p)
			if ok {
				delivered++
			}
			msgs = append(msgs, Message{From: from, To: to, Value: values[from], Delivered: ok})
		}
	}
	return msgs, delivered
}

// allMessages builds the fully delivered message set.
func allMessages(values []Point) []Message {
	n := len(values)
	msgs := make([]Message, 0, n*(n-1))
	for from := 0; from < n; from++ {
		for to := 0; to < n; to++ {
			if from != to {
				msgs = append(msgs, Message{From: from, To: to, Value: values[from], Delivered: true})
			}
		}
	}
	return msgs
}

// apply is the update phase. cur must be private to this round.
func (s *Simulator) apply(cur []Point, msgs []Message, params Params, known []KnownSet) RoundResult {
	n := len(cur)
	dims := len(cur[0])
	eps := params.epsilon()

	// Received values per process, in message order.
	received := make([][]Point, n)
	for _, m := range msgs {
		if m.Delivered {
			received[m.To] = append(received[m.To], m.Value)
		}
	}

	next := make([]Point, n)
	var nextKnown []KnownSet
	if params.Algorithm == MIN {
		nextKnown = make([]KnownSet, n)
	}

	for i, own := range cur {
		r := received[i]
		switch params.Algorithm {
		case AMP:
			next[i] = s.updateAMP(own, r, params.meetingPoint(dims), eps)
		case FV:
			next[i] = s.updateFV(own, r, eps)
		case MIN:
			next[i] = own.Clone()
			nextKnown[i] = known[i].With(r...)
		case RecursiveAMP:
			next[i] = updateRecursiveAMP(own, r, params.meetingPoint(dims), eps)
		default:
			panic(fmt.Sprintf("sim: unvalidated algorithm %v", params.Algorithm))
		}
	}

	return RoundResult{
		Values:      next,
		Messages:    msgs,
		Discrepancy: Discrepancy(next, s.metric),
		Known:       nextKnown,
	}
}

func (s *Simulator) differs(a, b Point, eps float64) bool {
	return s.metric.Distance(a, b) > eps
}

// updateAMP jumps to the meeting point if any received value differs.
func (s *Simulator) updateAMP(own Point, received []Point, meet Point, eps float64) Point {
	for _, v := range received {
		if s.differs(v, own, eps) {
			return meet
		}
	}
	return own.Clone()
}

// updateFV adopts the first differing value in message order.
func (s *Simulator) updateFV(own Point, received []Point, eps float64) Point {
	for _, v := range received {
		if s.differs(v, own, eps) {
			return v.Clone()
		}
	}
	return own.Clone()
}

// updateRecursiveAMP moves each coordinate to lo + a*(hi-lo) of the range
// observed this round, when that range exceeds eps.
func updateRecursiveAMP(own Point, received []Point, frac Point, eps float64) Point {
	out := own.Clone()
	if len(received) == 0 {
		return out
	}
	for c := range own {
		lo, hi := own[c], own[c]
		for _, v := range received {
			lo = min(lo, v[c])
			hi = max(hi, v[c])
		}
		if hi-lo > eps {
			out[c] = lo + frac[c]*(hi-lo)
		}
	}
	return out
}
