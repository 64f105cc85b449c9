// Package experiment runs repeated simulations, attaches theoretical
// predictions and summarises the results.
//
// Repetitions are independent: each owns a Simulator seeded from the run
// seed and its own index, so results do not depend on the worker count or
// on scheduling order.
package experiment

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"runtime"
	"slices"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"

	"approx-agreement-simulation/numeric"
	"approx-agreement-simulation/sim"
	"approx-agreement-simulation/stats"
	"approx-agreement-simulation/theory"
)

// ErrInvalidConfig reports an unusable runner configuration or request.
var ErrInvalidConfig = errors.New("invalid experiment config")

// ConvergenceBatch is the number of repetitions run between precision
// checks. It is fixed so the stopping point does not depend on Workers.
const ConvergenceBatch = 100

// Config holds the runner's fixed settings.
type Config struct {
	// Seed is the base seed; repetition i of a point uses
	// sim.RepetitionSeed(Seed+point, repetitions, i).
	Seed int64 `yaml:"seed"`

	// Workers bounds concurrent repetitions. Zero uses GOMAXPROCS.
	Workers int `yaml:"workers" validate:"gte=0"`

	// PrecisionTarget, when positive, stops a point early once the 95%
	// confidence half-width of its mean final discrepancy is within the
	// target. The requested repetitions become an upper bound.
	PrecisionTarget float64 `yaml:"precision_target" validate:"gte=0"`

	Metric       sim.Metric             `yaml:"-"`
	Conditioning sim.ConditioningConfig `yaml:"conditioning"`
	Numeric      numeric.Config         `yaml:"numeric"`
}

// DefaultConfig returns a Config with default conditioning and precision.
func DefaultConfig() Config {
	return Config{
		Seed:         1,
		Metric:       sim.Euclidean,
		Conditioning: sim.DefaultConditioningConfig(),
		Numeric:      numeric.DefaultConfig(),
	}
}

// AggregateResult is the outcome of all repetitions of one experiment.
type AggregateResult struct {
	ID          uuid.UUID
	Index       int
	Seed        int64
	Experiment  sim.Experiment
	Repetitions int

	// Samples holds the final discrepancy of each repetition, by index.
	Samples []float64

	// MeanTrajectory is the per-round discrepancy averaged over
	// repetitions; element 0 is the initial discrepancy.
	MeanTrajectory []float64

	// Unmet totals conditioned rounds that missed their floor.
	Unmet int

	// Converged is set when a precision target stopped the point before
	// its repetition limit, or was met exactly at it.
	Converged bool

	InitialDiscrepancy float64
	Theory             theory.Estimate
	Summary            stats.Summary
	Elapsed            time.Duration
}

// Runner executes experiments. It is safe for concurrent use.
type Runner struct {
	cfg     Config
	calc    *theory.Calculator
	logger  *slog.Logger
	metrics *Metrics
	tracer  trace.Tracer
}

// Option configures a Runner.
type Option func(*Runner)

// WithLogger sets the logger. Nil is ignored.
func WithLogger(l *slog.Logger) Option {
	return func(r *Runner) {
		if l != nil {
			r.logger = l
		}
	}
}

// WithMetrics records simulation counters into m.
func WithMetrics(m *Metrics) Option {
	return func(r *Runner) { r.metrics = m }
}

// WithTracer overrides the global otel tracer.
func WithTracer(t trace.Tracer) Option {
	return func(r *Runner) {
		if t != nil {
			r.tracer = t
		}
	}
}

func NewRunner(cfg Config, opts ...Option) (*Runner, error) {
	if cfg.Workers < 0 {
		return nil, fmt.Errorf("%w: workers %d < 0", ErrInvalidConfig, cfg.Workers)
	}
	if cfg.Workers == 0 {
		cfg.Workers = runtime.GOMAXPROCS(0)
	}
	if math.IsNaN(cfg.PrecisionTarget) || cfg.PrecisionTarget < 0 {
		return nil, fmt.Errorf("%w: precision target %v", ErrInvalidConfig, cfg.PrecisionTarget)
	}
	if err := cfg.Conditioning.Validate(); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidConfig, err)
	}
	calc, err := theory.NewCalculator(cfg.Numeric)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidConfig, err)
	}
	r := &Runner{
		cfg:    cfg,
		calc:   calc,
		logger: slog.Default(),
		tracer: otel.Tracer("approx-agreement-simulation/experiment"),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r, nil
}

// Calculator returns the runner's theory calculator.
func (r *Runner) Calculator() *theory.Calculator {
	return r.calc
}

// point is one experiment being run: per-repetition slots filled by
// workers, finalised by whichever worker completes the last repetition.
type point struct {
	index     int
	exp       sim.Experiment
	seed      int64
	reps      int
	start     time.Time
	samples   []float64
	traj      [][]float64
	unmet     []int
	converged bool
	remaining atomic.Int64
}

// truncate keeps the first n repetitions.
func (pt *point) truncate(n int) {
	pt.reps = n
	pt.samples = pt.samples[:n]
	pt.traj = pt.traj[:n]
	pt.unmet = pt.unmet[:n]
}

func newPoint(index int, exp sim.Experiment, seed int64, reps int) *point {
	pt := &point{
		index:   index,
		exp:     exp,
		seed:    seed,
		reps:    reps,
		start:   time.Now(),
		samples: make([]float64, reps),
		traj:    make([][]float64, reps),
		unmet:   make([]int, reps),
	}
	pt.remaining.Store(int64(reps))
	return pt
}

// RunMultiple runs exp repetitions times and summarises the final
// discrepancies. ctx is checked between repetitions; a canceled run
// returns ctx's error and no result.
func (r *Runner) RunMultiple(ctx context.Context, exp sim.Experiment, repetitions int) (*AggregateResult, error) {
	if err := validateRequest(exp, repetitions); err != nil {
		return nil, err
	}

	ctx, span := r.tracer.Start(ctx, "experiment.RunMultiple", trace.WithAttributes(
		attribute.String("algorithm", exp.Params.Algorithm.String()),
		attribute.Float64("p", exp.P),
		attribute.Int("rounds", exp.Rounds),
		attribute.Int("processes", len(exp.Initial)),
		attribute.Int("repetitions", repetitions),
	))
	defer span.End()

	var result *AggregateResult
	pt := newPoint(0, exp, r.cfg.Seed, repetitions)
	err := r.run(ctx, []*point{pt}, func(res AggregateResult) {
		result = &res
	})
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}
	span.SetAttributes(
		attribute.Float64("mean", result.Summary.Mean),
		attribute.Int("completed_repetitions", result.Repetitions),
	)
	span.SetStatus(codes.Ok, "")
	return result, nil
}

// Sweep runs exp once per probability and sends each result to out in
// grid order. Sweep closes out before returning. The caller must keep
// receiving until out is closed or cancel ctx.
func (r *Runner) Sweep(ctx context.Context, exp sim.Experiment, probabilities []float64, repetitions int, out chan<- AggregateResult) error {
	defer close(out)
	if len(probabilities) == 0 {
		return fmt.Errorf("%w: empty probability grid", ErrInvalidConfig)
	}
	points := make([]*point, len(probabilities))
	for i, p := range probabilities {
		e := exp
		e.P = p
		if err := validateRequest(e, repetitions); err != nil {
			return fmt.Errorf("grid point %d: %w", i, err)
		}
		points[i] = newPoint(i, e, r.cfg.Seed+int64(i), repetitions)
	}

	ctx, span := r.tracer.Start(ctx, "experiment.Sweep", trace.WithAttributes(
		attribute.String("algorithm", exp.Params.Algorithm.String()),
		attribute.Int("points", len(points)),
		attribute.Int("repetitions", repetitions),
	))
	defer span.End()

	// Ordered emitter: buffer out-of-order results until the next expected
	// index arrives.
	resultsCh := make(chan AggregateResult, len(points))
	emitDone := make(chan struct{})
	var errTracker stats.OnlineStats
	go func() {
		defer close(emitDone)
		buffer := make(map[int]AggregateResult)
		next := 0
		for res := range resultsCh {
			buffer[res.Index] = res
			for {
				nextRes, ok := buffer[next]
				if !ok {
					break
				}
				delete(buffer, next)
				next++
				if nextRes.Summary.ErrorStatus == stats.ErrorComputed {
					errTracker.Add(nextRes.Summary.AbsError)
				}
				select {
				case out <- nextRes:
				case <-ctx.Done():
					return
				}
			}
		}
	}()

	err := r.run(ctx, points, func(res AggregateResult) {
		resultsCh <- res
	})
	close(resultsCh)
	<-emitDone

	if err == nil {
		err = ctx.Err()
	}
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return err
	}

	r.logger.Info("sweep finished",
		slog.String("algorithm", exp.Params.Algorithm.String()),
		slog.Int("points", len(points)),
		slog.Int("compared", errTracker.N()),
		slog.Float64("mean_abs_error", errTracker.Mean()),
		slog.Float64("abs_error_std", errTracker.StdDev()),
	)
	span.SetStatus(codes.Ok, "")
	return nil
}

func (r *Runner) run(ctx context.Context, points []*point, done func(AggregateResult)) error {
	if r.cfg.PrecisionTarget > 0 {
		return r.runConverging(ctx, points, done)
	}
	return r.runPoints(ctx, points, done)
}

// runPoints fans every (point, repetition) pair out on one errgroup.
// done is called once per point, from the worker that finished it.
func (r *Runner) runPoints(ctx context.Context, points []*point, done func(AggregateResult)) error {
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(r.cfg.Workers)

schedule:
	for _, pt := range points {
		for i := 0; i < pt.reps; i++ {
			if gctx.Err() != nil {
				break schedule
			}
			g.Go(func() error {
				if err := r.repetition(gctx, pt, i); err != nil {
					return err
				}
				if pt.remaining.Add(-1) > 0 {
					return nil
				}
				res, err := r.finish(pt)
				if err != nil {
					return fmt.Errorf("point %d: %w", pt.index, err)
				}
				done(res)
				return nil
			})
		}
	}
	if err := g.Wait(); err != nil {
		return err
	}
	return ctx.Err()
}

// runConverging runs points one at a time in batches of ConvergenceBatch
// repetitions, stopping each once stats.OnlineStats reports the precision
// target met. Batches are folded in index order.
func (r *Runner) runConverging(ctx context.Context, points []*point, done func(AggregateResult)) error {
	for _, pt := range points {
		var online stats.OnlineStats
		ran := 0
		for ran < pt.reps && !pt.converged {
			hi := min(ran+ConvergenceBatch, pt.reps)
			g, gctx := errgroup.WithContext(ctx)
			g.SetLimit(r.cfg.Workers)
			for i := ran; i < hi; i++ {
				if gctx.Err() != nil {
					break
				}
				g.Go(func() error { return r.repetition(gctx, pt, i) })
			}
			if err := g.Wait(); err != nil {
				return err
			}
			if err := ctx.Err(); err != nil {
				return err
			}
			for _, x := range pt.samples[ran:hi] {
				online.Add(x)
			}
			ran = hi
			pt.converged = online.Converged(r.cfg.PrecisionTarget)
		}
		if ran < pt.reps {
			r.logger.Debug("precision target met early",
				slog.Int("index", pt.index),
				slog.Int("repetitions", ran),
				slog.Int("limit", pt.reps),
				slog.Float64("std_err", online.StdErr()),
			)
			pt.truncate(ran)
		}
		res, err := r.finish(pt)
		if err != nil {
			return fmt.Errorf("point %d: %w", pt.index, err)
		}
		done(res)
	}
	return nil
}

func (r *Runner) repetition(ctx context.Context, pt *point, i int) error {
	s := sim.NewSimulator(sim.RepetitionSeed(pt.seed, pt.reps, i),
		sim.WithMetric(r.cfg.Metric),
		sim.WithConditioning(r.cfg.Conditioning),
		sim.WithLogger(r.logger),
	)
	h, err := s.RunExperiment(ctx, pt.exp)
	if err != nil {
		return fmt.Errorf("repetition %d: %w", i, err)
	}
	pt.samples[i] = h.FinalDiscrepancy()
	pt.traj[i] = h.Discrepancies()
	pt.unmet[i] = h.Unmet
	r.metrics.observeHistory(pt.exp.Params.Algorithm, h)
	return nil
}

func (r *Runner) finish(pt *point) (AggregateResult, error) {
	th := r.Theory(pt.exp)
	summary, err := stats.Aggregate(pt.samples, th, r.calc.Numeric())
	if err != nil {
		return AggregateResult{}, err
	}

	res := AggregateResult{
		ID:                 uuid.New(),
		Index:              pt.index,
		Seed:               pt.seed,
		Experiment:         pt.exp,
		Repetitions:        pt.reps,
		Samples:            pt.samples,
		MeanTrajectory:     meanTrajectory(pt.traj),
		InitialDiscrepancy: sim.Discrepancy(pt.exp.Initial, r.cfg.Metric),
		Theory:             th,
		Summary:            summary,
		Elapsed:            time.Since(pt.start),
		Converged:          pt.converged,
	}
	for _, u := range pt.unmet {
		res.Unmet += u
	}
	if res.Unmet > 0 {
		r.logger.Warn("conditioning not met in some rounds",
			slog.String("run_id", res.ID.String()),
			slog.Int("unmet_rounds", res.Unmet),
			slog.Int("min_delivered", pt.exp.MinDelivered),
		)
	}
	r.metrics.observePoint(pt.exp.Params.Algorithm, res.Elapsed.Seconds())
	r.logger.Debug("experiment point finished",
		slog.String("run_id", res.ID.String()),
		slog.Int("index", pt.index),
		slog.Float64("p", pt.exp.P),
		slog.Float64("mean", summary.Mean),
		slog.String("theory", th.String()),
		slog.Duration("elapsed", res.Elapsed),
	)
	return res, nil
}

func meanTrajectory(traj [][]float64) []float64 {
	if len(traj) == 0 {
		return nil
	}
	mean := make([]float64, len(traj[0]))
	for _, t := range traj {
		for k, d := range t {
			mean[k] += d
		}
	}
	for k := range mean {
		mean[k] /= float64(len(traj))
	}
	return mean
}

func validateRequest(exp sim.Experiment, repetitions int) error {
	if repetitions < 1 {
		return fmt.Errorf("%w: repetitions %d < 1", ErrInvalidConfig, repetitions)
	}
	return exp.Validate()
}

// Theory returns the closed-form prediction for exp, computed
// independently of any simulation. Only scalar configurations with exactly
// two distinct values can be normalised onto the formulas; anything else
// is unavailable.
func (r *Runner) Theory(exp sim.Experiment) theory.Estimate {
	alg := exp.Params.Algorithm
	if !alg.HasClosedForm() {
		return theory.Unavailable(fmt.Sprintf("no closed form for %v", alg))
	}
	if len(exp.Initial) == 0 || len(exp.Initial[0]) != 1 {
		return theory.Unavailable("formulas cover scalar values only")
	}

	vals := sim.Values(exp.Initial)
	distinct := slices.Clone(vals)
	slices.Sort(distinct)
	distinct = slices.Compact(distinct)
	if len(distinct) != 2 {
		return theory.Unavailable(fmt.Sprintf("initial values take %d distinct values, need 2", len(distinct)))
	}
	lo, hi := distinct[0], distinct[1]

	m := 0
	for _, v := range vals {
		if v == lo {
			m++
		}
	}
	q := theory.Query{
		P:            exp.P,
		Algorithm:    alg,
		Rounds:       exp.Rounds,
		N:            len(vals),
		M:            m,
		MinDelivered: exp.MinDelivered,
	}
	if alg == sim.AMP {
		meet := 0.5
		if len(exp.Params.MeetingPoint) > 0 {
			meet = exp.Params.MeetingPoint[0]
		}
		q.MeetingPoint = (meet - lo) / (hi - lo)
	}

	est, err := r.calc.Expected(q)
	if err != nil {
		return theory.Unavailable(err.Error())
	}
	return est.Scale(hi - lo)
}
