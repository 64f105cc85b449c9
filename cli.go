package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"

	"approx-agreement-simulation/config"
	"approx-agreement-simulation/experiment"
	"approx-agreement-simulation/sim"
	"approx-agreement-simulation/theory"
)

// flagValues holds raw flag values. A value only overrides the config
// when its flag was set on the command line.
type flagValues struct {
	algorithm    string
	p            float64
	rounds       int
	repetitions  int
	minDelivered int
	meetingPoint float64
	initial      []float64
	processes    int
	dims         int
	pattern      string
	metric       string
	seed         int64
	workers      int
	precision    uint32
	from, to     float64
	step         float64

	precisionTarget float64
}

// app is the state shared by all subcommands of one invocation.
type app struct {
	configPath  string
	logLevel    string
	metricsFile string
	trace       bool
	jsonOut     bool
	flags       flagValues

	cfg      config.Config
	logger   *slog.Logger
	registry *prometheus.Registry
	runner   *experiment.Runner
	shutdown func(context.Context) error
}

func newRootCmd() *cobra.Command {
	a := &app{}
	root := &cobra.Command{
		Use:   "aasim",
		Short: "Simulate approximate agreement over lossy channels",
		Long: `aasim runs the AMP, FV, MIN and recursive AMP approximate agreement
protocols under Bernoulli message loss, compares measured discrepancy with
closed-form predictions, and sweeps delivery probabilities.`,
		SilenceUsage:       true,
		PersistentPreRunE:  a.setup,
		PersistentPostRunE: a.teardown,
	}

	pf := root.PersistentFlags()
	pf.StringVar(&a.configPath, "config", "", "YAML config file")
	pf.StringVar(&a.logLevel, "log-level", "", "debug, info, warn or error")
	pf.StringVar(&a.metricsFile, "metrics-file", "", "write Prometheus metrics to this file on exit")
	pf.BoolVar(&a.trace, "trace", false, "print OpenTelemetry spans to stderr")
	pf.BoolVar(&a.jsonOut, "json", false, "print results as JSON lines")

	f := &a.flags
	pf.StringVarP(&f.algorithm, "algorithm", "a", "", "amp, fv, min or recursive-amp")
	pf.Float64VarP(&f.p, "p", "p", 0, "per-message delivery probability")
	pf.IntVarP(&f.rounds, "rounds", "r", 0, "rounds per experiment")
	pf.IntVar(&f.repetitions, "repetitions", 0, "independent repetitions")
	pf.IntVar(&f.minDelivered, "min-delivered", 0, "condition each round on at least this many deliveries")
	pf.Float64Var(&f.meetingPoint, "meeting-point", 0, "AMP meeting point, or recursive AMP fraction")
	pf.Float64SliceVar(&f.initial, "initial", nil, "scalar initial values")
	pf.IntVarP(&f.processes, "processes", "n", 0, "number of processes for generated initial values")
	pf.IntVar(&f.dims, "dims", 0, "dimension of generated initial values")
	pf.StringVar(&f.pattern, "pattern", "", "corners, uniform, centroid or line")
	pf.StringVar(&f.metric, "metric", "", "euclidean, manhattan or chebyshev")
	pf.Int64Var(&f.seed, "seed", 0, "base random seed")
	pf.IntVar(&f.workers, "workers", 0, "concurrent repetitions (0 = GOMAXPROCS)")
	pf.Uint32Var(&f.precision, "precision", 0, "decimal digits for closed-form evaluation")
	pf.Float64Var(&f.precisionTarget, "precision-target", 0, "stop a point once the 95% CI half-width is within this (0 = run every repetition)")

	root.AddCommand(newRunCmd(a), newSweepCmd(a), newTheoryCmd(a))
	return root
}

func (a *app) setup(cmd *cobra.Command, _ []string) error {
	cfg, err := config.Load(a.configPath)
	if err != nil {
		return err
	}
	a.applyFlags(cmd, &cfg)
	if err := cfg.Validate(); err != nil {
		return err
	}
	a.cfg = cfg

	level, err := parseLevel(cfg.LogLevel)
	if err != nil {
		return err
	}
	a.logger = newLogger(cmd.ErrOrStderr(), level)

	rc, err := cfg.RunnerConfig()
	if err != nil {
		return err
	}
	a.registry = prometheus.NewRegistry()
	opts := []experiment.Option{
		experiment.WithLogger(a.logger),
		experiment.WithMetrics(experiment.NewMetrics(a.registry)),
	}
	if a.trace {
		tp, err := initTracing(cmd.ErrOrStderr())
		if err != nil {
			return err
		}
		a.shutdown = tp.Shutdown
		opts = append(opts, experiment.WithTracer(tp.Tracer("approx-agreement-simulation/experiment")))
	}
	a.runner, err = experiment.NewRunner(rc, opts...)
	return err
}

func (a *app) teardown(cmd *cobra.Command, _ []string) error {
	var errs []error
	if a.shutdown != nil {
		errs = append(errs, a.shutdown(cmd.Context()))
	}
	if a.metricsFile != "" && a.registry != nil {
		errs = append(errs, writeMetrics(a.metricsFile, a.registry))
	}
	return errors.Join(errs...)
}

func (a *app) applyFlags(cmd *cobra.Command, cfg *config.Config) {
	fs := cmd.Flags()
	f := a.flags
	set := fs.Changed

	if set("log-level") {
		cfg.LogLevel = strings.ToLower(a.logLevel)
	}
	if set("algorithm") {
		cfg.Algorithm = f.algorithm
	}
	if set("p") {
		cfg.P = f.p
	}
	if set("rounds") {
		cfg.Rounds = f.rounds
	}
	if set("repetitions") {
		cfg.Repetitions = f.repetitions
	}
	if set("min-delivered") {
		cfg.MinDelivered = f.minDelivered
	}
	if set("meeting-point") {
		cfg.MeetingPoint = f.meetingPoint
	}
	// Asking for generated values discards configured scalars.
	if set("processes") || set("dims") || set("pattern") {
		cfg.Initial = nil
	}
	if set("processes") {
		cfg.Processes = f.processes
	}
	if set("dims") {
		cfg.Dims = f.dims
	}
	if set("pattern") {
		cfg.Pattern = f.pattern
	}
	if set("initial") {
		cfg.Initial = f.initial
	}
	if set("metric") {
		cfg.Metric = f.metric
	}
	if set("seed") {
		cfg.Runner.Seed = f.seed
	}
	if set("workers") {
		cfg.Runner.Workers = f.workers
	}
	if set("precision") {
		cfg.Runner.Numeric.Precision = f.precision
	}
	if set("precision-target") {
		cfg.Runner.PrecisionTarget = f.precisionTarget
	}
	if set("from") {
		cfg.Sweep.From = f.from
	}
	if set("to") {
		cfg.Sweep.To = f.to
	}
	if set("step") {
		cfg.Sweep.Step = f.step
	}
}

func (a *app) experiment() (sim.Experiment, error) {
	return a.cfg.Experiment(sim.NewFastRNG(a.cfg.Runner.Seed))
}

func newRunCmd(a *app) *cobra.Command {
	var history bool
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run repeated experiments and compare with theory",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			exp, err := a.experiment()
			if err != nil {
				return err
			}
			if history {
				return a.runHistory(cmd, exp)
			}
			res, err := a.runner.RunMultiple(cmd.Context(), exp, a.cfg.Repetitions)
			if err != nil {
				return err
			}
			p := newPrinter(cmd.OutOrStdout(), a.jsonOut)
			return p.summary(res)
		},
	}
	cmd.Flags().BoolVar(&history, "history", false, "print every round of a single run instead of repeating")
	return cmd
}

func (a *app) runHistory(cmd *cobra.Command, exp sim.Experiment) error {
	rc, err := a.cfg.RunnerConfig()
	if err != nil {
		return err
	}
	s := sim.NewSimulator(a.cfg.Runner.Seed,
		sim.WithMetric(rc.Metric),
		sim.WithConditioning(rc.Conditioning),
		sim.WithLogger(a.logger),
	)
	h, err := s.RunExperiment(cmd.Context(), exp)
	if err != nil {
		return err
	}
	return newPrinter(cmd.OutOrStdout(), a.jsonOut).history(exp, s.Metric(), h)
}

func newSweepCmd(a *app) *cobra.Command {
	var algorithms []string
	cmd := &cobra.Command{
		Use:   "sweep",
		Short: "Sweep the delivery probability over a grid",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			base, err := a.experiment()
			if err != nil {
				return err
			}
			grid, err := a.cfg.Grid()
			if err != nil {
				return err
			}
			if len(algorithms) == 0 {
				algorithms = []string{a.cfg.Algorithm}
			}

			p := newPrinter(cmd.OutOrStdout(), a.jsonOut)
			for _, name := range algorithms {
				alg, err := sim.ParseAlgorithm(name)
				if err != nil {
					return err
				}
				exp := base
				exp.Params.Algorithm = alg
				if err := a.sweep(cmd.Context(), p, exp, grid); err != nil {
					return err
				}
			}
			return nil
		},
	}
	f := cmd.Flags()
	f.StringSliceVar(&algorithms, "algorithms", nil, "algorithms to sweep (default: the configured one)")
	f.Float64Var(&a.flags.from, "from", 0, "first probability")
	f.Float64Var(&a.flags.to, "to", 0, "last probability")
	f.Float64Var(&a.flags.step, "step", 0, "probability step")
	return cmd
}

// sweep prints rows as the runner releases them in grid order.
func (a *app) sweep(ctx context.Context, p *printer, exp sim.Experiment, grid []float64) error {
	out := make(chan experiment.AggregateResult)
	errCh := make(chan error, 1)
	go func() {
		errCh <- a.runner.Sweep(ctx, exp, grid, a.cfg.Repetitions, out)
	}()

	var printErr error
	for res := range out {
		if printErr == nil {
			printErr = p.sweepRow(res)
		}
	}
	if err := <-errCh; err != nil {
		return err
	}
	return printErr
}

func newTheoryCmd(a *app) *cobra.Command {
	var best bool
	cmd := &cobra.Command{
		Use:   "theory",
		Short: "Print closed-form expected discrepancies without simulating",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			p := newPrinter(cmd.OutOrStdout(), a.jsonOut)
			if best {
				grid, err := a.cfg.Grid()
				if err != nil {
					return err
				}
				return a.bestConditioned(p, grid)
			}

			exp, err := a.experiment()
			if err != nil {
				return err
			}
			rows := make([]theory.Estimate, 0, exp.Rounds+1)
			for k := 0; k <= exp.Rounds; k++ {
				e := exp
				e.Rounds = k
				rows = append(rows, a.runner.Theory(e))
			}
			return p.theory(exp, rows)
		},
	}
	cmd.Flags().BoolVar(&best, "best-conditioned", false,
		"print min(AMP, FV) conditioned on one delivery for two processes over the sweep grid")
	f := cmd.Flags()
	f.Float64Var(&a.flags.from, "from", 0, "first probability")
	f.Float64Var(&a.flags.to, "to", 0, "last probability")
	f.Float64Var(&a.flags.step, "step", 0, "probability step")
	return cmd
}

func (a *app) bestConditioned(p *printer, grid []float64) error {
	calc := a.runner.Calculator()
	rows := make([][2]float64, 0, len(grid))
	for _, prob := range grid {
		if prob == 0 {
			continue
		}
		f, err := calc.BestConditionedFactor(prob)
		if err != nil {
			return fmt.Errorf("p=%v: %w", prob, err)
		}
		rows = append(rows, [2]float64{prob, f})
	}
	return p.bestConditioned(rows)
}
