// Package config loads the simulator's run configuration.
//
// Values are layered: defaults, then an optional YAML file, then AASIM_*
// environment variables. Command-line flags are applied on top by the CLI.
// The result is checked with struct-tag validation plus the parsers of the
// sim package.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"math/rand/v2"
	"os"
	"strconv"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"

	"approx-agreement-simulation/experiment"
	"approx-agreement-simulation/sim"
)

// ErrInvalidConfig wraps every load or validation failure.
var ErrInvalidConfig = errors.New("invalid config")

// EnvPrefix prefixes every environment override.
const EnvPrefix = "AASIM_"

var validate = validator.New(validator.WithRequiredStructEnabled())

// SweepConfig is a probability grid.
type SweepConfig struct {
	From float64 `yaml:"from" validate:"gte=0,lte=1"`
	To   float64 `yaml:"to" validate:"gte=0,lte=1,gtefield=From"`
	Step float64 `yaml:"step" validate:"gt=0,lte=1"`
}

// Config is one run of the CLI.
type Config struct {
	Algorithm    string  `yaml:"algorithm" validate:"required"`
	P            float64 `yaml:"p" validate:"gte=0,lte=1"`
	Rounds       int     `yaml:"rounds" validate:"gte=0"`
	Repetitions  int     `yaml:"repetitions" validate:"gte=1"`
	MinDelivered int     `yaml:"min_delivered" validate:"gte=0"`
	MeetingPoint float64 `yaml:"meeting_point"`
	Epsilon      float64 `yaml:"epsilon" validate:"gte=0"`

	// Initial lists scalar starting values. When empty, Processes points
	// of dimension Dims are generated from Pattern.
	Initial   []float64 `yaml:"initial"`
	Processes int       `yaml:"processes" validate:"gte=2"`
	Dims      int       `yaml:"dims" validate:"gte=1"`
	Pattern   string    `yaml:"pattern"`
	Metric    string    `yaml:"metric"`

	Sweep  SweepConfig       `yaml:"sweep"`
	Runner experiment.Config `yaml:"runner"`

	LogLevel string `yaml:"log_level" validate:"oneof=debug info warn error"`
}

// Default returns the built-in configuration: two processes at 0 and 1,
// AMP with meeting point 0.5, ten rounds at p=0.5.
func Default() Config {
	return Config{
		Algorithm:    sim.AMP.String(),
		P:            0.5,
		Rounds:       10,
		Repetitions:  1000,
		MeetingPoint: 0.5,
		Epsilon:      sim.DefaultEpsilon,
		Initial:      []float64{0, 1},
		Processes:    2,
		Dims:         1,
		Pattern:      sim.Corners.String(),
		Metric:       sim.Euclidean.String(),
		Sweep:        SweepConfig{From: 0, To: 1, Step: 0.1},
		Runner:       experiment.DefaultConfig(),
		LogLevel:     "info",
	}
}

// Load applies the file at path (if non-empty) and the environment to the
// defaults, then validates.
func Load(path string) (Config, error) {
	cfg := Default()
	if path != "" {
		if err := loadFile(path, &cfg); err != nil {
			return cfg, err
		}
	}
	if err := loadEnv(&cfg, os.LookupEnv); err != nil {
		return cfg, err
	}
	if err := cfg.Validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func loadFile(path string, cfg *Config) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("%w: read %s: %w", ErrInvalidConfig, path, err)
	}
	// A file that lists initial values replaces the default list.
	cfg.Initial = nil
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil {
		return fmt.Errorf("%w: parse %s: %w", ErrInvalidConfig, path, err)
	}
	return nil
}

// loadEnv overrides fields from AASIM_* variables. Unparseable values are
// errors rather than silently ignored.
func loadEnv(cfg *Config, lookup func(string) (string, bool)) error {
	var errs []error
	str := func(name string, dst *string) {
		if v, ok := lookup(EnvPrefix + name); ok && v != "" {
			*dst = v
		}
	}
	integer := func(name string, dst *int) {
		if v, ok := lookup(EnvPrefix + name); ok && v != "" {
			i, err := strconv.Atoi(v)
			if err != nil {
				errs = append(errs, fmt.Errorf("%s%s: %w", EnvPrefix, name, err))
				return
			}
			*dst = i
		}
	}
	float := func(name string, dst *float64) {
		if v, ok := lookup(EnvPrefix + name); ok && v != "" {
			f, err := strconv.ParseFloat(v, 64)
			if err != nil {
				errs = append(errs, fmt.Errorf("%s%s: %w", EnvPrefix, name, err))
				return
			}
			*dst = f
		}
	}

	str("ALGORITHM", &cfg.Algorithm)
	float("P", &cfg.P)
	integer("ROUNDS", &cfg.Rounds)
	integer("REPETITIONS", &cfg.Repetitions)
	integer("MIN_DELIVERED", &cfg.MinDelivered)
	float("MEETING_POINT", &cfg.MeetingPoint)
	integer("PROCESSES", &cfg.Processes)
	integer("DIMS", &cfg.Dims)
	str("PATTERN", &cfg.Pattern)
	str("METRIC", &cfg.Metric)
	integer("WORKERS", &cfg.Runner.Workers)
	float("PRECISION_TARGET", &cfg.Runner.PrecisionTarget)
	str("LOG_LEVEL", &cfg.LogLevel)

	if v, ok := lookup(EnvPrefix + "SEED"); ok && v != "" {
		seed, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			errs = append(errs, fmt.Errorf("%sSEED: %w", EnvPrefix, err))
		} else {
			cfg.Runner.Seed = seed
		}
	}
	if v, ok := lookup(EnvPrefix + "PRECISION"); ok && v != "" {
		prec, err := strconv.ParseUint(v, 10, 32)
		if err != nil {
			errs = append(errs, fmt.Errorf("%sPRECISION: %w", EnvPrefix, err))
		} else {
			cfg.Runner.Numeric.Precision = uint32(prec)
		}
	}

	if err := errors.Join(errs...); err != nil {
		return fmt.Errorf("%w: environment: %w", ErrInvalidConfig, err)
	}
	return nil
}

// Validate checks field ranges and that every name parses.
func (c Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		return fmt.Errorf("%w: %w", ErrInvalidConfig, err)
	}
	alg, err := sim.ParseAlgorithm(c.Algorithm)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrInvalidConfig, err)
	}
	if _, err := sim.ParsePattern(c.Pattern); err != nil {
		return fmt.Errorf("%w: %w", ErrInvalidConfig, err)
	}
	if _, err := sim.ParseMetric(c.Metric); err != nil {
		return fmt.Errorf("%w: %w", ErrInvalidConfig, err)
	}
	if len(c.Initial) == 1 {
		return fmt.Errorf("%w: need at least 2 initial values, got 1", ErrInvalidConfig)
	}
	if alg == sim.RecursiveAMP && (c.MeetingPoint < 0 || c.MeetingPoint > 1) {
		return fmt.Errorf("%w: recursive AMP fraction %v outside [0,1]", ErrInvalidConfig, c.MeetingPoint)
	}
	return nil
}

// Experiment builds the experiment described by c. src feeds the uniform
// pattern and may be nil for the deterministic patterns.
func (c Config) Experiment(src rand.Source) (sim.Experiment, error) {
	alg, err := sim.ParseAlgorithm(c.Algorithm)
	if err != nil {
		return sim.Experiment{}, fmt.Errorf("%w: %w", ErrInvalidConfig, err)
	}

	var initial []sim.Point
	if len(c.Initial) > 0 {
		initial = sim.Scalars(c.Initial)
	} else {
		pattern, err := sim.ParsePattern(c.Pattern)
		if err != nil {
			return sim.Experiment{}, fmt.Errorf("%w: %w", ErrInvalidConfig, err)
		}
		if initial, err = sim.GeneratePoints(pattern, c.Processes, c.Dims, src); err != nil {
			return sim.Experiment{}, err
		}
	}

	exp := sim.Experiment{
		Initial: initial,
		P:       c.P,
		Rounds:  c.Rounds,
		Params: sim.Params{
			Algorithm:    alg,
			MeetingPoint: sim.Point{c.MeetingPoint},
			Epsilon:      c.Epsilon,
		},
		MinDelivered: c.MinDelivered,
	}
	return exp, exp.Validate()
}

// RunnerConfig returns the orchestrator settings with the metric resolved.
func (c Config) RunnerConfig() (experiment.Config, error) {
	m, err := sim.ParseMetric(c.Metric)
	if err != nil {
		return experiment.Config{}, fmt.Errorf("%w: %w", ErrInvalidConfig, err)
	}
	rc := c.Runner
	rc.Metric = m
	return rc, nil
}

// Grid expands the sweep settings.
func (c Config) Grid() ([]float64, error) {
	return experiment.ProbabilityGrid(c.Sweep.From, c.Sweep.To, c.Sweep.Step)
}
