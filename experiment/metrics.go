package experiment

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"approx-agreement-simulation/sim"
)

const namespace = "aasim"

// Metrics counts simulation work. All collectors are labelled by
// algorithm. A nil *Metrics records nothing.
type Metrics struct {
	// Repetitions counts completed repetitions.
	Repetitions *prometheus.CounterVec

	// Rounds counts simulated rounds.
	Rounds *prometheus.CounterVec

	// Deliveries counts delivered messages.
	Deliveries *prometheus.CounterVec

	// RejectionAttempts counts draws made by the rejection sampler.
	RejectionAttempts *prometheus.CounterVec

	// UnmetConditioning counts conditioned rounds whose condition was
	// not met.
	UnmetConditioning *prometheus.CounterVec

	// PointDuration measures wall time per experiment point.
	PointDuration *prometheus.HistogramVec
}

// NewMetrics registers the collectors with reg. Use a private registry in
// tests; registering twice with the same registry panics.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	labels := []string{"algorithm"}
	counter := func(name, help string) *prometheus.CounterVec {
		return f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "sim",
			Name:      name,
			Help:      help,
		}, labels)
	}
	return &Metrics{
		Repetitions:       counter("repetitions_total", "Completed experiment repetitions"),
		Rounds:            counter("rounds_total", "Simulated rounds"),
		Deliveries:        counter("deliveries_total", "Delivered messages"),
		RejectionAttempts: counter("rejection_attempts_total", "Rejection sampler draws"),
		UnmetConditioning: counter("conditioning_unmet_total", "Conditioned rounds that missed their delivery floor"),
		PointDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "experiment",
			Name:      "point_duration_seconds",
			Help:      "Wall time to run all repetitions of one experiment point",
			Buckets:   prometheus.ExponentialBuckets(0.001, 4, 10),
		}, labels),
	}
}

func (m *Metrics) observeHistory(alg sim.Algorithm, h *sim.History) {
	if m == nil {
		return
	}
	label := alg.String()
	var deliveries, attempts int
	for _, r := range h.Records[1:] {
		deliveries += r.Delivered
		if r.Conditioning.Method == sim.MethodRejection {
			attempts += r.Conditioning.Attempts
		}
	}
	m.Repetitions.WithLabelValues(label).Inc()
	m.Rounds.WithLabelValues(label).Add(float64(len(h.Records) - 1))
	m.Deliveries.WithLabelValues(label).Add(float64(deliveries))
	m.RejectionAttempts.WithLabelValues(label).Add(float64(attempts))
	m.UnmetConditioning.WithLabelValues(label).Add(float64(h.Unmet))
}

func (m *Metrics) observePoint(alg sim.Algorithm, seconds float64) {
	if m == nil {
		return
	}
	m.PointDuration.WithLabelValues(alg.String()).Observe(seconds)
}
