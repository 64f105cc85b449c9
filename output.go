package main

import (
	"encoding/json"
	"fmt"
	"io"
	"math"
	"strings"

	"approx-agreement-simulation/experiment"
	"approx-agreement-simulation/sim"
	"approx-agreement-simulation/stats"
	"approx-agreement-simulation/theory"
)

// printer writes results as aligned text or as JSON lines. Sweep rows are
// printed incrementally with a header whenever the algorithm changes.
type printer struct {
	w       io.Writer
	json    *json.Encoder
	lastAlg *sim.Algorithm
}

func newPrinter(w io.Writer, jsonOut bool) *printer {
	p := &printer{w: w}
	if jsonOut {
		p.json = json.NewEncoder(w)
	}
	return p
}

// finite maps NaN and ±Inf to null.
func finite(f float64) *float64 {
	if math.IsNaN(f) || math.IsInf(f, 0) {
		return nil
	}
	return &f
}

type theoryRecord struct {
	Value       *float64 `json:"value"`
	Factor      *float64 `json:"factor,omitempty"`
	Approximate bool     `json:"approximate,omitempty"`
	Note        string   `json:"note,omitempty"`
}

func newTheoryRecord(e theory.Estimate) theoryRecord {
	r := theoryRecord{Note: e.Reason}
	if v, ok := e.Float64(); ok {
		r.Value = finite(v)
		r.Factor = finite(e.Factor)
		r.Approximate = e.Approximate
	}
	return r
}

type resultRecord struct {
	ID           string       `json:"id"`
	Algorithm    string       `json:"algorithm"`
	P            float64      `json:"p"`
	Rounds       int          `json:"rounds"`
	Processes    int          `json:"processes"`
	MinDelivered int          `json:"min_delivered,omitempty"`
	Repetitions  int          `json:"repetitions"`
	Initial      float64      `json:"initial_discrepancy"`
	Mean         float64      `json:"mean"`
	Median       float64      `json:"median"`
	Min          float64      `json:"min"`
	Max          float64      `json:"max"`
	StdDev       float64      `json:"std_dev"`
	StdErr       float64      `json:"std_err"`
	CI95         [2]float64   `json:"ci95"`
	Theory       theoryRecord `json:"theory"`
	AbsError     *float64     `json:"abs_error"`
	RelError     *float64     `json:"rel_error"`
	ErrorStatus  string       `json:"error_status"`
	Unmet        int          `json:"unmet_rounds,omitempty"`
	Converged    bool         `json:"converged,omitempty"`
	Trajectory   []float64    `json:"mean_trajectory,omitempty"`
	ElapsedMS    float64      `json:"elapsed_ms"`
}

func newResultRecord(res *experiment.AggregateResult) resultRecord {
	s := res.Summary
	return resultRecord{
		ID:           res.ID.String(),
		Algorithm:    res.Experiment.Params.Algorithm.String(),
		P:            res.Experiment.P,
		Rounds:       res.Experiment.Rounds,
		Processes:    len(res.Experiment.Initial),
		MinDelivered: res.Experiment.MinDelivered,
		Repetitions:  res.Repetitions,
		Initial:      res.InitialDiscrepancy,
		Mean:         s.Mean,
		Median:       s.Median,
		Min:          s.Min,
		Max:          s.Max,
		StdDev:       s.StdDev,
		StdErr:       s.StdErr,
		CI95:         [2]float64{s.CILow, s.CIHigh},
		Theory:       newTheoryRecord(res.Theory),
		AbsError:     finite(s.AbsError),
		RelError:     finite(s.RelError),
		ErrorStatus:  s.ErrorStatus.String(),
		Unmet:        res.Unmet,
		Converged:    res.Converged,
		Trajectory:   res.MeanTrajectory,
		ElapsedMS:    float64(res.Elapsed.Microseconds()) / 1000,
	}
}

func (p *printer) summary(res *experiment.AggregateResult) error {
	if p.json != nil {
		return p.json.Encode(newResultRecord(res))
	}
	exp := res.Experiment
	s := res.Summary
	var b strings.Builder
	fmt.Fprintf(&b, "Run %s\n", res.ID)
	fmt.Fprintf(&b, "Algorithm: %s  p=%.4g  rounds=%d  processes=%d  repetitions=%d\n",
		exp.Params.Algorithm, exp.P, exp.Rounds, len(exp.Initial), res.Repetitions)
	if exp.Conditioned() {
		fmt.Fprintf(&b, "Conditioned on >= %d deliveries per round (unmet rounds: %d)\n", exp.MinDelivered, res.Unmet)
	}
	if res.Converged {
		fmt.Fprintf(&b, "Precision target met after %d repetitions\n", res.Repetitions)
	}
	fmt.Fprintf(&b, "Initial discrepancy: %.6g\n\n", res.InitialDiscrepancy)
	fmt.Fprintf(&b, "%-12s %.6g\n", "mean", s.Mean)
	fmt.Fprintf(&b, "%-12s %.6g\n", "median", s.Median)
	fmt.Fprintf(&b, "%-12s %.6g\n", "min", s.Min)
	fmt.Fprintf(&b, "%-12s %.6g\n", "max", s.Max)
	fmt.Fprintf(&b, "%-12s %.6g\n", "std dev", s.StdDev)
	fmt.Fprintf(&b, "%-12s %.6g\n", "std err", s.StdErr)
	fmt.Fprintf(&b, "%-12s [%.6g, %.6g]\n", "95% CI", s.CILow, s.CIHigh)
	fmt.Fprintf(&b, "%-12s %s\n", "theory", res.Theory)
	if s.ErrorStatus != stats.ErrorUnavailable {
		fmt.Fprintf(&b, "%-12s %.6g\n", "abs error", s.AbsError)
	}
	fmt.Fprintf(&b, "%-12s %s\n", "rel error", s.RelErrorString())
	_, err := io.WriteString(p.w, b.String())
	return err
}

func (p *printer) sweepRow(res experiment.AggregateResult) error {
	if p.json != nil {
		return p.json.Encode(newResultRecord(&res))
	}
	alg := res.Experiment.Params.Algorithm
	if p.lastAlg == nil || *p.lastAlg != alg {
		fmt.Fprintf(p.w, "\nAlgorithm: %s  rounds=%d  processes=%d  repetitions=%d\n",
			alg, res.Experiment.Rounds, len(res.Experiment.Initial), res.Repetitions)
		fmt.Fprintf(p.w, "%-6s | %-10s | %-10s | %-22s | %-18s | %s\n",
			"p", "Mean", "Std Err", "95% CI", "Theory", "Rel Error")
		fmt.Fprintln(p.w, strings.Repeat("-", 90))
		p.lastAlg = &alg
	}
	s := res.Summary
	_, err := fmt.Fprintf(p.w, "%-6.3f | %-10.5f | %-10.5f | %-22s | %-18s | %s\n",
		res.Experiment.P, s.Mean, s.StdErr,
		fmt.Sprintf("[%.4f, %.4f]", s.CILow, s.CIHigh),
		res.Theory, s.RelErrorString())
	return err
}

type roundRecord struct {
	Round       int         `json:"round"`
	Values      [][]float64 `json:"values"`
	Delivered   int         `json:"delivered"`
	Messages    int         `json:"messages"`
	Discrepancy float64     `json:"discrepancy"`
	Metric      string      `json:"metric"`
	Condition   string      `json:"conditioning,omitempty"`
}

func (p *printer) history(exp sim.Experiment, metric sim.Metric, h *sim.History) error {
	if p.json == nil {
		fmt.Fprintf(p.w, "Algorithm: %s  p=%.4g  processes=%d  metric=%s\n",
			exp.Params.Algorithm, exp.P, len(exp.Initial), metric)
	}
	for _, r := range h.Records {
		rec := roundRecord{
			Round:       r.Round,
			Delivered:   r.Delivered,
			Messages:    len(r.Messages),
			Discrepancy: r.Discrepancy,
			Metric:      metric.String(),
		}
		for _, v := range r.Values {
			rec.Values = append(rec.Values, []float64(v))
		}
		if exp.Conditioned() && r.Round > 0 {
			rec.Condition = fmt.Sprintf("%s met=%t attempts=%d", r.Conditioning.Method, r.Conditioning.Met, r.Conditioning.Attempts)
		}
		if p.json != nil {
			if err := p.json.Encode(rec); err != nil {
				return err
			}
			continue
		}
		if r.Round == 0 {
			fmt.Fprintf(p.w, "%-5s | %-9s | %-11s | %s\n", "Round", "Delivered", "Discrepancy", "Values")
			fmt.Fprintln(p.w, strings.Repeat("-", 60))
		}
		if _, err := fmt.Fprintf(p.w, "%-5d | %3d / %-3d | %-11.6g | %s %s\n",
			r.Round, rec.Delivered, rec.Messages, r.Discrepancy, formatPoints(r.Values), rec.Condition); err != nil {
			return err
		}
	}
	return nil
}

func formatPoints(pts []sim.Point) string {
	parts := make([]string, len(pts))
	for i, pt := range pts {
		if len(pt) == 1 {
			parts[i] = fmt.Sprintf("%.4g", pt[0])
			continue
		}
		coords := make([]string, len(pt))
		for j, x := range pt {
			coords[j] = fmt.Sprintf("%.4g", x)
		}
		parts[i] = "(" + strings.Join(coords, ",") + ")"
	}
	return "[" + strings.Join(parts, " ") + "]"
}

func (p *printer) theory(exp sim.Experiment, rows []theory.Estimate) error {
	if p.json == nil {
		fmt.Fprintf(p.w, "Algorithm: %s  p=%.4g  processes=%d\n", exp.Params.Algorithm, exp.P, len(exp.Initial))
		fmt.Fprintf(p.w, "%-6s | %s\n", "Round", "Expected discrepancy")
		fmt.Fprintln(p.w, strings.Repeat("-", 40))
	}
	for k, e := range rows {
		if p.json != nil {
			rec := struct {
				Round int `json:"round"`
				theoryRecord
			}{k, newTheoryRecord(e)}
			if err := p.json.Encode(rec); err != nil {
				return err
			}
			continue
		}
		if _, err := fmt.Fprintf(p.w, "%-6d | %s\n", k, e); err != nil {
			return err
		}
	}
	return nil
}

func (p *printer) bestConditioned(rows [][2]float64) error {
	if p.json == nil {
		fmt.Fprintf(p.w, "%-6s | %s\n", "p", "min(AMP, FV) | >=1 delivery, n=2")
		fmt.Fprintln(p.w, strings.Repeat("-", 40))
	}
	for _, r := range rows {
		var err error
		if p.json != nil {
			err = p.json.Encode(struct {
				P      float64 `json:"p"`
				Factor float64 `json:"factor"`
			}{r[0], r[1]})
		} else {
			_, err = fmt.Fprintf(p.w, "%-6.3f | %.6f\n", r[0], r[1])
		}
		if err != nil {
			return err
		}
	}
	return nil
}
