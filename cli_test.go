package main

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"approx-agreement-simulation/config"
)

// execute runs the root command and returns stdout and stderr.
func execute(t *testing.T, args ...string) (string, string, error) {
	t.Helper()
	var stdout, stderr bytes.Buffer
	cmd := newRootCmd()
	cmd.SetOut(&stdout)
	cmd.SetErr(&stderr)
	cmd.SetArgs(args)
	err := cmd.ExecuteContext(context.Background())
	return stdout.String(), stderr.String(), err
}

func jsonLines(t *testing.T, out string) []map[string]any {
	t.Helper()
	var recs []map[string]any
	sc := bufio.NewScanner(strings.NewReader(out))
	for sc.Scan() {
		if strings.TrimSpace(sc.Text()) == "" {
			continue
		}
		var m map[string]any
		require.NoError(t, json.Unmarshal(sc.Bytes(), &m), sc.Text())
		recs = append(recs, m)
	}
	return recs
}

func TestRun_Text(t *testing.T) {
	out, _, err := execute(t, "run", "-a", "fv", "-p", "0.5", "-r", "3",
		"--repetitions", "50", "--seed", "3", "--workers", "2", "--log-level", "error")
	require.NoError(t, err)
	assert.Contains(t, out, "Algorithm: fv")
	assert.Contains(t, out, "mean")
	assert.Contains(t, out, "theory       0.125")
	assert.Contains(t, out, "rel error")
}

func TestRun_JSON(t *testing.T) {
	out, _, err := execute(t, "run", "-a", "amp", "-p", "0.3", "-r", "2",
		"--repetitions", "40", "--initial", "0,1,1", "--json", "--log-level", "error")
	require.NoError(t, err)
	recs := jsonLines(t, out)
	require.Len(t, recs, 1)
	rec := recs[0]
	assert.Equal(t, "amp", rec["algorithm"])
	assert.Equal(t, 40.0, rec["repetitions"])
	assert.Equal(t, 3.0, rec["processes"])

	th := rec["theory"].(map[string]any)
	assert.NotNil(t, th["value"])
	assert.Equal(t, true, th["approximate"])
	assert.Len(t, rec["mean_trajectory"], 3)
}

func TestRun_UnavailableTheoryIsNull(t *testing.T) {
	out, _, err := execute(t, "run", "-a", "min", "-p", "0.5", "-r", "2",
		"--repetitions", "10", "--json", "--log-level", "error")
	require.NoError(t, err)
	recs := jsonLines(t, out)
	require.Len(t, recs, 1)
	assert.Nil(t, recs[0]["abs_error"])
	assert.Equal(t, "unavailable", recs[0]["error_status"])
}

func TestRun_History(t *testing.T) {
	out, _, err := execute(t, "run", "--history", "-a", "amp", "-p", "1", "-r", "2",
		"--initial", "0,1", "--log-level", "error")
	require.NoError(t, err)
	assert.Contains(t, out, "metric=euclidean")
	assert.Contains(t, out, "[0 1]")
	assert.Contains(t, out, "[0.5 0.5]")
	assert.Equal(t, 6, strings.Count(out, "\n"))
}

func TestRun_HistoryMetric(t *testing.T) {
	out, _, err := execute(t, "run", "--history", "-a", "fv", "-p", "0", "-r", "1",
		"--processes", "2", "--dims", "2", "--metric", "linf", "--json", "--log-level", "error")
	require.NoError(t, err)
	recs := jsonLines(t, out)
	require.Len(t, recs, 2)
	for _, rec := range recs {
		assert.Equal(t, "chebyshev", rec["metric"])
		assert.Equal(t, 1.0, rec["discrepancy"])
	}
}

func TestRun_PrecisionTarget(t *testing.T) {
	out, _, err := execute(t, "run", "-a", "amp", "-p", "1", "-r", "2", "--repetitions", "1000",
		"--precision-target", "0.01", "--json", "--log-level", "error")
	require.NoError(t, err)
	recs := jsonLines(t, out)
	require.Len(t, recs, 1)
	assert.Equal(t, 100.0, recs[0]["repetitions"])
	assert.Equal(t, true, recs[0]["converged"])

	_, _, err = execute(t, "run", "--precision-target=-1")
	require.ErrorIs(t, err, config.ErrInvalidConfig)
}

func TestRun_Invalid(t *testing.T) {
	_, _, err := execute(t, "run", "-p", "2")
	require.ErrorIs(t, err, config.ErrInvalidConfig)

	_, _, err = execute(t, "run", "-a", "paxos")
	require.ErrorIs(t, err, config.ErrInvalidConfig)

	_, _, err = execute(t, "run", "--processes", "1")
	require.ErrorIs(t, err, config.ErrInvalidConfig)

	_, _, err = execute(t, "run", "-a", "ramp", "--meeting-point", "3")
	require.ErrorIs(t, err, config.ErrInvalidConfig)
}

func TestSweep_JSONOrdered(t *testing.T) {
	out, _, err := execute(t, "sweep", "--from", "0", "--to", "1", "--step", "0.5",
		"--repetitions", "20", "--algorithms", "amp,fv", "--json", "--log-level", "error")
	require.NoError(t, err)
	recs := jsonLines(t, out)
	require.Len(t, recs, 6)

	wantP := []float64{0, 0.5, 1, 0, 0.5, 1}
	wantAlg := []string{"amp", "amp", "amp", "fv", "fv", "fv"}
	for i, rec := range recs {
		assert.Equal(t, wantP[i], rec["p"], "row %d", i)
		assert.Equal(t, wantAlg[i], rec["algorithm"], "row %d", i)
	}
}

func TestSweep_Text(t *testing.T) {
	out, _, err := execute(t, "sweep", "--from", "0.2", "--to", "0.4", "--step", "0.2",
		"--repetitions", "10", "-a", "fv", "--log-level", "error")
	require.NoError(t, err)
	assert.Equal(t, 1, strings.Count(out, "Algorithm: fv"))
	assert.Contains(t, out, "0.200  |")
	assert.Contains(t, out, "0.400  |")
}

func TestTheory(t *testing.T) {
	out, _, err := execute(t, "theory", "-a", "amp", "-p", "0.7", "-r", "2", "--log-level", "error")
	require.NoError(t, err)
	assert.Contains(t, out, "0      | 1")
	assert.Contains(t, out, "1      | 0.3")
	assert.Contains(t, out, "2      | 0.09")

	out, _, err = execute(t, "theory", "-a", "min", "--log-level", "error")
	require.NoError(t, err)
	assert.Contains(t, out, "unavailable")
}

func TestTheory_BestConditioned(t *testing.T) {
	out, _, err := execute(t, "theory", "--best-conditioned", "--from", "0.1", "--to", "0.9",
		"--step", "0.4", "--json", "--log-level", "error")
	require.NoError(t, err)
	recs := jsonLines(t, out)
	require.Len(t, recs, 3)
	assert.Equal(t, 0.5, recs[1]["p"])
	assert.InDelta(t, 1.0/3, recs[1]["factor"].(float64), 1e-12)
	for _, r := range recs {
		assert.LessOrEqual(t, r["factor"].(float64), 1.0/3+1e-12)
	}
}

func TestMetricsFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "metrics.prom")
	_, _, err := execute(t, "run", "-a", "amp", "-p", "1", "-r", "3", "--repetitions", "4",
		"--metrics-file", path, "--log-level", "error")
	require.NoError(t, err)

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(data), `aasim_sim_repetitions_total{algorithm="amp"} 4`)
	assert.Contains(t, string(data), `aasim_sim_rounds_total{algorithm="amp"} 12`)
}

func TestTraceOutput(t *testing.T) {
	_, stderr, err := execute(t, "run", "-r", "1", "--repetitions", "2", "--trace", "--log-level", "error")
	require.NoError(t, err)
	assert.Contains(t, stderr, "experiment.RunMultiple")
}

func TestConfigFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "aasim.yaml")
	require.NoError(t, os.WriteFile(path, []byte("algorithm: fv\np: 0.3\nrounds: 1\nrepetitions: 5\nlog_level: error\n"), 0o600))

	out, _, err := execute(t, "run", "--config", path, "-r", "2", "--json")
	require.NoError(t, err)
	recs := jsonLines(t, out)
	require.Len(t, recs, 1)
	assert.Equal(t, "fv", recs[0]["algorithm"])
	assert.Equal(t, 0.3, recs[0]["p"])
	assert.Equal(t, 2.0, recs[0]["rounds"])
}
