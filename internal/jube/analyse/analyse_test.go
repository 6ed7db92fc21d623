package analyse

import (
	"context"
	"regexp"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/fzj-jsc/jube-go/internal/jube/bench"
	"github.com/fzj-jsc/jube-go/internal/jube/config"
	"github.com/fzj-jsc/jube-go/internal/jube/scheduler"
)

func runBenchmark(t *testing.T, def *config.BenchmarkDef) (*bench.Benchmark, *scheduler.Scheduler) {
	t.Helper()
	b, err := bench.New(def, 0, t.TempDir())
	require.NoError(t, err)
	require.NoError(t, b.CreateRunDir())
	sched := scheduler.New(b, scheduler.Options{})
	require.NoError(t, sched.Bootstrap())
	require.NoError(t, sched.Run(context.Background()))
	return b, sched
}

func timingDef() *config.BenchmarkDef {
	return &config.BenchmarkDef{
		Name: "timing",
		Parametersets: []config.ParametersetDef{{
			Name:       "space",
			Parameters: []config.ParameterDef{{Name: "n", Value: "1,2"}},
		}},
		Steps: []config.StepDef{{
			Name:       "run",
			Use:        []string{"space"},
			Operations: []config.OperationDef{{Do: `echo "time: $n.5"`}},
		}},
		Patternsets: []config.PatternsetDef{{
			Name: "timings",
			Patterns: []config.PatternDef{{
				Name:  "runtime",
				Regex: `time: ([0-9.]+)`,
				Type:  "float",
			}},
		}},
		Analysers: []config.AnalyserDef{{
			Name:    "extract",
			Use:     []string{"timings"},
			Analyse: []config.AnalyseFilesDef{{Step: "run", Files: []string{"stdout"}}},
		}},
		Results: []config.ResultDef{{
			Name:    "summary",
			Use:     []string{"extract"},
			Columns: []string{"n", "runtime"},
		}},
	}
}

func TestRunExtractsPatternsAndRoundTrips(t *testing.T) {
	b, sched := runBenchmark(t, timingDef())

	extractions, err := Run(b, sched.Workpackages(), nil)
	require.NoError(t, err)
	require.Len(t, extractions["extract"], 2)

	values := map[string]bool{}
	for _, ex := range extractions["extract"] {
		require.Equal(t, "run", ex.Step)
		values[ex.Values["runtime"]] = true
	}
	require.Equal(t, map[string]bool{"1.5": true, "2.5": true}, values)

	loaded, err := Load(b.Dir)
	require.NoError(t, err)
	require.Len(t, loaded["extract"], 2)
}

func TestReducers(t *testing.T) {
	content := "v 1\nv 3\nv 2\n"
	cases := []struct {
		reduce string
		want   string
	}{
		{"first", "1"},
		{"last", "2"},
		{"min", "1"},
		{"max", "3"},
		{"sum", "6"},
		{"avg", "2"},
		{"cnt", "3"},
	}
	for _, tc := range cases {
		patterns := []compiledPattern{{
			def: config.PatternDef{Name: "v", Regex: `v (\d+)`, Reduce: tc.reduce},
			re:  mustCompile(t, `v (\d+)`),
		}}
		values := map[string]string{}
		extractPatterns(patterns, content, values)
		require.Equal(t, tc.want, values["v"], "reduce=%s", tc.reduce)
	}
}

func mustCompile(t *testing.T, expr string) *regexp.Regexp {
	t.Helper()
	re, err := regexp.Compile(expr)
	require.NoError(t, err)
	return re
}
