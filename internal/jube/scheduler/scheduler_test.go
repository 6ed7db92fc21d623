package scheduler

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/fzj-jsc/jube-go/internal/jube/bench"
	"github.com/fzj-jsc/jube-go/internal/jube/config"
)

func newBenchmark(t *testing.T, def *config.BenchmarkDef) *bench.Benchmark {
	t.Helper()
	outpath := t.TempDir()
	b, err := bench.New(def, 0, outpath)
	require.NoError(t, err)
	require.NoError(t, b.CreateRunDir())
	return b
}

func runToCompletion(t *testing.T, b *bench.Benchmark) *Scheduler {
	t.Helper()
	sched := New(b, Options{})
	require.NoError(t, sched.Bootstrap())
	require.NoError(t, sched.Run(context.Background()))
	return sched
}

func TestRootOnlyStep(t *testing.T) {
	b := newBenchmark(t, &config.BenchmarkDef{
		Name: "root",
		Steps: []config.StepDef{{
			Name:       "prep",
			Operations: []config.OperationDef{{Do: "echo hi > out"}},
		}},
	})
	sched := runToCompletion(t, b)

	wps := sched.Workpackages()
	require.Len(t, wps, 1)
	require.Equal(t, 0, wps[0].ID)
	require.True(t, wps[0].Done())
	require.Equal(t, filepath.Join(b.Dir, "000000_prep"), wps[0].Dir())

	out, err := os.ReadFile(filepath.Join(wps[0].WorkDir(), "out"))
	require.NoError(t, err)
	require.Equal(t, "hi\n", string(out))
	_, err = os.Stat(filepath.Join(wps[0].Dir(), "done"))
	require.NoError(t, err)
}

func TestTemplateFanout(t *testing.T) {
	b := newBenchmark(t, &config.BenchmarkDef{
		Name: "fanout",
		Parametersets: []config.ParametersetDef{{
			Name:       "space",
			Parameters: []config.ParameterDef{{Name: "p", Value: "x,y,z"}},
		}},
		Steps: []config.StepDef{{
			Name:       "s",
			Use:        []string{"space"},
			Operations: []config.OperationDef{{Do: "echo $p"}},
		}},
	})
	sched := runToCompletion(t, b)

	wps := sched.Workpackages()
	require.Len(t, wps, 3)
	seen := map[string]bool{}
	for _, wp := range wps {
		require.True(t, wp.Done())
		out, err := os.ReadFile(filepath.Join(wp.WorkDir(), "stdout"))
		require.NoError(t, err)
		seen[strings.TrimSpace(string(out))] = true
	}
	require.Equal(t, map[string]bool{"x": true, "y": true, "z": true}, seen)
}

func TestTwoStepChainWithIterations(t *testing.T) {
	b := newBenchmark(t, &config.BenchmarkDef{
		Name: "chain",
		Steps: []config.StepDef{
			{
				Name:       "a",
				Iterations: 2,
				Operations: []config.OperationDef{{Do: "echo from_a > produced"}},
			},
			{
				Name:       "b",
				Depend:     []string{"a"},
				Operations: []config.OperationDef{{Do: "cat a/produced > consumed"}},
			},
		},
	})
	sched := runToCompletion(t, b)

	wps := sched.Workpackages()
	require.Len(t, wps, 4)

	var aCount, bCount int
	for _, wp := range wps {
		require.True(t, wp.Done())
		switch wp.Step.Name {
		case "a":
			aCount++
			require.Empty(t, wp.Parents)
			require.Len(t, wp.IterationSiblings, 2)
		case "b":
			bCount++
			require.Len(t, wp.Parents, 1)
			require.Equal(t, "a", wp.Parents[0].Step.Name)
			out, err := os.ReadFile(filepath.Join(wp.WorkDir(), "consumed"))
			require.NoError(t, err)
			require.Equal(t, "from_a\n", string(out))
		}
	}
	require.Equal(t, 2, aCount)
	require.Equal(t, 2, bCount)
}

func TestAsyncGateDefersAndResumesWithoutReexecution(t *testing.T) {
	b := newBenchmark(t, &config.BenchmarkDef{
		Name: "async",
		Steps: []config.StepDef{{
			Name: "submit",
			Operations: []config.OperationDef{
				{Do: "echo ran >> count", AsyncFilename: "ready"},
				{Do: "echo analyzed > analysis"},
			},
		}},
	})
	sched := New(b, Options{})
	require.NoError(t, sched.Bootstrap())
	require.NoError(t, sched.Run(context.Background()))

	wps := sched.Workpackages()
	require.Len(t, wps, 1)
	wp := wps[0]
	require.True(t, wp.Started())
	require.False(t, wp.Done())

	// Satisfy the gate and drive the queue again: the first directive must
	// not run a second time.
	require.NoError(t, os.WriteFile(filepath.Join(wp.WorkDir(), "ready"), nil, 0o644))
	require.NoError(t, sched.Run(context.Background()))

	require.True(t, wp.Done())
	count, err := os.ReadFile(filepath.Join(wp.WorkDir(), "count"))
	require.NoError(t, err)
	require.Equal(t, "ran\n", string(count))
	_, err = os.Stat(filepath.Join(wp.WorkDir(), "analysis"))
	require.NoError(t, err)
}

func TestSharedOperationRunsOnce(t *testing.T) {
	b := newBenchmark(t, &config.BenchmarkDef{
		Name: "shared",
		Steps: []config.StepDef{{
			Name:       "bench",
			Iterations: 3,
			Shared:     "agg",
			Operations: []config.OperationDef{
				{Do: "echo local > mine"},
				{Do: "echo aggregate >> result", Shared: true},
			},
		}},
	})
	sched := runToCompletion(t, b)

	wps := sched.Workpackages()
	require.Len(t, wps, 3)
	for _, wp := range wps {
		require.True(t, wp.Done())
	}
	result, err := os.ReadFile(filepath.Join(b.Dir, "bench_agg", "result"))
	require.NoError(t, err)
	require.Equal(t, "aggregate\n", string(result))
}

func TestBreakFileEndsCycles(t *testing.T) {
	b := newBenchmark(t, &config.BenchmarkDef{
		Name: "cycles",
		Steps: []config.StepDef{{
			Name:   "loop",
			Cycles: 5,
			Operations: []config.OperationDef{{
				Do:            "echo tick >> count && touch stop",
				BreakFilename: "stop",
			}},
		}},
	})
	sched := runToCompletion(t, b)

	wp := sched.Workpackages()[0]
	require.True(t, wp.Done())
	count, err := os.ReadFile(filepath.Join(wp.WorkDir(), "count"))
	require.NoError(t, err)
	require.Equal(t, "tick\n", string(count))
}

func TestCyclesRunConfiguredTimes(t *testing.T) {
	b := newBenchmark(t, &config.BenchmarkDef{
		Name: "cycles",
		Steps: []config.StepDef{{
			Name:       "loop",
			Cycles:     3,
			Operations: []config.OperationDef{{Do: "echo cycle_$jube_wp_cycle >> count"}},
		}},
	})
	sched := runToCompletion(t, b)

	wp := sched.Workpackages()[0]
	require.True(t, wp.Done())
	count, err := os.ReadFile(filepath.Join(wp.WorkDir(), "count"))
	require.NoError(t, err)
	require.Equal(t, "cycle_0\ncycle_1\ncycle_2\n", string(count))
}

func TestMaxAsyncDefersAdmission(t *testing.T) {
	b := newBenchmark(t, &config.BenchmarkDef{
		Name: "capped",
		Parametersets: []config.ParametersetDef{{
			Name:       "space",
			Parameters: []config.ParameterDef{{Name: "p", Value: "1,2,3"}},
		}},
		Steps: []config.StepDef{{
			Name:     "submit",
			Use:      []string{"space"},
			MaxAsync: 1,
			Operations: []config.OperationDef{{
				Do:            "true",
				AsyncFilename: "never_appears",
			}},
		}},
	})
	sched := New(b, Options{})
	require.NoError(t, sched.Bootstrap())
	require.NoError(t, sched.Run(context.Background()))

	started := 0
	for _, wp := range sched.Workpackages() {
		if wp.Started() {
			started++
		}
	}
	require.Equal(t, 1, started)
}

func TestInactiveStepCreatesNoWorkpackages(t *testing.T) {
	b := newBenchmark(t, &config.BenchmarkDef{
		Name: "inactive",
		Parametersets: []config.ParametersetDef{{
			Name:       "space",
			Parameters: []config.ParameterDef{{Name: "p", Value: "x,y"}},
		}},
		Steps: []config.StepDef{{
			Name:       "maybe",
			Use:        []string{"space"},
			Active:     "$p == x",
			Operations: []config.OperationDef{{Do: "echo $p > out"}},
		}},
	})
	sched := runToCompletion(t, b)

	wps := sched.Workpackages()
	require.Len(t, wps, 1)
	require.Equal(t, 0, wps[0].ID)
	out, err := os.ReadFile(filepath.Join(wps[0].WorkDir(), "out"))
	require.NoError(t, err)
	require.Equal(t, "x\n", string(out))
}

func TestDebugModeDryRunIsNotMistakenForRealCompletion(t *testing.T) {
	b := newBenchmark(t, &config.BenchmarkDef{
		Name: "dry",
		Steps: []config.StepDef{{
			Name:       "prep",
			Operations: []config.OperationDef{{Do: "echo hi > out"}},
		}},
	})
	sched := New(b, Options{DebugMode: true})
	require.NoError(t, sched.Bootstrap())
	require.NoError(t, sched.Run(context.Background()))

	wp := sched.Workpackages()[0]
	require.True(t, wp.Done())

	// The directive never ran and only the debug sentinel exists.
	_, err := os.Stat(filepath.Join(wp.WorkDir(), "out"))
	require.True(t, os.IsNotExist(err))
	_, err = os.Stat(filepath.Join(wp.Dir(), "done_DEBUG"))
	require.NoError(t, err)
	_, err = os.Stat(filepath.Join(wp.Dir(), "done"))
	require.True(t, os.IsNotExist(err))

	// A real run does not treat the debug pass as completed work.
	wp.Debug = false
	require.False(t, wp.Done())
}

func TestFailedOperationDoesNotStopOtherSteps(t *testing.T) {
	b := newBenchmark(t, &config.BenchmarkDef{
		Name: "partial",
		Steps: []config.StepDef{
			{
				Name:       "broken",
				Operations: []config.OperationDef{{Do: "exit 3"}},
			},
			{
				Name:       "healthy",
				Operations: []config.OperationDef{{Do: "echo fine > out"}},
			},
		},
	})
	sched := New(b, Options{})
	require.NoError(t, sched.Bootstrap())
	require.NoError(t, sched.Run(context.Background()))

	var broken, healthy bool
	for _, wp := range sched.Workpackages() {
		switch wp.Step.Name {
		case "broken":
			broken = wp.Done()
		case "healthy":
			healthy = wp.Done()
		}
	}
	require.False(t, broken)
	require.True(t, healthy)
}

func TestProcsRunSameStepBatchInPool(t *testing.T) {
	b := newBenchmark(t, &config.BenchmarkDef{
		Name: "pool",
		Parametersets: []config.ParametersetDef{{
			Name:       "space",
			Parameters: []config.ParameterDef{{Name: "p", Value: "1,2,3,4"}},
		}},
		Steps: []config.StepDef{{
			Name:       "par",
			Use:        []string{"space"},
			Procs:      2,
			Operations: []config.OperationDef{{Do: "echo $p > out"}},
		}},
	})
	sched := runToCompletion(t, b)

	wps := sched.Workpackages()
	require.Len(t, wps, 4)
	for _, wp := range wps {
		require.True(t, wp.Done())
	}
}
