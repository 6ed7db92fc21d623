package persist

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/fzj-jsc/jube-go/internal/jube/bench"
	"github.com/fzj-jsc/jube-go/internal/jube/config"
	"github.com/fzj-jsc/jube-go/internal/jube/scheduler"
)

func chainDef() *config.BenchmarkDef {
	return &config.BenchmarkDef{
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
	}
}

func setupRun(t *testing.T, def *config.BenchmarkDef) (*bench.Benchmark, *scheduler.Scheduler, string) {
	t.Helper()
	outpath := t.TempDir()
	b, err := bench.New(def, 0, outpath)
	require.NoError(t, err)
	require.NoError(t, b.CreateRunDir())
	require.NoError(t, WriteConfiguration(b.Dir, def))
	require.NoError(t, WriteStartTimestamp(b.Dir))

	sched := scheduler.New(b, scheduler.Options{Persist: NewWriter(b.Dir)})
	require.NoError(t, sched.Bootstrap())
	return b, sched, outpath
}

func TestSaveRestoreRoundTrip(t *testing.T) {
	b, sched, outpath := setupRun(t, chainDef())
	require.NoError(t, sched.Run(context.Background()))
	require.NoError(t, NewWriter(b.Dir).Save(sched.Workpackages()))

	restoredBench, err := LoadBenchmark(outpath, 0)
	require.NoError(t, err)
	require.Equal(t, b.Name, restoredBench.Name)

	restored, err := Restore(restoredBench, RestoreOptions{})
	require.NoError(t, err)

	want := sched.Workpackages()
	got := restored.Workpackages()
	require.Len(t, got, len(want))
	for i := range want {
		require.Equal(t, want[i].ID, got[i].ID)
		require.Equal(t, want[i].Step.Name, got[i].Step.Name)
		require.Equal(t, want[i].Iteration, got[i].Iteration)
		require.Len(t, got[i].Parents, len(want[i].Parents))
		require.Len(t, got[i].IterationSiblings, len(want[i].IterationSiblings))
		require.Equal(t,
			want[i].Parameters.ConstantParameterDict(),
			got[i].Parameters.ConstantParameterDict())
		require.True(t, got[i].Done())
	}
}

func TestRestoreResumesPendingAsyncGate(t *testing.T) {
	def := &config.BenchmarkDef{
		Name: "async",
		Steps: []config.StepDef{{
			Name: "submit",
			Operations: []config.OperationDef{
				{Do: "echo ran >> count", AsyncFilename: "ready"},
				{Do: "echo analyzed > analysis"},
			},
		}},
	}
	b, sched, outpath := setupRun(t, def)
	require.NoError(t, sched.Run(context.Background()))

	wp := sched.Workpackages()[0]
	require.True(t, wp.Started())
	require.False(t, wp.Done())

	// A fresh process resumes the run after the async file appeared.
	require.NoError(t, os.WriteFile(filepath.Join(wp.WorkDir(), "ready"), nil, 0o644))

	restoredBench, err := LoadBenchmark(outpath, 0)
	require.NoError(t, err)
	restored, err := Restore(restoredBench, RestoreOptions{
		Scheduler: scheduler.Options{Persist: NewWriter(b.Dir)},
	})
	require.NoError(t, err)
	require.NoError(t, restored.Run(context.Background()))

	resumed := restored.Workpackages()[0]
	require.True(t, resumed.Done())
	count, err := os.ReadFile(filepath.Join(resumed.WorkDir(), "count"))
	require.NoError(t, err)
	require.Equal(t, "ran\n", string(count))
}

func TestRestoreContinuesFanOutAfterCrash(t *testing.T) {
	// Run the whole chain, then persist a state file holding only the root
	// step's workpackages, as if the process "crashed" before the dependent
	// step's workpackages were recorded.
	def := chainDef()
	outpath := t.TempDir()
	b, err := bench.New(def, 0, outpath)
	require.NoError(t, err)
	require.NoError(t, b.CreateRunDir())
	require.NoError(t, WriteConfiguration(b.Dir, def))

	first := scheduler.New(b, scheduler.Options{Persist: NewWriter(b.Dir)})
	require.NoError(t, first.Bootstrap())
	require.NoError(t, first.Run(context.Background()))
	// Persist a snapshot that predates the b-step fan-out.
	var rootOnly = first.Workpackages()[:2]
	require.NoError(t, NewWriter(b.Dir).Save(rootOnly))

	restoredBench, err := LoadBenchmark(outpath, 0)
	require.NoError(t, err)
	restored, err := Restore(restoredBench, RestoreOptions{})
	require.NoError(t, err)

	// The fan-out replay recreated the dependent workpackages and queued
	// them; ids continue past the persisted maximum.
	wps := restored.Workpackages()
	require.Greater(t, len(wps), 2)
	for _, wp := range wps[2:] {
		require.Equal(t, "b", wp.Step.Name)
		require.GreaterOrEqual(t, wp.ID, 2)
	}
	require.NoError(t, restored.Run(context.Background()))
	for _, wp := range restored.Workpackages() {
		require.True(t, wp.Done())
	}
}

func TestRestoreRejectsNewerFormatVersion(t *testing.T) {
	b, sched, outpath := setupRun(t, chainDef())
	require.NoError(t, sched.Run(context.Background()))
	require.NoError(t, NewWriter(b.Dir).Save(sched.Workpackages()))

	path := filepath.Join(b.Dir, WorkpackagesFilename)
	raw, err := os.ReadFile(path)
	require.NoError(t, err)
	mutated := strings.Replace(string(raw), `version="1"`, `version="99"`, 1)
	require.NoError(t, os.WriteFile(path, []byte(mutated), 0o644))

	restoredBench, err := LoadBenchmark(outpath, 0)
	require.NoError(t, err)
	_, err = Restore(restoredBench, RestoreOptions{})
	require.Error(t, err)

	_, err = Restore(restoredBench, RestoreOptions{Force: true})
	require.NoError(t, err)

	_, err = Restore(restoredBench, RestoreOptions{Force: true, Strict: true})
	require.Error(t, err)
}

func TestEnvironmentDiffRoundTrip(t *testing.T) {
	t.Setenv("HOME", "/tmp/original-home")
	def := &config.BenchmarkDef{
		Name: "env",
		Steps: []config.StepDef{{
			Name:       "exporter",
			Operations: []config.OperationDef{{Do: "export NEW_VALUE=captured; unset HOME"}},
		}},
	}
	b, sched, outpath := setupRun(t, def)
	require.NoError(t, sched.Run(context.Background()))
	require.NoError(t, NewWriter(b.Dir).Save(sched.Workpackages()))

	restoredBench, err := LoadBenchmark(outpath, 0)
	require.NoError(t, err)
	restored, err := Restore(restoredBench, RestoreOptions{})
	require.NoError(t, err)

	env := restored.Workpackages()[0].Env
	require.Equal(t, "captured", env["NEW_VALUE"])
	_, hasHome := env["HOME"]
	require.False(t, hasHome)
}
