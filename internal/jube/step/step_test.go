package step

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestValidateDefaults(t *testing.T) {
	st := NewStep("compile")
	require.NoError(t, st.Validate())
	require.Equal(t, 1, st.Iterations)
	require.Equal(t, 1, st.Cycles)
	require.Equal(t, 1, st.Procs)
}

func TestValidateRejectsSharedWithProcs(t *testing.T) {
	st := NewStep("bad")
	st.SharedName = "agg"
	st.Procs = 2
	require.Error(t, st.Validate())
}

func TestValidateRejectsSharedOpWithoutSharedName(t *testing.T) {
	st := NewStep("bad")
	op := NewOperation("echo x")
	op.Shared = true
	st.Operations = append(st.Operations, op)
	require.Error(t, st.Validate())
}

func TestValidateRejectsDuplicateUse(t *testing.T) {
	st := NewStep("bad")
	st.Use = [][]string{{"space"}, {"space"}}
	require.Error(t, st.Validate())
}

func TestSharedFolderPathSubstitutes(t *testing.T) {
	st := NewStep("bench")
	st.SharedName = "agg_$flavor"
	path := st.SharedFolderPath("/out/000000", map[string]string{"flavor": "fast"})
	require.Equal(t, "/out/000000/bench_agg_fast", path)
}

func TestUsedSetsFiltersAndSubstitutes(t *testing.T) {
	st := NewStep("s")
	st.Use = [][]string{{"files_$kind"}, {"params"}}
	available := map[string]bool{"files_input": true, "params": true}
	vars := map[string]string{"kind": "input"}
	require.Equal(t, []string{"files_input", "params"}, st.UsedSets(available, vars))
}
