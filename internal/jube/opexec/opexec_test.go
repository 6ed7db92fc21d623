package opexec

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/fzj-jsc/jube-go/internal/jube/step"
	"github.com/stretchr/testify/require"
)

func environFromHost() map[string]string {
	env := map[string]string{}
	for _, kv := range os.Environ() {
		if i := strings.IndexByte(kv, '='); i >= 0 {
			env[kv[:i]] = kv[i+1:]
		}
	}
	return env
}

func TestExecuteRunsShellAndCapturesEnv(t *testing.T) {
	dir := t.TempDir()
	op := step.NewOperation("export FOO=bar")
	env := environFromHost()

	result, err := Execute(context.Background(), op, Options{
		WorkDir:     dir,
		Parameters:  map[string]string{},
		Environment: env,
	})
	require.NoError(t, err)
	require.True(t, result.ContinueOp)
	require.True(t, result.ContinueCycle)
	require.Equal(t, "bar", env["FOO"])
}

func TestExecuteInactiveSkipsEntirely(t *testing.T) {
	dir := t.TempDir()
	op := step.NewOperation("touch should_not_exist")
	op.Active = "false"

	result, err := Execute(context.Background(), op, Options{WorkDir: dir, Parameters: map[string]string{}})
	require.NoError(t, err)
	require.True(t, result.ContinueOp)
	_, statErr := os.Stat(filepath.Join(dir, "should_not_exist"))
	require.True(t, os.IsNotExist(statErr))
}

func TestExecuteAsyncGateDefersUntilFilePresent(t *testing.T) {
	dir := t.TempDir()
	op := step.NewOperation("true")
	op.AsyncFilename = "ready"

	result, err := Execute(context.Background(), op, Options{WorkDir: dir, Parameters: map[string]string{}})
	require.NoError(t, err)
	require.False(t, result.ContinueOp)

	require.NoError(t, os.WriteFile(filepath.Join(dir, "ready"), nil, 0o644))
	result, err = Execute(context.Background(), op, Options{WorkDir: dir, Parameters: map[string]string{}, OnlyCheckPending: true})
	require.NoError(t, err)
	require.True(t, result.ContinueOp)
}

func TestExecuteErrorFileFailsOperation(t *testing.T) {
	dir := t.TempDir()
	op := step.NewOperation("true")
	op.ErrorFilename = "err"
	require.NoError(t, os.WriteFile(filepath.Join(dir, "err"), nil, 0o644))

	_, err := Execute(context.Background(), op, Options{WorkDir: dir, Parameters: map[string]string{}})
	require.Error(t, err)
}

func TestReadProcessEnvironmentHandlesContinuationLines(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "env.out")
	content := "FOO=bar\nMULTI=line1\nline2\nBAZ=qux\n"
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))

	env, err := ReadProcessEnvironment(path, false)
	require.NoError(t, err)
	require.Equal(t, "bar", env["FOO"])
	require.Equal(t, "line1\nline2", env["MULTI"])
	require.Equal(t, "qux", env["BAZ"])
}
