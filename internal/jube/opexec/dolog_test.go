package opexec

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestDoLogRecordsTranscript(t *testing.T) {
	dir := t.TempDir()
	dl, err := NewDoLog(dir, "trace.sh", map[string]string{"MODE": "fast"})
	require.NoError(t, err)

	require.NoError(t, dl.StoreDo("make all", "/bin/sh", "/build", false))
	require.NoError(t, dl.StoreDo("make install", "/bin/sh", "/build", false))
	require.NoError(t, dl.StoreDo("collect", "/bin/sh", "/build/shared", true))

	raw, err := os.ReadFile(filepath.Join(dir, "trace.sh"))
	require.NoError(t, err)
	content := string(raw)

	require.True(t, strings.HasPrefix(content, "#!/bin/sh\n"))
	require.Contains(t, content, "set MODE='fast'")
	require.Contains(t, content, "cd /build\n")
	require.Contains(t, content, "make all\n")
	require.Contains(t, content, "collect # shared execution\n")

	// The work dir line appears only when the directory changes.
	require.Equal(t, 2, strings.Count(content, "cd /build"))
}

func TestDoLogRejectsDirectoryPath(t *testing.T) {
	_, err := NewDoLog(t.TempDir(), "logs/", nil)
	require.Error(t, err)
}
