package collab

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestGlobFileStagerCopiesMatches(t *testing.T) {
	src := t.TempDir()
	work := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(src, "input.txt"), []byte("data"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(src, "other.cfg"), []byte("cfg"), 0o644))

	stager := &GlobFileStager{
		SourceDir: src,
		Patterns:  map[string][]string{"files": {"*.txt"}},
	}
	require.NoError(t, stager.Stage(context.Background(), "files", work, nil))

	staged, err := os.ReadFile(filepath.Join(work, "input.txt"))
	require.NoError(t, err)
	require.Equal(t, "data", string(staged))
	_, err = os.Stat(filepath.Join(work, "other.cfg"))
	require.True(t, os.IsNotExist(err))
}

func TestGlobFileStagerLinksWhenConfigured(t *testing.T) {
	src := t.TempDir()
	work := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(src, "big.bin"), []byte("blob"), 0o644))

	stager := &GlobFileStager{
		SourceDir: src,
		Patterns:  map[string][]string{"files": {"big.bin"}},
		Link:      true,
	}
	require.NoError(t, stager.Stage(context.Background(), "files", work, nil))

	info, err := os.Lstat(filepath.Join(work, "big.bin"))
	require.NoError(t, err)
	require.NotZero(t, info.Mode()&os.ModeSymlink)
}

func TestGlobFileStagerSubstitutesPatterns(t *testing.T) {
	src := t.TempDir()
	work := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(src, "conf_fast.in"), []byte("x"), 0o644))

	stager := &GlobFileStager{
		SourceDir: src,
		Patterns:  map[string][]string{"files": {"conf_$flavor.in"}},
	}
	params := map[string]string{"flavor": "fast"}
	require.NoError(t, stager.Stage(context.Background(), "files", work, params))

	_, err := os.Stat(filepath.Join(work, "conf_fast.in"))
	require.NoError(t, err)
}

func TestRuleSubstituterRewritesStagedFiles(t *testing.T) {
	work := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(work, "job.in"),
		[]byte("nodes=#NODES#\nqueue=#QUEUE#\n"), 0o644))

	sub := &RuleSubstituter{
		Files: map[string][]string{"jobsub": {"job.in"}},
		Rules: map[string][]Rule{"jobsub": {
			{Search: "#NODES#", Replace: "$nodes"},
			{Search: "#QUEUE#", Replace: "batch"},
		}},
	}
	params := map[string]string{"nodes": "8"}
	require.NoError(t, sub.Substitute(context.Background(), "jobsub", work, params))

	out, err := os.ReadFile(filepath.Join(work, "job.in"))
	require.NoError(t, err)
	require.Equal(t, "nodes=8\nqueue=batch\n", string(out))
}

func TestDirLockBlocksSecondAcquire(t *testing.T) {
	dir := t.TempDir()
	first, err := NewDirLock(dir)
	require.NoError(t, err)
	require.NoError(t, first.Acquire())
	defer first.Release()

	second, err := NewDirLock(dir)
	require.NoError(t, err)
	require.Error(t, second.Acquire())
}
