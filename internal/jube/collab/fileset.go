package collab

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/bmatcuk/doublestar/v4"

	"github.com/fzj-jsc/jube-go/internal/jube/param"
)

// GlobFileStager stages every file matching a fileset's glob patterns
// (matched with doublestar against SourceDir, after substituting each
// pattern) into a workpackage's work directory. It is the default
// FileStager a caller wires when it has no more specialized staging
// mechanism (symlink farms, remote copy, etc.) to provide.
type GlobFileStager struct {
	// SourceDir is the directory fileset patterns are resolved against,
	// normally the benchmark definition's own directory.
	SourceDir string
	// Patterns maps a fileset name to its glob patterns.
	Patterns map[string][]string
	// Link, when true, symlinks matched files instead of copying them.
	Link bool
}

func (g *GlobFileStager) Stage(ctx context.Context, name, workDir string, parameters map[string]string) error {
	patterns := g.Patterns[name]
	if len(patterns) == 0 {
		return nil
	}
	fsys := os.DirFS(g.SourceDir)
	for _, pattern := range patterns {
		resolved := param.Substitution(pattern, parameters)
		matches, err := doublestar.Glob(fsys, resolved)
		if err != nil {
			return fmt.Errorf("fileset %q: glob %q: %w", name, resolved, err)
		}
		for _, rel := range matches {
			src := filepath.Join(g.SourceDir, rel)
			dst := filepath.Join(workDir, filepath.Base(rel))
			if err := stageOne(src, dst, g.Link); err != nil {
				return fmt.Errorf("fileset %q: stage %q: %w", name, rel, err)
			}
		}
	}
	return nil
}

func stageOne(src, dst string, link bool) error {
	if link {
		if _, err := os.Lstat(dst); err == nil {
			return nil
		}
		rel, err := filepath.Rel(filepath.Dir(dst), src)
		if err != nil {
			rel = src
		}
		return os.Symlink(rel, dst)
	}
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()
	info, err := in.Stat()
	if err != nil {
		return err
	}
	out, err := os.OpenFile(dst, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, info.Mode().Perm())
	if err != nil {
		return err
	}
	defer out.Close()
	_, err = io.Copy(out, in)
	return err
}
