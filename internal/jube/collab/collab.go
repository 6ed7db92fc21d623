// Package collab defines the external collaborators a Workpackage run
// delegates to outside the core parameter/step/scheduler domain: staging
// files into a work directory, substituting values into staged files,
// emitting results, and archiving finished run directories. The scheduler
// only sees the interfaces; callers wire concrete implementations.
package collab

import "context"

// FileStager copies or links a named fileset's members into a work
// directory ahead of operation execution.
type FileStager interface {
	Stage(ctx context.Context, name, workDir string, parameters map[string]string) error
}

// Substituter applies a named substituteset's rules against files already
// staged in workDir.
type Substituter interface {
	Substitute(ctx context.Context, name, workDir string, parameters map[string]string) error
}

// ResultEmitter writes one benchmark result row to whatever sink a result
// definition names.
type ResultEmitter interface {
	Emit(ctx context.Context, resultName string, row map[string]string) error
}

// Archiver uploads a finished benchmark run directory to external storage;
// nil is a legitimate Archiver meaning "do not archive".
type Archiver interface {
	Archive(ctx context.Context, runDir string) error
}

// ChartRenderer draws a benchmark result table to an image file.
type ChartRenderer interface {
	Render(ctx context.Context, rows []map[string]string, outPath string) error
}

// NoopFileStager and friends let callers that have not wired a concern yet
// pass a harmless default instead of a nil interface check at every call
// site.
type NoopFileStager struct{}

func (NoopFileStager) Stage(context.Context, string, string, map[string]string) error { return nil }

type NoopSubstituter struct{}

func (NoopSubstituter) Substitute(context.Context, string, string, map[string]string) error {
	return nil
}
