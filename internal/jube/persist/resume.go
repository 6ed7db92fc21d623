package persist

import (
	"encoding/xml"
	"fmt"
	"os"
	"path/filepath"
	"strconv"

	"github.com/fzj-jsc/jube-go/internal/jube/bench"
	"github.com/fzj-jsc/jube-go/internal/jube/config"
	"github.com/fzj-jsc/jube-go/internal/jube/param"
	"github.com/fzj-jsc/jube-go/internal/jube/scheduler"
	"github.com/fzj-jsc/jube-go/internal/jube/workpackage"
	jerrors "github.com/fzj-jsc/jube-go/internal/pkg/errors"
)

// RestoreOptions tunes state loading.
type RestoreOptions struct {
	// Force accepts a state file written by a newer format version.
	Force bool
	// Strict makes a format-version mismatch fatal even under Force.
	Strict bool
	// Scheduler carries the collaborator set handed to the rebuilt
	// scheduler.
	Scheduler scheduler.Options
}

// BenchDir resolves "outpath + id" to the run directory, validating it
// exists.
func BenchDir(outpath string, id int) (string, error) {
	dir := filepath.Join(outpath, fmt.Sprintf("%06d", id))
	if _, err := os.Stat(dir); err != nil {
		return "", fmt.Errorf("%w: benchmark run %d not found under %q", jerrors.ErrNotFound, id, outpath)
	}
	return dir, nil
}

// LatestID returns the highest run id present under outpath, or an error
// when none exists.
func LatestID(outpath string) (int, error) {
	entries, err := os.ReadDir(outpath)
	if err != nil {
		return 0, fmt.Errorf("%w: read %q: %v", jerrors.ErrNotFound, outpath, err)
	}
	latest := -1
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		if id, err := strconv.Atoi(entry.Name()); err == nil && id > latest {
			latest = id
		}
	}
	if latest < 0 {
		return 0, fmt.Errorf("%w: no benchmark runs under %q", jerrors.ErrNotFound, outpath)
	}
	return latest, nil
}

// LoadConfiguration reads the definition snapshot out of a run directory.
func LoadConfiguration(benchDir string) (*config.BenchmarkDef, error) {
	return config.Load(filepath.Join(benchDir, ConfigurationFilename))
}

// LoadBenchmark rebuilds the benchmark model from a run directory's
// configuration snapshot.
func LoadBenchmark(outpath string, id int) (*bench.Benchmark, error) {
	benchDir, err := BenchDir(outpath, id)
	if err != nil {
		return nil, err
	}
	def, err := LoadConfiguration(benchDir)
	if err != nil {
		return nil, fmt.Errorf("%w: load configuration: %v", jerrors.ErrPersistence, err)
	}
	return bench.New(def, id, outpath)
}

// Restore rebuilds the workpackage graph from disk and returns a scheduler
// seeded with everything still runnable: workpackages that had already
// started get queue priority, then the not-yet-started ones whose parents
// are all done. The id counter resumes at max(id)+1.
func Restore(b *bench.Benchmark, opts RestoreOptions) (*scheduler.Scheduler, error) {
	raw, err := os.ReadFile(filepath.Join(b.Dir, WorkpackagesFilename))
	if err != nil {
		return nil, fmt.Errorf("%w: read state: %v", jerrors.ErrPersistence, err)
	}
	var doc workpackagesXML
	if err := xml.Unmarshal(raw, &doc); err != nil {
		return nil, fmt.Errorf("%w: parse state: %v", jerrors.ErrPersistence, err)
	}
	if doc.Version > FormatVersion && (opts.Strict || !opts.Force) {
		return nil, fmt.Errorf("%w: state version %d is newer than supported %d (use --force to load anyway)",
			jerrors.ErrVersionMismatch, doc.Version, FormatVersion)
	}

	sched := scheduler.New(b, opts.Scheduler)
	startEnv := CurrentEnvironment()

	byID := map[int]*workpackage.Workpackage{}
	for _, item := range doc.Items {
		st, ok := b.StepByName[item.Step]
		if !ok {
			return nil, fmt.Errorf("%w: state names unknown step %q", jerrors.ErrPersistence, item.Step)
		}
		set := param.NewSet(param.DuplicateReplace)
		for _, pd := range item.Params {
			p, err := pd.decode()
			if err != nil {
				return nil, fmt.Errorf("%w: workpackage %d: %v", jerrors.ErrPersistence, item.ID, err)
			}
			if err := set.Add(p); err != nil {
				return nil, fmt.Errorf("%w: workpackage %d: %v", jerrors.ErrPersistence, item.ID, err)
			}
		}
		// Reserved values are stale snapshots; strip them so the next run
		// pass re-injects fresh ones and replays substitution.
		set.RemoveJubeParameters()

		wp := workpackage.New(item.ID, st, set, item.Iteration, b.Dir)
		wp.Cycle = item.Cycle

		env := map[string]string{}
		for k, v := range startEnv {
			env[k] = v
		}
		for _, non := range item.NonEnv {
			delete(env, non.Name)
		}
		for _, e := range item.Env {
			env[e.Name] = e.Value
		}
		wp.Env = env

		byID[item.ID] = wp
		sched.Register(wp)
	}

	for _, item := range doc.Items {
		wp := byID[item.ID]
		parentIDs, err := parseIDList(item.Parents)
		if err != nil {
			return nil, fmt.Errorf("%w: workpackage %d parent list: %v", jerrors.ErrPersistence, item.ID, err)
		}
		var parents []*workpackage.Workpackage
		for _, pid := range parentIDs {
			parent, ok := byID[pid]
			if !ok {
				return nil, fmt.Errorf("%w: workpackage %d references missing parent %d", jerrors.ErrPersistence, item.ID, pid)
			}
			wp.AddParent(parent)
			parent.AddChild(wp)
			parents = append(parents, parent)
		}
		if len(parents) > 0 {
			sched.MarkMaterialized(wp.Step.Name, parents)
		}
		siblingIDs, err := parseIDList(item.Siblings)
		if err != nil {
			return nil, fmt.Errorf("%w: workpackage %d sibling list: %v", jerrors.ErrPersistence, item.ID, err)
		}
		for _, sid := range siblingIDs {
			if sib, ok := byID[sid]; ok {
				wp.AddIterationSibling(sib)
			}
		}
	}

	// Queue priority: interrupted workpackages first, fresh ones second.
	for _, wp := range sched.Workpackages() {
		if wp.Started() && !wp.Done() {
			sched.Enqueue(wp)
		}
	}
	for _, wp := range sched.Workpackages() {
		if !wp.Started() && !wp.Done() && allParentsDone(wp) {
			sched.Enqueue(wp)
		}
	}

	// A crash can land between a workpackage finishing and its dependents
	// being created; replay the fan-out for every finished workpackage.
	if err := sched.FanOutCompleted(); err != nil {
		return nil, err
	}

	return sched, nil
}

func allParentsDone(wp *workpackage.Workpackage) bool {
	for _, parent := range wp.Parents {
		if !parent.Done() {
			return false
		}
	}
	return true
}
