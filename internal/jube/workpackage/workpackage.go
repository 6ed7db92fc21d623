// Package workpackage binds a step.Step to one concrete parameter
// assignment and carries it through its lifecycle: directory creation,
// reserved-parameter injection, operation execution and the done and
// per-operation file markers the scheduler polls between passes.
package workpackage

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	"github.com/fzj-jsc/jube-go/internal/jube/collab"
	"github.com/fzj-jsc/jube-go/internal/jube/opexec"
	"github.com/fzj-jsc/jube-go/internal/jube/param"
	"github.com/fzj-jsc/jube-go/internal/jube/step"
	"github.com/fzj-jsc/jube-go/internal/pkg/logger"
)

// doneFilename marks a fully finished workpackage inside its directory.
const doneFilename = "done"

// doneDebugFilename replaces doneFilename for debug (dry) runs, where the
// shell directives were never spawned; a later real run must not mistake a
// debug pass for completed work.
const doneDebugFilename = "done_DEBUG"

// operationDoneFilePrefix marks a single finished operation, numbered so a
// partially-run workpackage can resume without repeating completed work.
const operationDoneFilePrefix = "wp_done"

// Workpackage is a single unit the scheduler queues, runs and retires.
type Workpackage struct {
	ID         int
	Step       *step.Step
	Parameters *param.Set
	Iteration  int
	Cycle      int

	Parents  []*Workpackage
	Children []*Workpackage

	// IterationSiblings is the equivalence class of workpackages that
	// differ from this one only in iteration index, maintained incrementally
	// at creation time and propagated across dependency edges.
	IterationSiblings []*Workpackage

	Queued bool
	Env    map[string]string

	// Debug selects the debug done sentinel: the scheduler sets it for
	// every workpackage it owns during a debug run.
	Debug bool

	benchDir string
}

// New constructs a Workpackage. The id is assigned by the caller: the
// scheduler owns the monotonic counter so it can roll an id back when a
// freshly expanded combination turns out inactive before anything was
// persisted under that id.
func New(id int, st *step.Step, parameters *param.Set, iteration int, benchDir string) *Workpackage {
	env := map[string]string{}
	for _, kv := range os.Environ() {
		if i := strings.IndexByte(kv, '='); i >= 0 {
			env[kv[:i]] = kv[i+1:]
		}
	}
	return &Workpackage{
		ID:         id,
		Step:       st,
		Parameters: parameters,
		Iteration:  iteration,
		benchDir:   benchDir,
		Env:        env,
	}
}

// AddParent registers a parent workpackage link.
func (w *Workpackage) AddParent(p *Workpackage) { w.Parents = append(w.Parents, p) }

// AddChild registers a child workpackage link.
func (w *Workpackage) AddChild(c *Workpackage) { w.Children = append(w.Children, c) }

// AddIterationSibling records sib in w's sibling class if not already there.
func (w *Workpackage) AddIterationSibling(sib *Workpackage) {
	for _, s := range w.IterationSiblings {
		if s == sib {
			return
		}
	}
	w.IterationSiblings = append(w.IterationSiblings, sib)
}

// BenchDir returns the benchmark run directory this workpackage lives under.
func (w *Workpackage) BenchDir() string { return w.benchDir }

// Dir returns the workpackage's own directory,
// "<benchdir>/<padded-id>_<step>", with the step's substituted suffix
// appended when one is configured.
func (w *Workpackage) Dir() string {
	name := fmt.Sprintf("%06d_%s", w.ID, w.Step.Name)
	if w.Step.Suffix != "" {
		suffix := param.Substitution(w.Step.Suffix, w.Parameters.ConstantParameterDict())
		name += "_" + suffix
	}
	return filepath.Join(w.benchDir, name)
}

// WorkDir returns the user-visible work subdirectory beneath Dir().
func (w *Workpackage) WorkDir() string {
	return filepath.Join(w.Dir(), "work")
}

// Started reports whether the workpackage directory has been created.
func (w *Workpackage) Started() bool {
	_, err := os.Stat(w.Dir())
	return err == nil
}

func (w *Workpackage) doneSentinel() string {
	if w.Debug {
		return doneDebugFilename
	}
	return doneFilename
}

// Done reports whether every operation of this workpackage has finished,
// under the current debug/real sentinel.
func (w *Workpackage) Done() bool {
	_, err := os.Stat(filepath.Join(w.Dir(), w.doneSentinel()))
	return err == nil
}

// Pending reports whether the workpackage has started running but is not
// yet complete, the state an unsatisfied async gate leaves it in.
func (w *Workpackage) Pending() bool {
	return w.Started() && !w.Done()
}

// SetDone marks the workpackage finished (or, passed false, reopens it and
// clears its per-operation markers so a resumed run re-executes it).
// Reopening removes the debug sentinel too, whichever mode wrote it.
func (w *Workpackage) SetDone(done bool) error {
	if done {
		f, err := os.Create(filepath.Join(w.Dir(), w.doneSentinel()))
		if err != nil {
			return fmt.Errorf("workpackage: mark done: %w", err)
		}
		f.Close()
		return w.clearOperationMarkers()
	}
	for _, name := range []string{doneFilename, doneDebugFilename} {
		if err := os.Remove(filepath.Join(w.Dir(), name)); err != nil && !os.IsNotExist(err) {
			return fmt.Errorf("workpackage: clear done: %w", err)
		}
	}
	return w.clearOperationMarkers()
}

func (w *Workpackage) clearOperationMarkers() error {
	for i := range w.Step.Operations {
		if err := w.SetOperationDone(i, false); err != nil {
			return err
		}
	}
	return nil
}

func (w *Workpackage) operationMarkerPath(n int) string {
	return filepath.Join(w.Dir(), fmt.Sprintf("%s_%02d", operationDoneFilePrefix, n))
}

// OperationDone reports whether operation n's directive has already run.
func (w *Workpackage) OperationDone(n int) bool {
	_, err := os.Stat(w.operationMarkerPath(n))
	return err == nil
}

// SetOperationDone marks (or clears) operation n's completion marker.
func (w *Workpackage) SetOperationDone(n int, done bool) error {
	path := w.operationMarkerPath(n)
	if done {
		f, err := os.Create(path)
		if err != nil {
			return err
		}
		return f.Close()
	}
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return err
	}
	return nil
}

// CreateDir materializes the workpackage and work directories and links
// every parent's work directory in by step name, if not already present.
func (w *Workpackage) CreateDir() error {
	if _, err := os.Stat(w.Dir()); os.IsNotExist(err) {
		if err := os.MkdirAll(w.Dir(), 0o755); err != nil {
			return fmt.Errorf("workpackage: create dir: %w", err)
		}
		if err := os.MkdirAll(w.WorkDir(), 0o755); err != nil {
			return fmt.Errorf("workpackage: create work dir: %w", err)
		}
	}
	for _, parent := range w.Parents {
		linkPath := filepath.Join(w.WorkDir(), parent.Step.Name)
		if _, err := os.Lstat(linkPath); os.IsNotExist(err) {
			rel, err := filepath.Rel(w.WorkDir(), parent.WorkDir())
			if err != nil {
				return err
			}
			if err := os.Symlink(rel, linkPath); err != nil {
				return fmt.Errorf("workpackage: link parent %q: %w", parent.Step.Name, err)
			}
		}
	}
	return nil
}

// CreateSharedFolderLink creates (if needed) the step's shared folder and
// links it into this workpackage's work directory under the step's
// (possibly substituted) shared link name.
func (w *Workpackage) CreateSharedFolderLink(parameters map[string]string) error {
	if w.Step.SharedName == "" {
		return nil
	}
	shared := w.Step.SharedFolderPath(w.benchDir, parameters)
	if _, err := os.Stat(shared); os.IsNotExist(err) {
		if err := os.MkdirAll(shared, 0o755); err != nil {
			return fmt.Errorf("workpackage: create shared folder: %w", err)
		}
	}
	name := w.Step.SharedName
	if parameters != nil {
		name = param.Substitution(name, parameters)
	}
	linkPath := filepath.Join(w.WorkDir(), name)
	if _, err := os.Lstat(linkPath); os.IsNotExist(err) {
		rel, err := filepath.Rel(w.WorkDir(), shared)
		if err != nil {
			return err
		}
		if err := os.Symlink(rel, linkPath); err != nil {
			return fmt.Errorf("workpackage: link shared folder: %w", err)
		}
	}
	return nil
}

// JubeParameterSet returns the jube_wp_* reserved parameters injected ahead
// of every substitution pass; they refresh on each pass because the cycle
// counter and parent links change over the workpackage's lifetime.
func (w *Workpackage) JubeParameterSet(altWorkDir string) *param.Set {
	out := param.NewSet(param.DuplicateReplace)
	_ = out.Add(param.NewJube("jube_wp_id", strconv.Itoa(w.ID), param.TypeInt))
	_ = out.Add(param.NewJube("jube_wp_iteration", strconv.Itoa(w.Iteration), param.TypeInt))
	_ = out.Add(param.NewJube("jube_wp_cycle", strconv.Itoa(w.Cycle), param.TypeInt))

	path := altWorkDir
	if path == "" {
		path = w.WorkDir()
	}
	abs, err := filepath.Abs(path)
	if err == nil {
		path = abs
	}
	_ = out.Add(param.NewJube("jube_wp_abspath", path, param.TypeString))
	_ = out.Add(param.NewJube("jube_wp_relpath", w.WorkDir(), param.TypeString))

	for _, parent := range w.Parents {
		name := fmt.Sprintf("jube_wp_parent_%s_id", parent.Step.Name)
		_ = out.Add(param.NewJube(name, strconv.Itoa(parent.ID), param.TypeInt))
	}

	var envStr strings.Builder
	for _, p := range w.Parameters.ExportParameterDict() {
		fmt.Fprintf(&envStr, "export %s=$%s\n", p.Name, p.Name)
	}
	_ = out.Add(param.NewJube("jube_wp_envstr", envStr.String(), param.TypeString))

	return out
}

// RunOptions carries the benchmark-level collaborators Run needs but that
// do not belong on the Workpackage itself.
type RunOptions struct {
	BenchmarkJubeParameters *param.Set
	StepJubeParameters      *param.Set
	UsedFilesets            []string
	UsedSubstitutesets      []string
	FileStager              collab.FileStager
	Substituter             collab.Substituter
	Logger                  *logger.Logger
	DebugMode               bool
	VerboseStdout           bool
	DoLog                   *opexec.DoLog
	// StepPeers lists every workpackage of the same step, the group a
	// shared operation synchronizes across.
	StepPeers []*Workpackage
	// Requeue is called for a peer workpackage that a shared operation
	// just unblocked and that is not already queued.
	Requeue func(*Workpackage)
}

// Run executes every not-yet-finished operation of the bound step against
// the current parameter space, returning once the workpackage is fully done
// or an async gate defers it. It is idempotent: calling Run again on an
// already-done workpackage is a no-op.
func (w *Workpackage) Run(ctx context.Context, opts RunOptions) error {
	if w.Done() {
		return nil
	}

	startedBefore := w.Started()
	if !startedBefore {
		if err := w.CreateDir(); err != nil {
			return err
		}
		for _, parent := range w.Parents {
			if parent.Step.Export {
				for k, v := range parent.Env {
					w.Env[k] = v
				}
			}
		}
	}

	// Cycles re-run the operation list; the parameter copy is rebuilt per
	// cycle so values referencing jube_wp_cycle resolve freshly each round.
	for {
		parameters := w.Parameters.Copy()
		if opts.BenchmarkJubeParameters != nil {
			_ = parameters.AddSet(opts.BenchmarkJubeParameters)
		}
		if opts.StepJubeParameters != nil {
			_ = parameters.AddSet(opts.StepJubeParameters)
		}
		_ = parameters.AddSet(w.JubeParameterSet(""))
		if err := parameters.Substitute(true); err != nil {
			return fmt.Errorf("workpackage %d: %w", w.ID, err)
		}

		vars := parameters.ConstantParameterDict()

		if !startedBefore {
			for _, p := range parameters.ExportParameterDict() {
				w.Env[p.Name] = p.Value()
			}
		}

		if err := w.CreateSharedFolderLink(vars); err != nil {
			return err
		}

		altWorkDir := ""
		if w.Step.AltWorkDir != "" {
			altWorkDir = expandAltWorkDir(param.Substitution(w.Step.AltWorkDir, vars))
			vars["jube_wp_abspath"] = altWorkDir
			if !opts.DebugMode {
				if err := os.MkdirAll(altWorkDir, 0o755); err != nil {
					return fmt.Errorf("workpackage: create alt work dir: %w", err)
				}
			}
		}

		workDir := w.WorkDir()
		if altWorkDir != "" {
			workDir = altWorkDir
		}

		if !startedBefore {
			for _, name := range opts.UsedFilesets {
				if opts.FileStager == nil {
					continue
				}
				if err := opts.FileStager.Stage(ctx, name, workDir, vars); err != nil {
					return fmt.Errorf("workpackage: stage fileset %q: %w", name, err)
				}
			}
			for _, name := range opts.UsedSubstitutesets {
				if opts.Substituter == nil {
					continue
				}
				if err := opts.Substituter.Substitute(ctx, name, workDir, vars); err != nil {
					return fmt.Errorf("workpackage: substitute %q: %w", name, err)
				}
			}
			startedBefore = true
		}

		continueOp := true
		continueCycle := true
		for i, op := range w.Step.Operations {
			// Skip once the next operation's directive has run; re-checking
			// an earlier async gate after its successor started would turn a
			// removed async file back into a pending operation.
			if w.OperationDone(i + 1) {
				continue
			}
			if op.Shared {
				ok, shCycle, err := w.runSharedOperation(ctx, i, op, vars, opts)
				if err != nil {
					return err
				}
				continueOp = ok
				if !shCycle {
					continueCycle = false
				}
			} else {
				result, err := opexec.Execute(ctx, op, opexec.Options{
					WorkDir:          workDir,
					Parameters:       vars,
					Environment:      w.Env,
					Log:              opts.Logger,
					OnlyCheckPending: w.OperationDone(i),
					DebugMode:        opts.DebugMode,
					VerboseStdout:    opts.VerboseStdout,
					DoLog:            opts.DoLog,
				})
				if err != nil {
					return err
				}
				if err := w.SetOperationDone(i, true); err != nil {
					return err
				}
				continueOp = result.ContinueOp
				if !result.ContinueCycle {
					continueCycle = false
				}
			}
			if !continueOp {
				break
			}
		}

		if !continueOp {
			// An async gate is still unsatisfied; leave every marker as-is so
			// the next poll resumes at this same operation.
			return nil
		}

		w.Cycle++
		if !continueCycle || w.Cycle >= w.Step.Cycles {
			return w.SetDone(true)
		}
		if err := w.clearOperationMarkers(); err != nil {
			return err
		}
	}
}

// runSharedOperation implements the rendezvous barrier: a shared operation
// only runs once every step peer has finished the previous operation, its
// directive executes exactly once (in the step's shared directory), and its
// completion fans out to every peer's marker so they skip it too.
func (w *Workpackage) runSharedOperation(ctx context.Context, opIdx int, op *step.Operation, vars map[string]string, opts RunOptions) (continueOp, continueCycle bool, err error) {
	continueOp = true
	continueCycle = true
	peers := opts.StepPeers
	if len(peers) == 0 {
		peers = []*Workpackage{w}
	}

	sharedDone := false
	for _, peer := range peers {
		if opIdx > 0 {
			continueOp = continueOp && (peer.OperationDone(opIdx-1) || peer.Done())
		}
		sharedDone = sharedDone || peer.OperationDone(opIdx+1) || peer.Done()
	}
	if !continueOp || sharedDone {
		return continueOp, continueCycle, nil
	}

	// Workpackage-specific reserved parameters are stripped so the shared
	// directive sees only values identical across all peers.
	sharedParameters := map[string]string{}
	jubeNames := map[string]bool{}
	for _, p := range w.JubeParameterSet("").All() {
		jubeNames[p.Name] = true
	}
	for k, v := range vars {
		if !jubeNames[k] {
			sharedParameters[k] = v
		}
	}

	sharedDir := w.Step.SharedFolderPath(w.benchDir, sharedParameters)
	if sharedDir == "" {
		sharedDir = w.WorkDir()
	}

	result, err := opexec.Execute(ctx, op, opexec.Options{
		WorkDir:          sharedDir,
		Parameters:       sharedParameters,
		Environment:      w.Env,
		Log:              opts.Logger,
		OnlyCheckPending: w.OperationDone(opIdx),
		DebugMode:        opts.DebugMode,
		VerboseStdout:    opts.VerboseStdout,
		DoLog:            opts.DoLog,
	})
	if err != nil {
		return false, false, err
	}

	for _, peer := range peers {
		if !peer.Started() {
			if err := peer.CreateDir(); err != nil {
				return false, false, err
			}
		}
		if err := peer.SetOperationDone(opIdx, true); err != nil {
			return false, false, err
		}
		if peer != w && !peer.Queued && result.ContinueOp && opts.Requeue != nil {
			opts.Requeue(peer)
		}
	}

	return result.ContinueOp, result.ContinueCycle, nil
}

func expandAltWorkDir(p string) string {
	if p == "~" || strings.HasPrefix(p, "~/") {
		if home, err := os.UserHomeDir(); err == nil {
			p = home + p[1:]
		}
	}
	return os.ExpandEnv(p)
}

// SortByID sorts workpackages by ascending id, the deterministic order
// persistence and reporting rely on.
func SortByID(wps []*Workpackage) {
	sort.Slice(wps, func(i, j int) bool { return wps[i].ID < wps[j].ID })
}
