// Package scheduler drives a Benchmark from its root steps to completion: it
// materializes Workpackages, fans them out across a FIFO work queue, runs
// same-step batches through a bounded worker pool, and re-polls whatever is
// left waiting on an async gate. The run ends when the queue is empty or
// every remaining entry is pending on a file that has not appeared yet; a
// later continue invocation picks those up again.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"github.com/fzj-jsc/jube-go/internal/jube/bench"
	"github.com/fzj-jsc/jube-go/internal/jube/collab"
	"github.com/fzj-jsc/jube-go/internal/jube/opexec"
	"github.com/fzj-jsc/jube-go/internal/jube/param"
	"github.com/fzj-jsc/jube-go/internal/jube/step"
	"github.com/fzj-jsc/jube-go/internal/jube/tracing"
	"github.com/fzj-jsc/jube-go/internal/jube/workpackage"
	jerrors "github.com/fzj-jsc/jube-go/internal/pkg/errors"
	"github.com/fzj-jsc/jube-go/internal/pkg/logger"
)

// Persister is called after every completed scheduler pass so the on-disk
// state stays close to the in-memory graph. A nil Persister disables state
// writes (used by tests).
type Persister interface {
	Save(wps []*workpackage.Workpackage) error
}

// Options carries the collaborators and flags Run needs beyond the
// Benchmark itself.
type Options struct {
	FileStager    collab.FileStager
	Substituter   collab.Substituter
	Logger        *logger.Logger
	Persist       Persister
	DebugMode     bool
	VerboseStdout bool
	Trace         bool
	// WaitForAsync keeps the run alive when every remaining workpackage is
	// pending, re-scanning the async gates at PollInterval instead of
	// returning and leaving the rest to a continue invocation.
	WaitForAsync bool
	// PollInterval paces the WaitForAsync re-scan; zero means the default.
	PollInterval time.Duration
}

// defaultPollInterval paces gate re-scans when WaitForAsync is set.
const defaultPollInterval = 2 * time.Second

// Scheduler owns every Workpackage a Benchmark run produces and the pending
// work queue; max_async admission counts a step's pending workpackages on
// each dequeue.
type Scheduler struct {
	Bench *bench.Benchmark
	opts  Options

	nextID int

	all    []*workpackage.Workpackage
	byStep map[string][]*workpackage.Workpackage

	queue []*workpackage.Workpackage

	// materialized de-duplicates parent combinations so the same tuple
	// never spawns a child batch twice.
	materialized map[string]bool

	doLogs map[string]*opexec.DoLog

	pollLimiter *rate.Limiter
}

// New builds a Scheduler with an empty queue; call Bootstrap (or the
// persistence layer's restore) before Run.
func New(b *bench.Benchmark, opts Options) *Scheduler {
	interval := opts.PollInterval
	if interval <= 0 {
		interval = defaultPollInterval
	}
	return &Scheduler{
		Bench:        b,
		opts:         opts,
		byStep:       map[string][]*workpackage.Workpackage{},
		materialized: map[string]bool{},
		doLogs:       map[string]*opexec.DoLog{},
		pollLimiter:  rate.NewLimiter(rate.Every(interval), 1),
	}
}

// Workpackages returns every workpackage materialized so far, in id order.
func (s *Scheduler) Workpackages() []*workpackage.Workpackage {
	out := append([]*workpackage.Workpackage(nil), s.all...)
	workpackage.SortByID(out)
	return out
}

// SetNextID sets the id the next created workpackage receives. The resume
// path does not call it: Register already moves the counter past every
// adopted id.
func (s *Scheduler) SetNextID(id int) { s.nextID = id }

func (s *Scheduler) allocID() int {
	id := s.nextID
	s.nextID++
	return id
}

// releaseID hands back the most recently allocated id, so a combination
// whose active expression evaluates false never consumes one. Valid only
// while nothing has been registered under it.
func (s *Scheduler) releaseID(id int) {
	if s.nextID == id+1 {
		s.nextID--
	}
}

// Register adopts an externally reconstructed workpackage (resume path)
// into the scheduler's graph indexes. The scheduler's debug flag carries
// over so a debug pass writes (and a later real pass ignores) the debug
// done sentinel.
func (s *Scheduler) Register(wp *workpackage.Workpackage) {
	wp.Debug = s.opts.DebugMode
	s.all = append(s.all, wp)
	s.byStep[wp.Step.Name] = append(s.byStep[wp.Step.Name], wp)
	if wp.ID >= s.nextID {
		s.nextID = wp.ID + 1
	}
}

// MarkMaterialized records that the parent tuple of an already existing
// workpackage must not be re-expanded; the resume path replays this for
// every reconstructed child.
func (s *Scheduler) MarkMaterialized(stepName string, parents []*workpackage.Workpackage) {
	s.materialized[comboKey(stepName, parents)] = true
}

// Enqueue adds wp to the work queue unless it is already queued or done.
func (s *Scheduler) Enqueue(wp *workpackage.Workpackage) {
	if wp.Queued || wp.Done() {
		return
	}
	wp.Queued = true
	s.queue = append(s.queue, wp)
}

// Bootstrap constructs the initial workpackages for every dependency-free
// step and enqueues them.
func (s *Scheduler) Bootstrap() error {
	for _, st := range s.Bench.RootSteps() {
		wps, err := s.createWorkpackagesForStep(st, nil, 0)
		if err != nil {
			return err
		}
		for _, wp := range wps {
			s.Enqueue(wp)
		}
	}
	return nil
}

// createWorkpackagesForStep resolves st's use-groups against the benchmark's
// registered parametersets, expands every template to a Cartesian set of
// static combinations, and creates one Workpackage per combination per
// iteration. combo is the (possibly empty) tuple of parent workpackages this
// batch is anchored to; iterationBase folds the parents' iteration indexes
// into a composite label so iteration numbering stays collision-free across
// the dependency graph.
func (s *Scheduler) createWorkpackagesForStep(st *step.Step, combo []*workpackage.Workpackage, iterationBase int) ([]*workpackage.Workpackage, error) {
	// Merge copies: substitution and expansion below mutate in place, and
	// the parents' bound sets and the benchmark's registry must survive.
	merged := param.NewSet(param.DuplicateReplace)
	for _, parent := range combo {
		if err := merged.AddSet(parent.Parameters.Copy()); err != nil {
			return nil, fmt.Errorf("%w: step %q: %v", jerrors.ErrIncompatibleCombination, st.Name, err)
		}
	}
	merged.RemoveJubeParameters()

	for _, group := range st.Use {
		vars := merged.ConstantParameterDict()
		for _, rawName := range group {
			name := param.Substitution(rawName, vars)
			set, ok := s.Bench.ParameterSets[name]
			if !ok {
				continue
			}
			if ok, bad := merged.IsCompatible(set, param.UpdateUse); !ok {
				return nil, fmt.Errorf("%w: step %q use-group %q conflicts on %v", jerrors.ErrIncompatibleCombination, st.Name, name, bad)
			}
			if err := merged.AddSet(set.Copy()); err != nil {
				return nil, fmt.Errorf("%w: step %q: %v", jerrors.ErrConsistency, st.Name, err)
			}
		}
	}

	var expanded []*param.Set
	frontier := []*param.Set{merged}
	for len(frontier) > 0 {
		next := frontier[0]
		frontier = frontier[1:]
		if err := next.Substitute(false); err != nil {
			return nil, fmt.Errorf("%w: step %q: %v", jerrors.ErrSpec, st.Name, err)
		}
		if !next.HasTemplates() {
			expanded = append(expanded, next)
			continue
		}
		frontier = append(frontier, next.ExpandTemplates()...)
	}

	var created []*workpackage.Workpackage
	for _, combination := range expanded {
		iterSiblings := make([]*workpackage.Workpackage, 0, st.Iterations)
		for iteration := 0; iteration < st.Iterations; iteration++ {
			id := s.allocID()
			wp := workpackage.New(id, st, combination.Copy(), iterationBase*st.Iterations+iteration, s.Bench.Dir)
			for _, parent := range combo {
				wp.AddParent(parent)
			}
			active, err := s.workpackageIsActive(wp)
			if err != nil {
				return nil, err
			}
			if !active {
				// An inactive combination never consumes an id.
				s.releaseID(id)
				continue
			}
			for _, parent := range combo {
				parent.AddChild(wp)
			}
			s.Register(wp)
			created = append(created, wp)
			iterSiblings = append(iterSiblings, wp)
		}
		for _, wp := range iterSiblings {
			for _, sib := range iterSiblings {
				wp.AddIterationSibling(sib)
			}
		}
	}

	return created, nil
}

// workpackageIsActive evaluates the step's active expression against the
// workpackage's fully-substituted parameter space, reserved parameters
// included; this is the gate that decides whether the workpackage exists.
func (s *Scheduler) workpackageIsActive(wp *workpackage.Workpackage) (bool, error) {
	st := wp.Step
	if st.Active == "" || st.Active == "true" {
		return true, nil
	}
	full := wp.Parameters.Copy()
	_ = full.AddSet(s.Bench.JubeParameterSet())
	_ = full.AddSet(bench.StepJubeParameterSet(st))
	_ = full.AddSet(wp.JubeParameterSet(""))
	if err := full.Substitute(true); err != nil {
		return false, fmt.Errorf("%w: step %q active expression: %v", jerrors.ErrSpec, st.Name, err)
	}
	expr := param.Substitution(st.Active, full.ConstantParameterDict())
	return param.EvalBool(expr)
}

// admissible reports whether wp may be dispatched now. An already-started
// workpackage is always admissible (it is being re-polled, not newly
// started); a fresh one defers while its step already has max_async
// workpackages in flight.
func (s *Scheduler) admissible(wp *workpackage.Workpackage) bool {
	if wp.Step.MaxAsync <= 0 || wp.Started() {
		return true
	}
	pending := 0
	for _, peer := range s.byStep[wp.Step.Name] {
		if peer.Pending() {
			pending++
		}
	}
	return pending < wp.Step.MaxAsync
}

// dequeueBatch removes and returns the first admissible workpackage from
// the queue, together with (for procs>1 steps) up to procs-1 further
// admissible workpackages of the same step. Non-admissible entries keep
// their queue position.
func (s *Scheduler) dequeueBatch() []*workpackage.Workpackage {
	for i, wp := range s.queue {
		if !s.admissible(wp) {
			continue
		}
		st := wp.Step
		batch := []*workpackage.Workpackage{wp}
		rest := append(append([]*workpackage.Workpackage(nil), s.queue[:i]...), s.queue[i+1:]...)
		if st.Procs > 1 {
			j := 0
			for j < len(rest) && len(batch) < st.Procs {
				if rest[j].Step.Name == st.Name && s.admissible(rest[j]) {
					batch = append(batch, rest[j])
					rest = append(rest[:j], rest[j+1:]...)
					continue
				}
				j++
			}
		}
		s.queue = rest
		return batch
	}
	return nil
}

// Run drains the queue until it is empty or until a full pass over the
// remaining entries makes no progress, which means everything left is
// waiting on an async file no operation of this process will create.
func (s *Scheduler) Run(ctx context.Context) error {
	noProgress := 0
	for len(s.queue) > 0 {
		if noProgress > len(s.queue) {
			if !s.opts.WaitForAsync {
				if s.opts.Logger != nil {
					s.opts.Logger.Info("all remaining workpackages are pending on async gates", "count", len(s.queue))
				}
				return nil
			}
			if err := s.pollLimiter.Wait(ctx); err != nil {
				return err
			}
			noProgress = 0
		}
		batch := s.dequeueBatch()
		if len(batch) == 0 {
			// Every queued entry is deferred by max_async and nothing is
			// running that could unblock them in this process.
			if s.opts.Logger != nil {
				s.opts.Logger.Info("all remaining workpackages are deferred", "count", len(s.queue))
			}
			return nil
		}

		errs := make([]error, len(batch))
		g, gctx := errgroup.WithContext(ctx)
		for i, wp := range batch {
			i, wp := i, wp
			g.Go(func() error {
				errs[i] = s.runOne(gctx, wp)
				return nil
			})
		}
		_ = g.Wait()

		progressed := false
		var fatal error
		for i, wp := range batch {
			wp.Queued = false
			err := errs[i]
			switch {
			case err == nil && wp.Done():
				progressed = true
				if ferr := s.onWorkpackageDone(wp); ferr != nil {
					fatal = ferr
				}
			case err == nil:
				// Still waiting on an async gate; try again on a later pass.
				s.Enqueue(wp)
			case errors.Is(err, jerrors.ErrOperationFailed):
				// Fatal for this workpackage only: it stays unfinished, its
				// dependents never materialize, the rest keeps running.
				progressed = true
				if s.opts.Logger != nil {
					s.opts.Logger.Error("workpackage failed",
						"id", wp.ID, "step", wp.Step.Name, "error", err)
				}
			default:
				fatal = err
			}
		}
		if s.opts.Persist != nil {
			if err := s.opts.Persist.Save(s.Workpackages()); err != nil && s.opts.Logger != nil {
				s.opts.Logger.Warn("state write failed, continuing in memory", "error", err)
			}
		}
		if fatal != nil {
			return fatal
		}
		if progressed {
			noProgress = 0
		} else {
			noProgress++
		}
	}
	return nil
}

func (s *Scheduler) runOne(ctx context.Context, wp *workpackage.Workpackage) error {
	if s.opts.Trace {
		spanCtx, span := tracing.StartWorkpackageSpan(ctx, wp.Step.Name, wp.ID)
		defer span.End()
		ctx = spanCtx
	}
	vars := wp.Parameters.ConstantParameterDict()
	return wp.Run(ctx, workpackage.RunOptions{
		BenchmarkJubeParameters: s.Bench.JubeParameterSet(),
		StepJubeParameters:      bench.StepJubeParameterSet(wp.Step),
		UsedFilesets:            wp.Step.UsedSets(s.Bench.Filesets, vars),
		UsedSubstitutesets:      wp.Step.UsedSets(s.Bench.Substitutesets, vars),
		FileStager:              s.opts.FileStager,
		Substituter:             s.opts.Substituter,
		Logger:                  s.opts.Logger,
		DebugMode:               s.opts.DebugMode,
		VerboseStdout:           s.opts.VerboseStdout,
		DoLog:                   s.doLogFor(wp.Step, wp.Env),
		StepPeers:               s.byStep[wp.Step.Name],
		Requeue:                 s.Enqueue,
	})
}

func (s *Scheduler) doLogFor(st *step.Step, env map[string]string) *opexec.DoLog {
	if st.DoLogFile == "" {
		return nil
	}
	if dl, ok := s.doLogs[st.Name]; ok {
		return dl
	}
	initialEnv := make(map[string]string, len(env))
	for k, v := range env {
		initialEnv[k] = v
	}
	dl, err := opexec.NewDoLog(s.Bench.Dir, st.DoLogFile, initialEnv)
	if err != nil {
		return nil
	}
	s.doLogs[st.Name] = dl
	return dl
}

// onWorkpackageDone fans out to dependent steps once wp finishes and
// enqueues every direct child — newly materialized or created earlier by a
// different parent's completion — whose parents are now all done.
func (s *Scheduler) onWorkpackageDone(wp *workpackage.Workpackage) error {
	if _, err := s.materializeChildren(wp); err != nil {
		return err
	}
	for _, child := range wp.Children {
		if parentsDone(child) {
			s.Enqueue(child)
		}
	}
	return nil
}

// FanOutCompleted replays dependent-step materialization for every already
// finished workpackage; the resume path calls this to recover children a
// crash prevented from being created. Combinations that already exist are
// de-duplicated away.
func (s *Scheduler) FanOutCompleted() error {
	for _, wp := range s.Workpackages() {
		if wp.Done() {
			if err := s.onWorkpackageDone(wp); err != nil {
				return err
			}
		}
	}
	return nil
}

func parentsDone(wp *workpackage.Workpackage) bool {
	for _, parent := range wp.Parents {
		if !parent.Done() {
			return false
		}
	}
	return true
}

// sortedStepNames returns keys in deterministic order, used anywhere a map
// of step names must be iterated reproducibly.
func sortedStepNames(m map[string]bool) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}
