// Package bench assembles the in-memory benchmark model (named parametersets,
// filesets, substitutesets and steps) that the scheduler consumes, and owns
// the benchmark's on-disk directory layout.
package bench

import (
	"fmt"
	"os"
	"os/user"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/fzj-jsc/jube-go/internal/jube/config"
	jerrors "github.com/fzj-jsc/jube-go/internal/pkg/errors"

	"github.com/fzj-jsc/jube-go/internal/jube/param"
	"github.com/fzj-jsc/jube-go/internal/jube/step"
)

// Benchmark is one run instance: a parsed definition bound to a numeric id
// and an on-disk directory.
type Benchmark struct {
	ID      int
	Name    string
	Tags    []string
	Dir     string // outpath/<6-digit-id>
	Created time.Time

	Steps      []*step.Step
	StepByName map[string]*step.Step

	// ParameterSets holds one named Set per parameterset definition, the
	// registry a step's Use groups resolve against.
	ParameterSets map[string]*param.Set

	Filesets        map[string]bool
	FilesetPatterns map[string][]string

	Substitutesets map[string]bool

	// Def retains the parsed definition so a snapshot can be written into
	// the run directory for reproduction and resume.
	Def *config.BenchmarkDef

	FileDir string // directory the source definition lived in
}

// idDirName renders the zero-padded six-digit run directory name under the
// outpath.
func idDirName(id int) string { return fmt.Sprintf("%06d", id) }

// New builds a Benchmark from a parsed definition, a fresh numeric id and an
// output path root. It validates steps and parametersets before returning.
func New(def *config.BenchmarkDef, id int, outpath string) (*Benchmark, error) {
	b := &Benchmark{
		ID:              id,
		Name:            def.Name,
		Dir:             filepath.Join(outpath, idDirName(id)),
		Created:         time.Now(),
		StepByName:      map[string]*step.Step{},
		ParameterSets:   map[string]*param.Set{},
		Filesets:        map[string]bool{},
		FilesetPatterns: map[string][]string{},
		Substitutesets:  map[string]bool{},
		Def:             def,
		FileDir:         def.FileDir,
	}

	for _, psd := range def.Parametersets {
		set, err := buildParameterSet(psd)
		if err != nil {
			return nil, err
		}
		if _, exists := b.ParameterSets[psd.Name]; exists {
			return nil, fmt.Errorf("%w: duplicate parameterset name %q", jerrors.ErrConsistency, psd.Name)
		}
		b.ParameterSets[psd.Name] = set
	}

	for _, fsd := range def.Filesets {
		b.Filesets[fsd.Name] = true
		b.FilesetPatterns[fsd.Name] = fsd.Patterns
	}
	for _, ssd := range def.Substitutesets {
		b.Substitutesets[ssd.Name] = true
	}

	for _, sd := range def.Steps {
		st, err := buildStep(sd)
		if err != nil {
			return nil, err
		}
		if err := st.Validate(); err != nil {
			return nil, err
		}
		if _, exists := b.StepByName[st.Name]; exists {
			return nil, fmt.Errorf("%w: duplicate step name %q", jerrors.ErrConsistency, st.Name)
		}
		b.Steps = append(b.Steps, st)
		b.StepByName[st.Name] = st
	}

	if err := checkDependencyGraph(b.Steps); err != nil {
		return nil, err
	}
	for _, st := range b.Steps {
		for used := range collectUseNames(st) {
			if b.ParameterSets[used] == nil && !b.Filesets[used] && !b.Substitutesets[used] {
				return nil, fmt.Errorf("%w: step %q uses unknown set %q", jerrors.ErrSpec, st.Name, used)
			}
		}
		for dep := range st.Depend {
			if b.StepByName[dep] == nil {
				return nil, fmt.Errorf("%w: step %q depends on unknown step %q", jerrors.ErrSpec, st.Name, dep)
			}
		}
	}

	return b, nil
}

func collectUseNames(st *step.Step) map[string]bool {
	out := map[string]bool{}
	for _, group := range st.Use {
		for _, name := range group {
			out[name] = true
		}
	}
	return out
}

// checkDependencyGraph rejects cyclic step dependencies using a Kahn
// topological sort.
func checkDependencyGraph(steps []*step.Step) error {
	indegree := map[string]int{}
	dependents := map[string][]string{}
	byName := map[string]*step.Step{}
	for _, st := range steps {
		byName[st.Name] = st
		if _, ok := indegree[st.Name]; !ok {
			indegree[st.Name] = 0
		}
	}
	for _, st := range steps {
		for dep := range st.Depend {
			if byName[dep] == nil {
				continue // unknown steps are reported by New
			}
			indegree[st.Name]++
			dependents[dep] = append(dependents[dep], st.Name)
		}
	}
	queue := make([]string, 0, len(steps))
	for _, st := range steps {
		if indegree[st.Name] == 0 {
			queue = append(queue, st.Name)
		}
	}
	visited := 0
	for len(queue) > 0 {
		name := queue[0]
		queue = queue[1:]
		visited++
		for _, child := range dependents[name] {
			indegree[child]--
			if indegree[child] == 0 {
				queue = append(queue, child)
			}
		}
	}
	if visited != len(steps) {
		return fmt.Errorf("%w: cyclic step dependency detected", jerrors.ErrConsistency)
	}
	return nil
}

// CreateRunDir materializes the run directory and, when JUBE_GROUP_NAME is
// set, hands ownership to that group and sets the setgid bit so files
// created inside inherit it.
func (b *Benchmark) CreateRunDir() error {
	if err := os.MkdirAll(b.Dir, 0o755); err != nil {
		return fmt.Errorf("bench: create run dir: %w", err)
	}
	groupName := strings.TrimSpace(os.Getenv("JUBE_GROUP_NAME"))
	if groupName == "" {
		return nil
	}
	grp, err := user.LookupGroup(groupName)
	if err != nil {
		return fmt.Errorf("bench: lookup group %q: %w", groupName, err)
	}
	gid, err := strconv.Atoi(grp.Gid)
	if err != nil {
		return fmt.Errorf("bench: group %q has non-numeric gid %q", groupName, grp.Gid)
	}
	if err := os.Chown(b.Dir, -1, gid); err != nil {
		return fmt.Errorf("bench: chown run dir to group %q: %w", groupName, err)
	}
	if err := os.Chmod(b.Dir, 0o2775); err != nil {
		return fmt.Errorf("bench: set group permissions: %w", err)
	}
	return nil
}

// RootSteps returns the steps with no dependencies, the starting point for
// scheduler root workpackage construction.
func (b *Benchmark) RootSteps() []*step.Step {
	var out []*step.Step
	for _, st := range b.Steps {
		if len(st.Depend) == 0 {
			out = append(out, st)
		}
	}
	return out
}

// DependentSteps returns every step that directly depends on name, in
// definition order.
func (b *Benchmark) DependentSteps(name string) []*step.Step {
	var out []*step.Step
	for _, st := range b.Steps {
		if st.DependsOn(name) {
			out = append(out, st)
		}
	}
	return out
}

// JubeParameterSet returns the benchmark-wide jube_benchmark_* reserved
// parameters.
func (b *Benchmark) JubeParameterSet() *param.Set {
	out := param.NewSet(param.DuplicateReplace)
	_ = out.Add(param.NewJube("jube_benchmark_id", strconv.Itoa(b.ID), param.TypeInt))
	_ = out.Add(param.NewJube("jube_benchmark_name", b.Name, param.TypeString))
	abs, err := filepath.Abs(b.Dir)
	if err != nil {
		abs = b.Dir
	}
	_ = out.Add(param.NewJube("jube_benchmark_dir", abs, param.TypeString))
	home, _ := os.UserHomeDir()
	_ = out.Add(param.NewJube("jube_benchmark_home", home, param.TypeString))
	return out
}

// StepJubeParameterSet returns a step's jube_step_* reserved parameters.
func StepJubeParameterSet(st *step.Step) *param.Set {
	out := param.NewSet(param.DuplicateReplace)
	_ = out.Add(param.NewJube("jube_step_name", st.Name, param.TypeString))
	_ = out.Add(param.NewJube("jube_step_iterations", strconv.Itoa(st.Iterations), param.TypeInt))
	_ = out.Add(param.NewJube("jube_step_cycles", strconv.Itoa(st.Cycles), param.TypeInt))
	return out
}

func buildParameterSet(def config.ParametersetDef) (*param.Set, error) {
	policy := param.Duplicate(def.Duplicate)
	if policy == "" {
		policy = param.DuplicateReplace
	}
	set := param.NewSet(policy)
	for _, pd := range def.Parameters {
		p, err := buildParameter(pd)
		if err != nil {
			return nil, err
		}
		if err := set.Add(p); err != nil {
			return nil, fmt.Errorf("%w: %v", jerrors.ErrConsistency, err)
		}
	}
	return set, nil
}

func buildParameter(def config.ParameterDef) (*param.Parameter, error) {
	if def.Name == "" {
		return nil, fmt.Errorf("%w: parameter missing name", jerrors.ErrSpec)
	}
	separator := def.Separator
	if separator == "" {
		separator = ","
	}
	values := []string{def.Value}
	if def.Mode == "" || def.Mode == "text" {
		if strings.Contains(def.Value, separator) {
			values = strings.Split(def.Value, separator)
		}
	}
	typ := param.Type(def.Type)
	if typ == "" {
		typ = param.TypeString
	}
	mode := param.Mode(def.Mode)
	if mode == "" {
		mode = param.ModeText
	}
	updateMode, err := param.ParseUpdateMode(def.UpdateMode)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", jerrors.ErrSpec, err)
	}
	dup := param.Duplicate(def.Duplicate)
	return &param.Parameter{
		Name:       def.Name,
		Raw:        def.Value,
		Values:     values,
		Separator:  separator,
		Type:       typ,
		Mode:       mode,
		UpdateMode: updateMode,
		Export:     def.Export,
		Duplicate:  dup,
	}, nil
}

func buildStep(def config.StepDef) (*step.Step, error) {
	st := step.NewStep(def.Name)
	for _, entry := range def.Use {
		group := strings.Split(entry, ",")
		for i := range group {
			group[i] = strings.TrimSpace(group[i])
		}
		st.Use = append(st.Use, group)
	}
	for _, d := range def.Depend {
		st.Depend[d] = true
	}
	if def.Iterations > 0 {
		st.Iterations = def.Iterations
	}
	if def.Cycles > 0 {
		st.Cycles = def.Cycles
	}
	if def.Procs > 0 {
		st.Procs = def.Procs
	}
	st.SharedName = def.Shared
	st.Export = def.Export
	st.AltWorkDir = def.AltWorkDir
	st.Suffix = def.Suffix
	st.MaxAsync = def.MaxAsync
	st.DoLogFile = def.DoLogFile
	if def.Active != "" {
		st.Active = def.Active
	}
	for _, od := range def.Operations {
		op := step.NewOperation(od.Do)
		op.AsyncFilename = od.AsyncFilename
		op.BreakFilename = od.BreakFilename
		op.ErrorFilename = od.ErrorFilename
		op.StdoutFilename = od.StdoutFilename
		op.StderrFilename = od.StderrFilename
		op.WorkDir = od.WorkDir
		op.Shared = od.Shared
		if od.Active != "" {
			op.Active = od.Active
		}
		st.Operations = append(st.Operations, op)
	}
	return st, nil
}
