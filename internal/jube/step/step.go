// Package step defines the immutable Step and Operation templates that the
// scheduler binds to concrete parameter assignments to produce Workpackages.
package step

import (
	"fmt"

	"github.com/fzj-jsc/jube-go/internal/jube/param"
)

// Step is an immutable template for Workpackages: it names its parameter
// Use groups, its dependencies, iteration/cycle/proc counts, an optional
// shared region, and its ordered Operations.
type Step struct {
	Name string

	// Use is an ordered list of use-groups; every name within one group is
	// applied together and the group must be internally compatible.
	Use [][]string

	Depend map[string]bool

	Iterations int
	Cycles     int
	Procs      int

	SharedName string // empty means no shared region
	Export     bool
	AltWorkDir string // substitution template, empty means none
	Suffix     string
	MaxAsync   int // 0 means unlimited

	Active string // boolean expression, default "true"

	// DoLogFile, when non-empty, names a shell-transcript file every
	// executed `do` (after substitution) is appended to, seeded with the
	// step's initial environment.
	DoLogFile string

	Operations []*Operation
}

// NewStep returns a Step with the defaults an omitted attribute gets:
// iterations=1, cycles=1, procs=1, active="true".
func NewStep(name string) *Step {
	return &Step{
		Name:       name,
		Depend:     map[string]bool{},
		Iterations: 1,
		Cycles:     1,
		Procs:      1,
		Active:     "true",
	}
}

// Validate checks structural invariants before any workpackage of this
// step is ever created.
func (s *Step) Validate() error {
	if s.Name == "" {
		return fmt.Errorf("step: name is required")
	}
	if s.Iterations < 1 {
		return fmt.Errorf("step %q: iterations must be >= 1", s.Name)
	}
	if s.Cycles < 1 {
		return fmt.Errorf("step %q: cycles must be >= 1", s.Name)
	}
	if s.Procs < 1 {
		return fmt.Errorf("step %q: procs must be >= 1", s.Name)
	}
	if s.SharedName != "" && s.Procs > 1 {
		return fmt.Errorf("step %q: shared operations are forbidden in steps with procs>1", s.Name)
	}
	for _, op := range s.Operations {
		if op.Shared && s.SharedName == "" {
			return fmt.Errorf("step %q: operation marked shared but step has no shared name", s.Name)
		}
	}
	seen := map[string]bool{}
	for _, group := range s.Use {
		for _, name := range group {
			if seen[name] {
				return fmt.Errorf("step %q: %q used more than once", s.Name, name)
			}
			seen[name] = true
		}
	}
	return nil
}

// UsedSets filters available (a fileset/parameterset/substituteset name
// registry) down to those actually referenced by s.Use, after substituting
// each use-name against vars; use-group names may themselves be
// parameterized.
func (s *Step) UsedSets(available map[string]bool, vars map[string]string) []string {
	var out []string
	seen := map[string]bool{}
	for _, group := range s.Use {
		for _, name := range group {
			resolved := param.Substitution(name, vars)
			if available[resolved] && !seen[resolved] {
				seen[resolved] = true
				out = append(out, resolved)
			}
		}
	}
	return out
}

// DependsOn reports whether s depends (directly) on step name.
func (s *Step) DependsOn(name string) bool { return s.Depend[name] }

// SharedFolderPath returns the shared-region directory for this step under
// benchDir, "<benchdir>/<step>_<substituted-shared-name>".
func (s *Step) SharedFolderPath(benchDir string, vars map[string]string) string {
	if s.SharedName == "" {
		return ""
	}
	name := s.SharedName
	if vars != nil {
		name = param.Substitution(name, vars)
	}
	return fmt.Sprintf("%s/%s_%s", benchDir, s.Name, name)
}
