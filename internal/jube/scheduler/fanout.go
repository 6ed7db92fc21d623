package scheduler

import (
	"fmt"
	"sort"
	"strconv"
	"strings"

	"github.com/fzj-jsc/jube-go/internal/jube/param"
	"github.com/fzj-jsc/jube-go/internal/jube/workpackage"
)

// materializeChildren finds every step that directly depends on the step
// that just produced a finished workpackage and, for each one, builds the
// Cartesian product of per-dependency done-workpackage candidates (with the
// finished workpackage fixed as its own step's representative) and creates
// one child batch per not-yet-seen combination. Combinations whose parents
// carry incompatible parameter bindings are pruned silently rather than
// erroring.
func (s *Scheduler) materializeChildren(finished *workpackage.Workpackage) ([]*workpackage.Workpackage, error) {
	var out []*workpackage.Workpackage
	for _, childStep := range s.Bench.DependentSteps(finished.Step.Name) {
		deps := sortedStepNames(childStep.Depend)
		groups := make([][]*workpackage.Workpackage, len(deps))
		ready := true
		for i, dep := range deps {
			if dep == finished.Step.Name {
				groups[i] = []*workpackage.Workpackage{finished}
				continue
			}
			done := doneWorkpackages(s.byStep[dep])
			if len(done) == 0 {
				ready = false
				break
			}
			groups[i] = done
		}
		if !ready {
			continue
		}

		skipped := 0
		for _, combo := range cartesianProduct(groups) {
			key := comboKey(childStep.Name, combo)
			if s.materialized[key] {
				continue
			}

			if !combosAreCompatible(combo) {
				s.materialized[key] = true
				skipped++
				continue
			}

			children, err := s.createWorkpackagesForStep(childStep, combo, iterationBase(combo))
			if err != nil {
				return nil, fmt.Errorf("step %q: %w", childStep.Name, err)
			}
			s.materialized[key] = true
			propagateIterationSiblings(combo, children)
			out = append(out, children...)
		}
		if skipped > 0 && s.opts.Logger != nil {
			s.opts.Logger.Debug("skipped incompatible parent combinations",
				"step", childStep.Name, "count", skipped)
		}
	}
	return out, nil
}

// iterationBase folds a parent tuple's iteration indexes into one composite
// number. Parents are ordered by (step.iterations, step.name) so the result
// is deterministic and collision-free across the dependency graph.
func iterationBase(combo []*workpackage.Workpackage) int {
	sorted := append([]*workpackage.Workpackage(nil), combo...)
	sort.SliceStable(sorted, func(i, j int) bool { return sorted[i].Step.Name < sorted[j].Step.Name })
	sort.SliceStable(sorted, func(i, j int) bool { return sorted[i].Step.Iterations < sorted[j].Step.Iterations })
	base := 0
	for i, parent := range sorted {
		if i == 0 {
			base = parent.Iteration
		} else {
			base = parent.Step.Iterations*base + parent.Iteration
		}
	}
	return base
}

// propagateIterationSiblings extends the sibling equivalence class across a
// dependency edge: any child of a sibling of the tuple's first parent whose
// parameter binding matches a new workpackage (ignoring reserved names)
// becomes its iteration sibling, and vice versa.
func propagateIterationSiblings(combo, created []*workpackage.Workpackage) {
	if len(combo) == 0 || len(created) == 0 {
		return
	}
	for _, sibling := range combo[0].IterationSiblings {
		if sibling == combo[0] {
			continue
		}
		for _, child := range sibling.Children {
			for _, wp := range created {
				if ok, _ := wp.Parameters.IsCompatible(child.Parameters, param.UpdateJube); ok {
					wp.AddIterationSibling(child)
					child.AddIterationSibling(wp)
				}
			}
		}
	}
}

func doneWorkpackages(wps []*workpackage.Workpackage) []*workpackage.Workpackage {
	var out []*workpackage.Workpackage
	for _, wp := range wps {
		if wp.Done() {
			out = append(out, wp)
		}
	}
	return out
}

// combosAreCompatible checks that every pair of parents in combo agrees on
// any parameter name they share, outside of a phase that permits rebinding.
func combosAreCompatible(combo []*workpackage.Workpackage) bool {
	for i := 0; i < len(combo); i++ {
		for j := i + 1; j < len(combo); j++ {
			if ok, _ := combo[i].Parameters.IsCompatible(combo[j].Parameters, param.UpdateJube); !ok {
				return false
			}
		}
	}
	return true
}

// comboKey identifies a dependency combination by step name and sorted
// parent ids, the de-duplication key materializeChildren uses to avoid
// spawning the same child batch once per contributing parent.
func comboKey(stepName string, combo []*workpackage.Workpackage) string {
	ids := make([]int, len(combo))
	for i, wp := range combo {
		ids[i] = wp.ID
	}
	sort.Ints(ids)
	parts := make([]string, len(ids))
	for i, id := range ids {
		parts[i] = strconv.Itoa(id)
	}
	return stepName + ":" + strings.Join(parts, ",")
}

// cartesianProduct returns every combination picking exactly one element
// from each group, in group order.
func cartesianProduct(groups [][]*workpackage.Workpackage) [][]*workpackage.Workpackage {
	if len(groups) == 0 {
		return nil
	}
	out := [][]*workpackage.Workpackage{{}}
	for _, group := range groups {
		var next [][]*workpackage.Workpackage
		for _, partial := range out {
			for _, wp := range group {
				combo := append(append([]*workpackage.Workpackage(nil), partial...), wp)
				next = append(next, combo)
			}
		}
		out = next
	}
	return out
}
