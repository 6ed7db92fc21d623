package param

import "fmt"

// Set is an insertion-ordered name -> Parameter mapping with its own
// default duplicate policy. Iteration follows insertion order so expansion
// and persistence are deterministic.
type Set struct {
	order  []string
	params map[string]*Parameter
	Policy Duplicate
}

// NewSet constructs an empty Set with the given default duplicate policy.
func NewSet(policy Duplicate) *Set {
	if policy == "" {
		policy = DuplicateReplace
	}
	return &Set{params: map[string]*Parameter{}, Policy: policy}
}

// Len reports the number of parameters currently in the set.
func (s *Set) Len() int { return len(s.order) }

// Names returns the parameter names in insertion order.
func (s *Set) Names() []string {
	out := make([]string, len(s.order))
	copy(out, s.order)
	return out
}

// Get returns the parameter with the given name, or nil.
func (s *Set) Get(name string) *Parameter { return s.params[name] }

// All iterates parameters in insertion order.
func (s *Set) All() []*Parameter {
	out := make([]*Parameter, 0, len(s.order))
	for _, n := range s.order {
		out = append(out, s.params[n])
	}
	return out
}

// Add inserts p honoring the duplicate policy (p's own Duplicate field
// overrides the set's default when set):
//
//	replace: last write wins
//	concat:  values concatenate; two single-valued sides must share a
//	         separator, and no other options are compared
//	error:   raise
//	none:    require structural equality
func (s *Set) Add(p *Parameter) error {
	policy := s.Policy
	if p.Duplicate != "" {
		policy = p.Duplicate
	}
	existing, ok := s.params[p.Name]
	if !ok {
		s.order = append(s.order, p.Name)
		s.params[p.Name] = p
		return nil
	}
	if existing.Duplicate != "" && p.Duplicate != "" && existing.Duplicate != p.Duplicate {
		return fmt.Errorf("param: conflicting duplicate policy for %q (%s vs %s)", p.Name, existing.Duplicate, p.Duplicate)
	}
	switch policy {
	case DuplicateReplace:
		s.params[p.Name] = p
		return nil
	case DuplicateConcat:
		if !existing.IsTemplate() && !p.IsTemplate() && existing.Separator != p.Separator {
			return fmt.Errorf("param: cannot concat %q: separators differ", p.Name)
		}
		merged := existing.Clone()
		merged.Values = append(merged.Values, p.Values...)
		s.params[p.Name] = merged
		return nil
	case DuplicateError:
		return fmt.Errorf("param: duplicate parameter %q", p.Name)
	case DuplicateNone:
		if !parametersEqual(existing, p) {
			return fmt.Errorf("param: %q redefined with different value", p.Name)
		}
		return nil
	default:
		return fmt.Errorf("param: unknown duplicate policy %q", policy)
	}
}

func parametersEqual(a, b *Parameter) bool {
	if a.Raw != b.Raw || a.Type != b.Type || a.Mode != b.Mode {
		return false
	}
	if len(a.Values) != len(b.Values) {
		return false
	}
	for i := range a.Values {
		if a.Values[i] != b.Values[i] {
			return false
		}
	}
	return true
}

// AddSet merges every parameter of other into s, in other's order.
func (s *Set) AddSet(other *Set) error {
	if other == nil {
		return nil
	}
	for _, p := range other.All() {
		if err := s.Add(p); err != nil {
			return err
		}
	}
	return nil
}

// Copy returns a deep, independent copy of the set.
func (s *Set) Copy() *Set {
	cp := NewSet(s.Policy)
	for _, n := range s.order {
		p := s.params[n].Clone()
		cp.order = append(cp.order, n)
		cp.params[n] = p
	}
	return cp
}

// IsCompatible reports whether s and other agree on every parameter name
// they share, ignoring names whose UpdateMode permits rebinding at the
// given phase. Reserved (jube-mode) parameters rebind at every phase; under
// UpdateNever nothing is exempt. On incompatibility it also returns the
// offending names.
func (s *Set) IsCompatible(other *Set, phase UpdateMode) (bool, []string) {
	var bad []string
	for name, p := range s.params {
		op, ok := other.params[name]
		if !ok {
			continue
		}
		if rebindable(p, phase) && rebindable(op, phase) {
			continue
		}
		if !parametersEqual(p, op) {
			bad = append(bad, name)
		}
	}
	return len(bad) == 0, bad
}

// rebindable reports whether p may legitimately hold different values on
// the two sides of a merge happening at the given phase.
func rebindable(p *Parameter, phase UpdateMode) bool {
	if phase == UpdateNever {
		return false
	}
	if p.UpdateMode == UpdateJube {
		return true
	}
	if phase == UpdateJube {
		return false
	}
	return p.UpdateMode >= phase
}

// RemoveJubeParameters strips every reserved (jube-mode) parameter; the
// scheduler does this before re-expanding a merged parent set so fresh
// reserved values get injected for the child.
func (s *Set) RemoveJubeParameters() {
	kept := s.order[:0]
	for _, n := range s.order {
		if s.params[n].UpdateMode == UpdateJube {
			delete(s.params, n)
			continue
		}
		kept = append(kept, n)
	}
	s.order = kept
}

// HasTemplates reports whether any parameter in the set still has more than
// one candidate value.
func (s *Set) HasTemplates() bool {
	for _, p := range s.params {
		if p.IsTemplate() {
			return true
		}
	}
	return false
}

// ExpandTemplates expands exactly one template parameter into one set per
// candidate value, preserving value order for determinism; callers loop
// until HasTemplates reports false, re-substituting between rounds so
// templates produced by substitution expand too.
func (s *Set) ExpandTemplates() []*Set {
	var templateName string
	for _, n := range s.order {
		if s.params[n].IsTemplate() {
			templateName = n
			break
		}
	}
	if templateName == "" {
		return []*Set{s}
	}
	tmpl := s.params[templateName]
	variants := tmpl.Expand()
	out := make([]*Set, 0, len(variants))
	for _, v := range variants {
		cp := s.Copy()
		cp.params[templateName] = v
		out = append(out, cp)
	}
	return out
}

// GetUpdatable returns a new Set containing the parameters that re-evaluate
// at the given lifecycle phase: exactly the reserved set for UpdateJube,
// otherwise everything whose UpdateMode is at or past the phase (a
// cycle-mode parameter refreshes at cycle entry and an always-mode one at
// every operation, so the always phase is the narrowest).
func (s *Set) GetUpdatable(phase UpdateMode) *Set {
	out := NewSet(s.Policy)
	for _, n := range s.order {
		p := s.params[n]
		if phase == UpdateJube {
			if p.UpdateMode == UpdateJube {
				_ = out.Add(p.Clone())
			}
			continue
		}
		if p.UpdateMode != UpdateJube && p.UpdateMode != UpdateNever && p.UpdateMode >= phase {
			_ = out.Add(p.Clone())
		}
	}
	return out
}

// ConstantParameterDict returns name -> current value for every
// non-template parameter, the form substitution and operation execution
// consume.
func (s *Set) ConstantParameterDict() map[string]string {
	out := make(map[string]string, len(s.order))
	for _, n := range s.order {
		p := s.params[n]
		if !p.IsTemplate() {
			out[n] = p.Value()
		}
	}
	return out
}

// ExportParameterDict returns every parameter marked Export, in order.
func (s *Set) ExportParameterDict() []*Parameter {
	var out []*Parameter
	for _, n := range s.order {
		if p := s.params[n]; p.Export {
			out = append(out, p)
		}
	}
	return out
}

// IncompatibleParameter returns the names present in both s and other with
// differing definitions, ignoring phase; used for user-facing error
// messages.
func (s *Set) IncompatibleParameter(other *Set) []string {
	var bad []string
	for name, p := range s.params {
		if op, ok := other.params[name]; ok && !parametersEqual(p, op) {
			bad = append(bad, name)
		}
	}
	return bad
}
