// Package param implements the ParameterSet algebra: merging, template
// expansion, textual substitution and duplicate-policy resolution over a
// named parameter environment.
package param

import "fmt"

// Type is the declared content type of a parameter's resolved value.
type Type string

const (
	TypeString Type = "string"
	TypeInt    Type = "int"
	TypeFloat  Type = "float"
)

// Mode selects how a parameter's value is interpreted once all of its
// references resolve to static values.
type Mode string

const (
	ModeText   Mode = "text"
	ModePython Mode = "python"
	ModeShell  Mode = "shell"
)

// UpdateMode is the phase at which a parameter may be re-evaluated. Phases
// are ordered jube < use < step < cycle < always.
type UpdateMode int

const (
	UpdateNever UpdateMode = iota
	UpdateJube
	UpdateUse
	UpdateStep
	UpdateCycle
	UpdateAlways
)

func (m UpdateMode) String() string {
	switch m {
	case UpdateNever:
		return "never"
	case UpdateJube:
		return "jube"
	case UpdateUse:
		return "use"
	case UpdateStep:
		return "step"
	case UpdateCycle:
		return "cycle"
	case UpdateAlways:
		return "always"
	default:
		return "unknown"
	}
}

// ParseUpdateMode parses the textual update_mode attribute used by the
// declarative spec format.
func ParseUpdateMode(s string) (UpdateMode, error) {
	switch s {
	case "", "never":
		return UpdateNever, nil
	case "jube":
		return UpdateJube, nil
	case "use":
		return UpdateUse, nil
	case "step":
		return UpdateStep, nil
	case "cycle":
		return UpdateCycle, nil
	case "always":
		return UpdateAlways, nil
	default:
		return UpdateNever, fmt.Errorf("param: unknown update_mode %q", s)
	}
}

// Duplicate is the conflict-resolution policy applied when a parameter of
// the same name is added to a ParameterSet that already contains it.
type Duplicate string

const (
	DuplicateNone    Duplicate = "none"
	DuplicateReplace Duplicate = "replace"
	DuplicateConcat  Duplicate = "concat"
	DuplicateError   Duplicate = "error"
)

// Origin records a template parameter's pre-expansion identity so a static,
// expanded parameter can remember which template it came from without
// holding a pointer into that template's own lifetime. It is a relation,
// not ownership, and is trivial to persist.
type Origin struct {
	Name   string
	Raw    string
	Values []string
}

// Parameter is a single named entry in a ParameterSet. It is "template" when
// it carries more than one value (Values); expansion replaces a template
// parameter with one static copy per value.
type Parameter struct {
	Name       string
	Raw        string // the raw, unsplit textual definition, kept for persistence/debugging
	Values     []string
	Selected   int // index into Values currently bound; meaningful even for len(Values)==1
	Separator  string
	Type       Type
	Mode       Mode
	UpdateMode UpdateMode
	Export     bool
	Duplicate  Duplicate
	BasedOn    *Origin
}

// NewStatic constructs a single-valued parameter with text mode and no
// special update behavior, the common case for constant parameters.
func NewStatic(name, value string) *Parameter {
	return &Parameter{
		Name:      name,
		Raw:       value,
		Values:    []string{value},
		Separator: ",",
		Type:      TypeString,
		Mode:      ModeText,
	}
}

// NewJube constructs a parameter belonging to the reserved jube-internal
// namespace: update_mode=jube so it is refreshed on every substitution
// pass.
func NewJube(name, value string, typ Type) *Parameter {
	p := NewStatic(name, value)
	p.Type = typ
	p.UpdateMode = UpdateJube
	return p
}

// IsTemplate reports whether this parameter currently carries more than one
// candidate value, i.e. has not yet been expanded.
func (p *Parameter) IsTemplate() bool { return len(p.Values) > 1 }

// Value returns the currently selected value.
func (p *Parameter) Value() string {
	if len(p.Values) == 0 {
		return ""
	}
	if p.Selected < 0 || p.Selected >= len(p.Values) {
		return p.Values[0]
	}
	return p.Values[p.Selected]
}

// Clone returns a deep copy safe to mutate independently of the receiver.
func (p *Parameter) Clone() *Parameter {
	cp := *p
	cp.Values = append([]string(nil), p.Values...)
	return &cp
}

// Expand returns one static Parameter per candidate value, each remembering
// p as its Origin via BasedOn.
func (p *Parameter) Expand() []*Parameter {
	if !p.IsTemplate() {
		return []*Parameter{p.Clone()}
	}
	origin := &Origin{Name: p.Name, Raw: p.Raw, Values: append([]string(nil), p.Values...)}
	out := make([]*Parameter, 0, len(p.Values))
	for _, v := range p.Values {
		np := p.Clone()
		np.Values = []string{v}
		np.Selected = 0
		np.BasedOn = origin
		out = append(out, np)
	}
	return out
}
