package param

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestSubstituteResolvesChains(t *testing.T) {
	s := NewSet(DuplicateReplace)
	require.NoError(t, s.Add(NewStatic("a", "1")))
	require.NoError(t, s.Add(NewStatic("b", "$a+1")))
	require.NoError(t, s.Add(NewStatic("c", "${b}!")))

	require.NoError(t, s.Substitute(false))
	require.Equal(t, "1+1", s.Get("b").Value())
	require.Equal(t, "1+1!", s.Get("c").Value())
}

func TestSubstituteFinalCollapsesEscapedDollar(t *testing.T) {
	s := NewSet(DuplicateReplace)
	require.NoError(t, s.Add(NewStatic("path", "$$HOME/bin")))

	require.NoError(t, s.Substitute(true))
	require.Equal(t, "$HOME/bin", s.Get("path").Value())
}

func TestSubstituteFinalRejectsUnresolved(t *testing.T) {
	s := NewSet(DuplicateReplace)
	require.NoError(t, s.Add(NewStatic("a", "$missing")))

	require.NoError(t, s.Substitute(false))
	err := s.Substitute(true)
	require.Error(t, err)
	require.Contains(t, err.Error(), "missing")
}

func TestSubstituteDetectsCycle(t *testing.T) {
	s := NewSet(DuplicateReplace)
	a := NewStatic("a", "$b")
	b := NewStatic("b", "$a")
	require.NoError(t, s.Add(a))
	require.NoError(t, s.Add(b))

	require.Error(t, s.Substitute(false))
}

func TestSubstituteEvaluatesShellMode(t *testing.T) {
	s := NewSet(DuplicateReplace)
	require.NoError(t, s.Add(NewStatic("n", "3")))
	expr := NewStatic("doubled", "echo $((${n} * 2))")
	expr.Mode = ModeShell
	require.NoError(t, s.Add(expr))

	require.NoError(t, s.Substitute(true))
	require.Equal(t, "6", s.Get("doubled").Value())
	require.Equal(t, ModeText, s.Get("doubled").Mode)
}

func TestExpandTemplatesCartesianProduct(t *testing.T) {
	s := NewSet(DuplicateReplace)
	p := NewStatic("p", "x,y,z")
	p.Values = []string{"x", "y", "z"}
	q := NewStatic("q", "1,2")
	q.Values = []string{"1", "2"}
	require.NoError(t, s.Add(p))
	require.NoError(t, s.Add(q))

	frontier := []*Set{s}
	var done []*Set
	for len(frontier) > 0 {
		next := frontier[0]
		frontier = frontier[1:]
		if !next.HasTemplates() {
			done = append(done, next)
			continue
		}
		frontier = append(frontier, next.ExpandTemplates()...)
	}
	require.Len(t, done, 6)

	seen := map[string]bool{}
	for _, set := range done {
		key := set.Get("p").Value() + set.Get("q").Value()
		require.False(t, seen[key], "duplicate combination %s", key)
		seen[key] = true
		require.NotNil(t, set.Get("p").BasedOn)
		require.Equal(t, "p", set.Get("p").BasedOn.Name)
	}
}

func TestAddDuplicatePolicies(t *testing.T) {
	t.Run("replace", func(t *testing.T) {
		s := NewSet(DuplicateReplace)
		require.NoError(t, s.Add(NewStatic("a", "1")))
		require.NoError(t, s.Add(NewStatic("a", "2")))
		require.Equal(t, "2", s.Get("a").Value())
	})

	t.Run("error", func(t *testing.T) {
		s := NewSet(DuplicateError)
		require.NoError(t, s.Add(NewStatic("a", "1")))
		p := NewStatic("a", "2")
		p.Duplicate = ""
		require.Error(t, s.Add(p))
	})

	t.Run("none requires equality", func(t *testing.T) {
		s := NewSet(DuplicateNone)
		one := NewStatic("a", "1")
		one.Duplicate = ""
		same := NewStatic("a", "1")
		same.Duplicate = ""
		other := NewStatic("a", "2")
		other.Duplicate = ""
		require.NoError(t, s.Add(one))
		require.NoError(t, s.Add(same))
		require.Error(t, s.Add(other))
	})

	t.Run("concat merges values", func(t *testing.T) {
		s := NewSet(DuplicateConcat)
		one := NewStatic("a", "1")
		one.Duplicate = DuplicateConcat
		two := NewStatic("a", "2")
		two.Duplicate = DuplicateConcat
		require.NoError(t, s.Add(one))
		require.NoError(t, s.Add(two))
		require.Equal(t, []string{"1", "2"}, s.Get("a").Values)
	})
}

func TestIsCompatiblePhases(t *testing.T) {
	a := NewSet(DuplicateReplace)
	b := NewSet(DuplicateReplace)
	require.NoError(t, a.Add(NewStatic("x", "1")))
	require.NoError(t, b.Add(NewStatic("x", "2")))

	ok, bad := a.IsCompatible(b, UpdateJube)
	require.False(t, ok)
	require.Equal(t, []string{"x"}, bad)

	// Reserved parameters are exempt at every phase except UpdateNever.
	require.NoError(t, a.Add(NewJube("jube_wp_id", "1", TypeInt)))
	require.NoError(t, b.Add(NewJube("jube_wp_id", "2", TypeInt)))
	ok, _ = a.IsCompatible(b, UpdateJube)
	require.False(t, ok) // still blocked by x

	a2 := NewSet(DuplicateReplace)
	b2 := NewSet(DuplicateReplace)
	require.NoError(t, a2.Add(NewJube("jube_wp_id", "1", TypeInt)))
	require.NoError(t, b2.Add(NewJube("jube_wp_id", "2", TypeInt)))
	ok, _ = a2.IsCompatible(b2, UpdateJube)
	require.True(t, ok)

	// A step-mode parameter may rebind at the step phase.
	stepParam := NewStatic("y", "1")
	stepParam.UpdateMode = UpdateStep
	stepParam2 := NewStatic("y", "2")
	stepParam2.UpdateMode = UpdateStep
	a3 := NewSet(DuplicateReplace)
	b3 := NewSet(DuplicateReplace)
	require.NoError(t, a3.Add(stepParam))
	require.NoError(t, b3.Add(stepParam2))
	ok, _ = a3.IsCompatible(b3, UpdateStep)
	require.True(t, ok)
	ok, _ = a3.IsCompatible(b3, UpdateNever)
	require.False(t, ok)
}

func TestGetUpdatable(t *testing.T) {
	s := NewSet(DuplicateReplace)
	never := NewStatic("n", "1")
	cycle := NewStatic("c", "1")
	cycle.UpdateMode = UpdateCycle
	always := NewStatic("a", "1")
	always.UpdateMode = UpdateAlways
	require.NoError(t, s.Add(never))
	require.NoError(t, s.Add(cycle))
	require.NoError(t, s.Add(always))
	require.NoError(t, s.Add(NewJube("jube_wp_id", "0", TypeInt)))

	require.Equal(t, []string{"c", "a"}, s.GetUpdatable(UpdateCycle).Names())
	require.Equal(t, []string{"a"}, s.GetUpdatable(UpdateAlways).Names())
	require.Equal(t, []string{"jube_wp_id"}, s.GetUpdatable(UpdateJube).Names())
}

func TestRemoveJubeParameters(t *testing.T) {
	s := NewSet(DuplicateReplace)
	require.NoError(t, s.Add(NewStatic("keep", "1")))
	require.NoError(t, s.Add(NewJube("jube_wp_id", "0", TypeInt)))
	require.NoError(t, s.Add(NewStatic("also", "2")))

	s.RemoveJubeParameters()
	require.Equal(t, []string{"keep", "also"}, s.Names())
}

func TestEvalBool(t *testing.T) {
	cases := []struct {
		expr string
		want bool
	}{
		{"true", true},
		{"false", false},
		{"1", true},
		{"0", false},
		{"a == a", true},
		{"a == b", false},
		{"a != b", true},
		{"true and false", false},
		{"true or false", true},
		{"not false", true},
		{"(a == a) and (b == b)", true},
		{"not (a == a) or 1 == 1", true},
	}
	for _, tc := range cases {
		got, err := EvalBool(tc.expr)
		require.NoError(t, err, tc.expr)
		require.Equal(t, tc.want, got, tc.expr)
	}
}
