package param

import (
	"fmt"
	"os"
	"os/exec"
	"regexp"
	"strings"
)

// refPattern matches $name or ${name} references inside a raw parameter
// value. Names follow the same identifier rule as parameter names.
var refPattern = regexp.MustCompile(`\$\{([A-Za-z_]\w*)\}|\$([A-Za-z_]\w*)`)

// tokenPattern matches a `$$` escape or a reference. The escape is tried
// first, so the dollar it escapes never starts a reference.
var tokenPattern = regexp.MustCompile(`\$\$|` + refPattern.String())

// maxFixedPointIterations bounds the substitution loop so a cyclic chain of
// parameters referencing each other fails fast instead of looping forever.
const maxFixedPointIterations = 64

// Substitute replaces $name/${name} references across every parameter in s
// with the current value of name, evaluating scripted parameters once their
// references are gone, and repeats until a fixed point or until
// maxFixedPointIterations is hit. `$$` is an escape and never starts a
// reference. A parameter that still refers to a defined parameter at the
// fixed point (a reference cycle) is an error. When final is true, any
// reference left unresolved is an error, and every `$$` then collapses to a
// literal `$`.
func (s *Set) Substitute(final bool) error {
	for iter := 0; iter < maxFixedPointIterations; iter++ {
		changed := false
		vars := s.ConstantParameterDict()
		for _, n := range s.order {
			p := s.params[n]
			if p.IsTemplate() {
				continue
			}
			newVal, ok := substituteOne(p.Value(), vars, tokenPattern)
			if ok && newVal != p.Value() {
				p.Values[p.Selected] = newVal
				changed = true
			}
			if p.Mode != ModeText && !refPattern.MatchString(p.Value()) {
				evaluated, err := evalScripted(p.Mode, p.Value())
				if err != nil {
					return fmt.Errorf("param: evaluate %q: %w", p.Name, err)
				}
				p.Values[p.Selected] = evaluated
				p.Mode = ModeText
				changed = true
			}
		}
		if !changed {
			for _, n := range s.order {
				if p := s.params[n]; !p.IsTemplate() {
					for _, m := range tokenPattern.FindAllStringSubmatch(p.Value(), -1) {
						if _, ok := vars[m[1]+m[2]]; ok {
							return fmt.Errorf("param: cyclic reference: %q still refers to %q", n, m[1]+m[2])
						}
					}
				}
			}
			if final {
				if err := checkUnresolved(s, vars); err != nil {
					return err
				}
				for _, n := range s.order {
					if p := s.params[n]; !p.IsTemplate() {
						p.Values[p.Selected] = strings.ReplaceAll(p.Value(), "$$", "$")
					}
				}
			}
			return nil
		}
	}
	return fmt.Errorf("param: substitution did not converge after %d iterations (possible cycle)", maxFixedPointIterations)
}

// evalScripted hands a fully-resolved scripted value to its interpreter and
// returns the captured stdout, trailing newline stripped.
func evalScripted(mode Mode, value string) (string, error) {
	var cmd *exec.Cmd
	switch mode {
	case ModeShell:
		shell := strings.TrimSpace(os.Getenv("JUBE_EXEC_SHELL"))
		if shell == "" {
			shell = "/bin/sh"
		}
		cmd = exec.Command(shell, "-c", value)
	case ModePython:
		cmd = exec.Command("python3", "-c", "print("+value+")")
	default:
		return "", fmt.Errorf("unknown scripting mode %q", mode)
	}
	out, err := cmd.Output()
	if err != nil {
		return "", err
	}
	return strings.TrimRight(string(out), "\n"), nil
}

func substituteOne(value string, vars map[string]string, pattern *regexp.Regexp) (string, bool) {
	changed := false
	out := pattern.ReplaceAllStringFunc(value, func(tok string) string {
		m := pattern.FindStringSubmatch(tok)
		name := m[1]
		if name == "" {
			name = m[2]
		}
		if v, ok := vars[name]; ok {
			changed = true
			return v
		}
		return tok
	})
	return out, changed
}

func checkUnresolved(s *Set, vars map[string]string) error {
	var unresolved []string
	for _, n := range s.order {
		p := s.params[n]
		if p.IsTemplate() {
			continue
		}
		for _, m := range tokenPattern.FindAllStringSubmatch(p.Value(), -1) {
			name := m[1]
			if name == "" {
				name = m[2]
			}
			if _, ok := vars[name]; !ok && name != "" {
				unresolved = append(unresolved, name)
			}
		}
	}
	if len(unresolved) > 0 {
		return fmt.Errorf("param: unresolved reference(s) at final substitution: %s", strings.Join(unresolved, ", "))
	}
	return nil
}

// Substitution applies the same $name/${name} replacement rule to an
// arbitrary string against a caller-supplied variable map, used for step
// and operation templates (do, work_dir, async_filename and friends) that
// live outside any Set. It is a single pass, not a fixed-point loop, and
// gives `$$` no special meaning.
func Substitution(text string, vars map[string]string) string {
	out, _ := substituteOne(text, vars, refPattern)
	return out
}
