package collab

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/fzj-jsc/jube-go/internal/jube/param"
)

// Rule is one search/replace pair applied to a staged file's content.
type Rule struct {
	Search  string
	Replace string
}

// RuleSubstituter applies a named substituteset's find/replace rules to the
// files it names, after substituting both the search pattern and the
// replacement against the current parameter map. This is content-level
// substitution on staged files, as opposed to param.Set.Substitute which
// operates on parameter values.
type RuleSubstituter struct {
	Files map[string][]string // substituteset name -> file names (relative to workDir)
	Rules map[string][]Rule   // substituteset name -> rules
}

func (s *RuleSubstituter) Substitute(ctx context.Context, name, workDir string, parameters map[string]string) error {
	rules := s.Rules[name]
	if len(rules) == 0 {
		return nil
	}
	for _, file := range s.Files[name] {
		path := filepath.Join(workDir, file)
		if err := substituteFile(path, rules, parameters); err != nil {
			return fmt.Errorf("substituteset %q: %q: %w", name, file, err)
		}
	}
	return nil
}

func substituteFile(path string, rules []Rule, parameters map[string]string) error {
	raw, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	text := string(raw)
	for _, r := range rules {
		search := param.Substitution(r.Search, parameters)
		replace := param.Substitution(r.Replace, parameters)
		text = strings.ReplaceAll(text, search, replace)
	}
	info, err := os.Stat(path)
	if err != nil {
		return err
	}
	return os.WriteFile(path, []byte(text), info.Mode().Perm())
}
