// Package config loads the YAML benchmark-definition format into the
// in-memory model the scheduler consumes: parametersets, filesets,
// substitutesets, steps, patternsets, analysers and results, plus include
// resolution across JUBE_INCLUDE_PATH.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"
)

// ParameterDef is one <parameter> entry of a parameterset.
type ParameterDef struct {
	Name       string `yaml:"name"`
	Value      string `yaml:"value"`
	Separator  string `yaml:"separator"`
	Type       string `yaml:"type"`
	Mode       string `yaml:"mode"`
	UpdateMode string `yaml:"update_mode"`
	Export     bool   `yaml:"export"`
	Duplicate  string `yaml:"duplicate"`
}

// ParametersetDef names a reusable group of parameters a step's `use` list
// can reference.
type ParametersetDef struct {
	Name       string         `yaml:"name"`
	Parameters []ParameterDef `yaml:"parameters"`
	Duplicate  string         `yaml:"duplicate"`
}

// OperationDef is one shell directive in a step's ordered operation list.
type OperationDef struct {
	Do             string `yaml:"do"`
	AsyncFilename  string `yaml:"async_filename"`
	BreakFilename  string `yaml:"break_filename"`
	ErrorFilename  string `yaml:"error_filename"`
	StdoutFilename string `yaml:"stdout_filename"`
	StderrFilename string `yaml:"stderr_filename"`
	WorkDir        string `yaml:"work_dir"`
	Active         string `yaml:"active"`
	Shared         bool   `yaml:"shared"`
}

// StepDef is one step template. Use entries are comma-separated within one
// string to form a single use-group; successive entries are successive
// groups applied in order.
type StepDef struct {
	Name       string         `yaml:"name"`
	Use        []string       `yaml:"use"`
	Depend     []string       `yaml:"depend"`
	Iterations int            `yaml:"iterations"`
	Cycles     int            `yaml:"cycles"`
	Procs      int            `yaml:"procs"`
	Shared     string         `yaml:"shared"`
	Export     bool           `yaml:"export"`
	AltWorkDir string         `yaml:"alt_work_dir"`
	Suffix     string         `yaml:"suffix"`
	MaxAsync   int            `yaml:"max_async"`
	Active     string         `yaml:"active"`
	DoLogFile  string         `yaml:"do_log_file"`
	Operations []OperationDef `yaml:"operations"`
}

// FilesetDef names a group of glob patterns (matched with doublestar,
// relative to the benchmark file's directory) staged into a workpackage's
// work directory ahead of substitution.
type FilesetDef struct {
	Name     string   `yaml:"name"`
	Patterns []string `yaml:"patterns"`
}

// SubstituteRuleDef is one find/replace rule applied to a staged file.
type SubstituteRuleDef struct {
	Search  string `yaml:"search"`
	Replace string `yaml:"replace"`
}

// SubstitutesetDef names a group of file-level substitution rules.
type SubstitutesetDef struct {
	Name  string              `yaml:"name"`
	Files []string            `yaml:"files"`
	Rules []SubstituteRuleDef `yaml:"rules"`
}

// PatternDef is one named regular expression extracted from result files.
// The first capture group is the value; without a group the whole match is.
type PatternDef struct {
	Name   string `yaml:"name"`
	Regex  string `yaml:"regex"`
	Type   string `yaml:"type"`
	Unit   string `yaml:"unit"`
	Reduce string `yaml:"reduce"` // first|last|min|max|sum|avg|cnt, default first
}

// PatternsetDef names a reusable group of patterns an analyser can use.
type PatternsetDef struct {
	Name     string       `yaml:"name"`
	Patterns []PatternDef `yaml:"patterns"`
}

// AnalyseFilesDef names the files of one step's work directories an
// analyser scans.
type AnalyseFilesDef struct {
	Step  string   `yaml:"step"`
	Files []string `yaml:"files"`
}

// AnalyserDef binds patternsets to the step output files they are matched
// against.
type AnalyserDef struct {
	Name    string            `yaml:"name"`
	Use     []string          `yaml:"use"`
	Analyse []AnalyseFilesDef `yaml:"analyse"`
}

// ResultDef describes one result table: which analysers feed it, which
// columns (parameter or pattern names) appear, and an optional column to
// render as a bar chart next to the table file.
type ResultDef struct {
	Name        string   `yaml:"name"`
	Use         []string `yaml:"use"`
	Columns     []string `yaml:"columns"`
	ChartColumn string   `yaml:"chart_column"`
}

// BenchmarkDef is the root of the YAML bridge document.
type BenchmarkDef struct {
	Name           string             `yaml:"name"`
	Outpath        string             `yaml:"outpath"`
	FileDir        string             `yaml:"-"` // directory the definition file lives in, for relative paths
	Parametersets  []ParametersetDef  `yaml:"parametersets"`
	Filesets       []FilesetDef       `yaml:"filesets"`
	Substitutesets []SubstitutesetDef `yaml:"substitutesets"`
	Steps          []StepDef          `yaml:"steps"`
	Patternsets    []PatternsetDef    `yaml:"patternsets"`
	Analysers      []AnalyserDef      `yaml:"analysers"`
	Results        []ResultDef        `yaml:"results"`
}

// Load parses path and resolves any `include` document referenced from it,
// searching the colon-separated JUBE_INCLUDE_PATH in addition to the
// definition file's own directory.
func Load(path string) (*BenchmarkDef, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: read %q: %w", path, err)
	}
	var doc struct {
		BenchmarkDef `yaml:",inline"`
		Include      []string `yaml:"include"`
	}
	if err := yaml.Unmarshal(raw, &doc); err != nil {
		return nil, fmt.Errorf("config: parse %q: %w", path, err)
	}
	def := doc.BenchmarkDef
	def.FileDir = filepath.Dir(path)

	for _, inc := range doc.Include {
		incPath, ferr := resolveInclude(inc, def.FileDir)
		if ferr != nil {
			return nil, ferr
		}
		sub, err := Load(incPath)
		if err != nil {
			return nil, err
		}
		mergeInclude(&def, sub)
	}
	return &def, nil
}

// resolveInclude finds name first relative to baseDir, then across every
// directory named in JUBE_INCLUDE_PATH.
func resolveInclude(name, baseDir string) (string, error) {
	candidate := filepath.Join(baseDir, name)
	if _, err := os.Stat(candidate); err == nil {
		return candidate, nil
	}
	searchPath := strings.TrimSpace(os.Getenv("JUBE_INCLUDE_PATH"))
	if searchPath != "" {
		for _, dir := range strings.Split(searchPath, ":") {
			dir = strings.TrimSpace(dir)
			if dir == "" {
				continue
			}
			candidate = filepath.Join(dir, name)
			if _, err := os.Stat(candidate); err == nil {
				return candidate, nil
			}
		}
	}
	return "", fmt.Errorf("config: include %q not found relative to %q or JUBE_INCLUDE_PATH", name, baseDir)
}

// mergeInclude folds an included document's sets/steps into def, placing
// the included definitions ahead of def's own. Names are not deduplicated
// here; a parameterset or step name defined in both documents is rejected
// as a duplicate when the benchmark is built.
func mergeInclude(def *BenchmarkDef, sub *BenchmarkDef) {
	def.Parametersets = append(sub.Parametersets, def.Parametersets...)
	def.Filesets = append(sub.Filesets, def.Filesets...)
	def.Substitutesets = append(sub.Substitutesets, def.Substitutesets...)
	def.Steps = append(sub.Steps, def.Steps...)
	def.Patternsets = append(sub.Patternsets, def.Patternsets...)
	def.Analysers = append(sub.Analysers, def.Analysers...)
	def.Results = append(sub.Results, def.Results...)
}
