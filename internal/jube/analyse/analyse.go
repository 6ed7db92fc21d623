// Package analyse extracts named numeric patterns from the output files of
// finished workpackages and stores the extractions per analyser, per step,
// per workpackage, so result emission can join them back against parameter
// bindings.
package analyse

import (
	"encoding/xml"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strconv"

	"github.com/fzj-jsc/jube-go/internal/jube/bench"
	"github.com/fzj-jsc/jube-go/internal/jube/config"
	"github.com/fzj-jsc/jube-go/internal/jube/param"
	"github.com/fzj-jsc/jube-go/internal/jube/workpackage"
	jerrors "github.com/fzj-jsc/jube-go/internal/pkg/errors"
	"github.com/fzj-jsc/jube-go/internal/pkg/logger"
)

// Filename is the extraction store inside a run directory.
const Filename = "analyse.xml"

// Extraction is every pattern value pulled out of one workpackage.
type Extraction struct {
	WorkpackageID int
	Step          string
	Values        map[string]string
}

// Result maps analyser name to its extractions.
type Result map[string][]Extraction

// reducer folds successive matches of one pattern into one value.
type reducer struct {
	kind   string
	count  int
	sum    float64
	value  string
	numVal float64
}

func newReducer(kind string) *reducer {
	if kind == "" {
		kind = "first"
	}
	return &reducer{kind: kind}
}

func (r *reducer) add(match string) {
	r.count++
	num, numErr := strconv.ParseFloat(match, 64)
	switch r.kind {
	case "first":
		if r.count == 1 {
			r.value = match
		}
	case "last":
		r.value = match
	case "min":
		if numErr == nil && (r.count == 1 || num < r.numVal) {
			r.value, r.numVal = match, num
		}
	case "max":
		if numErr == nil && (r.count == 1 || num > r.numVal) {
			r.value, r.numVal = match, num
		}
	case "sum", "avg":
		if numErr == nil {
			r.sum += num
		}
	}
}

func (r *reducer) result() (string, bool) {
	if r.count == 0 {
		return "", false
	}
	switch r.kind {
	case "sum":
		return strconv.FormatFloat(r.sum, 'g', -1, 64), true
	case "avg":
		return strconv.FormatFloat(r.sum/float64(r.count), 'g', -1, 64), true
	case "cnt":
		return strconv.Itoa(r.count), true
	default:
		return r.value, true
	}
}

// Run matches every analyser's patterns against the named files of every
// done workpackage of the analysed steps and writes the extraction store.
func Run(b *bench.Benchmark, wps []*workpackage.Workpackage, log *logger.Logger) (Result, error) {
	patternsets := map[string][]compiledPattern{}
	for _, ps := range b.Def.Patternsets {
		var compiled []compiledPattern
		for _, pd := range ps.Patterns {
			re, err := regexp.Compile(pd.Regex)
			if err != nil {
				return nil, fmt.Errorf("%w: pattern %q: %v", jerrors.ErrSpec, pd.Name, err)
			}
			compiled = append(compiled, compiledPattern{def: pd, re: re})
		}
		patternsets[ps.Name] = compiled
	}

	byStep := map[string][]*workpackage.Workpackage{}
	for _, wp := range wps {
		if wp.Done() {
			byStep[wp.Step.Name] = append(byStep[wp.Step.Name], wp)
		}
	}

	out := Result{}
	for _, an := range b.Def.Analysers {
		var patterns []compiledPattern
		for _, use := range an.Use {
			ps, ok := patternsets[use]
			if !ok {
				return nil, fmt.Errorf("%w: analyser %q uses unknown patternset %q", jerrors.ErrSpec, an.Name, use)
			}
			patterns = append(patterns, ps...)
		}
		for _, af := range an.Analyse {
			for _, wp := range byStep[af.Step] {
				vars := wp.Parameters.ConstantParameterDict()
				values := map[string]string{}
				for _, file := range af.Files {
					path := filepath.Join(wp.WorkDir(), param.Substitution(file, vars))
					raw, err := os.ReadFile(path)
					if err != nil {
						if log != nil {
							log.Debug("analyse file missing", "workpackage", wp.ID, "file", path)
						}
						continue
					}
					extractPatterns(patterns, string(raw), values)
				}
				if len(values) > 0 {
					out[an.Name] = append(out[an.Name], Extraction{
						WorkpackageID: wp.ID,
						Step:          af.Step,
						Values:        values,
					})
				}
			}
		}
	}

	if err := write(b.Dir, out); err != nil {
		return nil, err
	}
	return out, nil
}

type compiledPattern struct {
	def config.PatternDef
	re  *regexp.Regexp
}

func extractPatterns(patterns []compiledPattern, content string, values map[string]string) {
	for _, cp := range patterns {
		red := newReducer(cp.def.Reduce)
		for _, m := range cp.re.FindAllStringSubmatch(content, -1) {
			match := m[0]
			if len(m) > 1 {
				match = m[1]
			}
			red.add(match)
		}
		if v, ok := red.result(); ok {
			values[cp.def.Name] = v
		}
	}
}

type analyseXML struct {
	XMLName   xml.Name      `xml:"analyse"`
	Analysers []analyserXML `xml:"analyser"`
}

type analyserXML struct {
	Name  string          `xml:"name,attr"`
	Items []extractionXML `xml:"workpackage"`
}

type extractionXML struct {
	ID       int          `xml:"id,attr"`
	Step     string       `xml:"step,attr"`
	Patterns []patternXML `xml:"pattern"`
}

type patternXML struct {
	Name  string `xml:"name,attr"`
	Value string `xml:",chardata"`
}

func write(benchDir string, result Result) error {
	doc := analyseXML{}
	names := make([]string, 0, len(result))
	for name := range result {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		an := analyserXML{Name: name}
		for _, ex := range result[name] {
			item := extractionXML{ID: ex.WorkpackageID, Step: ex.Step}
			pnames := make([]string, 0, len(ex.Values))
			for pname := range ex.Values {
				pnames = append(pnames, pname)
			}
			sort.Strings(pnames)
			for _, pname := range pnames {
				item.Patterns = append(item.Patterns, patternXML{Name: pname, Value: ex.Values[pname]})
			}
			an.Items = append(an.Items, item)
		}
		doc.Analysers = append(doc.Analysers, an)
	}
	raw, err := xml.MarshalIndent(doc, "", "  ")
	if err != nil {
		return fmt.Errorf("%w: marshal analyse data: %v", jerrors.ErrPersistence, err)
	}
	path := filepath.Join(benchDir, Filename)
	content := append([]byte(xml.Header), raw...)
	if err := os.WriteFile(path, content, 0o644); err != nil {
		return fmt.Errorf("%w: write analyse data: %v", jerrors.ErrPersistence, err)
	}
	return nil
}

// Load reads a previously written extraction store back.
func Load(benchDir string) (Result, error) {
	raw, err := os.ReadFile(filepath.Join(benchDir, Filename))
	if err != nil {
		return nil, fmt.Errorf("%w: read analyse data: %v", jerrors.ErrPersistence, err)
	}
	var doc analyseXML
	if err := xml.Unmarshal(raw, &doc); err != nil {
		return nil, fmt.Errorf("%w: parse analyse data: %v", jerrors.ErrPersistence, err)
	}
	out := Result{}
	for _, an := range doc.Analysers {
		for _, item := range an.Items {
			values := map[string]string{}
			for _, p := range item.Patterns {
				values[p.Name] = p.Value
			}
			out[an.Name] = append(out[an.Name], Extraction{
				WorkpackageID: item.ID,
				Step:          item.Step,
				Values:        values,
			})
		}
	}
	return out, nil
}
