// Package persist serializes a run's workpackage graph, parameter bindings
// and environment diffs to the benchmark directory, and reconstructs them so
// a later invocation can resume exactly where the previous one stopped.
package persist

import (
	"encoding/xml"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/fzj-jsc/jube-go/internal/jube/config"
	"github.com/fzj-jsc/jube-go/internal/jube/param"
	"github.com/fzj-jsc/jube-go/internal/jube/workpackage"
	jerrors "github.com/fzj-jsc/jube-go/internal/pkg/errors"
)

const (
	// WorkpackagesFilename holds the scheduler state inside a run directory.
	WorkpackagesFilename = "workpackages.xml"
	// ConfigurationFilename is the reproducible definition snapshot.
	ConfigurationFilename = "configuration.yaml"
	// TimestampsFilename records run start and last state change.
	TimestampsFilename = "timestamps"

	// FormatVersion is bumped on incompatible state-schema changes; a
	// higher on-disk version than this refuses to load without force.
	FormatVersion = 1
)

type workpackagesXML struct {
	XMLName xml.Name         `xml:"workpackages"`
	Version int              `xml:"version,attr"`
	Items   []workpackageXML `xml:"workpackage"`
}

type workpackageXML struct {
	ID        int             `xml:"id,attr"`
	Step      string          `xml:"step,attr"`
	Iteration int             `xml:"iteration,attr"`
	Cycle     int             `xml:"cycle,attr"`
	Params    []parameterXML  `xml:"parameterset>parameter"`
	Parents   string          `xml:"parents,omitempty"`
	Siblings  string          `xml:"iteration_siblings,omitempty"`
	Env       []envEntryXML   `xml:"environment>env"`
	NonEnv    []nonEnvItemXML `xml:"environment>nonenv"`
}

type parameterXML struct {
	Name       string `xml:"name,attr"`
	Separator  string `xml:"separator,attr,omitempty"`
	Type       string `xml:"type,attr,omitempty"`
	Mode       string `xml:"mode,attr,omitempty"`
	UpdateMode string `xml:"update_mode,attr,omitempty"`
	Export     bool   `xml:"export,attr,omitempty"`
	Value      string `xml:",chardata"`
}

type envEntryXML struct {
	Name  string `xml:"name,attr"`
	Value string `xml:",chardata"`
}

type nonEnvItemXML struct {
	Name string `xml:"name,attr"`
}

// Writer persists scheduler state into a benchmark run directory. StartEnv
// is the process environment captured at run start; only deviations from it
// are stored per workpackage.
type Writer struct {
	BenchDir string
	StartEnv map[string]string
}

// NewWriter captures the current process environment as the diff baseline.
func NewWriter(benchDir string) *Writer {
	return &Writer{BenchDir: benchDir, StartEnv: CurrentEnvironment()}
}

// CurrentEnvironment returns the process environment as a map.
func CurrentEnvironment() map[string]string {
	env := map[string]string{}
	for _, kv := range os.Environ() {
		if i := strings.IndexByte(kv, '='); i >= 0 {
			env[kv[:i]] = kv[i+1:]
		}
	}
	return env
}

// Save writes the full workpackage graph to WorkpackagesFilename, replacing
// the previous state atomically, and touches the last-change timestamp.
func (w *Writer) Save(wps []*workpackage.Workpackage) error {
	doc := workpackagesXML{Version: FormatVersion}
	for _, wp := range wps {
		doc.Items = append(doc.Items, w.encode(wp))
	}
	raw, err := xml.MarshalIndent(doc, "", "  ")
	if err != nil {
		return fmt.Errorf("%w: marshal state: %v", jerrors.ErrPersistence, err)
	}
	path := filepath.Join(w.BenchDir, WorkpackagesFilename)
	tmp := path + ".tmp"
	content := append([]byte(xml.Header), raw...)
	if err := os.WriteFile(tmp, content, 0o644); err != nil {
		return fmt.Errorf("%w: write state: %v", jerrors.ErrPersistence, err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return fmt.Errorf("%w: replace state: %v", jerrors.ErrPersistence, err)
	}
	return TouchLastChange(w.BenchDir)
}

func (w *Writer) encode(wp *workpackage.Workpackage) workpackageXML {
	item := workpackageXML{
		ID:        wp.ID,
		Step:      wp.Step.Name,
		Iteration: wp.Iteration,
		Cycle:     wp.Cycle,
		Parents:   idList(wp.Parents),
		Siblings:  idList(wp.IterationSiblings),
	}
	for _, p := range wp.Parameters.All() {
		item.Params = append(item.Params, parameterXML{
			Name:       p.Name,
			Separator:  p.Separator,
			Type:       string(p.Type),
			Mode:       string(p.Mode),
			UpdateMode: p.UpdateMode.String(),
			Export:     p.Export,
			Value:      p.Value(),
		})
	}
	names := make([]string, 0, len(wp.Env))
	for name := range wp.Env {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		if start, ok := w.StartEnv[name]; !ok || start != wp.Env[name] {
			item.Env = append(item.Env, envEntryXML{Name: name, Value: wp.Env[name]})
		}
	}
	startNames := make([]string, 0, len(w.StartEnv))
	for name := range w.StartEnv {
		startNames = append(startNames, name)
	}
	sort.Strings(startNames)
	for _, name := range startNames {
		if _, ok := wp.Env[name]; !ok {
			item.NonEnv = append(item.NonEnv, nonEnvItemXML{Name: name})
		}
	}
	return item
}

func idList(wps []*workpackage.Workpackage) string {
	if len(wps) == 0 {
		return ""
	}
	ids := make([]int, len(wps))
	for i, wp := range wps {
		ids[i] = wp.ID
	}
	sort.Ints(ids)
	parts := make([]string, len(ids))
	for i, id := range ids {
		parts[i] = strconv.Itoa(id)
	}
	return strings.Join(parts, ",")
}

func parseIDList(s string) ([]int, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil, nil
	}
	parts := strings.Split(s, ",")
	out := make([]int, 0, len(parts))
	for _, part := range parts {
		id, err := strconv.Atoi(strings.TrimSpace(part))
		if err != nil {
			return nil, err
		}
		out = append(out, id)
	}
	return out, nil
}

// WriteConfiguration snapshots the parsed definition into the run directory
// so resume and reproduction do not depend on the original input file.
func WriteConfiguration(benchDir string, def *config.BenchmarkDef) error {
	raw, err := yaml.Marshal(def)
	if err != nil {
		return fmt.Errorf("%w: marshal configuration: %v", jerrors.ErrPersistence, err)
	}
	path := filepath.Join(benchDir, ConfigurationFilename)
	if err := os.WriteFile(path, raw, 0o644); err != nil {
		return fmt.Errorf("%w: write configuration: %v", jerrors.ErrPersistence, err)
	}
	return nil
}

// WriteStartTimestamp records run start; the second line is maintained by
// TouchLastChange afterwards.
func WriteStartTimestamp(benchDir string) error {
	now := time.Now().Format(time.RFC3339)
	content := fmt.Sprintf("start: %s\nchange: %s\n", now, now)
	return os.WriteFile(filepath.Join(benchDir, TimestampsFilename), []byte(content), 0o644)
}

// TouchLastChange updates the last-change line, keeping the start line.
func TouchLastChange(benchDir string) error {
	path := filepath.Join(benchDir, TimestampsFilename)
	raw, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return WriteStartTimestamp(benchDir)
		}
		return err
	}
	lines := strings.SplitN(string(raw), "\n", 2)
	start := lines[0]
	content := fmt.Sprintf("%s\nchange: %s\n", start, time.Now().Format(time.RFC3339))
	return os.WriteFile(path, []byte(content), 0o644)
}

// decode rebuilds a param.Parameter from its persisted form.
func (p parameterXML) decode() (*param.Parameter, error) {
	updateMode, err := param.ParseUpdateMode(p.UpdateMode)
	if err != nil {
		return nil, err
	}
	typ := param.Type(p.Type)
	if typ == "" {
		typ = param.TypeString
	}
	mode := param.Mode(p.Mode)
	if mode == "" {
		mode = param.ModeText
	}
	sep := p.Separator
	if sep == "" {
		sep = ","
	}
	return &param.Parameter{
		Name:       p.Name,
		Raw:        p.Value,
		Values:     []string{p.Value},
		Separator:  sep,
		Type:       typ,
		Mode:       mode,
		UpdateMode: updateMode,
		Export:     p.Export,
	}, nil
}
