package opexec

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/fzj-jsc/jube-go/internal/jube/param"
)

// DoLog appends every executed `do` directive to a shell-transcript file,
// seeded with the step's initial environment as `set` statements so the
// transcript alone is enough to reproduce a run by hand.
type DoLog struct {
	logDir     string
	logFile    string
	initialEnv map[string]string

	logPath string
	workDir string
}

// NewDoLog validates logFile (it may not end in "/") and returns a DoLog
// that lazily resolves its final path on the first StoreDo call, since the
// file name itself may be a substitution template.
func NewDoLog(logDir, logFile string, initialEnv map[string]string) (*DoLog, error) {
	if logFile != "" && strings.HasSuffix(logFile, "/") {
		return nil, fmt.Errorf("opexec: do_log_file %q ends with / which is not a valid file path", logFile)
	}
	return &DoLog{logDir: logDir, logFile: logFile, initialEnv: initialEnv}, nil
}

func (d *DoLog) resolvePath(parameters map[string]string) error {
	if d.logPath != "" || d.logFile == "" {
		return nil
	}
	name := d.logFile
	if parameters != nil {
		name = expandPath(param.Substitution(name, parameters))
		if refPattern.MatchString(name) {
			return fmt.Errorf("opexec: do_log_file %q still references an unresolved parameter", name)
		}
	}
	switch {
	case strings.HasPrefix(name, "/"):
		d.logPath = name
	case !strings.Contains(name, "/"):
		d.logPath = filepath.Join(d.logDir, name)
	default:
		cwd, err := os.Getwd()
		if err != nil {
			return err
		}
		d.logPath = filepath.Join(cwd, name)
	}
	return nil
}

func (d *DoLog) initialiseFile(shell string) error {
	f, err := os.OpenFile(d.logPath, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return err
	}
	defer f.Close()
	fmt.Fprintf(f, "#!%s\n\n", shell)
	for name, value := range d.initialEnv {
		fmt.Fprintf(f, "set %s='%s'\n", name, strings.ReplaceAll(value, "\n", "\\n"))
	}
	fmt.Fprintln(f)
	return nil
}

// StoreDo appends one `do` invocation to the transcript, initializing the
// file and any missing parent directory on first use.
func (d *DoLog) StoreDo(do, shell, workDir string, shared bool) error {
	return d.storeDo(do, shell, workDir, nil, shared)
}

// StoreDoWithParameters resolves a template log_file path against
// parameters before the first write.
func (d *DoLog) StoreDoWithParameters(do, shell, workDir string, parameters map[string]string, shared bool) error {
	return d.storeDo(do, shell, workDir, parameters, shared)
}

func (d *DoLog) storeDo(do, shell, workDir string, parameters map[string]string, shared bool) error {
	if d.logFile == "" {
		return nil
	}
	if err := d.resolvePath(parameters); err != nil {
		return err
	}
	if dir := filepath.Dir(d.logPath); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return err
		}
	}
	if _, err := os.Stat(d.logPath); os.IsNotExist(err) {
		if err := d.initialiseFile(shell); err != nil {
			return err
		}
	}
	f, err := os.OpenFile(d.logPath, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return err
	}
	defer f.Close()
	if workDir != d.workDir {
		fmt.Fprintf(f, "cd %s\n", workDir)
		d.workDir = workDir
	}
	fmt.Fprint(f, do)
	if shared {
		fmt.Fprint(f, " # shared execution")
	}
	fmt.Fprintln(f)
	return nil
}
