// Package opexec runs a single step.Operation against a bound parameter
// environment: shell spawn, stdout/stderr capture, environment harvesting
// and the async/break/error file gates.
package opexec

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"regexp"
	"strings"

	jerrors "github.com/fzj-jsc/jube-go/internal/pkg/errors"
	"github.com/fzj-jsc/jube-go/internal/pkg/logger"

	"github.com/fzj-jsc/jube-go/internal/jube/param"
	"github.com/fzj-jsc/jube-go/internal/jube/step"
	"github.com/mattn/go-isatty"
)

// DefaultShell is used when JUBE_EXEC_SHELL is unset or blank.
const DefaultShell = "/bin/sh"

// environmentInfoFile is the transcript env(1) dumps into after a
// successful `do`, read back to capture the operation's resulting shell
// environment and then removed.
const environmentInfoFile = "jube_wp_environment.update"

// Result reports how execution may proceed: ContinueOp is false while an
// async gate is still pending, ContinueCycle is false once a
// break_filename has appeared.
type Result struct {
	ContinueOp    bool
	ContinueCycle bool
}

// Options carries everything Execute needs beyond the operation and
// parameters: the directory to run in, the environment to run with (updated
// in place on success), and an optional shell transcript sink.
type Options struct {
	WorkDir          string
	Parameters       map[string]string
	Environment      map[string]string // mutated in place on success
	Log              *logger.Logger
	OnlyCheckPending bool
	DebugMode        bool // log the substituted directive instead of spawning it
	VerboseStdout    bool // duplicate stdout to the controlling terminal, gated on isatty
	DoLog            *DoLog
}

// Execute runs op once. When opts.OnlyCheckPending is true the shell command
// itself is skipped and only the async/break/error gates are evaluated,
// mirroring the workpackage scheduler's re-poll of an already-dispatched
// operation.
func Execute(ctx context.Context, op *step.Operation, opts Options) (Result, error) {
	active, err := resolveActive(op.Active, opts.Parameters)
	if err != nil {
		return Result{}, err
	}
	if !active {
		return Result{ContinueOp: true, ContinueCycle: true}, nil
	}

	env := opts.Environment
	workDir := opts.WorkDir

	if op.WorkDir != "" {
		sub := param.Substitution(op.WorkDir, opts.Parameters)
		sub = expandPath(sub)
		workDir = filepath.Join(workDir, sub)
		if refPattern.MatchString(workDir) {
			return Result{}, fmt.Errorf("%w: operation work_dir %q still references an unresolved parameter", jerrors.ErrSpec, workDir)
		}
		if err := os.MkdirAll(workDir, 0o755); err != nil && !os.IsExist(err) {
			return Result{}, fmt.Errorf("opexec: create work_dir: %w", err)
		}
	}

	if !opts.OnlyCheckPending {
		do := strings.Trim(param.Substitution(op.Do, opts.Parameters), ";")
		if strings.TrimSpace(do) != "" {
			if opts.DebugMode {
				if opts.Log != nil {
					opts.Log.Info("debug mode, skipping execution", "do", do, "work_dir", workDir)
				}
			} else if err := run(ctx, do, workDir, env, op, opts); err != nil {
				return Result{}, err
			}
		}
	}

	result := Result{ContinueOp: true, ContinueCycle: true}

	if op.BreakFilename != "" {
		breakPath := resolveGatePath(op.BreakFilename, opts.Parameters, workDir)
		if exists(breakPath) {
			if opts.Log != nil {
				opts.Log.Debug("break file found, stopping cycle", "file", breakPath)
			}
			result.ContinueCycle = false
		}
	}

	if op.AsyncFilename != "" {
		asyncPath := resolveGatePath(op.AsyncFilename, opts.Parameters, workDir)
		if !exists(asyncPath) {
			if opts.Log != nil {
				opts.Log.Debug("waiting for async file", "file", asyncPath)
			}
			result.ContinueOp = false
		}
	}

	if op.ErrorFilename != "" {
		errorPath := resolveGatePath(op.ErrorFilename, opts.Parameters, workDir)
		if exists(errorPath) {
			do := param.Substitution(op.Do, opts.Parameters)
			return result, fmt.Errorf("%w: error file %q found after running %q", jerrors.ErrOperationFailed, errorPath, do)
		}
	}

	return result, nil
}

func resolveActive(expr string, vars map[string]string) (bool, error) {
	sub := param.Substitution(expr, vars)
	return param.EvalBool(sub)
}

func resolveGatePath(filename string, vars map[string]string, workDir string) string {
	sub := expandPath(param.Substitution(filename, vars))
	if filepath.IsAbs(sub) {
		return sub
	}
	return filepath.Join(workDir, sub)
}

func exists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}

func expandPath(p string) string {
	return os.ExpandEnv(expandHome(p))
}

func expandHome(p string) string {
	if p == "~" || strings.HasPrefix(p, "~/") {
		if home, err := os.UserHomeDir(); err == nil {
			return home + p[1:]
		}
	}
	return p
}

var refPattern = regexp.MustCompile(`\$\{[A-Za-z_]\w*\}|\$[A-Za-z_]\w*`)

func run(ctx context.Context, do, workDir string, env map[string]string, op *step.Operation, opts Options) error {
	stdoutName := "stdout"
	if op.StdoutFilename != "" {
		stdoutName = expandPath(param.Substitution(op.StdoutFilename, opts.Parameters))
	}
	stderrName := "stderr"
	if op.StderrFilename != "" {
		stderrName = expandPath(param.Substitution(op.StderrFilename, opts.Parameters))
	}

	stdoutPath := filepath.Join(workDir, stdoutName)
	stderrPath := filepath.Join(workDir, stderrName)

	stdout, err := os.OpenFile(stdoutPath, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("opexec: open stdout sink: %w", err)
	}
	defer stdout.Close()
	stderr, err := os.OpenFile(stderrPath, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("opexec: open stderr sink: %w", err)
	}
	defer stderr.Close()

	shell := DefaultShell
	if alt := strings.TrimSpace(os.Getenv("JUBE_EXEC_SHELL")); alt != "" {
		shell = alt
	}

	absInfoPath, err := filepath.Abs(filepath.Join(workDir, environmentInfoFile))
	if err != nil {
		return fmt.Errorf("opexec: %w", err)
	}

	if opts.DoLog != nil {
		if err := opts.DoLog.StoreDo(do, shell, workDir, op.Shared); err != nil {
			return fmt.Errorf("opexec: do-log: %w", err)
		}
	}

	cmd := exec.CommandContext(ctx, shell, "-c", fmt.Sprintf("%s && env > %q", do, absInfoPath))
	cmd.Dir = workDir
	cmd.Env = envSlice(env)

	var stdoutWriter io.Writer = stdout
	if opts.VerboseStdout && isatty.IsTerminal(os.Stdout.Fd()) {
		stdoutWriter = io.MultiWriter(stdout, os.Stdout)
	}
	cmd.Stdout = stdoutWriter
	cmd.Stderr = stderr

	if opts.Log != nil {
		opts.Log.Debug("executing operation", "do", do, "work_dir", workDir)
	}

	runErr := cmd.Run()

	updatedEnv, readErr := ReadProcessEnvironment(absInfoPath, true)
	if readErr == nil && runErr == nil && env != nil {
		for k := range env {
			delete(env, k)
		}
		for k, v := range updatedEnv {
			env[k] = v
		}
	}

	if runErr != nil {
		tail := tailFile(stderrPath, 5)
		return fmt.Errorf("%w: running %q in %q: %v\n%s", jerrors.ErrOperationFailed, do, workDir, runErr, tail)
	}
	return nil
}

func envSlice(env map[string]string) []string {
	if env == nil {
		return os.Environ()
	}
	out := make([]string, 0, len(env))
	for k, v := range env {
		out = append(out, k+"="+v)
	}
	return out
}

func tailFile(path string, maxLines int) string {
	f, err := os.Open(path)
	if err != nil {
		return ""
	}
	defer f.Close()
	var lines []string
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		lines = append(lines, scanner.Text())
		if len(lines) > maxLines {
			lines = lines[1:]
		}
	}
	return strings.Join(lines, "\n")
}

var envLineRe = regexp.MustCompile(`^(\S.*?)=(.*)$`)

// ReadProcessEnvironment parses the `env > file` transcript an operation
// leaves behind. A line with no `=` is a continuation of the previous
// variable's (multi-line) value, not a new entry.
func ReadProcessEnvironment(path string, removeAfterRead bool) (map[string]string, error) {
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return map[string]string{}, nil
		}
		return nil, err
	}
	env := map[string]string{}
	var last string
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)
	for scanner.Scan() {
		line := scanner.Text()
		if m := envLineRe.FindStringSubmatch(line); m != nil {
			env[m[1]] = m[2]
			last = m[1]
		} else if last != "" {
			env[last] += "\n" + line
		}
	}
	f.Close()
	if removeAfterRead {
		_ = os.Remove(path)
	}
	return env, scanner.Err()
}
