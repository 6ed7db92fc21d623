// Package cli implements the command-line surface: run, continue, analyse,
// result, info and log, built on cobra.
package cli

import (
	"fmt"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/fzj-jsc/jube-go/internal/jube/collab"
	"github.com/fzj-jsc/jube-go/internal/pkg/logger"
)

// Version is stamped at build time.
var Version = "dev"

var (
	flagDebug   bool
	flagVerbose bool
)

var rootCmd = &cobra.Command{
	Use:           "jube",
	Short:         "Benchmarking environment: expand, execute and evaluate parameterized benchmarks",
	Version:       Version,
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	rootCmd.PersistentFlags().BoolVar(&flagDebug, "debug", false, "propagate no commands to the shell")
	rootCmd.PersistentFlags().BoolVarP(&flagVerbose, "verbose", "v", false, "stream operation stdout to the terminal")
	rootCmd.AddCommand(runCmd, continueCmd, analyseCmd, resultCmd, infoCmd, logCmd)
}

// Execute runs the CLI; the caller maps a returned error to exit code 1.
func Execute() error {
	return rootCmd.Execute()
}

func newLogger(benchDir, filename string) (*logger.Logger, error) {
	mode := "dev"
	if flagDebug {
		mode = "debug"
	}
	path := ""
	if benchDir != "" {
		path = filepath.Join(benchDir, filename)
	}
	return logger.NewWithFile(mode, path)
}

// lockRunDir serializes run/continue invocations against one run directory;
// callers defer the returned release.
func lockRunDir(benchDir string) (func(), error) {
	lock, err := collab.NewDirLock(benchDir)
	if err != nil {
		return nil, err
	}
	if err := lock.Acquire(); err != nil {
		return nil, fmt.Errorf("run directory busy: %w", err)
	}
	return func() { _ = lock.Release() }, nil
}
