package cli

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/fzj-jsc/jube-go/internal/jube/persist"
)

var logID int

var logCmd = &cobra.Command{
	Use:   "log <outpath>",
	Short: "Print a run's captured log files",
	Args:  cobra.ExactArgs(1),
	RunE:  doLog,
}

func init() {
	logCmd.Flags().IntVar(&logID, "id", -1, "benchmark run id (default: latest)")
}

func doLog(cmd *cobra.Command, args []string) error {
	outpath := args[0]
	id, err := resolveID(outpath, logID)
	if err != nil {
		return err
	}
	benchDir, err := persist.BenchDir(outpath, id)
	if err != nil {
		return err
	}
	printed := false
	for _, name := range []string{"run.log", "parse.log"} {
		raw, err := os.ReadFile(filepath.Join(benchDir, name))
		if err != nil {
			continue
		}
		fmt.Fprintf(cmd.OutOrStdout(), "==> %s <==\n", name)
		cmd.OutOrStdout().Write(raw)
		printed = true
	}
	if !printed {
		return fmt.Errorf("no log files found in %q", benchDir)
	}
	return nil
}
