package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/fzj-jsc/jube-go/internal/jube/analyse"
	"github.com/fzj-jsc/jube-go/internal/jube/persist"
	"github.com/fzj-jsc/jube-go/internal/jube/result"
)

var (
	continueID     int
	continueResult bool
	continueForce  bool
	continueStrict bool
	continueWait   bool
)

var continueCmd = &cobra.Command{
	Use:   "continue <outpath>",
	Short: "Resume an interrupted or pending benchmark run",
	Args:  cobra.ExactArgs(1),
	RunE:  doContinue,
}

func init() {
	continueCmd.Flags().IntVar(&continueID, "id", -1, "benchmark run id (default: latest)")
	continueCmd.Flags().BoolVarP(&continueResult, "result", "r", false, "run analyse and result after completion")
	continueCmd.Flags().BoolVar(&continueForce, "force", false, "load state written by a newer format version")
	continueCmd.Flags().BoolVar(&continueStrict, "strict", false, "treat a state format-version mismatch as fatal even with --force")
	continueCmd.Flags().BoolVar(&continueWait, "wait", false, "poll async gates instead of exiting when everything is pending")
}

func resolveID(outpath string, id int) (int, error) {
	if id >= 0 {
		return id, nil
	}
	return persist.LatestID(outpath)
}

func doContinue(cmd *cobra.Command, args []string) error {
	outpath := args[0]
	id, err := resolveID(outpath, continueID)
	if err != nil {
		return err
	}
	benchDir, err := persist.BenchDir(outpath, id)
	if err != nil {
		return err
	}

	release, err := lockRunDir(benchDir)
	if err != nil {
		return err
	}
	defer release()

	log, err := newLogger(benchDir, "run.log")
	if err != nil {
		return err
	}
	defer log.Sync()

	b, err := persist.LoadBenchmark(outpath, id)
	if err != nil {
		return err
	}
	opts := schedulerOptions(b, log)
	opts.WaitForAsync = continueWait
	sched, err := persist.Restore(b, persist.RestoreOptions{
		Force:     continueForce,
		Strict:    continueStrict,
		Scheduler: opts,
	})
	if err != nil {
		return err
	}

	log.Info("benchmark resumed", "name", b.Name, "id", b.ID, "dir", b.Dir)
	if err := sched.Run(cmd.Context()); err != nil {
		return err
	}

	done, pending := countStates(sched)
	log.Info("benchmark pass finished", "done", done, "pending", pending)
	if pending > 0 {
		fmt.Fprintf(cmd.OutOrStdout(),
			"%d workpackage(s) are still waiting on async files\n", pending)
	}

	if continueResult && pending == 0 {
		extractions, err := analyse.Run(b, sched.Workpackages(), log)
		if err != nil {
			return err
		}
		return result.Emit(cmd.Context(), b, sched.Workpackages(), extractions, result.Options{Logger: log})
	}
	return nil
}
