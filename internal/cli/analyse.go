package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/fzj-jsc/jube-go/internal/jube/analyse"
	"github.com/fzj-jsc/jube-go/internal/jube/persist"
	"github.com/fzj-jsc/jube-go/internal/jube/scheduler"
)

var analyseID int

var analyseCmd = &cobra.Command{
	Use:   "analyse <outpath>",
	Short: "Extract result patterns from a finished run's work directories",
	Args:  cobra.ExactArgs(1),
	RunE:  doAnalyse,
}

func init() {
	analyseCmd.Flags().IntVar(&analyseID, "id", -1, "benchmark run id (default: latest)")
}

func doAnalyse(cmd *cobra.Command, args []string) error {
	outpath := args[0]
	id, err := resolveID(outpath, analyseID)
	if err != nil {
		return err
	}
	b, err := persist.LoadBenchmark(outpath, id)
	if err != nil {
		return err
	}
	log, err := newLogger(b.Dir, "run.log")
	if err != nil {
		return err
	}
	defer log.Sync()

	sched, err := persist.Restore(b, persist.RestoreOptions{Scheduler: scheduler.Options{Logger: log}})
	if err != nil {
		return err
	}
	extractions, err := analyse.Run(b, sched.Workpackages(), log)
	if err != nil {
		return err
	}
	total := 0
	for _, ex := range extractions {
		total += len(ex)
	}
	fmt.Fprintf(cmd.OutOrStdout(), "analysed benchmark %d: %d extraction(s) written to %s/%s\n",
		b.ID, total, b.Dir, analyse.Filename)
	return nil
}
