package cli

import (
	"github.com/spf13/cobra"

	"github.com/fzj-jsc/jube-go/internal/jube/analyse"
	"github.com/fzj-jsc/jube-go/internal/jube/persist"
	"github.com/fzj-jsc/jube-go/internal/jube/result"
	"github.com/fzj-jsc/jube-go/internal/jube/scheduler"
)

var (
	resultID      int
	resultArchive string
)

var resultCmd = &cobra.Command{
	Use:   "result <outpath>",
	Short: "Emit result tables from a previously analysed run",
	Args:  cobra.ExactArgs(1),
	RunE:  doResult,
}

func init() {
	resultCmd.Flags().IntVar(&resultID, "id", -1, "benchmark run id (default: latest)")
	resultCmd.Flags().StringVar(&resultArchive, "archive", "", "upload the run directory to gs://bucket/prefix afterwards")
}

func doResult(cmd *cobra.Command, args []string) error {
	outpath := args[0]
	id, err := resolveID(outpath, resultID)
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

	extractions, err := analyse.Load(b.Dir)
	if err != nil {
		// No stored extractions yet; compute them in place.
		extractions, err = analyse.Run(b, sched.Workpackages(), log)
		if err != nil {
			return err
		}
	}

	archiver, err := buildArchiver(cmd, resultArchive)
	if err != nil {
		return err
	}
	return result.Emit(cmd.Context(), b, sched.Workpackages(), extractions, result.Options{
		Logger:   log,
		Archiver: archiver,
	})
}
