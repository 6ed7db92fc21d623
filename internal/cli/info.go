package cli

import (
	"fmt"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/fzj-jsc/jube-go/internal/jube/persist"
	"github.com/fzj-jsc/jube-go/internal/jube/scheduler"
)

var infoID int

var infoCmd = &cobra.Command{
	Use:   "info <outpath>",
	Short: "Summarize the runs under an outpath, or one run's workpackages",
	Args:  cobra.ExactArgs(1),
	RunE:  doInfo,
}

func init() {
	infoCmd.Flags().IntVar(&infoID, "id", -1, "benchmark run id (default: list all runs)")
}

func doInfo(cmd *cobra.Command, args []string) error {
	outpath := args[0]
	if infoID < 0 {
		return listRuns(cmd, outpath)
	}
	return describeRun(cmd, outpath, infoID)
}

func listRuns(cmd *cobra.Command, outpath string) error {
	latest, err := persist.LatestID(outpath)
	if err != nil {
		return err
	}
	w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "id\tname\tdir")
	for id := 0; id <= latest; id++ {
		b, err := persist.LoadBenchmark(outpath, id)
		if err != nil {
			continue
		}
		fmt.Fprintf(w, "%d\t%s\t%s\n", b.ID, b.Name, b.Dir)
	}
	return w.Flush()
}

func describeRun(cmd *cobra.Command, outpath string, id int) error {
	b, err := persist.LoadBenchmark(outpath, id)
	if err != nil {
		return err
	}
	sched, err := persist.Restore(b, persist.RestoreOptions{Scheduler: scheduler.Options{}})
	if err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "benchmark: %s\nid: %d\ndir: %s\n\n", b.Name, b.ID, b.Dir)
	w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "id\tstep\titeration\tcycle\tstate")
	for _, wp := range sched.Workpackages() {
		state := "waiting"
		switch {
		case wp.Done():
			state = "done"
		case wp.Started():
			state = "pending"
		}
		fmt.Fprintf(w, "%d\t%s\t%d\t%d\t%s\n", wp.ID, wp.Step.Name, wp.Iteration, wp.Cycle, state)
	}
	return w.Flush()
}
