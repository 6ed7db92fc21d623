package cli

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/fzj-jsc/jube-go/internal/jube/analyse"
	"github.com/fzj-jsc/jube-go/internal/jube/bench"
	"github.com/fzj-jsc/jube-go/internal/jube/collab"
	"github.com/fzj-jsc/jube-go/internal/jube/config"
	"github.com/fzj-jsc/jube-go/internal/jube/persist"
	"github.com/fzj-jsc/jube-go/internal/jube/result"
	"github.com/fzj-jsc/jube-go/internal/jube/scheduler"
	"github.com/fzj-jsc/jube-go/internal/jube/tracing"
	"github.com/fzj-jsc/jube-go/internal/pkg/logger"
)

var (
	runFile        string
	runTags        []string
	runResult      bool
	runOutpath     string
	runTrace       bool
	runWait        bool
	runArchiveDest string
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Create a new benchmark run and execute it",
	Long: `Parse a benchmark definition, create a fresh numbered run directory under
the outpath, expand all parameter combinations into workpackages and execute
them until everything is finished or waiting on an async file.`,
	RunE: doRun,
}

func init() {
	runCmd.Flags().StringVarP(&runFile, "exec", "e", "", "benchmark definition file (required)")
	runCmd.Flags().StringSliceVar(&runTags, "tag", nil, "activate the given tags")
	runCmd.Flags().BoolVarP(&runResult, "result", "r", false, "run analyse and result after completion")
	runCmd.Flags().StringVarP(&runOutpath, "outpath", "o", "", "override the definition's outpath")
	runCmd.Flags().BoolVar(&runTrace, "trace", false, "write execution spans to trace.log")
	runCmd.Flags().BoolVar(&runWait, "wait", false, "poll async gates instead of exiting when everything is pending")
	runCmd.Flags().StringVar(&runArchiveDest, "archive", "", "upload the finished run directory to gs://bucket/prefix")
	_ = runCmd.MarkFlagRequired("exec")
}

func doRun(cmd *cobra.Command, _ []string) error {
	def, err := config.Load(runFile)
	if err != nil {
		return err
	}
	outpath := def.Outpath
	if runOutpath != "" {
		outpath = runOutpath
	}
	if outpath == "" {
		outpath = "bench_run"
	}
	if err := os.MkdirAll(outpath, 0o755); err != nil {
		return fmt.Errorf("create outpath: %w", err)
	}

	id := 0
	if latest, err := persist.LatestID(outpath); err == nil {
		id = latest + 1
	}

	b, err := bench.New(def, id, outpath)
	if err != nil {
		return err
	}
	b.Tags = runTags
	if err := b.CreateRunDir(); err != nil {
		return err
	}
	if err := persist.WriteConfiguration(b.Dir, def); err != nil {
		return err
	}
	if err := persist.WriteStartTimestamp(b.Dir); err != nil {
		return err
	}

	release, err := lockRunDir(b.Dir)
	if err != nil {
		return err
	}
	defer release()

	log, err := newLogger(b.Dir, "run.log")
	if err != nil {
		return err
	}
	defer log.Sync()

	if runTrace {
		shutdown, runID, err := tracing.Init(b.ID, b.Dir+"/trace.log")
		if err != nil {
			return err
		}
		defer func() { _ = shutdown(cmd.Context()) }()
		log = log.With("run_id", runID.String())
	}

	log.Info("benchmark started", "name", b.Name, "id", b.ID, "dir", b.Dir)

	sched := scheduler.New(b, schedulerOptions(b, log))
	if err := sched.Bootstrap(); err != nil {
		return err
	}
	if err := sched.Run(cmd.Context()); err != nil {
		return err
	}

	done, pending := countStates(sched)
	log.Info("benchmark pass finished", "done", done, "pending", pending)
	if pending > 0 {
		fmt.Fprintf(cmd.OutOrStdout(),
			"%d workpackage(s) are waiting on async files; rerun with:\n  jube continue %s --id %d\n",
			pending, outpath, b.ID)
	}

	if runResult && pending == 0 {
		extractions, err := analyse.Run(b, sched.Workpackages(), log)
		if err != nil {
			return err
		}
		archiver, err := buildArchiver(cmd, runArchiveDest)
		if err != nil {
			return err
		}
		return result.Emit(cmd.Context(), b, sched.Workpackages(), extractions, result.Options{
			Logger:   log,
			Archiver: archiver,
		})
	}
	return nil
}

func schedulerOptions(b *bench.Benchmark, log *logger.Logger) scheduler.Options {
	return scheduler.Options{
		FileStager: &collab.GlobFileStager{
			SourceDir: b.FileDir,
			Patterns:  b.FilesetPatterns,
		},
		Substituter:   substituterFromDef(b.Def),
		Logger:        log,
		Persist:       persist.NewWriter(b.Dir),
		DebugMode:     flagDebug,
		VerboseStdout: flagVerbose,
		Trace:         runTrace,
		WaitForAsync:  runWait,
	}
}

func substituterFromDef(def *config.BenchmarkDef) *collab.RuleSubstituter {
	sub := &collab.RuleSubstituter{
		Files: map[string][]string{},
		Rules: map[string][]collab.Rule{},
	}
	for _, ssd := range def.Substitutesets {
		sub.Files[ssd.Name] = ssd.Files
		for _, rule := range ssd.Rules {
			sub.Rules[ssd.Name] = append(sub.Rules[ssd.Name], collab.Rule{
				Search:  rule.Search,
				Replace: rule.Replace,
			})
		}
	}
	return sub
}

func buildArchiver(cmd *cobra.Command, dest string) (collab.Archiver, error) {
	if dest == "" {
		return nil, nil
	}
	return collab.NewGCSArchiver(cmd.Context(), dest)
}

func countStates(sched *scheduler.Scheduler) (done, pending int) {
	for _, wp := range sched.Workpackages() {
		switch {
		case wp.Done():
			done++
		case wp.Started():
			pending++
		}
	}
	return done, pending
}
