// Command worker runs one scheduling-worker process against a shared
// store file (§6).
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/jobrunner/batchsched/internal/deadline"
	"github.com/jobrunner/batchsched/internal/executor"
	"github.com/jobrunner/batchsched/internal/store"
	"github.com/jobrunner/batchsched/internal/worker"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "worker:", err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var (
		maxRuntimeSec      float64
		marginTimeSec      float64
		speedFactor        float64
		smartScheduling    bool
		namedArgs          bool
		parallel           int
		depWaitIntervalSec float64
	)

	cmd := &cobra.Command{
		Use:          "worker <db_file> <command> [args...]",
		Short:        "claim and execute jobs from a shared store until no runnable work remains",
		Args:         cobra.MinimumNArgs(2),
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			dbFile := args[0]
			commandTemplate := strings.Join(args[1:], " ")

			log := zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339}).
				With().Timestamp().Logger()

			st, err := store.Open(dbFile, log)
			if err != nil {
				return fmt.Errorf("open store: %w", err)
			}
			defer st.Close()

			exec, err := executor.New(commandTemplate, namedArgs, log)
			if err != nil {
				return fmt.Errorf("build executor: %w", err)
			}

			model := deadline.NewModel(
				secondsToDuration(maxRuntimeSec),
				secondsToDuration(marginTimeSec),
				speedFactor,
				smartScheduling,
			)
			w := worker.New(st, exec, model, worker.Config{
				Parallel:        parallel,
				DepWaitInterval: secondsToDuration(depWaitIntervalSec),
			}, log)

			ctx, cancel := context.WithCancel(context.Background())
			defer cancel()

			sigs := make(chan os.Signal, 1)
			signal.Notify(sigs, syscall.SIGINT, syscall.SIGTERM)
			go func() {
				if _, ok := <-sigs; ok {
					log.Warn().Msg("shutdown signal received; stopping claims")
					cancel()
				}
			}()

			return w.Run(ctx)
		},
	}

	flags := cmd.Flags()
	flags.Float64Var(&maxRuntimeSec, "max-runtime", deadline.DefaultMaxRuntime.Seconds(),
		"soft worker deadline for claim admission, in seconds")
	flags.Float64Var(&marginTimeSec, "margin-time", deadline.DefaultMarginTime.Seconds(),
		"headroom subtracted from max-runtime for in-flight jobs to commit, in seconds")
	flags.Float64Var(&speedFactor, "speed-factor", deadline.DefaultSpeedFactor,
		"scales each job's estimate_time against wall-clock budget")
	flags.BoolVar(&smartScheduling, "smart-scheduling", deadline.DefaultSmartScheduling,
		"skip Ready jobs whose estimated runtime exceeds the remaining budget")
	flags.BoolVar(&namedArgs, "named-args", false,
		"pass job params as --key value pairs instead of positional values")
	flags.IntVar(&parallel, "parallel", 1, "number of concurrent execution slots")
	flags.Float64Var(&depWaitIntervalSec, "dep-wait-interval", worker.DefaultDepWaitInterval.Seconds(),
		"sleep between claim attempts when only Waiting jobs remain, in seconds")

	return cmd
}

// secondsToDuration converts a bare seconds value from the §6 CLI surface
// (`--max-runtime SEC`) into a time.Duration.
func secondsToDuration(seconds float64) time.Duration {
	return time.Duration(seconds * float64(time.Second))
}
