package cli

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/treefix50/watchguard/internal/simulate"
)

type simulateFlags struct {
	remote bool
	tick   time.Duration
}

func NewSimulateCommand(rootOpts *RootOptions) *cobra.Command {
	flags := &simulateFlags{}
	cmd := &cobra.Command{
		Use:   "simulate <scenario.yaml>...",
		Short: "Replay scripted viewing sessions on a virtual clock",
		Long: `Replay YAML scenarios against the seek guard and the progress synchronizer.
Time is simulated, so a two hour scenario finishes instantly. Progress goes
to an in-memory store unless --remote sends it to the progress service.

Exits 1 when an expectation in any scenario fails.`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runSimulate(cmd, rootOpts, args, flags)
		},
	}
	cmd.Flags().BoolVar(&flags.remote, "remote", false, "save progress to the progress service")
	cmd.Flags().DurationVar(&flags.tick, "tick", simulate.DefaultTick, "media time between player time updates")
	return cmd
}

func runSimulate(cmd *cobra.Command, o *RootOptions, paths []string, flags *simulateFlags) error {
	out := cmd.OutOrStdout()
	failed := 0
	for _, path := range paths {
		sc, err := simulate.LoadFile(path)
		if err != nil {
			return WrapExitError(ExitCommandError, path, err)
		}
		if sc.Name == "" {
			sc.Name = path
		}

		opts := []simulate.Option{
			simulate.WithLogger(o.Logger),
			simulate.WithTelemetry(o.Telemetry),
			simulate.WithTick(flags.tick),
		}
		if flags.remote {
			client, err := newClient(cmd.Context(), o)
			if err != nil {
				return err
			}
			opts = append(opts, simulate.WithStore(client))
		}

		report, err := simulate.Run(cmd.Context(), sc, opts...)
		if err != nil {
			return WrapExitError(ExitCommandError, sc.Name, err)
		}

		if o.Format == "json" {
			if err := report.Write(out, "json"); err != nil {
				return err
			}
		} else {
			status := "PASS"
			if !report.Passed() {
				status = "FAIL"
			}
			fmt.Fprintf(out, "%s  %s  (%s simulated, %d flushes, %d blocked seeks)\n",
				status, report.Name, report.Elapsed, len(report.Flushes), report.Stats.Blocked)
			for _, f := range report.Failures() {
				fmt.Fprintf(out, "      %s\n", f)
			}
		}
		if !report.Passed() {
			failed++
		}
	}
	if failed > 0 {
		return NewExitError(ExitFailure, fmt.Sprintf("%d of %d scenarios failed", failed, len(paths)))
	}
	return nil
}
