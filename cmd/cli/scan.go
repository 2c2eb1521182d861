package cli

import (
	"context"
	"fmt"
	"io"
	"time"

	"github.com/olekukonko/tablewriter"
	"github.com/spf13/cobra"

	"github.com/anstrom/subwatch/internal/config"
	"github.com/anstrom/subwatch/internal/daemon"
	"github.com/anstrom/subwatch/internal/logging"
	"github.com/anstrom/subwatch/internal/queue"
	"github.com/anstrom/subwatch/internal/scheduler"
	"github.com/anstrom/subwatch/internal/store"
)

var (
	scheduleEvery   int
	scheduleDisable bool
	runOnceDrain    bool
)

var scanCmd = &cobra.Command{
	Use:   "scan",
	Short: "Request scans and manage recurring schedules",
}

var scanEnqueueCmd = &cobra.Command{
	Use:   "enqueue <target-id>",
	Short: "Queue a scan of a target",
	Long: `Queue a scan of a target. If a scan of the target is already queued or
running, nothing changes and the existing run is shown.`,
	Args: cobra.ExactArgs(1),
	RunE: runScanEnqueue,
}

var scanScheduleCmd = &cobra.Command{
	Use:   "schedule <target-id>",
	Short: "Enable or disable recurring scans of a target",
	Example: `  subwatch scan schedule 6f1c... --every 60
  subwatch scan schedule 6f1c... --disable`,
	Args: cobra.ExactArgs(1),
	RunE: runScanSchedule,
}

var scanStatusCmd = &cobra.Command{
	Use:   "status [target-id]",
	Short: "Show scan runs",
	Args:  cobra.MaximumNArgs(1),
	RunE:  runScanStatus,
}

var runOnceCmd = &cobra.Command{
	Use:   "run-once",
	Short: "Run one scheduler iteration and exit",
	Long: `Promote due scheduled scans, execute the oldest queued scan and exit.
With --drain, keep going until no queued scan is left. Useful when subwatch
is driven by an external scheduler instead of running as a daemon.`,
	RunE: runRunOnce,
}

func init() {
	rootCmd.AddCommand(scanCmd)
	scanCmd.AddCommand(scanEnqueueCmd)
	scanCmd.AddCommand(scanScheduleCmd)
	scanCmd.AddCommand(scanStatusCmd)
	rootCmd.AddCommand(runOnceCmd)

	scanScheduleCmd.Flags().IntVar(&scheduleEvery, "every", 0,
		fmt.Sprintf("minutes between scans (1-%d)", config.MaxWaitingMinutes))
	scanScheduleCmd.Flags().BoolVar(&scheduleDisable, "disable", false, "turn the recurring schedule off")

	runOnceCmd.Flags().BoolVar(&runOnceDrain, "drain", false, "process queued scans until the queue is empty")
}

func runScanEnqueue(cmd *cobra.Command, args []string) error {
	targetID, err := parseTargetID(args[0])
	if err != nil {
		return err
	}

	return withStore(cmd.Context(), func(ctx context.Context, _ *config.Config, st store.Store) error {
		run, err := queue.New(st, queue.WithLogger(logging.Default())).Enqueue(ctx, targetID)
		if err != nil {
			return err
		}
		return printRuns(cmd.OutOrStdout(), []*store.ScanRun{run})
	})
}

func runScanSchedule(cmd *cobra.Command, args []string) error {
	targetID, err := parseTargetID(args[0])
	if err != nil {
		return err
	}
	if scheduleDisable == cmd.Flags().Changed("every") {
		return fmt.Errorf("exactly one of --every or --disable is required")
	}
	if !scheduleDisable {
		if err := queue.ValidateWaitingMinutes(scheduleEvery); err != nil {
			return err
		}
	}

	return withStore(cmd.Context(), func(ctx context.Context, _ *config.Config, st store.Store) error {
		run, err := queue.New(st, queue.WithLogger(logging.Default())).
			SetSchedule(ctx, targetID, !scheduleDisable, scheduleEvery)
		if err != nil {
			return err
		}
		return printRuns(cmd.OutOrStdout(), []*store.ScanRun{run})
	})
}

func runScanStatus(cmd *cobra.Command, args []string) error {
	return withStore(cmd.Context(), func(ctx context.Context, _ *config.Config, st store.Store) error {
		q := queue.New(st)
		if len(args) == 1 {
			targetID, err := parseTargetID(args[0])
			if err != nil {
				return err
			}
			run, err := q.Get(ctx, targetID)
			if err != nil {
				return err
			}
			return printRuns(cmd.OutOrStdout(), []*store.ScanRun{run})
		}

		runs, err := q.List(ctx)
		if err != nil {
			return err
		}
		if len(runs) == 0 {
			fmt.Fprintln(cmd.OutOrStdout(), "No scan runs")
			return nil
		}
		return printRuns(cmd.OutOrStdout(), runs)
	})
}

func runRunOnce(cmd *cobra.Command, _ []string) error {
	return withStore(cmd.Context(), func(ctx context.Context, cfg *config.Config, st store.Store) error {
		logger := logging.Default()
		q := queue.New(st, queue.WithLogger(logger))
		loop := scheduler.NewLoop(q, daemon.NewPipeline(cfg, st, nil, logger), cfg.Scheduler, logger)

		processed := 0
		for {
			outcome, err := loop.RunOnce(ctx)
			if err != nil {
				return err
			}
			if outcome == scheduler.OutcomeIdle {
				break
			}
			processed++
			if !runOnceDrain {
				break
			}
		}

		fmt.Fprintf(cmd.OutOrStdout(), "Processed %d scan run(s)\n", processed)
		return nil
	})
}

func printRuns(w io.Writer, runs []*store.ScanRun) error {
	table := tablewriter.NewWriter(w)
	table.Header("Target", "Run", "Status", "Scheduled", "Every (min)", "Next Run", "Last Error")
	for _, run := range runs {
		scheduled := "no"
		if run.IsScheduled {
			scheduled = "yes"
		}
		lastError := ""
		if run.LastError != nil {
			lastError = *run.LastError
		}
		row := []string{
			run.TargetID.String(),
			run.ID.String(),
			string(run.Status),
			scheduled,
			fmt.Sprintf("%d", run.WaitingMinutes),
			formatTime(run.NextRunTime),
			lastError,
		}
		if err := table.Append(row); err != nil {
			return err
		}
	}
	return table.Render()
}

func formatTime(t *time.Time) string {
	if t == nil || t.IsZero() {
		return "-"
	}
	return t.UTC().Format(time.RFC3339)
}
