package commands

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/dwsmith1983/tridx/internal/orchestrator"
	"github.com/dwsmith1983/tridx/internal/schedule"
	"github.com/dwsmith1983/tridx/internal/telemetry"
	"github.com/dwsmith1983/tridx/pkg/types"
)

// NewScheduleCmd creates the schedule command.
func NewScheduleCmd() *cobra.Command {
	var cronExpr, timezone string
	var next int

	cmd := &cobra.Command{
		Use:   "schedule",
		Short: "Run the pipeline on a cron schedule",
		Long: `Fires the pipeline at every cron tick until interrupted. A tick that
arrives while the previous run is still going is skipped.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runSchedule(cmd.Context(), cronExpr, timezone, next)
		},
	}
	cmd.Flags().StringVar(&cronExpr, "cron", "", "cron expression (overrides schedule.cron)")
	cmd.Flags().StringVar(&timezone, "timezone", "", "IANA timezone (overrides schedule.timezone)")
	cmd.Flags().IntVar(&next, "next", 0, "print the next N firing times and exit")
	return cmd
}

func runSchedule(ctx context.Context, cronExpr, timezone string, next int) error {
	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	e, err := openEnv(ctx)
	if err != nil {
		return err
	}
	defer e.Close()

	var sc types.ScheduleConfig
	if e.Config.Schedule != nil {
		sc = *e.Config.Schedule
	}
	if cronExpr != "" {
		sc.Cron = cronExpr
	}
	if timezone != "" {
		sc.Timezone = timezone
	}
	if sc.Cron == "" {
		return fmt.Errorf("no cron expression: set schedule.cron or pass --cron")
	}

	if next > 0 {
		times, err := schedule.NextRuns(sc, time.Now(), next)
		if err != nil {
			return err
		}
		for _, t := range times {
			fmt.Println(t.Format(time.RFC3339))
		}
		return nil
	}

	orch, err := e.Orchestrator(ctx)
	if err != nil {
		return err
	}
	shutdown, err := telemetry.Setup(ctx, e.Config.Telemetry, e.Logger)
	if err != nil {
		return err
	}
	defer func() { _ = shutdown(context.WithoutCancel(ctx)) }()

	daemon, err := schedule.NewDaemon(sc, func(ctx context.Context) error {
		out, err := orch.Run(ctx, orchestrator.Options{})
		if err != nil {
			return err
		}
		if out.Aborted {
			e.Logger.Info("previous run still holds the lock, skipped")
			return nil
		}
		if out.Status == types.JobError {
			return fmt.Errorf("pipeline run %s failed: %s", out.RunID, out.Health.LastError)
		}
		return nil
	}, e.Logger)
	if err != nil {
		return err
	}

	color.Green("Scheduler running (%s)", sc.Cron)
	return daemon.Run(ctx)
}
