package commands

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/dwsmith1983/tridx/internal/orchestrator"
	"github.com/dwsmith1983/tridx/internal/telemetry"
	"github.com/dwsmith1983/tridx/pkg/types"
)

// NewPipelineCmd creates the pipeline command.
func NewPipelineCmd() *cobra.Command {
	var restart, diagnoseOnly bool

	cmd := &cobra.Command{
		Use:   "pipeline",
		Short: "Run calendar, ingest, completeness, impute and calc in order",
		Long: `Runs every stage whose output lags the trading calendar, under the
single-instance lock. A second invocation while one is running exits 0.
Budget exhaustion ends the run early and is not an error.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runPipeline(cmd.Context(), restart, diagnoseOnly)
		},
	}
	cmd.Flags().BoolVar(&restart, "restart", false, "enter every stage and re-fetch the full window")
	cmd.Flags().BoolVar(&diagnoseOnly, "diagnose-only", false, "print which stages would run and exit")
	return cmd
}

func runPipeline(ctx context.Context, restart, diagnoseOnly bool) error {
	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	e, err := openEnv(ctx)
	if err != nil {
		return err
	}
	defer e.Close()

	orch, err := e.Orchestrator(ctx)
	if err != nil {
		return err
	}
	if diagnoseOnly {
		return printPlan(ctx, orch, restart)
	}

	shutdown, err := telemetry.Setup(ctx, e.Config.Telemetry, e.Logger)
	if err != nil {
		return err
	}
	defer func() { _ = shutdown(context.WithoutCancel(ctx)) }()

	out, err := orch.Run(ctx, orchestrator.Options{Restart: restart})
	if err != nil {
		return err
	}
	printOutcome(out)
	if out.Status == types.JobError {
		return fmt.Errorf("pipeline run %s failed: %s", out.RunID, out.Health.LastError)
	}
	return nil
}

func printPlan(ctx context.Context, orch *orchestrator.Orchestrator, restart bool) error {
	plan, maxes, err := orch.Plan(ctx, orchestrator.Options{Restart: restart})
	if err != nil {
		return err
	}
	bold := color.New(color.Bold)
	_, _ = bold.Println("Table max dates:")
	printMaxDates(maxes)
	fmt.Println()
	_, _ = bold.Println("Stages:")
	for _, p := range plan {
		decision := color.GreenString("up to date")
		if p.NeedsRun {
			decision = color.YellowString("would run")
		}
		fmt.Printf("  %-18s %-20s target=%-10s calendar=%s\n", p.Stage, decision,
			orDash(types.FormatDate(p.TargetMax)), orDash(types.FormatDate(p.CalendarMax)))
	}
	return nil
}

func printOutcome(out *orchestrator.Outcome) {
	if out.Aborted {
		color.Yellow("already running, exiting")
		return
	}
	bold := color.New(color.Bold)
	_, _ = bold.Printf("Run %s: ", out.RunID)
	if out.Status == types.JobOK {
		color.Green("OK")
	} else {
		color.Red("ERROR")
	}
	for _, so := range out.Stages {
		mark := color.CyanString("-")
		switch {
		case so.Err != nil:
			mark = color.RedString("✗")
		case so.Ran:
			mark = color.GreenString("✓")
		}
		outcome := so.Outcome
		if so.Err != nil && outcome == "" {
			outcome = so.Err.Error()
		}
		fmt.Printf("  %s %-18s %-8s %s\n", mark, so.Stage, so.Duration.Round(1e6), outcome)
	}
}

func printMaxDates(m types.TableMaxDates) {
	fmt.Printf("  calendar   %s\n", orDash(types.FormatDate(m.Calendar)))
	fmt.Printf("  canonical  %s\n", orDash(types.FormatDate(m.Canonical)))
	fmt.Printf("  levels     %s\n", orDash(types.FormatDate(m.Levels)))
	fmt.Printf("  stats      %s\n", orDash(types.FormatDate(m.Stats)))
}

func orDash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}
