package commands

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/dwsmith1983/tridx/internal/app"
	"github.com/dwsmith1983/tridx/internal/status"
	"github.com/dwsmith1983/tridx/pkg/types"
)

// NewStatusCmd creates the status command.
func NewStatusCmd() *cobra.Command {
	var runs int
	var asJSON bool

	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show table max dates, health, quota and recent runs",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runStatus(cmd.Context(), runs, asJSON)
		},
	}
	cmd.Flags().IntVar(&runs, "runs", 5, "number of recent job runs to show")
	cmd.Flags().BoolVar(&asJSON, "json", false, "print the report as JSON")
	return cmd
}

func runStatus(ctx context.Context, runs int, asJSON bool) error {
	e, err := openEnv(ctx)
	if err != nil {
		return err
	}
	defer e.Close()

	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	rep, err := status.Collect(ctx, e.Store, app.QuotaReporters(e.Budgets()), runs)
	if err != nil {
		return err
	}
	if asJSON {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(rep)
	}
	printStatus(e.Config.Index.Name, rep)
	return nil
}

func printStatus(index string, rep *status.Report) {
	bold := color.New(color.Bold)
	_, _ = bold.Printf("Index: %s\n", index)
	fmt.Println()
	printMaxDates(rep.MaxDates)

	if h := rep.Health; h != nil {
		fmt.Println()
		_, _ = bold.Println("  Last Run:")
		fmt.Printf("    %s  %s  %s\n", h.RunID, statusColor(h.Status), h.UpdatedAt.Format(time.RFC3339))
		fmt.Printf("    next missing trading day: %s\n", orDash(types.FormatDate(h.NextMissingTradingDay)))
		if h.CalendarBehindProvider {
			color.Yellow("    calendar behind provider")
		}
		if h.BudgetExhausted {
			color.Yellow("    budget exhausted")
		}
		if h.IncompleteDays > 0 {
			color.Red("    %d incomplete days", h.IncompleteDays)
		}
		if h.LastError != "" {
			color.Red("    %s", h.LastError)
		}
	}

	if len(rep.Quotas) > 0 {
		fmt.Println()
		_, _ = bold.Println("  Quota:")
		for _, q := range rep.Quotas {
			if q.Error != "" {
				color.Red("    %-12s %s", q.Provider, q.Error)
				continue
			}
			line := fmt.Sprintf("    %-12s %d calls remaining", q.Provider, q.Remaining)
			if q.Remaining <= 0 {
				color.Yellow("%s", line)
			} else {
				fmt.Println(line)
			}
		}
	}

	if l := rep.Latest; l != nil {
		fmt.Println()
		_, _ = bold.Println("  Latest Level:")
		fmt.Printf("    %s  %.6f\n", types.FormatDate(l.TradeDate), l.LevelTR)
		if s := rep.Stats; s != nil {
			fmt.Printf("    ret1d=%s ret20d=%s vol20d=%s mdd252d=%s\n",
				pct(s.Ret1D), pct(s.Ret20D), pct(s.Vol20D), pct(s.MaxDrawdown252D))
			fmt.Printf("    constituents=%d imputed=%d top5=%.2f%% hhi=%.4f\n",
				s.NConstituents, s.NImputed, s.Top5Weight*100, s.Herfindahl)
		}
	}

	if len(rep.JobRuns) > 0 {
		fmt.Println()
		_, _ = bold.Println("  Recent Runs:")
		for _, r := range rep.JobRuns {
			fmt.Printf("    %s  %-8s %s  %s\n", r.RunID, r.JobName, statusColor(r.Status), r.StartedAt.Format(time.RFC3339))
			if r.ErrorDetail != "" {
				fmt.Printf("      %s\n", r.ErrorDetail)
			}
		}
	}
	fmt.Println()
}

func statusColor(s types.JobStatus) string {
	switch s {
	case types.JobOK:
		return color.GreenString(string(s))
	case types.JobError:
		return color.RedString(string(s))
	default:
		return color.CyanString(string(s))
	}
}

func pct(v *float64) string {
	if v == nil {
		return "-"
	}
	return fmt.Sprintf("%.2f%%", *v*100)
}
