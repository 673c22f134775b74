package main

import (
	"context"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/dwsmith1983/tridx/internal/commands"
)

var version = "dev"

func main() {
	root := &cobra.Command{
		Use:   "tridx",
		Short: "Scheduled EOD price ETL and total-return index calculator",
		Long: `tridx keeps a trading calendar, ingests end-of-day prices from quota-limited
providers, verifies coverage against the index universe, fills gaps by carrying
prices forward and chains a total-return index level with daily statistics.`,
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	commands.AddGlobalFlags(root)

	root.AddCommand(
		commands.NewInitCmd(),
		commands.NewMigrateCmd(),
		commands.NewPipelineCmd(),
		commands.NewCalendarCmd(),
		commands.NewIngestCmd(),
		commands.NewReconcileCmd(),
		commands.NewCompletenessCmd(),
		commands.NewCalcCmd(),
		commands.NewRenameCmd(),
		commands.NewRebalanceCmd(),
		commands.NewStatusCmd(),
		commands.NewServeCmd(),
		commands.NewScheduleCmd(),
	)

	if err := root.ExecuteContext(context.Background()); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
