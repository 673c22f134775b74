package commands

import (
	"context"
	"fmt"
	"time"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/dwsmith1983/tridx/internal/app"
	"github.com/dwsmith1983/tridx/internal/config"
	"github.com/dwsmith1983/tridx/internal/rename"
	"github.com/dwsmith1983/tridx/internal/store/postgres"
	"github.com/dwsmith1983/tridx/internal/universe"
	"github.com/dwsmith1983/tridx/pkg/types"
)

// NewMigrateCmd creates the migrate command.
func NewMigrateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Create or upgrade the Postgres schema",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runMigrate(cmd.Context())
		},
	}
}

func runMigrate(ctx context.Context) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}
	pg, err := postgres.New(ctx, cfg.Database.DSN, cfg.Database.MaxConns)
	if err != nil {
		return fmt.Errorf("connecting to Postgres: %w", err)
	}
	defer pg.Close()

	if err := pg.Migrate(ctx); err != nil {
		return fmt.Errorf("migrating Postgres: %w", err)
	}
	color.Green("schema up to date")
	return nil
}

// NewRenameCmd creates the rename command.
func NewRenameCmd() *cobra.Command {
	var from, to string
	var dryRun bool

	cmd := &cobra.Command{
		Use:   "rename",
		Short: "Move a ticker's history onto its new symbol",
		Long: `Rewrites raw prices, canonical prices, constituent and contribution rows
and rebalance members from --from to --to in one transaction. Colliding price
rows keep the better-ranked source; other collisions keep the --to row.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runRename(cmd.Context(), from, to, dryRun)
		},
	}
	cmd.Flags().StringVar(&from, "from", "", "old ticker")
	cmd.Flags().StringVar(&to, "to", "", "new ticker")
	cmd.Flags().BoolVar(&dryRun, "dry-run", false, "report the plan without writing")
	_ = cmd.MarkFlagRequired("from")
	_ = cmd.MarkFlagRequired("to")
	return cmd
}

func runRename(ctx context.Context, from, to string, dryRun bool) error {
	e, err := openEnv(ctx)
	if err != nil {
		return err
	}
	defer e.Close()

	return underLock(ctx, e, func(ctx context.Context) error {
		plan, err := rename.New(e.Store, e.Logger).Run(ctx, from, to, dryRun)
		if err != nil {
			return err
		}
		fmt.Println(plan.Summary())
		for _, c := range plan.Apply.Collisions {
			fmt.Printf("  %-20s %-28s %s\n", c.Table, c.Key, c.Resolution)
		}
		if !dryRun {
			color.Green("moved %d rows", plan.Moved)
		}
		return nil
	})
}

// NewRebalanceCmd creates the rebalance command group.
func NewRebalanceCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "rebalance",
		Short: "Manage the index universe",
	}
	cmd.AddCommand(newRebalanceLoadCmd(), newRebalanceListCmd())
	return cmd
}

func newRebalanceLoadCmd() *cobra.Command {
	var file string

	cmd := &cobra.Command{
		Use:   "load",
		Short: "Store the rebalances in a YAML file",
		Long:  "Each rebalance replaces any stored membership for its date.",
		RunE: func(cmd *cobra.Command, args []string) error {
			events, err := universe.LoadFile(file)
			if err != nil {
				return err
			}
			return runRebalanceLoad(cmd.Context(), events)
		},
	}
	cmd.Flags().StringVar(&file, "file", "", "rebalance YAML file")
	_ = cmd.MarkFlagRequired("file")
	return cmd
}

func runRebalanceLoad(ctx context.Context, events []universe.Event) error {
	e, err := openEnv(ctx)
	if err != nil {
		return err
	}
	defer e.Close()
	return loadRebalances(ctx, e, events)
}

func loadRebalances(ctx context.Context, e *app.Env, events []universe.Event) error {
	return underLock(ctx, e, func(ctx context.Context) error {
		for _, ev := range events {
			if err := e.Store.PutRebalance(ctx, ev.Date, ev.Members); err != nil {
				return fmt.Errorf("storing rebalance %s: %w", types.FormatDate(ev.Date), err)
			}
			fmt.Printf("  %s  %d members\n", types.FormatDate(ev.Date), len(ev.Members))
		}
		color.Green("loaded %d rebalances", len(events))
		return nil
	})
}

func newRebalanceListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List stored rebalance dates",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runRebalanceList(cmd.Context())
		},
	}
}

func runRebalanceList(ctx context.Context) error {
	e, err := openEnv(ctx)
	if err != nil {
		return err
	}
	defer e.Close()

	rows, err := e.Store.ListRebalances(ctx)
	if err != nil {
		return err
	}
	if len(rows) == 0 {
		fmt.Println("No rebalances stored.")
		return nil
	}
	var dates []time.Time
	members := make(map[time.Time]int)
	for _, r := range rows {
		if members[r.RebalanceDate] == 0 {
			dates = append(dates, r.RebalanceDate)
		}
		members[r.RebalanceDate]++
	}
	for _, d := range dates {
		fmt.Printf("  %s  %d members\n", types.FormatDate(d), members[d])
	}
	return nil
}
