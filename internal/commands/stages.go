package commands

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/dwsmith1983/tridx/internal/app"
	"github.com/dwsmith1983/tridx/internal/calc"
	"github.com/dwsmith1983/tridx/internal/calendar"
	"github.com/dwsmith1983/tridx/internal/completeness"
	"github.com/dwsmith1983/tridx/internal/impute"
	"github.com/dwsmith1983/tridx/internal/ingest"
	"github.com/dwsmith1983/tridx/internal/reconcile"
	"github.com/dwsmith1983/tridx/pkg/types"
)

// NewCalendarCmd creates the calendar command.
func NewCalendarCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "calendar",
		Short: "Append new trading days from the reference ticker",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runCalendar(cmd.Context())
		},
	}
}

func runCalendar(ctx context.Context) error {
	e, err := openEnv(ctx)
	if err != nil {
		return err
	}
	defer e.Close()

	budgeted, err := e.Fetchers(ctx)
	if err != nil {
		return err
	}
	mgr, err := e.CalendarManager(budgeted)
	if err != nil {
		return err
	}
	return underLock(ctx, e, func(ctx context.Context) error {
		res, err := mgr.Run(ctx)
		switch {
		case errors.Is(err, calendar.ErrBehindProvider):
			color.Yellow("calendar is %d sessions behind the provider (max %s)", res.Lag, types.FormatDate(res.Max))
			return nil
		case err != nil:
			return err
		case res.BudgetExhausted:
			color.Yellow("budget exhausted, calendar not advanced")
		case res.Skipped:
			fmt.Printf("calendar current through %s\n", types.FormatDate(res.Max))
		default:
			color.Green("added %d trading days, calendar max %s", len(res.Added), types.FormatDate(res.Max))
		}
		return nil
	})
}

// NewIngestCmd creates the ingest command.
func NewIngestCmd() *cobra.Command {
	var (
		start, end, date string
		missingOnly      bool
		tickers          string
		providerName     string
	)

	cmd := &cobra.Command{
		Use:   "ingest",
		Short: "Fetch raw prices and reconcile canonical prices",
		Long: `Without --start/--end or --date the window runs from the next missing
trading day to the calendar max.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			rng, err := parseRange(start, end)
			if err != nil {
				return err
			}
			opts := ingest.Options{
				Range:       rng,
				MissingOnly: missingOnly,
				Tickers:     splitTickers(tickers),
				Provider:    providerName,
			}
			if date != "" {
				if !rng.Start.IsZero() || !rng.End.IsZero() {
					return fmt.Errorf("--date cannot be combined with --start/--end")
				}
				if opts.Date, err = types.ParseDate(date); err != nil {
					return fmt.Errorf("--date: %w", err)
				}
			}
			return runIngest(cmd.Context(), opts)
		},
	}
	cmd.Flags().StringVar(&start, "start", "", "first trade date (YYYY-MM-DD)")
	cmd.Flags().StringVar(&end, "end", "", "last trade date (YYYY-MM-DD)")
	cmd.Flags().StringVar(&date, "date", "", "backfill a single trade date")
	cmd.Flags().BoolVar(&missingOnly, "missing-only", false, "skip keys that already have a canonical price")
	cmd.Flags().StringVar(&tickers, "tickers", "", "comma-separated tickers overriding the universe")
	cmd.Flags().StringVar(&providerName, "provider", "", "restrict to one provider")
	return cmd
}

func runIngest(ctx context.Context, opts ingest.Options) error {
	e, err := openEnv(ctx)
	if err != nil {
		return err
	}
	defer e.Close()

	budgeted, err := e.Fetchers(ctx)
	if err != nil {
		return err
	}
	ing := e.Ingestor(budgeted)
	return underLock(ctx, e, func(ctx context.Context) error {
		res, err := ing.Run(ctx, opts)
		if err != nil {
			return err
		}
		fmt.Printf("window %s: %d days, %d calls, %d canonical rows written\n",
			res.Window.String(), res.Days, res.CallsUsed(), res.Reconciled.Written)
		for _, p := range res.Providers {
			fmt.Printf("  %-12s calls=%d rows=%d changed=%d failed=%d deferred=%d\n",
				p.Name, p.CallsUsed, p.Rows, p.Changed, len(p.Failed), len(p.Deferred))
		}
		if len(res.Reconciled.Unresolved) > 0 {
			color.Yellow("  %d keys have only ERROR rows", len(res.Reconciled.Unresolved))
		}
		if res.BudgetExhausted {
			color.Yellow("budget exhausted, remaining work deferred")
		}
		return nil
	})
}

// NewReconcileCmd creates the reconcile command.
func NewReconcileCmd() *cobra.Command {
	var start, end, tickers string
	var override bool

	cmd := &cobra.Command{
		Use:   "reconcile",
		Short: "Re-derive canonical prices from stored raw rows",
		RunE: func(cmd *cobra.Command, args []string) error {
			rng, err := parseRange(start, end)
			if err != nil {
				return err
			}
			return runReconcile(cmd.Context(), splitTickers(tickers), rng, reconcile.Options{Override: override})
		},
	}
	cmd.Flags().StringVar(&start, "start", "", "first trade date (YYYY-MM-DD)")
	cmd.Flags().StringVar(&end, "end", "", "last trade date (YYYY-MM-DD)")
	cmd.Flags().StringVar(&tickers, "tickers", "", "comma-separated tickers (default all)")
	cmd.Flags().BoolVar(&override, "override", false, "replace canonical rows even when the best raw row does not rank higher")
	return cmd
}

func runReconcile(ctx context.Context, tickers []string, rng types.DateRange, opts reconcile.Options) error {
	e, err := openEnv(ctx)
	if err != nil {
		return err
	}
	defer e.Close()
	return reconcileRange(ctx, e, tickers, rng, opts)
}

// reconcileRange holds the pipeline lock so a concurrent ingest cannot write
// a better canonical row between the read and the write.
func reconcileRange(ctx context.Context, e *app.Env, tickers []string, rng types.DateRange, opts reconcile.Options) error {
	return underLock(ctx, e, func(ctx context.Context) error {
		res, err := reconcile.New(e.Store, e.Logger, e.ReconcileSettings()...).Range(ctx, tickers, rng, opts)
		if err != nil {
			return err
		}
		fmt.Printf("examined %d keys, wrote %d canonical rows, %d unresolved\n",
			res.Examined, res.Written, len(res.Unresolved))
		return nil
	})
}

// NewCompletenessCmd creates the completeness command.
func NewCompletenessCmd() *cobra.Command {
	var (
		start, end   string
		minCoverage  float64
		maxBadDays   int
		tickers      string
		diagnoseOnly bool
		asJSON       bool
	)

	cmd := &cobra.Command{
		Use:   "completeness",
		Short: "Verify per-day price coverage against the rebalance universe",
		Long:  "Exits 1 when more days fall below coverage than allowed, unless --diagnose-only.",
		RunE: func(cmd *cobra.Command, args []string) error {
			rng, err := parseRange(start, end)
			if err != nil {
				return err
			}
			opts := completeness.Options{Range: rng, Tickers: splitTickers(tickers), MinDailyCoverage: -1, MaxBadDays: -1}
			if cmd.Flags().Changed("min-daily-coverage") {
				opts.MinDailyCoverage = minCoverage
			}
			if cmd.Flags().Changed("max-bad-days") {
				opts.MaxBadDays = maxBadDays
			}
			return runCompleteness(cmd.Context(), opts, diagnoseOnly, asJSON)
		},
	}
	cmd.Flags().StringVar(&start, "start", "", "first trade date (YYYY-MM-DD)")
	cmd.Flags().StringVar(&end, "end", "", "last trade date (YYYY-MM-DD)")
	cmd.Flags().Float64Var(&minCoverage, "min-daily-coverage", 1.0, "minimum present/expected per day")
	cmd.Flags().IntVar(&maxBadDays, "max-bad-days", 0, "days allowed below coverage")
	cmd.Flags().StringVar(&tickers, "tickers", "", "comma-separated tickers to restrict the check")
	cmd.Flags().BoolVar(&diagnoseOnly, "diagnose-only", false, "report without alerting or failing")
	cmd.Flags().BoolVar(&asJSON, "json", false, "print the report as JSON")
	return cmd
}

func runCompleteness(ctx context.Context, opts completeness.Options, diagnoseOnly, asJSON bool) error {
	e, err := openEnv(ctx)
	if err != nil {
		return err
	}
	defer e.Close()

	if opts.MinDailyCoverage < 0 {
		opts.MinDailyCoverage = e.Config.Completeness.MinDailyCoverage
	}
	if opts.MaxBadDays < 0 {
		opts.MaxBadDays = e.Config.Completeness.MaxBadDays
	}
	if opts.MinDailyCoverage <= 0 || opts.MinDailyCoverage > 1 {
		return fmt.Errorf("--min-daily-coverage must be in (0, 1]")
	}

	var rep *completeness.Report
	if diagnoseOnly {
		rep, err = completeness.New(e.Store, nil, "completeness", e.Logger).Verify(ctx, opts)
	} else {
		d, derr := e.Dispatcher()
		if derr != nil {
			return derr
		}
		rep, err = completeness.New(e.Store, d, "completeness", e.Logger).Check(ctx, opts)
	}
	if err != nil {
		return err
	}

	if asJSON {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		if err := enc.Encode(rep); err != nil {
			return err
		}
	} else {
		printReport(rep)
	}
	if !rep.Passed && !diagnoseOnly {
		return fmt.Errorf("completeness failed: %d bad days, %d allowed", len(rep.BadDays), rep.MaxBadDays)
	}
	return nil
}

func printReport(rep *completeness.Report) {
	fmt.Printf("%d trading days checked, %d below %.2f%% coverage (%d allowed)\n",
		len(rep.Days), len(rep.BadDays), rep.MinDailyCoverage*100, rep.MaxBadDays)
	for _, d := range rep.Days {
		if !d.Bad {
			continue
		}
		color.Red("  %s  %d/%d  missing: %s", types.FormatDate(d.Date), d.Present, d.Expected,
			strings.Join(d.Missing, ","))
	}
	if rep.Passed {
		color.Green("PASSED")
	} else {
		color.Red("FAILED from %s", types.FormatDate(rep.FirstBadDay()))
	}
}

// NewCalcCmd creates the calc command.
func NewCalcCmd() *cobra.Command {
	var start, end string
	var rebuild bool

	cmd := &cobra.Command{
		Use:   "calc",
		Short: "Impute missing prices and calculate index levels",
		Long: `Calculates every pending trading day, or with --rebuild recomputes every
day from --start on (--end is ignored). Output for identical inputs is bit-identical.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			rng, err := parseRange(start, end)
			if err != nil {
				return err
			}
			if rebuild && rng.Start.IsZero() {
				return fmt.Errorf("--rebuild requires --start")
			}
			return runCalc(cmd.Context(), calc.Options{Range: rng, Rebuild: rebuild})
		},
	}
	cmd.Flags().StringVar(&start, "start", "", "first trade date (YYYY-MM-DD)")
	cmd.Flags().StringVar(&end, "end", "", "last trade date (YYYY-MM-DD)")
	cmd.Flags().BoolVar(&rebuild, "rebuild", false, "delete and recompute from --start")
	return cmd
}

func runCalc(ctx context.Context, opts calc.Options) error {
	e, err := openEnv(ctx)
	if err != nil {
		return err
	}
	defer e.Close()
	return calculate(ctx, e, opts)
}

// calculate builds the imputation overlay over the days the run will touch
// and then calculates them, all under the pipeline lock.
func calculate(ctx context.Context, e *app.Env, opts calc.Options) error {
	calculator, err := calc.New(e.Store, e.Config.Index, e.Logger)
	if err != nil {
		return err
	}
	return underLock(ctx, e, func(ctx context.Context) error {
		window, err := calculator.Window(ctx, opts)
		if err != nil {
			return err
		}
		if !window.Empty() {
			ov, err := impute.New(e.Store, e.Logger).Build(ctx, window)
			var de *impute.DataError
			switch {
			case errors.As(err, &de):
				if ov.Through.IsZero() {
					return err
				}
				color.Yellow("%v; calculating through %s", err, types.FormatDate(ov.Through))
				opts.Through = ov.Through
			case err != nil:
				return err
			}
			opts.Overlay = ov
		}

		res, err := calculator.Run(ctx, opts)
		if err != nil {
			return err
		}
		if res.Calculated == 0 {
			fmt.Println("nothing to calculate")
			return nil
		}
		color.Green("calculated %d days (%d imputed prices), level %.6f on %s",
			res.Calculated, res.Imputed, res.Last.LevelTR, types.FormatDate(res.Last.TradeDate))
		return nil
	})
}
