// Package commands implements the CLI subcommands for the tridx binary.
package commands

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/dwsmith1983/tridx/internal/app"
	"github.com/dwsmith1983/tridx/pkg/types"
)

// Global flags shared by every subcommand.
var (
	configPath string
	debug      bool
)

// AddGlobalFlags registers the persistent flags on root and installs the
// JSON logger before any subcommand runs.
func AddGlobalFlags(root *cobra.Command) {
	root.PersistentFlags().StringVar(&configPath, "config", ".", "path to tridx.yaml or the directory holding it")
	root.PersistentFlags().BoolVar(&debug, "debug", false, "enable debug logging")
	root.PersistentPreRun = func(*cobra.Command, []string) {
		slog.SetDefault(newLogger(debug))
	}
}

func newLogger(debug bool) *slog.Logger {
	level := slog.LevelInfo
	if debug {
		level = slog.LevelDebug
	}
	return slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
}

func openEnv(ctx context.Context) (*app.Env, error) {
	return app.Open(ctx, configPath, slog.Default())
}

// underLock runs fn while holding the pipeline lock. A held lock is reported
// and is not an error.
func underLock(ctx context.Context, e *app.Env, fn func(ctx context.Context) error) error {
	ran, err := e.UnderLock(ctx, fn)
	if !ran && err == nil {
		fmt.Println("already running")
	}
	return err
}

// parseRange reads optional --start/--end values.
func parseRange(start, end string) (types.DateRange, error) {
	var r types.DateRange
	var err error
	if start != "" {
		if r.Start, err = types.ParseDate(start); err != nil {
			return r, fmt.Errorf("--start: %w", err)
		}
	}
	if end != "" {
		if r.End, err = types.ParseDate(end); err != nil {
			return r, fmt.Errorf("--end: %w", err)
		}
	}
	if !r.Start.IsZero() && !r.End.IsZero() && r.End.Before(r.Start) {
		return r, fmt.Errorf("--end %s is before --start %s", end, start)
	}
	return r, nil
}

// splitTickers parses a comma-separated --tickers value.
func splitTickers(v string) []string {
	var out []string
	for _, t := range strings.Split(v, ",") {
		if t = strings.TrimSpace(t); t != "" {
			out = append(out, t)
		}
	}
	return out
}
