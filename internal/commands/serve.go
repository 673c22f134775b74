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

	"github.com/dwsmith1983/tridx/internal/app"
	"github.com/dwsmith1983/tridx/internal/config"
	"github.com/dwsmith1983/tridx/internal/server"
	"github.com/dwsmith1983/tridx/internal/watchdog"
	"github.com/dwsmith1983/tridx/pkg/types"
)

// NewServeCmd creates the serve command.
func NewServeCmd() *cobra.Command {
	var addr string

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the read-only tridx HTTP API server",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd.Context(), addr)
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "", "listen address (overrides server.addr)")
	return cmd
}

func runServe(ctx context.Context, addr string) error {
	e, err := openEnv(ctx)
	if err != nil {
		return err
	}
	defer e.Close()

	srvCfg := types.ServerConfig{Addr: config.DefaultServerAddr}
	if e.Config.Server != nil {
		srvCfg = *e.Config.Server
	}
	if addr != "" {
		srvCfg.Addr = addr
	}

	d, err := e.Dispatcher()
	if err != nil {
		return err
	}
	wd := watchdog.New(e.Store, d.Dispatch, e.Logger,
		config.MustDuration(e.Config.Orchestrator.StaleRunAfter, config.DefaultStaleRunAfter), 5*time.Minute)
	wd.Start(ctx)

	srv := server.New(&srvCfg, e.Store, app.QuotaReporters(e.Budgets()), e.Logger)

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.Start()
	}()
	color.Green("Listening on %s", srvCfg.Addr)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigCh)

	select {
	case err := <-errCh:
		wd.Stop()
		return err
	case sig := <-sigCh:
		color.Yellow("\nReceived %s, shutting down...", sig)
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		wd.Stop()
		if err := srv.Stop(shutdownCtx); err != nil {
			return fmt.Errorf("server shutdown: %w", err)
		}
		color.Green("Server stopped gracefully")
		return nil
	}
}
