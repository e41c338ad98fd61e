package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/zulandar/signalbox/internal/server"
	"github.com/zulandar/signalbox/internal/telegraph"
	"github.com/zulandar/signalbox/internal/workflow"
)

func newServeCmd() *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the sync engine",
		Long: `Connects to the staff platform and the customer chat, serves the HTTP
and web socket API, and runs the scheduled jobs. Stops cleanly on SIGINT
or SIGTERM.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd, configPath)
		},
	}

	addConfigFlag(cmd, &configPath)
	return cmd
}

func runServe(cmd *cobra.Command, configPath string) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	a, err := loadApp(ctx, configPath)
	if err != nil {
		return err
	}
	defer a.Close()

	daemon, err := telegraph.NewDaemon(telegraph.DaemonOpts{
		Platform: a.platform,
		Customer: a.customer,
		Registry: a.registry,
		Orders:   a.orders,
		Operator: a.svc,
		IsAdmin:  a.cfg.IsAdmin,
		Logger:   a.logger.Named("telegraph"),
	})
	if err != nil {
		return fmt.Errorf("create daemon: %w", err)
	}

	srv, err := server.New(server.Opts{
		Listen:       a.cfg.Server.Listen,
		Orders:       a.orders,
		Hub:          a.hub,
		Keepalive:    a.cfg.Server.Keepalive(),
		WriteTimeout: a.cfg.Server.WriteTimeout(),
		AdminToken:   a.cfg.Server.AdminToken,
		Logger:       a.logger.Named("server"),
	})
	if err != nil {
		return fmt.Errorf("create server: %w", err)
	}

	sched, err := workflow.NewScheduler(workflow.SchedulerOpts{
		Service:  a.svc,
		Schedule: a.cfg.Schedule,
		Logger:   a.logger.Named("schedule"),
	})
	if err != nil {
		return fmt.Errorf("create scheduler: %w", err)
	}

	fmt.Fprintf(cmd.OutOrStdout(), "signalbox %q serving on %s (platform: %s, customer chat: %t)\n",
		a.cfg.Owner, a.cfg.Server.Listen, a.platform.Name(), a.customer != nil)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return daemon.Run(gctx) })
	g.Go(func() error { return srv.Run(gctx) })
	g.Go(func() error { return sched.Run(gctx) })

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		a.logger.Error("serve: stopped", zap.Error(err))
		return err
	}
	fmt.Fprintln(cmd.OutOrStdout(), "signalbox stopped.")
	return nil
}
