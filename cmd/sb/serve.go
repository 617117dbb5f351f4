package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"github.com/zulandar/simbridge/internal/api"
	"github.com/zulandar/simbridge/internal/bridge"
	"github.com/zulandar/simbridge/internal/db"
	"github.com/zulandar/simbridge/internal/notify"
)

func newServeCmd() *cobra.Command {
	var (
		configPath string
		port       int
		autostart  bool
		connect    bool
	)

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the bridge and its HTTP API",
		Long: `Runs the HTTP API until SIGINT or SIGTERM, then stops the engine.

With --start the engine is launched with engine.config_path at startup.
With --connect the bridge attaches to an engine that is already listening.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd, configPath, cmd.Flags().Changed("config"), port, autostart, connect)
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", defaultConfigPath, "path to simbridge config file")
	cmd.Flags().IntVarP(&port, "port", "p", 0, "API port (overrides api.listen_port)")
	cmd.Flags().BoolVar(&autostart, "start", false, "launch the engine at startup")
	cmd.Flags().BoolVar(&connect, "connect", false, "connect to a running engine at startup")
	return cmd
}

func runServe(cmd *cobra.Command, configPath string, explicit bool, port int, autostart, connect bool) error {
	cfg, err := loadConfig(configPath, explicit)
	if err != nil {
		return err
	}
	log, err := cfg.Log.NewLogger(cmd.ErrOrStderr())
	if err != nil {
		return err
	}

	ledger, gdb, err := openLedger(cfg, log)
	if err != nil {
		return fmt.Errorf("serve: ledger: %w", err)
	}
	defer db.Close(gdb)

	notifier, err := buildNotifier(cfg.Notify)
	if err != nil {
		return fmt.Errorf("serve: %w", err)
	}

	svc, err := bridge.New(bridge.Opts{Config: cfg, Logger: log, Ledger: ledger, Notifier: notifier})
	if err != nil {
		return fmt.Errorf("serve: %w", err)
	}
	defer svc.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigCh)
	go func() {
		select {
		case sig := <-sigCh:
			fmt.Fprintf(cmd.OutOrStdout(), "\nReceived %s, shutting down...\n", sig)
			cancel()
		case <-ctx.Done():
		}
	}()

	if cfg.Notify.Digest.Enabled {
		digest, err := notify.NewDigest(cfg.Notify.Digest.Cron, notifier, svc.DigestAlert, log)
		if err != nil {
			return fmt.Errorf("serve: %w", err)
		}
		go digest.Run(ctx)
	}

	switch {
	case autostart:
		if err := svc.Start(ctx, bridge.StartOpts{ConfigPath: cfg.Engine.ConfigPath, GUI: cfg.Engine.GUI}); err != nil {
			log.WithError(err).Error("engine start failed; serving without a simulation")
		}
	case connect:
		if err := svc.Connect(ctx); err != nil {
			log.WithError(err).Error("connect failed; serving without a simulation")
		}
	}

	server := api.New(svc, api.Options{Port: port, Logger: log})
	return server.Run(ctx)
}
