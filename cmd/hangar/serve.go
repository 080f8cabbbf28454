package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/hangarhq/hangar/pkg/api"
	"github.com/hangarhq/hangar/pkg/config"
	"github.com/hangarhq/hangar/pkg/controller"
	"github.com/hangarhq/hangar/pkg/events"
	"github.com/hangarhq/hangar/pkg/gc"
	"github.com/hangarhq/hangar/pkg/httpclient"
	"github.com/hangarhq/hangar/pkg/log"
	"github.com/hangarhq/hangar/pkg/manager"
	"github.com/hangarhq/hangar/pkg/nodeagent"
	"github.com/hangarhq/hangar/pkg/placement"
	"github.com/hangarhq/hangar/pkg/provisioner"
	"github.com/hangarhq/hangar/pkg/reconciler"
	"github.com/hangarhq/hangar/pkg/scaler"
	"github.com/hangarhq/hangar/pkg/storage"
)

var configPath string

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the control plane",
	Long: `Run the control plane: the HTTP API plus the scale, reconcile,
and GC loops. State lives in a local database under the data
directory; restarting resumes every lease where it left off.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		return runServe()
	},
}

func init() {
	serveCmd.Flags().StringVarP(&configPath, "config", "c", "", "Path to YAML config file")
}

func runServe() error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	log.Init(log.Config{
		Level:      log.Level(cfg.LogLevel),
		JSONOutput: cfg.LogJSON,
	})
	logger := log.WithComponent("main")

	store, err := storage.NewBoltStore(cfg.DataDir)
	if err != nil {
		return fmt.Errorf("failed to open store: %w", err)
	}
	defer store.Close()

	broker := events.NewBroker()
	broker.Start()
	defer broker.Stop()

	mgr := manager.NewManager(cfg, store, broker)
	if err := mgr.Recover(); err != nil {
		return err
	}

	retry := httpclient.RetryPolicy{Attempts: 3, Sleep: 2 * time.Second}
	adapter := controller.NewJenkinsAdapter(cfg.ControllerURL, cfg.ControllerUser, cfg.ControllerAPIToken, cfg.RPCTimeout, retry)
	agents := nodeagent.NewFactory(cfg.RPCTimeout, retry)
	pl := placement.New(cfg.HostStaleTimeout, cfg.HostStaleTimeout)
	prov := provisioner.New(mgr, adapter, agents, pl)

	collector := manager.NewMetricsCollector(mgr)
	collector.Start()
	defer collector.Stop()

	if !cfg.DisableBackgroundLoops {
		sc := scaler.New(mgr, adapter, prov, pl)
		sc.Start()
		defer sc.Stop()

		rec := reconciler.New(mgr, adapter, agents)
		rec.Start()
		defer rec.Stop()

		sweeper := gc.New(mgr, adapter, agents)
		sweeper.Start()
		defer sweeper.Stop()

		logger.Info().Msg("background loops started")
	} else {
		logger.Warn().Msg("background loops disabled")
	}

	srv := api.NewServer(mgr, cfg.ListenAddr)
	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.Start()
	}()

	logger.Info().
		Str("listen_addr", cfg.ListenAddr).
		Str("data_dir", cfg.DataDir).
		Str("controller_url", cfg.ControllerURL).
		Msg("hangar control plane running")

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)

	select {
	case sig := <-sigCh:
		logger.Info().Str("signal", sig.String()).Msg("shutting down")
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("api server error: %w", err)
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("api shutdown failed")
	}
	return nil
}
