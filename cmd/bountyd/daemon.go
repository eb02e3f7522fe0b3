package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/fentz26/bountyd/internal/audit"
	"github.com/fentz26/bountyd/internal/config"
	"github.com/fentz26/bountyd/internal/engine"
	"github.com/fentz26/bountyd/internal/ledger"
	"github.com/fentz26/bountyd/internal/logging"
	"github.com/fentz26/bountyd/internal/reward"
	"github.com/fentz26/bountyd/internal/server"
	"github.com/fentz26/bountyd/internal/store"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

var (
	configPath   string
	listenAddr   string
	dbPath       string
	ledgerInProc bool
)

var daemonCmd = &cobra.Command{
	Use:   "daemon",
	Short: "Start the bountyd daemon",
	Long:  `Starts the bountyd daemon which provides the HTTP API for task and reward coordination.`,
	RunE:  runDaemon,
}

func init() {
	daemonCmd.Flags().StringVar(&configPath, "config", "", "Path to YAML config file")
	daemonCmd.Flags().StringVar(&listenAddr, "listen", "", "Listen address for the API server (overrides config)")
	daemonCmd.Flags().StringVar(&dbPath, "db", "", "Path to SQLite database (overrides config)")
	daemonCmd.Flags().BoolVar(&ledgerInProc, "ledger-memory", false, "Use the in-process ledger instead of the configured endpoint (development only)")
}

func runDaemon(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	if listenAddr != "" {
		cfg.Listen = listenAddr
	}
	if dbPath != "" {
		cfg.DBPath = dbPath
	}

	log, err := logging.New(cfg.Log)
	if err != nil {
		return fmt.Errorf("init logging: %w", err)
	}
	defer log.Sync()

	log.Info("starting bountyd daemon",
		zap.String("listen", cfg.Listen),
		zap.String("db", cfg.DBPath),
		zap.Int("slot_cap", cfg.SlotCap))

	s, err := store.New(cfg.DBPath)
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}

	var ledgerClient ledger.Client
	if ledgerInProc {
		log.Warn("using in-process ledger; balances will not survive restarts of the ledger side")
		ledgerClient = ledger.NewMemory()
	} else {
		ledgerClient = ledger.NewHTTPClient(cfg.Ledger.Endpoint, cfg.Ledger.APIKey)
	}

	trail := audit.NewTrail(s)
	slots := engine.NewSlotAllocator(cfg.SlotCap)

	eng, err := engine.New(s, slots, ledgerClient, trail, log)
	if err != nil {
		s.Close()
		return fmt.Errorf("init engine: %w", err)
	}

	rw := reward.New(s, ledgerClient, trail, log)
	rw.Start(eng)
	defer rw.Stop()

	sweeper := engine.NewSweeper(s, slots, log, cfg.SweepInterval)
	sweeper.Start()
	defer sweeper.Stop()

	srv := server.New(eng, rw, s, log, server.Options{
		Listen:       cfg.Listen,
		AuthDisabled: cfg.Auth.Disabled,
		AuthSecret:   cfg.Auth.Secret,
	})

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	serverErr := make(chan error, 1)
	go func() {
		if err := srv.Start(); err != nil {
			serverErr <- err
		}
		close(serverErr)
	}()

	select {
	case sig := <-sigCh:
		log.Info("received signal, initiating graceful shutdown", zap.String("signal", sig.String()))
	case err := <-serverErr:
		if err != nil {
			log.Error("server error", zap.Error(err))
			s.Close()
			return err
		}
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	log.Info("shutting down HTTP server")
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error("HTTP server shutdown error", zap.Error(err))
	}

	log.Info("closing database connection")
	if err := s.Close(); err != nil {
		log.Error("database close error", zap.Error(err))
	}

	log.Info("shutdown complete")
	return nil
}
