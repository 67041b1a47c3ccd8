// Command opshub runs the operations hub: the bundler registry and
// supervisor, the chain indexer, the log hub, telemetry and analytics
// stores, and the HTTP API.
//
// Usage:
//
//	opshub -config opshub.yaml [flags]
//
// Flags:
//
//	-config   Path to the YAML config file
//	-port     Override the configured listen port
//	-version  Print version and exit
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/PaTiToMaSteR/gassless-swap-demo-sub000/chain"
	"github.com/PaTiToMaSteR/gassless-swap-demo-sub000/hub"
	"github.com/PaTiToMaSteR/gassless-swap-demo-sub000/obs"
)

var version = "v0.7.0-dev"

func main() {
	os.Exit(run(os.Args[1:]))
}

func run(args []string) int {
	fs := flag.NewFlagSet("opshub", flag.ContinueOnError)
	configPath := fs.String("config", "opshub.yaml", "path to the YAML config file")
	portOverride := fs.Int("port", 0, "override the configured listen port")
	showVersion := fs.Bool("version", false, "print version and exit")
	if err := fs.Parse(args); err != nil {
		return 2
	}
	if *showVersion {
		fmt.Printf("opshub %s\n", version)
		return 0
	}

	_ = godotenv.Load()

	cfg, err := hub.LoadConfig(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: load config: %v\n", err)
		return 1
	}
	if *portOverride > 0 {
		cfg.Port = *portOverride
	}
	if token := os.Getenv("OPSHUB_ADMIN_TOKEN"); token != "" {
		cfg.AdminToken = token
	}

	logger := obs.New(slog.LevelInfo)
	obs.SetDefault(logger)
	log := logger.Service("opshub")

	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	client, err := chain.Dial(ctx, cfg.ChainRPCURL)
	cancel()
	if err != nil {
		log.Error("dial chain rpc", "url", cfg.ChainRPCURL, "err", err)
		return 1
	}

	logWriter, err := hub.NewNDJSONWriter(filepath.Join(cfg.DataDir, "logs"))
	if err != nil {
		log.Error("open log directory", "err", err)
		return 1
	}
	defer logWriter.Close()

	logs := hub.NewLogStore(cfg.Logs.RingSize, cfg.Logs.LimitCap, logWriter)
	if err := logs.Recover(filepath.Join(cfg.DataDir, "logs")); err != nil {
		log.Warn("log recovery incomplete", "err", err)
	}

	registry := hub.NewRegistry()
	supervisor := hub.NewSupervisor(*cfg, registry, logs, logger)
	telemetry := hub.NewTelemetry(time.Duration(cfg.Telemetry.ActiveWindowSec) * time.Second)
	analytics := hub.NewAnalytics(cfg.Analytics.MaxEntries)
	metrics := hub.NewMetrics()

	var wallets *hub.WalletStats
	if cfg.Indexer.WalletAnalytics {
		wallets = hub.NewWalletStats(cfg.Indexer.WatchAddresses, logger)
	}

	var indexer *hub.Indexer
	var paymaster *hub.PaymasterMonitor
	if cfg.Paymaster != "" && cfg.EntryPoint != "" {
		paymaster = hub.NewPaymasterMonitor(client, cfg.EntryPointAddress(), cfg.PaymasterAddress(), logger)
		if cfg.Indexer.Enabled {
			indexer, err = hub.NewIndexer(cfg.Indexer, cfg.DataDir, client,
				cfg.EntryPointAddress(), cfg.PaymasterAddress(), analytics, wallets, metrics, logger)
			if err != nil {
				log.Error("build indexer", "err", err)
				return 1
			}
			startCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
			err = indexer.Start(startCtx)
			cancel()
			if err != nil {
				log.Error("start indexer", "err", err)
				return 1
			}
			defer indexer.Stop()
		}
	} else {
		log.Warn("entryPoint/paymaster unset, indexer and paymaster status disabled")
	}

	supervisor.Start()
	defer supervisor.Stop()

	api := hub.NewAPI(*cfg, registry, supervisor, logs, telemetry, analytics,
		paymaster, indexer, wallets, metrics, logger)

	errCh := make(chan error, 1)
	go func() { errCh <- api.Start() }()

	log.Info("opshub started", "version", version, "port", cfg.Port, "dataDir", cfg.DataDir)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigCh:
		log.Info("shutting down", "signal", sig.String())
	case err := <-errCh:
		if err != nil {
			log.Error("api failed", "err", err)
			return 1
		}
		return 0
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := api.Shutdown(shutdownCtx); err != nil {
		log.Error("shutdown", "err", err)
		return 1
	}
	return 0
}
