// Command bundler runs one bundler engine instance: a JSON-RPC service
// that admits gasless-swap intents, bundles them, and submits them to the
// entry-point contract.
//
// Usage:
//
//	bundler -config bundler.config.json [flags]
//
// Flags:
//
//	-config   Path to the JSON config file (required)
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
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/PaTiToMaSteR/gassless-swap-demo-sub000/bundler"
	"github.com/PaTiToMaSteR/gassless-swap-demo-sub000/chain"
	"github.com/PaTiToMaSteR/gassless-swap-demo-sub000/obs"
)

var version = "v0.7.0-dev"

func main() {
	os.Exit(run(os.Args[1:]))
}

// run is the actual entry point, returning an exit code. Accepts CLI
// arguments (without the program name) so it can be tested in isolation.
func run(args []string) int {
	fs := flag.NewFlagSet("bundler", flag.ContinueOnError)
	configPath := fs.String("config", "", "path to the JSON config file")
	portOverride := fs.Int("port", 0, "override the configured listen port")
	showVersion := fs.Bool("version", false, "print version and exit")
	if err := fs.Parse(args); err != nil {
		return 2
	}
	if *showVersion {
		fmt.Printf("bundler %s\n", version)
		return 0
	}
	if *configPath == "" {
		fmt.Fprintln(os.Stderr, "Error: -config is required")
		return 2
	}

	// .env is optional; the wallet key usually arrives via the process
	// environment when the hub spawns us.
	_ = godotenv.Load()

	cfg, err := bundler.LoadConfig(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: load config: %v\n", err)
		return 1
	}
	if *portOverride > 0 {
		cfg.Port = *portOverride
	}

	logger := obs.New(slog.LevelInfo)
	obs.SetDefault(logger)
	log := logger.Service(cfg.Service)

	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	client, err := chain.Dial(ctx, cfg.ChainRPCURL)
	cancel()
	if err != nil {
		log.Error("dial chain rpc", "url", cfg.ChainRPCURL, "err", err)
		return 1
	}

	emitter := obs.NewEmitter(cfg.Service, cfg.LogIngestURL, logger)
	defer emitter.Close()

	engine, err := bundler.NewEngine(*cfg, client, emitter, logger)
	if err != nil {
		log.Error("build engine", "err", err)
		return 1
	}
	startCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	err = engine.Start(startCtx)
	cancel()
	if err != nil {
		log.Error("start engine", "err", err)
		return 1
	}
	defer engine.Stop()

	server := bundler.NewServer(*cfg, engine, logger)
	errCh := make(chan error, 1)
	go func() { errCh <- server.Start() }()

	emitter.Info("bundler started", obs.LogEvent{
		ChainID: engine.ChainID(),
		Meta:    map[string]any{"port": cfg.Port, "wallet": engine.Wallet().Hex()},
	})

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigCh:
		log.Info("shutting down", "signal", sig.String())
	case err := <-errCh:
		if err != nil {
			log.Error("server failed", "err", err)
			return 1
		}
		return 0
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Error("shutdown", "err", err)
		return 1
	}
	return 0
}
