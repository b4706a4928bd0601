package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/moltbunker/stakeledger/internal/buildinfo"
	"github.com/moltbunker/stakeledger/internal/config"
	"github.com/moltbunker/stakeledger/internal/logging"
)

func main() {
	configPath := flag.String("config", config.DefaultConfigPath(), "Path to config file")
	httpAddr := flag.String("http", "", "HTTP listen address (overrides api.http_addr)")
	showVersion := flag.Bool("version", false, "Print version and exit")
	flag.Parse()

	if *showVersion {
		fmt.Printf("stakeledgerd %s (%s, %s)\n", buildinfo.GetVersion(), buildinfo.GetCommit(), buildinfo.GetGoVersion())
		return
	}

	if err := run(*configPath, *httpAddr); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func run(configPath, httpAddr string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	if httpAddr != "" {
		cfg.API.HTTPAddr = httpAddr
	}
	if err := logging.Configure(os.Stdout, cfg.Daemon.LogFormat, cfg.Daemon.LogLevel); err != nil {
		return err
	}
	if err := cfg.EnsureDirectories(); err != nil {
		return err
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigCh)

	a, err := buildApp(ctx, cfg)
	if err != nil {
		return err
	}
	if err := a.start(ctx); err != nil {
		return err
	}

	watcher, err := config.Watch(configPath, applyReload)
	if err != nil {
		logging.Warn("config hot reload disabled",
			logging.Err(err),
			logging.Component("daemon"))
	}

	logging.Info("stakeledgerd started",
		"version", buildinfo.GetVersion(),
		"http_addr", a.server.Addr(),
		"mode", cfg.Ledger.Mode,
		"administrator", cfg.Ledger.Administrator,
		"lock_duration", a.ledger.LockTime().String(),
		logging.Component("daemon"))

	sig := <-sigCh
	logging.Info("shutting down", "signal", sig.String(), logging.Component("daemon"))

	if watcher != nil {
		watcher.Close()
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()
	if err := a.stop(shutdownCtx); err != nil {
		logging.Error("error during shutdown",
			logging.Err(err),
			logging.Component("daemon"))
		return err
	}

	logging.Info("shutdown complete", logging.Component("daemon"))
	return nil
}

// applyReload applies the settings that can change without a restart.
func applyReload(cfg *config.Config) {
	lvl, err := logging.ParseLevel(cfg.Daemon.LogLevel)
	if err != nil {
		return
	}
	if lvl != logging.Level() {
		logging.SetLevel(lvl)
		logging.Info("log level changed", "level", lvl.String(), logging.Component("daemon"))
	}
}
