// Command ticker-history fetches daily bars for every ticker and trading
// date not yet in the output, resuming from it.
package main

import (
	"context"
	"flag"
	"log"
	"os"
	"os/signal"
	"syscall"

	"tsfetch/internal/config"
	"tsfetch/internal/gather/ticker"
	"tsfetch/internal/util"
)

func main() {
	cfgPath := flag.String("config", "", "path to config file (default $TSFETCH_CONFIG or config/tsfetch.yaml)")
	flag.Parse()

	path := *cfgPath
	if path == "" {
		path = "config/tsfetch.yaml"
		if p := os.Getenv("TSFETCH_CONFIG"); p != "" {
			path = p
		}
	}

	cfg, err := config.Load(path)
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}

	w, closeLog, err := util.OpenLogOutput(cfg.Logging.File)
	if err != nil {
		log.Fatalf("failed to open log output: %v", err)
	}
	defer closeLog()

	logger := util.NewLogger(cfg.Logging.Level, cfg.Logging.Format, w)
	util.SetDefault(logger)

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	g := ticker.New(cfg, logger)
	logger.Info("starting", "gatherer", g.Name(), "config", path)
	if err := g.Run(ctx); err != nil {
		logger.Error("run failed", "gatherer", g.Name(), "error", err)
		closeLog()
		os.Exit(1)
	}
}
