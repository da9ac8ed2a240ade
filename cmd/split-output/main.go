// Command split-output splits a job's output CSV into one file per entity.
package main

import (
	"flag"
	"log"
	"os"

	"tsfetch/internal/config"
	"tsfetch/internal/store"
	"tsfetch/internal/util"
)

func main() {
	cfgPath := flag.String("config", "", "path to config file (default $TSFETCH_CONFIG or config/tsfetch.yaml)")
	in := flag.String("in", "", "input CSV (default jobs.broker.output_path)")
	outDir := flag.String("out", "broker_split", "output directory")
	col := flag.String("col", "Branch_Code", "entity column to split on")
	list := flag.String("list", "broker_split_list.csv", "file listing the split entities (empty to skip)")
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
	logger := util.NewLogger(cfg.Logging.Level, cfg.Logging.Format, os.Stdout)

	src := *in
	if src == "" {
		src = cfg.Jobs.Broker.OutputPath
	}
	src, dir := cfg.Path(src), cfg.Path(*outDir)

	counts, err := store.SplitByEntity(src, dir, *col)
	if err != nil {
		logger.Error("split failed", "input", src, "error", err)
		os.Exit(1)
	}
	if *list != "" {
		listPath := cfg.Path(*list)
		if err := store.WriteEntityList(listPath, *col, counts); err != nil {
			logger.Error("writing entity list failed", "path", listPath, "error", err)
			os.Exit(1)
		}
		logger.Info("entity list written", "path", listPath, "entities", len(counts))
	}
	rows := 0
	for _, n := range counts {
		rows += n
	}
	logger.Info("split complete", "input", src, "dir", dir, "entities", len(counts), "rows", rows)
}
