// Command trade-calendar writes the trading-day calendar used by the fetch
// jobs. The Taiwan calendar is the set of days one always-traded security
// (2330 by default) has daily history for; the US calendar comes from the
// Alpaca market calendar.
package main

import (
	"context"
	"flag"
	"log"
	"os"
	"time"

	"tsfetch/internal/calendar"
	"tsfetch/internal/config"
	"tsfetch/internal/domain"
	"tsfetch/internal/source/twse"
	"tsfetch/internal/util"
)

func main() {
	cfgPath := flag.String("config", "", "path to config file (default $TSFETCH_CONFIG or config/tsfetch.yaml)")
	market := flag.String("market", "tw", "tw (TWSE history of -symbol) or us (Alpaca calendar)")
	symbol := flag.String("symbol", "2330", "tw: security whose trading days form the calendar")
	pause := flag.Duration("pause", 3*time.Second, "tw: delay between monthly report requests")
	start := flag.String("start", "2023-01-01", "first date (YYYY-MM-DD)")
	end := flag.String("end", "", "last date (YYYY-MM-DD, default today)")
	out := flag.String("out", "", "output CSV (default jobs.broker.calendar_path)")
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

	now := time.Now()
	from, err := time.Parse(domain.DateLayout, *start)
	if err != nil {
		log.Fatalf("invalid -start: %v", err)
	}
	to := now
	if *end != "" {
		if to, err = time.Parse(domain.DateLayout, *end); err != nil {
			log.Fatalf("invalid -end: %v", err)
		}
	}

	dest := *out
	if dest == "" {
		dest = cfg.Jobs.Broker.CalendarPath
	}
	dest = cfg.Path(dest)

	var dates []string
	switch *market {
	case "tw":
		client := twse.NewClient(cfg.TWSE.ListedURL, cfg.TWSE.OTCURL, cfg.Fetch.Timeout.D())
		dates, err = calendar.FetchHistory(context.Background(), client, *symbol, from, to, now, *pause)
	case "us":
		client := calendar.NewAlpacaClient(cfg.Alpaca.APIKey, cfg.Alpaca.APISecret, cfg.Alpaca.BaseURL)
		dates, err = calendar.FetchAlpaca(client, from, to, now)
	default:
		log.Fatalf("invalid -market %q: want tw or us", *market)
	}
	if err != nil {
		logger.Error("fetching calendar failed", "market", *market, "error", err)
		os.Exit(1)
	}
	if err := calendar.Write(dest, dates); err != nil {
		logger.Error("writing calendar failed", "path", dest, "error", err)
		os.Exit(1)
	}
	logger.Info("calendar written", "market", *market, "path", dest, "days", len(dates),
		"first", dates[0], "last", dates[len(dates)-1])
}
