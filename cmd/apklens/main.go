package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/apklens/apklens/internal/catalog"
	corecfg "github.com/apklens/apklens/internal/core/config"
	"github.com/apklens/apklens/internal/fetch"
	"github.com/apklens/apklens/internal/partition"
	"github.com/apklens/apklens/internal/pipeline"
	"github.com/apklens/apklens/internal/server"
	"github.com/apklens/apklens/internal/telemetry"
)

func usage() {
	fmt.Fprintln(os.Stderr, "Usage: apklens [-config apklens.yaml] <fetch|process|run>")
	fmt.Fprintln(os.Stderr, "  fetch    ingest the upstream datasets into partition segments")
	fmt.Fprintln(os.Stderr, "  process  join, aggregate and publish statistics from a completed fetch")
	fmt.Fprintln(os.Stderr, "  run      fetch, then process")
	os.Exit(2)
}

func main() {
	configPath := flag.String("config", "apklens.yaml", "Path to configuration file")
	flag.Usage = usage
	flag.Parse()

	command := flag.Arg(0)
	if command != "fetch" && command != "process" && command != "run" {
		usage()
	}

	// 0. Initialize Logger
	logger := slog.New(slog.NewTextHandler(os.Stdout, nil))
	slog.SetDefault(logger)

	// 1. Load Configuration
	cfg, err := corecfg.Load(*configPath)
	if err != nil {
		slog.Error("Failed to load config", "error", err)
		os.Exit(1)
	}

	// 2. Load Dataset Catalog
	cat, err := catalog.Load(cfg.Data.CatalogDir)
	if err != nil {
		slog.Error("Failed to load dataset catalog", "error", err)
		os.Exit(1)
	}
	slog.Info("Dataset catalog loaded", "datasets", cat.Len())

	// 3. Open the Partition Manifest
	store, err := partition.OpenStore(cfg.Data.Dir)
	if err != nil {
		slog.Error("Failed to open partition store", "error", err)
		os.Exit(1)
	}

	metrics, registry := telemetry.NewCollector("apklens")

	// Signal handler triggers the shutdown sequence; in-flight pages finish
	// and partitions stay resumable.
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		quit := make(chan os.Signal, 1)
		signal.Notify(quit, os.Interrupt, syscall.SIGTERM)
		<-quit
		slog.Info("Signal received, shutting down...")
		cancel()
	}()

	// 4. Optionally start the ops server in the background
	if cfg.Server.Enabled {
		srv := server.New(fmtAddr(cfg.Server.Host, cfg.Server.Port), store, registry, cfg.Server.Mode)
		go func() {
			if err := srv.Run(ctx); err != nil {
				slog.Error("Ops server stopped with error", "error", err)
			}
		}()
	}

	exitCode := 0
	if command == "fetch" || command == "run" {
		if err := runFetch(ctx, cfg, cat, store, metrics, logger); err != nil {
			slog.Error("Fetch finished with errors", "error", err)
			exitCode = 1
		}
	}
	if exitCode == 0 && (command == "process" || command == "run") {
		p := pipeline.New(cfg, cat, store, metrics, logger)
		if err := p.Run(ctx); err != nil {
			slog.Error("Processing failed", "error", err)
			exitCode = 1
		}
	}

	slog.Info("Done", "command", command)
	os.Exit(exitCode)
}

func runFetch(ctx context.Context, cfg *corecfg.Config, cat *catalog.Catalog, store *partition.Store, metrics *telemetry.Collector, logger *slog.Logger) error {
	client := fetch.NewClient(cfg.Fetch.BaseURL, cfg.Fetch.AppToken, cfg.Fetch.PageTimeoutDuration())
	gate := fetch.NewGate(cfg.Fetch.MinWorkers, cfg.Fetch.MaxWorkers, cfg.Fetch.CooldownDuration())

	fetcher := fetch.NewFetcher(fetch.Options{
		PageSize:       cfg.Fetch.PageSize,
		SamplePercent:  cfg.Fetch.SamplePercent,
		LookbackDays:   cfg.Fetch.LookbackDays,
		MaxWorkers:     cfg.Fetch.MaxWorkers,
		MaxRetries:     cfg.Fetch.MaxRetries,
		BackoffBase:    cfg.Fetch.BackoffBaseDuration(),
		BackoffCap:     cfg.Fetch.BackoffCapDuration(),
		RunBudget:      cfg.Fetch.RunBudgetDuration(),
		ForceRefresh:   cfg.Fetch.ForceRefresh,
		PrefixShardLen: cfg.Fetch.PrefixShardLen,
	}, cat, store, client, gate, metrics, logger)

	return fetcher.Run(ctx)
}

func fmtAddr(host string, port int) string {
	return fmt.Sprintf("%s:%d", host, port)
}
