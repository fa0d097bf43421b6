package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"
	_ "time/tzdata"

	"go.uber.org/zap"

	"gaugewatch/checkpoint"
	"gaugewatch/config"
	"gaugewatch/ingest"
	"gaugewatch/logger"
	"gaugewatch/pipeline"
	"gaugewatch/plot"
	"gaugewatch/publish"
	"gaugewatch/source"
	"gaugewatch/storage"
)

func main() {
	restart := flag.Bool("restart", false, "truncate every raw record and re-ingest history from the configured start times")
	flag.Parse()

	if err := run(*restart); err != nil {
		fmt.Fprintln(os.Stderr, "gaugewatch:", err)
		os.Exit(1)
	}
}

func run(restart bool) error {
	cfg, err := config.Load(os.Getenv("GAUGEWATCH_CONFIG"))
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	log, err := logger.New(cfg.LogLevel)
	if err != nil {
		return fmt.Errorf("set up logger: %w", err)
	}
	defer logger.Flush(log.Logger)

	catalog, err := cfg.Catalog()
	if err != nil {
		return err
	}
	loc, err := cfg.Location()
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	src := source.NewClient(cfg.Source.BaseURL, source.Credentials{
		Account:       cfg.Source.Account,
		Password:      cfg.Source.Password,
		CompanyUserID: cfg.Source.CompanyUserID,
	}, cfg.Source.Timeout, log.Logger)
	src.LoginPath = cfg.Source.LoginPath
	src.QueryPath = cfg.Source.QueryPath

	store := checkpoint.NewFileStore(cfg.CheckpointPath, catalog.Starts())
	fetcher := ingest.NewFetcher(src, store, cfg.DataDir, log.Logger)
	fetcher.Margin = cfg.Fetch.Margin
	fetcher.Now = func() time.Time { return time.Now().In(loc) }

	p := &pipeline.Pipeline{
		Catalog: catalog,
		DataDir: cfg.DataDir,
		Fetcher: fetcher,
		Log:     log.Logger,
	}

	if cfg.PlotPath != "" {
		p.Renderer = &plot.HTML{DataDir: cfg.DataDir, Path: cfg.PlotPath, Log: log.Logger}
		p.Outputs = append(p.Outputs, cfg.PlotPath)
	}

	if cfg.JournalPath != "" {
		journal, err := storage.NewSQLite(cfg.JournalPath, log.Logger)
		if err != nil {
			return fmt.Errorf("open journal: %w", err)
		}
		defer journal.Close()
		p.Journal = journal
	}

	if cfg.Publish.Enabled {
		up, err := publish.Dial(publish.Config{
			Addr:       cfg.Publish.Addr,
			User:       cfg.Publish.User,
			KeyPath:    cfg.Publish.KeyPath,
			KnownHosts: cfg.Publish.KnownHosts,
			RemoteDir:  cfg.Publish.RemoteDir,
		}, log.Logger)
		if err != nil {
			return fmt.Errorf("connect publisher: %w", err)
		}
		defer up.Close()
		p.Publisher = up
	}

	if cfg.Schedule != "" {
		return p.Schedule(ctx, cfg.Schedule, restart)
	}

	rep, err := p.Run(ctx, restart)
	if err != nil {
		return err
	}
	if failed := rep.Failed(); len(failed) > 0 {
		for _, f := range failed {
			log.Logger.Warn("device failed this cycle", zap.Error(f))
		}
		return fmt.Errorf("%d device operations failed", len(failed))
	}
	return nil
}
