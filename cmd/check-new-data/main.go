// Command check-new-data asks the remote source whether anything was
// submitted after the committed checkpoint.
//
// Exit codes follow the cron contract rather than the shared mapping:
// 0 new data exists, 1 nothing new, 2 the check itself failed.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/jessevdk/go-flags"

	"github.com/wisepulse/silopipe/checkpoint"
	"github.com/wisepulse/silopipe/config"
	"github.com/wisepulse/silopipe/fetcher"
	"github.com/wisepulse/silopipe/record"
	"github.com/wisepulse/silopipe/resource"
)

type options struct {
	Config  string `short:"c" long:"config" description:"Path to the pipeline configuration file" default:"silopipe.yaml"`
	Verbose bool   `short:"v" long:"verbose" description:"Enable debug logging"`
}

func main() {
	var opts options
	if _, err := flags.Parse(&opts); err != nil {
		if flags.WroteHelp(err) {
			return
		}
		os.Exit(2)
	}

	level := slog.LevelInfo
	if opts.Verbose {
		level = slog.LevelDebug
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))

	outcome, ts, err := check(opts, logger)
	if err != nil {
		logger.Error("change check failed", "error", err)
		os.Exit(2)
	}
	if outcome == checkpoint.NoNewData {
		fmt.Println("no new data")
		os.Exit(1)
	}
	fmt.Printf("new data up to timestamp %d\n", ts)
}

func check(opts options, logger *slog.Logger) (checkpoint.Outcome, int64, error) {
	cfg, err := config.FromFile(opts.Config)
	if err != nil {
		return checkpoint.NoNewData, 0, err
	}

	keyPath, err := record.ParseFieldPath(cfg.API.TimestampField)
	if err != nil {
		return checkpoint.NoNewData, 0, err
	}
	idPath, err := record.ParseFieldPath(cfg.API.IDField)
	if err != nil {
		return checkpoint.NoNewData, 0, err
	}
	ex := record.NewExtractor(keyPath, idPath)

	rc := resource.NewController(resource.Config{APIRequestsPerSec: cfg.API.RequestsPerSec})
	client, err := fetcher.NewClient(fetcher.ClientOptions{
		BaseURL:    cfg.API.BaseURL,
		Organism:   cfg.API.Organism,
		MaxRetries: cfg.API.MaxRetries,
		Resources:  rc,
		Logger:     logger,
	})
	if err != nil {
		return checkpoint.NoNewData, 0, err
	}

	store := checkpoint.NewStore(nil, cfg.Paths.CommittedFile, cfg.Paths.PendingFile)
	det, err := checkpoint.NewDetector(client, ex, store, checkpoint.DetectorOptions{
		WindowDays: cfg.Fetch.Days,
		PageSize:   cfg.Fetch.MaxPerPage,
		Logger:     logger,
	})
	if err != nil {
		return checkpoint.NoNewData, 0, err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	outcome, ts, err := det.Check(ctx)
	if err != nil {
		return outcome, ts, err
	}
	// The pending file is the cron contract: a follow-up build reads it
	// instead of repeating the check.
	if outcome == checkpoint.NewData {
		if err := store.WritePending(ts); err != nil {
			return outcome, ts, err
		}
	}
	return outcome, ts, nil
}
