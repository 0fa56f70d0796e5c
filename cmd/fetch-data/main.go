// Command fetch-data retrieves all records in the configured sampling
// window and writes them as compressed shard files, one per day.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jessevdk/go-flags"

	"github.com/wisepulse/silopipe"
	"github.com/wisepulse/silopipe/config"
	"github.com/wisepulse/silopipe/fetcher"
	"github.com/wisepulse/silopipe/record"
	"github.com/wisepulse/silopipe/resource"
)

type options struct {
	Config    string `short:"c" long:"config" description:"Path to the pipeline configuration file" default:"silopipe.yaml"`
	OutDir    string `short:"o" long:"out-dir" description:"Directory shard files are written into" required:"true"`
	StartDate string `long:"start-date" description:"Newest sampling date fetched (YYYY-MM-DD, default today)"`
	Days      int    `long:"days" description:"Window size override in days"`
	Verbose   bool   `short:"v" long:"verbose" description:"Enable debug logging"`
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

	if err := run(opts, logger); err != nil {
		logger.Error("fetch failed", "error", err)
		os.Exit(silopipe.ExitCode(err))
	}
}

func run(opts options, logger *slog.Logger) error {
	cfg, err := config.FromFile(opts.Config)
	if err != nil {
		return silopipe.E(silopipe.KindInput, err)
	}

	start := time.Now()
	if opts.StartDate != "" {
		start, err = time.Parse("2006-01-02", opts.StartDate)
		if err != nil {
			return silopipe.Errorf(silopipe.KindInput, "parse start date: %v", err)
		}
	}
	days := cfg.Fetch.Days
	if opts.Days > 0 {
		days = opts.Days
	}

	keyPath, err := record.ParseFieldPath(cfg.API.TimestampField)
	if err != nil {
		return err
	}
	idPath, err := record.ParseFieldPath(cfg.API.IDField)
	if err != nil {
		return err
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
		return err
	}

	f, err := fetcher.New(client, ex, fetcher.Options{
		StartDate:  start,
		Days:       days,
		MaxReads:   cfg.Fetch.MaxReads,
		MaxPerPage: cfg.Fetch.MaxPerPage,
		OutputDir:  opts.OutDir,
		Logger:     logger,
	})
	if err != nil {
		return silopipe.E(silopipe.KindInput, err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	res, err := f.Run(ctx)
	if err != nil {
		return err
	}
	fmt.Printf("fetched %d records into %d shards (%d duplicates dropped)\n", res.Records, len(res.Shards), res.Duplicates)
	if res.Truncated {
		fmt.Println("warning: stopped early at the read cap")
	}
	return nil
}
