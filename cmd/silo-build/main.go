// Command silo-build runs one end-to-end index build: change check,
// cleanup, fetch, sort, merge, compile, commit or rollback.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/jessevdk/go-flags"

	"github.com/wisepulse/silopipe"
	"github.com/wisepulse/silopipe/archive"
	"github.com/wisepulse/silopipe/build"
	"github.com/wisepulse/silopipe/config"
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

	logger := newLogger(opts.Verbose)
	if err := run(opts, logger); err != nil {
		logger.Error("build failed", "error", err)
		os.Exit(silopipe.ExitCode(err))
	}
}

func run(opts options, logger *slog.Logger) error {
	cfg, err := config.FromFile(opts.Config)
	if err != nil {
		return silopipe.E(silopipe.KindInput, err)
	}

	deps := build.Deps{Logger: logger}
	if cfg.Archive.Enabled {
		store, err := archive.NewS3(archive.S3Options{
			Endpoint:  cfg.Archive.Endpoint,
			AccessKey: cfg.Archive.AccessKey,
			SecretKey: cfg.Archive.SecretKey,
			Bucket:    cfg.Archive.Bucket,
			UseSSL:    cfg.Archive.UseSSL,
		})
		if err != nil {
			return err
		}
		deps.Archive = store
	}

	c, err := build.New(cfg, deps)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	report, err := c.Run(ctx)
	if err != nil {
		return err
	}
	switch report.Outcome {
	case build.OutcomeCommitted:
		fmt.Printf("committed %s (%d records)\n", report.BuildID, report.Records)
	default:
		fmt.Println("no new data, nothing built")
	}
	return nil
}

func newLogger(verbose bool) *slog.Logger {
	level := slog.LevelInfo
	if verbose {
		level = slog.LevelDebug
	}
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
}
