// Command sort-chunks splits an NDJSON stream into sorted, compressed
// chunk files and prints the chunk manifest to stdout.
package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/jessevdk/go-flags"

	"github.com/wisepulse/silopipe"
	"github.com/wisepulse/silopipe/record"
	"github.com/wisepulse/silopipe/sorter"
)

type options struct {
	Input     string `short:"i" long:"input" description:"Input NDJSON file, plain or compressed (reads stdin when omitted)"`
	OutDir    string `short:"o" long:"out-dir" description:"Directory chunk files are written into" required:"true"`
	ChunkSize int    `long:"chunk-size" description:"Maximum records held in memory per chunk" default:"100000"`
	Key       string `long:"key" description:"Field path of the numeric sort key" default:"/submittedAtTimestamp"`
	ID        string `long:"id" description:"Field path of the record identifier" default:"/sampleId"`
	Prefix    string `long:"prefix" description:"Chunk file name prefix" default:"chunk"`
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
		logger.Error("sort failed", "error", err)
		os.Exit(silopipe.ExitCode(err))
	}
}

func run(opts options, logger *slog.Logger) error {
	keyPath, err := record.ParseFieldPath(opts.Key)
	if err != nil {
		return silopipe.E(silopipe.KindInput, err)
	}
	idPath, err := record.ParseFieldPath(opts.ID)
	if err != nil {
		return silopipe.E(silopipe.KindInput, err)
	}
	ex := record.NewExtractor(keyPath, idPath)

	in := os.Stdin
	if opts.Input != "" {
		f, err := os.Open(opts.Input)
		if err != nil {
			return silopipe.E(silopipe.KindInput, err)
		}
		defer f.Close()
		in = f
	}

	s, err := sorter.New(ex, sorter.Options{
		ChunkSize: opts.ChunkSize,
		Dir:       opts.OutDir,
		Prefix:    opts.Prefix,
		Logger:    logger,
	})
	if err != nil {
		return silopipe.E(silopipe.KindInput, err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	manifest, err := s.Sort(ctx, in)
	if err != nil {
		return err
	}
	logger.Info("sorted", "chunks", manifest.Len())
	_, err = manifest.WriteTo(os.Stdout)
	return err
}
