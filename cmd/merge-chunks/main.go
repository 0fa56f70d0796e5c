// Command merge-chunks merges sorted chunk files into one globally
// sorted NDJSON stream. Chunk paths are read from a manifest, one path
// per line, in the order the sorter produced them; that order is the
// tie-break for equal keys.
package main

import (
	"context"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/jessevdk/go-flags"

	"github.com/wisepulse/silopipe"
	"github.com/wisepulse/silopipe/codec"
	"github.com/wisepulse/silopipe/merger"
	"github.com/wisepulse/silopipe/record"
	"github.com/wisepulse/silopipe/sorter"
)

type options struct {
	Manifest   string `short:"m" long:"manifest" description:"Manifest file listing chunk paths (reads stdin when omitted)"`
	Out        string `short:"o" long:"out" description:"Output file; compressed by extension (writes stdout when omitted)"`
	ScratchDir string `long:"scratch-dir" description:"Directory for intermediate pass files" default:"merge-scratch"`
	FanIn      int    `long:"fan-in" description:"Maximum files merged in one pass" default:"64"`
	Key        string `long:"key" description:"Field path of the numeric sort key" default:"/submittedAtTimestamp"`
	ID         string `long:"id" description:"Field path of the record identifier" default:"/sampleId"`
	Verbose    bool   `short:"v" long:"verbose" description:"Enable debug logging"`
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
		logger.Error("merge failed", "error", err)
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

	manifest, err := readManifest(opts.Manifest)
	if err != nil {
		return silopipe.E(silopipe.KindInput, err)
	}

	m, err := merger.New(ex, merger.Options{
		FanIn:      opts.FanIn,
		ScratchDir: opts.ScratchDir,
		Logger:     logger,
	})
	if err != nil {
		return silopipe.E(silopipe.KindInput, err)
	}

	out, cleanup, err := openOut(opts.Out)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := m.Merge(ctx, manifest.Paths, out); err != nil {
		cleanup()
		return err
	}
	return cleanup()
}

func readManifest(path string) (*sorter.Manifest, error) {
	if path == "" {
		return sorter.ReadManifest(os.Stdin)
	}
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	return sorter.ReadManifest(f)
}

// openOut returns the output writer and a cleanup that flushes and
// closes it. Compression follows the file extension.
func openOut(path string) (io.Writer, func() error, error) {
	if path == "" {
		return os.Stdout, func() error { return nil }, nil
	}
	f, err := os.Create(path)
	if err != nil {
		return nil, nil, err
	}
	w, err := codec.ForPath(path).NewWriter(f)
	if err != nil {
		f.Close()
		return nil, nil, err
	}
	cleanup := func() error {
		if err := w.Close(); err != nil {
			f.Close()
			return err
		}
		return f.Close()
	}
	return w, cleanup, nil
}
