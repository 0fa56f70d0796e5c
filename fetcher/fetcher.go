package fetcher

import (
	"bufio"
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/wisepulse/silopipe/codec"
	"github.com/wisepulse/silopipe/internal/fsx"
	"github.com/wisepulse/silopipe/record"
)

// Options configures a Fetcher.
type Options struct {
	// StartDate is the newest sampling date fetched; the fetcher walks
	// backwards from here.
	StartDate time.Time

	// Days is how many days backwards are covered, StartDate included.
	Days int

	// MaxReads caps the total number of records across the run. The
	// fetcher stops before a day that would exceed the cap.
	MaxReads int

	// MaxPerPage is the pagination page size.
	MaxPerPage int

	// OutputDir receives one shard file per non-empty day.
	OutputDir string

	// Codec compresses shard files. Defaults to zstd.
	Codec codec.Codec

	// FS is the filesystem seam. Defaults to the local filesystem.
	FS fsx.FileSystem

	// Logger defaults to slog.Default().
	Logger *slog.Logger
}

func (o *Options) fill() {
	if o.Codec == nil {
		o.Codec = codec.Zstd{}
	}
	o.FS = fsx.Or(o.FS)
	if o.Logger == nil {
		o.Logger = slog.Default()
	}
}

// Result reports what a fetch run produced.
type Result struct {
	// Shards lists the written shard files, newest day first.
	Shards []string

	// Records is the total number of records written.
	Records int

	// Duplicates counts records replaced by a later occurrence of the
	// same ID.
	Duplicates int

	// DaysWithData counts days that yielded at least one record.
	DaysWithData int

	// Truncated is set when the run stopped early at MaxReads.
	Truncated bool
}

// Fetcher retrieves all records in a time window and writes them as
// durable shard files, one per non-empty day.
type Fetcher struct {
	client *Client
	ex     *record.Extractor
	opts   Options
}

// New creates a Fetcher.
func New(client *Client, ex *record.Extractor, opts Options) (*Fetcher, error) {
	if opts.Days <= 0 {
		return nil, fmt.Errorf("days must be positive, got %d", opts.Days)
	}
	if opts.MaxPerPage <= 0 {
		return nil, fmt.Errorf("page size must be positive, got %d", opts.MaxPerPage)
	}
	if opts.OutputDir == "" {
		return nil, fmt.Errorf("output directory is required")
	}
	opts.fill()
	return &Fetcher{client: client, ex: ex, opts: opts}, nil
}

// Run walks the window day by day, newest first. A failed day aborts
// the run but leaves already-written shards on disk; whole-run rollback
// is the build controller's call, not the fetcher's.
func (f *Fetcher) Run(ctx context.Context) (*Result, error) {
	if err := f.opts.FS.MkdirAll(f.opts.OutputDir, 0o755); err != nil {
		return nil, fmt.Errorf("create output directory: %w", err)
	}

	res := &Result{}
	day := f.opts.StartDate

	for i := 0; i < f.opts.Days; i++ {
		if err := ctx.Err(); err != nil {
			return res, err
		}
		date := day.Format("2006-01-02")

		lines, dups, err := f.fetchDay(ctx, date)
		if err != nil {
			return res, fmt.Errorf("fetch %s: %w", date, err)
		}

		if len(lines) > 0 {
			if f.opts.MaxReads > 0 && res.Records+len(lines) > f.opts.MaxReads {
				f.opts.Logger.Info("read limit reached, stopping",
					"date", date, "records", res.Records, "max_reads", f.opts.MaxReads)
				res.Truncated = true
				break
			}

			shard, err := f.writeShard(date, lines)
			if err != nil {
				return res, fmt.Errorf("write shard for %s: %w", date, err)
			}
			res.Shards = append(res.Shards, shard)
			res.Records += len(lines)
			res.Duplicates += dups
			res.DaysWithData++

			f.opts.Logger.Info("day fetched",
				"date", date, "records", len(lines), "duplicates", dups)
		} else {
			f.opts.Logger.Debug("no samples for date", "date", date)
		}

		day = day.AddDate(0, 0, -1)
	}

	f.opts.Logger.Info("fetch finished",
		"shards", len(res.Shards), "records", res.Records,
		"duplicates", res.Duplicates, "truncated", res.Truncated)
	return res, nil
}

// fetchDay pages through one sampling date. Pages overlap when the API
// breaks a tie on the ordering field across a page boundary, and the
// same ID can also legitimately reappear within a date; both cases are
// deduplicated by record ID, keeping the last occurrence seen.
func (f *Fetcher) fetchDay(ctx context.Context, date string) ([][]byte, int, error) {
	q := DetailsQuery{
		SamplingDate: date,
		OrderBy:      f.orderField(),
		Limit:        f.opts.MaxPerPage,
	}

	var lines [][]byte
	index := make(map[string]int)
	dups := 0

	for {
		page, err := f.client.DetailsPage(ctx, q)
		if err != nil {
			return nil, 0, err
		}
		for _, raw := range page {
			id, err := f.ex.ID(raw)
			if err != nil {
				return nil, 0, err
			}
			if at, seen := index[id]; seen {
				lines[at] = raw
				dups++
				continue
			}
			index[id] = len(lines)
			lines = append(lines, raw)
		}
		if len(page) < f.opts.MaxPerPage {
			return lines, dups, nil
		}
		q.Offset += len(page)
	}
}

// orderField is the API-side ordering field for pagination, derived
// from the extractor's key path.
func (f *Fetcher) orderField() string {
	kp := f.ex.KeyPath()
	if len(kp) == 0 {
		return ""
	}
	return kp[len(kp)-1]
}

// writeShard durably writes one day's records: temp file, sync, rename,
// directory sync. A crash mid-write never leaves a half shard behind.
func (f *Fetcher) writeShard(date string, lines [][]byte) (string, error) {
	name := fmt.Sprintf("shard-%s.ndjson%s", date, f.opts.Codec.Ext())
	path := filepath.Join(f.opts.OutputDir, name)
	tmp := path + ".tmp"

	file, err := f.opts.FS.OpenFile(tmp, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o644)
	if err != nil {
		return "", err
	}
	fail := func(err error) (string, error) {
		file.Close()
		f.opts.FS.Remove(tmp)
		return "", err
	}

	w, err := f.opts.Codec.NewWriter(file)
	if err != nil {
		return fail(err)
	}
	bw := bufio.NewWriter(w)
	for _, line := range lines {
		if _, err := bw.Write(line); err != nil {
			return fail(err)
		}
		if err := bw.WriteByte('\n'); err != nil {
			return fail(err)
		}
	}
	if err := bw.Flush(); err != nil {
		return fail(err)
	}
	if err := w.Close(); err != nil {
		return fail(err)
	}
	if err := file.Sync(); err != nil {
		return fail(err)
	}
	if err := file.Close(); err != nil {
		f.opts.FS.Remove(tmp)
		return "", err
	}
	if err := f.opts.FS.Rename(tmp, path); err != nil {
		f.opts.FS.Remove(tmp)
		return "", err
	}
	if err := fsx.SyncDir(f.opts.FS, f.opts.OutputDir); err != nil {
		return "", err
	}
	return path, nil
}
