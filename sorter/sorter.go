// Package sorter turns an unbounded record stream into bounded-size
// sorted chunk files plus a manifest.
//
// Memory is O(chunk size): records accumulate in a buffer which is
// stable-sorted and flushed to a durable chunk file whenever it fills.
// The multiset of records across all chunks equals the input exactly;
// a record that cannot be keyed fails the sort rather than being
// dropped.
package sorter

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sort"

	"github.com/wisepulse/silopipe/codec"
	"github.com/wisepulse/silopipe/internal/fsx"
	"github.com/wisepulse/silopipe/record"
)

const (
	// maxLineBytes bounds a single NDJSON record line.
	maxLineBytes = 64 * 1024 * 1024

	chunkPerm = os.FileMode(0o644)
)

// Options configures a Sorter.
type Options struct {
	// ChunkSize is the maximum number of records per chunk.
	ChunkSize int

	// Dir is the directory chunk files are written into.
	Dir string

	// Prefix names the chunk files: "<prefix>-000001.ndjson.zst".
	// Defaults to "chunk".
	Prefix string

	// Codec compresses chunk files. Defaults to zstd.
	Codec codec.Codec

	// FS is the filesystem seam. Defaults to the local filesystem.
	FS fsx.FileSystem

	// Logger defaults to slog.Default().
	Logger *slog.Logger
}

func (o *Options) fill() {
	if o.Prefix == "" {
		o.Prefix = "chunk"
	}
	if o.Codec == nil {
		o.Codec = codec.Zstd{}
	}
	o.FS = fsx.Or(o.FS)
	if o.Logger == nil {
		o.Logger = slog.Default()
	}
}

// Sorter implements the chunked external sort.
type Sorter struct {
	ex   *record.Extractor
	opts Options
}

// New creates a Sorter. ChunkSize and Dir must be set.
func New(ex *record.Extractor, opts Options) (*Sorter, error) {
	if opts.ChunkSize <= 0 {
		return nil, fmt.Errorf("chunk size must be positive, got %d", opts.ChunkSize)
	}
	if opts.Dir == "" {
		return nil, fmt.Errorf("chunk directory is required")
	}
	opts.fill()
	return &Sorter{ex: ex, opts: opts}, nil
}

type bufferedRecord struct {
	key  int64
	line []byte
}

// Sort consumes NDJSON records from r (plain, zstd or lz4 framed) and
// writes sorted chunks, returning the manifest. Ties on the sort key
// preserve input order within each chunk.
func (s *Sorter) Sort(ctx context.Context, r io.Reader) (*Manifest, error) {
	in, err := codec.DetectReader(r)
	if err != nil {
		return nil, fmt.Errorf("open record stream: %w", err)
	}
	defer in.Close()

	if err := s.opts.FS.MkdirAll(s.opts.Dir, 0o755); err != nil {
		return nil, fmt.Errorf("create chunk directory: %w", err)
	}

	manifest := &Manifest{}
	buf := make([]bufferedRecord, 0, s.opts.ChunkSize)
	lineNo := 0

	sc := bufio.NewScanner(in)
	sc.Buffer(make([]byte, 0, 1024*1024), maxLineBytes)

	for sc.Scan() {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		lineNo++
		raw := sc.Bytes()
		if len(raw) == 0 {
			continue
		}
		key, err := s.ex.Key(raw)
		if err != nil {
			return nil, fmt.Errorf("record %d: %w", lineNo, err)
		}
		line := make([]byte, len(raw))
		copy(line, raw)
		buf = append(buf, bufferedRecord{key: key, line: line})

		if len(buf) >= s.opts.ChunkSize {
			if err := s.flush(manifest, buf); err != nil {
				return nil, err
			}
			buf = buf[:0]
		}
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("scan records: %w", err)
	}

	if len(buf) > 0 {
		if err := s.flush(manifest, buf); err != nil {
			return nil, err
		}
	}

	s.opts.Logger.Info("sort finished",
		"records", lineNo, "chunks", manifest.Len(), "dir", s.opts.Dir)
	return manifest, nil
}

// flush stable-sorts the buffer and writes it as the next chunk.
// The manifest entry is appended only after the chunk is renamed into
// place and the directory synced.
func (s *Sorter) flush(manifest *Manifest, buf []bufferedRecord) error {
	sort.SliceStable(buf, func(i, j int) bool { return buf[i].key < buf[j].key })

	name := fmt.Sprintf("%s-%06d.ndjson%s", s.opts.Prefix, manifest.Len()+1, s.opts.Codec.Ext())
	path := filepath.Join(s.opts.Dir, name)
	if err := s.writeChunk(path, buf); err != nil {
		return fmt.Errorf("write chunk %s: %w", name, err)
	}

	manifest.Append(path)
	s.opts.Logger.Debug("chunk flushed", "chunk", path, "records", len(buf))
	return nil
}

func (s *Sorter) writeChunk(path string, buf []bufferedRecord) error {
	tmp := path + ".tmp"
	f, err := s.opts.FS.OpenFile(tmp, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, chunkPerm)
	if err != nil {
		return err
	}

	fail := func(err error) error {
		f.Close()
		s.opts.FS.Remove(tmp)
		return err
	}

	w, err := s.opts.Codec.NewWriter(f)
	if err != nil {
		return fail(err)
	}
	bw := bufio.NewWriter(w)
	for _, rec := range buf {
		if _, err := bw.Write(rec.line); err != nil {
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
	if err := f.Sync(); err != nil {
		return fail(err)
	}
	if err := f.Close(); err != nil {
		s.opts.FS.Remove(tmp)
		return err
	}
	if err := s.opts.FS.Rename(tmp, path); err != nil {
		s.opts.FS.Remove(tmp)
		return err
	}
	return fsx.SyncDir(s.opts.FS, filepath.Dir(path))
}
