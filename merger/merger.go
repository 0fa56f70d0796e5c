// Package merger produces the single globally sorted record stream from
// a set of sorted chunk files.
//
// Chunks are merged through a min-heap. When more chunks exist than the
// fan-in limit allows open at once, the merge runs in passes: contiguous
// batches of chunks are merged into intermediate scratch files, which
// are themselves merged until one pass fits. The total order is
// (sort key, manifest position, intra-chunk order) and is byte-stable
// across repeated runs on identical input.
package merger

import (
	"bufio"
	"container/heap"
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/wisepulse/silopipe"
	"github.com/wisepulse/silopipe/codec"
	"github.com/wisepulse/silopipe/internal/fsx"
	"github.com/wisepulse/silopipe/record"
)

const maxLineBytes = 64 * 1024 * 1024

// Options configures a Merger.
type Options struct {
	// FanIn is the maximum number of files merged in one pass.
	// Defaults to 64; the minimum is 2.
	FanIn int

	// ScratchDir holds intermediate pass outputs. It is created if
	// missing, must be empty if it already exists, and is removed when
	// the merge ends, on success and failure alike.
	ScratchDir string

	// ScratchCodec compresses intermediate files. Defaults to lz4:
	// scratch files are deleted within the run, so speed wins over
	// ratio.
	ScratchCodec codec.Codec

	// FS is the filesystem seam. Defaults to the local filesystem.
	FS fsx.FileSystem

	// Logger defaults to slog.Default().
	Logger *slog.Logger
}

func (o *Options) fill() {
	if o.FanIn == 0 {
		o.FanIn = 64
	}
	if o.ScratchCodec == nil {
		o.ScratchCodec = codec.LZ4{}
	}
	o.FS = fsx.Or(o.FS)
	if o.Logger == nil {
		o.Logger = slog.Default()
	}
}

// Merger implements the bounded fan-in external merge.
type Merger struct {
	ex   *record.Extractor
	opts Options
}

// New creates a Merger. ScratchDir must be set and FanIn, if given,
// must be at least 2.
func New(ex *record.Extractor, opts Options) (*Merger, error) {
	if opts.FanIn != 0 && opts.FanIn < 2 {
		return nil, fmt.Errorf("fan-in must be at least 2, got %d", opts.FanIn)
	}
	if opts.ScratchDir == "" {
		return nil, fmt.Errorf("scratch directory is required")
	}
	opts.fill()
	return &Merger{ex: ex, opts: opts}, nil
}

// mergeInput is one file entering a merge pass. ordinal is the position
// of the file's first chunk in the aggregated manifest list; batches are
// contiguous, so ordering scratch files by ordinal preserves the global
// tie-break across passes.
type mergeInput struct {
	path    string
	ordinal int
}

// Merge merges the chunk files, listed in manifest order, into out.
func (m *Merger) Merge(ctx context.Context, chunks []string, out io.Writer) error {
	if len(chunks) == 0 {
		return silopipe.Errorf(silopipe.KindInput, "no chunks to merge")
	}

	// The scratch directory is deleted wholesale at the end, so a
	// directory that already holds unrelated content is refused rather
	// than silently destroyed.
	if entries, err := m.opts.FS.ReadDir(m.opts.ScratchDir); err != nil {
		if !os.IsNotExist(err) {
			return fmt.Errorf("inspect scratch directory: %w", err)
		}
	} else if len(entries) > 0 {
		return silopipe.Errorf(silopipe.KindInput,
			"scratch directory %s is not empty", m.opts.ScratchDir)
	}
	if err := m.opts.FS.MkdirAll(m.opts.ScratchDir, 0o755); err != nil {
		return fmt.Errorf("create scratch directory: %w", err)
	}
	defer m.opts.FS.RemoveAll(m.opts.ScratchDir)

	sources := make([]mergeInput, len(chunks))
	for i, c := range chunks {
		sources[i] = mergeInput{path: c, ordinal: i}
	}

	pass := 0
	for len(sources) > m.opts.FanIn {
		next := make([]mergeInput, 0, (len(sources)+m.opts.FanIn-1)/m.opts.FanIn)
		for start := 0; start < len(sources); start += m.opts.FanIn {
			end := min(start+m.opts.FanIn, len(sources))
			batch := sources[start:end]

			path, err := m.mergeBatchToScratch(ctx, batch, pass, len(next))
			if err != nil {
				return err
			}
			next = append(next, mergeInput{path: path, ordinal: batch[0].ordinal})
		}
		m.opts.Logger.Debug("merge pass complete",
			"pass", pass, "inputs", len(sources), "outputs", len(next))
		sources = next
		pass++
	}

	return m.mergeSet(ctx, sources, out)
}

func (m *Merger) mergeBatchToScratch(ctx context.Context, batch []mergeInput, pass, batchID int) (string, error) {
	name := fmt.Sprintf("merged-%d-%d.ndjson%s", pass, batchID, m.opts.ScratchCodec.Ext())
	path := filepath.Join(m.opts.ScratchDir, name)

	f, err := m.opts.FS.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o644)
	if err != nil {
		return "", fmt.Errorf("create scratch file %s: %w", name, err)
	}
	w, err := m.opts.ScratchCodec.NewWriter(f)
	if err != nil {
		f.Close()
		return "", err
	}
	if err := m.mergeSet(ctx, batch, w); err != nil {
		w.Close()
		f.Close()
		return "", err
	}
	if err := w.Close(); err != nil {
		f.Close()
		return "", fmt.Errorf("finish scratch file %s: %w", name, err)
	}
	if err := f.Close(); err != nil {
		return "", fmt.Errorf("finish scratch file %s: %w", name, err)
	}
	return path, nil
}

// mergeSet runs one heap merge over the given inputs into w.
func (m *Merger) mergeSet(ctx context.Context, inputs []mergeInput, w io.Writer) error {
	cursors := make([]*chunkCursor, 0, len(inputs))
	defer func() {
		for _, c := range cursors {
			c.close()
		}
	}()

	h := &mergeHeap{}
	for _, in := range inputs {
		cur, err := m.openCursor(in)
		if err != nil {
			return err
		}
		cursors = append(cursors, cur)

		entry, ok, err := cur.next()
		if err != nil {
			return err
		}
		if ok {
			heap.Push(h, entry)
		}
	}

	bw := bufio.NewWriterSize(w, 1024*1024)
	emitted := 0
	for h.Len() > 0 {
		if emitted%4096 == 0 {
			if err := ctx.Err(); err != nil {
				return err
			}
		}
		e := heap.Pop(h).(mergeEntry)
		if _, err := bw.Write(e.line); err != nil {
			return fmt.Errorf("write merged stream: %w", err)
		}
		if err := bw.WriteByte('\n'); err != nil {
			return fmt.Errorf("write merged stream: %w", err)
		}
		emitted++

		entry, ok, err := e.cur.next()
		if err != nil {
			return err
		}
		if ok {
			heap.Push(h, entry)
		}
	}
	return bw.Flush()
}

func (m *Merger) openCursor(in mergeInput) (*chunkCursor, error) {
	f, err := m.opts.FS.OpenFile(in.path, os.O_RDONLY, 0)
	if err != nil {
		return nil, silopipe.E(silopipe.KindIntegrity,
			fmt.Errorf("open chunk %s: %w", in.path, err))
	}
	r, err := codec.ForPath(in.path).NewReader(f)
	if err != nil {
		f.Close()
		return nil, silopipe.E(silopipe.KindIntegrity,
			fmt.Errorf("open chunk %s: %w", in.path, err))
	}
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 0, 1024*1024), maxLineBytes)
	return &chunkCursor{ex: m.ex, path: in.path, ordinal: in.ordinal, f: f, r: r, sc: sc}, nil
}

// chunkCursor walks one sorted input file record by record.
type chunkCursor struct {
	ex      *record.Extractor
	path    string
	ordinal int
	f       fsx.File
	r       io.ReadCloser
	sc      *bufio.Scanner
}

func (c *chunkCursor) next() (mergeEntry, bool, error) {
	for c.sc.Scan() {
		raw := c.sc.Bytes()
		if len(raw) == 0 {
			continue
		}
		key, err := c.ex.Key(raw)
		if err != nil {
			// Chunks are pipeline-produced; an unkeyable record here
			// means the chunk is corrupt, not that input was bad.
			return mergeEntry{}, false, silopipe.E(silopipe.KindIntegrity,
				fmt.Errorf("corrupt chunk %s: %w", c.path, err))
		}
		line := make([]byte, len(raw))
		copy(line, raw)
		return mergeEntry{key: key, ordinal: c.ordinal, line: line, cur: c}, true, nil
	}
	if err := c.sc.Err(); err != nil {
		return mergeEntry{}, false, silopipe.E(silopipe.KindIntegrity,
			fmt.Errorf("read chunk %s: %w", c.path, err))
	}
	return mergeEntry{}, false, nil
}

func (c *chunkCursor) close() {
	c.r.Close()
	c.f.Close()
}

type mergeEntry struct {
	key     int64
	ordinal int
	line    []byte
	cur     *chunkCursor
}

// mergeHeap is a min-heap over (key, ordinal). The heap holds at most
// one entry per cursor at a time, so intra-chunk order needs no third
// component: a chunk's next record only enters after its predecessor
// left.
type mergeHeap []mergeEntry

func (h mergeHeap) Len() int { return len(h) }
func (h mergeHeap) Less(i, j int) bool {
	if h[i].key != h[j].key {
		return h[i].key < h[j].key
	}
	return h[i].ordinal < h[j].ordinal
}
func (h mergeHeap) Swap(i, j int) { h[i], h[j] = h[j], h[i] }

func (h *mergeHeap) Push(x any) { *h = append(*h, x.(mergeEntry)) }
func (h *mergeHeap) Pop() any {
	old := *h
	n := len(old)
	e := old[n-1]
	*h = old[:n-1]
	return e
}
