package sorter

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"golang.org/x/sync/errgroup"

	"github.com/wisepulse/silopipe/internal/fsx"
	"github.com/wisepulse/silopipe/record"
	"github.com/wisepulse/silopipe/resource"
)

// SortShards sorts independent shard files concurrently, each into its
// own set of chunks under opts.Dir. Concurrency is bounded by the
// resource controller's worker slots. The returned manifests are in
// shard order regardless of completion order, so downstream merging
// sees a deterministic chunk list.
func SortShards(ctx context.Context, ex *record.Extractor, shards []string, opts Options, rc *resource.Controller) ([]*Manifest, error) {
	manifests := make([]*Manifest, len(shards))
	fs := fsx.Or(opts.FS)

	g, gctx := errgroup.WithContext(ctx)
	for i, shard := range shards {
		i, shard := i, shard
		g.Go(func() error {
			if err := rc.AcquireWorker(gctx); err != nil {
				return err
			}
			defer rc.ReleaseWorker()

			shardOpts := opts
			shardOpts.Prefix = shardPrefix(shard)

			s, err := New(ex, shardOpts)
			if err != nil {
				return err
			}

			f, err := fs.OpenFile(shard, os.O_RDONLY, 0)
			if err != nil {
				return fmt.Errorf("open shard %s: %w", shard, err)
			}
			defer f.Close()

			m, err := s.Sort(gctx, f)
			if err != nil {
				return fmt.Errorf("sort shard %s: %w", shard, err)
			}
			manifests[i] = m
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return manifests, nil
}

// shardPrefix derives a chunk-file prefix from the shard file name so
// chunks of different shards cannot collide in a shared directory.
func shardPrefix(shard string) string {
	base := filepath.Base(shard)
	base = strings.TrimSuffix(base, ".zst")
	base = strings.TrimSuffix(base, ".lz4")
	base = strings.TrimSuffix(base, ".ndjson")
	return base
}
