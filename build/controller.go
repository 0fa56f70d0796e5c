package build

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/wisepulse/silopipe"
	"github.com/wisepulse/silopipe/archive"
	"github.com/wisepulse/silopipe/checkpoint"
	"github.com/wisepulse/silopipe/codec"
	"github.com/wisepulse/silopipe/config"
	"github.com/wisepulse/silopipe/fetcher"
	"github.com/wisepulse/silopipe/internal/fsx"
	"github.com/wisepulse/silopipe/merger"
	"github.com/wisepulse/silopipe/record"
	"github.com/wisepulse/silopipe/resource"
	"github.com/wisepulse/silopipe/sorter"
)

// Outcome is the result of a build run.
type Outcome int

const (
	// OutcomeSkipped means the change check found nothing new.
	OutcomeSkipped Outcome = iota

	// OutcomeCommitted means a new index version was committed.
	OutcomeCommitted
)

func (o Outcome) String() string {
	if o == OutcomeCommitted {
		return "committed"
	}
	return "skipped"
}

// Report summarizes one build run.
type Report struct {
	RunID   string
	Outcome Outcome

	// BuildID is set when a version was committed.
	BuildID string

	// Records is the number of records fetched into the new version.
	Records int

	// RemovedVersions lists build IDs deleted by retention.
	RemovedVersions []string
}

// Deps are the controller's collaborators. Zero-value fields get
// production defaults derived from the configuration; tests inject
// fakes.
type Deps struct {
	// Detect runs the change check. Defaults to a checkpoint.Detector
	// over the configured API.
	Detect func(ctx context.Context) (checkpoint.Outcome, int64, error)

	// Fetch retrieves the window's records into outputDir as shard
	// files. Defaults to a fetcher.Fetcher over the configured API.
	Fetch func(ctx context.Context, outputDir string) (*fetcher.Result, error)

	// Compiler builds the index from the sorted stream. Defaults to
	// the configured external command.
	Compiler IndexCompiler

	// Server controls the serving process. Defaults to the configured
	// external commands.
	Server ServerControl

	// Archive receives committed versions, best effort. Nil disables
	// archiving.
	Archive archive.Store

	FS     fsx.FileSystem
	Logger *slog.Logger
	Now    func() time.Time
}

// Controller drives one build run end to end. A Controller is safe for
// concurrent use in the sense that overlapping Run calls are refused,
// never interleaved.
type Controller struct {
	cfg       config.Config
	ex        *record.Extractor
	store     *checkpoint.Store
	resources *resource.Controller
	deps      Deps
	running   atomic.Bool
}

// New wires a Controller from the configuration. cfg must have passed
// Validate.
func New(cfg config.Config, deps Deps) (*Controller, error) {
	keyPath, err := record.ParseFieldPath(cfg.API.TimestampField)
	if err != nil {
		return nil, err
	}
	idPath, err := record.ParseFieldPath(cfg.API.IDField)
	if err != nil {
		return nil, err
	}
	ex := record.NewExtractor(keyPath, idPath)

	deps.FS = fsx.Or(deps.FS)
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	if deps.Now == nil {
		deps.Now = time.Now
	}
	if deps.Compiler == nil {
		deps.Compiler = &ExecCompiler{Command: cfg.Build.CompilerCommand, Logger: deps.Logger}
	}
	if deps.Server == nil {
		deps.Server = &ExecServerControl{
			StartCommand: cfg.Build.ServerStartCommand,
			StopCommand:  cfg.Build.ServerStopCommand,
			Logger:       deps.Logger,
		}
	}

	rc := resource.NewController(resource.Config{
		MaxSortWorkers:    cfg.Sort.Workers,
		APIRequestsPerSec: cfg.API.RequestsPerSec,
	})
	store := checkpoint.NewStore(deps.FS, cfg.Paths.CommittedFile, cfg.Paths.PendingFile)

	c := &Controller{
		cfg:       cfg,
		ex:        ex,
		store:     store,
		resources: rc,
		deps:      deps,
	}

	if deps.Detect == nil || deps.Fetch == nil {
		client, err := fetcher.NewClient(fetcher.ClientOptions{
			BaseURL:    cfg.API.BaseURL,
			Organism:   cfg.API.Organism,
			MaxRetries: cfg.API.MaxRetries,
			Resources:  rc,
			Logger:     deps.Logger,
		})
		if err != nil {
			return nil, err
		}
		if deps.Detect == nil {
			det, err := checkpoint.NewDetector(client, ex, store, checkpoint.DetectorOptions{
				WindowDays: cfg.Fetch.Days,
				PageSize:   cfg.Fetch.MaxPerPage,
				Now:        deps.Now,
				Logger:     deps.Logger,
			})
			if err != nil {
				return nil, err
			}
			c.deps.Detect = det.Check
		}
		if deps.Fetch == nil {
			c.deps.Fetch = func(ctx context.Context, outputDir string) (*fetcher.Result, error) {
				f, err := fetcher.New(client, ex, fetcher.Options{
					StartDate:  c.deps.Now(),
					Days:       cfg.Fetch.Days,
					MaxReads:   cfg.Fetch.MaxReads,
					MaxPerPage: cfg.Fetch.MaxPerPage,
					OutputDir:  outputDir,
					FS:         c.deps.FS,
					Logger:     c.deps.Logger,
				})
				if err != nil {
					return nil, err
				}
				return f.Run(ctx)
			}
		}
	}
	return c, nil
}

// Run performs one build: change check, cleanup, fetch, sort, merge,
// compile, then commit or rollback. Exactly one of the two terminal
// effects happens: a fully committed new version, or the previous
// version still serving with checkpoints untouched.
func (c *Controller) Run(ctx context.Context) (*Report, error) {
	if !c.running.CompareAndSwap(false, true) {
		return nil, silopipe.Errorf(silopipe.KindConcurrency, "a build is already running in this process")
	}
	defer c.running.Store(false)

	runID := uuid.NewString()
	log := c.deps.Logger.With("run_id", runID)
	fs := c.deps.FS
	root := c.cfg.Paths.VersionsRoot
	report := &Report{RunID: runID, Outcome: OutcomeSkipped}

	log.Info("build state", "state", "checking")
	outcome, pending, err := c.deps.Detect(ctx)
	if err != nil {
		return nil, err
	}
	if outcome == checkpoint.NoNewData {
		log.Info("no new data, skipping build")
		return report, nil
	}

	log.Info("build state", "state", "cleaning")
	if err := fs.MkdirAll(root, 0o755); err != nil {
		return nil, fmt.Errorf("create versions root: %w", err)
	}
	if id, ok, err := readMarker(fs, root); err != nil {
		return nil, err
	} else if ok {
		log.Warn("found leftover build marker, rolling interrupted build back", "build_id", id)
		if err := c.rollbackVersion(ctx, id, log); err != nil {
			return nil, err
		}
	}
	removed, err := applyRetention(fs, root, RetentionPolicy{
		MaxAge:  c.cfg.Retention.MaxAge.Std(),
		MinKeep: c.cfg.Retention.MinKeep,
	}, c.deps.Now(), log)
	if err != nil {
		return nil, err
	}
	report.RemovedVersions = removed

	if err := c.store.WritePending(pending); err != nil {
		return nil, err
	}

	log.Info("build state", "state", "fetching", "pending_timestamp", pending)
	runDir := filepath.Join(c.cfg.Paths.WorkDir, "run-"+runID)
	defer fs.RemoveAll(runDir)

	res, err := c.deps.Fetch(ctx, filepath.Join(runDir, "shards"))
	if err != nil {
		c.discardPending(log)
		return nil, err
	}
	report.Records = res.Records
	if len(res.Shards) == 0 {
		// The detector saw new submissions but none fall inside the
		// sampling-date window; nothing to build.
		log.Info("fetch produced no shards, skipping build")
		c.discardPending(log)
		return report, nil
	}

	log.Info("build state", "state", "preparing")
	if err := c.preflight(root); err != nil {
		c.discardPending(log)
		return nil, err
	}
	if _, ok, err := readMarker(fs, root); err != nil {
		c.discardPending(log)
		return nil, err
	} else if ok {
		c.discardPending(log)
		return nil, silopipe.Errorf(silopipe.KindConcurrency, "another build appeared while this one was fetching")
	}

	buildID := formatBuildID(c.deps.Now())
	if err := writeMarker(fs, root, buildID); err != nil {
		c.discardPending(log)
		return nil, err
	}
	if err := c.deps.Server.Stop(ctx); err != nil {
		return nil, c.rollback(ctx, buildID, fmt.Errorf("stop server: %w", err), log)
	}

	log.Info("build state", "state", "processing", "build_id", buildID, "shards", len(res.Shards))
	versionDir := filepath.Join(root, buildID)
	if err := c.process(ctx, res.Shards, runDir, versionDir, log); err != nil {
		return nil, c.rollback(ctx, buildID, err, log)
	}

	log.Info("build state", "state", "committing", "build_id", buildID)
	entries, err := fs.ReadDir(versionDir)
	if err != nil || len(entries) == 0 {
		return nil, c.rollback(ctx, buildID, silopipe.Errorf(silopipe.KindIntegrity, "compiled version %s is empty", buildID), log)
	}
	if err := removeMarker(fs, root); err != nil {
		return nil, c.rollback(ctx, buildID, err, log)
	}

	latest, ok, err := latestVersion(fs, root)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, silopipe.Errorf(silopipe.KindIntegrity, "no version present after commit of %s", buildID)
	}
	if err := c.deps.Server.Start(ctx, filepath.Join(root, latest)); err != nil {
		c.discardPending(log)
		return nil, err
	}
	if err := c.store.Promote(pending); err != nil {
		c.discardPending(log)
		return nil, err
	}
	c.discardPending(log)

	report.Outcome = OutcomeCommitted
	report.BuildID = buildID
	log.Info("build committed", "build_id", buildID, "records", res.Records)

	if c.deps.Archive != nil {
		if err := archive.UploadVersion(ctx, c.deps.Archive, fs, versionDir, c.cfg.Archive.Prefix, buildID, log); err != nil {
			log.Warn("archive upload failed", "build_id", buildID, "error", err)
		}
	}
	return report, nil
}

// process sorts the shards, merges the chunks into one globally sorted
// stream, and compiles it into versionDir.
func (c *Controller) process(ctx context.Context, shards []string, runDir, versionDir string, log *slog.Logger) error {
	fs := c.deps.FS

	manifests, err := sorter.SortShards(ctx, c.ex, shards, sorter.Options{
		ChunkSize: c.cfg.Sort.ChunkSize,
		Dir:       filepath.Join(runDir, "chunks"),
		FS:        fs,
		Logger:    log,
	}, c.resources)
	if err != nil {
		return err
	}

	var chunks []string
	for _, m := range manifests {
		chunks = append(chunks, m.Paths...)
	}
	log.Info("shards sorted", "shards", len(shards), "chunks", len(chunks))

	sortedPath := filepath.Join(runDir, "sorted.ndjson.zst")
	if err := c.mergeToFile(ctx, chunks, runDir, sortedPath); err != nil {
		return err
	}

	if err := fs.MkdirAll(versionDir, 0o755); err != nil {
		return fmt.Errorf("create version directory: %w", err)
	}
	in, err := c.openSorted(sortedPath)
	if err != nil {
		return err
	}
	defer in.Close()
	return c.deps.Compiler.Compile(ctx, in, versionDir)
}

func (c *Controller) mergeToFile(ctx context.Context, chunks []string, runDir, sortedPath string) error {
	m, err := merger.New(c.ex, merger.Options{
		FanIn:      c.cfg.Merge.FanIn,
		ScratchDir: filepath.Join(runDir, "scratch"),
		FS:         c.deps.FS,
		Logger:     c.deps.Logger,
	})
	if err != nil {
		return err
	}

	f, err := c.deps.FS.OpenFile(sortedPath, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o644)
	if err != nil {
		return fmt.Errorf("create sorted stream: %w", err)
	}
	zw, err := codec.Zstd{}.NewWriter(f)
	if err != nil {
		f.Close()
		return err
	}
	if err := m.Merge(ctx, chunks, zw); err != nil {
		zw.Close()
		f.Close()
		return err
	}
	if err := zw.Close(); err != nil {
		f.Close()
		return fmt.Errorf("finish sorted stream: %w", err)
	}
	return f.Close()
}

func (c *Controller) openSorted(path string) (io.ReadCloser, error) {
	f, err := c.deps.FS.OpenFile(path, os.O_RDONLY, 0)
	if err != nil {
		return nil, fmt.Errorf("open sorted stream: %w", err)
	}
	zr, err := codec.Zstd{}.NewReader(f)
	if err != nil {
		f.Close()
		return nil, err
	}
	return readCloserPair{zr, f}, nil
}

type readCloserPair struct {
	io.ReadCloser
	under io.Closer
}

func (p readCloserPair) Close() error {
	err := p.ReadCloser.Close()
	if cerr := p.under.Close(); err == nil {
		err = cerr
	}
	return err
}

// rollback undoes a marked build and re-points the server at the
// previous version. The returned error wraps cause.
func (c *Controller) rollback(ctx context.Context, buildID string, cause error, log *slog.Logger) error {
	log.Warn("rolling build back", "build_id", buildID, "cause", cause)
	if err := c.rollbackVersion(ctx, buildID, log); err != nil {
		log.Error("rollback incomplete", "build_id", buildID, "error", err)
	}
	return fmt.Errorf("build %s rolled back: %w", buildID, cause)
}

// rollbackVersion deletes the version directory and marker for buildID,
// restarts the server on the newest surviving version, and discards the
// pending checkpoint. The committed checkpoint is never touched here.
func (c *Controller) rollbackVersion(ctx context.Context, buildID string, log *slog.Logger) error {
	fs := c.deps.FS
	root := c.cfg.Paths.VersionsRoot

	if err := fs.RemoveAll(filepath.Join(root, buildID)); err != nil {
		return fmt.Errorf("remove version %s: %w", buildID, err)
	}
	if err := removeMarker(fs, root); err != nil {
		return fmt.Errorf("remove build marker: %w", err)
	}
	c.discardPending(log)

	prev, ok, err := latestVersion(fs, root)
	if err != nil {
		return err
	}
	if !ok {
		log.Warn("no previous version to serve after rollback")
		return nil
	}
	if err := c.deps.Server.Start(ctx, filepath.Join(root, prev)); err != nil {
		return fmt.Errorf("restart server on %s: %w", prev, err)
	}
	log.Info("serving previous version after rollback", "build_id", prev)
	return nil
}

func (c *Controller) discardPending(log *slog.Logger) {
	if err := c.store.ClearPending(); err != nil {
		log.Warn("could not clear pending checkpoint", "error", err)
	}
}

func (c *Controller) preflight(root string) error {
	min := c.cfg.Build.MinFreeBytes
	if min == 0 {
		return nil
	}
	free, err := diskFree(root)
	if err != nil {
		return fmt.Errorf("check free disk space: %w", err)
	}
	if free > 0 && free < min {
		return fmt.Errorf("insufficient disk space under %s: %d bytes free, %d required", root, free, min)
	}
	return nil
}
