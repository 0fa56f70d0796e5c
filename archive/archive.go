// Package archive uploads committed index versions to object storage.
// Uploads run after the commit point and are best effort: a failed
// upload never rolls a build back.
package archive

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path"
	"path/filepath"

	"github.com/wisepulse/silopipe/internal/fsx"
)

// Store writes objects to a bucket-like backend.
type Store interface {
	Put(ctx context.Context, key string, r io.Reader, size int64) error
}

// UploadVersion uploads every regular file under versionDir, walking
// subdirectories. Object keys mirror the directory layout:
// <prefix>/<buildID>/<relative path>.
func UploadVersion(ctx context.Context, store Store, fs fsx.FileSystem, versionDir, prefix, buildID string, logger *slog.Logger) error {
	if err := uploadDir(ctx, store, fs, versionDir, path.Join(prefix, buildID), logger); err != nil {
		return fmt.Errorf("archive version %s: %w", buildID, err)
	}
	return nil
}

func uploadDir(ctx context.Context, store Store, fs fsx.FileSystem, dir, keyPrefix string, logger *slog.Logger) error {
	entries, err := fs.ReadDir(dir)
	if err != nil {
		return fmt.Errorf("list %s: %w", dir, err)
	}

	for _, e := range entries {
		if e.IsDir() {
			if err := uploadDir(ctx, store, fs, filepath.Join(dir, e.Name()), path.Join(keyPrefix, e.Name()), logger); err != nil {
				return err
			}
			continue
		}
		key := path.Join(keyPrefix, e.Name())
		if err := uploadFile(ctx, store, fs, filepath.Join(dir, e.Name()), key); err != nil {
			return err
		}
		logger.Info("archived index file", "key", key)
	}
	return nil
}

func uploadFile(ctx context.Context, store Store, fs fsx.FileSystem, p, key string) error {
	f, err := fs.OpenFile(p, os.O_RDONLY, 0)
	if err != nil {
		return fmt.Errorf("open %s: %w", p, err)
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return fmt.Errorf("stat %s: %w", p, err)
	}

	if err := store.Put(ctx, key, f, info.Size()); err != nil {
		return fmt.Errorf("upload %s: %w", key, err)
	}
	return nil
}
