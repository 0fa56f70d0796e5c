package archive

import (
	"context"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wisepulse/silopipe/internal/fsx"
)

type memStore struct {
	objects map[string][]byte
	fail    error
}

func (m *memStore) Put(ctx context.Context, key string, r io.Reader, size int64) error {
	if m.fail != nil {
		return m.fail
	}
	data, err := io.ReadAll(r)
	if err != nil {
		return err
	}
	if m.objects == nil {
		m.objects = make(map[string][]byte)
	}
	m.objects[key] = data
	return nil
}

func TestUploadVersion(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "index.ndjson"), []byte("a\nb\n"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "metadata.json"), []byte("{}"), 0o644))

	store := &memStore{}
	err := UploadVersion(context.Background(), store, fsx.Default, dir, "silo", "00000000000000000042", slog.Default())
	require.NoError(t, err)

	require.Len(t, store.objects, 2)
	assert.Equal(t, []byte("a\nb\n"), store.objects["silo/00000000000000000042/index.ndjson"])
	assert.Equal(t, []byte("{}"), store.objects["silo/00000000000000000042/metadata.json"])
}

func TestUploadVersionWalksSubdirectories(t *testing.T) {
	// A compiler may emit nested artifacts; keys mirror the layout.
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "index.ndjson"), []byte("a\n"), 0o644))
	require.NoError(t, os.MkdirAll(filepath.Join(dir, "columns", "nuc"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "columns", "dates.bin"), []byte("d"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "columns", "nuc", "a.bin"), []byte("n"), 0o644))

	store := &memStore{}
	err := UploadVersion(context.Background(), store, fsx.Default, dir, "silo", "00000000000000000042", slog.Default())
	require.NoError(t, err)

	require.Len(t, store.objects, 3)
	assert.Equal(t, []byte("a\n"), store.objects["silo/00000000000000000042/index.ndjson"])
	assert.Equal(t, []byte("d"), store.objects["silo/00000000000000000042/columns/dates.bin"])
	assert.Equal(t, []byte("n"), store.objects["silo/00000000000000000042/columns/nuc/a.bin"])
}

func TestUploadVersionEmptyPrefix(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "index.ndjson"), []byte("x"), 0o644))

	store := &memStore{}
	require.NoError(t, UploadVersion(context.Background(), store, fsx.Default, dir, "", "00000000000000000001", slog.Default()))
	_, ok := store.objects["00000000000000000001/index.ndjson"]
	assert.True(t, ok)
}

func TestUploadVersionPropagatesPutError(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "index.ndjson"), []byte("x"), 0o644))

	store := &memStore{fail: io.ErrUnexpectedEOF}
	err := UploadVersion(context.Background(), store, fsx.Default, dir, "silo", "00000000000000000001", slog.Default())
	assert.ErrorIs(t, err, io.ErrUnexpectedEOF)
}
