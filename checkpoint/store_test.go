package checkpoint

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wisepulse/silopipe"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	dir := t.TempDir()
	return NewStore(nil, filepath.Join(dir, ".last_update"), filepath.Join(dir, ".next_timestamp"))
}

func TestStoreEmpty(t *testing.T) {
	s := newTestStore(t)

	_, ok, err := s.Committed()
	require.NoError(t, err)
	assert.False(t, ok)

	_, ok, err = s.Pending()
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestStorePendingLifecycle(t *testing.T) {
	s := newTestStore(t)

	require.NoError(t, s.WritePending(110))
	ts, ok, err := s.Pending()
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, int64(110), ts)

	require.NoError(t, s.ClearPending())
	_, ok, err = s.Pending()
	require.NoError(t, err)
	assert.False(t, ok)

	// Clearing twice is fine.
	require.NoError(t, s.ClearPending())
}

func TestStorePromote(t *testing.T) {
	s := newTestStore(t)

	require.NoError(t, s.Promote(100))
	ts, ok, err := s.Committed()
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, int64(100), ts)

	require.NoError(t, s.Promote(110))
	ts, _, _ = s.Committed()
	assert.Equal(t, int64(110), ts)

	// Promoting the same value again is idempotent.
	require.NoError(t, s.Promote(110))
}

func TestStorePromoteRefusesRegression(t *testing.T) {
	s := newTestStore(t)
	require.NoError(t, s.Promote(100))

	err := s.Promote(99)
	require.Error(t, err)
	assert.Equal(t, silopipe.KindIntegrity, silopipe.KindOf(err))

	ts, _, _ := s.Committed()
	assert.Equal(t, int64(100), ts, "committed must be unchanged after refused promote")
}

func TestStoreCorruptFile(t *testing.T) {
	dir := t.TempDir()
	committed := filepath.Join(dir, ".last_update")
	require.NoError(t, os.WriteFile(committed, []byte("not a number"), 0o644))

	s := NewStore(nil, committed, filepath.Join(dir, ".next_timestamp"))
	_, _, err := s.Committed()
	require.Error(t, err)
	assert.Equal(t, silopipe.KindIntegrity, silopipe.KindOf(err))
}

func TestStoreTrimsWhitespace(t *testing.T) {
	dir := t.TempDir()
	committed := filepath.Join(dir, ".last_update")
	require.NoError(t, os.WriteFile(committed, []byte("1700000000\n"), 0o644))

	s := NewStore(nil, committed, filepath.Join(dir, ".next_timestamp"))
	ts, ok, err := s.Committed()
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, int64(1700000000), ts)
}
