// Package checkpoint persists the pipeline's time watermark and decides
// whether a new build is worth running.
//
// Two scalar files make up the watermark state: the committed
// checkpoint (the lower bound already incorporated into the served
// index, never regressing) and the transient pending checkpoint (the
// candidate watermark of an in-flight build). Every mutation is
// write-then-rename so a crash cannot leave a torn state file.
package checkpoint

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"sync"

	"github.com/wisepulse/silopipe"
	"github.com/wisepulse/silopipe/internal/fsx"
)

// Store owns the committed and pending checkpoint files.
type Store struct {
	fs        fsx.FileSystem
	committed string
	pending   string
	mu        sync.Mutex
}

// NewStore creates a Store over the two state file paths.
func NewStore(fs fsx.FileSystem, committedPath, pendingPath string) *Store {
	return &Store{
		fs:        fsx.Or(fs),
		committed: committedPath,
		pending:   pendingPath,
	}
}

func (s *Store) read(path string) (int64, bool, error) {
	f, err := s.fs.OpenFile(path, os.O_RDONLY, 0)
	if os.IsNotExist(err) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, err
	}
	defer f.Close()

	buf := make([]byte, 64)
	n, err := f.Read(buf)
	if err != nil && n == 0 {
		return 0, false, fmt.Errorf("read %s: %w", path, err)
	}
	ts, err := strconv.ParseInt(strings.TrimSpace(string(buf[:n])), 10, 64)
	if err != nil {
		return 0, false, silopipe.Errorf(silopipe.KindIntegrity,
			"corrupt timestamp file %s: %v", path, err)
	}
	return ts, true, nil
}

// Committed returns the committed checkpoint, with ok=false when no
// run has ever committed.
func (s *Store) Committed() (ts int64, ok bool, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.read(s.committed)
}

// Pending returns the pending checkpoint, with ok=false when none is
// in flight.
func (s *Store) Pending() (ts int64, ok bool, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.read(s.pending)
}

// WritePending records the candidate watermark for the build about to
// run.
func (s *Store) WritePending(ts int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return fsx.WriteFileAtomic(s.fs, s.pending, []byte(strconv.FormatInt(ts, 10)), 0o644)
}

// ClearPending discards the pending checkpoint. Clearing an absent
// pending file is not an error.
func (s *Store) ClearPending() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.fs.Remove(s.pending); err != nil && !os.IsNotExist(err) {
		return err
	}
	return nil
}

// Promote advances the committed checkpoint to ts. The checkpoint only
// ever advances: a ts below the current committed value is refused.
func (s *Store) Promote(ts int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	cur, ok, err := s.read(s.committed)
	if err != nil {
		return err
	}
	if ok && ts < cur {
		return silopipe.Errorf(silopipe.KindIntegrity,
			"checkpoint regression refused: committed=%d, proposed=%d", cur, ts)
	}
	return fsx.WriteFileAtomic(s.fs, s.committed, []byte(strconv.FormatInt(ts, 10)), 0o644)
}
