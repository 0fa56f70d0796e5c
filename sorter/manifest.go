package sorter

import (
	"bufio"
	"fmt"
	"io"
	"strings"
)

// Manifest is the ordered list of chunk files produced by one sort.
// Paths appear in creation order; a path is only appended after its
// chunk is durably on disk, so a manifest never references a partially
// written chunk.
type Manifest struct {
	Paths []string
}

// Append records a durably written chunk.
func (m *Manifest) Append(path string) {
	m.Paths = append(m.Paths, path)
}

// Len returns the number of chunks.
func (m *Manifest) Len() int { return len(m.Paths) }

// WriteTo writes the manifest as one path per line, the form consumed
// by the merge tool's stdin.
func (m *Manifest) WriteTo(w io.Writer) (int64, error) {
	var n int64
	for _, p := range m.Paths {
		written, err := fmt.Fprintln(w, p)
		n += int64(written)
		if err != nil {
			return n, err
		}
	}
	return n, nil
}

// ReadManifest parses a one-path-per-line manifest. Blank lines are
// ignored.
func ReadManifest(r io.Reader) (*Manifest, error) {
	m := &Manifest{}
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "" {
			continue
		}
		m.Append(line)
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("read manifest: %w", err)
	}
	return m, nil
}
