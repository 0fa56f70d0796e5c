// Package build sequences one end-to-end index build: change check,
// cleanup, fetch, sort, merge, compile, and the atomic commit-or-rollback
// decision at the end.
package build

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/wisepulse/silopipe/internal/fsx"
)

// MarkerFileName is the build marker inside the versions root. Keeping
// it next to the version directories means crash cleanup finds the
// marker and the directory it guards in one place.
const MarkerFileName = "BUILD_MARKER"

// formatBuildID renders a build identifier from the build start time.
// Zero-padded nanoseconds, so lexical order equals numeric order and
// "numerically greatest" is a plain string comparison.
func formatBuildID(t time.Time) string {
	return fmt.Sprintf("%020d", t.UnixNano())
}

// buildTime recovers the start time encoded in a build ID.
func buildTime(id string) (time.Time, bool) {
	n, err := strconv.ParseInt(id, 10, 64)
	if err != nil {
		return time.Time{}, false
	}
	return time.Unix(0, n), true
}

// listVersions returns the version directory names under root in
// ascending build order. Non-numeric entries and files are ignored.
func listVersions(fs fsx.FileSystem, root string) ([]string, error) {
	entries, err := fs.ReadDir(root)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("list versions: %w", err)
	}

	var versions []string
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		if _, ok := buildTime(e.Name()); !ok {
			continue
		}
		versions = append(versions, e.Name())
	}
	sort.Strings(versions)
	return versions, nil
}

// latestVersion returns the numerically greatest build ID under root.
func latestVersion(fs fsx.FileSystem, root string) (string, bool, error) {
	versions, err := listVersions(fs, root)
	if err != nil || len(versions) == 0 {
		return "", false, err
	}
	return versions[len(versions)-1], true, nil
}

func markerPath(root string) string {
	return filepath.Join(root, MarkerFileName)
}

// readMarker returns the build ID of an in-flight or interrupted build.
func readMarker(fs fsx.FileSystem, root string) (string, bool, error) {
	f, err := fs.OpenFile(markerPath(root), os.O_RDONLY, 0)
	if os.IsNotExist(err) {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	defer f.Close()

	buf := make([]byte, 64)
	n, rerr := f.Read(buf)
	if rerr != nil && n == 0 {
		return "", false, fmt.Errorf("read build marker: %w", rerr)
	}
	return strings.TrimSpace(string(buf[:n])), true, nil
}

func writeMarker(fs fsx.FileSystem, root, id string) error {
	return fsx.WriteFileAtomic(fs, markerPath(root), []byte(id), 0o644)
}

func removeMarker(fs fsx.FileSystem, root string) error {
	if err := fs.Remove(markerPath(root)); err != nil && !os.IsNotExist(err) {
		return err
	}
	return nil
}
