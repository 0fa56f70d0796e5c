package build

import (
	"fmt"
	"log/slog"
	"path/filepath"
	"time"

	"github.com/wisepulse/silopipe/internal/fsx"
)

// RetentionPolicy bounds how many old index versions stay on disk.
// MinKeep wins over MaxAge: the newest MinKeep versions are never
// deleted, no matter how old they are.
type RetentionPolicy struct {
	MaxAge  time.Duration
	MinKeep int
}

// applyRetention deletes version directories older than the policy
// allows and returns the build IDs it removed, oldest first.
func applyRetention(fs fsx.FileSystem, root string, pol RetentionPolicy, now time.Time, logger *slog.Logger) ([]string, error) {
	versions, err := listVersions(fs, root)
	if err != nil {
		return nil, err
	}
	if len(versions) <= pol.MinKeep {
		return nil, nil
	}

	var removed []string
	for _, id := range versions[:len(versions)-pol.MinKeep] {
		started, ok := buildTime(id)
		if !ok {
			continue
		}
		if now.Sub(started) <= pol.MaxAge {
			continue
		}
		dir := filepath.Join(root, id)
		if err := fs.RemoveAll(dir); err != nil {
			return removed, fmt.Errorf("remove expired version %s: %w", id, err)
		}
		logger.Info("removed expired index version", "build_id", id, "age", now.Sub(started).Round(time.Minute))
		removed = append(removed, id)
	}
	return removed, nil
}
