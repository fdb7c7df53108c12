package observers

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"time"
)

// artifactSuffixes are the files this package writes; nothing else is purged.
var artifactSuffixes = []string{".jsonl", ".usage.json"}

// PurgeArtifacts removes timeline and usage files in dir last modified before
// now-maxAge. It returns how many files were deleted.
func PurgeArtifacts(dir string, maxAge time.Duration, now time.Time) (int, error) {
	if dir == "" || maxAge <= 0 {
		return 0, nil
	}
	entries, err := os.ReadDir(dir)
	if errors.Is(err, os.ErrNotExist) {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	var removed int
	var errs error
	cutoff := now.Add(-maxAge)
	for _, entry := range entries {
		if entry.IsDir() || !isArtifact(entry.Name()) {
			continue
		}
		info, err := entry.Info()
		if err != nil {
			errs = errors.Join(errs, err)
			continue
		}
		if info.ModTime().After(cutoff) {
			continue
		}
		if err := os.Remove(filepath.Join(dir, entry.Name())); err != nil {
			errs = errors.Join(errs, err)
			continue
		}
		removed++
	}
	return removed, errs
}

func isArtifact(name string) bool {
	for _, s := range artifactSuffixes {
		if strings.HasSuffix(name, s) {
			return true
		}
	}
	return false
}
