// Package filedetect finds files an agent run produced in its workspace,
// from an mtime diff of the directory and from paths mentioned in output.
package filedetect

import (
	"log/slog"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"
	"time"

	"github.com/user/miniclaw/internal/types"
)

// Snapshot maps top-level regular files in a directory to their mtime.
type Snapshot map[string]time.Time

var outputPatterns = []*regexp.Regexp{
	regexp.MustCompile(`(?i)(?:Created|Saved to|Wrote|Output|File saved|Generated|Exported):\s*([^\s]+\.\w+)`),
	regexp.MustCompile(`(?i)(?:saved|wrote|created|generated|exported)\s+(?:to\s+)?["']?([^\s"']+\.\w+)["']?`),
	regexp.MustCompile(`(?i)(?:file|output):\s*["']?([^\s"']+\.\w+)["']?`),
}

var categories = map[string]types.FileCategory{
	".png":  types.FilePhoto,
	".jpg":  types.FilePhoto,
	".jpeg": types.FilePhoto,
	".gif":  types.FilePhoto,
	".webp": types.FilePhoto,
	".pdf":  types.FileDocument,
	".txt":  types.FileDocument,
	".md":   types.FileDocument,
	".json": types.FileDocument,
	".csv":  types.FileDocument,
	".html": types.FileDocument,
	".xml":  types.FileDocument,
	".yaml": types.FileDocument,
	".yml":  types.FileDocument,
}

// Take snapshots dir. A missing or unreadable directory yields an
// empty snapshot.
func Take(dir string) Snapshot {
	snap := make(Snapshot)
	entries, err := os.ReadDir(dir)
	if err != nil {
		if !os.IsNotExist(err) {
			slog.Debug("snapshot workspace", "dir", dir, "error", err)
		}
		return snap
	}
	for _, e := range entries {
		if !e.Type().IsRegular() {
			continue
		}
		info, err := e.Info()
		if err != nil {
			continue
		}
		snap[filepath.Join(dir, e.Name())] = info.ModTime()
	}
	return snap
}

// Diff returns files in dir that are absent from before or have a
// newer mtime, sorted by path.
func Diff(dir string, before Snapshot) []string {
	var changed []string
	for path, mtime := range Take(dir) {
		prev, ok := before[path]
		if !ok || mtime.After(prev) {
			changed = append(changed, path)
		}
	}
	sort.Strings(changed)
	return changed
}

// ScanText extracts absolute file paths the output claims to have
// written, deduplicated in order of first mention.
func ScanText(output string) []string {
	seen := make(map[string]bool)
	var paths []string
	for _, re := range outputPatterns {
		for _, m := range re.FindAllStringSubmatch(output, -1) {
			p := m[1]
			if !strings.HasPrefix(p, "/") || seen[p] {
				continue
			}
			seen[p] = true
			paths = append(paths, p)
		}
	}
	return paths
}

// Categorize keeps paths with a known photo or document extension
// (case-insensitive) and drops the rest.
func Categorize(paths []string) []types.DetectedFile {
	var files []types.DetectedFile
	for _, p := range paths {
		cat, ok := categories[strings.ToLower(filepath.Ext(p))]
		if !ok {
			continue
		}
		files = append(files, types.DetectedFile{
			Path:     p,
			Filename: filepath.Base(p),
			Category: cat,
		})
	}
	return files
}

// Detect unions the workspace diff with paths mentioned in output,
// deduplicates, and categorizes. Mentioned paths are not checked for
// existence; senders report files they cannot open.
func Detect(output, dir string, before Snapshot) []types.DetectedFile {
	seen := make(map[string]bool)
	var paths []string
	for _, p := range append(Diff(dir, before), ScanText(output)...) {
		if !seen[p] {
			seen[p] = true
			paths = append(paths, p)
		}
	}
	return Categorize(paths)
}
