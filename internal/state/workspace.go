// internal/state/workspace.go
package state

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/user/miniclaw/internal/types"
)

var (
	ErrDirectoryNotFound = errors.New("directory not found")
	ErrNotDirectory      = errors.New("not a directory")
)

// WorkspaceStore persists each conversation's working directory in a
// JSON map. Conversations without a valid entry use the default
// workspace.
type WorkspaceStore struct {
	path     string
	fallback string
	home     string
	mu       sync.Mutex
}

// NewWorkspaceStore creates a store backed by path. fallback is the
// default workspace; home is what "~" expands to.
func NewWorkspaceStore(path, fallback, home string) *WorkspaceStore {
	return &WorkspaceStore{path: path, fallback: fallback, home: home}
}

// Default returns the default workspace.
func (w *WorkspaceStore) Default() string {
	return w.fallback
}

func (w *WorkspaceStore) load() map[string]string {
	dirs := make(map[string]string)
	if _, err := readJSON(w.path, &dirs); err != nil {
		return make(map[string]string)
	}
	return dirs
}

// Get returns the conversation's working directory. A stored directory
// that no longer exists falls back to the default.
func (w *WorkspaceStore) Get(key types.ConversationKey) string {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.get(key)
}

func (w *WorkspaceStore) get(key types.ConversationKey) string {
	if dir, ok := w.load()[string(key)]; ok && isDir(dir) {
		return dir
	}
	return w.fallback
}

// Set changes the conversation's working directory. path may start with
// "~", be absolute, or be relative to the current directory. It returns
// the resolved directory.
func (w *WorkspaceStore) Set(key types.ConversationKey, path string) (string, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	path = strings.TrimSpace(path)
	if path == "" {
		path = "~"
	}

	var resolved string
	switch {
	case path == "~" || strings.HasPrefix(path, "~/"):
		resolved = filepath.Join(w.home, strings.TrimPrefix(path[1:], "/"))
	case filepath.IsAbs(path):
		resolved = filepath.Clean(path)
	default:
		joined := filepath.Join(w.get(key), path)
		real, err := filepath.EvalSymlinks(joined)
		if err != nil {
			return "", fmt.Errorf("%w: %s", ErrDirectoryNotFound, path)
		}
		resolved = real
	}

	info, err := os.Stat(resolved)
	if err != nil {
		return "", fmt.Errorf("%w: %s", ErrDirectoryNotFound, resolved)
	}
	if !info.IsDir() {
		return "", fmt.Errorf("%w: %s", ErrNotDirectory, resolved)
	}

	dirs := w.load()
	dirs[string(key)] = resolved
	if err := writeJSON(w.path, dirs); err != nil {
		return "", err
	}
	return resolved, nil
}

// Reset points the conversation back at the default workspace.
func (w *WorkspaceStore) Reset(key types.ConversationKey) (string, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	dirs := w.load()
	delete(dirs, string(key))
	if err := writeJSON(w.path, dirs); err != nil {
		return "", err
	}
	return w.fallback, nil
}

// FormatPath abbreviates the home directory as "~".
func (w *WorkspaceStore) FormatPath(path string) string {
	return FormatPath(path, w.home)
}

// FormatPath abbreviates home as "~" in path.
func FormatPath(path, home string) string {
	if home == "" {
		return path
	}
	if path == home {
		return "~"
	}
	if rest, ok := strings.CutPrefix(path, home+string(filepath.Separator)); ok {
		return "~/" + rest
	}
	return path
}

func isDir(path string) bool {
	info, err := os.Stat(path)
	return err == nil && info.IsDir()
}
