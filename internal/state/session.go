// internal/state/session.go
package state

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/user/miniclaw/internal/types"
)

// ErrSessionNotFound is returned when a transcript file does not exist.
var ErrSessionNotFound = errors.New("session not found")

var chatIDPattern = regexp.MustCompile(`^telegram-(-?\d+)`)

// SessionInfo describes one transcript file on disk.
type SessionInfo struct {
	Filename   string    `json:"filename"`
	ChatID     string    `json:"chat_id"`
	Path       string    `json:"path"`
	ModifiedAt time.Time `json:"modified_at"`
	Size       int64     `json:"size"`
}

// SessionStore manages agent transcript files. The agent always writes
// to a conversation's default transcript; older conversations are kept
// as timestamped archives that can be switched back in. The active
// selection per conversation is persisted in a small JSON map.
//
// Callers must hold the conversation lock while archiving or switching
// so no agent run writes the default transcript concurrently.
type SessionStore struct {
	dir        string
	activePath string
	mu         sync.Mutex
	now        func() time.Time
}

// NewSessionStore creates a store for transcripts in sessionDir, keeping
// its active-session map in dataDir.
func NewSessionStore(sessionDir, dataDir string) *SessionStore {
	return &SessionStore{
		dir:        sessionDir,
		activePath: filepath.Join(dataDir, "active-sessions.json"),
		now:        time.Now,
	}
}

// Dir returns the transcript directory.
func (s *SessionStore) Dir() string {
	return s.dir
}

// DefaultFilename is the transcript the agent writes for a conversation.
func DefaultFilename(key types.ConversationKey) string {
	return "telegram-" + string(key) + ".jsonl"
}

// TranscriptPath returns the default transcript path for key.
func (s *SessionStore) TranscriptPath(key types.ConversationKey) string {
	return filepath.Join(s.dir, DefaultFilename(key))
}

func (s *SessionStore) loadActive() (map[string]string, error) {
	active := make(map[string]string)
	if _, err := readJSON(s.activePath, &active); err != nil {
		return nil, err
	}
	return active, nil
}

// ActiveFilename returns the transcript the conversation last switched
// to, or its default filename.
func (s *SessionStore) ActiveFilename(key types.ConversationKey) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	active, err := s.loadActive()
	if err != nil {
		return "", err
	}
	if name, ok := active[string(key)]; ok {
		return name, nil
	}
	return DefaultFilename(key), nil
}

// Switch makes target the conversation's transcript. The current
// default transcript is archived first (or written back to the session
// it was switched from), then target is copied into the default path
// the agent reads.
func (s *SessionStore) Switch(key types.ConversationKey, target string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	targetPath, err := s.resolve(target)
	if err != nil {
		return err
	}
	active, err := s.loadActive()
	if err != nil {
		return err
	}
	current, ok := active[string(key)]
	if !ok {
		current = DefaultFilename(key)
	}
	if current == target {
		return nil
	}
	if _, err := os.Stat(targetPath); err != nil {
		return fmt.Errorf("%w: %s", ErrSessionNotFound, target)
	}

	defaultPath := s.TranscriptPath(key)
	if targetPath != defaultPath {
		if current == DefaultFilename(key) {
			if _, err := s.archive(key); err != nil {
				return err
			}
		} else if _, err := os.Stat(defaultPath); err == nil {
			// Turns added since the last switch belong to that session.
			if err := copyFile(defaultPath, filepath.Join(s.dir, current)); err != nil {
				return fmt.Errorf("save current session: %w", err)
			}
		}
		if err := copyFile(targetPath, defaultPath); err != nil {
			return fmt.Errorf("copy session: %w", err)
		}
		active[string(key)] = target
	} else {
		delete(active, string(key))
	}
	return writeJSON(s.activePath, active)
}

// ClearActive forgets the conversation's switched-to transcript.
func (s *SessionStore) ClearActive(key types.ConversationKey) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	active, err := s.loadActive()
	if err != nil {
		return err
	}
	if _, ok := active[string(key)]; !ok {
		return nil
	}
	delete(active, string(key))
	return writeJSON(s.activePath, active)
}

// Archive renames the default transcript to telegram-<key>-<timestamp>.jsonl
// and returns the new filename, or "" if there was nothing to archive.
func (s *SessionStore) Archive(key types.ConversationKey) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.archive(key)
}

func (s *SessionStore) archive(key types.ConversationKey) (string, error) {
	current := s.TranscriptPath(key)
	if _, err := os.Stat(current); err != nil {
		return "", nil
	}
	name := fmt.Sprintf("telegram-%s-%s.jsonl", key, archiveTimestamp(s.now()))
	if err := os.Rename(current, filepath.Join(s.dir, name)); err != nil {
		return "", fmt.Errorf("archive session: %w", err)
	}
	return name, nil
}

// archiveTimestamp is an ISO-8601 UTC time with filesystem-safe separators,
// e.g. 2026-01-02T15-04-05-123Z.
func archiveTimestamp(t time.Time) string {
	t = t.UTC()
	return fmt.Sprintf("%s-%03dZ", t.Format("2006-01-02T15-04-05"), t.Nanosecond()/int(time.Millisecond))
}

// List returns all transcripts, newest first. A missing directory is
// an empty list.
func (s *SessionStore) List() ([]SessionInfo, error) {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("read session dir: %w", err)
	}

	var sessions []SessionInfo
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || !strings.HasSuffix(name, ".jsonl") {
			continue
		}
		info, err := e.Info()
		if err != nil {
			continue
		}
		chatID := "unknown"
		if m := chatIDPattern.FindStringSubmatch(name); m != nil {
			chatID = m[1]
		}
		sessions = append(sessions, SessionInfo{
			Filename:   name,
			ChatID:     chatID,
			Path:       filepath.Join(s.dir, name),
			ModifiedAt: info.ModTime(),
			Size:       info.Size(),
		})
	}
	sort.SliceStable(sessions, func(i, j int) bool {
		return sessions[i].ModifiedAt.After(sessions[j].ModifiedAt)
	})
	return sessions, nil
}

// ListFor returns the transcripts belonging to one conversation.
func (s *SessionStore) ListFor(key types.ConversationKey) ([]SessionInfo, error) {
	all, err := s.List()
	if err != nil {
		return nil, err
	}
	var mine []SessionInfo
	for _, info := range all {
		if info.ChatID == string(key) {
			mine = append(mine, info)
		}
	}
	return mine, nil
}

// Delete removes one transcript by filename.
func (s *SessionStore) Delete(filename string) error {
	path, err := s.resolve(filename)
	if err != nil {
		return err
	}
	if err := os.Remove(path); err != nil {
		if os.IsNotExist(err) {
			return fmt.Errorf("%w: %s", ErrSessionNotFound, filename)
		}
		return fmt.Errorf("delete session: %w", err)
	}
	return nil
}

// Cleanup keeps the newest keep transcripts per chat and deletes the
// rest. A chat's default transcript is never deleted. It returns the
// number of files removed.
func (s *SessionStore) Cleanup(keep int) (int, error) {
	sessions, err := s.List()
	if err != nil {
		return 0, err
	}
	seen := make(map[string]int)
	deleted := 0
	for _, info := range sessions {
		seen[info.ChatID]++
		if seen[info.ChatID] <= keep || info.Filename == DefaultFilename(types.ConversationKey(info.ChatID)) {
			continue
		}
		if err := os.Remove(info.Path); err != nil {
			continue
		}
		deleted++
	}
	return deleted, nil
}

// resolve maps a bare transcript filename into the session dir and
// rejects anything that would escape it.
func (s *SessionStore) resolve(filename string) (string, error) {
	if filename == "" || filename != filepath.Base(filename) || filename == "." || filename == ".." {
		return "", fmt.Errorf("invalid session name: %q", filename)
	}
	return filepath.Join(s.dir, filename), nil
}

func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	tmp := dst + ".tmp"
	out, err := os.OpenFile(tmp, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		os.Remove(tmp)
		return err
	}
	if err := out.Close(); err != nil {
		os.Remove(tmp)
		return err
	}
	return os.Rename(tmp, dst)
}

// FormatAge renders how long ago t was, relative to now.
func FormatAge(t, now time.Time) string {
	d := now.Sub(t)
	switch {
	case d < time.Minute:
		return "just now"
	case d < time.Hour:
		return fmt.Sprintf("%dm ago", int(d/time.Minute))
	case d < 24*time.Hour:
		return fmt.Sprintf("%dh ago", int(d/time.Hour))
	case d < 7*24*time.Hour:
		return fmt.Sprintf("%dd ago", int(d/(24*time.Hour)))
	default:
		return t.Format("1/2/2006")
	}
}

// FormatSize renders a byte count as B, KB or MB.
func FormatSize(n int64) string {
	switch {
	case n < 1024:
		return fmt.Sprintf("%dB", n)
	case n < 1024*1024:
		return fmt.Sprintf("%.1fKB", float64(n)/1024)
	default:
		return fmt.Sprintf("%.1fMB", float64(n)/(1024*1024))
	}
}
