// internal/state/history.go
package state

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/user/miniclaw/internal/types"
)

// HistoryStore is a JSONL-backed append-only log of completed turns.
// Records are stored per conversation in history/<key>.jsonl.
type HistoryStore struct {
	root  string
	mu    sync.Mutex
	locks map[types.ConversationKey]*sync.Mutex
}

// NewHistoryStore creates a file-backed HistoryStore rooted at the given directory.
func NewHistoryStore(root string) *HistoryStore {
	return &HistoryStore{
		root:  root,
		locks: make(map[types.ConversationKey]*sync.Mutex),
	}
}

func (h *HistoryStore) getLock(key types.ConversationKey) *sync.Mutex {
	h.mu.Lock()
	defer h.mu.Unlock()

	if lock, ok := h.locks[key]; ok {
		return lock
	}
	lock := &sync.Mutex{}
	h.locks[key] = lock
	return lock
}

func (h *HistoryStore) historyPath(key types.ConversationKey) string {
	return filepath.Join(h.root, "history", string(key)+".jsonl")
}

// count reads the history file and counts lines. Caller must hold the key lock.
func (h *HistoryStore) count(key types.ConversationKey) (int64, error) {
	f, err := os.Open(h.historyPath(key))
	if err != nil {
		if os.IsNotExist(err) {
			return 0, nil
		}
		return 0, fmt.Errorf("open history file: %w", err)
	}
	defer f.Close()

	var count int64
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)
	for scanner.Scan() {
		count++
	}
	if err := scanner.Err(); err != nil {
		return 0, fmt.Errorf("scan history file: %w", err)
	}
	return count, nil
}

// Append adds a record to the conversation's log with an auto-incremented sequence number.
func (h *HistoryStore) Append(_ context.Context, rec *types.TurnRecord) error {
	lock := h.getLock(rec.Key)
	lock.Lock()
	defer lock.Unlock()

	if err := os.MkdirAll(filepath.Dir(h.historyPath(rec.Key)), 0o755); err != nil {
		return fmt.Errorf("create history dir: %w", err)
	}

	existing, err := h.count(rec.Key)
	if err != nil {
		return err
	}
	rec.Seq = existing + 1

	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("marshal turn: %w", err)
	}

	f, err := os.OpenFile(h.historyPath(rec.Key), os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("open history file: %w", err)
	}
	defer f.Close()

	data = append(data, '\n')
	if _, err := f.Write(data); err != nil {
		return fmt.Errorf("write turn: %w", err)
	}
	return nil
}

// Tail returns the last limit records for the conversation, oldest first.
func (h *HistoryStore) Tail(_ context.Context, key types.ConversationKey, limit int) ([]*types.TurnRecord, error) {
	lock := h.getLock(key)
	lock.Lock()
	defer lock.Unlock()

	f, err := os.Open(h.historyPath(key))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("open history file: %w", err)
	}
	defer f.Close()

	var records []*types.TurnRecord
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)
	for scanner.Scan() {
		var rec types.TurnRecord
		if err := json.Unmarshal(scanner.Bytes(), &rec); err != nil {
			return nil, fmt.Errorf("unmarshal turn: %w", err)
		}
		records = append(records, &rec)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("scan history file: %w", err)
	}

	if limit > 0 && len(records) > limit {
		records = records[len(records)-limit:]
	}
	return records, nil
}

// Count returns the number of records for the conversation.
func (h *HistoryStore) Count(_ context.Context, key types.ConversationKey) (int64, error) {
	lock := h.getLock(key)
	lock.Lock()
	defer lock.Unlock()

	return h.count(key)
}
