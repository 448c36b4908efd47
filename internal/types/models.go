// internal/types/models.go
package types

import (
	"context"
	"strings"
	"time"
)

// ThinkingLevel is the reasoning effort passed to the agent.
type ThinkingLevel string

const (
	ThinkingLow    ThinkingLevel = "low"
	ThinkingMedium ThinkingLevel = "medium"
	ThinkingHigh   ThinkingLevel = "high"
)

// ParseThinkingLevel is case-insensitive; unknown values map to ThinkingLow.
func ParseThinkingLevel(s string) ThinkingLevel {
	switch ThinkingLevel(strings.ToLower(strings.TrimSpace(s))) {
	case ThinkingMedium:
		return ThinkingMedium
	case ThinkingHigh:
		return ThinkingHigh
	default:
		return ThinkingLow
	}
}

// ActivityCategory tags a progress event.
type ActivityCategory string

const (
	ActivityThinking  ActivityCategory = "thinking"
	ActivityReading   ActivityCategory = "reading"
	ActivityWriting   ActivityCategory = "writing"
	ActivityRunning   ActivityCategory = "running"
	ActivitySearching ActivityCategory = "searching"
	ActivityWorking   ActivityCategory = "working"
)

// ActivityEvent is one classified or synthetic progress signal from a run.
type ActivityEvent struct {
	Category ActivityCategory `json:"category"`
	Detail   string           `json:"detail,omitempty"`
	Elapsed  int              `json:"elapsed"` // whole seconds since run start
}

// Result texts shown to the user verbatim.
const (
	NoOutput        = "(no output)"
	ErrorOccurred   = "Error occurred"
	TimeoutMessage  = "Timeout: Pi took too long"
	SpawnFailPrefix = "Failed to start Pi: "
)

// ExitReason records how a run terminated.
type ExitReason string

const (
	ExitNormal    ExitReason = "exited"
	ExitFailed    ExitReason = "failed"
	ExitSpawn     ExitReason = "spawn_failed"
	ExitTimeout   ExitReason = "timeout"
	ExitCancelled ExitReason = "cancelled"
)

// RunRequest is the input to a single agent execution.
type RunRequest struct {
	Key            ConversationKey
	Prompt         string
	Workspace      string
	TranscriptPath string
	AuxFiles       []string
	Thinking       ThinkingLevel
	Timeout        time.Duration

	// Prepare runs after the conversation lock is acquired and before
	// the process is spawned. An error aborts the run as cancelled.
	Prepare func(ctx context.Context) error
	// Finish runs with the final result before the lock is released,
	// including when Prepare failed.
	Finish func(RunResult)
}

// RunResult is the terminal outcome of a run. Output is never empty:
// it falls back to NoOutput (or ErrorOccurred on failure).
type RunResult struct {
	Output string     `json:"output"`
	Error  string     `json:"error,omitempty"`
	Reason ExitReason `json:"reason"`
}

// Failed reports whether the run carries an error for the user.
func (r RunResult) Failed() bool {
	return r.Error != ""
}

// Image is a binary payload found in the transcript.
type Image struct {
	Data     []byte `json:"-"`
	MimeType string `json:"mime_type"`
}

// Extension returns the file extension implied by the MIME type.
func (i Image) Extension() string {
	if _, sub, ok := strings.Cut(i.MimeType, "/"); ok && sub != "" {
		return sub
	}
	return "png"
}

// FileCategory decides how a detected file is sent back to the chat.
type FileCategory string

const (
	FilePhoto    FileCategory = "photo"
	FileDocument FileCategory = "document"
)

// DetectedFile is a workspace file the agent produced or mentioned.
type DetectedFile struct {
	Path     string       `json:"path"`
	Filename string       `json:"filename"`
	Category FileCategory `json:"category"`
}

// TurnRecord summarizes one completed turn for the history log.
type TurnRecord struct {
	ID         TurnID          `json:"id"`
	Key        ConversationKey `json:"conversation"`
	Seq        int64           `json:"seq"`
	Source     string          `json:"source"`
	Prompt     string          `json:"prompt"`
	Reason     ExitReason      `json:"reason"`
	Error      string          `json:"error,omitempty"`
	OutputLen  int             `json:"output_len"`
	Images     int             `json:"images,omitempty"`
	Files      []string        `json:"files,omitempty"`
	StartedAt  time.Time       `json:"started_at"`
	DurationMS int64           `json:"duration_ms"`
}
