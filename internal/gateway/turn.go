package gateway

import (
	"time"

	"github.com/user/miniclaw/internal/types"
)

// Turn is one prompt submitted to a conversation.
type Turn struct {
	ID          types.TurnID
	Key         types.ConversationKey
	Source      string // telegram, task, webhook, cli
	Prompt      string
	Attachments []string // local files passed to the agent as @path
	CreatedAt   time.Time
}

// NewTurn creates a Turn for the given conversation.
func NewTurn(source string, key types.ConversationKey, prompt string, attachments ...string) *Turn {
	return &Turn{
		ID:          types.NewTurnID(),
		Key:         key,
		Source:      source,
		Prompt:      prompt,
		Attachments: attachments,
		CreatedAt:   time.Now(),
	}
}

// TurnResult is everything a turn produced for delivery back to the chat.
type TurnResult struct {
	Turn      *Turn
	Result    types.RunResult
	Images    []types.Image
	Files     []types.DetectedFile
	Workspace string
	Duration  time.Duration
}

// Reply is the turn's text as a single message: the error leads when
// the run failed.
func (r *TurnResult) Reply() string {
	if !r.Result.Failed() {
		return r.Result.Output
	}
	msg := "Error: " + r.Result.Error
	if out := r.Result.Output; out != "" && out != types.ErrorOccurred {
		msg += "\n\n" + out
	}
	return msg
}
