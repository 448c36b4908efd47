// Package state provides filesystem-backed storage for transcripts,
// per-chat settings, scheduled tasks and turn history.
package state

import "github.com/user/miniclaw/internal/types"

// Compile-time interface compliance checks.
var _ types.TurnLog = (*HistoryStore)(nil)
