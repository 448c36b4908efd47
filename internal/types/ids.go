// internal/types/ids.go
package types

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/google/uuid"
)

// ConversationKey names one independent conversation. It keys the
// conversation lock table and forms part of the transcript file name.
type ConversationKey string

// SessionKey addresses a conversation from outside the chat adapter,
// e.g. "telegram:123456" in task definitions and webhook requests.
type SessionKey string

type RunID string
type TurnID string

func NewRunID() RunID {
	return RunID(uuid.New().String())
}

func NewTurnID() TurnID {
	return TurnID(uuid.New().String())
}

// ChatKey returns the conversation key for a Telegram chat.
func ChatKey(chatID int64) ConversationKey {
	return ConversationKey(strconv.FormatInt(chatID, 10))
}

// ChatID parses the key back into a Telegram chat ID.
func (k ConversationKey) ChatID() (int64, error) {
	id, err := strconv.ParseInt(string(k), 10, 64)
	if err != nil {
		return 0, fmt.Errorf("parse chat id %q: %w", string(k), err)
	}
	return id, nil
}

func NewSessionKey(parts ...string) SessionKey {
	return SessionKey(strings.Join(parts, ":"))
}

// ParseSessionKey splits "source:conversation" into its parts.
func ParseSessionKey(key SessionKey) (source string, conv ConversationKey, err error) {
	source, rest, ok := strings.Cut(string(key), ":")
	if !ok || source == "" || rest == "" {
		return "", "", fmt.Errorf("invalid session key: %q", string(key))
	}
	return source, ConversationKey(rest), nil
}
