package telegram

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"

	"github.com/user/miniclaw/internal/types"
)

func (a *Adapter) handleCallback(ctx context.Context, q *tgbotapi.CallbackQuery) {
	if q.Message == nil || q.Message.Chat == nil {
		a.answer(q.ID, "Error: No message", false)
		return
	}
	chatID := q.Message.Chat.ID
	if !a.allowed(q.From) {
		a.answer(q.ID, "Sorry, you are not authorized to use this bot.", true)
		return
	}

	switch {
	case strings.HasPrefix(q.Data, "session:load:"):
		a.loadSession(ctx, q, chatID, strings.TrimPrefix(q.Data, "session:load:"))
	case q.Data == "session:cleanup":
		a.cleanupSessions(ctx, q, chatID)
	default:
		a.answer(q.ID, "", false)
	}
}

func (a *Adapter) loadSession(ctx context.Context, q *tgbotapi.CallbackQuery, chatID int64, filename string) {
	err := errForeignSession
	if ownsSession(chatID, filename) {
		err = a.gateway.SwitchSession(ctx, types.ChatKey(chatID), filename)
	}
	if err != nil {
		slog.Warn("switch session", "chat_id", chatID, "session_file", filename, "error", err)
		a.answer(q.ID, "Error: "+err.Error(), true)
		return
	}

	a.answer(q.ID, "Session switched!", false)
	a.editText(chatID, q.Message.MessageID, "✅ Switched to session: "+filename)
}

func (a *Adapter) cleanupSessions(_ context.Context, q *tgbotapi.CallbackQuery, chatID int64) {
	a.answer(q.ID, "Cleaning up...", false)

	keep := a.opts.KeepSessions
	deleted, err := a.gateway.Sessions().Cleanup(keep)
	if err != nil {
		slog.Error("cleanup sessions", "chat_id", chatID, "error", err)
		a.editText(chatID, q.Message.MessageID, "Error: "+err.Error())
		return
	}
	a.editText(chatID, q.Message.MessageID, fmt.Sprintf(
		"🗑 Cleanup complete!\nDeleted %d old session(s).\nKept the %d most recent sessions per chat.",
		deleted, keep,
	))
}

func (a *Adapter) answer(id, text string, alert bool) {
	cb := tgbotapi.NewCallback(id, text)
	cb.ShowAlert = alert
	if _, err := a.bot.Request(cb); err != nil {
		slog.Debug("answer callback", "error", err)
	}
}

func (a *Adapter) editText(chatID int64, messageID int, text string) {
	if _, err := a.bot.Request(tgbotapi.NewEditMessageText(chatID, messageID, text)); err != nil {
		slog.Debug("edit message", "chat_id", chatID, "error", err)
	}
}
