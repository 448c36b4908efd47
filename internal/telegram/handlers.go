package telegram

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"path"
	"path/filepath"
	"strings"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"

	"github.com/user/miniclaw/internal/gateway"
	"github.com/user/miniclaw/internal/types"
)

const (
	defaultPhotoPrompt = "What's in this image?"
	maxPhotoBytes      = 20 << 20
)

func (a *Adapter) handleText(ctx context.Context, msg *tgbotapi.Message) {
	chatID := msg.Chat.ID
	if !a.authorize(ctx, chatID, msg.From) || !a.checkRate(ctx, chatID) {
		return
	}
	a.runTurn(ctx, chatID, msg.Text, nil, "🔄 Working...")
}

func (a *Adapter) handlePhoto(ctx context.Context, msg *tgbotapi.Message) {
	chatID := msg.Chat.ID
	if !a.authorize(ctx, chatID, msg.From) || !a.checkRate(ctx, chatID) {
		return
	}

	prompt := strings.TrimSpace(msg.Caption)
	if prompt == "" {
		prompt = defaultPhotoPrompt
	}

	// Telegram lists sizes smallest first.
	largest := msg.Photo[len(msg.Photo)-1]
	local, err := a.downloadFile(ctx, chatID, largest.FileID)
	if err != nil {
		slog.Error("download photo", "chat_id", chatID, "error", err)
		a.sendPlain(ctx, chatID, "Error: could not download the photo.")
		return
	}
	defer os.Remove(local)

	a.runTurn(ctx, chatID, prompt, []string{local}, "🔄 Analyzing image...")
}

// runTurn shows a live status message while the gateway runs the turn,
// then delivers the results.
func (a *Adapter) runTurn(ctx context.Context, chatID int64, prompt string, attachments []string, working string) {
	status, err := a.send(ctx, tgbotapi.NewMessage(chatID, working))
	if err != nil {
		slog.Warn("send status message", "chat_id", chatID, "error", err)
	}
	reporter := newStatusReporter(a.bot, chatID, status.MessageID, a.opts.StatusInterval)

	typingCtx, stopTyping := context.WithCancel(ctx)
	go keepTyping(typingCtx, a.bot, chatID, a.opts.TypingInterval)

	turn := gateway.NewTurn("telegram", types.ChatKey(chatID), prompt, attachments...)
	res, err := a.gateway.HandleTurn(ctx, turn, reporter)

	stopTyping()
	reporter.finish()

	if err != nil {
		slog.Error("handle turn", "chat_id", chatID, "error", err)
		a.sendPlain(ctx, chatID, "Sorry, something went wrong processing your message.")
		return
	}
	a.deliver(ctx, chatID, res)
}

// downloadFile fetches a Telegram file into the temp dir and returns its path.
func (a *Adapter) downloadFile(ctx context.Context, chatID int64, fileID string) (string, error) {
	url, err := a.bot.GetFileDirectURL(fileID)
	if err != nil {
		return "", fmt.Errorf("get file url: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return "", fmt.Errorf("build request: %w", err)
	}
	resp, err := a.http.Do(req)
	if err != nil {
		return "", fmt.Errorf("fetch file: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("fetch file: status %d", resp.StatusCode)
	}

	ext := strings.TrimPrefix(path.Ext(url), ".")
	if ext == "" {
		ext = "jpg"
	}
	dir := filepath.Join(os.TempDir(), "mini-claw")
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("create temp dir: %w", err)
	}
	dst := filepath.Join(dir, fmt.Sprintf("%d-%d.%s", chatID, time.Now().UnixMilli(), ext))

	f, err := os.Create(dst)
	if err != nil {
		return "", fmt.Errorf("create temp file: %w", err)
	}
	if _, err := io.Copy(f, io.LimitReader(resp.Body, maxPhotoBytes)); err != nil {
		f.Close()
		os.Remove(dst)
		return "", fmt.Errorf("write temp file: %w", err)
	}
	if err := f.Close(); err != nil {
		os.Remove(dst)
		return "", fmt.Errorf("close temp file: %w", err)
	}
	return dst, nil
}
