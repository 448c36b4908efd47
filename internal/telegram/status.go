package telegram

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"

	"github.com/user/miniclaw/internal/types"
)

var activityEmoji = map[types.ActivityCategory]string{
	types.ActivityThinking:  "🧠",
	types.ActivityReading:   "📖",
	types.ActivityWriting:   "✍️",
	types.ActivityRunning:   "⚡",
	types.ActivitySearching: "🔍",
	types.ActivityWorking:   "🔄",
}

func statusText(ev types.ActivityEvent) string {
	emoji, ok := activityEmoji[ev.Category]
	if !ok {
		emoji = activityEmoji[types.ActivityWorking]
	}
	text := fmt.Sprintf("%s Working... (%ds)", emoji, ev.Elapsed)
	if ev.Detail != "" {
		text += "\n└─ " + ev.Detail
	}
	return text
}

// statusReporter edits the chat's status message as activity arrives,
// at most once per interval. Edits are sent from a separate goroutine
// so a slow Bot API call never stalls the agent's output reader.
type statusReporter struct {
	bot       botAPI
	chatID    int64
	messageID int
	interval  time.Duration

	mu      sync.Mutex
	last    time.Time
	closed  bool
	pending chan string
	done    chan struct{}
}

func newStatusReporter(bot botAPI, chatID int64, messageID int, interval time.Duration) *statusReporter {
	s := &statusReporter{
		bot:       bot,
		chatID:    chatID,
		messageID: messageID,
		interval:  interval,
		last:      time.Now(),
		pending:   make(chan string, 1),
		done:      make(chan struct{}),
	}
	go s.loop()
	return s
}

func (s *statusReporter) OnActivity(ev types.ActivityEvent) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed || s.messageID == 0 {
		return
	}
	now := time.Now()
	if now.Sub(s.last) < s.interval {
		return
	}
	s.last = now

	text := statusText(ev)
	select {
	case s.pending <- text:
	default:
		// Replace the edit still waiting to go out.
		select {
		case <-s.pending:
		default:
		}
		s.pending <- text
	}
}

func (s *statusReporter) loop() {
	defer close(s.done)
	var current string
	for text := range s.pending {
		if text == current {
			continue
		}
		edit := tgbotapi.NewEditMessageText(s.chatID, s.messageID, text)
		if _, err := s.bot.Request(edit); err != nil {
			slog.Debug("edit status message", "chat_id", s.chatID, "error", err)
			continue
		}
		current = text
	}
}

// finish stops further edits and deletes the status message.
func (s *statusReporter) finish() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	close(s.pending)
	s.mu.Unlock()

	<-s.done
	if s.messageID != 0 {
		if _, err := s.bot.Request(tgbotapi.NewDeleteMessage(s.chatID, s.messageID)); err != nil {
			slog.Debug("delete status message", "chat_id", s.chatID, "error", err)
		}
	}
}

// keepTyping sends the typing action now and then every interval until
// ctx is done.
func keepTyping(ctx context.Context, bot botAPI, chatID int64, interval time.Duration) {
	send := func() {
		if _, err := bot.Request(tgbotapi.NewChatAction(chatID, tgbotapi.ChatTyping)); err != nil {
			slog.Debug("send typing action", "chat_id", chatID, "error", err)
		}
	}
	send()
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			send()
		}
	}
}
