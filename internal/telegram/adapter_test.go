package telegram

import (
	"context"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"

	"github.com/user/miniclaw/internal/agent"
	"github.com/user/miniclaw/internal/gateway"
	"github.com/user/miniclaw/internal/ratelimit"
	"github.com/user/miniclaw/internal/state"
	"github.com/user/miniclaw/internal/types"
)

type fakeBot struct {
	mu       sync.Mutex
	sent     []tgbotapi.Chattable
	requests []tgbotapi.Chattable
	failHTML bool
	fileURL  string
	nextID   int
}

func (f *fakeBot) Send(c tgbotapi.Chattable) (tgbotapi.Message, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, c)
	if m, ok := c.(tgbotapi.MessageConfig); ok && f.failHTML && m.ParseMode == tgbotapi.ModeHTML {
		return tgbotapi.Message{}, &tgbotapi.Error{Code: 400, Message: "Bad Request: can't parse entities"}
	}
	f.nextID++
	return tgbotapi.Message{MessageID: f.nextID}, nil
}

func (f *fakeBot) Request(c tgbotapi.Chattable) (*tgbotapi.APIResponse, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.requests = append(f.requests, c)
	return &tgbotapi.APIResponse{Ok: true}, nil
}

func (f *fakeBot) GetFileDirectURL(string) (string, error) {
	return f.fileURL, nil
}

// messages returns the text of every sent message, with its parse mode.
func (f *fakeBot) messages() []tgbotapi.MessageConfig {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []tgbotapi.MessageConfig
	for _, c := range f.sent {
		if m, ok := c.(tgbotapi.MessageConfig); ok {
			out = append(out, m)
		}
	}
	return out
}

func (f *fakeBot) texts() []string {
	var out []string
	for _, m := range f.messages() {
		out = append(out, m.Text)
	}
	return out
}

func (f *fakeBot) lastText() string {
	texts := f.texts()
	if len(texts) == 0 {
		return ""
	}
	return texts[len(texts)-1]
}

func (f *fakeBot) requestsOf(match func(tgbotapi.Chattable) bool) []tgbotapi.Chattable {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []tgbotapi.Chattable
	for _, c := range f.requests {
		if match(c) {
			out = append(out, c)
		}
	}
	return out
}

type testEnv struct {
	adapter *Adapter
	bot     *fakeBot
	gw      *gateway.Gateway
	home    string
}

func newTestEnv(t *testing.T, script string, opts Options, cooldown time.Duration) *testEnv {
	t.Helper()
	dir := t.TempDir()
	home := filepath.Join(dir, "workspace")
	if err := os.MkdirAll(home, 0o755); err != nil {
		t.Fatal(err)
	}
	bin := filepath.Join(dir, "pi")
	if err := os.WriteFile(bin, []byte("#!/bin/sh\n"+script+"\n"), 0o755); err != nil {
		t.Fatal(err)
	}

	runner := agent.NewRunner(bin, filepath.Join(dir, "agent"), agent.NewLockTable())
	runner.Heartbeat = time.Hour
	gw := gateway.New(
		runner,
		state.NewSessionStore(filepath.Join(dir, "sessions"), dir),
		state.NewWorkspaceStore(filepath.Join(dir, "workspaces.json"), home, home),
		state.NewHistoryStore(dir),
		gateway.Options{Timeout: 10 * time.Second},
	)
	t.Cleanup(gw.Stop)

	bot := &fakeBot{}
	a := newAdapter(bot, gw, ratelimit.New(cooldown), nil, opts)
	return &testEnv{adapter: a, bot: bot, gw: gw, home: home}
}

func textMessage(chatID, userID int64, text string) *tgbotapi.Message {
	return &tgbotapi.Message{
		MessageID: 1,
		Chat:      &tgbotapi.Chat{ID: chatID},
		From:      &tgbotapi.User{ID: userID},
		Text:      text,
	}
}

func commandMessage(chatID int64, text string) *tgbotapi.Message {
	msg := textMessage(chatID, 7, text)
	cmd, _, _ := strings.Cut(text, " ")
	msg.Entities = []tgbotapi.MessageEntity{{Type: "bot_command", Offset: 0, Length: len(cmd)}}
	return msg
}

func TestHandleTextDeliversHTML(t *testing.T) {
	env := newTestEnv(t, `echo "**done** with <tags>"`, Options{}, 0)

	env.adapter.handleMessage(context.Background(), textMessage(42, 7, "hello"))

	msgs := env.bot.messages()
	if len(msgs) != 2 {
		t.Fatalf("expected status and reply, got %q", env.bot.texts())
	}
	if msgs[0].Text != "🔄 Working..." {
		t.Errorf("expected status message first, got %q", msgs[0].Text)
	}
	if msgs[1].Text != "<b>done</b> with &lt;tags&gt;" || msgs[1].ParseMode != tgbotapi.ModeHTML {
		t.Errorf("expected HTML reply, got %q (%s)", msgs[1].Text, msgs[1].ParseMode)
	}

	deletes := env.bot.requestsOf(func(c tgbotapi.Chattable) bool {
		_, ok := c.(tgbotapi.DeleteMessageConfig)
		return ok
	})
	if len(deletes) != 1 {
		t.Errorf("expected status message deleted, got %d deletes", len(deletes))
	}
}

func TestHandleTextPlainFallback(t *testing.T) {
	env := newTestEnv(t, `echo "**done**"`, Options{}, 0)
	env.bot.failHTML = true

	env.adapter.handleMessage(context.Background(), textMessage(42, 7, "hello"))

	if got := env.bot.lastText(); got != "done" {
		t.Errorf("expected plain fallback %q, got %q", "done", got)
	}
}

func TestHandleTextError(t *testing.T) {
	env := newTestEnv(t, `echo boom >&2; exit 1`, Options{}, 0)

	env.adapter.handleMessage(context.Background(), textMessage(42, 7, "hello"))

	texts := env.bot.texts()
	if texts[len(texts)-1] != "Error: boom" {
		t.Errorf("expected error message last, got %q", texts)
	}
	for _, text := range texts {
		if text == types.ErrorOccurred {
			t.Errorf("expected placeholder output not to be sent, got %q", texts)
		}
	}
}

func TestHandleTextUnauthorized(t *testing.T) {
	env := newTestEnv(t, `echo should-not-run`, Options{AllowedUsers: []int64{1}}, 0)

	env.adapter.handleMessage(context.Background(), textMessage(42, 7, "hello"))

	texts := env.bot.texts()
	if len(texts) != 1 || texts[0] != "Sorry, you are not authorized to use this bot." {
		t.Errorf("expected refusal only, got %q", texts)
	}
}

func TestHandleTextRateLimited(t *testing.T) {
	env := newTestEnv(t, `echo ok`, Options{}, 5*time.Second)
	ctx := context.Background()

	env.adapter.handleMessage(ctx, textMessage(42, 7, "one"))
	env.adapter.handleMessage(ctx, textMessage(42, 7, "two"))

	if got := env.bot.lastText(); got != "⏳ Please wait 5s before sending another message." {
		t.Errorf("expected cooldown notice, got %q", got)
	}
}

func TestHandleTextSendsFiles(t *testing.T) {
	env := newTestEnv(t, `echo data > report.pdf; echo "Saved to: /nonexistent/chart.png"`, Options{}, 0)

	env.adapter.handleMessage(context.Background(), textMessage(42, 7, "make a report"))

	env.bot.mu.Lock()
	var docs, photos int
	for _, c := range env.bot.sent {
		switch c.(type) {
		case tgbotapi.DocumentConfig:
			docs++
		case tgbotapi.PhotoConfig:
			photos++
		}
	}
	env.bot.mu.Unlock()

	if docs != 1 {
		t.Errorf("expected report.pdf sent as document, got %d", docs)
	}
	if photos != 1 {
		t.Errorf("expected chart.png attempted as photo, got %d", photos)
	}
}

func TestHandlePhoto(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("jpegdata"))
	}))
	defer srv.Close()

	env := newTestEnv(t, `for a; do case "$a" in @*) f="${a#@}"; echo "saw $(cat "$f")";; esac; done; for last; do :; done; echo "prompt: $last"`, Options{}, 0)
	env.bot.fileURL = srv.URL + "/file/bot/photos/file_1.jpg"

	msg := textMessage(42, 7, "")
	msg.Photo = []tgbotapi.PhotoSize{{FileID: "small"}, {FileID: "large"}}
	env.adapter.handleMessage(context.Background(), msg)

	texts := env.bot.texts()
	if texts[0] != "🔄 Analyzing image..." {
		t.Errorf("expected analyzing status, got %q", texts[0])
	}
	if got := env.bot.lastText(); got != "saw jpegdata\nprompt: What's in this image?" {
		t.Errorf("unexpected reply %q", got)
	}

	leftovers, _ := filepath.Glob(filepath.Join(os.TempDir(), "mini-claw", "42-*.jpg"))
	if len(leftovers) != 0 {
		t.Errorf("expected downloaded photo removed, found %v", leftovers)
	}
}

func TestCommands(t *testing.T) {
	env := newTestEnv(t, `echo ok`, Options{}, 0)
	ctx := context.Background()
	if err := os.Mkdir(filepath.Join(env.home, "project"), 0o755); err != nil {
		t.Fatal(err)
	}

	tests := []struct {
		command string
		want    string
	}{
		{"/pwd", "📁 ~"},
		{"/cd project", "📁 ~/project"},
		{"/pwd", "📁 ~/project"},
		{"/cd /does/not/exist", "Error: directory not found: /does/not/exist"},
		{"/home", "📁 ~"},
		{"/shell", "Usage: /shell <command>\nExample: /shell ls -la"},
		{"/shell echo hi", "hi"},
		{"/shell exit 3", "(no output)\n\n[exit code: 3]"},
		{"/new", "Starting fresh conversation."},
		{"/session", "No sessions found."},
		{"/bogus", "Unknown command. Type /help for all commands."},
	}
	for _, tt := range tests {
		env.adapter.handleMessage(ctx, commandMessage(42, tt.command))
		if got := env.bot.lastText(); got != tt.want {
			t.Errorf("%s: expected %q, got %q", tt.command, tt.want, got)
		}
	}
}

func TestNewArchivesSession(t *testing.T) {
	env := newTestEnv(t, `session="$2"; mkdir -p "$(dirname "$session")"; echo '{}' >> "$session"; echo ok`, Options{}, 0)
	ctx := context.Background()

	env.adapter.handleMessage(ctx, textMessage(42, 7, "hello"))
	env.adapter.handleMessage(ctx, commandMessage(42, "/new"))

	got := env.bot.lastText()
	if !strings.HasPrefix(got, "Session archived as telegram-42-") || !strings.HasSuffix(got, "\nStarting fresh conversation.") {
		t.Errorf("unexpected /new reply %q", got)
	}
}

func TestSessionCommandAndSwitch(t *testing.T) {
	env := newTestEnv(t, `if [ "$1" = "--print" ]; then echo "Greeting"; exit 0; fi
session="$2"; mkdir -p "$(dirname "$session")"
printf '{"type":"message","message":{"role":"user","content":"hello there"}}\n' >> "$session"
echo ok`, Options{}, 0)
	ctx := context.Background()

	env.adapter.handleMessage(ctx, textMessage(42, 7, "hello there"))
	archived, err := env.gw.NewChatSession(ctx, types.ChatKey(42))
	if err != nil {
		t.Fatal(err)
	}

	env.adapter.handleMessage(ctx, commandMessage(42, "/session"))
	msgs := env.bot.messages()
	list := msgs[len(msgs)-1]
	if !strings.HasPrefix(list.Text, "📚 Sessions (1 total)") {
		t.Errorf("unexpected session list %q", list.Text)
	}
	markup, ok := list.ReplyMarkup.(tgbotapi.InlineKeyboardMarkup)
	if !ok || len(markup.InlineKeyboard) != 2 {
		t.Fatalf("expected one session button plus cleanup, got %#v", list.ReplyMarkup)
	}
	button := markup.InlineKeyboard[0][0]
	if !strings.HasPrefix(button.Text, "Greeting (") {
		t.Errorf("expected generated title on button, got %q", button.Text)
	}
	if button.CallbackData == nil || *button.CallbackData != "session:load:"+archived {
		t.Errorf("unexpected callback data %v", button.CallbackData)
	}

	env.adapter.handleUpdate(ctx, tgbotapi.Update{CallbackQuery: &tgbotapi.CallbackQuery{
		ID:      "cb1",
		From:    &tgbotapi.User{ID: 7},
		Message: &tgbotapi.Message{MessageID: 99, Chat: &tgbotapi.Chat{ID: 42}},
		Data:    "session:load:" + archived,
	}})

	edits := env.bot.requestsOf(func(c tgbotapi.Chattable) bool {
		e, ok := c.(tgbotapi.EditMessageTextConfig)
		return ok && e.Text == "✅ Switched to session: "+archived
	})
	if len(edits) != 1 {
		t.Error("expected session list edited to confirm the switch")
	}
	if _, err := os.Stat(env.gw.Sessions().TranscriptPath(types.ChatKey(42))); err != nil {
		t.Errorf("expected session restored to default path: %v", err)
	}
}

func TestCallbackRejectsForeignSession(t *testing.T) {
	env := newTestEnv(t, `echo ok`, Options{}, 0)

	env.adapter.handleUpdate(context.Background(), tgbotapi.Update{CallbackQuery: &tgbotapi.CallbackQuery{
		ID:      "cb1",
		From:    &tgbotapi.User{ID: 7},
		Message: &tgbotapi.Message{MessageID: 99, Chat: &tgbotapi.Chat{ID: 42}},
		Data:    "session:load:telegram-43.jsonl",
	}})

	alerts := env.bot.requestsOf(func(c tgbotapi.Chattable) bool {
		cb, ok := c.(tgbotapi.CallbackConfig)
		return ok && cb.ShowAlert && strings.Contains(cb.Text, "another chat")
	})
	if len(alerts) != 1 {
		t.Error("expected an alert for another chat's session")
	}
}

func TestSendTo(t *testing.T) {
	env := newTestEnv(t, `echo ok`, Options{}, 0)
	ctx := context.Background()

	if err := env.adapter.SendTo(ctx, "telegram:42", "_report_ ready"); err != nil {
		t.Fatal(err)
	}
	msgs := env.bot.messages()
	if len(msgs) != 1 || msgs[0].ChatID != 42 || msgs[0].Text != "<i>report</i> ready" {
		t.Errorf("unexpected delivery %+v", msgs)
	}

	if err := env.adapter.SendTo(ctx, "slack:42", "x"); err == nil {
		t.Error("expected error for non-telegram key")
	}
	if err := env.adapter.SendTo(ctx, "telegram:abc", "x"); err == nil {
		t.Error("expected error for non-numeric chat")
	}
}

func TestOwnsSession(t *testing.T) {
	tests := []struct {
		chat int64
		file string
		want bool
	}{
		{42, "telegram-42.jsonl", true},
		{42, "telegram-42-2026-01-02T15-04-05-123Z.jsonl", true},
		{42, "telegram-420.jsonl", false},
		{4, "telegram-42.jsonl", false},
		{-100, "telegram--100-x.jsonl", true},
		{100, "telegram--100-x.jsonl", false},
	}
	for _, tt := range tests {
		if got := ownsSession(tt.chat, tt.file); got != tt.want {
			t.Errorf("ownsSession(%d, %q) = %v, want %v", tt.chat, tt.file, got, tt.want)
		}
	}
}

func TestConsumeStopsWhenUpdatesClose(t *testing.T) {
	env := newTestEnv(t, `echo hi`, Options{}, 0)

	updates := make(chan tgbotapi.Update, 1)
	updates <- tgbotapi.Update{Message: commandMessage(1, "/pwd")}
	close(updates)

	done := make(chan struct{})
	go func() {
		env.adapter.consume(context.Background(), updates)
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("consume kept running after the update channel closed")
	}

	if got := env.bot.lastText(); got != "📁 ~" {
		t.Errorf("expected the queued update to be handled, got %q", got)
	}
}

func TestConsumeStopsOnContext(t *testing.T) {
	env := newTestEnv(t, `echo hi`, Options{}, 0)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	done := make(chan struct{})
	go func() {
		env.adapter.consume(ctx, make(chan tgbotapi.Update))
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("consume ignored a cancelled context")
	}
}
