package telegram

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"slices"
	"strings"
	"sync"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"

	"github.com/user/miniclaw/internal/gateway"
	"github.com/user/miniclaw/internal/markdown"
	"github.com/user/miniclaw/internal/ratelimit"
	"github.com/user/miniclaw/internal/state"
	"github.com/user/miniclaw/internal/types"
)

// botAPI is the subset of the Bot API client the adapter uses.
type botAPI interface {
	Send(c tgbotapi.Chattable) (tgbotapi.Message, error)
	Request(c tgbotapi.Chattable) (*tgbotapi.APIResponse, error)
	GetFileDirectURL(fileID string) (string, error)
}

// Options configures the adapter.
type Options struct {
	AllowedUsers   []int64 // empty allows everyone
	ShellTimeout   time.Duration
	TitleTimeout   time.Duration
	KeepSessions   int
	StatusInterval time.Duration
	TypingInterval time.Duration
}

func (o *Options) setDefaults() {
	if o.ShellTimeout <= 0 {
		o.ShellTimeout = 60 * time.Second
	}
	if o.TitleTimeout <= 0 {
		o.TitleTimeout = 10 * time.Second
	}
	if o.KeepSessions <= 0 {
		o.KeepSessions = 5
	}
	if o.StatusInterval <= 0 {
		o.StatusInterval = 2 * time.Second
	}
	if o.TypingInterval <= 0 {
		o.TypingInterval = 4 * time.Second
	}
}

// Adapter bridges Telegram to the gateway.
type Adapter struct {
	api     *tgbotapi.BotAPI
	bot     botAPI
	gateway *gateway.Gateway
	limiter *ratelimit.Limiter
	tokens  *state.TokenCounter
	retry   *RetryPolicy
	http    *http.Client
	opts    Options

	wg sync.WaitGroup
}

// New creates a Telegram adapter. tokens may be nil.
func New(token string, gw *gateway.Gateway, limiter *ratelimit.Limiter, tokens *state.TokenCounter, opts Options) (*Adapter, error) {
	api, err := tgbotapi.NewBotAPI(token)
	if err != nil {
		return nil, fmt.Errorf("create bot: %w", err)
	}
	a := newAdapter(api, gw, limiter, tokens, opts)
	a.api = api
	return a, nil
}

func newAdapter(bot botAPI, gw *gateway.Gateway, limiter *ratelimit.Limiter, tokens *state.TokenCounter, opts Options) *Adapter {
	opts.setDefaults()
	if limiter == nil {
		limiter = ratelimit.New(0)
	}
	return &Adapter{
		bot:     bot,
		gateway: gw,
		limiter: limiter,
		tokens:  tokens,
		retry:   DefaultRetryPolicy(),
		http:    &http.Client{Timeout: 60 * time.Second},
		opts:    opts,
	}
}

// Username returns the bot's username once connected.
func (a *Adapter) Username() string {
	if a.api == nil {
		return ""
	}
	return a.api.Self.UserName
}

// Start registers the command menu and long-polls for updates until ctx
// is done. Each update is handled on its own goroutine; turns for the
// same chat are still serialised by the gateway.
func (a *Adapter) Start(ctx context.Context) {
	if _, err := a.bot.Request(tgbotapi.NewSetMyCommands(botCommands()...)); err != nil {
		slog.Warn("register bot commands", "error", err)
	}

	u := tgbotapi.NewUpdate(0)
	u.Timeout = 30
	a.consume(ctx, a.api.GetUpdatesChan(u))
	a.api.StopReceivingUpdates()
}

// consume dispatches updates until ctx is done or the channel closes,
// then waits for in-flight handlers.
func (a *Adapter) consume(ctx context.Context, updates tgbotapi.UpdatesChannel) {
	defer a.wg.Wait()
	for {
		select {
		case update, ok := <-updates:
			if !ok {
				slog.Warn("telegram update channel closed")
				return
			}
			a.wg.Add(1)
			go func() {
				defer a.wg.Done()
				a.handleUpdate(ctx, update)
			}()
		case <-ctx.Done():
			return
		}
	}
}

func (a *Adapter) handleUpdate(ctx context.Context, update tgbotapi.Update) {
	defer func() {
		if r := recover(); r != nil {
			slog.Error("telegram handler panic", "update_id", update.UpdateID, "panic", r)
		}
	}()

	switch {
	case update.CallbackQuery != nil:
		a.handleCallback(ctx, update.CallbackQuery)
	case update.Message != nil:
		a.handleMessage(ctx, update.Message)
	}
}

func (a *Adapter) handleMessage(ctx context.Context, msg *tgbotapi.Message) {
	if msg.Chat == nil {
		return
	}
	switch {
	case msg.IsCommand():
		if !a.authorize(ctx, msg.Chat.ID, msg.From) {
			return
		}
		a.handleCommand(ctx, msg)
	case len(msg.Photo) > 0:
		a.handlePhoto(ctx, msg)
	case msg.Text != "":
		a.handleText(ctx, msg)
	}
}

// allowed reports whether the sender may use the bot.
func (a *Adapter) allowed(from *tgbotapi.User) bool {
	if len(a.opts.AllowedUsers) == 0 {
		return true
	}
	return from != nil && slices.Contains(a.opts.AllowedUsers, from.ID)
}

// authorize replies with a refusal when the sender is not allowed.
func (a *Adapter) authorize(ctx context.Context, chatID int64, from *tgbotapi.User) bool {
	if a.allowed(from) {
		return true
	}
	var userID int64
	if from != nil {
		userID = from.ID
	}
	slog.Warn("unauthorized telegram user", "chat_id", chatID, "user_id", userID)
	a.sendPlain(ctx, chatID, "Sorry, you are not authorized to use this bot.")
	return false
}

// checkRate replies with the remaining cooldown when the chat is limited.
func (a *Adapter) checkRate(ctx context.Context, chatID int64) bool {
	ok, retry := a.limiter.Check(chatID)
	if ok {
		return true
	}
	secs := int((retry + time.Second - 1) / time.Second)
	a.sendPlain(ctx, chatID, fmt.Sprintf("⏳ Please wait %ds before sending another message.", secs))
	return false
}

// send delivers c with retries on transient Bot API failures.
func (a *Adapter) send(ctx context.Context, c tgbotapi.Chattable) (tgbotapi.Message, error) {
	var sent tgbotapi.Message
	err := a.retry.Execute(ctx, func() error {
		m, err := a.bot.Send(c)
		if err != nil {
			return err
		}
		sent = m
		return nil
	})
	return sent, err
}

func (a *Adapter) sendPlain(ctx context.Context, chatID int64, text string) {
	for _, chunk := range splitMessage(text) {
		if _, err := a.send(ctx, tgbotapi.NewMessage(chatID, chunk)); err != nil {
			slog.Error("send message", "chat_id", chatID, "error", err)
			return
		}
	}
}

// sendMarkdown sends agent output as HTML, falling back to plain text
// for any chunk Telegram rejects.
func (a *Adapter) sendMarkdown(ctx context.Context, chatID int64, text string) error {
	for _, chunk := range splitMessage(strings.TrimSpace(text)) {
		html := markdown.ToTelegramHTML(chunk)
		if len(html) <= maxTelegramMessage {
			msg := tgbotapi.NewMessage(chatID, html)
			msg.ParseMode = tgbotapi.ModeHTML
			_, err := a.send(ctx, msg)
			if err == nil {
				continue
			}
			slog.Debug("html send failed, retrying as plain text", "chat_id", chatID, "error", err)
		}
		for _, plain := range splitMessage(markdown.Strip(chunk)) {
			if _, err := a.send(ctx, tgbotapi.NewMessage(chatID, plain)); err != nil {
				return fmt.Errorf("send message: %w", err)
			}
		}
	}
	return nil
}

// SendTo delivers text to the chat addressed by a "telegram:<chat>" key.
func (a *Adapter) SendTo(ctx context.Context, key types.SessionKey, text string) error {
	source, conv, err := types.ParseSessionKey(key)
	if err != nil {
		return err
	}
	if source != "telegram" {
		return fmt.Errorf("not a telegram session key: %s", key)
	}
	chatID, err := conv.ChatID()
	if err != nil {
		return err
	}
	return a.sendMarkdown(ctx, chatID, text)
}

// deliver sends a finished turn back to the chat: the error, the reply,
// tool images from the transcript, then detected workspace files.
func (a *Adapter) deliver(ctx context.Context, chatID int64, res *gateway.TurnResult) {
	log := slog.With("chat_id", chatID)

	if res.Result.Failed() {
		a.sendPlain(ctx, chatID, "Error: "+res.Result.Error)
	}
	if out := res.Result.Output; out != "" && !(res.Result.Failed() && out == types.ErrorOccurred) {
		if err := a.sendMarkdown(ctx, chatID, out); err != nil {
			log.Error("send reply", "error", err)
		}
	}

	for i, img := range res.Images {
		name := fmt.Sprintf("image_%d.%s", i+1, img.Extension())
		photo := tgbotapi.NewPhoto(chatID, tgbotapi.FileBytes{Name: name, Bytes: img.Data})
		if _, err := a.send(ctx, photo); err != nil {
			log.Error("send tool image", "image", name, "error", err)
		}
	}

	for _, f := range res.Files {
		var c tgbotapi.Chattable
		if f.Category == types.FilePhoto {
			photo := tgbotapi.NewPhoto(chatID, tgbotapi.FilePath(f.Path))
			photo.Caption = f.Filename
			c = photo
		} else {
			doc := tgbotapi.NewDocument(chatID, tgbotapi.FilePath(f.Path))
			doc.Caption = f.Filename
			c = doc
		}
		if _, err := a.send(ctx, c); err != nil {
			log.Warn("send detected file", "file", f.Path, "error", err)
			a.sendPlain(ctx, chatID, fmt.Sprintf("(Could not send file: %s)", f.Filename))
		}
	}
}
