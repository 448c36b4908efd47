package telegram

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"golang.org/x/sync/errgroup"

	"github.com/user/miniclaw/internal/shell"
	"github.com/user/miniclaw/internal/state"
	"github.com/user/miniclaw/internal/transcript"
	"github.com/user/miniclaw/internal/types"
)

const (
	maxSessionButtons = 10
	maxCallbackData   = 64
	titleWorkers      = 4
)

const helpText = `📖 Mini-Claw Commands

📁 Navigation:
/pwd - Show current directory
/cd <path> - Change directory
/home - Go to the default workspace

🔧 Execution:
/shell <cmd> - Run shell command directly

💬 Sessions:
/session - List & manage sessions
/new - Archive current & start fresh

📊 Info:
/status - Show bot status
/help - Show this message

💡 Tips:
• Any text → AI conversation
• Send a photo with a caption to ask about it
• /shell runs instantly, no AI
• /cd supports ~, .., relative paths`

func botCommands() []tgbotapi.BotCommand {
	return []tgbotapi.BotCommand{
		{Command: "start", Description: "Welcome and agent status"},
		{Command: "help", Description: "Show all commands"},
		{Command: "pwd", Description: "Show current directory"},
		{Command: "cd", Description: "Change directory"},
		{Command: "home", Description: "Go to the default workspace"},
		{Command: "shell", Description: "Run a shell command"},
		{Command: "session", Description: "List and switch sessions"},
		{Command: "new", Description: "Archive current session and start fresh"},
		{Command: "status", Description: "Show bot status"},
	}
}

func (a *Adapter) handleCommand(ctx context.Context, msg *tgbotapi.Message) {
	chatID := msg.Chat.ID
	args := strings.TrimSpace(msg.CommandArguments())

	switch msg.Command() {
	case "start":
		a.cmdStart(ctx, chatID)
	case "help":
		a.sendPlain(ctx, chatID, helpText)
	case "pwd":
		a.cmdPwd(ctx, chatID)
	case "cd":
		a.cmdCd(ctx, chatID, args)
	case "home":
		a.cmdHome(ctx, chatID)
	case "shell":
		a.cmdShell(ctx, chatID, args)
	case "session", "sessions":
		a.cmdSession(ctx, chatID)
	case "new":
		a.cmdNew(ctx, chatID)
	case "status":
		a.cmdStatus(ctx, chatID)
	default:
		a.sendPlain(ctx, chatID, "Unknown command. Type /help for all commands.")
	}
}

func (a *Adapter) agentStatus(ctx context.Context) string {
	if a.gateway.Runner().Check(ctx) {
		return "Pi is ready"
	}
	return "Pi is not installed or not authenticated"
}

func (a *Adapter) cmdStart(ctx context.Context, chatID int64) {
	ws := a.gateway.Workspaces()
	cwd := ws.FormatPath(ws.Get(types.ChatKey(chatID)))
	a.sendPlain(ctx, chatID, fmt.Sprintf(
		"Welcome to Mini-Claw!\n\n%s\nWorking directory: %s\n\nType /help for all commands.\nSend any message to chat with AI.",
		a.agentStatus(ctx), cwd,
	))
}

func (a *Adapter) cmdPwd(ctx context.Context, chatID int64) {
	ws := a.gateway.Workspaces()
	a.sendPlain(ctx, chatID, "📁 "+ws.FormatPath(ws.Get(types.ChatKey(chatID))))
}

func (a *Adapter) cmdCd(ctx context.Context, chatID int64, path string) {
	ws := a.gateway.Workspaces()
	dir, err := ws.Set(types.ChatKey(chatID), path)
	if err != nil {
		a.sendPlain(ctx, chatID, "Error: "+err.Error())
		return
	}
	a.sendPlain(ctx, chatID, "📁 "+ws.FormatPath(dir))
}

func (a *Adapter) cmdHome(ctx context.Context, chatID int64) {
	ws := a.gateway.Workspaces()
	dir, err := ws.Reset(types.ChatKey(chatID))
	if err != nil {
		a.sendPlain(ctx, chatID, "Error: "+err.Error())
		return
	}
	a.sendPlain(ctx, chatID, "📁 "+ws.FormatPath(dir))
}

func (a *Adapter) cmdShell(ctx context.Context, chatID int64, command string) {
	if command == "" {
		a.sendPlain(ctx, chatID, "Usage: /shell <command>\nExample: /shell ls -la")
		return
	}

	cwd := a.gateway.Workspaces().Get(types.ChatKey(chatID))
	if _, err := a.bot.Request(tgbotapi.NewChatAction(chatID, tgbotapi.ChatTyping)); err != nil {
		slog.Debug("send typing action", "chat_id", chatID, "error", err)
	}

	slog.Info("shell command", "chat_id", chatID, "workspace", cwd)
	res := shell.Run(ctx, command, cwd, a.opts.ShellTimeout)
	a.sendPlain(ctx, chatID, res.Format())
}

func (a *Adapter) cmdSession(ctx context.Context, chatID int64) {
	key := types.ChatKey(chatID)
	sessions, err := a.gateway.Sessions().ListFor(key)
	if err != nil {
		a.sendPlain(ctx, chatID, "Error: "+err.Error())
		return
	}
	if len(sessions) == 0 {
		a.sendPlain(ctx, chatID, "No sessions found.")
		return
	}

	if _, err := a.bot.Request(tgbotapi.NewChatAction(chatID, tgbotapi.ChatTyping)); err != nil {
		slog.Debug("send typing action", "chat_id", chatID, "error", err)
	}

	var shown []state.SessionInfo
	for _, info := range sessions {
		if len(shown) == maxSessionButtons {
			break
		}
		if len("session:load:"+info.Filename) > maxCallbackData {
			slog.Debug("session name too long for a button", "session_file", info.Filename)
			continue
		}
		shown = append(shown, info)
	}

	titles := make([]string, len(shown))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(titleWorkers)
	for i, info := range shown {
		g.Go(func() error {
			titles[i] = a.gateway.Runner().Title(gctx, transcript.FirstUserMessage(info.Path), a.opts.TitleTimeout)
			return nil
		})
	}
	_ = g.Wait()

	now := time.Now()
	var rows [][]tgbotapi.InlineKeyboardButton
	for i, info := range shown {
		label := fmt.Sprintf("%s (%s, %s)", titles[i], state.FormatAge(info.ModifiedAt, now), state.FormatSize(info.Size))
		rows = append(rows, tgbotapi.NewInlineKeyboardRow(tgbotapi.NewInlineKeyboardButtonData(label, "session:load:"+info.Filename)))
	}
	rows = append(rows, tgbotapi.NewInlineKeyboardRow(
		tgbotapi.NewInlineKeyboardButtonData("🗑 Clean Up Old Sessions", "session:cleanup"),
	))

	reply := tgbotapi.NewMessage(chatID, fmt.Sprintf("📚 Sessions (%d total)\n\nTap to switch session:", len(sessions)))
	reply.ReplyMarkup = tgbotapi.NewInlineKeyboardMarkup(rows...)
	if _, err := a.send(ctx, reply); err != nil {
		slog.Error("send session list", "chat_id", chatID, "error", err)
	}
}

func (a *Adapter) cmdNew(ctx context.Context, chatID int64) {
	archived, err := a.gateway.NewChatSession(ctx, types.ChatKey(chatID))
	if err != nil {
		a.sendPlain(ctx, chatID, "Error: "+err.Error())
		return
	}
	if archived == "" {
		a.sendPlain(ctx, chatID, "Starting fresh conversation.")
		return
	}
	a.sendPlain(ctx, chatID, fmt.Sprintf("Session archived as %s\nStarting fresh conversation.", archived))
}

func (a *Adapter) cmdStatus(ctx context.Context, chatID int64) {
	key := types.ChatKey(chatID)
	ws := a.gateway.Workspaces()
	sessions := a.gateway.Sessions()

	pi := "Not available"
	if a.gateway.Runner().Check(ctx) {
		pi = "OK"
	}
	active, err := sessions.ActiveFilename(key)
	if err != nil {
		active = state.DefaultFilename(key)
	}
	busy := "idle"
	if a.gateway.Busy(key) {
		busy = "running"
	}

	var b strings.Builder
	fmt.Fprintf(&b, "Status:\n- Pi: %s\n- Chat ID: %d\n- Workspace: %s\n- Session: %s\n- Agent: %s",
		pi, chatID, ws.FormatPath(ws.Get(key)), active, busy)
	if a.tokens != nil {
		if n, err := a.tokens.CountTranscript(sessions.TranscriptPath(key)); err == nil {
			fmt.Fprintf(&b, "\n- Context: ~%d tokens", n)
		}
	}
	if hist := a.gateway.History(); hist != nil {
		if n, err := hist.Count(ctx, key); err == nil {
			fmt.Fprintf(&b, "\n- Turns: %d", n)
		}
	}
	a.sendPlain(ctx, chatID, b.String())
}

// ownsSession reports whether filename is one of chatID's transcripts.
func ownsSession(chatID int64, filename string) bool {
	prefix := "telegram-" + string(types.ChatKey(chatID))
	rest, ok := strings.CutPrefix(filename, prefix)
	return ok && (strings.HasPrefix(rest, "-") || strings.HasPrefix(rest, "."))
}

var errForeignSession = errors.New("session belongs to another chat")
