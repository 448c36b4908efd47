package agent

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"strings"
	"time"
	"unicode/utf8"
)

const checkTimeout = 10 * time.Second

// Check reports whether the agent CLI is installed and ready, using
// `<agent> --version` (exit 0 means ready).
func (r *Runner) Check(ctx context.Context) bool {
	ctx, cancel := context.WithTimeout(ctx, checkTimeout)
	defer cancel()

	cmd := exec.CommandContext(ctx, r.Command, "--version")
	cmd.Env = append(os.Environ(), "PI_AGENT_DIR="+r.AgentDir)
	return cmd.Run() == nil
}

// Version returns the agent's --version output.
func (r *Runner) Version(ctx context.Context) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, checkTimeout)
	defer cancel()

	cmd := exec.CommandContext(ctx, r.Command, "--version")
	cmd.Env = append(os.Environ(), "PI_AGENT_DIR="+r.AgentDir)
	out, err := cmd.Output()
	if err != nil {
		return "", fmt.Errorf("run %s --version: %w", r.Command, err)
	}
	return strings.TrimSpace(string(out)), nil
}

const (
	maxTitleLen    = 50
	maxFallbackLen = 30
	titlePromptLen = 200
)

// Title asks the agent for a short conversation title based on the
// first user message, without touching any session. If the agent fails
// or times out, the first five words of the message are used.
func (r *Runner) Title(ctx context.Context, firstMessage string, timeout time.Duration) string {
	firstMessage = strings.TrimSpace(firstMessage)
	if firstMessage == "" {
		return "Empty session"
	}

	prompt := fmt.Sprintf(
		"Generate a very short title (max 5 words) for a conversation that started with: %q. Reply with ONLY the title, no quotes, no explanation.",
		truncate(firstMessage, titlePromptLen),
	)

	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	cmd := exec.CommandContext(ctx, r.Command, "--print", "--no-session", prompt)
	cmd.Env = append(os.Environ(), "PI_AGENT_DIR="+r.AgentDir)
	if out, err := cmd.Output(); err == nil {
		if title := strings.TrimSpace(string(out)); title != "" {
			return truncate(title, maxTitleLen)
		}
	}
	return fallbackTitle(firstMessage)
}

func fallbackTitle(msg string) string {
	words := strings.Fields(msg)
	if len(words) > 5 {
		words = words[:5]
	}
	title := strings.Join(words, " ")
	if utf8.RuneCountInString(title) > maxFallbackLen {
		return truncate(title, maxFallbackLen) + "..."
	}
	return title
}
