package telegram

import (
	"strings"
	"unicode/utf8"
)

const maxTelegramMessage = 4096

// splitMessage breaks text into chunks Telegram accepts. It prefers
// the last newline, then the last space, as long as the cut keeps at
// least half a message; otherwise it cuts hard at the limit. Leading
// whitespace of each following chunk is dropped. Invalid UTF-8, which
// Telegram rejects, is replaced with U+FFFD first.
func splitMessage(text string) []string {
	text = strings.ToValidUTF8(text, "\uFFFD")
	if len(text) <= maxTelegramMessage {
		return []string{text}
	}

	var chunks []string
	remaining := text
	for remaining != "" {
		if len(remaining) <= maxTelegramMessage {
			chunks = append(chunks, remaining)
			break
		}

		window := remaining[:maxTelegramMessage]
		cut := strings.LastIndexByte(window, '\n')
		if cut < maxTelegramMessage/2 {
			cut = strings.LastIndexByte(window, ' ')
		}
		if cut < maxTelegramMessage/2 {
			cut = runeBoundary(remaining, maxTelegramMessage)
		}
		if cut <= 0 {
			cut = maxTelegramMessage
		}

		chunks = append(chunks, remaining[:cut])
		remaining = strings.TrimLeft(remaining[cut:], " \t\r\n")
	}
	return chunks
}

// runeBoundary backs n off so s[:n] does not end mid-rune.
func runeBoundary(s string, n int) int {
	for n > 0 && n < len(s) && !utf8.RuneStart(s[n]) {
		n--
	}
	return n
}
