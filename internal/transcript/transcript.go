// Package transcript reads the agent's append-only JSONL session files.
package transcript

import (
	"encoding/base64"
	"encoding/json"
	"log/slog"
	"os"
	"strings"
	"unicode/utf8"

	"github.com/user/miniclaw/internal/types"
)

const maxFirstMessage = 500

type record struct {
	Type    string          `json:"type"`
	Role    string          `json:"role"`
	Content json.RawMessage `json:"content"`
	Message *message        `json:"message"`
}

type message struct {
	Role    string          `json:"role"`
	Content json.RawMessage `json:"content"`
}

type item struct {
	Type     string  `json:"type"`
	Text     string  `json:"text"`
	Data     string  `json:"data"`
	MimeType string  `json:"mimeType"`
	Source   *source `json:"source"`
}

type source struct {
	Type      string `json:"type"`
	MediaType string `json:"media_type"`
	Data      string `json:"data"`
}

// lines returns the transcript's lines after trimming the whole file.
// A missing or unreadable file has no lines.
func lines(path string) []string {
	data, err := os.ReadFile(path)
	if err != nil {
		if !os.IsNotExist(err) {
			slog.Warn("read transcript", "path", path, "error", err)
		}
		return nil
	}
	content := strings.TrimSpace(string(data))
	if content == "" {
		return nil
	}
	return strings.Split(content, "\n")
}

// LineCount is the watermark taken before a run. Passing it to
// ExtractImages afterwards limits the scan to lines the run appended.
func LineCount(path string) int {
	return len(lines(path))
}

// ExtractImages returns images embedded in tool results at line index
// afterLine or later, in transcript order. Lines that are not JSON, and
// items whose payload does not decode, are skipped.
func ExtractImages(path string, afterLine int) []types.Image {
	all := lines(path)
	if afterLine < 0 {
		afterLine = 0
	}
	if afterLine >= len(all) {
		return nil
	}

	var images []types.Image
	for _, line := range all[afterLine:] {
		var rec record
		if err := json.Unmarshal([]byte(line), &rec); err != nil {
			continue
		}
		if rec.Type != "message" || rec.Message == nil || rec.Message.Role != "toolResult" {
			continue
		}
		var items []item
		if err := json.Unmarshal(rec.Message.Content, &items); err != nil {
			continue
		}
		for _, it := range items {
			if img, ok := imageFrom(it); ok {
				images = append(images, img)
			}
		}
	}
	return images
}

func imageFrom(it item) (types.Image, bool) {
	if it.Type != "image" {
		return types.Image{}, false
	}
	var encoded, mime string
	switch {
	case it.Data != "" && it.MimeType != "":
		encoded, mime = it.Data, it.MimeType
	case it.Source != nil && it.Source.Type == "base64" && it.Source.Data != "":
		encoded, mime = it.Source.Data, it.Source.MediaType
		if mime == "" {
			mime = "image/png"
		}
	default:
		return types.Image{}, false
	}
	data, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return types.Image{}, false
	}
	return types.Image{Data: data, MimeType: mime}, true
}

// FirstUserMessage returns the first non-empty user text, capped at 500
// bytes, or "" if there is none.
func FirstUserMessage(path string) string {
	for _, line := range lines(path) {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		var rec record
		if err := json.Unmarshal([]byte(line), &rec); err != nil {
			continue
		}
		role, content := rec.Role, rec.Content
		if rec.Message != nil {
			role, content = rec.Message.Role, rec.Message.Content
		}
		if role != "user" {
			continue
		}
		if text := strings.TrimSpace(firstText(content)); text != "" {
			return truncateBytes(text, maxFirstMessage)
		}
	}
	return ""
}

// Text concatenates every text item in the transcript, one per line.
func Text(path string) string {
	var b strings.Builder
	for _, line := range lines(path) {
		var rec record
		if err := json.Unmarshal([]byte(line), &rec); err != nil || rec.Message == nil {
			continue
		}
		for _, t := range texts(rec.Message.Content) {
			b.WriteString(t)
			b.WriteByte('\n')
		}
	}
	return b.String()
}

func firstText(content json.RawMessage) string {
	if t := texts(content); len(t) > 0 {
		return t[0]
	}
	return ""
}

// texts handles both a plain string and a list of typed items.
func texts(content json.RawMessage) []string {
	if len(content) == 0 {
		return nil
	}
	var s string
	if err := json.Unmarshal(content, &s); err == nil {
		return []string{s}
	}
	var items []item
	if err := json.Unmarshal(content, &items); err != nil {
		return nil
	}
	var out []string
	for _, it := range items {
		if it.Text != "" {
			out = append(out, it.Text)
		}
	}
	return out
}

// truncateBytes cuts s to at most n bytes without splitting a rune.
func truncateBytes(s string, n int) string {
	if len(s) <= n {
		return s
	}
	for n > 0 && !utf8.RuneStart(s[n]) {
		n--
	}
	return s[:n]
}
