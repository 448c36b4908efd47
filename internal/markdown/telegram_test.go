package markdown

import "testing"

func TestToTelegramHTML(t *testing.T) {
	tests := []struct {
		name string
		in   string
		want string
	}{
		{"bold", "**bold**", "<b>bold</b>"},
		{"bold underscore", "__bold__", "<b>bold</b>"},
		{"italic", "*italic*", "<i>italic</i>"},
		{"italic underscore", "_italic_", "<i>italic</i>"},
		{"strikethrough", "~~gone~~", "<s>gone</s>"},
		{"inline code", "`code`", "<code>code</code>"},
		{"code block", "```go\nfunc main() {}\n```", "<pre>func main() {}</pre>"},
		{"html in code block", "```\n<div>test</div>\n```", "<pre>&lt;div&gt;test&lt;/div&gt;</pre>"},
		{"escaping", "a < b & c > d", "a &lt; b &amp; c &gt; d"},
		{"raw html", "<script>", "&lt;script&gt;"},
		{"link", "[site](https://example.com)", `<a href="https://example.com">site</a>`},
		{"heading", "# Title", "<b>Title</b>"},
		{"blockquote", "> quoted", "<blockquote>quoted</blockquote>"},
		{"snake case", "use snake_case_name here", "use snake_case_name here"},
		{"paragraphs", "one\n\ntwo", "one\n\ntwo"},
		{"soft break", "line one\nline two", "line one\nline two"},
		{"unordered list", "- a\n- b", "• a\n• b"},
		{"ordered list", "3. a\n4. b", "3. a\n4. b"},
		{"nested list", "- a\n  - b", "• a\n  • b"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := ToTelegramHTML(tt.in); got != tt.want {
				t.Errorf("expected %q, got %q", tt.want, got)
			}
		})
	}
}

func TestStrip(t *testing.T) {
	tests := []struct {
		name string
		in   string
		want string
	}{
		{"bold", "**bold** text", "bold text"},
		{"code block", "```go\nx := 1\n```", "x := 1"},
		{"inline code", "run `ls`", "run ls"},
		{"link", "[docs](https://example.com)", "docs (https://example.com)"},
		{"no escaping", "a < b", "a < b"},
		{"strikethrough", "~~old~~ new", "old new"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := Strip(tt.in); got != tt.want {
				t.Errorf("expected %q, got %q", tt.want, got)
			}
		})
	}
}

func TestEscapeHTML(t *testing.T) {
	if got := EscapeHTML("<a&b>"); got != "&lt;a&amp;b&gt;" {
		t.Errorf("expected escaped text, got %q", got)
	}
}
