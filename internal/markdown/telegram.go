// Package markdown converts the agent's markdown replies into the HTML
// subset Telegram accepts, with a plain-text rendering as fallback.
package markdown

import (
	"strconv"
	"strings"

	"github.com/yuin/goldmark"
	"github.com/yuin/goldmark/ast"
	"github.com/yuin/goldmark/extension"
	extast "github.com/yuin/goldmark/extension/ast"
	"github.com/yuin/goldmark/text"
)

var md = goldmark.New(
	goldmark.WithExtensions(
		extension.Strikethrough,
		extension.Table,
		extension.TaskList,
	),
)

var (
	htmlEscaper = strings.NewReplacer("&", "&amp;", "<", "&lt;", ">", "&gt;")
	attrEscaper = strings.NewReplacer("&", "&amp;", "<", "&lt;", ">", "&gt;", `"`, "&quot;")
)

// ToTelegramHTML renders markdown using only the tags Telegram's HTML
// parse mode supports: b, i, s, code, pre, a and blockquote.
func ToTelegramHTML(src string) string {
	return render(src, true)
}

// Strip renders markdown as plain text, keeping code and link text.
func Strip(src string) string {
	return render(src, false)
}

// EscapeHTML escapes text for Telegram's HTML parse mode.
func EscapeHTML(s string) string {
	return htmlEscaper.Replace(s)
}

func render(src string, html bool) string {
	source := []byte(src)
	doc := md.Parser().Parse(text.NewReader(source))
	r := &renderer{src: source, html: html}
	r.blocks(doc, "\n\n")
	return strings.TrimSpace(r.b.String())
}

type renderer struct {
	src   []byte
	html  bool
	depth int
	b     strings.Builder
}

func (r *renderer) text(s string) {
	if r.html {
		s = htmlEscaper.Replace(s)
	}
	r.b.WriteString(s)
}

func (r *renderer) open(tag string) {
	if r.html {
		r.b.WriteString("<" + tag + ">")
	}
}

func (r *renderer) close(tag string) {
	if r.html {
		r.b.WriteString("</" + tag + ">")
	}
}

func (r *renderer) blocks(parent ast.Node, sep string) {
	for child := parent.FirstChild(); child != nil; child = child.NextSibling() {
		if child != parent.FirstChild() {
			r.b.WriteString(sep)
		}
		r.block(child)
	}
}

func (r *renderer) block(node ast.Node) {
	switch n := node.(type) {
	case *ast.Paragraph, *ast.TextBlock:
		r.inlines(n)

	case *ast.Heading:
		r.open("b")
		r.inlines(n)
		r.close("b")

	case *ast.Blockquote:
		r.open("blockquote")
		r.blocks(n, "\n")
		r.close("blockquote")

	case *ast.List:
		r.list(n)

	case *ast.FencedCodeBlock:
		r.code(n.Lines())

	case *ast.CodeBlock:
		r.code(n.Lines())

	case *ast.HTMLBlock:
		r.text(strings.TrimRight(string(linesValue(n.Lines(), r.src)), "\n"))

	case *ast.ThematicBreak:
		r.b.WriteString(strings.Repeat("─", 10))

	case *extast.Table:
		r.table(n)

	default:
		r.blocks(n, "\n\n")
	}
}

func (r *renderer) list(list *ast.List) {
	index := list.Start
	if index == 0 {
		index = 1
	}
	indent := strings.Repeat("  ", r.depth)
	r.depth++
	defer func() { r.depth-- }()

	for item := list.FirstChild(); item != nil; item = item.NextSibling() {
		if item != list.FirstChild() {
			r.b.WriteString("\n")
		}
		r.b.WriteString(indent)
		if list.IsOrdered() {
			r.b.WriteString(strconv.Itoa(index) + ". ")
			index++
		} else {
			r.b.WriteString("• ")
		}
		r.blocks(item, "\n")
	}
}

func (r *renderer) code(lines *text.Segments) {
	body := strings.TrimSpace(string(linesValue(lines, r.src)))
	r.open("pre")
	r.text(body)
	r.close("pre")
}

func (r *renderer) table(table *extast.Table) {
	for row := table.FirstChild(); row != nil; row = row.NextSibling() {
		if row != table.FirstChild() {
			r.b.WriteString("\n")
		}
		_, header := row.(*extast.TableHeader)
		if header {
			r.open("b")
		}
		for cell := row.FirstChild(); cell != nil; cell = cell.NextSibling() {
			if cell != row.FirstChild() {
				r.b.WriteString(" | ")
			}
			r.inlines(cell)
		}
		if header {
			r.close("b")
		}
	}
}

func (r *renderer) inlines(parent ast.Node) {
	for child := parent.FirstChild(); child != nil; child = child.NextSibling() {
		r.inline(child)
	}
}

func (r *renderer) inline(node ast.Node) {
	switch n := node.(type) {
	case *ast.Text:
		r.text(string(n.Segment.Value(r.src)))
		if n.SoftLineBreak() || n.HardLineBreak() {
			r.b.WriteString("\n")
		}

	case *ast.String:
		r.text(string(n.Value))

	case *ast.CodeSpan:
		r.open("code")
		r.text(plainText(n, r.src))
		r.close("code")

	case *ast.Emphasis:
		tag := "i"
		if n.Level >= 2 {
			tag = "b"
		}
		r.open(tag)
		r.inlines(n)
		r.close(tag)

	case *extast.Strikethrough:
		r.open("s")
		r.inlines(n)
		r.close("s")

	case *ast.Link:
		r.link(string(n.Destination), n)

	case *ast.AutoLink:
		url := string(n.URL(r.src))
		if r.html {
			r.b.WriteString(`<a href="` + attrEscaper.Replace(url) + `">`)
			r.text(url)
			r.b.WriteString("</a>")
		} else {
			r.b.WriteString(url)
		}

	case *ast.Image:
		r.link(string(n.Destination), n)

	case *ast.RawHTML:
		for i := 0; i < n.Segments.Len(); i++ {
			seg := n.Segments.At(i)
			r.text(string(seg.Value(r.src)))
		}

	case *extast.TaskCheckBox:
		if n.IsChecked {
			r.b.WriteString("[x] ")
		} else {
			r.b.WriteString("[ ] ")
		}

	default:
		r.inlines(n)
	}
}

func (r *renderer) link(dest string, label ast.Node) {
	if r.html {
		r.b.WriteString(`<a href="` + attrEscaper.Replace(dest) + `">`)
		r.inlines(label)
		r.b.WriteString("</a>")
		return
	}
	r.inlines(label)
	if shown := plainText(label, r.src); dest != "" && dest != shown {
		r.b.WriteString(" (" + dest + ")")
	}
}

func linesValue(lines *text.Segments, src []byte) []byte {
	var out []byte
	for i := 0; i < lines.Len(); i++ {
		seg := lines.At(i)
		out = append(out, seg.Value(src)...)
	}
	return out
}

func plainText(node ast.Node, src []byte) string {
	var b strings.Builder
	var walk func(ast.Node)
	walk = func(n ast.Node) {
		switch t := n.(type) {
		case *ast.Text:
			b.Write(t.Segment.Value(src))
			if t.SoftLineBreak() || t.HardLineBreak() {
				b.WriteByte(' ')
			}
		case *ast.String:
			b.Write(t.Value)
		}
		for child := n.FirstChild(); child != nil; child = child.NextSibling() {
			walk(child)
		}
	}
	walk(node)
	return b.String()
}
