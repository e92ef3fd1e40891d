package telegram

import (
	"strconv"
	"strings"
	"unicode/utf16"

	"github.com/yuin/goldmark"
	"github.com/yuin/goldmark/ast"
	"github.com/yuin/goldmark/extension"
	east "github.com/yuin/goldmark/extension/ast"
	"github.com/yuin/goldmark/text"
)

// markdown parses model output. Rendering is done by htmlWriter since
// Telegram accepts only a small HTML subset.
var markdown = goldmark.New(goldmark.WithExtensions(extension.Strikethrough))

var (
	textEscaper = strings.NewReplacer("&", "&amp;", "<", "&lt;", ">", "&gt;")
	attrEscaper = strings.NewReplacer("&", "&amp;", "<", "&lt;", ">", "&gt;", `"`, "&quot;")
)

// Format renders Markdown as Telegram HTML (parse_mode=HTML). Headings
// become bold, lists become bullet lines and raw HTML is escaped.
func Format(md string) string {
	src := []byte(md)
	doc := markdown.Parser().Parse(text.NewReader(src))

	w := &htmlWriter{source: src}
	_ = ast.Walk(doc, w.walk)
	return strings.TrimSpace(w.buf.String())
}

type listState struct {
	ordered bool
	next    int
}

type htmlWriter struct {
	buf    strings.Builder
	source []byte
	lists  []listState
}

func (w *htmlWriter) text(b []byte) { w.buf.WriteString(textEscaper.Replace(string(b))) }

// blockEnd separates n from its next sibling. Blocks inside a list item
// are separated by a single newline.
func (w *htmlWriter) blockEnd(n ast.Node) {
	if n.NextSibling() == nil {
		return
	}
	if _, ok := n.Parent().(*ast.ListItem); ok {
		w.buf.WriteString("\n")
		return
	}
	w.buf.WriteString("\n\n")
}

func (w *htmlWriter) lines(n ast.Node) {
	lines := n.Lines()
	for i := 0; i < lines.Len(); i++ {
		seg := lines.At(i)
		w.text(seg.Value(w.source))
	}
}

func (w *htmlWriter) walk(n ast.Node, entering bool) (ast.WalkStatus, error) {
	switch node := n.(type) {
	case *ast.Paragraph, *ast.TextBlock:
		if !entering {
			w.blockEnd(n)
		}

	case *ast.Heading:
		if entering {
			w.buf.WriteString("<b>")
		} else {
			w.buf.WriteString("</b>")
			w.blockEnd(n)
		}

	case *ast.Blockquote:
		if entering {
			w.buf.WriteString("<blockquote>")
		} else {
			w.buf.WriteString("</blockquote>")
			w.blockEnd(n)
		}

	case *ast.List:
		if entering {
			w.lists = append(w.lists, listState{ordered: node.IsOrdered(), next: node.Start})
		} else {
			w.lists = w.lists[:len(w.lists)-1]
			w.blockEnd(n)
		}

	case *ast.ListItem:
		if entering {
			depth := len(w.lists)
			st := &w.lists[depth-1]
			w.buf.WriteString(strings.Repeat("  ", depth-1))
			if st.ordered {
				w.buf.WriteString(strconv.Itoa(st.next) + ". ")
				st.next++
			} else {
				w.buf.WriteString("• ")
			}
		} else if n.NextSibling() != nil {
			w.buf.WriteString("\n")
		}

	case *ast.ThematicBreak:
		if !entering {
			w.buf.WriteString("⸻")
			w.blockEnd(n)
		}

	case *ast.FencedCodeBlock:
		if entering {
			if lang := node.Language(w.source); len(lang) > 0 {
				w.buf.WriteString(`<pre><code class="language-` + attrEscaper.Replace(string(lang)) + `">`)
			} else {
				w.buf.WriteString("<pre><code>")
			}
			w.lines(n)
			w.buf.WriteString("</code></pre>")
			return ast.WalkSkipChildren, nil
		}
		w.blockEnd(n)

	case *ast.CodeBlock:
		if entering {
			w.buf.WriteString("<pre>")
			w.lines(n)
			w.buf.WriteString("</pre>")
			return ast.WalkSkipChildren, nil
		}
		w.blockEnd(n)

	case *ast.HTMLBlock:
		if entering {
			w.lines(n)
			if node.HasClosure() {
				w.text(node.ClosureLine.Value(w.source))
			}
			return ast.WalkSkipChildren, nil
		}
		w.blockEnd(n)

	case *ast.RawHTML:
		if entering {
			for i := 0; i < node.Segments.Len(); i++ {
				seg := node.Segments.At(i)
				w.text(seg.Value(w.source))
			}
		}
		return ast.WalkSkipChildren, nil

	case *ast.Text:
		if entering {
			w.text(node.Segment.Value(w.source))
			if node.HardLineBreak() || node.SoftLineBreak() {
				w.buf.WriteString("\n")
			}
		}

	case *ast.String:
		if entering {
			w.text(node.Value)
		}

	case *ast.CodeSpan:
		if entering {
			w.buf.WriteString("<code>")
		} else {
			w.buf.WriteString("</code>")
		}

	case *ast.Emphasis:
		tag := "i"
		if node.Level >= 2 {
			tag = "b"
		}
		if entering {
			w.buf.WriteString("<" + tag + ">")
		} else {
			w.buf.WriteString("</" + tag + ">")
		}

	case *east.Strikethrough:
		if entering {
			w.buf.WriteString("<s>")
		} else {
			w.buf.WriteString("</s>")
		}

	case *ast.Link:
		if entering {
			w.buf.WriteString(`<a href="` + attrEscaper.Replace(string(node.Destination)) + `">`)
		} else {
			w.buf.WriteString("</a>")
		}

	case *ast.Image:
		if entering {
			w.buf.WriteString(`<a href="` + attrEscaper.Replace(string(node.Destination)) + `">`)
		} else {
			w.buf.WriteString("</a>")
		}

	case *ast.AutoLink:
		if entering {
			url := string(node.URL(w.source))
			w.buf.WriteString(`<a href="` + attrEscaper.Replace(url) + `">` + textEscaper.Replace(string(node.Label(w.source))) + "</a>")
		}
		return ast.WalkSkipChildren, nil
	}
	return ast.WalkContinue, nil
}

// Chunk splits text into pieces of at most limit UTF-16 code units,
// the unit Telegram counts in, preferring paragraph, then line, then
// word boundaries in the second half of each window.
func Chunk(text string, limit int) []string {
	if TextLength(text) <= limit {
		return []string{text}
	}
	r := []rune(text)
	var out []string
	for units(r) > limit {
		cut := splitPoint(r[:fit(r, limit)])
		out = append(out, strings.TrimRight(string(r[:cut]), " \n"))
		r = r[cut:]
		for len(r) > 0 && (r[0] == '\n' || r[0] == ' ') {
			r = r[1:]
		}
	}
	if len(r) > 0 {
		out = append(out, string(r))
	}
	return out
}

// TextLength is the length of s as Telegram measures it.
func TextLength(s string) int {
	n := 0
	for _, c := range s {
		n += runeUnits(c)
	}
	return n
}

func units(r []rune) int {
	n := 0
	for _, c := range r {
		n += runeUnits(c)
	}
	return n
}

func runeUnits(c rune) int {
	if n := utf16.RuneLen(c); n > 0 {
		return n
	}
	return 1
}

// fit returns how many leading runes of r fit in limit code units. At
// least one rune is always taken.
func fit(r []rune, limit int) int {
	n := 0
	for i, c := range r {
		n += runeUnits(c)
		if n > limit {
			return max(i, 1)
		}
	}
	return len(r)
}

func splitPoint(window []rune) int {
	half := len(window) / 2
	for i := len(window) - 1; i > half; i-- {
		if window[i] == '\n' && window[i-1] == '\n' {
			return i + 1
		}
	}
	for _, sep := range []rune{'\n', ' '} {
		for i := len(window) - 1; i > half; i-- {
			if window[i] == sep {
				return i + 1
			}
		}
	}
	return len(window)
}
