package extract

import (
	"fmt"
	"strings"

	"golang.org/x/net/html"

	"github.com/docmill/docmill/internal/analysis"
)

// FromHTML extracts visible text from an HTML document. Headings become
// outline hints with character offsets into the extracted text; block
// elements get a trailing newline so paragraph boundaries survive.
func FromHTML(markup string) (Source, error) {
	root, err := html.Parse(strings.NewReader(markup))
	if err != nil {
		return Source{}, fmt.Errorf("parsing html: %w", err)
	}

	w := &htmlWalker{}
	w.walk(root)

	text := strings.TrimRight(w.text.String(), "\n")
	return Source{FullText: text, OutlineHints: w.hints, Pages: 1}, nil
}

type htmlWalker struct {
	text  strings.Builder
	hints []analysis.StructuralEntry
}

var headingLevels = map[string]int{
	"h1": 1, "h2": 2, "h3": 3, "h4": 4, "h5": 5, "h6": 6,
}

var blockElements = map[string]bool{
	"p": true, "div": true, "li": true, "tr": true, "br": true,
	"section": true, "article": true, "blockquote": true, "pre": true,
	"h1": true, "h2": true, "h3": true, "h4": true, "h5": true, "h6": true,
}

func (w *htmlWalker) walk(n *html.Node) {
	switch n.Type {
	case html.ElementNode:
		switch n.Data {
		case "script", "style", "head", "noscript":
			return
		}
		if level, ok := headingLevels[n.Data]; ok {
			w.heading(n, level)
			return
		}
	case html.TextNode:
		w.writeText(n.Data)
		return
	}

	for c := n.FirstChild; c != nil; c = c.NextSibling {
		w.walk(c)
	}

	if n.Type == html.ElementNode && blockElements[n.Data] {
		w.text.WriteString("\n")
	}
}

func (w *htmlWalker) heading(n *html.Node, level int) {
	title := strings.TrimSpace(collectText(n))
	if title == "" {
		return
	}
	start := w.text.Len()
	w.text.WriteString(title)
	w.hints = append(w.hints, analysis.StructuralEntry{
		Level:     level,
		Title:     title,
		CharStart: start,
		CharEnd:   w.text.Len(),
	})
	w.text.WriteString("\n")
}

func (w *htmlWalker) writeText(s string) {
	collapsed := strings.Join(strings.Fields(s), " ")
	if collapsed == "" {
		return
	}
	if w.text.Len() > 0 {
		last := w.text.String()[w.text.Len()-1]
		if last != '\n' && last != ' ' {
			w.text.WriteString(" ")
		}
	}
	w.text.WriteString(collapsed)
}

func collectText(n *html.Node) string {
	if n.Type == html.TextNode {
		return n.Data
	}
	var sb strings.Builder
	for c := n.FirstChild; c != nil; c = c.NextSibling {
		sb.WriteString(collectText(c))
	}
	return sb.String()
}
