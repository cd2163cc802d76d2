package extract

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func writeTemp(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("writing %s: %v", name, err)
	}
	return path
}

func TestFromTextScrapesMarkdownHeadings(t *testing.T) {
	text := "# Title\n\nIntro paragraph.\n\n## Methods\n\nDetails here.\n"
	src := FromText(text)

	if src.FullText != text {
		t.Errorf("FullText altered")
	}
	if len(src.OutlineHints) != 2 {
		t.Fatalf("hints = %d, want 2", len(src.OutlineHints))
	}
	if src.OutlineHints[0].Level != 1 || src.OutlineHints[0].Title != "Title" {
		t.Errorf("hint[0] = %+v", src.OutlineHints[0])
	}
	if src.OutlineHints[1].Level != 2 || src.OutlineHints[1].Title != "Methods" {
		t.Errorf("hint[1] = %+v", src.OutlineHints[1])
	}
	if got := text[src.OutlineHints[1].CharStart:src.OutlineHints[1].CharEnd]; got != "## Methods" {
		t.Errorf("hint[1] offsets select %q", got)
	}
}

func TestFromTextIgnoresNonHeadings(t *testing.T) {
	for _, line := range []string{
		"####### too deep",
		"#nospace",
		"not # a heading",
		"#",
	} {
		if hints := FromText(line + "\n").OutlineHints; len(hints) != 0 {
			t.Errorf("%q produced hints %+v", line, hints)
		}
	}
}

func TestFromTextCountsPages(t *testing.T) {
	src := FromText("page one\fpage two\fpage three")
	if src.Pages != 3 {
		t.Errorf("Pages = %d, want 3", src.Pages)
	}
}

func TestFromFileDispatchesByExtension(t *testing.T) {
	path := writeTemp(t, "notes.md", "# Heading\n\nbody\n")
	src, err := FromFile(path)
	if err != nil {
		t.Fatalf("FromFile: %v", err)
	}
	if len(src.OutlineHints) != 1 {
		t.Errorf("hints = %+v, want markdown heading scrape", src.OutlineHints)
	}
}

func TestFromFileUnknownBinaryRejected(t *testing.T) {
	path := writeTemp(t, "blob.bin", "PK\x03\x04\x00\x00binary\x00payload")
	_, err := FromFile(path)
	if !errors.Is(err, ErrUnsupportedFormat) {
		t.Errorf("err = %v, want ErrUnsupportedFormat", err)
	}
}

func TestFromFileUnknownTextualAccepted(t *testing.T) {
	path := writeTemp(t, "notes.log", "plain log line\nanother line\n")
	src, err := FromFile(path)
	if err != nil {
		t.Fatalf("FromFile: %v", err)
	}
	if !strings.Contains(src.FullText, "plain log line") {
		t.Errorf("FullText = %q", src.FullText)
	}
}

func TestFromFileMissing(t *testing.T) {
	if _, err := FromFile(filepath.Join(t.TempDir(), "absent.txt")); err == nil {
		t.Error("expected error for missing file")
	}
}

func TestFromHTMLExtractsTextAndHeadings(t *testing.T) {
	markup := `<html><head><title>ignored</title><style>p{}</style></head>
<body>
<h1>User Guide</h1>
<p>First paragraph.</p>
<script>var x = 1;</script>
<h2>Installation</h2>
<p>Second paragraph.</p>
</body></html>`

	src, err := FromHTML(markup)
	if err != nil {
		t.Fatalf("FromHTML: %v", err)
	}
	if strings.Contains(src.FullText, "var x") || strings.Contains(src.FullText, "p{}") {
		t.Errorf("script/style leaked into text: %q", src.FullText)
	}
	if !strings.Contains(src.FullText, "First paragraph.") {
		t.Errorf("paragraph text missing: %q", src.FullText)
	}

	if len(src.OutlineHints) != 2 {
		t.Fatalf("hints = %+v, want 2", src.OutlineHints)
	}
	h := src.OutlineHints[1]
	if h.Level != 2 || h.Title != "Installation" {
		t.Errorf("hint[1] = %+v", h)
	}
	if got := src.FullText[h.CharStart:h.CharEnd]; got != "Installation" {
		t.Errorf("hint offsets select %q", got)
	}
}

func TestFromHTMLBlockBoundaries(t *testing.T) {
	src, err := FromHTML("<p>one</p><p>two</p>")
	if err != nil {
		t.Fatalf("FromHTML: %v", err)
	}
	if !strings.Contains(src.FullText, "one\n") {
		t.Errorf("paragraphs not separated: %q", src.FullText)
	}
}
