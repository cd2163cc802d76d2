// Package extract turns input documents into plain text plus optional
// outline hints. Format is picked by file extension; page boundaries from
// paginated formats survive as form-feed characters in the extracted text.
package extract

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/docmill/docmill/internal/analysis"
)

// PageBreak separates page texts in extracted output.
const PageBreak = "\f"

// ErrUnsupportedFormat indicates the input file's format has no extractor.
var ErrUnsupportedFormat = errors.New("unsupported document format")

// Source is the result of extraction: the document's full text and any
// structure the format itself carried.
type Source struct {
	FullText     string
	OutlineHints []analysis.StructuralEntry
	Pages        int
}

// FromFile extracts the file at path, dispatching on extension.
// Unknown extensions are treated as plain text when the content looks
// textual, otherwise ErrUnsupportedFormat is returned.
func FromFile(path string) (Source, error) {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".pdf":
		return fromPDF(path)
	case ".html", ".htm":
		data, err := os.ReadFile(path)
		if err != nil {
			return Source{}, fmt.Errorf("reading %s: %w", path, err)
		}
		return FromHTML(string(data))
	case ".txt", ".md", ".markdown", "":
		data, err := os.ReadFile(path)
		if err != nil {
			return Source{}, fmt.Errorf("reading %s: %w", path, err)
		}
		return FromText(string(data)), nil
	default:
		data, err := os.ReadFile(path)
		if err != nil {
			return Source{}, fmt.Errorf("reading %s: %w", path, err)
		}
		if !looksTextual(data) {
			return Source{}, fmt.Errorf("%s: %w", path, ErrUnsupportedFormat)
		}
		return FromText(string(data)), nil
	}
}

// FromText wraps already-plain text, scraping markdown-style headings
// into outline hints.
func FromText(text string) Source {
	src := Source{FullText: text, Pages: 1 + strings.Count(text, PageBreak)}

	offset := 0
	for _, line := range strings.SplitAfter(text, "\n") {
		trimmed := strings.TrimRight(line, "\n")
		if level, title, ok := markdownHeading(trimmed); ok {
			src.OutlineHints = append(src.OutlineHints, analysis.StructuralEntry{
				Level:     level,
				Title:     title,
				CharStart: offset,
				CharEnd:   offset + len(trimmed),
			})
		}
		offset += len(line)
	}
	return src
}

func markdownHeading(line string) (level int, title string, ok bool) {
	for level < len(line) && line[level] == '#' {
		level++
	}
	if level == 0 || level > 6 || level >= len(line) || line[level] != ' ' {
		return 0, "", false
	}
	title = strings.TrimSpace(line[level+1:])
	return level, title, title != ""
}

// looksTextual is a cheap binary-content check: a NUL byte in the first
// few KiB means the file is not text.
func looksTextual(data []byte) bool {
	probe := data
	if len(probe) > 8192 {
		probe = probe[:8192]
	}
	for _, b := range probe {
		if b == 0 {
			return false
		}
	}
	return true
}
