// Package segment splits oversized document text into bounded segments
// while preferring structural boundaries (outline hints, page breaks,
// headings) over arbitrary cuts. The non-overlapping core ranges of the
// produced segments always tile [0, len(text)) exactly; overlap is carried
// in separate context windows that exist only to give the backend
// additional context around each segment.
package segment

import (
	"regexp"
	"sort"
	"strings"
	"unicode/utf8"

	"github.com/docmill/docmill/internal/analysis"
)

// PageBreak is the explicit page-break marker extractors insert between
// pages of paginated sources.
const PageBreak = "\f"

// Segment is one bounded slice of a larger document. Text covers exactly
// [StartOffset, EndOffset); ContextBefore and ContextAfter hold up to
// OverlapSize characters of surrounding text.
type Segment struct {
	Ordinal       int    `json:"ordinal"`
	StartOffset   int    `json:"start_offset"`
	EndOffset     int    `json:"end_offset"`
	Title         string `json:"title,omitempty"`
	Text          string `json:"text"`
	ContextBefore string `json:"context_before,omitempty"`
	ContextAfter  string `json:"context_after,omitempty"`
}

// Options controls a split. OutlineHints are optional; when present they
// take precedence over pattern-based boundary detection.
type Options struct {
	MaxSegmentSize int                        `json:"max_segment_size"`
	OverlapSize    int                        `json:"overlap_size"`
	OutlineHints   []analysis.StructuralEntry `json:"-"`
}

// Boundary patterns in priority order. Within the search window the
// highest-priority pattern that matches at all wins, using its match
// closest to the target cut point.
var (
	headingPattern  = regexp.MustCompile(`(?m)^#{1,6} `)
	numberedPattern = regexp.MustCompile(`(?m)^\d+(\.\d+)*[.)]?\s+\S`)
	blankPattern    = regexp.MustCompile(`\n[ \t]*\n`)
	sentencePattern = regexp.MustCompile(`[.!?][ \n]`)
)

// Split cuts text into ordered segments whose core ranges tile the document
// with no gaps and no overlaps. It never fails: when no boundary is found
// within the search window it cuts exactly at the target offset.
func Split(text string, opts Options) []Segment {
	if text == "" {
		return nil
	}
	if opts.MaxSegmentSize <= 0 || len(text) <= opts.MaxSegmentSize {
		return []Segment{makeSegment(text, 1, 0, len(text), opts)}
	}

	hints := usableHints(opts.OutlineHints, len(text))

	var segments []Segment
	pos := 0
	for len(text)-pos > opts.MaxSegmentSize {
		target := pos + opts.MaxSegmentSize
		window := opts.MaxSegmentSize / 8
		cut := hintCut(hints, pos, target, window)
		if cut <= pos {
			cut = patternCut(text, pos, target, window)
		}
		if cut <= pos || cut > target {
			cut = snapToRuneStart(text, target, pos)
		}
		segments = append(segments, makeSegment(text, len(segments)+1, pos, cut, opts))
		pos = cut
	}
	segments = append(segments, makeSegment(text, len(segments)+1, pos, len(text), opts))
	return segments
}

// snapToRuneStart moves a byte offset backward until it no longer lands in
// the middle of a multibyte rune, so a fallback cut never produces invalid
// UTF-8. Moving backward keeps the size bound; the next segment starts at
// the adjusted offset, so the tiling is unaffected.
func snapToRuneStart(text string, cut, floor int) int {
	for cut > floor+1 && !utf8.RuneStart(text[cut]) {
		cut--
	}
	return cut
}

func makeSegment(text string, ordinal, start, end int, opts Options) Segment {
	seg := Segment{
		Ordinal:     ordinal,
		StartOffset: start,
		EndOffset:   end,
		Text:        text[start:end],
	}
	if opts.OverlapSize > 0 {
		before := start - opts.OverlapSize
		if before < 0 {
			before = 0
		}
		after := end + opts.OverlapSize
		if after > len(text) {
			after = len(text)
		}
		seg.ContextBefore = text[before:start]
		seg.ContextAfter = text[end:after]
	}
	seg.Title = segmentTitle(seg, opts.OutlineHints)
	return seg
}

// usableHints filters out entries with unusable ranges and sorts the rest
// by start offset.
func usableHints(hints []analysis.StructuralEntry, docLen int) []analysis.StructuralEntry {
	out := make([]analysis.StructuralEntry, 0, len(hints))
	for _, h := range hints {
		if h.Valid(docLen) {
			out = append(out, h)
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].CharStart < out[j].CharStart })
	return out
}

// hintCut picks the outline entry whose start offset is closest to target
// within [target-window, target]. Returns 0 when no candidate qualifies.
func hintCut(hints []analysis.StructuralEntry, pos, target, window int) int {
	lo := target - window
	if lo <= pos {
		lo = pos + 1
	}
	best := 0
	for _, h := range hints {
		if h.CharStart < lo || h.CharStart > target {
			continue
		}
		if best == 0 || target-h.CharStart < target-best {
			best = h.CharStart
		}
	}
	return best
}

// patternCut searches backward from target within the window for, in
// priority order: a page-break marker, a heading, a numbered section, a
// blank-line paragraph break, a sentence boundary. The cut lands after
// page breaks, blank lines, and sentence boundaries (they end a segment)
// and before headings and numbered sections (they begin the next one).
func patternCut(text string, pos, target, window int) int {
	lo := target - window
	if lo <= pos {
		lo = pos + 1
	}
	zone := text[lo:target]

	if idx := strings.LastIndex(zone, PageBreak); idx >= 0 {
		return lo + idx + len(PageBreak)
	}
	if idx := lastMatchStart(headingPattern, zone); idx >= 0 {
		return lo + idx
	}
	if idx := lastMatchStart(numberedPattern, zone); idx >= 0 {
		return lo + idx
	}
	if m := lastMatch(blankPattern, zone); m != nil {
		return lo + m[1]
	}
	if m := lastMatch(sentencePattern, zone); m != nil {
		return lo + m[1]
	}
	return 0
}

func lastMatch(re *regexp.Regexp, s string) []int {
	all := re.FindAllStringIndex(s, -1)
	if len(all) == 0 {
		return nil
	}
	return all[len(all)-1]
}

func lastMatchStart(re *regexp.Regexp, s string) int {
	m := lastMatch(re, s)
	if m == nil {
		return -1
	}
	return m[0]
}

// segmentTitle picks a human-readable title for the segment: the first
// outline hint starting inside its core range, else the first markdown
// heading line in its text.
func segmentTitle(seg Segment, hints []analysis.StructuralEntry) string {
	bestStart := -1
	title := ""
	for _, h := range hints {
		if h.CharStart >= seg.StartOffset && h.CharStart < seg.EndOffset {
			if bestStart == -1 || h.CharStart < bestStart {
				bestStart, title = h.CharStart, h.Title
			}
		}
	}
	if title != "" {
		return title
	}
	if m := headingPattern.FindStringIndex(seg.Text); m != nil {
		line := seg.Text[m[0]:]
		if nl := strings.IndexByte(line, '\n'); nl >= 0 {
			line = line[:nl]
		}
		return strings.TrimSpace(strings.TrimLeft(line, "# "))
	}
	return ""
}
