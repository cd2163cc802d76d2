package pipeline

import (
	"fmt"
	"sort"
	"strings"

	"github.com/docmill/docmill/internal/analysis"
	"github.com/docmill/docmill/internal/segment"
)

// protocolInstructions tells the backend exactly how to answer. The
// response parser accepts nothing else, so the grammar is spelled out in
// full on every call.
const protocolInstructions = `Respond using exactly this format and nothing else:

DOCMILL/1
CATEGORY: <one of: technical, legal, narrative, academic, financial, correspondence, reference, uncategorized>
CONFIDENCE: <number between 0.0 and 1.0>
SECONDARY: <comma-separated additional categories, or omit this line>
OUTLINE:
- <level> | <section title> | <page or 0> | <start char offset> | <end char offset>
RATIONALE: <one sentence explaining the categorization>

List one OUTLINE entry per heading or section you identify. Character
offsets are relative to the text given below. Omit the OUTLINE block if
the text has no discernible structure.`

func classifyPrompt(prefix string) string {
	var sb strings.Builder
	sb.WriteString("Categorize the following document excerpt (the opening of a larger document).\n\n")
	sb.WriteString(protocolInstructions)
	sb.WriteString("\n\nTEXT:\n")
	sb.WriteString(prefix)
	return sb.String()
}

func enhancePrompt(seg segment.Segment, preliminaryCategory string) string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "Analyze segment %d of a larger document.\n", seg.Ordinal)
	if preliminaryCategory != "" && preliminaryCategory != "uncategorized" {
		fmt.Fprintf(&sb, "A preliminary pass categorized the whole document as %q; confirm or correct for this segment.\n", preliminaryCategory)
	}
	if seg.Title != "" {
		fmt.Fprintf(&sb, "The segment begins at section %q.\n", seg.Title)
	}
	sb.WriteString("\n")
	sb.WriteString(protocolInstructions)

	if seg.ContextBefore != "" {
		sb.WriteString("\n\nCONTEXT BEFORE (do not analyze, orientation only):\n")
		sb.WriteString(seg.ContextBefore)
	}
	sb.WriteString("\n\nTEXT:\n")
	sb.WriteString(seg.Text)
	if seg.ContextAfter != "" {
		sb.WriteString("\n\nCONTEXT AFTER (do not analyze, orientation only):\n")
		sb.WriteString(seg.ContextAfter)
	}
	return sb.String()
}

// renderReport produces the human-readable result of the generate stage.
func renderReport(title string, doc analysis.DocumentAnalysis, failed map[int]string) string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "# %s\n\n", title)
	fmt.Fprintf(&sb, "Category: %s (confidence %.2f)\n", doc.Category, doc.Confidence)
	if len(doc.SecondaryCategories) > 0 {
		fmt.Fprintf(&sb, "Secondary: %s\n", strings.Join(doc.SecondaryCategories, ", "))
	}
	fmt.Fprintf(&sb, "Segments analyzed: %d (%d high quality)\n", doc.SegmentCount, doc.HighQualityCount)
	if doc.Rationale != "" {
		fmt.Fprintf(&sb, "\n%s\n", doc.Rationale)
	}

	if len(doc.StructuralEntries) > 0 {
		sb.WriteString("\n## Outline\n\n")
		for _, e := range doc.StructuralEntries {
			fmt.Fprintf(&sb, "%s- %s\n", strings.Repeat("  ", e.Level-1), e.Title)
		}
	}

	if len(failed) > 0 {
		sb.WriteString("\n## Units needing retry\n\n")
		ids := make([]int, 0, len(failed))
		for id := range failed {
			ids = append(ids, id)
		}
		sort.Ints(ids)
		for _, id := range ids {
			fmt.Fprintf(&sb, "- unit %d: %s\n", id, failed[id])
		}
	}
	return sb.String()
}
