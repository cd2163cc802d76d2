package analysis

import (
	"reflect"
	"testing"
)

func TestParseResponseWellFormed(t *testing.T) {
	raw := `DOCMILL/1
CATEGORY: Technical_Manual
CONFIDENCE: 0.92
SECONDARY: report, reference
OUTLINE:
- 1 | Introduction | 1 | 0 | 1184
- 2 | Scope | 2 | 310 | 884
RATIONALE: Consistent section numbering.`

	got := ParseResponse(3, raw)
	if !got.Success {
		t.Fatal("expected Success=true")
	}
	if got.SegmentID != 3 {
		t.Fatalf("SegmentID = %d", got.SegmentID)
	}
	if got.Category != "technical_manual" {
		t.Fatalf("Category = %q", got.Category)
	}
	if got.Confidence != 0.92 {
		t.Fatalf("Confidence = %v", got.Confidence)
	}
	if want := []string{"report", "reference"}; !reflect.DeepEqual(got.SecondaryCategories, want) {
		t.Fatalf("SecondaryCategories = %v", got.SecondaryCategories)
	}
	if len(got.StructuralEntries) != 2 {
		t.Fatalf("StructuralEntries = %+v", got.StructuralEntries)
	}
	want := StructuralEntry{Level: 2, Title: "Scope", PageNumber: 2, CharStart: 310, CharEnd: 884}
	if got.StructuralEntries[1] != want {
		t.Fatalf("entry = %+v, want %+v", got.StructuralEntries[1], want)
	}
	if got.Rationale != "Consistent section numbering." {
		t.Fatalf("Rationale = %q", got.Rationale)
	}
}

func TestParseResponseSkipsLeadingNoise(t *testing.T) {
	raw := "Sure! Here is the analysis you asked for:\n```\nDOCMILL/1\nCATEGORY: memo\nCONFIDENCE: 0.5\n```"
	got := ParseResponse(1, raw)
	if !got.Success || got.Category != "memo" || got.Confidence != 0.5 {
		t.Fatalf("got %+v", got)
	}
}

func TestParseResponseMalformed(t *testing.T) {
	cases := []struct {
		name string
		raw  string
	}{
		{"empty", ""},
		{"no header", "CATEGORY: memo\nCONFIDENCE: 0.5"},
		{"missing category", "DOCMILL/1\nCONFIDENCE: 0.5"},
		{"bad confidence", "DOCMILL/1\nCATEGORY: memo\nCONFIDENCE: high"},
		{"out of range confidence", "DOCMILL/1\nCATEGORY: memo\nCONFIDENCE: 1.4"},
		{"prose only", "I could not process this document, sorry."},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got := ParseResponse(7, tc.raw)
			if got.Success {
				t.Fatalf("expected Success=false, got %+v", got)
			}
			if got.Confidence != 0 {
				t.Fatalf("sentinel result must carry zero confidence, got %v", got.Confidence)
			}
			if got.SegmentID != 7 {
				t.Fatalf("SegmentID = %d", got.SegmentID)
			}
		})
	}
}

func TestParseResponseIgnoresUnknownLabelsAndBadOutlineLines(t *testing.T) {
	raw := `DOCMILL/1
CATEGORY: contract
CONFIDENCE: 0.8
FUTURE_FIELD: something
OUTLINE:
- 1 | Preamble | | 0 | 100
- not an entry
RATIONALE: ok`

	got := ParseResponse(1, raw)
	if !got.Success {
		t.Fatalf("got %+v", got)
	}
	if len(got.StructuralEntries) != 1 {
		t.Fatalf("StructuralEntries = %+v", got.StructuralEntries)
	}
	if got.StructuralEntries[0].PageNumber != 0 {
		t.Fatalf("empty page should parse as 0, got %d", got.StructuralEntries[0].PageNumber)
	}
	if got.Rationale != "ok" {
		t.Fatalf("outline terminator mishandled: %+v", got)
	}
}

func TestStructuralEntryValid(t *testing.T) {
	cases := []struct {
		name   string
		entry  StructuralEntry
		docLen int
		want   bool
	}{
		{"ok", StructuralEntry{Level: 1, Title: "A", CharStart: 0, CharEnd: 10}, 100, true},
		{"zero level", StructuralEntry{Level: 0, Title: "A", CharStart: 0, CharEnd: 10}, 100, false},
		{"empty title", StructuralEntry{Level: 1, CharStart: 0, CharEnd: 10}, 100, false},
		{"inverted range", StructuralEntry{Level: 1, Title: "A", CharStart: 10, CharEnd: 10}, 100, false},
		{"negative start", StructuralEntry{Level: 1, Title: "A", CharStart: -1, CharEnd: 10}, 100, false},
		{"past end", StructuralEntry{Level: 1, Title: "A", CharStart: 0, CharEnd: 101}, 100, false},
		{"no bound check", StructuralEntry{Level: 1, Title: "A", CharStart: 0, CharEnd: 101}, 0, true},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := tc.entry.Valid(tc.docLen); got != tc.want {
				t.Fatalf("Valid(%d) = %v, want %v", tc.docLen, got, tc.want)
			}
		})
	}
}
