// Package analysis holds the per-segment and document-level analysis types,
// the textual protocol parser for backend responses, and the aggregator that
// merges per-segment results into one document result.
package analysis

// StructuralEntry is one outline item with a hierarchy level and the
// character range it covers in the full document.
type StructuralEntry struct {
	Level      int    `json:"level"`
	Title      string `json:"title"`
	PageNumber int    `json:"page_number,omitempty"`
	CharStart  int    `json:"char_start"`
	CharEnd    int    `json:"char_end"`
}

// Valid reports whether the entry has a usable level and character range
// within a document of docLen characters. docLen <= 0 skips the bounds check.
func (e StructuralEntry) Valid(docLen int) bool {
	if e.Level < 1 || e.Title == "" {
		return false
	}
	if e.CharStart < 0 || e.CharStart >= e.CharEnd {
		return false
	}
	if docLen > 0 && e.CharEnd > docLen {
		return false
	}
	return true
}

// SegmentAnalysis is the parsed backend output for one document segment.
// Success is false when the backend was unreachable, timed out, or returned
// text the protocol parser could not make sense of.
type SegmentAnalysis struct {
	SegmentID           int               `json:"segment_id"`
	Category            string            `json:"category"`
	Confidence          float64           `json:"confidence"`
	SecondaryCategories []string          `json:"secondary_categories,omitempty"`
	StructuralEntries   []StructuralEntry `json:"structural_entries,omitempty"`
	Rationale           string            `json:"rationale,omitempty"`
	Success             bool              `json:"success"`
	CharCount           int               `json:"char_count,omitempty"`
	ElapsedMS           int64             `json:"elapsed_ms,omitempty"`
}

// DocumentAnalysis is the merged, document-level result.
type DocumentAnalysis struct {
	Category            string            `json:"category"`
	Confidence          float64           `json:"confidence"`
	SecondaryCategories []string          `json:"secondary_categories,omitempty"`
	StructuralEntries   []StructuralEntry `json:"structural_entries,omitempty"`
	MaxLevel            int               `json:"max_level"`
	CharCount           int               `json:"char_count"`
	ProcessingMS        int64             `json:"processing_ms"`
	SegmentCount        int               `json:"segment_count"`
	HighQualityCount    int               `json:"high_quality_count"`
	Rationale           string            `json:"rationale"`
}
