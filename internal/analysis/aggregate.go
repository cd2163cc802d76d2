package analysis

import (
	"errors"
	"fmt"
	"sort"
	"strings"
)

// ErrNoAnalyses is the fatal aggregation error returned when there are zero
// segment analyses to merge. No DocumentAnalysis can be produced from it.
var ErrNoAnalyses = errors.New("no segment analyses to aggregate")

// MergeConfig carries the aggregation tunables. The quality bonus and the
// secondary-share cutoff are heuristics inherited without a documented
// derivation, so they stay configuration rather than constants.
type MergeConfig struct {
	// QualityMultiplier scales the vote weight of a high-quality result.
	QualityMultiplier float64 `json:"quality_multiplier"`
	// HighQualityConfidence is the confidence bar a result must meet,
	// together with producing at least one structural entry, to count as
	// high quality.
	HighQualityConfidence float64 `json:"high_quality_confidence"`
	// SecondaryShare is the fraction of the winning weight a
	// backend-reported secondary category must accumulate to be kept.
	SecondaryShare float64 `json:"secondary_share"`
}

// DefaultMergeConfig returns the stock tunables.
func DefaultMergeConfig() MergeConfig {
	return MergeConfig{
		QualityMultiplier:     1.5,
		HighQualityConfidence: 0.7,
		SecondaryShare:        0.3,
	}
}

// HighQuality reports whether a segment analysis meets the bonus bar.
func (c MergeConfig) HighQuality(a SegmentAnalysis) bool {
	return a.Success && a.Confidence >= c.HighQualityConfidence && len(a.StructuralEntries) > 0
}

// Merge combines per-segment analyses into one document-level result.
//
// Every successful analysis casts a weighted vote for its category
// (confidence, scaled by QualityMultiplier when high quality). The category
// with the highest total weight wins and the merged confidence is the
// winner's share of the total weight. When no weight was cast (all segments
// failed) the merge falls back to a plain majority vote over category
// labels with confidence = votes / segments.
//
// docLen bounds the merged structural entries. When docLen <= 0 the summed
// character count of the analyses is used instead; callers that may merge
// partial results (some units failed) should pass the real document length,
// since the sum undercounts it and would drop valid late-document entries.
func Merge(analyses []SegmentAnalysis, docLen int, cfg MergeConfig) (DocumentAnalysis, error) {
	if len(analyses) == 0 {
		return DocumentAnalysis{}, ErrNoAnalyses
	}
	if cfg.QualityMultiplier <= 0 {
		cfg = DefaultMergeConfig()
	}

	weights := make(map[string]float64)
	secondaryWeights := make(map[string]float64)
	var totalWeight float64
	highQuality := 0

	for _, a := range analyses {
		if !a.Success || a.Category == "" {
			continue
		}
		w := a.Confidence
		if cfg.HighQuality(a) {
			w *= cfg.QualityMultiplier
			highQuality++
		}
		weights[a.Category] += w
		totalWeight += w
		for _, sec := range a.SecondaryCategories {
			secondaryWeights[sec] += w
		}
	}

	var category string
	var confidence float64
	if totalWeight > 0 {
		category = topCategory(weights)
		confidence = weights[category] / totalWeight
	} else {
		votes := make(map[string]float64)
		for _, a := range analyses {
			if a.Category != "" {
				votes[a.Category]++
			}
		}
		if len(votes) == 0 {
			return DocumentAnalysis{}, fmt.Errorf("%w: %d segments, none categorized", ErrNoAnalyses, len(analyses))
		}
		category = topCategory(votes)
		confidence = votes[category] / float64(len(analyses))
	}

	doc := DocumentAnalysis{
		Category:         category,
		Confidence:       confidence,
		SegmentCount:     len(analyses),
		HighQualityCount: highQuality,
	}

	for _, a := range analyses {
		doc.CharCount += a.CharCount
		doc.ProcessingMS += a.ElapsedMS
	}

	doc.SecondaryCategories = mergeSecondaries(weights, secondaryWeights, category, cfg)
	if docLen <= 0 {
		docLen = doc.CharCount
	}
	doc.StructuralEntries, doc.MaxLevel = mergeStructuralEntries(analyses, docLen)
	doc.Rationale = fmt.Sprintf("merged %d segment analyses (%d high quality); category %q with confidence %.2f",
		len(analyses), highQuality, category, confidence)

	return doc, nil
}

// topCategory returns the highest-weighted category, breaking ties by name
// so repeated merges of the same inputs are deterministic.
func topCategory(weights map[string]float64) string {
	var best string
	bestW := -1.0
	for cat, w := range weights {
		if w > bestW || (w == bestW && cat < best) {
			best, bestW = cat, w
		}
	}
	return best
}

// mergeSecondaries collects every non-winning category that received a
// primary vote, plus backend-reported secondaries that accumulated at least
// SecondaryShare of the winning weight.
func mergeSecondaries(weights, secondaryWeights map[string]float64, winner string, cfg MergeConfig) []string {
	set := make(map[string]struct{})
	for cat := range weights {
		if cat != winner {
			set[cat] = struct{}{}
		}
	}
	cutoff := cfg.SecondaryShare * weights[winner]
	for cat, w := range secondaryWeights {
		if cat != winner && w >= cutoff {
			set[cat] = struct{}{}
		}
	}

	if len(set) == 0 {
		return nil
	}
	out := make([]string, 0, len(set))
	for cat := range set {
		out = append(out, cat)
	}
	sort.Strings(out)
	return out
}

// mergeStructuralEntries concatenates all segments' entries, drops invalid
// ranges, sorts by start offset, and removes duplicate titles (trimmed,
// case-folded) keeping the first occurrence.
func mergeStructuralEntries(analyses []SegmentAnalysis, docLen int) ([]StructuralEntry, int) {
	var all []StructuralEntry
	for _, a := range analyses {
		for _, e := range a.StructuralEntries {
			e.Title = strings.TrimSpace(e.Title)
			if e.Valid(docLen) {
				all = append(all, e)
			}
		}
	}

	sort.SliceStable(all, func(i, j int) bool { return all[i].CharStart < all[j].CharStart })

	seen := make(map[string]struct{}, len(all))
	kept := all[:0]
	for _, e := range all {
		key := strings.ToLower(e.Title)
		if _, dup := seen[key]; dup {
			continue
		}
		seen[key] = struct{}{}
		kept = append(kept, e)
	}

	maxLevel := 1
	for _, e := range kept {
		if e.Level > maxLevel {
			maxLevel = e.Level
		}
	}
	if len(kept) == 0 {
		return nil, 1
	}
	return kept, maxLevel
}
