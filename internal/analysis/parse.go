package analysis

import (
	"bufio"
	"log/slog"
	"strconv"
	"strings"
)

// ProtocolVersion is the header line every well-formed backend response
// must open with. Bumping it invalidates responses from older prompts.
const ProtocolVersion = "DOCMILL/1"

// The response grammar is a flat sequence of labeled fields:
//
//	DOCMILL/1
//	CATEGORY: technical_manual
//	CONFIDENCE: 0.92
//	SECONDARY: report, reference
//	OUTLINE:
//	- 1 | Introduction | 1 | 0 | 1184
//	- 2 | Scope | 2 | 310 | 884
//	RATIONALE: Consistent section numbering and imperative voice.
//
// CATEGORY and CONFIDENCE are required; the rest are optional. Outline
// entries are "level | title | page | charStart | charEnd" with page
// allowed to be empty. Unknown labels are ignored so the protocol can
// grow without breaking older parsers.

// ParseResponse parses one backend response for the given segment. It never
// returns an error: malformed input produces a SegmentAnalysis with
// Success=false and zero confidence, so one bad response degrades a single
// unit instead of aborting the pipeline.
func ParseResponse(segmentID int, raw string) SegmentAnalysis {
	out := SegmentAnalysis{SegmentID: segmentID}

	sc := bufio.NewScanner(strings.NewReader(raw))
	sc.Buffer(make([]byte, 64*1024), 1024*1024)

	if !scanToHeader(sc) {
		slog.Warn("backend response missing protocol header", "segment", segmentID)
		return out
	}

	inOutline := false
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "" {
			continue
		}

		if inOutline {
			if entry, ok := parseOutlineLine(line); ok {
				out.StructuralEntries = append(out.StructuralEntries, entry)
				continue
			}
			inOutline = false
		}

		label, value, ok := splitLabel(line)
		if !ok {
			continue
		}
		switch label {
		case "CATEGORY":
			out.Category = strings.ToLower(value)
		case "CONFIDENCE":
			conf, err := strconv.ParseFloat(value, 64)
			if err != nil || conf < 0 || conf > 1 {
				slog.Warn("backend response has invalid confidence",
					"segment", segmentID, "value", value)
				return SegmentAnalysis{SegmentID: segmentID}
			}
			out.Confidence = conf
		case "SECONDARY":
			for _, s := range strings.Split(value, ",") {
				if s = strings.ToLower(strings.TrimSpace(s)); s != "" {
					out.SecondaryCategories = append(out.SecondaryCategories, s)
				}
			}
		case "OUTLINE":
			inOutline = true
		case "RATIONALE":
			out.Rationale = value
		}
	}

	if out.Category == "" {
		slog.Warn("backend response missing category", "segment", segmentID)
		return SegmentAnalysis{SegmentID: segmentID}
	}
	out.Success = true
	return out
}

// scanToHeader advances past leading noise (some models emit prose or code
// fences before the payload) to the protocol header line.
func scanToHeader(sc *bufio.Scanner) bool {
	for sc.Scan() {
		if strings.TrimSpace(sc.Text()) == ProtocolVersion {
			return true
		}
	}
	return false
}

func splitLabel(line string) (label, value string, ok bool) {
	i := strings.Index(line, ":")
	if i <= 0 {
		return "", "", false
	}
	label = strings.ToUpper(strings.TrimSpace(line[:i]))
	for _, r := range label {
		if (r < 'A' || r > 'Z') && r != '_' {
			return "", "", false
		}
	}
	return label, strings.TrimSpace(line[i+1:]), true
}

// parseOutlineLine parses "- level | title | page | charStart | charEnd".
func parseOutlineLine(line string) (StructuralEntry, bool) {
	body, found := strings.CutPrefix(line, "-")
	if !found {
		return StructuralEntry{}, false
	}
	parts := strings.Split(body, "|")
	if len(parts) != 5 {
		return StructuralEntry{}, false
	}
	for i := range parts {
		parts[i] = strings.TrimSpace(parts[i])
	}

	level, err := strconv.Atoi(parts[0])
	if err != nil {
		return StructuralEntry{}, false
	}
	page := 0
	if parts[2] != "" {
		if page, err = strconv.Atoi(parts[2]); err != nil {
			return StructuralEntry{}, false
		}
	}
	start, err := strconv.Atoi(parts[3])
	if err != nil {
		return StructuralEntry{}, false
	}
	end, err := strconv.Atoi(parts[4])
	if err != nil {
		return StructuralEntry{}, false
	}

	return StructuralEntry{
		Level:      level,
		Title:      parts[1],
		PageNumber: page,
		CharStart:  start,
		CharEnd:    end,
	}, true
}
