package sanitize

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/pilotlynx/pilotlynx/internal/bus"
)

// SoftThreshold is the point past which a response is cut and delivered as
// a file instead of an ever-longer message stream.
const SoftThreshold = 12000

// truncationNotice leads the first chunk of an over-threshold response.
const truncationNotice = "Response truncated; full output available as file."

var paragraphSplit = regexp.MustCompile(`\n{2,}`)

// ChunkMessage splits text into channel-sized parts. Splits prefer
// paragraph boundaries, then line boundaries, then hard cuts at maxLen.
// When more than one part results, each is prefixed with "[i/N] ".
func ChunkMessage(text string, maxLen int) []string {
	if maxLen <= 0 {
		return []string{text}
	}
	if len(text) > SoftThreshold {
		text = truncationNotice + "\n\n" + text[:SoftThreshold]
	}

	parts := splitAtBoundaries(text, maxLen)
	if len(parts) <= 1 {
		return parts
	}
	numbered := make([]string, len(parts))
	for i, part := range parts {
		numbered[i] = fmt.Sprintf("[%d/%d] %s", i+1, len(parts), part)
	}
	return numbered
}

func splitAtBoundaries(text string, maxLen int) []string {
	if len(text) <= maxLen {
		return []string{text}
	}

	var parts []string
	var current strings.Builder

	flush := func() {
		if current.Len() > 0 {
			parts = append(parts, current.String())
			current.Reset()
		}
	}

	for _, para := range paragraphSplit.Split(text, -1) {
		if para == "" {
			continue
		}
		for _, piece := range splitOversize(para, maxLen) {
			if current.Len() > 0 && current.Len()+len(piece)+2 > maxLen {
				flush()
			}
			if current.Len() > 0 {
				current.WriteString("\n\n")
			}
			current.WriteString(piece)
		}
	}
	flush()
	return parts
}

// splitOversize breaks a single paragraph that exceeds maxLen, first at
// line boundaries, then by hard cuts.
func splitOversize(para string, maxLen int) []string {
	if len(para) <= maxLen {
		return []string{para}
	}

	var pieces []string
	var current strings.Builder
	for _, line := range strings.Split(para, "\n") {
		for len(line) > maxLen {
			if current.Len() > 0 {
				pieces = append(pieces, current.String())
				current.Reset()
			}
			pieces = append(pieces, line[:maxLen])
			line = line[maxLen:]
		}
		if current.Len() > 0 && current.Len()+len(line)+1 > maxLen {
			pieces = append(pieces, current.String())
			current.Reset()
		}
		if current.Len() > 0 {
			current.WriteString("\n")
		}
		current.WriteString(line)
	}
	if current.Len() > 0 {
		pieces = append(pieces, current.String())
	}
	return pieces
}

// FormatCostFooter renders the single-line run summary posted after the
// response chunks.
func FormatCostFooter(result bus.RunResult) string {
	model := result.Model
	if model == "" {
		model = "unknown"
	}
	seconds := result.DurationMs / 1000
	return fmt.Sprintf("_%s · $%.4f · %d in / %d out tokens · %ds · %d turns_",
		model, result.CostUSD, result.InputTokens, result.OutputTokens, seconds, result.NumTurns)
}
