package pipeline

import (
	"strings"
	"unicode"
)

// Chunk is one sliding-window slice of a document, with token offsets back
// into the source.
type Chunk struct {
	Index      int    `json:"index"`
	Text       string `json:"text"`
	StartToken int    `json:"startToken"`
	EndToken   int    `json:"endToken"` // exclusive
}

// ChunkManifest is the serialized chunk stage output.
type ChunkManifest struct {
	TargetTokens int     `json:"targetTokens"`
	Overlap      int     `json:"overlap"`
	TotalTokens  int     `json:"totalTokens"`
	Chunks       []Chunk `json:"chunks"`
}

// span is a half-open token range that must not be split across chunks.
type span struct {
	start, end int
}

// ChunkText slices text into overlapping token windows. Boundaries are
// nudged so a detected mention span never straddles two chunks: a boundary
// landing inside a span moves back to the span start, which re-emits the
// span at the head of the next chunk. At least one chunk is produced for
// non-empty input.
func ChunkText(text string, targetTokens, overlap int) []Chunk {
	if targetTokens <= 0 {
		targetTokens = 500
	}
	if overlap < 0 || overlap >= targetTokens {
		overlap = targetTokens / 5
	}

	tokens := strings.Fields(text)
	if len(tokens) == 0 {
		return nil
	}
	spans := detectSpans(tokens)

	var chunks []Chunk
	start := 0
	for start < len(tokens) {
		end := start + targetTokens
		if end >= len(tokens) {
			end = len(tokens)
		} else {
			end = adjustBoundary(end, spans)
			if end <= start {
				// Span longer than the window: emit it whole.
				end = start + targetTokens
				for _, s := range spans {
					if s.start <= start && s.end > end {
						end = s.end
					}
				}
				if end > len(tokens) {
					end = len(tokens)
				}
			}
		}

		chunks = append(chunks, Chunk{
			Index:      len(chunks),
			Text:       strings.Join(tokens[start:end], " "),
			StartToken: start,
			EndToken:   end,
		})
		if end >= len(tokens) {
			break
		}
		next := end - overlap
		if next <= start {
			next = start + 1
		}
		start = next
	}
	return chunks
}

// adjustBoundary moves a proposed boundary out of any containing span.
func adjustBoundary(boundary int, spans []span) int {
	for _, s := range spans {
		if boundary > s.start && boundary < s.end {
			return s.start
		}
	}
	return boundary
}

// detectSpans finds runs of capitalized tokens, the cheap stand-in for
// entity mentions available before extraction has run.
func detectSpans(tokens []string) []span {
	var spans []span
	run := -1
	for i, tok := range tokens {
		if isCapitalized(tok) {
			if run < 0 {
				run = i
			}
			continue
		}
		if run >= 0 && i-run >= 2 {
			spans = append(spans, span{start: run, end: i})
		}
		run = -1
	}
	if run >= 0 && len(tokens)-run >= 2 {
		spans = append(spans, span{start: run, end: len(tokens)})
	}
	return spans
}

func isCapitalized(tok string) bool {
	for _, r := range tok {
		return unicode.IsUpper(r)
	}
	return false
}
