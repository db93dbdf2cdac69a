package pipeline

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestChunkText_SingleTokenInput(t *testing.T) {
	chunks := ChunkText("x", 500, 100)
	require.Len(t, chunks, 1)
	assert.Equal(t, "x", chunks[0].Text)
	assert.Equal(t, 0, chunks[0].StartToken)
	assert.Equal(t, 1, chunks[0].EndToken)
}

func TestChunkText_EmptyInput(t *testing.T) {
	assert.Nil(t, ChunkText("", 500, 100))
	assert.Nil(t, ChunkText("   \n\t ", 500, 100))
}

func TestChunkText_WindowAndOverlap(t *testing.T) {
	words := make([]string, 120)
	for i := range words {
		words[i] = "w"
	}
	chunks := ChunkText(strings.Join(words, " "), 50, 10)

	require.GreaterOrEqual(t, len(chunks), 3)
	assert.Equal(t, 0, chunks[0].StartToken)
	assert.Equal(t, 50, chunks[0].EndToken)
	// Consecutive chunks overlap by the configured amount.
	assert.Equal(t, 40, chunks[1].StartToken)
	assert.Equal(t, 120, chunks[len(chunks)-1].EndToken)

	// Offsets map back into the token stream.
	for _, c := range chunks {
		assert.Equal(t, c.EndToken-c.StartToken, len(strings.Fields(c.Text)))
	}
}

func TestChunkText_DoesNotSplitMentionSpan(t *testing.T) {
	// A capitalized three-token mention placed across the default boundary.
	var words []string
	for i := 0; i < 49; i++ {
		words = append(words, "lower")
	}
	words = append(words, "Regen", "Network", "Registry")
	for i := 0; i < 30; i++ {
		words = append(words, "lower")
	}

	chunks := ChunkText(strings.Join(words, " "), 50, 10)
	require.GreaterOrEqual(t, len(chunks), 2)

	// The boundary at token 50 falls inside the span [49,52): it must move
	// back so the whole mention lands in the next chunk.
	assert.Equal(t, 49, chunks[0].EndToken)
	assert.NotContains(t, chunks[0].Text, "Regen")
	assert.Contains(t, chunks[1].Text, "Regen Network Registry")
}

func TestDetectSpans(t *testing.T) {
	tokens := strings.Fields("the Regen Network mints credits for Carbon Plus Grasslands today")
	spans := detectSpans(tokens)
	require.Len(t, spans, 2)
	assert.Equal(t, span{1, 3}, spans[0])
	assert.Equal(t, span{6, 9}, spans[1])
}

func TestDetectSpans_TrailingRun(t *testing.T) {
	tokens := strings.Fields("managed by Regen Network")
	spans := detectSpans(tokens)
	require.Len(t, spans, 1)
	assert.Equal(t, span{2, 4}, spans[0])
}
