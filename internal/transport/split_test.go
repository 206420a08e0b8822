package transport

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSplitMessageShortTextIsOneChunk(t *testing.T) {
	assert.Equal(t, []string{"hello"}, SplitMessage("hello", 10, 20))
}

func TestSplitMessageEmpty(t *testing.T) {
	assert.Nil(t, SplitMessage("   ", 10, 20))
}

func TestSplitMessagePrefersNewlines(t *testing.T) {
	text := strings.Repeat("aaaa\n", 10) // 50 runes
	chunks := SplitMessage(text, 20, 30)
	require.Greater(t, len(chunks), 1)
	for _, c := range chunks {
		assert.LessOrEqual(t, len([]rune(c)), 30)
		// Cuts land on line boundaries, never mid-line.
		for _, line := range strings.Split(c, "\n") {
			assert.Equal(t, "aaaa", line)
		}
	}
}

func TestSplitMessageHardSplitsLongLine(t *testing.T) {
	text := strings.Repeat("x", 95)
	chunks := SplitMessage(text, 30, 40)
	require.Len(t, chunks, 3)
	assert.Equal(t, strings.Repeat("x", 40), chunks[0])
	assert.Equal(t, strings.Repeat("x", 40), chunks[1])
	assert.Equal(t, strings.Repeat("x", 15), chunks[2])
}

func TestSplitMessageRoundTripsContent(t *testing.T) {
	var b strings.Builder
	for i := 0; i < 200; i++ {
		b.WriteString("line with some content here\n")
	}
	orig := strings.TrimSpace(b.String())
	chunks := SplitMessage(orig, 3800, 4096)
	assert.Equal(t, orig, strings.Join(chunks, "\n"))
}

func TestSplitMessageCountsRunesNotBytes(t *testing.T) {
	text := strings.Repeat("你好世界\n", 8)
	chunks := SplitMessage(text, 10, 12)
	require.Greater(t, len(chunks), 1)
	for _, c := range chunks {
		assert.LessOrEqual(t, len([]rune(c)), 12)
	}
}
