package session

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
)

func segmentAll(t *testing.T, chunks ...string) []string {
	t.Helper()
	g := NewSegmenter()
	var out []string
	for _, c := range chunks {
		out = append(out, g.Feed(c)...)
	}
	if rest := g.Flush(); rest != "" {
		out = append(out, rest)
	}
	return out
}

func TestSegmenterHardBreaks(t *testing.T) {
	assert.Equal(t, []string{"Hello!", "How are you?"},
		segmentAll(t, "Hello! How are you?"))
	assert.Equal(t, []string{"你好。", "再见！"},
		segmentAll(t, "你好。再见！"))
	assert.Equal(t, []string{"One;", "two."},
		segmentAll(t, "One; two."))
}

func TestSegmenterDecimalsSurvive(t *testing.T) {
	assert.Equal(t, []string{"Pi is 3.14."},
		segmentAll(t, "Pi is 3.14."))
	assert.Equal(t, []string{"2.5 km?", "Yes."},
		segmentAll(t, "2.5 km? Yes."))
}

func TestSegmenterSoftBreakFirstSentenceOnly(t *testing.T) {
	// The first comma ends the first sentence early so playback starts
	// sooner; later commas stay inside their sentence.
	assert.Equal(t, []string{"Well,", "I think so, probably."},
		segmentAll(t, "Well, I think so, probably."))
}

func TestSegmenterAcrossChunkBoundaries(t *testing.T) {
	assert.Equal(t, []string{"Hello there!", "Bye."},
		segmentAll(t, "Hel", "lo the", "re! By", "e."))
}

func TestSegmenterFlushRemainder(t *testing.T) {
	g := NewSegmenter()
	assert.Empty(t, g.Feed("no terminator here"))
	assert.Equal(t, "no terminator here", g.Flush())
	assert.Equal(t, "", g.Flush())
}

func TestSegmenterStableUnderResegmentation(t *testing.T) {
	first := segmentAll(t, "Right, let me check. It is 21.5 degrees outside! Enjoy.")
	again := segmentAll(t, strings.Join(first, " "))
	assert.Equal(t, first, again)
}
