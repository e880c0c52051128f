package main

import (
	"testing"
	"unicode/utf8"

	"github.com/stretchr/testify/assert"
)

func TestTruncateTextKeepsRunesWhole(t *testing.T) {
	t.Parallel()

	assert.Equal(t, "short", truncateText("short", 50))
	assert.Equal(t, "héllo...", truncateText("héllo wörld", 5))

	got := truncateText("日本語のテキストです", 4)
	assert.Equal(t, "日本語の...", got)
	assert.True(t, utf8.ValidString(got))
}
