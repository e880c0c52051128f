package onnx_test

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"csmvoice/internal/pkg/csmvoice/backends/onnx"
)

func testVocab() map[string]int64 {
	return map[string]int64{
		"<pad>": 0,
		"<s>":   10,
		"</s>":  11,
		"<unk>": 12,
		"[":     20,
		"]":     21,
		"1":     22,
		"he":    30,
		"hell":  31,
		"o":     32,
		" ":     33,
		"h":     34,
	}
}

func TestEncodePrefersLongestToken(t *testing.T) {
	t.Parallel()

	tok := onnx.NewTokenizer(testVocab())

	assert.Equal(t, []int64{10, 31, 32, 11}, tok.Encode("hello"))
	assert.Equal(t, []int64{10, 30, 33, 34, 11}, tok.Encode("he h"))
}

func TestEncodeUnknownRunes(t *testing.T) {
	t.Parallel()

	tok := onnx.NewTokenizer(testVocab())

	// One unknown id per rune, not per byte.
	assert.Equal(t, []int64{10, 12, 32, 11}, tok.Encode("éo"))
}

func TestEncodeTurn(t *testing.T) {
	t.Parallel()

	tok := onnx.NewTokenizer(testVocab())

	assert.Equal(t, []int64{10, 20, 22, 21, 30, 11}, tok.EncodeTurn(1, "he"))
}

func TestLoadTokenizer(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "tokenizer.json")
	require.NoError(t, os.WriteFile(path, []byte(`{"<s>":1,"</s>":2,"a":5}`), 0o644))

	tok, err := onnx.LoadTokenizer(path)
	require.NoError(t, err)
	assert.Equal(t, []int64{1, 5, 5, 2}, tok.Encode("aa"))

	_, err = onnx.LoadTokenizer(filepath.Join(t.TempDir(), "missing.json"))
	assert.Error(t, err)
}
