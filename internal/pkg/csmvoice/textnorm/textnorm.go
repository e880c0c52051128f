package textnorm

import (
	"regexp"
	"strings"
	"unicode/utf8"

	"golang.org/x/text/unicode/norm"
)

// TerminalMarks are the characters accepted as the end of an utterance.
// Anything else gets a period appended before synthesis.
const TerminalMarks = ".!?,;:-"

var whitespaceRe = regexp.MustCompile(`\s+`)

type Normalizer struct{}

func NewNormalizer() *Normalizer {
	return &Normalizer{}
}

// Clean composes text to NFC and collapses runs of whitespace. Every other
// character is passed through as written.
func (n *Normalizer) Clean(text string) string {
	text = norm.NFC.String(text)
	text = whitespaceRe.ReplaceAllString(text, " ")

	return strings.TrimSpace(text)
}

// Process cleans text and ensures it ends on terminal punctuation.
func (n *Normalizer) Process(text string) string {
	return EnsureTerminalPunctuation(n.Clean(text))
}

func EnsureTerminalPunctuation(text string) string {
	if text == "" {
		return text
	}

	last, _ := utf8.DecodeLastRuneInString(text)
	if strings.ContainsRune(TerminalMarks, last) {
		return text
	}

	return text + "."
}
