package onnx

import (
	"encoding/json"
	"fmt"
	"os"
	"sort"
	"strconv"
	"strings"
	"unicode/utf8"
)

// Tokenizer is a greedy longest-match text tokenizer over a JSON vocabulary.
// Each utterance is encoded as "[speaker]text" between BOS and EOS.
type Tokenizer struct {
	tokenToID    map[string]int64
	sortedTokens []string
	bosID        int64
	eosID        int64
	unkID        int64
}

func LoadTokenizer(vocabPath string) (*Tokenizer, error) {
	data, err := os.ReadFile(vocabPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read vocab file: %w", err)
	}

	var vocab map[string]int64
	if err := json.Unmarshal(data, &vocab); err != nil {
		return nil, fmt.Errorf("failed to parse vocab JSON: %w", err)
	}

	return NewTokenizer(vocab), nil
}

func NewTokenizer(vocab map[string]int64) *Tokenizer {
	t := &Tokenizer{
		tokenToID: make(map[string]int64, len(vocab)),
		bosID:     1,
		eosID:     2,
		unkID:     3,
	}

	for token, id := range vocab {
		switch token {
		case "<s>":
			t.bosID = id
			continue
		case "</s>":
			t.eosID = id
			continue
		case "<unk>":
			t.unkID = id
			continue
		case "<pad>", "":
			continue
		}
		t.tokenToID[token] = id
	}

	t.sortedTokens = make([]string, 0, len(t.tokenToID))
	for token := range t.tokenToID {
		t.sortedTokens = append(t.sortedTokens, token)
	}
	sort.Slice(t.sortedTokens, func(i, j int) bool {
		if len(t.sortedTokens[i]) != len(t.sortedTokens[j]) {
			return len(t.sortedTokens[i]) > len(t.sortedTokens[j])
		}
		return t.sortedTokens[i] < t.sortedTokens[j]
	})

	return t
}

func (t *Tokenizer) Encode(text string) []int64 {
	ids := []int64{t.bosID}
	for rest := text; rest != ""; {
		id, n := t.next(rest)
		ids = append(ids, id)
		rest = rest[n:]
	}
	return append(ids, t.eosID)
}

// next returns the id of the longest vocabulary entry prefixing s and its
// byte length, or the unknown id for a single rune.
func (t *Tokenizer) next(s string) (int64, int) {
	for _, token := range t.sortedTokens {
		if strings.HasPrefix(s, token) {
			return t.tokenToID[token], len(token)
		}
	}
	_, size := utf8.DecodeRuneInString(s)
	return t.unkID, size
}

// EncodeTurn encodes text as spoken by speaker.
func (t *Tokenizer) EncodeTurn(speaker int, text string) []int64 {
	return t.Encode("[" + strconv.Itoa(speaker) + "]" + text)
}
