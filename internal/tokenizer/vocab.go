package tokenizer

import (
	"fmt"
	"sort"
	"strings"
)

// Reserved ids in vocabularies produced by Build.
const (
	BuildUnkID = 0
	BuildBOSID = 1
	BuildEOSID = 2
)

// Build derives a vocabulary from a corpus: the three control tokens, the 256
// byte fallback pieces, every character seen, then prefixes of the most frequent
// words until size pieces exist. Merges only ever extend a word from its left
// edge, so every word prefix reachable by BPE is in the vocabulary.
func Build(corpus []string, size int) (*Tokenizer, error) {
	cfg := Config{AddBOS: true, AddSpacePrefix: true, NFKC: true}
	minSize := 3 + 256
	if size < minSize {
		return nil, fmt.Errorf("vocabulary size %d below minimum %d", size, minSize)
	}

	vocab := []string{"<unk>", "<s>", "</s>"}
	types := []TokenType{TokenUnknown, TokenControl, TokenControl}
	for b := 0; b < 256; b++ {
		vocab = append(vocab, ByteToken(byte(b)))
		types = append(types, TokenByte)
	}
	seen := make(map[string]bool, size)
	for _, v := range vocab {
		seen[v] = true
	}
	add := func(piece string) bool {
		if len(vocab) >= size {
			return false
		}
		if !seen[piece] {
			seen[piece] = true
			vocab = append(vocab, piece)
			types = append(types, TokenNormal)
		}
		return true
	}

	normalizer := NewNormalizer(cfg.Lowercase, cfg.RemoveAccents, cfg.NFKC)
	counts := make(map[string]int)
	runeCounts := make(map[string]int)
	for _, text := range corpus {
		text = normalizer.Normalize(text)
		if text == "" {
			continue
		}
		if !strings.HasPrefix(text, " ") {
			text = " " + text
		}
		text = strings.ReplaceAll(text, " ", metaSpace)
		for _, w := range splitWords(text) {
			counts[w]++
		}
		for _, r := range text {
			runeCounts[string(r)]++
		}
	}

	for _, r := range byFrequency(runeCounts) {
		if !add(r) {
			break
		}
	}
	for _, w := range byFrequency(counts) {
		runes := []rune(w)
		full := true
		for n := 2; n <= len(runes); n++ {
			if full = add(string(runes[:n])); !full {
				break
			}
		}
		if !full {
			break
		}
	}

	// Earlier pieces score higher so frequent merges win ties.
	scores := make([]float32, len(vocab))
	for i := range scores {
		scores[i] = -float32(i)
	}

	tok, err := New(vocab, scores, types, cfg)
	if err != nil {
		return nil, err
	}
	tok.unkID, tok.bosID, tok.eosID = BuildUnkID, BuildBOSID, BuildEOSID
	return tok, nil
}

func byFrequency(counts map[string]int) []string {
	keys := make([]string, 0, len(counts))
	for k := range counts {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool {
		if counts[keys[i]] != counts[keys[j]] {
			return counts[keys[i]] > counts[keys[j]]
		}
		return keys[i] < keys[j]
	})
	return keys
}
