// Package tokenizer provides SentencePiece-style BPE tokenization with byte fallback.
package tokenizer

import (
	"fmt"
	"strings"
	"unicode"

	"golang.org/x/text/unicode/norm"
)

// TokenType represents the type of a token
type TokenType int32

const (
	TokenNormal      TokenType = 1
	TokenUnknown     TokenType = 2
	TokenControl     TokenType = 3
	TokenUserDefined TokenType = 4
	TokenUnused      TokenType = 5
	TokenByte        TokenType = 6
)

const metaSpace = "▁"

// Tokenizer is a SentencePiece BPE tokenizer
type Tokenizer struct {
	vocab      []string
	scores     []float32
	tokenTypes []TokenType
	tokenToID  map[string]int
	byteIDs    [256]int
	bosID      int
	eosID      int
	unkID      int
	padID      int
	addBOS     bool
	addEOS     bool
	addPrefix  bool
	normalizer Normalizer
}

// Config holds tokenizer configuration
type Config struct {
	AddBOS         bool
	AddEOS         bool
	AddSpacePrefix bool
	Lowercase      bool
	RemoveAccents  bool
	NFKC           bool
}

// New creates a new tokenizer
func New(vocab []string, scores []float32, tokenTypes []TokenType, cfg Config) (*Tokenizer, error) {
	if len(vocab) != len(scores) {
		return nil, fmt.Errorf("vocab and scores length mismatch: %d != %d", len(vocab), len(scores))
	}
	if len(tokenTypes) > 0 && len(vocab) != len(tokenTypes) {
		return nil, fmt.Errorf("vocab and tokenTypes length mismatch: %d != %d", len(vocab), len(tokenTypes))
	}

	if len(tokenTypes) == 0 {
		tokenTypes = make([]TokenType, len(vocab))
		for i := range tokenTypes {
			tokenTypes[i] = TokenNormal
		}
	}

	t := &Tokenizer{
		vocab:      vocab,
		scores:     scores,
		tokenTypes: tokenTypes,
		tokenToID:  make(map[string]int, len(vocab)),
		bosID:      -1,
		eosID:      -1,
		unkID:      -1,
		padID:      -1,
		addBOS:     cfg.AddBOS,
		addEOS:     cfg.AddEOS,
		addPrefix:  cfg.AddSpacePrefix,
		normalizer: NewNormalizer(cfg.Lowercase, cfg.RemoveAccents, cfg.NFKC),
	}
	for i := range t.byteIDs {
		t.byteIDs[i] = -1
	}

	for i, token := range vocab {
		if _, dup := t.tokenToID[token]; !dup {
			t.tokenToID[token] = i
		}
		if b, ok := parseByteToken(token); ok {
			t.byteIDs[b] = i
		}
	}

	return t, nil
}

// parseByteToken recognises the "<0xAB>" byte fallback pieces.
func parseByteToken(s string) (byte, bool) {
	if len(s) != 6 || !strings.HasPrefix(s, "<0x") || s[5] != '>' {
		return 0, false
	}
	var b byte
	for _, c := range s[3:5] {
		b <<= 4
		switch {
		case c >= '0' && c <= '9':
			b |= byte(c - '0')
		case c >= 'A' && c <= 'F':
			b |= byte(c-'A') + 10
		case c >= 'a' && c <= 'f':
			b |= byte(c-'a') + 10
		default:
			return 0, false
		}
	}
	return b, true
}

// ByteToken returns the fallback piece for b.
func ByteToken(b byte) string {
	return fmt.Sprintf("<0x%02X>", b)
}

// Encode tokenizes text to token IDs
func (t *Tokenizer) Encode(text string) ([]int, error) {
	text = t.normalizer.Normalize(text)

	ids := make([]int, 0, len(text)/3+2)
	if t.addBOS && t.bosID >= 0 {
		ids = append(ids, t.bosID)
	}

	if text != "" {
		if t.addPrefix && !strings.HasPrefix(text, " ") {
			text = " " + text
		}
		text = strings.ReplaceAll(text, " ", metaSpace)

		for _, word := range splitWords(text) {
			var err error
			if ids, err = t.appendPieces(ids, t.tokenizeBPE(word)); err != nil {
				return nil, err
			}
		}
	}

	if t.addEOS && t.eosID >= 0 {
		ids = append(ids, t.eosID)
	}
	return ids, nil
}

func (t *Tokenizer) appendPieces(ids []int, pieces []string) ([]int, error) {
	for _, piece := range pieces {
		if id, ok := t.tokenToID[piece]; ok {
			ids = append(ids, id)
			continue
		}
		for _, b := range []byte(piece) {
			switch {
			case t.byteIDs[b] >= 0:
				ids = append(ids, t.byteIDs[b])
			case t.unkID >= 0:
				ids = append(ids, t.unkID)
			default:
				return nil, fmt.Errorf("piece %q not in vocabulary and no unknown token set", piece)
			}
		}
	}
	return ids, nil
}

// splitWords cuts metaspace-joined text before every metaspace run that
// follows a non-metaspace character. Pieces never span these boundaries.
func splitWords(text string) []string {
	var words []string
	start := 0
	prevSpace := true
	for i, r := range text {
		space := r == '▁'
		if space && !prevSpace && i > start {
			words = append(words, text[start:i])
			start = i
		}
		prevSpace = space
	}
	return append(words, text[start:])
}

// Decode converts token IDs back to text
func (t *Tokenizer) Decode(ids []int) (string, error) {
	var buf []byte
	for _, id := range ids {
		if id < 0 || id >= len(t.vocab) {
			return "", fmt.Errorf("token id %d out of range [0,%d)", id, len(t.vocab))
		}
		if t.isSpecialToken(id) {
			continue
		}
		token := t.vocab[id]
		if b, ok := parseByteToken(token); ok {
			buf = append(buf, b)
			continue
		}
		buf = append(buf, strings.ReplaceAll(token, metaSpace, " ")...)
	}
	s := string(buf)
	if t.addPrefix {
		s = strings.TrimPrefix(s, " ")
	}
	return s, nil
}

// tokenizeBPE performs Byte Pair Encoding tokenization
// Based on llama.cpp's SPM tokenizer implementation
func (t *Tokenizer) tokenizeBPE(text string) []string {
	if text == "" {
		return nil
	}

	type symbol struct {
		text string
		prev int
		next int
	}

	runes := []rune(text)
	symbols := make([]symbol, len(runes))
	for i, r := range runes {
		symbols[i] = symbol{text: string(r), prev: i - 1, next: i + 1}
	}
	symbols[len(symbols)-1].next = -1

	type bigram struct {
		left  int
		right int
		score float32
		text  string
	}

	for {
		var best bigram
		found := false
		for i := 0; i < len(symbols); i++ {
			if symbols[i].text == "" || symbols[i].next == -1 {
				continue
			}
			right := symbols[i].next
			merged := symbols[i].text + symbols[right].text
			id, ok := t.tokenToID[merged]
			if !ok {
				continue
			}
			// When scores are equal the rightmost pair wins, as in llama.cpp.
			if !found || t.scores[id] > best.score || (t.scores[id] == best.score && i > best.left) {
				best = bigram{left: i, right: right, score: t.scores[id], text: merged}
				found = true
			}
		}
		if !found {
			break
		}

		symbols[best.left].text = best.text
		symbols[best.left].next = symbols[best.right].next
		if symbols[best.right].next != -1 {
			symbols[symbols[best.right].next].prev = best.left
		}
		symbols[best.right].text = ""
	}

	var result []string
	for i := 0; i < len(symbols); i++ {
		if symbols[i].text != "" {
			result = append(result, symbols[i].text)
		}
	}
	return result
}

// isSpecialToken checks if a token ID is a special token
func (t *Tokenizer) isSpecialToken(id int) bool {
	return id == t.bosID || id == t.eosID || id == t.unkID || id == t.padID ||
		t.tokenTypes[id] == TokenControl || t.tokenTypes[id] == TokenUnused
}

// VocabSize returns the vocabulary size
func (t *Tokenizer) VocabSize() int {
	return len(t.vocab)
}

// TokenID looks a piece up in the vocabulary.
func (t *Tokenizer) TokenID(piece string) (int, bool) {
	id, ok := t.tokenToID[piece]
	return id, ok
}

// Token returns the piece for id, or "" when out of range.
func (t *Tokenizer) Token(id int) string {
	if id < 0 || id >= len(t.vocab) {
		return ""
	}
	return t.vocab[id]
}

// BOS, EOS, Unknown and Pad return the special token ids, -1 when unset.
func (t *Tokenizer) BOS() int     { return t.bosID }
func (t *Tokenizer) EOS() int     { return t.eosID }
func (t *Tokenizer) Unknown() int { return t.unkID }
func (t *Tokenizer) Pad() int     { return t.padID }

// AddsBOS reports whether Encode prepends the BOS token.
func (t *Tokenizer) AddsBOS() bool { return t.addBOS }

// Vocabulary returns copies of the pieces, scores and token types, in id order.
func (t *Tokenizer) Vocabulary() ([]string, []float32, []TokenType) {
	return append([]string(nil), t.vocab...),
		append([]float32(nil), t.scores...),
		append([]TokenType(nil), t.tokenTypes...)
}

// Special names special tokens by piece. Empty fields are left unchanged.
type Special struct {
	BOS string
	EOS string
	Unk string
	Pad string
}

// SetSpecial overrides special tokens by piece.
func (t *Tokenizer) SetSpecial(s Special) error {
	set := func(piece string, dst *int) error {
		if piece == "" {
			return nil
		}
		id, ok := t.tokenToID[piece]
		if !ok {
			return fmt.Errorf("special token %q not in vocabulary", piece)
		}
		*dst = id
		return nil
	}
	for _, f := range []struct {
		piece string
		dst   *int
	}{{s.BOS, &t.bosID}, {s.EOS, &t.eosID}, {s.Unk, &t.unkID}, {s.Pad, &t.padID}} {
		if err := set(f.piece, f.dst); err != nil {
			return err
		}
	}
	return nil
}

// SetPadID sets the padding id directly.
func (t *Tokenizer) SetPadID(id int) error {
	if id < 0 || id >= len(t.vocab) {
		return fmt.Errorf("pad id %d out of range [0,%d)", id, len(t.vocab))
	}
	t.padID = id
	return nil
}

// ApplyArchitectureDefaults adjusts special tokens for model families that ship
// without usable ones. For llama, bos/eos/unk become "</s>" and padding uses id 0.
func (t *Tokenizer) ApplyArchitectureDefaults(arch string) error {
	if !strings.EqualFold(arch, "llama") {
		return nil
	}
	if err := t.SetSpecial(Special{BOS: "</s>", EOS: "</s>", Unk: "</s>"}); err != nil {
		return fmt.Errorf("llama special tokens: %w", err)
	}
	return t.SetPadID(0)
}

// Normalizer handles text normalization
type Normalizer struct {
	lowercase     bool
	removeAccents bool
	nfkc          bool
}

// NewNormalizer creates a new normalizer
func NewNormalizer(lowercase, removeAccents, nfkc bool) Normalizer {
	return Normalizer{
		lowercase:     lowercase,
		removeAccents: removeAccents,
		nfkc:          nfkc,
	}
}

// Normalize normalizes text
func (n Normalizer) Normalize(text string) string {
	if n.nfkc {
		text = norm.NFKC.String(text)
	}
	if n.removeAccents {
		text = n.removeAccentsFunc(text)
	}
	if n.lowercase {
		text = strings.ToLower(text)
	}
	return text
}

// removeAccentsFunc removes diacritical marks
func (n Normalizer) removeAccentsFunc(s string) string {
	t := norm.NFD.String(s)

	var result strings.Builder
	result.Grow(len(t))
	for _, r := range t {
		if !unicode.Is(unicode.Mn, r) {
			result.WriteRune(r)
		}
	}
	return result.String()
}

// LoadFromGGUF loads a tokenizer from GGUF metadata
func LoadFromGGUF(getMetadata func(string) (interface{}, bool)) (*Tokenizer, error) {
	tokensRaw, ok := getMetadata("tokenizer.ggml.tokens")
	if !ok {
		return nil, fmt.Errorf("tokenizer.ggml.tokens not found")
	}
	tokensArr, ok := tokensRaw.([]interface{})
	if !ok {
		return nil, fmt.Errorf("tokenizer.ggml.tokens is not an array")
	}
	tokens := make([]string, len(tokensArr))
	for i, t := range tokensArr {
		tokens[i], ok = t.(string)
		if !ok {
			return nil, fmt.Errorf("token %d is not a string", i)
		}
	}

	scores := make([]float32, len(tokens))
	if scoresRaw, ok := getMetadata("tokenizer.ggml.scores"); ok {
		scoresArr, ok := scoresRaw.([]interface{})
		if !ok || len(scoresArr) != len(tokens) {
			return nil, fmt.Errorf("tokenizer.ggml.scores is not an array of %d numbers", len(tokens))
		}
		for i, s := range scoresArr {
			switch v := s.(type) {
			case float32:
				scores[i] = v
			case float64:
				scores[i] = float32(v)
			default:
				return nil, fmt.Errorf("score %d is not a number", i)
			}
		}
	}

	var tokenTypes []TokenType
	if typesRaw, ok := getMetadata("tokenizer.ggml.token_type"); ok {
		if typesArr, ok := typesRaw.([]interface{}); ok {
			tokenTypes = make([]TokenType, len(typesArr))
			for i, t := range typesArr {
				switch v := t.(type) {
				case int32:
					tokenTypes[i] = TokenType(v)
				case uint32:
					tokenTypes[i] = TokenType(v)
				case int:
					tokenTypes[i] = TokenType(v)
				default:
					tokenTypes[i] = TokenNormal
				}
			}
		}
	}

	cfg := Config{
		AddBOS:         getBoolMetadata(getMetadata, "tokenizer.ggml.add_bos_token", true),
		AddEOS:         getBoolMetadata(getMetadata, "tokenizer.ggml.add_eos_token", false),
		AddSpacePrefix: getBoolMetadata(getMetadata, "tokenizer.ggml.add_space_prefix", true),
		NFKC:           true,
	}

	tok, err := New(tokens, scores, tokenTypes, cfg)
	if err != nil {
		return nil, err
	}

	// Special ids come from metadata, never from string matching.
	for key, dst := range map[string]*int{
		"tokenizer.ggml.bos_token_id":     &tok.bosID,
		"tokenizer.ggml.eos_token_id":     &tok.eosID,
		"tokenizer.ggml.unknown_token_id": &tok.unkID,
		"tokenizer.ggml.padding_token_id": &tok.padID,
	} {
		if id, ok := getIntMetadata(getMetadata, key); ok && id >= 0 && id < len(tokens) {
			*dst = id
		}
	}

	return tok, nil
}

func getBoolMetadata(getMetadata func(string) (interface{}, bool), key string, defaultVal bool) bool {
	if val, ok := getMetadata(key); ok {
		if b, ok := val.(bool); ok {
			return b
		}
	}
	return defaultVal
}

func getIntMetadata(getMetadata func(string) (interface{}, bool), key string) (int, bool) {
	val, ok := getMetadata(key)
	if !ok {
		return 0, false
	}
	switch v := val.(type) {
	case uint32:
		return int(v), true
	case int32:
		return int(v), true
	case uint64:
		return int(v), true
	case int64:
		return int(v), true
	}
	return 0, false
}
