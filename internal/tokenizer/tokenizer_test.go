package tokenizer

import (
	"testing"

	"github.com/google/go-cmp/cmp"
)

func wordVocab(t *testing.T) *Tokenizer {
	t.Helper()
	vocab := []string{
		"<unk>", "<s>", "</s>",
		"▁", "h", "e", "l", "o", "w", "r", "d",
		"▁h", "▁he", "▁hel", "▁hell", "▁hello",
		"▁w", "▁wo", "▁wor", "▁worl", "▁world",
	}
	scores := make([]float32, len(vocab))
	for i := range scores {
		scores[i] = -float32(i)
	}
	types := make([]TokenType, len(vocab))
	for i := range types {
		types[i] = TokenNormal
	}
	types[0], types[1], types[2] = TokenUnknown, TokenControl, TokenControl

	tok, err := New(vocab, scores, types, Config{AddBOS: true, AddSpacePrefix: true})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if err := tok.SetSpecial(Special{BOS: "<s>", EOS: "</s>", Unk: "<unk>"}); err != nil {
		t.Fatalf("SetSpecial: %v", err)
	}
	return tok
}

func TestEncodeMergesWords(t *testing.T) {
	tok := wordVocab(t)

	ids, err := tok.Encode("hello world")
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	hello, _ := tok.TokenID("▁hello")
	world, _ := tok.TokenID("▁world")
	if diff := cmp.Diff([]int{1, hello, world}, ids); diff != "" {
		t.Errorf("ids mismatch (-want +got):\n%s", diff)
	}

	text, err := tok.Decode(ids)
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if text != "hello world" {
		t.Errorf("Decode = %q, want %q", text, "hello world")
	}

	if _, err := tok.Decode([]int{99}); err == nil {
		t.Error("Decode should reject out of range ids")
	}
}

func TestEncodeEmpty(t *testing.T) {
	tok := wordVocab(t)
	ids, err := tok.Encode("")
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	if diff := cmp.Diff([]int{tok.BOS()}, ids); diff != "" {
		t.Errorf("ids mismatch (-want +got):\n%s", diff)
	}
}

func TestByteFallback(t *testing.T) {
	tok, err := New([]string{"<unk>", "<0xC3>", "<0xA9>", "a"}, make([]float32, 4), nil, Config{})
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	ids, err := tok.Encode("aé")
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	if diff := cmp.Diff([]int{3, 1, 2}, ids); diff != "" {
		t.Errorf("ids mismatch (-want +got):\n%s", diff)
	}
	if text, _ := tok.Decode(ids); text != "aé" {
		t.Errorf("Decode = %q", text)
	}

	if _, err := tok.Encode("b"); err == nil {
		t.Error("Encode without byte piece or unknown token should fail")
	}
	if err := tok.SetSpecial(Special{Unk: "<unk>"}); err != nil {
		t.Fatal(err)
	}
	ids, err = tok.Encode("b")
	if err != nil {
		t.Fatalf("Encode with unknown token: %v", err)
	}
	if diff := cmp.Diff([]int{0}, ids); diff != "" {
		t.Errorf("ids mismatch (-want +got):\n%s", diff)
	}
}

func TestApplyArchitectureDefaults(t *testing.T) {
	tests := []struct {
		arch    string
		vocab   []string
		want    [4]int // bos, eos, unk, pad
		wantErr bool
	}{
		{"llama", []string{"<unk>", "<s>", "</s>"}, [4]int{2, 2, 2, 0}, false},
		{"gemma", []string{"<unk>", "<s>", "</s>"}, [4]int{-1, -1, -1, -1}, false},
		{"llama", []string{"<unk>", "<s>"}, [4]int{}, true},
	}
	for _, tt := range tests {
		t.Run(tt.arch, func(t *testing.T) {
			tok, err := New(tt.vocab, make([]float32, len(tt.vocab)), nil, Config{})
			if err != nil {
				t.Fatal(err)
			}
			err = tok.ApplyArchitectureDefaults(tt.arch)
			if tt.wantErr {
				if err == nil {
					t.Error("expected error")
				}
				return
			}
			if err != nil {
				t.Fatalf("ApplyArchitectureDefaults: %v", err)
			}
			got := [4]int{tok.BOS(), tok.EOS(), tok.Unknown(), tok.Pad()}
			if got != tt.want {
				t.Errorf("special ids = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestLoadFromGGUF(t *testing.T) {
	md := map[string]interface{}{
		"tokenizer.ggml.tokens":        []interface{}{"<unk>", "<s>", "</s>", "▁a"},
		"tokenizer.ggml.scores":        []interface{}{float32(0), float32(0), float32(0), float32(-1)},
		"tokenizer.ggml.token_type":    []interface{}{int32(2), int32(3), int32(3), int32(1)},
		"tokenizer.ggml.bos_token_id":  uint32(1),
		"tokenizer.ggml.eos_token_id":  uint32(2),
		"tokenizer.ggml.add_bos_token": true,
	}
	get := func(k string) (interface{}, bool) {
		v, ok := md[k]
		return v, ok
	}

	tok, err := LoadFromGGUF(get)
	if err != nil {
		t.Fatalf("LoadFromGGUF: %v", err)
	}
	if tok.VocabSize() != 4 || tok.BOS() != 1 || tok.EOS() != 2 || !tok.AddsBOS() {
		t.Errorf("vocab=%d bos=%d eos=%d addBOS=%v", tok.VocabSize(), tok.BOS(), tok.EOS(), tok.AddsBOS())
	}
	ids, err := tok.Encode("a")
	if err != nil {
		t.Fatal(err)
	}
	if diff := cmp.Diff([]int{1, 3}, ids); diff != "" {
		t.Errorf("ids mismatch (-want +got):\n%s", diff)
	}

	delete(md, "tokenizer.ggml.tokens")
	if _, err := LoadFromGGUF(get); err == nil {
		t.Error("LoadFromGGUF without tokens should fail")
	}
}

func TestBuildRoundTrip(t *testing.T) {
	corpus := []string{"the quick brown fox", "the lazy dog", "Über straße"}
	tok, err := Build(corpus, 400)
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	if _, ok := tok.TokenID("▁the"); !ok {
		t.Error("frequent word ▁the missing from vocabulary")
	}

	for _, text := range append(corpus, "zebra ☃ quick") {
		ids, err := tok.Encode(text)
		if err != nil {
			t.Fatalf("Encode(%q): %v", text, err)
		}
		if ids[0] != BuildBOSID {
			t.Errorf("Encode(%q) does not start with BOS: %v", text, ids)
		}
		got, err := tok.Decode(ids)
		if err != nil {
			t.Fatalf("Decode: %v", err)
		}
		if got != text {
			t.Errorf("round trip %q -> %v -> %q", text, ids, got)
		}
		t.Logf("%q -> %d tokens", text, len(ids))
	}

	if _, err := Build(corpus, 100); err == nil {
		t.Error("Build should reject a size below the reserved pieces")
	}
}

func TestNormalizer(t *testing.T) {
	tests := []struct {
		name      string
		input     string
		lowercase bool
		nfkc      bool
		wantDiff  bool // expect different from input
	}{
		{"no-op", "hello", false, false, false},
		{"lowercase", "Hello", true, false, true},
		{"nfkc", "ﬁ", false, true, true},         // ligature fi -> f i
		{"both", "Ｈｅｌｌｏ", true, true, true}, // fullwidth -> ascii + lowercase
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			norm := NewNormalizer(tt.lowercase, false, tt.nfkc)
			result := norm.Normalize(tt.input)

			if tt.wantDiff && result == tt.input {
				t.Errorf("Expected normalization to change %q", tt.input)
			}
			if !tt.wantDiff && result != tt.input {
				t.Errorf("Expected normalization to preserve %q, got %q", tt.input, result)
			}

			t.Logf("Normalize(%q) = %q", tt.input, result)
		})
	}
}
