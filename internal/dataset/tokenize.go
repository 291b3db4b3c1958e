package dataset

import (
	"fmt"

	"github.com/headlands-org/go-finetune/internal/tokenizer"
)

// Example is a tokenized record padded to a fixed length. Labels is a copy of
// InputIDs made at construction; positions with AttentionMask 0 are padding.
type Example struct {
	InputIDs      []int
	AttentionMask []int
	Labels        []int
}

// Len returns the number of non-padding positions.
func (e Example) Len() int {
	n := 0
	for _, m := range e.AttentionMask {
		n += m
	}
	return n
}

// PadID returns the id used for padding: the tokenizer's pad token, else EOS,
// else 0.
func PadID(tok *tokenizer.Tokenizer) int {
	if id := tok.Pad(); id >= 0 {
		return id
	}
	if id := tok.EOS(); id >= 0 {
		return id
	}
	return 0
}

// Tokenize encodes text, truncates it to maxLength and right-pads it. With
// addEOS, EOS is appended when the truncated sequence is shorter than
// maxLength and does not already end with it; a sequence filling maxLength is
// left as is.
func Tokenize(tok *tokenizer.Tokenizer, text string, maxLength int, addEOS bool) (Example, error) {
	if maxLength <= 0 {
		return Example{}, fmt.Errorf("max length must be positive, got %d", maxLength)
	}
	ids, err := tok.Encode(text)
	if err != nil {
		return Example{}, err
	}
	if len(ids) > maxLength {
		ids = ids[:maxLength]
	}
	eos := tok.EOS()
	if addEOS && eos >= 0 && len(ids) < maxLength && (len(ids) == 0 || ids[len(ids)-1] != eos) {
		ids = append(ids, eos)
	}
	return pad(ids, len(ids), maxLength, PadID(tok)), nil
}

func pad(ids []int, n, maxLength, padID int) Example {
	ex := Example{
		InputIDs:      make([]int, maxLength),
		AttentionMask: make([]int, maxLength),
	}
	copy(ex.InputIDs, ids[:n])
	for i := range maxLength {
		if i < n {
			ex.AttentionMask[i] = 1
		} else {
			ex.InputIDs[i] = padID
		}
	}
	ex.Labels = append([]int(nil), ex.InputIDs...)
	return ex
}

// Examples is an in-memory Source.
type Examples []Example

func (e Examples) Len() int { return len(e) }

func (e Examples) Example(i int) Example { return e[i] }
