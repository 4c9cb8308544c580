package prompt

import (
	"fmt"

	"github.com/pkoukk/tiktoken-go"
)

// Tokenizer converts text to and from model token sequences. Budget
// arithmetic in the assembler is done entirely in token space so that
// truncation is exact rather than estimated.
type Tokenizer interface {
	Encode(text string) []int
	Decode(tokens []int) string
	Count(text string) int
}

const defaultEncoding = "cl100k_base"

// TiktokenTokenizer wraps a BPE encoding. The cl100k_base vocabulary is a
// close enough proxy for the open models served by the backends; exact
// per-model vocabularies are not required because the assembler keeps a
// safety buffer and re-checks the final sequence.
type TiktokenTokenizer struct {
	enc *tiktoken.Tiktoken
}

func NewTiktokenTokenizer() (*TiktokenTokenizer, error) {
	enc, err := tiktoken.GetEncoding(defaultEncoding)
	if err != nil {
		return nil, fmt.Errorf("load %s encoding: %w", defaultEncoding, err)
	}
	return &TiktokenTokenizer{enc: enc}, nil
}

func (t *TiktokenTokenizer) Encode(text string) []int {
	return t.enc.Encode(text, nil, nil)
}

func (t *TiktokenTokenizer) Decode(tokens []int) string {
	return t.enc.Decode(tokens)
}

func (t *TiktokenTokenizer) Count(text string) int {
	return len(t.enc.Encode(text, nil, nil))
}
