package tokenizer

import (
	"github.com/pkg/errors"
	"github.com/pkoukk/tiktoken-go"
)

// Vocabulary sizes of the supported encodings, special tokens included.
var tiktokenVocab = map[string]int{
	"cl100k_base": 100277,
	"p50k_base":   50281,
	"r50k_base":   50257,
}

// TikToken wraps a tiktoken-go BPE encoding.
type TikToken struct {
	encoding *tiktoken.Tiktoken
	name     string
}

// NewTikToken loads the named encoding. The BPE ranks are fetched and cached
// by tiktoken-go on first use.
func NewTikToken(encodingName string) (*TikToken, error) {
	if _, ok := tiktokenVocab[encodingName]; !ok {
		return nil, errors.Errorf("tokenizer: unsupported encoding %q", encodingName)
	}
	encoding, err := tiktoken.GetEncoding(encodingName)
	if err != nil {
		return nil, errors.Wrapf(err, "loading tiktoken encoding %q", encodingName)
	}
	return &TikToken{encoding: encoding, name: encodingName}, nil
}

// Encode converts text to token IDs. Special-token text is encoded as
// plain text.
func (t *TikToken) Encode(text string) ([]int32, error) {
	tokens := t.encoding.Encode(text, nil, nil)
	out := make([]int32, len(tokens))
	for i, tok := range tokens {
		out[i] = int32(tok) //nolint:gosec // G115: vocabularies are far below 2^31
	}
	return out, nil
}

// Decode converts token IDs back to text.
func (t *TikToken) Decode(tokens []int32) (string, error) {
	ids := make([]int, len(tokens))
	for i, tok := range tokens {
		if tok < 0 || int(tok) >= t.VocabSize() {
			return "", errors.Wrapf(ErrUnknownToken, "%s token %d", t.name, tok)
		}
		ids[i] = int(tok)
	}
	return t.encoding.Decode(ids), nil
}

// VocabSize returns the size of the encoding's id space.
func (t *TikToken) VocabSize() int {
	return tiktokenVocab[t.name]
}

// Name returns the encoding name.
func (t *TikToken) Name() string {
	return t.name
}
