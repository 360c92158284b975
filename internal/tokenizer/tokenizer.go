package tokenizer

import "github.com/pkg/errors"

// ErrUnknownToken is returned when a token id is outside a vocabulary.
var ErrUnknownToken = errors.New("tokenizer: unknown token")

// Tokenizer converts between text and token ids.
type Tokenizer interface {
	// Encode converts text to token IDs.
	Encode(text string) ([]int32, error)

	// Decode converts token IDs back to text.
	Decode(tokens []int32) (string, error)

	// VocabSize returns the number of distinct token ids the tokenizer emits.
	VocabSize() int

	// Name identifies the encoding.
	Name() string
}

// New returns the tokenizer registered under name: "bytes" or a tiktoken
// encoding name.
func New(name string) (Tokenizer, error) {
	if name == "" || name == BytesName {
		return NewBytes(), nil
	}
	return NewTikToken(name)
}
