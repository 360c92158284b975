package tokenizer

import "github.com/pkg/errors"

// BytesName is the name of the byte-level tokenizer.
const BytesName = "bytes"

// Bytes maps every byte of the input to its own token.
type Bytes struct{}

// NewBytes returns a byte-level tokenizer.
func NewBytes() *Bytes {
	return &Bytes{}
}

// Encode returns one token per byte of text.
func (Bytes) Encode(text string) ([]int32, error) {
	out := make([]int32, len(text))
	for i := 0; i < len(text); i++ {
		out[i] = int32(text[i])
	}
	return out, nil
}

// Decode reassembles bytes from tokens.
func (Bytes) Decode(tokens []int32) (string, error) {
	buf := make([]byte, len(tokens))
	for i, t := range tokens {
		if t < 0 || t > 255 {
			return "", errors.Wrapf(ErrUnknownToken, "byte token %d", t)
		}
		buf[i] = byte(t)
	}
	return string(buf), nil
}

// VocabSize returns 256.
func (Bytes) VocabSize() int { return 256 }

// Name returns BytesName.
func (Bytes) Name() string { return BytesName }
