// Package tokenizer turns text corpora into token sequences for seqnet
// training.
//
// This package wraps the internal tokenizer implementations and provides
// a clean public API.
//
// Supported tokenizers:
//   - Bytes: one token per byte, always available
//   - TikToken: OpenAI BPE encodings (cl100k_base, p50k_base, r50k_base)
//
// Example usage:
//
//	import "github.com/born-ml/seqnet/tokenizer"
//
//	tok, err := tokenizer.New("bytes")
//	if err != nil {
//	    log.Fatal(err)
//	}
//	ids, err := tok.Encode("hello")
//
//	// Map raw ids to dense one-hot indices.
//	vocab := tokenizer.NewVocabulary(ids)
//	dense, err := vocab.Index(ids)
package tokenizer

import (
	"github.com/born-ml/seqnet/internal/tokenizer"
)

// Tokenizer is the core interface for text tokenization.
type Tokenizer = tokenizer.Tokenizer

// Vocabulary maps raw token ids to dense indices.
type Vocabulary = tokenizer.Vocabulary

// ErrUnknownToken is returned for ids outside a vocabulary.
var ErrUnknownToken = tokenizer.ErrUnknownToken

// New returns the tokenizer registered under name.
//
// "" and "bytes" select the byte tokenizer, any other name is treated as a
// tiktoken encoding.
func New(name string) (Tokenizer, error) {
	return tokenizer.New(name)
}

// NewBytes creates a byte-level tokenizer.
func NewBytes() Tokenizer {
	return tokenizer.NewBytes()
}

// NewTikToken creates a TikToken tokenizer with the specified encoding.
func NewTikToken(encodingName string) (Tokenizer, error) {
	return tokenizer.NewTikToken(encodingName)
}

// NewVocabulary builds a vocabulary from the distinct ids in tokens.
func NewVocabulary(tokens []int32) *Vocabulary {
	return tokenizer.NewVocabulary(tokens)
}
