package tokenizer

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// loadTikToken skips when the BPE ranks cannot be fetched.
func loadTikToken(t *testing.T, name string) *TikToken {
	t.Helper()
	tok, err := NewTikToken(name)
	if err != nil {
		t.Skipf("tiktoken encoding %s unavailable: %v", name, err)
	}
	return tok
}

func TestTikToken_UnsupportedEncoding(t *testing.T) {
	tok, err := NewTikToken("invalid_encoding_xyz")
	assert.Error(t, err)
	assert.Nil(t, tok)
}

func TestTikToken_Roundtrip(t *testing.T) {
	tok := loadTikToken(t, "cl100k_base")
	assert.Equal(t, 100277, tok.VocabSize())
	assert.Equal(t, "cl100k_base", tok.Name())

	tests := []struct {
		name string
		text string
	}{
		{"simple", "Hello, world!"},
		{"unicode", "Привет, мир! 你好"},
		{"whitespace", "  tabs\tand\nnewlines  "},
		{"empty", ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ids, err := tok.Encode(tt.text)
			require.NoError(t, err)
			for _, id := range ids {
				assert.Less(t, int(id), tok.VocabSize())
			}
			text, err := tok.Decode(ids)
			require.NoError(t, err)
			assert.Equal(t, tt.text, text)
		})
	}
}

func TestTikToken_DecodeRejectsUnknown(t *testing.T) {
	tok := loadTikToken(t, "r50k_base")
	_, err := tok.Decode([]int32{-1})
	assert.ErrorIs(t, err, ErrUnknownToken)
	_, err = tok.Decode([]int32{int32(tok.VocabSize())})
	assert.ErrorIs(t, err, ErrUnknownToken)
}
