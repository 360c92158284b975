package tokenizer_test

import (
	"testing"

	"github.com/born-ml/seqnet/tokenizer"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBytesRoundTrip(t *testing.T) {
	tok, err := tokenizer.New("bytes")
	require.NoError(t, err)

	ids, err := tok.Encode("abca")
	require.NoError(t, err)

	vocab := tokenizer.NewVocabulary(ids)
	assert.Equal(t, 3, vocab.Size())

	dense, err := vocab.Index(ids)
	require.NoError(t, err)
	assert.Equal(t, dense[0], dense[3])

	text, err := tok.Decode(ids)
	require.NoError(t, err)
	assert.Equal(t, "abca", text)
}

func TestUnknownToken(t *testing.T) {
	vocab := tokenizer.NewVocabulary([]int32{'a', 'b'})
	_, err := vocab.Index([]int32{'z'})
	assert.ErrorIs(t, err, tokenizer.ErrUnknownToken)
}
