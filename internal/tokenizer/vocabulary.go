package tokenizer

import (
	"sort"

	"github.com/pkg/errors"
)

// Vocabulary is a dense index over the token ids seen in a corpus.
type Vocabulary struct {
	ids   []int32
	index map[int32]int
}

// NewVocabulary builds a vocabulary from every distinct id in tokens,
// ordered by id.
func NewVocabulary(tokens []int32) *Vocabulary {
	seen := make(map[int32]struct{})
	for _, t := range tokens {
		seen[t] = struct{}{}
	}
	ids := make([]int32, 0, len(seen))
	for t := range seen {
		ids = append(ids, t)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return VocabularyOf(ids)
}

// VocabularyOf builds a vocabulary with the given id order.
func VocabularyOf(ids []int32) *Vocabulary {
	v := &Vocabulary{
		ids:   append([]int32(nil), ids...),
		index: make(map[int32]int, len(ids)),
	}
	for i, t := range v.ids {
		v.index[t] = i
	}
	return v
}

// Size returns the number of distinct ids.
func (v *Vocabulary) Size() int {
	return len(v.ids)
}

// IDs returns the token ids in dense order.
func (v *Vocabulary) IDs() []int32 {
	return v.ids
}

// Index maps token ids to dense indices.
func (v *Vocabulary) Index(tokens []int32) ([]int, error) {
	out := make([]int, len(tokens))
	for i, t := range tokens {
		d, ok := v.index[t]
		if !ok {
			return nil, errors.Wrapf(ErrUnknownToken, "id %d", t)
		}
		out[i] = d
	}
	return out, nil
}

// Token maps a dense index back to its token id.
func (v *Vocabulary) Token(i int) (int32, error) {
	if i < 0 || i >= len(v.ids) {
		return 0, errors.Wrapf(ErrUnknownToken, "index %d of %d", i, len(v.ids))
	}
	return v.ids[i], nil
}
