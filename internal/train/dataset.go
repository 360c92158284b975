package train

import "github.com/pkg/errors"

// Dataset yields network-shaped batches. Input and target are laid out
// [seq, batch, features] to match nn.Network.
type Dataset interface {
	// Len returns the number of batches in one epoch.
	Len() int

	// Batch returns batch i of the epoch.
	Batch(i int) (input, target []float32, err error)
}

// SequenceDataset turns a stream of dense token indices into next-token
// prediction batches with one-hot encoding.
//
// The stream is cut into Batch contiguous lanes. Batch i holds steps
// [i*SeqLen, (i+1)*SeqLen) of every lane, so consecutive batches continue
// each lane where the previous one stopped.
type SequenceDataset struct {
	tokens []int
	vocab  int
	batch  int
	seq    int
	lane   int // transitions per lane
}

// NewSequenceDataset builds a dataset over tokens, whose values must lie in
// [0, vocab).
func NewSequenceDataset(tokens []int, vocab, batch, seq int) (*SequenceDataset, error) {
	if vocab <= 0 || batch <= 0 || seq <= 0 {
		return nil, errors.Errorf("train: invalid dataset sizes vocab=%d batch=%d seq=%d", vocab, batch, seq)
	}
	for i, t := range tokens {
		if t < 0 || t >= vocab {
			return nil, errors.Errorf("train: token %d at %d outside vocabulary of %d", t, i, vocab)
		}
	}
	d := &SequenceDataset{
		tokens: tokens,
		vocab:  vocab,
		batch:  batch,
		seq:    seq,
		lane:   (len(tokens) - 1) / batch,
	}
	if d.Len() == 0 {
		return nil, errors.Wrapf(ErrNotEnoughSamples, "%d tokens for %d lanes of %d steps", len(tokens), batch, seq)
	}
	return d, nil
}

// Len returns the number of full batches per epoch.
func (d *SequenceDataset) Len() int {
	return d.lane / d.seq
}

// Vocab returns the one-hot width.
func (d *SequenceDataset) Vocab() int {
	return d.vocab
}

// Batch returns one-hot inputs and next-token targets for batch i.
func (d *SequenceDataset) Batch(i int) (input, target []float32, err error) {
	if i < 0 || i >= d.Len() {
		return nil, nil, errors.Errorf("train: batch %d out of range [0, %d)", i, d.Len())
	}
	n := d.seq * d.batch * d.vocab
	input = make([]float32, n)
	target = make([]float32, n)

	for t := 0; t < d.seq; t++ {
		step := i*d.seq + t
		for b := 0; b < d.batch; b++ {
			pos := interleaved(step, b, d.lane)
			row := (t*d.batch + b) * d.vocab
			input[row+d.tokens[pos]] = 1
			target[row+d.tokens[pos+1]] = 1
		}
	}
	return input, target, nil
}

// SampleDataset serves pre-built batches, typically from BatchBySize or
// BatchByCount, as single-step sequences.
type SampleDataset struct {
	batches []Batch
}

// NewSampleDataset wraps batches. All batches must have the same size.
func NewSampleDataset(batches []Batch) (*SampleDataset, error) {
	if len(batches) == 0 {
		return nil, ErrNotEnoughSamples
	}
	for i, b := range batches {
		if b.Size != batches[0].Size {
			return nil, errors.Errorf("train: batch %d has %d samples, want %d", i, b.Size, batches[0].Size)
		}
	}
	return &SampleDataset{batches: batches}, nil
}

// Len returns the number of batches.
func (d *SampleDataset) Len() int { return len(d.batches) }

// Batch returns batch i.
func (d *SampleDataset) Batch(i int) (input, target []float32, err error) {
	if i < 0 || i >= len(d.batches) {
		return nil, nil, errors.Errorf("train: batch %d out of range [0, %d)", i, len(d.batches))
	}
	return d.batches[i].Input, d.batches[i].Target, nil
}
