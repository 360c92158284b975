package train

import "github.com/pkg/errors"

// ErrNotEnoughSamples is returned when a batch cannot be filled.
var ErrNotEnoughSamples = errors.New("train: not enough samples")

// Sample is one input/target pair.
type Sample struct {
	Input  []float32
	Target []float32
}

// Batch is a group of samples stored row-major, one sample per row.
type Batch struct {
	Size   int
	Input  []float32 // [Size, input]
	Target []float32 // [Size, target]
}

// BatchBySize groups samples into batches of size samples each.
func BatchBySize(samples []Sample, size int) ([]Batch, error) {
	if size <= 0 {
		return nil, errors.Errorf("train: invalid batch size %d", size)
	}
	return batchSamples(samples, len(samples)/size, size)
}

// BatchByCount splits samples into count batches.
func BatchByCount(samples []Sample, count int) ([]Batch, error) {
	if count <= 0 {
		return nil, errors.Errorf("train: invalid batch count %d", count)
	}
	return batchSamples(samples, count, len(samples)/count)
}

// interleaved returns the sample index placed in row col of batch i when
// count batches are built. Row col of consecutive batches walks one
// contiguous slice of the samples, so recurrent state carries over from
// batch i to batch i+1.
func interleaved(i, col, count int) int {
	return i + col*count
}

func batchSamples(samples []Sample, count, size int) ([]Batch, error) {
	if count == 0 || size == 0 {
		return nil, errors.Wrapf(ErrNotEnoughSamples, "%d samples for %d batches of %d", len(samples), count, size)
	}
	in, out := len(samples[0].Input), len(samples[0].Target)

	batches := make([]Batch, count)
	for i := range batches {
		b := Batch{
			Size:   size,
			Input:  make([]float32, 0, size*in),
			Target: make([]float32, 0, size*out),
		}
		for col := 0; col < size; col++ {
			s := samples[interleaved(i, col, count)]
			if len(s.Input) != in || len(s.Target) != out {
				return nil, errors.Errorf("train: sample %d has sizes %d/%d, want %d/%d",
					interleaved(i, col, count), len(s.Input), len(s.Target), in, out)
			}
			b.Input = append(b.Input, s.Input...)
			b.Target = append(b.Target, s.Target...)
		}
		batches[i] = b
	}
	return batches, nil
}
