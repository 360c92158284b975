package train

import (
	"math"
	"math/rand"

	"github.com/pkg/errors"
)

// Temper re-normalizes one row of softmax probabilities at temperature T,
// which equals softmax(logits/T) for the logits that produced probs.
// T < 1 sharpens the distribution and T > 1 flattens it.
func Temper(probs []float32, temperature float64) ([]float32, error) {
	if temperature <= 0 || math.IsNaN(temperature) {
		return nil, errors.Errorf("train: temperature %g must be positive", temperature)
	}
	out := make([]float32, len(probs))
	var sum float64
	for i, p := range probs {
		if p <= 0 || math.IsNaN(float64(p)) {
			continue
		}
		v := math.Exp(math.Log(float64(p)) / temperature)
		out[i] = float32(v)
		sum += v
	}
	if sum == 0 {
		return nil, errors.New("train: probabilities sum to zero")
	}
	for i := range out {
		out[i] = float32(float64(out[i]) / sum)
	}
	return out, nil
}

// Argmax returns the index of the largest value, the first one on ties.
func Argmax(row []float32) int {
	best := 0
	for i, v := range row {
		if v > row[best] {
			best = i
		}
	}
	return best
}

// Sample draws one index per row of probs [rows, cols].
//
// A temperature of zero picks the most probable index. Otherwise each row
// is tempered and an index is drawn from the cumulative distribution.
func Sample(probs []float32, rows, cols int, temperature float64, rng *rand.Rand) ([]int, error) {
	if rows <= 0 || cols <= 0 || len(probs) != rows*cols {
		return nil, errors.Errorf("train: %d probabilities do not match [%d %d]", len(probs), rows, cols)
	}
	if temperature < 0 {
		return nil, errors.Errorf("train: negative temperature %g", temperature)
	}
	out := make([]int, rows)
	for r := range rows {
		row := probs[r*cols : (r+1)*cols]
		if temperature == 0 {
			out[r] = Argmax(row)
			continue
		}
		p, err := Temper(row, temperature)
		if err != nil {
			return nil, errors.Wrapf(err, "row %d", r)
		}
		out[r] = choose(p, rng.Float64())
	}
	return out, nil
}

// choose returns the first index whose cumulative probability reaches u.
func choose(p []float32, u float64) int {
	var acc float64
	last := 0
	for i, v := range p {
		if v <= 0 {
			continue
		}
		acc += float64(v)
		last = i
		if u < acc {
			return i
		}
	}
	return last
}

// Predictor is the part of nn.Network that Generate drives.
type Predictor interface {
	ForwardHost(batch []float32) ([]float32, error)
	ResetState() error
	InputSize() int
	OutputSize() int
	BatchSize() int
	SeqLen() int
}

// Generate extends prime by length tokens sampled from net.
//
// Each token is predicted from a fresh state over the last SeqLen tokens,
// fed one-hot in batch lane 0; shorter histories are left-padded with zero
// steps. The network must map a vocabulary onto itself. The recurrent state
// is reset before returning.
func Generate(net Predictor, prime []int, length int, temperature float64, rng *rand.Rand) ([]int, error) {
	vocab, seq, batch := net.InputSize(), net.SeqLen(), net.BatchSize()
	if net.OutputSize() != vocab {
		return nil, errors.Errorf("train: generating needs input %d == output %d", vocab, net.OutputSize())
	}
	if len(prime) == 0 {
		return nil, errors.New("train: empty prime")
	}
	history := append([]int(nil), prime...)
	for _, tok := range history {
		if tok < 0 || tok >= vocab {
			return nil, errors.Errorf("train: prime token %d outside vocabulary %d", tok, vocab)
		}
	}

	input := make([]float32, seq*batch*vocab)
	out := make([]int, 0, length)
	for range length {
		clear(input)
		window := history[max(0, len(history)-seq):]
		pad := seq - len(window)
		for i, tok := range window {
			input[(pad+i)*batch*vocab+tok] = 1
		}
		if err := net.ResetState(); err != nil {
			return nil, err
		}
		y, err := net.ForwardHost(input)
		if err != nil {
			return nil, err
		}
		last := (seq - 1) * batch * vocab
		next, err := Sample(y[last:last+vocab], 1, vocab, temperature, rng)
		if err != nil {
			return nil, err
		}
		history = append(history, next[0])
		out = append(out, next[0])
	}
	return out, net.ResetState()
}
