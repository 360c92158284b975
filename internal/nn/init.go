package nn

import (
	"math"
	"math/rand"
)

// xavier fills a host slice from U(-sqrt(6/(fanIn+fanOut)), +sqrt(6/(fanIn+fanOut))).
func xavier(rng *rand.Rand, fanIn, fanOut, n int) []float32 {
	bound := math.Sqrt(6.0 / float64(fanIn+fanOut))
	data := make([]float32, n)
	for i := range data {
		//nolint:gosec // Using math/rand for weight initialization (not security-critical)
		data[i] = float32((rng.Float64()*2.0 - 1.0) * bound)
	}
	return data
}

// Option configures layer construction.
type Option func(*options)

type options struct {
	name string
	rng  *rand.Rand
}

func buildOptions(defaultName string, opts []Option) options {
	o := options{name: defaultName}
	for _, opt := range opts {
		opt(&o)
	}
	if o.rng == nil {
		//nolint:gosec // Using math/rand for weight initialization (not security-critical)
		o.rng = rand.New(rand.NewSource(rand.Int63()))
	}
	return o
}

// WithName sets the layer name used as the prefix of its parameter names.
func WithName(name string) Option {
	return func(o *options) { o.name = name }
}

// WithRand sets the random source used for weight initialization.
// Tests use it for reproducible weights.
func WithRand(rng *rand.Rand) Option {
	return func(o *options) { o.rng = rng }
}
