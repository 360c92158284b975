package train

import (
	"math/rand"

	"github.com/born-ml/seqnet/internal/device"
	"github.com/born-ml/seqnet/internal/nn"
	"github.com/born-ml/seqnet/internal/optim"
	"github.com/pkg/errors"
)

// Optimizer is an nn.Optimizer that owns device state.
type Optimizer interface {
	nn.Optimizer
	Release() error
}

// NewOptimizer builds the optimizer described by c.
func NewOptimizer(c OptimizerConfig) (Optimizer, error) {
	switch c.Type {
	case "rmsprop":
		return optim.NewRMSProp(optim.RMSPropConfig{
			LR:          c.LearningRate,
			Momentum:    c.Momentum,
			DecayRate:   c.DecayRate,
			WeightDecay: c.WeightDecay,
		}), nil
	case "sgd":
		return optim.NewSGD(optim.SGDConfig{LR: c.LearningRate, Momentum: c.Momentum}), nil
	case "adam":
		return optim.NewAdam(optim.AdamConfig{LR: c.LearningRate}), nil
	default:
		return nil, errors.Errorf("train: unknown optimizer %q", c.Type)
	}
}

// BuildModel creates the character-model pipeline
// GRU(vocab→hidden, layers) → Affine(hidden→vocab) → Softmax(vocab).
// The caller releases the network.
func BuildModel(dev device.Device, vocab int, c Config) (*nn.Network, error) {
	batch, seq := c.Batch.Size, c.Batch.SeqLen
	rng := rand.New(rand.NewSource(c.Seed)) //nolint:gosec // weight init, not security

	net, err := nn.NewNetwork(dev, vocab, vocab, batch, seq)
	if err != nil {
		return nil, err
	}
	add := func(l nn.Layer, err error) error {
		if err != nil {
			return err
		}
		if err := net.AddLayer(l); err != nil {
			_ = l.Release()
			return err
		}
		return nil
	}

	err = add(nn.NewGRU(dev, vocab, c.Model.Hidden, c.Model.Layers, batch, seq, nn.WithRand(rng)))
	if err == nil {
		err = add(nn.NewAffine(dev, c.Model.Hidden, vocab, batch, seq, nn.WithRand(rng)))
	}
	if err == nil {
		err = add(nn.NewSoftmax(dev, vocab, batch, seq))
	}
	if err != nil {
		_ = net.Release()
		return nil, err
	}
	return net, nil
}
