package optim

import (
	"github.com/born-ml/seqnet/internal/nn"
	"github.com/pkg/errors"
)

// SGD implements Stochastic Gradient Descent optimizer with optional momentum.
//
// Update rule without momentum:
//
//	param = param - lr * gradient
//
// Update rule with momentum:
//
//	velocity = momentum * velocity + gradient
//	param = param - lr * velocity
type SGD struct {
	binding
	lr         float32
	momentum   float32
	velocities accumulators
}

// SGDConfig holds configuration for SGD optimizer.
type SGDConfig struct {
	LR       float32 // Learning rate (default: 0.01)
	Momentum float32 // Momentum factor (default: 0.0, range: [0, 1))
}

// NewSGD creates a new SGD optimizer.
func NewSGD(config SGDConfig) *SGD {
	if config.LR == 0 {
		config.LR = 0.01
	}
	return &SGD{
		lr:         config.LR,
		momentum:   config.Momentum,
		velocities: newAccumulators(1),
	}
}

// Optimize updates p in place from its gradient.
func (s *SGD) Optimize(p *nn.Parameter) error {
	dev := p.Value().Device()
	w, g := p.Value().Buffer(), p.Grad().Buffer()
	if s.momentum == 0 {
		return dev.Axpy(-s.lr, g, w)
	}

	acc, err := s.velocities.get(p)
	if err != nil {
		return errors.Wrapf(err, "sgd velocity for %s", p.Name())
	}
	v := acc[0].Buffer()
	if err := dev.Scale(s.momentum, v); err != nil {
		return err
	}
	if err := dev.Axpy(1, g, v); err != nil {
		return err
	}
	return dev.Axpy(-s.lr, v, w)
}

// LearningRate returns the current learning rate.
func (s *SGD) LearningRate() float32 { return s.lr }

// SetLearningRate updates the learning rate.
//
// Useful for learning rate scheduling during training.
func (s *SGD) SetLearningRate(lr float32) { s.lr = lr }

// Reset drops the velocity buffers.
func (s *SGD) Reset() error { return s.velocities.release() }

// Release frees the velocity buffers. The optimizer stays usable.
func (s *SGD) Release() error { return s.velocities.release() }
