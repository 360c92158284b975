package optim

import (
	"github.com/born-ml/seqnet/internal/device"
	"github.com/born-ml/seqnet/internal/nn"
	"github.com/pkg/errors"
)

// rmsPropEpsilon keeps the Graves denominator away from zero.
const rmsPropEpsilon = 1e-4

// RMSProp implements the Graves (2013) variant of RMSProp with momentum and
// decoupled weight decay.
//
// Update rule, per parameter element:
//
//	n     = decay * n + (1-decay) * g²
//	gbar  = decay * gbar + (1-decay) * g
//	delta = momentum * delta - lr * g / sqrt(n - gbar² + 1e-4)
//	w     = w + delta - lr * weightDecay * w
//
// Reference: "Generating Sequences With Recurrent Neural Networks"
// (Graves, 2013), eqs. 38-41.
type RMSProp struct {
	binding
	lr          float32
	momentum    float32
	decayRate   float32
	weightDecay float32
	state       accumulators // n, gbar, delta
}

// RMSPropConfig holds configuration for the RMSProp optimizer.
type RMSPropConfig struct {
	LR          float32 // Learning rate (default: 1e-3)
	Momentum    float32 // Momentum factor (0 disables momentum)
	DecayRate   float32 // Moving-average decay (default: 0.95)
	WeightDecay float32 // Decoupled weight decay (default: 0)
}

// NewRMSProp creates a new RMSProp optimizer.
//
// Default hyperparameters:
//   - LR: 1e-3
//   - DecayRate: 0.95
func NewRMSProp(config RMSPropConfig) *RMSProp {
	if config.LR == 0 {
		config.LR = 1e-3
	}
	if config.DecayRate == 0 {
		config.DecayRate = 0.95
	}
	return &RMSProp{
		lr:          config.LR,
		momentum:    config.Momentum,
		decayRate:   config.DecayRate,
		weightDecay: config.WeightDecay,
		state:       newAccumulators(3),
	}
}

// Optimize updates p in place from its gradient.
func (o *RMSProp) Optimize(p *nn.Parameter) error {
	acc, err := o.state.get(p)
	if err != nil {
		return errors.Wrapf(err, "rmsprop state for %s", p.Name())
	}
	return p.Value().Device().RMSPropUpdate(device.RMSPropState{
		LearningRate: o.lr,
		Momentum:     o.momentum,
		DecayRate:    o.decayRate,
		WeightDecay:  o.weightDecay,
		Epsilon:      rmsPropEpsilon,
		Weight:       p.Value().Buffer(),
		Gradient:     p.Grad().Buffer(),
		N:            acc[0].Buffer(),
		GBar:         acc[1].Buffer(),
		Delta:        acc[2].Buffer(),
	})
}

// LearningRate returns the current learning rate.
func (o *RMSProp) LearningRate() float32 { return o.lr }

// SetLearningRate updates the learning rate used by later updates.
func (o *RMSProp) SetLearningRate(lr float32) { o.lr = lr }

// Reset drops every accumulator; the next update starts from zero state.
func (o *RMSProp) Reset() error { return o.state.release() }

// Release frees the accumulators. The optimizer stays usable.
func (o *RMSProp) Release() error { return o.state.release() }

// StateSize returns the number of parameters with allocated state.
func (o *RMSProp) StateSize() int { return o.state.Len() }
