// Package optim implements optimization algorithms for training neural networks.
//
// This package provides:
//   - RMSProp: Graves RMSProp with momentum and decoupled weight decay
//   - SGD: Stochastic Gradient Descent with momentum
//   - Adam: Adaptive Moment Estimation
//
// Every optimizer satisfies nn.Optimizer and updates one parameter per
// Optimize call, lazily allocating its per-parameter accumulators on the
// parameter's device. Optimizers never clear gradients.
//
// Example usage:
//
//	opt := optim.NewRMSProp(optim.RMSPropConfig{
//	    LR:          1e-3,
//	    Momentum:    0.9,
//	    DecayRate:   0.95,
//	    WeightDecay: 1e-5,
//	})
//	defer opt.Release()
//
//	if err := net.SetOptimizer(opt); err != nil {
//	    return err
//	}
//	for range iterations {
//	    _, _ = net.Forward(batch)
//	    _, _ = net.Backward(grad)
//	    _ = net.Step()
//	}
package optim

import (
	"errors"

	"github.com/born-ml/seqnet/internal/nn"
	"github.com/born-ml/seqnet/internal/tensor"
)

// ErrOptimizerInUse is returned by Bind when the optimizer already belongs
// to another network.
var ErrOptimizerInUse = errors.New("optim: optimizer is bound to another network")

// Config is the base configuration for all optimizers.
type Config struct {
	LR float32 // Learning rate
}

// binding tracks the one network an optimizer is bound to.
type binding struct {
	owner any
}

// Bind claims the optimizer for owner.
func (b *binding) Bind(owner any) error {
	if b.owner != nil && b.owner != owner {
		return ErrOptimizerInUse
	}
	b.owner = owner
	return nil
}

// Unbind releases the claim of owner. Other owners are ignored.
func (b *binding) Unbind(owner any) {
	if b.owner == owner {
		b.owner = nil
	}
}

// Bound reports whether a network holds the optimizer.
func (b *binding) Bound() bool {
	return b.owner != nil
}

// accumulators holds k zero-initialized tensors per parameter, allocated on
// first use and keyed by parameter identity.
type accumulators struct {
	k    int
	bufs map[*nn.Parameter][]*tensor.Tensor
}

func newAccumulators(k int) accumulators {
	return accumulators{k: k, bufs: make(map[*nn.Parameter][]*tensor.Tensor)}
}

func (a *accumulators) get(p *nn.Parameter) ([]*tensor.Tensor, error) {
	if bufs, ok := a.bufs[p]; ok {
		return bufs, nil
	}
	set := tensor.NewSet(p.Value().Device())
	bufs := make([]*tensor.Tensor, a.k)
	for i := range bufs {
		t, err := set.New(p.Shape())
		if err != nil {
			_ = set.Release()
			return nil, err
		}
		bufs[i] = t
	}
	a.bufs[p] = bufs
	return bufs, nil
}

// Len returns the number of parameters with allocated state.
func (a *accumulators) Len() int {
	return len(a.bufs)
}

func (a *accumulators) release() error {
	var first error
	for _, bufs := range a.bufs {
		for _, t := range bufs {
			if err := t.Release(); err != nil && first == nil {
				first = err
			}
		}
	}
	a.bufs = make(map[*nn.Parameter][]*tensor.Tensor)
	return first
}
