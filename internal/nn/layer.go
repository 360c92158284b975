// Package nn implements the layered sequence-network engine.
//
// This package provides:
//   - Parameter: a value tensor with a gradient accumulator
//   - Layer: the forward/backward contract and its variants
//     (Affine, GRU, Softmax)
//   - Network: an ordered pipeline of layers plus a borrowed Optimizer
//
// All tensors are device-resident. Sequence tensors have the layout
// [seqLen, batch, features], one contiguous [batch, features] block per
// time-step. A training cycle is Forward, Backward, Step; the network
// enforces that order and the optimizer never runs before every layer has
// finished accumulating gradients.
package nn

import (
	"fmt"

	"github.com/born-ml/seqnet/internal/device"
	"github.com/born-ml/seqnet/internal/tensor"
	"github.com/pkg/errors"
)

// Layer is one pipeline stage over a fixed [seqLen, batch, features] shape.
//
// Forward must not touch gradients; it caches whatever Backward needs and
// returns a layer-owned output that stays valid until the next Forward.
// Backward consumes those caches, accumulates into the layer's parameter
// gradients and returns a layer-owned input gradient. Backward without a
// fresh Forward fails with ErrOrderViolation.
//
// Layers are created standalone and owned by exactly one Network once
// added to it.
type Layer interface {
	Name() string
	InputSize() int
	OutputSize() int
	BatchSize() int
	SeqLen() int
	State() State

	Forward(input *tensor.Tensor) (*tensor.Tensor, error)
	Backward(outputGrad *tensor.Tensor) (*tensor.Tensor, error)

	// Parameters returns the layer's parameters in a stable order.
	Parameters() []*Parameter

	// ZeroGrad clears every parameter gradient.
	ZeroGrad() error

	// ResetState clears hidden state carried between forwards.
	// Stateless layers do nothing.
	ResetState() error

	// Release frees the layer's device memory. It fails with
	// ErrAlreadyAttached while a network owns the layer.
	Release() error

	base() *layerBase
}

// State is the position of a layer in its forward/backward cycle.
type State int

// Layer states.
const (
	StateConstructed State = iota
	StateForwardDone
	StateBackwardDone
	StateGradientsZeroed
)

// String implements fmt.Stringer.
func (s State) String() string {
	switch s {
	case StateConstructed:
		return "Constructed"
	case StateForwardDone:
		return "ForwardDone"
	case StateBackwardDone:
		return "BackwardDone"
	case StateGradientsZeroed:
		return "GradientsZeroed"
	default:
		return fmt.Sprintf("State(%d)", int(s))
	}
}

// layerBase carries what every layer variant shares: sizes, the state
// machine, owned parameters and owned scratch tensors.
type layerBase struct {
	name                string
	dev                 device.Device
	in, out, batch, seq int

	state    State
	owner    *Network
	released bool

	params  []*Parameter
	scratch *tensor.Set
}

func newLayerBase(dev device.Device, name string, in, out, batch, seq int) (layerBase, error) {
	for _, d := range []int{in, out, batch, seq} {
		if d <= 0 {
			return layerBase{}, errors.Wrapf(ErrInvalidShape, "%s: sizes must be positive (in=%d out=%d batch=%d seq=%d)",
				name, in, out, batch, seq)
		}
	}
	return layerBase{
		name:    name,
		dev:     dev,
		in:      in,
		out:     out,
		batch:   batch,
		seq:     seq,
		scratch: tensor.NewSet(dev),
	}, nil
}

func (b *layerBase) base() *layerBase { return b }

// Name returns the layer name.
func (b *layerBase) Name() string { return b.name }

// InputSize returns the number of input features per step.
func (b *layerBase) InputSize() int { return b.in }

// OutputSize returns the number of output features per step.
func (b *layerBase) OutputSize() int { return b.out }

// BatchSize returns the fixed batch size.
func (b *layerBase) BatchSize() int { return b.batch }

// SeqLen returns the fixed sequence length.
func (b *layerBase) SeqLen() int { return b.seq }

// State returns the layer's current cycle state.
func (b *layerBase) State() State { return b.state }

// Parameters returns the layer's parameters.
func (b *layerBase) Parameters() []*Parameter { return b.params }

// rows is the number of [features] rows in one sequence tensor.
func (b *layerBase) rows() int { return b.seq * b.batch }

// param allocates a parameter named "<layer>.<name>" from host data.
func (b *layerBase) param(name string, data []float32, shape tensor.Shape) (*Parameter, error) {
	value, err := tensor.FromSlice(b.dev, data, shape)
	if err != nil {
		return nil, errors.Wrapf(err, "%s.%s", b.name, name)
	}
	p, err := NewParameter(b.name+"."+name, value)
	if err != nil {
		_ = value.Release()
		return nil, err
	}
	b.params = append(b.params, p)
	return p, nil
}

// alloc allocates a zeroed scratch tensor owned by the layer.
func (b *layerBase) alloc(shape tensor.Shape) (*tensor.Tensor, error) {
	t, err := b.scratch.New(shape)
	if err != nil {
		return nil, errors.Wrapf(err, "%s: scratch %v", b.name, shape)
	}
	return t, nil
}

func (b *layerBase) checkShape(what string, t *tensor.Tensor, features int) error {
	want := tensor.Seq(b.seq, b.batch, features)
	if !t.Shape().Equal(want) {
		return errors.Wrapf(ErrInvalidShape, "%s %s: got %v, want %v", b.name, what, t.Shape(), want)
	}
	return nil
}

func (b *layerBase) beginForward(input *tensor.Tensor) error {
	if b.released {
		return errors.Wrap(ErrReleased, b.name)
	}
	return b.checkShape("input", input, b.in)
}

func (b *layerBase) beginBackward(outputGrad *tensor.Tensor) error {
	if b.released {
		return errors.Wrap(ErrReleased, b.name)
	}
	if b.state != StateForwardDone {
		return errors.Wrapf(ErrOrderViolation, "%s: backward in state %s", b.name, b.state)
	}
	return b.checkShape("output gradient", outputGrad, b.out)
}

// ZeroGrad clears every parameter gradient. Caches from a completed
// forward stay valid, so a layer in ForwardDone keeps that state.
func (b *layerBase) ZeroGrad() error {
	if b.released {
		return errors.Wrap(ErrReleased, b.name)
	}
	for _, p := range b.params {
		if err := p.ZeroGrad(); err != nil {
			return errors.Wrapf(err, "zeroing %s", p.Name())
		}
	}
	if b.state != StateForwardDone {
		b.state = StateGradientsZeroed
	}
	return nil
}

// ResetState is a no-op for stateless layers.
func (b *layerBase) ResetState() error { return nil }

// Release frees parameters and scratch tensors of an unattached layer.
func (b *layerBase) Release() error {
	if b.owner != nil {
		return errors.Wrap(ErrAlreadyAttached, b.name)
	}
	return b.release()
}

func (b *layerBase) release() error {
	if b.released {
		return nil
	}
	b.released = true
	var first error
	for _, p := range b.params {
		if err := p.Release(); err != nil && first == nil {
			first = err
		}
	}
	if err := b.scratch.Release(); err != nil && first == nil {
		first = err
	}
	return first
}
