package nn

import (
	"github.com/born-ml/seqnet/internal/tensor"
	"github.com/pkg/errors"
)

// Parameter is one trainable tensor: a value and an equally shaped gradient
// accumulator living on the same device.
//
// The gradient is only ever added to (see Accumulate). It is cleared by
// ZeroGrad, which the owning network calls at the start of each cycle.
//
// Example:
//
//	w, _ := tensor.FromSlice(dev, data, tensor.Shape{4, 2})
//	p, _ := nn.NewParameter("affine.weight", w)
//	defer p.Release()
type Parameter struct {
	name  string
	value *tensor.Tensor
	grad  *tensor.Tensor
}

// NewParameter wraps value as a parameter and allocates its zeroed gradient.
// The parameter takes ownership of value.
func NewParameter(name string, value *tensor.Tensor) (*Parameter, error) {
	grad, err := tensor.New(value.Device(), value.Shape())
	if err != nil {
		return nil, errors.Wrapf(err, "allocating gradient of %s", name)
	}
	return &Parameter{name: name, value: value, grad: grad}, nil
}

// Name returns the qualified parameter name, e.g. "gru.0.wh".
func (p *Parameter) Name() string {
	return p.name
}

// Value returns the parameter's value tensor.
func (p *Parameter) Value() *tensor.Tensor {
	return p.value
}

// Grad returns the parameter's gradient accumulator.
func (p *Parameter) Grad() *tensor.Tensor {
	return p.grad
}

// Shape returns the parameter's shape.
func (p *Parameter) Shape() tensor.Shape {
	return p.value.Shape()
}

// ZeroGrad clears the gradient to zero.
func (p *Parameter) ZeroGrad() error {
	return p.grad.Zero()
}

// Accumulate adds delta into the gradient.
func (p *Parameter) Accumulate(delta *tensor.Tensor) error {
	if !delta.Shape().Equal(p.grad.Shape()) {
		return errors.Wrapf(ErrInvalidShape, "accumulate into %s: got %v, want %v", p.name, delta.Shape(), p.grad.Shape())
	}
	return p.grad.Device().Axpy(1, delta.Buffer(), p.grad.Buffer())
}

// Release frees the value and gradient buffers. It is safe to call twice.
func (p *Parameter) Release() error {
	err := p.value.Release()
	if gerr := p.grad.Release(); err == nil {
		err = gerr
	}
	return err
}
