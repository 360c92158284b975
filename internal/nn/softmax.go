package nn

import (
	"github.com/born-ml/seqnet/internal/device"
	"github.com/born-ml/seqnet/internal/tensor"
	"github.com/pkg/errors"
)

// Softmax normalizes every [features] row into a probability distribution.
// The maximum of each row is subtracted before exponentiation.
//
// Backward is the Jacobian-vector product
//
//	dx = y * (dy - sum(dy * y))
//
// taken per row. The layer owns no parameters.
type Softmax struct {
	layerBase
	y  *tensor.Tensor
	dx *tensor.Tensor
}

// NewSoftmax creates a Softmax layer over size features.
func NewSoftmax(dev device.Device, size, batch, seq int, opts ...Option) (*Softmax, error) {
	o := buildOptions("softmax", opts)
	b, err := newLayerBase(dev, o.name, size, size, batch, seq)
	if err != nil {
		return nil, err
	}
	l := &Softmax{layerBase: b}
	shape := tensor.Seq(seq, batch, size)
	if l.y, err = l.alloc(shape); err == nil {
		l.dx, err = l.alloc(shape)
	}
	if err != nil {
		_ = l.release()
		return nil, err
	}
	return l, nil
}

// Forward applies the row-wise softmax.
func (l *Softmax) Forward(input *tensor.Tensor) (*tensor.Tensor, error) {
	if err := l.beginForward(input); err != nil {
		return nil, err
	}
	if err := l.dev.Softmax(input.Buffer(), l.y.Buffer(), l.rows(), l.in); err != nil {
		return nil, errors.Wrapf(err, "%s forward", l.name)
	}
	l.state = StateForwardDone
	return l.y, nil
}

// Backward returns the gradient with respect to the softmax input.
func (l *Softmax) Backward(outputGrad *tensor.Tensor) (*tensor.Tensor, error) {
	if err := l.beginBackward(outputGrad); err != nil {
		return nil, err
	}
	if err := l.dev.SoftmaxBackward(l.y.Buffer(), outputGrad.Buffer(), l.dx.Buffer(), l.rows(), l.in); err != nil {
		return nil, errors.Wrapf(err, "%s backward", l.name)
	}
	l.state = StateBackwardDone
	return l.dx, nil
}
