package nn

import (
	"github.com/born-ml/seqnet/internal/device"
	"github.com/born-ml/seqnet/internal/tensor"
	"github.com/pkg/errors"
)

// Affine is a fully connected layer applied independently at every step.
//
//	y = x @ W + b
//
// where x is [seq*batch, in], W is [in, out] and b is [1, out] broadcast
// over rows. Weights use Xavier initialization; biases start at zero.
//
// Example:
//
//	layer, err := nn.NewAffine(dev, 128, 64, batch, seq)
//	if err != nil {
//	    return err
//	}
//	y, err := layer.Forward(x) // [seq, batch, 64]
type Affine struct {
	layerBase
	weight *Parameter // [in, out]
	bias   *Parameter // [1, out]

	x  *tensor.Tensor // cached input
	y  *tensor.Tensor
	dx *tensor.Tensor
}

// NewAffine creates an Affine layer. On allocation failure nothing is leaked.
func NewAffine(dev device.Device, in, out, batch, seq int, opts ...Option) (*Affine, error) {
	o := buildOptions("affine", opts)
	b, err := newLayerBase(dev, o.name, in, out, batch, seq)
	if err != nil {
		return nil, err
	}
	l := &Affine{layerBase: b}
	if err := l.init(o); err != nil {
		_ = l.release()
		return nil, err
	}
	return l, nil
}

func (l *Affine) init(o options) error {
	var err error
	if l.weight, err = l.param("weight", xavier(o.rng, l.in, l.out, l.in*l.out), tensor.Shape{l.in, l.out}); err != nil {
		return err
	}
	if l.bias, err = l.param("bias", make([]float32, l.out), tensor.Shape{1, l.out}); err != nil {
		return err
	}
	if l.x, err = l.alloc(tensor.Seq(l.seq, l.batch, l.in)); err != nil {
		return err
	}
	if l.y, err = l.alloc(tensor.Seq(l.seq, l.batch, l.out)); err != nil {
		return err
	}
	l.dx, err = l.alloc(tensor.Seq(l.seq, l.batch, l.in))
	return err
}

// Weight returns the [in, out] weight parameter.
func (l *Affine) Weight() *Parameter { return l.weight }

// Bias returns the [1, out] bias parameter.
func (l *Affine) Bias() *Parameter { return l.bias }

// Forward computes x @ W + b for every step.
func (l *Affine) Forward(input *tensor.Tensor) (*tensor.Tensor, error) {
	if err := l.beginForward(input); err != nil {
		return nil, err
	}
	dev := l.dev
	if err := dev.Copy(l.x.Buffer(), input.Buffer()); err != nil {
		return nil, errors.Wrapf(err, "%s forward", l.name)
	}
	if err := dev.Gemm(false, false, l.rows(), l.out, l.in, 1, l.x.Buffer(), l.weight.Value().Buffer(), 0, l.y.Buffer()); err != nil {
		return nil, errors.Wrapf(err, "%s forward", l.name)
	}
	if err := dev.AddRowVector(l.y.Buffer(), l.rows(), l.out, l.bias.Value().Buffer()); err != nil {
		return nil, errors.Wrapf(err, "%s forward", l.name)
	}
	l.state = StateForwardDone
	return l.y, nil
}

// Backward accumulates
//
//	dW += x^T @ dy
//	db += sum over rows of dy
//
// and returns dx = dy @ W^T.
func (l *Affine) Backward(outputGrad *tensor.Tensor) (*tensor.Tensor, error) {
	if err := l.beginBackward(outputGrad); err != nil {
		return nil, err
	}
	dev := l.dev
	dy := outputGrad.Buffer()
	if err := dev.Gemm(true, false, l.in, l.out, l.rows(), 1, l.x.Buffer(), dy, 1, l.weight.Grad().Buffer()); err != nil {
		return nil, errors.Wrapf(err, "%s backward", l.name)
	}
	if err := dev.SumRows(dy, l.rows(), l.out, l.bias.Grad().Buffer()); err != nil {
		return nil, errors.Wrapf(err, "%s backward", l.name)
	}
	if err := dev.Gemm(false, true, l.rows(), l.in, l.out, 1, dy, l.weight.Value().Buffer(), 0, l.dx.Buffer()); err != nil {
		return nil, errors.Wrapf(err, "%s backward", l.name)
	}
	l.state = StateBackwardDone
	return l.dx, nil
}
