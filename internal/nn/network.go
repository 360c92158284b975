package nn

import (
	"github.com/born-ml/seqnet/internal/device"
	"github.com/born-ml/seqnet/internal/tensor"
	"github.com/pkg/errors"
)

// Optimizer updates one parameter in place from its accumulated gradient.
//
// Optimize must not clear the gradient. A parameter whose gradient was not
// touched this cycle holds zeros and gets a regular, zero-gradient update.
type Optimizer interface {
	Optimize(p *Parameter) error
	LearningRate() float32
	SetLearningRate(lr float32)
}

// Binder is implemented by optimizers that can be bound to at most one
// network at a time.
type Binder interface {
	Bind(owner any) error
	Unbind(owner any)
}

// Network is an ordered pipeline of layers plus a borrowed optimizer.
//
// The network owns its layers (AddLayer transfers ownership and Release
// frees them) but only borrows the optimizer. One training cycle is
//
//	out, _ := net.Forward(batch)
//	_, _ = net.Backward(outGrad)
//	_ = net.Step()
//
// Gradients accumulate across Backward calls and are cleared automatically
// before the first Backward after a Step. A Network is not safe for
// concurrent use.
type Network struct {
	dev                 device.Device
	in, out, batch, seq int

	layers []Layer
	opt    Optimizer

	input   *tensor.Tensor // network-owned copy of the batch
	outGrad *tensor.Tensor // staging for BackwardHost
	output  *tensor.Tensor // last layer output of the last forward

	training     bool // a forward has run; the pipeline is frozen
	pendingGrads bool // a backward ran since the last step
	stepped      bool // the last cycle ended with a step
	released     bool
}

// NewNetwork creates an empty network with a fixed shape contract.
func NewNetwork(dev device.Device, in, out, batch, seq int) (*Network, error) {
	for _, d := range []int{in, out, batch, seq} {
		if d <= 0 {
			return nil, errors.Wrapf(ErrInvalidShape, "network sizes must be positive (in=%d out=%d batch=%d seq=%d)",
				in, out, batch, seq)
		}
	}
	input, err := tensor.New(dev, tensor.Seq(seq, batch, in))
	if err != nil {
		return nil, errors.Wrap(err, "network input")
	}
	outGrad, err := tensor.New(dev, tensor.Seq(seq, batch, out))
	if err != nil {
		_ = input.Release()
		return nil, errors.Wrap(err, "network output gradient")
	}
	return &Network{
		dev:     dev,
		in:      in,
		out:     out,
		batch:   batch,
		seq:     seq,
		input:   input,
		outGrad: outGrad,
	}, nil
}

// Device returns the device the network runs on.
func (n *Network) Device() device.Device { return n.dev }

// InputSize returns the declared input features per step.
func (n *Network) InputSize() int { return n.in }

// OutputSize returns the declared output features per step.
func (n *Network) OutputSize() int { return n.out }

// BatchSize returns the declared batch size.
func (n *Network) BatchSize() int { return n.batch }

// SeqLen returns the declared sequence length.
func (n *Network) SeqLen() int { return n.seq }

// Layers returns the owned layers in pipeline order.
func (n *Network) Layers() []Layer { return n.layers }

// Optimizer returns the bound optimizer or nil.
func (n *Network) Optimizer() Optimizer { return n.opt }

// Parameters returns every parameter of every layer in pipeline order.
func (n *Network) Parameters() []*Parameter {
	var params []*Parameter
	for _, l := range n.layers {
		params = append(params, l.Parameters()...)
	}
	return params
}

// AddLayer appends l to the pipeline and takes ownership of it.
//
// l must accept the previous layer's output size (the network input size
// for the first layer) and share the network's batch size and sequence
// length. Otherwise ErrShapeMismatch is returned and the pipeline is
// unchanged.
func (n *Network) AddLayer(l Layer) error {
	if n.released {
		return ErrReleased
	}
	if n.training {
		return errors.Wrap(ErrOrderViolation, "cannot add layers after training started")
	}
	b := l.base()
	if b.released {
		return errors.Wrap(ErrReleased, b.name)
	}
	if b.owner != nil {
		return errors.Wrap(ErrAlreadyAttached, b.name)
	}
	want := n.in
	if len(n.layers) > 0 {
		want = n.layers[len(n.layers)-1].OutputSize()
	}
	if l.InputSize() != want {
		return errors.Wrapf(ErrShapeMismatch, "%s: input size %d, previous output %d", b.name, l.InputSize(), want)
	}
	if l.BatchSize() != n.batch || l.SeqLen() != n.seq {
		return errors.Wrapf(ErrShapeMismatch, "%s: batch %d seq %d, network batch %d seq %d",
			b.name, l.BatchSize(), l.SeqLen(), n.batch, n.seq)
	}
	b.owner = n
	n.layers = append(n.layers, l)
	return nil
}

// SetOptimizer binds o to the network, unbinding any previous optimizer.
// The network never releases an optimizer. Passing nil unbinds.
func (n *Network) SetOptimizer(o Optimizer) error {
	if n.released {
		return ErrReleased
	}
	if o == n.opt {
		return nil
	}
	if b, ok := o.(Binder); ok {
		if err := b.Bind(n); err != nil {
			return err
		}
	}
	if b, ok := n.opt.(Binder); ok {
		b.Unbind(n)
	}
	n.opt = o
	return nil
}

// Forward copies batch into the network and runs every layer in order.
// The returned tensor is owned by the last layer.
func (n *Network) Forward(batch *tensor.Tensor) (*tensor.Tensor, error) {
	if n.released {
		return nil, ErrReleased
	}
	if !batch.Shape().Equal(n.input.Shape()) {
		return nil, errors.Wrapf(ErrInvalidShape, "network input: got %v, want %v", batch.Shape(), n.input.Shape())
	}
	if err := n.dev.Copy(n.input.Buffer(), batch.Buffer()); err != nil {
		return nil, errors.Wrap(err, "copying network input")
	}
	return n.forward()
}

func (n *Network) forward() (*tensor.Tensor, error) {
	if len(n.layers) == 0 || n.layers[len(n.layers)-1].OutputSize() != n.out {
		return nil, errors.Wrapf(ErrIncompletePipeline, "%d layers do not produce %d outputs", len(n.layers), n.out)
	}
	n.training = true
	x := n.input
	for _, l := range n.layers {
		y, err := l.Forward(x)
		if err != nil {
			return nil, err
		}
		x = y
	}
	n.output = x
	return x, nil
}

// Backward runs every layer's backward in reverse order and returns the
// gradient with respect to the network input (owned by the first layer).
func (n *Network) Backward(outputGrad *tensor.Tensor) (*tensor.Tensor, error) {
	if n.released {
		return nil, ErrReleased
	}
	if n.output == nil {
		return nil, errors.Wrap(ErrOrderViolation, "network backward before forward")
	}
	if n.stepped {
		if err := n.ZeroGrad(); err != nil {
			return nil, err
		}
	}
	g := outputGrad
	for i := len(n.layers) - 1; i >= 0; i-- {
		dx, err := n.layers[i].Backward(g)
		if err != nil {
			return nil, err
		}
		g = dx
	}
	n.pendingGrads = true
	return g, nil
}

// Step applies the bound optimizer to every parameter.
//
// Step fails with ErrNoOptimizerBound before touching any value, and with
// ErrOrderViolation when no Backward ran since the previous Step. A failure
// part way leaves already updated parameters as they are.
func (n *Network) Step() error {
	if n.released {
		return ErrReleased
	}
	if n.opt == nil {
		return ErrNoOptimizerBound
	}
	if !n.pendingGrads {
		return errors.Wrap(ErrOrderViolation, "step without backward")
	}
	if err := n.dev.Synchronize(); err != nil {
		return errors.Wrap(err, "waiting for gradients")
	}
	for _, p := range n.Parameters() {
		if err := n.opt.Optimize(p); err != nil {
			return errors.Wrapf(err, "optimizing %s", p.Name())
		}
	}
	n.pendingGrads = false
	n.stepped = true
	return nil
}

// ZeroGrad clears the gradients of every layer.
func (n *Network) ZeroGrad() error {
	if n.released {
		return ErrReleased
	}
	for _, l := range n.layers {
		if err := l.ZeroGrad(); err != nil {
			return err
		}
	}
	n.stepped = false
	return nil
}

// ClampGradients limits every accumulated gradient element to
// [-limit, limit]. Call it between Backward and Step.
func (n *Network) ClampGradients(limit float32) error {
	if n.released {
		return ErrReleased
	}
	if limit <= 0 {
		return errors.Errorf("nn: gradient limit must be positive, got %g", limit)
	}
	for _, p := range n.Parameters() {
		if err := n.dev.Clamp(p.Grad().Buffer(), -limit, limit); err != nil {
			return errors.Wrapf(err, "clamping %s", p.Name())
		}
	}
	return nil
}

// ResetState clears the recurrent state carried between forwards.
func (n *Network) ResetState() error {
	if n.released {
		return ErrReleased
	}
	for _, l := range n.layers {
		if err := l.ResetState(); err != nil {
			return err
		}
	}
	return nil
}

// ForwardHost uploads a host batch, runs Forward and downloads the output.
func (n *Network) ForwardHost(batch []float32) ([]float32, error) {
	if n.released {
		return nil, ErrReleased
	}
	if err := n.input.CopyFrom(batch); err != nil {
		return nil, errors.Wrap(ErrInvalidShape, err.Error())
	}
	y, err := n.forward()
	if err != nil {
		return nil, err
	}
	return y.Data()
}

// BackwardHost uploads a host output gradient and runs Backward.
func (n *Network) BackwardHost(outputGrad []float32) error {
	if n.released {
		return ErrReleased
	}
	if err := n.outGrad.CopyFrom(outputGrad); err != nil {
		return errors.Wrap(ErrInvalidShape, err.Error())
	}
	_, err := n.Backward(n.outGrad)
	return err
}

// Release frees every owned layer exactly once and the network's own
// buffers. The optimizer is unbound but stays alive. Releasing twice is a
// no-op.
func (n *Network) Release() error {
	if n.released {
		return nil
	}
	n.released = true
	if b, ok := n.opt.(Binder); ok {
		b.Unbind(n)
	}
	n.opt = nil

	var first error
	for _, l := range n.layers {
		if err := l.base().release(); err != nil && first == nil {
			first = err
		}
	}
	n.layers = nil
	n.output = nil
	if err := n.input.Release(); err != nil && first == nil {
		first = err
	}
	if err := n.outGrad.Release(); err != nil && first == nil {
		first = err
	}
	return first
}
