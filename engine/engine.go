// Copyright 2025 Born ML Framework. All rights reserved.
// Use of this source code is governed by an Apache 2.0
// license that can be found in the LICENSE file.

// Package engine exposes the sequence-network engine through opaque handles.
//
// It mirrors a C-style API: factories return handles, destroy functions
// release them exactly once, and every other call takes handles as
// arguments. Ownership moves explicitly:
//   - AddNetworkLayer consumes the layer handle; the network owns the layer.
//   - SetNetworkOptimizer borrows the optimizer; it outlives the network.
//
// Example:
//
//	e := engine.New(device.NewCPU())
//	defer e.Close()
//
//	opt := e.CreateRMSPropOptimizer(1e-3, 0.9, 0.95, 0)
//	net, _ := e.CreateLayeredNetwork(vocab, vocab, batch, seq)
//	gru, _ := e.CreateGruLayer(vocab, 256, 2, batch, seq)
//	_ = e.AddNetworkLayer(net, gru)
//	...
//	_ = e.SetNetworkOptimizer(net, opt)
//	out, _ := e.Forward(net, input)
package engine

import (
	"sync"

	"github.com/born-ml/seqnet/internal/device"
	"github.com/born-ml/seqnet/internal/handle"
	"github.com/born-ml/seqnet/internal/nn"
	"github.com/born-ml/seqnet/internal/optim"
	"github.com/pkg/errors"
)

// Handle is an opaque reference to an optimizer, network or layer.
type Handle = handle.Handle

// ErrInvalidHandle is returned for unknown, destroyed or consumed handles,
// and for handles of the wrong kind.
var ErrInvalidHandle = handle.ErrInvalid

// Handle tags, one per object kind.
const (
	tagOptimizer uint8 = iota + 1
	tagNetwork
	tagLayer
)

// Optimizer is an nn.Optimizer whose accumulators the engine can reset
// and free.
type Optimizer interface {
	nn.Optimizer
	Reset() error
	Release() error
}

// Engine owns every object created through it. It is safe for concurrent
// use: every method holds the engine lock, so calls are serialized.
type Engine struct {
	mu  sync.Mutex
	dev device.Device

	optimizers *handle.Arena[Optimizer]
	networks   *handle.Arena[*nn.Network]
	layers     *handle.Arena[nn.Layer]

	// bound maps an optimizer handle to the network borrowing it.
	bound map[Handle]Handle
}

// New creates an engine running on dev. The engine closes dev in Close.
func New(dev device.Device) *Engine {
	return &Engine{
		dev:        dev,
		optimizers: handle.NewArena[Optimizer](tagOptimizer),
		networks:   handle.NewArena[*nn.Network](tagNetwork),
		layers:     handle.NewArena[nn.Layer](tagLayer),
		bound:      make(map[Handle]Handle),
	}
}

// Device returns the engine's compute device.
func (e *Engine) Device() device.Device { return e.dev }

// Stats returns the device buffer accounting.
func (e *Engine) Stats() device.Stats {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.dev.Stats()
}

// CreateRMSPropOptimizer creates a Graves RMSProp optimizer.
func (e *Engine) CreateRMSPropOptimizer(learningRate, momentum, decayRate, weightDecay float32) Handle {
	e.mu.Lock()
	defer e.mu.Unlock()

	return e.optimizers.Insert(optim.NewRMSProp(optim.RMSPropConfig{
		LR:          learningRate,
		Momentum:    momentum,
		DecayRate:   decayRate,
		WeightDecay: weightDecay,
	}))
}

// CreateSGDOptimizer creates an SGD optimizer with optional momentum.
func (e *Engine) CreateSGDOptimizer(learningRate, momentum float32) Handle {
	e.mu.Lock()
	defer e.mu.Unlock()

	return e.optimizers.Insert(optim.NewSGD(optim.SGDConfig{LR: learningRate, Momentum: momentum}))
}

// CreateAdamOptimizer creates an Adam optimizer with default betas.
func (e *Engine) CreateAdamOptimizer(learningRate float32) Handle {
	e.mu.Lock()
	defer e.mu.Unlock()

	return e.optimizers.Insert(optim.NewAdam(optim.AdamConfig{LR: learningRate}))
}

// DestroyOptimizer frees the optimizer. A network borrowing it is left
// without an optimizer.
func (e *Engine) DestroyOptimizer(h Handle) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	opt, err := e.optimizers.Remove(h)
	if err != nil {
		return errors.Wrap(err, "destroy optimizer")
	}
	if nh, ok := e.bound[h]; ok {
		if net, err := e.networks.Get(nh); err == nil {
			_ = net.SetOptimizer(nil)
		}
		delete(e.bound, h)
	}
	return opt.Release()
}

// SetLearningRate changes the optimizer's learning rate.
func (e *Engine) SetLearningRate(h Handle, lr float32) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	opt, err := e.optimizers.Get(h)
	if err != nil {
		return errors.Wrap(err, "set learning rate")
	}
	opt.SetLearningRate(lr)
	return nil
}

// LearningRate returns the optimizer's learning rate.
func (e *Engine) LearningRate(h Handle) (float32, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	opt, err := e.optimizers.Get(h)
	if err != nil {
		return 0, errors.Wrap(err, "learning rate")
	}
	return opt.LearningRate(), nil
}

// ResetOptimizer drops the optimizer's accumulated state.
func (e *Engine) ResetOptimizer(h Handle) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	opt, err := e.optimizers.Get(h)
	if err != nil {
		return errors.Wrap(err, "reset optimizer")
	}
	return opt.Reset()
}

// CreateLayeredNetwork creates an empty network with a fixed shape.
func (e *Engine) CreateLayeredNetwork(inputSize, outputSize, batchSize, seqLen int) (Handle, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	net, err := nn.NewNetwork(e.dev, inputSize, outputSize, batchSize, seqLen)
	if err != nil {
		return 0, err
	}
	return e.networks.Insert(net), nil
}

// DestroyLayeredNetwork frees the network and all its layers. The bound
// optimizer stays alive.
func (e *Engine) DestroyLayeredNetwork(h Handle) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	net, err := e.networks.Remove(h)
	if err != nil {
		return errors.Wrap(err, "destroy network")
	}
	for oh, nh := range e.bound {
		if nh == h {
			delete(e.bound, oh)
		}
	}
	return net.Release()
}

// SetNetworkOptimizer binds the optimizer to the network.
func (e *Engine) SetNetworkOptimizer(net, opt Handle) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	n, err := e.networks.Get(net)
	if err != nil {
		return errors.Wrap(err, "set optimizer: network")
	}
	o, err := e.optimizers.Get(opt)
	if err != nil {
		return errors.Wrap(err, "set optimizer: optimizer")
	}
	if err := n.SetOptimizer(o); err != nil {
		return err
	}
	for oh, nh := range e.bound {
		if nh == net {
			delete(e.bound, oh)
		}
	}
	e.bound[opt] = net
	return nil
}

// AddNetworkLayer moves the layer into the network. On success the layer
// handle becomes invalid; on failure it stays valid and unattached.
func (e *Engine) AddNetworkLayer(net, layer Handle) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	n, err := e.networks.Get(net)
	if err != nil {
		return errors.Wrap(err, "add layer: network")
	}
	l, err := e.layers.Get(layer)
	if err != nil {
		return errors.Wrap(err, "add layer: layer")
	}
	if err := n.AddLayer(l); err != nil {
		return err
	}
	_, err = e.layers.Remove(layer)
	return err
}

// CreateLinearLayer creates an affine layer.
func (e *Engine) CreateLinearLayer(inputSize, outputSize, batchSize, seqLen int) (Handle, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	l, err := nn.NewAffine(e.dev, inputSize, outputSize, batchSize, seqLen)
	if err != nil {
		return 0, err
	}
	return e.layers.Insert(l), nil
}

// CreateGruLayer creates a GRU layer with the given number of stacked units.
func (e *Engine) CreateGruLayer(inputSize, hiddenSize, layers, batchSize, seqLen int) (Handle, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	l, err := nn.NewGRU(e.dev, inputSize, hiddenSize, layers, batchSize, seqLen)
	if err != nil {
		return 0, err
	}
	return e.layers.Insert(l), nil
}

// CreateSoftmaxLayer creates a softmax output layer.
func (e *Engine) CreateSoftmaxLayer(inputSize, batchSize, seqLen int) (Handle, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	l, err := nn.NewSoftmax(e.dev, inputSize, batchSize, seqLen)
	if err != nil {
		return 0, err
	}
	return e.layers.Insert(l), nil
}

// DestroyLayer frees a layer that was never added to a network.
func (e *Engine) DestroyLayer(h Handle) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	l, err := e.layers.Remove(h)
	if err != nil {
		return errors.Wrap(err, "destroy layer")
	}
	return l.Release()
}

// OutputLen returns the host output length of one Forward,
// seq * batch * output.
func (e *Engine) OutputLen(net Handle) (int, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	n, err := e.network(net)
	if err != nil {
		return 0, err
	}
	return n.SeqLen() * n.BatchSize() * n.OutputSize(), nil
}

// network resolves a network handle. The caller holds e.mu.
func (e *Engine) network(h Handle) (*nn.Network, error) {
	n, err := e.networks.Get(h)
	if err != nil {
		return nil, errors.Wrap(err, "network")
	}
	return n, nil
}

// Forward runs the network on a host batch laid out [seq, batch, input]
// and returns the host output [seq, batch, output].
func (e *Engine) Forward(net Handle, input []float32) ([]float32, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	n, err := e.network(net)
	if err != nil {
		return nil, err
	}
	return n.ForwardHost(input)
}

// Backward propagates a host output gradient through the network.
func (e *Engine) Backward(net Handle, outputGrad []float32) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	n, err := e.network(net)
	if err != nil {
		return err
	}
	return n.BackwardHost(outputGrad)
}

// Step applies the bound optimizer to every parameter of the network.
func (e *Engine) Step(net Handle) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	n, err := e.network(net)
	if err != nil {
		return err
	}
	return n.Step()
}

// ZeroGradients clears every parameter gradient of the network.
func (e *Engine) ZeroGradients(net Handle) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	n, err := e.network(net)
	if err != nil {
		return err
	}
	return n.ZeroGrad()
}

// ClampGradients limits every accumulated gradient of the network to
// [-limit, limit]. Call it between Backward and Step.
func (e *Engine) ClampGradients(net Handle, limit float32) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	n, err := e.network(net)
	if err != nil {
		return err
	}
	return n.ClampGradients(limit)
}

// ResetMemory clears recurrent state carried between batches.
func (e *Engine) ResetMemory(net Handle) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	n, err := e.network(net)
	if err != nil {
		return err
	}
	return n.ResetState()
}

// SaveWeights writes the network weights to a SafeTensors file.
func (e *Engine) SaveWeights(net Handle, path string) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	n, err := e.network(net)
	if err != nil {
		return err
	}
	return n.SaveCheckpoint(path, nn.Checkpoint{})
}

// LoadWeights restores the network weights from a SafeTensors file.
func (e *Engine) LoadWeights(net Handle, path string) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	n, err := e.network(net)
	if err != nil {
		return err
	}
	_, err = n.LoadCheckpoint(path)
	return err
}

// Close destroys every network, layer and optimizer, then closes the
// device. All handles become invalid.
func (e *Engine) Close() error {
	e.mu.Lock()
	defer e.mu.Unlock()

	var first error
	keep := func(err error) {
		if err != nil && first == nil {
			first = err
		}
	}
	for _, n := range e.networks.Drain() {
		keep(n.Release())
	}
	for _, l := range e.layers.Drain() {
		keep(l.Release())
	}
	for _, o := range e.optimizers.Drain() {
		keep(o.Release())
	}
	e.bound = make(map[Handle]Handle)
	keep(e.dev.Close())
	return first
}
