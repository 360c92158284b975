package nn

import (
	"fmt"

	"github.com/born-ml/seqnet/internal/device"
	"github.com/born-ml/seqnet/internal/tensor"
	"github.com/pkg/errors"
)

// GRU is a stack of gated recurrent units unrolled over the sequence.
//
// Each depth d has fused gate weights, gate order z|r|h:
//
//	wx [in_d, 3H]   bx [1, 3H]
//	wh [H, 3H]      bh [1, 3H]
//
// and computes, for every step t,
//
//	ax = x_t @ wx + bx
//	ah = h_{t-1} @ wh + bh
//	z  = sigmoid(ax_z + ah_z)
//	r  = sigmoid(ax_r + ah_r)
//	hc = tanh(ax_h + r * ah_h)
//	h_t = (1 - z) * hc + z * h_{t-1}
//
// The output sequence of depth d is the input sequence of depth d+1; the
// layer output is the top depth's hidden sequence.
//
// The hidden state at the end of one Forward is the initial state of the
// next, so consecutive batches continue the same sequences. ResetState
// starts again from zero. Backward runs backpropagation through time over
// the current sequence only; no gradient flows into the carried state.
type GRU struct {
	layerBase
	hidden int
	depths []*gruDepth
	log    *stepLog
	carry  bool

	x      *tensor.Tensor // cached input [seq, batch, in]
	dax    *tensor.Tensor // [seq, batch, 3H] scratch shared by all depths
	dah    *tensor.Tensor // [batch, 3H]
	dh     *tensor.Tensor // [batch, H]
	dhNext *tensor.Tensor // [batch, H]
}

type gruDepth struct {
	in             int
	wx, wh, bx, bh *Parameter

	h0  *tensor.Tensor // [batch, H] initial state for the current forward
	out *tensor.Tensor // [seq, batch, H]
	dIn *tensor.Tensor // [seq, batch, in]
}

// NewGRU creates a GRU layer of the given depth. On allocation failure
// nothing is leaked.
func NewGRU(dev device.Device, in, hidden, depth, batch, seq int, opts ...Option) (*GRU, error) {
	o := buildOptions("gru", opts)
	if depth <= 0 {
		return nil, errors.Wrapf(ErrInvalidShape, "%s: depth must be positive, got %d", o.name, depth)
	}
	b, err := newLayerBase(dev, o.name, in, hidden, batch, seq)
	if err != nil {
		return nil, err
	}
	l := &GRU{layerBase: b, hidden: hidden}
	if err := l.init(o, depth); err != nil {
		_ = l.release()
		return nil, err
	}
	return l, nil
}

func (l *GRU) init(o options, depth int) error {
	H, G := l.hidden, 3*l.hidden
	var err error
	for d := 0; d < depth; d++ {
		gd := &gruDepth{in: H}
		if d == 0 {
			gd.in = l.in
		}
		prefix := fmt.Sprintf("%d.", d)
		if gd.wx, err = l.param(prefix+"wx", xavier(o.rng, gd.in, G, gd.in*G), tensor.Shape{gd.in, G}); err != nil {
			return err
		}
		if gd.wh, err = l.param(prefix+"wh", xavier(o.rng, H, G, H*G), tensor.Shape{H, G}); err != nil {
			return err
		}
		if gd.bx, err = l.param(prefix+"bx", make([]float32, G), tensor.Shape{1, G}); err != nil {
			return err
		}
		if gd.bh, err = l.param(prefix+"bh", make([]float32, G), tensor.Shape{1, G}); err != nil {
			return err
		}
		if gd.h0, err = l.alloc(tensor.Shape{l.batch, H}); err != nil {
			return err
		}
		if gd.out, err = l.alloc(tensor.Seq(l.seq, l.batch, H)); err != nil {
			return err
		}
		if gd.dIn, err = l.alloc(tensor.Seq(l.seq, l.batch, gd.in)); err != nil {
			return err
		}
		l.depths = append(l.depths, gd)
	}
	if l.log, err = newStepLog(l.alloc, l.seq, l.batch, H, depth); err != nil {
		return err
	}
	if l.x, err = l.alloc(tensor.Seq(l.seq, l.batch, l.in)); err != nil {
		return err
	}
	if l.dax, err = l.alloc(tensor.Seq(l.seq, l.batch, G)); err != nil {
		return err
	}
	if l.dah, err = l.alloc(tensor.Shape{l.batch, G}); err != nil {
		return err
	}
	if l.dh, err = l.alloc(tensor.Shape{l.batch, H}); err != nil {
		return err
	}
	l.dhNext, err = l.alloc(tensor.Shape{l.batch, H})
	return err
}

// HiddenSize returns H.
func (l *GRU) HiddenSize() int { return l.hidden }

// Depth returns the number of stacked recurrent units.
func (l *GRU) Depth() int { return len(l.depths) }

// Hidden returns the [batch, H] hidden state at the last step of depth d
// from the most recent forward.
func (l *GRU) Hidden(d int) *tensor.Tensor {
	return l.depths[d].out.Step(l.seq - 1)
}

// ResetState makes the next Forward start from a zero hidden state.
// Caches of the current forward stay valid for Backward.
func (l *GRU) ResetState() error {
	if l.released {
		return errors.Wrap(ErrReleased, l.name)
	}
	l.carry = false
	return nil
}

func (l *GRU) depthInput(d int) *tensor.Tensor {
	if d == 0 {
		return l.x
	}
	return l.depths[d-1].out
}

func (l *GRU) hPrev(gd *gruDepth, t int) *tensor.Tensor {
	if t == 0 {
		return gd.h0
	}
	return gd.out.Step(t - 1)
}

// Forward runs every depth over the whole sequence and records each step
// in the activation log.
func (l *GRU) Forward(input *tensor.Tensor) (*tensor.Tensor, error) {
	if err := l.beginForward(input); err != nil {
		return nil, err
	}
	dev := l.dev
	B, H, G := l.batch, l.hidden, 3*l.hidden
	rows := l.rows()

	for _, gd := range l.depths {
		var err error
		if l.carry {
			err = dev.Copy(gd.h0.Buffer(), gd.out.Step(l.seq-1).Buffer())
		} else {
			err = gd.h0.Zero()
		}
		if err != nil {
			return nil, errors.Wrapf(err, "%s: initial hidden state", l.name)
		}
	}
	l.log.reset()
	if err := dev.Copy(l.x.Buffer(), input.Buffer()); err != nil {
		return nil, errors.Wrapf(err, "%s forward", l.name)
	}

	for d, gd := range l.depths {
		ax := l.log.inputBlock(d)
		if err := dev.Gemm(false, false, rows, G, gd.in, 1, l.depthInput(d).Buffer(), gd.wx.Value().Buffer(), 0, ax.Buffer()); err != nil {
			return nil, errors.Wrapf(err, "%s forward depth %d", l.name, d)
		}
		if err := dev.AddRowVector(ax.Buffer(), rows, G, gd.bx.Value().Buffer()); err != nil {
			return nil, errors.Wrapf(err, "%s forward depth %d", l.name, d)
		}
		for t := 0; t < l.seq; t++ {
			e, err := l.log.next(d, t)
			if err != nil {
				return nil, err
			}
			hPrev := l.hPrev(gd, t)
			if err := dev.Gemm(false, false, B, G, H, 1, hPrev.Buffer(), gd.wh.Value().Buffer(), 0, e.ah.Buffer()); err != nil {
				return nil, errors.Wrapf(err, "%s forward depth %d step %d", l.name, d, t)
			}
			if err := dev.AddRowVector(e.ah.Buffer(), B, G, gd.bh.Value().Buffer()); err != nil {
				return nil, errors.Wrapf(err, "%s forward depth %d step %d", l.name, d, t)
			}
			err = dev.GRUCellForward(device.GRUCell{
				Batch: B, Hidden: H,
				AX: e.ax.Buffer(), AH: e.ah.Buffer(), HPrev: hPrev.Buffer(),
				Z: e.z.Buffer(), R: e.r.Buffer(), HC: e.hc.Buffer(), H: gd.out.Step(t).Buffer(),
			})
			if err != nil {
				return nil, errors.Wrapf(err, "%s forward depth %d step %d", l.name, d, t)
			}
		}
	}
	l.carry = true
	l.state = StateForwardDone
	return l.depths[len(l.depths)-1].out, nil
}

// Backward propagates through time within each depth, top depth first, and
// returns the gradient with respect to the layer input.
func (l *GRU) Backward(outputGrad *tensor.Tensor) (*tensor.Tensor, error) {
	if err := l.beginBackward(outputGrad); err != nil {
		return nil, err
	}
	upstream := outputGrad
	for d := len(l.depths) - 1; d >= 0; d-- {
		if err := l.backwardDepth(d, upstream); err != nil {
			return nil, errors.Wrapf(err, "%s backward depth %d", l.name, d)
		}
		upstream = l.depths[d].dIn
	}
	l.state = StateBackwardDone
	return upstream, nil
}

func (l *GRU) backwardDepth(d int, upstream *tensor.Tensor) error {
	dev := l.dev
	gd := l.depths[d]
	B, H, G := l.batch, l.hidden, 3*l.hidden
	rows := l.rows()

	if err := l.dhNext.Zero(); err != nil {
		return err
	}
	for t := l.seq - 1; t >= 0; t-- {
		e, err := l.log.at(d, t)
		if err != nil {
			return err
		}
		hPrev := l.hPrev(gd, t)

		// dh = upstream_t + gradient carried from step t+1
		if err := dev.Copy(l.dh.Buffer(), upstream.Step(t).Buffer()); err != nil {
			return err
		}
		if err := dev.Axpy(1, l.dhNext.Buffer(), l.dh.Buffer()); err != nil {
			return err
		}
		err = dev.GRUCellBackward(device.GRUCellGrad{
			Batch: B, Hidden: H,
			DH: l.dh.Buffer(), Z: e.z.Buffer(), R: e.r.Buffer(), HC: e.hc.Buffer(),
			AH: e.ah.Buffer(), HPrev: hPrev.Buffer(),
			DAX: l.dax.Step(t).Buffer(), DAH: l.dah.Buffer(), DHPrev: l.dhNext.Buffer(),
		})
		if err != nil {
			return err
		}
		// dhNext += dah @ wh^T
		if err := dev.Gemm(false, true, B, H, G, 1, l.dah.Buffer(), gd.wh.Value().Buffer(), 1, l.dhNext.Buffer()); err != nil {
			return err
		}
		if err := dev.Gemm(true, false, H, G, B, 1, hPrev.Buffer(), l.dah.Buffer(), 1, gd.wh.Grad().Buffer()); err != nil {
			return err
		}
		if err := dev.SumRows(l.dah.Buffer(), B, G, gd.bh.Grad().Buffer()); err != nil {
			return err
		}
	}

	input := l.depthInput(d)
	if err := dev.Gemm(true, false, gd.in, G, rows, 1, input.Buffer(), l.dax.Buffer(), 1, gd.wx.Grad().Buffer()); err != nil {
		return err
	}
	if err := dev.SumRows(l.dax.Buffer(), rows, G, gd.bx.Grad().Buffer()); err != nil {
		return err
	}
	return dev.Gemm(false, true, rows, gd.in, G, 1, l.dax.Buffer(), gd.wx.Value().Buffer(), 0, gd.dIn.Buffer())
}
