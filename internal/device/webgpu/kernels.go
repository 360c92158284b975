//go:build windows

package webgpu

import (
	"math"

	"github.com/born-ml/seqnet/internal/device"
	"github.com/pkg/errors"
)

// operands resolves bufs and checks their minimum lengths.
func (d *Device) operands(op string, bufs []device.Buffer, lens []int) ([]*gpuBuffer, error) {
	out := make([]*gpuBuffer, len(bufs))
	for i, b := range bufs {
		g, err := d.resolve(b)
		if err != nil {
			return nil, errors.Wrapf(err, "%s: operand %d", op, i)
		}
		if g.n < lens[i] {
			return nil, errors.Wrapf(device.ErrKernel, "%s: operand %d has %d elements, need %d", op, i, g.n, lens[i])
		}
		out[i] = g
	}
	return out, nil
}

func bits(f float32) uint32 { return math.Float32bits(f) }

//nolint:gosec // G115: kernel sizes are positive and bounded by buffer lengths
func dim(n int) uint32 { return uint32(n) }

func boolWord(b bool) uint32 {
	if b {
		return 1
	}
	return 0
}

// Fill sets every element of x to value.
func (d *Device) Fill(x device.Buffer, value float32) error {
	ops, err := d.operands("fill", []device.Buffer{x}, []int{0})
	if err != nil {
		return err
	}
	n := ops[0].n
	return d.run(fillKernel, ops, n, dim(n), bits(value))
}

// Scale computes x = alpha*x.
func (d *Device) Scale(alpha float32, x device.Buffer) error {
	ops, err := d.operands("scale", []device.Buffer{x}, []int{0})
	if err != nil {
		return err
	}
	n := ops[0].n
	return d.run(scaleKernel, ops, n, dim(n), bits(alpha))
}

// Clamp limits every element of x to [lo, hi].
func (d *Device) Clamp(x device.Buffer, lo, hi float32) error {
	if lo > hi {
		return errors.Wrapf(device.ErrKernel, "clamp: empty range [%g, %g]", lo, hi)
	}
	ops, err := d.operands("clamp", []device.Buffer{x}, []int{0})
	if err != nil {
		return err
	}
	n := ops[0].n
	return d.run(clampKernel, ops, n, dim(n), bits(lo), bits(hi))
}

// Axpy computes y += alpha*x.
func (d *Device) Axpy(alpha float32, x, y device.Buffer) error {
	ops, err := d.operands("axpy", []device.Buffer{x, y}, []int{0, 0})
	if err != nil {
		return err
	}
	if ops[0].n != ops[1].n {
		return errors.Wrapf(device.ErrKernel, "axpy: length mismatch %d vs %d", ops[0].n, ops[1].n)
	}
	n := ops[0].n
	return d.run(axpyKernel, ops, n, dim(n), bits(alpha))
}

// Gemm computes C = alpha*op(A)*op(B) + beta*C with row-major storage.
func (d *Device) Gemm(transA, transB bool, m, n, k int, alpha float32, a, b device.Buffer, beta float32, c device.Buffer) error {
	if m <= 0 || n <= 0 || k <= 0 {
		return errors.Wrapf(device.ErrKernel, "gemm: invalid dims m=%d n=%d k=%d", m, n, k)
	}
	ops, err := d.operands("gemm", []device.Buffer{a, b, c}, []int{m * k, k * n, m * n})
	if err != nil {
		return err
	}
	return d.run(gemmKernel, ops, m*n,
		dim(m), dim(n), dim(k), boolWord(transA), boolWord(transB), bits(alpha), bits(beta))
}

// AddRowVector adds v[cols] to every row of x[rows, cols].
func (d *Device) AddRowVector(x device.Buffer, rows, cols int, v device.Buffer) error {
	ops, err := d.operands("add_row_vector", []device.Buffer{v, x}, []int{cols, rows * cols})
	if err != nil {
		return err
	}
	return d.run(addRowVectorKernel, ops, rows*cols, dim(rows), dim(cols))
}

// SumRows accumulates the column sums of x[rows, cols] into dst[cols].
func (d *Device) SumRows(x device.Buffer, rows, cols int, dst device.Buffer) error {
	ops, err := d.operands("sum_rows", []device.Buffer{x, dst}, []int{rows * cols, cols})
	if err != nil {
		return err
	}
	return d.run(sumRowsKernel, ops, cols, dim(rows), dim(cols))
}

// GRUCellForward evaluates the fused gate equations of one recurrent step.
func (d *Device) GRUCellForward(g device.GRUCell) error {
	bh := g.Batch * g.Hidden
	ops, err := d.operands("gru_forward",
		[]device.Buffer{g.AX, g.AH, g.HPrev, g.Z, g.R, g.HC, g.H},
		[]int{3 * bh, 3 * bh, bh, bh, bh, bh, bh})
	if err != nil {
		return err
	}
	return d.run(gruForwardKernel, ops, bh, dim(g.Batch), dim(g.Hidden))
}

// GRUCellBackward back-propagates one recurrent step through the gates.
func (d *Device) GRUCellBackward(g device.GRUCellGrad) error {
	bh := g.Batch * g.Hidden
	ops, err := d.operands("gru_backward",
		[]device.Buffer{g.DH, g.Z, g.R, g.HC, g.AH, g.HPrev, g.DAX, g.DAH, g.DHPrev},
		[]int{bh, bh, bh, bh, 3 * bh, bh, 3 * bh, 3 * bh, bh})
	if err != nil {
		return err
	}
	return d.run(gruBackwardKernel, ops, bh, dim(g.Batch), dim(g.Hidden))
}

// Softmax computes a numerically stable softmax over each row of x into y.
func (d *Device) Softmax(x, y device.Buffer, rows, cols int) error {
	ops, err := d.operands("softmax", []device.Buffer{x, y}, []int{rows * cols, rows * cols})
	if err != nil {
		return err
	}
	return d.run(softmaxKernel, ops, rows, dim(rows), dim(cols))
}

// SoftmaxBackward computes dx = y*(dy - sum(dy*y)) per row.
func (d *Device) SoftmaxBackward(y, dy, dx device.Buffer, rows, cols int) error {
	n := rows * cols
	ops, err := d.operands("softmax_backward", []device.Buffer{y, dy, dx}, []int{n, n, n})
	if err != nil {
		return err
	}
	return d.run(softmaxBackwardKernel, ops, rows, dim(rows), dim(cols))
}

// RMSPropUpdate applies one Graves RMSProp step in place.
func (d *Device) RMSPropUpdate(s device.RMSPropState) error {
	n := s.Weight.Len()
	ops, err := d.operands("rmsprop",
		[]device.Buffer{s.Gradient, s.Weight, s.N, s.GBar, s.Delta},
		[]int{n, n, n, n, n})
	if err != nil {
		return err
	}
	return d.run(rmspropKernel, ops, n, dim(n),
		bits(s.LearningRate), bits(s.Momentum), bits(s.DecayRate), bits(s.WeightDecay), bits(s.Epsilon))
}

// AdamUpdate applies one bias-corrected Adam step in place.
func (d *Device) AdamUpdate(s device.AdamState) error {
	n := s.Weight.Len()
	ops, err := d.operands("adam", []device.Buffer{s.Gradient, s.Weight, s.M, s.V}, []int{n, n, n, n})
	if err != nil {
		return err
	}
	return d.run(adamKernel, ops, n, dim(n),
		bits(s.LearningRate), bits(s.Beta1), bits(s.Beta2), bits(s.Eps), bits(s.BiasCorrection1), bits(s.BiasCorrection2))
}

var _ device.Device = (*Device)(nil)
