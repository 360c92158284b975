package device

import (
	"fmt"
	"math"
	"sync"

	"github.com/born-ml/seqnet/internal/parallel"
	"github.com/pkg/errors"
	"gonum.org/v1/gonum/blas"
	"gonum.org/v1/gonum/blas/blas32"
)

const float32Size = 4

// CPUConfig configures the host device.
type CPUConfig struct {
	// MemoryLimit caps the bytes held by live allocations. Zero means unlimited.
	MemoryLimit int64

	// Parallel controls fan-out of element-wise kernels.
	Parallel parallel.Config
}

// CPU is a Device backed by host memory.
//
// Dense linear algebra goes through gonum blas32; element-wise kernels are
// plain loops split across goroutines by the parallel package. Every kernel
// completes before returning, so Synchronize is a no-op.
type CPU struct {
	cfg CPUConfig

	mu     sync.Mutex
	stats  Stats
	closed bool
}

// cpuAlloc is the bookkeeping record shared by a root buffer and its views.
type cpuAlloc struct {
	size  int
	freed bool
}

type cpuBuffer struct {
	data []float32
	root *cpuAlloc
	view bool
	dev  *CPU
}

func (b *cpuBuffer) Len() int {
	return len(b.data)
}

func (b *cpuBuffer) View(offset, n int) Buffer {
	if offset < 0 || n < 0 || offset+n > len(b.data) {
		panic(fmt.Sprintf("device: view [%d:%d] out of range for buffer of %d", offset, offset+n, len(b.data)))
	}
	return &cpuBuffer{
		data: b.data[offset : offset+n : offset+n],
		root: b.root,
		view: true,
		dev:  b.dev,
	}
}

// NewCPU creates a host device with default parallelism and no memory limit.
func NewCPU() *CPU {
	return NewCPUWithConfig(CPUConfig{Parallel: parallel.DefaultConfig()})
}

// NewCPUWithConfig creates a host device with the given configuration.
func NewCPUWithConfig(cfg CPUConfig) *CPU {
	return &CPU{cfg: cfg}
}

// Name returns the device name.
func (c *CPU) Name() string {
	return "CPU"
}

// Alloc allocates a zero-filled buffer of n elements.
func (c *CPU) Alloc(n int) (Buffer, error) {
	if n <= 0 {
		return nil, errors.Errorf("device: invalid allocation size %d", n)
	}
	bytes := int64(n) * float32Size

	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return nil, ErrClosed
	}
	if c.cfg.MemoryLimit > 0 && c.stats.ActiveBytes+bytes > c.cfg.MemoryLimit {
		return nil, errors.Wrapf(ErrAllocationFailure, "requested %d bytes with %d of %d in use",
			bytes, c.stats.ActiveBytes, c.cfg.MemoryLimit)
	}

	c.stats.ActiveBuffers++
	c.stats.ActiveBytes += bytes
	c.stats.TotalAllocs++
	if c.stats.ActiveBytes > c.stats.PeakBytes {
		c.stats.PeakBytes = c.stats.ActiveBytes
	}

	return &cpuBuffer{
		data: make([]float32, n),
		root: &cpuAlloc{size: n},
		dev:  c,
	}, nil
}

// Free releases a root allocation.
func (c *CPU) Free(b Buffer) error {
	buf, ok := b.(*cpuBuffer)
	if !ok || buf.dev != c {
		return ErrForeignBuffer
	}
	if buf.view {
		return ErrNotOwner
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if buf.root.freed {
		return ErrDoubleFree
	}
	buf.root.freed = true
	buf.data = nil

	c.stats.ActiveBuffers--
	c.stats.ActiveBytes -= int64(buf.root.size) * float32Size
	c.stats.TotalFrees++
	return nil
}

// resolve returns the host slice behind b after validating ownership.
func (c *CPU) resolve(b Buffer) ([]float32, error) {
	buf, ok := b.(*cpuBuffer)
	if !ok || buf.dev != c {
		return nil, ErrForeignBuffer
	}
	if buf.root.freed {
		return nil, ErrReleased
	}
	return buf.data, nil
}

// resolveAll resolves several buffers and checks their minimum lengths.
func (c *CPU) resolveAll(op string, bufs []Buffer, lens []int) ([][]float32, error) {
	out := make([][]float32, len(bufs))
	for i, b := range bufs {
		data, err := c.resolve(b)
		if err != nil {
			return nil, errors.Wrapf(err, "%s: operand %d", op, i)
		}
		if len(data) < lens[i] {
			return nil, errors.Wrapf(ErrKernel, "%s: operand %d has %d elements, need %d", op, i, len(data), lens[i])
		}
		out[i] = data
	}
	return out, nil
}

// Upload copies host data into dst.
func (c *CPU) Upload(dst Buffer, src []float32) error {
	d, err := c.resolve(dst)
	if err != nil {
		return errors.Wrap(err, "upload")
	}
	if len(src) != len(d) {
		return errors.Wrapf(ErrKernel, "upload: %d host values into buffer of %d", len(src), len(d))
	}
	copy(d, src)
	return nil
}

// Download copies src into host memory.
func (c *CPU) Download(src Buffer, dst []float32) error {
	s, err := c.resolve(src)
	if err != nil {
		return errors.Wrap(err, "download")
	}
	if len(dst) != len(s) {
		return errors.Wrapf(ErrKernel, "download: buffer of %d into %d host values", len(s), len(dst))
	}
	copy(dst, s)
	return nil
}

// Fill sets every element of x to value.
func (c *CPU) Fill(x Buffer, value float32) error {
	d, err := c.resolve(x)
	if err != nil {
		return errors.Wrap(err, "fill")
	}
	for i := range d {
		d[i] = value
	}
	return nil
}

// Clamp limits every element of x to [lo, hi].
func (c *CPU) Clamp(x Buffer, lo, hi float32) error {
	if lo > hi {
		return errors.Wrapf(ErrKernel, "clamp: empty range [%g, %g]", lo, hi)
	}
	d, err := c.resolve(x)
	if err != nil {
		return errors.Wrap(err, "clamp")
	}
	parallel.ForRange(len(d), func(start, end int) {
		for i := start; i < end; i++ {
			d[i] = min(max(d[i], lo), hi)
		}
	}, c.cfg.Parallel)
	return nil
}

// Copy copies src into dst. Both must have the same length.
func (c *CPU) Copy(dst, src Buffer) error {
	d, err := c.resolve(dst)
	if err != nil {
		return errors.Wrap(err, "copy")
	}
	s, err := c.resolve(src)
	if err != nil {
		return errors.Wrap(err, "copy")
	}
	if len(d) != len(s) {
		return errors.Wrapf(ErrKernel, "copy: length mismatch %d vs %d", len(d), len(s))
	}
	copy(d, s)
	return nil
}

// Scale computes x = alpha*x.
func (c *CPU) Scale(alpha float32, x Buffer) error {
	d, err := c.resolve(x)
	if err != nil {
		return errors.Wrap(err, "scale")
	}
	blas32.Scal(alpha, blas32.Vector{N: len(d), Data: d, Inc: 1})
	return nil
}

// Axpy computes y += alpha*x.
func (c *CPU) Axpy(alpha float32, x, y Buffer) error {
	xd, err := c.resolve(x)
	if err != nil {
		return errors.Wrap(err, "axpy")
	}
	yd, err := c.resolve(y)
	if err != nil {
		return errors.Wrap(err, "axpy")
	}
	if len(xd) != len(yd) {
		return errors.Wrapf(ErrKernel, "axpy: length mismatch %d vs %d", len(xd), len(yd))
	}
	blas32.Axpy(alpha,
		blas32.Vector{N: len(xd), Data: xd, Inc: 1},
		blas32.Vector{N: len(yd), Data: yd, Inc: 1})
	return nil
}

// Gemm computes C = alpha*op(A)*op(B) + beta*C with row-major storage.
func (c *CPU) Gemm(transA, transB bool, m, n, k int, alpha float32, a, b Buffer, beta float32, cm Buffer) error {
	if m <= 0 || n <= 0 || k <= 0 {
		return errors.Wrapf(ErrKernel, "gemm: invalid dims m=%d n=%d k=%d", m, n, k)
	}
	ops, err := c.resolveAll("gemm", []Buffer{a, b, cm}, []int{m * k, k * n, m * n})
	if err != nil {
		return err
	}

	ga := blas32.General{Rows: m, Cols: k, Stride: k, Data: ops[0][:m*k]}
	ta := blas.NoTrans
	if transA {
		ga = blas32.General{Rows: k, Cols: m, Stride: m, Data: ops[0][:m*k]}
		ta = blas.Trans
	}
	gb := blas32.General{Rows: k, Cols: n, Stride: n, Data: ops[1][:k*n]}
	tb := blas.NoTrans
	if transB {
		gb = blas32.General{Rows: n, Cols: k, Stride: k, Data: ops[1][:k*n]}
		tb = blas.Trans
	}
	gc := blas32.General{Rows: m, Cols: n, Stride: n, Data: ops[2][:m*n]}

	blas32.Gemm(ta, tb, alpha, ga, gb, beta, gc)
	return nil
}

// AddRowVector adds v[cols] to every row of x[rows, cols].
func (c *CPU) AddRowVector(x Buffer, rows, cols int, v Buffer) error {
	ops, err := c.resolveAll("add_row_vector", []Buffer{x, v}, []int{rows * cols, cols})
	if err != nil {
		return err
	}
	xd, vd := ops[0], ops[1]
	parallel.For(rows, func(r int) {
		row := xd[r*cols : (r+1)*cols]
		for j := range row {
			row[j] += vd[j]
		}
	}, c.cfg.Parallel)
	return nil
}

// SumRows accumulates the column sums of x[rows, cols] into dst[cols].
func (c *CPU) SumRows(x Buffer, rows, cols int, dst Buffer) error {
	ops, err := c.resolveAll("sum_rows", []Buffer{x, dst}, []int{rows * cols, cols})
	if err != nil {
		return err
	}
	xd, dd := ops[0], ops[1]
	parallel.For(cols, func(j int) {
		var sum float32
		for r := 0; r < rows; r++ {
			sum += xd[r*cols+j]
		}
		dd[j] += sum
	}, c.cfg.Parallel)
	return nil
}

// GRUCellForward evaluates the fused gate equations of one recurrent step.
func (c *CPU) GRUCellForward(g GRUCell) error {
	bh := g.Batch * g.Hidden
	ops, err := c.resolveAll("gru_forward",
		[]Buffer{g.AX, g.AH, g.HPrev, g.Z, g.R, g.HC, g.H},
		[]int{3 * bh, 3 * bh, bh, bh, bh, bh, bh})
	if err != nil {
		return err
	}
	ax, ah, hp, z, r, hc, h := ops[0], ops[1], ops[2], ops[3], ops[4], ops[5], ops[6]
	hidden := g.Hidden

	parallel.For(bh, func(i int) {
		b, j := i/hidden, i%hidden
		base := b * 3 * hidden

		zi := sigmoid(ax[base+j] + ah[base+j])
		ri := sigmoid(ax[base+hidden+j] + ah[base+hidden+j])
		ci := float32(math.Tanh(float64(ax[base+2*hidden+j] + ri*ah[base+2*hidden+j])))

		z[i], r[i], hc[i] = zi, ri, ci
		h[i] = (1-zi)*ci + zi*hp[i]
	}, c.cfg.Parallel)
	return nil
}

// GRUCellBackward back-propagates one recurrent step through the gates.
func (c *CPU) GRUCellBackward(g GRUCellGrad) error {
	bh := g.Batch * g.Hidden
	ops, err := c.resolveAll("gru_backward",
		[]Buffer{g.DH, g.Z, g.R, g.HC, g.AH, g.HPrev, g.DAX, g.DAH, g.DHPrev},
		[]int{bh, bh, bh, bh, 3 * bh, bh, 3 * bh, 3 * bh, bh})
	if err != nil {
		return err
	}
	dh, z, r, hc, ah, hp := ops[0], ops[1], ops[2], ops[3], ops[4], ops[5]
	dax, dah, dhp := ops[6], ops[7], ops[8]
	hidden := g.Hidden

	parallel.For(bh, func(i int) {
		b, j := i/hidden, i%hidden
		base := b * 3 * hidden

		zi, ri, ci := z[i], r[i], hc[i]
		d := dh[i]

		dz := d * (hp[i] - ci) * zi * (1 - zi)
		dc := d * (1 - zi) * (1 - ci*ci)
		dr := dc * ah[base+2*hidden+j] * ri * (1 - ri)

		dax[base+j] = dz
		dax[base+hidden+j] = dr
		dax[base+2*hidden+j] = dc

		dah[base+j] = dz
		dah[base+hidden+j] = dr
		dah[base+2*hidden+j] = dc * ri

		dhp[i] = d * zi
	}, c.cfg.Parallel)
	return nil
}

// Softmax computes a numerically stable softmax over each row of x into y.
func (c *CPU) Softmax(x, y Buffer, rows, cols int) error {
	ops, err := c.resolveAll("softmax", []Buffer{x, y}, []int{rows * cols, rows * cols})
	if err != nil {
		return err
	}
	xd, yd := ops[0], ops[1]
	parallel.For(rows, func(r int) {
		in := xd[r*cols : (r+1)*cols]
		out := yd[r*cols : (r+1)*cols]

		maxVal := in[0]
		for _, v := range in[1:] {
			if v > maxVal {
				maxVal = v
			}
		}
		var sum float64
		for j, v := range in {
			e := math.Exp(float64(v - maxVal))
			out[j] = float32(e)
			sum += e
		}
		inv := float32(1 / sum)
		for j := range out {
			out[j] *= inv
		}
	}, c.cfg.Parallel)
	return nil
}

// SoftmaxBackward computes dx = y*(dy - sum(dy*y)) per row.
func (c *CPU) SoftmaxBackward(y, dy, dx Buffer, rows, cols int) error {
	n := rows * cols
	ops, err := c.resolveAll("softmax_backward", []Buffer{y, dy, dx}, []int{n, n, n})
	if err != nil {
		return err
	}
	yd, dyd, dxd := ops[0], ops[1], ops[2]
	parallel.For(rows, func(r int) {
		lo, hi := r*cols, (r+1)*cols
		var dot float32
		for j := lo; j < hi; j++ {
			dot += dyd[j] * yd[j]
		}
		for j := lo; j < hi; j++ {
			dxd[j] = yd[j] * (dyd[j] - dot)
		}
	}, c.cfg.Parallel)
	return nil
}

// RMSPropUpdate applies one Graves RMSProp step in place.
func (c *CPU) RMSPropUpdate(s RMSPropState) error {
	n := s.Weight.Len()
	ops, err := c.resolveAll("rmsprop",
		[]Buffer{s.Weight, s.Gradient, s.N, s.GBar, s.Delta},
		[]int{n, n, n, n, n})
	if err != nil {
		return err
	}
	w, g, nc, gb, dl := ops[0], ops[1], ops[2], ops[3], ops[4]
	decay := s.DecayRate

	parallel.ForRange(n, func(start, end int) {
		for i := start; i < end; i++ {
			gi := g[i]
			nc[i] = decay*nc[i] + (1-decay)*gi*gi
			gb[i] = decay*gb[i] + (1-decay)*gi
			denom := float32(math.Sqrt(float64(nc[i] - gb[i]*gb[i] + s.Epsilon)))
			dl[i] = s.Momentum*dl[i] - s.LearningRate*gi/denom
			w[i] += dl[i] - s.LearningRate*s.WeightDecay*w[i]
		}
	}, c.cfg.Parallel)
	return nil
}

// AdamUpdate applies one bias-corrected Adam step in place.
func (c *CPU) AdamUpdate(s AdamState) error {
	n := s.Weight.Len()
	ops, err := c.resolveAll("adam", []Buffer{s.Weight, s.Gradient, s.M, s.V}, []int{n, n, n, n})
	if err != nil {
		return err
	}
	w, g, m, v := ops[0], ops[1], ops[2], ops[3]

	parallel.ForRange(n, func(start, end int) {
		for i := start; i < end; i++ {
			gi := g[i]
			m[i] = s.Beta1*m[i] + (1-s.Beta1)*gi
			v[i] = s.Beta2*v[i] + (1-s.Beta2)*gi*gi
			mHat := m[i] / s.BiasCorrection1
			vHat := v[i] / s.BiasCorrection2
			w[i] -= s.LearningRate * mHat / (float32(math.Sqrt(float64(vHat))) + s.Eps)
		}
	}, c.cfg.Parallel)
	return nil
}

// Synchronize is a no-op: CPU kernels complete before returning.
func (c *CPU) Synchronize() error {
	return nil
}

// Stats returns a snapshot of buffer accounting.
func (c *CPU) Stats() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.stats
}

// Close marks the device closed. Live buffers stay readable but no new
// allocations are accepted.
func (c *CPU) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	return nil
}

func sigmoid(x float32) float32 {
	return float32(1 / (1 + math.Exp(-float64(x))))
}
