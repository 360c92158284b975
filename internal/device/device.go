// Package device defines the compute-device contract used by the sequence
// network engine.
//
// A Device owns raw float32 storage (Buffer) and launches the kernel
// primitives layers and optimizers are built from:
//   - Memory: Alloc, Free, Upload, Download, Fill, Copy
//   - BLAS-style: Gemm, Axpy, Scale, AddRowVector, SumRows
//   - Fused layer kernels: GRUCellForward/Backward, Softmax/SoftmaxBackward
//   - Fused optimizer kernels: RMSPropUpdate, AdamUpdate
//
// Kernels may execute asynchronously but always in submission order.
// Synchronize blocks until every submitted kernel has completed.
//
// Implementations:
//   - CPU: host memory, gonum blas32 (this package)
//   - WebGPU: go-webgpu compute shaders (subpackage webgpu)
package device

import "errors"

// Common errors.
var (
	ErrAllocationFailure = errors.New("device: allocation failure")
	ErrDoubleFree        = errors.New("device: buffer already freed")
	ErrNotOwner          = errors.New("device: buffer is a view, free its root allocation")
	ErrReleased          = errors.New("device: use of freed buffer")
	ErrForeignBuffer     = errors.New("device: buffer belongs to another device")
	ErrKernel            = errors.New("device: kernel failure")
	ErrClosed            = errors.New("device: closed")
)

// Buffer is a device-resident region of float32 values.
//
// A Buffer returned by Alloc is a root allocation and must be freed exactly
// once. View returns a window into the same storage; views are never freed on
// their own and become invalid when their root is freed.
type Buffer interface {
	// Len returns the number of float32 elements in the buffer.
	Len() int

	// View returns the sub-range [offset, offset+n) of the buffer.
	// Panics if the range is out of bounds.
	View(offset, n int) Buffer
}

// GRUCell holds the operands of one fused gated-recurrent step for a batch.
//
// Gate layout inside AX/AH rows is z|r|h, each Hidden wide:
//
//	z  = sigmoid(ax_z + ah_z)
//	r  = sigmoid(ax_r + ah_r)
//	hc = tanh(ax_h + r*ah_h)
//	h  = (1-z)*hc + z*hPrev
type GRUCell struct {
	Batch, Hidden int

	AX    Buffer // [Batch, 3*Hidden] input projection incl. bias
	AH    Buffer // [Batch, 3*Hidden] hidden projection incl. bias
	HPrev Buffer // [Batch, Hidden]

	Z  Buffer // out: [Batch, Hidden] update gate
	R  Buffer // out: [Batch, Hidden] reset gate
	HC Buffer // out: [Batch, Hidden] candidate state
	H  Buffer // out: [Batch, Hidden] new hidden state
}

// GRUCellGrad holds the operands of the fused backward step for GRUCell.
type GRUCellGrad struct {
	Batch, Hidden int

	DH    Buffer // [Batch, Hidden] gradient w.r.t. h
	Z     Buffer
	R     Buffer
	HC    Buffer
	AH    Buffer // cached hidden projection, only the h block is read
	HPrev Buffer

	DAX    Buffer // out: [Batch, 3*Hidden] gradient w.r.t. ax
	DAH    Buffer // out: [Batch, 3*Hidden] gradient w.r.t. ah
	DHPrev Buffer // out: [Batch, Hidden] direct gradient w.r.t. hPrev (dh*z)
}

// RMSPropState holds the operands of one Graves RMSProp update.
//
//	n     = decay*n + (1-decay)*g*g
//	gbar  = decay*gbar + (1-decay)*g
//	delta = momentum*delta - lr*g/sqrt(n - gbar*gbar + Epsilon)
//	w     = w + delta - lr*weightDecay*w
type RMSPropState struct {
	LearningRate float32
	Momentum     float32
	DecayRate    float32
	WeightDecay  float32
	Epsilon      float32

	Weight   Buffer
	Gradient Buffer
	N        Buffer
	GBar     Buffer
	Delta    Buffer
}

// AdamState holds the operands of one Adam update with precomputed bias
// corrections.
type AdamState struct {
	LearningRate    float32
	Beta1, Beta2    float32
	Eps             float32
	BiasCorrection1 float32
	BiasCorrection2 float32

	Weight   Buffer
	Gradient Buffer
	M        Buffer
	V        Buffer
}

// Stats reports buffer accounting for a device.
type Stats struct {
	ActiveBuffers int64  // root allocations not yet freed
	ActiveBytes   int64  // bytes held by active buffers
	PeakBytes     int64  // high-water mark of ActiveBytes
	TotalAllocs   uint64 // successful Alloc calls
	TotalFrees    uint64 // successful Free calls
}

// Device is a compute device: an allocator plus kernel launcher.
//
// All matrices are row-major. Gemm computes
//
//	C = alpha*op(A)*op(B) + beta*C
//
// where op(A) is [m, k], op(B) is [k, n] and C is [m, n].
type Device interface {
	Name() string

	Alloc(n int) (Buffer, error)
	Free(b Buffer) error
	Upload(dst Buffer, src []float32) error
	Download(src Buffer, dst []float32) error

	Fill(x Buffer, value float32) error
	Copy(dst, src Buffer) error
	Scale(alpha float32, x Buffer) error
	Axpy(alpha float32, x, y Buffer) error
	// Clamp limits every element of x to [lo, hi].
	Clamp(x Buffer, lo, hi float32) error

	Gemm(transA, transB bool, m, n, k int, alpha float32, a, b Buffer, beta float32, c Buffer) error
	AddRowVector(x Buffer, rows, cols int, v Buffer) error
	SumRows(x Buffer, rows, cols int, dst Buffer) error

	GRUCellForward(c GRUCell) error
	GRUCellBackward(g GRUCellGrad) error
	Softmax(x, y Buffer, rows, cols int) error
	SoftmaxBackward(y, dy, dx Buffer, rows, cols int) error

	RMSPropUpdate(s RMSPropState) error
	AdamUpdate(s AdamState) error

	Synchronize() error
	Stats() Stats
	Close() error
}
