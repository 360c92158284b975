//go:build windows

package webgpu

import (
	"encoding/binary"
	"fmt"
	"math"
	"sync"
	"unsafe"

	"github.com/born-ml/seqnet/internal/device"
	"github.com/go-webgpu/webgpu/wgpu"
	"github.com/pkg/errors"
)

const (
	float32Size = 4

	// Storage bindings must start on this byte boundary.
	bindAlign = 256

	// Kernels recorded before an automatic submit.
	maxBatch = 64
)

// Device is a device.Device running on a WebGPU adapter.
type Device struct {
	instance *wgpu.Instance
	adapter  *wgpu.Adapter
	device   *wgpu.Device
	queue    *wgpu.Queue
	info     wgpu.AdapterInfo

	mu        sync.Mutex
	pipelines map[string]*wgpu.ComputePipeline
	encoder   *wgpu.CommandEncoder
	recorded  int
	transient []*wgpu.Buffer
	groups    []*wgpu.BindGroup
	stats     device.Stats
	closed    bool
}

type gpuAlloc struct {
	buf   *wgpu.Buffer
	size  int
	freed bool
}

type gpuBuffer struct {
	root   *gpuAlloc
	offset int
	n      int
	view   bool
	dev    *Device
}

func (b *gpuBuffer) Len() int { return b.n }

func (b *gpuBuffer) View(offset, n int) device.Buffer {
	if offset < 0 || n < 0 || offset+n > b.n {
		panic(fmt.Sprintf("webgpu: view [%d:%d] out of range for buffer of %d", offset, offset+n, b.n))
	}
	return &gpuBuffer{root: b.root, offset: b.offset + offset, n: n, view: true, dev: b.dev}
}

// New opens the default high-performance adapter.
func New() (dev device.Device, err error) {
	// The native library panics when it cannot be loaded.
	defer func() {
		if r := recover(); r != nil {
			dev = nil
			err = errors.Wrapf(ErrUnavailable, "native library: %v", r)
		}
	}()

	instance := wgpu.CreateInstance(nil)
	adapter, err := instance.RequestAdapter(&wgpu.RequestAdapterOptions{
		PowerPreference: wgpu.PowerPreferenceHighPerformance,
	})
	if err != nil {
		instance.Release()
		return nil, errors.Wrap(ErrUnavailable, err.Error())
	}
	gpu, err := adapter.RequestDevice(nil)
	if err != nil {
		adapter.Release()
		instance.Release()
		return nil, errors.Wrap(ErrUnavailable, err.Error())
	}
	queue := gpu.GetQueue()
	if queue == nil {
		gpu.Release()
		adapter.Release()
		instance.Release()
		return nil, errors.Wrap(ErrUnavailable, "no queue")
	}

	d := &Device{
		instance:  instance,
		adapter:   adapter,
		device:    gpu,
		queue:     queue,
		info:      adapter.GetInfo(),
		pipelines: make(map[string]*wgpu.ComputePipeline),
	}
	for _, k := range kernels {
		shader := gpu.CreateShaderModuleWGSL(sourceFor(k))
		d.pipelines[k.name] = gpu.CreateComputePipelineSimple(nil, shader, "main")
		shader.Release()
	}
	return d, nil
}

// IsAvailable reports whether a WebGPU adapter can be opened.
func IsAvailable() (available bool) {
	defer func() {
		if r := recover(); r != nil {
			available = false
		}
	}()

	instance := wgpu.CreateInstance(nil)
	defer instance.Release()

	adapter, err := instance.RequestAdapter(nil)
	if err != nil {
		return false
	}
	adapter.Release()
	return true
}

// Name returns the adapter name.
func (d *Device) Name() string {
	if d.info.Name != "" {
		return "WebGPU (" + d.info.Name + ")"
	}
	return "WebGPU"
}

// Alloc allocates a zero-filled storage buffer of n elements.
func (d *Device) Alloc(n int) (device.Buffer, error) {
	if n <= 0 {
		return nil, errors.Errorf("webgpu: invalid allocation size %d", n)
	}
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.closed {
		return nil, device.ErrClosed
	}
	buf, err := d.createStorage(n)
	if err != nil {
		return nil, err
	}

	bytes := int64(n) * float32Size
	d.stats.ActiveBuffers++
	d.stats.ActiveBytes += bytes
	d.stats.TotalAllocs++
	if d.stats.ActiveBytes > d.stats.PeakBytes {
		d.stats.PeakBytes = d.stats.ActiveBytes
	}
	return &gpuBuffer{root: &gpuAlloc{buf: buf, size: n}, n: n, dev: d}, nil
}

// createStorage returns a zeroed buffer. Creation failures surface as a
// panic from the native layer.
func (d *Device) createStorage(n int) (buf *wgpu.Buffer, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = errors.Wrapf(device.ErrAllocationFailure, "%d elements: %v", n, r)
		}
	}()
	size := uint64(n) * float32Size //nolint:gosec // n > 0
	buf = d.device.CreateBuffer(&wgpu.BufferDescriptor{
		Usage:            wgpu.BufferUsageStorage | wgpu.BufferUsageCopySrc | wgpu.BufferUsageCopyDst,
		Size:             size,
		MappedAtCreation: wgpu.True,
	})
	if buf == nil {
		return nil, errors.Wrapf(device.ErrAllocationFailure, "%d elements", n)
	}
	mapped := unsafe.Slice((*byte)(buf.GetMappedRange(0, size)), size)
	clear(mapped)
	buf.Unmap()
	return buf, nil
}

// Free releases a root allocation after pending kernels complete.
func (d *Device) Free(b device.Buffer) error {
	buf, ok := b.(*gpuBuffer)
	if !ok || buf.dev != d {
		return device.ErrForeignBuffer
	}
	if buf.view {
		return device.ErrNotOwner
	}
	d.mu.Lock()
	defer d.mu.Unlock()

	if buf.root.freed {
		return device.ErrDoubleFree
	}
	d.flushLocked()
	buf.root.freed = true
	buf.root.buf.Release()

	d.stats.ActiveBuffers--
	d.stats.ActiveBytes -= int64(buf.root.size) * float32Size
	d.stats.TotalFrees++
	return nil
}

func (d *Device) resolve(b device.Buffer) (*gpuBuffer, error) {
	buf, ok := b.(*gpuBuffer)
	if !ok || buf.dev != d {
		return nil, device.ErrForeignBuffer
	}
	if buf.root.freed {
		return nil, device.ErrReleased
	}
	return buf, nil
}

// Upload copies host data into dst through a mapped staging buffer.
func (d *Device) Upload(dst device.Buffer, src []float32) error {
	buf, err := d.resolve(dst)
	if err != nil {
		return errors.Wrap(err, "upload")
	}
	if len(src) != buf.n {
		return errors.Wrapf(device.ErrKernel, "upload: %d host values into buffer of %d", len(src), buf.n)
	}
	size := uint64(buf.n) * float32Size //nolint:gosec // n > 0

	d.mu.Lock()
	defer d.mu.Unlock()

	staging := d.device.CreateBuffer(&wgpu.BufferDescriptor{
		Usage:            wgpu.BufferUsageCopySrc,
		Size:             size,
		MappedAtCreation: wgpu.True,
	})
	mapped := unsafe.Slice((*byte)(staging.GetMappedRange(0, size)), size)
	for i, v := range src {
		binary.LittleEndian.PutUint32(mapped[i*float32Size:], math.Float32bits(v))
	}
	staging.Unmap()

	enc := d.encoderLocked()
	enc.CopyBufferToBuffer(staging, 0, buf.root.buf, byteOffset(buf.offset), size)
	d.transient = append(d.transient, staging)
	d.recordedLocked()
	return nil
}

// Download submits pending kernels and reads src back to the host.
func (d *Device) Download(src device.Buffer, dst []float32) error {
	buf, err := d.resolve(src)
	if err != nil {
		return errors.Wrap(err, "download")
	}
	if len(dst) != buf.n {
		return errors.Wrapf(device.ErrKernel, "download: buffer of %d into %d host values", buf.n, len(dst))
	}
	size := uint64(buf.n) * float32Size //nolint:gosec // n > 0

	d.mu.Lock()
	defer d.mu.Unlock()

	staging := d.device.CreateBuffer(&wgpu.BufferDescriptor{
		Usage: wgpu.BufferUsageMapRead | wgpu.BufferUsageCopyDst,
		Size:  size,
	})
	defer staging.Release()

	enc := d.encoderLocked()
	enc.CopyBufferToBuffer(buf.root.buf, byteOffset(buf.offset), staging, 0, size)
	d.flushLocked()

	if err := staging.MapAsync(d.device, wgpu.MapModeRead, 0, size); err != nil {
		return errors.Wrap(device.ErrKernel, err.Error())
	}
	mapped := unsafe.Slice((*byte)(staging.GetMappedRange(0, size)), size)
	for i := range dst {
		dst[i] = math.Float32frombits(binary.LittleEndian.Uint32(mapped[i*float32Size:]))
	}
	staging.Unmap()
	return nil
}

// Copy copies src into dst with buffer-to-buffer copies.
func (d *Device) Copy(dst, src device.Buffer) error {
	db, err := d.resolve(dst)
	if err != nil {
		return errors.Wrap(err, "copy")
	}
	sb, err := d.resolve(src)
	if err != nil {
		return errors.Wrap(err, "copy")
	}
	if db.n != sb.n {
		return errors.Wrapf(device.ErrKernel, "copy: length mismatch %d vs %d", db.n, sb.n)
	}
	size := byteOffset(db.n)

	d.mu.Lock()
	defer d.mu.Unlock()
	enc := d.encoderLocked()
	if db.root == sb.root {
		// A buffer cannot be both source and destination of one copy.
		tmp := d.device.CreateBuffer(&wgpu.BufferDescriptor{
			Usage: wgpu.BufferUsageCopySrc | wgpu.BufferUsageCopyDst,
			Size:  size,
		})
		d.transient = append(d.transient, tmp)
		enc.CopyBufferToBuffer(sb.root.buf, byteOffset(sb.offset), tmp, 0, size)
		enc.CopyBufferToBuffer(tmp, 0, db.root.buf, byteOffset(db.offset), size)
	} else {
		enc.CopyBufferToBuffer(sb.root.buf, byteOffset(sb.offset), db.root.buf, byteOffset(db.offset), size)
	}
	d.recordedLocked()
	return nil
}

// Synchronize submits every recorded kernel and waits for the queue.
func (d *Device) Synchronize() error {
	fence, err := d.Alloc(1)
	if err != nil {
		return err
	}
	defer func() { _ = d.Free(fence) }()
	return d.Download(fence, make([]float32, 1))
}

// Stats returns a snapshot of buffer accounting.
func (d *Device) Stats() device.Stats {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.stats
}

// Close submits pending work and releases the adapter. Buffers still alive
// are released with the device.
func (d *Device) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.closed {
		return nil
	}
	d.flushLocked()
	d.closed = true
	for _, p := range d.pipelines {
		p.Release()
	}
	d.pipelines = nil
	d.queue.Release()
	d.device.Release()
	d.adapter.Release()
	d.instance.Release()
	return nil
}

func (d *Device) encoderLocked() *wgpu.CommandEncoder {
	if d.encoder == nil {
		d.encoder = d.device.CreateCommandEncoder(nil)
	}
	return d.encoder
}

func (d *Device) recordedLocked() {
	d.recorded++
	if d.recorded >= maxBatch {
		d.flushLocked()
	}
}

// flushLocked submits the open encoder and drops per-batch resources.
func (d *Device) flushLocked() {
	if d.encoder != nil {
		cmd := d.encoder.Finish(nil)
		d.queue.Submit(cmd)
		d.encoder.Release()
		d.encoder = nil
	}
	for _, g := range d.groups {
		g.Release()
	}
	for _, b := range d.transient {
		b.Release()
	}
	d.groups = d.groups[:0]
	d.transient = d.transient[:0]
	d.recorded = 0
}

func byteOffset(elems int) uint64 {
	return uint64(elems) * float32Size //nolint:gosec // offsets are non-negative
}

// binding returns the aligned byte range to bind for b and the element
// offset of b inside that range.
func binding(b *gpuBuffer) (offset, size uint64, elem uint32) {
	start := byteOffset(b.offset)
	aligned := start &^ (bindAlign - 1)
	end := byteOffset(b.offset + b.n)
	return aligned, end - aligned, uint32((start - aligned) / float32Size) //nolint:gosec // < bindAlign
}

// run records one dispatch of k over n invocations. Operands follow the
// kernel's binding order; params are the kernel's own fields.
func (d *Device) run(k *kernel, ops []*gpuBuffer, n int, params ...uint32) error {
	if len(ops) != k.operands() || len(params) != len(k.fields) {
		panic(fmt.Sprintf("webgpu: %s called with %d operands and %d params", k.name, len(ops), len(params)))
	}
	if err := checkAliasing(k, ops); err != nil {
		return err
	}

	words := make([]uint32, 0, k.paramWords())
	entries := make([]wgpu.BindGroupEntry, 0, len(ops)+1)
	for i, b := range ops {
		off, size, elem := binding(b)
		words = append(words, elem)
		entries = append(entries, wgpu.BufferBindingEntry(uint32(i), b.root.buf, off, size)) //nolint:gosec // few operands
	}
	words = append(words, params...)

	d.mu.Lock()
	defer d.mu.Unlock()

	if d.closed {
		return device.ErrClosed
	}
	uniform := d.uniformLocked(words)
	entries = append(entries, wgpu.BufferBindingEntry(uint32(len(ops)), uniform, 0, uniformSize(words))) //nolint:gosec // few operands

	pipeline := d.pipelines[k.name]
	group := d.device.CreateBindGroupSimple(pipeline.GetBindGroupLayout(0), entries)
	d.groups = append(d.groups, group)

	pass := d.encoderLocked().BeginComputePass(nil)
	pass.SetPipeline(pipeline)
	pass.SetBindGroup(0, group, nil)
	gx, gy := groups(n)
	pass.DispatchWorkgroups(gx, gy, 1)
	pass.End()

	d.recordedLocked()
	return nil
}

func uniformSize(words []uint32) uint64 {
	size := uint64(len(words)) * 4
	return (size + 15) &^ 15
}

func (d *Device) uniformLocked(words []uint32) *wgpu.Buffer {
	size := uniformSize(words)
	buf := d.device.CreateBuffer(&wgpu.BufferDescriptor{
		Usage:            wgpu.BufferUsageUniform | wgpu.BufferUsageCopyDst,
		Size:             size,
		MappedAtCreation: wgpu.True,
	})
	mapped := unsafe.Slice((*byte)(buf.GetMappedRange(0, size)), size)
	clear(mapped)
	for i, w := range words {
		binary.LittleEndian.PutUint32(mapped[i*4:], w)
	}
	buf.Unmap()
	d.transient = append(d.transient, buf)
	return buf
}

// checkAliasing rejects a writable operand whose bound range overlaps any
// other operand of the same root.
func checkAliasing(k *kernel, ops []*gpuBuffer) error {
	firstOut := len(k.inputs)
	for i, a := range ops {
		if i < firstOut {
			continue
		}
		ao, as, _ := binding(a)
		for j, b := range ops {
			if i == j || a.root != b.root {
				continue
			}
			bo, bs, _ := binding(b)
			if ao < bo+bs && bo < ao+as {
				return errors.Wrapf(device.ErrKernel, "%s: operands %d and %d alias a writable range", k.name, i, j)
			}
		}
	}
	return nil
}
