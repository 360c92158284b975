// Package tensor provides device-resident shaped float32 buffers.
//
// A Tensor pairs a Shape with a device.Buffer. Tensors created by New or
// FromSlice own their storage and must be released exactly once; tensors
// created by View borrow storage from their parent and are never released.
//
// No operation here synchronizes with the host implicitly: Data and CopyFrom
// are the only host transfers.
package tensor

import (
	"fmt"

	"github.com/born-ml/seqnet/internal/device"
	"github.com/pkg/errors"
)

// Tensor is a shaped view of device memory.
type Tensor struct {
	shape    Shape
	buf      device.Buffer
	dev      device.Device
	owned    bool
	released bool
}

// New allocates a zero-filled tensor on dev.
func New(dev device.Device, shape Shape) (*Tensor, error) {
	if err := shape.Validate(); err != nil {
		return nil, errors.Wrap(err, "invalid shape")
	}
	buf, err := dev.Alloc(shape.NumElements())
	if err != nil {
		return nil, errors.Wrapf(err, "allocating tensor %v", shape)
	}
	return &Tensor{
		shape: shape.Clone(),
		buf:   buf,
		dev:   dev,
		owned: true,
	}, nil
}

// FromSlice allocates a tensor on dev and uploads data into it.
func FromSlice(dev device.Device, data []float32, shape Shape) (*Tensor, error) {
	if shape.NumElements() != len(data) {
		return nil, fmt.Errorf("shape %v requires %d elements, but got %d", shape, shape.NumElements(), len(data))
	}
	t, err := New(dev, shape)
	if err != nil {
		return nil, err
	}
	if err := t.CopyFrom(data); err != nil {
		_ = t.Release()
		return nil, err
	}
	return t, nil
}

// Wrap returns a borrowed tensor over an existing buffer.
func Wrap(dev device.Device, buf device.Buffer, shape Shape) *Tensor {
	if shape.NumElements() != buf.Len() {
		panic(fmt.Sprintf("tensor.Wrap: shape %v needs %d elements, buffer has %d", shape, shape.NumElements(), buf.Len()))
	}
	return &Tensor{shape: shape.Clone(), buf: buf, dev: dev}
}

// View returns a borrowed tensor of the given shape starting at element offset.
func (t *Tensor) View(offset int, shape Shape) *Tensor {
	return &Tensor{
		shape: shape.Clone(),
		buf:   t.buf.View(offset, shape.NumElements()),
		dev:   t.dev,
	}
}

// Step returns the i-th leading slice of the tensor. For a sequence tensor
// [seqLen, batch, features] this is the [batch, features] block of step i.
func (t *Tensor) Step(i int) *Tensor {
	inner := Shape(t.shape[1:])
	n := inner.NumElements()
	return t.View(i*n, inner)
}

// Shape returns the tensor's shape.
func (t *Tensor) Shape() Shape {
	return t.shape
}

// NumElements returns the total number of elements.
func (t *Tensor) NumElements() int {
	return t.shape.NumElements()
}

// Buffer returns the device buffer backing the tensor.
func (t *Tensor) Buffer() device.Buffer {
	return t.buf
}

// Device returns the device holding the tensor.
func (t *Tensor) Device() device.Device {
	return t.dev
}

// Owned reports whether the tensor owns its storage.
func (t *Tensor) Owned() bool {
	return t.owned
}

// Data downloads the tensor into a new host slice.
func (t *Tensor) Data() ([]float32, error) {
	out := make([]float32, t.NumElements())
	if err := t.dev.Download(t.buf, out); err != nil {
		return nil, err
	}
	return out, nil
}

// CopyFrom uploads host data into the tensor.
func (t *Tensor) CopyFrom(data []float32) error {
	if len(data) != t.NumElements() {
		return fmt.Errorf("tensor %v needs %d values, got %d", t.shape, t.NumElements(), len(data))
	}
	return t.dev.Upload(t.buf, data)
}

// Zero fills the tensor with zeros.
func (t *Tensor) Zero() error {
	return t.dev.Fill(t.buf, 0)
}

// Release frees owned storage. Releasing twice or releasing a view is a no-op.
func (t *Tensor) Release() error {
	if !t.owned || t.released {
		return nil
	}
	t.released = true
	return t.dev.Free(t.buf)
}

// Released reports whether Release has freed the tensor's storage.
func (t *Tensor) Released() bool {
	return t.released
}

// Set is an owner of a group of tensors allocated together. If any
// allocation fails, Release frees the ones that succeeded.
type Set struct {
	dev     device.Device
	tensors []*Tensor
}

// NewSet creates an empty tensor set on dev.
func NewSet(dev device.Device) *Set {
	return &Set{dev: dev}
}

// New allocates a tensor owned by the set.
func (s *Set) New(shape Shape) (*Tensor, error) {
	t, err := New(s.dev, shape)
	if err != nil {
		return nil, err
	}
	s.tensors = append(s.tensors, t)
	return t, nil
}

// Len returns the number of tensors in the set.
func (s *Set) Len() int {
	return len(s.tensors)
}

// Release frees every tensor in the set, returning the first error.
func (s *Set) Release() error {
	var first error
	for _, t := range s.tensors {
		if err := t.Release(); err != nil && first == nil {
			first = err
		}
	}
	s.tensors = nil
	return first
}
