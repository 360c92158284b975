// Package handle provides an arena of opaque handles for values that cross
// a C-style boundary.
//
// A Handle packs a slot index, the slot's generation and the arena's tag.
// Removing a value bumps the generation, so a stale handle is detected
// instead of aliasing whatever value reuses the slot; the tag rejects a
// handle issued by a different arena. The zero Handle is never valid.
//
//	bits 63..56  tag
//	bits 55..32  generation (never 0)
//	bits 31..0   slot index
package handle

import (
	"errors"
	"sync"
)

// ErrInvalid is returned for handles that were never issued or whose value
// was removed.
var ErrInvalid = errors.New("handle: invalid or released handle")

// Handle is an opaque reference to a value in an Arena.
type Handle uint64

const genMask = 1<<24 - 1

func makeHandle(tag uint8, index, gen uint32) Handle {
	return Handle(uint64(tag)<<56 | uint64(gen&genMask)<<32 | uint64(index))
}

//nolint:gosec // G115: intentional truncation to the packed fields
func (h Handle) split() (tag uint8, index, gen uint32) {
	return uint8(h >> 56), uint32(h), uint32(h>>32) & genMask
}

type slot[T any] struct {
	gen  uint32
	used bool
	val  T
}

// Arena stores values addressed by Handle. It is safe for concurrent use.
// The zero Arena is ready to use with tag 0.
type Arena[T any] struct {
	mu    sync.Mutex
	tag   uint8
	slots []slot[T]
	free  []uint32
}

// NewArena returns an arena whose handles carry tag.
func NewArena[T any](tag uint8) *Arena[T] {
	return &Arena[T]{tag: tag}
}

// Insert stores v and returns its handle.
func (a *Arena[T]) Insert(v T) Handle {
	a.mu.Lock()
	defer a.mu.Unlock()

	var idx uint32
	if n := len(a.free); n > 0 {
		idx = a.free[n-1]
		a.free = a.free[:n-1]
	} else {
		idx = uint32(len(a.slots)) //nolint:gosec // G115: arena size stays far below 2^32
		a.slots = append(a.slots, slot[T]{})
	}
	s := &a.slots[idx]
	s.gen = (s.gen + 1) & genMask
	if s.gen == 0 {
		s.gen = 1
	}
	s.used = true
	s.val = v
	return makeHandle(a.tag, idx, s.gen)
}

// Get returns the value for h.
func (a *Arena[T]) Get(h Handle) (T, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	s, err := a.lookup(h)
	if err != nil {
		var zero T
		return zero, err
	}
	return s.val, nil
}

// Remove invalidates h and returns its value.
func (a *Arena[T]) Remove(h Handle) (T, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	var zero T
	s, err := a.lookup(h)
	if err != nil {
		return zero, err
	}
	v := s.val
	s.val = zero
	s.used = false
	_, idx, _ := h.split()
	a.free = append(a.free, idx)
	return v, nil
}

// Drain removes every live value and returns them in slot order.
// All outstanding handles become invalid.
func (a *Arena[T]) Drain() []T {
	a.mu.Lock()
	defer a.mu.Unlock()

	var zero T
	var out []T
	a.free = a.free[:0]
	for i := range a.slots {
		s := &a.slots[i]
		if s.used {
			out = append(out, s.val)
			s.val = zero
			s.used = false
		}
		a.free = append(a.free, uint32(i)) //nolint:gosec // G115: arena size stays far below 2^32
	}
	return out
}

// Len returns the number of live values.
func (a *Arena[T]) Len() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.slots) - len(a.free)
}

func (a *Arena[T]) lookup(h Handle) (*slot[T], error) {
	tag, idx, gen := h.split()
	if tag != a.tag || int(idx) >= len(a.slots) {
		return nil, ErrInvalid
	}
	s := &a.slots[idx]
	if !s.used || s.gen != gen {
		return nil, ErrInvalid
	}
	return s, nil
}
