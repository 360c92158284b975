//go:build !windows

package webgpu

import "github.com/born-ml/seqnet/internal/device"

// New reports ErrUnavailable on platforms without the native backend.
func New() (device.Device, error) {
	return nil, ErrUnavailable
}

// IsAvailable reports whether a WebGPU adapter can be opened.
func IsAvailable() bool {
	return false
}
