// Package webgpu implements device.Device with WebGPU compute shaders.
//
// Buffers are root GPU allocations; views bind an aligned range of their
// root and pass the remaining element offset to the shader in a uniform
// block. Kernels are recorded into one command encoder and submitted in
// order on Synchronize, Download or when the batch limit is reached.
//
// The native backend is built on Windows only. Elsewhere New reports
// ErrUnavailable and callers fall back to device.NewCPU.
package webgpu

import "errors"

// ErrUnavailable is returned when no WebGPU adapter can be opened.
var ErrUnavailable = errors.New("webgpu: not available")
