package main

import (
	"github.com/born-ml/seqnet/internal/device"
	"github.com/born-ml/seqnet/internal/device/webgpu"
)

// newDevice prefers a WebGPU adapter and falls back to the host.
func newDevice() device.Device {
	if dev, err := webgpu.New(); err == nil {
		return dev
	}
	return device.NewCPU()
}
