//go:build windows

package webgpu

import (
	"testing"

	"github.com/born-ml/seqnet/internal/device"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestDevice(t *testing.T) device.Device {
	t.Helper()
	if !IsAvailable() {
		t.Skip("WebGPU not available")
	}
	dev, err := New()
	require.NoError(t, err)
	t.Cleanup(func() { _ = dev.Close() })
	return dev
}

func upload(t *testing.T, dev device.Device, data []float32) device.Buffer {
	t.Helper()
	buf, err := dev.Alloc(len(data))
	require.NoError(t, err)
	require.NoError(t, dev.Upload(buf, data))
	return buf
}

func download(t *testing.T, dev device.Device, buf device.Buffer) []float32 {
	t.Helper()
	out := make([]float32, buf.Len())
	require.NoError(t, dev.Download(buf, out))
	return out
}

func TestDevice_MatchesCPU(t *testing.T) {
	gpu := newTestDevice(t)
	cpu := device.NewCPU()

	a := []float32{1, 2, 3, 4, 5, 6}
	b := []float32{1, 0, 0, 1, 1, 1}

	for _, dev := range []device.Device{gpu, cpu} {
		ab, bb := upload(t, dev, a), upload(t, dev, b)
		c, err := dev.Alloc(4)
		require.NoError(t, err)
		require.NoError(t, dev.Gemm(false, false, 2, 2, 3, 1, ab, bb, 0, c))
		assert.InDeltaSlice(t, []float32{4, 5, 10, 11}, download(t, dev, c), 1e-5, dev.Name())

		y, err := dev.Alloc(6)
		require.NoError(t, err)
		require.NoError(t, dev.Softmax(ab, y, 2, 3))
		got := download(t, dev, y)
		assert.InDelta(t, 1, got[0]+got[1]+got[2], 1e-5, dev.Name())

		require.NoError(t, dev.Clamp(ab.View(1, 4), 2.5, 4.5))
		assert.Equal(t, []float32{1, 2.5, 3, 4, 4.5, 6}, download(t, dev, ab), dev.Name())
	}
}

func TestDevice_ViewOffsets(t *testing.T) {
	dev := newTestDevice(t)
	buf := upload(t, dev, []float32{1, 2, 3, 4, 5, 6})

	require.NoError(t, dev.Fill(buf.View(2, 3), 9))
	assert.Equal(t, []float32{1, 2, 9, 9, 9, 6}, download(t, dev, buf))

	require.NoError(t, dev.Copy(buf.View(0, 2), buf.View(4, 2)))
	assert.Equal(t, []float32{9, 6, 9, 9, 9, 6}, download(t, dev, buf))
}

func TestDevice_Accounting(t *testing.T) {
	dev := newTestDevice(t)
	buf, err := dev.Alloc(16)
	require.NoError(t, err)
	assert.Equal(t, int64(1), dev.Stats().ActiveBuffers)
	require.NoError(t, dev.Free(buf))
	assert.ErrorIs(t, dev.Free(buf), device.ErrDoubleFree)
	assert.Equal(t, int64(0), dev.Stats().ActiveBuffers)
}
