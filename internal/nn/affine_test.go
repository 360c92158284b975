package nn_test

import (
	"math/rand"
	"testing"

	"github.com/born-ml/seqnet/internal/device"
	"github.com/born-ml/seqnet/internal/nn"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newAffine(t *testing.T, dev device.Device, in, out, batch, seq int) *nn.Affine {
	t.Helper()
	l, err := nn.NewAffine(dev, in, out, batch, seq, nn.WithRand(rand.New(rand.NewSource(1))))
	require.NoError(t, err)
	t.Cleanup(func() { _ = l.Release() })
	return l
}

func TestAffine_Creation(t *testing.T) {
	dev := device.NewCPU()
	l := newAffine(t, dev, 10, 5, 3, 2)

	assert.Equal(t, 10, l.InputSize())
	assert.Equal(t, 5, l.OutputSize())
	assert.Equal(t, 3, l.BatchSize())
	assert.Equal(t, 2, l.SeqLen())
	assert.Equal(t, nn.StateConstructed, l.State())

	require.Len(t, l.Parameters(), 2)
	assert.Equal(t, "affine.weight", l.Weight().Name())
	assert.Equal(t, []int{10, 5}, []int(l.Weight().Shape()))
	assert.Equal(t, []int{1, 5}, []int(l.Bias().Shape()))
	assert.Equal(t, make([]float32, 5), hostData(t, l.Bias().Value()))

	// Xavier bound sqrt(6/15)
	for _, w := range hostData(t, l.Weight().Value()) {
		assert.LessOrEqual(t, w, float32(0.633))
		assert.GreaterOrEqual(t, w, float32(-0.633))
	}
}

func TestAffine_ForwardBackward(t *testing.T) {
	dev := device.NewCPU()
	l := newAffine(t, dev, 2, 2, 2, 1)
	require.NoError(t, l.Weight().Value().CopyFrom([]float32{1, 2, 3, 4}))
	require.NoError(t, l.Bias().Value().CopyFrom([]float32{0.5, -0.5}))

	x := seqTensor(t, dev, []float32{1, 1, 2, 0}, 1, 2, 2)
	y, err := l.Forward(x)
	require.NoError(t, err)
	assert.Equal(t, []int{1, 2, 2}, []int(y.Shape()))
	// [1 1]W = [4 6], [2 0]W = [2 4]
	assert.InDeltaSlice(t, []float32{4.5, 5.5, 2.5, 3.5}, hostData(t, y), 1e-6)
	assert.Equal(t, nn.StateForwardDone, l.State())

	dy := seqTensor(t, dev, []float32{1, 0, 0, 1}, 1, 2, 2)
	dx, err := l.Backward(dy)
	require.NoError(t, err)
	assert.Equal(t, []int{1, 2, 2}, []int(dx.Shape()))
	// dy W^T: [1 0] -> [1 3], [0 1] -> [2 4]
	assert.InDeltaSlice(t, []float32{1, 3, 2, 4}, hostData(t, dx), 1e-6)
	// x^T dy
	assert.InDeltaSlice(t, []float32{1, 2, 1, 0}, hostData(t, l.Weight().Grad()), 1e-6)
	assert.InDeltaSlice(t, []float32{1, 1}, hostData(t, l.Bias().Grad()), 1e-6)
	assert.Equal(t, nn.StateBackwardDone, l.State())
}

func TestAffine_BackwardBeforeForward(t *testing.T) {
	dev := device.NewCPU()
	l := newAffine(t, dev, 3, 2, 1, 1)
	dy := seqTensor(t, dev, []float32{1, 1}, 1, 1, 2)

	_, err := l.Backward(dy)
	assert.ErrorIs(t, err, nn.ErrOrderViolation)

	x := seqTensor(t, dev, []float32{1, 2, 3}, 1, 1, 3)
	_, err = l.Forward(x)
	require.NoError(t, err)
	_, err = l.Backward(dy)
	require.NoError(t, err)

	// A second backward needs a fresh forward.
	_, err = l.Backward(dy)
	assert.ErrorIs(t, err, nn.ErrOrderViolation)
}

func TestAffine_ShapeChecks(t *testing.T) {
	dev := device.NewCPU()
	l := newAffine(t, dev, 3, 2, 1, 1)

	_, err := l.Forward(seqTensor(t, dev, []float32{1, 2}, 1, 1, 2))
	assert.ErrorIs(t, err, nn.ErrInvalidShape)

	_, err = l.Forward(seqTensor(t, dev, []float32{1, 2, 3}, 1, 1, 3))
	require.NoError(t, err)
	_, err = l.Backward(seqTensor(t, dev, []float32{1, 2, 3}, 1, 1, 3))
	assert.ErrorIs(t, err, nn.ErrInvalidShape)
}

func TestAffine_GradientsAccumulate(t *testing.T) {
	dev := device.NewCPU()
	l := newAffine(t, dev, 2, 1, 1, 1)

	run := func(x, dy []float32) {
		_, err := l.Forward(seqTensor(t, dev, x, 1, 1, 2))
		require.NoError(t, err)
		_, err = l.Backward(seqTensor(t, dev, dy, 1, 1, 1))
		require.NoError(t, err)
	}

	run([]float32{1, 2}, []float32{1})
	first := hostData(t, l.Weight().Grad())
	assert.InDeltaSlice(t, []float32{1, 2}, first, 1e-6)

	run([]float32{3, -1}, []float32{2})
	// Sum of [1 2] and 2*[3 -1]
	assert.InDeltaSlice(t, []float32{7, 0}, hostData(t, l.Weight().Grad()), 1e-6)
	assert.InDeltaSlice(t, []float32{3}, hostData(t, l.Bias().Grad()), 1e-6)

	require.NoError(t, l.ZeroGrad())
	assert.Equal(t, []float32{0, 0}, hostData(t, l.Weight().Grad()))
	assert.Equal(t, nn.StateGradientsZeroed, l.State())
}

func TestAffine_GradientCheck(t *testing.T) {
	dev := device.NewCPU()
	gradCheck(t, dev, newAffine(t, dev, 3, 4, 2, 3), rand.New(rand.NewSource(7)))
}

func TestAffine_ReleaseAccounting(t *testing.T) {
	dev := device.NewCPU()
	l, err := nn.NewAffine(dev, 4, 3, 2, 2)
	require.NoError(t, err)
	assert.Positive(t, dev.Stats().ActiveBuffers)

	require.NoError(t, l.Release())
	require.NoError(t, l.Release())
	stats := dev.Stats()
	assert.Equal(t, int64(0), stats.ActiveBuffers)
	assert.Equal(t, stats.TotalAllocs, stats.TotalFrees)

	_, err = l.Forward(nil)
	assert.ErrorIs(t, err, nn.ErrReleased)
}

func TestAffine_AllocationFailure(t *testing.T) {
	dev := device.NewCPUWithConfig(device.CPUConfig{MemoryLimit: 4 * 30})

	_, err := nn.NewAffine(dev, 4, 4, 2, 2)
	assert.ErrorIs(t, err, device.ErrAllocationFailure)

	stats := dev.Stats()
	assert.Equal(t, int64(0), stats.ActiveBuffers)
	assert.Equal(t, stats.TotalAllocs, stats.TotalFrees)
}

func TestNewAffine_InvalidSizes(t *testing.T) {
	_, err := nn.NewAffine(device.NewCPU(), 0, 2, 1, 1)
	assert.ErrorIs(t, err, nn.ErrInvalidShape)
}
