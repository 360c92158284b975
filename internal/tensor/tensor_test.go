package tensor_test

import (
	"testing"

	"github.com/born-ml/seqnet/internal/device"
	"github.com/born-ml/seqnet/internal/tensor"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestShape(t *testing.T) {
	s := tensor.Seq(4, 2, 3)
	assert.Equal(t, 24, s.NumElements())
	assert.Equal(t, 8, s.Rows())
	assert.Equal(t, 3, s.Cols())
	assert.Equal(t, "[4 2 3]", s.String())
	assert.NoError(t, s.Validate())

	assert.Error(t, tensor.Shape{}.Validate())
	assert.Error(t, tensor.Shape{2, 0}.Validate())

	c := s.Clone()
	c[0] = 9
	assert.False(t, c.Equal(s))
}

func TestTensor_Lifecycle(t *testing.T) {
	dev := device.NewCPU()

	x, err := tensor.FromSlice(dev, []float32{1, 2, 3, 4, 5, 6}, tensor.Seq(3, 1, 2))
	require.NoError(t, err)
	assert.True(t, x.Owned())

	step := x.Step(1)
	assert.False(t, step.Owned())
	assert.Equal(t, []int{1, 2}, []int(step.Shape()))
	data, err := step.Data()
	require.NoError(t, err)
	assert.Equal(t, []float32{3, 4}, data)

	require.NoError(t, step.Zero())
	data, err = x.Data()
	require.NoError(t, err)
	assert.Equal(t, []float32{1, 2, 0, 0, 5, 6}, data)

	// Releasing a view is a no-op; the root is freed exactly once.
	require.NoError(t, step.Release())
	assert.Equal(t, int64(1), dev.Stats().ActiveBuffers)
	require.NoError(t, x.Release())
	require.NoError(t, x.Release())
	assert.True(t, x.Released())
	assert.Equal(t, uint64(1), dev.Stats().TotalFrees)
}

func TestTensor_Errors(t *testing.T) {
	dev := device.NewCPU()

	_, err := tensor.FromSlice(dev, []float32{1, 2, 3}, tensor.Shape{2, 2})
	assert.Error(t, err)

	_, err = tensor.New(dev, tensor.Shape{0, 1})
	assert.Error(t, err)

	x, err := tensor.New(dev, tensor.Shape{2})
	require.NoError(t, err)
	defer x.Release()
	assert.Error(t, x.CopyFrom([]float32{1}))
}

func TestSet_ReleasesAll(t *testing.T) {
	dev := device.NewCPUWithConfig(device.CPUConfig{MemoryLimit: 4 * 10})
	set := tensor.NewSet(dev)

	_, err := set.New(tensor.Shape{4})
	require.NoError(t, err)
	_, err = set.New(tensor.Shape{4})
	require.NoError(t, err)
	_, err = set.New(tensor.Shape{4})
	assert.ErrorIs(t, err, device.ErrAllocationFailure)

	assert.Equal(t, 2, set.Len())
	require.NoError(t, set.Release())
	assert.Equal(t, int64(0), dev.Stats().ActiveBuffers)
}
