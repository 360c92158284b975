package nn_test

import (
	"math/rand"
	"testing"

	"github.com/born-ml/seqnet/internal/device"
	"github.com/born-ml/seqnet/internal/nn"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newGRU(t *testing.T, dev device.Device, in, hidden, depth, batch, seq int) *nn.GRU {
	t.Helper()
	l, err := nn.NewGRU(dev, in, hidden, depth, batch, seq, nn.WithRand(rand.New(rand.NewSource(3))))
	require.NoError(t, err)
	t.Cleanup(func() { _ = l.Release() })
	return l
}

func TestGRU_Creation(t *testing.T) {
	dev := device.NewCPU()
	l := newGRU(t, dev, 5, 4, 2, 3, 6)

	assert.Equal(t, 5, l.InputSize())
	assert.Equal(t, 4, l.OutputSize())
	assert.Equal(t, 4, l.HiddenSize())
	assert.Equal(t, 2, l.Depth())

	names := make([]string, 0, len(l.Parameters()))
	for _, p := range l.Parameters() {
		names = append(names, p.Name())
	}
	assert.Equal(t, []string{
		"gru.0.wx", "gru.0.wh", "gru.0.bx", "gru.0.bh",
		"gru.1.wx", "gru.1.wh", "gru.1.bx", "gru.1.bh",
	}, names)
	assert.Equal(t, []int{5, 12}, []int(l.Parameters()[0].Shape()))
	assert.Equal(t, []int{4, 12}, []int(l.Parameters()[4].Shape()))
}

func TestGRU_ZeroInputFixedPoint(t *testing.T) {
	dev := device.NewCPU()
	const hidden, seq, batch = 3, 5, 2
	l := newGRU(t, dev, 4, hidden, 1, batch, seq)

	x := seqTensor(t, dev, make([]float32, seq*batch*4), seq, batch, 4)
	y, err := l.Forward(x)
	require.NoError(t, err)
	assert.Equal(t, []int{seq, batch, hidden}, []int(y.Shape()))

	first := hostData(t, y.Step(0))
	for step := 1; step < seq; step++ {
		assert.Equal(t, first, hostData(t, y.Step(step)), "step %d", step)
	}
	assert.InDeltaSlice(t, make([]float32, batch*hidden), first, 1e-7)
}

func TestGRU_Deterministic(t *testing.T) {
	dev := device.NewCPU()
	rng := rand.New(rand.NewSource(11))
	input := randSlice(rng, 4*2*3, 1)

	run := func() []float32 {
		l := newGRU(t, dev, 3, 5, 2, 2, 4)
		y, err := l.Forward(seqTensor(t, dev, input, 4, 2, 3))
		require.NoError(t, err)
		return hostData(t, y)
	}
	assert.Equal(t, run(), run())
}

func TestGRU_BackwardBeforeForward(t *testing.T) {
	dev := device.NewCPU()
	l := newGRU(t, dev, 2, 3, 1, 1, 2)

	_, err := l.Backward(seqTensor(t, dev, make([]float32, 6), 2, 1, 3))
	assert.ErrorIs(t, err, nn.ErrOrderViolation)

	_, err = l.Forward(seqTensor(t, dev, make([]float32, 4), 2, 1, 2))
	require.NoError(t, err)
	dx, err := l.Backward(seqTensor(t, dev, make([]float32, 6), 2, 1, 3))
	require.NoError(t, err)
	assert.Equal(t, []int{2, 1, 2}, []int(dx.Shape()))
}

func TestGRU_CarriesHiddenState(t *testing.T) {
	dev := device.NewCPU()
	l := newGRU(t, dev, 2, 3, 1, 1, 2)
	x := seqTensor(t, dev, []float32{1, -1, 0.5, 2}, 2, 1, 2)

	y, err := l.Forward(x)
	require.NoError(t, err)
	fresh := hostData(t, y)

	y, err = l.Forward(x)
	require.NoError(t, err)
	carried := hostData(t, y)
	assert.NotEqual(t, fresh, carried)

	require.NoError(t, l.ResetState())
	y, err = l.Forward(x)
	require.NoError(t, err)
	assert.Equal(t, fresh, hostData(t, y))
}

func TestGRU_GradientCheck(t *testing.T) {
	tests := []struct {
		name                          string
		in, hidden, depth, batch, seq int
	}{
		{"single depth", 3, 4, 1, 2, 3},
		{"stacked", 2, 3, 2, 2, 4},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			dev := device.NewCPU()
			l := newGRU(t, dev, tt.in, tt.hidden, tt.depth, tt.batch, tt.seq)

			// Non-zero biases so every gate term is exercised.
			rng := rand.New(rand.NewSource(5))
			for _, p := range l.Parameters() {
				require.NoError(t, p.Value().CopyFrom(randSlice(rng, p.Value().NumElements(), 0.5)))
			}
			gradCheck(t, dev, l, rng)
		})
	}
}

func TestGRU_ReleaseAccounting(t *testing.T) {
	dev := device.NewCPU()
	l, err := nn.NewGRU(dev, 3, 4, 3, 2, 5)
	require.NoError(t, err)

	require.NoError(t, l.Release())
	stats := dev.Stats()
	assert.Equal(t, int64(0), stats.ActiveBuffers)
	assert.Equal(t, int64(0), stats.ActiveBytes)
	assert.Equal(t, stats.TotalAllocs, stats.TotalFrees)
}

func TestNewGRU_InvalidDepth(t *testing.T) {
	_, err := nn.NewGRU(device.NewCPU(), 2, 2, 0, 1, 1)
	assert.ErrorIs(t, err, nn.ErrInvalidShape)
}
