package nn_test

import (
	"math"
	"math/rand"
	"testing"

	"github.com/born-ml/seqnet/internal/device"
	"github.com/born-ml/seqnet/internal/nn"
	"github.com/born-ml/seqnet/internal/tensor"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func seqTensor(t *testing.T, dev device.Device, data []float32, seq, batch, features int) *tensor.Tensor {
	t.Helper()
	x, err := tensor.FromSlice(dev, data, tensor.Seq(seq, batch, features))
	require.NoError(t, err)
	t.Cleanup(func() { _ = x.Release() })
	return x
}

func hostData(t *testing.T, x *tensor.Tensor) []float32 {
	t.Helper()
	data, err := x.Data()
	require.NoError(t, err)
	return data
}

func randSlice(rng *rand.Rand, n int, scale float32) []float32 {
	out := make([]float32, n)
	for i := range out {
		out[i] = (rng.Float32()*2 - 1) * scale
	}
	return out
}

// gradCheck compares the analytic gradients of l against central finite
// differences of the scalar loss sum(c * forward(x)).
func gradCheck(t *testing.T, dev device.Device, l nn.Layer, rng *rand.Rand) {
	t.Helper()
	const (
		eps = 5e-3
		tol = 2e-2
	)
	seq, batch := l.SeqLen(), l.BatchSize()
	x := seqTensor(t, dev, randSlice(rng, seq*batch*l.InputSize(), 1), seq, batch, l.InputSize())
	coeff := randSlice(rng, seq*batch*l.OutputSize(), 1)
	c := seqTensor(t, dev, coeff, seq, batch, l.OutputSize())

	loss := func() float64 {
		require.NoError(t, l.ResetState())
		y, err := l.Forward(x)
		require.NoError(t, err)
		var s float64
		for i, v := range hostData(t, y) {
			s += float64(coeff[i]) * float64(v)
		}
		return s
	}

	require.NoError(t, l.ZeroGrad())
	loss()
	dx, err := l.Backward(c)
	require.NoError(t, err)
	analyticX := hostData(t, dx)

	numeric := func(target *tensor.Tensor, i int) float64 {
		data := hostData(t, target)
		orig := data[i]
		data[i] = orig + eps
		require.NoError(t, target.CopyFrom(data))
		plus := loss()
		data[i] = orig - eps
		require.NoError(t, target.CopyFrom(data))
		minus := loss()
		data[i] = orig
		require.NoError(t, target.CopyFrom(data))
		return (plus - minus) / (2 * eps)
	}

	for i, g := range analyticX {
		assert.InDelta(t, numeric(x, i), float64(g), tol, "input grad %d", i)
	}
	for _, p := range l.Parameters() {
		analytic := hostData(t, p.Grad())
		for i, g := range analytic {
			want := numeric(p.Value(), i)
			assert.InDelta(t, want, float64(g), tol*math.Max(1, math.Abs(want)), "%s grad %d", p.Name(), i)
		}
	}
}
