package nn_test

import (
	"math/rand"
	"path/filepath"
	"testing"

	"github.com/born-ml/seqnet/internal/device"
	"github.com/born-ml/seqnet/internal/nn"
	"github.com/born-ml/seqnet/internal/optim"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newNetwork(t *testing.T, dev device.Device, in, out, batch, seq int) *nn.Network {
	t.Helper()
	net, err := nn.NewNetwork(dev, in, out, batch, seq)
	require.NoError(t, err)
	t.Cleanup(func() { _ = net.Release() })
	return net
}

func TestNetwork_AddLayerShapeChain(t *testing.T) {
	tests := []struct {
		name    string
		sizes   [][2]int // in, out per affine layer
		wantErr bool
	}{
		{"single", [][2]int{{4, 2}}, false},
		{"chain", [][2]int{{4, 8}, {8, 3}, {3, 2}}, false},
		{"first mismatch", [][2]int{{5, 2}}, true},
		{"middle mismatch", [][2]int{{4, 8}, {7, 2}}, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			dev := device.NewCPU()
			net := newNetwork(t, dev, 4, 2, 1, 1)

			var err error
			for _, s := range tt.sizes {
				l := newAffine(t, dev, s[0], s[1], 1, 1)
				before := len(net.Layers())
				if err = net.AddLayer(l); err != nil {
					assert.Len(t, net.Layers(), before)
					break
				}
			}
			if tt.wantErr {
				assert.ErrorIs(t, err, nn.ErrShapeMismatch)
			} else {
				assert.NoError(t, err)
				assert.Len(t, net.Layers(), len(tt.sizes))
			}
		})
	}
}

func TestNetwork_AddLayerBatchMismatch(t *testing.T) {
	dev := device.NewCPU()
	net := newNetwork(t, dev, 4, 2, 2, 3)

	assert.ErrorIs(t, net.AddLayer(newAffine(t, dev, 4, 2, 1, 3)), nn.ErrShapeMismatch)
	assert.ErrorIs(t, net.AddLayer(newAffine(t, dev, 4, 2, 2, 1)), nn.ErrShapeMismatch)
	assert.Empty(t, net.Layers())
}

func TestNetwork_LayerOwnership(t *testing.T) {
	dev := device.NewCPU()
	a := newNetwork(t, dev, 3, 3, 1, 1)
	b := newNetwork(t, dev, 3, 3, 1, 1)

	l, err := nn.NewSoftmax(dev, 3, 1, 1)
	require.NoError(t, err)
	require.NoError(t, a.AddLayer(l))

	assert.ErrorIs(t, b.AddLayer(l), nn.ErrAlreadyAttached)
	assert.ErrorIs(t, l.Release(), nn.ErrAlreadyAttached)
}

func TestNetwork_StepWithoutOptimizer(t *testing.T) {
	dev := device.NewCPU()
	net := newNetwork(t, dev, 4, 2, 1, 1)
	l, err := nn.NewAffine(dev, 4, 2, 1, 1)
	require.NoError(t, err)
	require.NoError(t, net.AddLayer(l))

	_, err = net.ForwardHost([]float32{1, 2, 3, 4})
	require.NoError(t, err)
	require.NoError(t, net.BackwardHost([]float32{1, 1}))

	before := hostData(t, l.Weight().Value())
	assert.ErrorIs(t, net.Step(), nn.ErrNoOptimizerBound)
	assert.Equal(t, before, hostData(t, l.Weight().Value()))
	assert.Equal(t, make([]float32, 2), hostData(t, l.Bias().Value()))
}

func TestNetwork_OrderViolations(t *testing.T) {
	dev := device.NewCPU()
	net := newNetwork(t, dev, 2, 2, 1, 1)
	require.NoError(t, net.AddLayer(newAffineDetached(t, dev, 2, 2)))
	require.NoError(t, net.SetOptimizer(optim.NewSGD(optim.SGDConfig{LR: 0.1})))

	assert.ErrorIs(t, net.BackwardHost([]float32{1, 1}), nn.ErrOrderViolation)

	_, err := net.ForwardHost([]float32{1, 1})
	require.NoError(t, err)
	assert.ErrorIs(t, net.Step(), nn.ErrOrderViolation)

	require.NoError(t, net.BackwardHost([]float32{1, 1}))
	require.NoError(t, net.Step())
	assert.ErrorIs(t, net.Step(), nn.ErrOrderViolation)

	// The pipeline is frozen once training started.
	assert.ErrorIs(t, net.AddLayer(newAffineDetached(t, dev, 2, 2)), nn.ErrOrderViolation)
}

func newAffineDetached(t *testing.T, dev device.Device, in, out int) *nn.Affine {
	t.Helper()
	l, err := nn.NewAffine(dev, in, out, 1, 1, nn.WithRand(rand.New(rand.NewSource(1))))
	require.NoError(t, err)
	return l
}

func TestNetwork_IncompletePipeline(t *testing.T) {
	dev := device.NewCPU()
	net := newNetwork(t, dev, 4, 2, 1, 1)

	_, err := net.ForwardHost(make([]float32, 4))
	assert.ErrorIs(t, err, nn.ErrIncompletePipeline)

	require.NoError(t, net.AddLayer(newAffineDetached(t, dev, 4, 3)))
	_, err = net.ForwardHost(make([]float32, 4))
	assert.ErrorIs(t, err, nn.ErrIncompletePipeline)

	_, err = net.ForwardHost(make([]float32, 3))
	assert.ErrorIs(t, err, nn.ErrInvalidShape)
}

// A zero batch through Affine(4,2) yields the bias; one SGD step with a
// ones gradient lowers the bias by exactly lr and leaves W alone.
func TestNetwork_AffineZeroInputScenario(t *testing.T) {
	dev := device.NewCPU()
	net := newNetwork(t, dev, 4, 2, 1, 1)
	l := newAffineDetached(t, dev, 4, 2)
	require.NoError(t, l.Bias().Value().CopyFrom([]float32{0.25, -0.75}))
	require.NoError(t, net.AddLayer(l))
	require.NoError(t, net.SetOptimizer(optim.NewSGD(optim.SGDConfig{LR: 0.1})))

	weights := hostData(t, l.Weight().Value())

	out, err := net.ForwardHost(make([]float32, 4))
	require.NoError(t, err)
	assert.Equal(t, []float32{0.25, -0.75}, out)

	require.NoError(t, net.BackwardHost([]float32{1, 1}))
	assert.Equal(t, []float32{1, 1}, hostData(t, l.Bias().Grad()))
	assert.Equal(t, make([]float32, 8), hostData(t, l.Weight().Grad()))

	require.NoError(t, net.Step())
	assert.InDeltaSlice(t, []float32{0.15, -0.85}, hostData(t, l.Bias().Value()), 1e-7)
	assert.Equal(t, weights, hostData(t, l.Weight().Value()))
}

func TestNetwork_GradientsClearedAfterStep(t *testing.T) {
	dev := device.NewCPU()
	net := newNetwork(t, dev, 2, 1, 1, 1)
	l := newAffineDetached(t, dev, 2, 1)
	require.NoError(t, net.AddLayer(l))
	require.NoError(t, net.SetOptimizer(optim.NewSGD(optim.SGDConfig{LR: 0.1})))

	cycle := func() {
		_, err := net.ForwardHost([]float32{1, 1})
		require.NoError(t, err)
		require.NoError(t, net.BackwardHost([]float32{1}))
	}

	cycle()
	cycle()
	assert.Equal(t, []float32{2}, hostData(t, l.Bias().Grad()))

	require.NoError(t, net.Step())
	cycle()
	assert.Equal(t, []float32{1}, hostData(t, l.Bias().Grad()))
}

func TestNetwork_SetOptimizer(t *testing.T) {
	dev := device.NewCPU()
	a := newNetwork(t, dev, 2, 2, 1, 1)
	b := newNetwork(t, dev, 2, 2, 1, 1)
	opt := optim.NewRMSProp(optim.RMSPropConfig{})
	other := optim.NewSGD(optim.SGDConfig{})

	require.NoError(t, a.SetOptimizer(opt))
	assert.ErrorIs(t, b.SetOptimizer(opt), optim.ErrOptimizerInUse)

	// Rebinding releases the previous optimizer for other networks.
	require.NoError(t, a.SetOptimizer(other))
	require.NoError(t, b.SetOptimizer(opt))
	assert.Same(t, opt, b.Optimizer())
}

func TestNetwork_TrainsGRUPipeline(t *testing.T) {
	dev := device.NewCPU()
	const in, hidden, out, batch, seq = 3, 6, 3, 2, 4
	net := newNetwork(t, dev, in, out, batch, seq)

	rng := rand.New(rand.NewSource(42))
	gru, err := nn.NewGRU(dev, in, hidden, 2, batch, seq, nn.WithRand(rng))
	require.NoError(t, err)
	aff, err := nn.NewAffine(dev, hidden, out, batch, seq, nn.WithRand(rng))
	require.NoError(t, err)
	require.NoError(t, net.AddLayer(gru))
	require.NoError(t, net.AddLayer(aff))

	opt := optim.NewAdam(optim.AdamConfig{LR: 0.02})
	defer opt.Release()
	require.NoError(t, net.SetOptimizer(opt))

	x := randSlice(rng, seq*batch*in, 1)
	target := randSlice(rng, seq*batch*out, 0.5)
	loss := func() (float64, []float32) {
		require.NoError(t, net.ResetState())
		y, err := net.ForwardHost(x)
		require.NoError(t, err)
		grad := make([]float32, len(y))
		var l float64
		for i := range y {
			d := y[i] - target[i]
			grad[i] = d
			l += 0.5 * float64(d*d)
		}
		return l, grad
	}

	first, _ := loss()
	for i := 0; i < 150; i++ {
		_, grad := loss()
		require.NoError(t, net.BackwardHost(grad))
		require.NoError(t, net.Step())
	}
	last, _ := loss()
	assert.Less(t, last, first/2)
}

func TestNetwork_ReleaseAccounting(t *testing.T) {
	dev := device.NewCPU()
	baseline := dev.Stats()

	net, err := nn.NewNetwork(dev, 3, 3, 2, 2)
	require.NoError(t, err)
	gru, err := nn.NewGRU(dev, 3, 4, 2, 2, 2)
	require.NoError(t, err)
	aff, err := nn.NewAffine(dev, 4, 3, 2, 2)
	require.NoError(t, err)
	sm, err := nn.NewSoftmax(dev, 3, 2, 2)
	require.NoError(t, err)
	for _, l := range []nn.Layer{gru, aff, sm} {
		require.NoError(t, net.AddLayer(l))
	}

	opt := optim.NewRMSProp(optim.RMSPropConfig{})
	require.NoError(t, net.SetOptimizer(opt))
	_, err = net.ForwardHost(make([]float32, 12))
	require.NoError(t, err)
	require.NoError(t, net.BackwardHost(make([]float32, 12)))
	require.NoError(t, net.Step())

	require.NoError(t, net.Release())
	require.NoError(t, net.Release())

	// Only optimizer state is left: three accumulators per parameter.
	assert.Equal(t, baseline.ActiveBuffers+int64(3*opt.StateSize()), dev.Stats().ActiveBuffers)
	assert.False(t, opt.Bound())

	require.NoError(t, opt.Release())
	stats := dev.Stats()
	assert.Equal(t, baseline.ActiveBuffers, stats.ActiveBuffers)
	assert.Equal(t, baseline.ActiveBytes, stats.ActiveBytes)
	assert.Equal(t, stats.TotalAllocs, stats.TotalFrees)

	_, err = net.ForwardHost(make([]float32, 12))
	assert.ErrorIs(t, err, nn.ErrReleased)
}

func TestNetwork_CheckpointRoundTrip(t *testing.T) {
	dev := device.NewCPU()
	build := func(seed int64) *nn.Network {
		net := newNetwork(t, dev, 2, 3, 1, 2)
		rng := rand.New(rand.NewSource(seed))
		gru, err := nn.NewGRU(dev, 2, 3, 1, 1, 2, nn.WithRand(rng))
		require.NoError(t, err)
		aff, err := nn.NewAffine(dev, 3, 3, 1, 2, nn.WithRand(rng))
		require.NoError(t, err)
		require.NoError(t, net.AddLayer(gru))
		require.NoError(t, net.AddLayer(aff))
		return net
	}

	src := build(1)
	path := filepath.Join(t.TempDir(), "ckpt.safetensors")
	require.NoError(t, src.SaveCheckpoint(path, nn.Checkpoint{
		Epoch: 3, Iteration: 120, Loss: 0.5,
		Metadata: map[string]string{"corpus": "tiny"},
	}))

	dst := build(2)
	ckpt, err := dst.LoadCheckpoint(path)
	require.NoError(t, err)
	assert.Equal(t, 3, ckpt.Epoch)
	assert.Equal(t, int64(120), ckpt.Iteration)
	assert.InDelta(t, 0.5, ckpt.Loss, 1e-12)
	assert.Equal(t, map[string]string{"corpus": "tiny"}, ckpt.Metadata)

	x := []float32{1, -1, 0.5, 0.25}
	want, err := src.ForwardHost(x)
	require.NoError(t, err)
	got, err := dst.ForwardHost(x)
	require.NoError(t, err)
	assert.Equal(t, want, got)

	wrong := newNetwork(t, dev, 2, 3, 1, 2)
	require.NoError(t, wrong.AddLayer(newAffineSeq(t, dev, 2, 3, 2)))
	_, err = wrong.LoadCheckpoint(path)
	assert.Error(t, err)
}

func TestNetwork_ClampGradients(t *testing.T) {
	dev := device.NewCPU()
	net := newNetwork(t, dev, 2, 2, 1, 1)
	aff := newAffineSeq(t, dev, 2, 2, 1)
	require.NoError(t, net.AddLayer(aff))

	_, err := net.ForwardHost([]float32{4, -3})
	require.NoError(t, err)
	require.NoError(t, net.BackwardHost([]float32{2, -0.5}))
	require.NoError(t, net.ClampGradients(1))

	for _, p := range net.Parameters() {
		for _, g := range hostData(t, p.Grad()) {
			assert.LessOrEqual(t, g, float32(1))
			assert.GreaterOrEqual(t, g, float32(-1))
		}
	}
	// dW = x^T dy = [[8, -2], [-6, 1.5]], db = [2, -0.5]
	assert.Equal(t, []float32{1, -1, -1, 1}, hostData(t, net.Parameters()[0].Grad()))
	assert.Equal(t, []float32{1, -0.5}, hostData(t, net.Parameters()[1].Grad()))

	assert.Error(t, net.ClampGradients(0))
}

func TestNetwork_RejectedLoadKeepsWeights(t *testing.T) {
	dev := device.NewCPU()
	rng := rand.New(rand.NewSource(7))

	src := newNetwork(t, dev, 2, 3, 1, 2)
	gru, err := nn.NewGRU(dev, 2, 3, 1, 1, 2, nn.WithRand(rng))
	require.NoError(t, err)
	require.NoError(t, src.AddLayer(gru))
	require.NoError(t, src.AddLayer(newAffineSeq(t, dev, 3, 3, 2)))
	path := filepath.Join(t.TempDir(), "ckpt.safetensors")
	require.NoError(t, src.SaveCheckpoint(path, nn.Checkpoint{}))

	// Layer 0 matches the file, layer 1 does not.
	dst := newNetwork(t, dev, 2, 3, 1, 2)
	gru2, err := nn.NewGRU(dev, 2, 3, 1, 1, 2, nn.WithRand(rand.New(rand.NewSource(8))))
	require.NoError(t, err)
	require.NoError(t, dst.AddLayer(gru2))
	require.NoError(t, dst.AddLayer(newAffineSeq(t, dev, 3, 5, 2)))
	require.NoError(t, dst.AddLayer(newAffineSeq(t, dev, 5, 3, 2)))

	before, err := dst.StateDict()
	require.NoError(t, err)

	_, err = dst.LoadCheckpoint(path)
	require.ErrorIs(t, err, nn.ErrInvalidShape)
	assert.NotErrorIs(t, err, nn.ErrShapeMismatch)

	after, err := dst.StateDict()
	require.NoError(t, err)
	assert.Equal(t, before, after)
}

func TestNetwork_LoadStateDictExtraEntries(t *testing.T) {
	dev := device.NewCPU()
	net := newNetwork(t, dev, 2, 3, 1, 2)
	require.NoError(t, net.AddLayer(newAffineSeq(t, dev, 2, 3, 2)))

	sd, err := net.StateDict()
	require.NoError(t, err)
	sd["9.extra"] = sd["0.affine.bias"]
	assert.ErrorIs(t, net.LoadStateDict(sd), nn.ErrInvalidShape)
}

func newAffineSeq(t *testing.T, dev device.Device, in, out, seq int) *nn.Affine {
	t.Helper()
	l, err := nn.NewAffine(dev, in, out, 1, seq)
	require.NoError(t, err)
	return l
}
