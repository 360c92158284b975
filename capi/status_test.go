package main

import (
	"testing"

	"github.com/born-ml/seqnet/engine"
	"github.com/born-ml/seqnet/internal/device"
	"github.com/born-ml/seqnet/internal/nn"
	"github.com/born-ml/seqnet/internal/optim"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStatusOf(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want int32
	}{
		{"nil", nil, statusOK},
		{"shape", errors.Wrap(nn.ErrShapeMismatch, "add"), statusShapeMismatch},
		{"order", nn.ErrOrderViolation, statusOrderViolation},
		{"optimizer", nn.ErrNoOptimizerBound, statusNoOptimizer},
		{"alloc", errors.Wrap(device.ErrAllocationFailure, "gru"), statusAllocationFailure},
		{"handle", errors.Wrap(engine.ErrInvalidHandle, "network"), statusInvalidHandle},
		{"in use", optim.ErrOptimizerInUse, statusOptimizerInUse},
		{"pipeline", nn.ErrIncompletePipeline, statusInvalidArgument},
		{"buffer", errBufferLength, statusInvalidArgument},
		{"other", errors.New("boom"), statusInternal},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, statusOf(tt.err))
		})
	}
}

func TestRecordKeepsLastError(t *testing.T) {
	assert.Equal(t, statusOrderViolation, record(errors.Wrap(nn.ErrOrderViolation, "step")))
	assert.Contains(t, lastErrorMessage(), "step")

	assert.Equal(t, statusOK, record(nil))
	assert.Empty(t, lastErrorMessage())
}

func TestForwardIntoChecksBufferFirst(t *testing.T) {
	e := engine.New(device.NewCPU())
	t.Cleanup(func() { _ = e.Close() })

	net, err := e.CreateLayeredNetwork(2, 2, 1, 1)
	require.NoError(t, err)
	lin, err := e.CreateLinearLayer(2, 2, 1, 1)
	require.NoError(t, err)
	require.NoError(t, e.AddNetworkLayer(net, lin))

	err = forwardInto(e, net, []float32{1, 2}, make([]float32, 3))
	assert.ErrorIs(t, err, errBufferLength)
	assert.Equal(t, statusInvalidArgument, statusOf(err))

	// No forward ran, so backward is still out of order.
	assert.ErrorIs(t, e.Backward(net, []float32{1, 1}), nn.ErrOrderViolation)

	out := make([]float32, 2)
	require.NoError(t, forwardInto(e, net, []float32{1, 2}, out))
	assert.NoError(t, e.Backward(net, []float32{1, 1}))
}
