package main

import (
	"errors"
	"sync"

	"github.com/born-ml/seqnet/engine"
	"github.com/born-ml/seqnet/internal/device"
	"github.com/born-ml/seqnet/internal/nn"
	"github.com/born-ml/seqnet/internal/optim"
)

var errBufferLength = errors.New("capi: output buffer length does not match network output")

// Status codes returned across the C boundary.
const (
	statusOK int32 = iota
	statusShapeMismatch
	statusOrderViolation
	statusNoOptimizer
	statusAllocationFailure
	statusInvalidHandle
	statusInvalidArgument
	statusOptimizerInUse
	statusInternal = -1
)

// statusOf maps an engine error to its C status code.
func statusOf(err error) int32 {
	switch {
	case err == nil:
		return statusOK
	case errors.Is(err, engine.ErrInvalidHandle):
		return statusInvalidHandle
	case errors.Is(err, nn.ErrShapeMismatch):
		return statusShapeMismatch
	case errors.Is(err, nn.ErrOrderViolation):
		return statusOrderViolation
	case errors.Is(err, nn.ErrNoOptimizerBound):
		return statusNoOptimizer
	case errors.Is(err, device.ErrAllocationFailure):
		return statusAllocationFailure
	case errors.Is(err, optim.ErrOptimizerInUse):
		return statusOptimizerInUse
	case errors.Is(err, nn.ErrInvalidShape),
		errors.Is(err, errBufferLength),
		errors.Is(err, nn.ErrIncompletePipeline),
		errors.Is(err, nn.ErrAlreadyAttached):
		return statusInvalidArgument
	default:
		return statusInternal
	}
}

// forwardInto runs a forward pass and copies the output into dst. The
// length of dst is checked before the network runs, so a bad buffer leaves
// the layers untouched.
func forwardInto(e *engine.Engine, net engine.Handle, input, dst []float32) error {
	n, err := e.OutputLen(net)
	if err != nil {
		return err
	}
	if len(dst) != n {
		return errBufferLength
	}
	y, err := e.Forward(net, input)
	if err != nil {
		return err
	}
	copy(dst, y)
	return nil
}

// lastError holds the message of the most recent failed call.
var lastError struct {
	sync.Mutex
	msg string
}

func setLastError(err error) {
	lastError.Lock()
	defer lastError.Unlock()
	if err == nil {
		lastError.msg = ""
		return
	}
	lastError.msg = err.Error()
}

func lastErrorMessage() string {
	lastError.Lock()
	defer lastError.Unlock()
	return lastError.msg
}

// record stores err as the last error and returns its status code.
func record(err error) int32 {
	setLastError(err)
	return statusOf(err)
}

var (
	engineOnce sync.Once
	defaultEng *engine.Engine
)

// eng returns the process-wide engine, creating it on first use.
func eng() *engine.Engine {
	engineOnce.Do(func() {
		defaultEng = engine.New(newDevice())
	})
	return defaultEng
}
