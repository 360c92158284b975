// Command capi builds the engine as a C shared library:
//
//	go build -buildmode=c-shared -o seqnet.so ./capi
//
// Factories return a non-zero handle, or 0 on failure. Every other call
// returns a status code, 0 on success. SeqnetLastError copies the message
// of the most recent failure.
package main

/*
#include <stdint.h>
*/
import "C"

import (
	"unsafe"

	"github.com/born-ml/seqnet/engine"
)

func main() {}

func handleOf(h C.int64_t) engine.Handle {
	return engine.Handle(uint64(h)) //nolint:gosec // handles round-trip through int64
}

func created(h engine.Handle, err error) C.int64_t {
	setLastError(err)
	if err != nil {
		return 0
	}
	return C.int64_t(int64(h)) //nolint:gosec // handles round-trip through int64
}

func floats(p *C.float, n C.int) []float32 {
	if p == nil || n <= 0 {
		return nil
	}
	return unsafe.Slice((*float32)(unsafe.Pointer(p)), int(n))
}

//export CreateRMSPropOptimizer
func CreateRMSPropOptimizer(learningRate, momentum, decayRate, weightDecay C.float) C.int64_t {
	return created(eng().CreateRMSPropOptimizer(float32(learningRate), float32(momentum),
		float32(decayRate), float32(weightDecay)), nil)
}

//export CreateSGDOptimizer
func CreateSGDOptimizer(learningRate, momentum C.float) C.int64_t {
	return created(eng().CreateSGDOptimizer(float32(learningRate), float32(momentum)), nil)
}

//export CreateAdamOptimizer
func CreateAdamOptimizer(learningRate C.float) C.int64_t {
	return created(eng().CreateAdamOptimizer(float32(learningRate)), nil)
}

//export DestroyOptimizer
func DestroyOptimizer(optimizer C.int64_t) C.int32_t {
	return C.int32_t(record(eng().DestroyOptimizer(handleOf(optimizer))))
}

//export SetLearningRate
func SetLearningRate(optimizer C.int64_t, learningRate C.float) C.int32_t {
	return C.int32_t(record(eng().SetLearningRate(handleOf(optimizer), float32(learningRate))))
}

//export CreateLayeredNetwork
func CreateLayeredNetwork(inputSize, outputSize, batchSize, seqLen C.int) C.int64_t {
	return created(eng().CreateLayeredNetwork(int(inputSize), int(outputSize), int(batchSize), int(seqLen)))
}

//export DestroyLayeredNetwork
func DestroyLayeredNetwork(network C.int64_t) C.int32_t {
	return C.int32_t(record(eng().DestroyLayeredNetwork(handleOf(network))))
}

//export SetNetworkOptimizer
func SetNetworkOptimizer(network, optimizer C.int64_t) C.int32_t {
	return C.int32_t(record(eng().SetNetworkOptimizer(handleOf(network), handleOf(optimizer))))
}

//export AddNetworkLayer
func AddNetworkLayer(network, layer C.int64_t) C.int32_t {
	return C.int32_t(record(eng().AddNetworkLayer(handleOf(network), handleOf(layer))))
}

//export CreateLinearLayer
func CreateLinearLayer(inputSize, outSize, batchSize, seqLen C.int) C.int64_t {
	return created(eng().CreateLinearLayer(int(inputSize), int(outSize), int(batchSize), int(seqLen)))
}

//export CreateGruLayer
func CreateGruLayer(inputSize, hSize, layers, batchSize, seqLen C.int) C.int64_t {
	return created(eng().CreateGruLayer(int(inputSize), int(hSize), int(layers), int(batchSize), int(seqLen)))
}

//export CreateSoftmaxLayer
func CreateSoftmaxLayer(inSize, batchSize, seqLen C.int) C.int64_t {
	return created(eng().CreateSoftmaxLayer(int(inSize), int(batchSize), int(seqLen)))
}

//export DestroyLayer
func DestroyLayer(layer C.int64_t) C.int32_t {
	return C.int32_t(record(eng().DestroyLayer(handleOf(layer))))
}

// Forward reads inputLen floats laid out [seq, batch, input] and writes
// outputLen floats laid out [seq, batch, output].
//
//export Forward
func Forward(network C.int64_t, input *C.float, inputLen C.int, output *C.float, outputLen C.int) C.int32_t {
	err := forwardInto(eng(), handleOf(network), floats(input, inputLen), floats(output, outputLen))
	return C.int32_t(record(err))
}

//export Backward
func Backward(network C.int64_t, outputGrad *C.float, gradLen C.int) C.int32_t {
	return C.int32_t(record(eng().Backward(handleOf(network), floats(outputGrad, gradLen))))
}

//export Optimize
func Optimize(network C.int64_t) C.int32_t {
	return C.int32_t(record(eng().Step(handleOf(network))))
}

//export ZeroGradients
func ZeroGradients(network C.int64_t) C.int32_t {
	return C.int32_t(record(eng().ZeroGradients(handleOf(network))))
}

//export ClampGradients
func ClampGradients(network C.int64_t, limit C.float) C.int32_t {
	return C.int32_t(record(eng().ClampGradients(handleOf(network), float32(limit))))
}

//export ResetMemory
func ResetMemory(network C.int64_t) C.int32_t {
	return C.int32_t(record(eng().ResetMemory(handleOf(network))))
}

//export SaveWeights
func SaveWeights(network C.int64_t, path *C.char) C.int32_t {
	return C.int32_t(record(eng().SaveWeights(handleOf(network), C.GoString(path))))
}

//export LoadWeights
func LoadWeights(network C.int64_t, path *C.char) C.int32_t {
	return C.int32_t(record(eng().LoadWeights(handleOf(network), C.GoString(path))))
}

// SeqnetLastError copies the last error message, NUL-terminated, into buf
// and returns the full message length.
//
//export SeqnetLastError
func SeqnetLastError(buf *C.char, size C.int) C.int {
	msg := lastErrorMessage()
	if buf != nil && size > 0 {
		dst := unsafe.Slice((*byte)(unsafe.Pointer(buf)), int(size))
		n := copy(dst[:len(dst)-1], msg)
		dst[n] = 0
	}
	return C.int(len(msg))
}
