package optim

import (
	"math"

	"github.com/born-ml/seqnet/internal/device"
	"github.com/born-ml/seqnet/internal/nn"
	"github.com/pkg/errors"
)

// Adam implements the Adam (Adaptive Moment Estimation) optimizer.
//
// Update rule:
//
//	m_t = beta1 * m_{t-1} + (1-beta1) * gradient       // First moment
//	v_t = beta2 * v_{t-1} + (1-beta2) * gradient²      // Second moment
//	m_hat = m_t / (1 - beta1^t)                        // Bias correction
//	v_hat = v_t / (1 - beta2^t)                        // Bias correction
//	param = param - lr * m_hat / (sqrt(v_hat) + eps)  // Parameter update
//
// The timestep t is counted per parameter.
//
// Reference: "Adam: A Method for Stochastic Optimization" (Kingma & Ba, 2014)
type Adam struct {
	binding
	lr      float32
	beta1   float32
	beta2   float32
	eps     float32
	steps   map[*nn.Parameter]int
	moments accumulators // m, v
}

// AdamConfig holds configuration for Adam optimizer.
type AdamConfig struct {
	LR    float32    // Learning rate (default: 0.001)
	Betas [2]float32 // Coefficients for computing running averages (default: [0.9, 0.999])
	Eps   float32    // Term for numerical stability (default: 1e-8)
}

// NewAdam creates a new Adam optimizer.
//
// Default hyperparameters:
//   - LR: 0.001
//   - Beta1: 0.9
//   - Beta2: 0.999
//   - Eps: 1e-8
func NewAdam(config AdamConfig) *Adam {
	if config.LR == 0 {
		config.LR = 0.001
	}
	if config.Betas[0] == 0 {
		config.Betas[0] = 0.9
	}
	if config.Betas[1] == 0 {
		config.Betas[1] = 0.999
	}
	if config.Eps == 0 {
		config.Eps = 1e-8
	}
	return &Adam{
		lr:      config.LR,
		beta1:   config.Betas[0],
		beta2:   config.Betas[1],
		eps:     config.Eps,
		steps:   make(map[*nn.Parameter]int),
		moments: newAccumulators(2),
	}
}

// Optimize updates p in place from its gradient.
func (a *Adam) Optimize(p *nn.Parameter) error {
	acc, err := a.moments.get(p)
	if err != nil {
		return errors.Wrapf(err, "adam moments for %s", p.Name())
	}
	a.steps[p]++
	t := float64(a.steps[p])
	return p.Value().Device().AdamUpdate(device.AdamState{
		LearningRate:    a.lr,
		Beta1:           a.beta1,
		Beta2:           a.beta2,
		Eps:             a.eps,
		BiasCorrection1: float32(1 - math.Pow(float64(a.beta1), t)),
		BiasCorrection2: float32(1 - math.Pow(float64(a.beta2), t)),
		Weight:          p.Value().Buffer(),
		Gradient:        p.Grad().Buffer(),
		M:               acc[0].Buffer(),
		V:               acc[1].Buffer(),
	})
}

// LearningRate returns the current learning rate.
func (a *Adam) LearningRate() float32 { return a.lr }

// SetLearningRate updates the learning rate.
func (a *Adam) SetLearningRate(lr float32) { a.lr = lr }

// Reset drops the moment estimates and timesteps.
func (a *Adam) Reset() error {
	a.steps = make(map[*nn.Parameter]int)
	return a.moments.release()
}

// Release frees the moment buffers. The optimizer stays usable.
func (a *Adam) Release() error { return a.Reset() }
