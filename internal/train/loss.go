package train

import (
	"math"

	"github.com/pkg/errors"
)

// probFloor keeps log and division finite for saturated softmax outputs.
const probFloor = 1e-12

// Loss scores network output against a target and returns the gradient
// with respect to the output. Targets that are NaN are skipped and get a
// zero gradient.
type Loss interface {
	Name() string

	// Evaluate compares y and target, both [rows, cols], and returns the
	// loss and dL/dy.
	Evaluate(y, target []float32, rows, cols int) (float64, []float32, error)
}

func checkLossShape(y, target []float32, rows, cols int) error {
	if rows <= 0 || cols <= 0 || len(y) != rows*cols || len(target) != rows*cols {
		return errors.Errorf("train: loss operands %d and %d do not match [%d %d]", len(y), len(target), rows, cols)
	}
	return nil
}

// CrossEntropy is the categorical cross-entropy over softmax outputs,
// averaged over rows.
type CrossEntropy struct{}

// Name returns "cross_entropy".
func (CrossEntropy) Name() string { return "cross_entropy" }

// Evaluate returns -sum(t*log(y))/rows and the gradient -t/(y*rows).
func (CrossEntropy) Evaluate(y, target []float32, rows, cols int) (float64, []float32, error) {
	if err := checkLossShape(y, target, rows, cols); err != nil {
		return 0, nil, err
	}
	grad := make([]float32, len(y))
	var sum float64
	scale := 1 / float64(rows)
	for i, t := range target {
		if math.IsNaN(float64(t)) || t == 0 {
			continue
		}
		p := math.Max(float64(y[i]), probFloor)
		sum += float64(t) * math.Log(p)
		grad[i] = float32(-float64(t) / p * scale)
	}
	return -sum * scale, grad, nil
}

// MeanSquare is half the mean squared error over non-NaN targets.
type MeanSquare struct{}

// Name returns "mean_square".
func (MeanSquare) Name() string { return "mean_square" }

// Evaluate returns 0.5*sum((t-y)^2)/n and the gradient (y-t)/rows.
func (MeanSquare) Evaluate(y, target []float32, rows, cols int) (float64, []float32, error) {
	if err := checkLossShape(y, target, rows, cols); err != nil {
		return 0, nil, err
	}
	grad := make([]float32, len(y))
	var sum float64
	n := 0
	for i, t := range target {
		if math.IsNaN(float64(t)) {
			continue
		}
		d := float64(y[i]) - float64(t)
		sum += d * d
		n++
		grad[i] = float32(d / float64(rows))
	}
	if n == 0 {
		return 0, grad, nil
	}
	return 0.5 * sum / float64(n), grad, nil
}

// LossByName returns the loss registered under name.
func LossByName(name string) (Loss, error) {
	switch name {
	case "", "cross_entropy":
		return CrossEntropy{}, nil
	case "mean_square":
		return MeanSquare{}, nil
	default:
		return nil, errors.Errorf("train: unknown loss %q", name)
	}
}
