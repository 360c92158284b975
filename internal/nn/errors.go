package nn

import "errors"

// Common errors.
var (
	// ErrShapeMismatch is returned by AddLayer when a layer does not chain
	// onto the network's declared sizes or the previous layer's output.
	ErrShapeMismatch = errors.New("nn: shape mismatch")

	// ErrOrderViolation is returned when Backward runs without a matching
	// Forward, or Step runs without a Backward since the last Step.
	ErrOrderViolation = errors.New("nn: order violation")

	// ErrNoOptimizerBound is returned by Step when no optimizer is set.
	ErrNoOptimizerBound = errors.New("nn: no optimizer bound")

	// ErrInvalidShape is returned when a tensor passed to Forward or
	// Backward does not have the layer's declared shape.
	ErrInvalidShape = errors.New("nn: invalid tensor shape")

	// ErrIncompletePipeline is returned by Forward when the last layer does
	// not produce the network's declared output size.
	ErrIncompletePipeline = errors.New("nn: incomplete pipeline")

	// ErrAlreadyAttached is returned when a layer is added to a second
	// network or released directly while a network owns it.
	ErrAlreadyAttached = errors.New("nn: layer already attached to a network")

	// ErrReleased is returned by operations on a released layer or network.
	ErrReleased = errors.New("nn: use after release")
)
