// Package train drives a sequence network through repeated
// forward/loss/backward/step iterations.
//
// A Trainer pulls batches from a Dataset, scores the network output with a
// Loss and hands the gradient back to the network. Periodic actions run
// every n iterations or every n epochs:
//   - progress reports (Options.Report, delivered to OnReport and the logger)
//   - recurrent memory resets (Options.ResetMemory)
//   - learning-rate scaling (Options.ScaleLearningRate)
//   - weight checkpoints (Options.Checkpoint)
//
// Run blocks until the context is canceled, Stop is called or MaxEpoch is
// exceeded. Pause and Resume may be called from any goroutine.
package train
