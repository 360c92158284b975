package train

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/born-ml/seqnet/internal/nn"
	"github.com/google/uuid"
	"github.com/pkg/errors"
)

// ErrAlreadyTraining is returned by Run while another Run is active.
var ErrAlreadyTraining = errors.New("train: already training")

// Network is the part of nn.Network the trainer drives.
type Network interface {
	ForwardHost(batch []float32) ([]float32, error)
	BackwardHost(outputGrad []float32) error
	Step() error
	ClampGradients(limit float32) error
	ResetState() error
	Optimizer() nn.Optimizer
	OutputSize() int
	SaveCheckpoint(path string, c nn.Checkpoint) error
}

// Options configures a Trainer.
type Options struct {
	// MaxEpoch stops training after that many complete epochs. Zero trains
	// until stopped.
	MaxEpoch int

	// Report emits a Report with the mean loss since the previous one.
	Report Period

	// ResetMemory clears recurrent state carried between batches.
	ResetMemory Period

	// ScaleLearningRate multiplies the learning rate by LearningRateFactor.
	ScaleLearningRate  Period
	LearningRateFactor float32

	// Checkpoint writes the weights into CheckpointDir.
	Checkpoint    Period
	CheckpointDir string

	// GradientClip, if positive, clamps every gradient element to
	// [-GradientClip, GradientClip] before each step.
	GradientClip float32

	// OnReport, if set, receives every report synchronously.
	OnReport func(Report)
}

// DefaultOptions reports every 10 iterations and resets memory each epoch.
func DefaultOptions() Options {
	return Options{
		Report:      EveryIteration(10),
		ResetMemory: EveryEpoch(1),
	}
}

func (o *Options) validate() error {
	if o.MaxEpoch < 0 {
		return errors.Errorf("train: negative max epoch %d", o.MaxEpoch)
	}
	if o.ScaleLearningRate.Enabled() && o.LearningRateFactor <= 0 {
		return errors.Errorf("train: learning rate factor %g must be positive", o.LearningRateFactor)
	}
	if o.GradientClip < 0 {
		return errors.Errorf("train: negative gradient clip %g", o.GradientClip)
	}
	if o.Checkpoint.Enabled() && o.CheckpointDir == "" {
		return errors.New("train: checkpoints enabled without a directory")
	}
	return nil
}

// Session identifies one Run.
type Session struct {
	ID        uuid.UUID
	Started   time.Time
	Epoch     int
	Iteration int64
}

// Report summarizes the iterations since the previous report.
type Report struct {
	Session      uuid.UUID
	Epoch        int
	Iteration    int64
	Loss         float64
	Iterations   int
	Elapsed      time.Duration
	LearningRate float32
}

// Trainer runs the training loop for one network.
type Trainer struct {
	net    Network
	data   Dataset
	loss   Loss
	opts   Options
	logger *slog.Logger

	mu       sync.Mutex
	session  Session
	training bool
	paused   bool
	resume   chan struct{}
	stop     atomic.Bool

	// Accumulated since the last report.
	lossSum  float64
	lossN    int
	elapsed  time.Duration
	lastLoss float64
}

// New creates a trainer. A nil logger discards log output.
func New(net Network, data Dataset, loss Loss, opts Options, logger *slog.Logger) (*Trainer, error) {
	if err := opts.validate(); err != nil {
		return nil, err
	}
	if data.Len() == 0 {
		return nil, ErrNotEnoughSamples
	}
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &Trainer{net: net, data: data, loss: loss, opts: opts, logger: logger}, nil
}

// Session returns a snapshot of the current session.
func (t *Trainer) Session() Session {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.session
}

// Training reports whether Run is active.
func (t *Trainer) Training() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.training
}

// Paused reports whether the trainer is paused.
func (t *Trainer) Paused() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.paused
}

// Pause blocks the loop before its next iteration.
func (t *Trainer) Pause() {
	t.mu.Lock()
	defer t.mu.Unlock()
	if !t.paused {
		t.paused = true
		t.resume = make(chan struct{})
	}
}

// Resume releases a paused loop.
func (t *Trainer) Resume() {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.paused {
		t.paused = false
		close(t.resume)
	}
}

// Stop ends the loop before its next iteration.
func (t *Trainer) Stop() {
	t.stop.Store(true)
}

// Run trains until ctx is canceled, Stop is called or MaxEpoch epochs have
// completed. It returns ctx.Err() on cancellation and nil otherwise.
func (t *Trainer) Run(ctx context.Context) error {
	t.mu.Lock()
	if t.training {
		t.mu.Unlock()
		return ErrAlreadyTraining
	}
	t.training = true
	t.stop.Store(false)
	t.session = Session{ID: uuid.New(), Started: time.Now()}
	t.lossSum, t.lossN, t.elapsed = 0, 0, 0
	t.mu.Unlock()

	defer func() {
		t.mu.Lock()
		t.training = false
		t.mu.Unlock()
	}()

	log := t.logger.With("session", t.session.ID.String())
	log.Info("training started", "batches", t.data.Len(), "max_epoch", t.opts.MaxEpoch)

	batch := 0
	for {
		if err := t.waitPaused(ctx, log); err != nil {
			return err
		}
		if err := ctx.Err(); err != nil {
			log.Info("training canceled", "iteration", t.Session().Iteration)
			return err
		}
		if t.stop.Load() {
			log.Info("training stopped", "iteration", t.Session().Iteration)
			return nil
		}

		if err := t.iterate(batch); err != nil {
			log.Error("iteration failed", "batch", batch, "error", err)
			return err
		}
		if err := t.afterIteration(log); err != nil {
			return err
		}

		batch++
		if batch < t.data.Len() {
			continue
		}
		batch = 0
		t.mu.Lock()
		t.session.Epoch++
		epoch := t.session.Epoch
		t.mu.Unlock()

		if err := t.afterEpoch(log, epoch); err != nil {
			return err
		}
		if t.opts.MaxEpoch > 0 && epoch >= t.opts.MaxEpoch {
			log.Info("max epoch reached", "epoch", epoch)
			return nil
		}
	}
}

func (t *Trainer) waitPaused(ctx context.Context, log *slog.Logger) error {
	t.mu.Lock()
	paused, resume := t.paused, t.resume
	t.mu.Unlock()
	if !paused {
		return nil
	}

	log.Info("training paused")
	select {
	case <-resume:
		log.Info("training resumed")
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// iterate runs forward, loss, backward and step on batch i.
func (t *Trainer) iterate(i int) error {
	input, target, err := t.data.Batch(i)
	if err != nil {
		return err
	}
	start := time.Now()

	y, err := t.net.ForwardHost(input)
	if err != nil {
		return errors.Wrap(err, "forward")
	}
	cols := t.net.OutputSize()
	loss, grad, err := t.loss.Evaluate(y, target, len(y)/cols, cols)
	if err != nil {
		return err
	}
	if err := t.net.BackwardHost(grad); err != nil {
		return errors.Wrap(err, "backward")
	}
	if t.opts.GradientClip > 0 {
		if err := t.net.ClampGradients(t.opts.GradientClip); err != nil {
			return errors.Wrap(err, "clamp")
		}
	}
	if err := t.net.Step(); err != nil {
		return errors.Wrap(err, "step")
	}

	t.mu.Lock()
	t.session.Iteration++
	t.lossSum += loss
	t.lossN++
	t.lastLoss = loss
	t.elapsed += time.Since(start)
	t.mu.Unlock()
	return nil
}

func (t *Trainer) afterIteration(log *slog.Logger) error {
	it := t.Session().Iteration
	if t.opts.ResetMemory.OnIteration(it) {
		if err := t.net.ResetState(); err != nil {
			return err
		}
	}
	if t.opts.Report.OnIteration(it) {
		t.report(log)
	}
	if t.opts.ScaleLearningRate.OnIteration(it) {
		t.scaleLearningRate(log)
	}
	if t.opts.Checkpoint.OnIteration(it) {
		return t.checkpoint(log)
	}
	return nil
}

func (t *Trainer) afterEpoch(log *slog.Logger, epoch int) error {
	if t.opts.ResetMemory.OnEpoch(epoch) {
		if err := t.net.ResetState(); err != nil {
			return err
		}
	}
	if t.opts.Report.OnEpoch(epoch) {
		t.report(log)
	}
	if t.opts.ScaleLearningRate.OnEpoch(epoch) {
		t.scaleLearningRate(log)
	}
	if t.opts.Checkpoint.OnEpoch(epoch) {
		return t.checkpoint(log)
	}
	return nil
}

func (t *Trainer) learningRate() float32 {
	if opt := t.net.Optimizer(); opt != nil {
		return opt.LearningRate()
	}
	return 0
}

func (t *Trainer) report(log *slog.Logger) {
	t.mu.Lock()
	r := Report{
		Session:    t.session.ID,
		Epoch:      t.session.Epoch,
		Iteration:  t.session.Iteration,
		Iterations: t.lossN,
		Elapsed:    t.elapsed,
	}
	if t.lossN > 0 {
		r.Loss = t.lossSum / float64(t.lossN)
	}
	t.lossSum, t.lossN, t.elapsed = 0, 0, 0
	t.mu.Unlock()
	r.LearningRate = t.learningRate()

	log.Info("progress",
		"epoch", r.Epoch,
		"iteration", r.Iteration,
		"loss", r.Loss,
		"lr", r.LearningRate,
		"elapsed", r.Elapsed)
	if t.opts.OnReport != nil {
		t.opts.OnReport(r)
	}
}

func (t *Trainer) scaleLearningRate(log *slog.Logger) {
	opt := t.net.Optimizer()
	if opt == nil {
		return
	}
	lr := opt.LearningRate() * t.opts.LearningRateFactor
	opt.SetLearningRate(lr)
	log.Info("learning rate scaled", "lr", lr)
}

func (t *Trainer) checkpoint(log *slog.Logger) error {
	s := t.Session()
	t.mu.Lock()
	loss := t.lastLoss
	t.mu.Unlock()

	if err := os.MkdirAll(t.opts.CheckpointDir, 0o750); err != nil {
		return errors.Wrap(err, "checkpoint directory")
	}
	path := filepath.Join(t.opts.CheckpointDir,
		fmt.Sprintf("%s-%08d.safetensors", s.ID.String()[:8], s.Iteration))
	err := t.net.SaveCheckpoint(path, nn.Checkpoint{
		Epoch:     s.Epoch,
		Iteration: s.Iteration,
		Loss:      loss,
		Metadata:  map[string]string{"session": s.ID.String()},
	})
	if err != nil {
		return errors.Wrapf(err, "checkpoint %s", path)
	}
	log.Info("checkpoint written", "path", path)
	return nil
}
