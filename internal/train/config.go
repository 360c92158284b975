package train

import (
	"bytes"
	"io"
	"os"

	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"
)

// Config is the YAML description of a training run.
//
//	data:
//	  path: corpus.txt
//	  tokenizer: bytes
//	model:
//	  hidden: 128
//	  layers: 2
//	batch:
//	  size: 16
//	  seq_len: 32
//	optimizer:
//	  type: rmsprop
//	  learning_rate: 0.001
//	  momentum: 0.9
//	  decay_rate: 0.95
//	training:
//	  max_epoch: 10
//	  report_every: 50
//	  reset_memory_every_epochs: 1
//	  lr_scale_every_epochs: 2
//	  lr_scale_factor: 0.97
//	  checkpoint_dir: checkpoints
//	  checkpoint_every_epochs: 1
//	  gradient_clip: 5
//	sample:
//	  prime: "The "
//	  length: 200
//	  temperature: 0.8
type Config struct {
	Data      DataConfig      `yaml:"data"`
	Model     ModelConfig     `yaml:"model"`
	Batch     BatchConfig     `yaml:"batch"`
	Optimizer OptimizerConfig `yaml:"optimizer"`
	Training  TrainingConfig  `yaml:"training"`
	Sample    SampleConfig    `yaml:"sample"`
	Seed      int64           `yaml:"seed"`
}

// DataConfig selects the corpus and its tokenizer.
type DataConfig struct {
	Path      string `yaml:"path"`
	Tokenizer string `yaml:"tokenizer"`
}

// ModelConfig sizes the GRU stack.
type ModelConfig struct {
	Hidden int `yaml:"hidden"`
	Layers int `yaml:"layers"`
}

// BatchConfig fixes the network batch shape.
type BatchConfig struct {
	Size   int `yaml:"size"`
	SeqLen int `yaml:"seq_len"`
}

// OptimizerConfig selects and tunes the optimizer.
type OptimizerConfig struct {
	Type         string  `yaml:"type"`
	LearningRate float32 `yaml:"learning_rate"`
	Momentum     float32 `yaml:"momentum"`
	DecayRate    float32 `yaml:"decay_rate"`
	WeightDecay  float32 `yaml:"weight_decay"`
}

// TrainingConfig holds the loop schedule. Zero periods disable an action.
type TrainingConfig struct {
	MaxEpoch               int     `yaml:"max_epoch"`
	Loss                   string  `yaml:"loss"`
	ReportEvery            int     `yaml:"report_every"`
	ResetMemoryEveryEpochs int     `yaml:"reset_memory_every_epochs"`
	LRScaleEveryEpochs     int     `yaml:"lr_scale_every_epochs"`
	LRScaleFactor          float32 `yaml:"lr_scale_factor"`
	CheckpointDir          string  `yaml:"checkpoint_dir"`
	CheckpointEveryEpochs  int     `yaml:"checkpoint_every_epochs"`
	GradientClip           float32 `yaml:"gradient_clip"`
}

// SampleConfig controls the text generated after training. A zero length
// disables sampling and a zero temperature decodes greedily.
type SampleConfig struct {
	Prime       string  `yaml:"prime"`
	Length      int     `yaml:"length"`
	Temperature float64 `yaml:"temperature"`
}

// DefaultConfig returns a small character-level setup.
func DefaultConfig() Config {
	return Config{
		Data:  DataConfig{Tokenizer: "bytes"},
		Model: ModelConfig{Hidden: 128, Layers: 2},
		Batch: BatchConfig{Size: 16, SeqLen: 32},
		Optimizer: OptimizerConfig{
			Type:         "rmsprop",
			LearningRate: 1e-3,
			Momentum:     0.9,
			DecayRate:    0.95,
		},
		Training: TrainingConfig{
			MaxEpoch:               10,
			Loss:                   "cross_entropy",
			ReportEvery:            50,
			ResetMemoryEveryEpochs: 1,
		},
		Seed: 1,
	}
}

// LoadConfig reads a YAML file over DefaultConfig and validates it.
func LoadConfig(path string) (Config, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return Config{}, errors.Wrap(err, "reading config")
	}
	return ParseConfig(raw)
}

// ParseConfig decodes YAML over DefaultConfig and validates it. Unknown
// keys are rejected.
func ParseConfig(raw []byte) (Config, error) {
	cfg := DefaultConfig()
	dec := yaml.NewDecoder(bytes.NewReader(raw))
	dec.KnownFields(true)
	if err := dec.Decode(&cfg); err != nil && !errors.Is(err, io.EOF) {
		return Config{}, errors.Wrap(err, "parsing config")
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate checks sizes and names.
func (c *Config) Validate() error {
	switch {
	case c.Model.Hidden <= 0 || c.Model.Layers <= 0:
		return errors.Errorf("config: model hidden=%d layers=%d must be positive", c.Model.Hidden, c.Model.Layers)
	case c.Batch.Size <= 0 || c.Batch.SeqLen <= 0:
		return errors.Errorf("config: batch size=%d seq_len=%d must be positive", c.Batch.Size, c.Batch.SeqLen)
	case c.Optimizer.LearningRate <= 0:
		return errors.Errorf("config: learning rate %g must be positive", c.Optimizer.LearningRate)
	case c.Training.MaxEpoch < 0:
		return errors.Errorf("config: max_epoch %d is negative", c.Training.MaxEpoch)
	case c.Training.LRScaleEveryEpochs > 0 && c.Training.LRScaleFactor <= 0:
		return errors.Errorf("config: lr_scale_factor %g must be positive", c.Training.LRScaleFactor)
	case c.Training.CheckpointEveryEpochs > 0 && c.Training.CheckpointDir == "":
		return errors.New("config: checkpoint_every_epochs needs checkpoint_dir")
	case c.Training.GradientClip < 0:
		return errors.Errorf("config: gradient_clip %g is negative", c.Training.GradientClip)
	case c.Sample.Length < 0 || c.Sample.Temperature < 0:
		return errors.Errorf("config: sample length %d and temperature %g must not be negative",
			c.Sample.Length, c.Sample.Temperature)
	case c.Sample.Length > 0 && c.Sample.Prime == "":
		return errors.New("config: sample length needs a prime")
	}
	switch c.Optimizer.Type {
	case "rmsprop", "sgd", "adam":
	default:
		return errors.Errorf("config: unknown optimizer %q", c.Optimizer.Type)
	}
	if _, err := LossByName(c.Training.Loss); err != nil {
		return err
	}
	return nil
}

// Options converts the schedule into trainer options.
func (c *Config) Options() Options {
	opts := Options{
		MaxEpoch:           c.Training.MaxEpoch,
		Report:             Never(),
		ResetMemory:        Never(),
		ScaleLearningRate:  Never(),
		LearningRateFactor: c.Training.LRScaleFactor,
		Checkpoint:         Never(),
		CheckpointDir:      c.Training.CheckpointDir,
		GradientClip:       c.Training.GradientClip,
	}
	if c.Training.ReportEvery > 0 {
		opts.Report = EveryIteration(c.Training.ReportEvery)
	}
	if c.Training.ResetMemoryEveryEpochs > 0 {
		opts.ResetMemory = EveryEpoch(c.Training.ResetMemoryEveryEpochs)
	}
	if c.Training.LRScaleEveryEpochs > 0 {
		opts.ScaleLearningRate = EveryEpoch(c.Training.LRScaleEveryEpochs)
	}
	if c.Training.CheckpointEveryEpochs > 0 {
		opts.Checkpoint = EveryEpoch(c.Training.CheckpointEveryEpochs)
	}
	return opts
}
