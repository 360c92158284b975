package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"math/rand"
	"os"
	"path/filepath"

	"github.com/born-ml/seqnet/internal/device"
	"github.com/born-ml/seqnet/internal/device/webgpu"
	"github.com/born-ml/seqnet/internal/nn"
	"github.com/born-ml/seqnet/internal/tokenizer"
	"github.com/born-ml/seqnet/internal/train"
	"github.com/pkg/errors"
)

func listDevices(w io.Writer) error {
	fmt.Fprintln(w, "cpu      host memory, gonum blas32")
	if webgpu.IsAvailable() {
		dev, err := webgpu.New()
		if err != nil {
			return err
		}
		defer func() { _ = dev.Close() }()
		fmt.Fprintf(w, "webgpu   %s\n", dev.Name())
	} else {
		fmt.Fprintln(w, "webgpu   unavailable")
	}
	return nil
}

func openDevice(name string) (device.Device, error) {
	switch name {
	case "cpu":
		return device.NewCPU(), nil
	case "webgpu":
		return webgpu.New()
	case "auto":
		if dev, err := webgpu.New(); err == nil {
			return dev, nil
		}
		return device.NewCPU(), nil
	default:
		return nil, fmt.Errorf("unknown device %q", name)
	}
}

func trainCommand(ctx context.Context, args []string, stdout, stderr io.Writer) error {
	fs := flag.NewFlagSet("train", flag.ContinueOnError)
	fs.SetOutput(stderr)
	configPath := fs.String("config", "", "training config (YAML)")
	deviceName := fs.String("device", "auto", "compute device: auto, cpu or webgpu")
	resume := fs.String("resume", "", "checkpoint to load before training")
	jsonLogs := fs.Bool("json", false, "log as JSON")
	verbose := fs.Bool("v", false, "debug logging")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *configPath == "" {
		return errors.New("train: -config is required")
	}
	log := newLogger(stderr, *jsonLogs, *verbose)

	cfg, err := train.LoadConfig(*configPath)
	if err != nil {
		return err
	}
	if cfg.Data.Path == "" {
		return errors.New("train: data.path is required")
	}

	tok, tokens, vocab, err := loadCorpus(cfg.Data)
	if err != nil {
		return err
	}
	log.Info("corpus loaded", "path", cfg.Data.Path, "tokens", len(tokens), "vocab", vocab.Size(),
		"tokenizer", cfg.Data.Tokenizer)

	ds, err := train.NewSequenceDataset(tokens, vocab.Size(), cfg.Batch.Size, cfg.Batch.SeqLen)
	if err != nil {
		return err
	}

	dev, err := openDevice(*deviceName)
	if err != nil {
		return err
	}
	defer func() { _ = dev.Close() }()
	log.Info("device opened", "device", dev.Name())

	net, err := train.BuildModel(dev, vocab.Size(), cfg)
	if err != nil {
		return err
	}
	defer func() { _ = net.Release() }()

	opt, err := train.NewOptimizer(cfg.Optimizer)
	if err != nil {
		return err
	}
	defer func() { _ = opt.Release() }()
	if err := net.SetOptimizer(opt); err != nil {
		return err
	}

	if *resume != "" {
		ckpt, err := net.LoadCheckpoint(*resume)
		if err != nil {
			return err
		}
		log.Info("checkpoint restored", "path", *resume, "epoch", ckpt.Epoch, "iteration", ckpt.Iteration)
	}

	loss, err := train.LossByName(cfg.Training.Loss)
	if err != nil {
		return err
	}
	tr, err := train.New(net, ds, loss, cfg.Options(), log)
	if err != nil {
		return err
	}
	err = tr.Run(ctx)
	if errors.Is(err, context.Canceled) {
		err = nil
	}
	if err != nil {
		return err
	}

	if cfg.Training.CheckpointDir != "" {
		if err := os.MkdirAll(cfg.Training.CheckpointDir, 0o750); err != nil {
			return err
		}
		s := tr.Session()
		path := filepath.Join(cfg.Training.CheckpointDir, "final.safetensors")
		if err := net.SaveCheckpoint(path, nn.Checkpoint{
			Epoch:     s.Epoch,
			Iteration: s.Iteration,
			Metadata:  map[string]string{"session": s.ID.String(), "tokenizer": cfg.Data.Tokenizer},
		}); err != nil {
			return err
		}
		log.Info("weights saved", "path", path)
	}

	if cfg.Sample.Length > 0 {
		text, err := sample(net, tok, vocab, cfg)
		if err != nil {
			return err
		}
		fmt.Fprintln(stdout, text)
	}
	return nil
}

// sample continues the configured prime with tokens drawn from net.
func sample(net *nn.Network, tok tokenizer.Tokenizer, vocab *tokenizer.Vocabulary, cfg train.Config) (string, error) {
	ids, err := tok.Encode(cfg.Sample.Prime)
	if err != nil {
		return "", err
	}
	prime, err := vocab.Index(ids)
	if err != nil {
		return "", errors.Wrap(err, "sample prime")
	}
	rng := rand.New(rand.NewSource(cfg.Seed)) //nolint:gosec // sampling, not security
	next, err := train.Generate(net, prime, cfg.Sample.Length, cfg.Sample.Temperature, rng)
	if err != nil {
		return "", err
	}
	out := append([]int32(nil), ids...)
	for _, i := range next {
		id, err := vocab.Token(i)
		if err != nil {
			return "", err
		}
		out = append(out, id)
	}
	return tok.Decode(out)
}

// loadCorpus tokenizes the corpus and maps it to dense vocabulary indices.
func loadCorpus(c train.DataConfig) (tokenizer.Tokenizer, []int, *tokenizer.Vocabulary, error) {
	raw, err := os.ReadFile(c.Path)
	if err != nil {
		return nil, nil, nil, err
	}
	tok, err := tokenizer.New(c.Tokenizer)
	if err != nil {
		return nil, nil, nil, err
	}
	ids, err := tok.Encode(string(raw))
	if err != nil {
		return nil, nil, nil, err
	}
	vocab := tokenizer.NewVocabulary(ids)
	dense, err := vocab.Index(ids)
	if err != nil {
		return nil, nil, nil, err
	}
	return tok, dense, vocab, nil
}
