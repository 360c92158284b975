package nn

import (
	"fmt"
	"strconv"

	"github.com/born-ml/seqnet/internal/serialization"
	"github.com/pkg/errors"
)

// Checkpoint metadata keys.
const (
	metaEpoch     = "epoch"
	metaIteration = "iteration"
	metaLoss      = "loss"
)

// Checkpoint is the training position stored alongside network weights.
//
// Example:
//
//	err := net.SaveCheckpoint("ckpt.safetensors", nn.Checkpoint{
//	    Epoch:     10,
//	    Iteration: 5000,
//	    Loss:      0.123,
//	})
//
//	ckpt, err := net.LoadCheckpoint("ckpt.safetensors")
//	startEpoch := ckpt.Epoch + 1
type Checkpoint struct {
	Epoch     int
	Iteration int64
	Loss      float64
	Metadata  map[string]string // Additional string metadata
}

// stateKey qualifies a parameter name with its layer position so that two
// layers of the same kind never collide.
func stateKey(layer int, p *Parameter) string {
	return fmt.Sprintf("%d.%s", layer, p.Name())
}

// StateDict downloads every parameter value to the host.
func (n *Network) StateDict() (map[string]serialization.Tensor, error) {
	if n.released {
		return nil, ErrReleased
	}
	out := make(map[string]serialization.Tensor)
	for i, l := range n.layers {
		for _, p := range l.Parameters() {
			data, err := p.Value().Data()
			if err != nil {
				return nil, errors.Wrapf(err, "downloading %s", p.Name())
			}
			out[stateKey(i, p)] = serialization.Tensor{Shape: p.Shape().Clone(), Data: data}
		}
	}
	return out, nil
}

// LoadStateDict uploads parameter values. Every parameter must be present
// with its exact shape and extra entries are an error too. All entries are
// checked before the first upload, so a rejected dict leaves the weights
// unchanged.
func (n *Network) LoadStateDict(sd map[string]serialization.Tensor) error {
	if n.released {
		return ErrReleased
	}
	type load struct {
		key string
		p   *Parameter
		t   serialization.Tensor
	}
	var loads []load
	for i, l := range n.layers {
		for _, p := range l.Parameters() {
			key := stateKey(i, p)
			t, ok := sd[key]
			if !ok {
				return errors.Wrapf(ErrInvalidShape, "state dict: missing %s", key)
			}
			if !p.Shape().Equal(t.Shape) || len(t.Data) != p.Shape().NumElements() {
				return errors.Wrapf(ErrInvalidShape, "state dict %s: got %v, want %v", key, t.Shape, p.Shape())
			}
			loads = append(loads, load{key: key, p: p, t: t})
		}
	}
	if len(loads) != len(sd) {
		return errors.Wrapf(ErrInvalidShape, "state dict: %d unexpected entries", len(sd)-len(loads))
	}
	for _, ld := range loads {
		if err := ld.p.Value().CopyFrom(ld.t.Data); err != nil {
			return errors.Wrapf(err, "uploading %s", ld.key)
		}
	}
	return nil
}

// SaveCheckpoint writes the network weights and c to a SafeTensors file.
func (n *Network) SaveCheckpoint(path string, c Checkpoint) error {
	sd, err := n.StateDict()
	if err != nil {
		return err
	}
	meta := make(map[string]string, len(c.Metadata)+3)
	for k, v := range c.Metadata {
		meta[k] = v
	}
	meta[metaEpoch] = strconv.Itoa(c.Epoch)
	meta[metaIteration] = strconv.FormatInt(c.Iteration, 10)
	meta[metaLoss] = strconv.FormatFloat(c.Loss, 'g', -1, 64)
	if err := serialization.WriteSafeTensors(path, sd, meta); err != nil {
		return errors.Wrapf(err, "saving checkpoint %s", path)
	}
	return nil
}

// LoadCheckpoint restores the network weights from path and returns the
// stored training position.
func (n *Network) LoadCheckpoint(path string) (Checkpoint, error) {
	f, err := serialization.ReadSafeTensors(path)
	if err != nil {
		return Checkpoint{}, errors.Wrapf(err, "loading checkpoint %s", path)
	}
	if err := n.LoadStateDict(f.Tensors); err != nil {
		return Checkpoint{}, err
	}

	c := Checkpoint{Metadata: make(map[string]string)}
	for k, v := range f.Metadata {
		switch k {
		case metaEpoch:
			c.Epoch, err = strconv.Atoi(v)
		case metaIteration:
			c.Iteration, err = strconv.ParseInt(v, 10, 64)
		case metaLoss:
			c.Loss, err = strconv.ParseFloat(v, 64)
		case serialization.ChecksumKey:
		default:
			c.Metadata[k] = v
		}
		if err != nil {
			return Checkpoint{}, errors.Wrapf(err, "checkpoint metadata %s", k)
		}
	}
	return c, nil
}
