package nn

import (
	"fmt"

	"github.com/born-ml/seqnet/internal/tensor"
)

// stepLog is the append-only activation log of a recurrent forward pass.
//
// Storage is preallocated once for every (depth, step) slot. Entries are
// appended in forward order (depth-major, then step) and read back in any
// order by backward. reset invalidates every entry without freeing memory.
type stepLog struct {
	seq, batch, hidden, depth int

	ax *tensor.Tensor // [depth*seq, batch, 3H], filled per depth block
	ah *tensor.Tensor // [depth*seq, batch, 3H]
	z  *tensor.Tensor // [depth*seq, batch, H]
	r  *tensor.Tensor // [depth*seq, batch, H]
	hc *tensor.Tensor // [depth*seq, batch, H]

	n int // entries appended since the last reset
}

// stepEntry is the cached state of one step at one depth.
type stepEntry struct {
	ax, ah, z, r, hc *tensor.Tensor
}

func newStepLog(alloc func(tensor.Shape) (*tensor.Tensor, error), seq, batch, hidden, depth int) (*stepLog, error) {
	l := &stepLog{seq: seq, batch: batch, hidden: hidden, depth: depth}
	slots := depth * seq
	gates := tensor.Shape{slots, batch, 3 * hidden}
	state := tensor.Shape{slots, batch, hidden}
	for _, f := range []struct {
		dst   **tensor.Tensor
		shape tensor.Shape
	}{
		{&l.ax, gates}, {&l.ah, gates}, {&l.z, state}, {&l.r, state}, {&l.hc, state},
	} {
		t, err := alloc(f.shape)
		if err != nil {
			return nil, err
		}
		*f.dst = t
	}
	return l, nil
}

func (l *stepLog) reset() { l.n = 0 }

// inputBlock returns the [seq, batch, 3H] input-projection block of depth d.
// It is written by one batched multiply before that depth's steps run.
func (l *stepLog) inputBlock(d int) *tensor.Tensor {
	n := l.seq * l.batch * 3 * l.hidden
	return l.ax.View(d*n, tensor.Seq(l.seq, l.batch, 3*l.hidden))
}

// next appends the entry for (d, t). Entries must arrive in forward order.
func (l *stepLog) next(d, t int) (stepEntry, error) {
	slot := d*l.seq + t
	if slot != l.n {
		return stepEntry{}, fmt.Errorf("step log: append (%d, %d) out of order, expected slot %d", d, t, l.n)
	}
	l.n++
	return l.entry(slot), nil
}

// at returns the entry for (d, t) recorded since the last reset.
func (l *stepLog) at(d, t int) (stepEntry, error) {
	slot := d*l.seq + t
	if slot >= l.n {
		return stepEntry{}, fmt.Errorf("step log: no entry for (%d, %d)", d, t)
	}
	return l.entry(slot), nil
}

func (l *stepLog) entry(slot int) stepEntry {
	return stepEntry{
		ax: l.ax.Step(slot),
		ah: l.ah.Step(slot),
		z:  l.z.Step(slot),
		r:  l.r.Step(slot),
		hc: l.hc.Step(slot),
	}
}
