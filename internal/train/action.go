package train

import "fmt"

// PeriodType selects what a Period counts.
type PeriodType int

const (
	// PeriodNever disables the action.
	PeriodNever PeriodType = iota
	// PeriodIteration counts optimizer steps.
	PeriodIteration
	// PeriodEpoch counts passes over the dataset.
	PeriodEpoch
)

// Period schedules an action every Every iterations or epochs.
type Period struct {
	Type  PeriodType
	Every int
}

// Never returns a disabled period.
func Never() Period { return Period{} }

// EveryIteration schedules an action every n iterations.
func EveryIteration(n int) Period { return Period{Type: PeriodIteration, Every: n} }

// EveryEpoch schedules an action every n epochs.
func EveryEpoch(n int) Period { return Period{Type: PeriodEpoch, Every: n} }

// Enabled reports whether the period ever fires.
func (p Period) Enabled() bool {
	return p.Type != PeriodNever && p.Every > 0
}

// OnIteration reports whether the action fires after iteration it.
func (p Period) OnIteration(it int64) bool {
	return p.Type == PeriodIteration && p.Every > 0 && it%int64(p.Every) == 0
}

// OnEpoch reports whether the action fires when epoch begins.
func (p Period) OnEpoch(epoch int) bool {
	return p.Type == PeriodEpoch && p.Every > 0 && epoch%p.Every == 0
}

func (p Period) String() string {
	switch {
	case !p.Enabled():
		return "never"
	case p.Type == PeriodIteration:
		return fmt.Sprintf("every %d iterations", p.Every)
	default:
		return fmt.Sprintf("every %d epochs", p.Every)
	}
}
