package scheduler

import (
	"time"

	"github.com/dennisdiepolder/monti/comms/internal/types"
)

// Acceptance measures how many of a queue's tasks were accepted within
// the queue's answer threshold
type Acceptance struct {
	TargetPct int
	Within    time.Duration
	OnTime    int
	Accepted  int
}

// NewAcceptance creates an empty tracker. targetPct is only reported,
// the tracker never enforces it.
func NewAcceptance(targetPct int, within time.Duration) *Acceptance {
	return &Acceptance{TargetPct: targetPct, Within: within}
}

// Observe counts one accepted task that waited wait since enqueue
func (a *Acceptance) Observe(wait time.Duration) {
	a.Accepted++
	if wait <= a.Within {
		a.OnTime++
	}
}

// Percent is the on-time share of accepted tasks. A queue that has not
// accepted anything yet reports 100.
func (a *Acceptance) Percent() float64 {
	if a.Accepted == 0 {
		return 100
	}
	return float64(a.OnTime) * 100 / float64(a.Accepted)
}

func (a *Acceptance) Snapshot() types.ServiceLevel {
	return types.ServiceLevel{
		Target:        a.TargetPct,
		ThresholdSecs: int(a.Within / time.Second),
		AcceptedInSL:  a.OnTime,
		TotalAccepted: a.Accepted,
		CurrentSL:     a.Percent(),
	}
}
