package models

import (
	"fmt"
	"time"
)

// Phase is one of the six sub-periods every epoch cycles through, in order.
// The on-chain EpochManager is the only source of truth for the active
// phase; clients never derive it from wall-clock time.
type Phase int

const (
	PhaseCommit Phase = iota
	PhaseReveal
	PhaseElect
	PhaseExecute
	PhaseConfirm
	PhaseDispute
)

var phaseNames = map[Phase]string{
	PhaseCommit:  "Commit",
	PhaseReveal:  "Reveal",
	PhaseElect:   "Elect",
	PhaseExecute: "Execute",
	PhaseConfirm: "Confirm",
	PhaseDispute: "Dispute",
}

func (p Phase) String() string {
	if name, ok := phaseNames[p]; ok {
		return name
	}
	return fmt.Sprintf("Unknown(%d)", int(p))
}

func (p Phase) IsValid() bool {
	_, ok := phaseNames[p]
	return ok
}

// Epoch is an observation of the chain's current epoch. Immutable once
// observed; a fresh observation replaces it wholesale.
type Epoch struct {
	Number   uint64
	Phase    Phase
	TimeLeft time.Duration
}

func (e Epoch) String() string {
	return fmt.Sprintf("epoch %d (%s, %s left)", e.Number, e.Phase, e.TimeLeft)
}

// Same reports whether two observations describe the same epoch and phase.
func (e Epoch) Same(other Epoch) bool {
	return e.Number == other.Number && e.Phase == other.Phase
}

// PhaseChange is emitted by the epoch tracker whenever the observed
// epoch/phase differs from the previous observation.
type PhaseChange struct {
	Previous Epoch
	Current  Epoch
}
