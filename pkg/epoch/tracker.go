package epoch

import (
	"context"
	"fmt"
	"math/big"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/lumino-labs/lumino-client/pkg/ledger"
	"github.com/lumino-labs/lumino-client/pkg/models"
)

// consecutive consistent readings required before trusting the chain again
// after an observed epoch regression (RPC node behind, or a reorg).
const regressionQuorum = 2

// Reader is the slice of the ledger gateway the tracker needs.
type Reader interface {
	Read(ctx context.Context, call ledger.Call) ([]interface{}, error)
	ReadUint64(ctx context.Context, call ledger.Call) (uint64, error)
}

// Tracker derives the current epoch and phase from on-chain state only.
// Block time drifts, so wall-clock derivation is never used; every
// observation is a fresh chain read.
type Tracker struct {
	reader Reader

	mu         sync.Mutex
	hasLast    bool
	last       models.Epoch
	regressed  bool
	candidate  models.Epoch
	consistent int
}

func NewTracker(reader Reader) *Tracker {
	return &Tracker{reader: reader}
}

// Current reads the epoch manager and returns the active epoch and phase.
// A reading with a lower epoch number than previously observed is treated
// as stale: the previous epoch is kept until a consistent reading at or
// above it is observed twice in a row.
func (t *Tracker) Current(ctx context.Context) (models.Epoch, error) {
	observed, err := t.observe(ctx)
	if err != nil {
		return models.Epoch{}, err
	}
	return t.reconcile(ctx, observed), nil
}

func (t *Tracker) observe(ctx context.Context) (models.Epoch, error) {
	number, err := t.reader.ReadUint64(ctx, ledger.Call{Contract: "EpochManager", Method: "getCurrentEpoch"})
	if err != nil {
		return models.Epoch{}, fmt.Errorf("reading current epoch: %w", err)
	}

	results, err := t.reader.Read(ctx, ledger.Call{Contract: "EpochManager", Method: "getEpochState"})
	if err != nil {
		return models.Epoch{}, fmt.Errorf("reading epoch state: %w", err)
	}
	if len(results) != 2 {
		return models.Epoch{}, fmt.Errorf("unexpected epoch state outputs: %d", len(results))
	}
	state, ok := results[0].(uint8)
	if !ok {
		return models.Epoch{}, fmt.Errorf("epoch state is not uint8")
	}
	timeLeft, ok := results[1].(*big.Int)
	if !ok {
		return models.Epoch{}, fmt.Errorf("epoch time left is not uint256")
	}

	phase := models.Phase(state)
	if !phase.IsValid() {
		return models.Epoch{}, fmt.Errorf("unknown epoch phase %d", state)
	}

	return models.Epoch{
		Number:   number,
		Phase:    phase,
		TimeLeft: time.Duration(timeLeft.Uint64()) * time.Second,
	}, nil
}

func (t *Tracker) reconcile(ctx context.Context, observed models.Epoch) models.Epoch {
	t.mu.Lock()
	defer t.mu.Unlock()

	if !t.hasLast {
		t.hasLast = true
		t.last = observed
		return observed
	}

	if observed.Number < t.last.Number {
		log.Ctx(ctx).Warn().
			Uint64("observed", observed.Number).
			Uint64("current", t.last.Number).
			Msg("discarding stale epoch reading")
		t.regressed = true
		t.consistent = 0
		return t.last
	}

	if t.regressed {
		if t.consistent > 0 && observed.Number == t.candidate.Number {
			t.consistent++
		} else {
			t.candidate = observed
			t.consistent = 1
		}
		if t.consistent < regressionQuorum {
			return t.last
		}
		t.regressed = false
		t.consistent = 0
	}

	t.last = observed
	return observed
}

// Subscription is a pull-based view of phase transitions. Each subscriber
// polls on its own cadence; nothing is pushed.
type Subscription struct {
	tracker *Tracker
	hasLast bool
	last    models.Epoch
}

func (t *Tracker) Subscribe() *Subscription {
	return &Subscription{tracker: t}
}

// Next performs one poll and returns a PhaseChange if the epoch or phase
// moved since this subscriber last looked, or nil when nothing changed.
func (s *Subscription) Next(ctx context.Context) (*models.PhaseChange, error) {
	current, err := s.tracker.Current(ctx)
	if err != nil {
		return nil, err
	}
	if !s.hasLast {
		s.hasLast = true
		s.last = current
		return &models.PhaseChange{Current: current}, nil
	}
	if current.Same(s.last) {
		return nil, nil
	}
	change := &models.PhaseChange{Previous: s.last, Current: current}
	s.last = current
	return change, nil
}
