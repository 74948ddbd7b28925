package pipeline

import (
	"context"
	"fmt"
	"sync"
	"time"
)

const simulatedTokenCount = 600000

// Simulator fakes a training run: it reports a fixed token count and
// succeeds after a configurable delay. Used when no pipeline directory is
// configured, and by tests.
type Simulator struct {
	Delay      time.Duration
	Fail       bool
	TokenCount uint64

	mu   sync.Mutex
	runs map[string]*simRun
}

type simRun struct {
	started  time.Time
	reported bool
}

func NewSimulator(delay time.Duration) *Simulator {
	return &Simulator{
		Delay:      delay,
		TokenCount: simulatedTokenCount,
		runs:       make(map[string]*simRun),
	}
}

func (s *Simulator) Launch(ctx context.Context, spec LaunchSpec) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.runs[spec.RunID]; exists {
		return fmt.Errorf("run %s already launched", spec.RunID)
	}
	s.runs[spec.RunID] = &simRun{started: time.Now()}
	return nil
}

func (s *Simulator) Poll(ctx context.Context, runID string) (Observation, error) {
	s.mu.Lock()
	r, ok := s.runs[runID]
	if !ok {
		s.mu.Unlock()
		return Observation{}, fmt.Errorf("unknown run %s", runID)
	}
	obs := Observation{Status: StatusRunning}
	if !r.reported {
		tokenCount := s.TokenCount
		obs.TokenCount = &tokenCount
		r.reported = true
	}
	started := r.started
	s.mu.Unlock()

	if time.Since(started) < s.Delay {
		return obs, nil
	}
	if s.Fail {
		obs.Status = StatusFailed
		obs.Error = "simulated failure"
		return obs, nil
	}
	obs.Status = StatusSucceeded
	obs.ResultRef = "simulated://" + runID
	return obs, nil
}

func (s *Simulator) Cancel(ctx context.Context, runID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.runs, runID)
	return nil
}

// compile-time interface check
var _ Pipeline = (*Simulator)(nil)
