package backoff

import (
	"context"
)

// Noop implements a backoff strategy that does not backoff. Used in tests.
type Noop struct{}

func NewNoop() *Noop {
	return &Noop{}
}

func (nb *Noop) Backoff(ctx context.Context, attempts int) {}

// compile time check whether the Noop implements the Backoff interface.
var _ Backoff = (*Noop)(nil)
