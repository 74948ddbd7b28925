package backoff

import (
	"context"
)

// Backoff is an interface for backoff strategies. Implementations sleep for
// a duration derived from the attempt count, and return early if the
// context is cancelled.
type Backoff interface {
	Backoff(ctx context.Context, attempts int)
}
