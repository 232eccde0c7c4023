package platform

import (
	"context"
	"time"
)

// Loop invokes Step once per period until Step reports done or ctx ends.
// Step is never re-entered: the next wait starts only after it returns.
type Loop struct {
	// Period is consulted before every wait so the cadence can follow state
	// changes. A non-positive period runs steps back-to-back.
	Period func() time.Duration
	Step   func(ctx context.Context) (done bool)
}

func FixedPeriod(d time.Duration) func() time.Duration {
	return func() time.Duration { return d }
}

func (l Loop) Run(ctx context.Context) error {
	if l.Step == nil {
		return nil
	}
	period := FixedPeriod(0)
	if l.Period != nil {
		period = l.Period
	}

	for {
		wait := period()
		if wait > 0 {
			timer := time.NewTimer(wait)
			select {
			case <-ctx.Done():
				timer.Stop()
				return ctx.Err()
			case <-timer.C:
			}
		} else if err := ctx.Err(); err != nil {
			return err
		}
		if l.Step(ctx) {
			return nil
		}
	}
}
