package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// ErrPollExhausted is returned by Policy.Poll when the attempt budget is
// spent without the condition being met.
var ErrPollExhausted = errors.New("poll attempts exhausted")

// Policy is a fixed-interval, capped-attempt polling loop shared by the
// provisioning, reinstall, and deletion flows.
type Policy struct {
	Attempts int
	Interval time.Duration
}

// Poll waits Interval, then invokes fn, repeating up to Attempts times. fn
// returns done=true to finish successfully or an error to abort immediately.
// Cancelling ctx stops the loop between attempts.
func (p Policy) Poll(ctx context.Context, fn func(ctx context.Context) (bool, error)) error {
	timer := time.NewTimer(p.Interval)
	defer timer.Stop()

	for attempt := 0; attempt < p.Attempts; attempt++ {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-timer.C:
		}

		done, err := fn(ctx)
		if err != nil {
			return err
		}
		if done {
			return nil
		}
		timer.Reset(p.Interval)
	}
	return fmt.Errorf("after %d attempts: %w", p.Attempts, ErrPollExhausted)
}
