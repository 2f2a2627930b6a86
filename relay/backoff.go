// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package relay

import (
	"fmt"
	"math/rand/v2"
	"time"
)

// BackoffPolicy controls the delay between reconnect attempts. The
// delay starts at Base and doubles on each consecutive failure, capped
// at Max, then varies by up to ±Jitter of itself so that observers of
// a restarted producer do not reconnect in lockstep. It resets to Base
// after a successful handshake.
type BackoffPolicy struct {
	Base   time.Duration
	Max    time.Duration
	Jitter float64
}

// DefaultBackoff returns the policy used when AttachOptions leaves
// Backoff zero: 200ms doubling to 5s with 20% jitter.
func DefaultBackoff() BackoffPolicy {
	return BackoffPolicy{
		Base:   200 * time.Millisecond,
		Max:    5 * time.Second,
		Jitter: 0.2,
	}
}

// Validate reports an ErrInvalidOptions error for a policy that cannot
// produce sensible delays.
func (policy BackoffPolicy) Validate() error {
	if policy.Base <= 0 {
		return fmt.Errorf("%w: backoff base %v must be positive", ErrInvalidOptions, policy.Base)
	}
	if policy.Max < policy.Base {
		return fmt.Errorf("%w: backoff max %v is below base %v", ErrInvalidOptions, policy.Max, policy.Base)
	}
	if policy.Jitter < 0 || policy.Jitter > 1 {
		return fmt.Errorf("%w: backoff jitter %v outside [0, 1]", ErrInvalidOptions, policy.Jitter)
	}
	return nil
}

// Delay returns the wait before reconnect attempt number attempt
// (zero-based). random returns a value in [0, 1); nil uses
// math/rand/v2. The result never exceeds Max.
func (policy BackoffPolicy) Delay(attempt int, random func() float64) time.Duration {
	delay := policy.Base
	for range attempt {
		if delay >= policy.Max {
			break
		}
		delay *= 2
	}
	delay = min(delay, policy.Max)

	if policy.Jitter > 0 {
		if random == nil {
			random = rand.Float64
		}
		offset := (random()*2 - 1) * policy.Jitter * float64(delay)
		delay += time.Duration(offset)
	}
	return max(0, min(delay, policy.Max))
}
