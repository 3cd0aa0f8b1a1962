package client

import "time"

// Backoff is the retry schedule of the autosave queue: Base, doubling per
// step, capped at Max, for at most MaxSteps retries.
type Backoff struct {
	Base     time.Duration
	Max      time.Duration
	MaxSteps int

	step int
}

// NewBackoff returns the 1s / 30s / 5 steps schedule.
func NewBackoff() *Backoff {
	return &Backoff{Base: time.Second, Max: 30 * time.Second, MaxSteps: 5}
}

// Next advances the schedule and returns the delay before the next retry.
// ok is false once MaxSteps retries have been handed out.
func (b *Backoff) Next() (delay time.Duration, ok bool) {
	if b.step >= b.MaxSteps {
		return 0, false
	}
	delay = b.Base << b.step
	if delay > b.Max || delay <= 0 {
		delay = b.Max
	}
	b.step++
	return delay, true
}

// Reset starts the schedule over.
func (b *Backoff) Reset() {
	b.step = 0
}

// Step returns how many retries have been handed out.
func (b *Backoff) Step() int {
	return b.step
}
