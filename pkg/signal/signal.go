// Package signal provides the control-plane wake-up primitives: a single-slot
// coalescing signal used between the controller's background loops, and the
// socket listener that lets the broker wake the scheduler.
package signal

// Signal is a bounded single-slot wake-up channel. Any number of Notify
// calls between two Wait receives collapse into one token, so a storm of
// wake-ups causes exactly one additional pass.
type Signal struct {
	ch chan struct{}
}

// New creates an empty signal.
func New() *Signal {
	return &Signal{ch: make(chan struct{}, 1)}
}

// Notify enqueues a wake-up token unless one is already pending.
func (s *Signal) Notify() {
	select {
	case s.ch <- struct{}{}:
	default:
	}
}

// Wait returns the channel a consumer blocks on.
func (s *Signal) Wait() <-chan struct{} {
	return s.ch
}
