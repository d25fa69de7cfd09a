package dispatch

import "time"

// Handle refers to one scheduled dispatch.
type Handle struct {
	ConversationID string
	Delay          time.Duration
	FireAt         time.Time

	s       *Scheduler
	seq     uint64
	version int64
	payload string
	timer   *time.Timer

	// guarded by s.mu
	firing bool
	result Result

	done chan struct{}
}

// Cancel stops this dispatch if it has not fired yet. Cancelling a dispatch
// that already fired, was replaced or was cancelled is a no-op.
func (h *Handle) Cancel() bool {
	s := h.s
	s.mu.Lock()
	if h.result.Outcome != OutcomeScheduled || h.firing {
		s.mu.Unlock()
		return false
	}
	s.cancelLocked(h)
	pending := len(s.pending)
	s.mu.Unlock()

	if s.observer != nil {
		s.observer.SetDispatchPending(pending)
	}
	s.report(h)
	return true
}

// Done is closed once the outcome is final.
func (h *Handle) Done() <-chan struct{} {
	return h.done
}

// Result returns the current result; Outcome is OutcomeScheduled until Done is closed.
func (h *Handle) Result() Result {
	h.s.mu.Lock()
	defer h.s.mu.Unlock()
	return h.result
}

// Outcome is shorthand for Result().Outcome.
func (h *Handle) Outcome() Outcome {
	return h.Result().Outcome
}

func (h *Handle) finish(r Result) {
	h.s.mu.Lock()
	defer h.s.mu.Unlock()
	h.finishLocked(r)
}

func (h *Handle) finishLocked(r Result) {
	if h.result.Outcome.Final() {
		return
	}
	h.result = r
	close(h.done)
}
