package vm

import (
	"github.com/chazu/kestrel/object"
)

// DefaultMaxPendingCalls bounds the pending-call queue.
const DefaultMaxPendingCalls = 32

// PendingCall is a callback scheduled from any goroutine and run on the
// main thread. A returned error is raised in the frame that delivered it.
type PendingCall func() error

// AddPendingCall schedules fn. It reports false when the queue is full.
// It is safe to call from any goroutine.
func (in *Interpreter) AddPendingCall(fn PendingCall) bool {
	in.pendingMu.Lock()
	defer in.pendingMu.Unlock()
	if len(in.pending) >= in.maxPending {
		return false
	}
	in.pending = append(in.pending, fn)
	in.hasPending.Store(true)
	return true
}

// HasPendingCalls reports whether callbacks are waiting for delivery.
func (in *Interpreter) HasPendingCalls() bool { return in.hasPending.Load() }

// PendingCallsRun returns how many pending calls have been delivered.
func (in *Interpreter) PendingCallsRun() int64 { return in.pendingRuns.Load() }

// MakePendingCalls runs the queued callbacks if th is the main thread. It
// stops at the first failing callback and returns its error as an
// exception; the rest stay queued.
func (th *Thread) MakePendingCalls() error {
	in := th.interp
	if !th.main || !in.hasPending.Load() || th.runningPending {
		return nil
	}
	th.runningPending = true
	defer func() { th.runningPending = false }()
	for {
		in.pendingMu.Lock()
		if len(in.pending) == 0 {
			in.hasPending.Store(false)
			in.pendingMu.Unlock()
			return nil
		}
		fn := in.pending[0]
		in.pending = in.pending[1:]
		in.pendingMu.Unlock()

		in.pendingRuns.Add(1)
		if err := fn(); err != nil {
			log.Debugf("pending call failed: %v", err)
			return object.AsException(err)
		}
	}
}
