package loopcore

import "time"

// Watch describes one callback a Backend should begin (or stop) observing.
// Only the Readable, Writable, and Signal kinds are ever watched by a
// Backend — Defer has no external readiness to observe, and Delay/Repeat
// expiration is tracked entirely by the Driver's own timer heap, resolved
// before any watch is ever dispatched in a tick.
type Watch struct {
	ID     CallbackID
	Kind   Kind
	FD     int // Readable / Writable
	Signal int // Signal
}

// Backend is the pluggable OS-readiness-probe abstraction. One concrete
// Backend is chosen at Driver construction; it never decides callback
// state, only observes readiness and reports it back to the Driver.
type Backend interface {
	// Activate begins observing each Watch's readiness, signal delivery, or
	// hang-up. Called once per tick with exactly the watches that
	// transitioned to activated this tick.
	Activate(watches []Watch) error

	// Deactivate stops observing a single watch. Called on disable and
	// cancel; watches are never one-shot, so firing does not deactivate.
	Deactivate(id CallbackID) error

	// Dispatch polls once. If blocking, it waits up to timeout (zero means
	// do not wait, negative means wait indefinitely) for the earliest of: a signal, an
	// I/O-readiness event, or an external Wake. It invokes fire once per
	// ready callback id, coalescing multiple events for the same callback
	// within this call into a single fire.
	Dispatch(timeout time.Duration, blocking bool, fire func(id CallbackID)) error

	// Handle returns an opaque backend-specific handle (e.g. the epoll or
	// kqueue fd), or -1 if none is meaningful.
	Handle() int

	// Wake unblocks a Dispatch call currently parked in another goroutine's
	// call to Run. Safe to call concurrently with Dispatch; optional in the
	// sense that a Backend with no cross-thread collaborators may no-op.
	Wake() error

	// Close releases backend resources. Called by Driver.Close, and by
	// Accessor.SetDriver when it reclaims the Driver being replaced.
	Close() error
}
