package loopcore

import "sync"

// Suspension binds the Driver to one cooperative execution context — the
// process "main" context or a spawned child context — and exposes the
// suspend/resume/throw handoff that lets imperative code park itself until
// a callback wakes it, via two distinct context shapes depending on which
// goroutine the park happens on.
type Suspension struct {
	main  *MainContext
	child *ChildContext
}

// Suspend parks the calling execution context until Resume or Throw is
// called on this Suspension, returning the resumed value or failing with
// the thrown error.
func (s *Suspension) Suspend() (any, error) {
	if s.main != nil {
		return s.main.suspend()
	}
	return s.child.suspend()
}

// Resume wakes a parked Suspend call with value. Fails with InvalidState if
// the bound context is not currently parked.
func (s *Suspension) Resume(value any) error {
	if s.main != nil {
		return s.main.resume(value)
	}
	return s.child.resume(value)
}

// Throw wakes a parked Suspend call, making it fail with err. Fails with
// InvalidState if the bound context is not currently parked.
func (s *Suspension) Throw(err error) error {
	if s.main != nil {
		return s.main.throw(err)
	}
	return s.child.throw(err)
}

// MainContext is the process's single cooperative execution context
// unrelated to any particular callback — typically the goroutine that
// constructed the Driver and has not (yet) called Run. Its suspend pumps
// the Driver's tick loop directly on the calling goroutine rather than
// blocking on a channel, since nothing else may be driving the Driver's
// ticks concurrently.
type MainContext struct {
	d *Driver

	parked  bool
	resumed bool
	value   any
	err     error
	done    bool
}

func newMainContext(d *Driver) *MainContext {
	return &MainContext{d: d}
}

// terminated reports whether this context has completed a suspend/resume
// cycle (or never started one) and is eligible for Accessor replacement.
func (m *MainContext) terminated() bool {
	return !m.parked
}

func (m *MainContext) newSuspension() *Suspension {
	return &Suspension{main: m}
}

func (m *MainContext) suspend() (any, error) {
	if m.parked {
		return nil, &InvalidStateError{Message: "MainContext.suspend called while already parked"}
	}
	if m.d.running {
		return nil, &InvalidStateError{Message: "MainContext.suspend called from within the tick loop; use a ChildContext instead"}
	}

	m.parked = true
	m.resumed = false
	m.value = nil
	m.err = nil
	m.d.running = true
	defer func() {
		m.parked = false
		m.d.running = false
	}()

	for {
		done, tickErr := m.d.tick()
		if tickErr != nil {
			return nil, tickErr
		}
		if m.resumed {
			if m.err != nil {
				return nil, m.err
			}
			return m.value, nil
		}
		if done {
			return nil, &DeadlockError{Message: "main context suspended but the driver drained before resume"}
		}
	}
}

func (m *MainContext) resume(value any) error {
	if !m.parked || m.resumed {
		return &InvalidStateError{Message: "MainContext.resume called while not parked"}
	}
	m.resumed = true
	m.value = value
	return nil
}

func (m *MainContext) throw(err error) error {
	if !m.parked || m.resumed {
		return &InvalidStateError{Message: "MainContext.throw called while not parked"}
	}
	m.resumed = true
	m.err = err
	return nil
}

// asyncResult carries the value or error delivered to a parked ChildContext.
type asyncResult struct {
	value any
	err   error
}

// ChildContext is a cooperative execution context spawned onto its own
// goroutine, for user code that needs to park independently of the
// Driver's own tick goroutine (e.g. code structured as synchronous-looking
// async/await using Suspension under the hood). Unlike MainContext, its
// suspend blocks on a channel instead of pumping ticks itself — the
// Driver's Run loop continues independently on its own goroutine.
//
// Resume and Throw are part of "Suspension resumption", which doc.go
// documents as happening on the Driver's single logical thread of control:
// they are called from a callback running on the Driver's own goroutine,
// and they do not return until the child goroutine has run to its next
// safe point — a further Suspend call (re-parking) or fn returning
// (terminating). That rendezvous is what keeps the child's user code from
// ever executing concurrently with the Driver: at any instant either the
// Driver's goroutine is making progress, or the child's is, never both.
type ChildContext struct {
	d *Driver

	mu          sync.Mutex
	parked      bool
	resumeCh    chan asyncResult
	awaitSettle chan struct{} // closed when the child reaches its next safe point
}

// NewChildContext spawns fn on a new goroutine, passing it a Suspension
// bound to a fresh ChildContext. fn is expected to call Suspension.Suspend
// zero or more times during its execution. The returned *ChildContext is
// the handle the Driver side holds onto: call its Resume/Throw (typically
// from within a Driver callback) to wake the parked fn.
func NewChildContext(d *Driver, fn func(*Suspension)) *ChildContext {
	c := &ChildContext{d: d}
	go func() {
		fn(c.newSuspension())
		c.reachSafePoint()
	}()
	return c
}

func (c *ChildContext) newSuspension() *Suspension {
	return &Suspension{child: c}
}

// Resume wakes fn's parked Suspend call with value, blocking until fn
// reaches its next safe point. Fails with InvalidState if fn is not
// currently parked, or if the Driver isn't running.
func (c *ChildContext) Resume(value any) error {
	return c.resume(value)
}

// Throw wakes fn's parked Suspend call, making it fail with err, blocking
// until fn reaches its next safe point. Fails with InvalidState if fn is
// not currently parked, or if the Driver isn't running.
func (c *ChildContext) Throw(err error) error {
	return c.throw(err)
}

// reachSafePoint signals a pending Resume/Throw (if any) that the child has
// parked again or finished, letting that call return. Must be called with
// c.mu unlocked.
func (c *ChildContext) reachSafePoint() {
	c.mu.Lock()
	settle := c.awaitSettle
	c.awaitSettle = nil
	c.mu.Unlock()
	if settle != nil {
		close(settle)
	}
}

func (c *ChildContext) suspend() (any, error) {
	c.mu.Lock()
	if c.parked {
		c.mu.Unlock()
		return nil, &InvalidStateError{Message: "ChildContext.suspend called while already parked"}
	}
	c.parked = true
	ch := make(chan asyncResult, 1)
	c.resumeCh = ch
	c.mu.Unlock()

	c.reachSafePoint() // tell any blocked Resume/Throw that this park is the new safe point

	res := <-ch

	c.mu.Lock()
	c.parked = false
	c.mu.Unlock()
	return res.value, res.err
}

func (c *ChildContext) resume(value any) error {
	return c.deliver(asyncResult{value: value})
}

func (c *ChildContext) throw(err error) error {
	return c.deliver(asyncResult{err: err})
}

// deliver hands res to a parked ChildContext and blocks until the child
// reaches its next safe point, keeping Resume/Throw honest with doc.go's
// single-logical-thread concurrency model instead of letting the child
// goroutine run free and unsynchronized against the Driver.
func (c *ChildContext) deliver(res asyncResult) error {
	if !c.d.IsRunning() {
		return &InvalidStateError{Message: "ChildContext.resume/throw called while the driver is not running"}
	}

	c.mu.Lock()
	if !c.parked || c.resumeCh == nil {
		c.mu.Unlock()
		return &InvalidStateError{Message: "ChildContext.resume/throw called while not parked"}
	}
	ch := c.resumeCh
	c.resumeCh = nil
	settle := make(chan struct{})
	c.awaitSettle = settle
	c.mu.Unlock()

	ch <- res
	<-settle
	return nil
}
