// Package loopcore implements the core of a single-threaded,
// cooperatively-scheduled event loop runtime: a [Driver] that schedules and
// dispatches user-registered callbacks in response to timers, I/O readiness,
// process signals, and explicit deferral, together with a [Suspension]
// primitive that lets imperative code park and resume across loop ticks.
//
// # Architecture
//
// A [Driver] owns a registry of callback records (tagged by [Kind]:
// Defer, Delay, Repeat, Readable, Writable, Signal), a timer heap for
// Delay/Repeat expiration, a FIFO microtask queue, a reference-counted
// liveness policy, and a pluggable [Backend] that observes file descriptor
// readiness and signal delivery. [Accessor] is a process-wide facade that lazily constructs a
// default Driver and owns the single lazily-created "main" [Suspension]
// context.
//
// # Tick ordering
//
// Each call to the Driver's internal tick runs, in strict order: a
// microtask drain, activation of newly-enabled callbacks, one-shot Defer
// dispatch, expired Delay/Repeat dispatch (ascending expiration), then
// Backend-driven Readable/Writable/Signal dispatch — with a microtask
// drain between every phase and between every individual callback
// invocation within a phase. See [Driver.Run] and the scenario-named
// tests (S1-S6) for the guaranteed orderings.
//
// # Platform support
//
// The default [Backend] implementations use epoll on Linux
// (backend_epoll_linux.go) and kqueue on Darwin (backend_kqueue_darwin.go).
// Both are plain adapters over golang.org/x/sys/unix; anything satisfying
// the [Backend] interface (including an IOCP-based adapter for Windows)
// can be supplied via [WithBackend].
//
// # Concurrency
//
// The Driver is NOT safe for concurrent use the way a thread-pool
// scheduler would be: all registration, tick processing, and Suspension
// resumption happens on a single logical thread of control by design, with
// no multi-threaded parallel callback execution anywhere in the model.
// The one exception is OS signal delivery and an explicit external wake,
// both of which originate outside the loop's thread of control and are
// folded back in via a self-pipe, bridging asynchronous OS events into a
// single-threaded reactor.
//
// # Usage
//
//	d, err := loopcore.New()
//	if err != nil {
//		log.Fatal(err)
//	}
//	defer d.Close()
//
//	d.Delay(100*time.Millisecond, func(loopcore.CallbackID) {
//		fmt.Println("fired")
//		d.Stop()
//	})
//
//	if err := d.Run(); err != nil {
//		log.Fatal(err)
//	}
package loopcore
