package loopcore

import (
	"container/heap"
	"encoding/json"
	"sort"
	"time"

	"github.com/joeycumines/logiface"
	"github.com/joeycumines/stumpy"
)

var driverIDCounter uint64

// Driver is the scheduler/dispatcher: it owns the registry, the microtask
// queue, the enabled-referenced count, the error handler, and implements
// the tick loop. It runs single-threaded and cooperative, with no
// multi-goroutine ingress or parallel callback execution, dispatching its
// six callback kinds through one strictly-ordered tick.
type Driver struct {
	id uint64

	reg        *registry
	microtasks microtaskQueue
	backend    Backend
	clock      Clock
	logger     *logiface.Logger[*stumpy.Event]
	errHandler func(error)

	running bool
	stop    bool
	now     time.Time

	timers timerHeap

	pendingActivate []CallbackID

	tickCount uint64
	fired     [6]int64
}

// New constructs a Driver using the platform default Backend and a real
// monotonic Clock, configured by opts.
func New(opts ...DriverOption) (*Driver, error) {
	cfg := resolveDriverOptions(opts)

	backend := cfg.backend
	if backend == nil {
		var err error
		backend, err = newDefaultBackend()
		if err != nil {
			return nil, err
		}
	}

	clock := cfg.clock
	if clock == nil {
		clock = systemClock{}
	}

	logger := cfg.logger
	if logger == nil {
		logger = defaultLogger()
	}

	d := &Driver{
		id:         driverIDCounter + 1,
		reg:        newRegistry(cfg.scavengeBudget),
		backend:    backend,
		clock:      clock,
		logger:     logger,
		errHandler: cfg.errorHandler,
	}
	driverIDCounter++
	return d, nil
}

// --- registration operations ---

// Queue appends a microtask to the FIFO drained at every phase boundary.
func (d *Driver) Queue(fn func()) {
	d.microtasks.push(fn)
}

// Defer registers a one-shot callback fired once per activation, before any
// timer or I/O dispatch in its tick.
func (d *Driver) Defer(fn func(CallbackID)) CallbackID {
	rec := d.reg.add(KindDefer, nil)
	rec.invoke = func() { fn(rec.id) }
	d.pendingActivate = append(d.pendingActivate, rec.id)
	return rec.id
}

// Delay registers a one-shot timer callback firing once delay has elapsed.
func (d *Driver) Delay(delay time.Duration, fn func(CallbackID)) CallbackID {
	rec := d.reg.add(KindDelay, nil)
	rec.invoke = func() { fn(rec.id) }
	rec.expiration = d.currentNow().Add(delay)
	heap.Push(&d.timers, rec)
	d.pendingActivate = append(d.pendingActivate, rec.id)
	return rec.id
}

// Repeat registers a re-arming timer callback firing every interval.
func (d *Driver) Repeat(interval time.Duration, fn func(CallbackID)) CallbackID {
	rec := d.reg.add(KindRepeat, nil)
	rec.invoke = func() { fn(rec.id) }
	rec.interval = interval
	rec.expiration = d.currentNow().Add(interval)
	heap.Push(&d.timers, rec)
	d.pendingActivate = append(d.pendingActivate, rec.id)
	return rec.id
}

// OnReadable registers a callback fired when fd becomes readable.
func (d *Driver) OnReadable(fd int, handle any, fn func(CallbackID, any)) CallbackID {
	rec := d.reg.add(KindReadable, nil)
	rec.invoke = func() { fn(rec.id, handle) }
	rec.fd = fd
	rec.handle = handle
	d.pendingActivate = append(d.pendingActivate, rec.id)
	return rec.id
}

// OnWritable registers a callback fired when fd becomes writable.
func (d *Driver) OnWritable(fd int, handle any, fn func(CallbackID, any)) CallbackID {
	rec := d.reg.add(KindWritable, nil)
	rec.invoke = func() { fn(rec.id, handle) }
	rec.fd = fd
	rec.handle = handle
	d.pendingActivate = append(d.pendingActivate, rec.id)
	return rec.id
}

// OnSignal registers a callback fired on delivery of sig.
func (d *Driver) OnSignal(sig int, fn func(CallbackID, int)) CallbackID {
	rec := d.reg.add(KindSignal, nil)
	rec.invoke = func() { fn(rec.id, sig) }
	rec.signal = sig
	d.pendingActivate = append(d.pendingActivate, rec.id)
	return rec.id
}

// Enable re-enables a disabled callback. The callback is not eligible for
// dispatch until the next tick's activation phase.
func (d *Driver) Enable(id CallbackID) error {
	rec, err := d.reg.require(id, "enable")
	if err != nil {
		return err
	}
	if d.reg.setEnabled(rec, true) {
		d.pendingActivate = append(d.pendingActivate, id)
	}
	return nil
}

// Disable disables a callback; it will not be dispatched until re-enabled.
// Idempotent and silent on unknown ids.
func (d *Driver) Disable(id CallbackID) {
	rec := d.reg.lookup(id)
	if rec == nil {
		return
	}
	if d.reg.setEnabled(rec, false) {
		if isWatchKind(rec.kind) {
			_ = d.backend.Deactivate(id)
		}
	}
}

// Cancel invalidates a callback permanently. Idempotent and silent on
// unknown ids.
func (d *Driver) Cancel(id CallbackID) {
	rec := d.reg.lookup(id)
	if rec == nil {
		return
	}
	if isWatchKind(rec.kind) {
		_ = d.backend.Deactivate(id)
	}
	if rec.heapIndex >= 0 {
		d.timers.remove(rec)
	}
	d.reg.invalidate(rec)
}

// Reference marks id as contributing to loop liveness.
func (d *Driver) Reference(id CallbackID) error {
	rec, err := d.reg.require(id, "reference")
	if err != nil {
		return err
	}
	d.reg.setReferenced(rec, true)
	return nil
}

// Unreference marks id as not contributing to loop liveness. The callback
// still fires; it simply does not keep Run alive on its own.
func (d *Driver) Unreference(id CallbackID) error {
	rec, err := d.reg.require(id, "unreference")
	if err != nil {
		return err
	}
	d.reg.setReferenced(rec, false)
	return nil
}

// SetErrorHandler installs h as the error handler, returning the previous
// one.
func (d *Driver) SetErrorHandler(h func(error)) (previous func(error)) {
	previous = d.errHandler
	d.errHandler = h
	return previous
}

// GetInfo returns a snapshot of every callback kind's enabled/disabled and
// referenced/unreferenced counts, plus whether the driver is running.
func (d *Driver) GetInfo() Info {
	snap := d.reg.snapshot(d.running)
	return Info{snap}
}

// IsRunning reports whether Run is currently executing this Driver's tick loop.
func (d *Driver) IsRunning() bool { return d.running }

// Now returns the cached monotonic time for the current tick, or the
// clock's current reading if called outside Run.
func (d *Driver) Now() time.Time { return d.currentNow() }

func (d *Driver) currentNow() time.Time {
	if !d.running || d.now.IsZero() {
		return d.clock.Now()
	}
	return d.now
}

// GetHandle returns the backend's opaque native handle, e.g. the epoll or
// kqueue fd, for diagnostics.
func (d *Driver) GetHandle() int { return d.backend.Handle() }

// Stats is a reduced metrics surface: a tick counter and a per-kind fired
// counter. Single-threaded, so plain int64 fields suffice — no atomics.
type Stats struct {
	Ticks  uint64
	Fired  map[string]int64
}

func (d *Driver) Stats() Stats {
	fired := make(map[string]int64, 6)
	for k := Kind(0); k < 6; k++ {
		fired[k.String()] = d.fired[k]
	}
	return Stats{Ticks: d.tickCount, Fired: fired}
}

// Stop requests that Run return at the next tick's exit check.
func (d *Driver) Stop() {
	d.stop = true
	_ = d.backend.Wake()
}

// Close releases the Driver's Backend resources. Safe to call after Run
// returns; must not be called while Run is executing.
func (d *Driver) Close() error {
	return d.backend.Close()
}

// isWatchKind reports whether a kind is ever given to the Backend.
func isWatchKind(k Kind) bool {
	return k == KindReadable || k == KindWritable || k == KindSignal
}

// --- tick algorithm ---

// Run executes the tick loop until the stop flag is set or the
// enabled-referenced count and microtask queue both reach zero.
func (d *Driver) Run() (err error) {
	if d.running {
		// single-threaded: the only way Run can already be running is a
		// callback calling back into it.
		return ErrReentrantRun
	}
	d.running = true
	defer func() { d.running = false }()

	for {
		if done, tickErr := d.tick(); tickErr != nil {
			return tickErr
		} else if done {
			return nil
		}
	}
}

// tick runs one full pass through the six ordered phases: microtask drain,
// activation, defer dispatch, expired timers, backend I/O and signal
// dispatch, then an exit check. Returns done=true when Run should return.
func (d *Driver) tick() (done bool, err error) {
	d.tickCount++
	d.now = d.clock.Now()
	d.logAt(d.logger.Debug).Log("tick start")

	// Phase 1: microtask drain.
	d.drainMicrotasks()

	// Phase 2: activation.
	dueDefers := d.activate()

	// Phase 3: defer dispatch.
	d.dispatchDefers()
	d.drainMicrotasks()

	// Phase 4: expired timers.
	timersFired := d.dispatchTimers()
	d.drainMicrotasks()

	// Phase 5: I/O and signals. Blocking is only worthwhile if something
	// still keeps the loop alive: a registry with no enabled-referenced
	// entries exits at phase 6 regardless of what Dispatch reports, so
	// waiting on it here would stall Run past the point it was already
	// going to return.
	blocking := d.microtasks.empty() && !dueDefers && !timersFired && !d.stop && d.reg.enabledReferenced > 0
	timeout := d.nextTimerTimeout()
	if ioErr := d.backend.Dispatch(timeout, blocking, d.fireWatch); ioErr != nil {
		return true, WrapError("loopcore: backend dispatch failed", ioErr)
	}
	d.drainMicrotasks()

	d.reg.compactAll()

	// Phase 6: tick exit check.
	if d.stop || (d.reg.enabledReferenced == 0 && d.microtasks.empty()) {
		return true, nil
	}
	return false, nil
}

func (d *Driver) drainMicrotasks() {
	d.microtasks.drain(d.safeRun)
}

// activate hands newly-enabled callbacks to the Backend (watch kinds only)
// and marks them activated. Returns whether any Defer became activated
// this tick (used for the phase-5 blocking decision).
func (d *Driver) activate() (dueDefers bool) {
	if len(d.pendingActivate) == 0 {
		return false
	}
	pending := d.pendingActivate
	d.pendingActivate = nil

	var watches []Watch
	for _, id := range pending {
		rec := d.reg.lookup(id)
		if rec == nil || !rec.state.Enabled() || rec.activated {
			continue
		}
		rec.activated = true
		if rec.kind == KindDefer {
			dueDefers = true
		}
		if isWatchKind(rec.kind) {
			watches = append(watches, Watch{ID: rec.id, Kind: rec.kind, FD: rec.fd, Signal: rec.signal})
		}
	}
	if len(watches) > 0 {
		if err := d.backend.Activate(watches); err != nil {
			d.reportError(&UserError{Value: err})
		}
	}
	return dueDefers
}

// dispatchDefers fires every activated, enabled Defer once, invalidating
// each id before invocation (one-shot). Fired in enablement order
// (rec.enabledSeq), not kindIndex position, so a Defer disabled and later
// re-enabled fires after ones enabled in between.
func (d *Driver) dispatchDefers() {
	var due []*record
	d.reg.forEachKind(KindDefer, func(rec *record) bool {
		if rec.state.Enabled() && rec.activated {
			due = append(due, rec)
		}
		return true
	})
	sort.Slice(due, func(i, j int) bool { return due[i].enabledSeq < due[j].enabledSeq })
	for _, rec := range due {
		if rec.state == Invalidated {
			continue // cancelled by an earlier callback in this same pass
		}
		if !rec.state.Enabled() {
			continue // disabled by an earlier callback in this same pass
		}
		d.reg.invalidate(rec)
		d.fired[KindDefer]++
		d.logCallback(d.logAt(d.logger.Debug), rec.id, KindDefer).Log("defer fired")
		d.safeRun(rec.invoke)
		d.drainMicrotasks()
	}
}

// dispatchTimers fires every Delay/Repeat whose expiration has passed,
// ascending by expiration. Entries that are expired but not yet activated
// (created earlier this same tick, or currently disabled) are popped and
// re-queued unfired, without blocking the scan behind them.
func (d *Driver) dispatchTimers() (fired bool) {
	var requeue []*record
	for len(d.timers) > 0 && !d.timers[0].expiration.After(d.now) {
		rec := heap.Pop(&d.timers).(*record)

		if rec.state == Invalidated {
			continue
		}
		if !rec.activated || !rec.state.Enabled() {
			requeue = append(requeue, rec)
			continue
		}

		switch rec.kind {
		case KindDelay:
			d.reg.invalidate(rec)
			d.fired[KindDelay]++
			d.logCallback(d.logAt(d.logger.Debug), rec.id, KindDelay).Log("delay fired")
			fired = true
			d.safeRun(rec.invoke)
		case KindRepeat:
			d.fired[KindRepeat]++
			d.logCallback(d.logAt(d.logger.Debug), rec.id, KindRepeat).Log("repeat fired")
			fired = true
			d.safeRun(rec.invoke)
			if rec.state != Invalidated {
				rec.expiration = d.now.Add(rec.interval)
				heap.Push(&d.timers, rec)
			}
		}
		d.drainMicrotasks()
	}
	for _, rec := range requeue {
		heap.Push(&d.timers, rec)
	}
	return fired
}

// nextTimerTimeout returns how long Dispatch may block before the earliest
// pending timer expiration, or -1 if none is pending.
func (d *Driver) nextTimerTimeout() time.Duration {
	if len(d.timers) == 0 {
		return -1
	}
	delay := d.timers[0].expiration.Sub(d.now)
	if delay < 0 {
		delay = 0
	}
	return delay
}

// fireWatch is passed to Backend.Dispatch as the fire callback for
// Readable/Writable/Signal kinds. Unlike Defer/Delay, these are not
// one-shot: the id is not invalidated.
func (d *Driver) fireWatch(id CallbackID) {
	rec := d.reg.lookup(id)
	if rec == nil || !rec.state.Enabled() || !rec.activated {
		return
	}
	d.fired[rec.kind]++
	d.logCallback(d.logAt(d.logger.Debug), rec.id, rec.kind).Log("watch fired")
	d.safeRun(rec.invoke)
	d.drainMicrotasks()
}

// safeRun invokes fn, recovering a panic and routing it to the installed
// error handler as a UserError.
func (d *Driver) safeRun(fn func()) {
	if fn == nil {
		return
	}
	defer func() {
		if r := recover(); r != nil {
			d.reportError(&UserError{Value: r})
		}
	}()
	fn()
}

// reportError routes err to the installed error handler. If the handler
// panics, or none is installed, the error propagates by setting the stop
// flag and unwinding Run.
func (d *Driver) reportError(err error) {
	d.logAt(d.logger.Err).Err(err).Log("callback error")
	if d.errHandler == nil {
		d.stop = true
		return
	}
	defer func() {
		if r := recover(); r != nil {
			d.stop = true
		}
	}()
	d.errHandler(err)
}

// Info is a get_info() snapshot, rendered with explicit key names via
// MarshalJSON so callers consuming JSON see a stable, documented shape.
type Info struct {
	inner info
}

func (i Info) String() string { return i.inner.String() }

func (i Info) MarshalJSON() ([]byte, error) {
	type kc struct {
		Enabled  int `json:"enabled"`
		Disabled int `json:"disabled"`
	}
	type watchers struct {
		Referenced   int `json:"referenced"`
		Unreferenced int `json:"unreferenced"`
	}
	out := struct {
		Defer            kc       `json:"defer"`
		Delay            kc       `json:"delay"`
		Repeat           kc       `json:"repeat"`
		OnReadable       kc       `json:"on_readable"`
		OnWritable       kc       `json:"on_writable"`
		OnSignal         kc       `json:"on_signal"`
		EnabledWatchers  watchers `json:"enabled_watchers"`
		Running          bool     `json:"running"`
	}{
		Defer:           kc(i.inner.counts[KindDefer]),
		Delay:           kc(i.inner.counts[KindDelay]),
		Repeat:          kc(i.inner.counts[KindRepeat]),
		OnReadable:      kc(i.inner.counts[KindReadable]),
		OnWritable:      kc(i.inner.counts[KindWritable]),
		OnSignal:        kc(i.inner.counts[KindSignal]),
		EnabledWatchers: watchers(i.inner.refWatchers),
		Running:         i.inner.running,
	}
	return json.Marshal(out)
}
