package loopcore

import (
	"os"
	"os/signal"
	"sync"
	"syscall"
)

// waker is satisfied by both concrete backends; signalBridge uses it to
// unblock a parked Dispatch call as soon as a signal arrives on Go's
// runtime signal-delivery goroutine, folding an asynchronous OS event back
// into the single-threaded dispatch loop the same way the wake-fd does for
// an external Wake().
type waker interface {
	Wake() error
}

// signalBridge wraps os/signal.Notify in a channel-fed shape, with one
// Notify channel per signal number. Multiple callback ids may watch the same signal
// number; each delivery fires all of them, with the KindSignal callback
// signature `(callback_id, signal_number) -> void`.
type signalBridge struct {
	w waker

	mu       sync.Mutex
	watchers map[int][]CallbackID
	notified map[int]chan os.Signal

	pendingMu sync.Mutex
	pending   []int // signal numbers delivered since the last drain
}

func newSignalBridge(w waker) *signalBridge {
	return &signalBridge{
		w:        w,
		watchers: make(map[int][]CallbackID),
		notified: make(map[int]chan os.Signal),
	}
}

// watch registers id as interested in sig. The first watcher for a given
// signal number starts a dedicated signal.Notify channel and relay
// goroutine; later watchers for the same number share it.
func (b *signalBridge) watch(sig int, id CallbackID) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.watchers[sig] = append(b.watchers[sig], id)
	if _, ok := b.notified[sig]; ok {
		return
	}
	ch := make(chan os.Signal, 1)
	signal.Notify(ch, syscall.Signal(sig))
	b.notified[sig] = ch
	go b.relay(sig, ch)
}

func (b *signalBridge) relay(sig int, ch chan os.Signal) {
	for range ch {
		b.pendingMu.Lock()
		b.pending = append(b.pending, sig)
		b.pendingMu.Unlock()
		_ = b.w.Wake()
	}
}

// unwatch removes every watch registered for id across all signal numbers.
func (b *signalBridge) unwatch(id CallbackID) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for sig, ids := range b.watchers {
		out := ids[:0]
		for _, watchID := range ids {
			if watchID != id {
				out = append(out, watchID)
			}
		}
		if len(out) == 0 {
			delete(b.watchers, sig)
			if ch, ok := b.notified[sig]; ok {
				signal.Stop(ch)
				delete(b.notified, sig)
			}
		} else {
			b.watchers[sig] = out
		}
	}
}

// drain fires every callback watching a signal delivered since the last
// drain. Called once per Dispatch, after the I/O poll returns.
func (b *signalBridge) drain(fire func(CallbackID)) {
	b.pendingMu.Lock()
	sigs := b.pending
	b.pending = nil
	b.pendingMu.Unlock()

	if len(sigs) == 0 {
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, sig := range sigs {
		for _, id := range b.watchers[sig] {
			fire(id)
		}
	}
}

func (b *signalBridge) close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	for sig, ch := range b.notified {
		signal.Stop(ch)
		close(ch)
		delete(b.notified, sig)
	}
	b.watchers = make(map[int][]CallbackID)
}
