package loopcore

import (
	"sync"
	"time"
)

// fakeBackend is a deterministic Backend test double: it tracks which
// watches are active but never reports real OS readiness, since the
// properties under test (P1-P7, S1-S6) concern Defer/Delay/Repeat/
// microtask/Suspension ordering, not actual I/O or signal delivery.
type fakeBackend struct {
	mu        sync.Mutex
	activated map[CallbackID]Watch
	closed    bool
	wakes     int
}

func newFakeBackend() *fakeBackend {
	return &fakeBackend{activated: make(map[CallbackID]Watch)}
}

func (b *fakeBackend) Activate(watches []Watch) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, w := range watches {
		b.activated[w.ID] = w
	}
	return nil
}

func (b *fakeBackend) Deactivate(id CallbackID) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.activated, id)
	return nil
}

// Dispatch never reports real I/O readiness, but it honors timeout/blocking
// realistically enough to drive wall-clock cadence tests (S3) without
// busy-spinning: it sleeps for the requested timeout, capped defensively,
// when the caller asked to block.
func (b *fakeBackend) Dispatch(timeout time.Duration, blocking bool, fire func(id CallbackID)) error {
	if !blocking || timeout < 0 {
		return nil
	}
	const cap = 2 * time.Second
	if timeout > cap {
		timeout = cap
	}
	time.Sleep(timeout)
	return nil
}

func (b *fakeBackend) Handle() int { return -1 }

func (b *fakeBackend) Wake() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.wakes++
	return nil
}

func (b *fakeBackend) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.closed = true
	return nil
}

func (b *fakeBackend) watchCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.activated)
}

// newTestDriver builds a Driver over a fakeBackend and a fixedClock seeded
// at start, for fully deterministic tick-by-tick driving.
func newTestDriver(start time.Time) (*Driver, *fixedClock, *fakeBackend) {
	clk := newFixedClock(start)
	be := newFakeBackend()
	d, err := New(WithBackend(be), WithClock(clk))
	if err != nil {
		panic(err)
	}
	return d, clk, be
}
