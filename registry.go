package loopcore

import (
	"container/heap"
	"fmt"
	"strconv"
	"time"
)

// CallbackID is the opaque, globally-unique (within a Driver) identifier of
// a callback record. IDs are never reused.
type CallbackID string

// record is the heterogeneous, kind-tagged callback record: a single struct
// with kind-specific payload fields populated according to kind, switched on
// via the Kind enum rather than one interface implementation per callback.
type record struct {
	id         CallbackID
	kind       Kind
	state      State
	activated  bool
	enabledSeq uint64 // assigned at creation and whenever the record transitions to enabled; orders due Defers by enablement

	// Delay / Repeat payload.
	expiration time.Time
	interval   time.Duration
	heapIndex  int // position in the driver's timer heap, -1 when not queued

	// Readable / Writable payload.
	handle any
	fd     int

	// Signal payload.
	signal int

	// invoke dispatches the user callback with the arguments appropriate to
	// kind. Bound once at registration so the registry and driver never need
	// a type switch to call it.
	invoke func()
}

// registry is the in-memory data model for all registered callbacks: their
// state and indexes by kind. Callbacks are plain records keyed by
// CallbackID with an explicit lifecycle, not GC-collected objects.
type registry struct {
	nextID uint64
	byID   map[CallbackID]*record

	// kindIndex holds, per kind, the ids in creation order (re-enabling a
	// record does not move it; see record.enabledSeq). Invalidated
	// entries are left in place (tombstoned) until compact reclaims them,
	// an amortized-batch reclamation pass rather than an eager removal.
	kindIndex [6][]CallbackID
	tombs     [6]int // count of tombstoned (invalidated) entries per kind, to trigger compaction

	enabledReferenced int // count of entries with enabled ∧ referenced ∧ ¬Invalidated
	enableSeqCounter  uint64

	scavengeBudget int // tombstone count that triggers compact, see WithScavengeBudget
}

const defaultScavengeBudget = 64

func newRegistry(scavengeBudget int) *registry {
	if scavengeBudget <= 0 {
		scavengeBudget = defaultScavengeBudget
	}
	return &registry{
		byID:           make(map[CallbackID]*record),
		nextID:         1,
		scavengeBudget: scavengeBudget,
	}
}

// nextCallbackID renders the monotonic counter compactly (base36).
func (r *registry) nextCallbackID() CallbackID {
	id := r.nextID
	r.nextID++
	return CallbackID(strconv.FormatUint(id, 36))
}

// add inserts a freshly constructed record, enabled+referenced by default,
// and returns it.
func (r *registry) add(kind Kind, invoke func()) *record {
	rec := &record{
		id:         r.nextCallbackID(),
		kind:       kind,
		state:      EnabledReferenced,
		heapIndex:  -1,
		invoke:     invoke,
		enabledSeq: r.nextSeq(),
	}
	r.byID[rec.id] = rec
	r.kindIndex[kind] = append(r.kindIndex[kind], rec.id)
	r.enabledReferenced++
	return rec
}

// lookup returns the record for id, or nil if unknown or invalidated.
func (r *registry) lookup(id CallbackID) *record {
	rec := r.byID[id]
	if rec == nil || rec.state == Invalidated {
		return nil
	}
	return rec
}

// require looks up id and returns InvalidCallbackError tagged with op if
// the id is unknown or invalidated. Used by every operation except cancel
// and disable, which are silent on unknown ids.
func (r *registry) require(id CallbackID, op string) (*record, error) {
	rec := r.lookup(id)
	if rec == nil {
		return nil, &InvalidCallbackError{ID: id, Op: op}
	}
	return rec, nil
}

// setEnabled transitions a record's enabled flag, adjusting the
// enabled-referenced count. Returns false if the record was already in the
// requested state.
func (r *registry) setEnabled(rec *record, enabled bool) bool {
	if rec.state == Invalidated || rec.state.Enabled() == enabled {
		return false
	}
	wasCounted := rec.state.Enabled() && rec.state.Referenced()
	referenced := rec.state.Referenced()
	rec.state = stateFor(enabled, referenced)
	if enabled {
		rec.enabledSeq = r.nextSeq()
		rec.activated = false // newly enabled is not activated until the next tick
	}
	nowCounted := rec.state.Enabled() && rec.state.Referenced()
	if wasCounted && !nowCounted {
		r.enabledReferenced--
	} else if !wasCounted && nowCounted {
		r.enabledReferenced++
	}
	return true
}

// setReferenced transitions a record's referenced flag, adjusting the
// enabled-referenced count.
func (r *registry) setReferenced(rec *record, referenced bool) bool {
	if rec.state == Invalidated || rec.state.Referenced() == referenced {
		return false
	}
	wasCounted := rec.state.Enabled() && rec.state.Referenced()
	rec.state = stateFor(rec.state.Enabled(), referenced)
	nowCounted := rec.state.Enabled() && rec.state.Referenced()
	if wasCounted && !nowCounted {
		r.enabledReferenced--
	} else if !wasCounted && nowCounted {
		r.enabledReferenced++
	}
	return true
}

// nextSeq hands out FIFO-ordering sequence numbers for enablement events.
// A package-level counter would race across drivers in a concurrent
// program, but all registry mutation happens on the single driver
// goroutine (including across a driver swap — never two at once), so a
// registry-local counter suffices; kept as a method for clarity.
func (r *registry) nextSeq() uint64 {
	r.enableSeqCounter++
	return r.enableSeqCounter
}

// invalidate marks a record Invalidated (a terminal state — the id will
// never be reused or watched again) and removes it from the
// enabled-referenced count. The caller is responsible for telling the
// Backend to deactivate any watch and for removing the record from the
// timer heap.
func (r *registry) invalidate(rec *record) {
	if rec.state == Invalidated {
		return
	}
	if rec.state.Enabled() && rec.state.Referenced() {
		r.enabledReferenced--
	}
	rec.state = Invalidated
	r.tombs[rec.kind]++
	if r.tombs[rec.kind] > r.scavengeBudget && r.tombs[rec.kind]*2 > len(r.kindIndex[rec.kind]) {
		r.compact(rec.kind)
	}
}

// compact drops tombstoned (invalidated) ids from a kind index in one
// amortized batch pass, rather than eagerly removing each one at
// invalidation time.
func (r *registry) compact(kind Kind) {
	idx := r.kindIndex[kind]
	out := idx[:0]
	for _, id := range idx {
		if rec := r.byID[id]; rec != nil && rec.state != Invalidated {
			out = append(out, id)
		} else if rec != nil && rec.state == Invalidated {
			delete(r.byID, id)
		}
	}
	r.kindIndex[kind] = out
	r.tombs[kind] = 0
}

// compactAll runs compact for every kind with pending tombstones. Called at
// the end of each tick (the "scavenge" phase named in DESIGN.md).
func (r *registry) compactAll() {
	for k := Kind(0); k < 6; k++ {
		if r.tombs[k] > 0 {
			r.compact(k)
		}
	}
}

// forEachKind iterates live (non-invalidated) records of a kind in
// creation order, stopping early if fn returns false.
func (r *registry) forEachKind(kind Kind, fn func(*record) bool) {
	for _, id := range r.kindIndex[kind] {
		rec := r.byID[id]
		if rec == nil || rec.state == Invalidated {
			continue
		}
		if !fn(rec) {
			return
		}
	}
}

// info mirrors the external get_info() snapshot shape.
type info struct {
	counts  [6]kindCount
	refWatchers refCount
	running bool
}

type kindCount struct {
	Enabled  int `json:"enabled"`
	Disabled int `json:"disabled"`
}

type refCount struct {
	Referenced   int `json:"referenced"`
	Unreferenced int `json:"unreferenced"`
}

func (r *registry) snapshot(running bool) info {
	var snap info
	snap.running = running
	for k := Kind(0); k < 6; k++ {
		r.forEachKind(k, func(rec *record) bool {
			if rec.state.Enabled() {
				snap.counts[k].Enabled++
				if rec.state.Referenced() {
					snap.refWatchers.Referenced++
				} else {
					snap.refWatchers.Unreferenced++
				}
			} else {
				snap.counts[k].Disabled++
			}
			return true
		})
	}
	return snap
}

func (i info) String() string {
	return fmt.Sprintf("defer=%+v delay=%+v repeat=%+v readable=%+v writable=%+v signal=%+v watchers=%+v running=%v",
		i.counts[KindDefer], i.counts[KindDelay], i.counts[KindRepeat],
		i.counts[KindReadable], i.counts[KindWritable], i.counts[KindSignal],
		i.refWatchers, i.running)
}

// timerHeap is a min-heap of *record ordered by expiration, shared by Delay
// and Repeat kinds so a single tick phase can fire both in one ascending
// pass over expirations, holding registry records directly rather than
// detached timer structs.
type timerHeap []*record

func (h timerHeap) Len() int            { return len(h) }
func (h timerHeap) Less(i, j int) bool  { return h[i].expiration.Before(h[j].expiration) }
func (h timerHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].heapIndex, h[j].heapIndex = i, j
}

func (h *timerHeap) Push(x any) {
	rec := x.(*record)
	rec.heapIndex = len(*h)
	*h = append(*h, rec)
}

func (h *timerHeap) Pop() any {
	old := *h
	n := len(old)
	rec := old[n-1]
	old[n-1] = nil
	rec.heapIndex = -1
	*h = old[:n-1]
	return rec
}

func (h *timerHeap) remove(rec *record) {
	if rec.heapIndex < 0 || rec.heapIndex >= len(*h) {
		return
	}
	heap.Remove(h, rec.heapIndex)
}
