package loopcore

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var testEpoch = time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)

// countEnabledReferenced recomputes the enabled-referenced count by a full
// scan of the registry, independent of the incrementally-maintained counter.
func countEnabledReferenced(d *Driver) int {
	n := 0
	for _, rec := range d.reg.byID {
		if rec.state == EnabledReferenced {
			n++
		}
	}
	return n
}

// P1: once Cancel(c) returns, no further invocation of c occurs; repeated
// Cancel(c) is a no-op.
func TestCancel_PreventsFutureInvocation_IdempotentOnRepeat(t *testing.T) {
	d, _, _ := newTestDriver(testEpoch)
	defer d.Close()

	fired := 0
	id := d.Defer(func(CallbackID) { fired++ })
	d.Cancel(id)
	d.Cancel(id) // idempotent, must not panic or double-decrement

	done, err := d.tick()
	require.NoError(t, err)
	assert.True(t, done)
	assert.Equal(t, 0, fired)
}

// P2: a callback enabled mid-tick (from inside another callback's
// invocation) is not activated, and so does not fire, until the following
// tick's activation phase.
func TestActivation_EnabledMidTickWaitsForNextTick(t *testing.T) {
	d, _, _ := newTestDriver(testEpoch)
	defer d.Close()

	var aFired, bFired int
	bID := d.Defer(func(CallbackID) { bFired++ })
	d.Disable(bID)
	d.Defer(func(CallbackID) {
		aFired++
		require.NoError(t, d.Enable(bID))
	})

	_, err := d.tick()
	require.NoError(t, err)
	assert.Equal(t, 1, aFired)
	assert.Equal(t, 0, bFired, "enabling mid-tick must not activate in the same tick")

	_, err = d.tick()
	require.NoError(t, err)
	assert.Equal(t, 1, bFired)
}

// P3: the incrementally-maintained enabled-referenced count always equals
// what a full-registry scan would compute, across a mix of state
// transitions.
func TestEnabledReferencedCount_MatchesFullScan(t *testing.T) {
	d, _, _ := newTestDriver(testEpoch)
	defer d.Close()

	deferID := d.Defer(func(CallbackID) {})
	delayID := d.Delay(time.Second, func(CallbackID) {})
	repeatID := d.Repeat(time.Second, func(CallbackID) {})
	readID := d.OnReadable(3, nil, func(CallbackID, any) {})

	assert.Equal(t, countEnabledReferenced(d), d.reg.enabledReferenced)

	require.NoError(t, d.Unreference(delayID))
	assert.Equal(t, countEnabledReferenced(d), d.reg.enabledReferenced)

	d.Disable(repeatID)
	assert.Equal(t, countEnabledReferenced(d), d.reg.enabledReferenced)

	require.NoError(t, d.Enable(repeatID))
	assert.Equal(t, countEnabledReferenced(d), d.reg.enabledReferenced)

	require.NoError(t, d.Reference(delayID))
	assert.Equal(t, countEnabledReferenced(d), d.reg.enabledReferenced)

	d.Cancel(readID)
	assert.Equal(t, countEnabledReferenced(d), d.reg.enabledReferenced)

	d.Cancel(deferID)
	assert.Equal(t, countEnabledReferenced(d), d.reg.enabledReferenced)
}

// P4 + S1: Defer callbacks fire in enablement order within a tick, and a
// microtask queued from inside one Defer fires before the next Defer.
func TestDeferOrder_MicrotaskInterleaving(t *testing.T) {
	d, _, _ := newTestDriver(testEpoch)
	defer d.Close()

	var order []string
	d.Defer(func(CallbackID) {
		order = append(order, "A")
		d.Queue(func() { order = append(order, "micro") })
	})
	d.Defer(func(CallbackID) {
		order = append(order, "B")
	})

	_, err := d.tick()
	require.NoError(t, err)
	assert.Equal(t, []string{"A", "micro", "B"}, order)
}

// P2: a Defer that disables a later, already-due Defer in the same tick
// prevents that later Defer from firing in this tick, even though it was
// already activated and due before the disable happened.
func TestDeferOrder_DisableMidTickSkipsLaterDueDefer(t *testing.T) {
	d, _, _ := newTestDriver(testEpoch)
	defer d.Close()

	bFired := false
	var bID CallbackID
	d.Defer(func(CallbackID) { d.Disable(bID) })
	bID = d.Defer(func(CallbackID) { bFired = true })

	_, err := d.tick()
	require.NoError(t, err)
	assert.False(t, bFired, "a Defer disabled by an earlier Defer in the same tick must not fire in that tick")
}

// P4: Defer callbacks fire in true enablement order, not kindIndex
// (creation) order — a Defer disabled and re-enabled after a second Defer
// was enabled fires after that second Defer.
func TestDeferOrder_ReflectsReenablementNotCreationOrder(t *testing.T) {
	d, _, _ := newTestDriver(testEpoch)
	defer d.Close()

	var order []string
	aID := d.Defer(func(CallbackID) { order = append(order, "A") })
	d.Disable(aID)
	d.Defer(func(CallbackID) { order = append(order, "B") })
	require.NoError(t, d.Enable(aID))

	_, err := d.tick()
	require.NoError(t, err)
	assert.Equal(t, []string{"B", "A"}, order, "A re-enabled after B was enabled must fire after B")
}

// P4: timer callbacks within the same tick fire in ascending expiration
// order, independent of registration order.
func TestTimerOrder_AscendingExpiration(t *testing.T) {
	d, clk, _ := newTestDriver(testEpoch)
	defer d.Close()

	var order []string
	d.Delay(20*time.Millisecond, func(CallbackID) { order = append(order, "late") })
	d.Delay(5*time.Millisecond, func(CallbackID) { order = append(order, "early") })

	_, err := d.tick() // activation only
	require.NoError(t, err)

	clk.Advance(25 * time.Millisecond)
	_, err = d.tick()
	require.NoError(t, err)

	assert.Equal(t, []string{"early", "late"}, order)
}

// S2: two Delay callbacks scheduled for the same expiration both fire
// exactly once within one tick; ordering between them is unspecified.
func TestTimerTieBreak_BothFireExactlyOnce(t *testing.T) {
	d, clk, _ := newTestDriver(testEpoch)
	defer d.Close()

	var xFired, yFired int
	d.Delay(10*time.Millisecond, func(CallbackID) { xFired++ })
	d.Delay(10*time.Millisecond, func(CallbackID) { yFired++ })

	_, err := d.tick()
	require.NoError(t, err)

	clk.Advance(10 * time.Millisecond)
	_, err = d.tick()
	require.NoError(t, err)

	assert.Equal(t, 1, xFired)
	assert.Equal(t, 1, yFired)
}

// P5: Run returns once the enabled-referenced count is zero and the
// microtask queue is empty, with nothing registered.
func TestRun_ReturnsWhenQuiescent(t *testing.T) {
	d, _, _ := newTestDriver(testEpoch)
	defer d.Close()

	err := d.Run()
	require.NoError(t, err)
	assert.False(t, d.IsRunning())
}

// P5: Run returns once the stop flag is set, even with live referenced
// work still registered.
func TestRun_ReturnsWhenStopped(t *testing.T) {
	d, _, _ := newTestDriver(testEpoch)
	defer d.Close()

	d.Repeat(time.Hour, func(CallbackID) {})
	d.Stop()

	err := d.Run()
	require.NoError(t, err)
	assert.False(t, d.IsRunning())
}

// P5: an uncaught UserError (no handler installed) sets the stop flag and
// Run returns, rather than looping forever on a callback that keeps
// panicking.
func TestRun_ReturnsOnUncaughtError(t *testing.T) {
	d, _, _ := newTestDriver(testEpoch)
	defer d.Close()

	d.Defer(func(CallbackID) { panic("boom") })

	err := d.Run()
	require.NoError(t, err)
	assert.False(t, d.IsRunning())
}

// P6: microtasks drain in FIFO order, including ones enqueued while
// draining.
func TestMicrotaskDrain_FIFO(t *testing.T) {
	d, _, _ := newTestDriver(testEpoch)
	defer d.Close()

	var order []int
	d.Queue(func() {
		order = append(order, 1)
		d.Queue(func() { order = append(order, 3) })
	})
	d.Queue(func() { order = append(order, 2) })

	d.drainMicrotasks()
	assert.Equal(t, []int{1, 2, 3}, order)
}

// P7: a Repeat callback's next expiration after firing at real time t is
// t + interval; a large backlog of missed intervals does not stack into
// multiple fires in one tick.
func TestRepeat_NextExpirationDoesNotStack(t *testing.T) {
	d, clk, _ := newTestDriver(testEpoch)
	defer d.Close()

	fired := 0
	d.Repeat(10*time.Millisecond, func(CallbackID) { fired++ })

	_, err := d.tick() // activation only, not yet expired
	require.NoError(t, err)
	assert.Equal(t, 0, fired)

	clk.Advance(35 * time.Millisecond) // 3.5 intervals behind
	_, err = d.tick()
	require.NoError(t, err)

	assert.Equal(t, 1, fired, "a backlog of missed intervals must not fire more than once per tick")
	require.Len(t, d.timers, 1)
	assert.Equal(t, testEpoch.Add(45*time.Millisecond), d.timers[0].expiration)
}

// S4: a Delay callback that is unreferenced before Run must not keep Run
// blocked waiting on its own expiration; Run returns immediately and the
// callback never fires.
func TestUnreference_RunReturnsImmediately(t *testing.T) {
	d, _, _ := newTestDriver(testEpoch)
	defer d.Close()

	fired := false
	id := d.Delay(time.Second, func(CallbackID) { fired = true })
	require.NoError(t, d.Unreference(id))

	err := d.Run()
	require.NoError(t, err)
	assert.False(t, fired)
}

// S3: a Repeat callback scheduled every 50ms fires 4-6 times over a 260ms
// wall-clock run, with successive fires at least one interval apart. Uses
// the real clock (not fixedClock) since nothing advances it otherwise.
func TestRepeat_WallClockCadence(t *testing.T) {
	d, err := New(WithBackend(newFakeBackend()))
	require.NoError(t, err)
	defer d.Close()

	start := time.Now()
	var fireTimes []time.Time
	d.Repeat(50*time.Millisecond, func(CallbackID) {
		fireTimes = append(fireTimes, time.Now())
		if time.Since(start) >= 260*time.Millisecond {
			d.Stop()
		}
	})

	require.NoError(t, d.Run())

	assert.GreaterOrEqual(t, len(fireTimes), 4)
	assert.LessOrEqual(t, len(fireTimes), 6)
	for i := 1; i < len(fireTimes); i++ {
		gap := fireTimes[i].Sub(fireTimes[i-1])
		assert.GreaterOrEqual(t, gap, 45*time.Millisecond, "fires must be roughly one interval apart")
	}
}

// S5: an installed error handler receives exactly one UserError from a
// throwing Defer, and later clean Defers in the same tick still fire.
func TestErrorHandler_ReceivesOneError_LaterDefersStillFire(t *testing.T) {
	d, _, _ := newTestDriver(testEpoch)
	defer d.Close()

	var caught []error
	d.SetErrorHandler(func(err error) { caught = append(caught, err) })

	boom := "kaboom"
	cleanFired := false
	d.Defer(func(CallbackID) { panic(boom) })
	d.Defer(func(CallbackID) { cleanFired = true })

	_, err := d.tick()
	require.NoError(t, err)

	require.Len(t, caught, 1)
	var userErr *UserError
	require.ErrorAs(t, caught[0], &userErr)
	assert.Equal(t, boom, userErr.Value)
	assert.True(t, cleanFired)
}
