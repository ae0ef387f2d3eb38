package loopcore

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// SetDriver swapped in while the current driver is quiescent succeeds, and
// tears down the old driver: every callback it was still holding is
// cancelled (invalidated) and its backend closed, so nothing from the old
// driver can fire after the swap.
func TestAccessor_SetDriver_SwapWhileQuiescentCancelsOldCallbacks(t *testing.T) {
	a := &Accessor{factory: func() (*Driver, error) { return New() }}

	oldBackend := newFakeBackend()
	oldDriver, err := New(WithBackend(oldBackend))
	require.NoError(t, err)
	require.NoError(t, a.SetDriver(oldDriver))

	fired := false
	id := oldDriver.Repeat(time.Hour, func(CallbackID) { fired = true })

	newBackend := newFakeBackend()
	newDriver, err := New(WithBackend(newBackend))
	require.NoError(t, err)

	require.NoError(t, a.SetDriver(newDriver))

	rec := oldDriver.reg.lookup(id)
	assert.Nil(t, rec, "old driver's callbacks must be invalidated by the swap")
	assert.True(t, oldBackend.closed, "old driver's backend must be closed by the swap")

	got, err := a.Driver()
	require.NoError(t, err)
	assert.Same(t, newDriver, got)

	_ = fired // never fires; the old driver's Run is never invoked in this test
}

// SetDriver fails with ErrSwapWhileRunning if the currently-installed
// driver's Run is executing, and leaves the running driver installed.
func TestAccessor_SetDriver_FailsWhileRunning(t *testing.T) {
	a := &Accessor{factory: func() (*Driver, error) { return New() }}

	be := newFakeBackend()
	running, err := New(WithBackend(be))
	require.NoError(t, err)
	require.NoError(t, a.SetDriver(running))

	swapErr := make(chan error, 1)
	release := make(chan struct{})
	running.Repeat(time.Millisecond, func(CallbackID) {
		select {
		case <-release:
			running.Stop()
		default:
			next, err := New()
			require.NoError(t, err)
			swapErr <- a.SetDriver(next)
			close(release)
		}
	})

	require.NoError(t, running.Run())

	select {
	case err := <-swapErr:
		assert.ErrorIs(t, err, ErrSwapWhileRunning)
	default:
		t.Fatal("SetDriver was never attempted while running")
	}

	got, err := a.Driver()
	require.NoError(t, err)
	assert.Same(t, running, got, "a failed swap must leave the running driver installed")
}

// CreateSuspension lazily constructs the Accessor's main context and reuses
// it for calls made while it is parked in Suspend; once it is no longer
// parked (here: after a completed suspend/resume cycle), the next call
// constructs a fresh one.
func TestAccessor_CreateSuspension_ReusesUntilTerminated(t *testing.T) {
	a := &Accessor{factory: func() (*Driver, error) { return New(WithBackend(newFakeBackend())) }}

	drv, err := a.Driver()
	require.NoError(t, err)
	d := drv.(*Driver)
	defer d.Close()

	susp1, err := a.CreateSuspension()
	require.NoError(t, err)

	d.Delay(5*time.Millisecond, func(CallbackID) {
		parked, err := a.CreateSuspension()
		require.NoError(t, err)
		assert.Same(t, susp1.main, parked.main, "a parked main context must be reused")
		require.NoError(t, susp1.Resume(1))
	})
	val, err := susp1.Suspend()
	require.NoError(t, err)
	assert.Equal(t, 1, val)

	susp2, err := a.CreateSuspension()
	require.NoError(t, err)
	assert.NotSame(t, susp1.main, susp2.main, "a terminated main context must be replaced, not reused")
}
