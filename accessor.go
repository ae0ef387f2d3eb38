package loopcore

import "sync"

// Accessor is a process-wide singleton facade: one implicit Driver per
// process, created lazily by a factory that picks the best available
// backend. It owns the single lazily-created "main" Suspension context and
// the current driverHandle, swapped only while quiescent.
type Accessor struct {
	mu      sync.Mutex
	driver  driverHandle
	factory func() (*Driver, error)

	mainMu sync.Mutex
	main   *MainContext
}

// Default is the package-wide Accessor instance.
var Default = &Accessor{factory: func() (*Driver, error) { return New() }}

// Driver returns the process-wide default Driver, constructing it lazily on
// first use via the platform-default Backend.
func (a *Accessor) Driver() (driverHandle, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.driver == nil {
		d, err := a.factory()
		if err != nil {
			return nil, err
		}
		a.driver = d
	}
	return a.driver, nil
}

// SetDriver replaces the default Driver; it fails if a driver is currently
// running. The swap installs a panicDriver placeholder while finalization
// runs, so a callback that retained a reference to the old driver across
// the swap boundary cannot re-enter a half-torn-down Driver.
func (a *Accessor) SetDriver(next *Driver) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	if d, ok := a.driver.(*Driver); ok && d != nil && d.IsRunning() {
		return ErrSwapWhileRunning
	}

	old := a.driver
	a.driver = panicDriver{}
	if d, ok := old.(*Driver); ok && d != nil {
		d.reclaim()
	}
	a.driver = next
	return nil
}

// CreateSuspension returns a Suspension bound to the process-wide "main"
// context, lazily constructed, and recreated if the previous one
// terminated.
func (a *Accessor) CreateSuspension() (*Suspension, error) {
	drv, err := a.Driver()
	if err != nil {
		return nil, err
	}
	d, ok := drv.(*Driver)
	if !ok {
		return nil, &InvalidStateError{Message: "CreateSuspension called during driver swap"}
	}

	a.mainMu.Lock()
	defer a.mainMu.Unlock()
	if a.main == nil || a.main.terminated() {
		a.main = newMainContext(d)
	}
	return a.main.newSuspension(), nil
}

// reclaim tears down a Driver being replaced by SetDriver: every live callback is
// cancelled (so none can fire after the driver is gone) and the
// backend is closed. Run must not be executing concurrently; SetDriver's
// IsRunning check enforces that.
func (d *Driver) reclaim() {
	for k := Kind(0); k < 6; k++ {
		var ids []CallbackID
		d.reg.forEachKind(k, func(rec *record) bool {
			ids = append(ids, rec.id)
			return true
		})
		for _, id := range ids {
			d.Cancel(id)
		}
	}
	_ = d.backend.Close()
}
