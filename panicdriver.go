package loopcore

import "time"

// driverHandle is the operation surface the Accessor dispatches through,
// satisfied by both *Driver and the transient panicDriver installed during
// Accessor.SetDriver. Named apart from Driver itself so Accessor can hold either
// without a type switch.
type driverHandle interface {
	Queue(fn func())
	Defer(fn func(CallbackID)) CallbackID
	Delay(delay time.Duration, fn func(CallbackID)) CallbackID
	Repeat(interval time.Duration, fn func(CallbackID)) CallbackID
	OnReadable(fd int, handle any, fn func(CallbackID, any)) CallbackID
	OnWritable(fd int, handle any, fn func(CallbackID, any)) CallbackID
	OnSignal(sig int, fn func(CallbackID, int)) CallbackID
	Enable(id CallbackID) error
	Disable(id CallbackID)
	Cancel(id CallbackID)
	Reference(id CallbackID) error
	Unreference(id CallbackID) error
	SetErrorHandler(h func(error)) (previous func(error))
	GetInfo() Info
	IsRunning() bool
	Now() time.Time
	GetHandle() int
	Stats() Stats
	Run() error
	Stop()
	Close() error
}

var _ driverHandle = (*Driver)(nil)
var _ driverHandle = (*panicDriver)(nil)

// panicDriver is the placeholder Accessor.SetDriver installs as the
// Accessor's handle while the replaced Driver is reclaimed. The
// registration operations panic; Enable, Reference and Unreference return
// InvalidStateError; Run returns ErrSwapWhileRunning; the remaining
// operations are no-ops returning zero values. Code holding the old *Driver
// directly does not go through this placeholder.
type panicDriver struct{}

const panicDriverMessage = "loopcore: operation attempted on a driver mid-swap"

func (panicDriver) Queue(fn func())                                          { panic(panicDriverMessage) }
func (panicDriver) Defer(fn func(CallbackID)) CallbackID                     { panic(panicDriverMessage) }
func (panicDriver) Delay(time.Duration, func(CallbackID)) CallbackID         { panic(panicDriverMessage) }
func (panicDriver) Repeat(time.Duration, func(CallbackID)) CallbackID        { panic(panicDriverMessage) }
func (panicDriver) OnReadable(int, any, func(CallbackID, any)) CallbackID    { panic(panicDriverMessage) }
func (panicDriver) OnWritable(int, any, func(CallbackID, any)) CallbackID    { panic(panicDriverMessage) }
func (panicDriver) OnSignal(int, func(CallbackID, int)) CallbackID           { panic(panicDriverMessage) }
func (panicDriver) Enable(CallbackID) error                                  { return &InvalidStateError{Message: panicDriverMessage} }
func (panicDriver) Disable(CallbackID)                                       {}
func (panicDriver) Cancel(CallbackID)                                        {}
func (panicDriver) Reference(CallbackID) error                               { return &InvalidStateError{Message: panicDriverMessage} }
func (panicDriver) Unreference(CallbackID) error                             { return &InvalidStateError{Message: panicDriverMessage} }
func (panicDriver) SetErrorHandler(h func(error)) (previous func(error))     { return nil }
func (panicDriver) GetInfo() Info                                            { return Info{} }
func (panicDriver) IsRunning() bool                                          { return false }
func (panicDriver) Now() time.Time                                           { return time.Time{} }
func (panicDriver) GetHandle() int                                           { return -1 }
func (panicDriver) Stats() Stats                                             { return Stats{} }
func (panicDriver) Run() error                                               { return ErrSwapWhileRunning }
func (panicDriver) Stop()                                                    {}
func (panicDriver) Close() error                                             { return nil }
