//go:build darwin

package loopcore

import (
	"time"

	"golang.org/x/sys/unix"
)

// kqueueBackend is the default Darwin Backend: kqueue for
// Readable/Writable watches, plus the self-pipe wake mechanism
// (wake_darwin.go) registered as an EVFILT_READ watch on the pipe's read
// end.
type kqueueBackend struct {
	kq        int
	wakeRead  int
	wakeWrite int
	byIdent   map[uintptr]CallbackID
	events    [128]unix.Kevent_t
	signals   *signalBridge
}

func newKqueueBackend() (*kqueueBackend, error) {
	kq, err := unix.Kqueue()
	if err != nil {
		return nil, err
	}
	unix.CloseOnExec(kq)
	wakeRead, wakeWrite, err := createWakeFd()
	if err != nil {
		_ = closeFD(kq)
		return nil, err
	}
	b := &kqueueBackend{
		kq:        kq,
		wakeRead:  wakeRead,
		wakeWrite: wakeWrite,
		byIdent:   make(map[uintptr]CallbackID),
	}
	wakeEv := []unix.Kevent_t{{
		Ident:  uint64(wakeRead),
		Filter: unix.EVFILT_READ,
		Flags:  unix.EV_ADD | unix.EV_ENABLE,
	}}
	if _, err := unix.Kevent(kq, wakeEv, nil, nil); err != nil {
		_ = closeFD(kq)
		_ = closeFD(wakeRead)
		if wakeWrite != wakeRead {
			_ = closeFD(wakeWrite)
		}
		return nil, err
	}
	b.signals = newSignalBridge(b)
	return b, nil
}

func (b *kqueueBackend) Activate(watches []Watch) error {
	var kevents []unix.Kevent_t
	for _, w := range watches {
		switch w.Kind {
		case KindReadable, KindWritable:
			filter := int16(unix.EVFILT_READ)
			if w.Kind == KindWritable {
				filter = unix.EVFILT_WRITE
			}
			b.byIdent[uintptr(w.FD)] = w.ID
			kevents = append(kevents, unix.Kevent_t{
				Ident:  uint64(w.FD),
				Filter: filter,
				Flags:  unix.EV_ADD | unix.EV_ENABLE,
			})
		case KindSignal:
			b.signals.watch(w.Signal, w.ID)
		}
	}
	if len(kevents) == 0 {
		return nil
	}
	_, err := unix.Kevent(b.kq, kevents, nil, nil)
	return err
}

func (b *kqueueBackend) Deactivate(id CallbackID) error {
	for ident, watchID := range b.byIdent {
		if watchID == id {
			delete(b.byIdent, ident)
			kevents := []unix.Kevent_t{
				{Ident: uint64(ident), Filter: unix.EVFILT_READ, Flags: unix.EV_DELETE},
				{Ident: uint64(ident), Filter: unix.EVFILT_WRITE, Flags: unix.EV_DELETE},
			}
			_, _ = unix.Kevent(b.kq, kevents, nil, nil) // either filter may be unset; ignore errors
			return nil
		}
	}
	b.signals.unwatch(id)
	return nil
}

func (b *kqueueBackend) Dispatch(timeout time.Duration, blocking bool, fire func(CallbackID)) error {
	var ts *unix.Timespec
	switch {
	case !blocking:
		ts = &unix.Timespec{}
	case timeout >= 0:
		ts = &unix.Timespec{
			Sec:  int64(timeout / time.Second),
			Nsec: int64(timeout % time.Second),
		}
	}

	n, err := unix.Kevent(b.kq, nil, b.events[:], ts)
	if err != nil {
		if err == unix.EINTR {
			return nil
		}
		return err
	}
	for i := 0; i < n; i++ {
		ev := &b.events[i]
		if int(ev.Ident) == b.wakeRead {
			drainWakeFd(b.wakeRead)
			continue
		}
		if id, ok := b.byIdent[uintptr(ev.Ident)]; ok {
			fire(id)
		}
	}
	b.signals.drain(fire)
	return nil
}

func (b *kqueueBackend) Handle() int { return b.kq }

func (b *kqueueBackend) Wake() error {
	return signalWakeFd(b.wakeWrite)
}

func (b *kqueueBackend) Close() error {
	b.signals.close()
	_ = closeFD(b.wakeRead)
	if b.wakeWrite != b.wakeRead {
		_ = closeFD(b.wakeWrite)
	}
	return closeFD(b.kq)
}

func newDefaultBackend() (Backend, error) {
	return newKqueueBackend()
}
