//go:build linux

package loopcore

import (
	"time"

	"golang.org/x/sys/unix"
)

// epollBackend is the default Linux Backend: epoll for Readable/Writable/
// Signal watches, an eventfd self-pipe (wake_linux.go) folded into the same
// epoll set so an external Wake() or a delivered OS signal unblocks a parked
// epoll_wait the same way an I/O-ready fd would.
type epollBackend struct {
	epfd        int
	wakeRead    int
	wakeWrite   int
	byFD        map[int]CallbackID
	events      [128]unix.EpollEvent
	signals     *signalBridge
}

// newEpollBackend constructs and initializes the epoll instance plus its
// wake-fd registration.
func newEpollBackend() (*epollBackend, error) {
	epfd, err := unix.EpollCreate1(unix.EPOLL_CLOEXEC)
	if err != nil {
		return nil, err
	}
	wakeRead, wakeWrite, err := createWakeFd()
	if err != nil {
		_ = closeFD(epfd)
		return nil, err
	}
	b := &epollBackend{
		epfd:      epfd,
		wakeRead:  wakeRead,
		wakeWrite: wakeWrite,
		byFD:      make(map[int]CallbackID),
	}
	if err := unix.EpollCtl(epfd, unix.EPOLL_CTL_ADD, wakeRead, &unix.EpollEvent{
		Events: unix.EPOLLIN,
		Fd:     int32(wakeRead),
	}); err != nil {
		_ = closeFD(epfd)
		_ = closeFD(wakeRead)
		if wakeWrite != wakeRead {
			_ = closeFD(wakeWrite)
		}
		return nil, err
	}
	b.signals = newSignalBridge(b)
	return b, nil
}

func (b *epollBackend) Activate(watches []Watch) error {
	for _, w := range watches {
		switch w.Kind {
		case KindReadable, KindWritable:
			events := uint32(unix.EPOLLIN)
			if w.Kind == KindWritable {
				events = unix.EPOLLOUT
			}
			b.byFD[w.FD] = w.ID
			if err := unix.EpollCtl(b.epfd, unix.EPOLL_CTL_ADD, w.FD, &unix.EpollEvent{
				Events: events,
				Fd:     int32(w.FD),
			}); err != nil {
				return err
			}
		case KindSignal:
			b.signals.watch(w.Signal, w.ID)
		}
	}
	return nil
}

func (b *epollBackend) Deactivate(id CallbackID) error {
	for fd, watchID := range b.byFD {
		if watchID == id {
			delete(b.byFD, fd)
			return unix.EpollCtl(b.epfd, unix.EPOLL_CTL_DEL, fd, nil)
		}
	}
	b.signals.unwatch(id)
	return nil
}

func (b *epollBackend) Dispatch(timeout time.Duration, blocking bool, fire func(CallbackID)) error {
	ms := -1
	if !blocking {
		ms = 0
	} else if timeout >= 0 {
		ms = int(timeout.Milliseconds())
		if ms == 0 && timeout > 0 {
			ms = 1
		}
	}

	n, err := unix.EpollWait(b.epfd, b.events[:], ms)
	if err != nil {
		if err == unix.EINTR {
			return nil
		}
		return err
	}
	for i := 0; i < n; i++ {
		fd := int(b.events[i].Fd)
		if fd == b.wakeRead {
			drainWakeFd(b.wakeRead)
			continue
		}
		if id, ok := b.byFD[fd]; ok {
			fire(id)
		}
	}
	b.signals.drain(fire)
	return nil
}

func (b *epollBackend) Handle() int { return b.epfd }

func (b *epollBackend) Wake() error {
	return signalWakeFd(b.wakeWrite)
}

func (b *epollBackend) Close() error {
	b.signals.close()
	_ = closeFD(b.wakeRead)
	if b.wakeWrite != b.wakeRead {
		_ = closeFD(b.wakeWrite)
	}
	return closeFD(b.epfd)
}

// newDefaultBackend constructs the platform default Backend, used by
// Accessor's lazy factory to pick the best available backend.
func newDefaultBackend() (Backend, error) {
	return newEpollBackend()
}
