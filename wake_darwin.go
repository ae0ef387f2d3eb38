//go:build darwin

package loopcore

import (
	"golang.org/x/sys/unix"
)

// createWakeFd creates a self-pipe for wake-up notifications (Darwin has no
// eventfd).
func createWakeFd() (readFd, writeFd int, err error) {
	var fds [2]int
	if err := unix.Pipe(fds[:]); err != nil {
		return -1, -1, err
	}
	cleanup := func() {
		_ = closeFD(fds[0])
		_ = closeFD(fds[1])
	}
	unix.CloseOnExec(fds[0])
	unix.CloseOnExec(fds[1])
	if err := unix.SetNonblock(fds[0], true); err != nil {
		cleanup()
		return -1, -1, err
	}
	if err := unix.SetNonblock(fds[1], true); err != nil {
		cleanup()
		return -1, -1, err
	}
	return fds[0], fds[1], nil
}

// drainWakeFd reads and discards every pending byte written by signalWakeFd.
func drainWakeFd(fd int) {
	var buf [64]byte
	for {
		if _, err := readFD(fd, buf[:]); err != nil {
			return
		}
	}
}

// signalWakeFd writes a single byte, waking a blocked kevent on the read end.
func signalWakeFd(writeFd int) error {
	_, err := writeFD(writeFd, []byte{1})
	return err
}
