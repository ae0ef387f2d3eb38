//go:build linux

package loopcore

import (
	"encoding/binary"

	"golang.org/x/sys/unix"
)

// createWakeFd creates an eventfd for wake-up notifications (Linux). The
// single fd serves as both the read and write end.
func createWakeFd() (readFd, writeFd int, err error) {
	fd, err := unix.Eventfd(0, unix.EFD_CLOEXEC|unix.EFD_NONBLOCK)
	return fd, fd, err
}

// drainWakeFd reads and discards every pending wake-up notification.
func drainWakeFd(fd int) {
	var buf [8]byte
	for {
		if _, err := readFD(fd, buf[:]); err != nil {
			return
		}
	}
}

// signalWakeFd writes one notification to the eventfd, waking a blocked
// epoll_wait on its read end.
func signalWakeFd(writeFd int) error {
	var buf [8]byte
	binary.NativeEndian.PutUint64(buf[:], 1)
	_, err := writeFD(writeFd, buf[:])
	return err
}
