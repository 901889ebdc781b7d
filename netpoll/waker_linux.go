//go:build linux

package netpoll

import (
	"encoding/binary"

	"github.com/pkg/errors"
	"golang.org/x/sys/unix"
)

// Waker interrupts a Wait blocked in another goroutine. On Linux it is an
// eventfd.
type Waker struct {
	fd int
}

func NewWaker() (*Waker, error) {
	fd, err := unix.Eventfd(0, unix.EFD_NONBLOCK|unix.EFD_CLOEXEC)
	if err != nil {
		return nil, errors.Wrap(err, "cannot create eventfd")
	}
	return &Waker{fd: fd}, nil
}

// Fd is the descriptor to register for EventRead.
func (w *Waker) Fd() int { return w.fd }

// Wake makes the descriptor readable. A full counter means a wake is
// already pending, which is fine.
func (w *Waker) Wake() error {
	var b [8]byte
	binary.LittleEndian.PutUint64(b[:], 1)
	_, err := unix.Write(w.fd, b[:])
	if err != nil && err != unix.EAGAIN {
		return errors.Wrap(err, "cannot signal eventfd")
	}
	return nil
}

// Drain clears pending wake ups.
func (w *Waker) Drain() {
	var b [8]byte
	_, _ = unix.Read(w.fd, b[:])
}

func (w *Waker) Close() error {
	if w.fd < 0 {
		return nil
	}
	err := unix.Close(w.fd)
	w.fd = -1
	return err
}
