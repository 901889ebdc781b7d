//go:build !linux

package netpoll

import (
	"github.com/pkg/errors"
	"golang.org/x/sys/unix"
)

// Waker interrupts a Wait blocked in another goroutine. Outside Linux it is
// a non-blocking pipe.
type Waker struct {
	r, w int
}

func NewWaker() (*Waker, error) {
	var p [2]int
	if err := unix.Pipe(p[:]); err != nil {
		return nil, errors.Wrap(err, "cannot create pipe")
	}
	for _, fd := range p {
		unix.CloseOnExec(fd)
		if err := unix.SetNonblock(fd, true); err != nil {
			_ = unix.Close(p[0])
			_ = unix.Close(p[1])
			return nil, errors.Wrap(err, "cannot make pipe non-blocking")
		}
	}
	return &Waker{r: p[0], w: p[1]}, nil
}

// Fd is the descriptor to register for EventRead.
func (w *Waker) Fd() int { return w.r }

// Wake makes the descriptor readable. A full pipe already wakes the reader.
func (w *Waker) Wake() error {
	_, err := unix.Write(w.w, []byte{'w'})
	if err != nil && err != unix.EAGAIN {
		return errors.Wrap(err, "cannot write to pipe")
	}
	return nil
}

// Drain clears pending wake ups.
func (w *Waker) Drain() {
	var b [64]byte
	for {
		n, err := unix.Read(w.r, b[:])
		if n <= 0 || err != nil {
			return
		}
	}
}

func (w *Waker) Close() error {
	if w.r < 0 {
		return nil
	}
	err1 := unix.Close(w.r)
	err2 := unix.Close(w.w)
	w.r, w.w = -1, -1
	if err1 != nil {
		return err1
	}
	return err2
}
