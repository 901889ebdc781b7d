package netpoll

import (
	"time"
	"unsafe"

	"github.com/pkg/errors"
	"golang.org/x/sys/unix"
)

// MaxSelectFd is the exclusive upper bound of descriptors select can watch.
var MaxSelectFd = len(unix.FdSet{}.Bits) * int(unsafe.Sizeof(unix.FdSet{}.Bits[0])) * 8

type selectPoller struct {
	interest map[int]Event
	rs       unix.FdSet
	ws       unix.FdSet
	es       unix.FdSet
	closed   bool
}

// NewSelect returns a level triggered select(2) backend. Every registered
// descriptor is also watched in the exception set, which is how blocked
// connections still notice errors.
func NewSelect() (Poller, error) {
	return &selectPoller{interest: make(map[int]Event)}, nil
}

func (p *selectPoller) Name() string        { return "select" }
func (p *selectPoller) EdgeTriggered() bool { return false }

func (p *selectPoller) Add(fd int, ev Event) error {
	if fd < 0 || fd >= MaxSelectFd {
		return errors.WithStack(ErrFdTooLarge)
	}
	p.interest[fd] = ev
	return nil
}

func (p *selectPoller) Modify(fd int, ev Event) error {
	return p.Add(fd, ev)
}

func (p *selectPoller) Remove(fd int) error {
	delete(p.interest, fd)
	return nil
}

func (p *selectPoller) Wait(dst []Ready, timeout time.Duration) ([]Ready, error) {
	dst = dst[:0]
	if p.closed {
		return dst, ErrClosed
	}
	p.rs.Zero()
	p.ws.Zero()
	p.es.Zero()
	maxFd := -1
	for fd, ev := range p.interest {
		if ev&EventRead != 0 {
			p.rs.Set(fd)
		}
		if ev&EventWrite != 0 {
			p.ws.Set(fd)
		}
		p.es.Set(fd)
		if fd > maxFd {
			maxFd = fd
		}
	}
	var tv *unix.Timeval
	if timeout >= 0 {
		t := unix.NsecToTimeval(int64(timeout))
		tv = &t
	}
	n, err := unix.Select(maxFd+1, &p.rs, &p.ws, &p.es, tv)
	if err != nil {
		if err == unix.EINTR {
			return dst, nil
		}
		return dst, errors.Wrap(err, "select failed")
	}
	if n == 0 {
		return dst, nil
	}
	for fd := range p.interest {
		var ev Event
		if p.rs.IsSet(fd) {
			ev |= EventRead
		}
		if p.ws.IsSet(fd) {
			ev |= EventWrite
		}
		if p.es.IsSet(fd) {
			ev |= EventError
		}
		if ev != 0 {
			dst = append(dst, Ready{Fd: fd, Events: ev})
		}
	}
	return dst, nil
}

func (p *selectPoller) Close() error {
	p.closed = true
	p.interest = nil
	return nil
}
