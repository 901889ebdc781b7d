//go:build linux

package netpoll

import (
	"time"

	"github.com/pkg/errors"
	"golang.org/x/sys/unix"
)

const epollET = 1 << 31

type epollPoller struct {
	epfd   int
	events []unix.EpollEvent
}

// NewEpoll returns an epoll(7) backend. Descriptors added with EventEdge
// are edge triggered; the caller must then drain them until EAGAIN.
func NewEpoll() (Poller, error) {
	fd, err := unix.EpollCreate1(unix.EPOLL_CLOEXEC)
	if err != nil {
		return nil, errors.Wrap(err, "cannot create epoll instance")
	}
	return &epollPoller{epfd: fd, events: make([]unix.EpollEvent, 128)}, nil
}

func (p *epollPoller) Name() string        { return "epoll" }
func (p *epollPoller) EdgeTriggered() bool { return true }

func epollEvents(ev Event) uint32 {
	var e uint32
	if ev&EventRead != 0 {
		e |= unix.EPOLLIN | unix.EPOLLPRI
	}
	if ev&EventWrite != 0 {
		e |= unix.EPOLLOUT
	}
	if ev&EventEdge != 0 {
		e |= epollET
	}
	return e
}

func (p *epollPoller) ctl(op, fd int, ev Event) error {
	e := unix.EpollEvent{Events: epollEvents(ev), Fd: int32(fd)}
	return unix.EpollCtl(p.epfd, op, fd, &e)
}

func (p *epollPoller) Add(fd int, ev Event) error {
	if err := p.ctl(unix.EPOLL_CTL_ADD, fd, ev); err != nil {
		return errors.Wrapf(err, "cannot add fd %d to epoll set", fd)
	}
	return nil
}

func (p *epollPoller) Modify(fd int, ev Event) error {
	if err := p.ctl(unix.EPOLL_CTL_MOD, fd, ev); err != nil {
		return errors.Wrapf(err, "cannot modify fd %d in epoll set", fd)
	}
	return nil
}

func (p *epollPoller) Remove(fd int) error {
	err := unix.EpollCtl(p.epfd, unix.EPOLL_CTL_DEL, fd, nil)
	if err != nil && err != unix.ENOENT && err != unix.EBADF {
		return errors.Wrapf(err, "cannot remove fd %d from epoll set", fd)
	}
	return nil
}

func (p *epollPoller) Wait(dst []Ready, timeout time.Duration) ([]Ready, error) {
	dst = dst[:0]
	if p.epfd < 0 {
		return dst, ErrClosed
	}
	msec := timeoutMillis(timeout)
	for {
		n, err := unix.EpollWait(p.epfd, p.events, msec)
		if err != nil {
			if err == unix.EINTR {
				return dst, nil
			}
			return dst, errors.Wrap(err, "epoll_wait failed")
		}
		for i := 0; i < n; i++ {
			e := p.events[i].Events
			var ev Event
			if e&(unix.EPOLLIN|unix.EPOLLPRI) != 0 {
				ev |= EventRead
			}
			if e&unix.EPOLLOUT != 0 {
				ev |= EventWrite
			}
			if e&(unix.EPOLLERR|unix.EPOLLHUP) != 0 {
				ev |= EventError
			}
			dst = append(dst, Ready{Fd: int(p.events[i].Fd), Events: ev})
		}
		// a full result may leave more events queued in the kernel
		if n < len(p.events) {
			return dst, nil
		}
		msec = 0
	}
}

func (p *epollPoller) Close() error {
	if p.epfd < 0 {
		return nil
	}
	err := unix.Close(p.epfd)
	p.epfd = -1
	return err
}
