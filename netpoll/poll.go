package netpoll

import (
	"time"

	"github.com/pkg/errors"
	"golang.org/x/sys/unix"
)

type pollPoller struct {
	fds    []unix.PollFd
	index  map[int]int
	closed bool
}

// NewPoll returns a level triggered poll(2) backend with one slot per
// registered descriptor.
func NewPoll() (Poller, error) {
	return &pollPoller{index: make(map[int]int)}, nil
}

func (p *pollPoller) Name() string        { return "poll" }
func (p *pollPoller) EdgeTriggered() bool { return false }

func pollEvents(ev Event) int16 {
	var e int16
	if ev&EventRead != 0 {
		e |= unix.POLLIN
	}
	if ev&EventWrite != 0 {
		e |= unix.POLLOUT
	}
	return e
}

func (p *pollPoller) Add(fd int, ev Event) error {
	if i, ok := p.index[fd]; ok {
		p.fds[i].Events = pollEvents(ev)
		return nil
	}
	p.index[fd] = len(p.fds)
	p.fds = append(p.fds, unix.PollFd{Fd: int32(fd), Events: pollEvents(ev)})
	return nil
}

func (p *pollPoller) Modify(fd int, ev Event) error {
	return p.Add(fd, ev)
}

func (p *pollPoller) Remove(fd int) error {
	i, ok := p.index[fd]
	if !ok {
		return nil
	}
	last := len(p.fds) - 1
	if i != last {
		p.fds[i] = p.fds[last]
		p.index[int(p.fds[i].Fd)] = i
	}
	p.fds = p.fds[:last]
	delete(p.index, fd)
	return nil
}

func (p *pollPoller) Wait(dst []Ready, timeout time.Duration) ([]Ready, error) {
	dst = dst[:0]
	if p.closed {
		return dst, ErrClosed
	}
	for i := range p.fds {
		p.fds[i].Revents = 0
	}
	if len(p.fds) == 0 {
		if timeout < 0 {
			return dst, errors.New("poll: nothing to wait for")
		}
		time.Sleep(timeout)
		return dst, nil
	}
	n, err := unix.Poll(p.fds, timeoutMillis(timeout))
	if err != nil {
		if err == unix.EINTR {
			return dst, nil
		}
		return dst, errors.Wrap(err, "poll failed")
	}
	if n == 0 {
		return dst, nil
	}
	for i := range p.fds {
		re := p.fds[i].Revents
		if re == 0 {
			continue
		}
		var ev Event
		if re&(unix.POLLIN|unix.POLLPRI) != 0 {
			ev |= EventRead
		}
		if re&unix.POLLOUT != 0 {
			ev |= EventWrite
		}
		if re&(unix.POLLERR|unix.POLLHUP|unix.POLLNVAL) != 0 {
			ev |= EventError
		}
		dst = append(dst, Ready{Fd: int(p.fds[i].Fd), Events: ev})
	}
	return dst, nil
}

func (p *pollPoller) Close() error {
	p.closed = true
	p.fds = nil
	p.index = nil
	return nil
}
