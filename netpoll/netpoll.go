// Package netpoll provides the readiness backends used by the daemon
// scheduler: select(2), poll(2) and epoll(7), behind one Poller interface,
// plus the Waker used to interrupt a blocked Wait from another goroutine.
package netpoll

import (
	"time"

	"github.com/pkg/errors"
)

// Event is a readiness bitmask.
type Event uint32

const (
	// EventRead asks for, or reports, readability.
	EventRead Event = 1 << iota
	// EventWrite asks for, or reports, writability.
	EventWrite
	// EventError reports an error or hang up condition. It is always
	// reported and never needs to be requested.
	EventError
	// EventEdge requests edge triggered notification. Only epoll honors it.
	EventEdge
)

func (e Event) String() string {
	s := ""
	if e&EventRead != 0 {
		s += "R"
	}
	if e&EventWrite != 0 {
		s += "W"
	}
	if e&EventError != 0 {
		s += "E"
	}
	if e&EventEdge != 0 {
		s += "T"
	}
	if s == "" {
		return "-"
	}
	return s
}

// Ready is one descriptor reported by Wait.
type Ready struct {
	Fd     int
	Events Event
}

// Poller is a readiness backend.
//
// A Poller is owned by a single scheduler goroutine; only Wait may run
// concurrently with a Waker of the same scheduler.
type Poller interface {
	// Add registers fd with the given interest. An empty interest keeps
	// the descriptor registered for error reports only.
	Add(fd int, ev Event) error
	// Modify replaces the interest of a registered fd.
	Modify(fd int, ev Event) error
	// Remove unregisters fd. Removing an unknown fd is not an error.
	Remove(fd int) error
	// Wait blocks until a registered descriptor is ready or timeout
	// elapsed and appends the ready descriptors to dst[:0]. A negative
	// timeout blocks indefinitely. An interrupted wait returns no events
	// and no error.
	Wait(dst []Ready, timeout time.Duration) ([]Ready, error)
	// EdgeTriggered reports whether readiness is only reported on changes.
	EdgeTriggered() bool
	// Name is the backend name used in logs.
	Name() string
	Close() error
}

var (
	// ErrFdTooLarge is returned by the select backend for descriptors that do
	// not fit into an fd_set.
	ErrFdTooLarge = errors.New("netpoll: descriptor exceeds FD_SETSIZE")
	// ErrNotSupported is returned on platforms without the requested backend.
	ErrNotSupported = errors.New("netpoll: backend not supported on this platform")
	ErrClosed       = errors.New("netpoll: poller closed")
)

func timeoutMillis(timeout time.Duration) int {
	if timeout < 0 {
		return -1
	}
	return int((timeout + time.Millisecond - 1) / time.Millisecond)
}
