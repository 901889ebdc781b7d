package microhttpd

import (
	"net"
	"strconv"
	"syscall"

	"github.com/pkg/errors"
	"github.com/valyala/tcplisten"
	"golang.org/x/sys/unix"
)

// openListenSocket returns the non-blocking listen descriptor of the
// daemon and its bound address. -1 means no listen socket.
func openListenSocket(cfg *Config) (int, net.Addr, error) {
	switch {
	case cfg.Listener != nil:
		fd, err := dupListenerFd(cfg.Listener)
		if err != nil {
			return -1, nil, err
		}
		return fd, cfg.Listener.Addr(), nil
	case cfg.adoptsListenFd():
		if err := unix.SetNonblock(cfg.ListenFd, true); err != nil {
			return -1, nil, errors.Wrapf(err, "cannot make listen descriptor %d non-blocking", cfg.ListenFd)
		}
		unix.CloseOnExec(cfg.ListenFd)
		sa, err := unix.Getsockname(cfg.ListenFd)
		if err != nil {
			return -1, nil, errors.Wrapf(err, "listen descriptor %d is not a socket", cfg.ListenFd)
		}
		return cfg.ListenFd, sockaddrToAddr(sa), nil
	case cfg.Flags&NoListenSocket != 0:
		return -1, nil, nil
	}

	network := "tcp4"
	if cfg.Flags&UseIPv6 != 0 {
		network = "tcp6"
	}
	addr := cfg.Addr
	if addr == "" {
		addr = ":" + strconv.Itoa(cfg.Port)
	}
	lc := &tcplisten.Config{
		ReusePort:   cfg.Flags&ReusePort != 0,
		DeferAccept: cfg.Flags&DeferAccept != 0,
		FastOpen:    cfg.Flags&TCPFastOpen != 0,
		Backlog:     cfg.ListenBacklog,
	}
	ln, err := lc.NewListener(network, addr)
	if err != nil {
		return -1, nil, errors.Wrapf(err, "cannot listen on %s %q", network, addr)
	}
	defer ln.Close()
	fd, err := dupListenerFd(ln)
	if err != nil {
		return -1, nil, err
	}
	return fd, ln.Addr(), nil
}

// dupListenerFd detaches a non-blocking copy of the descriptor of ln.
func dupListenerFd(ln net.Listener) (int, error) {
	sc, ok := ln.(syscall.Conn)
	if !ok {
		return -1, errors.Errorf("listener %T does not expose its descriptor", ln)
	}
	raw, err := sc.SyscallConn()
	if err != nil {
		return -1, errors.Wrap(err, "cannot access listener descriptor")
	}
	fd := -1
	var dupErr error
	if err = raw.Control(func(s uintptr) {
		fd, dupErr = unix.Dup(int(s))
	}); err != nil {
		return -1, errors.Wrap(err, "cannot access listener descriptor")
	}
	if dupErr != nil {
		return -1, errors.Wrap(dupErr, "cannot duplicate listener descriptor")
	}
	if err = unix.SetNonblock(fd, true); err != nil {
		_ = unix.Close(fd)
		return -1, errors.Wrap(err, "cannot make listen descriptor non-blocking")
	}
	unix.CloseOnExec(fd)
	return fd, nil
}

// acceptConnection accepts one pending connection. It reports whether a
// connection was taken off the queue.
func (d *Daemon) acceptConnection() bool {
	if d.listenFd < 0 || d.quiesced.Load() {
		return false
	}
	fd, sa, err := acceptNonblock(d.listenFd)
	if err != nil {
		switch err {
		case unix.EAGAIN, unix.EINTR, unix.ECONNABORTED:
		case unix.EMFILE, unix.ENFILE, unix.ENOBUFS, unix.ENOMEM:
			if d.connectionCount() == 0 {
				d.log.Warn().Err(err).
					Msg("hit process or system resource limit at FIRST connection, this is really bad as there is no sane way to proceed")
			} else {
				d.mu.Lock()
				d.atLimit = true
				d.mu.Unlock()
				d.log.Warn().Err(err).Int("connections", d.connectionCount()).
					Msg("hit process or system resource limit, temporarily suspending accept")
			}
		default:
			d.log.Error().Err(err).Msg("error accepting connection")
		}
		return false
	}
	if err = setSocketOptions(fd); err != nil {
		d.log.Warn().Err(err).Int("fd", fd).Msg("failed to set socket options")
	}
	addr := sockaddrToAddr(sa)
	switch {
	case d.master == nil:
		_ = d.internalAddConnection(fd, addr, false)
	case d.reserveSlot():
		_ = d.addReserved(fd, addr, false)
	default:
		// the listen socket is shared, a sibling may still have room
		_ = d.master.dispatch(fd, addr)
	}
	return true
}
