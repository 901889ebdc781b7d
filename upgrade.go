package microhttpd

import (
	"net"
	"os"
	"sync/atomic"

	"github.com/pkg/errors"
	"golang.org/x/sys/unix"

	"github.com/newacorn/microhttpd/netpoll"
)

// emergencyBufferSize is used for forwarding when the connection pool is
// exhausted.
const emergencyBufferSize = 8

// maxForwardRounds bounds the forwarding work done for one handle per
// scheduler pass.
const maxForwardRounds = 16

// UpgradeHandle is the application side of an upgraded connection, for
// example a WebSocket. The application owns the net.Conn passed to the
// UpgradeHandler and calls Close once it is done with it.
//
// On TLS daemons the application talks to one end of a socket pair and
// the daemon forwards between the other end and the TLS session.
type UpgradeHandle struct {
	c    *Connection
	conn net.Conn

	wasClosed  atomic.Bool
	cleanReady atomic.Bool

	// 守护进程一侧的socketpair描述符，仅TLS时有效
	mhdFd int

	// in: 远端 -> 应用, out: 应用 -> 远端
	in      []byte
	out     []byte
	inUsed  int
	outUsed int
	inSize  int
	outSize int

	// net: the TLS socket of the client, app: the socket pair
	netIO ioState
	appIO ioState

	emergency [emergencyBufferSize]byte
}

// Conn returns the stream handed to the upgrade handler.
func (u *UpgradeHandle) Conn() net.Conn { return u.conn }

// Close tells the daemon that the application is done with the upgraded
// connection. The net.Conn is closed; data still buffered for the client
// is forwarded before the connection is released.
func (u *UpgradeHandle) Close() error {
	if !u.wasClosed.CompareAndSwap(false, true) {
		return ErrAlreadyClosed
	}
	if u.conn != nil {
		_ = u.conn.Close()
	}
	u.c.resumeInternal()
	return nil
}

func fileConn(fd int, name string) (net.Conn, error) {
	f := os.NewFile(uintptr(fd), name)
	conn, err := net.FileConn(f)
	_ = f.Close()
	return conn, err
}

// executeUpgrade hands the connection to the upgrade handler of the queued
// response. The connection stays suspended until the handle is closed and
// forwarding finished.
func (c *Connection) executeUpgrade() error {
	d := c.daemon
	resp := c.response
	u := &UpgradeHandle{c: c, mhdFd: -1}
	extra := c.readBuf[:c.readOff]

	if c.tls == nil {
		fd, err := unix.Dup(c.fd)
		if err != nil {
			return errors.Wrap(err, "cannot duplicate upgraded socket")
		}
		if u.conn, err = fileConn(fd, "microhttpd-upgrade"); err != nil {
			return errors.Wrap(err, "cannot wrap upgraded socket")
		}
		// nothing to forward
		u.cleanReady.Store(true)
	} else {
		sv, err := unix.Socketpair(unix.AF_UNIX, unix.SOCK_STREAM|unix.SOCK_NONBLOCK|unix.SOCK_CLOEXEC, 0)
		if err != nil {
			return errors.Wrap(err, "cannot create socketpair for upgraded TLS connection")
		}
		if u.conn, err = fileConn(sv[0], "microhttpd-upgrade"); err != nil {
			_ = unix.Close(sv[1])
			return errors.Wrap(err, "cannot wrap socketpair")
		}
		u.mhdFd = sv[1]
		if d.cfg.usesSelect() && u.mhdFd >= netpoll.MaxSelectFd {
			_ = u.conn.Close()
			_ = unix.Close(u.mhdFd)
			return errors.Wrap(netpoll.ErrFdTooLarge, "socketpair descriptor")
		}

		var buf []byte
		if free := c.pool.free(); free >= emergencyBufferSize {
			buf = c.pool.allocate(free, false)
		}
		if buf == nil {
			// use what little we have
			buf = u.emergency[:]
		}
		half := len(buf) / 2
		u.in, u.out = buf[:half], buf[half:]
		u.inSize, u.outSize = len(u.in), len(u.out)
		u.netIO = ioReadReady | ioWriteReady
		u.appIO = ioReadReady | ioWriteReady
	}
	d.mu.Lock()
	c.urh = u
	d.mu.Unlock()
	c.suspendInternal()
	if u.mhdFd >= 0 && !d.tpc {
		d.registerUpgrade(u)
	}
	d.metrics.upgraded()
	resp.upgrade(c, extra, u.conn, u)
	return nil
}

// netInterest is what forwarding needs from the client socket.
func (u *UpgradeHandle) netInterest() netpoll.Event {
	var ev netpoll.Event
	if u.inUsed < u.inSize {
		ev |= netpoll.EventRead
	}
	if u.outUsed > 0 || u.c.tls.HasPendingWrite() {
		ev |= netpoll.EventWrite
	}
	return ev
}

// appInterest is what forwarding needs from the socket pair.
func (u *UpgradeHandle) appInterest() netpoll.Event {
	var ev netpoll.Event
	if u.outUsed < u.outSize {
		ev |= netpoll.EventRead
	}
	if u.inUsed > 0 {
		ev |= netpoll.EventWrite
	}
	return ev
}

// finished reports whether both directions are done.
func (u *UpgradeHandle) finished() bool {
	return u.inSize == 0 && u.outSize == 0 && u.inUsed == 0 && u.outUsed == 0 &&
		(!u.c.tls.HasPendingWrite() || u.netIO&ioError != 0)
}

// canProgress reports transfers that can run without waiting for the
// sockets, either from readiness left over from the last pass or from
// buffered TLS input.
func (u *UpgradeHandle) canProgress() bool {
	return u.inUsed < u.inSize && (u.netIO&ioReadReady != 0 || u.c.tls.ReadPending()) ||
		u.outUsed < u.outSize && u.appIO&ioReadReady != 0 ||
		u.outUsed > 0 && u.netIO&ioWriteReady != 0 ||
		u.inUsed > 0 && u.appIO&ioWriteReady != 0
}

// process forwards data in both directions as far as readiness allows.
func (u *UpgradeHandle) process() {
	for i := 0; i < maxForwardRounds && u.forward(); i++ {
	}
	d := u.c.daemon
	if d.shuttingDown() {
		if u.outSize != 0 || u.outUsed != 0 {
			u.c.logEvent(d.log.Debug()).Int("bytes", u.outUsed).
				Msg("daemon shutting down, application output will not be forwarded")
			u.outUsed = 0
		}
		if u.inSize != 0 || u.inUsed != 0 {
			u.c.logEvent(d.log.Debug()).Int("bytes", u.inUsed).
				Msg("daemon shutting down, application input will not be forwarded")
			u.inUsed = 0
		}
	}
}

// forward runs one round of the four transfers and reports progress.
func (u *UpgradeHandle) forward() bool {
	c := u.c
	d := c.daemon
	ts := c.tls
	progress := false

	if u.wasClosed.Load() && u.inSize != 0 {
		if u.inUsed != 0 {
			c.logEvent(d.log.Debug()).Int("bytes", u.inUsed).
				Msg("discarding data received from remote side: application closed the connection")
		}
		u.inUsed, u.inSize = 0, 0
		u.netIO &^= ioReadReady
		ts.readPending = false
	}

	// remote -> in
	if (u.netIO&(ioReadReady|ioError) != 0 || ts.ReadPending()) && u.inUsed < u.inSize {
		n, err := ts.Recv(u.in[u.inUsed:u.inSize])
		if err != nil {
			u.netIO &^= ioReadReady
			if err != ErrWouldBlock {
				// shut down or broken, stop reading from the client
				u.inSize = 0
			}
		} else if n > 0 {
			u.inUsed += n
			progress = true
		}
		if u.netIO&(ioError|ioReadReady) == ioError && !ts.ReadPending() {
			u.inSize = 0
		}
	}

	// application -> out
	if u.appIO&(ioReadReady|ioError) != 0 && u.outUsed < u.outSize {
		room := u.outSize - u.outUsed
		n, err := unix.Read(u.mhdFd, u.out[u.outUsed:u.outSize])
		switch {
		case err == unix.EINTR:
		case err != nil || n == 0:
			u.appIO &^= ioReadReady
			if n == 0 && err == nil || u.wasClosed.Load() || u.appIO&ioError != 0 || err != unix.EAGAIN {
				u.outSize = 0
			}
		default:
			u.outUsed += n
			progress = true
			if n < room {
				u.appIO &^= ioReadReady
			}
		}
		if u.appIO&ioReadReady == 0 && (u.appIO&ioError != 0 || u.wasClosed.Load()) {
			u.outSize = 0
		}
	}

	// out -> remote
	if u.netIO&ioWriteReady != 0 && ts.HasPendingWrite() {
		if err := ts.Flush(); err != nil {
			u.netIO &^= ioWriteReady
			if err != ErrWouldBlock {
				u.netIO |= ioError
			}
		}
	}
	if u.netIO&ioWriteReady != 0 && u.outUsed > 0 {
		n, err := ts.Send(u.out[:u.outUsed])
		if err != nil {
			u.netIO &^= ioWriteReady
			if err != ErrWouldBlock {
				c.logEvent(d.log.Debug()).Err(err).Int("bytes", u.outUsed).
					Msg("failed to forward data received from application to remote client")
				u.outUsed, u.outSize = 0, 0
			}
		} else if n > 0 {
			u.outUsed = copy(u.out, u.out[n:u.outUsed])
			progress = true
		}
		if u.outUsed == 0 && u.netIO&ioError != 0 {
			u.netIO &^= ioWriteReady | ioReadReady
			u.outSize = 0
		}
	}

	// in -> application
	if u.appIO&ioWriteReady != 0 && u.inUsed > 0 {
		want := u.inUsed
		n, err := unix.Write(u.mhdFd, u.in[:u.inUsed])
		switch {
		case err == unix.EINTR:
		case err != nil:
			u.appIO &^= ioWriteReady
			if err != unix.EAGAIN {
				c.logEvent(d.log.Debug()).Err(err).Int("bytes", u.inUsed).
					Msg("failed to forward data received from remote side to application")
				u.inUsed, u.inSize = 0, 0
				u.netIO &^= ioReadReady
				ts.readPending = false
			}
		default:
			u.inUsed = copy(u.in, u.in[n:u.inUsed])
			progress = progress || n > 0
			if n < want {
				u.appIO &^= ioWriteReady
			}
		}
		if u.inUsed == 0 && u.appIO&ioError != 0 {
			u.appIO &^= ioWriteReady
			u.inSize = 0
			u.netIO &^= ioReadReady
			ts.readPending = false
		}
	}
	return progress
}

// finishForward releases the forwarding resources once both directions
// are done and lets the connection go to cleanup.
func (u *UpgradeHandle) finishForward() {
	c := u.c
	d := c.daemon
	if u.mhdFd >= 0 {
		if !d.tpc {
			d.unregisterUpgrade(u)
		}
		_ = unix.Close(u.mhdFd)
		u.mhdFd = -1
		_ = c.sock.CloseWrite()
	}
	u.cleanReady.Store(true)
	c.resumeInternal()
}
