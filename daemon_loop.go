package microhttpd

import (
	"time"

	"github.com/pkg/errors"

	"github.com/newacorn/microhttpd/netpoll"
)

// maxAcceptSeries bounds the connections accepted per readiness report of
// the listen socket on edge triggered backends.
const maxAcceptSeries = 10

// Run performs one non-blocking scheduler pass. It is only valid for
// daemons started without InternalPollingThread.
func (d *Daemon) Run() error {
	return d.RunWait(0)
}

// RunWait performs one scheduler pass, waiting up to timeout for activity.
// A negative timeout waits until a descriptor is ready or a connection
// times out.
func (d *Daemon) RunWait(timeout time.Duration) error {
	if d.flags&InternalPollingThread != 0 {
		return errors.Wrap(ErrInvalidOptions, "daemon runs its own scheduler")
	}
	if d.shuttingDown() {
		return ErrDaemonShutdown
	}
	return d.pass(timeout)
}

func (d *Daemon) pollingLoop() error {
	for !d.shuttingDown() {
		if err := d.pass(-1); err != nil {
			d.log.Error().Err(err).Str("backend", d.poller.Name()).Msg("scheduler pass failed")
			time.Sleep(10 * time.Millisecond)
		}
	}
	d.closeAllConnections()
	return nil
}

func (d *Daemon) pass(maxWait time.Duration) error {
	switch {
	case d.tpc:
		return d.acceptPass(maxWait)
	case d.poller.EdgeTriggered():
		return d.edgePass(maxWait)
	}
	return d.levelPass(maxWait)
}

// syncListen keeps the listen socket registered unless the daemon is
// quiesced, shutting down, or out of descriptors.
func (d *Daemon) syncListen() {
	if d.listenFd < 0 {
		return
	}
	d.mu.Lock()
	want := !d.atLimit
	d.mu.Unlock()
	want = want && !d.quiesced.Load() && !d.shuttingDown()
	if want == d.listenArmed {
		return
	}
	if !want {
		_ = d.poller.Remove(d.listenFd)
		d.listenArmed = false
		return
	}
	if err := d.poller.Add(d.listenFd, netpoll.EventRead); err != nil {
		d.log.Error().Err(err).Int("listen_fd", d.listenFd).Msg("cannot watch listen socket")
		return
	}
	d.listenArmed = true
}

// waitTimeout bounds the next Wait by maxWait, the earliest connection
// timeout and work that needs no readiness at all.
func (d *Daemon) waitTimeout(maxWait time.Duration) time.Duration {
	if maxWait == 0 || d.dataAlreadyPending || d.eready.len() > 0 {
		return 0
	}
	for _, u := range d.urhs {
		if u.canProgress() {
			return 0
		}
	}
	d.mu.Lock()
	pending := d.resuming || len(d.newConns) > 0
	d.mu.Unlock()
	if pending {
		return 0
	}
	if t, ok := d.GetTimeout(); ok && (maxWait < 0 || t < maxWait) {
		return t
	}
	return maxWait
}

func interestOf(el eventLoopInfo) netpoll.Event {
	switch el {
	case eventLoopRead:
		return netpoll.EventRead
	case eventLoopWrite:
		return netpoll.EventWrite
	}
	return 0
}

// syncInterest updates the level triggered registration of c.
func (d *Daemon) syncInterest(c *Connection) {
	ev := interestOf(c.eventLoop)
	if c.io&ioInPoller == 0 {
		if err := d.poller.Add(c.fd, ev); err != nil {
			c.logEvent(d.log.Error()).Err(err).Msg("cannot watch connection")
			c.close(WithError)
			return
		}
		c.io |= ioInPoller
		c.interest = ev
		return
	}
	if c.interest != ev {
		if err := d.poller.Modify(c.fd, ev); err != nil {
			c.logEvent(d.log.Error()).Err(err).Msg("cannot watch connection")
			c.close(WithError)
			return
		}
		c.interest = ev
	}
}

func (d *Daemon) lookupConnection(fd int) *Connection {
	d.mu.Lock()
	c := d.fdConn[fd]
	d.mu.Unlock()
	return c
}

func ioFromEvents(ev netpoll.Event) ioState {
	var s ioState
	if ev&netpoll.EventRead != 0 {
		s |= ioReadReady
	}
	if ev&netpoll.EventWrite != 0 {
		s |= ioWriteReady
	}
	if ev&netpoll.EventError != 0 {
		s |= ioError
	}
	return s
}

// levelPass is one pass of the select and poll backends: every active
// connection is visited, handlers run for what the backend reported.
func (d *Daemon) levelPass(maxWait time.Duration) error {
	if d.resumeSuspended() {
		maxWait = 0
	}
	d.takeNewConnections()
	d.syncListen()

	d.mu.Lock()
	conns := d.active.appendTo(d.scratch[:0])
	d.mu.Unlock()
	d.scratch = conns
	for _, c := range conns {
		d.syncInterest(c)
	}
	for _, u := range d.urhs {
		_ = d.poller.Modify(u.c.fd, u.netInterest())
		_ = d.poller.Modify(u.mhdFd, u.appInterest())
	}

	ready, err := d.poller.Wait(d.ready[:0], d.waitTimeout(maxWait))
	d.ready = ready
	if err != nil {
		return errors.Wrapf(err, "%s failed", d.poller.Name())
	}
	d.dataAlreadyPending = false
	for _, c := range conns {
		c.io &^= ioReadReady | ioWriteReady | ioError
	}
	for _, u := range d.urhs {
		u.netIO &^= ioReadReady | ioWriteReady
		u.appIO &^= ioReadReady | ioWriteReady
	}

	accept := false
	for i := range ready {
		r := &ready[i]
		switch {
		case r.Fd == d.waker.Fd():
			d.waker.Drain()
		case r.Fd == d.listenFd:
			accept = true
		default:
			if u := d.urhFds[r.Fd]; u != nil {
				if r.Fd == u.mhdFd {
					u.appIO |= ioFromEvents(r.Events)
				} else {
					u.netIO |= ioFromEvents(r.Events)
				}
				continue
			}
			if c := d.lookupConnection(r.Fd); c != nil {
				c.io |= ioFromEvents(r.Events)
			}
		}
	}
	if accept {
		d.acceptConnection()
	}

	for _, c := range conns {
		if c.suspended || c.inCleanup {
			continue
		}
		c.callHandlers(c.io&ioReadReady != 0, c.io&ioWriteReady != 0, c.io&ioError != 0)
	}
	clear(d.scratch)
	d.resumeSuspended()
	d.processUpgrades()
	d.cleanupConnections()
	return nil
}

// edgePass is one pass of the epoll backend: only connections on the
// ready list and timed out connections are visited.
func (d *Daemon) edgePass(maxWait time.Duration) error {
	if d.resumeSuspended() {
		maxWait = 0
	}
	d.takeNewConnections()
	d.syncListen()

	ready, err := d.poller.Wait(d.ready[:0], d.waitTimeout(maxWait))
	d.ready = ready
	if err != nil {
		return errors.Wrapf(err, "%s failed", d.poller.Name())
	}
	d.dataAlreadyPending = false

	for i := range ready {
		r := &ready[i]
		switch {
		case r.Fd == d.waker.Fd():
			d.waker.Drain()
		case r.Fd == d.listenFd:
			for n := 0; n < maxAcceptSeries && d.acceptConnection(); n++ {
			}
		default:
			if u := d.urhFds[r.Fd]; u != nil {
				if r.Fd == u.mhdFd {
					u.appIO |= ioFromEvents(r.Events)
				} else {
					u.netIO |= ioFromEvents(r.Events)
				}
				continue
			}
			c := d.lookupConnection(r.Fd)
			if c == nil || c.suspended || c.inCleanup {
				continue
			}
			c.io |= ioFromEvents(r.Events)
			if !d.eready.contains(c) &&
				(c.eventLoop == eventLoopRead && c.io&ioReadReady != 0 ||
					c.eventLoop == eventLoopWrite && c.io&ioWriteReady != 0 ||
					c.io&ioError != 0) {
				d.eready.pushFront(c)
			}
		}
	}
	d.resumeSuspended()
	d.takeNewConnections()

	var prev *Connection
	for c := d.eready.tail; c != nil; c = prev {
		prev = d.eready.prevOf(c)
		c.callHandlers(c.io&ioReadReady != 0, c.io&ioWriteReady != 0, c.io&ioError != 0)
		if !d.eready.contains(c) || c.suspended {
			continue
		}
		tlsPending := c.eventLoop == eventLoopRead && c.sock.ReadPending()
		if c.eventLoop == eventLoopRead && c.io&ioReadReady == 0 && !tlsPending ||
			c.eventLoop == eventLoopWrite && c.io&ioWriteReady == 0 ||
			c.eventLoop == eventLoopCleanup {
			d.eready.remove(c)
		}
	}

	d.idleTimedOut()
	d.processUpgrades()
	d.cleanupConnections()
	return nil
}

// idleTimedOut runs the idle handler of connections whose timeout
// expired, which closes them. The normal list is ordered by activity so
// its scan stops at the first live connection.
func (d *Daemon) idleTimedOut() {
	now := absoluteNano()
	d.mu.Lock()
	conns := d.scratch[:0]
	for c := d.manualTimeout.head; c != nil; c = c.links[linkTimeout].next {
		if c.timedOut(now) {
			conns = append(conns, c)
		}
	}
	for c := d.normalTimeout.tail; c != nil && c.timedOut(now); c = d.normalTimeout.prevOf(c) {
		conns = append(conns, c)
	}
	d.mu.Unlock()
	d.scratch = conns
	for _, c := range conns {
		if c.suspended || c.inCleanup || c.inIdle {
			continue
		}
		c.handleIdle()
	}
	clear(d.scratch)
}

// processUpgrades forwards data of upgraded TLS connections and finishes
// the ones that are done.
func (d *Daemon) processUpgrades() {
	if len(d.urhs) == 0 {
		return
	}
	us := append(d.urhScratch[:0], d.urhs...)
	for _, u := range us {
		u.process()
		if u.finished() {
			u.finishForward()
		}
	}
	clear(us)
	d.urhScratch = us[:0]
}

// acceptPass is the scheduler pass of a thread-per-connection daemon: it
// only accepts, resumes upgraded connections and joins finished
// connection goroutines.
func (d *Daemon) acceptPass(maxWait time.Duration) error {
	d.syncListen()
	if d.resumeSuspended() {
		maxWait = 0
	}
	ready, err := d.poller.Wait(d.ready[:0], maxWait)
	d.ready = ready
	if err != nil {
		return errors.Wrapf(err, "%s failed", d.poller.Name())
	}
	for i := range ready {
		switch ready[i].Fd {
		case d.waker.Fd():
			d.waker.Drain()
		case d.listenFd:
			d.acceptConnection()
		}
	}
	d.resumeSuspended()
	d.cleanupConnections()
	return nil
}

// callHandlers runs the read, write and idle handlers of c for one pass
// and reports whether the connection is still alive.
func (c *Connection) callHandlers(readReady, writeReady, forceClose bool) bool {
	d := c.daemon
	onFastTrack := c.state == StateInit
	if c.sock.ReadPending() {
		readReady = true
	}
	if forceClose {
		if c.state != StateClosed {
			c.close(WithError)
		}
		return c.handleIdle()
	}

	ret := true
	processed := false
	if c.eventLoop == eventLoopRead && readReady {
		c.handleRead()
		ret = c.handleIdle()
		processed = true
	}
	if c.eventLoop == eventLoopWrite && writeReady {
		c.handleWrite()
		ret = c.handleIdle()
		processed = true
	}
	if !processed {
		ret = c.handleIdle()
	} else if onFastTrack && ret && !c.suspended {
		// whole request in one read: try to answer without another pass
		if c.state == StateHeadersSending {
			c.handleWrite()
			ret = c.handleIdle()
		}
		if ret && !c.suspended && (c.state == StateNormalBodyReady || c.state == StateChunkedBodyReady) {
			c.handleWrite()
			ret = c.handleIdle()
		}
	}

	if ret && !d.tpc && !d.dataAlreadyPending && !c.suspended {
		if c.eventLoop == eventLoopBlock ||
			c.eventLoop == eventLoopRead && c.sock.ReadPending() {
			d.dataAlreadyPending = true
		}
	}
	return ret
}

// serveConnection is the goroutine of a thread-per-connection daemon
// serving c with a private poller.
func (d *Daemon) serveConnection(c *Connection) {
	defer close(c.threadDone)
	p, err := netpoll.NewPoll()
	if err == nil {
		if err = p.Add(c.waker.Fd(), netpoll.EventRead); err != nil {
			_ = p.Close()
		}
	}
	if err != nil {
		c.closeError(errors.Wrap(err, "cannot create connection poller"))
		c.cleanupConnection()
		return
	}
	defer p.Close()

	var ready []netpoll.Ready
	registered := false
	for !d.shuttingDown() {
		if c.suspended {
			if registered {
				_ = p.Remove(c.fd)
				registered = false
			}
			if ready, err = p.Wait(ready[:0], -1); err != nil {
				c.closeError(errors.Wrap(err, "poll failed"))
				break
			}
			c.waker.Drain()
			d.mu.Lock()
			if c.resuming {
				d.resumeLocked(c)
			}
			d.mu.Unlock()
			continue
		}

		timeout := time.Duration(-1)
		if c.timeout > 0 {
			timeout = max(0, time.Duration(c.lastActivity+int64(c.timeout)-absoluteNano()))
		}
		if c.eventLoop == eventLoopBlock || c.eventLoop == eventLoopRead && c.sock.ReadPending() {
			timeout = 0
		}
		ev := interestOf(c.eventLoop)
		if !registered {
			err = p.Add(c.fd, ev)
			registered = err == nil
		} else if ev != c.interest {
			err = p.Modify(c.fd, ev)
		}
		if err != nil {
			c.closeError(errors.Wrap(err, "cannot watch connection"))
			break
		}
		c.interest = ev

		if ready, err = p.Wait(ready[:0], timeout); err != nil {
			c.closeError(errors.Wrap(err, "poll failed"))
			break
		}
		var s ioState
		for i := range ready {
			if ready[i].Fd == c.waker.Fd() {
				c.waker.Drain()
				continue
			}
			s |= ioFromEvents(ready[i].Events)
		}
		if !c.callHandlers(s&ioReadReady != 0, s&ioWriteReady != 0, s&ioError != 0) {
			return
		}
		if c.urh != nil {
			if registered {
				_ = p.Remove(c.fd)
			}
			d.serveUpgrade(c, p)
			return
		}
	}

	if !c.inCleanup {
		if c.state != StateClosed {
			c.close(DaemonShutdown)
		}
		c.cleanupConnection()
	}
}

// serveUpgrade forwards an upgraded TLS connection on the goroutine of a
// thread-per-connection daemon until both directions are done.
func (d *Daemon) serveUpgrade(c *Connection, p netpoll.Poller) {
	u := c.urh
	if u.mhdFd < 0 {
		// plain sockets are used by the application directly
		return
	}
	if err := p.Add(c.fd, u.netInterest()); err != nil {
		u.netIO |= ioError
	}
	if err := p.Add(u.mhdFd, u.appInterest()); err != nil {
		u.appIO |= ioError
	}
	var ready []netpoll.Ready
	var err error
	for !u.finished() {
		if d.shuttingDown() {
			u.process()
			break
		}
		_ = p.Modify(c.fd, u.netInterest())
		_ = p.Modify(u.mhdFd, u.appInterest())
		timeout := time.Duration(-1)
		if u.canProgress() {
			timeout = 0
		}
		if ready, err = p.Wait(ready[:0], timeout); err != nil {
			c.logEvent(d.log.Error()).Err(err).Msg("poll failed while forwarding upgraded connection")
			break
		}
		u.netIO &^= ioReadReady | ioWriteReady
		u.appIO &^= ioReadReady | ioWriteReady
		for i := range ready {
			switch ready[i].Fd {
			case c.waker.Fd():
				c.waker.Drain()
			case u.mhdFd:
				u.appIO |= ioFromEvents(ready[i].Events)
			case c.fd:
				u.netIO |= ioFromEvents(ready[i].Events)
			}
		}
		u.process()
	}
	_ = p.Remove(u.mhdFd)
	_ = p.Remove(c.fd)
	u.finishForward()
}
