package microhttpd

import (
	"crypto/tls"
	"math"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/bytedance/gopkg/util/gopool"
	"github.com/pkg/errors"
	"github.com/puzpuzpuz/xsync/v3"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sys/unix"

	"github.com/newacorn/microhttpd/netpoll"
)

// Daemon is an HTTP server instance created by Start.
//
// A daemon with ThreadPoolSize > 1 is a master that only owns the listen
// socket; its workers are daemons of their own sharing the listen socket,
// the per-IP limiter and the metrics.
type Daemon struct {
	cfg     Config
	flags   Flag
	handler Handler
	log     zerolog.Logger

	poolSize      int
	poolIncrement int
	pools         *memoryPoolCache
	timeout       time.Duration
	connLimit     int
	// thread-per-connection
	tpc bool

	listenFd  int
	localAddr net.Addr

	tlsConfig  *tls.Config
	tlsPool    gopool.Pool
	handshakes sync.WaitGroup

	ipLimit *ipLimiter
	metrics *daemonMetrics
	// 所有worker共享的连接总数
	total *xsync.Counter

	master  *Daemon
	workers []*Daemon

	// mu 保护连接列表、连接计数、resuming、atLimit以及fdConn
	mu            sync.Mutex
	active        connList
	suspendedList connList
	cleanupList   connList
	// 使用守护进程默认超时的连接，最近活动的在表头
	normalTimeout connList
	// 单独设置了超时的连接
	manualTimeout connList
	connections   int
	atLimit       bool
	resuming      bool
	fdConn        map[int]*Connection
	// 尚未被调度器处理过的新连接
	newConns []*Connection

	lastOverflowErrorTime time.Time

	// owned by the scheduler goroutine
	poller             netpoll.Poller
	waker              *netpoll.Waker
	eready             connList
	urhs               []*UpgradeHandle
	urhFds             map[int]*UpgradeHandle
	listenArmed        bool
	dataAlreadyPending bool
	ready              []netpoll.Ready
	scratch            []*Connection
	urhScratch         []*UpgradeHandle

	shutdown atomic.Bool
	quiesced atomic.Bool

	eg         errgroup.Group
	workerPool *workerPool
}

// Info describes a running daemon.
type Info struct {
	// Connections is the number of client connections of the daemon and
	// all its workers.
	Connections int
	// ListenFd is -1 for daemons without listen socket.
	ListenFd int
	// Port is the bound port, useful after listening on port 0.
	Port int
	// Backend names the readiness backend.
	Backend string
}

// Start creates a daemon from cfg, opens its listen socket and, with
// InternalPollingThread, starts serving. Contradictory options fail with
// an error wrapping ErrInvalidOptions.
func Start(cfg Config) (*Daemon, error) {
	log := newDaemonLogger(&cfg)
	if err := cfg.normalize(&log); err != nil {
		return nil, err
	}
	d := &Daemon{
		cfg:           cfg,
		flags:         cfg.Flags,
		handler:       cfg.Handler,
		log:           log,
		poolSize:      cfg.ConnectionMemoryLimit,
		poolIncrement: cfg.ConnectionMemoryIncrement,
		pools:         &memoryPoolCache{poolSize: cfg.ConnectionMemoryLimit},
		timeout:       cfg.ConnectionTimeout,
		connLimit:     cfg.ConnectionLimit,
		tpc:           cfg.Flags&ThreadPerConnection != 0,
		listenFd:      -1,
		ipLimit:       newIPLimiter(cfg.PerIPConnectionLimit),
		metrics:       newDaemonMetrics(cfg.Metrics, cfg.MetricsNamespace),
		total:         xsync.NewCounter(),
	}

	if cfg.Flags&UseTLS != 0 {
		tc, err := loadTLSConfig(&d.cfg)
		if err != nil {
			return nil, err
		}
		d.tlsConfig = tc
		if !d.tpc {
			d.tlsPool = gopool.NewPool("microhttpd-tls-handshake", int32(cfg.TLSHandshakeConcurrency), gopool.NewConfig())
		}
	}

	fd, addr, err := openListenSocket(&d.cfg)
	if err != nil {
		return nil, err
	}
	d.listenFd, d.localAddr = fd, addr
	if fd >= 0 && d.cfg.usesSelect() && fd >= netpoll.MaxSelectFd {
		d.closeListenSocket()
		return nil, errors.Wrapf(netpoll.ErrFdTooLarge, "listen descriptor %d", fd)
	}

	if cfg.ThreadPoolSize > 1 {
		if err = d.startWorkers(); err != nil {
			d.closeListenSocket()
			return nil, err
		}
	} else {
		if err = d.initScheduler(); err != nil {
			d.closeListenSocket()
			return nil, err
		}
		if d.tpc {
			d.workerPool = &workerPool{
				WorkerFunc:      d.serveConnection,
				MaxWorkersCount: d.connLimit,
			}
			d.workerPool.Start()
		}
		if d.flags&InternalPollingThread != 0 {
			d.eg.Go(d.pollingLoop)
		}
	}
	d.log.Debug().Stringer("addr", addrOrNil(d.localAddr)).Int("listen_fd", d.listenFd).
		Str("backend", d.backendName()).Int("workers", len(d.workers)).Msg("daemon started")
	return d, nil
}

type nilAddr struct{}

func (nilAddr) String() string { return "-" }

func addrOrNil(a net.Addr) interface{ String() string } {
	if a == nil {
		return nilAddr{}
	}
	return a
}

// startWorkers splits the connection limit among ThreadPoolSize worker
// daemons, the first ones taking the remainder.
func (d *Daemon) startWorkers() error {
	n := d.cfg.ThreadPoolSize
	base, rem := d.connLimit/n, d.connLimit%n
	d.workers = make([]*Daemon, 0, n)
	for i := 0; i < n; i++ {
		w := &Daemon{
			cfg:           d.cfg,
			flags:         d.flags,
			handler:       d.handler,
			log:           d.log.With().Int("worker", i).Logger(),
			poolSize:      d.poolSize,
			poolIncrement: d.poolIncrement,
			pools:         d.pools,
			timeout:       d.timeout,
			connLimit:     base,
			listenFd:      d.listenFd,
			localAddr:     d.localAddr,
			tlsConfig:     d.tlsConfig,
			tlsPool:       d.tlsPool,
			ipLimit:       d.ipLimit,
			metrics:       d.metrics,
			total:         d.total,
			master:        d,
		}
		if i < rem {
			w.connLimit++
		}
		if err := w.initScheduler(); err != nil {
			for _, prev := range d.workers {
				prev.closeScheduler()
			}
			d.workers = nil
			return err
		}
		d.workers = append(d.workers, w)
	}
	for _, w := range d.workers {
		d.eg.Go(w.pollingLoop)
	}
	return nil
}

func (d *Daemon) initScheduler() error {
	var err error
	switch {
	case d.flags&UseEpoll != 0:
		d.poller, err = netpoll.NewEpoll()
	case d.flags&UsePoll != 0 || d.tpc:
		d.poller, err = netpoll.NewPoll()
	default:
		d.poller, err = netpoll.NewSelect()
	}
	if err != nil {
		if errors.Is(err, netpoll.ErrNotSupported) {
			return errors.Wrap(ErrInvalidOptions, err.Error())
		}
		return errors.Wrap(err, "cannot create poller")
	}
	if d.waker, err = netpoll.NewWaker(); err != nil {
		_ = d.poller.Close()
		return errors.Wrap(err, "failed to create inter-thread communication channel")
	}
	if err = d.poller.Add(d.waker.Fd(), netpoll.EventRead); err != nil {
		_ = d.waker.Close()
		_ = d.poller.Close()
		return errors.Wrap(err, "cannot watch inter-thread communication channel")
	}
	d.active = newConnList(linkMain)
	d.suspendedList = newConnList(linkMain)
	d.cleanupList = newConnList(linkMain)
	d.normalTimeout = newConnList(linkTimeout)
	d.manualTimeout = newConnList(linkTimeout)
	d.eready = newConnList(linkReady)
	d.fdConn = make(map[int]*Connection)
	d.urhFds = make(map[int]*UpgradeHandle)
	return nil
}

func (d *Daemon) closeScheduler() {
	if d.poller != nil {
		_ = d.poller.Close()
		d.poller = nil
	}
	if d.waker != nil {
		_ = d.waker.Close()
	}
}

func (d *Daemon) closeListenSocket() {
	if d.listenFd >= 0 {
		_ = unix.Close(d.listenFd)
		d.listenFd = -1
	}
}

func (d *Daemon) backendName() string {
	switch {
	case len(d.workers) > 0:
		return d.workers[0].backendName()
	case d.poller != nil:
		return d.poller.Name()
	}
	return "none"
}

func (d *Daemon) shuttingDown() bool {
	return d.shutdown.Load() || d.master != nil && d.master.shutdown.Load()
}

// Addr returns the address of the listen socket, nil without one.
func (d *Daemon) Addr() net.Addr { return d.localAddr }

// Info returns a snapshot of the daemon state.
func (d *Daemon) Info() Info {
	info := Info{
		Connections: int(d.total.Value()),
		ListenFd:    d.listenFd,
		Backend:     d.backendName(),
	}
	if a, ok := d.localAddr.(*net.TCPAddr); ok {
		info.Port = a.Port
	}
	if d.quiesced.Load() {
		info.ListenFd = -1
	}
	return info
}

func (d *Daemon) connectionCount() int {
	d.mu.Lock()
	n := d.connections
	d.mu.Unlock()
	return n
}

// timeoutListOf returns the timeout list c belongs to. Callers hold d.mu.
func (d *Daemon) timeoutListOf(c *Connection) *connList {
	if c.timeout == d.timeout {
		return &d.normalTimeout
	}
	return &d.manualTimeout
}

// GetTimeout returns how long an external event loop may wait before it
// has to call Run again. The second result is false when no connection
// has a timeout, in which case the loop may block until a descriptor is
// ready.
func (d *Daemon) GetTimeout() (time.Duration, bool) {
	if d.tpc || len(d.workers) > 0 {
		return 0, false
	}
	if d.dataAlreadyPending || d.eready.len() > 0 {
		return 0, true
	}
	earliest := int64(math.MaxInt64)
	d.mu.Lock()
	for c := d.manualTimeout.head; c != nil; c = c.links[linkTimeout].next {
		if c.timeout > 0 {
			earliest = min(earliest, c.lastActivity+int64(c.timeout))
		}
	}
	if c := d.normalTimeout.tail; c != nil && c.timeout > 0 {
		earliest = min(earliest, c.lastActivity+int64(c.timeout))
	}
	d.mu.Unlock()
	if earliest == math.MaxInt64 {
		return 0, false
	}
	left := earliest - absoluteNano()
	if left < 0 {
		left = 0
	}
	return time.Duration(left), true
}

// AddConnection hands an accepted, connected socket to the daemon. The
// descriptor belongs to the daemon afterwards, it is closed if the
// connection is refused.
func (d *Daemon) AddConnection(fd int, addr net.Addr) error {
	if d.shuttingDown() {
		_ = unix.Close(fd)
		return ErrDaemonShutdown
	}
	if err := setSocketOptions(fd); err != nil {
		_ = unix.Close(fd)
		return errors.Wrap(err, "failed to set socket options")
	}
	if len(d.workers) > 0 {
		return d.dispatch(fd, addr)
	}
	return d.internalAddConnection(fd, addr, true)
}

// dispatch hands fd to the first worker below its connection cap,
// starting at fd modulo the pool size. The connection is refused when
// every worker is full.
func (d *Daemon) dispatch(fd int, addr net.Addr) error {
	n := len(d.workers)
	for i := 0; i < n; i++ {
		w := d.workers[(fd+i)%n]
		if w.reserveSlot() {
			return w.addReserved(fd, addr, true)
		}
	}
	return d.refuse(fd, addr, ErrConnectionLimit, "limit")
}

// refuse closes fd and logs the refusal, at most once per minute.
func (d *Daemon) refuse(fd int, addr net.Addr, err error, reason string) error {
	_ = unix.Close(fd)
	d.metrics.refuse(reason)
	now := time.Now()
	d.mu.Lock()
	logIt := now.Sub(d.lastOverflowErrorTime) > time.Minute
	if logIt {
		d.lastOverflowErrorTime = now
	}
	d.mu.Unlock()
	if logIt {
		d.log.Warn().Err(err).Stringer("addr", addrOrNil(addr)).Msg("closing inbound connection")
	}
	return err
}

// reserveSlot takes one connection slot if d is below its limit.
func (d *Daemon) reserveSlot() bool {
	d.mu.Lock()
	ok := d.connections < d.connLimit
	if ok {
		d.connections++
	}
	d.mu.Unlock()
	return ok
}

func (d *Daemon) releaseSlot() {
	d.mu.Lock()
	d.connections--
	d.mu.Unlock()
}

func (d *Daemon) internalAddConnection(fd int, addr net.Addr, external bool) error {
	if d.shuttingDown() {
		return d.refuse(fd, addr, ErrDaemonShutdown, "shutdown")
	}
	if !d.reserveSlot() {
		return d.refuse(fd, addr, ErrConnectionLimit, "limit")
	}
	return d.addReserved(fd, addr, external)
}

// addReserved sets up a connection for fd once a slot of d is taken.
func (d *Daemon) addReserved(fd int, addr net.Addr, external bool) error {
	if d.shuttingDown() {
		d.releaseSlot()
		return d.refuse(fd, addr, ErrDaemonShutdown, "shutdown")
	}
	if d.cfg.usesSelect() && fd >= netpoll.MaxSelectFd {
		d.releaseSlot()
		return d.refuse(fd, addr, netpoll.ErrFdTooLarge, "fd")
	}
	if !d.ipLimit.tryAcquire(addr) {
		d.releaseSlot()
		return d.refuse(fd, addr, ErrIPLimit, "per_ip")
	}
	if d.cfg.AcceptPolicy != nil && !d.cfg.AcceptPolicy(addr) {
		d.ipLimit.release(addr)
		d.releaseSlot()
		return d.refuse(fd, addr, ErrPolicyDenied, "policy")
	}
	var waker *netpoll.Waker
	if d.tpc {
		var err error
		if waker, err = netpoll.NewWaker(); err != nil {
			d.ipLimit.release(addr)
			d.releaseSlot()
			return d.refuse(fd, addr, errors.Wrap(err, "failed to create connection wake channel"), "resources")
		}
	}

	c := newConnection(d, fd, addr, d.pools.acquire())
	c.waker = waker
	if d.cfg.NotifyConnection != nil {
		d.cfg.NotifyConnection(c, ConnectionStarted)
	}

	d.mu.Lock()
	d.active.pushFront(c)
	if !d.tpc {
		d.timeoutListOf(c).pushFront(c)
		d.newConns = append(d.newConns, c)
	}
	d.fdConn[fd] = c
	d.mu.Unlock()
	d.total.Inc()
	d.metrics.accept()

	if d.tpc {
		c.threadDone = make(chan struct{})
		if !d.workerPool.Serve(c) {
			d.log.Error().Int("fd", fd).Msg("failed to create a goroutine for the connection")
			close(c.threadDone)
			c.close(WithError)
			c.cleanupConnection()
			return ErrConnectionLimit
		}
		return nil
	}
	if external {
		if err := d.waker.Wake(); err != nil {
			d.log.Error().Err(err).Msg("failed to signal new connection via inter-thread communication channel")
		}
	}
	return nil
}

// takeNewConnections registers connections added since the last pass.
// Edge triggered backends need a first forced processing.
func (d *Daemon) takeNewConnections() {
	d.mu.Lock()
	conns := d.newConns
	d.newConns = nil
	d.mu.Unlock()
	if !d.poller.EdgeTriggered() {
		return
	}
	for _, c := range conns {
		if c.inCleanup || c.suspended {
			continue
		}
		if err := d.poller.Add(c.fd, netpoll.EventRead|netpoll.EventWrite|netpoll.EventEdge); err != nil {
			c.closeError(errors.Wrap(err, "cannot register connection with poller"))
			c.cleanupConnection()
			continue
		}
		c.io |= ioInPoller | ioReadReady | ioWriteReady
		d.eready.pushFront(c)
	}
}

// forgetConnection drops c from the poller and the ready list, used when
// the connection is suspended or released.
func (d *Daemon) forgetConnection(c *Connection) {
	if c.io&ioInPoller != 0 {
		if d.poller != nil {
			_ = d.poller.Remove(c.fd)
		}
		c.io &^= ioInPoller
	}
	d.eready.remove(c)
}

// connectionPollUpdate registers an edge triggered connection again once
// it waits for readiness it has not seen yet.
func (d *Daemon) connectionPollUpdate(c *Connection) {
	if d.tpc || !d.poller.EdgeTriggered() || c.io&ioInPoller != 0 {
		return
	}
	if c.eventLoop == eventLoopRead && c.io&ioReadReady == 0 ||
		c.eventLoop == eventLoopWrite && c.io&ioWriteReady == 0 {
		if err := d.poller.Add(c.fd, netpoll.EventRead|netpoll.EventWrite|netpoll.EventEdge); err != nil {
			c.logEvent(d.log.Error()).Err(err).Msg("call to epoll_ctl failed")
			c.close(WithError)
			return
		}
		c.io |= ioInPoller
	}
}

// resumeSuspended moves connections marked for resumption back to the
// active list and upgraded connections whose handle is closed to the
// cleanup list. It reports whether anything was resumed.
func (d *Daemon) resumeSuspended() bool {
	d.mu.Lock()
	if !d.resuming {
		d.mu.Unlock()
		return false
	}
	d.resuming = false
	ret := false
	var prev *Connection
	for c := d.suspendedList.tail; c != nil; c = prev {
		prev = d.suspendedList.prevOf(c)
		u := c.urh
		if !c.resuming || u == nil && d.tpc ||
			u != nil && (!u.wasClosed.Load() || !u.cleanReady.Load()) {
			continue
		}
		ret = true
		if u == nil {
			d.resumeLocked(c)
			if d.poller.EdgeTriggered() {
				c.io |= ioReadReady | ioWriteReady
				d.eready.pushFront(c)
			}
			continue
		}
		// forwarding is done and the application closed its side
		d.suspendedList.remove(c)
		c.suspended = false
		c.resuming = false
		if c.state != StateClosed {
			c.markClosed()
		}
		c.inCleanup = true
		d.cleanupList.pushFront(c)
	}
	d.mu.Unlock()
	return ret
}

// resumeLocked returns a suspended connection to the active list.
// Callers hold d.mu.
func (d *Daemon) resumeLocked(c *Connection) {
	d.suspendedList.remove(c)
	d.active.pushFront(c)
	c.suspended = false
	c.resuming = false
	c.lastActivity = absoluteNano()
	if !d.tpc {
		d.timeoutListOf(c).pushFront(c)
	}
}

// cleanupConnections releases the connections on the cleanup list.
func (d *Daemon) cleanupConnections() {
	for {
		d.mu.Lock()
		c := d.cleanupList.tail
		if c == nil {
			d.mu.Unlock()
			return
		}
		d.cleanupList.remove(c)
		d.mu.Unlock()
		if c.threadDone != nil {
			<-c.threadDone
		}
		d.releaseConnection(c)
	}
}

func (d *Daemon) releaseConnection(c *Connection) {
	if d.cfg.NotifyConnection != nil {
		d.cfg.NotifyConnection(c, ConnectionClosed)
	}
	d.ipLimit.release(c.addr)
	if !d.tpc {
		d.forgetConnection(c)
	}
	if resp := c.response; resp != nil {
		c.response = nil
		resp.Destroy()
	}
	d.mu.Lock()
	if d.fdConn[c.fd] == c {
		delete(d.fdConn, c.fd)
	}
	d.connections--
	d.atLimit = false
	waker := c.waker
	c.waker = nil
	d.mu.Unlock()
	if waker != nil {
		_ = waker.Close()
	}
	_ = c.sock.Close()
	d.pools.release(c.pool)
	c.pool = nil
	c.readBuf, c.writeBuf = nil, nil
	c.values = nil
	c.state = StateInCleanup
	d.total.Dec()
	d.metrics.release()
}

// registerUpgrade adds both descriptors of a TLS upgrade to the poller.
func (d *Daemon) registerUpgrade(u *UpgradeHandle) {
	ev := netpoll.EventRead | netpoll.EventWrite
	if d.poller.EdgeTriggered() {
		ev |= netpoll.EventEdge
	}
	for _, fd := range [2]int{u.c.fd, u.mhdFd} {
		if err := d.poller.Add(fd, ev); err != nil {
			u.c.logEvent(d.log.Error()).Err(err).Int("upgrade_fd", fd).Msg("cannot watch upgraded connection")
			u.netIO |= ioError
			u.appIO |= ioError
		}
		d.urhFds[fd] = u
	}
	d.urhs = append(d.urhs, u)
}

func (d *Daemon) unregisterUpgrade(u *UpgradeHandle) {
	for _, fd := range [2]int{u.c.fd, u.mhdFd} {
		if d.urhFds[fd] == u {
			delete(d.urhFds, fd)
			_ = d.poller.Remove(fd)
		}
	}
	for i, x := range d.urhs {
		if x == u {
			d.urhs = append(d.urhs[:i], d.urhs[i+1:]...)
			break
		}
	}
}

// Quiesce stops accepting connections and returns the listen descriptor,
// which the caller owns from now on. It must stay open until Stop returns.
func (d *Daemon) Quiesce() (int, error) {
	if d.listenFd < 0 {
		return -1, ErrNoListenSocket
	}
	if !d.quiesced.CompareAndSwap(false, true) {
		return -1, ErrNoListenSocket
	}
	for _, w := range d.workers {
		w.quiesced.Store(true)
		_ = w.waker.Wake()
	}
	if d.waker != nil {
		_ = d.waker.Wake()
	}
	return d.listenFd, nil
}

// Stop closes every connection, reporting DaemonShutdown to the
// application, and releases the daemon. Stop returns once all goroutines
// of the daemon are done.
func (d *Daemon) Stop() {
	if !d.shutdown.CompareAndSwap(false, true) {
		return
	}
	for _, w := range d.workers {
		_ = w.waker.Wake()
	}
	if d.waker != nil {
		_ = d.waker.Wake()
	}
	if d.flags&InternalPollingThread != 0 {
		if err := d.eg.Wait(); err != nil {
			d.log.Error().Err(err).Msg("scheduler failed")
		}
	} else {
		d.closeAllConnections()
	}
	if d.workerPool != nil {
		d.workerPool.Stop()
	}
	if !d.quiesced.Load() {
		d.closeListenSocket()
	}
	for _, w := range d.workers {
		w.closeScheduler()
	}
	d.closeScheduler()
	d.log.Debug().Msg("daemon stopped")
}

// closeAllConnections runs on the scheduler goroutine once it left its
// loop.
func (d *Daemon) closeAllConnections() {
	// handshakes in flight fail once their socket is shut down
	d.mu.Lock()
	for c := d.suspendedList.head; c != nil; c = c.links[linkMain].next {
		if c.state == StateTLSInit {
			_ = unix.Shutdown(c.fd, unix.SHUT_RDWR)
		}
	}
	d.mu.Unlock()
	d.handshakes.Wait()
	d.resumeSuspended()

	d.mu.Lock()
	if d.suspendedList.len() > 0 && d.flags&AllowSuspendResume != 0 {
		d.log.Warn().Int("suspended", d.suspendedList.len()).Msg("Stop called while we have suspended connections")
	}
	suspended := d.suspendedList.appendTo(nil)
	d.mu.Unlock()
	for _, c := range suspended {
		u := c.urh
		if u == nil {
			c.resumeInternal()
			continue
		}
		if !u.wasClosed.Load() {
			c.logEvent(d.log.Warn()).Msg("initiated daemon shutdown while upgraded connection was not closed")
		}
		u.wasClosed.Store(true)
		if d.tpc || u.mhdFd < 0 {
			// tpc: the connection goroutine finishes forwarding itself
			c.resumeInternal()
			continue
		}
		u.process()
		u.finishForward()
	}

	if d.tpc {
		d.mu.Lock()
		conns := d.active.appendTo(nil)
		conns = d.suspendedList.appendTo(conns)
		d.mu.Unlock()
		for _, c := range conns {
			if c.urh == nil || c.urh.mhdFd >= 0 {
				_ = unix.Shutdown(c.fd, unix.SHUT_RDWR)
			}
			d.mu.Lock()
			if c.waker != nil {
				_ = c.waker.Wake()
			}
			d.mu.Unlock()
		}
		for _, c := range conns {
			if c.threadDone != nil {
				<-c.threadDone
			}
		}
		d.resumeSuspended()
	} else {
		d.resumeSuspended()
		d.mu.Lock()
		conns := d.active.appendTo(nil)
		d.mu.Unlock()
		for _, c := range conns {
			if c.state != StateClosed {
				c.close(DaemonShutdown)
			}
			c.cleanupConnection()
		}
	}
	d.cleanupConnections()
}
