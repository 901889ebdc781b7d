package microhttpd

import (
	"net"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/valyala/fasthttp"

	"github.com/newacorn/microhttpd/netpoll"
)

// ValueKind selects a class of request or response values.
type ValueKind uint32

const (
	// ResponseHeaderKind are headers of a Response.
	ResponseHeaderKind ValueKind = 1 << iota
	// HeaderKind are request header fields.
	HeaderKind
	// CookieKind are the pairs of the Cookie request header.
	CookieKind
	// PostDataKind is reserved for form data decoders built on top of the
	// upload callback.
	PostDataKind
	// GetArgumentKind are the query arguments of the request URI.
	GetArgumentKind
	// FooterKind are request trailers, or response trailers of a chunked
	// response.
	FooterKind
)

// ConnectionState is the position of a connection in the request /
// response cycle. States only move forward within one request, a
// keep-alive connection starts over at Init.
type ConnectionState int32

const (
	// StateInit waits for the request line.
	StateInit ConnectionState = iota
	// StateURLReceived has the request line and waits for the first header.
	StateURLReceived
	// StateHeaderPartReceived holds a header line that may still be folded.
	StateHeaderPartReceived
	// StateHeadersReceived has the complete request header.
	StateHeadersReceived
	// StateHeadersProcessed has parsed Content-Length, Transfer-Encoding
	// and cookies; the handler is called for the first time.
	StateHeadersProcessed
	// StateContinueSending is writing "100 Continue".
	StateContinueSending
	// StateContinueSent is receiving the request body.
	StateContinueSent
	// StateBodyReceived has the last chunk and waits for trailers.
	StateBodyReceived
	// StateFooterPartReceived holds a trailer line that may still be folded.
	StateFooterPartReceived
	// StateFootersReceived has the complete request; the handler is called
	// for the last time and must queue a response.
	StateFootersReceived
	// StateHeadersSending is writing the response header.
	StateHeadersSending
	// StateHeadersSent has written the response header.
	StateHeadersSent
	// StateNormalBodyReady has body bytes to write.
	StateNormalBodyReady
	// StateNormalBodyUnready waits for the content reader.
	StateNormalBodyUnready
	// StateChunkedBodyReady has an encoded chunk to write.
	StateChunkedBodyReady
	// StateChunkedBodyUnready waits for the content reader.
	StateChunkedBodyUnready
	// StateBodySent has written the whole body.
	StateBodySent
	// StateFootersSending is writing the chunked trailer.
	StateFootersSending
	// StateFootersSent has completed the response.
	StateFootersSent
	// StateClosed is closed and waits for cleanup.
	StateClosed
	// StateInCleanup is being released.
	StateInCleanup
	// StateUpgrade belongs to an upgrade handler.
	StateUpgrade
	// StateTLSInit runs the TLS handshake.
	StateTLSInit
)

var stateName = map[ConnectionState]string{
	StateInit:               "init",
	StateURLReceived:        "url received",
	StateHeaderPartReceived: "header part received",
	StateHeadersReceived:    "headers received",
	StateHeadersProcessed:   "headers processed",
	StateContinueSending:    "continue sending",
	StateContinueSent:       "continue sent",
	StateBodyReceived:       "body received",
	StateFooterPartReceived: "footer part received",
	StateFootersReceived:    "footers received",
	StateHeadersSending:     "headers sending",
	StateHeadersSent:        "headers sent",
	StateNormalBodyReady:    "normal body ready",
	StateNormalBodyUnready:  "normal body unready",
	StateChunkedBodyReady:   "chunked body ready",
	StateChunkedBodyUnready: "chunked body unready",
	StateBodySent:           "body sent",
	StateFootersSending:     "footers sending",
	StateFootersSent:        "footers sent",
	StateClosed:             "closed",
	StateInCleanup:          "in cleanup",
	StateUpgrade:            "upgrade",
	StateTLSInit:            "tls init",
}

func (s ConnectionState) String() string {
	return stateName[s]
}

// TerminationCode tells NotifyCompleted why a request ended.
type TerminationCode int

const (
	CompletedOK TerminationCode = iota
	WithError
	TimeoutReached
	DaemonShutdown
	ReadError
	ClientAbort
)

var terminationName = map[TerminationCode]string{
	CompletedOK:    "completed",
	WithError:      "error",
	TimeoutReached: "timeout",
	DaemonShutdown: "daemon shutdown",
	ReadError:      "read error",
	ClientAbort:    "client abort",
}

func (t TerminationCode) String() string {
	return terminationName[t]
}

// ConnectionNotification is passed to NotifyConnection.
type ConnectionNotification int

const (
	ConnectionStarted ConnectionNotification = iota
	ConnectionClosed
)

// eventLoopInfo is what a connection waits for.
type eventLoopInfo uint8

const (
	eventLoopRead eventLoopInfo = iota
	eventLoopWrite
	// waiting for the application, no socket activity needed
	eventLoopBlock
	eventLoopCleanup
)

// ioState is the readiness bookkeeping of the scheduler.
type ioState uint8

const (
	ioReadReady ioState = 1 << iota
	ioWriteReady
	ioError
	// registered with the scheduler poller
	ioInPoller
	// epoll: removed from the poller while suspended
	ioSuspended
)

type keepAlive uint8

const (
	keepAliveUnknown keepAlive = iota
	keepAliveUse
	keepAliveMustClose
)

// protocol version of the request line.
type proto uint8

const (
	protoNone proto = iota
	// HTTP/0.9 style request line without version
	proto09
	proto10
	proto11
	protoOther
)

type respSender uint8

const (
	senderStd respSender = iota
	senderSendfile
)

const (
	tlsPhaseIdle int32 = iota
	tlsPhaseRunning
	tlsPhaseDone
)

// headerRecordSize is charged to the pool for every request value. The
// records themselves hold slices and live in c.values, the charge keeps
// the value count bounded by the connection memory limit.
const headerRecordSize = 48

type valueEntry struct {
	kind  ValueKind
	key   []byte
	value []byte
}

// Connection is one client connection of a Daemon.
//
// Accessors returning byte slices point into connection memory which is
// reused once the request completes; copy what must outlive the request.
// Apart from Resume, methods may only be called from the handler and
// notification callbacks of the connection.
type Connection struct {
	links  [linkKinds]connLinks
	member [linkKinds]*connList

	daemon *Daemon
	sock   socket
	tls    *tlsSocket
	fd     int
	addr   net.Addr
	pool   *memoryPool

	state     ConnectionState
	eventLoop eventLoopInfo
	io        ioState
	interest  netpoll.Event
	keepAlive keepAlive

	method  []byte
	url     []byte
	version []byte
	proto   proto
	values  []valueEntry
	// 头部折行处理中尚未提交的字段
	pendingKey   []byte
	pendingValue []byte
	havePending  bool

	// 读缓冲区：readBuf随已解析的行向前推进
	readBuf []byte
	readOff int
	// 写缓冲区：[writeSend, writeAppend) 为待发送数据
	writeBuf    []byte
	writeSend   int
	writeAppend int

	remaining     uint64
	chunkSize     uint64
	chunkOffset   uint64
	chunkedUpload bool
	readClosed    bool
	continueOff   int

	response     *Response
	responseCode int
	responsePos  uint64
	responseEnd  uint64
	sender       respSender
	chunked      bool
	noBody       bool

	clientAware   bool
	clientContext any
	socketContext any

	suspended bool
	resuming  bool
	inIdle    bool
	inCleanup bool

	lastActivity int64
	timeout      time.Duration

	urh *UpgradeHandle

	tlsPhase int32
	tlsErr   error

	// thread-per-connection mode
	threadDone chan struct{}
	waker      *netpoll.Waker
}

func newConnection(d *Daemon, fd int, addr net.Addr, p *memoryPool) *Connection {
	c := &Connection{
		daemon:       d,
		fd:           fd,
		addr:         addr,
		pool:         p,
		timeout:      d.timeout,
		lastActivity: absoluteNano(),
		state:        StateInit,
		eventLoop:    eventLoopRead,
	}
	if d.tlsConfig != nil {
		c.tls = newTLSSocket(fd, d.tlsConfig, d.localAddr, addr)
		c.sock = c.tls
		c.state = StateTLSInit
	} else {
		c.sock = &rawSocket{fd: fd}
	}
	return c
}

func (c *Connection) logEvent(e *zerolog.Event) *zerolog.Event {
	return e.Int("fd", c.fd).Stringer("state", c.state)
}

// Daemon returns the daemon serving the connection.
func (c *Connection) Daemon() *Daemon { return c.daemon }

// State returns the current connection state.
func (c *Connection) State() ConnectionState { return c.state }

// RemoteAddr returns the client address.
func (c *Connection) RemoteAddr() net.Addr { return c.addr }

// Method returns the request method.
func (c *Connection) Method() []byte { return c.method }

// methodIs compares the request method with m ignoring case.
func (c *Connection) methodIs(m string) bool { return strings.EqualFold(b2s(c.method), m) }

func (c *Connection) hasUploadMethod() bool {
	return c.methodIs(fasthttp.MethodPost) || c.methodIs(fasthttp.MethodPut)
}

// URL returns the decoded request path without query arguments.
func (c *Connection) URL() []byte { return c.url }

// Version returns the protocol version of the request line, empty for
// HTTP/0.9 style requests.
func (c *Connection) Version() []byte { return c.version }

// Context returns the per-request value set with SetContext or returned by
// the URI log callback. It is cleared when the request completes.
func (c *Connection) Context() any { return c.clientContext }

func (c *Connection) SetContext(v any) { c.clientContext = v }

// SocketContext returns the per-connection value, which lives as long as
// the connection.
func (c *Connection) SocketContext() any { return c.socketContext }

func (c *Connection) SetSocketContext(v any) { c.socketContext = v }

// LookupValue returns the first value of the given kinds whose key matches
// case-insensitively.
func (c *Connection) LookupValue(kind ValueKind, key string) ([]byte, bool) {
	for i := range c.values {
		v := &c.values[i]
		if v.kind&kind != 0 && strings.EqualFold(b2s(v.key), key) {
			return v.value, true
		}
	}
	return nil, false
}

// VisitValues calls f for every value of the given kinds until f returns
// false, and returns the number of values visited.
func (c *Connection) VisitValues(kind ValueKind, f func(kind ValueKind, key, value []byte) bool) int {
	n := 0
	for i := range c.values {
		v := &c.values[i]
		if v.kind&kind == 0 {
			continue
		}
		n++
		if f != nil && !f(v.kind, v.key, v.value) {
			break
		}
	}
	return n
}

// Header returns the request header value for key or nil.
func (c *Connection) Header(key string) []byte {
	v, _ := c.LookupValue(HeaderKind, key)
	return v
}

// Argument returns the query argument value for key or nil.
func (c *Connection) Argument(key string) []byte {
	v, _ := c.LookupValue(GetArgumentKind, key)
	return v
}

// Footer returns the request trailer value for key or nil.
func (c *Connection) Footer(key string) []byte {
	v, _ := c.LookupValue(FooterKind, key)
	return v
}

// Cookie returns the request cookie value for key or nil.
func (c *Connection) Cookie(key string) []byte {
	v, _ := c.LookupValue(CookieKind, key)
	return v
}

func (c *Connection) headerString(key string) (string, bool) {
	v, ok := c.LookupValue(HeaderKind, key)
	if !ok {
		return "", false
	}
	return b2s(v), true
}

// addValue records a request value. The pool is charged headerRecordSize
// although the record is kept in c.values, key and value point into the
// read buffer.
func (c *Connection) addValue(kind ValueKind, key, value []byte) bool {
	if c.pool.allocate(headerRecordSize, true) == nil {
		return false
	}
	c.values = append(c.values, valueEntry{kind: kind, key: key, value: value})
	return true
}

// SetTimeout changes the idle timeout of this connection. Zero disables it.
func (c *Connection) SetTimeout(timeout time.Duration) {
	d := c.daemon
	if timeout < 0 {
		timeout = 0
	}
	if d.tpc {
		c.timeout = timeout
		return
	}
	d.mu.Lock()
	linked := unlinkFrom(c, linkTimeout)
	c.timeout = timeout
	if linked {
		d.timeoutListOf(c).pushFront(c)
	}
	d.mu.Unlock()
}

func (c *Connection) updateLastActivity() {
	if c.timeout == 0 || c.suspended {
		return
	}
	c.lastActivity = absoluteNano()
	d := c.daemon
	if d.tpc || c.timeout != d.timeout {
		return
	}
	d.mu.Lock()
	d.normalTimeout.moveToFront(c)
	d.mu.Unlock()
}

func (c *Connection) timedOut(now int64) bool {
	return c.timeout > 0 && now-c.lastActivity > int64(c.timeout)
}

// Suspend stops processing of the connection until Resume is called. The
// handler is not called and timeouts do not apply while suspended. It may
// only be called from the handler and needs AllowSuspendResume.
func (c *Connection) Suspend() error {
	if c.daemon.flags&AllowSuspendResume == 0 {
		return ErrNotSuspendable
	}
	c.suspendInternal()
	return nil
}

// Resume continues a suspended connection. It may be called from any
// goroutine.
func (c *Connection) Resume() error {
	if c.daemon.flags&AllowSuspendResume == 0 {
		return ErrNotSuspendable
	}
	c.resumeInternal()
	return nil
}

func (c *Connection) suspendInternal() {
	d := c.daemon
	d.mu.Lock()
	if c.resuming {
		// resumed before the suspension completed
		c.resuming = false
		d.mu.Unlock()
		return
	}
	unlinkFrom(c, linkTimeout)
	d.active.remove(c)
	d.suspendedList.pushFront(c)
	c.suspended = true
	d.mu.Unlock()
	if !d.tpc {
		d.forgetConnection(c)
	}
}

// resumeInternal asks the goroutine owning the connection to resume it.
// Thread-per-connection goroutines resume their own connection, upgraded
// connections and all other modes go through the scheduler.
func (c *Connection) resumeInternal() {
	d := c.daemon
	d.mu.Lock()
	c.resuming = true
	w := d.waker
	if d.tpc && c.urh == nil {
		w = c.waker
	} else {
		d.resuming = true
	}
	d.mu.Unlock()
	if w == nil {
		return
	}
	if err := w.Wake(); err != nil {
		d.log.Error().Err(err).Msg("failed to signal resume via inter-thread communication channel")
	}
}

// markClosed moves the connection to Closed and shuts down the write side
// of the socket.
func (c *Connection) markClosed() {
	c.state = StateClosed
	c.eventLoop = eventLoopCleanup
	if c.sock != nil {
		_ = c.sock.CloseWrite()
	}
}

// close ends the connection and reports code to the application.
func (c *Connection) close(code TerminationCode) {
	d := c.daemon
	c.markClosed()
	if resp := c.response; resp != nil {
		c.response = nil
		resp.Destroy()
	}
	if d.cfg.NotifyCompleted != nil && c.clientAware {
		d.cfg.NotifyCompleted(c, code)
	}
	c.clientAware = false
	d.metrics.closed(code)
}

// closeError closes the connection after an error, which is only logged.
func (c *Connection) closeError(err error) {
	if err != nil {
		c.logEvent(c.daemon.log.Debug()).Err(err).Msg("closing connection")
	}
	c.close(WithError)
}

// cleanupConnection moves a closed connection to the cleanup list.
func (c *Connection) cleanupConnection() {
	d := c.daemon
	if c.inCleanup {
		return
	}
	c.inCleanup = true
	if resp := c.response; resp != nil {
		c.response = nil
		resp.Destroy()
	}
	d.mu.Lock()
	if c.suspended {
		d.suspendedList.remove(c)
		c.suspended = false
	} else {
		unlinkFrom(c, linkTimeout)
		d.active.remove(c)
	}
	d.cleanupList.pushFront(c)
	c.resuming = false
	c.inIdle = false
	d.mu.Unlock()
	if d.tpc {
		// the accept loop joins finished connection goroutines
		_ = d.waker.Wake()
	}
}
