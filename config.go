package microhttpd

import (
	"crypto/tls"
	"net"
	"runtime"
	"time"

	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"

	"github.com/newacorn/microhttpd/netpoll"
)

// Flag selects daemon features. Flags are combined with |.
type Flag uint32

const (
	// InternalPollingThread runs the scheduler on goroutines owned by the
	// daemon. Without it the application drives the daemon with Run or
	// RunWait.
	InternalPollingThread Flag = 1 << iota
	// ThreadPerConnection serves every connection on its own goroutine.
	// Implies InternalPollingThread.
	ThreadPerConnection
	// UsePoll selects the poll(2) backend.
	UsePoll
	// UseEpoll selects the edge triggered epoll(7) backend. Linux only.
	UseEpoll
	// UseTLS terminates TLS. Credentials come from the TLS fields of Config.
	UseTLS
	// AllowUpgrade permits responses created by NewResponseForUpgrade.
	AllowUpgrade
	// NoListenSocket starts without a listen socket, connections are added
	// with AddConnection.
	NoListenSocket
	// SuppressDateHeader omits the automatic Date response header.
	SuppressDateHeader
	// Pedantic rejects requests that violate the letter of RFC 7230.
	Pedantic
	// AllowSuspendResume enables Connection.Suspend and Connection.Resume.
	AllowSuspendResume
	// UseIPv6 listens on an IPv6 socket.
	UseIPv6
	// UseErrorLog logs to stderr when Config.Logger is nil.
	UseErrorLog
	// TCPFastOpen enables TCP_FASTOPEN on the listen socket.
	TCPFastOpen
	// ReusePort enables SO_REUSEPORT on the listen socket.
	ReusePort
	// DeferAccept enables TCP_DEFER_ACCEPT on the listen socket.
	DeferAccept
	// UseListenFd takes over Config.ListenFd as listen socket, including
	// descriptor 0.
	UseListenFd
)

const (
	// DefaultConnectionMemoryLimit is the default memory pool size of a connection.
	DefaultConnectionMemoryLimit = 32 * 1024
	// DefaultConnectionMemoryIncrement is the default growth step of the read buffer.
	DefaultConnectionMemoryIncrement = 1024
	// DefaultConnectionLimit is the default maximum number of concurrent connections.
	DefaultConnectionLimit = 1020
	// DefaultMetricsNamespace prefixes the metric names of a daemon.
	DefaultMetricsNamespace = "microhttpd"
)

// descriptors select needs besides connections: listen socket, waker and
// some slack for the application
const selectReservedFds = 4

// Handler is called for every request.
//
// The first call comes after the request header, with a nil upload. Later
// calls pass the upload data received so far; the handler returns how many
// bytes it consumed. A final call with an empty upload means the request
// is complete and a response must be queued (or the connection suspended).
// A non-nil error closes the connection.
type Handler func(c *Connection, upload []byte) (consumed int, err error)

// NotifyCompleted is called once per request the handler has seen.
type NotifyCompleted func(c *Connection, code TerminationCode)

// NotifyConnection reports start and end of client connections.
type NotifyConnection func(c *Connection, n ConnectionNotification)

// URILogCallback sees the raw request URI before any decoding. The
// returned value becomes the request context.
type URILogCallback func(c *Connection, uri []byte) any

// UnescapeCallback decodes s in place and returns the decoded slice, which
// must not be longer than s.
type UnescapeCallback func(c *Connection, s []byte) []byte

// AcceptPolicy decides whether a client may connect.
type AcceptPolicy func(addr net.Addr) bool

// Config configures a Daemon. The zero value of every field means its
// default.
type Config struct {
	Flags Flag

	// Addr is the listen address in host:port form. When empty the daemon
	// listens on all interfaces at Port.
	Addr string
	Port int

	// Listener supplies an existing listen socket. The daemon duplicates
	// its descriptor; the caller keeps ownership of Listener.
	Listener net.Listener
	// ListenFd supplies an existing listening descriptor which the daemon
	// takes over. Used with UseListenFd, or when greater than zero.
	ListenFd int
	// ListenBacklog is passed to listen(2). Zero uses the system maximum.
	ListenBacklog int

	// Handler must be set.
	Handler          Handler
	AcceptPolicy     AcceptPolicy
	NotifyCompleted  NotifyCompleted
	NotifyConnection NotifyConnection
	URILogCallback   URILogCallback
	UnescapeCallback UnescapeCallback

	// 每个连接的内存池大小
	ConnectionMemoryLimit int
	// 读缓冲区每次扩大的字节数
	ConnectionMemoryIncrement int
	ConnectionLimit           int
	// Zero disables the per-IP limit.
	PerIPConnectionLimit int
	// Zero disables the idle timeout.
	ConnectionTimeout time.Duration
	// ThreadPoolSize greater than one starts that many scheduler
	// goroutines sharing the listen socket.
	ThreadPoolSize int

	TLSConfig         *tls.Config
	TLSCertPEM        []byte
	TLSKeyPEM         []byte
	TLSPKCS12         []byte
	TLSPKCS12Password string
	// TLSHandshakeConcurrency bounds the goroutines running TLS handshakes.
	// Defaults to 64 per CPU.
	TLSHandshakeConcurrency int

	Logger *zerolog.Logger
	// Metrics registers the daemon metrics when set.
	Metrics          prometheus.Registerer
	MetricsNamespace string
}

func (cfg *Config) backendCount() int {
	n := 0
	if cfg.Flags&UsePoll != 0 {
		n++
	}
	if cfg.Flags&UseEpoll != 0 {
		n++
	}
	return n
}

// normalize applies defaults and rejects contradictory settings.
func (cfg *Config) normalize(log *zerolog.Logger) error {
	if cfg.Handler == nil {
		return errors.Wrap(ErrInvalidOptions, "Handler is required")
	}
	if cfg.Flags&ThreadPerConnection != 0 && cfg.Flags&InternalPollingThread == 0 {
		log.Warn().Msg("ThreadPerConnection requires InternalPollingThread, adding it")
		cfg.Flags |= InternalPollingThread
	}
	internal := cfg.Flags&InternalPollingThread != 0
	if cfg.backendCount() > 1 {
		return errors.Wrap(ErrInvalidOptions, "UsePoll and UseEpoll are mutually exclusive")
	}
	if cfg.Flags&UseEpoll != 0 && cfg.Flags&ThreadPerConnection != 0 {
		return errors.Wrap(ErrInvalidOptions, "UseEpoll cannot be combined with ThreadPerConnection")
	}
	if cfg.backendCount() > 0 && !internal {
		return errors.Wrap(ErrInvalidOptions, "UsePoll and UseEpoll need InternalPollingThread")
	}
	if cfg.ThreadPoolSize < 0 {
		return errors.Wrapf(ErrInvalidOptions, "negative ThreadPoolSize %d", cfg.ThreadPoolSize)
	}
	if cfg.ThreadPoolSize > 1 {
		if !internal {
			return errors.Wrap(ErrInvalidOptions, "ThreadPoolSize needs InternalPollingThread")
		}
		if cfg.Flags&ThreadPerConnection != 0 {
			return errors.Wrap(ErrInvalidOptions, "ThreadPoolSize cannot be combined with ThreadPerConnection")
		}
	}
	if cfg.Flags&UseEpoll != 0 && runtime.GOOS != "linux" {
		return errors.Wrapf(ErrInvalidOptions, "UseEpoll is not supported on %s", runtime.GOOS)
	}

	switch {
	case cfg.ConnectionMemoryLimit < 0:
		return errors.Wrapf(ErrInvalidOptions, "negative ConnectionMemoryLimit %d", cfg.ConnectionMemoryLimit)
	case cfg.ConnectionMemoryIncrement < 0:
		return errors.Wrapf(ErrInvalidOptions, "negative ConnectionMemoryIncrement %d", cfg.ConnectionMemoryIncrement)
	case cfg.ConnectionLimit < 0:
		return errors.Wrapf(ErrInvalidOptions, "negative ConnectionLimit %d", cfg.ConnectionLimit)
	case cfg.PerIPConnectionLimit < 0:
		return errors.Wrapf(ErrInvalidOptions, "negative PerIPConnectionLimit %d", cfg.PerIPConnectionLimit)
	case cfg.ConnectionTimeout < 0:
		return errors.Wrapf(ErrInvalidOptions, "negative ConnectionTimeout %s", cfg.ConnectionTimeout)
	case cfg.Flags&UseListenFd != 0 && cfg.ListenFd < 0:
		return errors.Wrapf(ErrInvalidOptions, "UseListenFd with negative ListenFd %d", cfg.ListenFd)
	case cfg.ListenBacklog < 0:
		return errors.Wrapf(ErrInvalidOptions, "negative ListenBacklog %d", cfg.ListenBacklog)
	case cfg.TLSHandshakeConcurrency < 0:
		return errors.Wrapf(ErrInvalidOptions, "negative TLSHandshakeConcurrency %d", cfg.TLSHandshakeConcurrency)
	}

	if cfg.ConnectionMemoryLimit == 0 {
		cfg.ConnectionMemoryLimit = DefaultConnectionMemoryLimit
	}
	if cfg.ConnectionMemoryIncrement == 0 {
		cfg.ConnectionMemoryIncrement = DefaultConnectionMemoryIncrement
	}
	if cfg.ConnectionMemoryIncrement > cfg.ConnectionMemoryLimit/2 {
		return errors.Wrapf(ErrInvalidOptions, "ConnectionMemoryIncrement %d is larger than half of ConnectionMemoryLimit %d",
			cfg.ConnectionMemoryIncrement, cfg.ConnectionMemoryLimit)
	}
	if cfg.ConnectionLimit == 0 {
		cfg.ConnectionLimit = DefaultConnectionLimit
	}
	if cfg.usesSelect() && cfg.ConnectionLimit > netpoll.MaxSelectFd-selectReservedFds {
		log.Warn().Int("limit", cfg.ConnectionLimit).Int("max", netpoll.MaxSelectFd-selectReservedFds).
			Msg("connection limit exceeds what select can watch, lowering it")
		cfg.ConnectionLimit = netpoll.MaxSelectFd - selectReservedFds
	}
	if cfg.ThreadPoolSize > cfg.ConnectionLimit {
		return errors.Wrapf(ErrInvalidOptions, "ThreadPoolSize %d is larger than ConnectionLimit %d",
			cfg.ThreadPoolSize, cfg.ConnectionLimit)
	}
	if cfg.TLSHandshakeConcurrency == 0 {
		cfg.TLSHandshakeConcurrency = 64 * runtime.GOMAXPROCS(0)
	}
	if cfg.MetricsNamespace == "" {
		cfg.MetricsNamespace = DefaultMetricsNamespace
	}
	if cfg.Flags&UseTLS == 0 && (cfg.TLSConfig != nil || len(cfg.TLSCertPEM) > 0 || len(cfg.TLSPKCS12) > 0) {
		log.Warn().Msg("TLS credentials given without UseTLS, serving plain HTTP")
	}
	return nil
}

// usesSelect reports whether the scheduler polls with select(2).
func (cfg *Config) usesSelect() bool {
	return cfg.Flags&(UsePoll|UseEpoll|ThreadPerConnection) == 0
}

// adoptsListenFd reports whether ListenFd names the listen socket.
func (cfg *Config) adoptsListenFd() bool {
	return cfg.Flags&UseListenFd != 0 || cfg.ListenFd > 0
}
