package microhttpd

import (
	"crypto/tls"
	"io"
	"net"
	"os"
	"time"

	"github.com/pkg/errors"
	"github.com/valyala/bytebufferpool"
	"golang.org/x/crypto/pkcs12"
	"golang.org/x/sys/unix"
)

const (
	defaultTLSHandshakeTimeout = 10 * time.Second
	// plaintext accepted per Send
	maxTLSWrite = 16 * 1024
	// ciphertext queued before Send reports ErrWouldBlock
	maxTLSPending = 64 * 1024
)

// tlsWouldBlockError is what the descriptor adapter returns instead of
// blocking. crypto/tls keeps the connection usable after temporary errors.
type tlsWouldBlockError struct{}

func (tlsWouldBlockError) Error() string   { return "tls: operation would block" }
func (tlsWouldBlockError) Timeout() bool   { return true }
func (tlsWouldBlockError) Temporary() bool { return true }

var errTLSWouldBlock net.Error = tlsWouldBlockError{}

// fdConn is the net.Conn crypto/tls talks to.
//
// Outside of the handshake it never blocks: reads return errTLSWouldBlock
// and writes are queued in out until the socket accepts them. During the
// handshake it waits for readiness with poll(2), bounded by the deadline.
type fdConn struct {
	fd     int
	local  net.Addr
	remote net.Addr

	blocking bool
	deadline time.Time

	// 待发送的密文，outOff之前的部分已写出
	out    *bytebufferpool.ByteBuffer
	outOff int
}

func (fc *fdConn) Read(p []byte) (int, error) {
	if len(p) == 0 {
		return 0, nil
	}
	for {
		n, err := unix.Read(fc.fd, p)
		if err == nil {
			if n == 0 {
				return 0, io.EOF
			}
			return n, nil
		}
		switch err {
		case unix.EINTR:
			continue
		case unix.EAGAIN:
			if !fc.blocking {
				return 0, errTLSWouldBlock
			}
			if err = fc.wait(unix.POLLIN); err != nil {
				return 0, err
			}
			continue
		}
		return 0, mapSocketError(err)
	}
}

// Write queues p and writes as much as possible. It only fails for hard
// socket errors.
func (fc *fdConn) Write(p []byte) (int, error) {
	if fc.out == nil {
		return 0, net.ErrClosed
	}
	_, _ = fc.out.Write(p)
	if err := fc.flush(); err != nil && err != ErrWouldBlock {
		return 0, err
	}
	return len(p), nil
}

func (fc *fdConn) flush() error {
	if fc.out == nil {
		return nil
	}
	for fc.outOff < len(fc.out.B) {
		n, err := unix.Write(fc.fd, fc.out.B[fc.outOff:])
		if err != nil {
			switch err {
			case unix.EINTR:
				continue
			case unix.EAGAIN:
				if !fc.blocking {
					return ErrWouldBlock
				}
				if err = fc.wait(unix.POLLOUT); err != nil {
					return err
				}
				continue
			}
			return mapSocketError(err)
		}
		fc.outOff += n
	}
	fc.out.Reset()
	fc.outOff = 0
	return nil
}

func (fc *fdConn) pending() int {
	if fc.out == nil {
		return 0
	}
	return len(fc.out.B) - fc.outOff
}

func (fc *fdConn) wait(events int16) error {
	for {
		timeout := -1
		if !fc.deadline.IsZero() {
			left := time.Until(fc.deadline)
			if left <= 0 {
				return os.ErrDeadlineExceeded
			}
			timeout = int((left + time.Millisecond - 1) / time.Millisecond)
		}
		fds := []unix.PollFd{{Fd: int32(fc.fd), Events: events}}
		n, err := unix.Poll(fds, timeout)
		if err == unix.EINTR {
			continue
		}
		if err != nil {
			return err
		}
		if n > 0 {
			return nil
		}
	}
}

// Close is a no-op, the descriptor belongs to the connection.
func (fc *fdConn) Close() error { return nil }

func (fc *fdConn) LocalAddr() net.Addr  { return fc.local }
func (fc *fdConn) RemoteAddr() net.Addr { return fc.remote }

func (fc *fdConn) SetDeadline(t time.Time) error {
	fc.deadline = t
	return nil
}

func (fc *fdConn) SetReadDeadline(t time.Time) error  { return fc.SetDeadline(t) }
func (fc *fdConn) SetWriteDeadline(t time.Time) error { return fc.SetDeadline(t) }

// tlsSocket is the socket of a connection on a TLS daemon.
type tlsSocket struct {
	conn *tls.Conn
	raw  *fdConn

	readPending   bool
	handshakeDone bool
}

func newTLSSocket(fd int, cfg *tls.Config, local, remote net.Addr) *tlsSocket {
	raw := &fdConn{fd: fd, local: local, remote: remote, out: bytebufferpool.Get()}
	return &tlsSocket{raw: raw, conn: tls.Server(raw, cfg)}
}

func (s *tlsSocket) Fd() int { return s.raw.fd }

func (s *tlsSocket) HasPendingWrite() bool { return s.raw.pending() > 0 }

// ReadPending reports that decrypted records may still be buffered.
func (s *tlsSocket) ReadPending() bool { return s.readPending }

func (s *tlsSocket) Flush() error { return s.raw.flush() }

func (s *tlsSocket) Recv(p []byte) (int, error) {
	n, err := s.conn.Read(p)
	if n > 0 {
		s.readPending = true
		return n, nil
	}
	if err == nil {
		// a non-application record was consumed
		s.readPending = true
		return 0, ErrWouldBlock
	}
	s.readPending = false
	if ne, ok := err.(net.Error); ok && ne.Timeout() {
		return 0, ErrWouldBlock
	}
	return 0, err
}

func (s *tlsSocket) Send(p []byte) (int, error) {
	if s.raw.pending() >= maxTLSPending {
		if err := s.raw.flush(); err != nil && err != ErrWouldBlock {
			return 0, err
		}
		if s.raw.pending() >= maxTLSPending {
			return 0, ErrWouldBlock
		}
	}
	if len(p) > maxTLSWrite {
		p = p[:maxTLSWrite]
	}
	n, err := s.conn.Write(p)
	if err != nil {
		return n, err
	}
	return n, nil
}

// CloseWrite sends close_notify when the session is up and shuts down the
// write side of the socket.
func (s *tlsSocket) CloseWrite() error {
	if s.raw.fd < 0 {
		return nil
	}
	if s.handshakeDone {
		_ = s.conn.CloseWrite()
		_ = s.raw.flush()
	}
	return unix.Shutdown(s.raw.fd, unix.SHUT_WR)
}

func (s *tlsSocket) Close() error {
	if s.raw.out != nil {
		bytebufferpool.Put(s.raw.out)
		s.raw.out = nil
	}
	if s.raw.fd < 0 {
		return nil
	}
	err := unix.Close(s.raw.fd)
	s.raw.fd = -1
	return err
}

// handshake runs the server handshake in blocking mode. A plaintext HTTP
// request gets a canned 400 response before the error is returned.
func (s *tlsSocket) handshake(timeout time.Duration) error {
	if timeout <= 0 {
		timeout = defaultTLSHandshakeTimeout
	}
	s.raw.blocking = true
	s.raw.deadline = time.Now().Add(timeout)
	defer func() {
		s.raw.blocking = false
		s.raw.deadline = time.Time{}
	}()
	if err := s.conn.Handshake(); err != nil {
		if //goland:noinspection GoTypeAssertionOnErrors
		re, ok := err.(tls.RecordHeaderError); ok && re.Conn != nil && tlsRecordHeaderLooksLikeHTTP(re.RecordHeader) {
			//goland:noinspection GoUnhandledErrorResult
			re.Conn.Write([]byte(httpToHttpsErr))
		}
		return err
	}
	s.handshakeDone = true
	s.readPending = true
	return nil
}

// tlsHandshakeStep drives StateTLSInit and reports whether the state
// changed. Thread-per-connection daemons shake hands inline; the other
// modes suspend the connection and shake hands on the TLS goroutine pool.
func (c *Connection) tlsHandshakeStep() bool {
	d := c.daemon
	if d.tpc {
		if err := c.tls.handshake(c.timeout); err != nil {
			c.closeError(errors.Wrap(errTLSHandshake, err.Error()))
			return true
		}
		c.state = StateInit
		c.updateLastActivity()
		return true
	}

	d.mu.Lock()
	phase, err := c.tlsPhase, c.tlsErr
	d.mu.Unlock()
	switch phase {
	case tlsPhaseRunning:
		return false
	case tlsPhaseDone:
		c.tlsPhase, c.tlsErr = tlsPhaseIdle, nil
		if err != nil {
			c.closeError(errors.Wrap(errTLSHandshake, err.Error()))
			return true
		}
		c.state = StateInit
		c.updateLastActivity()
		return true
	}

	c.tlsPhase = tlsPhaseRunning
	timeout := c.timeout
	d.handshakes.Add(1)
	c.suspendInternal()
	d.tlsPool.Go(func() {
		defer d.handshakes.Done()
		err := c.tls.handshake(timeout)
		d.mu.Lock()
		c.tlsErr = err
		c.tlsPhase = tlsPhaseDone
		d.mu.Unlock()
		c.resumeInternal()
	})
	return false
}

// loadTLSConfig combines Config.TLSConfig with the PEM and PKCS#12
// credentials of cfg.
func loadTLSConfig(cfg *Config) (*tls.Config, error) {
	tc := &tls.Config{}
	if cfg.TLSConfig != nil {
		tc = cfg.TLSConfig.Clone()
	}
	if len(cfg.TLSCertPEM) > 0 || len(cfg.TLSKeyPEM) > 0 {
		cert, err := tls.X509KeyPair(cfg.TLSCertPEM, cfg.TLSKeyPEM)
		if err != nil {
			return nil, errors.Wrapf(err, "cannot load TLS key pair from the provided certData(%d) and keyData(%d)",
				len(cfg.TLSCertPEM), len(cfg.TLSKeyPEM))
		}
		tc.Certificates = append(tc.Certificates, cert)
	}
	if len(cfg.TLSPKCS12) > 0 {
		key, leaf, err := pkcs12.Decode(cfg.TLSPKCS12, cfg.TLSPKCS12Password)
		if err != nil {
			return nil, errors.Wrap(err, "cannot decode PKCS#12 credentials")
		}
		tc.Certificates = append(tc.Certificates, tls.Certificate{
			Certificate: [][]byte{leaf.Raw},
			PrivateKey:  key,
			Leaf:        leaf,
		})
	}
	if len(tc.Certificates) == 0 && tc.GetCertificate == nil && tc.GetConfigForClient == nil {
		return nil, errors.Wrap(ErrInvalidOptions, "UseTLS needs a certificate")
	}
	if len(tc.NextProtos) == 0 {
		tc.NextProtos = []string{"http/1.1"}
	}
	return tc, nil
}
