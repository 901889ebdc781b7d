package microhttpd

import (
	"io"
	"net"

	"golang.org/x/sys/unix"
)

// socket is the byte stream a connection reads from and writes to.
//
// Recv and Send never block: ErrWouldBlock means "not ready, try on the
// next readiness signal". Recv reports an orderly shutdown of the peer as
// io.EOF.
type socket interface {
	Recv(p []byte) (int, error)
	Send(p []byte) (int, error)
	Fd() int
	// HasPendingWrite reports output accepted by Send but not yet written
	// to the descriptor.
	HasPendingWrite() bool
	// ReadPending reports input that may already be buffered above the
	// descriptor, so the scheduler must not wait for kernel readiness.
	ReadPending() bool
	Flush() error
	CloseWrite() error
	Close() error
}

// rawSocket is a non-blocking stream socket descriptor.
type rawSocket struct {
	fd int
}

func (s *rawSocket) Fd() int               { return s.fd }
func (s *rawSocket) HasPendingWrite() bool { return false }
func (s *rawSocket) ReadPending() bool     { return false }
func (s *rawSocket) Flush() error          { return nil }

func (s *rawSocket) Recv(p []byte) (int, error) {
	if len(p) == 0 {
		return 0, nil
	}
	n, err := unix.Read(s.fd, p)
	if err != nil {
		return 0, mapSocketError(err)
	}
	if n == 0 {
		return 0, io.EOF
	}
	return n, nil
}

func (s *rawSocket) Send(p []byte) (int, error) {
	if len(p) == 0 {
		return 0, nil
	}
	n, err := unix.Write(s.fd, p)
	if err != nil {
		return 0, mapSocketError(err)
	}
	return n, nil
}

func (s *rawSocket) CloseWrite() error {
	return unix.Shutdown(s.fd, unix.SHUT_WR)
}

func (s *rawSocket) Close() error {
	if s.fd < 0 {
		return nil
	}
	err := unix.Close(s.fd)
	s.fd = -1
	return err
}

func mapSocketError(err error) error {
	switch err {
	case unix.EAGAIN, unix.EINTR:
		return ErrWouldBlock
	case unix.ECONNRESET, unix.EPIPE:
		return errConnReset
	}
	return err
}

// sockaddrToAddr converts an accepted peer address.
func sockaddrToAddr(sa unix.Sockaddr) net.Addr {
	switch a := sa.(type) {
	case *unix.SockaddrInet4:
		return &net.TCPAddr{IP: append(net.IP(nil), a.Addr[:]...), Port: a.Port}
	case *unix.SockaddrInet6:
		ip := append(net.IP(nil), a.Addr[:]...)
		zone := ""
		if a.ZoneId != 0 {
			if ifi, err := net.InterfaceByIndex(int(a.ZoneId)); err == nil {
				zone = ifi.Name
			}
		}
		return &net.TCPAddr{IP: ip, Port: a.Port, Zone: zone}
	case *unix.SockaddrUnix:
		return &net.UnixAddr{Name: a.Name, Net: "unix"}
	}
	return nil
}

func setSocketOptions(fd int) error {
	if err := unix.SetNonblock(fd, true); err != nil {
		return err
	}
	unix.CloseOnExec(fd)
	// not every socket family supports it
	_ = unix.SetsockoptInt(fd, unix.IPPROTO_TCP, unix.TCP_NODELAY, 1)
	return nil
}
