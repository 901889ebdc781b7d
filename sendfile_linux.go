//go:build linux

package microhttpd

import (
	"golang.org/x/sys/unix"
)

// maxSendfileChunk bounds one sendfile call so a single fast client cannot
// monopolize a scheduler pass.
const maxSendfileChunk = 4 << 20

const sendfileSupported = true

// sendfile transmits up to count bytes of fd starting at off to sock.
// errSendfileUnsupported asks the caller to fall back to buffered reads.
func sendfile(sock int, fd int, off int64, count uint64) (int, error) {
	if count > maxSendfileChunk {
		count = maxSendfileChunk
	}
	n, err := unix.Sendfile(sock, fd, &off, int(count))
	if err != nil {
		switch err {
		case unix.EAGAIN, unix.EINTR:
			return 0, ErrWouldBlock
		case unix.EINVAL, unix.EBADF, unix.ENOSYS, unix.EOPNOTSUPP:
			return 0, errSendfileUnsupported
		}
		return 0, mapSocketError(err)
	}
	return n, nil
}
