//go:build !linux

package microhttpd

const sendfileSupported = false

func sendfile(sock int, fd int, off int64, count uint64) (int, error) {
	return 0, errSendfileUnsupported
}
