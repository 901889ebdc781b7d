//go:build linux

package microhttpd

import (
	"net"
	"testing"

	"github.com/gookit/goutil/testutil/assert"
	"github.com/valyala/fasthttp"
	"golang.org/x/sys/unix"
)

// Not parallel: descriptor 0 of the test process is swapped for a socket.
func TestOpenListenSocketAdoptsFdZero(t *testing.T) {
	ln, err := net.Listen("tcp4", "127.0.0.1:0")
	assert.NoErr(t, err)
	defer ln.Close()
	lfd, err := dupListenerFd(ln)
	assert.NoErr(t, err)
	defer unix.Close(lfd)

	saved, err := unix.Dup(0)
	if err != nil {
		saved = -1
	}
	defer func() {
		if saved >= 0 {
			_ = unix.Dup3(saved, 0, 0)
			_ = unix.Close(saved)
		} else {
			_ = unix.Close(0)
		}
	}()
	assert.NoErr(t, unix.Dup3(lfd, 0, 0))

	cfg := Config{Flags: UseListenFd}
	fd, addr, err := openListenSocket(&cfg)
	assert.NoErr(t, err)
	assert.Eq(t, 0, fd)
	assert.Eq(t, ln.Addr().String(), addr.String())

	// without the flag a zero ListenFd means unset
	cfg = Config{Addr: "127.0.0.1:0"}
	fd, addr, err = openListenSocket(&cfg)
	assert.NoErr(t, err)
	defer unix.Close(fd)
	if fd == 0 {
		t.Fatalf("unexpected adoption of descriptor 0 without UseListenFd")
	}
	if addr.String() == ln.Addr().String() {
		t.Fatalf("unexpected address %s. Expecting a fresh listen socket", addr)
	}
}

func TestDaemonAdoptsListenFd(t *testing.T) {
	t.Parallel()
	ln, err := net.Listen("tcp4", "127.0.0.1:0")
	assert.NoErr(t, err)
	defer ln.Close()
	lfd, err := dupListenerFd(ln)
	assert.NoErr(t, err)

	d, addr := startDaemon(t, Config{
		Flags:    InternalPollingThread | UsePoll | UseListenFd,
		ListenFd: lfd,
		Handler:  echoHandler,
	})
	assert.Eq(t, ln.Addr().String(), addr)
	assert.Eq(t, lfd, d.Info().ListenFd)
	hc := &fasthttp.HostClient{Addr: addr}
	status, body := doRequest(t, hc, fasthttp.MethodGet, "/adopted", nil)
	assert.Eq(t, StatusOK, status)
	assert.Eq(t, "GET /adopted", body)
}
