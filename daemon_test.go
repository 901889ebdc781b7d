package microhttpd

import (
	"bufio"
	"bytes"
	"io"
	"net"
	"os"
	"runtime"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gookit/goutil/testutil/assert"
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/valyala/fasthttp"
	"github.com/xyproto/randomstring"
	"golang.org/x/sys/unix"
)

type backendCase struct {
	name    string
	flags   Flag
	workers int
	backend string
}

func backendCases() []backendCase {
	cases := []backendCase{
		{name: "select", flags: InternalPollingThread, backend: "select"},
		{name: "poll", flags: InternalPollingThread | UsePoll, backend: "poll"},
		{name: "thread per connection", flags: ThreadPerConnection, backend: "poll"},
		{name: "worker pool", flags: InternalPollingThread, workers: 3, backend: "select"},
	}
	if runtime.GOOS == "linux" {
		cases = append(cases,
			backendCase{name: "epoll", flags: InternalPollingThread | UseEpoll, backend: "epoll"},
			backendCase{name: "epoll worker pool", flags: InternalPollingThread | UseEpoll, workers: 2, backend: "epoll"},
		)
	}
	return cases
}

func startDaemon(t *testing.T, cfg Config) (*Daemon, string) {
	t.Helper()
	if cfg.Addr == "" && cfg.Flags&NoListenSocket == 0 {
		cfg.Addr = "127.0.0.1:0"
	}
	d, err := Start(cfg)
	if err != nil {
		t.Fatalf("cannot start daemon: %v", err)
	}
	t.Cleanup(d.Stop)
	if d.Addr() == nil {
		return d, ""
	}
	return d, d.Addr().String()
}

// echoHandler answers with the request body, or with method and URL for
// requests without one.
func echoHandler(c *Connection, upload []byte) (int, error) {
	buf, _ := c.Context().(*bytes.Buffer)
	if buf == nil {
		buf = new(bytes.Buffer)
		c.SetContext(buf)
	}
	if len(upload) > 0 {
		buf.Write(upload)
		return len(upload), nil
	}
	if c.State() != StateFootersReceived {
		return 0, nil
	}
	body := buf.Bytes()
	if len(body) == 0 {
		body = []byte(string(c.Method()) + " " + string(c.URL()))
	}
	resp := NewResponseFromBuffer(body, RespMemMustCopy)
	defer resp.Destroy()
	return 0, c.QueueResponse(StatusOK, resp)
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timeout waiting for %s", what)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func metricValue(t *testing.T, reg *prometheus.Registry, name string, labels map[string]string) float64 {
	t.Helper()
	mfs, err := reg.Gather()
	assert.NoErr(t, err)
	for _, mf := range mfs {
		if mf.GetName() != name {
			continue
		}
	next:
		for _, m := range mf.GetMetric() {
			for _, lp := range m.GetLabel() {
				if v, ok := labels[lp.GetName()]; ok && v != lp.GetValue() {
					continue next
				}
			}
			if c := m.GetCounter(); c != nil {
				return c.GetValue()
			}
			if g := m.GetGauge(); g != nil {
				return g.GetValue()
			}
		}
	}
	return 0
}

func doRequest(t *testing.T, hc *fasthttp.HostClient, method, uri string, body []byte) (int, string) {
	t.Helper()
	req := fasthttp.AcquireRequest()
	resp := fasthttp.AcquireResponse()
	defer fasthttp.ReleaseRequest(req)
	defer fasthttp.ReleaseResponse(resp)
	req.Header.SetMethod(method)
	scheme := "http://"
	if hc.IsTLS {
		scheme = "https://"
	}
	req.SetRequestURI(scheme + hc.Addr + uri)
	if body != nil {
		req.SetBody(body)
	}
	if err := hc.DoTimeout(req, resp, 5*time.Second); err != nil {
		t.Fatalf("unexpected error for %s %s: %v", method, uri, err)
	}
	return resp.StatusCode(), string(resp.Body())
}

func TestDaemonServesRequests(t *testing.T) {
	t.Parallel()
	for _, bc := range backendCases() {
		bc := bc
		t.Run(bc.name, func(t *testing.T) {
			t.Parallel()
			d, addr := startDaemon(t, Config{
				Flags:          bc.flags,
				ThreadPoolSize: bc.workers,
				Handler:        echoHandler,
			})
			info := d.Info()
			assert.Eq(t, bc.backend, info.Backend)
			assert.True(t, info.Port > 0)
			assert.True(t, info.ListenFd >= 0)

			hc := &fasthttp.HostClient{Addr: addr, MaxConns: 1}
			for i := 0; i < 5; i++ {
				status, body := doRequest(t, hc, fasthttp.MethodGet, "/hello?x=1", nil)
				assert.Eq(t, StatusOK, status)
				assert.Eq(t, "GET /hello", body)

				payload := randomstring.HumanFriendlyString(20000 + i*1000)
				status, body = doRequest(t, hc, fasthttp.MethodPost, "/echo", []byte(payload))
				assert.Eq(t, StatusOK, status)
				if body != payload {
					t.Fatalf("unexpected body of %d bytes. Expecting the %d bytes sent", len(body), len(payload))
				}
			}
			// keep-alive: everything went over one connection
			assert.Eq(t, 1, d.Info().Connections)
			hc.CloseIdleConnections()
			waitFor(t, "connection release", func() bool { return d.Info().Connections == 0 })
		})
	}
}

func TestDaemonConcurrentClients(t *testing.T) {
	t.Parallel()
	for _, bc := range backendCases() {
		bc := bc
		t.Run(bc.name, func(t *testing.T) {
			t.Parallel()
			_, addr := startDaemon(t, Config{
				Flags:          bc.flags,
				ThreadPoolSize: bc.workers,
				Handler:        echoHandler,
			})
			hc := &fasthttp.HostClient{Addr: addr, MaxConns: 16}
			var wg sync.WaitGroup
			errs := make(chan error, 16)
			for i := 0; i < 16; i++ {
				wg.Add(1)
				go func() {
					defer wg.Done()
					for j := 0; j < 10; j++ {
						payload := randomstring.HumanFriendlyString(1200)
						req := fasthttp.AcquireRequest()
						resp := fasthttp.AcquireResponse()
						req.Header.SetMethod(fasthttp.MethodPut)
						req.SetRequestURI("http://" + addr + "/put")
						req.SetBodyString(payload)
						err := hc.DoTimeout(req, resp, 5*time.Second)
						if err == nil && string(resp.Body()) != payload {
							err = errors.Errorf("unexpected body %q. Expecting %q", resp.Body(), payload)
						}
						fasthttp.ReleaseRequest(req)
						fasthttp.ReleaseResponse(resp)
						if err != nil {
							errs <- err
							return
						}
					}
				}()
			}
			wg.Wait()
			close(errs)
			for err := range errs {
				t.Fatalf("unexpected error: %v", err)
			}
		})
	}
}

func TestDaemonConnectionLimit(t *testing.T) {
	t.Parallel()
	reg := prometheus.NewRegistry()
	var started int32
	d, addr := startDaemon(t, Config{
		Flags:           InternalPollingThread,
		ConnectionLimit: 10,
		Handler:         echoHandler,
		Metrics:         reg,
		NotifyConnection: func(c *Connection, n ConnectionNotification) {
			if n == ConnectionStarted {
				atomic.AddInt32(&started, 1)
			}
		},
	})

	conns := make([]net.Conn, 20)
	var wg sync.WaitGroup
	for i := range conns {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			conn, err := net.Dial("tcp", addr)
			if err == nil {
				conns[i] = conn
			}
		}(i)
	}
	wg.Wait()
	for _, conn := range conns {
		if conn == nil {
			t.Fatalf("unexpected dial failure")
		}
		defer conn.Close()
	}

	waitFor(t, "refused connections", func() bool {
		return metricValue(t, reg, "microhttpd_connections_refused_total", map[string]string{"reason": "limit"}) == 10
	})
	assert.Eq(t, 10, d.Info().Connections)
	assert.Eq(t, int32(10), atomic.LoadInt32(&started))
	assert.Eq(t, float64(10), metricValue(t, reg, "microhttpd_connections_accepted_total", nil))
	assert.Eq(t, float64(10), metricValue(t, reg, "microhttpd_connections_active", nil))

	accepted, refused := 0, 0
	for _, conn := range conns {
		_ = conn.SetReadDeadline(time.Now().Add(200 * time.Millisecond))
		var b [1]byte
		_, err := conn.Read(b[:])
		var ne net.Error
		if errors.As(err, &ne) && ne.Timeout() {
			accepted++
		} else {
			refused++
		}
	}
	assert.Eq(t, 10, accepted)
	assert.Eq(t, 10, refused)
}

func TestDaemonWorkerPoolConnectionLimit(t *testing.T) {
	t.Parallel()
	cases := []backendCase{
		{name: "select", flags: InternalPollingThread},
		{name: "poll", flags: InternalPollingThread | UsePoll},
	}
	if runtime.GOOS == "linux" {
		cases = append(cases, backendCase{name: "epoll", flags: InternalPollingThread | UseEpoll})
	}
	for _, bc := range cases {
		bc := bc
		t.Run(bc.name, func(t *testing.T) {
			t.Parallel()
			reg := prometheus.NewRegistry()
			d, addr := startDaemon(t, Config{
				Flags:           bc.flags,
				ThreadPoolSize:  3,
				ConnectionLimit: 10,
				Handler:         echoHandler,
				Metrics:         reg,
			})
			limits := make([]int, 0, len(d.workers))
			for _, w := range d.workers {
				limits = append(limits, w.connLimit)
			}
			assert.Eq(t, []int{4, 3, 3}, limits)

			conns := make([]net.Conn, 20)
			for i := range conns {
				conn, err := net.Dial("tcp", addr)
				if err != nil {
					t.Fatalf("unexpected dial error: %v", err)
				}
				defer conn.Close()
				conns[i] = conn
			}
			waitFor(t, "refused connections", func() bool {
				return metricValue(t, reg, "microhttpd_connections_refused_total", map[string]string{"reason": "limit"}) == 10
			})
			assert.Eq(t, 10, d.Info().Connections)
			for i, w := range d.workers {
				if n := w.connectionCount(); n != w.connLimit {
					t.Fatalf("unexpected connection count %d on worker %d. Expecting %d", n, i, w.connLimit)
				}
			}

			accepted, refused := 0, 0
			for _, conn := range conns {
				_ = conn.SetReadDeadline(time.Now().Add(200 * time.Millisecond))
				var b [1]byte
				_, err := conn.Read(b[:])
				var ne net.Error
				if errors.As(err, &ne) && ne.Timeout() {
					accepted++
				} else {
					refused++
				}
			}
			assert.Eq(t, 10, accepted)
			assert.Eq(t, 10, refused)
		})
	}
}

func TestDaemonPerIPLimit(t *testing.T) {
	t.Parallel()
	reg := prometheus.NewRegistry()
	d, addr := startDaemon(t, Config{
		Flags:                InternalPollingThread | UsePoll,
		PerIPConnectionLimit: 2,
		Handler:              echoHandler,
		Metrics:              reg,
	})
	var conns []net.Conn
	for i := 0; i < 4; i++ {
		conn, err := net.Dial("tcp", addr)
		assert.NoErr(t, err)
		defer conn.Close()
		conns = append(conns, conn)
	}
	waitFor(t, "per-IP refusals", func() bool {
		return metricValue(t, reg, "microhttpd_connections_refused_total", map[string]string{"reason": "per_ip"}) == 2
	})
	assert.Eq(t, 2, d.Info().Connections)

	// closing a connection frees a slot for the address
	for _, conn := range conns {
		_ = conn.Close()
	}
	waitFor(t, "connection release", func() bool { return d.Info().Connections == 0 })
	hc := &fasthttp.HostClient{Addr: addr}
	status, body := doRequest(t, hc, fasthttp.MethodGet, "/again", nil)
	assert.Eq(t, StatusOK, status)
	assert.Eq(t, "GET /again", body)
}

func TestDaemonAcceptPolicy(t *testing.T) {
	t.Parallel()
	reg := prometheus.NewRegistry()
	var asked int32
	_, addr := startDaemon(t, Config{
		Flags:   InternalPollingThread,
		Handler: echoHandler,
		Metrics: reg,
		AcceptPolicy: func(addr net.Addr) bool {
			atomic.AddInt32(&asked, 1)
			return false
		},
	})
	conn, err := net.Dial("tcp", addr)
	assert.NoErr(t, err)
	defer conn.Close()
	_ = conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	_, err = conn.Read(make([]byte, 1))
	assert.Err(t, err)
	assert.Eq(t, int32(1), atomic.LoadInt32(&asked))
	assert.Eq(t, float64(1), metricValue(t, reg, "microhttpd_connections_refused_total", map[string]string{"reason": "policy"}))
}

func TestDaemonIdleTimeout(t *testing.T) {
	t.Parallel()
	for _, bc := range backendCases() {
		bc := bc
		t.Run(bc.name, func(t *testing.T) {
			t.Parallel()
			var (
				mu     sync.Mutex
				closed []TerminationCode
			)
			d, addr := startDaemon(t, Config{
				Flags:             bc.flags,
				ThreadPoolSize:    bc.workers,
				ConnectionTimeout: 100 * time.Millisecond,
				Handler:           echoHandler,
				NotifyCompleted: func(c *Connection, code TerminationCode) {
					mu.Lock()
					closed = append(closed, code)
					mu.Unlock()
				},
			})
			conn, err := net.Dial("tcp", addr)
			assert.NoErr(t, err)
			defer conn.Close()

			// a request in progress is cut off as well
			_, err = conn.Write([]byte("POST /slow HTTP/1.1\r\nHost: x\r\nContent-Length: 10\r\n\r\nabc"))
			assert.NoErr(t, err)
			start := time.Now()
			_ = conn.SetReadDeadline(time.Now().Add(5 * time.Second))
			n, err := conn.Read(make([]byte, 64))
			if n != 0 || err == nil {
				t.Fatalf("unexpected read of %d bytes, err %v. Expecting a closed connection", n, err)
			}
			if elapsed := time.Since(start); elapsed < 50*time.Millisecond {
				t.Fatalf("connection closed after %s. Expecting the idle timeout first", elapsed)
			}
			waitFor(t, "connection release", func() bool { return d.Info().Connections == 0 })
			mu.Lock()
			defer mu.Unlock()
			assert.Eq(t, []TerminationCode{TimeoutReached}, closed)
		})
	}
}

func TestDaemonSuspendResume(t *testing.T) {
	t.Parallel()
	for _, bc := range backendCases() {
		bc := bc
		t.Run(bc.name, func(t *testing.T) {
			t.Parallel()
			type state struct{ resumed bool }
			var suspended int32
			d, addr := startDaemon(t, Config{
				Flags:             bc.flags | AllowSuspendResume,
				ThreadPoolSize:    bc.workers,
				ConnectionTimeout: 50 * time.Millisecond,
				Handler: func(c *Connection, upload []byte) (int, error) {
					if c.State() != StateFootersReceived {
						return len(upload), nil
					}
					st, _ := c.Context().(*state)
					if st == nil {
						st = &state{}
						c.SetContext(st)
						atomic.AddInt32(&suspended, 1)
						if err := c.Suspend(); err != nil {
							return 0, err
						}
						go func() {
							// longer than the idle timeout, which does not apply while suspended
							time.Sleep(150 * time.Millisecond)
							st.resumed = true
							_ = c.Resume()
						}()
						return 0, nil
					}
					if !st.resumed {
						return 0, errors.New("handler called while suspended")
					}
					resp := NewResponseFromString("resumed")
					defer resp.Destroy()
					return 0, c.QueueResponse(StatusOK, resp)
				},
			})
			if d.workerPool != nil {
				assert.Eq(t, 0, d.workerPool.busy())
			}
			hc := &fasthttp.HostClient{Addr: addr}
			for i := 0; i < 2; i++ {
				status, body := doRequest(t, hc, fasthttp.MethodGet, "/wait", nil)
				assert.Eq(t, StatusOK, status)
				assert.Eq(t, "resumed", body)
			}
			assert.Eq(t, int32(2), atomic.LoadInt32(&suspended))
		})
	}
}

func TestDaemonStopReportsShutdown(t *testing.T) {
	t.Parallel()
	for _, bc := range backendCases() {
		bc := bc
		t.Run(bc.name, func(t *testing.T) {
			t.Parallel()
			parked := make(chan struct{}, 1)
			codes := make(chan TerminationCode, 4)
			d, addr := startDaemon(t, Config{
				Flags:          bc.flags | AllowSuspendResume,
				ThreadPoolSize: bc.workers,
				Handler: func(c *Connection, upload []byte) (int, error) {
					if c.State() == StateFootersReceived {
						parked <- struct{}{}
						return 0, c.Suspend()
					}
					return len(upload), nil
				},
				NotifyCompleted: func(c *Connection, code TerminationCode) {
					codes <- code
				},
			})
			conn, err := net.Dial("tcp", addr)
			assert.NoErr(t, err)
			defer conn.Close()
			_, err = conn.Write([]byte("GET / HTTP/1.1\r\nHost: x\r\n\r\n"))
			assert.NoErr(t, err)
			<-parked
			if d.workerPool != nil {
				assert.Eq(t, 1, d.workerPool.busy())
			}

			d.Stop()
			select {
			case code := <-codes:
				assert.Eq(t, DaemonShutdown, code)
			case <-time.After(5 * time.Second):
				t.Fatalf("timeout waiting for the completion notification")
			}
			_ = conn.SetReadDeadline(time.Now().Add(5 * time.Second))
			_, err = conn.Read(make([]byte, 1))
			assert.Err(t, err)
			assert.Eq(t, 0, d.Info().Connections)
		})
	}
}

func TestDaemonHTTP10KeepAlive(t *testing.T) {
	t.Parallel()
	_, addr := startDaemon(t, Config{
		Flags:   InternalPollingThread | UsePoll | SuppressDateHeader,
		Handler: echoHandler,
	})
	conn, err := net.Dial("tcp", addr)
	assert.NoErr(t, err)
	defer conn.Close()
	_ = conn.SetDeadline(time.Now().Add(5 * time.Second))
	br := bufio.NewReader(conn)

	var resp fasthttp.Response
	for _, path := range []string{"/one", "/two"} {
		_, err = conn.Write([]byte("GET " + path + " HTTP/1.0\r\nConnection: keep-alive\r\n\r\n"))
		assert.NoErr(t, err)
		resp.Reset()
		assert.NoErr(t, resp.Read(br))
		assert.Eq(t, StatusOK, resp.StatusCode())
		assert.Eq(t, "GET "+path, string(resp.Body()))
		assert.Eq(t, "Keep-Alive", string(resp.Header.Peek(HeaderConnection)))
	}

	// without the token the connection is closed after the response
	_, err = conn.Write([]byte("GET /three HTTP/1.0\r\n\r\n"))
	assert.NoErr(t, err)
	rest, err := io.ReadAll(br)
	assert.NoErr(t, err)
	assert.True(t, strings.HasPrefix(string(rest), "HTTP/1.0 200 OK\r\nConnection: close\r\n"))
	assert.True(t, strings.HasSuffix(string(rest), "\r\n\r\nGET /three"))
}

func TestDaemonQuiesce(t *testing.T) {
	t.Parallel()
	d, addr := startDaemon(t, Config{Flags: InternalPollingThread | UsePoll, Handler: echoHandler})
	listenFd := d.Info().ListenFd

	hc := &fasthttp.HostClient{Addr: addr, MaxConns: 1}
	status, _ := doRequest(t, hc, fasthttp.MethodGet, "/before", nil)
	assert.Eq(t, StatusOK, status)

	fd, err := d.Quiesce()
	assert.NoErr(t, err)
	assert.Eq(t, listenFd, fd)
	assert.Eq(t, -1, d.Info().ListenFd)
	_, err = d.Quiesce()
	assert.True(t, errors.Is(err, ErrNoListenSocket))

	// the kept-alive connection is still served
	status, body := doRequest(t, hc, fasthttp.MethodGet, "/after", nil)
	assert.Eq(t, StatusOK, status)
	assert.Eq(t, "GET /after", body)

	d.Stop()
	// the descriptor belongs to the caller now and is still open
	_, err = unix.Getsockname(fd)
	assert.NoErr(t, err)
	assert.NoErr(t, unix.Close(fd))

	nd, _ := startDaemon(t, Config{Flags: InternalPollingThread | NoListenSocket, Handler: echoHandler})
	_, err = nd.Quiesce()
	assert.True(t, errors.Is(err, ErrNoListenSocket))
	assert.Eq(t, -1, nd.Info().ListenFd)
}

// socketPair returns a daemon side descriptor and the client side as net.Conn.
func socketPair(t *testing.T) (int, net.Conn) {
	t.Helper()
	sv, err := unix.Socketpair(unix.AF_UNIX, unix.SOCK_STREAM|unix.SOCK_CLOEXEC, 0)
	assert.NoErr(t, err)
	f := os.NewFile(uintptr(sv[1]), "client")
	conn, err := net.FileConn(f)
	_ = f.Close()
	assert.NoErr(t, err)
	t.Cleanup(func() { _ = conn.Close() })
	return sv[0], conn
}

func TestDaemonAddConnection(t *testing.T) {
	t.Parallel()
	for _, bc := range backendCases() {
		bc := bc
		t.Run(bc.name, func(t *testing.T) {
			t.Parallel()
			d, _ := startDaemon(t, Config{
				Flags:          bc.flags | NoListenSocket,
				ThreadPoolSize: bc.workers,
				Handler:        echoHandler,
			})
			assert.Eq(t, -1, d.Info().ListenFd)
			assert.True(t, d.Addr() == nil)

			var clients []net.Conn
			for i := 0; i < 4; i++ {
				fd, conn := socketPair(t)
				assert.NoErr(t, d.AddConnection(fd, nil))
				clients = append(clients, conn)
			}
			assert.Eq(t, 4, d.Info().Connections)

			for i, conn := range clients {
				_ = conn.SetDeadline(time.Now().Add(5 * time.Second))
				payload := randomstring.HumanFriendlyString(100 + i)
				_, err := conn.Write([]byte("POST /add HTTP/1.1\r\nHost: x\r\nConnection: close\r\nContent-Length: " +
					strconv.Itoa(len(payload)) + "\r\n\r\n" + payload))
				assert.NoErr(t, err)
				var resp fasthttp.Response
				assert.NoErr(t, resp.Read(bufio.NewReader(conn)))
				assert.Eq(t, payload, string(resp.Body()))
				assert.True(t, resp.ConnectionClose())
			}
			waitFor(t, "connection release", func() bool { return d.Info().Connections == 0 })

			d.Stop()
			fd, _ := socketPair(t)
			assert.True(t, errors.Is(d.AddConnection(fd, nil), ErrDaemonShutdown))
		})
	}
}

func TestDaemonExternalLoop(t *testing.T) {
	t.Parallel()
	d, addr := startDaemon(t, Config{
		ConnectionTimeout: time.Minute,
		Handler:           echoHandler,
	})
	_, ok := d.GetTimeout()
	assert.False(t, ok)

	stop := make(chan struct{})
	done := make(chan error, 1)
	go func() {
		for {
			select {
			case <-stop:
				done <- nil
				return
			default:
			}
			if err := d.RunWait(20 * time.Millisecond); err != nil {
				done <- err
				return
			}
		}
	}()

	hc := &fasthttp.HostClient{Addr: addr, MaxConns: 1}
	status, body := doRequest(t, hc, fasthttp.MethodGet, "/external", nil)
	assert.Eq(t, StatusOK, status)
	assert.Eq(t, "GET /external", body)

	close(stop)
	assert.NoErr(t, <-done)

	// the kept-alive connection has a timeout now
	left, ok := d.GetTimeout()
	assert.True(t, ok)
	assert.True(t, left > 0 && left <= time.Minute)

	d.Stop()
	assert.True(t, errors.Is(d.Run(), ErrDaemonShutdown))

	internal, _ := startDaemon(t, Config{Flags: InternalPollingThread, Handler: echoHandler})
	assert.True(t, errors.Is(internal.Run(), ErrInvalidOptions))
}

func TestDaemonMetrics(t *testing.T) {
	t.Parallel()
	reg := prometheus.NewRegistry()
	d, addr := startDaemon(t, Config{
		Flags:   InternalPollingThread | UsePoll,
		Metrics: reg,
		Handler: func(c *Connection, upload []byte) (int, error) {
			if c.State() != StateFootersReceived {
				return len(upload), nil
			}
			status := StatusOK
			if string(c.URL()) == "/missing" {
				status = fasthttp.StatusNotFound
			}
			resp := NewResponseFromString("x")
			defer resp.Destroy()
			return 0, c.QueueResponse(status, resp)
		},
	})
	hc := &fasthttp.HostClient{Addr: addr, MaxConns: 1}
	for _, uri := range []string{"/a", "/b", "/missing"} {
		doRequest(t, hc, fasthttp.MethodGet, uri, nil)
	}
	hc.CloseIdleConnections()
	waitFor(t, "connection release", func() bool { return d.Info().Connections == 0 })

	assert.Eq(t, float64(2), metricValue(t, reg, "microhttpd_requests_responses_total", map[string]string{"class": "2xx"}))
	assert.Eq(t, float64(1), metricValue(t, reg, "microhttpd_requests_responses_total", map[string]string{"class": "4xx"}))
	assert.Eq(t, float64(3), metricValue(t, reg, "microhttpd_requests_terminated_total", map[string]string{"code": CompletedOK.String()}))
	assert.Eq(t, float64(1), metricValue(t, reg, "microhttpd_connections_accepted_total", nil))
	assert.Eq(t, float64(0), metricValue(t, reg, "microhttpd_connections_active", nil))
}

func TestDaemonNotifyConnection(t *testing.T) {
	t.Parallel()
	var (
		mu     sync.Mutex
		events []ConnectionNotification
		lost   atomic.Bool
	)
	d, addr := startDaemon(t, Config{
		Flags:   ThreadPerConnection,
		Handler: echoHandler,
		NotifyConnection: func(c *Connection, n ConnectionNotification) {
			mu.Lock()
			events = append(events, n)
			mu.Unlock()
			if n == ConnectionStarted {
				c.SetSocketContext("tagged")
			} else if c.SocketContext() != "tagged" {
				lost.Store(true)
			}
		},
	})
	hc := &fasthttp.HostClient{Addr: addr, MaxConns: 1}
	doRequest(t, hc, fasthttp.MethodGet, "/", nil)
	hc.CloseIdleConnections()
	waitFor(t, "connection release", func() bool { return d.Info().Connections == 0 })
	waitFor(t, "close notification", func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(events) == 2
	})
	mu.Lock()
	defer mu.Unlock()
	assert.Eq(t, []ConnectionNotification{ConnectionStarted, ConnectionClosed}, events)
	assert.False(t, lost.Load())
}
