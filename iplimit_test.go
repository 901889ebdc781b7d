package microhttpd

import (
	"net"
	"sync"
	"testing"

	"github.com/gookit/goutil/testutil/assert"
)

func tcpAddr(ip string, port int) net.Addr {
	return &net.TCPAddr{IP: net.ParseIP(ip), Port: port}
}

func TestIPLimiterPerAddress(t *testing.T) {
	t.Parallel()
	l := newIPLimiter(2)
	a1 := tcpAddr("10.0.0.1", 1000)
	a2 := tcpAddr("10.0.0.1", 1001)
	a3 := tcpAddr("10.0.0.1", 1002)
	other := tcpAddr("10.0.0.2", 1000)

	assert.True(t, l.tryAcquire(a1))
	assert.True(t, l.tryAcquire(a2))
	assert.False(t, l.tryAcquire(a3))
	assert.Eq(t, 2, l.count(a1))
	assert.True(t, l.tryAcquire(other))
	assert.Eq(t, 2, l.entries())

	l.release(a1)
	assert.Eq(t, 1, l.count(a3))
	assert.True(t, l.tryAcquire(a3))

	l.release(a2)
	l.release(a3)
	l.release(other)
	if n := l.entries(); n != 0 {
		t.Fatalf("unexpected %d entries after releasing every address. Expecting 0", n)
	}
}

func TestIPLimiterMappedIPv4(t *testing.T) {
	t.Parallel()
	l := newIPLimiter(1)
	assert.True(t, l.tryAcquire(tcpAddr("192.168.1.7", 1)))
	assert.False(t, l.tryAcquire(tcpAddr("::ffff:192.168.1.7", 2)))
	assert.True(t, l.tryAcquire(tcpAddr("fe80::1", 3)))
	assert.False(t, l.tryAcquire(tcpAddr("fe80::1", 4)))
}

func TestIPLimiterIgnoresOtherFamilies(t *testing.T) {
	t.Parallel()
	l := newIPLimiter(1)
	u := &net.UnixAddr{Name: "/tmp/x.sock", Net: "unix"}
	assert.True(t, l.tryAcquire(u))
	assert.True(t, l.tryAcquire(u))
	l.release(u)
	assert.Eq(t, 0, l.entries())
	assert.True(t, l.tryAcquire(nil))
}

func TestIPLimiterDisabled(t *testing.T) {
	t.Parallel()
	var nl *ipLimiter
	assert.True(t, nl.tryAcquire(tcpAddr("1.2.3.4", 5)))
	nl.release(tcpAddr("1.2.3.4", 5))

	l := newIPLimiter(0)
	for i := 0; i < 10; i++ {
		assert.True(t, l.tryAcquire(tcpAddr("1.2.3.4", i)))
	}
	assert.Eq(t, 0, l.entries())
}

func TestIPLimiterConcurrent(t *testing.T) {
	t.Parallel()
	const limit = 8
	l := newIPLimiter(limit)
	addr := tcpAddr("127.0.0.9", 80)
	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		granted int
	)
	for i := 0; i < 64; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if l.tryAcquire(addr) {
				mu.Lock()
				granted++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	assert.Eq(t, limit, granted)
	assert.Eq(t, limit, l.count(addr))
}

func TestIPLimiterReleaseUnknownIsFatal(t *testing.T) {
	var reason string
	SetPanicFunc(func(file string, line int, r string) {
		reason = r
	})
	defer SetPanicFunc(nil)

	l := newIPLimiter(3)
	l.release(tcpAddr("10.1.1.1", 1))
	assert.Eq(t, "failed to find previously-added IP address", reason)
	assert.Eq(t, 0, l.entries())
}
