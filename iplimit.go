package microhttpd

import (
	"net"

	"github.com/puzpuzpuz/xsync/v3"
)

const (
	familyIPv4 = 4
	familyIPv6 = 6
)

// ipKey is the raw form of a peer address used by the limiter.
type ipKey struct {
	family uint8
	addr   [16]byte
}

func ipKeyOf(addr net.Addr) (k ipKey, ok bool) {
	var ip net.IP
	switch a := addr.(type) {
	case *net.TCPAddr:
		ip = a.IP
	case *net.UDPAddr:
		ip = a.IP
	case *net.IPAddr:
		ip = a.IP
	default:
		return k, false
	}
	if ip4 := ip.To4(); ip4 != nil {
		k.family = familyIPv4
		copy(k.addr[:], ip4)
		return k, true
	}
	if ip16 := ip.To16(); ip16 != nil {
		k.family = familyIPv6
		copy(k.addr[:], ip16)
		return k, true
	}
	return k, false
}

// ipLimiter counts concurrent connections per source address.
//
// Addresses that are neither IPv4 nor IPv6 pass through uncounted.
// Entries are removed as soon as their counter drops to zero.
type ipLimiter struct {
	limit  int
	counts *xsync.MapOf[ipKey, int]
}

func newIPLimiter(limit int) *ipLimiter {
	return &ipLimiter{
		limit:  limit,
		counts: xsync.NewMapOf[ipKey, int](xsync.WithPresize(64)),
	}
}

// tryAcquire increments the counter of addr unless it already reached the
// limit. A denial leaves the limiter untouched.
func (l *ipLimiter) tryAcquire(addr net.Addr) bool {
	if l == nil || l.limit <= 0 {
		return true
	}
	key, ok := ipKeyOf(addr)
	if !ok {
		return true
	}
	allowed := false
	l.counts.Compute(key, func(old int, loaded bool) (int, bool) {
		if old >= l.limit {
			return old, !loaded
		}
		allowed = true
		return old + 1, false
	})
	return allowed
}

// release undoes one successful tryAcquire. Releasing an address that has
// no entry means the accounting is broken and is fatal.
func (l *ipLimiter) release(addr net.Addr) {
	if l == nil || l.limit <= 0 {
		return
	}
	key, ok := ipKeyOf(addr)
	if !ok {
		return
	}
	missing := false
	l.counts.Compute(key, func(old int, loaded bool) (int, bool) {
		if !loaded {
			missing = true
			return 0, true
		}
		return old - 1, old <= 1
	})
	if missing {
		mhdPanic("failed to find previously-added IP address")
	}
}

func (l *ipLimiter) count(addr net.Addr) int {
	key, ok := ipKeyOf(addr)
	if !ok {
		return 0
	}
	n, _ := l.counts.Load(key)
	return n
}

func (l *ipLimiter) entries() int {
	return l.counts.Size()
}
