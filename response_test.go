package microhttpd

import (
	"io"
	"net"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/gookit/goutil/testutil/assert"
)

func TestResponseFreeCallbackRunsOnce(t *testing.T) {
	t.Parallel()
	var freed int32
	r := NewResponseFromBufferWithFreeCallback([]byte("payload"), func() {
		atomic.AddInt32(&freed, 1)
	})
	// two connections queue it
	r.incRef()
	r.incRef()

	r.Destroy()
	assert.Eq(t, int32(0), atomic.LoadInt32(&freed))
	r.Destroy()
	assert.Eq(t, int32(0), atomic.LoadInt32(&freed))
	r.Destroy()
	assert.Eq(t, int32(1), atomic.LoadInt32(&freed))
}

func TestResponseConcurrentRelease(t *testing.T) {
	t.Parallel()
	var freed int32
	r := NewResponseFromBufferWithFreeCallback([]byte("x"), func() {
		atomic.AddInt32(&freed, 1)
	})
	const holders = 32
	for i := 0; i < holders; i++ {
		r.incRef()
	}
	var wg sync.WaitGroup
	for i := 0; i < holders; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			r.Destroy()
		}()
	}
	wg.Wait()
	assert.Eq(t, int32(0), atomic.LoadInt32(&freed))
	r.Destroy()
	assert.Eq(t, int32(1), atomic.LoadInt32(&freed))
}

func TestResponseDestroyTooOften(t *testing.T) {
	var reason string
	SetPanicFunc(func(file string, line int, r string) {
		reason = r
	})
	defer SetPanicFunc(nil)

	var freed int
	r := NewResponseFromBufferWithFreeCallback(nil, func() { freed++ })
	r.Destroy()
	r.Destroy()
	assert.Eq(t, 1, freed)
	assert.Eq(t, "response destroyed more often than it was referenced", reason)

	var nilResp *Response
	nilResp.Destroy()
}

func TestResponseMemoryModes(t *testing.T) {
	t.Parallel()
	buf := []byte("abcdef")
	cp := NewResponseFromBuffer(buf, RespMemMustCopy)
	persistent := NewResponseFromBuffer(buf, RespMemPersistent)
	buf[0] = 'X'
	assert.Eq(t, "abcdef", string(cp.data))
	assert.Eq(t, "Xbcdef", string(persistent.data))
	assert.Eq(t, uint64(6), cp.Size())

	empty := NewResponseFromBuffer(nil, RespMemMustFree)
	assert.Eq(t, uint64(0), empty.Size())
}

func TestResponseHeaders(t *testing.T) {
	t.Parallel()
	r := NewResponseFromString("hi")
	assert.True(t, r.AddHeader("X-Test", "one"))
	assert.True(t, r.AddHeader("X-Test", "two"))
	assert.True(t, r.AddFooter("X-Checksum", "abc"))

	for _, tc := range []struct {
		key, value string
	}{
		{"", "v"},
		{"k", ""},
		{"Bad\r\nKey", "v"},
		{"k", "bad\nvalue"},
		{"k", "tab\tvalue"},
	} {
		if r.AddHeader(tc.key, tc.value) {
			t.Fatalf("unexpected acceptance of header %q: %q", tc.key, tc.value)
		}
	}

	v, ok := r.GetHeader("x-test")
	assert.True(t, ok)
	assert.Eq(t, "one", v)
	_, ok = r.GetHeader("X-Checksum")
	assert.False(t, ok)

	assert.Eq(t, 3, r.VisitHeaders(nil))
	var footers []string
	r.VisitHeaders(func(kind ValueKind, key, value string) bool {
		if kind == FooterKind {
			footers = append(footers, key+"="+value)
		}
		return true
	})
	assert.Eq(t, []string{"X-Checksum=abc"}, footers)
	assert.Eq(t, 1, r.VisitHeaders(func(ValueKind, string, string) bool { return false }))

	assert.True(t, r.DelHeader("X-Test", "one"))
	assert.False(t, r.DelHeader("X-Test", "one"))
	v, _ = r.GetHeader("X-Test")
	assert.Eq(t, "two", v)
}

func TestResponseFromCallback(t *testing.T) {
	t.Parallel()
	_, err := NewResponseFromCallback(10, 0, func(uint64, []byte) (int, error) { return 0, io.EOF }, nil)
	assert.Err(t, err)
	_, err = NewResponseFromCallback(10, 16, nil, nil)
	assert.Err(t, err)

	freed := false
	r, err := NewResponseFromCallback(SizeUnknown, 256, func(pos uint64, buf []byte) (int, error) {
		return 0, io.EOF
	}, func() { freed = true })
	assert.NoErr(t, err)
	assert.Eq(t, SizeUnknown, r.Size())
	assert.True(t, len(r.data) >= 256)
	r.Destroy()
	assert.True(t, freed)
}

func TestResponseFromFd(t *testing.T) {
	t.Parallel()
	_, err := NewResponseFromFd(nil, 10)
	assert.Err(t, err)

	name := filepath.Join(t.TempDir(), "body.txt")
	assert.NoErr(t, os.WriteFile(name, []byte("0123456789"), 0o600))
	f, err := os.Open(name)
	assert.NoErr(t, err)

	_, err = NewResponseFromFdAtOffset(f, -1, 3)
	assert.Err(t, err)
	_, err = NewResponseFromFdAtOffset(f, 0, SizeUnknown)
	assert.Err(t, err)

	r, err := NewResponseFromFdAtOffset(f, 4, 3)
	assert.NoErr(t, err)
	assert.Eq(t, uint64(3), r.Size())
	buf := make([]byte, 3)
	n, err := r.reader(0, buf)
	assert.NoErr(t, err)
	assert.Eq(t, "456", string(buf[:n]))

	r.Destroy()
	// the response owns the file
	_, err = f.Stat()
	assert.Err(t, err)
}

func TestResponseForUpgrade(t *testing.T) {
	t.Parallel()
	assert.True(t, NewResponseForUpgrade(nil) == nil)
	r := NewResponseForUpgrade(func(*Connection, []byte, net.Conn, *UpgradeHandle) {})
	v, ok := r.GetHeader(HeaderConnection)
	assert.True(t, ok)
	assert.Eq(t, "Upgrade", v)
	assert.Eq(t, SizeUnknown, r.Size())
}
