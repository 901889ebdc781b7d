package microhttpd

import (
	"io"
	"net"
	"os"
	"strings"
	"sync"

	"github.com/pkg/errors"
	pool "github.com/newacorn/simple-bytes-pool"
)

// SizeUnknown is the total size of responses whose length is only known
// once the content reader reports io.EOF. Such responses are sent with
// chunked encoding when the connection can be kept alive.
const SizeUnknown = ^uint64(0)

// fileBlockSize is the block size of file backed responses.
const fileBlockSize = 4 * 1024

// ResponseMemoryMode tells NewResponseFromBuffer who owns the buffer.
type ResponseMemoryMode int

const (
	// RespMemPersistent: the buffer outlives the response and is never modified.
	RespMemPersistent ResponseMemoryMode = iota
	// RespMemMustFree: the response takes ownership of the buffer.
	RespMemMustFree
	// RespMemMustCopy: the buffer is copied, the caller may reuse it immediately.
	RespMemMustCopy
)

// ResponseFlag alters how a response is rendered.
type ResponseFlag uint32

const (
	// RespHTTP10Only makes the response HTTP/1.0 style: no chunked encoding,
	// no keep-alive, the connection is closed after the response.
	RespHTTP10Only ResponseFlag = 1 << iota
)

// ContentReader produces response content starting at stream position pos.
//
// It returns the number of bytes written to buf. Returning (0, nil) means no
// data is available right now and the reader is asked again later. io.EOF
// ends the stream; any other error aborts the connection.
type ContentReader func(pos uint64, buf []byte) (int, error)

// UpgradeHandler takes over an upgraded connection.
//
// extraIn holds bytes the client sent after the request header, conn is the
// bidirectional byte stream to the client and urh must be closed once the
// application is done with conn.
type UpgradeHandler func(c *Connection, extraIn []byte, conn net.Conn, urh *UpgradeHandle)

type responseHeader struct {
	kind  ValueKind
	key   string
	value string
}

// Response describes what to send back to a client. It may be queued on
// any number of connections; the content is read only after construction
// except for callback driven responses.
type Response struct {
	// 保护refCount以及回调读取时的data/dataStart/dataSize/totalSize
	mu       sync.Mutex
	refCount int

	headers []responseHeader

	// buffer内容或者回调的块缓冲区
	data      []byte
	dataStart uint64
	dataSize  int
	totalSize uint64

	reader       ContentReader
	freeFn       func()
	blockRelease func()

	file     *os.File
	fd       int
	fdOffset int64

	upgrade UpgradeHandler
	flags   ResponseFlag
}

// NewResponseFromBuffer creates a response with fixed content.
func NewResponseFromBuffer(data []byte, mode ResponseMemoryMode) *Response {
	if mode == RespMemMustCopy && len(data) > 0 {
		data = append([]byte(nil), data...)
	}
	return &Response{
		refCount:  1,
		data:      data,
		dataSize:  len(data),
		totalSize: uint64(len(data)),
		fd:        -1,
	}
}

// NewResponseFromString is NewResponseFromBuffer for string bodies.
func NewResponseFromString(body string) *Response {
	return NewResponseFromBuffer([]byte(body), RespMemPersistent)
}

// NewResponseFromBufferWithFreeCallback creates a response with fixed content
// and calls free once the last reference is released.
func NewResponseFromBufferWithFreeCallback(data []byte, free func()) *Response {
	r := NewResponseFromBuffer(data, RespMemPersistent)
	r.freeFn = free
	return r
}

// NewResponseFromCallback creates a streaming response. size may be
// SizeUnknown. blockSize bounds the bytes requested from reader per call.
func NewResponseFromCallback(size uint64, blockSize int, reader ContentReader, free func()) (*Response, error) {
	if reader == nil || blockSize <= 0 {
		return nil, errors.New("microhttpd: callback response needs a reader and a positive block size")
	}
	pb := pool.Get(blockSize)
	pb.B = pb.B[:cap(pb.B)]
	return &Response{
		refCount:     1,
		data:         pb.B,
		totalSize:    size,
		reader:       reader,
		freeFn:       free,
		blockRelease: pb.RecycleToPool00,
		fd:           -1,
	}, nil
}

// NewResponseFromFd creates a response sending size bytes of f. The
// response owns f and closes it on destruction.
func NewResponseFromFd(f *os.File, size uint64) (*Response, error) {
	return NewResponseFromFdAtOffset(f, 0, size)
}

// NewResponseFromFdAtOffset is NewResponseFromFd starting at offset.
//
// On Linux, non TLS connections send the file with sendfile(2); everywhere
// else the file is read block by block into the response buffer.
func NewResponseFromFdAtOffset(f *os.File, offset int64, size uint64) (*Response, error) {
	if f == nil || offset < 0 || size == SizeUnknown || uint64(offset)+size < size {
		return nil, errors.New("microhttpd: invalid file range")
	}
	pb := pool.Get(fileBlockSize)
	pb.B = pb.B[:cap(pb.B)]
	r := &Response{
		refCount:     1,
		data:         pb.B,
		totalSize:    size,
		blockRelease: pb.RecycleToPool00,
		file:         f,
		fd:           int(f.Fd()),
		fdOffset:     offset,
	}
	r.reader = r.readFile
	return r, nil
}

func (r *Response) readFile(pos uint64, buf []byte) (int, error) {
	n, err := r.file.ReadAt(buf, r.fdOffset+int64(pos))
	if n > 0 {
		return n, nil
	}
	if err == nil {
		err = io.EOF
	}
	return 0, err
}

// NewResponseForUpgrade creates a 101 response whose connection is handed
// to h once the header was sent. It carries "Connection: Upgrade"; the
// application must still add the "Upgrade" header.
func NewResponseForUpgrade(h UpgradeHandler) *Response {
	if h == nil {
		return nil
	}
	r := &Response{
		refCount:  1,
		totalSize: SizeUnknown,
		upgrade:   h,
		fd:        -1,
	}
	r.AddHeader(HeaderConnection, "Upgrade")
	return r
}

// SetFlags replaces the response flags.
func (r *Response) SetFlags(flags ResponseFlag) {
	r.flags = flags
}

// Size returns the total size of the content or SizeUnknown.
func (r *Response) Size() uint64 {
	return r.totalSize
}

func validHeaderToken(s string) bool {
	return s != "" && !strings.ContainsAny(s, "\r\n\t")
}

func (r *Response) addValue(kind ValueKind, key, value string) bool {
	if !validHeaderToken(key) || !validHeaderToken(value) {
		return false
	}
	r.headers = append(r.headers, responseHeader{kind: kind, key: key, value: value})
	return true
}

// AddHeader appends a response header. It returns false if key or value is
// empty or contains CR, LF or TAB.
func (r *Response) AddHeader(key, value string) bool {
	return r.addValue(ResponseHeaderKind, key, value)
}

// AddFooter appends a trailer sent after a chunked body.
func (r *Response) AddFooter(key, value string) bool {
	return r.addValue(FooterKind, key, value)
}

// DelHeader removes the first header or footer with exactly this key and value.
func (r *Response) DelHeader(key, value string) bool {
	for i := range r.headers {
		h := &r.headers[i]
		if h.key == key && h.value == value {
			r.headers = append(r.headers[:i], r.headers[i+1:]...)
			return true
		}
	}
	return false
}

// GetHeader returns the first response header matching key case-insensitively.
func (r *Response) GetHeader(key string) (string, bool) {
	for i := range r.headers {
		h := &r.headers[i]
		if h.kind == ResponseHeaderKind && strings.EqualFold(h.key, key) {
			return h.value, true
		}
	}
	return "", false
}

// VisitHeaders calls f for every header and footer until f returns false and
// returns the number of entries visited.
func (r *Response) VisitHeaders(f func(kind ValueKind, key, value string) bool) int {
	n := 0
	for i := range r.headers {
		n++
		h := &r.headers[i]
		if f != nil && !f(h.kind, h.key, h.value) {
			break
		}
	}
	return n
}

func (r *Response) incRef() {
	r.mu.Lock()
	r.refCount++
	r.mu.Unlock()
}

// Destroy releases one reference. The creator holds the first reference and
// each queued connection holds one more; the free callback runs once, when
// the last reference goes away.
func (r *Response) Destroy() {
	if r == nil {
		return
	}
	r.mu.Lock()
	r.refCount--
	if r.refCount > 0 {
		r.mu.Unlock()
		return
	}
	if r.refCount < 0 {
		r.mu.Unlock()
		mhdPanic("response destroyed more often than it was referenced")
		return
	}
	r.mu.Unlock()
	if r.freeFn != nil {
		r.freeFn()
	}
	if r.file != nil {
		_ = r.file.Close()
	}
	if r.blockRelease != nil {
		r.blockRelease()
	}
	r.data = nil
	r.headers = nil
}
