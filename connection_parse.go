package microhttpd

import (
	"bytes"
	"strings"

	"github.com/pkg/errors"
	"github.com/valyala/fasthttp"
	"golang.org/x/net/http/httpguts"
)

// maxChunkSizeDigits bounds the hex digits of a chunk-size token, enough
// for any 64 bit size.
const maxChunkSizeDigits = 16

// tryGrowReadBuffer enlarges the read buffer by the configured increment,
// or creates it with half the pool when there is none yet.
func (c *Connection) tryGrowReadBuffer() bool {
	d := c.daemon
	newSize := d.poolSize / 2
	if len(c.readBuf) > 0 {
		newSize = len(c.readBuf) + d.poolIncrement
	}
	b := c.pool.reallocate(c.readBuf, newSize)
	if b == nil {
		return false
	}
	c.readBuf = b
	return true
}

// nextHeaderLine takes the next CRLF or LF terminated line from the read
// buffer. The line is returned without its terminator and stays valid
// until the request completes.
//
// A line that does not fit into the buffer produces an error response
// whose status depends on how far the request got.
func (c *Connection) nextHeaderLine() ([]byte, bool) {
	if c.readOff == 0 {
		return nil, false
	}
	buf := c.readBuf[:c.readOff]
	pos := 0
	for pos < len(buf)-1 && buf[pos] != '\r' && buf[pos] != '\n' {
		pos++
	}
	if pos == len(buf)-1 && buf[pos] != '\n' {
		// incomplete line, a lone CR at the end included
		if c.readOff == len(c.readBuf) && !c.tryGrowReadBuffer() {
			c.lineOverflow()
		}
		return nil, false
	}
	line := buf[:pos]
	if buf[pos] == '\r' && buf[pos+1] == '\n' {
		pos++
	}
	pos++
	c.readBuf = c.readBuf[pos:]
	c.readOff -= pos
	return line, true
}

// lineOverflow answers a request whose current line cannot be buffered.
func (c *Connection) lineOverflow() {
	switch {
	case c.state >= StateBodyReceived:
		c.transmitErrorResponse(StatusRequestEntityTooLarge, bodyFootersTooBig)
	case c.proto != protoNone:
		c.transmitErrorResponse(StatusRequestHeaderFieldsTooLarge, bodyRequestTooBig)
	default:
		c.transmitErrorResponse(StatusRequestURITooLong, bodyURITooLong)
	}
}

func trimSpaceRight(b []byte) []byte {
	for len(b) > 0 && isSpaceOrTab(b[len(b)-1]) {
		b = b[:len(b)-1]
	}
	return b
}

func trimSpaceLeft(b []byte) []byte {
	for len(b) > 0 && isSpaceOrTab(b[0]) {
		b = b[1:]
	}
	return b
}

// parseRequestLine splits "METHOD SP URI [SP VERSION]". The method ends at
// the first space, the version starts after the last one; a line with only
// a method and a URI is an HTTP/0.9 request. It returns false for a
// malformed line. Failing to store query arguments already answered the
// request, which the caller detects by the state change.
func (c *Connection) parseRequestLine(line []byte) bool {
	d := c.daemon
	sp := bytes.IndexByte(line, ' ')
	if sp <= 0 {
		return false
	}
	c.method = line[:sp]
	start := sp + 1
	for start < len(line) && line[start] == ' ' {
		start++
	}
	if start == len(line) {
		return false
	}
	rest := trimSpaceRight(line[start:])
	uri := rest
	c.version = rest[len(rest):]
	if v := bytes.LastIndexByte(rest, ' '); v > 0 {
		c.version = rest[v+1:]
		uri = trimSpaceRight(rest[:v])
	}
	switch {
	case len(c.version) == 0:
		c.proto = proto09
	case strings.EqualFold(b2s(c.version), http11):
		c.proto = proto11
	case strings.EqualFold(b2s(c.version), http10):
		c.proto = proto10
	default:
		c.proto = protoOther
	}

	if cb := d.cfg.URILogCallback; cb != nil {
		c.clientContext = cb(c, uri)
		c.clientAware = true
	}

	if q := bytes.IndexByte(uri, '?'); q >= 0 {
		args := uri[q+1:]
		uri = uri[:q]
		if !c.parseArguments(args) {
			return true
		}
	}
	c.url = c.unescape(uri)
	return true
}

// parseArguments records the "&" separated query arguments. A key without
// "=" has a nil value.
func (c *Connection) parseArguments(args []byte) bool {
	for len(args) > 0 {
		part := args
		args = nil
		if amp := bytes.IndexByte(part, '&'); amp >= 0 {
			part, args = part[:amp], part[amp+1:]
		}
		if len(part) == 0 {
			continue
		}
		key := part
		var value []byte
		if eq := bytes.IndexByte(part, '='); eq >= 0 {
			key, value = part[:eq], part[eq+1:]
			value = c.decodeArg(value)
		}
		key = c.decodeArg(key)
		if !c.addValue(GetArgumentKind, key, value) {
			c.transmitErrorResponse(StatusRequestHeaderFieldsTooLarge, bodyRequestTooBig)
			return false
		}
	}
	return true
}

// decodeArg decodes one query component in place.
func (c *Connection) decodeArg(b []byte) []byte {
	if cb := c.daemon.cfg.UnescapeCallback; cb != nil {
		for i := range b {
			if b[i] == '+' {
				b[i] = ' '
			}
		}
		return cb(c, b)
	}
	return fasthttp.AppendUnquotedArg(b[:0], b)
}

func (c *Connection) unescape(b []byte) []byte {
	if cb := c.daemon.cfg.UnescapeCallback; cb != nil {
		return cb(c, b)
	}
	return unescapeInPlace(b)
}

// processHeaderLine starts a new "key: value" field. The field stays
// pending until the next line shows it is not continued.
func (c *Connection) processHeaderLine(line []byte) bool {
	colon := bytes.IndexByte(line, ':')
	if colon < 0 {
		return false
	}
	if c.daemon.flags&Pedantic != 0 && (colon == 0 || isSpaceOrTab(line[colon-1])) {
		return false
	}
	c.pendingKey = line[:colon]
	c.pendingValue = trimSpaceRight(trimSpaceLeft(line[colon+1:]))
	c.havePending = true
	return true
}

// processBrokenLine handles a line following a pending field: a line that
// starts with whitespace continues the field, anything else commits it
// and, unless empty, starts the next one. It returns false when the
// request was answered with an error.
func (c *Connection) processBrokenLine(line []byte, kind ValueKind) bool {
	if len(line) > 0 && isSpaceOrTab(line[0]) {
		if !c.foldValue(trimSpaceRight(trimSpaceLeft(line))) {
			c.valuesOverflow(kind)
			return false
		}
		return true
	}
	if !c.commitPending(kind) {
		c.valuesOverflow(kind)
		return false
	}
	if len(line) > 0 && !c.processHeaderLine(line) {
		c.transmitErrorResponse(StatusBadRequest, bodyRequestMalformed)
		return false
	}
	return true
}

func (c *Connection) valuesOverflow(kind ValueKind) {
	if kind == FooterKind {
		c.transmitErrorResponse(StatusRequestEntityTooLarge, bodyFootersTooBig)
		return
	}
	c.transmitErrorResponse(StatusRequestHeaderFieldsTooLarge, bodyRequestTooBig)
}

// foldValue appends a continuation to the pending value, joined by one
// space. The continuation usually follows the value in the read buffer and
// is moved next to it; otherwise the joined value is copied to the pool.
func (c *Connection) foldValue(more []byte) bool {
	if len(more) == 0 {
		return true
	}
	v := c.pendingValue
	vo := c.pool.offsetOf(v[:cap(v)])
	mo := c.pool.offsetOf(more)
	if vo >= 0 && mo > vo+len(v) && mo+len(more) <= vo+cap(v) {
		nv := v[:len(v)+1+len(more)]
		copy(nv[len(v)+1:], more)
		nv[len(v)] = ' '
		c.pendingValue = nv
		return true
	}
	nv := c.pool.allocate(len(v)+1+len(more), true)
	if nv == nil {
		return false
	}
	copy(nv, v)
	nv[len(v)] = ' '
	copy(nv[len(v)+1:], more)
	c.pendingValue = nv
	return true
}

func (c *Connection) commitPending(kind ValueKind) bool {
	if !c.havePending {
		return true
	}
	c.havePending = false
	return c.addValue(kind, c.pendingKey, c.pendingValue)
}

// parseCookieHeader splits the Cookie header into CookieKind values. The
// header is copied first so that the header value stays intact.
func (c *Connection) parseCookieHeader() bool {
	hdr, ok := c.LookupValue(HeaderKind, HeaderCookie)
	if !ok || len(hdr) == 0 {
		return true
	}
	cpy := c.pool.allocate(len(hdr), true)
	if cpy == nil {
		c.transmitErrorResponse(StatusRequestHeaderFieldsTooLarge, bodyRequestTooBig)
		return false
	}
	copy(cpy, hdr)
	pos := cpy
	for len(pos) > 0 {
		for len(pos) > 0 && pos[0] == ' ' {
			pos = pos[1:]
		}
		sce := 0
		for sce < len(pos) && pos[sce] != ',' && pos[sce] != ';' && pos[sce] != '=' {
			sce++
		}
		key := trimSpaceRight(pos[:sce])
		if sce == len(pos) || pos[sce] != '=' {
			// key without value
			if len(key) > 0 && !c.addValue(CookieKind, key, pos[sce:sce]) {
				c.transmitErrorResponse(StatusRequestHeaderFieldsTooLarge, bodyRequestTooBig)
				return false
			}
			if sce == len(pos) {
				break
			}
			pos = pos[sce+1:]
			continue
		}
		val := pos[sce+1:]
		quoted := false
		j := 0
		for j < len(val) && (quoted || (val[j] != ';' && val[j] != ',')) {
			if val[j] == '"' {
				quoted = !quoted
			}
			j++
		}
		v := val[:j]
		if len(v) >= 2 && v[0] == '"' && v[len(v)-1] == '"' {
			v = v[1 : len(v)-1]
		}
		if len(key) > 0 && !c.addValue(CookieKind, key, v) {
			c.transmitErrorResponse(StatusRequestHeaderFieldsTooLarge, bodyRequestTooBig)
			return false
		}
		if j >= len(val) {
			break
		}
		pos = val[j+1:]
	}
	return true
}

// parseConnectionHeaders evaluates the complete request header: cookies,
// the Host requirement of pedantic mode and the body length.
func (c *Connection) parseConnectionHeaders() {
	d := c.daemon
	if !c.parseCookieHeader() {
		return
	}
	if d.flags&Pedantic != 0 && c.proto == proto11 {
		if _, ok := c.LookupValue(HeaderKind, HeaderHost); !ok {
			c.logEvent(d.log.Debug()).Msg("received HTTP/1.1 request without Host header")
			c.transmitErrorResponse(StatusBadRequest, bodyLacksHost)
			return
		}
	}
	c.remaining = 0
	if enc, ok := c.headerString(HeaderTransferEncoding); ok {
		c.remaining = SizeUnknown
		c.chunkedUpload = httpguts.HeaderValuesContainsToken([]string{enc}, "chunked")
		return
	}
	if clen, ok := c.LookupValue(HeaderKind, HeaderContentLength); ok {
		n, err := fasthttp.ParseUint(clen)
		if err != nil {
			c.closeError(errors.Wrapf(errBadContentLen, "%q", clen))
			return
		}
		c.remaining = uint64(n)
	}
}

// processRequestBody passes buffered upload data to the handler, decoding
// chunked transfer coding on the way. Data the handler does not consume
// stays at the start of the read buffer.
func (c *Connection) processRequestBody() {
	if c.response != nil {
		return
	}
	d := c.daemon
	buf := c.readBuf[:c.readOff]
	head := 0
	for {
		retry := false
		toProcess := 0
		avail := len(buf) - head
		if c.chunkedUpload && c.remaining == SizeUnknown {
			if c.chunkOffset == c.chunkSize && c.chunkOffset != 0 && avail >= 2 {
				// CRLF after the chunk data
				i := 0
				if buf[head] == '\r' || buf[head] == '\n' {
					i++
				}
				if buf[head+i] == '\r' || buf[head+i] == '\n' {
					i++
				}
				if i == 0 {
					c.closeError(errMalformedChunk)
					return
				}
				head += i
				avail -= i
				c.chunkOffset, c.chunkSize = 0, 0
			}
			if c.chunkOffset < c.chunkSize {
				toProcess = avail
				if uint64(toProcess) > c.chunkSize-c.chunkOffset {
					toProcess = int(c.chunkSize - c.chunkOffset)
					retry = true
				}
			} else {
				// chunk-size [; extensions] CRLF
				i := 0
				for i < avail && i <= maxChunkSizeDigits {
					ch := buf[head+i]
					if ch == '\r' || ch == '\n' || ch == ';' {
						break
					}
					i++
				}
				if i > maxChunkSizeDigits {
					c.closeError(errMalformedChunk)
					return
				}
				sizeEnd := i
				if i < avail && buf[head+i] == ';' {
					for i < avail && buf[head+i] != '\r' && buf[head+i] != '\n' {
						i++
					}
				}
				if i+1 >= avail && !(i == 1 && avail == 2 && buf[head] == '0') {
					// need more data
					break
				}
				size, ok := parseHexChunkSize(buf[head : head+sizeEnd])
				if !ok {
					c.closeError(errMalformedChunk)
					return
				}
				i++
				if i < avail && (buf[head+i] == '\r' || buf[head+i] == '\n') {
					i++
				}
				head += i
				c.chunkSize = size
				c.chunkOffset = 0
				if size == 0 {
					c.remaining = 0
					break
				}
				if head < len(buf) {
					continue
				}
				break
			}
		} else {
			toProcess = avail
			if c.remaining != SizeUnknown && c.remaining < uint64(avail) {
				toProcess = int(c.remaining)
			}
		}
		if toProcess == 0 {
			break
		}

		c.clientAware = true
		consumed, err := d.handler(c, buf[head:head+toProcess])
		if err != nil {
			c.closeError(errors.Wrap(errApplicationFail, err.Error()))
			return
		}
		if consumed < 0 || consumed > toProcess {
			mhdPanic("request handler consumed more upload data than it was offered")
			consumed = toProcess
		}
		if consumed < toProcess {
			retry = false
			if d.flags&InternalPollingThread != 0 && !c.suspended {
				c.logEvent(d.log.Debug()).Int("left", toProcess-consumed).
					Msg("request handler left upload data unconsumed without suspending")
			}
		}
		if c.chunkedUpload {
			c.chunkOffset += uint64(consumed)
		}
		head += consumed
		if c.remaining != SizeUnknown {
			c.remaining -= uint64(consumed)
		}
		if !retry || c.state == StateClosed {
			break
		}
	}
	if head > 0 {
		c.readOff = copy(c.readBuf, buf[head:])
	}
}

// keepAlivePossible decides from the request and the queued response
// whether the connection may serve another request.
func (c *Connection) keepAlivePossible() bool {
	if c.proto == protoNone || c.proto == proto09 {
		return false
	}
	if c.response != nil && c.response.flags&RespHTTP10Only != 0 {
		return false
	}
	conn, ok := c.headerString(HeaderConnection)
	switch c.proto {
	case proto11:
		if !ok {
			return true
		}
		v := []string{conn}
		if httpguts.HeaderValuesContainsToken(v, "close") {
			return false
		}
		if httpguts.HeaderValuesContainsToken(v, "upgrade") && (c.response == nil || c.response.upgrade == nil) {
			return false
		}
		return true
	case proto10:
		return ok && httpguts.HeaderValuesContainsToken([]string{conn}, "keep-alive")
	}
	return false
}

// need100Continue reports whether the client waits for "100 Continue"
// before sending the body.
func (c *Connection) need100Continue() bool {
	if c.response != nil || c.proto != proto11 {
		return false
	}
	if c.continueOff >= len(http100ContinueMsg) {
		return false
	}
	expect, ok := c.headerString(HeaderExpect)
	return ok && httpguts.HeaderValuesContainsToken([]string{expect}, "100-continue")
}
