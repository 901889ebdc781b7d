package microhttpd

import (
	"io"
	"strconv"
	"strings"

	"github.com/pkg/errors"
	"github.com/valyala/bytebufferpool"
	"github.com/valyala/fasthttp"
	"golang.org/x/net/http/httpguts"
)

var continueMsg = []byte(http100ContinueMsg)

const (
	// hex chunk size and CRLF in front of the chunk data
	chunkPrefixSize = 10
	maxChunkData    = 0xFFFFFF
	minChunkBuffer  = 128
)

// handleRead receives into the read buffer. It is called when the
// scheduler reports the socket readable.
func (c *Connection) handleRead() {
	switch c.state {
	case StateClosed, StateInCleanup, StateUpgrade, StateTLSInit:
		return
	}
	if c.suspended {
		return
	}
	d := c.daemon
	if c.readOff+d.poolIncrement > len(c.readBuf) {
		c.tryGrowReadBuffer()
	}
	if c.readOff == len(c.readBuf) {
		return
	}
	want := len(c.readBuf) - c.readOff
	n, err := c.sock.Recv(c.readBuf[c.readOff:])
	if err != nil {
		switch err {
		case ErrWouldBlock:
			c.io &^= ioReadReady
		case io.EOF:
			c.readClosed = true
			c.close(ClientAbort)
		default:
			c.closeError(errors.Wrap(err, "failed to receive data"))
		}
		return
	}
	if n < want {
		c.io &^= ioReadReady
	}
	c.readOff += n
	c.updateLastActivity()
}

// checkSendResult evaluates a Send and reports whether n bytes went out.
func (c *Connection) checkSendResult(n int, err error, want int) bool {
	if err != nil {
		if err == ErrWouldBlock {
			c.io &^= ioWriteReady
			return false
		}
		c.closeError(errors.Wrap(err, "failed to send data"))
		return false
	}
	if n < want {
		c.io &^= ioWriteReady
	}
	c.updateLastActivity()
	return true
}

// handleWrite sends whatever the current state has to send. It is called
// when the scheduler reports the socket writable.
func (c *Connection) handleWrite() {
	if c.suspended {
		return
	}
	if c.tls != nil && c.tls.HasPendingWrite() {
		if err := c.tls.Flush(); err != nil {
			if err == ErrWouldBlock {
				c.io &^= ioWriteReady
				return
			}
			c.closeError(errors.Wrap(err, "failed to flush TLS output"))
			return
		}
	}
	switch c.state {
	case StateContinueSending:
		rest := continueMsg[c.continueOff:]
		n, err := c.sock.Send(rest)
		if !c.checkSendResult(n, err, len(rest)) {
			return
		}
		c.continueOff += n
	case StateHeadersSending, StateChunkedBodyReady, StateFootersSending:
		rest := c.writeBuf[c.writeSend:c.writeAppend]
		n, err := c.sock.Send(rest)
		if !c.checkSendResult(n, err, len(rest)) {
			return
		}
		c.writeSend += n
		c.checkWriteDone()
	case StateNormalBodyReady:
		c.sendNormalBody()
	}
}

// checkWriteDone advances the state once the write buffer is drained.
func (c *Connection) checkWriteDone() {
	if c.writeSend != c.writeAppend {
		return
	}
	c.writeSend, c.writeAppend = 0, 0
	switch c.state {
	case StateHeadersSending:
		c.releaseWriteBuffer()
		c.state = StateHeadersSent
	case StateChunkedBodyReady:
		if c.responsePos == c.responseEnd {
			c.state = StateBodySent
		} else {
			c.state = StateChunkedBodyUnready
		}
	case StateFootersSending:
		c.releaseWriteBuffer()
		c.state = StateFootersSent
	}
}

func (c *Connection) releaseWriteBuffer() {
	if c.writeBuf != nil {
		c.pool.reallocate(c.writeBuf, 0)
		c.writeBuf = nil
	}
}

func (c *Connection) sendNormalBody() {
	resp := c.response
	if c.sender == senderSendfile {
		n, err := sendfile(c.fd, resp.fd, resp.fdOffset+int64(c.responsePos), c.responseEnd-c.responsePos)
		if err != errSendfileUnsupported {
			if err == nil && n == 0 {
				// file shorter than announced
				c.closeError(errResponseReader)
				return
			}
			if !c.checkSendResult(n, err, n) {
				return
			}
			c.advanceNormalBody(n)
			return
		}
		c.logEvent(c.daemon.log.Debug()).Msg("sendfile not usable, falling back to buffered reads")
		c.sender = senderStd
	}
	if resp.reader != nil {
		resp.mu.Lock()
	}
	if !c.tryReadyNormalBody() {
		if resp.reader != nil {
			resp.mu.Unlock()
		}
		return
	}
	data := resp.data[c.responsePos-resp.dataStart : resp.dataSize]
	n, err := c.sock.Send(data)
	if resp.reader != nil {
		resp.mu.Unlock()
	}
	if !c.checkSendResult(n, err, len(data)) {
		return
	}
	c.advanceNormalBody(n)
}

func (c *Connection) advanceNormalBody(n int) {
	c.responsePos += uint64(n)
	if c.responsePos == c.responseEnd {
		c.state = StateFootersSent
	}
}

// tryReadyNormalBody makes sure the response buffer holds the bytes at the
// current write position, asking the content reader if necessary. The
// caller holds the response lock of callback responses. A false return
// either left the connection waiting in NormalBodyUnready or changed the
// state.
func (c *Connection) tryReadyNormalBody() bool {
	resp := c.response
	if resp.reader == nil || c.responseEnd == 0 {
		return true
	}
	if resp.dataSize > 0 && c.responsePos >= resp.dataStart && c.responsePos < resp.dataStart+uint64(resp.dataSize) {
		return true
	}
	want := uint64(len(resp.data))
	if c.responseEnd != SizeUnknown && c.responseEnd-c.responsePos < want {
		want = c.responseEnd - c.responsePos
	}
	n, err := resp.reader(c.responsePos, resp.data[:want])
	if n > 0 {
		resp.dataStart = c.responsePos
		resp.dataSize = n
		return true
	}
	switch {
	case err == io.EOF && c.responseEnd == SizeUnknown:
		// close delimited body is complete
		c.responseEnd = c.responsePos
		c.state = StateFootersSent
		return false
	case err == io.EOF:
		c.responseEnd = c.responsePos
		c.closeError(errors.Wrap(errResponseReader, "end of stream before announced size"))
		return false
	case err != nil:
		c.responseEnd = c.responsePos
		c.closeError(errors.Wrap(errResponseReader, err.Error()))
		return false
	}
	c.state = StateNormalBodyUnready
	return false
}

// tryReadyChunkedBody encodes the next chunk into the write buffer. The
// final zero sized chunk is produced once the reader reports io.EOF.
func (c *Connection) tryReadyChunkedBody() bool {
	resp := c.response
	if len(c.writeBuf) < minChunkBuffer {
		size := min(c.daemon.poolSize, 2*(maxChunkData+chunkPrefixSize+2))
		for {
			if size < minChunkBuffer {
				c.closeError(errOutOfMemory)
				return false
			}
			if b := c.pool.allocate(size, false); b != nil {
				c.writeBuf = b
				break
			}
			size /= 2
		}
	}
	room := min(len(c.writeBuf)-chunkPrefixSize-2, maxChunkData)
	if c.responseEnd != SizeUnknown && c.responseEnd-c.responsePos < uint64(room) {
		room = int(c.responseEnd - c.responsePos)
	}
	dst := c.writeBuf[chunkPrefixSize : chunkPrefixSize+room]
	var (
		n   int
		err error
	)
	if room == 0 {
		err = io.EOF
	} else if resp.reader == nil {
		if c.responsePos < resp.dataStart+uint64(resp.dataSize) {
			n = copy(dst, resp.data[c.responsePos-resp.dataStart:resp.dataSize])
		} else {
			err = io.EOF
		}
	} else {
		resp.mu.Lock()
		n, err = resp.reader(c.responsePos, dst)
		resp.mu.Unlock()
	}
	if n == 0 {
		switch {
		case err == io.EOF:
			c.responseEnd = c.responsePos
			c.writeSend = 0
			c.writeAppend = copy(c.writeBuf, "0\r\n")
			return true
		case err != nil:
			c.closeError(errors.Wrap(errResponseReader, err.Error()))
			return false
		}
		c.state = StateChunkedBodyUnready
		return false
	}
	hex := appendHexInto(c.writeBuf[:chunkPrefixSize-2], uint64(n))
	c.writeBuf[chunkPrefixSize-2] = '\r'
	c.writeBuf[chunkPrefixSize-1] = '\n'
	c.writeBuf[chunkPrefixSize+n] = '\r'
	c.writeBuf[chunkPrefixSize+n+1] = '\n'
	c.writeSend = chunkPrefixSize - 2 - len(hex)
	c.writeAppend = chunkPrefixSize + n + 2
	c.responsePos += uint64(n)
	return true
}

func appendHeader(b []byte, key, value string) []byte {
	b = append(b, key...)
	b = append(b, ": "...)
	b = append(b, value...)
	return append(b, "\r\n"...)
}

func hasToken(v, token string) bool {
	return httpguts.HeaderValuesContainsToken([]string{v}, token)
}

// buildHeaderResponse renders the status line and header block of the
// queued response into a fresh write buffer and settles keep-alive and
// chunked encoding for the response.
func (c *Connection) buildHeaderResponse() bool {
	d := c.daemon
	resp := c.response
	c.writeSend, c.writeAppend = 0, 0
	if c.proto == proto09 {
		// simple responses have no header
		c.keepAlive = keepAliveMustClose
		c.writeBuf = c.pool.allocate(0, false)
		return c.writeBuf != nil
	}

	bb := bytebufferpool.Get()
	defer bytebufferpool.Put(bb)
	b := bb.B

	code := c.responseCode
	if c.proto == proto10 || resp.flags&RespHTTP10Only != 0 {
		b = append(b, http10...)
	} else {
		b = append(b, http11...)
	}
	b = append(b, ' ')
	b = fasthttp.AppendUint(b, code)
	b = append(b, ' ')
	b = append(b, reasonPhrase(code)...)
	b = append(b, "\r\n"...)

	if d.flags&SuppressDateHeader == 0 {
		if _, ok := resp.GetHeader(HeaderDate); !ok {
			b = append(b, HeaderDate...)
			b = append(b, ": "...)
			b = fasthttp.AppendHTTPDate(b, absoluteToUTC(absoluteNano()))
			b = append(b, "\r\n"...)
		}
	}

	respConn, haveRespConn := resp.GetHeader(HeaderConnection)
	respClose := haveRespConn && hasToken(respConn, "close")
	clientConn, haveClientConn := c.headerString(HeaderConnection)
	clientClose := haveClientConn && hasToken(clientConn, "close")
	kaPossible := c.keepAlivePossible()
	bodyless := code < 200 || code == StatusNoContent || code == StatusNotModified

	mustAddClose := clientClose || c.readClosed || c.keepAlive == keepAliveMustClose || d.shuttingDown()
	mustAddChunked := false
	c.chunked = false
	if c.responseEnd == SizeUnknown && !respClose && !clientClose && resp.upgrade == nil && !bodyless {
		if kaPossible && c.proto == proto11 {
			te, ok := resp.GetHeader(HeaderTransferEncoding)
			switch {
			case !ok:
				mustAddChunked = true
				c.chunked = true
			case hasToken(te, "identity"):
				mustAddClose = true
			case hasToken(te, "chunked"):
				c.chunked = true
			}
		} else {
			mustAddClose = true
		}
	}
	if !kaPossible {
		mustAddClose = true
	}
	if mustAddClose || respClose {
		c.keepAlive = keepAliveMustClose
	} else {
		c.keepAlive = keepAliveUse
	}
	// HTTP/1.1 connections persist by default, only 1.0 clients need the header
	mustAddKeepAlive := c.keepAlive == keepAliveUse && c.proto == proto10 && !haveRespConn

	_, haveLength := resp.GetHeader(HeaderContentLength)
	mustAddLength := c.responseEnd != SizeUnknown && !bodyless && !haveLength &&
		!c.methodIs(fasthttp.MethodConnect)

	if mustAddClose && !respClose {
		b = appendHeader(b, HeaderConnection, "close")
	}
	if mustAddKeepAlive {
		b = appendHeader(b, HeaderConnection, "Keep-Alive")
	}
	if mustAddChunked {
		b = appendHeader(b, HeaderTransferEncoding, "chunked")
	}
	if mustAddLength {
		b = append(b, HeaderContentLength...)
		b = append(b, ": "...)
		b = strconv.AppendUint(b, c.responseEnd, 10)
		b = append(b, "\r\n"...)
	}
	for i := range resp.headers {
		h := &resp.headers[i]
		if h.kind != ResponseHeaderKind {
			continue
		}
		if mustAddClose && strings.EqualFold(h.key, HeaderConnection) && hasToken(h.value, "keep-alive") {
			continue
		}
		b = appendHeader(b, h.key, h.value)
	}
	b = append(b, "\r\n"...)
	bb.B = b

	buf := c.pool.allocate(len(b), false)
	if buf == nil {
		return false
	}
	copy(buf, b)
	c.writeBuf = buf
	c.writeAppend = len(b)
	return true
}

// buildFooters renders the trailer of a chunked response.
func (c *Connection) buildFooters() bool {
	bb := bytebufferpool.Get()
	defer bytebufferpool.Put(bb)
	b := bb.B
	for i := range c.response.headers {
		h := &c.response.headers[i]
		if h.kind == FooterKind {
			b = appendHeader(b, h.key, h.value)
		}
	}
	b = append(b, "\r\n"...)
	bb.B = b

	buf := c.writeBuf
	if cap(buf) < len(b) {
		if buf = c.pool.reallocate(buf, len(b)); buf == nil {
			return false
		}
	}
	buf = buf[:cap(buf)]
	c.writeBuf = buf
	c.writeSend = 0
	c.writeAppend = copy(buf, b)
	return true
}

// QueueResponse sends resp with the given status code once the request
// was read far enough. It may be called from the request handler, either
// on the first call, which skips any request body, or once the upload is
// complete. The connection keeps its own reference to resp, so the caller
// may Destroy it right away.
func (c *Connection) QueueResponse(status int, resp *Response) error {
	d := c.daemon
	if resp == nil {
		return ErrNilResponse
	}
	if d.shuttingDown() {
		// the connection is aborted anyway
		return nil
	}
	if c.response != nil {
		return ErrResponseQueued
	}
	if c.state != StateHeadersProcessed && c.state != StateFootersReceived {
		return ErrWrongState
	}
	if resp.upgrade != nil && (d.flags&AllowUpgrade == 0 || status != StatusSwitchingProtocols) {
		return ErrUpgradeNotAllowed
	}
	if status < 100 || status > 999 {
		return ErrInvalidStatus
	}
	resp.incRef()
	c.response = resp
	c.responseCode = status
	c.responsePos = 0
	c.responseEnd = resp.totalSize
	c.sender = senderStd
	if resp.fd >= 0 && c.tls == nil && sendfileSupported {
		c.sender = senderSendfile
	}
	if c.methodIs(fasthttp.MethodHead) || status < 200 || status == StatusNoContent || status == StatusNotModified {
		c.noBody = true
	}
	if c.state == StateHeadersProcessed && c.hasUploadMethod() {
		// answered before the upload: skip it and close afterwards
		c.readClosed = true
		c.remaining = 0
		c.state = StateFootersReceived
	}
	d.metrics.response(status)
	if !c.inIdle && !c.suspended {
		c.handleIdle()
	}
	return nil
}

// transmitErrorResponse drops the request and answers it with one of the
// canned error responses, closing the connection afterwards.
func (c *Connection) transmitErrorResponse(code int, body string) {
	d := c.daemon
	inIdle := c.inIdle
	c.inIdle = true
	defer func() { c.inIdle = inIdle }()
	if c.proto == protoNone {
		c.proto = proto10
	}
	c.logEvent(d.log.Debug()).Int("code", code).Msg("error processing request, sending error response")
	c.state = StateFootersReceived
	c.readClosed = true
	if resp := c.response; resp != nil {
		c.response = nil
		resp.Destroy()
	}
	// the request is not needed anymore, make room for the response header
	c.method, c.url = nil, nil
	c.values = c.values[:0]
	c.havePending = false
	c.readOff = 0
	if c.readBuf != nil {
		c.pool.reallocate(c.readBuf, 0)
		c.readBuf = nil
	}
	if err := c.QueueResponse(code, errorResponses[body]); err != nil || c.response == nil {
		c.closeError(errors.Wrapf(errHeaderBuild, "cannot queue %d response", code))
		return
	}
	c.keepAlive = keepAliveMustClose
	if !c.buildHeaderResponse() {
		c.closeError(errHeaderBuild)
		return
	}
	c.state = StateHeadersSending
}

// callConnectionHandler calls the request handler without upload data,
// after the header and after the complete body.
func (c *Connection) callConnectionHandler() {
	if c.response != nil {
		return
	}
	c.clientAware = true
	if _, err := c.daemon.handler(c, nil); err != nil {
		c.closeError(errors.Wrap(errApplicationFail, err.Error()))
	}
}

// readHeaderLine is the common "no complete line yet" handling of the
// header and trailer states. ok false tells handleIdle to stop.
func (c *Connection) readHeaderLine() (line []byte, again, ok bool) {
	s := c.state
	line, ok = c.nextHeaderLine()
	if ok {
		return line, false, true
	}
	if c.state != s {
		return nil, true, false
	}
	if c.readClosed {
		c.closeError(errClientAbort)
		return nil, true, false
	}
	return nil, false, false
}

// handleIdle advances the state machine as far as buffered data and the
// application allow. It returns false once the connection was cleaned up.
func (c *Connection) handleIdle() bool {
	d := c.daemon
	c.inIdle = true
loop:
	for !c.suspended {
		switch c.state {
		case StateTLSInit:
			if !c.tlsHandshakeStep() {
				break loop
			}
			continue

		case StateInit:
			line, again, ok := c.readHeaderLine()
			if !ok {
				if again {
					continue
				}
				break loop
			}
			if len(line) == 0 {
				// stray CRLF between requests
				continue
			}
			if !c.parseRequestLine(line) {
				c.logEvent(d.log.Debug()).Err(errBadRequestLine).Msg("malformed request line")
				c.transmitErrorResponse(StatusBadRequest, bodyRequestMalformed)
				continue
			}
			if c.state == StateInit {
				if c.proto == proto09 {
					c.state = StateHeadersReceived
				} else {
					c.state = StateURLReceived
				}
			}
			continue

		case StateURLReceived:
			line, again, ok := c.readHeaderLine()
			if !ok {
				if again {
					continue
				}
				break loop
			}
			if len(line) == 0 {
				c.state = StateHeadersReceived
				continue
			}
			if !c.processHeaderLine(line) {
				c.transmitErrorResponse(StatusBadRequest, bodyRequestMalformed)
				continue
			}
			c.state = StateHeaderPartReceived
			continue

		case StateHeaderPartReceived:
			line, again, ok := c.readHeaderLine()
			if !ok {
				if again {
					continue
				}
				break loop
			}
			if !c.processBrokenLine(line, HeaderKind) {
				continue
			}
			if len(line) == 0 {
				c.state = StateHeadersReceived
			}
			continue

		case StateHeadersReceived:
			c.parseConnectionHeaders()
			if c.state == StateHeadersReceived {
				c.state = StateHeadersProcessed
			}
			continue

		case StateHeadersProcessed:
			c.callConnectionHandler()
			if c.state == StateClosed || c.suspended {
				continue
			}
			if c.need100Continue() {
				c.state = StateContinueSending
				break loop
			}
			if c.response != nil && c.hasUploadMethod() {
				c.remaining = 0
				c.readClosed = true
			}
			if c.remaining == 0 {
				c.state = StateFootersReceived
			} else {
				c.state = StateContinueSent
			}
			continue

		case StateContinueSending:
			if c.continueOff == len(continueMsg) && (c.tls == nil || !c.tls.HasPendingWrite()) {
				c.state = StateContinueSent
				continue
			}
			break loop

		case StateContinueSent:
			if c.readOff != 0 {
				c.processRequestBody()
				if c.state == StateClosed {
					continue
				}
			}
			if c.remaining == 0 || (c.remaining == SizeUnknown && c.readOff == 0 && c.readClosed) {
				if c.chunkedUpload && !c.readClosed {
					c.state = StateBodyReceived
				} else {
					c.state = StateFootersReceived
				}
				continue
			}
			break loop

		case StateBodyReceived:
			line, again, ok := c.readHeaderLine()
			if !ok {
				if again {
					continue
				}
				break loop
			}
			if len(line) == 0 {
				c.state = StateFootersReceived
				continue
			}
			if !c.processHeaderLine(line) {
				c.transmitErrorResponse(StatusBadRequest, bodyRequestMalformed)
				continue
			}
			c.state = StateFooterPartReceived
			continue

		case StateFooterPartReceived:
			line, again, ok := c.readHeaderLine()
			if !ok {
				if again {
					continue
				}
				break loop
			}
			if !c.processBrokenLine(line, FooterKind) {
				continue
			}
			if len(line) == 0 {
				c.state = StateFootersReceived
			}
			continue

		case StateFootersReceived:
			c.callConnectionHandler()
			if c.state == StateClosed {
				continue
			}
			if c.response == nil {
				// the handler answers later, after Resume
				break loop
			}
			if c.state != StateFootersReceived {
				continue
			}
			c.readBuf = c.pool.reallocate(c.readBuf, c.readOff)
			if !c.buildHeaderResponse() {
				c.closeError(errHeaderBuild)
				continue
			}
			c.state = StateHeadersSending
			continue

		case StateHeadersSending:
			break loop

		case StateHeadersSent:
			if c.response.upgrade != nil {
				c.state = StateUpgrade
				if c.clientAware && d.cfg.NotifyCompleted != nil {
					d.cfg.NotifyCompleted(c, CompletedOK)
				}
				c.clientAware = false
				if err := c.executeUpgrade(); err != nil {
					c.closeError(errors.Wrap(errUpgradeFailed, err.Error()))
					continue
				}
				resp := c.response
				c.response = nil
				resp.Destroy()
				continue
			}
			switch {
			case c.noBody:
				c.state = StateBodySent
			case c.chunked:
				c.state = StateChunkedBodyUnready
			default:
				c.state = StateNormalBodyUnready
			}
			continue

		case StateNormalBodyReady, StateChunkedBodyReady:
			break loop

		case StateNormalBodyUnready:
			resp := c.response
			if c.responseEnd == 0 || c.responsePos == c.responseEnd {
				c.state = StateBodySent
				continue
			}
			if c.sender == senderSendfile {
				c.state = StateNormalBodyReady
				break loop
			}
			if resp.reader != nil {
				resp.mu.Lock()
			}
			ok := c.tryReadyNormalBody()
			if resp.reader != nil {
				resp.mu.Unlock()
			}
			if ok {
				c.state = StateNormalBodyReady
				break loop
			}
			if c.state != StateNormalBodyUnready {
				continue
			}
			break loop

		case StateChunkedBodyUnready:
			if c.tryReadyChunkedBody() {
				c.state = StateChunkedBodyReady
				break loop
			}
			if c.state != StateChunkedBodyUnready {
				continue
			}
			break loop

		case StateBodySent:
			if c.chunked && !c.noBody {
				if !c.buildFooters() {
					c.closeError(errHeaderBuild)
					continue
				}
				c.state = StateFootersSending
				continue
			}
			c.releaseWriteBuffer()
			c.state = StateFootersSent
			continue

		case StateFootersSending:
			break loop

		case StateFootersSent:
			if c.tls != nil && c.tls.HasPendingWrite() {
				break loop
			}
			if c.responseCode == StatusProcessing {
				// interim response, the handler still owes the final one
				resp := c.response
				c.response = nil
				resp.Destroy()
				c.responseCode = 0
				c.responsePos, c.responseEnd = 0, 0
				c.noBody, c.chunked = false, false
				c.state = StateHeadersProcessed
				continue
			}
			if resp := c.response; resp != nil {
				c.response = nil
				resp.Destroy()
			}
			if c.clientAware && d.cfg.NotifyCompleted != nil {
				d.cfg.NotifyCompleted(c, CompletedOK)
			}
			c.clientAware = false
			if c.keepAlive != keepAliveUse || c.readClosed || d.shuttingDown() {
				c.close(CompletedOK)
				continue
			}
			c.resetForNextRequest()
			continue

		case StateClosed:
			c.cleanupConnection()
			c.inIdle = false
			return false

		case StateInCleanup:
			mhdPanic("idle handler called on connection in cleanup")
			break loop

		case StateUpgrade:
			c.inIdle = false
			return true

		default:
			mhdPanic("unknown connection state")
			break loop
		}
	}

	if !c.suspended && c.timedOut(absoluteNano()) {
		c.logEvent(d.log.Debug()).Err(errIdleTimeout).Msg("closing connection")
		c.close(TimeoutReached)
		c.cleanupConnection()
		c.inIdle = false
		return false
	}
	c.updateEventLoopInfo()
	if !c.suspended && !c.inCleanup {
		d.connectionPollUpdate(c)
	}
	c.inIdle = false
	return true
}

// resetForNextRequest recycles a keep-alive connection. Bytes of a
// pipelined next request move to the start of the pool.
func (c *Connection) resetForNextRequest() {
	d := c.daemon
	c.readBuf = c.pool.reset(c.readBuf, c.readOff, max(c.readOff, d.poolSize/2))
	if c.readBuf == nil {
		c.readOff = 0
	}
	c.state = StateInit
	c.eventLoop = eventLoopRead
	c.keepAlive = keepAliveUnknown

	c.method, c.url, c.version = nil, nil, nil
	c.proto = protoNone
	clear(c.values)
	c.values = c.values[:0]
	c.pendingKey, c.pendingValue, c.havePending = nil, nil, false

	c.writeBuf = nil
	c.writeSend, c.writeAppend = 0, 0

	c.remaining = 0
	c.chunkSize, c.chunkOffset = 0, 0
	c.chunkedUpload = false
	c.continueOff = 0

	c.responseCode = 0
	c.responsePos, c.responseEnd = 0, 0
	c.sender = senderStd
	c.chunked, c.noBody = false, false
	c.clientContext = nil
}

// updateEventLoopInfo records what the connection waits for next.
func (c *Connection) updateEventLoopInfo() {
	d := c.daemon
	for {
		switch c.state {
		case StateInit, StateURLReceived, StateHeaderPartReceived:
			if c.readOff == len(c.readBuf) && !c.tryGrowReadBuffer() {
				c.lineOverflow()
				continue
			}
			if c.readClosed {
				c.eventLoop = eventLoopBlock
			} else {
				c.eventLoop = eventLoopRead
			}
		case StateContinueSending:
			c.eventLoop = eventLoopWrite
		case StateContinueSent:
			if c.readOff == len(c.readBuf) && !c.tryGrowReadBuffer() &&
				d.flags&InternalPollingThread != 0 && !c.suspended {
				// the handler neither consumed the upload nor suspended
				c.logEvent(d.log.Warn()).Err(errStuckUpload).Msg("request handler did not consume upload data")
				c.transmitErrorResponse(StatusInternalServerError, bodyInternalError)
				continue
			}
			if c.readOff < len(c.readBuf) && !c.readClosed {
				c.eventLoop = eventLoopRead
			} else {
				c.eventLoop = eventLoopBlock
			}
		case StateBodyReceived, StateFooterPartReceived:
			if c.readClosed {
				c.closeError(errClientAbort)
				continue
			}
			if c.readOff == len(c.readBuf) && !c.tryGrowReadBuffer() {
				c.lineOverflow()
				continue
			}
			c.eventLoop = eventLoopRead
		case StateHeadersSending, StateNormalBodyReady, StateChunkedBodyReady, StateFootersSending:
			c.eventLoop = eventLoopWrite
		case StateFootersSent:
			if c.tls != nil && c.tls.HasPendingWrite() {
				c.eventLoop = eventLoopWrite
			} else {
				c.eventLoop = eventLoopBlock
			}
		case StateClosed:
			c.eventLoop = eventLoopCleanup
		case StateInCleanup:
			mhdPanic("event loop info requested for connection in cleanup")
		default:
			// waiting for the application, an upgrade handler or the
			// TLS handshake
			c.eventLoop = eventLoopBlock
		}
		break
	}
	if c.eventLoop == eventLoopBlock && c.tls != nil && c.tls.HasPendingWrite() {
		c.eventLoop = eventLoopWrite
	}
}
