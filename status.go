package microhttpd

import (
	"fmt"
	"strings"

	"github.com/valyala/fasthttp"
)

// Status codes the daemon itself emits or inspects.
const (
	StatusContinue                    = 100
	StatusSwitchingProtocols          = 101
	StatusProcessing                  = 102
	StatusOK                          = 200
	StatusNoContent                   = 204
	StatusNotModified                 = 304
	StatusBadRequest                  = 400
	StatusRequestEntityTooLarge       = 413
	StatusRequestURITooLong           = 414
	StatusRequestHeaderFieldsTooLarge = 431
	StatusInternalServerError         = 500
)

// Well known header names.
const (
	HeaderConnection       = "Connection"
	HeaderContentLength    = "Content-Length"
	HeaderTransferEncoding = "Transfer-Encoding"
	HeaderDate             = "Date"
	HeaderExpect           = "Expect"
	HeaderHost             = "Host"
	HeaderUpgrade          = "Upgrade"
	HeaderCookie           = "Cookie"
	HeaderContentType      = "Content-Type"
)

const (
	http10 = "HTTP/1.0"
	http11 = "HTTP/1.1"

	http100ContinueMsg = "HTTP/1.1 100 Continue\r\n\r\n"
)

// Bodies of the error responses generated by the daemon.
const (
	bodyRequestMalformed = "Your HTTP request was syntactically incorrect."
	bodyRequestTooBig    = "Your HTTP header was too big for the memory constraints of this webserver."
	bodyURITooLong       = "The requested URI is too long for the memory constraints of this webserver."
	bodyFootersTooBig    = "Your HTTP trailer was too big for the memory constraints of this webserver."
	bodyLacksHost        = `In HTTP 1.1, requests must include a "Host:" header, and your HTTP 1.1 request lacked such a header.`
	bodyInternalError    = "The request handler did not consume the upload data and the connection buffer is full."
)

func reasonPhrase(code int) string {
	return fasthttp.StatusMessage(code)
}

// errorResponses are shared by every connection of the process. The package
// keeps their creator reference forever, queued copies only add and drop
// references.
var errorResponses = func() map[string]*Response {
	m := make(map[string]*Response)
	for _, body := range []string{bodyRequestMalformed, bodyRequestTooBig, bodyURITooLong,
		bodyFootersTooBig, bodyLacksHost, bodyInternalError} {
		r := NewResponseFromString(body)
		r.AddHeader(HeaderContentType, "text/plain; charset=utf-8")
		m[body] = r
	}
	return m
}()

const errorHeaders = "\r\nContent-Type: text/plain; charset=utf-8\r\nConnection: close\r\n\r\n"

func errHTTPResponseStr(statusCode int, body string, extraHeaders []string) (resp string) {
	if len(body) == 0 {
		body = reasonPhrase(statusCode)
	}
	var (
		extraHeadersStr string
	)
	if len(extraHeaders) != 0 {
		extraHeadersStr = "\r\n" + strings.Join(extraHeaders, "\r\n")
	}
	resp = fmt.Sprintf("HTTP/1.1 %d %s%s%s%d %s", statusCode, reasonPhrase(statusCode), extraHeadersStr, errorHeaders, statusCode, body)
	return
}

var httpToHttpsErr = errHTTPResponseStr(StatusBadRequest, "Client sent an HTTP request to an HTTPS server.", nil)

// tlsRecordHeaderLooksLikeHTTP reports whether a TLS record header
// looks like it might've been a misdirected plaintext HTTP request.
func tlsRecordHeaderLooksLikeHTTP(hdr [5]byte) bool {
	switch string(hdr[:]) {
	case "GET /", "HEAD ", "POST ", "PUT /", "OPTIO":
		return true
	}
	return false
}
