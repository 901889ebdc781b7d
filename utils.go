package microhttpd

import "unsafe"

// appendHexInto writes the hexadecimal form of n right aligned into dst
// and returns the written tail of dst.
func appendHexInto(dst []byte, n uint64) []byte {
	const hex = "0123456789ABCDEF"
	i := len(dst)
	for n >= 16 {
		i--
		dst[i] = hex[n&0xf]
		n >>= 4
	}
	i--
	dst[i] = hex[n]
	return dst[i:]
}

// parseHexChunkSize parses a chunk-size token. It rejects empty input,
// non-hex characters and tokens longer than maxChunkSizeDigits.
func parseHexChunkSize(b []byte) (uint64, bool) {
	if len(b) == 0 || len(b) > maxChunkSizeDigits {
		return 0, false
	}
	var n uint64
	for _, c := range b {
		var k byte
		switch {
		case c >= '0' && c <= '9':
			k = c - '0'
		case c >= 'a' && c <= 'f':
			k = c - 'a' + 10
		case c >= 'A' && c <= 'F':
			k = c - 'A' + 10
		default:
			return 0, false
		}
		n = n<<4 | uint64(k)
	}
	return n, true
}

// unescapeInPlace decodes %XX sequences of b in place and returns the decoded
// prefix. Invalid escapes are copied through unchanged.
func unescapeInPlace(b []byte) []byte {
	w := 0
	for r := 0; r < len(b); r++ {
		c := b[r]
		if c == '%' && r+2 < len(b) {
			h, ok1 := unhex(b[r+1])
			l, ok2 := unhex(b[r+2])
			if ok1 && ok2 {
				b[w] = h<<4 | l
				w++
				r += 2
				continue
			}
		}
		b[w] = c
		w++
	}
	return b[:w]
}

func unhex(c byte) (byte, bool) {
	switch {
	case c >= '0' && c <= '9':
		return c - '0', true
	case c >= 'a' && c <= 'f':
		return c - 'a' + 10, true
	case c >= 'A' && c <= 'F':
		return c - 'A' + 10, true
	}
	return 0, false
}

func b2s(b []byte) string {
	return unsafe.String(unsafe.SliceData(b), len(b))
}

func isSpaceOrTab(c byte) bool {
	return c == ' ' || c == '\t'
}
