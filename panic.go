package microhttpd

import (
	"fmt"
	"runtime"
	"sync/atomic"

	"github.com/rs/zerolog/log"
)

// PanicFunc handles fatal consistency violations, for example a request handler
// that reports consuming more upload bytes than it was offered, or the release
// of an IP address that was never acquired.
//
// The function must not return normally; if it does, the process state is
// undefined.
type PanicFunc func(file string, line int, reason string)

var panicFunc atomic.Pointer[PanicFunc]

// SetPanicFunc overrides the fatal error hook. Passing nil restores the
// default hook, which logs and panics.
func SetPanicFunc(f PanicFunc) {
	if f == nil {
		panicFunc.Store(nil)
		return
	}
	panicFunc.Store(&f)
}

func defaultPanic(file string, line int, reason string) {
	panic(fmt.Sprintf("BUG: fatal error in microhttpd %s:%d: %s", file, line, reason))
}

func mhdPanic(reason string) {
	_, file, line, _ := runtime.Caller(1)
	log.Error().Str("file", file).Int("line", line).Msg(reason)
	if p := panicFunc.Load(); p != nil {
		(*p)(file, line, reason)
		return
	}
	defaultPanic(file, line, reason)
}
