package microhttpd

import (
	"time"

	"github.com/newacorn/goutils/unsafefn"
)

var (
	startTimeUTC      = time.Now().UTC()
	startAbsoluteNano = unsafefn.NanoTime()
)

// absoluteToUTC converts a monotonic reading into wall clock time.
func absoluteToUTC(n int64) time.Time {
	return startTimeUTC.Add(time.Duration(n - startAbsoluteNano))
}

// absoluteNano is the monotonic clock all timeout math is based on.
func absoluteNano() int64 {
	return unsafefn.NanoTime()
}
