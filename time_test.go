package microhttpd

import (
	"testing"
	"time"
)

func TestAbsoluteToUTC(t *testing.T) {
	t.Parallel()
	start := time.Now()
	start2 := absoluteNano()
	time.Sleep(time.Millisecond * 200)
	a := (absoluteNano() - start2) / 1e6
	b := time.Since(start).Milliseconds()
	if diff := a - b; diff > 5 || diff < -5 {
		t.Fatalf("unexpected elapsed time %d. Expecting %d", a, b)
	}
	c := absoluteToUTC(absoluteNano())
	d := time.Now().UTC()
	diff := c.UnixMilli() - d.UnixMilli()
	if diff > 10 || diff < -10 {
		t.Fatalf("unexpected wall clock %d. Expecting %d", c.UnixMilli(), d.UnixMilli())
	}
}
