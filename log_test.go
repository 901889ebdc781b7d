package microhttpd

import (
	"bytes"
	"testing"

	"github.com/gookit/goutil/testutil/assert"
	"github.com/rs/zerolog"
)

func TestDaemonLoggerSelection(t *testing.T) {
	var buf bytes.Buffer
	l := zerolog.New(&buf)
	got := newDaemonLogger(&Config{Logger: &l})
	got.Warn().Int("fd", 7).Msg("test")
	assert.Eq(t, `{"L":"warn","fd":7,"M":"test"}`+"\n", buf.String())

	nop := newDaemonLogger(&Config{})
	assert.Eq(t, zerolog.Disabled, nop.GetLevel())
}
