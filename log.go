package microhttpd

import (
	"os"
	"time"

	"github.com/rs/zerolog"
)

func init() {
	zerolog.CallerFieldName = "C"
	zerolog.MessageFieldName = "M"
	zerolog.LevelFieldName = "L"
	zerolog.ErrorFieldName = "E"
	zerolog.TimestampFieldName = "T"
	zerolog.ErrorStackFieldName = "S"
}

// newDaemonLogger picks the logger of a daemon.
//
// 显式设置的Config.Logger优先；否则只有设置了UseErrorLog标志才输出到stderr。
func newDaemonLogger(cfg *Config) zerolog.Logger {
	if cfg.Logger != nil {
		return *cfg.Logger
	}
	if cfg.Flags&UseErrorLog == 0 {
		return zerolog.Nop()
	}
	return zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339}).
		With().Timestamp().Str("component", "microhttpd").Logger()
}
