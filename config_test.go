package microhttpd

import (
	"runtime"
	"testing"
	"time"

	"github.com/gookit/goutil/testutil/assert"
	"github.com/pkg/errors"
	"github.com/rs/zerolog"

	"github.com/newacorn/microhttpd/netpoll"
)

func nopHandler(*Connection, []byte) (int, error) { return 0, nil }

func TestConfigRejectsInvalidOptions(t *testing.T) {
	t.Parallel()
	cases := map[string]Config{
		"no handler":             {},
		"poll and epoll":         {Flags: InternalPollingThread | UsePoll | UseEpoll},
		"epoll with tpc":         {Flags: ThreadPerConnection | UseEpoll},
		"poll without internal":  {Flags: UsePoll},
		"pool without internal":  {ThreadPoolSize: 4},
		"pool with tpc":          {Flags: ThreadPerConnection, ThreadPoolSize: 2},
		"negative pool":          {ThreadPoolSize: -1},
		"negative memory limit":  {ConnectionMemoryLimit: -1},
		"negative increment":     {ConnectionMemoryIncrement: -5},
		"negative limit":         {ConnectionLimit: -1},
		"negative per ip limit":  {PerIPConnectionLimit: -1},
		"negative timeout":       {ConnectionTimeout: -time.Second},
		"negative backlog":       {ListenBacklog: -1},
		"negative adopted fd":    {Flags: UseListenFd, ListenFd: -1},
		"negative tls workers":   {TLSHandshakeConcurrency: -1},
		"increment over half":    {ConnectionMemoryLimit: 4096, ConnectionMemoryIncrement: 2049},
		"pool larger than limit": {Flags: InternalPollingThread, ThreadPoolSize: 8, ConnectionLimit: 4},
	}
	if runtime.GOOS != "linux" {
		cases["epoll off linux"] = Config{Flags: InternalPollingThread | UseEpoll}
	}
	log := zerolog.Nop()
	for name, cfg := range cases {
		if name != "no handler" {
			cfg.Handler = nopHandler
		}
		err := cfg.normalize(&log)
		if !errors.Is(err, ErrInvalidOptions) {
			t.Fatalf("unexpected error for %s: %v. Expecting ErrInvalidOptions", name, err)
		}
	}
}

func TestConfigDefaults(t *testing.T) {
	t.Parallel()
	log := zerolog.Nop()
	cfg := Config{Handler: nopHandler, Flags: InternalPollingThread | UsePoll}
	assert.NoErr(t, cfg.normalize(&log))
	assert.Eq(t, DefaultConnectionMemoryLimit, cfg.ConnectionMemoryLimit)
	assert.Eq(t, DefaultConnectionMemoryIncrement, cfg.ConnectionMemoryIncrement)
	assert.Eq(t, DefaultConnectionLimit, cfg.ConnectionLimit)
	assert.Eq(t, DefaultMetricsNamespace, cfg.MetricsNamespace)
	assert.Eq(t, 64*runtime.GOMAXPROCS(0), cfg.TLSHandshakeConcurrency)
	assert.False(t, cfg.usesSelect())
}

func TestConfigThreadPerConnectionImpliesInternal(t *testing.T) {
	t.Parallel()
	log := zerolog.Nop()
	cfg := Config{Handler: nopHandler, Flags: ThreadPerConnection}
	assert.NoErr(t, cfg.normalize(&log))
	assert.True(t, cfg.Flags&InternalPollingThread != 0)
	assert.False(t, cfg.usesSelect())
}

func TestConfigSelectClampsConnectionLimit(t *testing.T) {
	t.Parallel()
	log := zerolog.Nop()
	cfg := Config{Handler: nopHandler, ConnectionLimit: netpoll.MaxSelectFd * 2}
	assert.NoErr(t, cfg.normalize(&log))
	assert.True(t, cfg.usesSelect())
	assert.Eq(t, netpoll.MaxSelectFd-selectReservedFds, cfg.ConnectionLimit)

	cfg = Config{Handler: nopHandler, Flags: InternalPollingThread | UsePoll, ConnectionLimit: netpoll.MaxSelectFd * 2}
	assert.NoErr(t, cfg.normalize(&log))
	assert.Eq(t, netpoll.MaxSelectFd*2, cfg.ConnectionLimit)
}

func TestStartRejectsInvalidOptions(t *testing.T) {
	t.Parallel()
	_, err := Start(Config{Flags: NoListenSocket | UsePoll, Handler: nopHandler})
	assert.True(t, errors.Is(err, ErrInvalidOptions))

	_, err = Start(Config{Flags: NoListenSocket | UseTLS, Handler: nopHandler})
	assert.True(t, errors.Is(err, ErrInvalidOptions))
}
