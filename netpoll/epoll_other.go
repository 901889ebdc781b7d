//go:build !linux

package netpoll

import "github.com/pkg/errors"

// NewEpoll is only available on Linux.
func NewEpoll() (Poller, error) {
	return nil, errors.WithStack(ErrNotSupported)
}
