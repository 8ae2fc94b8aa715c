package udpstream

import (
	"errors"
	"io"
	"net"
)

var (
	ErrInvalidAddress   = errors.New("invalid ipv4 address")
	ErrInvalidBatchSize = errors.New("batch size must be positive")
	ErrInvalidBurstSize = errors.New("burst size must be positive")
	ErrPayloadTooSmall  = errors.New("max payload size cannot fit a single address")
)

// isClosed reports whether err means the socket can no longer be used.
func isClosed(err error) bool {
	return errors.Is(err, io.EOF) || errors.Is(err, net.ErrClosed)
}

func isTimeout(err error) bool {
	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}
