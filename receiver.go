package udpstream

import (
	"context"
	"fmt"
	"net"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/go-logr/logr"
)

const (
	readRetryInitialInterval = 5 * time.Millisecond
	readRetryMaxInterval     = time.Second
)

// Handler is called once per datagram. buf is reused by the next read and must not be retained.
type Handler func(addr net.Addr, buf []byte)

type Receiver struct {
	readBufferSize int
	readTimeout    time.Duration

	conn    net.PacketConn
	handler Handler
	log     logr.Logger
	metrics *Metrics
}

func NewReceiver(conn net.PacketConn, opts ...ReceiverOption) *Receiver {
	r := &Receiver{conn: conn, log: logr.Discard()}

	for _, opt := range opts {
		opt.applyReceiver(r)
	}

	if r.readBufferSize == 0 {
		r.readBufferSize = DefaultReadBufferSize
	}

	if r.handler == nil {
		r.handler = r.logDatagram
	}

	return r
}

func (r *Receiver) Addr() net.Addr {
	return r.conn.LocalAddr()
}

// Listen reads datagrams until ctx is cancelled, handling each one before the next read.
// It returns nil once ctx is done and an error if the socket is closed underneath it.
// The read deadline is cleared on entry and on return, so Listen may be called again on
// the same conn.
func (r *Receiver) Listen(ctx context.Context) error {
	if err := r.conn.SetReadDeadline(time.Time{}); err != nil && isClosed(err) {
		return fmt.Errorf("failed to clear read deadline: %w", err)
	}

	exit := make(chan struct{})
	stopped := make(chan struct{})

	go func() {
		defer close(stopped)
		select {
		case <-ctx.Done():
			_ = r.conn.SetReadDeadline(time.Now())
		case <-exit:
		}
	}()

	defer func() {
		close(exit)
		<-stopped
		_ = r.conn.SetReadDeadline(time.Time{})
	}()

	r.log.V(1).Info("Listening for datagrams.", "addr", r.Addr().String())

	var (
		retry   = newReadRetry()
		failing bool

		n    int
		addr net.Addr
		err  error
	)

	buf := make([]byte, r.readBufferSize)
	for {
		if r.readTimeout > 0 {
			if err = r.conn.SetReadDeadline(time.Now().Add(r.readTimeout)); err != nil {
				if isClosed(err) {
					return fmt.Errorf("failed to set read deadline: %w", err)
				}
				r.log.Error(err, "Failed to set read deadline.")
			}
		}

		// A cancellation that raced the deadline above may have been overwritten.
		if ctx.Err() != nil {
			return nil
		}

		n, addr, err = r.conn.ReadFrom(buf)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			if isTimeout(err) {
				continue
			}
			if isClosed(err) {
				return fmt.Errorf("failed to read datagram: %w", err)
			}

			r.metrics.observeReadError()
			failing = true

			wait := retry.NextBackOff()
			r.log.Error(err, "Failed to read datagram.", "retry_in", wait.String())

			select {
			case <-ctx.Done():
				return nil
			case <-time.After(wait):
			}
			continue
		}

		if failing {
			retry.Reset()
			failing = false
		}

		r.metrics.observeRead(n)
		r.handler(addr, buf[:n])
	}
}

// newReadRetry paces retries after read errors that are neither timeouts nor a closed
// socket. It never gives up.
func newReadRetry() *backoff.ExponentialBackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = readRetryInitialInterval
	b.MaxInterval = readRetryMaxInterval
	b.MaxElapsedTime = 0
	b.Reset()
	return b
}

func (r *Receiver) logDatagram(addr net.Addr, buf []byte) {
	r.log.Info("Got data.", "from", addr.String(), "data", string(buf))
}
