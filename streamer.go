package udpstream

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/go-logr/logr"
)

// Reporter receives the sample measured at the end of every burst.
type Reporter func(s Sample)

type Streamer struct {
	batchSize      int
	burstSize      int
	maxPayloadSize int
	writeBatch     int
	writeTimeout   time.Duration

	conn net.PacketConn
	addr net.Addr

	gen     *Generator
	pool    *Pool
	log     logr.Logger
	metrics *Metrics
	report  Reporter

	batch Batch
	queue *writeQueue
}

// NewStreamer prepares a streamer that writes datagrams through conn to addr. conn is
// not connected to addr; every datagram is addressed individually.
func NewStreamer(conn net.PacketConn, addr net.Addr, opts ...StreamerOption) (*Streamer, error) {
	s := &Streamer{conn: conn, addr: addr, log: logr.Discard()}

	for _, opt := range opts {
		opt.applyStreamer(s)
	}

	if s.batchSize == 0 {
		s.batchSize = DefaultBatchSize
	}

	if s.burstSize == 0 {
		s.burstSize = DefaultBurstSize
	}

	if s.maxPayloadSize == 0 {
		s.maxPayloadSize = DefaultMaxPayloadSize
	}

	if s.batchSize < 0 {
		return nil, fmt.Errorf("%w: got %d", ErrInvalidBatchSize, s.batchSize)
	}

	if s.burstSize < 0 {
		return nil, fmt.Errorf("%w: got %d", ErrInvalidBurstSize, s.burstSize)
	}

	if s.maxPayloadSize < MaxAddressLen {
		return nil, fmt.Errorf("%w: got %d, need at least %d", ErrPayloadTooSmall, s.maxPayloadSize, MaxAddressLen)
	}

	if s.gen == nil {
		s.gen = NewGenerator(nil)
	}

	if s.pool == nil {
		s.pool = new(Pool)
	}

	if s.report == nil {
		s.report = s.logSample
	}

	if s.writeBatch > 1 {
		s.queue = newWriteQueue(conn, s.writeBatch)
	}

	s.batch = make(Batch, s.batchSize)

	return s, nil
}

func (s *Streamer) Addr() net.Addr {
	return s.conn.LocalAddr()
}

func (s *Streamer) Destination() net.Addr {
	return s.addr
}

// Run sends bursts until ctx is cancelled, reporting a sample after each complete burst.
// It returns nil once ctx is done and an error only if the socket becomes unusable.
func (s *Streamer) Run(ctx context.Context) error {
	s.log.V(1).Info("Streaming.", "local", s.Addr().String(), "destination", s.addr.String(),
		"batch_size", s.batchSize, "burst_size", s.burstSize)

	for {
		sample, err := s.RunBurst(ctx)
		if err != nil {
			if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
				return nil
			}
			return err
		}
		s.report(sample)
	}
}

// RunBurst sends exactly one burst of freshly generated batches and returns its sample.
// If ctx is cancelled midway, the partial sample is returned along with ctx.Err().
func (s *Streamer) RunBurst(ctx context.Context) (Sample, error) {
	sample := Sample{Start: time.Now()}

	var err error
	for i := 0; i < s.burstSize; i++ {
		if err = ctx.Err(); err != nil {
			break
		}
		s.gen.Fill(s.batch)
		if err = s.transmitBatch(s.batch, &sample); err != nil {
			break
		}
	}

	if s.queue != nil {
		if ferr := s.flush(&sample); ferr != nil && err == nil {
			err = ferr
		}
	}

	sample.End = time.Now()

	s.metrics.observeBurst(sample)

	return sample, err
}

// Send composes b and writes it to the destination, returning the first write error.
// Sent datagrams are counted in the streamer's metrics but not in any burst sample.
func (s *Streamer) Send(b Batch) error {
	var sample Sample

	err := s.pack(b, &sample, func(buf *Buffer) error {
		err := s.write(buf.B)
		s.pool.Put(buf)

		if err != nil {
			sample.Errors++
			return fmt.Errorf("failed to transmit datagram: %w", err)
		}
		return nil
	})

	s.metrics.observeSent(sample)

	return err
}

func (s *Streamer) transmitBatch(b Batch, sample *Sample) error {
	return s.pack(b, sample, func(buf *Buffer) error {
		if s.queue != nil {
			if s.queue.push(buf, s.addr) {
				return s.flush(sample)
			}
			return nil
		}

		err := s.write(buf.B)
		s.pool.Put(buf)

		return s.handleWriteError(err, 1, sample)
	})
}

// pack splits b into pooled payloads no larger than maxPayloadSize, counts each one in
// sample and hands it to fn, which takes ownership of buf. It stops at the first error fn
// returns.
func (s *Streamer) pack(b Batch, sample *Sample, fn func(buf *Buffer) error) error {
	for rest := b; len(rest) > 0; {
		buf := s.pool.Get()

		var n int
		buf.B, n = Pack(buf.B[:0], rest, s.maxPayloadSize)
		rest = rest[n:]

		sample.Datagrams++
		sample.Addresses += uint64(n)
		sample.Bytes += uint64(len(buf.B))

		if err := fn(buf); err != nil {
			return err
		}
	}

	return nil
}

func (s *Streamer) flush(sample *Sample) error {
	if err := s.setWriteDeadline(); err != nil {
		return s.handleWriteError(err, s.queue.discard(s.pool), sample)
	}

	failed, err := s.queue.flush(s.pool)
	return s.handleWriteError(err, failed, sample)
}

// handleWriteError counts failed datagrams and decides whether the loop may continue.
// Only a closed socket stops the stream.
func (s *Streamer) handleWriteError(err error, failed int, sample *Sample) error {
	if err == nil {
		return nil
	}

	if isClosed(err) {
		return fmt.Errorf("failed to transmit datagram: %w", err)
	}

	sample.Errors += uint64(failed)
	s.log.V(1).Info("Dropped datagram.", "destination", s.addr.String(), "error", err.Error())

	return nil
}

func (s *Streamer) write(buf []byte) error {
	if err := s.setWriteDeadline(); err != nil {
		return err
	}

	n, err := s.conn.WriteTo(buf, s.addr)
	if err == nil && n != len(buf) {
		err = io.ErrShortWrite
	}
	return err
}

func (s *Streamer) setWriteDeadline() error {
	if s.writeTimeout <= 0 {
		return nil
	}
	return s.conn.SetWriteDeadline(time.Now().Add(s.writeTimeout))
}

func (s *Streamer) logSample(sample Sample) {
	elapsed := sample.Elapsed()
	perAddress := sample.PerAddress()

	s.log.Info("Sent burst.",
		"addresses", sample.Addresses,
		"datagrams", sample.Datagrams,
		"errors", sample.Errors,
		"elapsed_ms", float64(elapsed)/float64(time.Millisecond),
		"per_address_ms", float64(perAddress)/float64(time.Millisecond),
		"per_address_us", float64(perAddress)/float64(time.Microsecond),
		"rate", humanize.Bytes(uint64(sample.BytesPerSecond()))+"/s",
	)
}
