package udpstream

import (
	"time"

	"github.com/go-logr/logr"
)

const (
	DefaultBatchSize      = 30
	DefaultBurstSize      = 10000
	DefaultReadBufferSize = 2048

	DefaultDestination = "127.0.0.1:6788"
	DefaultBindAddress = "127.0.0.1:6789"
)

type StreamerOption interface {
	applyStreamer(s *Streamer)
}

type ReceiverOption interface {
	applyReceiver(r *Receiver)
}

type Option interface {
	StreamerOption
	ReceiverOption
}

type withLogger struct{ log logr.Logger }

func (o withLogger) applyStreamer(s *Streamer) { s.log = o.log }
func (o withLogger) applyReceiver(r *Receiver) { r.log = o.log }

func WithLogger(log logr.Logger) Option { return withLogger{log: log} }

type withMetrics struct{ metrics *Metrics }

func (o withMetrics) applyStreamer(s *Streamer) { s.metrics = o.metrics }
func (o withMetrics) applyReceiver(r *Receiver) { r.metrics = o.metrics }

func WithMetrics(metrics *Metrics) Option { return withMetrics{metrics: metrics} }

type withBatchSize struct{ batchSize int }

func (o withBatchSize) applyStreamer(s *Streamer) { s.batchSize = o.batchSize }

// WithBatchSize sets how many addresses are drawn per payload.
func WithBatchSize(batchSize int) StreamerOption { return withBatchSize{batchSize: batchSize} }

type withBurstSize struct{ burstSize int }

func (o withBurstSize) applyStreamer(s *Streamer) { s.burstSize = o.burstSize }

// WithBurstSize sets how many batches are sent between two throughput samples.
func WithBurstSize(burstSize int) StreamerOption { return withBurstSize{burstSize: burstSize} }

type withMaxPayloadSize struct{ maxPayloadSize int }

func (o withMaxPayloadSize) applyStreamer(s *Streamer) { s.maxPayloadSize = o.maxPayloadSize }

func WithMaxPayloadSize(maxPayloadSize int) StreamerOption {
	return withMaxPayloadSize{maxPayloadSize: maxPayloadSize}
}

type withGenerator struct{ gen *Generator }

func (o withGenerator) applyStreamer(s *Streamer) { s.gen = o.gen }

func WithGenerator(gen *Generator) StreamerOption { return withGenerator{gen: gen} }

type withReporter struct{ report Reporter }

func (o withReporter) applyStreamer(s *Streamer) { s.report = o.report }

func WithReporter(report Reporter) StreamerOption { return withReporter{report: report} }

type withBufferPool struct{ pool *Pool }

func (o withBufferPool) applyStreamer(s *Streamer) { s.pool = o.pool }

func WithBufferPool(pool *Pool) StreamerOption { return withBufferPool{pool: pool} }

type withWriteBatch struct{ writeBatch int }

func (o withWriteBatch) applyStreamer(s *Streamer) { s.writeBatch = o.writeBatch }

// WithWriteBatch queues up to n datagrams and hands them to the kernel in a single
// call where the platform supports it. The socket must be an IPv4 UDP socket.
func WithWriteBatch(n int) StreamerOption {
	if n < 1 {
		panic("write batch size must be at least one")
	}
	return withWriteBatch{writeBatch: n}
}

type withWriteTimeout struct{ writeTimeout time.Duration }

func (o withWriteTimeout) applyStreamer(s *Streamer) { s.writeTimeout = o.writeTimeout }

func WithWriteTimeout(writeTimeout time.Duration) StreamerOption {
	return withWriteTimeout{writeTimeout: writeTimeout}
}

type withReadBufferSize struct{ readBufferSize int }

func (o withReadBufferSize) applyReceiver(r *Receiver) { r.readBufferSize = o.readBufferSize }

func WithReadBufferSize(readBufferSize int) ReceiverOption {
	if readBufferSize < 1 {
		panic("read buffer size must be positive")
	}
	return withReadBufferSize{readBufferSize: readBufferSize}
}

type withReadTimeout struct{ readTimeout time.Duration }

func (o withReadTimeout) applyReceiver(r *Receiver) { r.readTimeout = o.readTimeout }

// WithReadTimeout bounds each blocking read. Timeouts are not errors; the read loop simply retries.
func WithReadTimeout(readTimeout time.Duration) ReceiverOption {
	return withReadTimeout{readTimeout: readTimeout}
}

type withHandler struct{ handler Handler }

func (o withHandler) applyReceiver(r *Receiver) { r.handler = o.handler }

func WithHandler(handler Handler) ReceiverOption { return withHandler{handler: handler} }
