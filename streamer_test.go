package udpstream

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"net"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
)

func newPacketConn(t testing.TB, addr string) net.PacketConn {
	t.Helper()
	conn, err := net.ListenPacket("udp4", addr)
	require.NoError(t, err)
	return conn
}

// unusedAddr returns a loopback address that nothing is listening on.
func unusedAddr(t testing.TB) net.Addr {
	t.Helper()
	conn := newPacketConn(t, "127.0.0.1:0")
	addr := conn.LocalAddr()
	require.NoError(t, conn.Close())
	return addr
}

type received struct {
	from    string
	payload string
}

// listen starts a receiver that forwards copies of every datagram to the returned channel.
func listen(t testing.TB, opts ...ReceiverOption) (*Receiver, <-chan received, func()) {
	t.Helper()

	ch := make(chan received, 1024)
	handler := func(addr net.Addr, buf []byte) {
		select {
		case ch <- received{from: addr.String(), payload: string(buf)}:
		default:
		}
	}

	conn := newPacketConn(t, "127.0.0.1:0")
	r := NewReceiver(conn, append(opts, WithHandler(handler))...)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- r.Listen(ctx) }()

	return r, ch, func() {
		cancel()
		require.NoError(t, <-done)
		require.NoError(t, conn.Close())
	}
}

func TestStreamerSendEndToEnd(t *testing.T) {
	defer goleak.VerifyNone(t)

	r, ch, stop := listen(t)
	defer stop()

	conn := newPacketConn(t, "127.0.0.1:0")
	defer func() { require.NoError(t, conn.Close()) }()

	s, err := NewStreamer(conn, r.Addr())
	require.NoError(t, err)

	require.NoError(t, s.Send(Batch{{1, 2, 3, 4}, {5, 6, 7, 8}}))

	select {
	case got := <-ch:
		require.Equal(t, "1.2.3.4 5.6.7.8", got.payload)
		require.Equal(t, s.Addr().String(), got.from)
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for datagram")
	}

	select {
	case got := <-ch:
		t.Fatalf("got unexpected datagram %q", got.payload)
	case <-time.After(100 * time.Millisecond):
	}
}

func TestStreamerBurstAccounting(t *testing.T) {
	defer goleak.VerifyNone(t)

	// A bound socket that is never read: datagrams pile up in its buffer and are dropped.
	sink := newPacketConn(t, "127.0.0.1:0")
	defer func() { require.NoError(t, sink.Close()) }()

	conn := newPacketConn(t, "127.0.0.1:0")
	defer func() { require.NoError(t, conn.Close()) }()

	reg := prometheus.NewRegistry()
	metrics := NewMetrics(reg)

	s, err := NewStreamer(conn, sink.LocalAddr(), WithMetrics(metrics))
	require.NoError(t, err)

	before := time.Now()
	sample, err := s.RunBurst(context.Background())
	require.NoError(t, err)

	require.EqualValues(t, DefaultBurstSize, sample.Datagrams)
	require.EqualValues(t, DefaultBurstSize*DefaultBatchSize, sample.Addresses)
	require.EqualValues(t, 300000, sample.Addresses)
	require.True(t, sample.Elapsed() > 0)
	require.False(t, sample.Start.Before(before))
	require.True(t, sample.Start.Before(sample.End))
	require.True(t, sample.PerAddress() > 0)
	require.LessOrEqual(t, sample.Bytes, uint64(DefaultBurstSize*DefaultMaxPayloadSize))

	require.EqualValues(t, sample.Datagrams, testutil.ToFloat64(metrics.DatagramsSent))
	require.EqualValues(t, sample.Addresses, testutil.ToFloat64(metrics.AddressesSent))
	require.EqualValues(t, sample.Bytes, testutil.ToFloat64(metrics.BytesSent))
	require.EqualValues(t, sample.Errors, testutil.ToFloat64(metrics.SendErrors))
}

func TestStreamerRunWithoutListener(t *testing.T) {
	defer goleak.VerifyNone(t)

	conn := newPacketConn(t, "127.0.0.1:0")
	defer func() { require.NoError(t, conn.Close()) }()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var bursts uint64

	reporter := func(sample Sample) {
		require.EqualValues(t, 100*DefaultBatchSize, sample.Addresses)
		if atomic.AddUint64(&bursts, 1) == 3 {
			cancel()
		}
	}

	s, err := NewStreamer(conn, unusedAddr(t), WithBurstSize(100), WithReporter(reporter))
	require.NoError(t, err)

	require.NoError(t, s.Run(ctx))
	require.EqualValues(t, 3, atomic.LoadUint64(&bursts))
}

func TestStreamerRunStopsOnDeadline(t *testing.T) {
	defer goleak.VerifyNone(t)

	conn := newPacketConn(t, "127.0.0.1:0")
	defer func() { require.NoError(t, conn.Close()) }()

	s, err := NewStreamer(conn, unusedAddr(t))
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	require.NoError(t, s.Run(ctx))
}

func TestStreamerRunBurstCancelled(t *testing.T) {
	conn := newPacketConn(t, "127.0.0.1:0")
	defer func() { require.NoError(t, conn.Close()) }()

	s, err := NewStreamer(conn, unusedAddr(t))
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	sample, err := s.RunBurst(ctx)
	require.ErrorIs(t, err, context.Canceled)
	require.Zero(t, sample.Datagrams)
}

func TestStreamerClosedSocket(t *testing.T) {
	conn := newPacketConn(t, "127.0.0.1:0")

	s, err := NewStreamer(conn, unusedAddr(t))
	require.NoError(t, err)

	require.NoError(t, conn.Close())

	_, err = s.RunBurst(context.Background())
	require.ErrorIs(t, err, net.ErrClosed)

	require.ErrorIs(t, s.Run(context.Background()), net.ErrClosed)
	require.ErrorIs(t, s.Send(Batch{{1, 2, 3, 4}}), net.ErrClosed)
}

func TestStreamerSplitsOversizedBatches(t *testing.T) {
	defer goleak.VerifyNone(t)

	var (
		mu        sync.Mutex
		addresses int
	)

	handler := func(_ net.Addr, buf []byte) {
		assert.LessOrEqual(t, len(buf), DefaultMaxPayloadSize)

		mu.Lock()
		addresses += len(strings.Split(string(buf), " "))
		mu.Unlock()
	}

	rconn := newPacketConn(t, "127.0.0.1:0")
	r := NewReceiver(rconn, WithHandler(handler))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- r.Listen(ctx) }()

	defer func() {
		cancel()
		require.NoError(t, <-done)
		require.NoError(t, rconn.Close())
	}()

	conn := newPacketConn(t, "127.0.0.1:0")
	defer func() { require.NoError(t, conn.Close()) }()

	s, err := NewStreamer(conn, r.Addr(), WithBatchSize(100), WithBurstSize(10))
	require.NoError(t, err)

	sample, err := s.RunBurst(context.Background())
	require.NoError(t, err)

	require.EqualValues(t, 1000, sample.Addresses)
	require.Greater(t, sample.Datagrams, uint64(10))

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return addresses == 1000
	}, 5*time.Second, 10*time.Millisecond)
}

func TestStreamerWriteBatch(t *testing.T) {
	defer goleak.VerifyNone(t)

	r, ch, stop := listen(t)
	defer stop()

	conn := newPacketConn(t, "127.0.0.1:0")
	defer func() { require.NoError(t, conn.Close()) }()

	s, err := NewStreamer(conn, r.Addr(), WithWriteBatch(8), WithBurstSize(100))
	require.NoError(t, err)

	sample, err := s.RunBurst(context.Background())
	require.NoError(t, err)
	require.EqualValues(t, 100, sample.Datagrams)
	require.Zero(t, sample.Errors)

	for i := 0; i < 100; i++ {
		select {
		case got := <-ch:
			require.Len(t, strings.Split(got.payload, " "), DefaultBatchSize)
			require.Equal(t, s.Addr().String(), got.from)
		case <-time.After(5 * time.Second):
			t.Fatalf("timed out after %d datagram(s)", i)
		}
	}
}

func TestStreamerSeededGeneratorIsSent(t *testing.T) {
	defer goleak.VerifyNone(t)

	r, ch, stop := listen(t)
	defer stop()

	conn := newPacketConn(t, "127.0.0.1:0")
	defer func() { require.NoError(t, conn.Close()) }()

	gen := NewGenerator(rand.New(rand.NewSource(7)))
	s, err := NewStreamer(conn, r.Addr(), WithGenerator(gen), WithBurstSize(1))
	require.NoError(t, err)

	_, err = s.RunBurst(context.Background())
	require.NoError(t, err)

	expected := string(Compose(NewGenerator(rand.New(rand.NewSource(7))).Generate(DefaultBatchSize)))

	select {
	case got := <-ch:
		require.Equal(t, expected, got.payload)
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for datagram")
	}
}

// deadlineConn refuses every write deadline.
type deadlineConn struct {
	*net.UDPConn
}

var errWriteDeadline = errors.New("write deadline refused")

func (c deadlineConn) SetWriteDeadline(time.Time) error {
	return errWriteDeadline
}

func TestStreamerCountsFailedWrites(t *testing.T) {
	for _, writeBatch := range []int{1, 8} {
		writeBatch := writeBatch
		t.Run(fmt.Sprintf("write_batch_%d", writeBatch), func(t *testing.T) {
			defer goleak.VerifyNone(t)

			sink := newPacketConn(t, "127.0.0.1:0")
			defer func() { require.NoError(t, sink.Close()) }()

			conn := newPacketConn(t, "127.0.0.1:0")
			defer func() { require.NoError(t, conn.Close()) }()

			// Already expired: every write fails with a timeout.
			require.NoError(t, conn.SetWriteDeadline(time.Unix(1, 0)))

			metrics := NewMetrics(prometheus.NewRegistry())

			s, err := NewStreamer(conn, sink.LocalAddr(), WithWriteBatch(writeBatch), WithBurstSize(100), WithMetrics(metrics))
			require.NoError(t, err)

			sample, err := s.RunBurst(context.Background())
			require.NoError(t, err)
			require.EqualValues(t, 100, sample.Datagrams)
			require.EqualValues(t, 100, sample.Errors)
			require.EqualValues(t, 100, testutil.ToFloat64(metrics.SendErrors))
		})
	}
}

func TestStreamerDiscardsQueueWhenDeadlineFails(t *testing.T) {
	defer goleak.VerifyNone(t)

	r, ch, stop := listen(t)
	defer stop()

	conn := deadlineConn{newPacketConn(t, "127.0.0.1:0").(*net.UDPConn)}
	defer func() { require.NoError(t, conn.Close()) }()

	s, err := NewStreamer(conn, r.Addr(), WithWriteBatch(8), WithWriteTimeout(time.Second), WithBurstSize(20))
	require.NoError(t, err)

	sample, err := s.RunBurst(context.Background())
	require.NoError(t, err)
	require.EqualValues(t, 20, sample.Datagrams)
	require.EqualValues(t, 20, sample.Errors)

	select {
	case got := <-ch:
		t.Fatalf("got unexpected datagram %q", got.payload)
	case <-time.After(100 * time.Millisecond):
	}
}

func TestStreamerSendCountsMetrics(t *testing.T) {
	defer goleak.VerifyNone(t)

	sink := newPacketConn(t, "127.0.0.1:0")
	defer func() { require.NoError(t, sink.Close()) }()

	conn := newPacketConn(t, "127.0.0.1:0")
	defer func() { require.NoError(t, conn.Close()) }()

	metrics := NewMetrics(prometheus.NewRegistry())

	s, err := NewStreamer(conn, sink.LocalAddr(), WithMetrics(metrics))
	require.NoError(t, err)

	require.NoError(t, s.Send(Batch{{1, 2, 3, 4}, {5, 6, 7, 8}}))
	require.NoError(t, s.Send(nil))

	require.EqualValues(t, 1, testutil.ToFloat64(metrics.DatagramsSent))
	require.EqualValues(t, 2, testutil.ToFloat64(metrics.AddressesSent))
	require.EqualValues(t, len("1.2.3.4 5.6.7.8"), testutil.ToFloat64(metrics.BytesSent))
	require.Zero(t, testutil.ToFloat64(metrics.SendErrors))

	require.NoError(t, conn.SetWriteDeadline(time.Unix(1, 0)))

	err = s.Send(Batch{{9, 9, 9, 9}})
	require.Error(t, err)
	require.True(t, isTimeout(err))
	require.EqualValues(t, 1, testutil.ToFloat64(metrics.SendErrors))
}

func TestNewStreamerValidation(t *testing.T) {
	conn := newPacketConn(t, "127.0.0.1:0")
	defer func() { require.NoError(t, conn.Close()) }()

	addr := unusedAddr(t)

	_, err := NewStreamer(conn, addr, WithBatchSize(-1))
	require.ErrorIs(t, err, ErrInvalidBatchSize)

	_, err = NewStreamer(conn, addr, WithBurstSize(-1))
	require.ErrorIs(t, err, ErrInvalidBurstSize)

	_, err = NewStreamer(conn, addr, WithMaxPayloadSize(MaxAddressLen-1))
	require.ErrorIs(t, err, ErrPayloadTooSmall)

	s, err := NewStreamer(conn, addr)
	require.NoError(t, err)
	require.Equal(t, DefaultBatchSize, s.batchSize)
	require.Equal(t, DefaultBurstSize, s.burstSize)
	require.Equal(t, DefaultMaxPayloadSize, s.maxPayloadSize)
	require.Nil(t, s.queue)
	require.Equal(t, addr, s.Destination())
}

func BenchmarkStreamerRunBurst(b *testing.B) {
	sink := newPacketConn(b, "127.0.0.1:0")
	conn := newPacketConn(b, "127.0.0.1:0")

	defer func() {
		require.NoError(b, conn.Close())
		require.NoError(b, sink.Close())
	}()

	s, err := NewStreamer(conn, sink.LocalAddr(), WithBurstSize(1))
	require.NoError(b, err)

	b.ReportAllocs()
	b.ResetTimer()

	for i := 0; i < b.N; i++ {
		if _, err := s.RunBurst(context.Background()); err != nil {
			b.Fatal(err)
		}
	}
}
