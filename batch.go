package udpstream

import (
	"io"
	"net"

	"golang.org/x/net/ipv4"
)

// writeQueue holds pooled payloads until enough have accumulated to be written with a
// single WriteBatch call. Order of push is the order on the wire.
type writeQueue struct {
	conn *ipv4.PacketConn
	msgs []ipv4.Message
	bufs []*Buffer
}

func newWriteQueue(conn net.PacketConn, size int) *writeQueue {
	return &writeQueue{
		conn: ipv4.NewPacketConn(conn),
		msgs: make([]ipv4.Message, 0, size),
		bufs: make([]*Buffer, 0, size),
	}
}

// push queues buf for addr and reports whether the queue is now full.
func (q *writeQueue) push(buf *Buffer, addr net.Addr) bool {
	q.msgs = append(q.msgs, ipv4.Message{Buffers: [][]byte{buf.B}, Addr: addr})
	q.bufs = append(q.bufs, buf)
	return len(q.msgs) == cap(q.msgs)
}

// flush writes every queued message and returns how many the socket refused.
func (q *writeQueue) flush(pool *Pool) (int, error) {
	var (
		msgs = q.msgs
		err  error
	)

	for len(msgs) > 0 {
		var n int
		n, err = q.conn.WriteBatch(msgs, 0)
		if err == nil && n == 0 {
			err = io.ErrShortWrite
		}
		if err != nil {
			break
		}
		msgs = msgs[n:]
	}

	failed := len(msgs)
	if err == nil {
		failed = 0
	}

	q.release(pool)

	return failed, err
}

// discard drops every queued message and returns how many were dropped.
func (q *writeQueue) discard(pool *Pool) int {
	n := len(q.msgs)
	q.release(pool)
	return n
}

func (q *writeQueue) release(pool *Pool) {
	for i, buf := range q.bufs {
		pool.Put(buf)
		q.bufs[i] = nil
		q.msgs[i] = ipv4.Message{}
	}
	q.bufs = q.bufs[:0]
	q.msgs = q.msgs[:0]
}
