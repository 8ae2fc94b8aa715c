package udpstream

import "fmt"

// DefaultMaxPayloadSize is the largest UDP payload every IPv4 host must accept
// without fragmentation (576 byte datagram minus 60 bytes of IP header and 8 of UDP).
const DefaultMaxPayloadSize = 508

// PayloadSize returns the exact length of the payload composed from b.
func PayloadSize(b Batch) int {
	if len(b) == 0 {
		return 0
	}

	size := len(b) - 1
	for _, a := range b {
		size += addressLen(a)
	}
	return size
}

func addressLen(a Address) int {
	n := 3
	for _, o := range a {
		switch {
		case o >= 100:
			n += 3
		case o >= 10:
			n += 2
		default:
			n++
		}
	}
	return n
}

// AppendPayload appends the space-joined rendering of b to dst.
func AppendPayload(dst []byte, b Batch) []byte {
	for i, a := range b {
		if i > 0 {
			dst = append(dst, ' ')
		}
		dst = a.AppendTo(dst)
	}
	return dst
}

// Compose renders b as a single-line payload: addresses in order, separated by one space.
func Compose(b Batch) []byte {
	return AppendPayload(make([]byte, 0, PayloadSize(b)), b)
}

// Pack appends as many leading addresses of b to dst as fit within limit bytes and
// reports how many were consumed. It consumes nothing if the first address does not fit.
func Pack(dst []byte, b Batch, limit int) ([]byte, int) {
	size := 0
	for i, a := range b {
		n := addressLen(a)
		if i > 0 {
			n++
		}
		if size+n > limit {
			return dst, i
		}
		if i > 0 {
			dst = append(dst, ' ')
		}
		dst = a.AppendTo(dst)
		size += n
	}
	return dst, len(b)
}

// Split packs all of b into as few payloads as possible, none larger than limit bytes.
// It returns ErrPayloadTooSmall if limit is below MaxAddressLen.
func Split(b Batch, limit int) ([][]byte, error) {
	if limit < MaxAddressLen {
		return nil, fmt.Errorf("%w: got %d, need at least %d", ErrPayloadTooSmall, limit, MaxAddressLen)
	}

	var payloads [][]byte
	for len(b) > 0 {
		payload, n := Pack(nil, b, limit)
		payloads = append(payloads, payload)
		b = b[n:]
	}
	return payloads, nil
}
