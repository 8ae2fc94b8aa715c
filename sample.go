package udpstream

import "time"

// Sample is the throughput measured over one burst.
type Sample struct {
	Start time.Time
	End   time.Time

	Datagrams uint64 // datagrams handed to the socket
	Addresses uint64 // addresses carried by those datagrams
	Bytes     uint64 // payload bytes carried by those datagrams
	Errors    uint64 // datagrams the socket refused
}

func (s Sample) Elapsed() time.Duration {
	return s.End.Sub(s.Start)
}

// PerAddress is the average time spent per address sent.
func (s Sample) PerAddress() time.Duration {
	if s.Addresses == 0 {
		return 0
	}
	return s.Elapsed() / time.Duration(s.Addresses)
}

func (s Sample) BytesPerSecond() float64 {
	elapsed := s.Elapsed().Seconds()
	if elapsed <= 0 {
		return 0
	}
	return float64(s.Bytes) / elapsed
}
