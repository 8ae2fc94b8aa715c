package udpstream

import (
	"fmt"
	"math/rand"
	"strconv"
	"time"
)

// MaxAddressLen is the longest rendered address, "255.255.255.255".
const MaxAddressLen = 15

// Address is an IPv4 address held as four octets.
type Address [4]byte

func (a Address) AppendTo(dst []byte) []byte {
	dst = strconv.AppendUint(dst, uint64(a[0]), 10)
	dst = append(dst, '.')
	dst = strconv.AppendUint(dst, uint64(a[1]), 10)
	dst = append(dst, '.')
	dst = strconv.AppendUint(dst, uint64(a[2]), 10)
	dst = append(dst, '.')
	dst = strconv.AppendUint(dst, uint64(a[3]), 10)
	return dst
}

func (a Address) String() string {
	return string(a.AppendTo(make([]byte, 0, MaxAddressLen)))
}

// ParseAddress parses a dotted quad. Leading zeros, signs and surrounding whitespace are rejected.
func ParseAddress(s string) (Address, error) {
	var (
		a     Address
		octet int
		digit int
		val   int
	)

	for i := 0; i <= len(s); i++ {
		if i == len(s) || s[i] == '.' {
			if digit == 0 || octet > 3 {
				return a, fmt.Errorf("%w: %q", ErrInvalidAddress, s)
			}
			a[octet] = byte(val)
			octet, digit, val = octet+1, 0, 0
			continue
		}

		c := s[i]
		if c < '0' || c > '9' || (digit > 0 && val == 0) {
			return a, fmt.Errorf("%w: %q", ErrInvalidAddress, s)
		}

		val = val*10 + int(c-'0')
		digit++

		if val > 255 {
			return a, fmt.Errorf("%w: %q", ErrInvalidAddress, s)
		}
	}

	if octet != 4 {
		return a, fmt.Errorf("%w: %q", ErrInvalidAddress, s)
	}

	return a, nil
}

// Batch is the ordered set of addresses carried by one payload.
type Batch []Address

func (b Batch) Strings() []string {
	s := make([]string, 0, len(b))
	for _, a := range b {
		s = append(s, a.String())
	}
	return s
}

// Generator draws addresses whose first and last octets lie in [1,255] and whose
// middle octets lie in [0,255]. It is not safe for concurrent use.
type Generator struct {
	rng *rand.Rand
}

// NewGenerator wraps rng. A nil rng is replaced by a source seeded from the clock.
func NewGenerator(rng *rand.Rand) *Generator {
	if rng == nil {
		rng = rand.New(rand.NewSource(time.Now().UnixNano()))
	}
	return &Generator{rng: rng}
}

func (g *Generator) Next() Address {
	return Address{
		byte(1 + g.rng.Intn(255)),
		byte(g.rng.Intn(256)),
		byte(g.rng.Intn(256)),
		byte(1 + g.rng.Intn(255)),
	}
}

func (g *Generator) Generate(count int) Batch {
	b := make(Batch, count)
	g.Fill(b)
	return b
}

// Fill overwrites every slot of b with a freshly drawn address.
func (g *Generator) Fill(b Batch) {
	for i := range b {
		b[i] = g.Next()
	}
}
