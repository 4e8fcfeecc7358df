package ip

import (
	"bytes"

	"gophernel/kernel/kfmt"
)

// Address is an IPv4 address stored host-endian. Non-goal per spec: no
// IPv6 support, so unlike nanokoton's IPAddress this is not a union.
type Address uint32

// NewAddress builds an Address from four octets in network order.
func NewAddress(a, b, c, d uint8) Address {
	return Address(uint32(a)<<24 | uint32(b)<<16 | uint32(c)<<8 | uint32(d))
}

// Broadcast returns 255.255.255.255.
func Broadcast() Address { return Address(0xFFFFFFFF) }

// Any returns 0.0.0.0.
func Any() Address { return Address(0) }

// Localhost returns 127.0.0.1.
func Localhost() Address { return NewAddress(127, 0, 0, 1) }

// Octets returns the address's four bytes in network order.
func (a Address) Octets() [4]uint8 {
	return [4]uint8{uint8(a >> 24), uint8(a >> 16), uint8(a >> 8), uint8(a)}
}

// String renders the address in dotted-quad form using kfmt, since the
// package cannot import the hosted "fmt" before the heap exists.
func (a Address) String() string {
	o := a.Octets()
	var buf bytes.Buffer
	kfmt.Fprintf(&buf, "%d.%d.%d.%d", o[0], o[1], o[2], o[3])
	return buf.String()
}
